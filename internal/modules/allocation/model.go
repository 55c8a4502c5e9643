// README: Real-time allocation model: request lifecycle, outcomes and failure reasons.
package allocation

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/rotisserie/eris"

	"refuge/internal/maps"
	"refuge/internal/types"
)

var (
	ErrDuplicateRequest = errors.New("allocation already pending for user")
	ErrShuttingDown     = errors.New("allocation service is shutting down")
	ErrInvalidRequest   = errors.New("invalid allocation request")
)

// Status is the lifecycle state of one request. The state decides which path
// (batch loop or caller fallback) owns the single outcome.
type Status int32

const (
	StatusSubmitted Status = iota
	StatusBatched
	StatusResolved
	StatusTimedOut
	StatusFallbackResolved
)

func (s Status) String() string {
	switch s {
	case StatusSubmitted:
		return "submitted"
	case StatusBatched:
		return "batched"
	case StatusResolved:
		return "resolved"
	case StatusTimedOut:
		return "timed_out"
	case StatusFallbackResolved:
		return "fallback_resolved"
	default:
		return "unknown"
	}
}

// AllowedTransitions maps each status to the statuses it may move to.
var AllowedTransitions = map[Status][]Status{
	StatusSubmitted: {StatusBatched, StatusTimedOut},
	StatusBatched:   {StatusResolved},
	StatusTimedOut:  {StatusFallbackResolved},
}

func CanTransition(from, to Status) bool {
	return slices.Contains(AllowedTransitions[from], to)
}

// Reason explains a failed allocation.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonNoShelterInRange    Reason = "no_shelter_in_range"
	ReasonCapacityRaceLost    Reason = "capacity_race_lost"
	ReasonQueueTimeout        Reason = "queue_timeout"
	ReasonUpstreamUnavailable Reason = "upstream_unavailable"
	ReasonShuttingDown        Reason = "shutting_down"
)

// Action is what the caller should do after a failure.
type Action string

const (
	ActionNone                      Action = ""
	ActionRetry                     Action = "retry"
	ActionResubmit                  Action = "resubmit"
	ActionSeekNearestProtectedSpace Action = "seek_nearest_protected_space"
	ActionContactEmergencyServices  Action = "contact_emergency_services"
)

// Path records which code path produced a result.
type Path string

const (
	PathBatch    Path = "batch"
	PathFallback Path = "fallback"
	// PathExisting answers with the reservation the user already holds.
	PathExisting Path = "existing"
)

// Request is one user asking for a shelter during an alert. Age is optional;
// zero or less is treated as an adult.
type Request struct {
	UserID      types.ID
	Location    types.Point
	Age         int
	AlertID     types.ID
	Reference   types.Point
	DeviceToken string
}

func (r Request) Validate() error {
	switch {
	case r.UserID == "":
		return eris.Wrap(ErrInvalidRequest, "user id is required")
	case r.AlertID == "":
		return eris.Wrap(ErrInvalidRequest, "alert id is required")
	case !r.Location.Valid():
		return eris.Wrap(ErrInvalidRequest, "location out of range")
	case !r.Reference.Valid():
		return eris.Wrap(ErrInvalidRequest, "alert reference out of range")
	case r.Age < 0 || r.Age > 150:
		return eris.Wrap(ErrInvalidRequest, "age out of range")
	}
	return nil
}

// Result is the single outcome of a Request.
type Result struct {
	RequestID        string      `json:"request_id"`
	UserID           types.ID    `json:"user_id"`
	AlertID          types.ID    `json:"alert_id"`
	Success          bool        `json:"success"`
	Path             Path        `json:"path"`
	ShelterID        types.ID    `json:"shelter_id,omitempty"`
	ShelterName      string      `json:"shelter_name,omitempty"`
	ShelterLocation  types.Point `json:"shelter_location"`
	DistanceKm       float64     `json:"distance_km,omitempty"`
	EstimatedArrival *time.Time  `json:"estimated_arrival,omitempty"`
	Route            *maps.Route `json:"route,omitempty"`
	Reason           Reason      `json:"reason,omitempty"`
	Action           Action      `json:"action,omitempty"`
	// Nearest shelter regardless of reach or capacity, set on no_shelter_in_range.
	NearestShelterID  types.ID  `json:"nearest_shelter_id,omitempty"`
	NearestDistanceKm float64   `json:"nearest_distance_km,omitempty"`
	ResolvedAt        time.Time `json:"resolved_at"`
}

// RouteEnricher supplies a pedestrian-network route for a successful result.
type RouteEnricher interface {
	WalkingRoute(ctx context.Context, origin, destination types.Point) (maps.Route, error)
}

// Notifier pushes a result to the requesting device.
type Notifier interface {
	NotifyAllocation(ctx context.Context, deviceToken string, res Result) error
}

func failure(reason Reason, action Action) Result {
	return Result{Reason: reason, Action: action}
}
