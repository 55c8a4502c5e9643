// README: Shelter model and the directory contract used by the allocation orchestrator.
package shelter

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"refuge/internal/types"
)

var (
	ErrNotFound       = errors.New("shelter not found")
	ErrInvalidShelter = errors.New("invalid shelter")
)

// Shelter is a protected space with live occupancy.
type Shelter struct {
	ID        types.ID    `json:"id" yaml:"id"`
	Name      string      `json:"name" yaml:"name"`
	Location  types.Point `json:"location" yaml:"location"`
	Capacity  int         `json:"capacity" yaml:"capacity"`
	Occupancy int         `json:"occupancy" yaml:"occupancy"`
	Active    bool        `json:"active" yaml:"active"`
}

// Remaining is the number of free slots, never negative.
func (s Shelter) Remaining() int {
	if r := s.Capacity - s.Occupancy; r > 0 {
		return r
	}
	return 0
}

// Validate rejects shelters the engine must never see.
func (s Shelter) Validate() error {
	switch {
	case s.ID == "":
		return eris.Wrap(ErrInvalidShelter, "empty id")
	case !s.Location.Valid():
		return eris.Wrap(ErrInvalidShelter, "location out of range")
	case s.Capacity < 0 || s.Occupancy < 0:
		return eris.Wrap(ErrInvalidShelter, "negative capacity or occupancy")
	}
	return nil
}

// Directory is the live shelter source. Reserve must re-check capacity at commit
// time; it returns false when the slot was lost or the user already holds one.
// ReservationOf tells those two apart.
type Directory interface {
	ListActive(ctx context.Context) ([]Shelter, error)
	Get(ctx context.Context, id types.ID) (Shelter, bool, error)
	CurrentOccupancy(ctx context.Context, id types.ID) (int, bool, error)
	Reserve(ctx context.Context, userID, shelterID types.ID) (bool, error)
	Release(ctx context.Context, userID types.ID) (bool, error)
	ReservationOf(ctx context.Context, userID types.ID) (types.ID, bool, error)
}

// NearbyLister is implemented by directories that can answer radius queries
// without listing every shelter.
type NearbyLister interface {
	NearbyActive(ctx context.Context, p types.Point, radiusKm float64) ([]Shelter, error)
}
