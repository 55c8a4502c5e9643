// README: Bulk simulation request, report and validation.
package simulation

import (
	"errors"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"refuge/internal/geo"
	"refuge/internal/modules/matching"
	"refuge/internal/types"
)

var ErrBadRequest = errors.New("invalid simulation request")

const (
	MaxPopulation   = 200_000
	MaxShelterCount = 20_000

	// DiagnosticsBudget caps people x shelters for the nearest-shelter report
	// on unassigned people. Larger runs skip it.
	DiagnosticsBudget = 20_000_000

	DefaultRadiusKm    = 2.0
	DefaultMinCapacity = 50
	DefaultMaxCapacity = 500
)

type PersonSpec struct {
	ID       types.ID    `json:"id" yaml:"id"`
	Age      int         `json:"age" yaml:"age"`
	Location types.Point `json:"location" yaml:"location"`
}

type ShelterSpec struct {
	ID       types.ID    `json:"id" yaml:"id"`
	Name     string      `json:"name,omitempty" yaml:"name"`
	Location types.Point `json:"location" yaml:"location"`
	Capacity int         `json:"capacity" yaml:"capacity"`
}

// Request describes one simulation run. Synthetic people or shelters are drawn
// over a disc of RadiusKm around Center; explicit lists are used otherwise.
type Request struct {
	GeneratePeople   bool          `json:"generate_people" yaml:"generate_people"`
	Population       int           `json:"population" yaml:"population"`
	People           []PersonSpec  `json:"people,omitempty" yaml:"people"`
	GenerateShelters bool          `json:"generate_shelters" yaml:"generate_shelters"`
	ShelterCount     int           `json:"shelter_count" yaml:"shelter_count"`
	Shelters         []ShelterSpec `json:"shelters,omitempty" yaml:"shelters"`

	Center      types.Point `json:"center" yaml:"center"`
	RadiusKm    float64     `json:"radius_km" yaml:"radius_km"`
	MinCapacity int         `json:"min_capacity" yaml:"min_capacity"`
	MaxCapacity int         `json:"max_capacity" yaml:"max_capacity"`

	// PriorityEnabled defaults to true when omitted.
	PriorityEnabled *bool `json:"priority_enabled,omitempty" yaml:"priority_enabled"`
	ElderlyAge      int   `json:"elderly_age,omitempty" yaml:"elderly_age"`
	ChildAge        int   `json:"child_age,omitempty" yaml:"child_age"`

	// Seed fixes the synthetic draw. Zero picks a fresh seed, reported back.
	Seed uint64 `json:"seed,omitempty" yaml:"seed"`
}

// withDefaults fills radius, capacity range and age thresholds.
func (r Request) withDefaults() Request {
	if r.RadiusKm == 0 {
		r.RadiusKm = DefaultRadiusKm
	}
	if r.MinCapacity == 0 && r.MaxCapacity == 0 {
		r.MinCapacity, r.MaxCapacity = DefaultMinCapacity, DefaultMaxCapacity
	}
	if r.ElderlyAge == 0 {
		r.ElderlyAge = geo.DefaultAgeBands.ElderlyAge
	}
	if r.ChildAge == 0 {
		r.ChildAge = geo.DefaultAgeBands.ChildAge
	}
	return r
}

func (r Request) Validate() error {
	if !r.Center.Valid() {
		return eris.Wrap(ErrBadRequest, "center out of range")
	}
	if r.RadiusKm <= 0 {
		return eris.Wrap(ErrBadRequest, "radius_km must be positive")
	}
	if r.ElderlyAge <= r.ChildAge {
		return eris.Wrap(ErrBadRequest, "elderly_age must exceed child_age")
	}

	if r.GeneratePeople {
		if r.Population <= 0 || r.Population > MaxPopulation {
			return eris.Wrapf(ErrBadRequest, "population must be in [1, %d]", MaxPopulation)
		}
	} else {
		if len(r.People) == 0 || len(r.People) > MaxPopulation {
			return eris.Wrapf(ErrBadRequest, "people must hold 1 to %d entries", MaxPopulation)
		}
		seen := make(map[types.ID]struct{}, len(r.People))
		for i, p := range r.People {
			switch {
			case p.ID == "":
				return eris.Wrapf(ErrBadRequest, "people[%d]: id is required", i)
			case !p.Location.Valid():
				return eris.Wrapf(ErrBadRequest, "people[%d]: location out of range", i)
			case p.Age < 0 || p.Age > 150:
				return eris.Wrapf(ErrBadRequest, "people[%d]: age out of range", i)
			}
			if _, dup := seen[p.ID]; dup {
				return eris.Wrapf(ErrBadRequest, "duplicate person id %s", p.ID)
			}
			seen[p.ID] = struct{}{}
		}
	}

	if r.GenerateShelters {
		if r.ShelterCount <= 0 || r.ShelterCount > MaxShelterCount {
			return eris.Wrapf(ErrBadRequest, "shelter_count must be in [1, %d]", MaxShelterCount)
		}
		if r.MinCapacity < 0 || r.MaxCapacity < r.MinCapacity {
			return eris.Wrapf(ErrBadRequest, "capacity range [%d, %d] is invalid", r.MinCapacity, r.MaxCapacity)
		}
	} else {
		if len(r.Shelters) == 0 || len(r.Shelters) > MaxShelterCount {
			return eris.Wrapf(ErrBadRequest, "shelters must hold 1 to %d entries", MaxShelterCount)
		}
		seen := make(map[types.ID]struct{}, len(r.Shelters))
		for i, s := range r.Shelters {
			switch {
			case s.ID == "":
				return eris.Wrapf(ErrBadRequest, "shelters[%d]: id is required", i)
			case !s.Location.Valid():
				return eris.Wrapf(ErrBadRequest, "shelters[%d]: location out of range", i)
			case s.Capacity < 0:
				return eris.Wrapf(ErrBadRequest, "shelters[%d]: capacity must not be negative", i)
			}
			if _, dup := seen[s.ID]; dup {
				return eris.Wrapf(ErrBadRequest, "duplicate shelter id %s", s.ID)
			}
			seen[s.ID] = struct{}{}
		}
	}
	return nil
}

func (r Request) priority() matching.PrioritySettings {
	enabled := r.PriorityEnabled == nil || *r.PriorityEnabled
	return matching.PrioritySettings{
		Enabled: enabled,
		Bands:   geo.AgeBands{ElderlyAge: r.ElderlyAge, ChildAge: r.ChildAge},
	}
}

// LoadScenario reads a Request from a YAML scenario file.
func LoadScenario(path string) (Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Request{}, eris.Wrapf(err, "simulation: read scenario %s", path)
	}
	var req Request
	if err := yaml.Unmarshal(data, &req); err != nil {
		return Request{}, eris.Wrapf(err, "simulation: parse scenario %s", path)
	}
	return req, nil
}

// TierStats counts people and assignments of one vulnerability tier.
type TierStats struct {
	Tier     string `json:"tier"`
	People   int    `json:"people"`
	Assigned int    `json:"assigned"`
}

type Stats struct {
	Assigned         int         `json:"assigned"`
	Unassigned       int         `json:"unassigned"`
	AvgDistanceKm    float64     `json:"avg_distance_km"`
	MinDistanceKm    float64     `json:"min_distance_km"`
	MaxDistanceKm    float64     `json:"max_distance_km"`
	TotalCapacity    int         `json:"total_capacity"`
	UtilizationPct   float64     `json:"utilization_pct"`
	GreedyTotalKm    float64     `json:"greedy_total_km"`
	OptimizedTotalKm float64     `json:"optimized_total_km"`
	Tiers            []TierStats `json:"tiers"`
}

// Report is the outcome of one simulation run.
type Report struct {
	ID          string                `json:"id"`
	Seed        uint64                `json:"seed"`
	StartedAt   time.Time             `json:"started_at"`
	DurationMs  int64                 `json:"duration_ms"`
	People      int                   `json:"people"`
	Shelters    int                   `json:"shelters"`
	Assignments []matching.Assignment `json:"assignments"`
	Unassigned  []matching.Unassigned `json:"unassigned"`
	Stats       Stats                 `json:"stats"`
	// DiagnosticsSkipped is set when the run exceeded DiagnosticsBudget and
	// Unassigned carries no nearest-shelter data.
	DiagnosticsSkipped bool `json:"diagnostics_skipped,omitempty"`
}
