// README: Assignment engine data model: people, shelters, candidates and assignments.
package matching

import (
	"refuge/internal/geo"
	"refuge/internal/types"
)

// Person is someone needing a shelter. Immutable for the duration of a run.
type Person struct {
	ID       types.ID
	Age      int
	Location types.Point
}

// Shelter is a protected space. Occupancy is the number of slots already taken
// before this run starts (live occupancy in real-time mode, zero in simulations).
type Shelter struct {
	ID        types.ID
	Location  types.Point
	Capacity  int
	Occupancy int
}

// Remaining is the number of free slots, never negative.
func (s Shelter) Remaining() int {
	if r := s.Capacity - s.Occupancy; r > 0 {
		return r
	}
	return 0
}

// Candidate is a provisional (person, shelter) pairing inside one pass.
type Candidate struct {
	PersonID      types.ID
	ShelterID     types.ID
	DistanceKm    float64
	Vulnerability int

	person  int
	shelter int
}

// Priority orders candidates: lower is served first.
func (c Candidate) Priority() float64 {
	return c.DistanceKm - vulnerabilityWeight*float64(c.Vulnerability)
}

// Assignment is a committed (person, shelter) pairing.
type Assignment struct {
	PersonID   types.ID `json:"person_id"`
	ShelterID  types.ID `json:"shelter_id"`
	DistanceKm float64  `json:"distance_km"`
}

// Unassigned reports a person that got no shelter, with the nearest shelter
// regardless of reachability for diagnostics.
type Unassigned struct {
	PersonID          types.ID `json:"person_id"`
	NearestShelterID  types.ID `json:"nearest_shelter_id,omitempty"`
	NearestDistanceKm float64  `json:"nearest_distance_km,omitempty"`
	HasNearest        bool     `json:"has_nearest"`
}

// PrioritySettings toggles age-based priority and sets the age bands.
type PrioritySettings struct {
	Enabled bool
	Bands   geo.AgeBands
}

// DefaultPriority enables age priority with the default bands.
func DefaultPriority() PrioritySettings {
	return PrioritySettings{Enabled: true, Bands: geo.DefaultAgeBands}
}

// Score returns the vulnerability score used for a person, zero when disabled.
func (p PrioritySettings) Score(age int) int {
	if !p.Enabled {
		return 0
	}
	return p.Bands.Score(age)
}

const vulnerabilityWeight = 0.01

// TotalDistanceKm sums the distance of every assignment.
func TotalDistanceKm(as []Assignment) float64 {
	var total float64
	for _, a := range as {
		total += a.DistanceKm
	}
	return total
}
