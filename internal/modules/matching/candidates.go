// README: Candidate generation: nearby shelters within walking range of each person.
package matching

import "refuge/internal/geo"

// CandidateBuilder turns people and shelters into weighted candidate pairs.
type CandidateBuilder struct {
	MaxDistanceKm float64
	Priority      PrioritySettings
}

// Build enumerates candidates through the grid. Shelters without remaining
// capacity never produce a candidate.
func (b CandidateBuilder) Build(people []Person, shelters []Shelter, grid *Grid) []Candidate {
	var out []Candidate
	for pi, p := range people {
		score := b.Priority.Score(p.Age)
		for _, si := range grid.Nearby(p.Location) {
			if c, ok := b.pair(pi, p, si, shelters[si], score); ok {
				out = append(out, c)
			}
		}
	}
	return out
}

// BuildExhaustive is the O(people x shelters) scan Build must agree with.
func (b CandidateBuilder) BuildExhaustive(people []Person, shelters []Shelter) []Candidate {
	var out []Candidate
	for pi, p := range people {
		score := b.Priority.Score(p.Age)
		for si, s := range shelters {
			if c, ok := b.pair(pi, p, si, s, score); ok {
				out = append(out, c)
			}
		}
	}
	return out
}

func (b CandidateBuilder) pair(pi int, p Person, si int, s Shelter, score int) (Candidate, bool) {
	if s.Remaining() == 0 {
		return Candidate{}, false
	}
	d := geo.DistanceKm(p.Location.Lat, p.Location.Lng, s.Location.Lat, s.Location.Lng)
	if d > b.MaxDistanceKm {
		return Candidate{}, false
	}
	return Candidate{
		PersonID:      p.ID,
		ShelterID:     s.ID,
		DistanceKm:    d,
		Vulnerability: score,
		person:        pi,
		shelter:       si,
	}, true
}
