// README: Greedy matcher: serves candidates in priority order while respecting capacity.
package matching

import "container/heap"

// candidateHeap is a min-heap on Priority. Ties fall back to input positions so
// identical inputs always produce identical matchings.
type candidateHeap []Candidate

func (h candidateHeap) Len() int { return len(h) }

func (h candidateHeap) Less(i, j int) bool {
	pi, pj := h[i].Priority(), h[j].Priority()
	if pi != pj {
		return pi < pj
	}
	if h[i].person != h[j].person {
		return h[i].person < h[j].person
	}
	return h[i].shelter < h[j].shelter
}

func (h candidateHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *candidateHeap) Push(x any) { *h = append(*h, x.(Candidate)) }

func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

// match commits candidates in priority order. remaining is indexed like the
// shelters slice and is decremented in place. The returned assignments are in
// commit order; assigned maps person index to shelter index.
func match(candidates []Candidate, remaining []int, people int) ([]Assignment, []int) {
	assigned := make([]int, people)
	for i := range assigned {
		assigned[i] = -1
	}

	h := make(candidateHeap, len(candidates))
	copy(h, candidates)
	heap.Init(&h)

	var out []Assignment
	for h.Len() > 0 {
		c := heap.Pop(&h).(Candidate)
		if assigned[c.person] >= 0 || remaining[c.shelter] <= 0 {
			continue
		}
		assigned[c.person] = c.shelter
		remaining[c.shelter]--
		out = append(out, Assignment{PersonID: c.PersonID, ShelterID: c.ShelterID, DistanceKm: c.DistanceKm})
	}
	return out, assigned
}

// Match runs the greedy matcher over candidates produced for people and shelters.
func Match(candidates []Candidate, people []Person, shelters []Shelter) []Assignment {
	remaining := make([]int, len(shelters))
	for i, s := range shelters {
		remaining[i] = s.Remaining()
	}
	out, _ := match(candidates, remaining, len(people))
	return out
}
