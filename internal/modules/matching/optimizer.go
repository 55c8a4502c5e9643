// README: Local-search optimizer: vulnerable relocation followed by pairwise swap exchange.
package matching

import (
	"cmp"
	"context"
	"runtime"
	"slices"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"refuge/internal/geo"
	"refuge/internal/types"
)

const (
	DefaultSwapTopK          = 10
	DefaultSwapMaxIterations = 10
	// DefaultElderlyBonus weights an elderly participant's own improvement when
	// ranking swaps. It never makes a non-improving swap acceptable.
	DefaultElderlyBonus = 0.5

	gainEpsilon = 1e-12
)

// OptimizerConfig bounds the local search.
type OptimizerConfig struct {
	MaxDistanceKm float64
	TopK          int
	MaxIterations int
	Workers       int
	ElderlyBonus  float64
}

// OptimizeInput is one completed assignment plus the data it was computed from.
// Grid is optional; without it the relocation pass scans every shelter.
type OptimizeInput struct {
	Assignments []Assignment
	People      []Person
	Shelters    []Shelter
	Grid        *Grid
	Priority    PrioritySettings
}

// SwapOptimizer redistributes existing assignments to lower total distance. It
// never changes who is assigned, never exceeds capacity and never moves anyone
// beyond MaxDistanceKm.
type SwapOptimizer struct {
	cfg OptimizerConfig
}

func NewSwapOptimizer(cfg OptimizerConfig) *SwapOptimizer {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultSwapTopK
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultSwapMaxIterations
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.ElderlyBonus < 0 {
		cfg.ElderlyBonus = 0
	}
	return &SwapOptimizer{cfg: cfg}
}

type optState struct {
	people    []Person
	shelters  []Shelter
	grid      *Grid
	scores    []int
	order     []int
	at        []int
	remaining []int
}

type swapCandidate struct {
	a, b         int
	fromA, fromB int
	gain         float64
	score        float64
}

// Optimize returns an improved copy of in.Assignments in the same order.
func (o *SwapOptimizer) Optimize(ctx context.Context, in OptimizeInput) ([]Assignment, error) {
	st, err := newOptState(in)
	if err != nil {
		return nil, err
	}
	o.relocateVulnerable(st)
	if err := o.exchange(ctx, st); err != nil {
		return nil, err
	}

	out := make([]Assignment, len(st.order))
	for i, pi := range st.order {
		si := st.at[pi]
		out[i] = Assignment{
			PersonID:   st.people[pi].ID,
			ShelterID:  st.shelters[si].ID,
			DistanceKm: st.dist(pi, si),
		}
	}
	return out, nil
}

func newOptState(in OptimizeInput) (*optState, error) {
	personIdx := make(map[types.ID]int, len(in.People))
	for i, p := range in.People {
		personIdx[p.ID] = i
	}
	shelterIdx := make(map[types.ID]int, len(in.Shelters))
	for i, s := range in.Shelters {
		shelterIdx[s.ID] = i
	}

	st := &optState{
		people:    in.People,
		shelters:  in.Shelters,
		grid:      in.Grid,
		scores:    make([]int, len(in.People)),
		order:     make([]int, 0, len(in.Assignments)),
		at:        make([]int, len(in.People)),
		remaining: make([]int, len(in.Shelters)),
	}
	for i, p := range in.People {
		st.scores[i] = in.Priority.Score(p.Age)
		st.at[i] = -1
	}
	for i, s := range in.Shelters {
		st.remaining[i] = s.Remaining()
	}
	for _, a := range in.Assignments {
		pi, ok := personIdx[a.PersonID]
		if !ok {
			return nil, eris.Errorf("matching: assignment for unknown person %s", a.PersonID)
		}
		si, ok := shelterIdx[a.ShelterID]
		if !ok {
			return nil, eris.Errorf("matching: assignment to unknown shelter %s", a.ShelterID)
		}
		if st.at[pi] >= 0 {
			return nil, eris.Errorf("matching: person %s assigned twice", a.PersonID)
		}
		st.at[pi] = si
		st.remaining[si]--
		st.order = append(st.order, pi)
	}
	return st, nil
}

func (st *optState) dist(pi, si int) float64 {
	p, s := st.people[pi].Location, st.shelters[si].Location
	return geo.DistanceKm(p.Lat, p.Lng, s.Lat, s.Lng)
}

// relocateVulnerable moves each elderly assignee to the first shelter with spare
// capacity that is strictly closer than the current one.
func (o *SwapOptimizer) relocateVulnerable(st *optState) {
	for _, pi := range st.order {
		if !geo.IsElderly(st.scores[pi]) {
			continue
		}
		cur := st.at[pi]
		curD := st.dist(pi, cur)

		var options []int
		if st.grid != nil {
			options = st.grid.Nearby(st.people[pi].Location)
		} else {
			options = make([]int, len(st.shelters))
			for i := range options {
				options[i] = i
			}
		}
		for _, si := range options {
			if si == cur || st.remaining[si] <= 0 {
				continue
			}
			if d := st.dist(pi, si); d < curD && d <= o.cfg.MaxDistanceKm {
				st.remaining[cur]++
				st.remaining[si]--
				st.at[pi] = si
				break
			}
		}
	}
}

// exchange runs the pairwise swap search. Evaluation fans out over shelter
// pairs; application is sequential and skips swaps whose participants moved.
func (o *SwapOptimizer) exchange(ctx context.Context, st *optState) error {
	for iter := 0; iter < o.cfg.MaxIterations; iter++ {
		groups := make(map[int][]int)
		for _, pi := range st.order {
			groups[st.at[pi]] = append(groups[st.at[pi]], pi)
		}
		if len(groups) < 2 {
			return nil
		}
		occupied := make([]int, 0, len(groups))
		for si := range groups {
			occupied = append(occupied, si)
		}
		slices.Sort(occupied)

		pairs := make([][2]int, 0)
		for i := 0; i < len(occupied); i++ {
			for j := i + 1; j < len(occupied); j++ {
				a, b := st.shelters[occupied[i]].Location, st.shelters[occupied[j]].Location
				// Nobody can be within range of both shelters.
				if geo.DistanceKm(a.Lat, a.Lng, b.Lat, b.Lng) > 2*o.cfg.MaxDistanceKm {
					continue
				}
				pairs = append(pairs, [2]int{occupied[i], occupied[j]})
			}
		}
		if len(pairs) == 0 {
			return nil
		}

		found, err := o.evaluate(ctx, st, groups, pairs)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return nil
		}

		slices.SortFunc(found, func(x, y swapCandidate) int {
			if c := cmp.Compare(y.score, x.score); c != 0 {
				return c
			}
			if c := cmp.Compare(x.a, y.a); c != 0 {
				return c
			}
			return cmp.Compare(x.b, y.b)
		})
		if len(found) > o.cfg.TopK {
			found = found[:o.cfg.TopK]
		}

		applied := 0
		for _, sw := range found {
			if st.at[sw.a] != sw.fromA || st.at[sw.b] != sw.fromB {
				continue
			}
			st.at[sw.a], st.at[sw.b] = sw.fromB, sw.fromA
			applied++
		}
		if applied == 0 {
			return nil
		}
	}
	return nil
}

func (o *SwapOptimizer) evaluate(ctx context.Context, st *optState, groups map[int][]int, pairs [][2]int) ([]swapCandidate, error) {
	workers := min(o.cfg.Workers, len(pairs))
	results := make([][]swapCandidate, workers)

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			var local []swapCandidate
			for k := w; k < len(pairs); k += workers {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				local = o.evaluatePair(st, groups, pairs[k][0], pairs[k][1], local)
			}
			results[w] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "matching: evaluate swaps")
	}

	var merged []swapCandidate
	for _, r := range results {
		merged = append(merged, r...)
	}
	return merged, nil
}

func (o *SwapOptimizer) evaluatePair(st *optState, groups map[int][]int, sa, sb int, out []swapCandidate) []swapCandidate {
	limit := o.cfg.MaxDistanceKm
	for _, a := range groups[sa] {
		dAb := st.dist(a, sb)
		if dAb > limit {
			continue
		}
		dAa := st.dist(a, sa)
		for _, b := range groups[sb] {
			dBa := st.dist(b, sa)
			if dBa > limit {
				continue
			}
			dBb := st.dist(b, sb)
			gain := (dAa + dBb) - (dAb + dBa)
			if gain <= gainEpsilon {
				continue
			}
			score := gain
			if geo.IsElderly(st.scores[a]) && dAb < dAa {
				score += o.cfg.ElderlyBonus * (dAa - dAb)
			}
			if geo.IsElderly(st.scores[b]) && dBa < dBb {
				score += o.cfg.ElderlyBonus * (dBb - dBa)
			}
			out = append(out, swapCandidate{a: a, b: b, fromA: sa, fromB: sb, gain: gain, score: score})
		}
	}
	return out
}
