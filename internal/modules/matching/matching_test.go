// README: Assignment engine tests: capacity, cutoff, priority, grid equivalence and swap optimizer.
package matching

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"refuge/internal/geo"
	"refuge/internal/types"
)

var taipei = types.Point{Lat: 25.0330, Lng: 121.5654}

const testMaxKm = 0.6

// offset moves base by the given kilometres north and east.
func offset(base types.Point, northKm, eastKm float64) types.Point {
	lat := base.Lat + northKm/geo.KmPerDegreeLat
	lng := base.Lng + eastKm/(geo.KmPerDegreeLat*math.Cos(base.Lat*math.Pi/180))
	return types.Point{Lat: lat, Lng: lng}
}

func newTestEngine(exhaustive bool) *Engine {
	return NewEngine(Config{
		MaxDistanceKm: testMaxKm,
		Exhaustive:    exhaustive,
		Optimizer:     OptimizerConfig{Workers: 4, ElderlyBonus: DefaultElderlyBonus},
	})
}

func randomScenario(seed uint64, people, shelters int) ([]Person, []Shelter) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b9))
	ps := make([]Person, people)
	for i := range ps {
		ps[i] = Person{
			ID:       types.ID(fmt.Sprintf("p%03d", i)),
			Age:      rng.IntN(95),
			Location: offset(taipei, rng.Float64()*4-2, rng.Float64()*4-2),
		}
	}
	ss := make([]Shelter, shelters)
	for i := range ss {
		ss[i] = Shelter{
			ID:        types.ID(fmt.Sprintf("s%03d", i)),
			Location:  offset(taipei, rng.Float64()*4-2, rng.Float64()*4-2),
			Capacity:  1 + rng.IntN(8),
			Occupancy: rng.IntN(2),
		}
	}
	return ps, ss
}

// ---------------------------------------------------------------------------
// Engine invariants
// ---------------------------------------------------------------------------

func TestEngine_RespectsCapacityCutoffAndUniqueness(t *testing.T) {
	people, shelters := randomScenario(7, 400, 40)
	res, err := newTestEngine(false).Assign(context.Background(), Input{
		People: people, Shelters: shelters, Priority: DefaultPriority(),
	})
	require.NoError(t, err)

	byID := make(map[types.ID]Shelter, len(shelters))
	for _, s := range shelters {
		byID[s.ID] = s
	}
	seen := make(map[types.ID]bool)
	load := make(map[types.ID]int)
	for _, a := range res.Assignments {
		assert.False(t, seen[a.PersonID], "person %s assigned twice", a.PersonID)
		seen[a.PersonID] = true
		load[a.ShelterID]++
		assert.LessOrEqual(t, a.DistanceKm, testMaxKm)
	}
	for id, n := range load {
		assert.LessOrEqual(t, n, byID[id].Remaining(), "shelter %s over capacity", id)
	}
	for _, u := range res.Unassigned {
		assert.False(t, seen[u.PersonID])
		assert.True(t, u.HasNearest)
	}
	assert.Equal(t, len(people), len(res.Assignments)+len(res.Unassigned))
	assert.LessOrEqual(t, res.OptimizedTotalKm, res.GreedyTotalKm+1e-9)
}

func TestEngine_GridAgreesWithExhaustiveScan(t *testing.T) {
	for _, seed := range []uint64{1, 2, 3} {
		people, shelters := randomScenario(seed, 300, 60)
		in := Input{People: people, Shelters: shelters, Priority: DefaultPriority()}

		gridRes, err := newTestEngine(false).Assign(context.Background(), in)
		require.NoError(t, err)
		fullRes, err := newTestEngine(true).Assign(context.Background(), in)
		require.NoError(t, err)

		assert.Equal(t, fullRes.CandidateCount, gridRes.CandidateCount, "seed %d", seed)
		assert.Equal(t, fullRes.Assignments, gridRes.Assignments, "seed %d", seed)
		assert.Equal(t, fullRes.Unassigned, gridRes.Unassigned, "seed %d", seed)
	}
}

func TestEngine_Deterministic(t *testing.T) {
	people, shelters := randomScenario(42, 500, 50)
	in := Input{People: people, Shelters: shelters, Priority: DefaultPriority()}
	e := newTestEngine(false)

	first, err := e.Assign(context.Background(), in)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := e.Assign(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestEngine_ElderlyWinsEquidistantSlot(t *testing.T) {
	shelters := []Shelter{{ID: "s1", Location: taipei, Capacity: 1}}
	people := []Person{
		{ID: "adult", Age: 30, Location: offset(taipei, 0.3, 0)},
		{ID: "elder", Age: 75, Location: offset(taipei, -0.3, 0)},
	}
	res, err := newTestEngine(false).Assign(context.Background(), Input{
		People: people, Shelters: shelters, Priority: DefaultPriority(),
	})
	require.NoError(t, err)
	require.Len(t, res.Assignments, 1)
	assert.Equal(t, types.ID("elder"), res.Assignments[0].PersonID)
	require.Len(t, res.Unassigned, 1)
	assert.Equal(t, types.ID("adult"), res.Unassigned[0].PersonID)
}

func TestEngine_PriorityDisabledServesNearestFirst(t *testing.T) {
	shelters := []Shelter{{ID: "s1", Location: taipei, Capacity: 1}}
	people := []Person{
		{ID: "adult", Age: 30, Location: offset(taipei, 0.2, 0)},
		{ID: "elder", Age: 75, Location: offset(taipei, -0.22, 0)},
	}
	res, err := newTestEngine(false).Assign(context.Background(), Input{
		People: people, Shelters: shelters, Priority: PrioritySettings{},
	})
	require.NoError(t, err)
	require.Len(t, res.Assignments, 1)
	assert.Equal(t, types.ID("adult"), res.Assignments[0].PersonID)
}

func TestEngine_OversubscribedShelterReportsNearest(t *testing.T) {
	shelters := []Shelter{{ID: "only", Location: taipei, Capacity: 1}}
	people := []Person{
		{ID: "a", Age: 40, Location: offset(taipei, 0.1, 0)},
		{ID: "b", Age: 40, Location: offset(taipei, 0.2, 0)},
		{ID: "c", Age: 40, Location: offset(taipei, 0.3, 0)},
	}
	res, err := newTestEngine(false).Assign(context.Background(), Input{
		People: people, Shelters: shelters, Priority: DefaultPriority(),
	})
	require.NoError(t, err)
	require.Len(t, res.Assignments, 1)
	assert.Equal(t, types.ID("a"), res.Assignments[0].PersonID)
	require.Len(t, res.Unassigned, 2)
	for _, u := range res.Unassigned {
		assert.True(t, u.HasNearest)
		assert.Equal(t, types.ID("only"), u.NearestShelterID)
	}
}

func TestEngine_OutOfRangeStaysUnassigned(t *testing.T) {
	shelters := []Shelter{{ID: "far", Location: taipei, Capacity: 10}}
	people := []Person{{ID: "p", Age: 80, Location: offset(taipei, 1.0, 0)}}

	res, err := newTestEngine(false).Assign(context.Background(), Input{
		People: people, Shelters: shelters, Priority: DefaultPriority(),
	})
	require.NoError(t, err)
	assert.Empty(t, res.Assignments)
	require.Len(t, res.Unassigned, 1)
	assert.Equal(t, types.ID("far"), res.Unassigned[0].NearestShelterID)
	assert.InDelta(t, 1.0, res.Unassigned[0].NearestDistanceKm, 0.01)
}

func TestEngine_FullShelterNeverUsed(t *testing.T) {
	shelters := []Shelter{
		{ID: "full", Location: offset(taipei, 0.05, 0), Capacity: 5, Occupancy: 5},
		{ID: "empty", Location: offset(taipei, 0.1, 0), Capacity: 0},
		{ID: "open", Location: offset(taipei, 0.4, 0), Capacity: 1},
	}
	people := []Person{
		{ID: "p1", Age: 20, Location: taipei},
		{ID: "p2", Age: 20, Location: taipei},
	}
	res, err := newTestEngine(false).Assign(context.Background(), Input{
		People: people, Shelters: shelters, Priority: DefaultPriority(),
	})
	require.NoError(t, err)
	require.Len(t, res.Assignments, 1)
	assert.Equal(t, types.ID("open"), res.Assignments[0].ShelterID)
	require.Len(t, res.Unassigned, 1)
	assert.Equal(t, types.ID("full"), res.Unassigned[0].NearestShelterID)
}

func TestEngine_SkipDiagnostics(t *testing.T) {
	shelters := []Shelter{{ID: "s", Location: taipei, Capacity: 0}}
	people := []Person{{ID: "p", Age: 20, Location: taipei}}
	res, err := newTestEngine(false).Assign(context.Background(), Input{
		People: people, Shelters: shelters, SkipDiagnostics: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Unassigned, 1)
	assert.False(t, res.Unassigned[0].HasNearest)
}

func TestEngine_EmptyInputs(t *testing.T) {
	e := newTestEngine(false)

	res, err := e.Assign(context.Background(), Input{})
	require.NoError(t, err)
	assert.Empty(t, res.Assignments)

	res, err = e.Assign(context.Background(), Input{People: []Person{{ID: "p", Location: taipei}}})
	require.NoError(t, err)
	require.Len(t, res.Unassigned, 1)
	assert.False(t, res.Unassigned[0].HasNearest)
}

// ---------------------------------------------------------------------------
// Grid
// ---------------------------------------------------------------------------

func TestGrid_NearbyCoversSearchRadius(t *testing.T) {
	shelters := []Shelter{
		{ID: "near", Location: offset(taipei, 0.05, 0.05)},
		{ID: "edge", Location: offset(taipei, 0, 0.55)},
		{ID: "far", Location: offset(taipei, 3, 3)},
	}
	g := BuildGrid(shelters, taipei, 0.2, testMaxKm, DefaultEdgeFraction)

	idx := g.Nearby(taipei)
	assert.Contains(t, idx, 0)
	assert.Contains(t, idx, 1)
	assert.NotContains(t, idx, 2)
}

func TestGrid_EmptyReturnsNil(t *testing.T) {
	g := BuildGrid(nil, taipei, 0.2, testMaxKm, DefaultEdgeFraction)
	assert.Nil(t, g.Nearby(taipei))
}

// Cells are sized at the reference latitude; a query a few degrees poleward
// must still see every shelter within reach.
func TestGrid_CoversQueriesPolewardOfReference(t *testing.T) {
	ref := types.Point{Lat: 60, Lng: 10}
	var people []Person
	var shelters []Shelter
	for i := range 40 {
		loc := types.Point{Lat: 63.5 + float64(i%5)*0.01, Lng: 10 + float64(i)*0.013}
		people = append(people, Person{ID: types.ID(fmt.Sprintf("p%03d", i)), Age: 30 + i, Location: loc})
		shelters = append(shelters, Shelter{ID: types.ID(fmt.Sprintf("s%03d", i)), Location: offset(loc, 0, 0.58), Capacity: 1})
	}

	g := BuildGrid(shelters, ref, DefaultCellSizeKm, testMaxKm, DefaultEdgeFraction)
	for _, p := range people {
		nearby := g.Nearby(p.Location)
		for si, s := range shelters {
			if geo.DistanceKm(p.Location.Lat, p.Location.Lng, s.Location.Lat, s.Location.Lng) <= testMaxKm {
				assert.Contains(t, nearby, si, "person %s shelter %s", p.ID, s.ID)
			}
		}
	}

	in := Input{People: people, Shelters: shelters, Reference: &ref, Priority: DefaultPriority()}
	gridRes, err := newTestEngine(false).Assign(context.Background(), in)
	require.NoError(t, err)
	fullRes, err := newTestEngine(true).Assign(context.Background(), in)
	require.NoError(t, err)
	assert.Positive(t, fullRes.CandidateCount)
	assert.Equal(t, fullRes.CandidateCount, gridRes.CandidateCount)
	assert.Equal(t, fullRes.Assignments, gridRes.Assignments)
}

func TestGrid_NearPoleScansEverything(t *testing.T) {
	ref := types.Point{Lat: 89.999, Lng: 0}
	shelters := []Shelter{
		{ID: "a", Location: types.Point{Lat: 89.999, Lng: 0}},
		{ID: "b", Location: types.Point{Lat: 89.999, Lng: 170}},
	}
	g := BuildGrid(shelters, ref, DefaultCellSizeKm, testMaxKm, DefaultEdgeFraction)
	assert.Equal(t, []int{0, 1}, g.Nearby(ref))
}

func TestGrid_NearbyIsSorted(t *testing.T) {
	_, shelters := randomScenario(9, 0, 200)
	g := BuildGrid(shelters, taipei, 0.2, testMaxKm, DefaultEdgeFraction)
	idx := g.Nearby(taipei)
	for i := 1; i < len(idx); i++ {
		assert.Less(t, idx[i-1], idx[i])
	}
}

// ---------------------------------------------------------------------------
// Greedy and optimizer
// ---------------------------------------------------------------------------

func TestMatch_HonoursCapacity(t *testing.T) {
	shelters := []Shelter{{ID: "s", Location: taipei, Capacity: 2}}
	var people []Person
	for i := 0; i < 5; i++ {
		people = append(people, Person{ID: types.ID(fmt.Sprintf("p%d", i)), Age: 30, Location: offset(taipei, 0.05*float64(i+1), 0)})
	}
	b := CandidateBuilder{MaxDistanceKm: testMaxKm, Priority: DefaultPriority()}
	out := Match(b.BuildExhaustive(people, shelters), people, shelters)
	require.Len(t, out, 2)
	assert.Equal(t, types.ID("p0"), out[0].PersonID)
	assert.Equal(t, types.ID("p1"), out[1].PersonID)
}

func TestSwapOptimizer_UncrossesAssignments(t *testing.T) {
	shelters := []Shelter{
		{ID: "west", Location: offset(taipei, 0, -0.25), Capacity: 1},
		{ID: "east", Location: offset(taipei, 0, 0.25), Capacity: 1},
	}
	people := []Person{
		{ID: "w", Age: 30, Location: offset(taipei, 0, -0.2)},
		{ID: "e", Age: 30, Location: offset(taipei, 0, 0.2)},
	}
	crossed := []Assignment{
		{PersonID: "w", ShelterID: "east"},
		{PersonID: "e", ShelterID: "west"},
	}
	opt := NewSwapOptimizer(OptimizerConfig{MaxDistanceKm: testMaxKm, Workers: 2})
	out, err := opt.Optimize(context.Background(), OptimizeInput{
		Assignments: crossed, People: people, Shelters: shelters, Priority: DefaultPriority(),
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, types.ID("w"), out[0].PersonID)
	assert.Equal(t, types.ID("west"), out[0].ShelterID)
	assert.Equal(t, types.ID("east"), out[1].ShelterID)
	assert.InDelta(t, 0.05, out[0].DistanceKm, 0.001)
}

func TestSwapOptimizer_SwapNeverBreaksCutoff(t *testing.T) {
	shelters := []Shelter{
		{ID: "a", Location: taipei, Capacity: 1},
		{ID: "b", Location: offset(taipei, 0, 0.6), Capacity: 1},
	}
	// Swapping lowers the total but moves p to 0.65 km from b.
	people := []Person{
		{ID: "p", Age: 30, Location: offset(taipei, 0.5123, 0.2)},
		{ID: "q", Age: 30, Location: offset(taipei, 0, 0.05)},
	}
	in := []Assignment{{PersonID: "p", ShelterID: "a"}, {PersonID: "q", ShelterID: "b"}}

	strict := NewSwapOptimizer(OptimizerConfig{MaxDistanceKm: testMaxKm, Workers: 1})
	out, err := strict.Optimize(context.Background(), OptimizeInput{
		Assignments: in, People: people, Shelters: shelters, Priority: DefaultPriority(),
	})
	require.NoError(t, err)
	assert.Equal(t, types.ID("a"), out[0].ShelterID)
	assert.Equal(t, types.ID("b"), out[1].ShelterID)

	loose := NewSwapOptimizer(OptimizerConfig{MaxDistanceKm: 0.7, Workers: 1})
	out, err = loose.Optimize(context.Background(), OptimizeInput{
		Assignments: in, People: people, Shelters: shelters, Priority: DefaultPriority(),
	})
	require.NoError(t, err)
	assert.Equal(t, types.ID("b"), out[0].ShelterID)
	assert.Equal(t, types.ID("a"), out[1].ShelterID)
	for _, a := range out {
		assert.LessOrEqual(t, a.DistanceKm, 0.7)
	}
}

func TestSwapOptimizer_RelocatesElderlyToCloserSpareShelter(t *testing.T) {
	shelters := []Shelter{
		{ID: "far", Location: offset(taipei, 0.5, 0), Capacity: 1},
		{ID: "close", Location: offset(taipei, 0.1, 0), Capacity: 1},
	}
	people := []Person{{ID: "elder", Age: 82, Location: taipei}}
	opt := NewSwapOptimizer(OptimizerConfig{MaxDistanceKm: testMaxKm})
	out, err := opt.Optimize(context.Background(), OptimizeInput{
		Assignments: []Assignment{{PersonID: "elder", ShelterID: "far"}},
		People:      people, Shelters: shelters, Priority: DefaultPriority(),
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, types.ID("close"), out[0].ShelterID)
}

func TestSwapOptimizer_ExchangeSelection(t *testing.T) {
	line := func(eastKm float64) types.Point { return offset(taipei, 0, eastKm) }
	// Every shelter is full so only the exchange pass can move anyone.
	triangle := []Shelter{
		{ID: "s1", Location: line(0), Capacity: 1},
		{ID: "s2", Location: line(1), Capacity: 1},
		{ID: "s3", Location: line(1.2), Capacity: 1},
	}
	twoPairs := []Shelter{
		{ID: "s1", Location: line(0), Capacity: 1},
		{ID: "s2", Location: line(1), Capacity: 1},
		{ID: "s3", Location: line(10), Capacity: 1},
		{ID: "s4", Location: line(11), Capacity: 1},
	}
	// c/d gain 1.64 by swapping; a/b gain 1.6 and a is elderly.
	twoPairPeople := func(ageA int) []Person {
		return []Person{
			{ID: "c", Age: 30, Location: line(10.09)},
			{ID: "d", Age: 30, Location: line(10.91)},
			{ID: "a", Age: ageA, Location: line(0.1)},
			{ID: "b", Age: 30, Location: line(0.9)},
		}
	}
	twoPairIn := []Assignment{
		{PersonID: "c", ShelterID: "s4"},
		{PersonID: "d", ShelterID: "s3"},
		{PersonID: "a", ShelterID: "s2"},
		{PersonID: "b", ShelterID: "s1"},
	}

	tests := []struct {
		name     string
		cfg      OptimizerConfig
		shelters []Shelter
		people   []Person
		in       []Assignment
		want     map[types.ID]types.ID
	}{
		{
			name:     "second swap for the same assignee is discarded",
			cfg:      OptimizerConfig{MaxIterations: 1},
			shelters: triangle,
			people: []Person{
				{ID: "a", Age: 30, Location: line(1.1)},
				{ID: "b", Age: 30, Location: line(0.05)},
				{ID: "c", Age: 30, Location: line(0.1)},
			},
			in: []Assignment{
				{PersonID: "a", ShelterID: "s1"},
				{PersonID: "b", ShelterID: "s2"},
				{PersonID: "c", ShelterID: "s3"},
			},
			// a<->c gains 2.0 and beats a<->b at 1.9.
			want: map[types.ID]types.ID{"a": "s3", "b": "s2", "c": "s1"},
		},
		{
			name:     "top one applies a single swap per round",
			cfg:      OptimizerConfig{TopK: 1, MaxIterations: 1},
			shelters: twoPairs,
			people:   twoPairPeople(30),
			in:       twoPairIn,
			want:     map[types.ID]types.ID{"c": "s3", "d": "s4", "a": "s2", "b": "s1"},
		},
		{
			name:     "disjoint swaps apply together",
			cfg:      OptimizerConfig{MaxIterations: 1},
			shelters: twoPairs,
			people:   twoPairPeople(30),
			in:       twoPairIn,
			want:     map[types.ID]types.ID{"c": "s3", "d": "s4", "a": "s1", "b": "s2"},
		},
		{
			name:     "elderly participant outranks a slightly larger gain",
			cfg:      OptimizerConfig{TopK: 1, MaxIterations: 1, ElderlyBonus: DefaultElderlyBonus},
			shelters: twoPairs,
			people:   twoPairPeople(82),
			in:       twoPairIn,
			want:     map[types.ID]types.ID{"c": "s4", "d": "s3", "a": "s1", "b": "s2"},
		},
		{
			name:     "no bonus leaves the larger gain first",
			cfg:      OptimizerConfig{TopK: 1, MaxIterations: 1},
			shelters: twoPairs,
			people:   twoPairPeople(82),
			in:       twoPairIn,
			want:     map[types.ID]types.ID{"c": "s3", "d": "s4", "a": "s2", "b": "s1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.MaxDistanceKm = 2
			cfg.Workers = 2
			out, err := NewSwapOptimizer(cfg).Optimize(context.Background(), OptimizeInput{
				Assignments: tt.in, People: tt.people, Shelters: tt.shelters, Priority: DefaultPriority(),
			})
			require.NoError(t, err)
			require.Len(t, out, len(tt.in))

			got := make(map[types.ID]types.ID, len(out))
			load := make(map[types.ID]int)
			for i, a := range out {
				assert.Equal(t, tt.in[i].PersonID, a.PersonID)
				got[a.PersonID] = a.ShelterID
				load[a.ShelterID]++
			}
			assert.Equal(t, tt.want, got)
			for _, s := range tt.shelters {
				assert.LessOrEqual(t, load[s.ID], s.Capacity, s.ID)
			}
		})
	}
}

func TestSwapOptimizer_RejectsInconsistentInput(t *testing.T) {
	shelters := []Shelter{{ID: "s", Location: taipei, Capacity: 2}}
	people := []Person{{ID: "p", Location: taipei}}
	opt := NewSwapOptimizer(OptimizerConfig{MaxDistanceKm: testMaxKm})

	_, err := opt.Optimize(context.Background(), OptimizeInput{
		Assignments: []Assignment{{PersonID: "ghost", ShelterID: "s"}},
		People:      people, Shelters: shelters,
	})
	assert.Error(t, err)

	_, err = opt.Optimize(context.Background(), OptimizeInput{
		Assignments: []Assignment{{PersonID: "p", ShelterID: "nowhere"}},
		People:      people, Shelters: shelters,
	})
	assert.Error(t, err)

	_, err = opt.Optimize(context.Background(), OptimizeInput{
		Assignments: []Assignment{{PersonID: "p", ShelterID: "s"}, {PersonID: "p", ShelterID: "s"}},
		People:      people, Shelters: shelters,
	})
	assert.Error(t, err)
}

func TestSwapOptimizer_HonoursCancellation(t *testing.T) {
	people, shelters := randomScenario(5, 300, 30)
	b := CandidateBuilder{MaxDistanceKm: testMaxKm, Priority: DefaultPriority()}
	greedy := Match(b.BuildExhaustive(people, shelters), people, shelters)
	require.NotEmpty(t, greedy)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	opt := NewSwapOptimizer(OptimizerConfig{MaxDistanceKm: testMaxKm, Workers: 2})
	_, err := opt.Optimize(ctx, OptimizeInput{
		Assignments: greedy, People: people, Shelters: shelters, Priority: DefaultPriority(),
	})
	assert.Error(t, err)
}
