package simulation

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"refuge/internal/geo"
	"refuge/internal/modules/matching"
	"refuge/internal/types"
)

var taipei = types.Point{Lat: 25.0330, Lng: 121.5654}

func newTestService() *Service {
	return NewService(matching.NewEngine(matching.Config{
		MaxDistanceKm: 0.6,
		Optimizer:     matching.OptimizerConfig{Workers: 2, ElderlyBonus: matching.DefaultElderlyBonus},
	}))
}

func syntheticRequest(seed uint64) Request {
	return Request{
		GeneratePeople:   true,
		Population:       400,
		GenerateShelters: true,
		ShelterCount:     30,
		Center:           taipei,
		RadiusKm:         1.5,
		MinCapacity:      5,
		MaxCapacity:      20,
		Seed:             seed,
	}
}

func TestGenerator_StaysInsideDisc(t *testing.T) {
	gen := NewSeededGenerator(7)
	people := gen.People(500, taipei, 1.0)
	shelters := gen.Shelters(50, taipei, 1.0, 3, 9)

	for _, p := range people {
		d := geo.DistanceKm(taipei.Lat, taipei.Lng, p.Location.Lat, p.Location.Lng)
		assert.LessOrEqual(t, d, 1.0+1e-6)
		assert.GreaterOrEqual(t, p.Age, 0)
		assert.LessOrEqual(t, p.Age, 95)
	}
	for _, s := range shelters {
		assert.GreaterOrEqual(t, s.Capacity, 3)
		assert.LessOrEqual(t, s.Capacity, 9)
		assert.Zero(t, s.Occupancy)
	}
}

func TestGenerator_SeedIsReproducible(t *testing.T) {
	a := NewSeededGenerator(42).People(100, taipei, 2)
	b := NewSeededGenerator(42).People(100, taipei, 2)
	c := NewSeededGenerator(43).People(100, taipei, 2)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestGenerator_AgeMix(t *testing.T) {
	people := NewSeededGenerator(1).People(10_000, taipei, 1)
	var elderly, children int
	for _, p := range people {
		switch geo.DefaultAgeBands.Score(p.Age) {
		case geo.ScoreElderly:
			elderly++
		case geo.ScoreChild:
			children++
		}
	}
	assert.InDelta(t, 0.20, float64(elderly)/10_000, 0.02)
	assert.InDelta(t, 0.15, float64(children)/10_000, 0.02)
}

func TestRun_SyntheticReport(t *testing.T) {
	rep, err := newTestService().Run(context.Background(), syntheticRequest(99))
	require.NoError(t, err)

	assert.NotEmpty(t, rep.ID)
	assert.Equal(t, uint64(99), rep.Seed)
	assert.Equal(t, 400, rep.People)
	assert.Equal(t, 30, rep.Shelters)
	assert.Equal(t, rep.People, rep.Stats.Assigned+rep.Stats.Unassigned)
	assert.Len(t, rep.Assignments, rep.Stats.Assigned)
	assert.LessOrEqual(t, rep.Stats.Assigned, rep.Stats.TotalCapacity)
	assert.LessOrEqual(t, rep.Stats.MaxDistanceKm, 0.6+1e-9)
	assert.LessOrEqual(t, rep.Stats.OptimizedTotalKm, rep.Stats.GreedyTotalKm+1e-9)
	assert.InDelta(t, 100*float64(rep.Stats.Assigned)/float64(rep.Stats.TotalCapacity), rep.Stats.UtilizationPct, 1e-9)

	require.Len(t, rep.Stats.Tiers, 3)
	var people, assigned int
	for _, tier := range rep.Stats.Tiers {
		people += tier.People
		assigned += tier.Assigned
	}
	assert.Equal(t, 400, people)
	assert.Equal(t, rep.Stats.Assigned, assigned)
}

func TestRun_SameSeedSameReport(t *testing.T) {
	svc := newTestService()
	a, err := svc.Run(context.Background(), syntheticRequest(5))
	require.NoError(t, err)
	b, err := svc.Run(context.Background(), syntheticRequest(5))
	require.NoError(t, err)

	assert.Equal(t, a.Assignments, b.Assignments)
	assert.Equal(t, a.Unassigned, b.Unassigned)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestRun_ZeroSeedIsReported(t *testing.T) {
	rep, err := newTestService().Run(context.Background(), syntheticRequest(0))
	require.NoError(t, err)
	assert.NotZero(t, rep.Seed)
}

func TestRun_ExplicitInputs(t *testing.T) {
	disabled := false
	req := Request{
		People: []PersonSpec{
			{ID: "a", Age: 30, Location: taipei},
			{ID: "b", Age: 80, Location: taipei},
			{ID: "far", Age: 40, Location: types.Point{Lat: taipei.Lat + 0.1, Lng: taipei.Lng}},
		},
		Shelters:        []ShelterSpec{{ID: "s1", Location: taipei, Capacity: 1}},
		Center:          taipei,
		PriorityEnabled: &disabled,
	}
	rep, err := newTestService().Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Stats.Assigned)
	assert.Equal(t, 2, rep.Stats.Unassigned)
	assert.Equal(t, 1, rep.Stats.TotalCapacity)
	assert.InDelta(t, 100.0, rep.Stats.UtilizationPct, 1e-9)
	assert.Zero(t, rep.Stats.MinDistanceKm)
	for _, u := range rep.Unassigned {
		assert.True(t, u.HasNearest)
		assert.Equal(t, types.ID("s1"), u.NearestShelterID)
	}
}

func TestRun_LargeRunSkipsDiagnostics(t *testing.T) {
	req := Request{
		People: []PersonSpec{
			{ID: "a", Age: 30, Location: taipei},
			{ID: "far", Age: 40, Location: types.Point{Lat: taipei.Lat + 0.1, Lng: taipei.Lng}},
		},
		Shelters: []ShelterSpec{{ID: "s1", Location: taipei, Capacity: 1}},
		Center:   taipei,
	}
	svc := newTestService()
	svc.diagnosticsBudget = 1

	rep, err := svc.Run(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, rep.DiagnosticsSkipped)
	assert.Equal(t, 1, rep.Stats.Assigned)
	require.Len(t, rep.Unassigned, 1)
	assert.False(t, rep.Unassigned[0].HasNearest)

	rep, err = newTestService().Run(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, rep.DiagnosticsSkipped)
	require.Len(t, rep.Unassigned, 1)
	assert.True(t, rep.Unassigned[0].HasNearest)
}

func TestRun_PriorityFavoursElderly(t *testing.T) {
	north := types.Point{Lat: taipei.Lat + 0.2/geo.KmPerDegreeLat, Lng: taipei.Lng}
	south := types.Point{Lat: taipei.Lat - 0.2/geo.KmPerDegreeLat, Lng: taipei.Lng}
	req := Request{
		People: []PersonSpec{
			{ID: "adult", Age: 35, Location: north},
			{ID: "elder", Age: 82, Location: south},
		},
		Shelters: []ShelterSpec{{ID: "s1", Location: taipei, Capacity: 1}},
		Center:   taipei,
	}
	rep, err := newTestService().Run(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, rep.Assignments, 1)
	assert.Equal(t, types.ID("elder"), rep.Assignments[0].PersonID)

	for _, tier := range rep.Stats.Tiers {
		if tier.Tier == "elderly" {
			assert.Equal(t, 1, tier.Assigned)
		}
	}
}

func TestRequest_Validate(t *testing.T) {
	valid := syntheticRequest(1).withDefaults()
	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"center out of range", func(r *Request) { r.Center.Lat = 91 }},
		{"nan center", func(r *Request) { r.Center.Lng = math.NaN() }},
		{"negative radius", func(r *Request) { r.RadiusKm = -1 }},
		{"zero population", func(r *Request) { r.Population = 0 }},
		{"population too large", func(r *Request) { r.Population = MaxPopulation + 1 }},
		{"zero shelters", func(r *Request) { r.ShelterCount = 0 }},
		{"inverted capacity", func(r *Request) { r.MinCapacity, r.MaxCapacity = 10, 5 }},
		{"negative capacity", func(r *Request) { r.MinCapacity = -1 }},
		{"bands inverted", func(r *Request) { r.ElderlyAge, r.ChildAge = 10, 12 }},
		{"no explicit people", func(r *Request) { r.GeneratePeople = false }},
		{"person without id", func(r *Request) {
			r.GeneratePeople = false
			r.People = []PersonSpec{{Location: taipei}}
		}},
		{"duplicate person", func(r *Request) {
			r.GeneratePeople = false
			r.People = []PersonSpec{{ID: "a", Location: taipei}, {ID: "a", Location: taipei}}
		}},
		{"negative age", func(r *Request) {
			r.GeneratePeople = false
			r.People = []PersonSpec{{ID: "a", Age: -3, Location: taipei}}
		}},
		{"shelter negative capacity", func(r *Request) {
			r.GenerateShelters = false
			r.Shelters = []ShelterSpec{{ID: "s", Location: taipei, Capacity: -1}}
		}},
		{"duplicate shelter", func(r *Request) {
			r.GenerateShelters = false
			r.Shelters = []ShelterSpec{{ID: "s", Location: taipei}, {ID: "s", Location: taipei}}
		}},
	}
	require.NoError(t, valid.Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			assert.ErrorIs(t, r.Validate(), ErrBadRequest)
		})
	}
}

func TestRun_RejectsBadRequest(t *testing.T) {
	_, err := newTestService().Run(context.Background(), Request{Center: taipei})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestLoadScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
generate_people: true
population: 1000
generate_shelters: true
shelter_count: 40
center: {lat: 25.033, lng: 121.5654}
radius_km: 3
min_capacity: 10
max_capacity: 80
priority_enabled: false
seed: 12
`), 0o644))

	req, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, 1000, req.Population)
	assert.Equal(t, 40, req.ShelterCount)
	assert.Equal(t, uint64(12), req.Seed)
	require.NotNil(t, req.PriorityEnabled)
	assert.False(t, *req.PriorityEnabled)
	assert.False(t, req.priority().Enabled)

	_, err = LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestArchive_SaveAndList(t *testing.T) {
	ctx := context.Background()
	archive, err := OpenArchive(ctx, filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { archive.Close() })

	svc := newTestService()
	first, err := svc.Run(ctx, syntheticRequest(1))
	require.NoError(t, err)
	second, err := svc.Run(ctx, syntheticRequest(math.MaxUint64))
	require.NoError(t, err)
	second.StartedAt = first.StartedAt.Add(time.Second)

	require.NoError(t, archive.Save(ctx, first))
	require.NoError(t, archive.Save(ctx, second))
	assert.Error(t, archive.Save(ctx, first), "duplicate id")

	runs, err := archive.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID)
	assert.Equal(t, uint64(math.MaxUint64), runs[0].Seed)
	assert.Equal(t, first.Stats, runs[1].Stats)
	assert.Equal(t, first.StartedAt.Truncate(time.Millisecond), runs[1].StartedAt)

	runs, err = archive.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
