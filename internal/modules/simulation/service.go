// README: Runs bulk simulations through the assignment engine and summarises them.
package simulation

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"refuge/internal/geo"
	"refuge/internal/modules/matching"
	"refuge/internal/types"
)

type Service struct {
	engine            *matching.Engine
	log               *zap.Logger
	now               func() time.Time
	diagnosticsBudget int
}

func NewService(engine *matching.Engine) *Service {
	return &Service{
		engine:            engine,
		log:               zap.L().Named("simulation"),
		now:               time.Now,
		diagnosticsBudget: DiagnosticsBudget,
	}
}

// Run validates req, builds the population and shelters, and assigns them in
// one engine pass. Shelters start empty.
func (s *Service) Run(ctx context.Context, req Request) (Report, error) {
	req = req.withDefaults()
	if err := req.Validate(); err != nil {
		return Report{}, err
	}
	seed := req.Seed
	if seed == 0 {
		seed = uint64(s.now().UnixNano())
	}
	gen := NewSeededGenerator(seed)

	people := explicitPeople(req.People)
	if req.GeneratePeople {
		people = gen.People(req.Population, req.Center, req.RadiusKm)
	}
	shelters := explicitShelters(req.Shelters)
	if req.GenerateShelters {
		shelters = gen.Shelters(req.ShelterCount, req.Center, req.RadiusKm, req.MinCapacity, req.MaxCapacity)
	}

	priority := req.priority()
	skipDiagnostics := len(people)*len(shelters) > s.diagnosticsBudget
	started := s.now()
	center := req.Center
	res, err := s.engine.Assign(ctx, matching.Input{
		People:          people,
		Shelters:        shelters,
		Reference:       &center,
		Priority:        priority,
		SkipDiagnostics: skipDiagnostics,
	})
	if err != nil {
		return Report{}, eris.Wrap(err, "simulation: assign")
	}
	took := s.now().Sub(started)

	report := Report{
		ID:          uuid.NewString(),
		Seed:        seed,
		StartedAt:   started.UTC(),
		DurationMs:  took.Milliseconds(),
		People:      len(people),
		Shelters:    len(shelters),
		Assignments: res.Assignments,
		Unassigned:  res.Unassigned,
		Stats:       summarise(res, people, shelters, priority.Bands),

		DiagnosticsSkipped: skipDiagnostics,
	}
	s.log.Info("simulation finished",
		zap.String("run_id", report.ID),
		zap.Uint64("seed", seed),
		zap.Int("people", report.People),
		zap.Int("shelters", report.Shelters),
		zap.Int("assigned", report.Stats.Assigned),
		zap.Duration("took", took))
	return report, nil
}

func explicitPeople(specs []PersonSpec) []matching.Person {
	people := make([]matching.Person, len(specs))
	for i, p := range specs {
		people[i] = matching.Person{ID: p.ID, Age: p.Age, Location: p.Location}
	}
	return people
}

func explicitShelters(specs []ShelterSpec) []matching.Shelter {
	shelters := make([]matching.Shelter, len(specs))
	for i, sh := range specs {
		shelters[i] = matching.Shelter{ID: sh.ID, Location: sh.Location, Capacity: sh.Capacity}
	}
	return shelters
}

var tierNames = []struct {
	score int
	name  string
}{
	{geo.ScoreElderly, "elderly"},
	{geo.ScoreChild, "child"},
	{geo.ScoreAdult, "adult"},
}

// summarise computes run statistics. Tiers are counted with bands even when
// priority is disabled.
func summarise(res matching.Result, people []matching.Person, shelters []matching.Shelter, bands geo.AgeBands) Stats {
	st := Stats{
		Assigned:         len(res.Assignments),
		Unassigned:       len(res.Unassigned),
		GreedyTotalKm:    res.GreedyTotalKm,
		OptimizedTotalKm: res.OptimizedTotalKm,
	}
	for _, sh := range shelters {
		st.TotalCapacity += sh.Remaining()
	}
	if st.TotalCapacity > 0 {
		st.UtilizationPct = 100 * float64(st.Assigned) / float64(st.TotalCapacity)
	}

	if len(res.Assignments) > 0 {
		st.MinDistanceKm = math.Inf(1)
		var total float64
		for _, a := range res.Assignments {
			total += a.DistanceKm
			st.MinDistanceKm = min(st.MinDistanceKm, a.DistanceKm)
			st.MaxDistanceKm = max(st.MaxDistanceKm, a.DistanceKm)
		}
		st.AvgDistanceKm = total / float64(len(res.Assignments))
	}

	tierOf := make(map[types.ID]int, len(people))
	counts := make(map[int]*TierStats, len(tierNames))
	for _, t := range tierNames {
		counts[t.score] = &TierStats{Tier: t.name}
	}
	for _, p := range people {
		score := bands.Score(p.Age)
		tierOf[p.ID] = score
		counts[score].People++
	}
	for _, a := range res.Assignments {
		counts[tierOf[a.PersonID]].Assigned++
	}
	for _, t := range tierNames {
		st.Tiers = append(st.Tiers, *counts[t.score])
	}
	return st
}
