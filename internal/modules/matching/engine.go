// README: Assignment engine shared by bulk simulation and real-time batching.
package matching

import (
	"context"
	"time"

	"go.uber.org/zap"

	"refuge/internal/geo"
	"refuge/internal/types"
)

// Config holds the engine tunables. MaxDistanceKm is the walking cutoff.
type Config struct {
	MaxDistanceKm float64
	CellSizeKm    float64
	EdgeFraction  float64
	Optimizer     OptimizerConfig
	// Exhaustive bypasses the grid and scans every (person, shelter) pair.
	Exhaustive bool
}

// Input is one assignment problem. Reference anchors the spatial grid; when nil
// the centroid of the shelters is used.
type Input struct {
	People          []Person
	Shelters        []Shelter
	Reference       *types.Point
	Priority        PrioritySettings
	SkipDiagnostics bool
}

// Result is the outcome of one pass. Assignments are in greedy commit order.
type Result struct {
	Assignments      []Assignment
	Unassigned       []Unassigned
	CandidateCount   int
	GreedyTotalKm    float64
	OptimizedTotalKm float64
}

// Engine composes grid -> candidates -> greedy -> optimizer. It holds no
// mutable state and is safe for concurrent use.
type Engine struct {
	cfg       Config
	optimizer *SwapOptimizer
	log       *zap.Logger
}

func NewEngine(cfg Config) *Engine {
	if cfg.CellSizeKm <= 0 {
		cfg.CellSizeKm = DefaultCellSizeKm
	}
	if cfg.EdgeFraction <= 0 {
		cfg.EdgeFraction = DefaultEdgeFraction
	}
	cfg.Optimizer.MaxDistanceKm = cfg.MaxDistanceKm
	return &Engine{
		cfg:       cfg,
		optimizer: NewSwapOptimizer(cfg.Optimizer),
		log:       zap.L().Named("matching"),
	}
}

// MaxDistanceKm is the walking cutoff every assignment respects.
func (e *Engine) MaxDistanceKm() float64 {
	return e.cfg.MaxDistanceKm
}

// Assign runs the full pipeline. Inputs are assumed validated.
func (e *Engine) Assign(ctx context.Context, in Input) (Result, error) {
	start := time.Now()
	if len(in.People) == 0 {
		return Result{}, nil
	}

	ref := centroid(in.Shelters)
	if in.Reference != nil {
		ref = *in.Reference
	}

	builder := CandidateBuilder{MaxDistanceKm: e.cfg.MaxDistanceKm, Priority: in.Priority}
	var (
		grid       *Grid
		candidates []Candidate
	)
	if e.cfg.Exhaustive {
		candidates = builder.BuildExhaustive(in.People, in.Shelters)
	} else {
		grid = BuildGrid(in.Shelters, ref, e.cfg.CellSizeKm, e.cfg.MaxDistanceKm, e.cfg.EdgeFraction)
		candidates = builder.Build(in.People, in.Shelters, grid)
	}

	remaining := make([]int, len(in.Shelters))
	for i, s := range in.Shelters {
		remaining[i] = s.Remaining()
	}
	greedy, assigned := match(candidates, remaining, len(in.People))

	optimized, err := e.optimizer.Optimize(ctx, OptimizeInput{
		Assignments: greedy,
		People:      in.People,
		Shelters:    in.Shelters,
		Grid:        grid,
		Priority:    in.Priority,
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Assignments:      optimized,
		CandidateCount:   len(candidates),
		GreedyTotalKm:    TotalDistanceKm(greedy),
		OptimizedTotalKm: TotalDistanceKm(optimized),
	}
	for pi, si := range assigned {
		if si >= 0 {
			continue
		}
		u := Unassigned{PersonID: in.People[pi].ID}
		if !in.SkipDiagnostics {
			u.NearestShelterID, u.NearestDistanceKm, u.HasNearest = nearestShelter(in.People[pi].Location, in.Shelters)
		}
		res.Unassigned = append(res.Unassigned, u)
	}

	e.log.Debug("assignment pass complete",
		zap.Int("people", len(in.People)),
		zap.Int("shelters", len(in.Shelters)),
		zap.Int("candidates", len(candidates)),
		zap.Int("assigned", len(res.Assignments)),
		zap.Int("unassigned", len(res.Unassigned)),
		zap.Float64("greedy_km", res.GreedyTotalKm),
		zap.Float64("optimized_km", res.OptimizedTotalKm),
		zap.Duration("took", time.Since(start)),
	)
	return res, nil
}

// nearestShelter ignores capacity and distance limits.
func nearestShelter(p types.Point, shelters []Shelter) (types.ID, float64, bool) {
	best := -1
	var bestD float64
	for i, s := range shelters {
		d := geo.DistanceKm(p.Lat, p.Lng, s.Location.Lat, s.Location.Lng)
		if best < 0 || d < bestD {
			best, bestD = i, d
		}
	}
	if best < 0 {
		return "", 0, false
	}
	return shelters[best].ID, bestD, true
}

func centroid(shelters []Shelter) types.Point {
	if len(shelters) == 0 {
		return types.Point{}
	}
	var c types.Point
	for _, s := range shelters {
		c.Lat += s.Location.Lat
		c.Lng += s.Location.Lng
	}
	n := float64(len(shelters))
	return types.Point{Lat: c.Lat / n, Lng: c.Lng / n}
}
