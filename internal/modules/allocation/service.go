// README: Batch allocation orchestrator: queues single-user requests and resolves them in batches.
package allocation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"refuge/internal/geo"
	"refuge/internal/modules/matching"
	"refuge/internal/modules/shelter"
	"refuge/internal/types"
)

const (
	DefaultCallerTimeout     = 10 * time.Second
	DefaultQueueResidency    = 3 * time.Second
	DefaultPollInterval      = time.Second
	DefaultMaxBatchSize      = 100
	DefaultReserveTimeout    = 2 * time.Second
	DefaultRouteTimeout      = 2 * time.Second
	DefaultDiagnosticsBudget = 1_000_000
)

// Config holds the orchestrator timings and limits.
type Config struct {
	CallerTimeout  time.Duration
	QueueResidency time.Duration
	PollInterval   time.Duration
	// BatchWindow delays a signalled cycle so near-simultaneous arrivals share a batch.
	BatchWindow          time.Duration
	MaxBatchSize         int
	ReserveTimeout       time.Duration
	RouteTimeout         time.Duration
	WalkingSpeedKmPerMin float64
	Priority             matching.PrioritySettings
	// DiagnosticsBudget caps people x shelters for the nearest-shelter report.
	DiagnosticsBudget int
}

func (c Config) withDefaults() Config {
	if c.CallerTimeout <= 0 {
		c.CallerTimeout = DefaultCallerTimeout
	}
	if c.QueueResidency <= 0 {
		c.QueueResidency = DefaultQueueResidency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchWindow < 0 {
		c.BatchWindow = 0
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.ReserveTimeout <= 0 {
		c.ReserveTimeout = DefaultReserveTimeout
	}
	if c.RouteTimeout <= 0 {
		c.RouteTimeout = DefaultRouteTimeout
	}
	if c.WalkingSpeedKmPerMin <= 0 {
		c.WalkingSpeedKmPerMin = 0.6
	}
	if c.DiagnosticsBudget <= 0 {
		c.DiagnosticsBudget = DefaultDiagnosticsBudget
	}
	return c
}

type Option func(*Service)

func WithRouteEnricher(r RouteEnricher) Option {
	return func(s *Service) { s.routes = r }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

type pending struct {
	id          string
	req         Request
	submittedAt time.Time
	state       atomic.Int32
	done        chan Result
}

func (p *pending) status() Status {
	return Status(p.state.Load())
}

func (p *pending) transition(from, to Status) bool {
	return CanTransition(from, to) && p.state.CompareAndSwap(int32(from), int32(to))
}

// Service turns a stream of single-user requests into batches for the matching
// engine. Exactly one outcome is produced per request.
type Service struct {
	cfg      Config
	engine   *matching.Engine
	dir      shelter.Directory
	routes   RouteEnricher
	notifier Notifier
	metrics  *Metrics
	log      *zap.Logger

	mu      sync.Mutex
	queue   []*pending
	closed  bool
	wake    chan struct{}
	pending *xsync.Map[types.ID, *pending]
	stopped chan struct{}

	snapMu   sync.Mutex
	snapshot []shelter.Shelter
	snapOK   bool
}

func NewService(cfg Config, engine *matching.Engine, dir shelter.Directory, opts ...Option) *Service {
	s := &Service{
		cfg:     cfg.withDefaults(),
		engine:  engine,
		dir:     dir,
		log:     zap.L().Named("allocation"),
		wake:    make(chan struct{}, 1),
		pending: xsync.NewMap[types.ID, *pending](),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request blocks until the request is resolved by the batch loop or, once
// CallerTimeout elapses, by direct fallback allocation.
func (s *Service) Request(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	start := time.Now()
	p := &pending{id: uuid.NewString(), req: req, submittedAt: start, done: make(chan Result, 1)}
	if _, loaded := s.pending.LoadOrStore(req.UserID, p); loaded {
		return Result{}, ErrDuplicateRequest
	}
	if res, held := s.existing(ctx, p); held {
		s.settle(p, res)
	} else if !s.enqueue(p) {
		s.pending.Delete(req.UserID)
		return Result{}, ErrShuttingDown
	}

	timer := time.NewTimer(s.cfg.CallerTimeout)
	defer timer.Stop()

	var res Result
	select {
	case res = <-p.done:
	case <-timer.C:
		if p.transition(StatusSubmitted, StatusTimedOut) {
			s.metrics.observeFallback()
			res = s.fallback(ctx, p)
		} else {
			// Claimed by the batch loop, which resolves within one reserve call.
			select {
			case res = <-p.done:
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		}
	case <-ctx.Done():
		if p.transition(StatusSubmitted, StatusTimedOut) {
			s.abandon(p)
		}
		return Result{}, ctx.Err()
	}

	if res.Success {
		s.enrich(ctx, p, &res)
	}
	s.metrics.observeLatency(res.Path, time.Since(start))
	if s.notifier != nil && req.DeviceToken != "" {
		go s.push(req.DeviceToken, res)
	}
	return res, nil
}

// Release frees the user's reservation, reporting whether one existed.
func (s *Service) Release(ctx context.Context, userID types.ID) (bool, error) {
	ok, err := s.dir.Release(ctx, userID)
	if err != nil {
		return false, eris.Wrapf(err, "allocation: release %s", userID)
	}
	return ok, nil
}

// Pending is the number of unresolved requests.
func (s *Service) Pending() int {
	return s.pending.Size()
}

// Done is closed once Run has returned.
func (s *Service) Done() <-chan struct{} {
	return s.stopped
}

// Run is the batch loop. It wakes on a new request or every PollInterval and
// returns when ctx is cancelled, failing whatever is still queued.
func (s *Service) Run(ctx context.Context) {
	defer close(s.stopped)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.log.Info("allocation loop started",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Int("max_batch_size", s.cfg.MaxBatchSize))
	for {
		if ctx.Err() != nil {
			s.shutdown()
			return
		}
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-s.wake:
			if s.cfg.BatchWindow > 0 {
				select {
				case <-ctx.Done():
					s.shutdown()
					return
				case <-time.After(s.cfg.BatchWindow):
				}
			}
		case <-ticker.C:
		}
		s.cycle(ctx)
	}
}

func (s *Service) enqueue(p *pending) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, p)
	depth := len(s.queue)
	s.mu.Unlock()

	s.metrics.setQueueDepth(depth)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// cycle drains the queue batch by batch.
func (s *Service) cycle(ctx context.Context) {
	for ctx.Err() == nil {
		batch := s.drain()
		if len(batch) == 0 {
			return
		}
		s.processBatch(ctx, batch)
	}
}

// drain takes up to MaxBatchSize requests off the queue. Requests that outlived
// QueueResidency are failed here; requests already owned by their caller's
// fallback are dropped.
func (s *Service) drain() []*pending {
	s.mu.Lock()
	n := min(len(s.queue), s.cfg.MaxBatchSize)
	taken := make([]*pending, n)
	copy(taken, s.queue)
	s.queue = append(s.queue[:0], s.queue[n:]...)
	depth := len(s.queue)
	s.mu.Unlock()
	s.metrics.setQueueDepth(depth)

	now := time.Now()
	batch := make([]*pending, 0, n)
	for _, p := range taken {
		if p.status() != StatusSubmitted {
			continue
		}
		if now.Sub(p.submittedAt) > s.cfg.QueueResidency {
			s.settle(p, failure(ReasonQueueTimeout, ActionResubmit))
			continue
		}
		batch = append(batch, p)
	}
	return batch
}

type group struct {
	alertID   types.ID
	reference types.Point
	members   []*pending
}

// groupByAlert keeps groups and members in arrival order.
func groupByAlert(batch []*pending) []*group {
	var groups []*group
	index := make(map[types.ID]*group)
	for _, p := range batch {
		g, ok := index[p.req.AlertID]
		if !ok {
			g = &group{alertID: p.req.AlertID, reference: p.req.Reference}
			index[p.req.AlertID] = g
			groups = append(groups, g)
		}
		g.members = append(g.members, p)
	}
	return groups
}

func (s *Service) processBatch(ctx context.Context, batch []*pending) {
	start := time.Now()
	log := s.log.With(zap.String("batch_id", uuid.NewString()))

	shelters, err := s.liveShelters(ctx)
	if err != nil {
		log.Warn("shelter directory unavailable", zap.Error(err), zap.Int("requests", len(batch)))
		for _, p := range batch {
			s.settle(p, failure(ReasonUpstreamUnavailable, ActionRetry))
		}
		return
	}

	// Slots reserved by earlier groups of this cycle.
	taken := make(map[types.ID]int)
	var assigned, failed int
	for _, g := range groupByAlert(batch) {
		a, f := s.assignGroup(ctx, log, g, shelters, taken)
		assigned += a
		failed += f
	}

	took := time.Since(start)
	s.metrics.observeBatch(len(batch), took)
	log.Debug("batch processed",
		zap.Int("requests", len(batch)),
		zap.Int("assigned", assigned),
		zap.Int("failed", failed),
		zap.Int("shelters", len(shelters)),
		zap.Duration("took", took))
}

func (s *Service) assignGroup(ctx context.Context, log *zap.Logger, g *group, shelters []shelter.Shelter, taken map[types.ID]int) (int, int) {
	people := make([]matching.Person, len(g.members))
	byUser := make(map[types.ID]*pending, len(g.members))
	for i, p := range g.members {
		people[i] = matching.Person{ID: p.req.UserID, Age: s.age(p.req.Age), Location: p.req.Location}
		byUser[p.req.UserID] = p
	}
	candidates := make([]matching.Shelter, len(shelters))
	info := make(map[types.ID]shelter.Shelter, len(shelters))
	for i, sh := range shelters {
		candidates[i] = matching.Shelter{
			ID:        sh.ID,
			Location:  sh.Location,
			Capacity:  sh.Capacity,
			Occupancy: sh.Occupancy + taken[sh.ID],
		}
		info[sh.ID] = sh
	}

	ref := g.reference
	res, err := s.engine.Assign(ctx, matching.Input{
		People:          people,
		Shelters:        candidates,
		Reference:       &ref,
		Priority:        s.cfg.Priority,
		SkipDiagnostics: len(people)*len(candidates) > s.cfg.DiagnosticsBudget,
	})
	if err != nil {
		reason, action := ReasonUpstreamUnavailable, ActionRetry
		if ctx.Err() != nil {
			reason, action = ReasonShuttingDown, ActionSeekNearestProtectedSpace
		}
		log.Warn("assignment failed", zap.String("alert_id", string(g.alertID)), zap.Error(err))
		for _, p := range g.members {
			s.settle(p, failure(reason, action))
		}
		return 0, len(g.members)
	}

	var assigned, failed int
	for _, a := range res.Assignments {
		p := byUser[a.PersonID]
		// Claim before reserving so a caller that already fell back keeps ownership.
		if !p.transition(StatusSubmitted, StatusBatched) {
			continue
		}
		ok, err := s.reserve(ctx, p.req.UserID, a.ShelterID)
		switch {
		case err != nil:
			log.Warn("reserve failed", zap.String("user_id", string(p.req.UserID)), zap.Error(err))
			s.finish(p, StatusBatched, StatusResolved, failure(ReasonUpstreamUnavailable, ActionRetry))
			failed++
		case !ok:
			res, held := s.existing(ctx, p)
			if !held {
				res = failure(ReasonCapacityRaceLost, ActionResubmit)
				failed++
			} else {
				assigned++
			}
			s.finish(p, StatusBatched, StatusResolved, res)
		default:
			taken[a.ShelterID]++
			s.finish(p, StatusBatched, StatusResolved, s.success(p, info[a.ShelterID], a.DistanceKm))
			assigned++
		}
	}
	for _, u := range res.Unassigned {
		s.settle(byUser[u.PersonID], noShelter(u.HasNearest, u.NearestShelterID, u.NearestDistanceKm))
		failed++
	}
	return assigned, failed
}

// liveShelters lists active shelters, falling back to the last good listing.
// Reserve stays authoritative for capacity either way.
func (s *Service) liveShelters(ctx context.Context) ([]shelter.Shelter, error) {
	lctx, cancel := context.WithTimeout(ctx, s.cfg.ReserveTimeout)
	defer cancel()
	shelters, err := s.dir.ListActive(lctx)

	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	if err == nil {
		s.snapshot, s.snapOK = shelters, true
		return shelters, nil
	}
	if s.snapOK {
		s.log.Warn("using last shelter snapshot", zap.Error(err))
		return s.snapshot, nil
	}
	return nil, eris.Wrap(err, "allocation: list active shelters")
}

func (s *Service) reserve(ctx context.Context, userID, shelterID types.ID) (bool, error) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.ReserveTimeout)
	defer cancel()
	return s.dir.Reserve(rctx, userID, shelterID)
}

// settle claims p for the batch loop and resolves it. No-op when the caller's
// fallback already owns p.
func (s *Service) settle(p *pending, res Result) {
	if p.transition(StatusSubmitted, StatusBatched) {
		s.finish(p, StatusBatched, StatusResolved, res)
	}
}

// finish moves p to its terminal status and publishes res. The pending entry is
// removed before publishing so the user can submit again immediately.
func (s *Service) finish(p *pending, from, to Status, res Result) {
	if !p.transition(from, to) {
		return
	}
	res.RequestID = p.id
	res.UserID = p.req.UserID
	res.AlertID = p.req.AlertID
	res.ResolvedAt = time.Now()
	if res.Path == "" {
		res.Path = PathBatch
		if to == StatusFallbackResolved {
			res.Path = PathFallback
		}
	}
	s.metrics.observeOutcome(res)
	s.pending.Delete(p.req.UserID)
	p.done <- res
}

// abandon drops a request whose caller went away before any path claimed it.
func (s *Service) abandon(p *pending) {
	if p.transition(StatusTimedOut, StatusFallbackResolved) {
		s.pending.Delete(p.req.UserID)
	}
}

func (s *Service) shutdown() {
	s.mu.Lock()
	s.closed = true
	rest := s.queue
	s.queue = nil
	s.mu.Unlock()
	s.metrics.setQueueDepth(0)

	for _, p := range rest {
		s.settle(p, failure(ReasonShuttingDown, ActionSeekNearestProtectedSpace))
	}
	s.log.Info("allocation loop stopped", zap.Int("failed_queued", len(rest)))
}

func (s *Service) success(p *pending, sh shelter.Shelter, distanceKm float64) Result {
	eta := time.Now().Add(time.Duration(geo.WalkingMinutes(distanceKm, s.cfg.WalkingSpeedKmPerMin) * float64(time.Minute)))
	return Result{
		Success:          true,
		ShelterID:        sh.ID,
		ShelterName:      sh.Name,
		ShelterLocation:  sh.Location,
		DistanceKm:       distanceKm,
		EstimatedArrival: &eta,
	}
}

// existing reports the shelter p's user already holds as a success. A failed
// lookup counts as no reservation; Reserve stays authoritative.
func (s *Service) existing(ctx context.Context, p *pending) (Result, bool) {
	lctx, cancel := context.WithTimeout(ctx, s.cfg.ReserveTimeout)
	defer cancel()
	log := s.log.With(zap.String("user_id", string(p.req.UserID)))

	sid, held, err := s.dir.ReservationOf(lctx, p.req.UserID)
	if err != nil {
		log.Warn("reservation lookup failed", zap.Error(err))
		return Result{}, false
	}
	if !held {
		return Result{}, false
	}
	res := Result{Success: true, ShelterID: sid}
	sh, found, err := s.dir.Get(lctx, sid)
	switch {
	case err != nil:
		log.Warn("held shelter lookup failed", zap.String("shelter_id", string(sid)), zap.Error(err))
	case found:
		loc := p.req.Location
		res = s.success(p, sh, geo.DistanceKm(loc.Lat, loc.Lng, sh.Location.Lat, sh.Location.Lng))
	}
	res.Path = PathExisting
	return res, true
}

func noShelter(hasNearest bool, nearestID types.ID, nearestKm float64) Result {
	if !hasNearest {
		return failure(ReasonNoShelterInRange, ActionContactEmergencyServices)
	}
	res := failure(ReasonNoShelterInRange, ActionSeekNearestProtectedSpace)
	res.NearestShelterID = nearestID
	res.NearestDistanceKm = nearestKm
	return res
}

// age maps an unknown age to the adult tier.
func (s *Service) age(a int) int {
	if a <= 0 {
		return s.cfg.Priority.Bands.ChildAge + 1
	}
	return a
}

// enrich attaches a walking route. Great-circle distance stays authoritative.
func (s *Service) enrich(ctx context.Context, p *pending, res *Result) {
	if s.routes == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RouteTimeout)
	defer cancel()
	route, err := s.routes.WalkingRoute(rctx, p.req.Location, res.ShelterLocation)
	if err != nil {
		s.log.Debug("route enrichment skipped", zap.String("user_id", string(p.req.UserID)), zap.Error(err))
		return
	}
	res.Route = &route
	if route.Duration > 0 {
		eta := res.ResolvedAt.Add(route.Duration)
		res.EstimatedArrival = &eta
	}
}

func (s *Service) push(token string, res Result) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RouteTimeout)
	defer cancel()
	if err := s.notifier.NotifyAllocation(ctx, token, res); err != nil {
		s.log.Warn("allocation push failed", zap.String("user_id", string(res.UserID)), zap.Error(err))
	}
}
