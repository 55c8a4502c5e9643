// README: Bench cases: backing-service checks, API contract checks and allocation load.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"refuge/internal/infra"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name  string
	Focus string
	Run   func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-7s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) cases() []TestCase {
	base := r.cfg.BaseURL
	allocURL := base + "/api/alerts/" + r.cfg.AlertID + "/allocations"
	return []TestCase{
		{
			Name:  "Env: Postgres connect",
			Focus: "DB reachable",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.cfg.DSN == "" {
					return Result{Status: "SKIP", Note: "dsn not configured"}
				}
				if r.db == nil {
					return Result{Status: "FAIL", Note: "invalid dsn"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.db.Ping(ctx); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name:  "Env: Redis connect",
			Focus: "Redis reachable",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: "SKIP", Note: "redis not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.redis.Ping(ctx).Err(); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name:  "Migration: all applied",
			Focus: "schema_migrations holds every embedded migration",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: "SKIP", Note: "db not configured"}
				}
				return checkMigrations(ctx, r)
			},
		},
		httpCaseMethod("API: health", http.MethodGet, base+"/health", nil, []int{200}, nil),
		httpCaseMethod("API: list shelters", http.MethodGet, base+"/api/shelters", nil, []int{200}, nil),

		httpCase("Allocation: valid request", allocURL, map[string]any{
			"user_id": "bench-" + uuid.NewString()[:8],
			"lat":     r.cfg.Lat,
			"lng":     r.cfg.Lng,
			"age":     75,
		}, []int{200}, []int{404}),
		httpCase("Allocation: missing fields -> 400", allocURL, map[string]any{}, []int{400}, nil),
		httpCase("Allocation: invalid coords -> 400", allocURL, map[string]any{
			"user_id": "bench-bad-coords",
			"lat":     123.0,
			"lng":     456.0,
		}, []int{400}, nil),
		httpCase("Allocation: unknown alert -> 404", base+"/api/alerts/no-such-alert/allocations", map[string]any{
			"user_id": "bench-unknown",
			"lat":     r.cfg.Lat,
			"lng":     r.cfg.Lng,
		}, []int{404}, nil),
		httpCaseMethod("Allocation: release unknown user -> 404", http.MethodDelete,
			base+"/api/allocations/bench-never-reserved", nil, []int{404}, nil),
		{
			Name:  "Concurrency: duplicate pending user",
			Focus: "one outcome per user; concurrent repeats get 409",
			Run: func(ctx context.Context, r *Runner) Result {
				return duplicateUser(ctx, r, allocURL)
			},
		},
		{
			Name:  "Perf: allocation load",
			Focus: "latency percentiles and outcomes under concurrent callers",
			Run: func(ctx context.Context, r *Runner) Result {
				return allocationLoad(ctx, r, allocURL)
			},
		},
	}
}

func httpCase(name, url string, body any, okStatuses, pendingStatuses []int) TestCase {
	return httpCaseMethod(name, http.MethodPost, url, body, okStatuses, pendingStatuses)
}

func httpCaseMethod(name, method, url string, body any, okStatuses, pendingStatuses []int) TestCase {
	return TestCase{
		Name:  name,
		Focus: "HTTP API",
		Run: func(ctx context.Context, r *Runner) Result {
			start := time.Now()
			status, _, err := r.do(ctx, method, url, body)
			if err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			latency := time.Since(start)
			note := fmt.Sprintf("status=%d", status)
			switch {
			case slices.Contains(okStatuses, status):
				return Result{Status: "PASS", Latency: latency, Note: note}
			case slices.Contains(pendingStatuses, status):
				return Result{Status: "PENDING", Latency: latency, Note: note}
			default:
				return Result{Status: "FAIL", Latency: latency, Note: note}
			}
		},
	}
}

func (r *Runner) do(ctx context.Context, method, url string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	return resp.StatusCode, b, err
}

func checkMigrations(ctx context.Context, r *Runner) Result {
	want, err := infra.MigrationNames()
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	rows, err := r.db.Query(ctx, "SELECT name FROM schema_migrations")
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	defer rows.Close()
	applied := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return Result{Status: "FAIL", Note: err.Error()}
		}
		applied[name] = true
	}
	var missing []string
	for _, name := range want {
		if !applied[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Result{Status: "FAIL", Note: "missing: " + strings.Join(missing, ", ")}
	}
	return Result{Status: "PASS", Note: fmt.Sprintf("%d migrations", len(want))}
}

func duplicateUser(ctx context.Context, r *Runner, url string) Result {
	body := map[string]any{"user_id": "bench-dup-" + uuid.NewString()[:8], "lat": r.cfg.Lat, "lng": r.cfg.Lng}
	statuses := make([]int, min(r.cfg.Concurrency, 10))

	var wg sync.WaitGroup
	for i := range statuses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i], _, _ = r.do(ctx, http.MethodPost, url, body)
		}(i)
	}
	wg.Wait()

	var ok, conflict int
	for _, s := range statuses {
		switch s {
		case http.StatusOK:
			ok++
		case http.StatusConflict:
			conflict++
		}
	}
	note := fmt.Sprintf("ok=%d conflict=%d of %d", ok, conflict, len(statuses))
	if ok >= 1 && ok+conflict == len(statuses) {
		return Result{Status: "PASS", Note: note}
	}
	return Result{Status: "FAIL", Note: note}
}

type loadStats struct {
	mu        sync.Mutex
	latencies []time.Duration
	outcomes  map[string]int
	errors    int
}

func (s *loadStats) record(d time.Duration, outcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencies = append(s.latencies, d)
	s.outcomes[outcome]++
}

func (s *loadStats) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors++
}

// allocationLoad runs Concurrency callers for Duration. Each request uses a
// fresh user; successful reservations are released so capacity recycles.
func allocationLoad(ctx context.Context, r *Runner, url string) Result {
	stats := &loadStats{outcomes: map[string]int{}}
	end := time.Now().Add(r.cfg.Duration)

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < r.cfg.Concurrency; w++ {
		rng := rand.New(rand.NewPCG(uint64(w), uint64(time.Now().UnixNano())))
		g.Go(func() error {
			for time.Now().Before(end) && ctx.Err() == nil {
				user := "bench-" + uuid.NewString()
				lat, lng := jitter(rng, r.cfg.Lat, r.cfg.Lng, r.cfg.SpreadKm)
				start := time.Now()
				status, body, err := r.do(ctx, http.MethodPost, url, map[string]any{
					"user_id": user, "lat": lat, "lng": lng, "age": rng.IntN(96),
				})
				if err != nil || status != http.StatusOK {
					stats.fail()
					continue
				}
				var res struct {
					Success bool   `json:"success"`
					Path    string `json:"path"`
					Reason  string `json:"reason"`
				}
				if err := json.Unmarshal(body, &res); err != nil {
					stats.fail()
					continue
				}
				outcome := res.Path + ":" + res.Reason
				if res.Success {
					outcome = res.Path + ":assigned"
					_, _, _ = r.do(ctx, http.MethodDelete, r.cfg.BaseURL+"/api/allocations/"+user, nil)
				}
				stats.record(time.Since(start), outcome)
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(stats.latencies) == 0 {
		return Result{Status: "FAIL", Note: fmt.Sprintf("no requests completed, errors=%d", stats.errors)}
	}
	sort.Slice(stats.latencies, func(i, j int) bool { return stats.latencies[i] < stats.latencies[j] })
	rps := float64(len(stats.latencies)) / r.cfg.Duration.Seconds()
	return Result{
		Status:  "PASS",
		Latency: percentile(stats.latencies, 50),
		Note: fmt.Sprintf("rps=%.1f p50=%s p95=%s p99=%s errors=%d outcomes=%s",
			rps,
			percentile(stats.latencies, 50),
			percentile(stats.latencies, 95),
			percentile(stats.latencies, 99),
			stats.errors,
			formatOutcomes(stats.outcomes)),
	}
}

// percentile uses nearest rank over a sorted slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	rank = max(1, min(rank, len(sorted)))
	return sorted[rank-1]
}

func formatOutcomes(outcomes map[string]int) string {
	keys := make([]string, 0, len(outcomes))
	for k := range outcomes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, outcomes[k])
	}
	return strings.Join(parts, ",")
}

// jitter offsets a point uniformly within spreadKm on each axis.
func jitter(rng *rand.Rand, lat, lng, spreadKm float64) (float64, float64) {
	const kmPerDeg = 111.195
	dLat := (rng.Float64()*2 - 1) * spreadKm / kmPerDeg
	dLng := (rng.Float64()*2 - 1) * spreadKm / (kmPerDeg * math.Cos(lat*math.Pi/180))
	return lat + dLat, lng + dLng
}
