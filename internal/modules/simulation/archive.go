// README: Local sqlite history of simulation runs, used by the simulation CLI.
package simulation

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// Archive stores run summaries in a sqlite file.
type Archive struct {
	db *sql.DB
}

// RunSummary is one archived run without its per-person detail.
type RunSummary struct {
	ID         string    `json:"id"`
	Seed       uint64    `json:"seed"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	People     int       `json:"people"`
	Shelters   int       `json:"shelters"`
	Stats      Stats     `json:"stats"`
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS simulation_runs (
	id          TEXT PRIMARY KEY,
	seed        INTEGER NOT NULL,
	started_at  INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	people      INTEGER NOT NULL,
	shelters    INTEGER NOT NULL,
	stats       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_simulation_runs_started_at ON simulation_runs(started_at);
`

// OpenArchive opens (and creates if needed) the archive at path.
func OpenArchive(ctx context.Context, path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "archive: open")
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		archiveSchema,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, eris.Wrap(err, "archive: init")
		}
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

func (a *Archive) Save(ctx context.Context, r Report) error {
	stats, err := json.Marshal(r.Stats)
	if err != nil {
		return eris.Wrap(err, "archive: marshal stats")
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO simulation_runs (id, seed, started_at, duration_ms, people, shelters, stats)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, int64(r.Seed), r.StartedAt.UnixMilli(), r.DurationMs, r.People, r.Shelters, string(stats),
	)
	if err != nil {
		return eris.Wrapf(err, "archive: insert run %s", r.ID)
	}
	return nil
}

// List returns the most recent runs first.
func (a *Archive) List(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, seed, started_at, duration_ms, people, shelters, stats
		 FROM simulation_runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "archive: list runs")
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			r       RunSummary
			seed    int64
			started int64
			stats   string
		)
		if err := rows.Scan(&r.ID, &seed, &started, &r.DurationMs, &r.People, &r.Shelters, &stats); err != nil {
			return nil, eris.Wrap(err, "archive: scan run")
		}
		if err := json.Unmarshal([]byte(stats), &r.Stats); err != nil {
			return nil, eris.Wrapf(err, "archive: decode stats of %s", r.ID)
		}
		r.Seed = uint64(seed)
		r.StartedAt = time.UnixMilli(started).UTC()
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "archive: iterate runs")
}
