// README: Alert store backed by PostgreSQL.
package alert

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"refuge/internal/infra"
	"refuge/internal/types"
)

type Store struct {
	db infra.Pool
}

func NewStore(db infra.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Get(ctx context.Context, id types.ID) (Alert, bool, error) {
	var (
		a   Alert
		aid string
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, name, center_lat, center_lng, radius_km, active, started_at
		FROM alerts
		WHERE id = $1`, string(id)).
		Scan(&aid, &a.Name, &a.Center.Lat, &a.Center.Lng, &a.RadiusKm, &a.Active, &a.StartedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Alert{}, false, nil
	}
	if err != nil {
		return Alert{}, false, eris.Wrapf(err, "alert: get %s", id)
	}
	a.ID = types.ID(aid)
	return a, true, nil
}

func (s *Store) Upsert(ctx context.Context, a Alert) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO alerts (id, name, center_lat, center_lng, radius_km, active, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			center_lat = EXCLUDED.center_lat,
			center_lng = EXCLUDED.center_lng,
			radius_km = EXCLUDED.radius_km,
			active = EXCLUDED.active`,
		string(a.ID), a.Name, a.Center.Lat, a.Center.Lng, a.RadiusKm, a.Active, a.StartedAt)
	if err != nil {
		return eris.Wrapf(err, "alert: upsert %s", a.ID)
	}
	return nil
}

// SetActive flips an alert on or off. It reports whether the alert exists.
func (s *Store) SetActive(ctx context.Context, id types.ID, active bool) (bool, error) {
	tag, err := s.db.Exec(ctx, `UPDATE alerts SET active = $1 WHERE id = $2`, active, string(id))
	if err != nil {
		return false, eris.Wrapf(err, "alert: set active %s", id)
	}
	return tag.RowsAffected() == 1, nil
}
