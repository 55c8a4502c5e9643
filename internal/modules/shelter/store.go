// README: Shelter store backed by PostgreSQL with transactional reservations.
package shelter

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"refuge/internal/infra"
	"refuge/internal/types"
)

// Store implements Directory on the shelters and reservations tables.
type Store struct {
	db infra.Pool
}

func NewStore(db infra.Pool) *Store {
	return &Store{db: db}
}

const shelterColumns = `id, name, lat, lng, capacity, occupancy, active`

func (s *Store) ListActive(ctx context.Context) ([]Shelter, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+shelterColumns+`
		FROM shelters
		WHERE active
		ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "shelter: list active")
	}
	defer rows.Close()

	var out []Shelter
	for rows.Next() {
		sh, err := scanShelter(rows)
		if err != nil {
			return nil, eris.Wrap(err, "shelter: scan")
		}
		out = append(out, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "shelter: list active")
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id types.ID) (Shelter, bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+shelterColumns+`
		FROM shelters
		WHERE id = $1`, string(id))
	sh, err := scanShelter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Shelter{}, false, nil
	}
	if err != nil {
		return Shelter{}, false, eris.Wrapf(err, "shelter: get %s", id)
	}
	return sh, true, nil
}

func (s *Store) CurrentOccupancy(ctx context.Context, id types.ID) (int, bool, error) {
	var occ int
	err := s.db.QueryRow(ctx, `SELECT occupancy FROM shelters WHERE id = $1`, string(id)).Scan(&occ)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, eris.Wrapf(err, "shelter: occupancy %s", id)
	}
	return occ, true, nil
}

// Reserve records the user's reservation and takes one slot in a single
// transaction. The conditional UPDATE is the capacity check at commit time.
func (s *Store) Reserve(ctx context.Context, userID, shelterID types.ID) (bool, error) {
	return s.inTx(ctx, "reserve", func(tx pgx.Tx) (bool, error) {
		tag, err := tx.Exec(ctx, `
			INSERT INTO reservations (user_id, shelter_id, reserved_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (user_id) DO NOTHING`, string(userID), string(shelterID))
		if err != nil {
			return false, err
		}
		if tag.RowsAffected() == 0 {
			return false, nil
		}
		tag, err = tx.Exec(ctx, `
			UPDATE shelters SET occupancy = occupancy + 1
			WHERE id = $1 AND active AND occupancy < capacity`, string(shelterID))
		if err != nil {
			return false, err
		}
		return tag.RowsAffected() == 1, nil
	})
}

func (s *Store) Release(ctx context.Context, userID types.ID) (bool, error) {
	return s.inTx(ctx, "release", func(tx pgx.Tx) (bool, error) {
		var shelterID string
		err := tx.QueryRow(ctx, `
			DELETE FROM reservations WHERE user_id = $1
			RETURNING shelter_id`, string(userID)).Scan(&shelterID)
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE shelters SET occupancy = occupancy - 1
			WHERE id = $1 AND occupancy > 0`, shelterID); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (s *Store) ReservationOf(ctx context.Context, userID types.ID) (types.ID, bool, error) {
	var shelterID string
	err := s.db.QueryRow(ctx, `SELECT shelter_id FROM reservations WHERE user_id = $1`, string(userID)).Scan(&shelterID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrapf(err, "shelter: reservation of %s", userID)
	}
	return types.ID(shelterID), true, nil
}

// Upsert inserts or updates a shelter definition. Occupancy is left untouched
// on update because it is owned by reservations.
func (s *Store) Upsert(ctx context.Context, sh Shelter) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO shelters (id, name, lat, lng, capacity, occupancy, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			capacity = EXCLUDED.capacity,
			active = EXCLUDED.active`,
		string(sh.ID), sh.Name, sh.Location.Lat, sh.Location.Lng, sh.Capacity, sh.Occupancy, sh.Active)
	if err != nil {
		return eris.Wrapf(err, "shelter: upsert %s", sh.ID)
	}
	return nil
}

// inTx commits only when fn reports success; any other outcome rolls back.
func (s *Store) inTx(ctx context.Context, op string, fn func(pgx.Tx) (bool, error)) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, eris.Wrapf(err, "shelter: %s begin", op)
	}
	ok, err := fn(tx)
	if err != nil || !ok {
		_ = tx.Rollback(ctx)
		if err != nil {
			return false, eris.Wrapf(err, "shelter: %s", op)
		}
		return false, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return false, eris.Wrapf(err, "shelter: %s commit", op)
	}
	return true, nil
}

func scanShelter(row pgx.Row) (Shelter, error) {
	var (
		sh Shelter
		id string
	)
	err := row.Scan(&id, &sh.Name, &sh.Location.Lat, &sh.Location.Lng, &sh.Capacity, &sh.Occupancy, &sh.Active)
	sh.ID = types.ID(id)
	return sh, err
}
