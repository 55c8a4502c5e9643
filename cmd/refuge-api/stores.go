package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"refuge/internal/config"
	"refuge/internal/infra"
	"refuge/internal/modules/alert"
	"refuge/internal/modules/shelter"
	"refuge/internal/types"
)

type directory interface {
	shelter.Directory
	shelter.Upserter
}

type alertStore interface {
	alert.Source
	Upsert(ctx context.Context, a alert.Alert) error
	SetActive(ctx context.Context, id types.ID, active bool) (bool, error)
}

type stores struct {
	shelters directory
	alerts   alertStore
	closers  []func()
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openStores builds the shelter directory and alert source for store.driver.
// Redis keeps shelters only; its alerts live in memory, loaded from the seed.
func openStores(ctx context.Context, cfg config.Config) (*stores, error) {
	st := &stores{}
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, pool.Close)
		if err := infra.Migrate(ctx, pool); err != nil {
			st.close()
			return nil, err
		}
		st.shelters = shelter.NewStore(pool)
		st.alerts = alert.NewStore(pool)
	case "redis":
		client, err := infra.NewRedis(ctx, cfg.Redis.Addr)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, func() { _ = client.Close() })
		st.shelters = shelter.NewRedisDirectory(client, cfg.Redis.Prefix)
		st.alerts = alert.NewMemoryStore()
	case "memory":
		st.shelters = shelter.NewMemoryDirectory()
		st.alerts = alert.NewMemoryStore()
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	if cfg.Store.SeedFile != "" {
		if err := seed(ctx, st, cfg.Store.SeedFile); err != nil {
			st.close()
			return nil, err
		}
	}
	return st, nil
}

func seed(ctx context.Context, st *stores, path string) error {
	shelters, err := shelter.LoadSeed(path)
	if err != nil {
		return err
	}
	if err := shelter.Seed(ctx, st.shelters, shelters); err != nil {
		return err
	}
	alerts, err := alert.LoadSeed(path)
	if err != nil {
		return err
	}
	for _, a := range alerts {
		if err := st.alerts.Upsert(ctx, a); err != nil {
			return eris.Wrapf(err, "seed alert %s", a.ID)
		}
	}
	zap.L().Named("main").Info("seed loaded",
		zap.String("path", path),
		zap.Int("shelters", len(shelters)),
		zap.Int("alerts", len(alerts)))
	return nil
}
