// README: Entry point; loads config, wires stores and the allocation loop, serves the HTTP API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"refuge/internal/config"
	httptransport "refuge/internal/http"
	"refuge/internal/infra"
	"refuge/internal/maps"
	"refuge/internal/modules/allocation"
	"refuge/internal/modules/matching"
	"refuge/internal/modules/simulation"
	"refuge/internal/notify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("load config", zap.Error(err))
	}
	if err := config.InitLogger(cfg.Log); err != nil {
		zap.L().Fatal("init logger", zap.Error(err))
	}
	defer zap.L().Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		zap.L().Fatal("refuge-api exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config) error {
	log := zap.L().Named("main")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	engine := matching.NewEngine(cfg.Matching.Engine())

	opts := []allocation.Option{allocation.WithMetrics(allocation.NewMetrics(nil))}
	if cfg.Maps.APIKey != "" {
		routes, err := maps.NewRouteService(cfg.Maps.APIKey, cfg.Maps.RequestsPerSecond)
		if err != nil {
			return err
		}
		opts = append(opts, allocation.WithRouteEnricher(routes))
	}
	if cfg.Firebase.ProjectID != "" {
		client, err := infra.NewMessagingClient(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
		if err != nil {
			return err
		}
		opts = append(opts, allocation.WithNotifier(notify.NewFCM(client)))
	}

	allocationSvc := allocation.NewService(cfg.Allocation.Service(cfg.Matching), engine, st.shelters, opts...)
	go allocationSvc.Run(ctx)

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Shelters:   st.shelters,
		Alerts:     st.alerts,
		Allocation: allocationSvc,
		Simulation: simulation.NewService(engine),
	})
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening",
			zap.String("addr", cfg.HTTP.Addr),
			zap.String("store", cfg.Store.Driver),
			zap.Float64("max_distance_km", cfg.Matching.MaxDistanceKm()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			cancel()
			<-allocationSvc.Done()
			return eris.Wrap(err, "http server")
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	cancel()
	shutdownCtx, stopShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	select {
	case <-allocationSvc.Done():
	case <-shutdownCtx.Done():
		log.Warn("allocation loop did not stop in time")
	}
	return nil
}
