package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/docqa/pkg/engine"
	"github.com/cuemby/docqa/pkg/health"
	"github.com/cuemby/docqa/pkg/log"
	"github.com/cuemby/docqa/pkg/metrics"
	"github.com/cuemby/docqa/pkg/realtime"
	"github.com/cuemby/docqa/pkg/storage"
)

// startEngine builds and starts the sync engine for long-running
// commands. The returned stop function releases everything it started.
func startEngine(ctx context.Context) (*engine.Engine, func(), error) {
	provider, err := tokenProvider()
	if err != nil {
		return nil, nil, err
	}

	var persistence storage.Store
	if cfg.DataDir != "" {
		bolt, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open cache store: %w", err)
		}
		persistence = bolt
	}

	var probe health.Checker
	if cfg.HealthInterval > 0 {
		probe = health.NewHTTPChecker(cfg.APIURL).WithTimeout(time.Duration(cfg.RequestTimeout))
	}

	rc := cfg.Realtime.Reconnect
	e, err := engine.New(engine.Config{
		API: newClient(provider),
		Realtime: realtime.Config{
			URL: cfg.RealtimeURL(),
			Reconnect: realtime.ReconnectConfig{
				Enabled:     rc.Enabled,
				BaseDelay:   time.Duration(rc.BaseDelay),
				MaxDelay:    time.Duration(rc.MaxDelay),
				MaxAttempts: rc.MaxAttempts,
			},
		},
		Persistence:     persistence,
		ResyncOnConnect: cfg.Realtime.ResyncOnConnect,
		FetchTimeout:    time.Duration(cfg.RequestTimeout),
		Probe:           probe,
		Health: health.Config{
			Interval: time.Duration(cfg.HealthInterval),
			Timeout:  time.Duration(cfg.RequestTimeout),
			Retries:  3,
		},
	})
	if err != nil {
		if persistence != nil {
			persistence.Close()
		}
		return nil, nil, err
	}

	tokens, err := provider.Watch(ctx)
	if err != nil {
		e.Stop()
		return nil, nil, err
	}
	if err := e.Start(ctx, tokens); err != nil {
		e.Stop()
		return nil, nil, err
	}

	stopMetrics := serveMetrics()
	stop := func() {
		stopMetrics()
		if err := e.Stop(); err != nil {
			log.Errorf("Failed to stop engine", err)
		}
	}
	return e, stop, nil
}

// serveMetrics exposes /metrics, /health and /ready when configured
func serveMetrics() func() {
	if cfg.MetricsAddr == "" {
		return func() {}
	}
	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metrics.NewMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server failed", err)
		}
	}()
	log.Logger.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}
