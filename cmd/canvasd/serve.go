package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"pkt.systems/canvasd"
	"pkt.systems/canvasd/internal/bus"
	"pkt.systems/canvasd/internal/loggingutil"
	"pkt.systems/canvasd/internal/relay"
	"pkt.systems/pslog"
)

const shutdownTimeout = 10 * time.Second

// runServe wires the document store, the mutation bus, and the relay
// hub together and blocks until ctx is canceled or the listener fails.
func runServe(ctx context.Context, logger pslog.Logger, cfg canvasd.Config) error {
	lifecycle := loggingutil.WithSubsystem(logger, "server.lifecycle")

	docs, err := canvasd.OpenDocumentStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open document store: %w", err)
	}
	defer func() { _ = docs.Close() }()

	var b bus.Bus
	if cfg.Redis != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("redis %s: %w", cfg.Redis, err)
		}
		defer func() { _ = client.Close() }()
		b = bus.NewRedis(client, logger)
		lifecycle.Info("bus ready", "kind", "redis", "addr", cfg.Redis)
	} else {
		mem := bus.NewMemory(logger)
		defer mem.Close()
		b = mem
		lifecycle.Info("bus ready", "kind", "memory")
	}

	var metrics *relay.Metrics
	var metricsSrv *http.Server
	if cfg.MetricsListen != "" {
		reg := prometheus.NewRegistry()
		metrics = relay.NewMetrics(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsListen, Handler: mux}
		go func() {
			lifecycle.Info("metrics listening", "addr", cfg.MetricsListen)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				lifecycle.Error("metrics listener failed", "error", err)
			}
		}()
	}

	hub := relay.NewHub(relay.Options{
		LockTTL:          cfg.LockTTL,
		SweepInterval:    cfg.SweepInterval,
		AutosaveDebounce: cfg.AutosaveDebounce,
	}, b, docs, nil, logger, metrics)

	srv := &http.Server{Addr: cfg.Listen, Handler: relay.Handler(hub)}

	go func() {
		<-ctx.Done()
		lifecycle.Info("shutting down", "drain_grace", cfg.DrainGrace)
		grace := cfg.DrainGrace
		if grace <= 0 {
			grace = shutdownTimeout
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		// Autosave dirty documents and close websockets before the
		// listener goes away, so no mutation burst is lost mid-drain.
		hub.Shutdown(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			lifecycle.Error("shutdown failed", "error", err)
		}
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
	}()

	lifecycle.Info("listening", "addr", cfg.Listen)
	err = srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
