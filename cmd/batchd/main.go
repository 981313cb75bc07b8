// Copyright 2025 James Ross

// Command batchd runs the scheduling daemon: it claims Pending
// requests, dispatches them under per-model concurrency and circuit
// breaker gates, retries transient failures with backoff, and sweeps
// stuck rows back to Pending. Adapted from the teacher's
// cmd/job-queue-system, which combined producer/worker/admin roles
// into a single binary selected by -role; batchd is the worker role
// alone, the caller-facing surface having moved to cmd/batchctl and
// an HTTP front door.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/batchforge/batchforge/internal/config"
	"github.com/batchforge/batchforge/internal/daemon"
	"github.com/batchforge/batchforge/internal/dispatch"
	"github.com/batchforge/batchforge/internal/obs"
	"github.com/batchforge/batchforge/internal/redisclient"
	"github.com/batchforge/batchforge/internal/store"
	"github.com/batchforge/batchforge/internal/store/memstore"
	"github.com/batchforge/batchforge/internal/store/pgstore"
	"github.com/batchforge/batchforge/internal/store/redisstore"
	"github.com/batchforge/batchforge/internal/stream"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load:", err)
		os.Exit(1)
	}

	log, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init:", err)
		os.Exit(1)
	}
	defer log.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		log.Fatal("tracing init failed", obs.Err(err))
	}

	st, err := openStorage(cfg)
	if err != nil {
		log.Fatal("storage open failed", obs.Err(err))
	}
	defer st.Close()

	var relay stream.Relay
	if cfg.Stream.NATS.Enabled {
		nr, err := stream.NewNATSRelay(cfg, log)
		if err != nil {
			log.Fatal("nats relay init failed", obs.Err(err))
		}
		if nr != nil {
			relay = nr
			defer nr.Close()
		}
	}
	hub := stream.NewHub(cfg.Stream.BufferSize, relay)

	disp := dispatch.New()
	d := daemon.New(cfg, st, disp, hub, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metricsSrv := obs.StartMetricsServer(cfg)
	obs.StartBacklogUpdater(ctx, cfg, st, log)

	log.Info("batchd starting", obs.String("daemon_id", d.ID()), obs.String("storage_backend", string(cfg.StorageBackend)))
	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("daemon exited with error", obs.Err(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	if tp != nil {
		_ = obs.TracerShutdown(shutdownCtx, tp)
	}
	log.Info("batchd stopped")
}

func openStorage(cfg *config.Config) (store.Storage, error) {
	switch cfg.StorageBackend {
	case config.StorageBackendMemory:
		return memstore.New(), nil
	case config.StorageBackendPostgres:
		return pgstore.Open(cfg)
	case config.StorageBackendRedis:
		rdb := redisclient.New(cfg)
		return redisstore.New(rdb), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
