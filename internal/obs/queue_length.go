// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/batchforge/batchforge/internal/config"
	"go.uber.org/zap"
)

// BacklogSource reports the number of Pending requests queued per model.
// Satisfied by the storage backend so the sampler never depends on a
// particular backend's internals.
type BacklogSource interface {
	PendingCountByModel(ctx context.Context) (map[string]int, error)
}

// StartBacklogUpdater samples per-model Pending backlog and updates a gauge.
func StartBacklogUpdater(ctx context.Context, cfg *config.Config, src BacklogSource, log *zap.Logger) {
	interval := 2 * time.Second
	if cfg.Daemon.StatusLogIntervalMs > 0 {
		interval = time.Duration(cfg.Daemon.StatusLogIntervalMs) * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				counts, err := src.PendingCountByModel(ctx)
				if err != nil {
					log.Debug("backlog poll error", Err(err))
					continue
				}
				for model, n := range counts {
					ModelBacklog.WithLabelValues(model).Set(float64(n))
				}
			}
		}
	}()
}
