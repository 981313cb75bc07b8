// Copyright 2025 James Ross
package stream

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/batchforge/batchforge/internal/config"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSRelay publishes every stream Event to a NATS subject, so other
// processes (a second batchd replica, an external status mirror) can
// observe the same transitions this daemon's in-process Hub serves
// locally. Optional: a deployment with a single daemon process has no
// need for it (spec §4.6).
type NATSRelay struct {
	conn    *nats.Conn
	subject string
	log     *zap.Logger

	mu      sync.Mutex
	healthy bool
}

// NewNATSRelay dials cfg.Stream.NATS.URL and returns a Relay, or nil
// if NATS relay is disabled in config.
func NewNATSRelay(cfg *config.Config, log *zap.Logger) (*NATSRelay, error) {
	if !cfg.Stream.NATS.Enabled {
		return nil, nil
	}
	conn, err := nats.Connect(cfg.Stream.NATS.URL)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSRelay{conn: conn, subject: cfg.Stream.NATS.Subject, log: log, healthy: true}, nil
}

// Publish sends ev as a JSON message on the relay's subject. Publish
// failures are logged and returned; the Hub discards the returned
// error, since the in-process Hub already served every local
// subscriber, and a relay hiccup must never stall the daemon's claim
// loop.
func (r *NATSRelay) Publish(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", r.subject, ev.State)
	if err := r.conn.Publish(subject, payload); err != nil {
		r.mu.Lock()
		r.healthy = false
		r.mu.Unlock()
		r.log.Warn("nats relay publish failed", zap.String("subject", subject), zap.Error(err))
		return err
	}
	r.mu.Lock()
	r.healthy = true
	r.mu.Unlock()
	return nil
}

// Healthy reports whether the last publish attempt succeeded.
func (r *NATSRelay) Healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.healthy
}

// Close closes the underlying NATS connection without draining it.
func (r *NATSRelay) Close() error {
	if r.conn != nil {
		r.conn.Close()
	}
	return nil
}

var _ Relay = (*NATSRelay)(nil)
