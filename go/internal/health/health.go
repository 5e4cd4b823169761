// Package health reports liveness of the store, the NATS link and the
// background runners over HTTP.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/jurisnexo/relay/go/internal/realtime"
	"github.com/jurisnexo/relay/go/internal/worker"
)

// Store is the part of the store backend the checker reads.
type Store interface {
	Ping(ctx context.Context) error
	CountQueuedMessages(ctx context.Context) (int, error)
}

// Connection is satisfied by *nats.Conn.
type Connection interface {
	IsConnected() bool
}

type RunnerStats interface {
	Stats() worker.Stats
}

type HubStats interface {
	Stats() realtime.HubStats
}

type Config struct {
	// StallAfter is how far past its scheduled tick a running runner may be
	// before it is reported stalled.
	StallAfter  time.Duration
	// BacklogWarn adds a warning (not a failure) when more messages are queued.
	BacklogWarn int
	Timeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		StallAfter:  2 * time.Minute,
		BacklogWarn: 1000,
		Timeout:     5 * time.Second,
	}
}

type RunnerStatus struct {
	worker.Stats
	Stalled bool `json:"stalled"`
}

type Status struct {
	Healthy        bool               `json:"healthy"`
	StoreConnected bool               `json:"store_connected"`
	NATSConnected  *bool              `json:"nats_connected,omitempty"`
	QueuedMessages int                `json:"queued_messages"`
	Runners        []RunnerStatus     `json:"runners"`
	Gateway        *realtime.HubStats `json:"gateway,omitempty"`
	Errors         []string           `json:"errors"`
	Warnings       []string           `json:"warnings,omitempty"`
	CheckedAt      time.Time          `json:"checked_at"`
}

// Checker aggregates the health of everything one process runs.
type Checker struct {
	store   Store
	nats    Connection
	runners []RunnerStats
	hub     HubStats
	clock   clockwork.Clock
	config  Config
}

// NewChecker builds a checker. store may be nil for processes without one.
func NewChecker(store Store, clock clockwork.Clock, cfg Config) *Checker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Checker{store: store, clock: clock, config: cfg}
}

// WithNATS includes the NATS connection in the check.
func (h *Checker) WithNATS(conn Connection) *Checker {
	h.nats = conn
	return h
}

func (h *Checker) WithRunners(runners ...RunnerStats) *Checker {
	h.runners = append(h.runners, runners...)
	return h
}

func (h *Checker) WithHub(hub HubStats) *Checker {
	h.hub = hub
	return h
}

func (h *Checker) Check(ctx context.Context) Status {
	now := h.clock.Now()
	status := Status{
		Healthy:   true,
		Errors:    []string{},
		Runners:   []RunnerStatus{},
		CheckedAt: now.UTC(),
	}

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			status.Healthy = false
			status.Errors = append(status.Errors, fmt.Sprintf("store ping failed: %v", err))
		} else {
			status.StoreConnected = true
		}
	}

	if h.nats != nil {
		connected := h.nats.IsConnected()
		status.NATSConnected = &connected
		if !connected {
			status.Healthy = false
			status.Errors = append(status.Errors, "NATS disconnected")
		}
	}

	for _, r := range h.runners {
		rs := RunnerStatus{Stats: r.Stats()}
		switch {
		case !rs.Running:
			status.Healthy = false
			status.Errors = append(status.Errors, fmt.Sprintf("worker %s not running", rs.Name))
		case !rs.NextTickAt.IsZero() && now.Sub(rs.NextTickAt) > h.config.StallAfter:
			rs.Stalled = true
			status.Healthy = false
			status.Errors = append(status.Errors, fmt.Sprintf("worker %s missed its tick due %s", rs.Name, rs.NextTickAt.Format(time.RFC3339)))
		}
		status.Runners = append(status.Runners, rs)
	}

	if h.hub != nil {
		stats := h.hub.Stats()
		stats.RoomSizes = nil
		status.Gateway = &stats
	}

	if status.StoreConnected {
		queued, err := h.store.CountQueuedMessages(ctx)
		if err != nil {
			status.Errors = append(status.Errors, fmt.Sprintf("failed to count queued messages: %v", err))
		} else {
			status.QueuedMessages = queued
			if h.config.BacklogWarn > 0 && queued > h.config.BacklogWarn {
				status.Warnings = append(status.Warnings, fmt.Sprintf("high queued message count: %d", queued))
			}
		}
	}

	return status
}

// ServeHTTP writes the status as JSON, with 503 when unhealthy.
func (h *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.config.Timeout)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Error().Err(err).Msg("failed to write health status")
	}
}

// RegisterRoutes mounts /health and /metrics.
func (h *Checker) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/health", h)
	mux.Handle("/metrics", NewPrometheusExporter(h))
}
