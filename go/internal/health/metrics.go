package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// PrometheusExporter renders a health check in the Prometheus text format.
type PrometheusExporter struct {
	checker *Checker
}

func NewPrometheusExporter(checker *Checker) *PrometheusExporter {
	return &PrometheusExporter{checker: checker}
}

func (e *PrometheusExporter) Export(ctx context.Context) string {
	status := e.checker.Check(ctx)

	var b strings.Builder
	gauge(&b, "relay_healthy", "Whether every checked component is healthy", boolInt(status.Healthy))
	if e.checker.store != nil {
		gauge(&b, "relay_store_connected", "Whether the store answered a ping", boolInt(status.StoreConnected))
		gauge(&b, "relay_queued_messages", "Outbound messages waiting for delivery", status.QueuedMessages)
	}
	if status.NATSConnected != nil {
		gauge(&b, "relay_nats_connected", "Whether NATS is connected", boolInt(*status.NATSConnected))
	}

	if len(status.Runners) > 0 {
		header(&b, "relay_worker_running", "Whether the worker loop is running", "gauge")
		for _, r := range status.Runners {
			fmt.Fprintf(&b, "relay_worker_running{worker=%q} %d\n", r.Name, boolInt(r.Running))
		}
		header(&b, "relay_worker_ticks_total", "Ticks run by the worker", "counter")
		for _, r := range status.Runners {
			fmt.Fprintf(&b, "relay_worker_ticks_total{worker=%q} %d\n", r.Name, r.Ticks)
		}
		header(&b, "relay_worker_panics_total", "Ticks that panicked", "counter")
		for _, r := range status.Runners {
			fmt.Fprintf(&b, "relay_worker_panics_total{worker=%q} %d\n", r.Name, r.Panics)
		}
		header(&b, "relay_worker_last_tick_duration_seconds", "Duration of the last tick", "gauge")
		for _, r := range status.Runners {
			fmt.Fprintf(&b, "relay_worker_last_tick_duration_seconds{worker=%q} %g\n", r.Name, r.LastDuration.Seconds())
		}
		header(&b, "relay_worker_last_tick_timestamp", "Unix timestamp of the last tick", "gauge")
		for _, r := range status.Runners {
			var ts int64
			if !r.LastTickAt.IsZero() {
				ts = r.LastTickAt.Unix()
			}
			fmt.Fprintf(&b, "relay_worker_last_tick_timestamp{worker=%q} %d\n", r.Name, ts)
		}
	}

	if g := status.Gateway; g != nil {
		gauge(&b, "relay_gateway_connections", "Open websocket sessions", g.Connections)
		gauge(&b, "relay_gateway_rooms", "Rooms with at least one member", g.Rooms)
		header(&b, "relay_gateway_dropped_broadcasts_total", "Broadcasts dropped on a full queue", "counter")
		fmt.Fprintf(&b, "relay_gateway_dropped_broadcasts_total %d\n", g.Dropped)
		header(&b, "relay_gateway_evicted_connections_total", "Sessions closed for a full send buffer", "counter")
		fmt.Fprintf(&b, "relay_gateway_evicted_connections_total %d\n", g.Evicted)
	}

	return b.String()
}

func (e *PrometheusExporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), e.checker.config.Timeout)
	defer cancel()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if _, err := w.Write([]byte(e.Export(ctx))); err != nil {
		log.Error().Err(err).Msg("failed to write metrics")
	}
}

func header(b *strings.Builder, name, help, kind string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
}

func gauge(b *strings.Builder, name, help string, v int) {
	header(b, name, help, "gauge")
	fmt.Fprintf(b, "%s %d\n", name, v)
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
