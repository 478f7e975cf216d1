// Package metrics exposes the engine's Prometheus collectors and the HTTP
// server publishing them.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer serves /metrics from a private registry.
type MetricsServer struct {
	Registry *prometheus.Registry
	Engine   *EngineMetrics

	srv *http.Server
}

// New creates a metrics server listening on addr. An empty addr yields a
// server whose collectors work but which never listens.
func New(namespace, addr string) (*MetricsServer, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}

	engineMetrics, err := NewEngineMetrics(namespace, reg)
	if err != nil {
		return nil, err
	}

	m := &MetricsServer{Registry: reg, Engine: engineMetrics}
	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		m.srv = &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return m, nil
}

// ListenAndServe blocks until the server is shut down.
func (m *MetricsServer) ListenAndServe() error {
	if m.srv == nil {
		return nil
	}
	err := m.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	if m.srv == nil {
		return nil
	}
	return m.srv.Shutdown(ctx)
}
