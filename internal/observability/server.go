// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package observability provides HTTP endpoints for metrics and health checks.
package observability

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"

	"github.com/holomush/plughost/pkg/plugin"
)

// ReadinessChecker returns whether the host is ready to dispatch messages.
type ReadinessChecker func() bool

// Result label values.
const (
	resultSuccess = "success"
	resultFailure = "failure"
)

func result(ok bool) string {
	if ok {
		return resultSuccess
	}
	return resultFailure
}

// Metrics contains the plugin host's Prometheus metrics. It implements the
// plugin manager and marketplace observer interfaces.
type Metrics struct {
	LifecycleTotal    *prometheus.CounterVec
	Plugins           *prometheus.GaugeVec
	MessagesTotal     *prometheus.CounterVec
	RegistryFetches   *prometheus.CounterVec
	RegistryCacheHits prometheus.Counter
	DownloadsTotal    *prometheus.CounterVec
}

// NewMetrics creates and registers the plugin host metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LifecycleTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plughost_plugin_lifecycle_total",
				Help: "Total number of plugin lifecycle operations by operation and result",
			},
			[]string{"operation", "result"},
		),
		Plugins: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "plughost_plugins",
				Help: "Number of installed plugins by lifecycle state",
			},
			[]string{"state"},
		),
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plughost_messages_processed_total",
				Help: "Total number of messages processed by plugin and result",
			},
			[]string{"plugin", "result"},
		),
		RegistryFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plughost_marketplace_fetch_total",
				Help: "Total number of registry fetches by source and result",
			},
			[]string{"source", "result"},
		),
		RegistryCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plughost_marketplace_cache_hits_total",
				Help: "Total number of registry refreshes served from the cache",
			},
		),
		DownloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plughost_downloads_total",
				Help: "Total number of plugin archive downloads by result",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(
		m.LifecycleTotal,
		m.Plugins,
		m.MessagesTotal,
		m.RegistryFetches,
		m.RegistryCacheHits,
		m.DownloadsTotal,
	)

	return m
}

// LifecycleOperation counts one install, uninstall, enable or disable.
func (m *Metrics) LifecycleOperation(op string, err error) {
	m.LifecycleTotal.WithLabelValues(op, result(err == nil)).Inc()
}

// MessageProcessed counts one dispatched message.
func (m *Metrics) MessageProcessed(pluginID string, success bool) {
	m.MessagesTotal.WithLabelValues(pluginID, result(success)).Inc()
}

// PluginStates replaces the per-state plugin gauge. States absent from
// counts are reported as zero.
func (m *Metrics) PluginStates(counts map[plugin.State]int) {
	for s := plugin.StateUnloaded; s <= plugin.StateDisabled; s++ {
		m.Plugins.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

// RegistryFetch counts one attempt to fetch the registry from source.
func (m *Metrics) RegistryFetch(source string, err error) {
	m.RegistryFetches.WithLabelValues(source, result(err == nil)).Inc()
}

// RegistryCacheHit counts a refresh answered by the fresh cache.
func (m *Metrics) RegistryCacheHit() {
	m.RegistryCacheHits.Inc()
}

// Download counts one archive download.
func (m *Metrics) Download(err error) {
	m.DownloadsTotal.WithLabelValues(result(err == nil)).Inc()
}

// Server provides HTTP endpoints for observability (metrics and health probes).
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	metrics    *Metrics
	isReady    ReadinessChecker
	running    atomic.Bool
}

// NewServer creates a new observability server.
// addr: listen address in "host:port" format (e.g., "127.0.0.1:9100", ":9100" for all interfaces).
func NewServer(addr string, readinessChecker ReadinessChecker) *Server {
	registry := prometheus.NewRegistry()

	// Register standard Go metrics
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	metrics := NewMetrics(registry)

	s := &Server{
		addr:     addr,
		registry: registry,
		metrics:  metrics,
		isReady:  readinessChecker,
	}

	return s
}

// Metrics returns the custom metrics for recording application events.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start begins serving observability endpoints.
// It returns an error channel that will receive any errors from the HTTP server
// after it starts. The channel is closed when the server stops gracefully.
// Callers should monitor this channel to detect server failures.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	mux := http.NewServeMux()

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	// Kubernetes-style health probes
	mux.HandleFunc("/healthz/liveness", s.handleLiveness)
	mux.HandleFunc("/healthz/readiness", s.handleReadiness)

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	// Create buffered error channel so the goroutine doesn't block
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		// Use local httpSrv to avoid race with subsequent Start() calls
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("observability server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the observability server.
func (s *Server) Stop(ctx context.Context) error {
	// Use CompareAndSwap to atomically transition from running to stopped.
	// This prevents a race where a concurrent Start() could succeed between
	// checking the running state and setting it to false.
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			// Restore running state on failure so the server can be stopped again
			s.running.Store(true)
			return oops.With("operation", "shutdown_observability_server").Wrap(err)
		}
	}

	slog.Info("observability server stopped")
	return nil
}

// Addr returns the address the server is listening on.
// Returns empty string if not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// handleLiveness returns 200 if the process is running.
// This is a simple check that the process is alive.
func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("ok\n"))
}

// handleReadiness returns 200 once the host has loaded its plugins,
// or 503 before that.
func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if s.isReady == nil || s.isReady() {
		w.WriteHeader(http.StatusOK)
		//nolint:errcheck // health check write error is acceptable, client may disconnect
		w.Write([]byte("ok\n"))
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("not ready\n"))
}
