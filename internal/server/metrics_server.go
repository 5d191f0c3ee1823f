package server

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsServer serves Prometheus metrics and health probes over HTTP.
type MetricsServer struct {
	httpServer *http.Server
	logger     *zap.Logger
	ready      func() bool
	stopChan   chan struct{}

	goroutines prometheus.Gauge
	heapBytes  prometheus.Gauge
}

// NewMetricsServer creates the server. ready gates the /ready probe; pass
// the engine's IsRunning.
func NewMetricsServer(port int, reg *prometheus.Registry, ready func() bool, logger *zap.Logger) *MetricsServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ready == nil {
		ready = func() bool { return true }
	}

	mux := http.NewServeMux()
	ms := &MetricsServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger:   logger,
		ready:    ready,
		stopChan: make(chan struct{}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crashnet",
			Subsystem: "system",
			Name:      "goroutines",
			Help:      "Current goroutine count",
		}),
		heapBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crashnet",
			Subsystem: "system",
			Name:      "heap_bytes",
			Help:      "Heap bytes in use",
		}),
	}
	reg.MustRegister(ms.goroutines, ms.heapBytes)

	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", ms.healthHandler)
	mux.HandleFunc("/ready", ms.readyHandler)
	return ms
}

// Start begins serving in the background.
func (s *MetricsServer) Start() {
	s.logger.Info("Starting metrics server", zap.String("addr", s.httpServer.Addr))
	go s.collectSystemMetrics()
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *MetricsServer) Stop() error {
	close(s.stopChan)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	return nil
}

func (s *MetricsServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

func (s *MetricsServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"status":"not_ready"}`)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ready","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

func (s *MetricsServer) collectSystemMetrics() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			s.goroutines.Set(float64(runtime.NumGoroutine()))
			s.heapBytes.Set(float64(memStats.HeapAlloc))
		case <-s.stopChan:
			return
		}
	}
}
