// Package metrics provides Prometheus instrumentation for the protocol engines
// and the supervisor.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SimulationsTotal counts completed Monte Carlo forecasts.
	SimulationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gami_simulations_total",
		Help: "Total number of Monte Carlo simulations run",
	})

	SimulationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gami_simulation_duration_seconds",
		Help:    "Monte Carlo simulation wall time in seconds",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// EmissionRate is the current XP per GAMI conversion rate.
	EmissionRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gami_emission_rate",
		Help: "Current XP to GAMI emission rate",
	})

	// RateAdjustments counts rate changes, partitioned by source (auto|manual).
	RateAdjustments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gami_rate_adjustments_total",
		Help: "Total emission rate changes",
	}, []string{"source"})

	// QuestsGenerated counts issued quests by difficulty.
	QuestsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gami_quests_generated_total",
		Help: "Total quests generated",
	}, []string{"difficulty"})

	// FeedbackTotal counts retention feedback updates.
	FeedbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gami_feedback_total",
		Help: "Total retention feedback updates applied to the policy table",
	}, []string{"retained"})

	// AnomaliesDetected counts fraud verdicts by detection path (model|sybil).
	AnomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gami_anomalies_detected_total",
		Help: "Total anomalies detected",
	}, []string{"path"})

	// UsersLocked counts ACTIVE to LOCKED transitions.
	UsersLocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gami_users_locked_total",
		Help: "Total users locked by fraud detection",
	})

	ModelTrainings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gami_model_trainings_total",
		Help: "Anomaly model training attempts by outcome",
	}, []string{"outcome"})

	EventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gami_events_ingested_total",
		Help: "Total events accepted by the ingest endpoint",
	})

	// IngestQueueDepth tracks batches waiting for the security consumer.
	IngestQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gami_ingest_queue_depth",
		Help: "Number of event batches waiting in the ingest queue",
	})

	// WebSocketClients tracks connected circuit-breaker subscribers.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gami_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EngineUp is 1 when the supervisor last saw the engine healthy.
	EngineUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gami_engine_up",
		Help: "Engine health as observed by the supervisor (1 healthy, 0 otherwise)",
	}, []string{"engine"})

	EngineCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gami_engine_call_duration_seconds",
		Help:    "Supervisor to engine call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"engine"})

	// EngineCallFailures counts failed engine calls by kind (rejected|unreachable).
	EngineCallFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gami_engine_call_failures_total",
		Help: "Supervisor to engine call failures",
	}, []string{"engine", "kind"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gami_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gami_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics. Paths
// are labelled by chi route pattern when one matched.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

// Flush lets streamed responses (MCP over SSE) pass through the middleware.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
