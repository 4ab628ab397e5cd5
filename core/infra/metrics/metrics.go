package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines counters for the operation engine.
type Metrics interface {
	IncSubmissions(backend string)
	IncPolls(backend string)
	IncOutcomes(backend, outcome string)
	IncAdapterErrors(backend string)
	IncManifestWriteFailures(backend string)
	SetTrackedOperations(count int)
}

// SweepMetrics captures retention sweeper results.
type SweepMetrics interface {
	IncSweepDeleted(backend string)
	IncSweepFailed(backend string)
	ObserveSweepDuration(durationSeconds float64)
}

// GatewayMetrics captures request metrics for the HTTP gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncSubmissions(string)           {}
func (Noop) IncPolls(string)                 {}
func (Noop) IncOutcomes(string, string)      {}
func (Noop) IncAdapterErrors(string)         {}
func (Noop) IncManifestWriteFailures(string) {}
func (Noop) SetTrackedOperations(int)        {}

// NoopSweep implements SweepMetrics without emitting anything.
type NoopSweep struct{}

func (NoopSweep) IncSweepDeleted(string)       {}
func (NoopSweep) IncSweepFailed(string)        {}
func (NoopSweep) ObserveSweepDuration(float64) {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	submissions      *prometheus.CounterVec
	polls            *prometheus.CounterVec
	outcomes         *prometheus.CounterVec
	adapterErrors    *prometheus.CounterVec
	manifestFailures *prometheus.CounterVec
	tracked          prometheus.Gauge
	once             sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Backup operations submitted by backend",
		}, []string{"backend"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Backend status polls by backend",
		}, []string{"backend"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_completed_total",
			Help:      "Operations reaching a terminal state by backend and outcome",
		}, []string{"backend", "outcome"}),
		adapterErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_errors_total",
			Help:      "Adapter errors during status polls by backend",
		}, []string{"backend"}),
		manifestFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manifest_write_failures_total",
			Help:      "Manifest appends that failed by backend",
		}, []string{"backend"}),
		tracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_operations",
			Help:      "Operations currently tracked in a non-terminal state",
		}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.submissions, p.polls, p.outcomes, p.adapterErrors, p.manifestFailures, p.tracked)
	})
}

func (p *Prom) IncSubmissions(backend string) {
	p.submissions.WithLabelValues(backend).Inc()
}

func (p *Prom) IncPolls(backend string) {
	p.polls.WithLabelValues(backend).Inc()
}

func (p *Prom) IncOutcomes(backend, outcome string) {
	p.outcomes.WithLabelValues(backend, outcome).Inc()
}

func (p *Prom) IncAdapterErrors(backend string) {
	p.adapterErrors.WithLabelValues(backend).Inc()
}

func (p *Prom) IncManifestWriteFailures(backend string) {
	p.manifestFailures.WithLabelValues(backend).Inc()
}

func (p *Prom) SetTrackedOperations(count int) {
	p.tracked.Set(float64(count))
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Sweep metrics ---

type sweepProm struct {
	deleted  *prometheus.CounterVec
	failed   *prometheus.CounterVec
	duration prometheus.Histogram
	once     sync.Once
}

// NewSweepProm constructs SweepMetrics with counters and a duration histogram.
func NewSweepProm(namespace string) SweepMetrics {
	s := &sweepProm{
		deleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_deleted_total",
			Help:      "Artifacts deleted by the retention sweeper per backend",
		}, []string{"backend"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_failures_total",
			Help:      "Artifact deletions that failed per backend",
		}, []string{"backend"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Retention sweep duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	s.once.Do(func() {
		prometheus.MustRegister(s.deleted, s.failed, s.duration)
	})
	return s
}

func (s *sweepProm) IncSweepDeleted(backend string) {
	s.deleted.WithLabelValues(backend).Inc()
}

func (s *sweepProm) IncSweepFailed(backend string) {
	s.failed.WithLabelValues(backend).Inc()
}

func (s *sweepProm) ObserveSweepDuration(durationSeconds float64) {
	s.duration.Observe(durationSeconds)
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
