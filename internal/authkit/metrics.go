package authkit

import (
	"maps"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric events recorded by the flow controller and the gateway.
const (
	MetricURLIssued          = "auth.url_issued"
	MetricRedirect           = "auth.redirect"
	MetricRedirectUnknown    = "auth.redirect.unknown_state"
	MetricExchangeSuccess    = "auth.exchange.success"
	MetricExchangeFailure    = "auth.exchange.failure"
	MetricRefreshSuccess     = "auth.refresh.success"
	MetricRefreshFailure     = "auth.refresh.failure"
	MetricGatewayCall        = "gateway.call"
	MetricGatewayRetry       = "gateway.retry"
	metricsNamespace         = "vkcalls"
	metricsEventLabel        = "event"
	metricsEventsCounterName = "auth_events_total"
	metricsEventsCounterHelp = "Authorization flow and gateway events."
)

// MetricsRecorder increments counters for auth events.
type MetricsRecorder interface {
	Increment(event string)
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}

// CounterMetrics implements MetricsRecorder with in-memory counts. The server
// records into it when metrics_enabled is false, and tests read it back.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of the counts keyed by event.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return maps.Clone(recorder.counts)
}

// PrometheusMetrics exports events as vkcalls_auth_events_total{event=...}.
type PrometheusMetrics struct {
	events *prometheus.CounterVec
}

// NewPrometheusMetrics registers the event counter with registerer.
func NewPrometheusMetrics(registerer prometheus.Registerer) (*PrometheusMetrics, error) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      metricsEventsCounterName,
		Help:      metricsEventsCounterHelp,
	}, []string{metricsEventLabel})
	if err := registerer.Register(events); err != nil {
		return nil, err
	}
	return &PrometheusMetrics{events: events}, nil
}

// Increment increases the counter for the given event.
func (recorder *PrometheusMetrics) Increment(event string) {
	recorder.events.WithLabelValues(event).Inc()
}
