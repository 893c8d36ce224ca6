// Package metrics exposes gateway metrics in the Prometheus format.
package metrics

import (
	"context"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ruteri/multicloud-gateway/interfaces"
)

// MetricsServer serves /metrics from its own registry.
type MetricsServer struct {
	registry *prometheus.Registry
	srv      *http.Server
	gateway  *GatewayMetrics
}

// New creates a metrics server listening on addr. The namespace is derived
// from pkg, typically the module path.
func New(pkg, addr string) (*MetricsServer, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}

	gw, err := NewGatewayMetrics(Namespace(pkg), reg)
	if err != nil {
		return nil, err
	}

	m := &MetricsServer{registry: reg, gateway: gw}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	m.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return m, nil
}

// Gateway returns the collectors the gateway reports into.
func (m *MetricsServer) Gateway() *GatewayMetrics {
	return m.gateway
}

// Registry returns the underlying Prometheus registry.
func (m *MetricsServer) Registry() *prometheus.Registry {
	return m.registry
}

func (m *MetricsServer) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}

// Namespace turns a module path such as github.com/org/multicloud-gateway
// into a valid metric namespace (multicloud_gateway).
func Namespace(pkg string) string {
	name := path.Base(strings.TrimSuffix(pkg, "/"))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, name)
}

// GatewayMetrics holds the gateway's collectors. A nil *GatewayMetrics is
// valid and records nothing.
type GatewayMetrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	attempts   *prometheus.CounterVec
	fallbacks  *prometheus.CounterVec
	usageErrs  *prometheus.CounterVec
	cache      *prometheus.CounterVec
}

// NewGatewayMetrics creates the gateway collectors and registers them with reg.
func NewGatewayMetrics(namespace string, reg prometheus.Registerer) (*GatewayMetrics, error) {
	m := &GatewayMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Gateway operations by operation, serving backend and outcome kind.",
		}, []string{"operation", "backend", "kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Gateway operation latency including retries and fallbacks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_attempts_total",
			Help:      "Adapter calls made by the fallback orchestrator.",
		}, []string{"backend", "kind"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Times an operation moved on to the next backend of its chain.",
		}, []string{"operation", "from"}),
		usageErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_errors_total",
			Help:      "Backends that failed or timed out during usage collection.",
		}, []string{"backend"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Metadata cache lookups by result.",
		}, []string{"result"}),
	}

	for _, c := range []prometheus.Collector{m.operations, m.duration, m.attempts, m.fallbacks, m.usageErrs, m.cache} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveOperation records one finished gateway operation.
func (m *GatewayMetrics) ObserveOperation(op, backend string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, backend, kindLabel(err)).Inc()
	m.duration.WithLabelValues(op).Observe(d.Seconds())
}

// Attempt records one adapter call.
func (m *GatewayMetrics) Attempt(backend string, err error) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(backend, kindLabel(err)).Inc()
}

// Fallback records that op gave up on backend from.
func (m *GatewayMetrics) Fallback(op, from string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(op, from).Inc()
}

func (m *GatewayMetrics) UsageError(backend string) {
	if m == nil {
		return
	}
	m.usageErrs.WithLabelValues(backend).Inc()
}

func (m *GatewayMetrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.WithLabelValues(result).Inc()
}

func kindLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return string(interfaces.KindOf(err))
}
