package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruteri/multicloud-gateway/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestNamespace(t *testing.T) {
	assert.Equal(t, "multicloud_gateway", Namespace("github.com/ruteri/multicloud-gateway"))
	assert.Equal(t, "svc", Namespace("svc/"))
}

func TestGatewayMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewGatewayMetrics("test", reg)
	require.NoError(t, err)

	m.ObserveOperation("upload", "aws", nil, time.Millisecond)
	m.ObserveOperation("upload", "aws", fmt.Errorf("%w: boom", interfaces.ErrProvider), time.Millisecond)
	m.Attempt("aws", nil)
	m.Fallback("upload", "aws")
	m.UsageError("gcp")
	m.CacheLookup(true)
	m.CacheLookup(false)
	m.CacheLookup(false)

	assert.Equal(t, 1.0, counterValue(t, reg, "test_operations_total", map[string]string{"kind": "ok"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "test_operations_total", map[string]string{"kind": "provider"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "test_fallbacks_total", map[string]string{"from": "aws"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "test_usage_errors_total", map[string]string{"backend": "gcp"}))
	assert.Equal(t, 2.0, counterValue(t, reg, "test_cache_lookups_total", map[string]string{"result": "miss"}))

	_, err = NewGatewayMetrics("test", reg)
	assert.Error(t, err, "collectors are registered once per registry")
}

func TestGatewayMetrics_Nil(t *testing.T) {
	var m *GatewayMetrics
	assert.NotPanics(t, func() {
		m.ObserveOperation("upload", "aws", nil, time.Second)
		m.Attempt("aws", nil)
		m.Fallback("upload", "aws")
		m.UsageError("aws")
		m.CacheLookup(true)
	})
}

func TestMetricsServer(t *testing.T) {
	srv, err := New("github.com/ruteri/multicloud-gateway", "127.0.0.1:0")
	require.NoError(t, err)
	srv.Gateway().Attempt("aws", nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `multicloud_gateway_backend_attempts_total{backend="aws",kind="ok"} 1`)

	assert.NoError(t, srv.Shutdown(context.Background()))
}
