package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsOutput(t *testing.T) {
	c := NewCollector()

	c.ObserveAdmission("/api/v3/order", "allowed")
	c.ObserveAdmission("/api/v3/order", "rate_limited")
	c.ObserveUpstream("/api/v3/order", 200, 100*time.Millisecond)
	c.ObserveAdaptation("recalculation")
	c.ObserveEvictions("token_bucket", 3)
	c.SetTrackedKeys("token_bucket", 7)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	c.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	body := rr.Body.String()
	expectedMetrics := []string{
		`riftguard_admission_total{endpoint="/api/v3/order",reason="allowed"} 1`,
		`riftguard_admission_total{endpoint="/api/v3/order",reason="rate_limited"} 1`,
		`riftguard_upstream_responses_total{code="200"} 1`,
		`riftguard_upstream_duration_seconds_bucket{endpoint="/api/v3/order"`,
		`riftguard_adaptation_changes_total{reason="recalculation"} 1`,
		`riftguard_evictions_total{store="token_bucket"} 3`,
		`riftguard_tracked_keys{store="token_bucket"} 7`,
		"go_goroutines",
	}
	for _, metric := range expectedMetrics {
		assert.Contains(t, body, metric)
	}
}

func TestMiddlewareCountsRequests(t *testing.T) {
	c := NewCollector()

	var inflight float64
	handler := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		inflight = testutil.ToFloat64(c.inflight)
		w.WriteHeader(http.StatusNoContent)
	}))

	for i := 0; i < 3; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(c.requests))
	assert.Equal(t, 1.0, inflight, "one request in flight while serving")
	assert.Equal(t, 0.0, testutil.ToFloat64(c.inflight))
}

func TestEvictionsIgnoreEmptySweeps(t *testing.T) {
	c := NewCollector()
	c.ObserveEvictions("users", 0)

	assert.Zero(t, testutil.CollectAndCount(c.evictions))
}
