package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renja-g/RiftGuard/internal/admission"
	"github.com/renja-g/RiftGuard/internal/config"
	"github.com/renja-g/RiftGuard/internal/router"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load(config.NewViper(), "")
	require.NoError(t, err)
	return cfg
}

func newTestServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	srv, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(srv.housekeeper.Stop)
	return srv
}

func serve(h http.Handler, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	for k, vv := range header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServerFeatureFlagRoutes(t *testing.T) {
	tests := []struct {
		name                  string
		metricsEnabled        bool
		pprofEnabled          bool
		expectMetricsEndpoint bool
		expectPprofEndpoint   bool
	}{
		{name: "all optional endpoints disabled"},
		{name: "metrics endpoint enabled only", metricsEnabled: true, expectMetricsEndpoint: true},
		{name: "pprof endpoint enabled only", pprofEnabled: true, expectPprofEndpoint: true},
		{name: "all optional endpoints enabled", metricsEnabled: true, pprofEnabled: true, expectMetricsEndpoint: true, expectPprofEndpoint: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Server.MetricsEnabled = tt.metricsEnabled
			cfg.Server.PprofEnabled = tt.pprofEnabled
			handler := newTestServer(t, cfg).server.Handler

			health := serve(handler, http.MethodGet, "/healthz", "", nil)
			assert.Equal(t, http.StatusNoContent, health.Code)

			metricsResp := serve(handler, http.MethodGet, "/metrics", "", nil)
			if tt.expectMetricsEndpoint {
				require.Equal(t, http.StatusOK, metricsResp.Code)
				assert.Contains(t, metricsResp.Body.String(), "riftguard_http_requests_total")
			} else {
				assert.NotEqual(t, http.StatusOK, metricsResp.Code, "/metrics must be disabled")
			}

			pprofResp := serve(handler, http.MethodGet, "/debug/pprof/", "", nil)
			if tt.expectPprofEndpoint {
				assert.Equal(t, http.StatusOK, pprofResp.Code)
			} else {
				assert.NotEqual(t, http.StatusOK, pprofResp.Code, "/debug/pprof/ must be disabled")
			}
		})
	}
}

func TestNewRejectsRelayWithoutUpstream(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.RelayEnabled = true

	_, err := New(cfg, nil)
	require.Error(t, err)
}

func TestAdminPriorityAndUserView(t *testing.T) {
	srv := newTestServer(t, testConfig(t))
	handler := srv.server.Handler

	rec := serve(handler, http.MethodPut, "/admin/users/alice/priority", `{"tier":"premium"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var view userView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "alice", view.User)
	assert.Equal(t, "premium", string(view.Tier))

	cfg := srv.Coordinator().EffectiveConfig("/api/v3/account", "alice")
	assert.Equal(t, 40, cfg.MaxRequests)

	rec = serve(handler, http.MethodPut, "/admin/users/alice/priority", `{"tier":"platinum"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(handler, http.MethodGet, "/admin/users/nobody", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminCustomLimits(t *testing.T) {
	srv := newTestServer(t, testConfig(t))
	handler := srv.server.Handler

	body := `{"endpoint":"/api/v3/klines","max_requests":7,"window":"30s","algorithm":"token_bucket"}`
	rec := serve(handler, http.MethodPut, "/admin/users/bob/limits", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var view userView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Contains(t, view.Overrides, "/api/v3/klines")
	assert.Equal(t, "30s", view.Overrides["/api/v3/klines"].Window)

	cfg := srv.Coordinator().EffectiveConfig("/api/v3/klines", "bob")
	assert.Equal(t, 7, cfg.MaxRequests)
	assert.Equal(t, "token_bucket", string(cfg.Algorithm))

	bad := []string{
		`{"endpoint":"api/v3/klines"}`,
		`{"endpoint":"/x","window":"soon"}`,
		`{"endpoint":"/x","algorithm":"leaky"}`,
		`{"endpoint":"/x","unknown":1}`,
		`not json`,
	}
	for _, b := range bad {
		rec := serve(handler, http.MethodPut, "/admin/users/bob/limits", b, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, b)
	}
}

func TestAdminStatsAndMetrics(t *testing.T) {
	srv := newTestServer(t, testConfig(t))
	handler := srv.server.Handler

	res := srv.Coordinator().CheckAdmission("/api/v3/depth", "carol")
	require.True(t, res.Allowed)

	rec := serve(handler, http.MethodGet, "/admin/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats admission.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, uint64(1), stats.Allowed)
	assert.Equal(t, 1, stats.SlidingWindowKeys)

	rec = serve(handler, http.MethodGet, "/admin/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), admission.Key("/api/v3/depth", "carol"))

	rec = serve(handler, http.MethodGet, "/admin/metrics/api/v3/depth|carol", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = serve(handler, http.MethodGet, "/admin/metrics/api/v3/depth|dave", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRelayForwardsAdmittedRequests(t *testing.T) {
	var gotPath, gotUser string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser = r.Header.Get(router.UserHeader)
		w.Header().Set("X-RateLimit-Limit", "100")
		w.Header().Set("X-RateLimit-Remaining", "90")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(upstream.Close)

	cfg := testConfig(t)
	cfg.Server.RelayEnabled = true
	cfg.Upstream.BaseURL = upstream.URL
	srv := newTestServer(t, cfg)
	handler := srv.server.Handler

	header := http.Header{router.UserHeader: []string{"erin"}}
	rec := serve(handler, http.MethodGet, "/api/v3/account", "", header)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "/api/v3/account", gotPath)
	assert.Empty(t, gotUser)

	m, ok := srv.Coordinator().Metrics(admission.Key("/api/v3/account", "erin"))
	require.True(t, ok)
	assert.Equal(t, uint64(1), m.TotalRequests)
	assert.Equal(t, uint64(1), m.SucceededRequests)

	metricsResp := serve(handler, http.MethodGet, "/metrics", "", nil)
	assert.Contains(t, metricsResp.Body.String(), `riftguard_admission_total{endpoint="/api/v3/account",reason="allowed"} 1`)
}

func TestRelayDeniesWhenBudgetExhausted(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(upstream.Close)

	cfg := testConfig(t)
	cfg.Server.RelayEnabled = true
	cfg.Upstream.BaseURL = upstream.URL
	handler := newTestServer(t, cfg).server.Handler

	header := http.Header{router.UserHeader: []string{"frank"}}
	// /api/v3/order allows max 10 + burst 2 per second.
	var denied *httptest.ResponseRecorder
	for i := 0; i < 20; i++ {
		rec := serve(handler, http.MethodPost, "/api/v3/order", "", header)
		if rec.Code == http.StatusTooManyRequests {
			denied = rec
			break
		}
		require.Equal(t, http.StatusOK, rec.Code)
	}
	require.NotNil(t, denied, "expected the budget to run out")
	assert.NotEmpty(t, denied.Header().Get("Retry-After"))
	assert.Equal(t, admission.ReasonRateLimited, denied.Header().Get("X-Admission-Reason"))
}

func TestDocsRoute(t *testing.T) {
	cfg := testConfig(t)
	handler := newTestServer(t, cfg).server.Handler

	rec := serve(handler, http.MethodGet, "/docs/openapi.json", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/admin/users/{user}/limits")

	cfg.Server.DocsEnabled = false
	handler = newTestServer(t, cfg).server.Handler
	rec = serve(handler, http.MethodGet, "/docs/openapi.json", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
