package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "empty path", input: "", want: "/"},
		{name: "root path", input: "/", want: "/"},
		{name: "plain endpoint", input: "/api/v3/order", want: "/api/v3/order"},
		{name: "without leading slash", input: "api/v3/depth", want: "/api/v3/depth"},
		{name: "trailing slash", input: "/api/v3/account/", want: "/api/v3/account"},
		{name: "dot segments", input: "/api/v3/../v3/./klines", want: "/api/v3/klines"},
		{name: "numeric id", input: "/api/v3/orders/12345", want: "/api/v3/orders/{id}"},
		{
			name:  "uuid id",
			input: "/api/v3/orders/3f2b8c1e-9d4a-4e5f-8a7b-6c5d4e3f2a1b/fills",
			want:  "/api/v3/orders/{id}/fills",
		},
		{name: "version segment kept", input: "/api/v3/ticker/price", want: "/api/v3/ticker/price"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.input))
		})
	}
}

func TestDerive(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v3/order?symbol=BTCUSDT", nil)
	req.Header.Set(UserHeader, " alice ")

	route, ok := Derive(req)
	require.True(t, ok)
	assert.Equal(t, Route{Endpoint: "/api/v3/order", UserID: "alice"}, route)

	_, ok = Derive(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, ok, "root path must be rejected")
}

func TestRouteContext(t *testing.T) {
	want := Route{Endpoint: "/api/v3/depth", UserID: "bob"}
	ctx := WithRoute(context.Background(), want)

	got, ok := RouteFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, want, got)

	_, ok = RouteFromContext(context.Background())
	assert.False(t, ok)
}

func TestForRequestPrefersContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v3/order", nil)
	req = req.WithContext(WithRoute(req.Context(), Route{Endpoint: "/pinned"}))

	assert.Equal(t, "/pinned", ForRequest(req).Endpoint)
	assert.Equal(t, "/", ForRequest(httptest.NewRequest(http.MethodGet, "/", nil)).Endpoint)
}

func TestHandler(t *testing.T) {
	var seen Route
	handler := Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RouteFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v3/klines", nil)
	req.Header.Set(UserHeader, "carol")
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, Route{Endpoint: "/api/v3/klines", UserID: "carol"}, seen)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
