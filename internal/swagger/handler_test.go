package swagger

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveDoc(t *testing.T, handler http.Handler, target string, header http.Header) map[string]any {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, vv := range header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var doc map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &doc))
	return doc
}

func TestHandlerServeUI(t *testing.T) {
	handler := NewHandler("")

	req := httptest.NewRequest(http.MethodGet, "http://guard.local/docs/", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, resp.Body.String(), specPath)
}

func TestHandlerServesAdminDocumentWithoutUpstream(t *testing.T) {
	doc := serveDoc(t, NewHandler(""), "http://guard.local:8080/docs/openapi.json", nil)

	servers, ok := doc["servers"].([]any)
	require.True(t, ok)
	require.Len(t, servers, 1)
	assert.Equal(t, "http://guard.local:8080", servers[0].(map[string]any)["url"])

	paths := doc["paths"].(map[string]any)
	for _, p := range []string{"/admin/stats", "/admin/metrics", "/admin/users/{user}", "/admin/users/{user}/priority", "/admin/users/{user}/limits"} {
		assert.Contains(t, paths, p)
	}

	info := doc["info"].(map[string]any)
	assert.Contains(t, info["description"], "X-User-ID")
}

func TestHandlerDecoratesUpstreamDocument(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"openapi":"3.0.0",
			"info":{"title":"Exchange","version":"3","termsOfService":"https://exchange.example/terms"},
			"security":[{"ApiKey":[]}],
			"components":{"securitySchemes":{"ApiKey":{"type":"apiKey","in":"header","name":"X-API-KEY"}}},
			"paths":{
				"/api/v3/depth":{
					"get":{
						"security":[{"ApiKey":[]}],
						"parameters":[{"name":"symbol","in":"query","required":true,"schema":{"type":"string"}}],
						"responses":{"200":{"description":"OK"},"429":{"description":"upstream says slow down"}}
					}
				},
				"/api/v3/order":{
					"parameters":[{"name":"X-User-ID","in":"header","schema":{"type":"string"}}],
					"post":{"parameters":[{"name":"side","in":"query","schema":{"type":"string"}}]}
				}
			}
		}`))
	}))
	t.Cleanup(upstream.Close)

	handler := NewHandler(upstream.URL, WithClient(upstream.Client()))
	doc := serveDoc(t, handler, "http://guard.local/docs/openapi.json", http.Header{"X-Forwarded-Proto": []string{"https, http"}})

	assert.Equal(t, "https://guard.local", doc["servers"].([]any)[0].(map[string]any)["url"], "forwarded scheme")
	assert.NotContains(t, doc, "security")
	assert.NotContains(t, doc, "components", "empty components are removed")

	paths := doc["paths"].(map[string]any)
	depth := paths["/api/v3/depth"].(map[string]any)["get"].(map[string]any)
	assert.NotContains(t, depth, "security")
	assert.Equal(t, 1, countUserHeaderParameters(parametersSlice(depth["parameters"])))
	responses := depth["responses"].(map[string]any)
	assert.Equal(t, "upstream says slow down", responses["429"].(map[string]any)["description"])
	assert.Contains(t, responses, "503")

	order := paths["/api/v3/order"].(map[string]any)["post"].(map[string]any)
	assert.Zero(t, countUserHeaderParameters(parametersSlice(order["parameters"])), "path-level header is not repeated")
	assert.Contains(t, order["responses"], "429")

	assert.Contains(t, paths, "/admin/stats")

	info := doc["info"].(map[string]any)
	assert.Equal(t, "https://exchange.example/terms", info["termsOfService"])
}

func TestHandlerReturnsBadGatewayOnUpstreamErrors(t *testing.T) {
	tests := []struct {
		name    string
		specURL string
		handler http.Handler
	}{
		{
			name:    "connection failure",
			specURL: "http://127.0.0.1:1/spec.json",
		},
		{
			name: "upstream non-200",
			handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "oops", http.StatusInternalServerError)
			}),
		},
		{
			name: "invalid payload",
			handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("not json"))
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			specURL := tt.specURL
			client := http.DefaultClient
			if tt.handler != nil {
				upstream := httptest.NewServer(tt.handler)
				t.Cleanup(upstream.Close)
				specURL = upstream.URL
				client = upstream.Client()
			}

			handler := NewHandler(specURL, WithClient(client))
			req := httptest.NewRequest(http.MethodGet, "http://guard.local/docs/openapi.json", nil)
			resp := httptest.NewRecorder()
			handler.ServeHTTP(resp, req)

			assert.Equal(t, http.StatusBadGateway, resp.Code)
		})
	}
}

func countUserHeaderParameters(parameters []any) int {
	count := 0
	for _, rawParameter := range parameters {
		parameter, ok := rawParameter.(map[string]any)
		if !ok {
			continue
		}
		name, _ := parameter["name"].(string)
		location, _ := parameter["in"].(string)
		if strings.EqualFold(name, userHeaderName) && strings.EqualFold(location, "header") {
			count++
		}
	}
	return count
}

func TestHandlerUnknownPath(t *testing.T) {
	handler := NewHandler("")

	req := httptest.NewRequest(http.MethodGet, "http://guard.local/docs/unknown", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusNotFound, resp.Code)
}
