package swagger

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	uiPath   = "/docs/"
	specPath = "/docs/openapi.json"

	userHeaderName = "X-User-ID"
)

// Handler serves a Swagger UI and an OpenAPI document describing the admin
// API and, when an upstream document is configured, the relayed endpoints.
type Handler struct {
	client  *http.Client
	specURL string
	logger  *zap.Logger
}

type Option func(*Handler)

func WithClient(client *http.Client) Option {
	return func(h *Handler) {
		if client != nil {
			h.client = client
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler builds the docs handler. specURL is the upstream's OpenAPI
// document; empty serves the admin API alone.
func NewHandler(specURL string, opts ...Option) *Handler {
	h := &Handler{
		client:  &http.Client{Timeout: 15 * time.Second},
		specURL: strings.TrimSpace(specURL),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case uiPath, "/docs/index.html":
		h.serveUI(w)
	case specPath:
		h.serveOpenAPISpec(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) serveUI(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, swaggerUIHTML, specPath)
}

func (h *Handler) serveOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	doc := map[string]any{
		"openapi": "3.0.0",
		"paths":   map[string]any{},
	}

	if h.specURL != "" {
		upstream, err := h.fetch(r)
		if err != nil {
			h.logger.Warn("cannot load upstream openapi document", zap.String("url", h.specURL), zap.Error(err))
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		doc = upstream
		stripSecurity(doc)
		addAdmissionContract(doc)
	}

	rewriteServers(doc, r)
	mergeAdminPaths(doc)
	setInfo(doc)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(doc); err != nil {
		http.Error(w, "cannot encode openapi document", http.StatusInternalServerError)
	}
}

func (h *Handler) fetch(r *http.Request) (map[string]any, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, h.specURL, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot build openapi request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot load openapi document upstream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openapi upstream returned status %d", resp.StatusCode)
	}

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid openapi payload: %w", err)
	}
	if _, ok := doc["paths"].(map[string]any); !ok {
		doc["paths"] = map[string]any{}
	}
	return doc, nil
}

func rewriteServers(doc map[string]any, r *http.Request) {
	host := strings.TrimSpace(r.Host)
	if host == "" {
		host = "localhost"
	}
	doc["servers"] = []any{
		map[string]any{"url": fmt.Sprintf("%s://%s", requestScheme(r), host)},
	}
}

// stripSecurity drops upstream credentials; the relay does not forward them
// from documentation clients.
func stripSecurity(doc map[string]any) {
	delete(doc, "security")

	if components, ok := doc["components"].(map[string]any); ok {
		delete(components, "securitySchemes")
		if len(components) == 0 {
			delete(doc, "components")
		}
	}

	forEachOperation(doc, func(operation map[string]any) {
		delete(operation, "security")
	})
}

// addAdmissionContract documents what admission adds to every relayed
// operation: the user header and the 429/503 rejections.
func addAdmissionContract(doc map[string]any) {
	paths, _ := doc["paths"].(map[string]any)
	for _, rawPathItem := range paths {
		pathItem, ok := rawPathItem.(map[string]any)
		if !ok {
			continue
		}
		pathHasUser := hasHeaderParameter(parametersSlice(pathItem["parameters"]), userHeaderName)

		for _, method := range httpMethods {
			operation, ok := pathItem[method].(map[string]any)
			if !ok {
				continue
			}

			parameters := parametersSlice(operation["parameters"])
			if !pathHasUser && !hasHeaderParameter(parameters, userHeaderName) {
				operation["parameters"] = append(parameters, newUserHeaderParameter())
			}

			responses, ok := operation["responses"].(map[string]any)
			if !ok {
				responses = map[string]any{}
				operation["responses"] = responses
			}
			if _, ok := responses["429"]; !ok {
				responses["429"] = map[string]any{"description": "Rejected by admission control. Retry-After carries the wait in seconds."}
			}
			if _, ok := responses["503"]; !ok {
				responses["503"] = map[string]any{"description": "Upstream circuit is open."}
			}
		}
	}
}

func mergeAdminPaths(doc map[string]any) {
	paths, ok := doc["paths"].(map[string]any)
	if !ok {
		paths = map[string]any{}
		doc["paths"] = paths
	}
	for path, item := range adminPaths() {
		paths[path] = item
	}
}

func adminPaths() map[string]any {
	userParam := map[string]any{"name": "user", "in": "path", "required": true, "schema": map[string]any{"type": "string"}}
	jsonBody := func(props map[string]any) map[string]any {
		return map[string]any{
			"required": true,
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": map[string]any{"type": "object", "properties": props},
				},
			},
		}
	}
	str := map[string]any{"type": "string"}
	integer := map[string]any{"type": "integer"}
	boolean := map[string]any{"type": "boolean"}

	return map[string]any{
		"/admin/stats": map[string]any{
			"get": map[string]any{"summary": "Admission counters and tracked state", "tags": []any{"admin"}, "responses": ok200()},
		},
		"/admin/metrics": map[string]any{
			"get": map[string]any{"summary": "Endpoint metrics for every tracked key", "tags": []any{"admin"}, "responses": ok200()},
		},
		"/admin/users/{user}": map[string]any{
			"get": map[string]any{
				"summary":    "Tier, overrides and adaptation history of a user",
				"tags":       []any{"admin"},
				"parameters": []any{userParam},
				"responses":  withNotFound(ok200()),
			},
		},
		"/admin/users/{user}/priority": map[string]any{
			"put": map[string]any{
				"summary":     "Set the priority tier of a user",
				"tags":        []any{"admin"},
				"parameters":  []any{userParam},
				"requestBody": jsonBody(map[string]any{"tier": map[string]any{"type": "string", "enum": []any{"low", "medium", "high", "premium"}}}),
				"responses":   withBadRequest(ok200()),
			},
		},
		"/admin/users/{user}/limits": map[string]any{
			"put": map[string]any{
				"summary":    "Set per endpoint limits for a user",
				"tags":       []any{"admin"},
				"parameters": []any{userParam},
				"requestBody": jsonBody(map[string]any{
					"endpoint":        str,
					"max_requests":    integer,
					"window":          str,
					"burst":           integer,
					"algorithm":       map[string]any{"type": "string", "enum": []any{"token_bucket", "sliding_window"}},
					"adaptive":        boolean,
					"circuit_breaker": boolean,
				}),
				"responses": withBadRequest(ok200()),
			},
		},
	}
}

func ok200() map[string]any {
	return map[string]any{"200": map[string]any{"description": "OK"}}
}

func withNotFound(r map[string]any) map[string]any {
	r["404"] = map[string]any{"description": "Unknown user"}
	return r
}

func withBadRequest(r map[string]any) map[string]any {
	r["400"] = map[string]any{"description": "Invalid request body"}
	return r
}

func setInfo(doc map[string]any) {
	info, ok := doc["info"].(map[string]any)
	if !ok {
		info = map[string]any{"title": "RiftGuard", "version": "1"}
		doc["info"] = info
	}
	info["description"] = "Requests are admitted per endpoint and user by [RiftGuard](https://github.com/renja-g/RiftGuard). Identify the caller with the X-User-ID header."
}

func forEachOperation(doc map[string]any, fn func(operation map[string]any)) {
	paths, ok := doc["paths"].(map[string]any)
	if !ok {
		return
	}
	for _, rawPathItem := range paths {
		pathItem, ok := rawPathItem.(map[string]any)
		if !ok {
			continue
		}
		for _, method := range httpMethods {
			if operation, ok := pathItem[method].(map[string]any); ok {
				fn(operation)
			}
		}
	}
}

func parametersSlice(raw any) []any {
	parameters, ok := raw.([]any)
	if !ok {
		return nil
	}
	return parameters
}

func hasHeaderParameter(parameters []any, header string) bool {
	for _, rawParameter := range parameters {
		parameter, ok := rawParameter.(map[string]any)
		if !ok {
			continue
		}

		name, _ := parameter["name"].(string)
		location, _ := parameter["in"].(string)
		if strings.EqualFold(name, header) && strings.EqualFold(location, "header") {
			return true
		}
	}
	return false
}

func newUserHeaderParameter() map[string]any {
	return map[string]any{
		"name":        userHeaderName,
		"in":          "header",
		"description": "Caller identity. Limits, tiers and overrides apply per user.",
		"required":    false,
		"schema":      map[string]any{"type": "string"},
	}
}

func requestScheme(r *http.Request) string {
	if forwardedProto := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); forwardedProto != "" {
		if value, _, _ := strings.Cut(forwardedProto, ","); strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

var httpMethods = []string{
	"get",
	"put",
	"post",
	"delete",
	"patch",
	"options",
	"head",
	"trace",
}

const swaggerUIHTML = `<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <title>RiftGuard API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-standalone-preset.js"></script>
    <script>
      window.onload = function() {
        SwaggerUIBundle({
          url: "%s",
          dom_id: "#swagger-ui",
          deepLinking: true,
          presets: [SwaggerUIBundle.presets.apis, SwaggerUIStandalonePreset],
          layout: "StandaloneLayout"
        });
      };
    </script>
  </body>
</html>
`
