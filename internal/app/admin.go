package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/renja-g/RiftGuard/internal/admission"
	"github.com/renja-g/RiftGuard/internal/policy"
	"github.com/renja-g/RiftGuard/internal/ratelimit"
)

type adminAPI struct {
	coord  *admission.Coordinator
	logger *zap.Logger
}

func newAdminAPI(coord *admission.Coordinator, logger *zap.Logger) *adminAPI {
	return &adminAPI{coord: coord, logger: logger}
}

func (a *adminAPI) routes(r chi.Router) {
	r.Get("/stats", a.stats)
	r.Get("/metrics", a.allMetrics)
	r.Get("/metrics/*", a.keyMetrics)
	r.Get("/users/{user}", a.user)
	r.Put("/users/{user}/priority", a.setPriority)
	r.Put("/users/{user}/limits", a.setLimits)
}

type priorityRequest struct {
	Tier string `json:"tier"`
}

type limitsRequest struct {
	Endpoint       string `json:"endpoint"`
	MaxRequests    *int   `json:"max_requests,omitempty"`
	Window         string `json:"window,omitempty"`
	Burst          *int   `json:"burst,omitempty"`
	Algorithm      string `json:"algorithm,omitempty"`
	Adaptive       *bool  `json:"adaptive,omitempty"`
	CircuitBreaker *bool  `json:"circuit_breaker,omitempty"`
}

type overrideView struct {
	MaxRequests    *int                 `json:"max_requests,omitempty"`
	Window         string               `json:"window,omitempty"`
	Burst          *int                 `json:"burst,omitempty"`
	Algorithm      *ratelimit.Algorithm `json:"algorithm,omitempty"`
	Adaptive       *bool                `json:"adaptive,omitempty"`
	CircuitBreaker *bool                `json:"circuit_breaker,omitempty"`
}

type userView struct {
	User      string                   `json:"user"`
	Tier      policy.Tier              `json:"tier"`
	Overrides map[string]overrideView  `json:"overrides"`
	History   []policy.AdaptationEvent `json:"history"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *adminAPI) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.coord.Stats())
}

func (a *adminAPI) allMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.coord.AllMetrics())
}

// keyMetrics serves /admin/metrics/{key}. Keys start with the endpoint path,
// so the wildcard is re-rooted at "/".
func (a *adminAPI) keyMetrics(w http.ResponseWriter, r *http.Request) {
	key := "/" + strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	m, ok := a.coord.Metrics(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no metrics for key " + key})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *adminAPI) user(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user")
	limits, ok := a.coord.UserLimits(userID)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown user " + userID})
		return
	}
	writeJSON(w, http.StatusOK, newUserView(userID, limits))
}

func (a *adminAPI) setPriority(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user")

	var req priorityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	tier, err := policy.ParseTier(req.Tier)
	if err == nil {
		err = a.coord.SetUserPriority(userID, tier)
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	a.logger.Info("user priority set", zap.String("user", userID), zap.String("tier", string(tier)))
	a.user(w, r)
}

func (a *adminAPI) setLimits(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user")

	var req limitsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	o, err := req.override()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	a.coord.SetCustomLimits(userID, req.Endpoint, o)
	a.logger.Info("user limits set", zap.String("user", userID), zap.String("endpoint", req.Endpoint))
	a.user(w, r)
}

func (req limitsRequest) override() (policy.Override, error) {
	if !strings.HasPrefix(req.Endpoint, "/") {
		return policy.Override{}, errors.New("endpoint must start with /")
	}

	o := policy.Override{
		MaxRequests:    req.MaxRequests,
		Burst:          req.Burst,
		Adaptive:       req.Adaptive,
		CircuitBreaker: req.CircuitBreaker,
	}
	if req.Window != "" {
		d, err := time.ParseDuration(req.Window)
		if err != nil {
			return policy.Override{}, errors.New("window: " + err.Error())
		}
		o.Window = &d
	}
	if req.Algorithm != "" {
		algo, ok := ratelimit.ParseAlgorithm(req.Algorithm)
		if !ok {
			return policy.Override{}, errors.New("unknown algorithm " + req.Algorithm)
		}
		o.Algorithm = &algo
	}
	return o, nil
}

func newUserView(userID string, limits policy.UserLimits) userView {
	view := userView{
		User:      userID,
		Tier:      limits.Tier,
		Overrides: make(map[string]overrideView, len(limits.Overrides)),
		History:   limits.History,
	}
	for endpoint, o := range limits.Overrides {
		ov := overrideView{
			MaxRequests:    o.MaxRequests,
			Burst:          o.Burst,
			Algorithm:      o.Algorithm,
			Adaptive:       o.Adaptive,
			CircuitBreaker: o.CircuitBreaker,
		}
		if o.Window != nil {
			ov.Window = o.Window.String()
		}
		view.Overrides[endpoint] = ov
	}
	return view
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
