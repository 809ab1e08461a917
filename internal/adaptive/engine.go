package adaptive

import (
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/renja-g/RiftGuard/internal/keyed"
	"github.com/renja-g/RiftGuard/internal/ratelimit"
)

const (
	DefaultRecalcInterval = 30 * time.Second
	DefaultRetryHint      = 60 * time.Second

	deadband = 0.1
)

// Outcome is what the HTTP client collaborator observed for one call.
type Outcome struct {
	Latency    time.Duration
	Success    bool
	StatusCode int
	Header     http.Header
}

// Change is one committed move of the adaptation factor.
type Change struct {
	Reason string
	From   float64
	To     float64
}

// Feedback tells the caller what an outcome changed. ThrottleHint is set
// when the upstream explicitly signalled overload.
type Feedback struct {
	Changes      []Change
	Throttled    bool
	ThrottleHint time.Duration
}

type Config struct {
	RecalcInterval   time.Duration
	DefaultRetryHint time.Duration
	Shards           int
	Clock            ratelimit.Clock
	Logger           *zap.Logger
}

// Engine keeps EndpointMetrics per key and tunes their adaptation factor.
// It never fails: bad input leaves the last known factor in place.
type Engine struct {
	cfg     Config
	logger  *zap.Logger
	metrics *keyed.Map[EndpointMetrics]
	warn    rate.Sometimes
}

func NewEngine(cfg Config) *Engine {
	if cfg.RecalcInterval <= 0 {
		cfg.RecalcInterval = DefaultRecalcInterval
	}
	if cfg.DefaultRetryHint <= 0 {
		cfg.DefaultRetryHint = DefaultRetryHint
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Engine{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: keyed.New[EndpointMetrics](cfg.Shards),
		warn:    rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// Record folds one upstream outcome into key's metrics.
func (e *Engine) Record(key string, out Outcome) Feedback {
	now := e.cfg.Clock.Now()
	if out.Latency < 0 {
		out.Latency = 0
	}

	quota, hasQuota, errs := readQuota(out.Header)
	if len(errs) > 0 {
		e.warn.Do(func() {
			e.logger.Warn("ignoring malformed quota headers",
				zap.String("key", key), zap.Errors("errors", errs))
		})
	}

	throttled := isThrottleStatus(out.StatusCode)
	hint := e.cfg.DefaultRetryHint
	if throttled && out.Header != nil {
		if d, ok := parseRetryAfter(out.Header.Get("Retry-After"), now); ok && d > 0 {
			hint = d
		}
	}

	var fb Feedback
	e.metrics.Do(key, newMetrics, func(m *EndpointMetrics) {
		m.observe(out.Latency, out.Success)
		m.LastSeen = now

		if now.Sub(m.LastAdaptation) >= e.cfg.RecalcInterval {
			m.LastAdaptation = now
			next := recalculate(m, out)
			m.resetDecisions()
			if math.Abs(next-m.AdaptationFactor) > deadband {
				fb.Changes = append(fb.Changes, Change{Reason: "recalculation", From: m.AdaptationFactor, To: next})
				m.AdaptationFactor = next
			}
		}

		if hasQuota {
			next := applyUtilization(m.AdaptationFactor, quota.utilization)
			if next != m.AdaptationFactor {
				fb.Changes = append(fb.Changes, Change{Reason: "quota_" + quota.source, From: m.AdaptationFactor, To: next})
				m.AdaptationFactor = next
			}
		}

		if throttled {
			next := clampFactor(math.Min(m.AdaptationFactor*0.1, MinFactor))
			fb.Changes = append(fb.Changes, Change{Reason: "upstream_throttle", From: m.AdaptationFactor, To: next})
			m.AdaptationFactor = next
			m.LastAdaptation = now
			fb.Throttled = true
			fb.ThrottleHint = hint
		}
	})

	e.logChanges(key, fb)
	return fb
}

func (e *Engine) logChanges(key string, fb Feedback) {
	for _, c := range fb.Changes {
		e.logger.Debug("adaptation factor changed",
			zap.String("key", key),
			zap.String("reason", c.Reason),
			zap.Float64("from", c.From),
			zap.Float64("to", c.To),
		)
	}
}

// recalculate derives the periodic factor from the current observation's
// latency, the key's success rate, the recent denial rate and whether this
// outcome failed.
func recalculate(m *EndpointMetrics, out Outcome) float64 {
	f := m.AdaptationFactor

	switch latencyMs := durationMs(out.Latency); {
	case latencyMs > 5000:
		f *= 0.7
	case latencyMs > 2000:
		f *= 0.85
	case latencyMs < 500:
		f *= 1.05
	}

	switch {
	case m.SuccessRate < 0.6:
		f *= 0.5
	case m.SuccessRate < 0.8:
		f *= 0.8
	case m.SuccessRate > 0.95:
		f *= 1.1
	}

	f *= m.denialPressure()

	if !out.Success {
		f *= 0.9
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return m.AdaptationFactor
	}
	return clampFactor(f)
}

// applyUtilization reacts to the upstream's quota usage. A reduction never
// raises a factor already under the band's floor.
func applyUtilization(f, utilization float64) float64 {
	if math.IsNaN(utilization) || math.IsInf(utilization, 0) {
		return f
	}
	switch {
	case utilization > 0.9:
		return reduce(f, 0.5, 0.1)
	case utilization > 0.7:
		return reduce(f, 0.8, 0.3)
	case utilization > 0.5:
		return reduce(f, 0.9, 0.5)
	case utilization < 0.2:
		return math.Min(f*1.1, MaxFactor)
	}
	return f
}

func reduce(f, mult, floor float64) float64 {
	return clampFactor(math.Max(f*mult, math.Min(f, floor)))
}

func isThrottleStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusTeapot
}

// Touch counts an admission decision against key. A denial past the
// recalculation interval lets the denial rate move the factor on its own,
// since a key that is mostly denied produces few outcomes.
func (e *Engine) Touch(key string, allowed bool) Feedback {
	now := e.cfg.Clock.Now()

	var fb Feedback
	e.metrics.Do(key, newMetrics, func(m *EndpointMetrics) {
		m.countDecision(allowed)
		m.LastSeen = now

		if allowed || now.Sub(m.LastAdaptation) < e.cfg.RecalcInterval {
			return
		}
		pressure := m.denialPressure()
		if pressure == 1.0 {
			return
		}

		m.LastAdaptation = now
		m.resetDecisions()
		next := clampFactor(m.AdaptationFactor * pressure)
		if math.Abs(next-m.AdaptationFactor) > deadband {
			fb.Changes = append(fb.Changes, Change{Reason: "admission_denials", From: m.AdaptationFactor, To: next})
			m.AdaptationFactor = next
		}
	})

	e.logChanges(key, fb)
	return fb
}

// Factor returns key's adaptation factor, 1.0 for unseen keys.
func (e *Engine) Factor(key string) float64 {
	f := 1.0
	e.metrics.Peek(key, func(m *EndpointMetrics) {
		f = m.AdaptationFactor
	})
	return f
}

func (e *Engine) SetBreakerState(key, state string) {
	e.metrics.Peek(key, func(m *EndpointMetrics) {
		m.BreakerState = state
	})
}

func (e *Engine) Snapshot(key string) (EndpointMetrics, bool) {
	var out EndpointMetrics
	ok := e.metrics.Peek(key, func(m *EndpointMetrics) {
		out = *m
	})
	return out, ok
}

func (e *Engine) Snapshots() map[string]EndpointMetrics {
	out := make(map[string]EndpointMetrics)
	e.metrics.Range(func(key string, m *EndpointMetrics) {
		out[key] = *m
	})
	return out
}

// Sweep drops metrics for keys without traffic for longer than idle.
func (e *Engine) Sweep(idle time.Duration, now time.Time) int {
	return e.metrics.DeleteIf(func(_ string, m *EndpointMetrics) bool {
		return now.Sub(m.LastSeen) > idle
	})
}

func (e *Engine) Len() int {
	return e.metrics.Len()
}
