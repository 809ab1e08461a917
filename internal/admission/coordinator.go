package admission

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/renja-g/RiftGuard/internal/adaptive"
	"github.com/renja-g/RiftGuard/internal/breaker"
	"github.com/renja-g/RiftGuard/internal/policy"
	"github.com/renja-g/RiftGuard/internal/ratelimit"
)

const (
	ReasonAllowed       = "allowed"
	ReasonRateLimited   = "rate_limited"
	ReasonCircuitOpen   = "circuit_open"
	ReasonInternalError = "internal_error"

	circuitOpenRetry   = 30 * time.Second
	internalErrorRetry = 60 * time.Second

	DefaultRetention = time.Hour
)

type Outcome = adaptive.Outcome

// Result is the admission decision for one call. AdaptiveDelay is advisory.
type Result struct {
	Allowed       bool                `json:"allowed"`
	Remaining     int                 `json:"remaining"`
	ResetAt       time.Time           `json:"reset_at"`
	RetryAfter    time.Duration       `json:"retry_after"`
	AdaptiveDelay time.Duration       `json:"adaptive_delay"`
	BreakerState  breaker.State       `json:"breaker_state"`
	Algorithm     ratelimit.Algorithm `json:"algorithm"`
	Reason        string              `json:"reason"`
}

type MetricsSink interface {
	ObserveAdmission(endpoint, reason string)
	ObserveUpstream(endpoint string, statusCode int, latency time.Duration)
	ObserveAdaptation(reason string)
	ObserveEvictions(store string, n int)
	SetTrackedKeys(store string, n int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveAdmission(string, string) {}
func (nopMetrics) ObserveUpstream(string, int, time.Duration) {}
func (nopMetrics) ObserveAdaptation(string) {}
func (nopMetrics) ObserveEvictions(string, int) {}
func (nopMetrics) SetTrackedKeys(string, int) {}

type Config struct {
	Resolver  *policy.Resolver
	Breaker   breaker.Breaker
	Metrics   MetricsSink
	Logger    *zap.Logger
	Clock     ratelimit.Clock
	Shards    int
	Retention time.Duration

	RecalcInterval   time.Duration
	DefaultRetryHint time.Duration
}

// Stats is a point-in-time summary of the coordinator.
type Stats struct {
	TokenBucketKeys   int               `json:"token_bucket_keys"`
	SlidingWindowKeys int               `json:"sliding_window_keys"`
	TrackedKeys       int               `json:"tracked_keys"`
	Users             int               `json:"users"`
	ActiveThrottles   []policy.Throttle `json:"active_throttles"`
	Allowed           uint64            `json:"allowed"`
	Denied            uint64            `json:"denied"`
	BreakerRejections uint64            `json:"breaker_rejections"`
	InternalErrors    uint64            `json:"internal_errors"`
	BreakerState      breaker.State     `json:"breaker_state,omitempty"`
}

type SweepReport struct {
	TokenBuckets   int `json:"token_buckets"`
	SlidingWindows int `json:"sliding_windows"`
	Metrics        int `json:"metrics"`
	Users          int `json:"users"`
	Throttles      int `json:"throttles"`
}

func (r SweepReport) Total() int {
	return r.TokenBuckets + r.SlidingWindows + r.Metrics + r.Users + r.Throttles
}

// Coordinator is the admission façade: it resolves the effective config,
// consults the breaker, delegates to the algorithm and feeds outcomes to the
// adaptation engine.
type Coordinator struct {
	resolver  *policy.Resolver
	breaker   breaker.Breaker
	metrics   MetricsSink
	logger    *zap.Logger
	clock     ratelimit.Clock
	retention time.Duration

	buckets *ratelimit.TokenBuckets
	windows *ratelimit.SlidingWindows
	engine  *adaptive.Engine

	allowed           atomic.Uint64
	denied            atomic.Uint64
	breakerRejections atomic.Uint64
	internalErrors    atomic.Uint64
}

func New(cfg Config) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.Resolver == nil {
		cfg.Resolver = policy.NewResolver(policy.WithLogger(cfg.Logger), policy.WithClock(cfg.Clock))
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}

	return &Coordinator{
		resolver:  cfg.Resolver,
		breaker:   cfg.Breaker,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
		retention: cfg.Retention,
		buckets:   ratelimit.NewTokenBuckets(cfg.Clock, cfg.Shards),
		windows:   ratelimit.NewSlidingWindows(cfg.Clock, cfg.Shards),
		engine: adaptive.NewEngine(adaptive.Config{
			RecalcInterval:   cfg.RecalcInterval,
			DefaultRetryHint: cfg.DefaultRetryHint,
			Shards:           cfg.Shards,
			Clock:            cfg.Clock,
			Logger:           cfg.Logger,
		}),
	}
}

var endpointEscaper = strings.NewReplacer("%", "%25", "|", "%7C")

// Key is the per-key state identifier for an (endpoint, user) pair. The
// endpoint part never contains "|", so the first "|" separates the user.
func Key(endpoint, userID string) string {
	endpoint = endpointEscaper.Replace(endpoint)
	if userID == "" {
		return endpoint
	}
	return endpoint + "|" + userID
}

// CheckAdmission decides whether one call may proceed. It never fails open:
// any error or panic below it is a deny.
func (c *Coordinator) CheckAdmission(endpoint, userID string) (res Result) {
	key := Key(endpoint, userID)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("admission check panicked",
				zap.String("key", key), zap.Any("panic", r), zap.Stack("stack"))
			res = c.internalError(endpoint)
		}
	}()

	cfg := c.resolver.Resolve(endpoint, userID)

	state := breaker.StateClosed
	if cfg.CircuitBreaker && c.breaker != nil {
		state = c.breaker.State()
		if state == breaker.StateOpen {
			c.breakerRejections.Add(1)
			c.denied.Add(1)
			c.metrics.ObserveAdmission(endpoint, ReasonCircuitOpen)
			return Result{
				ResetAt:      c.clock.Now().Add(circuitOpenRetry),
				RetryAfter:   circuitOpenRetry,
				BreakerState: state,
				Algorithm:    cfg.Algorithm,
				Reason:       ReasonCircuitOpen,
			}
		}
	}

	factor := 1.0
	if cfg.Adaptive {
		factor = c.engine.Factor(key)
	}

	var (
		rl  ratelimit.Result
		err error
	)
	switch cfg.Algorithm {
	case ratelimit.AlgorithmSlidingWindow:
		rl, err = c.windows.TryAdmit(key, cfg, factor)
	case ratelimit.AlgorithmTokenBucket:
		rl, err = c.buckets.TryAdmit(key, cfg, factor)
	default:
		err = fmt.Errorf("unknown algorithm %q", cfg.Algorithm)
	}
	if err != nil {
		c.logger.Error("admission check failed", zap.String("key", key), zap.Error(err))
		return c.internalError(endpoint)
	}

	c.applyFeedback(endpoint, userID, key, c.engine.Touch(key, rl.Allowed))

	res = Result{
		Allowed:      rl.Allowed,
		Remaining:    rl.Remaining,
		ResetAt:      rl.ResetAt,
		RetryAfter:   rl.RetryAfter,
		BreakerState: state,
		Algorithm:    cfg.Algorithm,
		Reason:       ReasonAllowed,
	}
	if rl.Allowed {
		c.allowed.Add(1)
		res.AdaptiveDelay = c.adaptiveDelay(key, factor)
	} else {
		c.denied.Add(1)
		res.Reason = ReasonRateLimited
	}
	c.metrics.ObserveAdmission(endpoint, res.Reason)
	return res
}

func (c *Coordinator) internalError(endpoint string) Result {
	c.internalErrors.Add(1)
	c.denied.Add(1)
	c.metrics.ObserveAdmission(endpoint, ReasonInternalError)
	return Result{
		ResetAt:    c.clock.Now().Add(internalErrorRetry),
		RetryAfter: internalErrorRetry,
		Reason:     ReasonInternalError,
	}
}

// adaptiveDelay suggests a courtesy pause for keys whose upstream is slow or
// failing. Zero means no delay.
func (c *Coordinator) adaptiveDelay(key string, factor float64) time.Duration {
	m, ok := c.engine.Snapshot(key)
	if !ok {
		return 0
	}

	latencyMs := float64(m.LatencyEWMA) / float64(time.Millisecond)
	if latencyMs <= 2000 && m.SuccessRate >= 0.8 {
		return 0
	}

	var delayMs float64
	switch {
	case latencyMs > 5000:
		delayMs += 1000
	case latencyMs > 2000:
		delayMs += 500
	}
	switch {
	case m.SuccessRate < 0.6:
		delayMs += 1000
	case m.SuccessRate < 0.8:
		delayMs += 500
	}
	if factor > 0 {
		delayMs /= factor
	}

	return max(time.Duration(delayMs*float64(time.Millisecond)), 100*time.Millisecond)
}

// RecordOutcome folds the upstream's answer for a call into the key's
// metrics. Factor changes land in the user's history; an explicit throttle
// signal installs the endpoint-wide throttle.
func (c *Coordinator) RecordOutcome(endpoint, userID string, out Outcome) {
	key := Key(endpoint, userID)
	fb := c.engine.Record(key, out)
	c.metrics.ObserveUpstream(endpoint, out.StatusCode, out.Latency)

	c.applyFeedback(endpoint, userID, key, fb)

	if state, ok := c.breakerState(); ok {
		c.engine.SetBreakerState(key, string(state))
	}
}

// applyFeedback records committed factor changes in the user's history and
// installs the endpoint throttle on an explicit upstream signal.
func (c *Coordinator) applyFeedback(endpoint, userID, key string, fb adaptive.Feedback) {
	if len(fb.Changes) == 0 && !fb.Throttled {
		return
	}

	now := c.clock.Now()
	for _, change := range fb.Changes {
		c.resolver.AppendEvent(userID, policy.NewEvent(now, key, change.Reason, change.From, change.To))
		c.metrics.ObserveAdaptation(change.Reason)
		c.logger.Info("adaptation factor changed",
			zap.String("key", key),
			zap.String("reason", change.Reason),
			zap.Float64("from", change.From),
			zap.Float64("to", change.To),
		)
	}

	if fb.Throttled {
		c.resolver.Throttle(endpoint, fb.ThrottleHint, now)
	}
}

// breakerState reads the breaker for reporting. A failing breaker reports
// nothing instead of failing the caller.
func (c *Coordinator) breakerState() (state breaker.State, ok bool) {
	if c.breaker == nil {
		return "", false
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("breaker state read panicked", zap.Any("panic", r))
			state, ok = "", false
		}
	}()
	return c.breaker.State(), true
}

func (c *Coordinator) SetUserPriority(userID string, tier policy.Tier) error {
	return c.resolver.SetUserPriority(userID, tier)
}

func (c *Coordinator) SetCustomLimits(userID, endpoint string, o policy.Override) {
	c.resolver.SetCustomLimits(userID, endpoint, o)
}

func (c *Coordinator) UserLimits(userID string) (policy.UserLimits, bool) {
	return c.resolver.UserLimits(userID)
}

// EffectiveConfig is the config CheckAdmission would use right now.
func (c *Coordinator) EffectiveConfig(endpoint, userID string) ratelimit.Config {
	return c.resolver.Resolve(endpoint, userID)
}

func (c *Coordinator) Metrics(key string) (adaptive.EndpointMetrics, bool) {
	return c.engine.Snapshot(key)
}

func (c *Coordinator) AllMetrics() map[string]adaptive.EndpointMetrics {
	return c.engine.Snapshots()
}

func (c *Coordinator) Stats() Stats {
	s := Stats{
		TokenBucketKeys:   c.buckets.Len(),
		SlidingWindowKeys: c.windows.Len(),
		TrackedKeys:       c.engine.Len(),
		Users:             c.resolver.UserCount(),
		ActiveThrottles:   c.resolver.ActiveThrottles(c.clock.Now()),
		Allowed:           c.allowed.Load(),
		Denied:            c.denied.Load(),
		BreakerRejections: c.breakerRejections.Load(),
		InternalErrors:    c.internalErrors.Load(),
	}
	if state, ok := c.breakerState(); ok {
		s.BreakerState = state
	}
	return s
}

// Sweep evicts state idle for longer than the retention period and expires
// finished throttles.
func (c *Coordinator) Sweep(now time.Time) SweepReport {
	report := SweepReport{
		TokenBuckets:   c.buckets.Sweep(c.retention, now),
		SlidingWindows: c.windows.Sweep(c.retention, now),
		Metrics:        c.engine.Sweep(c.retention, now),
		Users:          c.resolver.SweepUsers(c.retention, now),
		Throttles:      c.resolver.ExpireThrottles(now),
	}

	c.metrics.ObserveEvictions("token_bucket", report.TokenBuckets)
	c.metrics.ObserveEvictions("sliding_window", report.SlidingWindows)
	c.metrics.ObserveEvictions("metrics", report.Metrics)
	c.metrics.ObserveEvictions("users", report.Users)
	c.metrics.SetTrackedKeys("token_bucket", c.buckets.Len())
	c.metrics.SetTrackedKeys("sliding_window", c.windows.Len())
	c.metrics.SetTrackedKeys("metrics", c.engine.Len())
	return report
}
