package policy

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/renja-g/RiftGuard/internal/ratelimit"
)

const historyLimit = 50

// DefaultConfig is the built-in base layer.
var DefaultConfig = ratelimit.Config{
	Window:         time.Minute,
	MaxRequests:    100,
	Burst:          10,
	Algorithm:      ratelimit.AlgorithmTokenBucket,
	Adaptive:       true,
	CircuitBreaker: true,
}

// DefaultEndpoints holds conservative per-endpoint limits for the usual
// exchange REST surface.
var DefaultEndpoints = map[string]Override{
	"/api/v3/order":        {MaxRequests: new(10), Window: new(time.Second), Burst: new(2)},
	"/api/v3/openOrders":   {MaxRequests: new(40), Window: new(time.Minute), Burst: new(5)},
	"/api/v3/account":      {MaxRequests: new(20), Window: new(time.Minute), Burst: new(2)},
	"/api/v3/depth":        {MaxRequests: new(50), Window: new(time.Minute), Burst: new(10), Algorithm: new(ratelimit.AlgorithmSlidingWindow)},
	"/api/v3/klines":       {MaxRequests: new(100), Window: new(time.Minute), Burst: new(20), Algorithm: new(ratelimit.AlgorithmSlidingWindow)},
	"/api/v3/ticker/price": {MaxRequests: new(200), Window: new(time.Minute), Burst: new(40), Algorithm: new(ratelimit.AlgorithmSlidingWindow)},
}

// AdaptationEvent is one committed change of a key's adaptation factor.
type AdaptationEvent struct {
	ID     uuid.UUID `json:"id"`
	At     time.Time `json:"at"`
	Key    string    `json:"key"`
	Reason string    `json:"reason"`
	From   float64   `json:"from"`
	To     float64   `json:"to"`
}

func NewEvent(at time.Time, key, reason string, from, to float64) AdaptationEvent {
	return AdaptationEvent{
		ID:     uuid.New(),
		At:     at,
		Key:    key,
		Reason: reason,
		From:   from,
		To:     to,
	}
}

// UserLimits is the per-user layer.
type UserLimits struct {
	Tier      Tier                `json:"tier"`
	Overrides map[string]Override `json:"-"`
	History   []AdaptationEvent   `json:"history"`

	explicit   bool
	lastActive time.Time
}

func (u *UserLimits) clone() UserLimits {
	out := UserLimits{
		Tier:       u.Tier,
		Overrides:  make(map[string]Override, len(u.Overrides)),
		History:    append([]AdaptationEvent(nil), u.History...),
		explicit:   u.explicit,
		lastActive: u.lastActive,
	}
	for k, v := range u.Overrides {
		out.Overrides[k] = v
	}
	return out
}

// Throttle is a temporary endpoint-wide config installed after the upstream
// signalled overload.
type Throttle struct {
	Endpoint string           `json:"endpoint"`
	Config   ratelimit.Config `json:"config"`
	Until    time.Time        `json:"until"`
}

// Resolver merges the config layers for an (endpoint, user) pair in a fixed
// order: defaults, endpoint table (or its active throttle), user override,
// tier multiplier.
type Resolver struct {
	logger *zap.Logger
	clock  ratelimit.Clock

	mu        sync.RWMutex
	defaults  ratelimit.Config
	endpoints map[string]Override
	throttles map[string]Throttle
	users     map[string]*UserLimits
}

type Option func(*Resolver)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithClock(clock ratelimit.Clock) Option {
	return func(r *Resolver) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithDefaults replaces the base layer. An invalid config is logged and the
// built-in defaults are kept.
func WithDefaults(cfg ratelimit.Config) Option {
	return func(r *Resolver) {
		if err := cfg.Validate(); err != nil {
			r.logger.Warn("ignoring invalid default limits", zap.Error(err))
			return
		}
		r.defaults = cfg
	}
}

// WithEndpoints replaces the endpoint table.
func WithEndpoints(table map[string]Override) Option {
	return func(r *Resolver) {
		r.endpoints = make(map[string]Override, len(table))
		for endpoint, o := range table {
			r.endpoints[endpoint] = o.sanitize(r.logger, "endpoint:"+endpoint)
		}
	}
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		logger:    zap.NewNop(),
		clock:     ratelimit.SystemClock(),
		defaults:  DefaultConfig,
		endpoints: make(map[string]Override, len(DefaultEndpoints)),
		throttles: make(map[string]Throttle),
		users:     make(map[string]*UserLimits),
	}
	for endpoint, o := range DefaultEndpoints {
		r.endpoints[endpoint] = o
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the effective config. It never fails.
func (r *Resolver) Resolve(endpoint, userID string) ratelimit.Config {
	now := r.clock.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg := r.endpointLayer(endpoint)
	if th, ok := r.throttles[endpoint]; ok && now.Before(th.Until) {
		cfg = th.Config
	}

	if userID == "" {
		return cfg
	}

	user, ok := r.users[userID]
	if !ok {
		return cfg
	}
	if o, ok := user.Overrides[endpoint]; ok {
		cfg = o.apply(cfg)
	}
	return scaleByTier(cfg, user.Tier)
}

func (r *Resolver) endpointLayer(endpoint string) ratelimit.Config {
	cfg := r.defaults
	if o, ok := r.endpoints[endpoint]; ok {
		cfg = o.apply(cfg)
	}
	return cfg
}

func scaleByTier(cfg ratelimit.Config, tier Tier) ratelimit.Config {
	m := tier.Multiplier()
	if m == 1.0 {
		return cfg
	}
	cfg.MaxRequests = max(int(math.Floor(float64(cfg.MaxRequests)*m)), 1)
	cfg.Burst = int(math.Floor(float64(cfg.Burst) * m))
	return cfg
}

func (r *Resolver) user(userID string) *UserLimits {
	u, ok := r.users[userID]
	if !ok {
		u = &UserLimits{Tier: TierMedium, Overrides: make(map[string]Override)}
		r.users[userID] = u
	}
	u.lastActive = r.clock.Now()
	return u
}

func (r *Resolver) SetUserPriority(userID string, tier Tier) error {
	parsed, err := ParseTier(string(tier))
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	u := r.user(userID)
	u.Tier = parsed
	u.explicit = true
	return nil
}

// SetCustomLimits stores a per-user override for endpoint. Invalid fields
// are dropped with a warning; an override left empty clears the entry.
func (r *Resolver) SetCustomLimits(userID, endpoint string, o Override) {
	o = o.sanitize(r.logger, "user:"+userID+":"+endpoint)

	r.mu.Lock()
	defer r.mu.Unlock()

	u := r.user(userID)
	u.explicit = true
	if o.IsZero() {
		delete(u.Overrides, endpoint)
		return
	}
	u.Overrides[endpoint] = o
}

func (r *Resolver) UserLimits(userID string) (UserLimits, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[userID]
	if !ok {
		return UserLimits{}, false
	}
	return u.clone(), true
}

// AppendEvent adds ev to the user's bounded history.
func (r *Resolver) AppendEvent(userID string, ev AdaptationEvent) {
	if userID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	u := r.user(userID)
	u.History = append(u.History, ev)
	if over := len(u.History) - historyLimit; over > 0 {
		u.History = append(u.History[:0], u.History[over:]...)
	}
}

// Throttle installs the reduced endpoint-wide config: half the requests, 30%
// of the burst and twice the window (at least the hint), reverting after
// twice the hint. Repeated signals extend the current throttle instead of
// compounding it.
func (r *Resolver) Throttle(endpoint string, retryHint time.Duration, now time.Time) Throttle {
	if retryHint <= 0 {
		retryHint = time.Second
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	base := r.endpointLayer(endpoint)
	reduced := base
	reduced.MaxRequests = max(base.MaxRequests/2, 1)
	reduced.Burst = int(math.Floor(float64(base.Burst) * 0.3))
	reduced.Window = max(base.Window*2, retryHint)

	th := Throttle{
		Endpoint: endpoint,
		Config:   reduced,
		Until:    now.Add(2 * retryHint),
	}
	if prev, ok := r.throttles[endpoint]; ok && prev.Until.After(th.Until) {
		th.Until = prev.Until
	}
	r.throttles[endpoint] = th

	r.logger.Warn("endpoint throttled",
		zap.String("endpoint", endpoint),
		zap.Int("max_requests", reduced.MaxRequests),
		zap.Int("burst", reduced.Burst),
		zap.Duration("window", reduced.Window),
		zap.Time("until", th.Until),
	)
	return th
}

func (r *Resolver) ActiveThrottles(now time.Time) []Throttle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Throttle, 0, len(r.throttles))
	for _, th := range r.throttles {
		if now.Before(th.Until) {
			out = append(out, th)
		}
	}
	return out
}

// ExpireThrottles removes throttles that have run out and returns how many.
func (r *Resolver) ExpireThrottles(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for endpoint, th := range r.throttles {
		if !now.Before(th.Until) {
			delete(r.throttles, endpoint)
			removed++
			r.logger.Info("endpoint throttle reverted", zap.String("endpoint", endpoint))
		}
	}
	return removed
}

// SweepUsers drops users that only carry history and have been idle for
// longer than idle. Users with an explicit tier or overrides are kept.
func (r *Resolver) SweepUsers(idle time.Duration, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, u := range r.users {
		if u.explicit {
			continue
		}
		if now.Sub(u.lastActive) > idle {
			delete(r.users, id)
			removed++
		}
	}
	return removed
}

func (r *Resolver) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
