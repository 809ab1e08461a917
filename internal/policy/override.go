package policy

import (
	"time"

	"go.uber.org/zap"

	"github.com/renja-g/RiftGuard/internal/ratelimit"
)

// Override is a partial config layer. Nil fields fall through to the layer
// below.
type Override struct {
	MaxRequests    *int
	Window         *time.Duration
	Burst          *int
	Algorithm      *ratelimit.Algorithm
	Adaptive       *bool
	CircuitBreaker *bool
}

func (o Override) IsZero() bool {
	return o.MaxRequests == nil && o.Window == nil && o.Burst == nil &&
		o.Algorithm == nil && o.Adaptive == nil && o.CircuitBreaker == nil
}

func (o Override) apply(cfg ratelimit.Config) ratelimit.Config {
	if o.MaxRequests != nil {
		cfg.MaxRequests = *o.MaxRequests
	}
	if o.Window != nil {
		cfg.Window = *o.Window
	}
	if o.Burst != nil {
		cfg.Burst = *o.Burst
	}
	if o.Algorithm != nil {
		cfg.Algorithm = *o.Algorithm
	}
	if o.Adaptive != nil {
		cfg.Adaptive = *o.Adaptive
	}
	if o.CircuitBreaker != nil {
		cfg.CircuitBreaker = *o.CircuitBreaker
	}
	return cfg
}

// sanitize drops fields that would break the config invariants and logs
// what it dropped.
func (o Override) sanitize(logger *zap.Logger, scope string) Override {
	if o.MaxRequests != nil && *o.MaxRequests <= 0 {
		logger.Warn("ignoring non-positive max requests override",
			zap.String("scope", scope), zap.Int("max_requests", *o.MaxRequests))
		o.MaxRequests = nil
	}
	if o.Window != nil && *o.Window <= 0 {
		logger.Warn("ignoring non-positive window override",
			zap.String("scope", scope), zap.Duration("window", *o.Window))
		o.Window = nil
	}
	if o.Burst != nil && *o.Burst < 0 {
		logger.Warn("ignoring negative burst override",
			zap.String("scope", scope), zap.Int("burst", *o.Burst))
		o.Burst = nil
	}
	if o.Algorithm != nil {
		alg, ok := ratelimit.ParseAlgorithm(string(*o.Algorithm))
		if !ok {
			logger.Warn("ignoring unknown algorithm override",
				zap.String("scope", scope), zap.String("algorithm", string(*o.Algorithm)))
			o.Algorithm = nil
		} else {
			o.Algorithm = &alg
		}
	}
	return o
}
