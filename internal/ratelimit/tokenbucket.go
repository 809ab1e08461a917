package ratelimit

import (
	"math"
	"time"

	"github.com/renja-g/RiftGuard/internal/keyed"
)

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
	lastAccess time.Time
	fresh      bool
}

// TokenBuckets keeps one lazily refilled bucket per key.
type TokenBuckets struct {
	clock   Clock
	buckets *keyed.Map[tokenBucket]
}

func NewTokenBuckets(clock Clock, shards int) *TokenBuckets {
	if clock == nil {
		clock = realClock{}
	}
	return &TokenBuckets{
		clock:   clock,
		buckets: keyed.New[tokenBucket](shards),
	}
}

func newTokenBucket() *tokenBucket {
	return &tokenBucket{fresh: true}
}

// TryAdmit consumes one token from key's bucket when one is available.
func (m *TokenBuckets) TryAdmit(key string, cfg Config, factor float64) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	if err := checkFactor(factor); err != nil {
		return Result{}, err
	}

	now := m.clock.Now()
	rate := cfg.RefillRate() * factor
	capacity := float64(cfg.MaxRequests)*factor + float64(cfg.Burst)

	var out Result
	m.buckets.Do(key, newTokenBucket, func(b *tokenBucket) {
		if b.fresh {
			b.tokens = float64(cfg.MaxRequests)
			b.lastRefill = now
			b.fresh = false
		}

		if elapsed := now.Sub(b.lastRefill); elapsed > 0 {
			b.tokens += elapsed.Seconds() * rate
		}
		b.tokens = math.Min(b.tokens, capacity)
		if b.tokens < 0 {
			b.tokens = 0
		}
		b.lastRefill = now
		b.lastAccess = now

		if b.tokens >= 1 {
			b.tokens--
			out = Result{
				Allowed:   true,
				Remaining: int(math.Floor(b.tokens)),
				ResetAt:   now.Add(secondsToDuration((capacity - b.tokens) / rate)),
			}
			return
		}

		wait := secondsToDuration((1 - b.tokens) / rate)
		out = Result{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    now.Add(secondsToDuration((capacity - b.tokens) / rate)),
			RetryAfter: ceilSeconds(wait),
		}
	})

	return out, nil
}

// Tokens reports the stored token count for key without refilling it.
func (m *TokenBuckets) Tokens(key string) (float64, bool) {
	var tokens float64
	ok := m.buckets.Peek(key, func(b *tokenBucket) {
		tokens = b.tokens
	})
	return tokens, ok
}

// Sweep drops buckets not touched for longer than idle.
func (m *TokenBuckets) Sweep(idle time.Duration, now time.Time) int {
	return m.buckets.DeleteIf(func(_ string, b *tokenBucket) bool {
		return now.Sub(b.lastAccess) > idle
	})
}

func (m *TokenBuckets) Len() int {
	return m.buckets.Len()
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 || math.IsNaN(s) {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
