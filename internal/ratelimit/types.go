package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

type Algorithm string

const (
	AlgorithmTokenBucket   Algorithm = "token_bucket"
	AlgorithmSlidingWindow Algorithm = "sliding_window"
)

// ParseAlgorithm accepts the canonical names plus the dashed spellings.
func ParseAlgorithm(v string) (Algorithm, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "token_bucket", "token-bucket", "tokenbucket":
		return AlgorithmTokenBucket, true
	case "sliding_window", "sliding-window", "slidingwindow":
		return AlgorithmSlidingWindow, true
	}
	return "", false
}

var ErrInvalidConfig = errors.New("invalid rate limit config")

// Config is the effective limit for one call. It is resolved per call and
// never mutated afterwards.
type Config struct {
	Window         time.Duration
	MaxRequests    int
	Burst          int
	Algorithm      Algorithm
	Adaptive       bool
	CircuitBreaker bool
}

func (c Config) Validate() error {
	switch {
	case c.MaxRequests <= 0:
		return fmt.Errorf("%w: max requests must be > 0, got %d", ErrInvalidConfig, c.MaxRequests)
	case c.Window <= 0:
		return fmt.Errorf("%w: window must be > 0, got %s", ErrInvalidConfig, c.Window)
	case c.Burst < 0:
		return fmt.Errorf("%w: burst must be >= 0, got %d", ErrInvalidConfig, c.Burst)
	}
	if _, ok := ParseAlgorithm(string(c.Algorithm)); !ok {
		return fmt.Errorf("%w: unknown algorithm %q", ErrInvalidConfig, c.Algorithm)
	}
	return nil
}

// RefillRate is the steady-state rate in tokens per second.
func (c Config) RefillRate() float64 {
	return float64(c.MaxRequests) / c.Window.Seconds()
}

// Result is the outcome of a single admission attempt.
type Result struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

// SystemClock returns the wall clock.
func SystemClock() Clock {
	return realClock{}
}

func checkFactor(factor float64) error {
	if math.IsNaN(factor) || math.IsInf(factor, 0) || factor <= 0 {
		return fmt.Errorf("adaptation factor out of range: %v", factor)
	}
	return nil
}

func ceilSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(d.Seconds())) * time.Second
}
