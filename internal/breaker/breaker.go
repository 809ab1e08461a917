package breaker

import (
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"go.uber.org/zap"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned by Execute while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// Breaker is the circuit breaker admission consults. State must not block.
type Breaker interface {
	Execute(fn func() error) error
	State() State
	Healthy() bool
}

type Config struct {
	FailureThreshold uint
	FailureCapacity  uint
	Delay            time.Duration
	SuccessThreshold uint
	Logger           *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.FailureCapacity < c.FailureThreshold {
		c.FailureCapacity = c.FailureThreshold * 2
	}
	if c.Delay <= 0 {
		c.Delay = 30 * time.Second
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 1
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

type failsafeBreaker struct {
	cb circuitbreaker.CircuitBreaker[any]
}

// NewFailsafe returns a Breaker backed by failsafe-go's count based circuit
// breaker.
func NewFailsafe(cfg Config) Breaker {
	cfg = cfg.withDefaults()
	logger := cfg.Logger

	cb := circuitbreaker.Builder[any]().
		WithFailureThresholdRatio(cfg.FailureThreshold, cfg.FailureCapacity).
		WithDelay(cfg.Delay).
		WithSuccessThreshold(cfg.SuccessThreshold).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			logger.Info("circuit breaker state changed",
				zap.String("from", string(fromFailsafe(e.OldState))),
				zap.String("to", string(fromFailsafe(e.NewState))),
			)
		}).
		Build()

	return &failsafeBreaker{cb: cb}
}

func (b *failsafeBreaker) Execute(fn func() error) error {
	err := failsafe.Run(fn, b.cb)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return errors.Join(ErrOpen, err)
	}
	return err
}

func (b *failsafeBreaker) State() State {
	return fromFailsafe(b.cb.State())
}

func (b *failsafeBreaker) Healthy() bool {
	return b.cb.IsClosed()
}

func fromFailsafe(s circuitbreaker.State) State {
	switch s {
	case circuitbreaker.OpenState:
		return StateOpen
	case circuitbreaker.HalfOpenState:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
