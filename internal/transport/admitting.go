package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/renja-g/RiftGuard/internal/admission"
	"github.com/renja-g/RiftGuard/internal/breaker"
	"github.com/renja-g/RiftGuard/internal/router"
)

// DelayHeader carries the suggested courtesy delay on admitted responses.
const DelayHeader = "X-Admission-Delay-Ms"

// Admitter is the part of the admission coordinator the transport uses.
type Admitter interface {
	CheckAdmission(endpoint, userID string) admission.Result
	RecordOutcome(endpoint, userID string, out admission.Outcome)
}

// RejectedError is returned when admission denies a request before it is
// sent.
type RejectedError struct {
	Reason     string
	RetryAfter time.Duration
	Remaining  int
}

func (e *RejectedError) Error() string {
	return "admission rejected: " + e.Reason
}

type upstreamStatusError struct {
	code int
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("upstream responded %d", e.code)
}

type admittingTransport struct {
	base       http.RoundTripper
	admitter   Admitter
	breaker    breaker.Breaker
	honorDelay bool
	logger     *zap.Logger
	now        func() time.Time
}

type AdmittingOption func(*admittingTransport)

// WithBreaker runs upstream calls through b. 5xx responses and transport
// errors count as failures.
func WithBreaker(b breaker.Breaker) AdmittingOption {
	return func(t *admittingTransport) {
		t.breaker = b
	}
}

// WithHonorDelay makes the transport wait out the suggested adaptive delay
// before sending. Otherwise the delay is only reported in DelayHeader.
func WithHonorDelay(honor bool) AdmittingOption {
	return func(t *admittingTransport) {
		t.honorDelay = honor
	}
}

func WithLogger(logger *zap.Logger) AdmittingOption {
	return func(t *admittingTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewAdmitting wraps base so that every request is admitted first and every
// upstream answer is fed back as an outcome.
func NewAdmitting(base http.RoundTripper, admitter Admitter, opts ...AdmittingOption) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	t := &admittingTransport{
		base:     base,
		admitter: admitter,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *admittingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	route := router.ForRequest(req)

	res := t.admitter.CheckAdmission(route.Endpoint, route.UserID)
	if !res.Allowed {
		return nil, &RejectedError{
			Reason:     res.Reason,
			RetryAfter: res.RetryAfter,
			Remaining:  res.Remaining,
		}
	}

	if t.honorDelay && res.AdaptiveDelay > 0 {
		timer := time.NewTimer(res.AdaptiveDelay)
		select {
		case <-timer.C:
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		}
	}

	var resp *http.Response
	call := func() error {
		r, err := t.base.RoundTrip(req)
		if err != nil {
			return err
		}
		resp = r
		if r.StatusCode >= http.StatusInternalServerError {
			return &upstreamStatusError{code: r.StatusCode}
		}
		return nil
	}

	start := t.now()
	var err error
	if t.breaker != nil {
		err = t.breaker.Execute(call)
	} else {
		err = call()
	}
	latency := t.now().Sub(start)

	if errors.Is(err, breaker.ErrOpen) {
		return nil, fmt.Errorf("%s: %w", route.Endpoint, err)
	}

	out := admission.Outcome{Latency: latency}
	if resp != nil {
		out.StatusCode = resp.StatusCode
		out.Header = resp.Header.Clone()
		out.Success = successful(resp.StatusCode)
	}
	t.admitter.RecordOutcome(route.Endpoint, route.UserID, out)

	var statusErr *upstreamStatusError
	if err != nil && !errors.As(err, &statusErr) {
		t.logger.Debug("upstream call failed", zap.String("endpoint", route.Endpoint), zap.Error(err))
		return nil, err
	}

	if !t.honorDelay && res.AdaptiveDelay > 0 {
		resp.Header.Set(DelayHeader, strconv.FormatInt(res.AdaptiveDelay.Milliseconds(), 10))
	}
	return resp, nil
}

func successful(code int) bool {
	return code < http.StatusInternalServerError &&
		code != http.StatusTooManyRequests &&
		code != http.StatusTeapot
}
