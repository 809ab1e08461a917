package proxy

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/renja-g/RiftGuard/internal/breaker"
	"github.com/renja-g/RiftGuard/internal/router"
	"github.com/renja-g/RiftGuard/internal/transport"
)

const (
	ReasonHeader    = "X-Admission-Reason"
	RemainingHeader = "X-RateLimit-Remaining"

	breakerRetryAfter = 30 * time.Second
)

type bufferPool struct {
	pool *sync.Pool
}

func (p bufferPool) Get() []byte {
	return *(p.pool.Get().(*[]byte))
}

func (p bufferPool) Put(b []byte) {
	p.pool.Put(&b)
}

type options struct {
	transport http.RoundTripper
	logger    *zap.Logger
}

type Option func(*options)

// WithTransport sets the round tripper used for upstream calls, normally the
// admitting transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) {
		o.transport = rt
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New constructs the relay handler forwarding /{endpoint...} to upstream.
func New(upstream *url.URL, opts ...Option) http.Handler {
	o := options{
		transport: http.DefaultTransport,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	return router.Handler(newReverseProxy(upstream, o))
}

func newReverseProxy(upstream *url.URL, o options) *httputil.ReverseProxy {
	pool := &sync.Pool{
		New: func() any {
			buf := make([]byte, 32*1024) // 32KB
			return &buf
		},
	}

	rewrite := func(preq *httputil.ProxyRequest) {
		preq.SetURL(upstream)
		preq.Out.Header.Del(router.UserHeader)
		preq.SetXForwarded()
	}

	return &httputil.ReverseProxy{
		Rewrite:    rewrite,
		Transport:  o.transport,
		BufferPool: bufferPool{pool: pool},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			var rejected *transport.RejectedError
			switch {
			case errors.As(err, &rejected):
				writeRejection(w, rejected)
			case errors.Is(err, breaker.ErrOpen):
				w.Header().Set("Retry-After", retryAfterSeconds(breakerRetryAfter))
				w.Header().Set(ReasonHeader, "circuit_open")
				http.Error(w, "upstream circuit open", http.StatusServiceUnavailable)
			case errors.Is(err, context.Canceled):
				o.logger.Debug("client went away", zap.String("path", r.URL.Path))
				w.WriteHeader(http.StatusBadGateway)
			default:
				o.logger.Warn("proxy error", zap.String("path", r.URL.Path), zap.Error(err))
				http.Error(w, "upstream unavailable", http.StatusBadGateway)
			}
		},
	}
}

func writeRejection(w http.ResponseWriter, rejected *transport.RejectedError) {
	w.Header().Set("Retry-After", retryAfterSeconds(rejected.RetryAfter))
	w.Header().Set(RemainingHeader, strconv.Itoa(rejected.Remaining))
	w.Header().Set(ReasonHeader, rejected.Reason)
	http.Error(w, "request rejected by admission control", http.StatusTooManyRequests)
}

// retryAfterSeconds rounds up to whole seconds, at least one.
func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	return strconv.Itoa(max(secs, 1))
}
