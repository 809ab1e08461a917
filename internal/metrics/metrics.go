package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "riftguard"

// Collector owns a private registry with the admission, upstream and
// housekeeping series plus the Go runtime and process collectors.
type Collector struct {
	registry *prometheus.Registry
	handler  http.Handler

	requests        prometheus.Counter
	inflight        prometheus.Gauge
	admissions      *prometheus.CounterVec
	upstream        *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	adaptations     *prometheus.CounterVec
	evictions       *prometheus.CounterVec
	trackedKeys     *prometheus.GaugeVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Requests received by the relay.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_inflight",
			Help:      "Relay requests currently being served.",
		}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_total",
			Help:      "Admission decisions by endpoint and reason.",
		}, []string{"endpoint", "reason"}),
		upstream: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_responses_total",
			Help:      "Upstream responses by status code.",
		}, []string{"code"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Upstream call latency by endpoint.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10},
		}, []string{"endpoint"}),
		adaptations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adaptation_changes_total",
			Help:      "Committed adaptation factor changes by reason.",
		}, []string{"reason"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Idle per-key entries removed by the housekeeper.",
		}, []string{"store"}),
		trackedKeys: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_keys",
			Help:      "Per-key entries held after the last sweep.",
		}, []string{"store"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requests,
		c.inflight,
		c.admissions,
		c.upstream,
		c.upstreamLatency,
		c.adaptations,
		c.evictions,
		c.trackedKeys,
	)
	c.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.inflight.Inc()
		c.requests.Inc()
		defer c.inflight.Dec()
		next.ServeHTTP(w, r)
	})
}

func (c *Collector) ObserveAdmission(endpoint, reason string) {
	c.admissions.WithLabelValues(endpoint, reason).Inc()
}

func (c *Collector) ObserveUpstream(endpoint string, statusCode int, latency time.Duration) {
	c.upstream.WithLabelValues(strconv.Itoa(statusCode)).Inc()
	c.upstreamLatency.WithLabelValues(endpoint).Observe(latency.Seconds())
}

func (c *Collector) ObserveAdaptation(reason string) {
	c.adaptations.WithLabelValues(reason).Inc()
}

func (c *Collector) ObserveEvictions(store string, n int) {
	if n <= 0 {
		return
	}
	c.evictions.WithLabelValues(store).Add(float64(n))
}

func (c *Collector) SetTrackedKeys(store string, n int) {
	c.trackedKeys.WithLabelValues(store).Set(float64(n))
}

func (c *Collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.handler.ServeHTTP(w, r)
}
