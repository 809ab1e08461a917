package adaptive

import (
	"math"
	"time"
)

const (
	MinFactor = 0.1
	MaxFactor = 2.0

	ewmaAlpha   = 0.1
	seedLatency = 1000 * time.Millisecond

	// minDecisions admission decisions must accumulate before the denial rate
	// counts as pressure.
	minDecisions = 5
)

// EndpointMetrics is the observed behaviour of one key.
type EndpointMetrics struct {
	TotalRequests     uint64        `json:"total_requests"`
	SucceededRequests uint64        `json:"succeeded_requests"`
	FailedRequests    uint64        `json:"failed_requests"`
	AdmissionsAllowed uint64        `json:"admissions_allowed"`
	AdmissionsDenied  uint64        `json:"admissions_denied"`
	LastLatency       time.Duration `json:"last_latency"`
	LatencyEWMA       time.Duration `json:"latency_ewma"`
	SuccessRate       float64       `json:"success_rate"`
	DenialRate        float64       `json:"denial_rate"`
	AdaptationFactor  float64       `json:"adaptation_factor"`
	LastAdaptation    time.Time     `json:"last_adaptation"`
	LastSeen          time.Time     `json:"last_seen"`
	BreakerState      string        `json:"breaker_state,omitempty"`

	// admission decisions since the last recalculation
	decisions uint64
	denials   uint64
}

func newMetrics() *EndpointMetrics {
	return &EndpointMetrics{
		LatencyEWMA:      seedLatency,
		SuccessRate:      1.0,
		AdaptationFactor: 1.0,
	}
}

func (m *EndpointMetrics) observe(latency time.Duration, success bool) {
	m.TotalRequests++
	if success {
		m.SucceededRequests++
	} else {
		m.FailedRequests++
	}
	m.LastLatency = latency

	ewmaMs := (1-ewmaAlpha)*durationMs(m.LatencyEWMA) + ewmaAlpha*durationMs(latency)
	m.LatencyEWMA = time.Duration(ewmaMs * float64(time.Millisecond))
	m.SuccessRate = float64(m.SucceededRequests) / float64(m.TotalRequests)
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func clampFactor(f float64) float64 {
	if math.IsNaN(f) {
		return MinFactor
	}
	return math.Max(MinFactor, math.Min(MaxFactor, f))
}

func (m *EndpointMetrics) countDecision(allowed bool) {
	if allowed {
		m.AdmissionsAllowed++
	} else {
		m.AdmissionsDenied++
		m.denials++
	}
	m.decisions++
	m.DenialRate = float64(m.denials) / float64(m.decisions)
}

// denialPressure is the factor multiplier for the denials seen since the
// last recalculation.
func (m *EndpointMetrics) denialPressure() float64 {
	if m.decisions < minDecisions {
		return 1.0
	}
	switch {
	case m.DenialRate > 0.5:
		return 0.7
	case m.DenialRate > 0.2:
		return 0.85
	}
	return 1.0
}

func (m *EndpointMetrics) resetDecisions() {
	m.decisions = 0
	m.denials = 0
}
