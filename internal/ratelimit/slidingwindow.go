package ratelimit

import (
	"math"
	"time"

	"github.com/renja-g/RiftGuard/internal/keyed"
)

// slidingWindow is an ordered log of admission timestamps.
type slidingWindow struct {
	entries     []time.Time
	windowStart time.Time
	lastAccess  time.Time
}

func (w *slidingWindow) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	idx := 0
	for _, at := range w.entries {
		if !at.Before(cutoff) {
			w.entries[idx] = at
			idx++
		}
	}
	clear(w.entries[idx:])
	w.entries = w.entries[:idx]
	w.windowStart = cutoff
}

// SlidingWindows keeps one timestamp log per key.
type SlidingWindows struct {
	clock   Clock
	windows *keyed.Map[slidingWindow]
}

func NewSlidingWindows(clock Clock, shards int) *SlidingWindows {
	if clock == nil {
		clock = realClock{}
	}
	return &SlidingWindows{
		clock:   clock,
		windows: keyed.New[slidingWindow](shards),
	}
}

func newSlidingWindow() *slidingWindow {
	return &slidingWindow{}
}

// TryAdmit records an admission for key when the trailing window has room.
// A denied call's retry is derived from the oldest retained entry.
func (m *SlidingWindows) TryAdmit(key string, cfg Config, factor float64) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	if err := checkFactor(factor); err != nil {
		return Result{}, err
	}

	now := m.clock.Now()
	adaptedMax := int(math.Floor(float64(cfg.MaxRequests) * factor))
	if adaptedMax < 1 {
		// Keep one slot so a key at the factor floor still progresses.
		adaptedMax = 1
	}
	ceiling := adaptedMax + cfg.Burst

	var out Result
	m.windows.Do(key, newSlidingWindow, func(w *slidingWindow) {
		w.prune(now, cfg.Window)
		w.lastAccess = now

		if len(w.entries) < ceiling {
			w.entries = append(w.entries, now)
			resetAt := w.entries[0].Add(cfg.Window)
			out = Result{
				Allowed:   true,
				Remaining: ceiling - len(w.entries),
				ResetAt:   resetAt,
			}
			return
		}

		resetAt := now.Add(cfg.Window)
		if len(w.entries) > 0 {
			resetAt = w.entries[0].Add(cfg.Window)
		}
		retry := ceilSeconds(resetAt.Sub(now))
		if retry <= 0 {
			retry = time.Second
		}
		out = Result{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: retry,
		}
	})

	return out, nil
}

// Entries reports how many timestamps key currently retains.
func (m *SlidingWindows) Entries(key string) (int, bool) {
	n := 0
	ok := m.windows.Peek(key, func(w *slidingWindow) {
		n = len(w.entries)
	})
	return n, ok
}

func (m *SlidingWindows) Sweep(idle time.Duration, now time.Time) int {
	return m.windows.DeleteIf(func(_ string, w *slidingWindow) bool {
		return now.Sub(w.lastAccess) > idle
	})
}

func (m *SlidingWindows) Len() int {
	return m.windows.Len()
}
