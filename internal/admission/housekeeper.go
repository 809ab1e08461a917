package admission

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultSweepInterval = 5 * time.Minute

// Housekeeper periodically sweeps a Coordinator. It is the only background
// goroutine the admission package starts.
type Housekeeper struct {
	coord    *Coordinator
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHousekeeper(coord *Coordinator, interval time.Duration, logger *zap.Logger) *Housekeeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Housekeeper{
		coord:    coord,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps on every tick until ctx is done.
func (h *Housekeeper) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *Housekeeper) sweep() {
	report := h.coord.Sweep(h.coord.clock.Now())
	if report.Total() == 0 {
		return
	}
	h.logger.Info("evicted idle admission state",
		zap.Int("token_buckets", report.TokenBuckets),
		zap.Int("sliding_windows", report.SlidingWindows),
		zap.Int("metrics", report.Metrics),
		zap.Int("users", report.Users),
		zap.Int("throttles", report.Throttles),
	)
}

// Start runs the housekeeper in its own goroutine. Calling Start on a running
// housekeeper is a no-op.
func (h *Housekeeper) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.Run(ctx)
	}()
}

// Stop cancels a started housekeeper and waits for it to return.
func (h *Housekeeper) Stop() {
	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.mu.Unlock()

	h.wg.Wait()
}
