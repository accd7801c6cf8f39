// Package heartbeat emits a pulse at a fixed interval; periodic scans hang
// off it instead of owning timers.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"wc_sign/internal/events"
	"wc_sign/internal/utils/log"
)

const DefaultInterval = 5 * time.Second

type Heartbeat struct {
	Pulse events.Emitter[time.Time]

	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(interval time.Duration, logger *zap.Logger) *Heartbeat {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Heartbeat{
		interval: interval,
		logger:   log.OrNop(logger).Named("heartbeat"),
	}
}

func (h *Heartbeat) Interval() time.Duration { return h.interval }

// Start begins pulsing until ctx is done or Stop is called. Starting twice
// is a no-op.
func (h *Heartbeat) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	go h.run(ctx, h.done)
	h.logger.Debug("started", zap.Duration("interval", h.interval))
}

func (h *Heartbeat) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.Pulse.Emit(now)
		}
	}
}

// Stop halts the pulse and waits for the current one to finish.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
