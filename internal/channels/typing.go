package channels

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultTypingRefresh is how often an active typing indicator is
// re-asserted. Surfaces expire indicators after roughly ten seconds.
const DefaultTypingRefresh = 8 * time.Second

// TypingController keeps a surface typing indicator alive while an agent
// run streams. Start asserts the indicator and refreshes it on an
// interval; Stop clears it. A controller with a nil sender is a no-op, so
// callers need no capability checks at the call site.
type TypingController struct {
	sender   TypingSender
	to       string
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewTypingController builds a controller for one destination. sender may
// be nil when the surface has no typing support.
func NewTypingController(sender TypingSender, to string, logger *slog.Logger) *TypingController {
	if logger == nil {
		logger = slog.Default()
	}
	return &TypingController{
		sender:   sender,
		to:       to,
		interval: DefaultTypingRefresh,
		logger:   logger,
	}
}

// Start begins the refresh loop. Calling Start on an already-started
// controller restarts the loop.
func (t *TypingController) Start(ctx context.Context) {
	if t == nil || t.sender == nil {
		return
	}
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	go t.loop(loopCtx)
}

// Stop ends the refresh loop and clears the indicator.
func (t *TypingController) Stop() {
	if t == nil || t.sender == nil {
		return
	}
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	if err := t.sender.SetTyping(ctx, t.to, false); err != nil {
		t.logger.Debug("typing clear failed", "to", t.to, "error", err)
	}
}

func (t *TypingController) loop(ctx context.Context) {
	if err := t.sender.SetTyping(ctx, t.to, true); err != nil {
		t.logger.Debug("typing set failed", "to", t.to, "error", err)
	}
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.sender.SetTyping(ctx, t.to, true); err != nil {
				t.logger.Debug("typing refresh failed", "to", t.to, "error", err)
			}
		}
	}
}
