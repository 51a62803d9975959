package channels

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/clawdis/clawdis/internal/retry"
)

// Reconnector re-runs a transport loop with backoff until it succeeds, the
// context ends, or the error is permanent. Adapters whose libraries do not
// reconnect on their own (signal-cli, the iMessage poller) wrap their run
// loop in one.
type Reconnector struct {
	Config  retry.Config
	Logger  *slog.Logger
	Metrics *Metrics
}

// Run executes run until it returns nil. Transient failures are retried
// with backoff; context cancellation and permanent errors end the loop
// with the last error.
func (r *Reconnector) Run(ctx context.Context, run func(context.Context) error) error {
	if run == nil {
		return errors.New("reconnector: run func is nil")
	}
	cfg := r.Config
	if cfg.Step <= 0 {
		cfg = retry.Reconnect()
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := run(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if retry.IsPermanent(err) {
			return err
		}

		attempt++
		if r.Metrics != nil {
			r.Metrics.RecordReconnect()
		}
		if r.Logger != nil {
			r.Logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.Delay(attempt)):
		}
	}
}
