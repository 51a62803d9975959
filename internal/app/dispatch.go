package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/clawdis/clawdis/internal/outbound"
	"github.com/clawdis/clawdis/internal/scheduler"
	"github.com/clawdis/clawdis/internal/sessions"
	"github.com/clawdis/clawdis/pkg/models"
)

// dispatch drains the fan-in of every adapter's inbound stream and
// walks each envelope through resolve, policy, and scheduling. One
// goroutine; per-session ordering is the scheduler's job.
func (a *App) dispatch(ctx context.Context) {
	defer a.wg.Done()
	envs := a.registry.AggregateEnvelopes(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-envs:
			if !ok {
				return
			}
			a.handleEnvelope(ctx, env)
		}
	}
}

func (a *App) handleEnvelope(ctx context.Context, env *models.Envelope) {
	key := a.resolver.Resolve(env)

	// The stored /activation override only matters for group gating.
	activation := ""
	if env.ChatType == models.ChatGroup || env.ChatType == models.ChatChannel {
		if entry, err := a.store.Get(ctx, key); err == nil && entry != nil {
			activation = entry.GroupActivation
		} else if err != nil && !errors.Is(err, sessions.ErrNotFound) {
			a.logger.Warn("session lookup failed", "sessionKey", key, "error", err)
		}
	}

	decision := a.currentGate().Check(env, activation)
	if !decision.Allow {
		if decision.PairingCode != "" {
			a.sendPairingReply(ctx, env, decision.PairingCode)
		}
		if decision.StoreContext {
			a.sched.StoreContext(key, env)
		}
		a.logger.Info("envelope denied",
			"surface", env.Surface,
			"from", env.From,
			"reason", decision.Reason,
			"storedContext", decision.StoreContext,
		)
		return
	}

	outcome, err := a.sched.Submit(ctx, &scheduler.Submission{
		Envelope:       env,
		SessionKey:     key,
		IdempotencyKey: idempotencyKey(env),
	})
	if err != nil {
		a.logger.Warn("submit failed", "surface", env.Surface, "sessionKey", key, "error", err)
		return
	}
	a.logger.Debug("envelope dispatched",
		"surface", env.Surface,
		"sessionKey", key,
		"runId", outcome.Run.RunID,
		"mode", outcome.Mode,
		"started", outcome.Started,
		"queued", outcome.Queued,
		"duplicate", outcome.Duplicate,
	)
}

// sendPairingReply tells the unknown sender their code. The gate issues
// the code at most once per peer, so this cannot loop on repeat
// messages.
func (a *App) sendPairingReply(ctx context.Context, env *models.Envelope, code string) {
	text := fmt.Sprintf("clawdis: pairing code %s. Ask the gateway owner to approve it; the code expires in 1 hour.", code)
	if err := a.deliver.DeliverText(ctx, env.Surface, outbound.Target(env), text); err != nil {
		a.logger.Warn("pairing reply failed", "surface", env.Surface, "peer", env.From, "error", err)
	}
}

// idempotencyKey dedupes adapter redeliveries. Surfaces that do not
// assign message ids get no dedupe.
func idempotencyKey(env *models.Envelope) string {
	if env.MessageID == "" {
		return ""
	}
	return string(env.Surface) + ":" + env.MessageID
}
