package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/clawdis/clawdis/internal/agent"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/cron"
	"github.com/clawdis/clawdis/internal/scheduler"
	"github.com/clawdis/clawdis/pkg/models"
)

type cronFinished struct {
	result *agent.RunResult
	err    error
}

// runCronJob executes an agent-kind cron job by synthesizing an
// envelope into the scheduler. Wake jobs target the main lane; when
// that lane is busy the prompt folds into its queue and the run log
// records the deferral instead of a result. Isolated jobs run in their
// own lane keyed by job id.
func (a *App) runCronJob(ctx context.Context, job *cron.Job) (string, error) {
	env := &models.Envelope{
		Body:       job.Message,
		Surface:    cronSurface(job),
		From:       cronSender(job),
		ChatType:   models.ChatDirect,
		SenderName: "cron",
		Timestamp:  time.Now(),
	}

	done := make(chan cronFinished, 1)
	outcome, err := a.sched.Submit(ctx, &scheduler.Submission{
		Envelope:   env,
		SessionKey: job.SessionKey(a.mainKey()),
		NoDeliver:  true,
		OnFinished: func(_ scheduler.Run, result *agent.RunResult, runErr error) {
			done <- cronFinished{result: result, err: runErr}
		},
	})
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	if !outcome.Started {
		// The prompt joined the lane's queue; it runs with the next
		// drain under normal delivery rules.
		return "queued behind the active run", nil
	}

	var fin cronFinished
	select {
	case fin = <-done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if fin.err != nil {
		return "", fin.err
	}

	text := joinPayloadText(fin.result)
	if job.Channel != "" && job.To != "" {
		if err := a.deliverCronResult(ctx, job, fin.result); err != nil {
			return text, err
		}
	}
	return text, nil
}

func (a *App) mainKey() string {
	key := strings.TrimSpace(a.cfg.Session.MainKey)
	if key == "" {
		return config.DefaultMainKey
	}
	return key
}

// cronSurface picks the envelope surface. Jobs with a delivery route
// stamp it so the session's last-route bookkeeping points there; jobs
// without one use webchat, which that bookkeeping ignores.
func cronSurface(job *cron.Job) models.ChannelType {
	if job.Channel != "" {
		return job.Channel
	}
	return models.ChannelWebchat
}

func cronSender(job *cron.Job) string {
	if job.To != "" {
		return job.To
	}
	return "cron:" + job.ID
}

func (a *App) deliverCronResult(ctx context.Context, job *cron.Job, result *agent.RunResult) error {
	if result == nil || len(result.Payloads) == 0 {
		return nil
	}
	receipts := a.deliver.Deliver(ctx, job.Channel, job.To, result.Payloads)
	for _, rc := range receipts {
		if !rc.Delivered {
			reason := rc.Error
			if reason == "" {
				reason = "delivery failed"
			}
			return fmt.Errorf("deliver to %s: %s", job.Channel, reason)
		}
	}
	return nil
}

// joinPayloadText flattens the run's payload texts for the run log.
func joinPayloadText(result *agent.RunResult) string {
	if result == nil {
		return ""
	}
	parts := make([]string, 0, len(result.Payloads))
	for _, p := range result.Payloads {
		if p == nil {
			continue
		}
		if t := strings.TrimSpace(p.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}
