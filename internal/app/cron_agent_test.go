package app

import (
	"context"
	"testing"
	"time"

	"github.com/clawdis/clawdis/internal/agent"
	"github.com/clawdis/clawdis/internal/cron"
	"github.com/clawdis/clawdis/internal/scheduler"
	"github.com/clawdis/clawdis/pkg/models"
)

func TestRunCronJobIsolatedLane(t *testing.T) {
	runner := &fakeRunner{result: &agent.RunResult{
		Kind:     agent.KindReply,
		Payloads: []*models.Payload{{Text: "report done"}},
	}}
	a, capture := newTestApp(t, testConfig(), runner)

	job := &cron.Job{ID: "daily", Kind: cron.KindAgent, Message: "daily report"}
	out, err := a.runCronJob(context.Background(), job)
	if err != nil {
		t.Fatalf("runCronJob: %v", err)
	}
	if out != "report done" {
		t.Fatalf("output = %q", out)
	}

	reqs := runner.requests()
	if len(reqs) != 1 {
		t.Fatalf("runner requests = %d", len(reqs))
	}
	if got := reqs[0].SessionKey; got != "cron:daily" {
		t.Fatalf("session key = %q", got)
	}
	if got := reqs[0].Envelope.Body; got != "daily report" {
		t.Fatalf("prompt = %q", got)
	}

	// No route on the job means no delivery.
	if got := len(capture.sends()); got != 0 {
		t.Fatalf("unexpected delivery: %d sends", got)
	}
}

func TestRunCronJobDeliversToRoute(t *testing.T) {
	runner := &fakeRunner{result: &agent.RunResult{
		Kind:     agent.KindReply,
		Payloads: []*models.Payload{{Text: "morning summary"}},
	}}
	a, capture := newTestApp(t, testConfig(), runner)

	job := &cron.Job{
		ID:      "morning",
		Kind:    cron.KindAgent,
		Message: "summarize",
		Channel: models.ChannelTelegram,
		To:      "42",
	}
	out, err := a.runCronJob(context.Background(), job)
	if err != nil {
		t.Fatalf("runCronJob: %v", err)
	}
	if out != "morning summary" {
		t.Fatalf("output = %q", out)
	}

	sends := capture.waitForSends(t, 1)
	if sends[0].to != "42" || sends[0].text != "morning summary" {
		t.Fatalf("delivery = %+v", sends[0])
	}

	reqs := runner.requests()
	if got := reqs[0].Envelope.Surface; got != models.ChannelTelegram {
		t.Fatalf("envelope surface = %q", got)
	}
}

func TestRunCronJobQueuedWhenMainLaneBusy(t *testing.T) {
	runner := &fakeRunner{
		block:   make(chan struct{}),
		started: make(chan struct{}, 2),
	}
	a, _ := newTestApp(t, testConfig(), runner)

	ctx := context.Background()
	if _, err := a.sched.Submit(ctx, &scheduler.Submission{
		Envelope:   telegramDM("123", "long task", "m1"),
		SessionKey: "main",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first run never started")
	}

	job := &cron.Job{ID: "wake", Kind: cron.KindAgent, Message: "check in", Wake: true}
	out, err := a.runCronJob(ctx, job)
	if err != nil {
		t.Fatalf("runCronJob: %v", err)
	}
	if out != "queued behind the active run" {
		t.Fatalf("output = %q", out)
	}

	close(runner.block)
}
