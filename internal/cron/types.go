// Package cron runs the named jobs declared under the cron config root:
// one-shot (`at`), fixed-interval (`every`), and cron-expression
// schedules, with message, agent, and webhook payloads.
package cron

import (
	"context"
	"time"

	"github.com/clawdis/clawdis/pkg/models"
)

// Kind identifies the payload a job carries.
type Kind string

const (
	// KindMessage delivers fixed text through a channel route.
	KindMessage Kind = "message"
	// KindAgent synthesizes an envelope and runs it through the agent.
	KindAgent Kind = "agent"
	// KindWebhook performs an HTTP request.
	KindWebhook Kind = "webhook"
)

// Job is one scheduled job with its runtime bookkeeping.
type Job struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Kind    Kind   `json:"kind"`
	Enabled bool   `json:"enabled"`

	Schedule Schedule `json:"schedule"`

	// Message is the outbound text (message) or the agent prompt (agent).
	Message string `json:"message,omitempty"`
	// Channel/To route message jobs and pin agent delivery.
	Channel models.ChannelType `json:"channel,omitempty"`
	To      string             `json:"to,omitempty"`
	// Wake runs agent jobs through the main session lane instead of an
	// isolated cron:<id> lane.
	Wake bool `json:"wake,omitempty"`

	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	NextRun   time.Time `json:"nextRun,omitempty"`
	LastRun   time.Time `json:"lastRun,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

// MessageSender delivers message-kind payloads.
type MessageSender interface {
	Send(ctx context.Context, channel models.ChannelType, to, text string) error
}

// MessageSenderFunc adapts a function to a MessageSender.
type MessageSenderFunc func(ctx context.Context, channel models.ChannelType, to, text string) error

func (f MessageSenderFunc) Send(ctx context.Context, channel models.ChannelType, to, text string) error {
	return f(ctx, channel, to, text)
}

// AgentRunner executes agent-kind payloads. The returned text is stored
// as the execution output.
type AgentRunner interface {
	Run(ctx context.Context, job *Job) (string, error)
}

// AgentRunnerFunc adapts a function to an AgentRunner.
type AgentRunnerFunc func(ctx context.Context, job *Job) (string, error)

func (f AgentRunnerFunc) Run(ctx context.Context, job *Job) (string, error) {
	return f(ctx, job)
}

// SessionKey returns the lane an agent job runs in.
func (j *Job) SessionKey(mainKey string) string {
	if j.Wake {
		return mainKey
	}
	return "cron:" + j.ID
}
