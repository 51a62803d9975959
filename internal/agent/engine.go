// Package agent runs one inbound envelope against an LLM engine: it
// composes the prompt from session context, parses leading directives,
// streams the reply, and turns the outcome into a tagged RunResult the
// scheduler can inspect without unwrapping errors.
package agent

import (
	"context"

	"github.com/clawdis/clawdis/internal/agent/providers"
)

// Kind tags a RunResult.
type Kind string

const (
	// KindReply is a normal assistant reply.
	KindReply Kind = "reply"
	// KindDirective is a directive acknowledgement; the engine was never
	// dispatched.
	KindDirective Kind = "directive"
	// KindContextOverflow is the fixed fallback reply produced when the
	// conversation no longer fits the model's context window.
	KindContextOverflow Kind = "context-overflow"
)

// Request is one engine invocation.
type Request struct {
	// Provider selects the streaming client; empty uses the default.
	Provider string
	Model    string
	System   string
	// Messages is the conversation so far, ending with the current user
	// turn.
	Messages []providers.Message
	// Thinking is a level name (off|low|medium|high); the engine maps it
	// to a token budget where the provider supports reasoning.
	Thinking string
}

// Meta summarizes a completed stream. Token counts accumulate across
// steer continuations within the same run.
type Meta struct {
	Model        string `json:"model,omitempty"`
	StopReason   string `json:"stopReason,omitempty"`
	InputTokens  int    `json:"inputTokens,omitempty"`
	OutputTokens int    `json:"outputTokens,omitempty"`
}

// Event is one streamed engine signal. The stream closes after the
// first event with Done or Err set; Meta rides the Done event.
type Event struct {
	Text     string
	Thinking string
	Done     bool
	Meta     *Meta
	Err      error
}

// Stream is a live engine run.
type Stream interface {
	// Events yields stream events in engine order. The channel closes
	// after the terminal event.
	Events() <-chan Event

	// Steer injects text as a mid-run user turn. It reports false when
	// the run has already finished or cannot accept more input.
	Steer(text string) bool
}

// Engine produces completion streams. Implementations may multiplex
// concurrent runs; the scheduler serializes per session key, not here.
type Engine interface {
	Name() string
	Stream(ctx context.Context, req *Request) (Stream, error)
}
