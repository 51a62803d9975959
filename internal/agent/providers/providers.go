// Package providers holds the streaming clients behind the agent
// engine, one thin wrapper per LLM SDK.
package providers

import (
	"context"
	"math"
	"time"
)

// Provider is a streaming completion client.
type Provider interface {
	// Name is the stable lowercase id used in config and status output.
	Name() string

	// Stream sends one completion request. The returned channel closes
	// after the first chunk with Done or Err set.
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)
}

// Request is one completion call.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	MaxTokens int

	// Thinking enables extended reasoning on engines that support it;
	// ThinkingBudget caps its tokens (0 picks the engine default).
	Thinking       bool
	ThinkingBudget int
}

// Message is one conversation turn.
type Message struct {
	Role    string
	Content string
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Chunk is one streamed response fragment. Token counts and the stop
// reason ride the terminal chunk.
type Chunk struct {
	Text     string
	Thinking string

	Done bool
	Err  error

	InputTokens  int
	OutputTokens int
	StopReason   string
}

// DefaultMaxTokens applies when a request does not set a limit.
const DefaultMaxTokens = 4096

// base holds the shared retry settings for provider clients.
type base struct {
	name       string
	maxRetries int
	retryDelay time.Duration
}

func newBase(name string, maxRetries int, retryDelay time.Duration) base {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return base{name: name, maxRetries: maxRetries, retryDelay: retryDelay}
}

// retry runs op with exponential backoff while shouldRetry approves the
// failure. The final error is returned unwrapped.
func (b base) retry(ctx context.Context, shouldRetry func(error) bool, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= b.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if shouldRetry == nil || !shouldRetry(lastErr) || attempt >= b.maxRetries {
			return lastErr
		}
		backoff := time.Duration(float64(b.retryDelay) * math.Pow(2, float64(attempt-1)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}

func (b base) maxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return DefaultMaxTokens
}
