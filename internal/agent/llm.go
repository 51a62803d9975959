package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/clawdis/clawdis/internal/agent/providers"
	"github.com/clawdis/clawdis/internal/observability"
)

// Thinking budgets per level, in tokens.
var thinkingBudgets = map[string]int{
	"low":    2048,
	"medium": 8192,
	"high":   16384,
}

// providerSource is the slice of providers.Registry the engine needs.
type providerSource interface {
	Get(name string) (providers.Provider, error)
	RecordError(name string, err error)
	RecordSuccess(name string)
}

// LLMEngine streams completions through the provider registry. Steered
// input is buffered and replayed as an extra user turn once the current
// completion finishes, so one Run can span several provider calls.
type LLMEngine struct {
	source providerSource
	logger *slog.Logger
}

func NewLLMEngine(source providerSource, logger *slog.Logger) *LLMEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMEngine{
		source: source,
		logger: logger.With("component", "agent"),
	}
}

func (e *LLMEngine) Name() string { return "llm" }

func (e *LLMEngine) Stream(ctx context.Context, req *Request) (Stream, error) {
	provider, err := e.source.Get(req.Provider)
	if err != nil {
		return nil, err
	}
	s := &llmStream{
		events: make(chan Event, 16),
		steer:  make(chan string, 8),
		done:   make(chan struct{}),
	}
	go s.run(ctx, e, provider, req)
	return s, nil
}

type llmStream struct {
	events chan Event
	steer  chan string

	mu   sync.Mutex
	done chan struct{}
}

func (s *llmStream) Events() <-chan Event { return s.events }

func (s *llmStream) Steer(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.steer <- text:
		return true
	default:
		return false
	}
}

func (s *llmStream) finish() {
	s.mu.Lock()
	close(s.done)
	s.mu.Unlock()
	close(s.events)
}

func (s *llmStream) run(ctx context.Context, e *LLMEngine, provider providers.Provider, req *Request) {
	defer s.finish()

	messages := make([]providers.Message, len(req.Messages))
	copy(messages, req.Messages)

	preq := providers.Request{
		Model:  req.Model,
		System: req.System,
	}
	if budget, ok := thinkingBudgets[strings.ToLower(req.Thinking)]; ok {
		preq.Thinking = true
		preq.ThinkingBudget = budget
	}

	model := modelName(preq.Model, provider)
	meta := Meta{}
	for {
		preq.Messages = messages

		roundStart := time.Now()
		roundCtx, span := observability.StartSpan(ctx, "engine.request",
			"provider", provider.Name(),
			"model", model,
		)
		chunks, err := provider.Stream(roundCtx, &preq)
		if err != nil {
			observability.EndSpan(span, err)
			e.source.RecordError(provider.Name(), err)
			s.events <- Event{Err: err}
			return
		}

		var text strings.Builder
		finished := false
		roundIn, roundOut := 0, 0
		for chunk := range chunks {
			if chunk.Err != nil {
				observability.EndSpan(span, chunk.Err)
				e.source.RecordError(provider.Name(), chunk.Err)
				s.events <- Event{Err: chunk.Err}
				return
			}
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
				s.events <- Event{Text: chunk.Text}
			}
			if chunk.Thinking != "" {
				s.events <- Event{Thinking: chunk.Thinking}
			}
			if chunk.Done {
				roundIn = chunk.InputTokens
				roundOut = chunk.OutputTokens
				meta.InputTokens += chunk.InputTokens
				meta.OutputTokens += chunk.OutputTokens
				if chunk.StopReason != "" {
					meta.StopReason = chunk.StopReason
				}
				finished = true
				break
			}
		}
		if !finished {
			// Channel closed without a terminal chunk.
			if ctx.Err() != nil {
				observability.EndSpan(span, ctx.Err())
				s.events <- Event{Err: ctx.Err()}
				return
			}
		}
		observability.EndSpan(span, nil)
		observability.Default().RecordEngineRequest(provider.Name(), model, time.Since(roundStart), roundIn, roundOut)
		e.source.RecordSuccess(provider.Name())

		steered := s.drainSteer()
		if len(steered) == 0 {
			meta.Model = model
			s.events <- Event{Done: true, Meta: &meta}
			return
		}

		// Continue the same run: the reply so far becomes an assistant
		// turn, then the steered input follows as user turns.
		e.logger.Debug("continuing run with steered input", "turns", len(steered))
		if text.Len() > 0 {
			messages = append(messages, providers.Message{
				Role:    providers.RoleAssistant,
				Content: text.String(),
			})
		}
		for _, t := range steered {
			messages = append(messages, providers.Message{
				Role:    providers.RoleUser,
				Content: t,
			})
		}
	}
}

func (s *llmStream) drainSteer() []string {
	var out []string
	for {
		select {
		case t := <-s.steer:
			out = append(out, t)
		default:
			return out
		}
	}
}

func modelName(requested string, provider providers.Provider) string {
	if requested != "" {
		return requested
	}
	if d, ok := provider.(interface{ DefaultModel() string }); ok {
		return d.DefaultModel()
	}
	return ""
}
