package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// maxEmptyStreamEvents bounds consecutive events that yield no output
// before the stream is treated as malformed.
const maxEmptyStreamEvents = 300

// Anthropic streams completions from the Claude Messages API.
type Anthropic struct {
	base
	client       anthropic.Client
	defaultModel string
}

// AnthropicConfig configures an Anthropic provider. APIKey is required.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultAnthropicModel
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{
		base:         newBase("anthropic", 0, 0),
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *Anthropic) Name() string { return "anthropic" }

// DefaultModel returns the model used when a request names none.
func (p *Anthropic) DefaultModel() string { return p.defaultModel }

func (p *Anthropic) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	chunks := make(chan Chunk)
	model := p.model(req.Model)

	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		err := p.retry(ctx, IsRetryable, func() error {
			stream = p.createStream(ctx, req, model)
			// NewStreaming defers request errors to the first Next/Err.
			if !stream.Next() {
				if serr := stream.Err(); serr != nil {
					return wrapErr("anthropic", model, serr)
				}
				return wrapErr("anthropic", model, errors.New("stream ended before first event"))
			}
			return nil
		})
		if err != nil {
			chunks <- Chunk{Err: err}
			return
		}

		p.processStream(stream, chunks, model)
	}()

	return chunks, nil
}

func (p *Anthropic) createStream(ctx context.Context, req *Request, model string) *ssestream.Stream[anthropic.MessageStreamEventUnion] {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  convertAnthropicMessages(req.Messages),
		MaxTokens: int64(p.maxTokens(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.Thinking {
		budget := int64(req.ThinkingBudget)
		if budget < 1024 {
			budget = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}
	return p.client.Messages.NewStreaming(ctx, params)
}

// processStream drains SSE events into chunks. The caller has already
// consumed the first event via stream.Next, so Current is valid on
// entry.
func (p *Anthropic) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- Chunk, model string) {
	var inputTokens, outputTokens int
	var stopReason string
	emptyEvents := 0

	for ok := true; ok; ok = stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- Chunk{Text: delta.Text}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- Chunk{Thinking: delta.Thinking}
					processed = true
				}
			}

		case "content_block_start", "content_block_stop":
			processed = true

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}
			if md.Delta.StopReason != "" {
				stopReason = string(md.Delta.StopReason)
			}
			processed = true

		case "message_stop":
			chunks <- Chunk{
				Done:         true,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
				StopReason:   stopReason,
			}
			return

		case "error":
			chunks <- Chunk{Err: wrapErr("anthropic", model, errors.New("stream error event"))}
			return
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				chunks <- Chunk{Err: wrapErr("anthropic", model,
					fmt.Errorf("malformed stream: %d consecutive empty events", emptyEvents))}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- Chunk{Err: wrapErr("anthropic", model, err)}
		return
	}
	// Stream ended without message_stop; report what we have.
	chunks <- Chunk{
		Done:         true,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		StopReason:   stopReason,
	}
}

func convertAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}

func (p *Anthropic) model(requested string) string {
	if requested != "" {
		return requested
	}
	return p.defaultModel
}
