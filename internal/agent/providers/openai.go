package providers

import (
	"context"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAI streams completions from the Chat Completions API. It also
// covers OpenAI-compatible endpoints via BaseURL.
type OpenAI struct {
	base
	client       *openai.Client
	defaultModel string
}

// OpenAIConfig configures an OpenAI provider. APIKey is required.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultOpenAIModel
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		base:         newBase("openai", 0, 0),
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *OpenAI) Name() string { return "openai" }

// DefaultModel returns the model used when a request names none.
func (p *OpenAI) DefaultModel() string { return p.defaultModel }

func (p *OpenAI) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	model := p.model(req.Model)
	chatReq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  convertOpenAIMessages(req.Messages, req.System),
		MaxTokens: p.maxTokens(req.MaxTokens),
		Stream:    true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}

	var stream *openai.ChatCompletionStream
	err := p.retry(ctx, IsRetryable, func() error {
		var serr error
		stream, serr = p.client.CreateChatCompletionStream(ctx, chatReq)
		return wrapErr("openai", model, serr)
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan Chunk)
	go p.processStream(ctx, stream, chunks, model)
	return chunks, nil
}

func (p *OpenAI) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- Chunk, model string) {
	defer close(chunks)
	defer stream.Close()

	var inputTokens, outputTokens int
	var stopReason string

	for {
		select {
		case <-ctx.Done():
			chunks <- Chunk{Err: ctx.Err()}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				chunks <- Chunk{
					Done:         true,
					InputTokens:  inputTokens,
					OutputTokens: outputTokens,
					StopReason:   stopReason,
				}
				return
			}
			chunks <- Chunk{Err: wrapErr("openai", model, err)}
			return
		}

		// The usage-only frame arrives after the last choice frame.
		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		if choice.Delta.Content != "" {
			chunks <- Chunk{Text: choice.Delta.Content}
		}
		if choice.FinishReason != "" {
			stopReason = string(choice.FinishReason)
		}
	}
}

func convertOpenAIMessages(messages []Message, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range messages {
		role := openai.ChatMessageRoleUser
		if msg.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}
	return out
}

func (p *OpenAI) model(requested string) string {
	if requested != "" {
		return requested
	}
	return p.defaultModel
}
