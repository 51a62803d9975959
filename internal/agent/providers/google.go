package providers

import (
	"context"
	"errors"

	"google.golang.org/genai"
)

const defaultGoogleModel = "gemini-2.0-flash"

// Google streams completions from the Gemini API.
type Google struct {
	base
	client       *genai.Client
	defaultModel string
}

// GoogleConfig configures a Google provider. APIKey is required.
type GoogleConfig struct {
	APIKey       string
	DefaultModel string
}

func NewGoogle(ctx context.Context, cfg GoogleConfig) (*Google, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultGoogleModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return &Google{
		base:         newBase("google", 0, 0),
		client:       client,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *Google) Name() string { return "google" }

// DefaultModel returns the model used when a request names none.
func (p *Google) DefaultModel() string { return p.defaultModel }

func (p *Google) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	chunks := make(chan Chunk)
	model := p.model(req.Model)

	go func() {
		defer close(chunks)

		contents := convertGoogleMessages(req.Messages)
		config := &genai.GenerateContentConfig{
			MaxOutputTokens: int32(p.maxTokens(req.MaxTokens)),
		}
		if req.System != "" {
			config.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: req.System}},
			}
		}

		emitted := false
		var inputTokens, outputTokens int
		var stopReason string

		err := p.retry(ctx, func(err error) bool {
			// Never retry once text has gone out; a second pass would
			// duplicate it.
			return !emitted && IsRetryable(err)
		}, func() error {
			iter := p.client.Models.GenerateContentStream(ctx, model, contents, config)
			for resp, err := range iter {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if err != nil {
					return wrapErr("google", model, err)
				}
				if resp == nil {
					continue
				}
				if resp.UsageMetadata != nil {
					inputTokens = int(resp.UsageMetadata.PromptTokenCount)
					outputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
				}
				for _, candidate := range resp.Candidates {
					if candidate == nil {
						continue
					}
					if candidate.FinishReason != "" {
						stopReason = string(candidate.FinishReason)
					}
					if candidate.Content == nil {
						continue
					}
					for _, part := range candidate.Content.Parts {
						if part != nil && part.Text != "" {
							emitted = true
							chunks <- Chunk{Text: part.Text}
						}
					}
				}
			}
			return nil
		})
		if err != nil {
			chunks <- Chunk{Err: err}
			return
		}

		chunks <- Chunk{
			Done:         true,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			StopReason:   stopReason,
		}
	}()

	return chunks, nil
}

func convertGoogleMessages(messages []Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		role := genai.RoleUser
		if msg.Role == RoleAssistant {
			role = genai.RoleModel
		}
		out = append(out, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		})
	}
	return out
}

func (p *Google) model(requested string) string {
	if requested != "" {
		return requested
	}
	return p.defaultModel
}
