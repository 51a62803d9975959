package providers

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

const defaultBedrockModel = "anthropic.claude-sonnet-4-20250514-v1:0"

// Bedrock streams completions from AWS Bedrock via the Converse API.
type Bedrock struct {
	base
	client       *bedrockruntime.Client
	defaultModel string
	region       string
}

// BedrockConfig configures a Bedrock provider. With no explicit keys
// the default AWS credential chain applies (env, profile, IAM role).
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
}

func NewBedrock(ctx context.Context, cfg BedrockConfig) (*Bedrock, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultBedrockModel
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
	}

	return &Bedrock{
		base:         newBase("bedrock", 0, 0),
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
		region:       cfg.Region,
	}, nil
}

func (p *Bedrock) Name() string { return "bedrock" }

// DefaultModel returns the model used when a request names none.
func (p *Bedrock) DefaultModel() string { return p.defaultModel }

func (p *Bedrock) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	model := p.model(req.Model)
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: convertBedrockMessages(req.Messages),
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(p.maxTokens(req.MaxTokens))),
		},
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}

	var stream *bedrockruntime.ConverseStreamOutput
	err := p.retry(ctx, IsRetryable, func() error {
		var serr error
		stream, serr = p.client.ConverseStream(ctx, input)
		return wrapErr("bedrock", model, serr)
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan Chunk)
	go p.processStream(ctx, stream, chunks, model)
	return chunks, nil
}

func (p *Bedrock) processStream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, chunks chan<- Chunk, model string) {
	defer close(chunks)

	eventStream := stream.GetStream()
	defer eventStream.Close()

	var inputTokens, outputTokens int
	var stopReason string

	done := func() Chunk {
		return Chunk{
			Done:         true,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			StopReason:   stopReason,
		}
	}

	events := eventStream.Events()
	for {
		select {
		case <-ctx.Done():
			chunks <- Chunk{Err: ctx.Err()}
			return
		case event, ok := <-events:
			if !ok {
				if err := eventStream.Err(); err != nil {
					chunks <- Chunk{Err: wrapErr("bedrock", model, err)}
					return
				}
				chunks <- done()
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				if delta, ok := ev.Value.Delta.(*types.ContentBlockDeltaMemberText); ok && delta.Value != "" {
					chunks <- Chunk{Text: delta.Value}
				}

			case *types.ConverseStreamOutputMemberMessageStop:
				// Usage rides a trailing metadata event, so keep reading.
				stopReason = string(ev.Value.StopReason)

			case *types.ConverseStreamOutputMemberMetadata:
				if ev.Value.Usage != nil {
					inputTokens = int(aws.ToInt32(ev.Value.Usage.InputTokens))
					outputTokens = int(aws.ToInt32(ev.Value.Usage.OutputTokens))
				}
				chunks <- done()
				return
			}
		}
	}
}

func convertBedrockMessages(messages []Message) []types.Message {
	out := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		role := types.ConversationRoleUser
		if msg.Role == RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		out = append(out, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: msg.Content}},
		})
	}
	return out
}

func (p *Bedrock) model(requested string) string {
	if requested != "" {
		return requested
	}
	return p.defaultModel
}
