package slack

import (
	"context"
	"io"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
)

// apiClient wraps the Web API surface the adapter uses so tests can
// substitute a fake.
type apiClient interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UploadFileV2Context(ctx context.Context, params slack.UploadFileV2Parameters) (*slack.FileSummary, error)
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
	GetConversationInfoContext(ctx context.Context, input *slack.GetConversationInfoInput) (*slack.Channel, error)
	GetFileContext(ctx context.Context, downloadURL string, writer io.Writer) error
}

var _ apiClient = (*slack.Client)(nil)

// socketClient wraps the Socket Mode connection. The real client
// exposes Events as a channel field, so the wrapper turns it into a
// method the fake can implement.
type socketClient interface {
	RunContext(ctx context.Context) error
	Ack(req socketmode.Request, payload ...interface{})
	Events() <-chan socketmode.Event
}

type realSocketClient struct {
	*socketmode.Client
}

func (r *realSocketClient) Events() <-chan socketmode.Event { return r.Client.Events }

// newRealClients builds the production Web API and Socket Mode pair.
func newRealClients(botToken, appToken string) (apiClient, socketClient) {
	api := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	return api, &realSocketClient{Client: socketmode.New(api)}
}
