package telegram

import (
	"context"

	"github.com/go-telegram/bot"
	tg "github.com/go-telegram/bot/models"
)

// BotClient wraps the bot.Bot methods the adapter uses, so tests can
// substitute a fake without a network.
type BotClient interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tg.Message, error)
	SendPhoto(ctx context.Context, params *bot.SendPhotoParams) (*tg.Message, error)
	SendDocument(ctx context.Context, params *bot.SendDocumentParams) (*tg.Message, error)
	SendAudio(ctx context.Context, params *bot.SendAudioParams) (*tg.Message, error)
	SendVoice(ctx context.Context, params *bot.SendVoiceParams) (*tg.Message, error)
	SendVideo(ctx context.Context, params *bot.SendVideoParams) (*tg.Message, error)
	SendPoll(ctx context.Context, params *bot.SendPollParams) (*tg.Message, error)
	SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error)
	GetFile(ctx context.Context, params *bot.GetFileParams) (*tg.File, error)
	FileDownloadLink(f *tg.File) string
	GetMe(ctx context.Context) (*tg.User, error)

	// Start runs the long-poll loop until ctx ends.
	Start(ctx context.Context)
}

// realBotClient wraps a *bot.Bot.
type realBotClient struct {
	bot *bot.Bot
}

// newRealBotClient constructs the production client with the update
// handler attached.
func newRealBotClient(token string, handler bot.HandlerFunc) (BotClient, error) {
	b, err := bot.New(token, bot.WithDefaultHandler(handler))
	if err != nil {
		return nil, err
	}
	return &realBotClient{bot: b}, nil
}

func (r *realBotClient) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tg.Message, error) {
	return r.bot.SendMessage(ctx, params)
}

func (r *realBotClient) SendPhoto(ctx context.Context, params *bot.SendPhotoParams) (*tg.Message, error) {
	return r.bot.SendPhoto(ctx, params)
}

func (r *realBotClient) SendDocument(ctx context.Context, params *bot.SendDocumentParams) (*tg.Message, error) {
	return r.bot.SendDocument(ctx, params)
}

func (r *realBotClient) SendAudio(ctx context.Context, params *bot.SendAudioParams) (*tg.Message, error) {
	return r.bot.SendAudio(ctx, params)
}

func (r *realBotClient) SendVoice(ctx context.Context, params *bot.SendVoiceParams) (*tg.Message, error) {
	return r.bot.SendVoice(ctx, params)
}

func (r *realBotClient) SendVideo(ctx context.Context, params *bot.SendVideoParams) (*tg.Message, error) {
	return r.bot.SendVideo(ctx, params)
}

func (r *realBotClient) SendPoll(ctx context.Context, params *bot.SendPollParams) (*tg.Message, error) {
	return r.bot.SendPoll(ctx, params)
}

func (r *realBotClient) SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error) {
	return r.bot.SendChatAction(ctx, params)
}

func (r *realBotClient) GetFile(ctx context.Context, params *bot.GetFileParams) (*tg.File, error) {
	return r.bot.GetFile(ctx, params)
}

func (r *realBotClient) FileDownloadLink(f *tg.File) string {
	return r.bot.FileDownloadLink(f)
}

func (r *realBotClient) GetMe(ctx context.Context) (*tg.User, error) {
	return r.bot.GetMe(ctx)
}

func (r *realBotClient) Start(ctx context.Context) {
	r.bot.Start(ctx)
}
