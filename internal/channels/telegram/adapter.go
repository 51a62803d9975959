// Package telegram runs a Telegram bot over long polling. Replies are
// rendered as MarkdownV2 with a plain-text fallback when Telegram
// rejects the formatting.
package telegram

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	"github.com/go-telegram/bot"
	tg "github.com/go-telegram/bot/models"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/media"
	"github.com/clawdis/clawdis/pkg/models"
)

const (
	// pollMaxOptions is the Telegram poll option cap.
	pollMaxOptions = 10

	// sendRate matches Telegram's documented ~30 msg/s bot limit.
	sendRate  = 30
	sendBurst = 20
)

// topicSeparator splits a reply target into chat id and forum topic.
const topicSeparator = ":topic:"

// Adapter is the Telegram surface.
type Adapter struct {
	cfg    config.TelegramConfig
	logger *slog.Logger
	loader *media.Loader

	// newClient is swapped by tests.
	newClient func(token string, handler bot.HandlerFunc) (BotClient, error)

	mu          sync.Mutex
	client      BotClient
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	botID       int64
	botUsername string

	limiter   *channels.RateLimiter
	envelopes chan *models.Envelope

	statusMu  sync.RWMutex
	status    channels.Status
	setStatus func(channels.Status)
	now       func() time.Time
}

// New creates the adapter. The bot connection is made in StartAccount.
func New(cfg config.TelegramConfig) *Adapter {
	return &Adapter{
		cfg:       cfg,
		logger:    slog.Default(),
		newClient: newRealBotClient,
		limiter:   channels.NewRateLimiter(sendRate, sendBurst),
		envelopes: make(chan *models.Envelope, 100),
		status:    channels.Status{State: channels.StateStopped},
		now:       time.Now,
	}
}

func (a *Adapter) Dock() channels.Dock { return channels.DockFor(models.ChannelTelegram) }

func (a *Adapter) Capabilities() channels.Capabilities {
	return channels.DefaultCapabilities(models.ChannelTelegram)
}

func (a *Adapter) IsEnabled() bool    { return a.cfg.Enabled }
func (a *Adapter) IsConfigured() bool { return a.cfg.BotToken != "" }

// StartAccount validates the token with getMe and starts the long-poll
// loop.
func (a *Adapter) StartAccount(ctx context.Context, rt *channels.RuntimeContext) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if rt != nil {
		if rt.Logger != nil {
			a.logger = rt.Logger
		}
		a.setStatus = rt.SetStatus
		a.now = rt.Clock()
	}
	if a.loader == nil {
		a.loader = media.NewLoader(a.cfg.MediaMaxMB, a.logger)
	}
	if a.client != nil {
		return nil
	}
	if a.cfg.BotToken == "" {
		err := channels.ErrConfig("telegram bot token is missing", nil)
		a.publishStatus(channels.Status{State: channels.StateError, Error: err.Message})
		return err
	}
	a.publishStatus(channels.Status{State: channels.StateStarting})

	client, err := a.newClient(a.cfg.BotToken, a.handleUpdate)
	if err != nil {
		werr := channels.ErrAuth("create telegram bot", err)
		a.publishStatus(channels.Status{State: channels.StateError, Error: werr.Message})
		return werr
	}

	me, err := client.GetMe(ctx)
	if err != nil {
		werr := classifyTelegramError("", err)
		a.publishStatus(channels.Status{State: channels.StateError, Error: werr.Error()})
		return werr
	}
	a.client = client
	a.botID = me.ID
	a.botUsername = me.Username

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		client.Start(runCtx)
	}()

	a.logger.Info("telegram connected", "username", me.Username, "botId", me.ID)
	a.publishStatus(channels.Status{
		State: channels.StateRunning, Connected: true, LastPing: a.now().Unix(),
	})
	return nil
}

// StopAccount ends the long-poll loop.
func (a *Adapter) StopAccount(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.wg.Wait()
	a.client = nil
	a.publishStatus(channels.Status{State: channels.StateStopped})
	return nil
}

// SendText sends one fragment as MarkdownV2, falling back to plain text
// when Telegram rejects the entities.
func (a *Adapter) SendText(ctx context.Context, to, text string) error {
	client, err := a.runningClient()
	if err != nil {
		return err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return channels.ErrAborted("rate limit wait", err)
	}
	chatID, topicID, err := parseTarget(to)
	if err != nil {
		return err
	}

	params := &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      telegramify(text),
		ParseMode: tg.ParseModeMarkdown,
	}
	if topicID > 0 {
		params.MessageThreadID = topicID
	}
	_, err = client.SendMessage(ctx, params)
	if isParseError(err) {
		// Markdown rejected upstream: retry the raw chunk without a
		// parse mode so it still delivers.
		plain := &bot.SendMessageParams{ChatID: chatID, Text: text}
		if topicID > 0 {
			plain.MessageThreadID = topicID
		}
		_, err = client.SendMessage(ctx, plain)
	}
	if err != nil {
		return classifyTelegramError(to, err)
	}
	return nil
}

// SendMedia uploads the payload by kind: photo, voice note, audio,
// video, or document.
func (a *Adapter) SendMedia(ctx context.Context, to string, payload *models.Payload) error {
	client, err := a.runningClient()
	if err != nil {
		return err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return channels.ErrAborted("rate limit wait", err)
	}
	chatID, topicID, err := parseTarget(to)
	if err != nil {
		return err
	}
	loaded, err := a.mediaLoader().Load(ctx, payload.MediaURL)
	if err != nil {
		return channels.ErrInvalidInput("load media", err)
	}

	upload := &tg.InputFileUpload{
		Filename: loaded.FileName,
		Data:     bytes.NewReader(loaded.Data),
	}
	caption := payload.Text

	switch {
	case payload.IsVoice && loaded.Kind == media.KindAudio:
		_, err = client.SendVoice(ctx, &bot.SendVoiceParams{
			ChatID: chatID, Voice: upload, Caption: caption, MessageThreadID: topicID,
		})
	case loaded.Kind == media.KindImage:
		_, err = client.SendPhoto(ctx, &bot.SendPhotoParams{
			ChatID: chatID, Photo: upload, Caption: caption, MessageThreadID: topicID,
		})
	case loaded.Kind == media.KindAudio:
		_, err = client.SendAudio(ctx, &bot.SendAudioParams{
			ChatID: chatID, Audio: upload, Caption: caption, MessageThreadID: topicID,
		})
	case loaded.Kind == media.KindVideo:
		_, err = client.SendVideo(ctx, &bot.SendVideoParams{
			ChatID: chatID, Video: upload, Caption: caption, MessageThreadID: topicID,
		})
	default:
		_, err = client.SendDocument(ctx, &bot.SendDocumentParams{
			ChatID: chatID, Document: upload, Caption: caption, MessageThreadID: topicID,
		})
	}
	if err != nil {
		return classifyTelegramError(to, err)
	}
	return nil
}

// SendPoll sends a native anonymous poll.
func (a *Adapter) SendPoll(ctx context.Context, to, question string, options []string) error {
	client, err := a.runningClient()
	if err != nil {
		return err
	}
	if len(options) > pollMaxOptions {
		return channels.ErrInvalidInput(
			fmt.Sprintf("poll supports at most %d options, got %d", pollMaxOptions, len(options)), nil)
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return channels.ErrAborted("rate limit wait", err)
	}
	chatID, topicID, err := parseTarget(to)
	if err != nil {
		return err
	}
	pollOptions := make([]tg.InputPollOption, 0, len(options))
	for _, o := range options {
		pollOptions = append(pollOptions, tg.InputPollOption{Text: o})
	}
	_, err = client.SendPoll(ctx, &bot.SendPollParams{
		ChatID:          chatID,
		Question:        question,
		Options:         pollOptions,
		MessageThreadID: topicID,
	})
	if err != nil {
		return classifyTelegramError(to, err)
	}
	return nil
}

// PollMaxOptions returns the Telegram option cap.
func (a *Adapter) PollMaxOptions() int { return pollMaxOptions }

// SetTyping shows the typing action. Telegram expires it on its own, so
// deactivation is a no-op.
func (a *Adapter) SetTyping(ctx context.Context, to string, active bool) error {
	if !active {
		return nil
	}
	client, err := a.runningClient()
	if err != nil {
		return err
	}
	chatID, topicID, err := parseTarget(to)
	if err != nil {
		return err
	}
	_, err = client.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID, Action: tg.ChatActionTyping, MessageThreadID: topicID,
	})
	if err != nil {
		return classifyTelegramError(to, err)
	}
	return nil
}

// Probe checks the API with getMe.
func (a *Adapter) Probe(ctx context.Context) channels.HealthStatus {
	start := a.now()
	hs := channels.HealthStatus{LastCheck: start}
	client, err := a.runningClient()
	if err != nil {
		hs.Message = "not running"
		return hs
	}
	_, err = client.GetMe(ctx)
	hs.Latency = a.now().Sub(start)
	if err != nil {
		hs.Message = err.Error()
		return hs
	}
	hs.Healthy = true
	hs.Message = "connected"
	return hs
}

// HeartbeatReadiness vetoes heartbeats while the bot is down.
func (a *Adapter) HeartbeatReadiness() channels.Readiness {
	a.mu.Lock()
	running := a.client != nil
	a.mu.Unlock()
	if !running {
		return channels.Readiness{Ready: false, Reason: "telegram-not-running"}
	}
	return channels.Readiness{Ready: true}
}

// ConfigPrefixes scopes hot reload to this surface's config subtree.
func (a *Adapter) ConfigPrefixes() []string { return []string{"channels.telegram"} }

// ApplyConfig swaps in fresh channel config; the registry calls it
// only while the adapter is stopped.
func (a *Adapter) ApplyConfig(cfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg.Channels.Telegram
}

func (a *Adapter) Envelopes() <-chan *models.Envelope { return a.envelopes }

func (a *Adapter) Status() channels.Status {
	a.statusMu.RLock()
	defer a.statusMu.RUnlock()
	return a.status
}

func (a *Adapter) publishStatus(st channels.Status) {
	a.statusMu.Lock()
	a.status = st
	sink := a.setStatus
	a.statusMu.Unlock()
	if sink != nil {
		sink(st)
	}
}

func (a *Adapter) mediaLoader() *media.Loader {
	if a.loader == nil {
		a.loader = media.NewLoader(a.cfg.MediaMaxMB, a.logger)
	}
	return a.loader
}

func (a *Adapter) runningClient() (BotClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil, channels.ErrTransient("telegram is not running", nil)
	}
	return a.client, nil
}

// handleUpdate is the default bot handler for long-poll updates.
func (a *Adapter) handleUpdate(ctx context.Context, _ *bot.Bot, update *tg.Update) {
	if update == nil || update.Message == nil {
		return
	}
	msg := update.Message
	if msg.From == nil || msg.From.IsBot {
		return
	}
	a.mu.Lock()
	botID, botUsername := a.botID, a.botUsername
	a.mu.Unlock()

	env, file := buildEnvelope(msg, botID, botUsername)
	if env == nil {
		return
	}
	if file != nil {
		a.fetchInbound(ctx, file, env)
	}
	if env.Body == "" && !env.HasMedia() {
		return
	}
	a.statusMu.Lock()
	a.status.LastPing = a.now().Unix()
	a.statusMu.Unlock()
	a.emit(env)
}

// inboundFile identifies an attachment to pull through getFile.
type inboundFile struct {
	fileID string
	mime   string
}

// buildEnvelope maps a Telegram message onto the normalized envelope
// and reports the attachment to download, if any.
func buildEnvelope(msg *tg.Message, botID int64, botUsername string) (*models.Envelope, *inboundFile) {
	env := &models.Envelope{
		Surface:   models.ChannelTelegram,
		From:      strconv.FormatInt(msg.Chat.ID, 10),
		MessageID: strconv.Itoa(msg.ID),
		Timestamp: time.Unix(int64(msg.Date), 0),
	}
	switch msg.Chat.Type {
	case tg.ChatTypePrivate:
		env.ChatType = models.ChatDirect
	case tg.ChatTypeChannel:
		env.ChatType = models.ChatChannel
		env.Room = msg.Chat.Title
	default:
		env.ChatType = models.ChatGroup
		env.GroupSubject = msg.Chat.Title
	}
	if msg.From != nil {
		env.SenderName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if msg.From.Username != "" {
			env.SenderIdentity = msg.From.Username
		} else {
			env.SenderIdentity = strconv.FormatInt(msg.From.ID, 10)
		}
	}
	if msg.IsTopicMessage && msg.MessageThreadID != 0 {
		env.ThreadID = strconv.Itoa(msg.MessageThreadID)
	}

	text := msg.Text
	entities := msg.Entities
	if text == "" {
		text = msg.Caption
		entities = msg.CaptionEntities
	}
	mentioned, body := detectMention(text, entities, botID, botUsername)
	env.Body = body
	env.WasMentioned = mentioned

	if reply := msg.ReplyToMessage; reply != nil {
		env.ReplyToID = strconv.Itoa(reply.ID)
		if reply.Text != "" {
			env.ReplyToBody = reply.Text
		} else {
			env.ReplyToBody = reply.Caption
		}
		if reply.From != nil {
			if reply.From.Username != "" {
				env.ReplyToSender = reply.From.Username
			} else {
				env.ReplyToSender = strconv.FormatInt(reply.From.ID, 10)
			}
			if reply.From.ID == botID {
				env.WasMentioned = true
			}
		}
	}

	return env, inboundFileFor(msg)
}

// inboundFileFor picks the attachment file id out of a message.
func inboundFileFor(msg *tg.Message) *inboundFile {
	switch {
	case len(msg.Photo) > 0:
		best := msg.Photo[len(msg.Photo)-1]
		return &inboundFile{fileID: best.FileID, mime: "image/jpeg"}
	case msg.Voice != nil:
		return &inboundFile{fileID: msg.Voice.FileID, mime: msg.Voice.MimeType}
	case msg.Audio != nil:
		return &inboundFile{fileID: msg.Audio.FileID, mime: msg.Audio.MimeType}
	case msg.Video != nil:
		return &inboundFile{fileID: msg.Video.FileID, mime: msg.Video.MimeType}
	case msg.Document != nil:
		return &inboundFile{fileID: msg.Document.FileID, mime: msg.Document.MimeType}
	}
	return nil
}

// detectMention scans entities for a reference to the bot and strips a
// leading @mention from the body.
func detectMention(text string, entities []tg.MessageEntity, botID int64, botUsername string) (bool, string) {
	mentioned := false
	handle := "@" + strings.ToLower(botUsername)
	for _, e := range entities {
		switch e.Type {
		case tg.MessageEntityTypeMention:
			if botUsername != "" && strings.ToLower(entityText(text, e)) == handle {
				mentioned = true
			}
		case tg.MessageEntityTypeTextMention:
			if e.User != nil && e.User.ID == botID {
				mentioned = true
			}
		}
	}
	body := text
	if mentioned && botUsername != "" {
		trimmed := strings.TrimSpace(body)
		if len(trimmed) >= len(handle) && strings.EqualFold(trimmed[:len(handle)], handle) {
			body = strings.TrimSpace(trimmed[len(handle):])
		}
	}
	return mentioned, body
}

// entityText slices an entity out of the message text. Telegram offsets
// count UTF-16 code units.
func entityText(text string, e tg.MessageEntity) string {
	u := utf16.Encode([]rune(text))
	if e.Offset < 0 || e.Length < 0 || e.Offset+e.Length > len(u) {
		return ""
	}
	return string(utf16.Decode(u[e.Offset : e.Offset+e.Length]))
}

// fetchInbound downloads an attachment into the local media dir.
func (a *Adapter) fetchInbound(ctx context.Context, file *inboundFile, env *models.Envelope) {
	client, err := a.runningClient()
	if err != nil {
		return
	}
	info, err := client.GetFile(ctx, &bot.GetFileParams{FileID: file.fileID})
	if err != nil {
		a.logger.Warn("resolve telegram file", "error", err)
		return
	}
	loaded, err := a.mediaLoader().Load(ctx, client.FileDownloadLink(info))
	if err != nil {
		a.logger.Warn("download telegram file", "error", err)
		return
	}
	mime := file.mime
	if mime == "" {
		mime = loaded.MIME
	}
	path, err := media.SaveInbound(loaded.Data, mime)
	if err != nil {
		a.logger.Warn("save telegram file", "error", err)
		return
	}
	env.Media = &models.Media{Path: path, MimeType: mime}
}

// parseTarget splits a reply address into chat id and forum topic.
// Numeric ids pass as int64 so the API accepts supergroup addressing;
// anything else (an @channelname) passes through as a string.
func parseTarget(to string) (chatID any, topicID int, err error) {
	raw := strings.TrimSpace(to)
	if raw == "" {
		return nil, 0, channels.ErrInvalidInput("empty recipient", nil)
	}
	if at := strings.Index(raw, topicSeparator); at >= 0 {
		topic := raw[at+len(topicSeparator):]
		topicID, err = strconv.Atoi(topic)
		if err != nil {
			return nil, 0, channels.ErrInvalidInput(fmt.Sprintf("invalid topic id %q", topic), err)
		}
		raw = raw[:at]
	}
	if id, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil {
		return id, topicID, nil
	}
	if strings.HasPrefix(raw, "@") {
		return raw, topicID, nil
	}
	return nil, 0, channels.ErrInvalidInput(fmt.Sprintf("invalid chat id %q", to), nil)
}

// emit forwards an envelope without blocking the poll loop.
func (a *Adapter) emit(env *models.Envelope) {
	select {
	case a.envelopes <- env:
	default:
		a.logger.Warn("envelope buffer full, dropping message",
			"from", env.From, "messageId", env.MessageID)
	}
}

// isParseError recognizes the MarkdownV2 entity rejection.
func isParseError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "can't parse entities")
}

// classifyTelegramError maps Bot API failures onto channel codes.
func classifyTelegramError(to string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Too Many Requests") || strings.Contains(msg, "429"):
		return channels.ErrRateLimit("telegram rate limit", err)
	case strings.Contains(msg, "chat not found") || strings.Contains(msg, "bot was blocked"):
		return channels.ErrChatNotFound(to, err)
	case strings.Contains(msg, "Unauthorized") || strings.Contains(msg, "401"):
		return channels.ErrAuth("telegram token rejected", err)
	default:
		return channels.ErrTransient("telegram api call", err)
	}
}
