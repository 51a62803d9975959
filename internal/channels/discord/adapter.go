// Package discord runs a Discord bot over the gateway. Guild messages
// and DMs both land in the envelope stream; discordgo reconnects the
// gateway itself, so the adapter only tracks connection state.
package discord

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/media"
	"github.com/clawdis/clawdis/pkg/models"
)

const (
	// sendRate keeps well under Discord's per-channel limit.
	sendRate  = 5
	sendBurst = 10

	// userTargetPrefix addresses a user directly; the adapter opens the
	// DM channel on first send.
	userTargetPrefix = "user:"
)

// Adapter is the Discord surface.
type Adapter struct {
	cfg    config.DiscordConfig
	logger *slog.Logger
	loader *media.Loader

	// newSession is swapped by tests.
	newSession func(token string) (discordSession, error)

	mu          sync.Mutex
	session     discordSession
	botUserID   string
	botUsername string

	limiter   *channels.RateLimiter
	envelopes chan *models.Envelope

	statusMu  sync.RWMutex
	status    channels.Status
	setStatus func(channels.Status)
	now       func() time.Time
}

// New creates the adapter. The gateway session opens in StartAccount.
func New(cfg config.DiscordConfig) *Adapter {
	return &Adapter{
		cfg:        cfg,
		logger:     slog.Default(),
		newSession: newRealSession,
		limiter:    channels.NewRateLimiter(sendRate, sendBurst),
		envelopes:  make(chan *models.Envelope, 100),
		status:     channels.Status{State: channels.StateStopped},
		now:        time.Now,
	}
}

func (a *Adapter) Dock() channels.Dock { return channels.DockFor(models.ChannelDiscord) }

func (a *Adapter) Capabilities() channels.Capabilities {
	return channels.DefaultCapabilities(models.ChannelDiscord)
}

func (a *Adapter) IsEnabled() bool    { return a.cfg.Enabled }
func (a *Adapter) IsConfigured() bool { return a.cfg.BotToken != "" }

// StartAccount opens the gateway and resolves the bot identity.
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
	if a.session != nil {
		return nil
	}
	if a.cfg.BotToken == "" {
		err := channels.ErrConfig("discord bot token is missing", nil)
		a.publishStatus(channels.Status{State: channels.StateError, Error: err.Message})
		return err
	}
	a.publishStatus(channels.Status{State: channels.StateStarting})

	session, err := a.newSession(a.cfg.BotToken)
	if err != nil {
		werr := channels.ErrAuth("create discord session", err)
		a.publishStatus(channels.Status{State: channels.StateError, Error: werr.Message})
		return werr
	}
	session.AddHandler(a.handleMessageCreate)
	session.AddHandler(a.handleReady)
	session.AddHandler(a.handleResumed)
	session.AddHandler(a.handleDisconnect)

	if err := session.Open(); err != nil {
		werr := classifyDiscordError("", err)
		a.publishStatus(channels.Status{State: channels.StateError, Error: werr.Error()})
		return werr
	}
	me, err := session.User("@me")
	if err != nil {
		_ = session.Close()
		werr := channels.ErrAuth("resolve discord bot identity", err)
		a.publishStatus(channels.Status{State: channels.StateError, Error: werr.Message})
		return werr
	}
	a.session = session
	a.botUserID = me.ID
	a.botUsername = me.Username

	a.logger.Info("discord connected", "username", me.Username, "userId", me.ID)
	a.publishStatus(channels.Status{
		State: channels.StateRunning, Connected: true, LastPing: a.now().Unix(),
	})
	return nil
}

// StopAccount closes the gateway session.
func (a *Adapter) StopAccount(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		if err := a.session.Close(); err != nil {
			a.logger.Warn("close discord session", "error", err)
		}
		a.session = nil
	}
	a.publishStatus(channels.Status{State: channels.StateStopped})
	return nil
}

// SendText sends one fragment to a channel or user target.
func (a *Adapter) SendText(ctx context.Context, to, text string) error {
	session, err := a.runningSession()
	if err != nil {
		return err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return channels.ErrAborted("rate limit wait", err)
	}
	channelID, err := a.resolveSendChannel(session, to)
	if err != nil {
		return err
	}
	_, err = session.ChannelMessageSend(channelID, text)
	if err != nil {
		return classifyDiscordError(to, err)
	}
	return nil
}

// SendMedia uploads the payload as a file attachment with the text as
// the message body.
func (a *Adapter) SendMedia(ctx context.Context, to string, payload *models.Payload) error {
	session, err := a.runningSession()
	if err != nil {
		return err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return channels.ErrAborted("rate limit wait", err)
	}
	channelID, err := a.resolveSendChannel(session, to)
	if err != nil {
		return err
	}
	loaded, err := a.mediaLoader().Load(ctx, payload.MediaURL)
	if err != nil {
		return channels.ErrInvalidInput("load media", err)
	}
	_, err = session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: payload.Text,
		Files: []*discordgo.File{{
			Name:        loaded.FileName,
			ContentType: loaded.MIME,
			Reader:      bytes.NewReader(loaded.Data),
		}},
	})
	if err != nil {
		return classifyDiscordError(to, err)
	}
	return nil
}

// SetTyping shows the typing indicator. Discord expires it after about
// ten seconds, so deactivation is a no-op.
func (a *Adapter) SetTyping(ctx context.Context, to string, active bool) error {
	if !active {
		return nil
	}
	session, err := a.runningSession()
	if err != nil {
		return err
	}
	channelID, err := a.resolveSendChannel(session, to)
	if err != nil {
		return err
	}
	if err := session.ChannelTyping(channelID); err != nil {
		return classifyDiscordError(to, err)
	}
	return nil
}

// Probe checks the REST API with a self lookup.
func (a *Adapter) Probe(ctx context.Context) channels.HealthStatus {
	start := a.now()
	hs := channels.HealthStatus{LastCheck: start}
	session, err := a.runningSession()
	if err != nil {
		hs.Message = "not running"
		return hs
	}
	_, err = session.User("@me")
	hs.Latency = a.now().Sub(start)
	if err != nil {
		hs.Message = err.Error()
		return hs
	}
	hs.Healthy = true
	hs.Message = "connected"
	return hs
}

// HeartbeatReadiness vetoes heartbeats while the gateway is down.
func (a *Adapter) HeartbeatReadiness() channels.Readiness {
	a.mu.Lock()
	running := a.session != nil
	a.mu.Unlock()
	if !running {
		return channels.Readiness{Ready: false, Reason: "discord-not-running"}
	}
	return channels.Readiness{Ready: true}
}

// ConfigPrefixes scopes hot reload to this surface's config subtree.
func (a *Adapter) ConfigPrefixes() []string { return []string{"channels.discord"} }

// ApplyConfig swaps in fresh channel config; the registry calls it
// only while the adapter is stopped.
func (a *Adapter) ApplyConfig(cfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg.Channels.Discord
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

func (a *Adapter) runningSession() (discordSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil, channels.ErrTransient("discord is not running", nil)
	}
	return a.session, nil
}

// resolveSendChannel maps a target onto a channel id, opening the DM
// channel for user: targets.
func (a *Adapter) resolveSendChannel(session discordSession, to string) (string, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return "", channels.ErrInvalidInput("empty recipient", nil)
	}
	if userID, ok := strings.CutPrefix(to, userTargetPrefix); ok {
		ch, err := session.UserChannelCreate(userID)
		if err != nil {
			return "", classifyDiscordError(to, err)
		}
		return ch.ID, nil
	}
	return to, nil
}

// Gateway event handlers. discordgo dispatches each on its own
// goroutine.

func (a *Adapter) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User != nil {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.botUsername = r.User.Username
		a.mu.Unlock()
	}
	a.publishStatus(channels.Status{
		State: channels.StateRunning, Connected: true, LastPing: a.now().Unix(),
	})
}

func (a *Adapter) handleResumed(_ *discordgo.Session, _ *discordgo.Resumed) {
	a.publishStatus(channels.Status{
		State: channels.StateRunning, Connected: true, LastPing: a.now().Unix(),
	})
}

func (a *Adapter) handleDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	a.logger.Warn("discord gateway disconnected")
	a.publishStatus(channels.Status{
		State: channels.StateRunning, Connected: false,
		Error: "discord gateway disconnected",
	})
}

func (a *Adapter) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return
	}
	a.mu.Lock()
	botUserID := a.botUserID
	a.mu.Unlock()
	if m.Author.ID == botUserID {
		return
	}

	env, att := buildEnvelope(m, botUserID)
	if env == nil {
		return
	}
	if att != nil {
		a.attachInboundMedia(env, att)
	}
	if env.Body == "" && !env.HasMedia() {
		return
	}
	a.statusMu.Lock()
	a.status.LastPing = a.now().Unix()
	a.statusMu.Unlock()
	a.emit(env)
}

// inboundAttachment identifies a CDN attachment to download.
type inboundAttachment struct {
	url  string
	mime string
}

// buildEnvelope maps a gateway message onto the normalized envelope
// and reports the first attachment, if any.
func buildEnvelope(m *discordgo.MessageCreate, botUserID string) (*models.Envelope, *inboundAttachment) {
	env := &models.Envelope{
		Surface:        models.ChannelDiscord,
		From:           m.ChannelID,
		MessageID:      m.ID,
		SenderIdentity: m.Author.Username,
		SenderName:     displayName(m),
		Timestamp:      m.Timestamp,
	}
	if m.GuildID == "" {
		env.ChatType = models.ChatDirect
	} else {
		env.ChatType = models.ChatChannel
	}

	mentioned := false
	for _, u := range m.Mentions {
		if u != nil && u.ID == botUserID {
			mentioned = true
			break
		}
	}
	env.Body = stripBotMention(m.Content, botUserID, mentioned)

	if ref := m.ReferencedMessage; ref != nil {
		env.ReplyToID = ref.ID
		env.ReplyToBody = ref.Content
		if ref.Author != nil {
			env.ReplyToSender = ref.Author.Username
			if ref.Author.ID == botUserID {
				mentioned = true
			}
		}
	}
	env.WasMentioned = mentioned

	if len(m.Attachments) > 0 && m.Attachments[0] != nil {
		att := m.Attachments[0]
		return env, &inboundAttachment{url: att.URL, mime: att.ContentType}
	}
	return env, nil
}

// displayName prefers the server nickname, then the global display
// name, then the username.
func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// stripBotMention removes the leading bot mention token so the agent
// sees the request, not the addressing.
func stripBotMention(content, botUserID string, mentioned bool) string {
	content = strings.TrimSpace(content)
	if !mentioned || botUserID == "" {
		return content
	}
	for _, token := range []string{"<@" + botUserID + ">", "<@!" + botUserID + ">"} {
		if rest, ok := strings.CutPrefix(content, token); ok {
			return strings.TrimSpace(rest)
		}
	}
	return content
}

// attachInboundMedia downloads a CDN attachment into the media dir.
// CDN links expire, so inbound files are fetched immediately.
func (a *Adapter) attachInboundMedia(env *models.Envelope, att *inboundAttachment) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	loaded, err := a.mediaLoader().Load(ctx, att.url)
	if err != nil {
		a.logger.Warn("download discord attachment", "error", err)
		return
	}
	mime := att.mime
	if mime == "" {
		mime = loaded.MIME
	}
	path, err := media.SaveInbound(loaded.Data, mime)
	if err != nil {
		a.logger.Warn("save discord attachment", "error", err)
		return
	}
	env.Media = &models.Media{Path: path, MimeType: mime}
}

// emit forwards an envelope without blocking the gateway dispatcher.
func (a *Adapter) emit(env *models.Envelope) {
	select {
	case a.envelopes <- env:
	default:
		a.logger.Warn("envelope buffer full, dropping message",
			"from", env.From, "messageId", env.MessageID)
	}
}

// classifyDiscordError maps REST failures onto channel codes.
func classifyDiscordError(to string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return channels.ErrRateLimit("discord rate limit", err)
	case strings.Contains(msg, "Unknown Channel") || strings.Contains(msg, "Missing Access") ||
		strings.Contains(msg, "Cannot send messages to this user"):
		return channels.ErrChatNotFound(to, err)
	case strings.Contains(msg, "401") || strings.Contains(msg, "Unauthorized"):
		return channels.ErrAuth("discord token rejected", err)
	default:
		return channels.ErrTransient("discord api call", err)
	}
}
