// Package slack runs a Slack app over Socket Mode. The Events API
// delivers at least once, so inbound messages are deduplicated before
// they reach the envelope stream.
package slack

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/media"
	"github.com/clawdis/clawdis/pkg/models"
)

const (
	// sendRate tracks Slack's chat.postMessage tier, one per second
	// with a little burst headroom.
	sendRate  = 1
	sendBurst = 5

	// threadSeparator splits a reply target into channel and thread ts.
	threadSeparator = ":thread:"

	// seenLimit bounds the inbound dedupe ring.
	seenLimit = 256
)

// Adapter is the Slack surface.
type Adapter struct {
	cfg    config.SlackConfig
	logger *slog.Logger
	loader *media.Loader

	// newClients is swapped by tests.
	newClients func(botToken, appToken string) (apiClient, socketClient)

	mu     sync.Mutex
	api    apiClient
	socket socketClient
	cancel context.CancelFunc
	wg     sync.WaitGroup

	limiter   *channels.RateLimiter
	envelopes chan *models.Envelope
	seen      *seenRing

	nameMu       sync.Mutex
	userNames    map[string]*slack.User
	channelNames map[string]string

	statusMu  sync.RWMutex
	status    channels.Status
	setStatus func(channels.Status)
	now       func() time.Time
}

// New creates the adapter. Clients are built in StartAccount.
func New(cfg config.SlackConfig) *Adapter {
	return &Adapter{
		cfg:          cfg,
		logger:       slog.Default(),
		newClients:   newRealClients,
		limiter:      channels.NewRateLimiter(sendRate, sendBurst),
		envelopes:    make(chan *models.Envelope, 100),
		seen:         newSeenRing(seenLimit),
		userNames:    make(map[string]*slack.User),
		channelNames: make(map[string]string),
		status:       channels.Status{State: channels.StateStopped},
		now:          time.Now,
	}
}

func (a *Adapter) Dock() channels.Dock { return channels.DockFor(models.ChannelSlack) }

func (a *Adapter) Capabilities() channels.Capabilities {
	return channels.DefaultCapabilities(models.ChannelSlack)
}

func (a *Adapter) IsEnabled() bool { return a.cfg.Enabled }

// IsConfigured requires both tokens: the xoxb bot token for the Web
// API and the xapp app token for Socket Mode.
func (a *Adapter) IsConfigured() bool { return a.cfg.BotToken != "" && a.cfg.AppToken != "" }

// StartAccount validates the tokens and starts the Socket Mode loop.
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
	if a.socket != nil {
		return nil
	}
	if a.cfg.BotToken == "" || a.cfg.AppToken == "" {
		err := channels.ErrConfig("slack needs botToken (xoxb) and appToken (xapp)", nil)
		a.publishStatus(channels.Status{State: channels.StateError, Error: err.Message})
		return err
	}
	a.publishStatus(channels.Status{State: channels.StateStarting})

	api, socket := a.newClients(a.cfg.BotToken, a.cfg.AppToken)
	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		werr := channels.ErrAuth("slack auth test", err)
		a.publishStatus(channels.Status{State: channels.StateError, Error: werr.Message})
		return werr
	}
	a.api = api
	a.socket = socket

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(2)
	go a.runSocket(runCtx, socket)
	// The event loop gets its own references so it never takes a.mu;
	// StopAccount waits on it while holding that lock.
	go a.handleEvents(runCtx, api, socket, auth.UserID)

	a.logger.Info("slack connected", "user", auth.User, "userId", auth.UserID, "team", auth.Team)
	a.publishStatus(channels.Status{State: channels.StateRunning, LastPing: a.now().Unix()})
	return nil
}

// StopAccount ends the Socket Mode loop.
func (a *Adapter) StopAccount(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.wg.Wait()
	a.api = nil
	a.socket = nil
	a.publishStatus(channels.Status{State: channels.StateStopped})
	return nil
}

// runSocket keeps the Socket Mode connection running; the client
// reconnects internally, so a returned error means it gave up.
func (a *Adapter) runSocket(ctx context.Context, socket socketClient) {
	defer a.wg.Done()
	if err := socket.RunContext(ctx); err != nil && ctx.Err() == nil {
		a.logger.Error("slack socket mode ended", "error", err)
		a.publishStatus(channels.Status{State: channels.StateError, Error: err.Error()})
	}
}

// handleEvents consumes the Socket Mode event stream.
func (a *Adapter) handleEvents(ctx context.Context, api apiClient, socket socketClient, botUserID string) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-socket.Events():
			if !ok {
				return
			}
			a.statusMu.Lock()
			a.status.LastPing = a.now().Unix()
			a.statusMu.Unlock()

			switch event.Type {
			case socketmode.EventTypeConnected:
				a.publishStatus(channels.Status{
					State: channels.StateRunning, Connected: true, LastPing: a.now().Unix(),
				})
			case socketmode.EventTypeConnectionError:
				a.publishStatus(channels.Status{
					State: channels.StateRunning, Connected: false,
					Error: "slack socket connection error",
				})
			case socketmode.EventTypeEventsAPI:
				if event.Request != nil {
					socket.Ack(*event.Request)
				}
				a.handleEventsAPI(ctx, api, event, botUserID)
			case socketmode.EventTypeSlashCommand, socketmode.EventTypeInteractive:
				// Acknowledged so Slack stops retrying; not a surface
				// this gateway exposes.
				if event.Request != nil {
					socket.Ack(*event.Request)
				}
			}
		}
	}
}

// handleEventsAPI unpacks an Events API callback.
func (a *Adapter) handleEventsAPI(ctx context.Context, api apiClient, event socketmode.Event, botUserID string) {
	apiEvent, ok := event.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if ev.BotID != "" || ev.User == botUserID {
			return
		}
		if ev.SubType != "" && ev.SubType != "file_share" {
			return
		}
		a.handleMessage(ctx, api, ev, botUserID, false)
	case *slackevents.AppMentionEvent:
		// Mentions also arrive as message events when the workspace
		// subscribes to both; the dedupe ring drops the second copy.
		a.handleMessage(ctx, api, &slackevents.MessageEvent{
			Type:            "message",
			User:            ev.User,
			Text:            ev.Text,
			TimeStamp:       ev.TimeStamp,
			ThreadTimeStamp: ev.ThreadTimeStamp,
			Channel:         ev.Channel,
		}, botUserID, true)
	}
}

// handleMessage normalizes one inbound message.
func (a *Adapter) handleMessage(ctx context.Context, api apiClient, ev *slackevents.MessageEvent, botUserID string, fromMention bool) {
	if ev.User == "" || ev.TimeStamp == "" {
		return
	}
	if a.seen.Seen(ev.Channel + ":" + ev.TimeStamp) {
		return
	}
	env, file := buildEnvelope(ev, botUserID, fromMention)
	if env == nil {
		return
	}
	a.enrichNames(ctx, api, env, ev)
	if file != nil {
		a.attachInboundFile(ctx, api, env, file)
	}
	if env.Body == "" && !env.HasMedia() {
		return
	}
	a.emit(env)
}

// inboundFile identifies a private file to download.
type inboundFile struct {
	url  string
	mime string
}

// buildEnvelope maps a message event onto the normalized envelope and
// reports the first attached file, if any.
func buildEnvelope(ev *slackevents.MessageEvent, botUserID string, fromMention bool) (*models.Envelope, *inboundFile) {
	env := &models.Envelope{
		Surface:        models.ChannelSlack,
		From:           ev.Channel,
		MessageID:      ev.TimeStamp,
		SenderIdentity: ev.User,
		Timestamp:      slackTime(ev.TimeStamp),
	}
	if isDirectChannel(ev) {
		env.ChatType = models.ChatDirect
	} else {
		env.ChatType = models.ChatChannel
	}
	if ev.ThreadTimeStamp != "" && ev.ThreadTimeStamp != ev.TimeStamp {
		env.ThreadID = ev.ThreadTimeStamp
		env.ReplyToID = ev.ThreadTimeStamp
	}

	mentionToken := ""
	if botUserID != "" {
		mentionToken = "<@" + botUserID + ">"
	}
	mentioned := fromMention || (mentionToken != "" && strings.Contains(ev.Text, mentionToken))
	body := strings.TrimSpace(ev.Text)
	if mentioned && mentionToken != "" {
		if rest, ok := strings.CutPrefix(body, mentionToken); ok {
			body = strings.TrimSpace(rest)
		}
	}
	env.Body = body
	env.WasMentioned = mentioned

	if ev.Message != nil {
		for _, f := range ev.Message.Files {
			if f.URLPrivateDownload != "" {
				return env, &inboundFile{url: f.URLPrivateDownload, mime: f.Mimetype}
			}
		}
	}
	return env, nil
}

// isDirectChannel reports whether the event came from a DM. The
// channel type field is authoritative when present; the id prefix is
// the fallback for synthesized events.
func isDirectChannel(ev *slackevents.MessageEvent) bool {
	if ev.ChannelType != "" {
		return ev.ChannelType == "im"
	}
	return strings.HasPrefix(ev.Channel, "D")
}

// enrichNames fills sender and room names from cached directory
// lookups. Lookup failures leave the raw ids in place.
func (a *Adapter) enrichNames(ctx context.Context, api apiClient, env *models.Envelope, ev *slackevents.MessageEvent) {
	if user := a.userInfo(ctx, api, ev.User); user != nil {
		if user.Name != "" {
			env.SenderIdentity = user.Name
		}
		switch {
		case user.Profile.DisplayName != "":
			env.SenderName = user.Profile.DisplayName
		case user.RealName != "":
			env.SenderName = user.RealName
		default:
			env.SenderName = user.Name
		}
	}
	if env.ChatType == models.ChatChannel {
		env.Room = a.channelName(ctx, api, ev.Channel)
	}
}

func (a *Adapter) userInfo(ctx context.Context, api apiClient, userID string) *slack.User {
	if userID == "" {
		return nil
	}
	a.nameMu.Lock()
	cached, ok := a.userNames[userID]
	a.nameMu.Unlock()
	if ok {
		return cached
	}
	user, err := api.GetUserInfoContext(ctx, userID)
	if err != nil {
		a.logger.Debug("slack user lookup failed", "userId", userID, "error", err)
		return nil
	}
	a.nameMu.Lock()
	a.userNames[userID] = user
	a.nameMu.Unlock()
	return user
}

func (a *Adapter) channelName(ctx context.Context, api apiClient, channelID string) string {
	a.nameMu.Lock()
	cached, ok := a.channelNames[channelID]
	a.nameMu.Unlock()
	if ok {
		return cached
	}
	ch, err := api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: channelID})
	if err != nil {
		a.logger.Debug("slack channel lookup failed", "channelId", channelID, "error", err)
		return ""
	}
	a.nameMu.Lock()
	a.channelNames[channelID] = ch.Name
	a.nameMu.Unlock()
	return ch.Name
}

// attachInboundFile downloads a private file; the Web API client adds
// the bearer token the CDN requires.
func (a *Adapter) attachInboundFile(ctx context.Context, api apiClient, env *models.Envelope, file *inboundFile) {
	var buf bytes.Buffer
	if err := api.GetFileContext(ctx, file.url, &buf); err != nil {
		a.logger.Warn("download slack file", "error", err)
		return
	}
	if int64(buf.Len()) > media.MaxDocumentBytes {
		a.logger.Warn("slack file exceeds size cap, skipping", "bytes", buf.Len())
		return
	}
	mime := file.mime
	if mime == "" {
		mime = media.DetectMIME(buf.Bytes(), "", file.url)
	}
	path, err := media.SaveInbound(buf.Bytes(), mime)
	if err != nil {
		a.logger.Warn("save slack file", "error", err)
		return
	}
	env.Media = &models.Media{Path: path, MimeType: mime}
}

// SendText posts one fragment, honoring a :thread: suffix on the
// target.
func (a *Adapter) SendText(ctx context.Context, to, text string) error {
	api, err := a.runningAPI()
	if err != nil {
		return err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return channels.ErrAborted("rate limit wait", err)
	}
	channelID, threadTS, err := parseTarget(to)
	if err != nil {
		return err
	}
	options := []slack.MsgOption{
		slack.MsgOptionText(text, false),
	}
	if threadTS != "" {
		options = append(options, slack.MsgOptionTS(threadTS))
	}
	if _, _, err := api.PostMessageContext(ctx, channelID, options...); err != nil {
		return classifySlackError(to, err)
	}
	return nil
}

// SendMedia uploads the payload with the text as the initial comment.
func (a *Adapter) SendMedia(ctx context.Context, to string, payload *models.Payload) error {
	api, err := a.runningAPI()
	if err != nil {
		return err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return channels.ErrAborted("rate limit wait", err)
	}
	channelID, threadTS, err := parseTarget(to)
	if err != nil {
		return err
	}
	loaded, err := a.mediaLoader().Load(ctx, payload.MediaURL)
	if err != nil {
		return channels.ErrInvalidInput("load media", err)
	}
	_, err = api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Channel:         channelID,
		ThreadTimestamp: threadTS,
		Filename:        loaded.FileName,
		FileSize:        len(loaded.Data),
		Reader:          bytes.NewReader(loaded.Data),
		InitialComment:  payload.Text,
	})
	if err != nil {
		return classifySlackError(to, err)
	}
	return nil
}

// Probe checks the Web API with an auth test.
func (a *Adapter) Probe(ctx context.Context) channels.HealthStatus {
	start := a.now()
	hs := channels.HealthStatus{LastCheck: start}
	api, err := a.runningAPI()
	if err != nil {
		hs.Message = "not running"
		return hs
	}
	_, err = api.AuthTestContext(ctx)
	hs.Latency = a.now().Sub(start)
	if err != nil {
		hs.Message = err.Error()
		return hs
	}
	hs.Healthy = true
	hs.Message = "connected"
	return hs
}

// HeartbeatReadiness vetoes heartbeats while the socket loop is down.
func (a *Adapter) HeartbeatReadiness() channels.Readiness {
	a.mu.Lock()
	running := a.socket != nil
	a.mu.Unlock()
	if !running {
		return channels.Readiness{Ready: false, Reason: "slack-not-running"}
	}
	return channels.Readiness{Ready: true}
}

// ConfigPrefixes scopes hot reload to this surface's config subtree.
func (a *Adapter) ConfigPrefixes() []string { return []string{"channels.slack"} }

// ApplyConfig swaps in fresh channel config; the registry calls it
// only while the adapter is stopped.
func (a *Adapter) ApplyConfig(cfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg.Channels.Slack
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

func (a *Adapter) runningAPI() (apiClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.api == nil {
		return nil, channels.ErrTransient("slack is not running", nil)
	}
	return a.api, nil
}

// parseTarget splits a reply address into channel id and thread ts.
func parseTarget(to string) (channelID, threadTS string, err error) {
	raw := strings.TrimSpace(to)
	if raw == "" {
		return "", "", channels.ErrInvalidInput("empty recipient", nil)
	}
	if at := strings.Index(raw, threadSeparator); at >= 0 {
		return raw[:at], raw[at+len(threadSeparator):], nil
	}
	return raw, "", nil
}

// slackTime parses the "1234567890.123456" event timestamp.
func slackTime(ts string) time.Time {
	dot := strings.IndexByte(ts, '.')
	if dot < 0 {
		return time.Time{}
	}
	sec, err := parseInt(ts[:dot])
	if err != nil {
		return time.Time{}
	}
	usec, err := parseInt(ts[dot+1:])
	if err != nil {
		return time.Unix(sec, 0)
	}
	return time.Unix(sec, usec*1000)
}

func parseInt(s string) (int64, error) {
	var n int64
	if s == "" {
		return 0, errors.New("empty")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, errors.New("not a number")
		}
		n = n*10 + int64(s[i]-'0')
	}
	return n, nil
}

// emit forwards an envelope without blocking the event loop.
func (a *Adapter) emit(env *models.Envelope) {
	select {
	case a.envelopes <- env:
	default:
		a.logger.Warn("envelope buffer full, dropping message",
			"from", env.From, "messageId", env.MessageID)
	}
}

// classifySlackError maps Web API failures onto channel codes.
func classifySlackError(to string, err error) error {
	if err == nil {
		return nil
	}
	var rle *slack.RateLimitedError
	if errors.As(err, &rle) {
		return channels.ErrRateLimit("slack rate limit", err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "rate_limited") || strings.Contains(msg, "ratelimited"):
		return channels.ErrRateLimit("slack rate limit", err)
	case strings.Contains(msg, "channel_not_found") || strings.Contains(msg, "not_in_channel") ||
		strings.Contains(msg, "user_not_found"):
		return channels.ErrChatNotFound(to, err)
	case strings.Contains(msg, "invalid_auth") || strings.Contains(msg, "not_authed") ||
		strings.Contains(msg, "token_revoked") || strings.Contains(msg, "account_inactive"):
		return channels.ErrAuth("slack token rejected", err)
	default:
		return channels.ErrTransient("slack api call", err)
	}
}

// seenRing is a fixed-size set of recently handled message keys.
type seenRing struct {
	mu    sync.Mutex
	limit int
	order []string
	set   map[string]struct{}
}

func newSeenRing(limit int) *seenRing {
	return &seenRing{limit: limit, set: make(map[string]struct{}, limit)}
}

// Seen records the key and reports whether it was already present.
func (r *seenRing) Seen(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[key]; ok {
		return true
	}
	r.set[key] = struct{}{}
	r.order = append(r.order, key)
	if len(r.order) > r.limit {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.set, oldest)
	}
	return false
}
