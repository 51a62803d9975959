// Package whatsapp links a personal WhatsApp account over the
// multidevice protocol. Credentials live in a local sqlite store; a
// device that was never linked (or was unlinked from the phone) fails
// startup with a NOT_LINKED error until a QR login completes.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/media"
	"github.com/clawdis/clawdis/pkg/models"

	_ "github.com/mattn/go-sqlite3" // sqlite driver for the whatsmeow store
)

// pollMaxOptions is the WhatsApp poll option cap.
const pollMaxOptions = 12

// Adapter is the WhatsApp surface. The whatsmeow client and its sqlite
// container are only constructed inside StartAccount (or a QR login);
// a stopped adapter holds no open resources.
type Adapter struct {
	cfg    config.WhatsAppConfig
	loader *media.Loader
	logger *slog.Logger

	mu        sync.Mutex
	client    *whatsmeow.Client
	container *sqlstore.Container
	wg        sync.WaitGroup

	envelopes chan *models.Envelope

	statusMu  sync.RWMutex
	status    channels.Status
	setStatus func(channels.Status)
	now       func() time.Time
}

// New creates the adapter. No transport is touched until StartAccount.
func New(cfg config.WhatsAppConfig) *Adapter {
	return &Adapter{
		cfg:       cfg,
		logger:    slog.Default(),
		envelopes: make(chan *models.Envelope, 100),
		status:    channels.Status{State: channels.StateStopped},
		now:       time.Now,
	}
}

func (a *Adapter) Dock() channels.Dock { return channels.DockFor(models.ChannelWhatsApp) }

func (a *Adapter) Capabilities() channels.Capabilities {
	return channels.DefaultCapabilities(models.ChannelWhatsApp)
}

func (a *Adapter) IsEnabled() bool { return a.cfg.Enabled }

// IsConfigured is always true: WhatsApp needs no token, only a linked
// device, and linking is checked at start.
func (a *Adapter) IsConfigured() bool { return true }

// storePath resolves the session database location.
func (a *Adapter) storePath() string {
	if a.cfg.StorePath != "" {
		return a.cfg.StorePath
	}
	return filepath.Join(config.StateDir(), "whatsapp", "session.db")
}

// ensureClient opens the sqlite container and constructs the client.
// Callers hold a.mu.
func (a *Adapter) ensureClient(ctx context.Context) error {
	if a.client != nil {
		return nil
	}
	path := a.storePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return channels.ErrConfig("create whatsapp store directory", err)
	}
	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", path), waLog.Noop)
	if err != nil {
		return channels.ErrInternal("open whatsapp store", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return channels.ErrInternal("load whatsapp device", err)
	}
	client := whatsmeow.NewClient(device, waLog.Noop)
	client.AddEventHandler(a.handleEvent)
	a.container = container
	a.client = client
	return nil
}

// closeClientLocked releases the client and container. Callers hold a.mu.
func (a *Adapter) closeClientLocked() {
	if a.client != nil {
		a.client.Disconnect()
		a.client = nil
	}
	if a.container != nil {
		if err := a.container.Close(); err != nil {
			a.logger.Warn("close whatsapp store", "error", err)
		}
		a.container = nil
	}
}

// StartAccount connects a linked device. An unlinked device fails with
// NOT_LINKED; run a QR login first.
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

	if a.client != nil && a.client.IsConnected() {
		return nil
	}
	a.publishStatus(channels.Status{State: channels.StateStarting})

	if err := a.ensureClient(ctx); err != nil {
		a.closeClientLocked()
		a.publishStatus(channels.Status{State: channels.StateError, Error: err.Error()})
		return err
	}
	if a.client.Store.ID == nil {
		err := channels.ErrNotLinked("whatsapp", nil)
		a.publishStatus(channels.Status{State: channels.StateError, Error: err.Message})
		return err
	}
	if err := a.client.Connect(); err != nil {
		a.closeClientLocked()
		werr := channels.ErrTransient("connect to whatsapp", err)
		a.publishStatus(channels.Status{State: channels.StateError, Error: werr.Message})
		return werr
	}
	// Connected/Disconnected events drive the rest of the status
	// transitions; whatsmeow reconnects on its own.
	return nil
}

// StopAccount disconnects and closes the session store. The envelope
// stream stays open so a later start reuses it.
func (a *Adapter) StopAccount(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	// Disconnect first: it closes any live QR channel, which is what an
	// in-flight login pump blocks on.
	a.closeClientLocked()
	a.wg.Wait()
	a.publishStatus(channels.Status{State: channels.StateStopped})
	return nil
}

// SendText delivers one already-chunked fragment.
func (a *Adapter) SendText(ctx context.Context, to, text string) error {
	client, err := a.connectedClient()
	if err != nil {
		return err
	}
	jid, err := toJID(to)
	if err != nil {
		return err
	}
	msg := &waE2E.Message{Conversation: proto.String(text)}
	if _, err := client.SendMessage(ctx, jid, msg); err != nil {
		return classifySendError(to, err)
	}
	return nil
}

// SendMedia resolves the payload reference, uploads it, and sends the
// typed media message. The payload text rides as the caption where the
// message type has one; audio gets a separate text send.
func (a *Adapter) SendMedia(ctx context.Context, to string, payload *models.Payload) error {
	client, err := a.connectedClient()
	if err != nil {
		return err
	}
	jid, err := toJID(to)
	if err != nil {
		return err
	}
	loaded, err := a.mediaLoader().Load(ctx, payload.MediaURL)
	if err != nil {
		return channels.ErrInvalidInput("load media", err)
	}

	uploadType := uploadTypeFor(loaded.Kind)
	uploaded, err := client.Upload(ctx, loaded.Data, uploadType)
	if err != nil {
		return channels.ErrTransient("upload media", err)
	}

	mimeType := loaded.MIME
	var msg *waE2E.Message
	switch uploadType {
	case whatsmeow.MediaImage:
		msg = &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL:           &uploaded.URL,
			DirectPath:    &uploaded.DirectPath,
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &uploaded.FileLength,
			Mimetype:      &mimeType,
			Caption:       optionalString(payload.Text),
		}}
	case whatsmeow.MediaVideo:
		msg = &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL:           &uploaded.URL,
			DirectPath:    &uploaded.DirectPath,
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &uploaded.FileLength,
			Mimetype:      &mimeType,
			Caption:       optionalString(payload.Text),
		}}
	case whatsmeow.MediaAudio:
		msg = &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           &uploaded.URL,
			DirectPath:    &uploaded.DirectPath,
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &uploaded.FileLength,
			Mimetype:      &mimeType,
			PTT:           proto.Bool(payload.IsVoice),
		}}
	default:
		fileName := loaded.FileName
		if fileName == "" {
			fileName = "document"
		}
		msg = &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			URL:           &uploaded.URL,
			DirectPath:    &uploaded.DirectPath,
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &uploaded.FileLength,
			Mimetype:      &mimeType,
			FileName:      &fileName,
			Caption:       optionalString(payload.Text),
		}}
	}

	if _, err := client.SendMessage(ctx, jid, msg); err != nil {
		return classifySendError(to, err)
	}
	if uploadType == whatsmeow.MediaAudio && payload.Text != "" {
		return a.SendText(ctx, to, payload.Text)
	}
	return nil
}

// SendPoll sends a native single-select poll.
func (a *Adapter) SendPoll(ctx context.Context, to, question string, options []string) error {
	client, err := a.connectedClient()
	if err != nil {
		return err
	}
	if len(options) > pollMaxOptions {
		return channels.ErrInvalidInput(
			fmt.Sprintf("poll supports at most %d options, got %d", pollMaxOptions, len(options)), nil)
	}
	jid, err := toJID(to)
	if err != nil {
		return err
	}
	msg := client.BuildPollCreation(question, options, 1)
	if _, err := client.SendMessage(ctx, jid, msg); err != nil {
		return classifySendError(to, err)
	}
	return nil
}

// PollMaxOptions returns the WhatsApp option cap.
func (a *Adapter) PollMaxOptions() int { return pollMaxOptions }

// SetTyping toggles the composing indicator.
func (a *Adapter) SetTyping(ctx context.Context, to string, active bool) error {
	client, err := a.connectedClient()
	if err != nil {
		return err
	}
	jid, err := toJID(to)
	if err != nil {
		return err
	}
	presence := types.ChatPresenceComposing
	if !active {
		presence = types.ChatPresencePaused
	}
	if err := client.SendChatPresence(ctx, jid, presence, types.ChatPresenceMediaText); err != nil {
		return channels.ErrTransient("send chat presence", err)
	}
	return nil
}

// LoginWithQRStart begins a QR link attempt. Codes arrive as the
// upstream rotates them (roughly every 20 seconds); Done resolves when
// the phone scans, the attempt times out, or ctx ends.
func (a *Adapter) LoginWithQRStart(ctx context.Context) (*channels.LoginAttempt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureClient(ctx); err != nil {
		return nil, err
	}
	if a.client.Store.ID != nil {
		return nil, channels.ErrInvalidInput("whatsapp is already linked; log out first", nil)
	}
	qrChan, err := a.client.GetQRChannel(ctx)
	if err != nil {
		return nil, channels.ErrInternal("open qr channel", err)
	}
	if err := a.client.Connect(); err != nil {
		return nil, channels.ErrTransient("connect for qr login", err)
	}
	a.publishStatus(channels.Status{State: channels.StateStarting})

	codes := make(chan string, 8)
	done := make(chan error, 1)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(codes)
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				done <- ctx.Err()
				return
			case evt, ok := <-qrChan:
				if !ok {
					done <- channels.ErrTimeout("qr channel closed before pairing", nil)
					return
				}
				switch evt.Event {
				case "code":
					select {
					case codes <- evt.Code:
					default:
					}
				case "success":
					a.logger.Info("whatsapp linked")
					done <- nil
					return
				case "timeout":
					done <- channels.ErrTimeout("qr login timed out", nil)
					return
				default:
					done <- channels.ErrAuth(fmt.Sprintf("qr login failed: %s", evt.Event), evt.Error)
					return
				}
			}
		}
	}()
	return &channels.LoginAttempt{ID: uuid.NewString(), QR: codes, Done: done}, nil
}

// LogoutAccount unlinks the device and drops stored credentials.
func (a *Adapter) LogoutAccount(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		if err := a.ensureClient(ctx); err != nil {
			return err
		}
	}
	if a.client.Store.ID == nil {
		a.closeClientLocked()
		return channels.ErrNotLinked("whatsapp", nil)
	}
	if err := a.client.Logout(ctx); err != nil {
		return channels.ErrTransient("logout", err)
	}
	a.closeClientLocked()
	a.publishStatus(channels.Status{State: channels.StateStopped})
	return nil
}

// HeartbeatReadiness vetoes heartbeats while the surface is switched
// off, the listener is down, or the device is unlinked.
func (a *Adapter) HeartbeatReadiness() channels.Readiness {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	switch {
	case !a.IsEnabled():
		return channels.Readiness{Ready: false, Reason: "whatsapp-disabled"}
	case client == nil:
		return channels.Readiness{Ready: false, Reason: "whatsapp-not-running"}
	case client.Store.ID == nil:
		return channels.Readiness{Ready: false, Reason: "whatsapp-not-linked"}
	case !client.IsConnected():
		return channels.Readiness{Ready: false, Reason: "whatsapp-not-running"}
	}
	return channels.Readiness{Ready: true}
}

// Probe reports socket-level connectivity.
func (a *Adapter) Probe(ctx context.Context) channels.HealthStatus {
	start := a.now()
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	hs := channels.HealthStatus{LastCheck: a.now(), Latency: a.now().Sub(start)}
	switch {
	case client == nil:
		hs.Message = "not started"
	case client.Store.ID == nil:
		hs.Message = "not linked"
	case !client.IsConnected():
		hs.Message = "disconnected"
	default:
		hs.Healthy = true
		hs.Message = "connected"
	}
	return hs
}

// ConfigPrefixes scopes hot reload to this surface's config subtree.
func (a *Adapter) ConfigPrefixes() []string { return []string{"channels.whatsapp"} }

// ApplyConfig swaps in fresh channel config; the registry calls it
// only while the adapter is stopped.
func (a *Adapter) ApplyConfig(cfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg.Channels.WhatsApp
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

// connectedClient returns the live client or a classified error.
func (a *Adapter) connectedClient() (*whatsmeow.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil, channels.ErrTransient("whatsapp is not running", nil)
	}
	if a.client.Store.ID == nil {
		return nil, channels.ErrNotLinked("whatsapp", nil)
	}
	if !a.client.IsConnected() {
		return nil, channels.ErrTransient("whatsapp is not connected", nil)
	}
	return a.client, nil
}

// handleEvent is the whatsmeow event callback.
func (a *Adapter) handleEvent(raw interface{}) {
	switch evt := raw.(type) {
	case *events.Connected:
		a.logger.Info("whatsapp connected")
		a.publishStatus(channels.Status{
			State: channels.StateRunning, Connected: true, LastPing: a.now().Unix(),
		})
	case *events.Disconnected:
		a.logger.Warn("whatsapp disconnected")
		a.publishStatus(channels.Status{State: channels.StateRunning, Connected: false})
	case *events.StreamReplaced:
		a.logger.Warn("whatsapp stream replaced by another session")
		a.publishStatus(channels.Status{State: channels.StateError, Error: "stream replaced"})
	case *events.LoggedOut:
		a.logger.Warn("whatsapp logged out", "reason", evt.Reason)
		a.publishStatus(channels.Status{State: channels.StateError, Error: "logged out"})
	case *events.Message:
		a.handleMessage(evt)
	}
}

// handleMessage normalizes one inbound message and emits it.
func (a *Adapter) handleMessage(evt *events.Message) {
	// Own sends echo back on the linked device; drop them so replies
	// never loop. Status broadcasts are noise.
	if evt.Info.IsFromMe || evt.Info.Chat.Server == types.BroadcastServer {
		return
	}
	var self types.JID
	if a.client != nil && a.client.Store.ID != nil {
		self = *a.client.Store.ID
	}
	env := buildEnvelope(evt, self)
	if env == nil {
		return
	}
	if evt.Info.IsGroup {
		env.GroupSubject = a.groupName(evt.Info.Chat)
	}
	if env.SenderName == "" {
		env.SenderName = a.contactName(evt.Info.Sender)
	}
	a.attachInboundMedia(evt, env)
	if env.Body == "" && !env.HasMedia() {
		return
	}
	a.emit(env)
}

// buildEnvelope maps a message event onto the normalized envelope.
func buildEnvelope(evt *events.Message, self types.JID) *models.Envelope {
	if evt == nil || evt.Message == nil {
		return nil
	}
	msg := evt.Message
	env := &models.Envelope{
		Surface:        models.ChannelWhatsApp,
		MessageID:      evt.Info.ID,
		Timestamp:      evt.Info.Timestamp,
		SenderName:     evt.Info.PushName,
		SenderIdentity: waSenderID(evt.Info.Sender),
		ChatType:       models.ChatDirect,
	}
	if evt.Info.IsGroup {
		env.ChatType = models.ChatGroup
		env.From = evt.Info.Chat.String()
	} else {
		env.From = waSenderID(evt.Info.Sender)
	}

	var ctxInfo *waE2E.ContextInfo
	switch {
	case msg.Conversation != nil:
		env.Body = msg.GetConversation()
	case msg.ExtendedTextMessage != nil:
		env.Body = msg.ExtendedTextMessage.GetText()
		ctxInfo = msg.ExtendedTextMessage.GetContextInfo()
	case msg.ImageMessage != nil:
		env.Body = msg.ImageMessage.GetCaption()
		ctxInfo = msg.ImageMessage.GetContextInfo()
	case msg.DocumentMessage != nil:
		env.Body = msg.DocumentMessage.GetCaption()
		ctxInfo = msg.DocumentMessage.GetContextInfo()
	case msg.VideoMessage != nil:
		env.Body = msg.VideoMessage.GetCaption()
		ctxInfo = msg.VideoMessage.GetContextInfo()
	case msg.AudioMessage != nil:
		ctxInfo = msg.AudioMessage.GetContextInfo()
	default:
		return nil
	}

	if ctxInfo != nil {
		if id := ctxInfo.GetStanzaID(); id != "" {
			env.ReplyToID = id
			env.ReplyToBody = quotedText(ctxInfo.GetQuotedMessage())
			if p, err := types.ParseJID(ctxInfo.GetParticipant()); err == nil {
				env.ReplyToSender = waSenderID(p)
			}
		}
		env.WasMentioned = mentionsJID(ctxInfo, self) ||
			(env.ReplyToID != "" && sameUser(ctxInfo.GetParticipant(), self))
	}
	return env
}

// quotedText extracts the text of a quoted message for reply context.
func quotedText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	switch {
	case msg.Conversation != nil:
		return msg.GetConversation()
	case msg.ExtendedTextMessage != nil:
		return msg.ExtendedTextMessage.GetText()
	case msg.ImageMessage != nil:
		return msg.ImageMessage.GetCaption()
	case msg.VideoMessage != nil:
		return msg.VideoMessage.GetCaption()
	case msg.DocumentMessage != nil:
		return msg.DocumentMessage.GetCaption()
	}
	return ""
}

// mentionsJID reports whether the context info mentions the given user.
// Comparison runs on the bare user part since device suffixes differ
// between the mention list and the store identity.
func mentionsJID(ctxInfo *waE2E.ContextInfo, self types.JID) bool {
	if self.User == "" {
		return false
	}
	for _, raw := range ctxInfo.GetMentionedJID() {
		if sameUser(raw, self) {
			return true
		}
	}
	return false
}

func sameUser(raw string, self types.JID) bool {
	if raw == "" || self.User == "" {
		return false
	}
	jid, err := types.ParseJID(raw)
	if err != nil {
		return false
	}
	return jid.User == self.User
}

// waSenderID renders a JID the way allowlists are written: +number for
// regular users, the full JID otherwise.
func waSenderID(jid types.JID) string {
	if jid.Server == types.DefaultUserServer && jid.User != "" {
		return "+" + jid.User
	}
	return jid.String()
}

// toJID parses a recipient: full JIDs pass through, anything else is
// treated as a phone number.
func toJID(to string) (types.JID, error) {
	trimmed := strings.TrimSpace(to)
	if trimmed == "" {
		return types.JID{}, channels.ErrInvalidInput("empty recipient", nil)
	}
	if strings.ContainsRune(trimmed, '@') {
		jid, err := types.ParseJID(trimmed)
		if err != nil {
			return types.JID{}, channels.ErrInvalidInput(fmt.Sprintf("invalid recipient %q", to), err)
		}
		return jid, nil
	}
	number := strings.TrimPrefix(trimmed, "+")
	if number == "" {
		return types.JID{}, channels.ErrInvalidInput(fmt.Sprintf("invalid recipient %q", to), nil)
	}
	return types.NewJID(number, types.DefaultUserServer), nil
}

// attachInboundMedia downloads the attachment, if any, into the local
// media directory and records it on the envelope.
func (a *Adapter) attachInboundMedia(evt *events.Message, env *models.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var (
		data []byte
		mime string
		err  error
	)
	msg := evt.Message
	switch {
	case msg.ImageMessage != nil:
		data, err = a.client.Download(ctx, msg.ImageMessage)
		mime = msg.ImageMessage.GetMimetype()
	case msg.DocumentMessage != nil:
		data, err = a.client.Download(ctx, msg.DocumentMessage)
		mime = msg.DocumentMessage.GetMimetype()
	case msg.AudioMessage != nil:
		data, err = a.client.Download(ctx, msg.AudioMessage)
		mime = msg.AudioMessage.GetMimetype()
	case msg.VideoMessage != nil:
		data, err = a.client.Download(ctx, msg.VideoMessage)
		mime = msg.VideoMessage.GetMimetype()
	default:
		return
	}
	if err != nil {
		a.logger.Warn("download inbound media", "error", err)
		return
	}
	path, err := media.SaveInbound(data, mime)
	if err != nil {
		a.logger.Warn("save inbound media", "error", err)
		return
	}
	env.Media = &models.Media{Path: path, MimeType: mime}
}

// contactName resolves a display name from the contact store.
func (a *Adapter) contactName(jid types.JID) string {
	if a.client == nil {
		return jid.User
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	contact, err := a.client.Store.Contacts.GetContact(ctx, jid)
	if err == nil {
		if contact.FullName != "" {
			return contact.FullName
		}
		if contact.PushName != "" {
			return contact.PushName
		}
	}
	return jid.User
}

// groupName resolves a group subject.
func (a *Adapter) groupName(jid types.JID) string {
	if a.client == nil {
		return jid.User
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	group, err := a.client.GetGroupInfo(ctx, jid)
	if err == nil && group.Name != "" {
		return group.Name
	}
	return jid.User
}

// emit forwards an envelope without blocking the event callback.
func (a *Adapter) emit(env *models.Envelope) {
	select {
	case a.envelopes <- env:
	default:
		a.logger.Warn("envelope buffer full, dropping message",
			"from", env.From, "messageId", env.MessageID)
	}
}

func uploadTypeFor(kind media.Kind) whatsmeow.MediaType {
	switch kind {
	case media.KindImage:
		return whatsmeow.MediaImage
	case media.KindVideo:
		return whatsmeow.MediaVideo
	case media.KindAudio:
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}

// classifySendError maps whatsmeow send failures onto channel codes.
func classifySendError(to string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "404"):
		return channels.ErrChatNotFound(to, err)
	case strings.Contains(msg, "rate-overlimit") || strings.Contains(msg, "429"):
		return channels.ErrRateLimit("send message", err)
	default:
		return channels.ErrTransient("send message", err)
	}
}
