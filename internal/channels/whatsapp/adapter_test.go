package whatsapp

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/media"
	"github.com/clawdis/clawdis/pkg/models"
)

func textEvent(chat, sender types.JID, group bool, body string) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:    chat,
				Sender:  sender,
				IsGroup: group,
			},
			ID:        "3EB0ABCDEF",
			PushName:  "Dana",
			Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		Message: &waE2E.Message{Conversation: proto.String(body)},
	}
}

func TestBuildEnvelopeDirectText(t *testing.T) {
	sender := types.NewJID("15550001111", types.DefaultUserServer)
	env := buildEnvelope(textEvent(sender, sender, false, "hello"), types.JID{})
	if env == nil {
		t.Fatal("expected envelope")
	}
	if env.Surface != models.ChannelWhatsApp {
		t.Errorf("surface = %s", env.Surface)
	}
	if env.From != "+15550001111" {
		t.Errorf("from = %q, want +15550001111", env.From)
	}
	if env.SenderIdentity != "+15550001111" {
		t.Errorf("senderIdentity = %q", env.SenderIdentity)
	}
	if env.ChatType != models.ChatDirect {
		t.Errorf("chatType = %s", env.ChatType)
	}
	if env.Body != "hello" {
		t.Errorf("body = %q", env.Body)
	}
	if env.SenderName != "Dana" {
		t.Errorf("senderName = %q", env.SenderName)
	}
	if env.MessageID != "3EB0ABCDEF" {
		t.Errorf("messageId = %q", env.MessageID)
	}
	if err := env.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestBuildEnvelopeGroupUsesChatJID(t *testing.T) {
	group := types.NewJID("12035561234-1600000000", types.GroupServer)
	sender := types.NewJID("15550001111", types.DefaultUserServer)
	env := buildEnvelope(textEvent(group, sender, true, "ping"), types.JID{})
	if env == nil {
		t.Fatal("expected envelope")
	}
	if env.ChatType != models.ChatGroup {
		t.Errorf("chatType = %s", env.ChatType)
	}
	if env.From != group.String() {
		t.Errorf("from = %q, want %q", env.From, group.String())
	}
	if env.SenderIdentity != "+15550001111" {
		t.Errorf("senderIdentity = %q", env.SenderIdentity)
	}
}

func TestBuildEnvelopeMention(t *testing.T) {
	self := types.NewJID("4915557777", types.DefaultUserServer)
	group := types.NewJID("12035561234-1600000000", types.GroupServer)
	sender := types.NewJID("15550001111", types.DefaultUserServer)

	tests := []struct {
		name      string
		mentioned []string
		want      bool
	}{
		{"self mentioned", []string{"4915557777@s.whatsapp.net"}, true},
		{"self mentioned with device", []string{"4915557777:12@s.whatsapp.net"}, true},
		{"other mentioned", []string{"15550009999@s.whatsapp.net"}, false},
		{"no mentions", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := textEvent(group, sender, true, "hey @you")
			evt.Message = &waE2E.Message{
				ExtendedTextMessage: &waE2E.ExtendedTextMessage{
					Text: proto.String("hey @you"),
					ContextInfo: &waE2E.ContextInfo{
						MentionedJID: tt.mentioned,
					},
				},
			}
			env := buildEnvelope(evt, self)
			if env == nil {
				t.Fatal("expected envelope")
			}
			if env.WasMentioned != tt.want {
				t.Errorf("wasMentioned = %v, want %v", env.WasMentioned, tt.want)
			}
		})
	}
}

func TestBuildEnvelopeReplyContext(t *testing.T) {
	self := types.NewJID("4915557777", types.DefaultUserServer)
	group := types.NewJID("12035561234-1600000000", types.GroupServer)
	sender := types.NewJID("15550001111", types.DefaultUserServer)

	evt := textEvent(group, sender, true, "")
	evt.Message = &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String("replying"),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:      proto.String("QUOTED01"),
				Participant:   proto.String("4915557777:3@s.whatsapp.net"),
				QuotedMessage: &waE2E.Message{Conversation: proto.String("original text")},
			},
		},
	}
	env := buildEnvelope(evt, self)
	if env == nil {
		t.Fatal("expected envelope")
	}
	if env.ReplyToID != "QUOTED01" {
		t.Errorf("replyToId = %q", env.ReplyToID)
	}
	if env.ReplyToBody != "original text" {
		t.Errorf("replyToBody = %q", env.ReplyToBody)
	}
	if env.ReplyToSender != "+4915557777" {
		t.Errorf("replyToSender = %q", env.ReplyToSender)
	}
	// A reply to one of our own messages counts as a mention.
	if !env.WasMentioned {
		t.Error("reply to self should set wasMentioned")
	}
}

func TestBuildEnvelopeCaptions(t *testing.T) {
	sender := types.NewJID("15550001111", types.DefaultUserServer)

	evt := textEvent(sender, sender, false, "")
	evt.Message = &waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{
			Caption:  proto.String("look at this"),
			Mimetype: proto.String("image/jpeg"),
		},
	}
	env := buildEnvelope(evt, types.JID{})
	if env == nil {
		t.Fatal("expected envelope")
	}
	if env.Body != "look at this" {
		t.Errorf("body = %q", env.Body)
	}

	evt.Message = &waE2E.Message{AudioMessage: &waE2E.AudioMessage{PTT: proto.Bool(true)}}
	env = buildEnvelope(evt, types.JID{})
	if env == nil {
		t.Fatal("expected envelope for audio")
	}
	if env.Body != "" {
		t.Errorf("audio body = %q, want empty", env.Body)
	}
}

func TestBuildEnvelopeUnsupportedType(t *testing.T) {
	sender := types.NewJID("15550001111", types.DefaultUserServer)
	evt := textEvent(sender, sender, false, "")
	evt.Message = &waE2E.Message{}
	if env := buildEnvelope(evt, types.JID{}); env != nil {
		t.Errorf("expected nil envelope, got %+v", env)
	}
}

func TestWASenderID(t *testing.T) {
	tests := []struct {
		jid  types.JID
		want string
	}{
		{types.NewJID("15550001111", types.DefaultUserServer), "+15550001111"},
		{types.NewJID("12035561234-1600000000", types.GroupServer), "12035561234-1600000000@g.us"},
		{types.JID{}, ""},
	}
	for _, tt := range tests {
		if got := waSenderID(tt.jid); got != tt.want {
			t.Errorf("waSenderID(%s) = %q, want %q", tt.jid, got, tt.want)
		}
	}
}

func TestToJID(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+15550001111", "15550001111@s.whatsapp.net", false},
		{"15550001111", "15550001111@s.whatsapp.net", false},
		{"12035561234-1600000000@g.us", "12035561234-1600000000@g.us", false},
		{"", "", true},
		{"+", "", true},
	}
	for _, tt := range tests {
		jid, err := toJID(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("toJID(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("toJID(%q): %v", tt.in, err)
			continue
		}
		if jid.String() != tt.want {
			t.Errorf("toJID(%q) = %s, want %s", tt.in, jid, tt.want)
		}
	}
}

func TestClassifySendError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want channels.ErrorCode
	}{
		{"unknown recipient", errors.New("server returned error 404"), channels.ErrCodeChatNotFound},
		{"rate limited", errors.New("rate-overlimit"), channels.ErrCodeRateLimit},
		{"socket down", errors.New("websocket not connected"), channels.ErrCodeTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := channels.GetErrorCode(classifySendError("+1555", tt.err))
			if got != tt.want {
				t.Errorf("code = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestUploadTypeFor(t *testing.T) {
	tests := []struct {
		kind media.Kind
		want whatsmeow.MediaType
	}{
		{media.KindImage, whatsmeow.MediaImage},
		{media.KindVideo, whatsmeow.MediaVideo},
		{media.KindAudio, whatsmeow.MediaAudio},
		{media.KindDocument, whatsmeow.MediaDocument},
		{media.KindUnknown, whatsmeow.MediaDocument},
	}
	for _, tt := range tests {
		if got := uploadTypeFor(tt.kind); got != tt.want {
			t.Errorf("uploadTypeFor(%s) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestAdapterSurfaceMetadata(t *testing.T) {
	a := New(config.WhatsAppConfig{})
	if a.Dock().ID != models.ChannelWhatsApp {
		t.Errorf("dock id = %s", a.Dock().ID)
	}
	if !a.Dock().ForceAccountBinding {
		t.Error("whatsapp should force account binding")
	}
	caps := a.Capabilities()
	if !caps.Media || !caps.Polls || !caps.Typing {
		t.Errorf("capabilities = %+v", caps)
	}
	if a.PollMaxOptions() != 12 {
		t.Errorf("pollMaxOptions = %d", a.PollMaxOptions())
	}
	if !a.IsConfigured() {
		t.Error("whatsapp is always configured")
	}
	if a.IsEnabled() {
		t.Error("disabled by default")
	}
	prefixes := a.ConfigPrefixes()
	if len(prefixes) != 1 || prefixes[0] != "channels.whatsapp" {
		t.Errorf("configPrefixes = %v", prefixes)
	}
}

func TestStorePath(t *testing.T) {
	t.Setenv(config.StateDirEnv, t.TempDir())

	a := New(config.WhatsAppConfig{})
	want := filepath.Join(config.StateDir(), "whatsapp", "session.db")
	if got := a.storePath(); got != want {
		t.Errorf("default storePath = %q, want %q", got, want)
	}

	a = New(config.WhatsAppConfig{StorePath: "/tmp/custom.db"})
	if got := a.storePath(); got != "/tmp/custom.db" {
		t.Errorf("override storePath = %q", got)
	}
}

func TestSendBeforeStart(t *testing.T) {
	a := New(config.WhatsAppConfig{})
	err := a.SendText(context.Background(), "+15550001111", "hi")
	if err == nil {
		t.Fatal("expected error before start")
	}
	if code := channels.GetErrorCode(err); code != channels.ErrCodeTransient {
		t.Errorf("code = %s, want %s", code, channels.ErrCodeTransient)
	}
}

func TestHeartbeatReadinessBeforeStart(t *testing.T) {
	a := New(config.WhatsAppConfig{})
	r := a.HeartbeatReadiness()
	if r.Ready {
		t.Error("disabled adapter should not be heartbeat ready")
	}
	if r.Reason != "whatsapp-disabled" {
		t.Errorf("reason = %q, want whatsapp-disabled", r.Reason)
	}

	a = New(config.WhatsAppConfig{ChannelCommon: config.ChannelCommon{Enabled: true}})
	r = a.HeartbeatReadiness()
	if r.Ready {
		t.Error("unstarted adapter should not be heartbeat ready")
	}
	if r.Reason != "whatsapp-not-running" {
		t.Errorf("reason = %q, want whatsapp-not-running", r.Reason)
	}
}

func TestEmitDropsWhenFull(t *testing.T) {
	a := New(config.WhatsAppConfig{})
	for i := 0; i < cap(a.envelopes)+5; i++ {
		a.emit(&models.Envelope{Body: "x", From: "+1", Surface: models.ChannelWhatsApp})
	}
	if got := len(a.envelopes); got != cap(a.envelopes) {
		t.Errorf("buffered = %d, want %d", got, cap(a.envelopes))
	}
}

func TestStatusTransitions(t *testing.T) {
	a := New(config.WhatsAppConfig{})
	if st := a.Status(); st.State != channels.StateStopped {
		t.Errorf("initial state = %s", st.State)
	}

	var published []channels.Status
	a.setStatus = func(st channels.Status) { published = append(published, st) }
	a.publishStatus(channels.Status{State: channels.StateRunning, Connected: true})

	if st := a.Status(); !st.Connected || st.State != channels.StateRunning {
		t.Errorf("status = %+v", st)
	}
	if len(published) != 1 || published[0].State != channels.StateRunning {
		t.Errorf("published = %+v", published)
	}
}
