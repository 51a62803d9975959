package slack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/pkg/models"
)

type postedMessage struct {
	channel string
	options []slack.MsgOption
}

type fakeAPI struct {
	mu sync.Mutex

	authErr error

	posted  []postedMessage
	postErr error

	uploads      []slack.UploadFileV2Parameters
	uploadBodies []string

	users     map[string]*slack.User
	userCalls int
	rooms     map[string]string
	roomCalls int

	fileData map[string][]byte
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		users:    make(map[string]*slack.User),
		rooms:    make(map[string]string),
		fileData: make(map[string][]byte),
	}
}

func (f *fakeAPI) AuthTestContext(context.Context) (*slack.AuthTestResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.authErr != nil {
		return nil, f.authErr
	}
	return &slack.AuthTestResponse{UserID: "U99", User: "clawdbot", Team: "acme"}, nil
}

func (f *fakeAPI) PostMessageContext(_ context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return "", "", f.postErr
	}
	f.posted = append(f.posted, postedMessage{channel: channelID, options: options})
	return channelID, "1700000000.000001", nil
}

func (f *fakeAPI) UploadFileV2Context(_ context.Context, params slack.UploadFileV2Parameters) (*slack.FileSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, err := io.ReadAll(params.Reader)
	if err != nil {
		return nil, err
	}
	f.uploads = append(f.uploads, params)
	f.uploadBodies = append(f.uploadBodies, string(body))
	return &slack.FileSummary{ID: "F100"}, nil
}

func (f *fakeAPI) GetUserInfoContext(_ context.Context, user string) (*slack.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userCalls++
	u, ok := f.users[user]
	if !ok {
		return nil, errors.New("user_not_found")
	}
	return u, nil
}

func (f *fakeAPI) GetConversationInfoContext(_ context.Context, input *slack.GetConversationInfoInput) (*slack.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roomCalls++
	name, ok := f.rooms[input.ChannelID]
	if !ok {
		return nil, errors.New("channel_not_found")
	}
	ch := &slack.Channel{}
	ch.Name = name
	return ch, nil
}

func (f *fakeAPI) GetFileContext(_ context.Context, downloadURL string, writer io.Writer) error {
	f.mu.Lock()
	data, ok := f.fileData[downloadURL]
	f.mu.Unlock()
	if !ok {
		return errors.New("file_not_found")
	}
	_, err := writer.Write(data)
	return err
}

func (f *fakeAPI) postedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posted)
}

type fakeSocket struct {
	mu     sync.Mutex
	events chan socketmode.Event
	acked  []socketmode.Request
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{events: make(chan socketmode.Event, 16)}
}

func (f *fakeSocket) RunContext(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeSocket) Ack(req socketmode.Request, _ ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, req)
}

func (f *fakeSocket) Events() <-chan socketmode.Event { return f.events }

func (f *fakeSocket) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acked)
}

func testConfig() config.SlackConfig {
	return config.SlackConfig{
		ChannelCommon: config.ChannelCommon{Enabled: true},
		BotToken:      "xoxb-token",
		AppToken:      "xapp-token",
	}
}

// newTestAdapter starts an adapter against fake clients.
func newTestAdapter(t *testing.T, api *fakeAPI, socket *fakeSocket) *Adapter {
	t.Helper()
	a := New(testConfig())
	a.newClients = func(string, string) (apiClient, socketClient) {
		return api, socket
	}
	if err := a.StartAccount(context.Background(), &channels.RuntimeContext{}); err != nil {
		t.Fatalf("StartAccount: %v", err)
	}
	t.Cleanup(func() { _ = a.StopAccount(context.Background()) })
	return a
}

// pushMessage wraps a message event the way Socket Mode delivers it.
func pushMessage(socket *fakeSocket, ev *slackevents.MessageEvent) {
	socket.events <- socketmode.Event{
		Type:    socketmode.EventTypeEventsAPI,
		Request: &socketmode.Request{EnvelopeID: "env-1"},
		Data: slackevents.EventsAPIEvent{
			Type:       slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{Type: "message", Data: ev},
		},
	}
}

func pushMention(socket *fakeSocket, ev *slackevents.AppMentionEvent) {
	socket.events <- socketmode.Event{
		Type:    socketmode.EventTypeEventsAPI,
		Request: &socketmode.Request{EnvelopeID: "env-2"},
		Data: slackevents.EventsAPIEvent{
			Type:       slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{Type: "app_mention", Data: ev},
		},
	}
}

func waitEnvelope(t *testing.T, a *Adapter) *models.Envelope {
	t.Helper()
	select {
	case env := <-a.Envelopes():
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func expectNoEnvelope(t *testing.T, a *Adapter) {
	t.Helper()
	select {
	case env := <-a.Envelopes():
		t.Fatalf("unexpected envelope %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitStatus(t *testing.T, a *Adapter, cond func(channels.Status) bool) channels.Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st := a.Status(); cond(st) {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status condition not reached, last %+v", a.Status())
	return channels.Status{}
}

func channelMessage(text string) *slackevents.MessageEvent {
	return &slackevents.MessageEvent{
		Type:        "message",
		User:        "U42",
		Text:        text,
		Channel:     "C100",
		ChannelType: "channel",
		TimeStamp:   "1700000000.000100",
	}
}

func TestBuildEnvelopeChannelMessage(t *testing.T) {
	env, file := buildEnvelope(channelMessage("hello there"), "U99", false)
	if file != nil {
		t.Errorf("unexpected inbound file %+v", file)
	}
	if env.Surface != models.ChannelSlack {
		t.Errorf("surface = %s", env.Surface)
	}
	if env.From != "C100" {
		t.Errorf("from = %q", env.From)
	}
	if env.MessageID != "1700000000.000100" {
		t.Errorf("messageId = %q", env.MessageID)
	}
	if env.ChatType != models.ChatChannel {
		t.Errorf("chatType = %s", env.ChatType)
	}
	if env.Body != "hello there" {
		t.Errorf("body = %q", env.Body)
	}
	if env.SenderIdentity != "U42" {
		t.Errorf("senderIdentity = %q", env.SenderIdentity)
	}
	if env.WasMentioned {
		t.Error("mention not expected")
	}
	if env.Timestamp.Unix() != 1700000000 {
		t.Errorf("timestamp = %v", env.Timestamp)
	}
	if err := env.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestBuildEnvelopeChatType(t *testing.T) {
	tests := []struct {
		name        string
		channel     string
		channelType string
		want        models.ChatType
	}{
		{"im channel type", "D555", "im", models.ChatDirect},
		{"group channel type", "C200", "channel", models.ChatChannel},
		{"dm prefix fallback", "D555", "", models.ChatDirect},
		{"channel prefix fallback", "C200", "", models.ChatChannel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &slackevents.MessageEvent{
				Type: "message", User: "U42", Text: "hi",
				Channel: tt.channel, ChannelType: tt.channelType,
				TimeStamp: "1700000000.000100",
			}
			env, _ := buildEnvelope(ev, "U99", false)
			if env.ChatType != tt.want {
				t.Errorf("chatType = %s, want %s", env.ChatType, tt.want)
			}
		})
	}
}

func TestBuildEnvelopeThread(t *testing.T) {
	ev := channelMessage("reply here")
	ev.ThreadTimeStamp = "1699999990.000001"
	env, _ := buildEnvelope(ev, "U99", false)
	if env.ThreadID != "1699999990.000001" {
		t.Errorf("threadId = %q", env.ThreadID)
	}
	if env.ReplyToID != "1699999990.000001" {
		t.Errorf("replyToId = %q", env.ReplyToID)
	}

	// A thread root carries its own ts as thread_ts and is not a reply.
	root := channelMessage("root")
	root.ThreadTimeStamp = root.TimeStamp
	env, _ = buildEnvelope(root, "U99", false)
	if env.ThreadID != "" {
		t.Errorf("root threadId = %q, want empty", env.ThreadID)
	}
}

func TestBuildEnvelopeMention(t *testing.T) {
	tests := []struct {
		name          string
		text          string
		fromMention   bool
		wantBody      string
		wantMentioned bool
	}{
		{"leading mention stripped", "<@U99> run status", false, "run status", true},
		{"mid mention kept in body", "please <@U99> help", false, "please <@U99> help", true},
		{"other user mention", "<@U50> hello", false, "<@U50> hello", false},
		{"app mention event", "run it", true, "run it", true},
		{"no mention", "plain text", false, "plain text", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := channelMessage(tt.text)
			env, _ := buildEnvelope(ev, "U99", tt.fromMention)
			if env.Body != tt.wantBody {
				t.Errorf("body = %q, want %q", env.Body, tt.wantBody)
			}
			if env.WasMentioned != tt.wantMentioned {
				t.Errorf("wasMentioned = %v, want %v", env.WasMentioned, tt.wantMentioned)
			}
		})
	}
}

func TestBuildEnvelopeFileShare(t *testing.T) {
	ev := channelMessage("here you go")
	ev.SubType = "file_share"
	ev.Message = &slack.Msg{
		Files: []slack.File{{
			ID:                 "F1",
			Name:               "notes.txt",
			Mimetype:           "text/plain",
			URLPrivateDownload: "https://files.slack.com/files-pri/T1-F1/download/notes.txt",
		}},
	}
	env, file := buildEnvelope(ev, "U99", false)
	if env == nil {
		t.Fatal("expected envelope")
	}
	if file == nil {
		t.Fatal("expected inbound file")
	}
	if file.url != "https://files.slack.com/files-pri/T1-F1/download/notes.txt" {
		t.Errorf("url = %q", file.url)
	}
	if file.mime != "text/plain" {
		t.Errorf("mime = %q", file.mime)
	}
}

func TestSlackTime(t *testing.T) {
	tests := []struct {
		name     string
		ts       string
		wantSec  int64
		wantNsec int
		wantZero bool
	}{
		{"microsecond precision", "1700000000.000100", 1700000000, 100000, false},
		{"zero microseconds", "1700000000.000000", 1700000000, 0, false},
		{"no dot", "1700000000", 0, 0, true},
		{"junk seconds", "abc.5", 0, 0, true},
		{"junk microseconds", "1700000000.abc", 1700000000, 0, false},
		{"empty", "", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := slackTime(tt.ts)
			if tt.wantZero {
				if !got.IsZero() {
					t.Errorf("slackTime(%q) = %v, want zero", tt.ts, got)
				}
				return
			}
			if got.Unix() != tt.wantSec {
				t.Errorf("seconds = %d, want %d", got.Unix(), tt.wantSec)
			}
			if got.Nanosecond() != tt.wantNsec {
				t.Errorf("nanoseconds = %d, want %d", got.Nanosecond(), tt.wantNsec)
			}
		})
	}
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name        string
		to          string
		wantChannel string
		wantThread  string
		wantErr     bool
	}{
		{"plain channel", "C123", "C123", "", false},
		{"thread target", "C123:thread:1699.42", "C123", "1699.42", false},
		{"dm thread", "D9:thread:1700000000.000100", "D9", "1700000000.000100", false},
		{"empty thread suffix", "C123:thread:", "C123", "", false},
		{"whitespace trimmed", "  C9  ", "C9", "", false},
		{"empty", "", "", "", true},
		{"blank", "   ", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			channel, thread, err := parseTarget(tt.to)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if channel != tt.wantChannel || thread != tt.wantThread {
				t.Errorf("parseTarget(%q) = (%q, %q), want (%q, %q)",
					tt.to, channel, thread, tt.wantChannel, tt.wantThread)
			}
		})
	}
}

func TestSendTextPostsMessage(t *testing.T) {
	api := newFakeAPI()
	a := newTestAdapter(t, api, newFakeSocket())

	if err := a.SendText(context.Background(), "C7", "status is green"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.posted) != 1 {
		t.Fatalf("posted %d messages, want 1", len(api.posted))
	}
	if api.posted[0].channel != "C7" {
		t.Errorf("channel = %q", api.posted[0].channel)
	}
	if len(api.posted[0].options) != 1 {
		t.Errorf("options = %d, want 1 (text only)", len(api.posted[0].options))
	}
}

func TestSendTextThreadTarget(t *testing.T) {
	api := newFakeAPI()
	a := newTestAdapter(t, api, newFakeSocket())

	if err := a.SendText(context.Background(), "C7:thread:1699.42", "in thread"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if api.posted[0].channel != "C7" {
		t.Errorf("channel = %q", api.posted[0].channel)
	}
	if len(api.posted[0].options) != 2 {
		t.Errorf("options = %d, want 2 (text and thread ts)", len(api.posted[0].options))
	}
}

func TestSendTextClassifiesError(t *testing.T) {
	api := newFakeAPI()
	api.postErr = errors.New("channel_not_found")
	a := newTestAdapter(t, api, newFakeSocket())

	err := a.SendText(context.Background(), "C404", "hi")
	var chErr *channels.Error
	if !errors.As(err, &chErr) {
		t.Fatalf("expected channels.Error, got %v", err)
	}
	if chErr.Code != channels.ErrCodeChatNotFound {
		t.Errorf("code = %s, want %s", chErr.Code, channels.ErrCodeChatNotFound)
	}
}

func TestSendMediaUploadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.txt")
	if err := os.WriteFile(path, []byte("quarterly numbers"), 0o600); err != nil {
		t.Fatal(err)
	}
	api := newFakeAPI()
	a := newTestAdapter(t, api, newFakeSocket())

	payload := &models.Payload{Text: "the report", MediaURL: path}
	if err := a.SendMedia(context.Background(), "C7:thread:1699.100", payload); err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.uploads) != 1 {
		t.Fatalf("uploads = %d, want 1", len(api.uploads))
	}
	up := api.uploads[0]
	if up.Channel != "C7" {
		t.Errorf("channel = %q", up.Channel)
	}
	if up.ThreadTimestamp != "1699.100" {
		t.Errorf("threadTimestamp = %q", up.ThreadTimestamp)
	}
	if up.Filename != "report.txt" {
		t.Errorf("filename = %q", up.Filename)
	}
	if up.FileSize != len("quarterly numbers") {
		t.Errorf("fileSize = %d", up.FileSize)
	}
	if up.InitialComment != "the report" {
		t.Errorf("initialComment = %q", up.InitialComment)
	}
	if api.uploadBodies[0] != "quarterly numbers" {
		t.Errorf("uploaded body = %q", api.uploadBodies[0])
	}
}

func TestSendMediaMissingFile(t *testing.T) {
	a := newTestAdapter(t, newFakeAPI(), newFakeSocket())
	payload := &models.Payload{MediaURL: filepath.Join(t.TempDir(), "missing.png")}
	err := a.SendMedia(context.Background(), "C7", payload)
	var chErr *channels.Error
	if !errors.As(err, &chErr) || chErr.Code != channels.ErrCodeInvalidInput {
		t.Fatalf("expected invalid input error, got %v", err)
	}
}

func TestSendBeforeStart(t *testing.T) {
	a := New(testConfig())
	err := a.SendText(context.Background(), "C7", "hi")
	var chErr *channels.Error
	if !errors.As(err, &chErr) || chErr.Code != channels.ErrCodeTransient {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestStartAccountMissingTokens(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.SlackConfig
	}{
		{"no bot token", config.SlackConfig{AppToken: "xapp-token"}},
		{"no app token", config.SlackConfig{BotToken: "xoxb-token"}},
		{"neither", config.SlackConfig{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(tt.cfg)
			err := a.StartAccount(context.Background(), &channels.RuntimeContext{})
			var chErr *channels.Error
			if !errors.As(err, &chErr) || chErr.Code != channels.ErrCodeConfig {
				t.Fatalf("expected config error, got %v", err)
			}
			if a.Status().State != channels.StateError {
				t.Errorf("state = %s", a.Status().State)
			}
		})
	}
}

func TestStartAccountAuthFailure(t *testing.T) {
	api := newFakeAPI()
	api.authErr = errors.New("invalid_auth")
	a := New(testConfig())
	a.newClients = func(string, string) (apiClient, socketClient) {
		return api, newFakeSocket()
	}
	err := a.StartAccount(context.Background(), &channels.RuntimeContext{})
	var chErr *channels.Error
	if !errors.As(err, &chErr) || chErr.Code != channels.ErrCodeAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
	if a.Status().State != channels.StateError {
		t.Errorf("state = %s", a.Status().State)
	}
}

func TestLifecycleAndStatus(t *testing.T) {
	var seenMu sync.Mutex
	var seen []channels.Status

	api := newFakeAPI()
	socket := newFakeSocket()
	a := New(testConfig())
	a.newClients = func(string, string) (apiClient, socketClient) {
		return api, socket
	}
	rt := &channels.RuntimeContext{SetStatus: func(st channels.Status) {
		seenMu.Lock()
		seen = append(seen, st)
		seenMu.Unlock()
	}}
	if err := a.StartAccount(context.Background(), rt); err != nil {
		t.Fatalf("StartAccount: %v", err)
	}

	socket.events <- socketmode.Event{Type: socketmode.EventTypeConnected}
	waitStatus(t, a, func(st channels.Status) bool { return st.Connected })

	socket.events <- socketmode.Event{Type: socketmode.EventTypeConnectionError}
	st := waitStatus(t, a, func(st channels.Status) bool { return !st.Connected })
	if st.State != channels.StateRunning {
		t.Errorf("state after connection error = %s, want running", st.State)
	}
	if st.Error == "" {
		t.Error("expected error detail after connection error")
	}

	if err := a.StopAccount(context.Background()); err != nil {
		t.Fatalf("StopAccount: %v", err)
	}
	if a.Status().State != channels.StateStopped {
		t.Errorf("state after stop = %s", a.Status().State)
	}

	seenMu.Lock()
	defer seenMu.Unlock()
	if len(seen) < 3 {
		t.Fatalf("saw %d status updates, want at least 3", len(seen))
	}
	if seen[0].State != channels.StateStarting {
		t.Errorf("first status = %s, want starting", seen[0].State)
	}
	if seen[len(seen)-1].State != channels.StateStopped {
		t.Errorf("last status = %s, want stopped", seen[len(seen)-1].State)
	}

	// The envelope stream outlives the account so a restart can reuse it.
	select {
	case _, open := <-a.Envelopes():
		if !open {
			t.Fatal("envelope stream closed on stop")
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInboundEmission(t *testing.T) {
	api := newFakeAPI()
	api.users["U42"] = &slack.User{
		ID:       "U42",
		Name:     "dana",
		RealName: "Dana K",
		Profile:  slack.UserProfile{DisplayName: "Dana"},
	}
	api.rooms["C100"] = "ops"
	socket := newFakeSocket()
	a := newTestAdapter(t, api, socket)

	pushMessage(socket, channelMessage("deploy finished"))
	env := waitEnvelope(t, a)
	if env.From != "C100" {
		t.Errorf("from = %q", env.From)
	}
	if env.Body != "deploy finished" {
		t.Errorf("body = %q", env.Body)
	}
	if env.SenderIdentity != "dana" {
		t.Errorf("senderIdentity = %q", env.SenderIdentity)
	}
	if env.SenderName != "Dana" {
		t.Errorf("senderName = %q", env.SenderName)
	}
	if env.Room != "ops" {
		t.Errorf("room = %q", env.Room)
	}
	if socket.ackCount() != 1 {
		t.Errorf("acked %d events, want 1", socket.ackCount())
	}
}

func TestInboundDropsBotAndOwnMessages(t *testing.T) {
	socket := newFakeSocket()
	a := newTestAdapter(t, newFakeAPI(), socket)

	bot := channelMessage("from an app")
	bot.BotID = "B1"
	pushMessage(socket, bot)

	own := channelMessage("my own reply")
	own.User = "U99"
	own.TimeStamp = "1700000001.000100"
	pushMessage(socket, own)

	edited := channelMessage("edited")
	edited.SubType = "message_changed"
	edited.TimeStamp = "1700000002.000100"
	pushMessage(socket, edited)

	expectNoEnvelope(t, a)
}

func TestInboundDeduplicates(t *testing.T) {
	socket := newFakeSocket()
	a := newTestAdapter(t, newFakeAPI(), socket)

	// Mention subscriptions deliver the same message twice: once as a
	// message event and once as an app_mention.
	msg := channelMessage("<@U99> ship it")
	pushMessage(socket, msg)
	pushMention(socket, &slackevents.AppMentionEvent{
		User:      msg.User,
		Text:      msg.Text,
		Channel:   msg.Channel,
		TimeStamp: msg.TimeStamp,
	})
	pushMessage(socket, msg)

	env := waitEnvelope(t, a)
	if env.Body != "ship it" {
		t.Errorf("body = %q", env.Body)
	}
	if !env.WasMentioned {
		t.Error("expected mention flag")
	}
	expectNoEnvelope(t, a)
}

func TestAppMentionSynthesis(t *testing.T) {
	socket := newFakeSocket()
	a := newTestAdapter(t, newFakeAPI(), socket)

	pushMention(socket, &slackevents.AppMentionEvent{
		User:      "U42",
		Text:      "<@U99> summarize today",
		Channel:   "C300",
		TimeStamp: "1700000500.000300",
	})
	env := waitEnvelope(t, a)
	if env.Body != "summarize today" {
		t.Errorf("body = %q", env.Body)
	}
	if !env.WasMentioned {
		t.Error("expected mention flag")
	}
	if env.ChatType != models.ChatChannel {
		t.Errorf("chatType = %s", env.ChatType)
	}
}

func TestInboundFileDownload(t *testing.T) {
	t.Setenv(config.StateDirEnv, t.TempDir())

	url := "https://files.slack.com/files-pri/T1-F1/download/notes.txt"
	api := newFakeAPI()
	api.fileData[url] = []byte("meeting notes")
	socket := newFakeSocket()
	a := newTestAdapter(t, api, socket)

	ev := &slackevents.MessageEvent{
		Type:        "message",
		User:        "U42",
		SubType:     "file_share",
		Channel:     "D555",
		ChannelType: "im",
		TimeStamp:   "1700000300.000500",
		Message: &slack.Msg{
			Files: []slack.File{{
				ID:                 "F1",
				Name:               "notes.txt",
				Mimetype:           "text/plain",
				URLPrivateDownload: url,
			}},
		},
	}
	pushMessage(socket, ev)

	env := waitEnvelope(t, a)
	if env.Media == nil {
		t.Fatal("expected media on envelope")
	}
	if env.Media.MimeType != "text/plain" {
		t.Errorf("mimeType = %q", env.Media.MimeType)
	}
	data, err := os.ReadFile(env.Media.Path)
	if err != nil {
		t.Fatalf("read saved file: %v", err)
	}
	if string(data) != "meeting notes" {
		t.Errorf("saved contents = %q", data)
	}
}

func TestNameLookupsAreCached(t *testing.T) {
	api := newFakeAPI()
	api.users["U42"] = &slack.User{ID: "U42", Name: "dana"}
	api.rooms["C100"] = "ops"
	socket := newFakeSocket()
	a := newTestAdapter(t, api, socket)

	first := channelMessage("one")
	second := channelMessage("two")
	second.TimeStamp = "1700000001.000100"
	pushMessage(socket, first)
	pushMessage(socket, second)
	waitEnvelope(t, a)
	waitEnvelope(t, a)

	api.mu.Lock()
	defer api.mu.Unlock()
	if api.userCalls != 1 {
		t.Errorf("user lookups = %d, want 1", api.userCalls)
	}
	if api.roomCalls != 1 {
		t.Errorf("room lookups = %d, want 1", api.roomCalls)
	}
}

func TestEmitDropsWhenFull(t *testing.T) {
	a := New(testConfig())
	for i := 0; i < cap(a.envelopes); i++ {
		a.envelopes <- &models.Envelope{MessageID: "filler"}
	}
	a.emit(&models.Envelope{MessageID: "overflow"})
	if len(a.envelopes) != cap(a.envelopes) {
		t.Errorf("buffer length = %d, want %d", len(a.envelopes), cap(a.envelopes))
	}
}

func TestClassifySlackError(t *testing.T) {
	rateLimited := &slack.RateLimitedError{RetryAfter: 3 * time.Second}
	tests := []struct {
		name string
		err  error
		want channels.ErrorCode
	}{
		{"rate limited type", fmt.Errorf("post message: %w", rateLimited), channels.ErrCodeRateLimit},
		{"rate limited string", errors.New("slack rate limit: ratelimited"), channels.ErrCodeRateLimit},
		{"channel not found", errors.New("channel_not_found"), channels.ErrCodeChatNotFound},
		{"not in channel", errors.New("not_in_channel"), channels.ErrCodeChatNotFound},
		{"user not found", errors.New("user_not_found"), channels.ErrCodeChatNotFound},
		{"invalid auth", errors.New("invalid_auth"), channels.ErrCodeAuth},
		{"token revoked", errors.New("token_revoked"), channels.ErrCodeAuth},
		{"other", errors.New("internal_error"), channels.ErrCodeTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifySlackError("C1", tt.err)
			var chErr *channels.Error
			if !errors.As(err, &chErr) {
				t.Fatalf("expected channels.Error, got %v", err)
			}
			if chErr.Code != tt.want {
				t.Errorf("code = %s, want %s", chErr.Code, tt.want)
			}
		})
	}
	if classifySlackError("C1", nil) != nil {
		t.Error("nil error should classify to nil")
	}
}

func TestSeenRingEviction(t *testing.T) {
	r := newSeenRing(2)
	if r.Seen("a") {
		t.Error("first sighting of a reported as seen")
	}
	if !r.Seen("a") {
		t.Error("second sighting of a not reported")
	}
	r.Seen("b")
	r.Seen("c")
	if r.Seen("a") {
		t.Error("a should have been evicted after b and c")
	}
}

func TestAdapterSurfaceMetadata(t *testing.T) {
	a := New(testConfig())
	if a.Dock().ID != models.ChannelSlack {
		t.Errorf("dock id = %s", a.Dock().ID)
	}
	caps := a.Capabilities()
	if !caps.Media || !caps.Threads {
		t.Errorf("capabilities = %+v, want media and threads", caps)
	}
	if caps.Polls || caps.Typing {
		t.Errorf("capabilities = %+v, polls and typing unsupported", caps)
	}
	if !a.IsEnabled() {
		t.Error("expected enabled")
	}
	if !a.IsConfigured() {
		t.Error("expected configured with both tokens")
	}
	partial := New(config.SlackConfig{BotToken: "xoxb-token"})
	if partial.IsConfigured() {
		t.Error("bot token alone should not count as configured")
	}
	prefixes := a.ConfigPrefixes()
	if len(prefixes) != 1 || prefixes[0] != "channels.slack" {
		t.Errorf("prefixes = %v", prefixes)
	}
}
