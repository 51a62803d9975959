// Package signal drives a signal-cli subprocess in JSON-RPC mode. The
// daemon speaks newline-framed JSON-RPC on stdio: requests go down
// stdin, responses and "receive" notifications come back interleaved on
// stdout. signal-cli does not reconnect on its own, so the session loop
// runs under a Reconnector that respawns the process with backoff.
package signal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/media"
	"github.com/clawdis/clawdis/internal/retry"
	"github.com/clawdis/clawdis/pkg/models"
)

const (
	defaultCLIPath = "signal-cli"
	// groupPrefix marks a group target; the suffix is the base64 group
	// id signal-cli uses. Session keys carry the same form.
	groupPrefix = "group."
	// maxLineBytes bounds one stdout line; envelopes with long group
	// member lists can run far past the scanner default.
	maxLineBytes = 1024 * 1024
)

// Adapter is the Signal surface. The subprocess is only spawned inside
// StartAccount; a stopped adapter holds no child process.
type Adapter struct {
	cfg    config.SignalConfig
	loader *media.Loader
	logger *slog.Logger

	// newProcess and lookPath are swapped out in tests.
	newProcess func(ctx context.Context, bin string, args []string) (cliProcess, error)
	lookPath   func(file string) (string, error)
	reconnect  retry.Config

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// clientMu guards only the client pointer. The session goroutine
	// touches it during teardown while StopAccount holds mu across
	// wg.Wait, so the two must be separate locks.
	clientMu sync.Mutex
	client   *rpcClient

	envelopes chan *models.Envelope

	statusMu  sync.RWMutex
	status    channels.Status
	setStatus func(channels.Status)
	now       func() time.Time
}

// New creates the adapter. No process is spawned until StartAccount.
func New(cfg config.SignalConfig) *Adapter {
	return &Adapter{
		cfg:        cfg,
		logger:     slog.Default(),
		newProcess: startCLIProcess,
		lookPath:   exec.LookPath,
		envelopes:  make(chan *models.Envelope, 100),
		status:     channels.Status{State: channels.StateStopped},
		now:        time.Now,
	}
}

func (a *Adapter) Dock() channels.Dock { return channels.DockFor(models.ChannelSignal) }

func (a *Adapter) Capabilities() channels.Capabilities {
	return channels.DefaultCapabilities(models.ChannelSignal)
}

func (a *Adapter) IsEnabled() bool { return a.cfg.Enabled }

// IsConfigured requires the registered account number; everything else
// has a default.
func (a *Adapter) IsConfigured() bool { return a.cfg.Account != "" }

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
	if a.cancel != nil {
		return nil
	}

	if a.cfg.Account == "" {
		err := channels.ErrConfig("signal account (registered phone number) is required", nil)
		a.publishStatus(channels.Status{State: channels.StateError, Error: err.Message})
		return err
	}
	bin, _ := a.commandLine()
	if _, err := a.lookPath(bin); err != nil {
		werr := channels.ErrConfig(fmt.Sprintf("signal-cli binary %q not found", bin), err)
		a.publishStatus(channels.Status{State: channels.StateError, Error: werr.Message})
		return werr
	}

	a.publishStatus(channels.Status{State: channels.StateStarting})
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go a.supervise(runCtx)
	return nil
}

// StopAccount ends the session. The envelope stream stays open so a
// later start reuses it.
func (a *Adapter) StopAccount(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.wg.Wait()
	a.publishStatus(channels.Status{State: channels.StateStopped})
	return nil
}

// supervise keeps one session alive until the context ends. signal-cli
// exits on network loss and on registration hiccups; the Reconnector
// brings it back with backoff.
func (a *Adapter) supervise(ctx context.Context) {
	defer a.wg.Done()
	rec := &channels.Reconnector{Config: a.reconnect, Logger: a.logger}
	if err := rec.Run(ctx, a.runSession); err != nil && ctx.Err() == nil {
		a.publishStatus(channels.Status{State: channels.StateError, Error: err.Error()})
	}
}

// runSession spawns one signal-cli process and pumps its stdout until
// the process dies or the context ends.
func (a *Adapter) runSession(ctx context.Context) error {
	bin, args := a.commandLine()
	proc, err := a.newProcess(ctx, bin, args)
	if err != nil {
		return channels.ErrTransient("start signal-cli", err)
	}
	// Closing stdin asks the daemon to exit. The exec layer escalates
	// to a kill if it lingers; fakes in tests only see this path.
	stopClose := context.AfterFunc(ctx, func() { _ = proc.Close() })
	defer stopClose()

	client := newRPCClient(proc.Stdin())
	a.clientMu.Lock()
	a.client = client
	a.clientMu.Unlock()
	a.publishStatus(channels.Status{
		State: channels.StateRunning, Connected: true, LastPing: a.now().Unix(),
	})
	a.logger.Info("signal-cli session started", "account", a.cfg.Account)

	var pipes sync.WaitGroup
	pipes.Add(1)
	go func() {
		defer pipes.Done()
		a.drainStderr(proc.Stderr())
	}()

	scanner := bufio.NewScanner(proc.Stdout())
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		client.dispatch(line, a.handleReceive)
		a.statusMu.Lock()
		a.status.LastPing = a.now().Unix()
		a.statusMu.Unlock()
	}
	scanErr := scanner.Err()

	a.clientMu.Lock()
	a.client = nil
	a.clientMu.Unlock()
	client.failPending(channels.ErrTransient("signal-cli stream closed", scanErr))
	waitErr := proc.Wait()
	pipes.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	a.publishStatus(channels.Status{
		State: channels.StateRunning, Connected: false, Error: "signal-cli exited",
	})
	err = scanErr
	if err == nil {
		err = waitErr
	}
	if err == nil {
		err = errors.New("signal-cli exited")
	}
	return err
}

// commandLine builds the daemon invocation: JSON output, bound to the
// configured account, optional config dir, jsonRpc mode.
func (a *Adapter) commandLine() (string, []string) {
	bin := a.cfg.CLIPath
	if bin == "" {
		bin = defaultCLIPath
	}
	args := []string{"--output=json", "-a", a.cfg.Account}
	if a.cfg.ConfigDir != "" {
		args = append(args, "--config", expandPath(a.cfg.ConfigDir))
	}
	args = append(args, "jsonRpc")
	return bin, args
}

func (a *Adapter) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 16*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.Contains(line, "ERROR") {
			a.logger.Warn("signal-cli stderr", "line", line)
		} else {
			a.logger.Debug("signal-cli stderr", "line", line)
		}
	}
}

// handleReceive turns one "receive" notification into an envelope.
// Runs on the session reader goroutine, so it must never issue rpc
// calls; inbound attachments are read from signal-cli's store on disk.
func (a *Adapter) handleReceive(params json.RawMessage) {
	env := decodeReceive(params)
	if env == nil || env.DataMessage == nil {
		return
	}
	out := buildEnvelope(env)
	a.attachInboundMedia(out, env.DataMessage.Attachments)
	if out.Body == "" && !out.HasMedia() {
		return
	}
	a.emit(out)
}

// decodeReceive unwraps the notification params. Current signal-cli
// nests the envelope under an "envelope" key; older builds emit it
// flat. Accept both.
func decodeReceive(params json.RawMessage) *signalEnvelope {
	var wrapped struct {
		Envelope *signalEnvelope `json:"envelope"`
	}
	if err := json.Unmarshal(params, &wrapped); err == nil && wrapped.Envelope != nil {
		return wrapped.Envelope
	}
	var flat signalEnvelope
	if err := json.Unmarshal(params, &flat); err != nil {
		return nil
	}
	if flat.Source == "" && flat.SourceNumber == "" {
		return nil
	}
	return &flat
}

// buildEnvelope maps a signal data message onto the normalized form.
// Group chats key on "group.<base64 id>" so session lookups and
// outbound targets agree.
func buildEnvelope(env *signalEnvelope) *models.Envelope {
	dm := env.DataMessage
	source := env.SourceNumber
	if source == "" {
		source = env.Source
	}
	ts := dm.Timestamp
	if ts == 0 {
		ts = env.Timestamp
	}
	out := &models.Envelope{
		Surface:        models.ChannelSignal,
		From:           source,
		ChatType:       models.ChatDirect,
		Body:           strings.TrimSpace(dm.Message),
		SenderName:     env.SourceName,
		SenderIdentity: source,
		MessageID:      strconv.FormatInt(ts, 10),
		Timestamp:      time.UnixMilli(ts),
	}
	if gi := dm.GroupInfo; gi != nil && gi.GroupID != "" {
		out.ChatType = models.ChatGroup
		out.From = groupPrefix + gi.GroupID
		out.GroupSubject = gi.GroupName
	}
	if q := dm.Quote; q != nil {
		out.ReplyToID = strconv.FormatInt(q.ID, 10)
		out.ReplyToBody = q.Text
		out.ReplyToSender = q.Author
	}
	return out
}

// attachInboundMedia picks the first attachment signal-cli already
// wrote to its store and copies it into ours.
func (a *Adapter) attachInboundMedia(env *models.Envelope, atts []signalAttachment) {
	for _, att := range atts {
		if att.ID == "" {
			continue
		}
		path := filepath.Join(a.attachmentsDir(), filepath.Base(att.ID))
		data, err := os.ReadFile(path)
		if err != nil {
			a.logger.Warn("signal attachment not on disk", "id", att.ID, "error", err)
			continue
		}
		if int64(len(data)) > media.MaxDocumentBytes {
			a.logger.Warn("signal attachment too large", "id", att.ID, "size", len(data))
			continue
		}
		mime := att.ContentType
		if mime == "" {
			mime = media.DetectMIME(data, "", att.Filename)
		}
		saved, err := media.SaveInbound(data, mime)
		if err != nil {
			a.logger.Warn("store signal attachment", "error", err)
			continue
		}
		env.Media = &models.Media{Path: saved, MimeType: mime}
		return
	}
}

// attachmentsDir is where signal-cli stores received attachment blobs:
// under the config dir when one is set, else its XDG data default.
func (a *Adapter) attachmentsDir() string {
	if a.cfg.ConfigDir != "" {
		return filepath.Join(expandPath(a.cfg.ConfigDir), "attachments")
	}
	return expandPath("~/.local/share/signal-cli/attachments")
}

// SendText delivers one already-chunked fragment.
func (a *Adapter) SendText(ctx context.Context, to, text string) error {
	client, err := a.runningClient()
	if err != nil {
		return err
	}
	params := targetParams(to)
	params["message"] = text
	if _, err := client.call(ctx, "send", params); err != nil {
		return classifySignalError(to, err)
	}
	return nil
}

// SendMedia stages each attachment on disk and sends them in one
// message; signal-cli takes attachment paths, not inline bytes. The
// caption rides along as the message body.
func (a *Adapter) SendMedia(ctx context.Context, to string, payload *models.Payload) error {
	client, err := a.runningClient()
	if err != nil {
		return err
	}
	refs := payload.AllMedia()
	if len(refs) == 0 {
		return a.SendText(ctx, to, payload.Text)
	}

	paths := make([]string, 0, len(refs))
	defer func() {
		for _, p := range paths {
			_ = os.Remove(p)
		}
	}()
	for _, ref := range refs {
		loaded, err := a.loader.Load(ctx, ref)
		if err != nil {
			return channels.ErrInvalidInput(fmt.Sprintf("load media %q", ref), err)
		}
		path, err := writeScratch(loaded)
		if err != nil {
			return channels.ErrInternal("stage signal attachment", err)
		}
		paths = append(paths, path)
	}

	params := targetParams(to)
	params["attachments"] = paths
	if payload.Text != "" {
		params["message"] = payload.Text
	}
	if _, err := client.call(ctx, "send", params); err != nil {
		return classifySignalError(to, err)
	}
	return nil
}

// SetTyping flips the typing indicator. Failures are logged, not
// surfaced; the indicator is best effort.
func (a *Adapter) SetTyping(ctx context.Context, to string, active bool) error {
	client, err := a.runningClient()
	if err != nil {
		return err
	}
	params := targetParams(to)
	if !active {
		params["stop"] = true
	}
	if _, err := client.call(ctx, "sendTyping", params); err != nil {
		a.logger.Debug("signal typing update failed", "error", err)
	}
	return nil
}

func (a *Adapter) HeartbeatReadiness() channels.Readiness {
	a.clientMu.Lock()
	defer a.clientMu.Unlock()
	if a.client == nil {
		return channels.Readiness{Ready: false, Reason: "signal-not-running"}
	}
	return channels.Readiness{Ready: true}
}

// Probe asks the daemon for its version, which answers without network
// round trips.
func (a *Adapter) Probe(ctx context.Context) channels.HealthStatus {
	start := a.now()
	hs := channels.HealthStatus{LastCheck: start}
	client, err := a.runningClient()
	if err != nil {
		hs.Message = "not running"
		return hs
	}
	_, err = client.call(ctx, "version", nil)
	hs.Latency = a.now().Sub(start)
	if err != nil {
		hs.Message = err.Error()
		return hs
	}
	hs.Healthy = true
	hs.Message = "connected"
	return hs
}

func (a *Adapter) ConfigPrefixes() []string { return []string{"channels.signal"} }

// ApplyConfig swaps in fresh channel config; the registry calls it
// only while the adapter is stopped.
func (a *Adapter) ApplyConfig(cfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg.Channels.Signal
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

func (a *Adapter) runningClient() (*rpcClient, error) {
	a.clientMu.Lock()
	defer a.clientMu.Unlock()
	if a.client == nil {
		return nil, channels.ErrTransient("signal is not running", nil)
	}
	return a.client, nil
}

func (a *Adapter) emit(env *models.Envelope) {
	select {
	case a.envelopes <- env:
	default:
		a.logger.Warn("envelope buffer full, dropping message",
			"from", env.From, "messageId", env.MessageID)
	}
}

// targetParams addresses a send. Resolver keys carry group targets as
// "group.<id>"; signal-cli wants the bare id under groupId and plain
// numbers under recipient.
func targetParams(to string) map[string]any {
	if id, ok := strings.CutPrefix(to, groupPrefix); ok {
		return map[string]any{"groupId": id}
	}
	return map[string]any{"recipient": []string{to}}
}

// writeScratch stages a loaded payload for the attachments parameter.
func writeScratch(p *media.Payload) (string, error) {
	f, err := os.CreateTemp("", "clawdis-signal-*"+filepath.Ext(p.FileName))
	if err != nil {
		return "", err
	}
	if _, err := f.Write(p.Data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// expandPath resolves a leading ~ against the home directory.
func expandPath(p string) string {
	if p == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
		return p
	}
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	return p
}

// classifySignalError maps rpc failures onto channel error codes by
// message; signal-cli error codes are not stable across versions.
func classifySignalError(to string, err error) error {
	if err == nil {
		return nil
	}
	var chErr *channels.Error
	if errors.As(err, &chErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return channels.ErrAborted("signal send canceled", err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "proof required") ||
		strings.Contains(msg, "captcha"):
		return channels.ErrRateLimit("signal rate limited", err)
	case strings.Contains(msg, "unregistered") || strings.Contains(msg, "not registered") ||
		strings.Contains(msg, "invalid group") || strings.Contains(msg, "unknown group"):
		return channels.ErrChatNotFound(to, err)
	case strings.Contains(msg, "untrusted identity"):
		return channels.ErrAuth("signal identity changed for recipient", err)
	case strings.Contains(msg, "authorization failed") || strings.Contains(msg, "not authorized"):
		return channels.ErrAuth("signal authorization failed", err)
	default:
		return channels.ErrTransient("signal send failed", err)
	}
}

// Wire shapes for the receive path, matching signal-cli's JSON output.

type signalEnvelope struct {
	Source       string             `json:"source"`
	SourceNumber string             `json:"sourceNumber"`
	SourceName   string             `json:"sourceName"`
	Timestamp    int64              `json:"timestamp"`
	DataMessage  *signalDataMessage `json:"dataMessage"`
}

type signalDataMessage struct {
	Timestamp   int64              `json:"timestamp"`
	Message     string             `json:"message"`
	GroupInfo   *signalGroupInfo   `json:"groupInfo"`
	Attachments []signalAttachment `json:"attachments"`
	Quote       *signalQuote       `json:"quote"`
}

type signalGroupInfo struct {
	GroupID   string `json:"groupId"`
	GroupName string `json:"groupName"`
}

type signalAttachment struct {
	ID          string `json:"id"`
	ContentType string `json:"contentType"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
}

type signalQuote struct {
	ID     int64  `json:"id"`
	Author string `json:"author"`
	Text   string `json:"text"`
}
