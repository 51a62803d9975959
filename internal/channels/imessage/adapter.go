// Package imessage reads the macOS Messages database and replies
// through AppleScript. Messages has no daemon API, so inbound flows by
// polling chat.db above a ROWID watermark and outbound goes through
// osascript. The poll loop runs under a Reconnector: a rotated or
// briefly locked database gets reopened with backoff instead of
// killing the surface.
package imessage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/media"
	"github.com/clawdis/clawdis/internal/retry"
	"github.com/clawdis/clawdis/pkg/models"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const (
	defaultDatabasePath = "~/Library/Messages/chat.db"
	defaultPollInterval = time.Second
	// groupChatStyle is the chat.style value Messages uses for group
	// threads; 45 is a direct thread.
	groupChatStyle = 43
	// maxPollFailures ends the session so the Reconnector reopens the
	// database instead of logging the same error forever.
	maxPollFailures = 5
)

// Adapter is the iMessage surface.
type Adapter struct {
	cfg    config.IMessageConfig
	loader *media.Loader
	logger *slog.Logger
	poll   time.Duration

	// openDB and runScript are swapped out in tests.
	openDB    func(path string) (*sql.DB, error)
	runScript func(ctx context.Context, script string) ([]byte, error)
	reconnect retry.Config

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// dbMu guards only the handle; the poll goroutine clears it during
	// teardown while StopAccount holds mu across wg.Wait.
	dbMu sync.Mutex
	db   *sql.DB

	watermark atomic.Int64

	envelopes chan *models.Envelope

	statusMu  sync.RWMutex
	status    channels.Status
	setStatus func(channels.Status)
	now       func() time.Time
}

// New creates the adapter. Nothing is opened until StartAccount.
func New(cfg config.IMessageConfig) *Adapter {
	poll := defaultPollInterval
	if cfg.PollInterval != "" {
		if d, err := time.ParseDuration(cfg.PollInterval); err == nil && d > 0 {
			poll = d
		}
	}
	return &Adapter{
		cfg:       cfg,
		logger:    slog.Default(),
		poll:      poll,
		openDB:    openChatDB,
		runScript: runOSAScript,
		envelopes: make(chan *models.Envelope, 100),
		status:    channels.Status{State: channels.StateStopped},
		now:       time.Now,
	}
}

func openChatDB(path string) (*sql.DB, error) {
	// Messages keeps writing while we read; the busy timeout rides out
	// its commit locks.
	return sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", path))
}

func runOSAScript(ctx context.Context, script string) ([]byte, error) {
	return exec.CommandContext(ctx, "osascript", "-e", script).CombinedOutput()
}

func (a *Adapter) Dock() channels.Dock { return channels.DockFor(models.ChannelIMessage) }

func (a *Adapter) Capabilities() channels.Capabilities {
	return channels.DefaultCapabilities(models.ChannelIMessage)
}

func (a *Adapter) IsEnabled() bool { return a.cfg.Enabled }

// IsConfigured is always true: the database path has a default and
// access is checked at start.
func (a *Adapter) IsConfigured() bool { return true }

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

	dbPath := a.databasePath()
	if _, err := os.Stat(dbPath); err != nil {
		// The file exists on every macOS install, so a stat failure
		// nearly always means the process lacks Full Disk Access.
		werr := channels.ErrConfig(fmt.Sprintf("messages database not readable at %q", dbPath), err).
			WithHint("grant Full Disk Access to the clawdis process in System Settings")
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

// StopAccount ends the poll loop. The envelope stream stays open so a
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

func (a *Adapter) supervise(ctx context.Context) {
	defer a.wg.Done()
	rec := &channels.Reconnector{Config: a.reconnect, Logger: a.logger}
	if err := rec.Run(ctx, a.runSession); err != nil && ctx.Err() == nil {
		a.publishStatus(channels.Status{State: channels.StateError, Error: err.Error()})
	}
}

// runSession opens the database, baselines the watermark, and polls
// until the context ends or the database stops answering.
func (a *Adapter) runSession(ctx context.Context) error {
	dbPath := a.databasePath()
	db, err := a.openDB(dbPath)
	if err != nil {
		return channels.ErrTransient("open messages database", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return channels.ErrTransient("messages database not readable", err)
	}

	// Only messages that arrive after this session starts are emitted;
	// replaying old history at the agent would be chaos.
	baseline, err := lastRowID(ctx, db)
	if err != nil {
		return channels.ErrTransient("read message watermark", err)
	}
	a.watermark.Store(baseline)

	a.dbMu.Lock()
	a.db = db
	a.dbMu.Unlock()
	defer func() {
		a.dbMu.Lock()
		a.db = nil
		a.dbMu.Unlock()
	}()

	a.publishStatus(channels.Status{
		State: channels.StateRunning, Connected: true, LastPing: a.now().Unix(),
	})
	a.logger.Info("imessage poller started",
		"database", dbPath, "pollInterval", a.poll, "watermark", baseline)

	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.pollOnce(ctx, db); err != nil {
				failures++
				a.logger.Warn("message poll failed", "error", err, "failures", failures)
				if failures >= maxPollFailures {
					a.publishStatus(channels.Status{
						State: channels.StateRunning, Connected: false,
						Error: "messages database stopped answering",
					})
					return channels.ErrTransient("messages database stopped answering", err)
				}
				continue
			}
			failures = 0
			a.statusMu.Lock()
			a.status.LastPing = a.now().Unix()
			a.statusMu.Unlock()
		}
	}
}

const pollQuery = `
SELECT m.ROWID, m.guid, m.text, m.date, h.id, c.chat_identifier, c.display_name, c.style
FROM message m
LEFT JOIN handle h ON m.handle_id = h.ROWID
LEFT JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
LEFT JOIN chat c ON cmj.chat_id = c.ROWID
WHERE m.ROWID > ? AND m.is_from_me = 0
ORDER BY m.ROWID ASC
LIMIT 100`

// messageRow is one inbound row from chat.db.
type messageRow struct {
	rowID    int64
	guid     string
	text     string
	dateNano int64
	handle   string
	chatID   string
	chatName string
	style    int64
}

func (a *Adapter) pollOnce(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, pollQuery, a.watermark.Load())
	if err != nil {
		return err
	}
	var batch []messageRow
	for rows.Next() {
		var (
			row              messageRow
			text, handle     sql.NullString
			chatID, chatName sql.NullString
			style            sql.NullInt64
		)
		if err := rows.Scan(&row.rowID, &row.guid, &text, &row.dateNano,
			&handle, &chatID, &chatName, &style); err != nil {
			a.logger.Warn("skip unreadable message row", "error", err)
			continue
		}
		row.text = text.String
		row.handle = handle.String
		row.chatID = chatID.String
		row.chatName = chatName.String
		row.style = style.Int64
		batch = append(batch, row)
	}
	scanErr := rows.Err()
	rows.Close()
	if scanErr != nil {
		return scanErr
	}

	for _, row := range batch {
		a.advanceWatermark(row.rowID)
		env := buildEnvelope(row)
		if env.From == "" {
			continue
		}
		a.attachInboundMedia(ctx, db, row.rowID, env)
		if env.Body == "" && !env.HasMedia() {
			continue
		}
		a.emit(env)
	}
	return nil
}

func (a *Adapter) advanceWatermark(rowID int64) {
	for {
		current := a.watermark.Load()
		if rowID <= current || a.watermark.CompareAndSwap(current, rowID) {
			return
		}
	}
}

// buildEnvelope maps one chat.db row onto the normalized form. Group
// threads key on the chat identifier so replies land in the thread,
// not at the last speaker.
func buildEnvelope(row messageRow) *models.Envelope {
	env := &models.Envelope{
		Surface:        models.ChannelIMessage,
		From:           row.handle,
		ChatType:       models.ChatDirect,
		Body:           strings.TrimSpace(row.text),
		SenderName:     row.handle,
		SenderIdentity: row.handle,
		MessageID:      row.guid,
		Timestamp:      appleTime(row.dateNano),
	}
	if row.style == groupChatStyle && row.chatID != "" {
		env.ChatType = models.ChatGroup
		env.From = row.chatID
		env.GroupSubject = row.chatName
	}
	return env
}

const attachmentQuery = `
SELECT a.filename, a.mime_type, a.total_bytes
FROM attachment a
JOIN message_attachment_join maj ON a.ROWID = maj.attachment_id
WHERE maj.message_id = ?
ORDER BY a.ROWID ASC`

// attachInboundMedia copies the first readable attachment out of the
// Messages store; chat.db rows carry the blob path, not the blob.
func (a *Adapter) attachInboundMedia(ctx context.Context, db *sql.DB, rowID int64, env *models.Envelope) {
	rows, err := db.QueryContext(ctx, attachmentQuery, rowID)
	if err != nil {
		a.logger.Warn("query attachments", "error", err)
		return
	}
	defer rows.Close()
	for rows.Next() {
		var filename, mimeType sql.NullString
		var size sql.NullInt64
		if err := rows.Scan(&filename, &mimeType, &size); err != nil {
			continue
		}
		path := expandPath(strings.TrimSpace(filename.String))
		if path == "" {
			continue
		}
		if size.Valid && size.Int64 > media.MaxDocumentBytes {
			a.logger.Warn("imessage attachment too large", "path", path, "size", size.Int64)
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			a.logger.Warn("imessage attachment not on disk", "path", path, "error", err)
			continue
		}
		if int64(len(data)) > media.MaxDocumentBytes {
			a.logger.Warn("imessage attachment too large", "path", path, "size", len(data))
			continue
		}
		mime := strings.TrimSpace(mimeType.String)
		if mime == "" {
			mime = media.DetectMIME(data, "", path)
		}
		saved, err := media.SaveInbound(data, mime)
		if err != nil {
			a.logger.Warn("store imessage attachment", "error", err)
			continue
		}
		env.Media = &models.Media{Path: saved, MimeType: mime}
		return
	}
}

// SendText delivers one already-chunked fragment through AppleScript.
func (a *Adapter) SendText(ctx context.Context, to, text string) error {
	if !a.ready() {
		return channels.ErrTransient("imessage is not running", nil)
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return channels.ErrInvalidInput("imessage recipient is empty", nil)
	}
	target, group, err := a.resolveTarget(ctx, to)
	if err != nil {
		return err
	}
	output, err := a.runScript(ctx, sendScript(target, text, group, false))
	if err != nil {
		return classifyScriptError(to, output, err)
	}
	return nil
}

// SendMedia stages each attachment in the media dir and sends it as a
// file, with the caption following as its own message. The staged file
// is not removed: Messages imports it asynchronously after osascript
// returns.
func (a *Adapter) SendMedia(ctx context.Context, to string, payload *models.Payload) error {
	if !a.ready() {
		return channels.ErrTransient("imessage is not running", nil)
	}
	refs := payload.AllMedia()
	if len(refs) == 0 {
		return a.SendText(ctx, to, payload.Text)
	}
	to = strings.TrimSpace(to)
	target, group, err := a.resolveTarget(ctx, to)
	if err != nil {
		return err
	}

	for _, ref := range refs {
		loaded, err := a.loader.Load(ctx, ref)
		if err != nil {
			return channels.ErrInvalidInput(fmt.Sprintf("load media %q", ref), err)
		}
		staged, err := media.SaveInbound(loaded.Data, loaded.MIME)
		if err != nil {
			return channels.ErrInternal("stage imessage attachment", err)
		}
		output, err := a.runScript(ctx, sendScript(target, staged, group, true))
		if err != nil {
			return classifyScriptError(to, output, err)
		}
	}
	if payload.Text != "" {
		output, err := a.runScript(ctx, sendScript(target, payload.Text, group, false))
		if err != nil {
			return classifyScriptError(to, output, err)
		}
	}
	return nil
}

// resolveTarget maps a recipient onto its AppleScript address. Group
// identifiers from chat.db ("chat..." + digits) are looked up for the
// full service guid AppleScript's chat id wants; a target already
// carrying the guid separators passes through.
func (a *Adapter) resolveTarget(ctx context.Context, to string) (string, bool, error) {
	if strings.Contains(to, ";") {
		return to, true, nil
	}
	if !isGroupIdentifier(to) {
		return to, false, nil
	}
	db := a.database()
	if db == nil {
		return "", false, channels.ErrTransient("imessage is not running", nil)
	}
	var guid sql.NullString
	err := db.QueryRowContext(ctx,
		`SELECT guid FROM chat WHERE chat_identifier = ?`, to).Scan(&guid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, channels.ErrChatNotFound(to, nil)
	}
	if err != nil {
		return "", false, channels.ErrInternal("query chat guid", err)
	}
	if guid.String == "" {
		return "", false, channels.ErrChatNotFound(to, nil)
	}
	return guid.String, true, nil
}

// isGroupIdentifier reports whether a recipient is a chat.db group
// identifier rather than a handle. Handles are phone numbers or email
// addresses; group identifiers are "chat" followed by digits.
func isGroupIdentifier(to string) bool {
	return strings.HasPrefix(to, "chat") && !strings.Contains(to, "@")
}

func (a *Adapter) HeartbeatReadiness() channels.Readiness {
	if !a.ready() {
		return channels.Readiness{Ready: false, Reason: "imessage-not-running"}
	}
	return channels.Readiness{Ready: true}
}

// Probe pings the database handle, which proves both the file and the
// read permission.
func (a *Adapter) Probe(ctx context.Context) channels.HealthStatus {
	start := a.now()
	hs := channels.HealthStatus{LastCheck: start}
	db := a.database()
	if db == nil {
		hs.Message = "not running"
		return hs
	}
	err := db.PingContext(ctx)
	hs.Latency = a.now().Sub(start)
	if err != nil {
		hs.Message = err.Error()
		return hs
	}
	hs.Healthy = true
	hs.Message = "connected"
	return hs
}

func (a *Adapter) ConfigPrefixes() []string { return []string{"channels.imessage"} }

// ApplyConfig swaps in fresh channel config; the registry calls it
// only while the adapter is stopped.
func (a *Adapter) ApplyConfig(cfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg.Channels.IMessage
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

func (a *Adapter) database() *sql.DB {
	a.dbMu.Lock()
	defer a.dbMu.Unlock()
	return a.db
}

func (a *Adapter) ready() bool { return a.database() != nil }

func (a *Adapter) databasePath() string {
	if a.cfg.DatabasePath != "" {
		return expandPath(a.cfg.DatabasePath)
	}
	return expandPath(defaultDatabasePath)
}

func (a *Adapter) emit(env *models.Envelope) {
	select {
	case a.envelopes <- env:
	default:
		a.logger.Warn("envelope buffer full, dropping message",
			"from", env.From, "messageId", env.MessageID)
	}
}

func lastRowID(ctx context.Context, db *sql.DB) (int64, error) {
	var max sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(ROWID) FROM message`).Scan(&max); err != nil {
		return 0, err
	}
	return max.Int64, nil
}

// sendScript builds the osascript body. Direct sends address a buddy
// on the iMessage service; group sends address the chat by guid.
// asFile switches the payload to a POSIX file reference.
func sendScript(target, payload string, group, asFile bool) string {
	body := quoteAppleScript(payload)
	if asFile {
		body = "POSIX file " + body
	}
	if group {
		return fmt.Sprintf(`tell application "Messages"
	set targetChat to a reference to text chat id %s
	send %s to targetChat
end tell`, quoteAppleScript(target), body)
	}
	return fmt.Sprintf(`tell application "Messages"
	set targetService to 1st account whose service type = iMessage
	set targetBuddy to participant %s of targetService
	send %s to targetBuddy
end tell`, quoteAppleScript(target), body)
}

// escapeAppleScript escapes a string for an AppleScript literal.
func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

func quoteAppleScript(s string) string { return `"` + escapeAppleScript(s) + `"` }

// classifyScriptError maps osascript failures onto channel error
// codes. AppleScript error text uses curly apostrophes.
func classifyScriptError(to string, output []byte, err error) error {
	msg := strings.ToLower(strings.ReplaceAll(string(output), "’", "'"))
	switch {
	case strings.Contains(msg, "can't get participant") ||
		strings.Contains(msg, "can't get text chat") ||
		strings.Contains(msg, "invalid participant"):
		return channels.ErrChatNotFound(to, err)
	case strings.Contains(msg, "not authorized to send apple events") ||
		strings.Contains(msg, "-1743"):
		return channels.ErrAuth("automation permission denied for Messages", err).
			WithHint("allow the clawdis process to control Messages under System Settings > Privacy > Automation")
	default:
		detail := strings.TrimSpace(string(output))
		if detail == "" {
			return channels.ErrTransient("osascript send failed", err)
		}
		return channels.ErrTransient(fmt.Sprintf("osascript send failed: %s", detail), err)
	}
}

var appleEpoch = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

// appleTime converts a chat.db date, nanoseconds since 2001-01-01 UTC.
func appleTime(nano int64) time.Time {
	return appleEpoch.Add(time.Duration(nano))
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
