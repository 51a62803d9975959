package sessions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/clawdis/clawdis/pkg/models"
)

// TranscriptLine is one turn in a session transcript.
type TranscriptLine struct {
	Timestamp time.Time          `json:"ts"`
	Role      string             `json:"role"`
	Content   string             `json:"content"`
	Channel   models.ChannelType `json:"channel,omitempty"`
	From      string             `json:"from,omitempty"`
	RunID     string             `json:"runId,omitempty"`
}

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Transcripts appends session turns to <dir>/<sessionId>.jsonl. Files are
// append-only; a /new directive starts a fresh file by changing the
// session id, never by truncating.
type Transcripts struct {
	dir string
	mu  sync.Mutex
}

// NewTranscripts creates a writer rooted at dir.
func NewTranscripts(dir string) *Transcripts {
	return &Transcripts{dir: dir}
}

// Append writes one line. A zero Timestamp is filled with the current
// time.
func (t *Transcripts) Append(sessionID string, line TranscriptLine) error {
	if sessionID == "" {
		return fmt.Errorf("transcript append: empty session id")
	}
	if line.Timestamp.IsZero() {
		line.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("encode transcript line: %w", err)
	}
	data = append(data, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := os.MkdirAll(t.dir, 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(t.path(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Tail returns up to limit most recent lines, oldest first. A missing
// transcript yields an empty slice. Malformed lines are skipped.
func (t *Transcripts) Tail(sessionID string, limit int) ([]TranscriptLine, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines []TranscriptLine
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var line TranscriptLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines, nil
}

// Remove deletes the transcript for a session id, if present.
func (t *Transcripts) Remove(sessionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := os.Remove(t.path(sessionID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (t *Transcripts) path(sessionID string) string {
	return filepath.Join(t.dir, sessionID+".jsonl")
}
