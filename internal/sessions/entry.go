// Package sessions owns conversation identity: the key resolver that
// collapses inbound envelopes onto session keys, the entry store, and the
// append-only transcripts.
package sessions

import (
	"time"

	"github.com/clawdis/clawdis/pkg/models"
)

// KeyGlobal is the reserved key used when session scope is global.
const KeyGlobal = "global"

// Entry is the persisted per-session record. Zero-valued optional fields
// are omitted from the snapshot file.
type Entry struct {
	// SessionID names the transcript file and the engine conversation.
	// A /new or /reset directive swaps it for a fresh id.
	SessionID string    `json:"sessionId"`
	UpdatedAt time.Time `json:"updatedAt"`

	// LastChannel and LastTo identify the most recent delivery target.
	// Heartbeat announce resolution reads them; LastChannel is never set
	// to webchat so heartbeats cannot target ephemeral clients.
	LastChannel models.ChannelType `json:"lastChannel,omitempty"`
	LastTo      string             `json:"lastTo,omitempty"`

	// SystemSent records that the system prompt was already delivered for
	// the current SessionID.
	SystemSent bool `json:"systemSent,omitempty"`
	// AbortedLastRun marks envelopes that arrived while the gateway was
	// down or the run was aborted; the next drain replays them under the
	// backlog variant of the queue mode.
	AbortedLastRun bool `json:"abortedLastRun,omitempty"`

	ThinkingLevel string `json:"thinkingLevel,omitempty"`
	VerboseLevel  string `json:"verboseLevel,omitempty"`

	InputTokens   int    `json:"inputTokens,omitempty"`
	OutputTokens  int    `json:"outputTokens,omitempty"`
	TotalTokens   int    `json:"totalTokens,omitempty"`
	Model         string `json:"model,omitempty"`
	ContextTokens int    `json:"contextTokens,omitempty"`

	// GroupActivation overrides routing.groupActivation for this session
	// (set by the /activation directive): mention or always.
	GroupActivation string `json:"groupActivation,omitempty"`

	// SendPolicy overrides unprompted delivery to this chat (set by the
	// /send directive): allow or deny; empty inherits.
	SendPolicy string `json:"sendPolicy,omitempty"`
	// QueueMode overrides messages.queue for this session (set by the
	// /queue directive).
	QueueMode string `json:"queueMode,omitempty"`
}

// Clone returns a copy safe to hand to callers.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}
