package models

import (
	"errors"
	"time"
)

// ChatType classifies the conversation an envelope belongs to.
type ChatType string

const (
	ChatDirect  ChatType = "direct"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
)

// Media describes an inbound attachment after local normalization.
type Media struct {
	Path       string `json:"path,omitempty"`
	URL        string `json:"url,omitempty"`
	MimeType   string `json:"mimeType,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// Envelope is the normalized inbound message record. Every adapter
// produces exactly this shape; everything downstream of the registry
// (policy gate, resolver, scheduler, agent runner) consumes only it.
type Envelope struct {
	// Body is the raw message text as the user typed it.
	Body string `json:"body"`
	// CommandBody is Body with leading directives stripped. Empty when
	// the message was nothing but directives.
	CommandBody string `json:"commandBody,omitempty"`

	ReplyToID     string `json:"replyToId,omitempty"`
	ReplyToBody   string `json:"replyToBody,omitempty"`
	ReplyToSender string `json:"replyToSender,omitempty"`

	Surface  ChannelType `json:"surface"`
	From     string      `json:"from"`
	To       string      `json:"to,omitempty"`
	ChatType ChatType    `json:"chatType"`

	GroupSubject string   `json:"groupSubject,omitempty"`
	GroupMembers []string `json:"groupMembers,omitempty"`
	Room         string   `json:"room,omitempty"`
	Space        string   `json:"space,omitempty"`
	// ThreadID carries the forum topic or thread identifier when the
	// surface distinguishes threads inside a group.
	ThreadID string `json:"threadId,omitempty"`

	SenderName     string `json:"senderName,omitempty"`
	SenderIdentity string `json:"senderIdentity,omitempty"`

	MessageID string    `json:"messageId,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Media *Media `json:"media,omitempty"`

	WasMentioned bool `json:"wasMentioned,omitempty"`
}

// HasMedia reports whether the envelope carries an attachment.
func (e *Envelope) HasMedia() bool {
	return e.Media != nil && (e.Media.Path != "" || e.Media.URL != "")
}

// IsGroup reports whether the envelope belongs to a group conversation.
func (e *Envelope) IsGroup() bool { return e.ChatType == ChatGroup }

// Text returns the body the agent should see: the directive-stripped
// command body when present, otherwise the raw body.
func (e *Envelope) Text() string {
	if e.CommandBody != "" {
		return e.CommandBody
	}
	return e.Body
}

// ErrEmptyEnvelope is returned when an envelope carries neither text nor media.
var ErrEmptyEnvelope = errors.New("envelope has no text and no media")

// Validate checks envelope invariants common to all surfaces.
func (e *Envelope) Validate() error {
	if e.Surface == "" || !e.Surface.Valid() {
		return errors.New("envelope surface missing or unknown")
	}
	if e.From == "" {
		return errors.New("envelope from missing")
	}
	if e.Body == "" && !e.HasMedia() {
		return ErrEmptyEnvelope
	}
	switch e.ChatType {
	case ChatDirect, ChatGroup, ChatChannel:
	case "":
		return errors.New("envelope chatType missing")
	default:
		return errors.New("envelope chatType unknown")
	}
	return nil
}
