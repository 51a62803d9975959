package models

import "errors"

// Payload is one outbound reply unit produced by a run. A run may
// produce several payloads; delivery preserves their order.
type Payload struct {
	Text string `json:"text,omitempty"`
	// MediaURL and MediaURLs are mutually exclusive. MediaURL is the
	// single-attachment form most adapters emit; MediaURLs carries an
	// ordered batch where the caption attaches to the first item only.
	MediaURL  string   `json:"mediaUrl,omitempty"`
	MediaURLs []string `json:"mediaUrls,omitempty"`

	ReplyToID string `json:"replyToId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`

	// IsVoice asks the adapter to deliver audio as a voice note when
	// the surface supports it.
	IsVoice bool `json:"isVoice,omitempty"`
}

var (
	// ErrPayloadMediaConflict is returned when both media fields are set.
	ErrPayloadMediaConflict = errors.New("payload sets both mediaUrl and mediaUrls")
	// ErrPayloadEmpty is returned when a payload has neither text nor media.
	ErrPayloadEmpty = errors.New("payload has no text and no media")
)

// Validate checks the payload invariants: at most one of
// MediaURL/MediaURLs populated, and empty text only alongside media.
func (p *Payload) Validate() error {
	if p.MediaURL != "" && len(p.MediaURLs) > 0 {
		return ErrPayloadMediaConflict
	}
	if p.Text == "" && !p.HasMedia() {
		return ErrPayloadEmpty
	}
	return nil
}

// HasMedia reports whether the payload carries any attachment.
func (p *Payload) HasMedia() bool {
	return p.MediaURL != "" || len(p.MediaURLs) > 0
}

// AllMedia returns the attachment list regardless of which field holds it.
func (p *Payload) AllMedia() []string {
	if p.MediaURL != "" {
		return []string{p.MediaURL}
	}
	return p.MediaURLs
}
