package channels

import (
	"sync"
	"time"

	"github.com/clawdis/clawdis/pkg/models"
)

// ActivityEntry records the most recent traffic seen on one surface.
type ActivityEntry struct {
	LastInboundAt  *time.Time `json:"lastInboundAt,omitempty"`
	LastOutboundAt *time.Time `json:"lastOutboundAt,omitempty"`
	// LastPeer is the chat id of the most recent inbound sender. Heartbeat
	// target resolution uses it when the target is "last".
	LastPeer      string `json:"lastPeer,omitempty"`
	LastRecipient string `json:"lastRecipient,omitempty"`
}

// ActivityTracker remembers last inbound/outbound per surface.
type ActivityTracker struct {
	mu      sync.RWMutex
	entries map[models.ChannelType]*ActivityEntry
}

// NewActivityTracker creates an empty tracker.
func NewActivityTracker() *ActivityTracker {
	return &ActivityTracker{
		entries: make(map[models.ChannelType]*ActivityEntry),
	}
}

// RecordInbound notes an inbound message from peer at the given time.
func (t *ActivityTracker) RecordInbound(surface models.ChannelType, peer string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entry(surface)
	e.LastInboundAt = &at
	if peer != "" {
		e.LastPeer = peer
	}
}

// RecordOutbound notes an outbound send to recipient at the given time.
func (t *ActivityTracker) RecordOutbound(surface models.ChannelType, recipient string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entry(surface)
	e.LastOutboundAt = &at
	if recipient != "" {
		e.LastRecipient = recipient
	}
}

// entry returns the mutable entry for a surface. Caller must hold mu.
func (t *ActivityTracker) entry(surface models.ChannelType) *ActivityEntry {
	e := t.entries[surface]
	if e == nil {
		e = &ActivityEntry{}
		t.entries[surface] = e
	}
	return e
}

// Get returns a copy of the entry for a surface.
func (t *ActivityTracker) Get(surface models.ChannelType) ActivityEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if e := t.entries[surface]; e != nil {
		return *e
	}
	return ActivityEntry{}
}

// LastPeer returns the most recent inbound sender on a surface.
func (t *ActivityTracker) LastPeer(surface models.ChannelType) (string, bool) {
	e := t.Get(surface)
	return e.LastPeer, e.LastPeer != ""
}

// LastActivity returns the most recent traffic timestamp in either
// direction, or nil if the surface has seen none.
func (t *ActivityTracker) LastActivity(surface models.ChannelType) *time.Time {
	e := t.Get(surface)
	switch {
	case e.LastInboundAt == nil:
		return e.LastOutboundAt
	case e.LastOutboundAt == nil:
		return e.LastInboundAt
	case e.LastInboundAt.After(*e.LastOutboundAt):
		return e.LastInboundAt
	default:
		return e.LastOutboundAt
	}
}
