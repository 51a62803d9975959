package channels

import (
	"testing"
	"time"

	"github.com/clawdis/clawdis/pkg/models"
)

func TestActivityTrackerRecordInbound(t *testing.T) {
	tracker := NewActivityTracker()
	now := time.Now()

	tracker.RecordInbound(models.ChannelTelegram, "12345", now)

	entry := tracker.Get(models.ChannelTelegram)
	if entry.LastInboundAt == nil || !entry.LastInboundAt.Equal(now) {
		t.Fatalf("LastInboundAt = %v, want %v", entry.LastInboundAt, now)
	}
	if entry.LastPeer != "12345" {
		t.Fatalf("LastPeer = %q", entry.LastPeer)
	}
	if entry.LastOutboundAt != nil {
		t.Fatal("expected LastOutboundAt to be nil")
	}
}

func TestActivityTrackerLastPeerFollowsNewest(t *testing.T) {
	tracker := NewActivityTracker()
	base := time.Now()

	tracker.RecordInbound(models.ChannelWhatsApp, "+15550001", base)
	tracker.RecordInbound(models.ChannelWhatsApp, "+15550002", base.Add(time.Minute))

	peer, ok := tracker.LastPeer(models.ChannelWhatsApp)
	if !ok || peer != "+15550002" {
		t.Fatalf("LastPeer = %q, %v", peer, ok)
	}
}

func TestActivityTrackerLastPeerUnknownSurface(t *testing.T) {
	tracker := NewActivityTracker()
	if _, ok := tracker.LastPeer(models.ChannelSignal); ok {
		t.Fatal("expected no peer for untouched surface")
	}
}

func TestActivityTrackerLastActivity(t *testing.T) {
	tracker := NewActivityTracker()
	base := time.Now()

	if got := tracker.LastActivity(models.ChannelDiscord); got != nil {
		t.Fatalf("expected nil for untouched surface, got %v", got)
	}

	tracker.RecordInbound(models.ChannelDiscord, "u1", base)
	tracker.RecordOutbound(models.ChannelDiscord, "u1", base.Add(time.Second))

	got := tracker.LastActivity(models.ChannelDiscord)
	if got == nil || !got.Equal(base.Add(time.Second)) {
		t.Fatalf("LastActivity = %v", got)
	}

	tracker.RecordInbound(models.ChannelDiscord, "u2", base.Add(2*time.Second))
	got = tracker.LastActivity(models.ChannelDiscord)
	if got == nil || !got.Equal(base.Add(2*time.Second)) {
		t.Fatalf("LastActivity after newer inbound = %v", got)
	}
}

func TestActivityTrackerEmptyPeerKeepsPrevious(t *testing.T) {
	tracker := NewActivityTracker()
	base := time.Now()

	tracker.RecordInbound(models.ChannelTelegram, "12345", base)
	tracker.RecordInbound(models.ChannelTelegram, "", base.Add(time.Second))

	peer, ok := tracker.LastPeer(models.ChannelTelegram)
	if !ok || peer != "12345" {
		t.Fatalf("LastPeer = %q, %v", peer, ok)
	}
}
