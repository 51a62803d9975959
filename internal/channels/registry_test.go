package channels

import (
	"testing"

	"github.com/clawdis/clawdis/pkg/models"
)

func TestAllDocksCoverEverySurface(t *testing.T) {
	all := AllDocks()
	if len(all) != len(models.AllChannels) {
		t.Fatalf("docks = %d, surfaces = %d", len(all), len(models.AllChannels))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Order >= all[i].Order {
			t.Fatalf("docks out of order at %d: %v", i, all)
		}
	}
	if all[0].ID != models.ChannelWhatsApp {
		t.Fatalf("first dock = %v", all[0].ID)
	}
}

func TestNormalizeChannelID(t *testing.T) {
	tests := []struct {
		raw  string
		want models.ChannelType
	}{
		{"whatsapp", models.ChannelWhatsApp},
		{"wa", models.ChannelWhatsApp},
		{"WA", models.ChannelWhatsApp},
		{"tg", models.ChannelTelegram},
		{"telegram", models.ChannelTelegram},
		{"imsg", models.ChannelIMessage},
		{"web", models.ChannelWebchat},
		{"  discord  ", models.ChannelDiscord},
		{"", ""},
		{"msn", ""},
	}
	for _, tt := range tests {
		if got := NormalizeChannelID(tt.raw); got != tt.want {
			t.Errorf("NormalizeChannelID(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestDockFlags(t *testing.T) {
	if d := DockFor(models.ChannelWhatsApp); !d.ForceAccountBinding || !d.QuickstartAllowFrom {
		t.Fatalf("whatsapp dock = %+v", d)
	}
	if d := DockFor(models.ChannelDiscord); !d.PreferSessionLookupForAnnounceTarget {
		t.Fatalf("discord dock = %+v", d)
	}
	if d := DockFor(models.ChannelWebchat); d.ShowConfigured {
		t.Fatalf("webchat dock = %+v", d)
	}
}

func TestDefaultCapabilities(t *testing.T) {
	tg := DefaultCapabilities(models.ChannelTelegram)
	if !tg.Polls || !tg.Threads || !tg.NativeCommands {
		t.Fatalf("telegram caps = %+v", tg)
	}
	web := DefaultCapabilities(models.ChannelWebchat)
	if web.Polls || web.Typing {
		t.Fatalf("webchat caps = %+v", web)
	}
	if len(web.ChatTypes) != 1 || web.ChatTypes[0] != models.ChatDirect {
		t.Fatalf("webchat chat types = %v", web.ChatTypes)
	}
}

func TestMaxMessageLength(t *testing.T) {
	if got := MaxMessageLength(models.ChannelTelegram); got != 4096 {
		t.Fatalf("telegram = %d", got)
	}
	if got := MaxMessageLength(models.ChannelSignal); got != 0 {
		t.Fatalf("signal = %d", got)
	}
}
