package policy

import (
	"testing"

	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/pairing"
	"github.com/clawdis/clawdis/pkg/models"
)

func newTestGate(t *testing.T, cfg *config.Config) (*Gate, *pairing.Store) {
	t.Helper()
	pairs := pairing.NewStoreWithDir(t.TempDir())
	return NewGate(cfg, pairs, nil), pairs
}

func boolPtr(b bool) *bool { return &b }

func directEnv(surface models.ChannelType, from string) *models.Envelope {
	return &models.Envelope{Surface: surface, From: from, ChatType: models.ChatDirect, Body: "hello"}
}

func groupEnv(surface models.ChannelType, group, sender, body string) *models.Envelope {
	return &models.Envelope{
		Surface:        surface,
		From:           group,
		ChatType:       models.ChatGroup,
		SenderIdentity: sender,
		Body:           body,
	}
}

func TestGateDMOpen(t *testing.T) {
	cfg := &config.Config{}
	gate, _ := newTestGate(t, cfg)

	d := gate.Check(directEnv(models.ChannelTelegram, "12345"), "")
	if !d.Allow {
		t.Fatalf("open DM denied: %+v", d)
	}
}

func TestGateDMAllowlist(t *testing.T) {
	cfg := &config.Config{}
	cfg.Channels.WhatsApp.DMPolicy = "allowlist"
	cfg.Channels.WhatsApp.AllowFrom = []string{"+15550001"}
	gate, _ := newTestGate(t, cfg)

	if d := gate.Check(directEnv(models.ChannelWhatsApp, "+15550001"), ""); !d.Allow {
		t.Fatalf("listed sender denied: %+v", d)
	}
	d := gate.Check(directEnv(models.ChannelWhatsApp, "+19990000"), "")
	if d.Allow || d.Reason != ReasonDMAllowlist {
		t.Fatalf("unlisted sender = %+v, want dm-allowlist deny", d)
	}
	if d.PairingCode != "" {
		t.Fatalf("allowlist deny leaked a pairing code: %+v", d)
	}
	if d.StoreContext {
		t.Fatalf("allowlist deny should discard outright: %+v", d)
	}
}

func TestGateDMAllowlistWildcard(t *testing.T) {
	cfg := &config.Config{}
	cfg.Channels.WhatsApp.DMPolicy = "allowlist"
	cfg.Channels.WhatsApp.AllowFrom = []string{"*"}
	gate, _ := newTestGate(t, cfg)

	if d := gate.Check(directEnv(models.ChannelWhatsApp, "+10000000"), ""); !d.Allow {
		t.Fatalf("wildcard denied: %+v", d)
	}
}

func TestGateDMPairingIssuesCodeOnce(t *testing.T) {
	cfg := &config.Config{}
	cfg.Channels.Telegram.DMPolicy = "pairing"
	gate, _ := newTestGate(t, cfg)

	env := directEnv(models.ChannelTelegram, "55555")
	first := gate.Check(env, "")
	if first.Allow {
		t.Fatalf("unknown sender allowed: %+v", first)
	}
	if first.Reason != ReasonPairingPending || first.PairingCode == "" {
		t.Fatalf("first contact = %+v, want a pairing code", first)
	}

	// The code is delivered once; later messages queue as context only.
	second := gate.Check(env, "")
	if second.Allow || second.PairingCode != "" {
		t.Fatalf("second contact = %+v, want silent drop", second)
	}
	if !first.StoreContext || !second.StoreContext {
		t.Fatalf("pending-pairing messages should be kept as context: first=%+v second=%+v", first, second)
	}
}

func TestGateDMPairingApprovedSenderAllowed(t *testing.T) {
	cfg := &config.Config{}
	cfg.Channels.Telegram.DMPolicy = "pairing"
	gate, pairs := newTestGate(t, cfg)

	env := directEnv(models.ChannelTelegram, "55555")
	first := gate.Check(env, "")
	if _, err := pairs.Approve(models.ChannelTelegram, first.PairingCode); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	if d := gate.Check(env, ""); !d.Allow {
		t.Fatalf("approved sender denied: %+v", d)
	}
}

func TestGateDMPairingLimit(t *testing.T) {
	cfg := &config.Config{}
	cfg.Channels.Signal.DMPolicy = "pairing"
	gate, _ := newTestGate(t, cfg)

	for i := 0; i < pairing.MaxPending; i++ {
		env := directEnv(models.ChannelSignal, "+1555000"+string(rune('0'+i)))
		if d := gate.Check(env, ""); d.PairingCode == "" {
			t.Fatalf("peer %d got no code: %+v", i, d)
		}
	}
	d := gate.Check(directEnv(models.ChannelSignal, "+19998887"), "")
	if d.Allow || d.Reason != ReasonPairingLimit || d.PairingCode != "" {
		t.Fatalf("over-limit contact = %+v, want pairing-limit deny", d)
	}
}

func TestGateGroupDisabled(t *testing.T) {
	cfg := &config.Config{}
	cfg.Channels.WhatsApp.Groups = map[string]config.GroupConfig{
		"*": {Policy: "disabled"},
	}
	gate, _ := newTestGate(t, cfg)

	d := gate.Check(groupEnv(models.ChannelWhatsApp, "123@g.us", "+15550001", "@clawd hi"), "")
	if d.Allow || d.Reason != ReasonGroupDisabled {
		t.Fatalf("disabled group = %+v", d)
	}
}

func TestGateGroupAllowlist(t *testing.T) {
	cfg := &config.Config{}
	cfg.Routing.GroupActivation = "always"
	cfg.Channels.WhatsApp.Groups = map[string]config.GroupConfig{
		"*": {Policy: "allowlist", AllowFrom: []string{"+15550001"}},
	}
	gate, _ := newTestGate(t, cfg)

	if d := gate.Check(groupEnv(models.ChannelWhatsApp, "123@g.us", "+15550001", "hi"), ""); !d.Allow {
		t.Fatalf("listed member denied: %+v", d)
	}
	d := gate.Check(groupEnv(models.ChannelWhatsApp, "123@g.us", "+19990000", "hi"), "")
	if d.Allow || d.Reason != ReasonGroupAllowlist {
		t.Fatalf("unlisted member = %+v", d)
	}
}

func TestGateGroupAllowlistEmptyAdmitsNone(t *testing.T) {
	cfg := &config.Config{}
	cfg.Channels.WhatsApp.Groups = map[string]config.GroupConfig{
		"*": {Policy: "allowlist"},
	}
	gate, _ := newTestGate(t, cfg)

	d := gate.Check(groupEnv(models.ChannelWhatsApp, "123@g.us", "+15550001", "hi"), "")
	if d.Allow || d.Reason != ReasonGroupAllowlist {
		t.Fatalf("empty allowlist admitted someone: %+v", d)
	}
}

func TestGateGroupAllowlistWildcardChannelFallback(t *testing.T) {
	cfg := &config.Config{}
	cfg.Routing.GroupActivation = "always"
	cfg.Channels.WhatsApp.AllowFrom = []string{"*"}
	cfg.Channels.WhatsApp.Groups = map[string]config.GroupConfig{
		"*": {Policy: "allowlist"},
	}
	gate, _ := newTestGate(t, cfg)

	if d := gate.Check(groupEnv(models.ChannelWhatsApp, "123@g.us", "+19990000", "hi"), ""); !d.Allow {
		t.Fatalf("wildcard channel allowlist denied: %+v", d)
	}
}

func TestGateMentionGating(t *testing.T) {
	cfg := &config.Config{}
	cfg.Routing.MentionPatterns = []string{"@clawd"}
	cfg.Channels.WhatsApp.Groups = map[string]config.GroupConfig{
		"*": {RequireMention: boolPtr(true)},
	}
	gate, _ := newTestGate(t, cfg)

	if d := gate.Check(groupEnv(models.ChannelWhatsApp, "123@g.us", "+1", "@clawd status"), ""); !d.Allow {
		t.Fatalf("mentioned message denied: %+v", d)
	}
	d := gate.Check(groupEnv(models.ChannelWhatsApp, "123@g.us", "+1", "hello"), "")
	if d.Allow || d.Reason != ReasonMentionRequired {
		t.Fatalf("unmentioned message = %+v", d)
	}
	if !d.StoreContext {
		t.Fatalf("mention-required deny should keep the message as context: %+v", d)
	}

	// Native mention flag bypasses pattern matching.
	env := groupEnv(models.ChannelWhatsApp, "123@g.us", "+1", "hello")
	env.WasMentioned = true
	if d := gate.Check(env, ""); !d.Allow {
		t.Fatalf("native mention denied: %+v", d)
	}
}

func TestGateMentionDefaultsToRequired(t *testing.T) {
	cfg := &config.Config{}
	cfg.Routing.MentionPatterns = []string{"@clawd"}
	gate, _ := newTestGate(t, cfg)

	d := gate.Check(groupEnv(models.ChannelTelegram, "-100987", "u1", "hello"), "")
	if d.Allow || d.Reason != ReasonMentionRequired {
		t.Fatalf("default group message = %+v, want mention-required", d)
	}
}

func TestGateSessionActivationOverride(t *testing.T) {
	cfg := &config.Config{}
	cfg.Routing.MentionPatterns = []string{"@clawd"}
	cfg.Channels.WhatsApp.Groups = map[string]config.GroupConfig{
		"*": {RequireMention: boolPtr(true)},
	}
	gate, _ := newTestGate(t, cfg)

	env := groupEnv(models.ChannelWhatsApp, "123@g.us", "+1", "hello")
	// /activation on stores "always" on the session and beats the rule.
	if d := gate.Check(env, "always"); !d.Allow {
		t.Fatalf("activation=always still gated: %+v", d)
	}
	// An explicit mention override also beats a rule that allows all.
	cfg.Channels.WhatsApp.Groups["*"] = config.GroupConfig{RequireMention: boolPtr(false)}
	if d := gate.Check(env, "mention"); d.Allow {
		t.Fatalf("activation=mention not enforced: %+v", d)
	}
}

func TestGateUnknownSurfaceAllowed(t *testing.T) {
	cfg := &config.Config{}
	gate, _ := newTestGate(t, cfg)

	d := gate.Check(&models.Envelope{Surface: "internal", From: "cron"}, "")
	if !d.Allow {
		t.Fatalf("internal envelope denied: %+v", d)
	}
}
