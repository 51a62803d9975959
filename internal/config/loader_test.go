package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestLoadJSON5WithComments(t *testing.T) {
	path := writeConfig(t, "clawdis.json", `{
  // inline comments are allowed
  "agent": { "provider": "openai", "model": "gpt-4.1" },
  "gateway": { "port": 19001 },
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Agent.Provider != "openai" {
		t.Fatalf("agent.provider = %q, want openai", cfg.Agent.Provider)
	}
	if cfg.Gateway.Port != 19001 {
		t.Fatalf("gateway.port = %d, want 19001", cfg.Gateway.Port)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("CLAWDIS_TEST_TOKEN", "tok-123")
	path := writeConfig(t, "clawdis.yaml", `
channels:
  telegram:
    enabled: true
    botToken: ${CLAWDIS_TEST_TOKEN}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Channels.Telegram.BotToken != "tok-123" {
		t.Fatalf("botToken = %q, want tok-123", cfg.Channels.Telegram.BotToken)
	}
}

func TestLoadMergesInclude(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.json")
	if err := os.WriteFile(base, []byte(`{"agent": {"provider": "openai", "model": "gpt-4.1"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	main := filepath.Join(dir, "clawdis.json")
	if err := os.WriteFile(main, []byte(`{
  "$include": "base.json",
  "agent": { "model": "gpt-4o" }
}`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	// Including file wins on conflicts; untouched keys survive the merge.
	if cfg.Agent.Model != "gpt-4o" {
		t.Fatalf("agent.model = %q, want gpt-4o", cfg.Agent.Model)
	}
	if cfg.Agent.Provider != "openai" {
		t.Fatalf("agent.provider = %q, want openai", cfg.Agent.Provider)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.json")
	b := filepath.Join(dir, "b.json")
	if err := os.WriteFile(a, []byte(`{"$include": "b.json"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte(`{"$include": "a.json"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(a); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("Load() = %v, want cycle error", err)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "clawdis.yaml", `
agent:
  provider: anthropic
  temperature: 0.7
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Messages.Queue.Mode != DefaultQueueMode {
		t.Fatalf("queue mode = %q, want %q", cfg.Messages.Queue.Mode, DefaultQueueMode)
	}
	if cfg.Session.MainKey != DefaultMainKey {
		t.Fatalf("mainKey = %q, want %q", cfg.Session.MainKey, DefaultMainKey)
	}
	if cfg.Gateway.Port != DefaultGatewayPort {
		t.Fatalf("port = %d, want %d", cfg.Gateway.Port, DefaultGatewayPort)
	}
}

func TestLoadValidatesQueueMode(t *testing.T) {
	path := writeConfig(t, "clawdis.yaml", `
messages:
  queue:
    mode: shuffle
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "messages.queue.mode") {
		t.Fatalf("Load() = %v, want queue mode error", err)
	}
}

func TestLoadValidatesByChannelOverride(t *testing.T) {
	path := writeConfig(t, "clawdis.yaml", `
messages:
  queue:
    byChannel:
      pager: interrupt
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "byChannel.pager") {
		t.Fatalf("Load() = %v, want byChannel error", err)
	}
}

func TestLoadCapsMediaMax(t *testing.T) {
	path := writeConfig(t, "clawdis.yaml", `
messages:
  mediaMaxMb: 50
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Messages.MediaMaxMB != HardMediaMaxMB {
		t.Fatalf("mediaMaxMb = %v, want hard cap %v", cfg.Messages.MediaMaxMB, HardMediaMaxMB)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clawdis.json")
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Telegram.BotToken = "tok"
	cfg.Channels.Telegram.AllowFrom = []string{"12345"}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() = %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if !reflect.DeepEqual(cfg, loaded) {
		t.Fatalf("round trip mismatch:\nsaved  %+v\nloaded %+v", cfg, loaded)
	}
}

func TestJSONSchemaIncludesRoots(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() = %v", err)
	}
	for _, root := range []string{"channels", "messages", "gateway", "session"} {
		if !strings.Contains(string(data), `"`+root+`"`) {
			t.Fatalf("schema missing root %q", root)
		}
	}
}

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}
