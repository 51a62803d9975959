package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/pkg/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRegistersEverySurface(t *testing.T) {
	t.Setenv(config.StateDirEnv, t.TempDir())
	cfg := &config.Config{}
	cfg.Gateway.Host = "127.0.0.1"

	a, err := New(context.Background(), Options{Config: cfg, Logger: discardLogger(), Version: "test"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.store.Close()

	want := []models.ChannelType{
		models.ChannelWhatsApp,
		models.ChannelTelegram,
		models.ChannelDiscord,
		models.ChannelSignal,
		models.ChannelIMessage,
		models.ChannelSlack,
		models.ChannelWebchat,
	}
	all := a.registry.All()
	if len(all) != len(want) {
		t.Fatalf("registered %d surfaces, want %d", len(all), len(want))
	}
	for i, ad := range all {
		if got := ad.Dock().ID; got != want[i] {
			t.Fatalf("surface[%d] = %s, want %s", i, got, want[i])
		}
	}

	if a.server == nil || a.sched == nil || a.heartbeat == nil || a.cron == nil {
		t.Fatal("component graph incomplete")
	}
	if a.watcher != nil {
		t.Fatal("watcher built without a config path")
	}
}

func TestAppStartStop(t *testing.T) {
	t.Setenv(config.StateDirEnv, t.TempDir())
	cfg := &config.Config{}
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = 0

	a, err := New(context.Background(), Options{Config: cfg, Logger: discardLogger(), Version: "test"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	addr := a.Gateway().Addr()
	if addr == "" {
		t.Fatal("gateway reported no address")
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	if err := a.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
