// Package main provides the CLI entry point for the clawdis personal
// messaging gateway.
//
// Clawdis fronts a single LLM agent with the owner's chat surfaces
// (WhatsApp, Telegram, Discord, Signal, iMessage, Slack, web chat),
// collapsing direct messages into one shared session and gating unknown
// senders behind pairing codes.
//
// # Basic Usage
//
// Start the gateway:
//
//	clawdis serve
//
// Check what is running:
//
//	clawdis status
//
// Approve a sender who messaged you a pairing code:
//
//	clawdis pairing approve --channel telegram A7K2M9QX
//
// Every command except serve is a WebSocket client of the running
// gateway; point it elsewhere with --server host:port.
//
// # Environment Variables
//
//   - CLAWDIS_STATE_DIR: State directory (default: ~/.clawdis)
//   - CLAWDIS_CONFIG: Path to the config file (default: <state dir>/clawdis.json)
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clawdis/clawdis/internal/config"
)

// Build information, populated by ldflags.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clawdis",
		Short: "Clawdis - personal messaging gateway for one agent",
		Long: `Clawdis connects your chat surfaces to a single LLM agent.

Direct messages from the owner collapse into one shared session; unknown
senders are parked behind pairing codes until approved. Groups answer
when mentioned. A WebSocket gateway serves the web chat, TUI, and this
CLI over one versioned protocol.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildStatusCmd(),
		buildHealthCmd(),
		buildSessionsCmd(),
		buildPairingCmd(),
		buildChannelsCmd(),
		buildCronCmd(),
		buildSkillsCmd(),
		buildConfigCmd(),
		buildLinkCmd(),
	)

	return rootCmd
}

// resolveConfigPath honors an explicit flag, then CLAWDIS_CONFIG, then
// the state-dir default.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("CLAWDIS_CONFIG")); env != "" {
		return env
	}
	return config.DefaultConfigPath()
}
