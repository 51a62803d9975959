package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// StateDirEnv overrides the state directory location.
const StateDirEnv = "CLAWDIS_STATE_DIR"

// StateDir returns the root state directory (~/.clawdis unless overridden).
func StateDir() string {
	if dir := strings.TrimSpace(os.Getenv(StateDirEnv)); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".clawdis"
	}
	return filepath.Join(home, ".clawdis")
}

// DefaultConfigPath returns the config file path inside the state dir,
// preferring clawdis.json but honoring an existing yaml variant.
func DefaultConfigPath() string {
	dir := StateDir()
	jsonPath := filepath.Join(dir, "clawdis.json")
	if _, err := os.Stat(jsonPath); err == nil {
		return jsonPath
	}
	for _, name := range []string{"clawdis.yaml", "clawdis.yml", "clawdis.json5"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return jsonPath
}

// SessionsDir holds the session store snapshot and per-session transcripts.
func SessionsDir() string { return filepath.Join(StateDir(), "sessions") }

// CredentialsDir holds per-channel credential, allowlist, and pairing files.
func CredentialsDir() string { return filepath.Join(StateDir(), "credentials") }

// NodesDir holds the paired-device stores.
func NodesDir() string { return filepath.Join(StateDir(), "nodes") }

// MediaDir is the local media cache.
func MediaDir() string { return filepath.Join(StateDir(), "media") }

// SkillsDir is the default skill manifest root; skills.dirs adds more.
func SkillsDir() string { return filepath.Join(StateDir(), "skills") }

// CronDir holds the cron execution log database.
func CronDir() string { return filepath.Join(StateDir(), "cron") }

// LogDir returns the platform log directory for daily log files.
func LogDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err == nil && home != "" {
			return filepath.Join(home, "Library", "Logs", "clawdis")
		}
	case "linux":
		if xdg := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); xdg != "" {
			return filepath.Join(xdg, "clawdis", "log")
		}
		home, err := os.UserHomeDir()
		if err == nil && home != "" {
			return filepath.Join(home, ".local", "state", "clawdis", "log")
		}
	}
	return filepath.Join(StateDir(), "log")
}

// EnsureStateDirs creates the state directory tree with owner-only modes.
func EnsureStateDirs() error {
	for _, dir := range []string{StateDir(), SessionsDir(), CredentialsDir(), NodesDir(), MediaDir(), CronDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return nil
}
