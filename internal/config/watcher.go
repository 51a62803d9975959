package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives the freshly loaded config and the dotted path
// prefixes that changed since the previous load.
type ReloadFunc func(cfg *Config, changed []string)

// Watcher reloads the config file when it changes on disk. Editors
// replace files via rename, so the parent directory is watched and
// events are filtered by name.
type Watcher struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration
	onReload ReloadFunc

	mu      sync.Mutex
	lastRaw map[string]any
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWatcher prepares a watcher for path. The initial raw snapshot seeds
// the diff so the first on-disk change reports accurate prefixes.
func NewWatcher(path string, logger *slog.Logger, onReload ReloadFunc) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		path:     path,
		logger:   logger.With("component", "config"),
		debounce: 250 * time.Millisecond,
		onReload: onReload,
	}
	if raw, err := LoadRaw(path); err == nil {
		w.lastRaw = raw
	}
	return w
}

// Start begins watching. Stop with Close.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("config watch %s: %w", filepath.Dir(w.path), err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.watcher = fw
	w.cancel = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go w.watchLoop(watchCtx, fw)
	return nil
}

// Close stops the watcher and waits for the loop to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	fw := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	if fw != nil {
		_ = fw.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context, fw *fsnotify.Watcher) {
	defer w.wg.Done()

	var timerMu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, w.reload)
	}

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	raw, err := LoadRaw(w.path)
	if err != nil {
		w.logger.Warn("config reload skipped", "error", err)
		return
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		w.logger.Warn("config reload skipped", "error", err)
		return
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		w.logger.Warn("config reload skipped", "error", err)
		return
	}

	w.mu.Lock()
	changed := DiffPrefixes(w.lastRaw, raw)
	w.lastRaw = raw
	w.mu.Unlock()

	if len(changed) == 0 {
		return
	}
	w.logger.Info("config reloaded", "changed", changed)
	if w.onReload != nil {
		w.onReload(cfg, changed)
	}
}

// DiffPrefixes returns the shallowest dotted paths whose subtrees differ
// between two raw config documents. Subsystems register path prefixes
// and restart only when one of these intersects them.
func DiffPrefixes(old, new map[string]any) []string {
	set := map[string]struct{}{}
	diffInto(set, "", old, new)
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func diffInto(set map[string]struct{}, prefix string, old, new map[string]any) {
	keys := map[string]struct{}{}
	for k := range old {
		keys[k] = struct{}{}
	}
	for k := range new {
		keys[k] = struct{}{}
	}
	for k := range keys {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		ov, oOK := old[k]
		nv, nOK := new[k]
		if oOK != nOK {
			set[path] = struct{}{}
			continue
		}
		oMap, oIsMap := ov.(map[string]any)
		nMap, nIsMap := nv.(map[string]any)
		if oIsMap && nIsMap {
			diffInto(set, path, oMap, nMap)
			continue
		}
		if !equalValue(ov, nv) {
			set[path] = struct{}{}
		}
	}
}

func equalValue(a, b any) bool {
	if am, ok := a.(map[string]any); ok {
		bm, ok := b.(map[string]any)
		if !ok || len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !equalValue(av, bv) {
				return false
			}
		}
		return true
	}
	if as, ok := a.([]any); ok {
		bs, ok := b.([]any)
		if !ok || len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !equalValue(as[i], bs[i]) {
				return false
			}
		}
		return true
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// MatchesPrefix reports whether any changed path falls under one of the
// registered prefixes (or names an ancestor of one).
func MatchesPrefix(changed []string, prefixes []string) bool {
	for _, c := range changed {
		for _, p := range prefixes {
			if c == p || hasDotPrefix(c, p) || hasDotPrefix(p, c) {
				return true
			}
		}
	}
	return false
}

func hasDotPrefix(s, prefix string) bool {
	return len(s) > len(prefix) && s[:len(prefix)] == prefix && s[len(prefix)] == '.'
}
