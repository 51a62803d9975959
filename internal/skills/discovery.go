package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/clawdis/clawdis/internal/config"
)

// Root is one directory scanned for skill subdirectories.
type Root struct {
	Dir    string
	Source SourceType
}

// Service discovers and caches skill manifests across the configured
// roots. Later roots win name conflicts, so skills.dirs entries can
// shadow the state-dir defaults.
type Service struct {
	roots  []Root
	logger *slog.Logger

	mu     sync.RWMutex
	skills []*Skill
}

// NewService builds a service over the default state-dir root plus the
// skills.dirs entries, in that order.
func NewService(cfg config.SkillsConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	roots := []Root{{Dir: config.SkillsDir(), Source: SourceState}}
	for _, dir := range cfg.Dirs {
		if dir == "" {
			continue
		}
		roots = append(roots, Root{Dir: dir, Source: SourceConfig})
	}
	return &Service{roots: roots, logger: logger.With("component", "skills")}
}

// NewServiceWithRoots builds a service over explicit roots.
func NewServiceWithRoots(roots []Root, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{roots: roots, logger: logger.With("component", "skills")}
}

// Refresh rescans every root and replaces the cached list.
func (s *Service) Refresh(ctx context.Context) error {
	byName := make(map[string]*Skill)
	for _, root := range s.roots {
		found, err := scanRoot(ctx, root, s.logger)
		if err != nil {
			return fmt.Errorf("scan %s: %w", root.Dir, err)
		}
		for _, skill := range found {
			if prev, ok := byName[skill.Name]; ok {
				s.logger.Debug("skill shadowed",
					"name", skill.Name,
					"kept", skill.Dir,
					"dropped", prev.Dir)
			}
			byName[skill.Name] = skill
		}
	}

	list := make([]*Skill, 0, len(byName))
	for _, skill := range byName {
		list = append(list, skill)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	s.mu.Lock()
	s.skills = list
	s.mu.Unlock()

	s.logger.Info("skills discovered", "count", len(list))
	return nil
}

// List returns the cached skills sorted by name.
func (s *Service) List() []*Skill {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Skill, len(s.skills))
	copy(out, s.skills)
	return out
}

// Get returns one cached skill by name.
func (s *Service) Get(name string) (*Skill, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, skill := range s.skills {
		if skill.Name == name {
			return skill, true
		}
	}
	return nil, false
}

// scanRoot lists the immediate subdirectories of a root and parses the
// SKILL.md each contains. Missing roots and broken manifests are
// skipped, not fatal.
func scanRoot(ctx context.Context, root Root, logger *slog.Logger) ([]*Skill, error) {
	info, err := os.Stat(root.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", root.Dir)
	}

	entries, err := os.ReadDir(root.Dir)
	if err != nil {
		return nil, err
	}

	var skills []*Skill
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return skills, ctx.Err()
		default:
		}
		if !entry.IsDir() {
			continue
		}

		manifest := filepath.Join(root.Dir, entry.Name(), SkillFilename)
		if _, err := os.Stat(manifest); os.IsNotExist(err) {
			continue
		}

		skill, err := ParseSkillFile(manifest)
		if err != nil {
			logger.Warn("skipping skill", "path", manifest, "error", err)
			continue
		}
		skill.Source = root.Source
		skills = append(skills, skill)
	}
	return skills, nil
}
