package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a session key has no entry.
var ErrNotFound = errors.New("session not found")

// Store persists session entries keyed by session key. Implementations
// serialize writers; readers may observe a stale snapshot.
type Store interface {
	// Get returns the entry for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Entry, error)

	// GetOrCreate returns the entry for key, creating a fresh one with a
	// new session id when absent.
	GetOrCreate(ctx context.Context, key string) (*Entry, error)

	// Patch applies fn to the entry under the store lock, creating the
	// entry first when absent, and persists the result. UpdatedAt is
	// advanced monotonically.
	Patch(ctx context.Context, key string, fn func(*Entry)) (*Entry, error)

	// RestoreUpdatedAt writes UpdatedAt back to an earlier value,
	// bypassing the monotonic touch. Heartbeat runs use it so periodic
	// prompts do not rank the session recent. Absent keys are a no-op.
	RestoreUpdatedAt(ctx context.Context, key string, t time.Time) error

	// Reset swaps in a fresh session id and clears run state (tokens,
	// model, systemSent, backlog marker). Chat bindings and user levels
	// survive.
	Reset(ctx context.Context, key string) (*Entry, error)

	// Delete removes the entry for key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error

	// List returns a copy of the full key → entry mapping.
	List(ctx context.Context) (map[string]Entry, error)

	// Close releases backing resources.
	Close() error
}

// OpenStore selects a backend from session.store config: "file" (default)
// or "postgres".
func OpenStore(ctx context.Context, backend, dsn, dir string) (Store, error) {
	switch backend {
	case "", "file":
		return NewFileStoreInDir(dir), nil
	case "postgres":
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown session store %q", backend)
	}
}

// FileStore keeps every entry in one JSON file, rewritten atomically on
// each mutation (temp file + rename). The in-memory map is the source of
// truth after first load.
type FileStore struct {
	path string

	mu      sync.Mutex
	entries map[string]*Entry
	loaded  bool

	now   func() time.Time
	newID func() string
}

// NewFileStore creates a store backed by the given snapshot path.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:  path,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// NewFileStoreInDir places the snapshot at dir/sessions.json.
func NewFileStoreInDir(dir string) *FileStore {
	return NewFileStore(filepath.Join(dir, "sessions.json"))
}

func (s *FileStore) Get(ctx context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	e, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *FileStore) GetOrCreate(ctx context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	if e, ok := s.entries[key]; ok {
		return e.Clone(), nil
	}
	e := &Entry{SessionID: s.newID()}
	s.touch(e)
	s.entries[key] = e
	if err := s.persist(); err != nil {
		return nil, err
	}
	return e.Clone(), nil
}

func (s *FileStore) Patch(ctx context.Context, key string, fn func(*Entry)) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	e, ok := s.entries[key]
	if !ok {
		e = &Entry{SessionID: s.newID()}
		s.entries[key] = e
	}
	fn(e)
	s.touch(e)
	if err := s.persist(); err != nil {
		return nil, err
	}
	return e.Clone(), nil
}

func (s *FileStore) Reset(ctx context.Context, key string) (*Entry, error) {
	return s.Patch(ctx, key, func(e *Entry) {
		e.SessionID = s.newID()
		e.SystemSent = false
		e.AbortedLastRun = false
		e.InputTokens = 0
		e.OutputTokens = 0
		e.TotalTokens = 0
		e.ContextTokens = 0
		e.Model = ""
	})
}

func (s *FileStore) RestoreUpdatedAt(ctx context.Context, key string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	e.UpdatedAt = t.UTC()
	return s.persist()
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	if _, ok := s.entries[key]; !ok {
		return nil
	}
	delete(s.entries, key)
	return s.persist()
}

func (s *FileStore) List(ctx context.Context) (map[string]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	out := make(map[string]Entry, len(s.entries))
	for k, e := range s.entries {
		out[k] = *e
	}
	return out, nil
}

func (s *FileStore) Close() error { return nil }

// touch advances UpdatedAt, never backwards. Stored times are UTC so a
// snapshot written and re-read compares identical.
func (s *FileStore) touch(e *Entry) {
	now := s.now().UTC()
	if !now.After(e.UpdatedAt) {
		now = e.UpdatedAt.Add(time.Millisecond)
	}
	e.UpdatedAt = now
}

// load reads the snapshot once. A missing file is an empty store.
// Caller must hold mu.
func (s *FileStore) load() error {
	if s.loaded {
		return nil
	}
	s.entries = make(map[string]*Entry)
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			return nil
		}
		return fmt.Errorf("read sessions snapshot: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.entries); err != nil {
			return fmt.Errorf("parse sessions snapshot %s: %w", s.path, err)
		}
	}
	s.loaded = true
	return nil
}

// persist rewrites the snapshot atomically. Caller must hold mu.
func (s *FileStore) persist() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sessions snapshot: %w", err)
	}
	return writeFileAtomic(s.path, data, 0o600)
}

// writeFileAtomic writes via a temp file in the target directory followed
// by rename, so readers never observe a partial snapshot.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".sessions-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
