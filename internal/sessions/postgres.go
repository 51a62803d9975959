package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresStore persists entries in a single table, one JSONB document per
// session key. Selected with session.store = "postgres".
type PostgresStore struct {
	db *sql.DB

	// mu serializes read-modify-write cycles the same way FileStore
	// serializes snapshot rewrites.
	mu sync.Mutex

	now   func() time.Time
	newID func() string
}

const sessionsSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	key        TEXT PRIMARY KEY,
	entry      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

// NewPostgresStore opens a connection pool for dsn and ensures the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres store: dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, sessionsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure sessions schema: %w", err)
	}
	return &PostgresStore{db: db, now: time.Now, newID: uuid.NewString}, nil
}

// newPostgresStoreWithDB wires an existing handle; tests use it with a
// mock connection.
func newPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now, newID: uuid.NewString}
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*Entry, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT entry FROM sessions WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", key, err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", key, err)
	}
	return &e, nil
}

func (s *PostgresStore) GetOrCreate(ctx context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.Get(ctx, key)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	e = &Entry{SessionID: s.newID(), UpdatedAt: s.now().UTC()}
	if err := s.upsert(ctx, key, e); err != nil {
		return nil, err
	}
	return e.Clone(), nil
}

func (s *PostgresStore) Patch(ctx context.Context, key string, fn func(*Entry)) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		e = &Entry{SessionID: s.newID()}
	} else if err != nil {
		return nil, err
	}
	fn(e)
	now := s.now().UTC()
	if !now.After(e.UpdatedAt) {
		now = e.UpdatedAt.Add(time.Millisecond)
	}
	e.UpdatedAt = now
	if err := s.upsert(ctx, key, e); err != nil {
		return nil, err
	}
	return e.Clone(), nil
}

func (s *PostgresStore) Reset(ctx context.Context, key string) (*Entry, error) {
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

func (s *PostgresStore) RestoreUpdatedAt(ctx context.Context, key string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	e.UpdatedAt = t.UTC()
	return s.upsert(ctx, key, e)
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete session %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) (map[string]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, entry FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Entry)
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", key, err)
		}
		out[key] = e
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) upsert(ctx context.Context, key string, e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (key, entry, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET entry = $2, updated_at = $3`,
		key, raw, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", key, err)
	}
	return nil
}
