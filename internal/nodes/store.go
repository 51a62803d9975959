package nodes

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawdis/clawdis/internal/config"
)

const (
	// CodeLength is the pairing code size in characters.
	CodeLength = 8
	// CodeTTL is how long an unapproved request stays redeemable.
	CodeTTL = time.Hour
	// MaxPending caps outstanding node requests.
	MaxPending = 3
)

// codeAlphabet is uppercase alphanumerics minus the lookalikes 0O1I.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var (
	ErrCodeNotFound = errors.New("node pairing code not found")
	ErrNodeNotFound = errors.New("node not found")
	// ErrPendingLimit means MaxPending requests are already outstanding.
	ErrPendingLimit = errors.New("too many pending node requests")
)

// Store keeps node pairing state in pending.json and paired.json under
// one directory.
type Store struct {
	dir   string
	mu    sync.Mutex
	now   func() time.Time
	rand  io.Reader
	newID func() string
}

// NewStore uses the default nodes directory.
func NewStore() *Store {
	return NewStoreWithDir(config.NodesDir())
}

// NewStoreWithDir scopes the store to dir; tests point it at a tempdir.
func NewStoreWithDir(dir string) *Store {
	if strings.TrimSpace(dir) == "" {
		dir = config.NodesDir()
	}
	return &Store{dir: dir, now: time.Now, rand: rand.Reader, newID: uuid.NewString}
}

// RequestPairing returns the pending request for the client, creating
// one if none exists. The second return reports whether a new code was
// issued. An instance that is already paired gets ErrAlreadyPaired via
// FindPaired; callers check that first.
func (s *Store) RequestPairing(req PairRequest) (PendingNode, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.loadPendingLocked()
	if err != nil {
		return PendingNode{}, false, err
	}
	instance := strings.TrimSpace(req.InstanceID)
	if instance != "" {
		for _, p := range pending {
			if p.InstanceID == instance {
				return p, false, nil
			}
		}
	}
	if len(pending) >= MaxPending {
		return PendingNode{}, false, ErrPendingLimit
	}

	taken := make(map[string]struct{}, len(pending))
	for _, p := range pending {
		taken[p.Code] = struct{}{}
	}
	code, err := s.generateCode(taken)
	if err != nil {
		return PendingNode{}, false, err
	}

	now := s.now()
	node := PendingNode{
		ID:          s.newID(),
		Code:        code,
		ClientName:  strings.TrimSpace(req.ClientName),
		Platform:    strings.TrimSpace(req.Platform),
		Version:     strings.TrimSpace(req.Version),
		InstanceID:  instance,
		RequestedAt: now,
		ExpiresAt:   now.Add(CodeTTL),
	}
	pending = append(pending, node)
	if err := s.writeJSONLocked(s.pendingPath(), pending); err != nil {
		return PendingNode{}, false, err
	}
	return node, true, nil
}

// Pending lists unexpired pairing requests.
func (s *Store) Pending() ([]PendingNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadPendingLocked()
}

// Paired lists approved nodes.
func (s *Store) Paired() ([]Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadPairedLocked()
}

// Approve redeems a code: the request becomes a paired node, keeping
// its ID so reconnects stay stable.
func (s *Store) Approve(code string) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code = normalizeCode(code)
	if code == "" {
		return Node{}, ErrCodeNotFound
	}
	pending, err := s.loadPendingLocked()
	if err != nil {
		return Node{}, err
	}
	idx := -1
	for i, p := range pending {
		if p.Code == code {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Node{}, ErrCodeNotFound
	}
	req := pending[idx]

	paired, err := s.loadPairedLocked()
	if err != nil {
		return Node{}, err
	}
	node := Node{
		ID:         req.ID,
		Name:       displayName(req),
		Platform:   req.Platform,
		Version:    req.Version,
		InstanceID: req.InstanceID,
		PairedAt:   s.now(),
	}
	// A re-pair of the same instance replaces the old record.
	kept := paired[:0]
	for _, n := range paired {
		if node.InstanceID != "" && n.InstanceID == node.InstanceID {
			continue
		}
		kept = append(kept, n)
	}
	kept = append(kept, node)
	if err := s.writeJSONLocked(s.pairedPath(), kept); err != nil {
		return Node{}, err
	}

	pending = append(pending[:idx], pending[idx+1:]...)
	if err := s.writeJSONLocked(s.pendingPath(), pending); err != nil {
		return Node{}, err
	}
	return node, nil
}

// Deny drops a pending request.
func (s *Store) Deny(code string) (PendingNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code = normalizeCode(code)
	pending, err := s.loadPendingLocked()
	if err != nil {
		return PendingNode{}, err
	}
	for i, p := range pending {
		if p.Code == code {
			req := p
			pending = append(pending[:i], pending[i+1:]...)
			if err := s.writeJSONLocked(s.pendingPath(), pending); err != nil {
				return PendingNode{}, err
			}
			return req, nil
		}
	}
	return PendingNode{}, ErrCodeNotFound
}

// FindPaired looks up an approved node by instance id.
func (s *Store) FindPaired(instanceID string) (Node, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return Node{}, false, nil
	}
	paired, err := s.loadPairedLocked()
	if err != nil {
		return Node{}, false, err
	}
	for _, n := range paired {
		if n.InstanceID == instanceID {
			return n, true, nil
		}
	}
	return Node{}, false, nil
}

// TouchSeen stamps LastSeen for a paired node.
func (s *Store) TouchSeen(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paired, err := s.loadPairedLocked()
	if err != nil {
		return err
	}
	for i := range paired {
		if paired[i].ID == id {
			paired[i].LastSeen = s.now()
			return s.writeJSONLocked(s.pairedPath(), paired)
		}
	}
	return ErrNodeNotFound
}

func (s *Store) pendingPath() string { return filepath.Join(s.dir, "pending.json") }
func (s *Store) pairedPath() string  { return filepath.Join(s.dir, "paired.json") }

// loadPendingLocked drops expired or malformed requests, rewriting the
// file when anything was filtered so expiry is durable.
func (s *Store) loadPendingLocked() ([]PendingNode, error) {
	path := s.pendingPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []PendingNode{}, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return []PendingNode{}, nil
	}
	var pending []PendingNode
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, err
	}
	filtered := pending[:0]
	now := s.now()
	for _, p := range pending {
		if p.Code == "" || p.ID == "" {
			continue
		}
		if p.ExpiresAt.IsZero() || p.ExpiresAt.After(now) {
			p.Code = normalizeCode(p.Code)
			filtered = append(filtered, p)
		}
	}
	if len(filtered) != len(pending) {
		if err := s.writeJSONLocked(path, filtered); err != nil {
			return nil, err
		}
	}
	return filtered, nil
}

func (s *Store) loadPairedLocked() ([]Node, error) {
	data, err := os.ReadFile(s.pairedPath())
	if err != nil {
		if os.IsNotExist(err) {
			return []Node{}, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return []Node{}, nil
	}
	var paired []Node
	if err := json.Unmarshal(data, &paired); err != nil {
		return nil, err
	}
	return paired, nil
}

func (s *Store) writeJSONLocked(path string, payload any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o600)
}

func (s *Store) generateCode(taken map[string]struct{}) (string, error) {
	for i := 0; i < 20; i++ {
		code, err := randomCode(s.rand, CodeLength)
		if err != nil {
			return "", err
		}
		if _, ok := taken[code]; !ok {
			return code, nil
		}
	}
	return "", errors.New("nodes: could not generate a unique code")
}

func randomCode(r io.Reader, length int) (string, error) {
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i := range buf {
		out[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}
	return string(out), nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func displayName(req PendingNode) string {
	if req.ClientName != "" {
		return req.ClientName
	}
	if req.Platform != "" {
		return fmt.Sprintf("%s node", req.Platform)
	}
	return "node"
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".nodes-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
