// Package pairing issues and redeems DM pairing codes.
//
// Unknown senders on a channel whose dmPolicy is "pairing" receive a short
// code; pairing.approve moves them onto that channel's stored allowlist.
// State lives next to the channel credentials as
// <channel>-pairing.json / <channel>-allowFrom.json.
package pairing

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

	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/pkg/models"
)

const (
	// CodeLength is the pairing code size in characters.
	CodeLength = 8
	// CodeTTL is how long a code stays redeemable.
	CodeTTL = time.Hour
	// MaxPending caps outstanding requests per channel.
	MaxPending = 3
)

// codeAlphabet is uppercase alphanumerics minus the lookalikes 0O1I.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var (
	ErrCodeNotFound = errors.New("pairing code not found")
	// ErrPendingLimit means the channel already has MaxPending codes out.
	ErrPendingLimit = errors.New("too many pending pairing requests")
)

// Request is one outstanding pairing code.
type Request struct {
	Code      string             `json:"code"`
	Channel   models.ChannelType `json:"channel"`
	Peer      string             `json:"peer"`
	PeerName  string             `json:"peerName,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
	ExpiresAt time.Time          `json:"expiresAt"`
}

// Store keeps pairing state for every channel under one directory.
type Store struct {
	dir  string
	mu   sync.Mutex
	now  func() time.Time
	rand io.Reader
}

// NewStore uses the default credentials directory.
func NewStore() *Store {
	return NewStoreWithDir(config.CredentialsDir())
}

// NewStoreWithDir scopes the store to dir; tests point it at a tempdir.
func NewStoreWithDir(dir string) *Store {
	if strings.TrimSpace(dir) == "" {
		dir = config.CredentialsDir()
	}
	return &Store{dir: dir, now: time.Now, rand: rand.Reader}
}

// GetOrCreate returns the pending request for peer, creating one if none
// exists. The second return reports whether a new code was issued; callers
// reply with the code only then. Returns ErrPendingLimit when the channel
// already has MaxPending outstanding codes.
func (s *Store) GetOrCreate(channel models.ChannelType, peer, peerName string) (Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	peer = strings.TrimSpace(peer)
	if peer == "" {
		return Request{}, false, errors.New("pairing: peer is required")
	}

	pending, err := s.loadPendingLocked(channel)
	if err != nil {
		return Request{}, false, err
	}
	for _, req := range pending {
		if req.Peer == peer {
			return req, false, nil
		}
	}
	if len(pending) >= MaxPending {
		return Request{}, false, ErrPendingLimit
	}

	taken := make(map[string]struct{}, len(pending))
	for _, req := range pending {
		taken[req.Code] = struct{}{}
	}
	code, err := s.generateCode(taken)
	if err != nil {
		return Request{}, false, err
	}

	now := s.now()
	req := Request{
		Code:      code,
		Channel:   channel,
		Peer:      peer,
		PeerName:  strings.TrimSpace(peerName),
		CreatedAt: now,
		ExpiresAt: now.Add(CodeTTL),
	}
	pending = append(pending, req)
	if err := s.writeJSONLocked(s.pendingPath(channel), pending); err != nil {
		return Request{}, false, err
	}
	return req, true, nil
}

// Pending lists the channel's unexpired requests.
func (s *Store) Pending(channel models.ChannelType) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadPendingLocked(channel)
}

// PendingAll lists unexpired requests across every channel with state on
// disk.
func (s *Store) PendingAll() ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "*-pairing.json"))
	if err != nil {
		return nil, err
	}
	var out []Request
	for _, path := range matches {
		name := strings.TrimSuffix(filepath.Base(path), "-pairing.json")
		pending, err := s.loadPendingLocked(models.ChannelType(name))
		if err != nil {
			return nil, err
		}
		out = append(out, pending...)
	}
	return out, nil
}

// Approve redeems a code: the peer moves onto the channel's stored
// allowlist and the request is removed.
func (s *Store) Approve(channel models.ChannelType, code string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, pending, idx, err := s.findLocked(channel, code)
	if err != nil {
		return Request{}, err
	}

	allow, err := s.loadAllowlistLocked(channel)
	if err != nil {
		return Request{}, err
	}
	allow = sanitizeAllowlist(append(allow, req.Peer))
	if err := s.writeJSONLocked(s.allowlistPath(channel), allow); err != nil {
		return Request{}, err
	}

	pending = append(pending[:idx], pending[idx+1:]...)
	if err := s.writeJSONLocked(s.pendingPath(channel), pending); err != nil {
		return Request{}, err
	}
	return req, nil
}

// Deny removes a code without touching the allowlist.
func (s *Store) Deny(channel models.ChannelType, code string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, pending, idx, err := s.findLocked(channel, code)
	if err != nil {
		return Request{}, err
	}
	pending = append(pending[:idx], pending[idx+1:]...)
	if err := s.writeJSONLocked(s.pendingPath(channel), pending); err != nil {
		return Request{}, err
	}
	return req, nil
}

// Allowlist returns the channel's stored (approved) senders.
func (s *Store) Allowlist(channel models.ChannelType) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadAllowlistLocked(channel)
}

// SaveAllowlist replaces the channel's stored senders.
func (s *Store) SaveAllowlist(channel models.ChannelType, allow []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSONLocked(s.allowlistPath(channel), sanitizeAllowlist(allow))
}

func (s *Store) findLocked(channel models.ChannelType, code string) (Request, []Request, int, error) {
	code = normalizeCode(code)
	if code == "" {
		return Request{}, nil, 0, ErrCodeNotFound
	}
	pending, err := s.loadPendingLocked(channel)
	if err != nil {
		return Request{}, nil, 0, err
	}
	for i, req := range pending {
		if normalizeCode(req.Code) == code {
			return req, pending, i, nil
		}
	}
	return Request{}, nil, 0, ErrCodeNotFound
}

func (s *Store) allowlistPath(channel models.ChannelType) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-allowFrom.json", channel))
}

func (s *Store) pendingPath(channel models.ChannelType) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-pairing.json", channel))
}

func (s *Store) loadAllowlistLocked(channel models.ChannelType) ([]string, error) {
	data, err := os.ReadFile(s.allowlistPath(channel))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return []string{}, nil
	}
	var allow []string
	if err := json.Unmarshal(data, &allow); err != nil {
		return nil, err
	}
	return sanitizeAllowlist(allow), nil
}

// loadPendingLocked drops expired or malformed requests, rewriting the
// file when anything was filtered so expiry is durable.
func (s *Store) loadPendingLocked(channel models.ChannelType) ([]Request, error) {
	path := s.pendingPath(channel)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Request{}, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return []Request{}, nil
	}
	var pending []Request
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, err
	}
	filtered := pending[:0]
	now := s.now()
	for _, req := range pending {
		if req.Code == "" || req.Peer == "" {
			continue
		}
		if req.ExpiresAt.IsZero() || req.ExpiresAt.After(now) {
			req.Code = normalizeCode(req.Code)
			if req.Channel == "" {
				req.Channel = channel
			}
			filtered = append(filtered, req)
		}
	}
	if len(filtered) != len(pending) {
		if err := s.writeJSONLocked(path, filtered); err != nil {
			return nil, err
		}
	}
	return filtered, nil
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
	return "", errors.New("pairing: could not generate a unique code")
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

// NormalizeAllowToken canonicalizes an allowlist entry or sender id for
// comparison: @/# sigils and platform prefixes stripped, lowercased.
func NormalizeAllowToken(value string) string {
	token := strings.TrimSpace(value)
	if token == "" {
		return ""
	}
	token = strings.TrimPrefix(token, "@")
	token = strings.TrimPrefix(token, "#")
	if idx := strings.Index(token, ":"); idx >= 0 {
		token = token[idx+1:]
	}
	return strings.ToLower(strings.TrimSpace(token))
}

func sanitizeAllowlist(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		normalized := NormalizeAllowToken(trimmed)
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".pairing-*")
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
