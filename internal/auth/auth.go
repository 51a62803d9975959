// Package auth decides who may talk to the gateway: static token or
// password credentials, tailscale proxy identity, the loopback bypass,
// and the HS256 tokens minted for web login.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/clawdis/clawdis/internal/config"
)

// Auth modes.
const (
	ModeNone      = "none"
	ModeToken     = "token"
	ModePassword  = "password"
	ModeTailscale = "tailscale"
)

// Identity methods, recorded on the accepted connection.
const (
	MethodLoopback  = "loopback"
	MethodToken     = "token"
	MethodPassword  = "password"
	MethodTailscale = "tailscale"
	MethodWebToken  = "web-token"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidToken = errors.New("invalid token")
)

// Identity names an authenticated gateway client.
type Identity struct {
	Subject string `json:"subject"`
	Method  string `json:"method"`
}

// Credentials carries what the client presented in its hello frame.
type Credentials struct {
	Token    string
	Password string
}

// Remote describes where the connection came from.
type Remote struct {
	// Addr is the peer address, host:port or bare host.
	Addr string
	// TailscaleLogin is the identity header injected by the tailscale
	// proxy, empty for direct connections.
	TailscaleLogin string
}

// Service evaluates gateway credentials for one configured auth mode.
type Service struct {
	mode     string
	token    string
	password string
	web      *TokenService
}

// NewService builds the auth service from the auth and web config roots.
// An empty web token secret gets a random per-process one, so web login
// tokens stop validating across restarts until a secret is pinned.
func NewService(cfg config.AuthConfig, web config.WebConfig) *Service {
	mode := strings.TrimSpace(cfg.Mode)
	if mode == "" {
		mode = ModeNone
	}
	secret := strings.TrimSpace(web.TokenSecret)
	if secret == "" {
		secret = RandomSecret()
	}
	ttl := time.Duration(web.TokenTTLHours) * time.Hour
	return &Service{
		mode:     mode,
		token:    strings.TrimSpace(cfg.Token),
		password: strings.TrimSpace(cfg.Password),
		web:      NewTokenService(secret, ttl),
	}
}

// Mode returns the configured auth mode.
func (s *Service) Mode() string { return s.mode }

// WebTokens exposes the web login token minter.
func (s *Service) WebTokens() *TokenService { return s.web }

// CheckBind rejects listener addresses that would expose an
// unauthenticated gateway: token or password mode without the credential
// configured may only bind loopback.
func (s *Service) CheckBind(host string) error {
	if IsLoopbackHost(host) {
		return nil
	}
	if s.mode == ModeToken && s.token == "" {
		return fmt.Errorf("auth mode token with no token configured cannot bind %s", host)
	}
	if s.mode == ModePassword && s.password == "" {
		return fmt.Errorf("auth mode password with no password configured cannot bind %s", host)
	}
	return nil
}

// Authenticate checks the presented credentials against the configured
// mode. Comparisons are constant-time so invalid guesses cannot be
// distinguished by latency.
func (s *Service) Authenticate(cred Credentials, remote Remote) (Identity, error) {
	switch s.mode {
	case "", ModeNone:
		// No credentials exist in this mode; only direct local callers
		// get in.
		if IsLoopbackAddr(remote.Addr) {
			return Identity{Subject: "local", Method: MethodLoopback}, nil
		}
		return Identity{}, ErrUnauthorized

	case ModeToken:
		if s.token != "" && equalConstantTime(cred.Token, s.token) {
			return Identity{Subject: "owner", Method: MethodToken}, nil
		}
		if id, err := s.webIdentity(cred.Token); err == nil {
			return id, nil
		}
		// An unconfigured token on a loopback bind degrades to the
		// loopback bypass; CheckBind blocks the non-loopback case.
		if s.token == "" && IsLoopbackAddr(remote.Addr) {
			return Identity{Subject: "local", Method: MethodLoopback}, nil
		}
		return Identity{}, ErrUnauthorized

	case ModePassword:
		if s.password != "" && equalConstantTime(cred.Password, s.password) {
			return Identity{Subject: "owner", Method: MethodPassword}, nil
		}
		if id, err := s.webIdentity(cred.Token); err == nil {
			return id, nil
		}
		if s.password == "" && IsLoopbackAddr(remote.Addr) {
			return Identity{Subject: "local", Method: MethodLoopback}, nil
		}
		return Identity{}, ErrUnauthorized

	case ModeTailscale:
		if login := strings.TrimSpace(remote.TailscaleLogin); login != "" {
			return Identity{Subject: login, Method: MethodTailscale}, nil
		}
		// Direct local callers reach the gateway without crossing the
		// proxy, so no identity header exists for them.
		if IsLoopbackAddr(remote.Addr) {
			return Identity{Subject: "local", Method: MethodLoopback}, nil
		}
		return Identity{}, ErrUnauthorized

	default:
		return Identity{}, fmt.Errorf("unknown auth mode %q", s.mode)
	}
}

func (s *Service) webIdentity(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" || s.web == nil {
		return Identity{}, ErrInvalidToken
	}
	subject, err := s.web.Validate(token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Subject: subject, Method: MethodWebToken}, nil
}

// IsLoopbackAddr reports whether a peer address (host:port or bare
// host) is a loopback caller.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return IsLoopbackHost(host)
}

// IsLoopbackHost reports whether a bind or peer host is loopback.
func IsLoopbackHost(host string) bool {
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// RandomSecret returns a fresh hex-encoded 256-bit secret.
func RandomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform entropy source is
		// broken; nothing sensible to fall back to.
		panic(fmt.Sprintf("auth: read random secret: %v", err))
	}
	return hex.EncodeToString(buf)
}

func equalConstantTime(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
