package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawdis/clawdis/internal/auth"
)

const (
	// webLoginTTL bounds how long an unconfirmed attempt stays
	// redeemable; longer than the maximum wait so a confirm landing
	// after a wait timed out still succeeds on the next wait.
	webLoginTTL = 10 * time.Minute
	// webLoginDefaultWait is the web.login.wait block when the client
	// names no timeout.
	webLoginDefaultWait = 30 * time.Second
	// webLoginMaxWait caps a single wait call.
	webLoginMaxWait = 300 * time.Second
)

var errLoginNotFound = errors.New("login attempt not found")

// loginAttempt is one outstanding browser login. confirmed carries the
// subject chosen at confirm time; buffered so confirm never blocks.
type loginAttempt struct {
	id        string
	createdAt time.Time
	confirmed chan string
}

// webLoginService pairs a browser with the gateway: the browser calls
// web.login.start, shows the clawdis:// deep link, and blocks in
// web.login.wait; the owner opens the link from an already-trusted
// device, which hits the confirm endpoint; wait then returns a token
// the browser presents on its next hello.
type webLoginService struct {
	tokens      *auth.TokenService
	deepLinkKey string

	mu      sync.Mutex
	pending map[string]*loginAttempt

	ttl   time.Duration
	now   func() time.Time
	newID func() string
}

func newWebLoginService(tokens *auth.TokenService, deepLinkKey string) *webLoginService {
	return &webLoginService{
		tokens:      tokens,
		deepLinkKey: strings.TrimSpace(deepLinkKey),
		pending:     map[string]*loginAttempt{},
		ttl:         webLoginTTL,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// Start registers a new attempt and returns its id and deep link.
func (w *webLoginService) Start() (string, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked()
	attempt := &loginAttempt{
		id:        w.newID(),
		createdAt: w.now(),
		confirmed: make(chan string, 1),
	}
	w.pending[attempt.id] = attempt
	return attempt.id, "clawdis://weblogin/confirm?login=" + attempt.id
}

// Confirm marks an attempt approved. key must match the configured deep
// link key; an empty configured key skips the check, which is only
// sound because the gateway binds loopback unless auth is configured.
func (w *webLoginService) Confirm(loginID, key, subject string) error {
	if w.deepLinkKey != "" {
		if subtle.ConstantTimeCompare([]byte(key), []byte(w.deepLinkKey)) != 1 {
			return errors.New("bad deep link key")
		}
	}
	w.mu.Lock()
	attempt, ok := w.pending[loginID]
	if ok && w.expiredLocked(attempt) {
		delete(w.pending, loginID)
		ok = false
	}
	w.mu.Unlock()
	if !ok {
		return errLoginNotFound
	}
	if strings.TrimSpace(subject) == "" {
		subject = "webchat"
	}
	select {
	case attempt.confirmed <- subject:
	default:
		// Already confirmed; a second confirm is a no-op.
	}
	return nil
}

// Wait blocks until the attempt is confirmed, then mints the token and
// retires the attempt. The context carries the caller's timeout.
func (w *webLoginService) Wait(ctx context.Context, loginID string) (string, string, error) {
	w.mu.Lock()
	attempt, ok := w.pending[loginID]
	if ok && w.expiredLocked(attempt) {
		delete(w.pending, loginID)
		ok = false
	}
	w.mu.Unlock()
	if !ok {
		return "", "", errLoginNotFound
	}

	select {
	case subject := <-attempt.confirmed:
		w.mu.Lock()
		delete(w.pending, loginID)
		w.mu.Unlock()
		token, err := w.tokens.Issue(subject)
		if err != nil {
			return "", "", err
		}
		return token, subject, nil
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

func (w *webLoginService) expiredLocked(attempt *loginAttempt) bool {
	return w.now().Sub(attempt.createdAt) > w.ttl
}

func (w *webLoginService) pruneLocked() {
	for id, attempt := range w.pending {
		if w.expiredLocked(attempt) {
			delete(w.pending, id)
		}
	}
}

func (s *Server) handleWebLoginStart(ctx context.Context) (any, *wsError) {
	if s.webLogin == nil {
		return nil, &wsError{Code: codeUnavailable, Message: "web login disabled"}
	}
	loginID, confirmURL := s.webLogin.Start()
	return map[string]any{
		"loginId":          loginID,
		"confirmUrl":       confirmURL,
		"expiresInSeconds": int(webLoginTTL.Seconds()),
	}, nil
}

func (s *Server) handleWebLoginWait(ctx context.Context, raw json.RawMessage) (any, *wsError) {
	var params webLoginWaitParams
	if werr := parseParams(raw, &params); werr != nil {
		return nil, werr
	}
	if s.webLogin == nil {
		return nil, &wsError{Code: codeUnavailable, Message: "web login disabled"}
	}

	wait := webLoginDefaultWait
	if params.TimeoutSeconds > 0 {
		wait = time.Duration(params.TimeoutSeconds) * time.Second
		if wait > webLoginMaxWait {
			wait = webLoginMaxWait
		}
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	token, subject, err := s.webLogin.Wait(waitCtx, params.LoginID)
	switch {
	case err == nil:
		return map[string]any{"token": token, "subject": subject}, nil
	case errors.Is(err, errLoginNotFound):
		return nil, &wsError{Code: codeNotFound, Message: fmt.Sprintf("login %s not found or expired", params.LoginID)}
	case errors.Is(err, context.DeadlineExceeded):
		return nil, &wsError{Code: codeTimeout, Message: "login not confirmed in time"}
	default:
		return nil, internalError(err)
	}
}
