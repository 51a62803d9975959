package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/pkg/models"
)

// qrLoginTTL bounds one link attempt; whatsmeow stops rotating codes
// after a few minutes anyway, so a stale attempt is garbage by then.
const qrLoginTTL = 3 * time.Minute

// qrAttempt tracks one adapter link attempt. The consumer goroutine is
// the only writer after construction; polls read a snapshot under mu.
type qrAttempt struct {
	id     string
	cancel context.CancelFunc

	mu     sync.Mutex
	latest string
	state  string // waiting, qr, linked, failed
	err    error
}

func (a *qrAttempt) snapshot() (string, string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.id, a.state, a.latest, a.err
}

// qrLoginService holds at most one live link attempt per surface.
// Clients poll channels.login; the latest rotated code is cached so a
// poll never blocks on the upstream. A poll that observes a terminal
// state reports it once and clears the slot.
type qrLoginService struct {
	mu     sync.Mutex
	active map[models.ChannelType]*qrAttempt
}

func newQRLoginService() *qrLoginService {
	return &qrLoginService{active: map[models.ChannelType]*qrAttempt{}}
}

// Poll returns the current attempt snapshot for a surface, starting a
// fresh attempt when none is live. start is only invoked under the
// service lock, so concurrent polls cannot double-start an attempt.
func (q *qrLoginService) Poll(id models.ChannelType, start func(ctx context.Context) (*channels.LoginAttempt, error)) (loginID, state, code string, loginErr error, startErr error) {
	q.mu.Lock()
	attempt := q.active[id]
	if attempt == nil {
		ctx, cancel := context.WithTimeout(context.Background(), qrLoginTTL)
		la, err := start(ctx)
		if err != nil {
			cancel()
			q.mu.Unlock()
			return "", "", "", nil, err
		}
		attempt = &qrAttempt{id: la.ID, cancel: cancel, state: "waiting"}
		q.active[id] = attempt
		go q.consume(attempt, la)
	}
	q.mu.Unlock()

	loginID, state, code, loginErr = attempt.snapshot()
	if state == "linked" || state == "failed" {
		q.mu.Lock()
		if q.active[id] == attempt {
			delete(q.active, id)
		}
		q.mu.Unlock()
	}
	return loginID, state, code, loginErr, nil
}

// consume drains rotated codes and the final outcome. The upstream
// closes both channels after the single Done send.
func (q *qrLoginService) consume(attempt *qrAttempt, la *channels.LoginAttempt) {
	defer attempt.cancel()
	codes := la.QR
	for {
		select {
		case code, ok := <-codes:
			if !ok {
				codes = nil
				continue
			}
			attempt.mu.Lock()
			attempt.latest = code
			attempt.state = "qr"
			attempt.mu.Unlock()
		case err := <-la.Done:
			attempt.mu.Lock()
			if err != nil {
				attempt.state = "failed"
				attempt.err = err
			} else {
				attempt.state = "linked"
			}
			attempt.mu.Unlock()
			return
		}
	}
}

// Stop cancels every live attempt. Called on server shutdown.
func (q *qrLoginService) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, attempt := range q.active {
		attempt.cancel()
		delete(q.active, id)
	}
}

func (s *Server) handleChannelsLogin(ctx context.Context, raw json.RawMessage) (any, *wsError) {
	var params channelsLoginParams
	if werr := parseParams(raw, &params); werr != nil {
		return nil, werr
	}
	id := models.ChannelType(strings.ToLower(strings.TrimSpace(params.Channel)))
	if !id.Valid() {
		return nil, &wsError{Code: codeInvalidInput, Message: fmt.Sprintf("/channel: unknown channel %q", params.Channel)}
	}
	if s.channels == nil {
		return nil, &wsError{Code: codeUnavailable, Message: "channels not running"}
	}
	adapter, ok := s.channels.Get(id)
	if !ok {
		return nil, &wsError{Code: codeNotFound, Message: fmt.Sprintf("channel %s not registered", id)}
	}
	ql, ok := adapter.(channels.QRLogin)
	if !ok {
		return nil, &wsError{Code: codeUnavailable, Message: fmt.Sprintf("channel %s does not support qr login", id)}
	}

	loginID, state, code, loginErr, err := s.qrLogin.Poll(id, ql.LoginWithQRStart)
	if err != nil {
		return nil, internalError(err)
	}
	payload := map[string]any{
		"channel": id,
		"loginId": loginID,
		"state":   state,
	}
	if code != "" {
		payload["qr"] = code
	}
	if loginErr != nil {
		payload["error"] = loginErr.Error()
	}
	if state == "linked" {
		// The transport connected during the link attempt; fold the
		// adapter back into normal supervision so status reflects it.
		if err := s.channels.Start(ctx, id); err != nil {
			s.logger.Warn("channel start after link failed", "channel", id, "error", err)
		}
		s.hub.Broadcast(EventChannelsStatus, map[string]any{"channels": s.channels.StatusAll()})
	}
	return payload, nil
}
