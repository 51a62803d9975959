package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clawdis/clawdis/internal/agent"
	"github.com/clawdis/clawdis/internal/scheduler"
	"github.com/clawdis/clawdis/internal/sessions"
	"github.com/clawdis/clawdis/pkg/models"
)

// chatFinal carries the terminal run state back to a chat.send waiter.
type chatFinal struct {
	run    scheduler.Run
	result *agent.RunResult
	err    error
}

// handleChatSend submits client text to the scheduler. Gateway clients
// consume the event stream, so delivery back through a channel adapter
// is suppressed unless the request names a deliver route. With
// expectFinal the response is held open until the run reaches a
// terminal state.
func (s *Server) handleChatSend(ctx context.Context, c *wsConn, raw json.RawMessage) (any, *wsError) {
	var params chatSendParams
	if werr := parseParams(raw, &params); werr != nil {
		return nil, werr
	}
	content := strings.TrimSpace(params.Content)
	if content == "" {
		return nil, &wsError{Code: codeInvalidInput, Message: "/content: must not be blank"}
	}

	env := &models.Envelope{
		Body:       params.Content,
		Surface:    models.ChannelWebchat,
		From:       c.clientFrom(),
		ChatType:   models.ChatDirect,
		SenderName: c.client.ClientName,
		MessageID:  uuid.NewString(),
		Timestamp:  time.Now(),
	}

	deliver := params.Deliver
	if deliver {
		channel := strings.TrimSpace(params.Channel)
		to := strings.TrimSpace(params.To)
		if channel == "" || to == "" {
			return nil, &wsError{Code: codeInvalidInput, Message: "/deliver: requires channel and to"}
		}
		env.Surface = models.ChannelType(channel)
		env.From = to
	}

	key := strings.TrimSpace(params.SessionKey)
	if key == "" {
		key = s.resolver.Resolve(env)
	}

	sub := &scheduler.Submission{
		Envelope:       env,
		SessionKey:     key,
		IdempotencyKey: params.IdempotencyKey,
		NoDeliver:      !deliver,
	}

	var done chan chatFinal
	if params.ExpectFinal {
		done = make(chan chatFinal, 1)
		sub.OnFinished = func(run scheduler.Run, result *agent.RunResult, runErr error) {
			done <- chatFinal{run: run, result: result, err: runErr}
		}
	}

	outcome, err := s.scheduler.Submit(ctx, sub)
	if err != nil {
		return nil, internalError(err)
	}

	payload := map[string]any{
		"runId":      outcome.Run.RunID,
		"sessionKey": key,
		"status":     outcomeStatus(outcome),
	}
	if outcome.Mode != "" {
		payload["mode"] = outcome.Mode
	}

	// Only a started submission owns a run to wait on. Steered and
	// queued text joins a run whose terminal event arrives on the
	// stream; duplicates already ran.
	if !params.ExpectFinal || !outcome.Started {
		return payload, nil
	}

	select {
	case fin := <-done:
		payload["status"] = string(fin.run.State)
		if fin.result != nil {
			payload["payloads"] = fin.result.Payloads
			if fin.result.Meta != nil {
				payload["meta"] = fin.result.Meta
			}
		}
		if fin.err != nil {
			payload["error"] = fin.err.Error()
		}
		return payload, nil
	case <-ctx.Done():
		return nil, &wsError{Code: codeTimeout, Message: "connection closed before the run finished"}
	}
}

func outcomeStatus(outcome *scheduler.Outcome) string {
	switch {
	case outcome.Duplicate:
		return "duplicate"
	case outcome.Steered:
		return "steered"
	case outcome.Queued:
		return "queued"
	default:
		return "started"
	}
}

// clientFrom is the envelope sender id for this connection.
func (c *wsConn) clientFrom() string {
	name := strings.TrimSpace(c.client.ClientName)
	if name == "" {
		name = "client"
	}
	return "webchat:" + name
}

func (s *Server) handleChatHistory(ctx context.Context, raw json.RawMessage) (any, *wsError) {
	var params chatHistoryParams
	if werr := parseParams(raw, &params); werr != nil {
		return nil, werr
	}
	key := strings.TrimSpace(params.SessionKey)
	if key == "" {
		key = s.resolver.MainKey
		if key == "" {
			key = sessions.DefaultMainKey
		}
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}

	entry, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			return map[string]any{"sessionKey": key, "messages": []sessions.TranscriptLine{}}, nil
		}
		return nil, internalError(err)
	}
	lines, err := s.transcripts.Tail(entry.SessionID, limit)
	if err != nil {
		return nil, internalError(err)
	}
	return map[string]any{
		"sessionKey": key,
		"sessionId":  entry.SessionID,
		"messages":   lines,
	}, nil
}

// handleChatAbort cancels by run id, or by session when only a key is
// given. Aborting something already finished or unknown reports
// aborted: false rather than an error.
func (s *Server) handleChatAbort(ctx context.Context, raw json.RawMessage) (any, *wsError) {
	var params chatAbortParams
	if werr := parseParams(raw, &params); werr != nil {
		return nil, werr
	}
	runID := strings.TrimSpace(params.RunID)
	sessionKey := strings.TrimSpace(params.SessionKey)
	if runID == "" && sessionKey == "" {
		return nil, &wsError{Code: codeInvalidInput, Message: "/runId: either runId or sessionKey is required"}
	}

	aborted := false
	if runID != "" {
		aborted = s.scheduler.Abort(runID)
	} else {
		aborted = s.scheduler.AbortSession(sessionKey)
	}
	return map[string]any{"aborted": aborted}, nil
}
