package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/clawdis/clawdis/internal/agent"
	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/nodes"
	"github.com/clawdis/clawdis/internal/pairing"
	"github.com/clawdis/clawdis/internal/sessions"
	"github.com/clawdis/clawdis/pkg/models"
)

func parseParams(raw json.RawMessage, dst any) *wsError {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &wsError{Code: codeInvalidInput, Message: err.Error()}
	}
	return nil
}

func internalError(err error) *wsError {
	return &wsError{Code: codeInternal, Message: err.Error()}
}

func (s *Server) handleHealth(ctx context.Context) (any, *wsError) {
	return s.healthSnapshot(), nil
}

func (s *Server) healthSnapshot() map[string]any {
	snap := map[string]any{
		"status":   "ok",
		"uptimeMs": time.Since(s.startedAt).Milliseconds(),
	}
	if s.channels != nil {
		snap["channels"] = s.channels.StatusAll()
	}
	if s.heartbeat != nil {
		interval := s.heartbeat.Interval()
		snap["heartbeat"] = map[string]any{
			"enabled":    interval > 0,
			"intervalMs": interval.Milliseconds(),
		}
	}
	return snap
}

// sessionInfo is one sessions.list row: the store entry plus its key.
type sessionInfo struct {
	Key string `json:"key"`
	sessions.Entry
}

func (s *Server) handleSessionsList(ctx context.Context, raw json.RawMessage) (any, *wsError) {
	var params sessionsListParams
	if werr := parseParams(raw, &params); werr != nil {
		return nil, werr
	}
	entries, err := s.store.List(ctx)
	if err != nil {
		return nil, internalError(err)
	}
	out := make([]sessionInfo, 0, len(entries))
	for key, entry := range entries {
		out = append(out, sessionInfo{Key: key, Entry: entry})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].Key < out[j].Key
	})
	if params.Limit > 0 && len(out) > params.Limit {
		out = out[:params.Limit]
	}
	return map[string]any{"sessions": out}, nil
}

func (s *Server) handleSessionsPatch(ctx context.Context, raw json.RawMessage) (any, *wsError) {
	var params sessionsPatchParams
	if werr := parseParams(raw, &params); werr != nil {
		return nil, werr
	}
	if werr := validateSessionPatch(&params); werr != nil {
		return nil, werr
	}
	entry, err := s.store.Patch(ctx, params.Key, func(e *sessions.Entry) {
		if params.ThinkingLevel != nil {
			e.ThinkingLevel = *params.ThinkingLevel
		}
		if params.VerboseLevel != nil {
			e.VerboseLevel = *params.VerboseLevel
		}
		if params.SendPolicy != nil {
			e.SendPolicy = *params.SendPolicy
		}
		if params.QueueMode != nil {
			e.QueueMode = *params.QueueMode
		}
		if params.GroupActivation != nil {
			e.GroupActivation = *params.GroupActivation
		}
	})
	if err != nil {
		return nil, internalError(err)
	}
	return map[string]any{"session": sessionInfo{Key: params.Key, Entry: *entry}}, nil
}

// validateSessionPatch mirrors the chat directive vocabulary: empty
// string clears an override back to the config default.
func validateSessionPatch(params *sessionsPatchParams) *wsError {
	check := func(path, value string, ok bool) *wsError {
		if ok {
			return nil
		}
		return &wsError{Code: codeInvalidInput, Message: fmt.Sprintf("/%s: unknown value %q", path, value)}
	}
	if v := params.ThinkingLevel; v != nil && *v != "" {
		if werr := check("thinkingLevel", *v, agent.ValidThinkingLevel(*v)); werr != nil {
			return werr
		}
	}
	if v := params.VerboseLevel; v != nil && *v != "" {
		if werr := check("verboseLevel", *v, agent.ValidVerboseLevel(*v)); werr != nil {
			return werr
		}
	}
	if v := params.SendPolicy; v != nil && *v != "" {
		if werr := check("sendPolicy", *v, *v == "allow" || *v == "deny"); werr != nil {
			return werr
		}
	}
	if v := params.QueueMode; v != nil && *v != "" {
		if werr := check("queueMode", *v, slices.Contains(config.QueueModes, *v)); werr != nil {
			return werr
		}
	}
	if v := params.GroupActivation; v != nil && *v != "" {
		if werr := check("groupActivation", *v, *v == "mention" || *v == "always"); werr != nil {
			return werr
		}
	}
	return nil
}

func (s *Server) handleNodesList(ctx context.Context) (any, *wsError) {
	if s.nodes == nil {
		return map[string]any{"nodes": []nodes.Node{}, "pending": []nodes.PendingNode{}}, nil
	}
	paired, err := s.nodes.Paired()
	if err != nil {
		return nil, internalError(err)
	}
	pending, err := s.nodes.Pending()
	if err != nil {
		return nil, internalError(err)
	}
	return map[string]any{"nodes": paired, "pending": pending}, nil
}

func (s *Server) handleProvidersStatus(ctx context.Context) (any, *wsError) {
	if s.providers == nil {
		return map[string]any{"providers": []any{}}, nil
	}
	return map[string]any{"providers": s.providers.Statuses()}, nil
}

func (s *Server) handleChannelsStatus(ctx context.Context) (any, *wsError) {
	if s.channels == nil {
		return map[string]any{"channels": []channels.Summary{}}, nil
	}
	return map[string]any{"channels": s.channels.StatusAll()}, nil
}

func (s *Server) handleChannelsLogout(ctx context.Context, raw json.RawMessage) (any, *wsError) {
	var params channelsLogoutParams
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
	lo, ok := adapter.(channels.Logout)
	if !ok {
		return nil, &wsError{Code: codeUnavailable, Message: fmt.Sprintf("channel %s does not support logout", id)}
	}
	if err := lo.LogoutAccount(ctx); err != nil {
		return nil, internalError(err)
	}
	if err := s.channels.Stop(ctx, id); err != nil {
		s.logger.Warn("channel stop after logout failed", "channel", id, "error", err)
	}
	s.hub.Broadcast(EventChannelsStatus, map[string]any{"channels": s.channels.StatusAll()})
	return map[string]any{"channel": id, "loggedOut": true}, nil
}

func (s *Server) handleConfigGet(ctx context.Context) (any, *wsError) {
	raw, err := config.LoadRaw(s.configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]any{"config": map[string]any{}, "path": s.configPath}, nil
		}
		return nil, internalError(err)
	}
	return map[string]any{"config": raw, "path": s.configPath}, nil
}

func (s *Server) handleConfigPut(ctx context.Context, raw json.RawMessage) (any, *wsError) {
	var params configPutParams
	if werr := parseParams(raw, &params); werr != nil {
		return nil, werr
	}
	if params.Config == nil {
		return nil, &wsError{Code: codeInvalidInput, Message: "/config: required"}
	}
	if _, err := config.DecodeRaw(params.Config); err != nil {
		return nil, &wsError{Code: codeInvalidInput, Message: err.Error()}
	}
	if err := config.SaveRaw(s.configPath, params.Config); err != nil {
		return nil, internalError(err)
	}
	return map[string]any{"saved": true, "path": s.configPath}, nil
}

func (s *Server) handleConfigSchema(ctx context.Context) (any, *wsError) {
	schema, err := config.JSONSchema()
	if err != nil {
		return nil, internalError(err)
	}
	return map[string]any{"schema": json.RawMessage(schema)}, nil
}

func (s *Server) handleCronList(ctx context.Context) (any, *wsError) {
	if s.cron == nil {
		return map[string]any{"jobs": []any{}}, nil
	}
	return map[string]any{"jobs": s.cron.Jobs()}, nil
}

func (s *Server) handleCronStatus(ctx context.Context, raw json.RawMessage) (any, *wsError) {
	var params cronStatusParams
	if werr := parseParams(raw, &params); werr != nil {
		return nil, werr
	}
	if s.cron == nil {
		return map[string]any{"jobs": []any{}, "executions": []any{}}, nil
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}
	execs, err := s.cron.Executions(ctx, params.JobID, limit)
	if err != nil {
		return nil, internalError(err)
	}
	return map[string]any{"jobs": s.cron.Jobs(), "executions": execs}, nil
}

func (s *Server) handleCronRun(ctx context.Context, raw json.RawMessage) (any, *wsError) {
	var params cronRunParams
	if werr := parseParams(raw, &params); werr != nil {
		return nil, werr
	}
	if s.cron == nil {
		return nil, &wsError{Code: codeUnavailable, Message: "cron not running"}
	}
	known := false
	for _, job := range s.cron.Jobs() {
		if job.ID == params.ID {
			known = true
			break
		}
	}
	if !known {
		return nil, &wsError{Code: codeNotFound, Message: fmt.Sprintf("cron job %s not found", params.ID)}
	}
	if err := s.cron.RunJob(ctx, params.ID); err != nil {
		return nil, internalError(err)
	}
	return map[string]any{"ran": true, "id": params.ID}, nil
}

func (s *Server) handleSkillsList(ctx context.Context) (any, *wsError) {
	if s.skills == nil {
		return map[string]any{"skills": []any{}}, nil
	}
	if err := s.skills.Refresh(ctx); err != nil {
		s.logger.Warn("skills refresh failed", "error", err)
	}
	return map[string]any{"skills": s.skills.List()}, nil
}

func (s *Server) handlePairingList(ctx context.Context) (any, *wsError) {
	dm := []pairing.Request{}
	if s.pairing != nil {
		reqs, err := s.pairing.PendingAll()
		if err != nil {
			return nil, internalError(err)
		}
		dm = reqs
	}
	pendingNodes := []nodes.PendingNode{}
	if s.nodes != nil {
		reqs, err := s.nodes.Pending()
		if err != nil {
			return nil, internalError(err)
		}
		pendingNodes = reqs
	}
	return map[string]any{"dm": dm, "nodes": pendingNodes}, nil
}

func (s *Server) handlePairingApprove(ctx context.Context, raw json.RawMessage) (any, *wsError) {
	var params pairingApproveParams
	if werr := parseParams(raw, &params); werr != nil {
		return nil, werr
	}
	switch params.Kind {
	case "node":
		if s.nodes == nil {
			return nil, &wsError{Code: codeUnavailable, Message: "node pairing unavailable"}
		}
		node, err := s.nodes.Approve(params.Code)
		if err != nil {
			if errors.Is(err, nodes.ErrCodeNotFound) {
				return nil, &wsError{Code: codeNotFound, Message: err.Error()}
			}
			return nil, internalError(err)
		}
		return map[string]any{"node": node}, nil
	default:
		if s.pairing == nil {
			return nil, &wsError{Code: codeUnavailable, Message: "pairing unavailable"}
		}
		ch := models.ChannelType(strings.ToLower(strings.TrimSpace(params.Channel)))
		if !ch.Valid() {
			return nil, &wsError{Code: codeInvalidInput, Message: fmt.Sprintf("/channel: unknown channel %q", params.Channel)}
		}
		req, err := s.pairing.Approve(ch, params.Code)
		if err != nil {
			if errors.Is(err, pairing.ErrCodeNotFound) {
				return nil, &wsError{Code: codeNotFound, Message: err.Error()}
			}
			return nil, internalError(err)
		}
		return map[string]any{"request": req}, nil
	}
}
