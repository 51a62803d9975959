package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/clawdis/clawdis/internal/agent/providers"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/policy"
	"github.com/clawdis/clawdis/internal/sessions"
	"github.com/clawdis/clawdis/internal/templates"
	"github.com/clawdis/clawdis/pkg/models"
)

// overflowReply is the fixed fallback when the conversation no longer
// fits the model's context window. Overflow is never retried.
const overflowReply = "This conversation no longer fits in the model's context window. Use /new to start a fresh session."

const defaultHistoryLimit = 40

// mediaLineRegex matches agent output lines of the form
// MEDIA:<path-or-url> with no whitespace inside the reference.
var mediaLineRegex = regexp.MustCompile(`^MEDIA:(\S+)\s*$`)

// RunRequest is one envelope handed to the runner.
type RunRequest struct {
	Envelope   *models.Envelope
	SessionKey string
	RunID      string

	// Steer delivers mid-run user turns from the scheduler. May be nil.
	Steer <-chan string
	// OnEvent observes stream events as they happen. May be nil.
	OnEvent func(Event)
}

// RunResult is the tagged outcome of a run. The scheduler inspects
// Kind instead of unwrapping sentinel errors.
type RunResult struct {
	Kind     Kind
	Payloads []*models.Payload
	Meta     *Meta
}

// Runner executes envelopes: directives first, then prompt composition,
// engine dispatch, and session bookkeeping.
type Runner struct {
	engine      Engine
	store       sessions.Store
	transcripts *sessions.Transcripts
	cfg         *config.Config
	logger      *slog.Logger

	now          func() time.Time
	historyLimit int
}

func NewRunner(engine Engine, store sessions.Store, transcripts *sessions.Transcripts, cfg *config.Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		engine:       engine,
		store:        store,
		transcripts:  transcripts,
		cfg:          cfg,
		logger:       logger.With("component", "agent"),
		now:          time.Now,
		historyLimit: defaultHistoryLimit,
	}
}

// Run executes one envelope to completion. Directive-only messages are
// acknowledged without touching the engine; engine context overflow
// becomes a KindContextOverflow result rather than an error. A nil
// result with an error means the run failed (or was aborted via ctx).
func (r *Runner) Run(ctx context.Context, req *RunRequest) (*RunResult, error) {
	env := req.Envelope
	if env == nil {
		return nil, errors.New("run request has no envelope")
	}
	if req.SessionKey == "" {
		return nil, errors.New("run request has no session key")
	}

	if _, err := r.store.GetOrCreate(ctx, req.SessionKey); err != nil {
		return nil, fmt.Errorf("load session %s: %w", req.SessionKey, err)
	}

	directives, rest := ParseDirectives(env.Body)
	env.CommandBody = rest

	acks := r.applyDirectives(ctx, req.SessionKey, directives)
	if rest == "" && len(directives) > 0 {
		return &RunResult{
			Kind:     KindDirective,
			Payloads: []*models.Payload{{Text: strings.Join(acks, "\n")}},
		}, nil
	}

	// Re-read after directive patches: /new swaps the session id,
	// /thinking changes the level the engine request reads.
	entry, err := r.store.Get(ctx, req.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", req.SessionKey, err)
	}

	userTurn := composeUserTurn(env, rest)
	ereq := &Request{
		Provider: r.cfg.Agent.Provider,
		Model:    r.cfg.Agent.Model,
		System:   r.systemPrompt(env, req.SessionKey, entry),
		Messages: append(r.history(entry.SessionID), providers.Message{
			Role:    providers.RoleUser,
			Content: userTurn,
		}),
		Thinking: pick(entry.ThinkingLevel, r.cfg.Agent.Thinking),
	}

	stream, err := r.engine.Stream(ctx, ereq)
	if err != nil {
		if providers.IsContextOverflow(err) {
			return r.overflowResult(env, req, entry.SessionID, userTurn), nil
		}
		return nil, fmt.Errorf("engine dispatch: %w", err)
	}

	text, meta, steered, err := r.consume(ctx, req, stream)
	if err != nil {
		if providers.IsContextOverflow(err) {
			return r.overflowResult(env, req, entry.SessionID, userTurn), nil
		}
		return nil, err
	}

	r.appendTranscript(env, req, entry.SessionID, userTurn, steered, text)
	r.patchSession(ctx, req.SessionKey, env, meta)

	finalText, mediaRefs := ExtractMediaLines(text)
	result := &RunResult{Kind: KindReply, Meta: meta}
	if payload := buildPayload(finalText, mediaRefs); payload != nil {
		result.Payloads = append(result.Payloads, payload)
	}
	return result, nil
}

// consume drains the stream, forwarding steer input and events, until
// the terminal event.
func (r *Runner) consume(ctx context.Context, req *RunRequest, stream Stream) (string, *Meta, []string, error) {
	var text strings.Builder
	var steered []string
	events := stream.Events()
	steerCh := req.Steer

	for {
		select {
		case <-ctx.Done():
			return "", nil, nil, ctx.Err()

		case t, ok := <-steerCh:
			if !ok {
				steerCh = nil
				continue
			}
			if stream.Steer(t) {
				steered = append(steered, t)
			}

		case ev, ok := <-events:
			if !ok {
				return "", nil, nil, errors.New("engine stream closed without terminal event")
			}
			if req.OnEvent != nil {
				req.OnEvent(ev)
			}
			if ev.Err != nil {
				return "", nil, nil, ev.Err
			}
			if ev.Text != "" {
				text.WriteString(ev.Text)
			}
			if ev.Done {
				return text.String(), ev.Meta, steered, nil
			}
		}
	}
}

func (r *Runner) overflowResult(env *models.Envelope, req *RunRequest, sessionID, userTurn string) *RunResult {
	r.logger.Warn("context overflow", "sessionKey", req.SessionKey)
	if r.transcripts != nil {
		line := sessions.TranscriptLine{
			Timestamp: r.now(),
			Role:      sessions.RoleUser,
			Content:   userTurn,
			Channel:   env.Surface,
			From:      env.From,
			RunID:     req.RunID,
		}
		if err := r.transcripts.Append(sessionID, line); err != nil {
			r.logger.Warn("transcript append failed", "sessionId", sessionID, "error", err)
		}
	}
	return &RunResult{
		Kind:     KindContextOverflow,
		Payloads: []*models.Payload{{Text: overflowReply}},
	}
}

func (r *Runner) appendTranscript(env *models.Envelope, req *RunRequest, sessionID, userTurn string, steered []string, assistant string) {
	if r.transcripts == nil {
		return
	}
	lines := []sessions.TranscriptLine{{
		Timestamp: r.now(),
		Role:      sessions.RoleUser,
		Content:   userTurn,
		Channel:   env.Surface,
		From:      env.From,
		RunID:     req.RunID,
	}}
	for _, t := range steered {
		lines = append(lines, sessions.TranscriptLine{
			Timestamp: r.now(),
			Role:      sessions.RoleUser,
			Content:   t,
			Channel:   env.Surface,
			From:      env.From,
			RunID:     req.RunID,
		})
	}
	if assistant != "" {
		lines = append(lines, sessions.TranscriptLine{
			Timestamp: r.now(),
			Role:      sessions.RoleAssistant,
			Content:   assistant,
			Channel:   env.Surface,
			RunID:     req.RunID,
		})
	}
	for _, line := range lines {
		if err := r.transcripts.Append(sessionID, line); err != nil {
			r.logger.Warn("transcript append failed", "sessionId", sessionID, "error", err)
			return
		}
	}
}

func (r *Runner) patchSession(ctx context.Context, key string, env *models.Envelope, meta *Meta) {
	_, err := r.store.Patch(ctx, key, func(e *sessions.Entry) {
		e.SystemSent = true
		e.AbortedLastRun = false
		if env.Surface != models.ChannelWebchat {
			e.LastChannel = env.Surface
			e.LastTo = env.From
		}
		if meta != nil {
			e.InputTokens += meta.InputTokens
			e.OutputTokens += meta.OutputTokens
			e.TotalTokens = e.InputTokens + e.OutputTokens
			e.ContextTokens = meta.InputTokens + meta.OutputTokens
			if meta.Model != "" {
				e.Model = meta.Model
			}
		}
	})
	if err != nil {
		r.logger.Warn("session patch failed", "sessionKey", key, "error", err)
	}
}

// systemPrompt expands the configured prompt and appends the verbosity
// instruction from the session override.
func (r *Runner) systemPrompt(env *models.Envelope, sessionKey string, entry *sessions.Entry) string {
	vars := templates.FromEnvelope(env)
	vars.SessionKey = sessionKey
	prompt := templates.Expand(r.cfg.Agent.SystemPrompt, vars)

	switch pick(entry.VerboseLevel, r.cfg.Agent.Verbose) {
	case "off":
		prompt = joinPrompt(prompt, "Keep replies brief.")
	case "full":
		prompt = joinPrompt(prompt, "Reply in full detail, including your intermediate reasoning.")
	}
	return prompt
}

func (r *Runner) history(sessionID string) []providers.Message {
	if r.transcripts == nil {
		return nil
	}
	lines, err := r.transcripts.Tail(sessionID, r.historyLimit)
	if err != nil {
		r.logger.Warn("transcript tail failed", "sessionId", sessionID, "error", err)
		return nil
	}
	var out []providers.Message
	for _, line := range lines {
		switch line.Role {
		case sessions.RoleUser:
			out = append(out, providers.Message{Role: providers.RoleUser, Content: line.Content})
		case sessions.RoleAssistant:
			out = append(out, providers.Message{Role: providers.RoleAssistant, Content: line.Content})
		}
	}
	return out
}

// applyDirectives runs each directive against the session and returns
// one acknowledgement line per directive.
func (r *Runner) applyDirectives(ctx context.Context, key string, directives []Directive) []string {
	var acks []string
	for _, d := range directives {
		acks = append(acks, r.applyDirective(ctx, key, d))
	}
	return acks
}

func (r *Runner) applyDirective(ctx context.Context, key string, d Directive) string {
	switch d.Name {
	case "new", "reset":
		if _, err := r.store.Reset(ctx, key); err != nil {
			r.logger.Warn("session reset failed", "sessionKey", key, "error", err)
			return "Could not reset the session."
		}
		return "Started a fresh session."

	case "thinking":
		return r.applyLevel(ctx, key, d.Arg, "Thinking", ThinkingLevels, ValidThinkingLevel,
			func(e *sessions.Entry) *string { return &e.ThinkingLevel })

	case "verbose":
		return r.applyLevel(ctx, key, d.Arg, "Verbose", VerboseLevels, ValidVerboseLevel,
			func(e *sessions.Entry) *string { return &e.VerboseLevel })

	case "activation":
		parsed := policy.ParseActivationCommand(d.Line)
		switch {
		case parsed.Inherit:
			r.patchField(ctx, key, func(e *sessions.Entry) { e.GroupActivation = "" })
			return "Group activation now inherits the config default."
		case parsed.Mode != nil:
			mode := string(*parsed.Mode)
			r.patchField(ctx, key, func(e *sessions.Entry) { e.GroupActivation = mode })
			return "Group activation set to " + mode + "."
		default:
			return "Usage: /activation mention|always|inherit"
		}

	case "send":
		parsed := policy.ParseSendPolicyCommand(d.Line)
		switch parsed.Mode {
		case string(policy.SendPolicyAllow), string(policy.SendPolicyDeny):
			r.patchField(ctx, key, func(e *sessions.Entry) { e.SendPolicy = parsed.Mode })
			return "Send policy set to " + parsed.Mode + "."
		case policy.SendPolicyInherit:
			r.patchField(ctx, key, func(e *sessions.Entry) { e.SendPolicy = "" })
			return "Send policy now inherits the config default."
		default:
			return "Usage: /send allow|deny|inherit"
		}

	case "queue":
		switch {
		case d.Arg == "":
			return "Queue mode: " + pick(r.currentField(ctx, key, func(e *sessions.Entry) string { return e.QueueMode }), "inherit")
		case d.Arg == "inherit":
			r.patchField(ctx, key, func(e *sessions.Entry) { e.QueueMode = "" })
			return "Queue mode now inherits the config default."
		case slices.Contains(config.QueueModes, d.Arg):
			r.patchField(ctx, key, func(e *sessions.Entry) { e.QueueMode = d.Arg })
			return "Queue mode set to " + d.Arg + "."
		default:
			return "Unknown queue mode. Valid modes: " + strings.Join(config.QueueModes, ", ") + ", inherit."
		}

	case "help":
		return helpText
	}
	return ""
}

func (r *Runner) applyLevel(ctx context.Context, key, arg, label string, levels []string, valid func(string) bool, field func(*sessions.Entry) *string) string {
	switch {
	case arg == "":
		current := r.currentField(ctx, key, func(e *sessions.Entry) string { return *field(e) })
		return label + " level: " + pick(current, "inherit")
	case arg == "inherit":
		r.patchField(ctx, key, func(e *sessions.Entry) { *field(e) = "" })
		return label + " level now inherits the config default."
	case valid(arg):
		r.patchField(ctx, key, func(e *sessions.Entry) { *field(e) = arg })
		return label + " level set to " + arg + "."
	default:
		return "Usage: /" + strings.ToLower(label) + " " + strings.Join(levels, "|") + "|inherit"
	}
}

func (r *Runner) patchField(ctx context.Context, key string, fn func(*sessions.Entry)) {
	if _, err := r.store.Patch(ctx, key, fn); err != nil {
		r.logger.Warn("session patch failed", "sessionKey", key, "error", err)
	}
}

func (r *Runner) currentField(ctx context.Context, key string, fn func(*sessions.Entry) string) string {
	entry, err := r.store.Get(ctx, key)
	if err != nil {
		return ""
	}
	return fn(entry)
}

// composeUserTurn renders the envelope as the current user turn: reply
// context, group sender attribution, body, and attachment notes.
func composeUserTurn(env *models.Envelope, text string) string {
	var parts []string
	if env.ReplyToBody != "" {
		sender := env.ReplyToSender
		if sender == "" {
			sender = "earlier message"
		}
		parts = append(parts, fmt.Sprintf("[Replying to %s: %s]", sender, env.ReplyToBody))
	}
	if env.ChatType != models.ChatDirect && env.SenderName != "" {
		text = env.SenderName + ": " + text
	}
	if text != "" {
		parts = append(parts, text)
	}
	if env.Media != nil {
		ref := env.Media.Path
		if ref == "" {
			ref = env.Media.URL
		}
		if ref != "" {
			parts = append(parts, fmt.Sprintf("[Attached %s: %s]", pick(env.Media.MimeType, "file"), ref))
		}
		if env.Media.Transcript != "" {
			parts = append(parts, "[Attachment transcript: "+env.Media.Transcript+"]")
		}
	}
	return strings.Join(parts, "\n")
}

// ExtractMediaLines pulls MEDIA:<ref> lines out of agent output. The
// remaining text keeps its line structure minus the extracted lines.
func ExtractMediaLines(text string) (string, []string) {
	if !strings.Contains(text, "MEDIA:") {
		return strings.TrimSpace(text), nil
	}
	var refs []string
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		if m := mediaLineRegex.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			refs = append(refs, m[1])
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n")), refs
}

func buildPayload(text string, mediaRefs []string) *models.Payload {
	if text == "" && len(mediaRefs) == 0 {
		return nil
	}
	p := &models.Payload{Text: text}
	switch len(mediaRefs) {
	case 0:
	case 1:
		p.MediaURL = mediaRefs[0]
	default:
		p.MediaURLs = mediaRefs
	}
	return p
}

func pick(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func joinPrompt(prompt, extra string) string {
	if prompt == "" {
		return extra
	}
	return prompt + "\n\n" + extra
}
