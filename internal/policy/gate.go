package policy

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/pairing"
	"github.com/clawdis/clawdis/pkg/models"
)

// DM and group policy values as written in config.
const (
	DMPolicyOpen      = "open"
	DMPolicyPairing   = "pairing"
	DMPolicyAllowlist = "allowlist"

	GroupPolicyOpen      = "open"
	GroupPolicyDisabled  = "disabled"
	GroupPolicyAllowlist = "allowlist"
)

// Deny reasons reported on Decision and in logs.
const (
	ReasonDMAllowlist     = "dm-allowlist"
	ReasonPairingPending  = "pairing-pending"
	ReasonPairingLimit    = "pairing-limit"
	ReasonPairingError    = "pairing-error"
	ReasonGroupDisabled   = "group-disabled"
	ReasonGroupAllowlist  = "group-allowlist"
	ReasonMentionRequired = "mention-required"
)

// Decision is the gate outcome for one inbound envelope.
type Decision struct {
	Allow bool
	// Reason names the rule behind a deny.
	Reason string
	// PairingCode is set when a newly issued code should be sent back to
	// the peer; the envelope itself still starts no run.
	PairingCode string
	// StoreContext marks a denied envelope that still belongs to the
	// conversation: it is kept as context for the session's next run
	// but never starts one. Set for mention gating and pending pairing;
	// hard denies (allowlist, disabled groups) discard outright.
	StoreContext bool
}

// Gate checks inbound envelopes against channel policy. Rebuild it when
// config reloads; it carries no state of its own beyond the pairing store.
type Gate struct {
	channels *config.ChannelsConfig
	routing  config.RoutingConfig
	pairs    *pairing.Store
	logger   *slog.Logger
}

func NewGate(cfg *config.Config, pairs *pairing.Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		channels: &cfg.Channels,
		routing:  cfg.Routing,
		pairs:    pairs,
		logger:   logger.With("component", "policy"),
	}
}

// Check gates one envelope. sessionActivation is the session's stored
// /activation override ("always", "mention", or empty to inherit).
func (g *Gate) Check(env *models.Envelope, sessionActivation string) Decision {
	ch := g.channels.Channel(env.Surface)
	if ch == nil {
		// Internally synthesized surfaces have no policy config.
		return Decision{Allow: true}
	}
	switch env.ChatType {
	case models.ChatGroup, models.ChatChannel:
		return g.checkGroup(env, ch, sessionActivation)
	default:
		return g.checkDirect(env, ch)
	}
}

func (g *Gate) checkDirect(env *models.Envelope, ch *config.ChannelCommon) Decision {
	policy := strings.ToLower(strings.TrimSpace(ch.DMPolicy))
	if policy == "" || policy == DMPolicyOpen {
		return Decision{Allow: true}
	}

	if senderAllowed(g.effectiveAllowFrom(env.Surface, ch.AllowFrom), env.From, env.SenderIdentity) {
		return Decision{Allow: true}
	}
	if policy == DMPolicyAllowlist {
		g.deny(env, ReasonDMAllowlist)
		return Decision{Reason: ReasonDMAllowlist}
	}

	// dmPolicy=pairing: unknown sender gets a code once, then silence
	// until approved or expired.
	req, created, err := g.pairs.GetOrCreate(env.Surface, env.From, env.SenderName)
	if errors.Is(err, pairing.ErrPendingLimit) {
		g.deny(env, ReasonPairingLimit)
		return Decision{Reason: ReasonPairingLimit}
	}
	if err != nil {
		g.logger.Error("pairing request failed", "channel", env.Surface, "error", err)
		return Decision{Reason: ReasonPairingError}
	}
	if created {
		g.logger.Info("pairing code issued", "channel", env.Surface, "peer", env.From)
		return Decision{Reason: ReasonPairingPending, PairingCode: req.Code, StoreContext: true}
	}
	g.deny(env, ReasonPairingPending)
	return Decision{Reason: ReasonPairingPending, StoreContext: true}
}

func (g *Gate) checkGroup(env *models.Envelope, ch *config.ChannelCommon, sessionActivation string) Decision {
	rule, hasRule := ch.Group(env.From)

	policy := GroupPolicyOpen
	if hasRule && strings.TrimSpace(rule.Policy) != "" {
		policy = strings.ToLower(strings.TrimSpace(rule.Policy))
	}
	switch policy {
	case GroupPolicyOpen:
	case GroupPolicyDisabled:
		g.deny(env, ReasonGroupDisabled)
		return Decision{Reason: ReasonGroupDisabled}
	case GroupPolicyAllowlist:
		allowed := rule.AllowFrom
		if len(allowed) == 0 {
			allowed = g.effectiveAllowFrom(env.Surface, ch.AllowFrom)
		}
		// An empty allowlist admits nobody.
		if !senderAllowed(allowed, env.SenderIdentity, env.SenderName) {
			g.deny(env, ReasonGroupAllowlist)
			return Decision{Reason: ReasonGroupAllowlist}
		}
	default:
		g.logger.Warn("unknown group policy, treating as open", "channel", env.Surface, "policy", policy)
	}

	if g.requiresMention(rule, hasRule, sessionActivation) && !g.wasMentioned(env) {
		g.deny(env, ReasonMentionRequired)
		return Decision{Reason: ReasonMentionRequired, StoreContext: true}
	}
	return Decision{Allow: true}
}

// requiresMention resolves the mention requirement: the session's
// /activation override wins, then the group rule, then the routing
// default (mention unless configured always).
func (g *Gate) requiresMention(rule config.GroupConfig, hasRule bool, sessionActivation string) bool {
	if mode := NormalizeGroupActivation(sessionActivation); mode != nil {
		return *mode == ActivationMention
	}
	if hasRule && rule.RequireMention != nil {
		return *rule.RequireMention
	}
	if mode := NormalizeGroupActivation(g.routing.GroupActivation); mode != nil {
		return *mode == ActivationMention
	}
	return true
}

func (g *Gate) wasMentioned(env *models.Envelope) bool {
	if env.WasMentioned {
		return true
	}
	body := strings.ToLower(env.Body)
	for _, pattern := range g.routing.MentionPatterns {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern != "" && strings.Contains(body, pattern) {
			return true
		}
	}
	return false
}

// effectiveAllowFrom is the configured allowlist plus peers approved via
// pairing, which land in the channel's stored allowlist file.
func (g *Gate) effectiveAllowFrom(surface models.ChannelType, configured []string) []string {
	stored, err := g.pairs.Allowlist(surface)
	if err != nil {
		g.logger.Warn("stored allowlist unreadable", "channel", surface, "error", err)
		return configured
	}
	if len(stored) == 0 {
		return configured
	}
	merged := make([]string, 0, len(configured)+len(stored))
	merged = append(merged, configured...)
	return append(merged, stored...)
}

func (g *Gate) deny(env *models.Envelope, reason string) {
	g.logger.Info("envelope denied",
		"channel", env.Surface,
		"from", env.From,
		"chatType", env.ChatType,
		"reason", reason)
}

// senderAllowed reports whether any candidate id matches the allowlist.
// "*" admits everyone; comparisons run on normalized tokens.
func senderAllowed(allow []string, candidates ...string) bool {
	for _, entry := range allow {
		if strings.TrimSpace(entry) == "*" {
			return true
		}
		want := pairing.NormalizeAllowToken(entry)
		if want == "" {
			continue
		}
		for _, c := range candidates {
			if c != "" && pairing.NormalizeAllowToken(c) == want {
				return true
			}
		}
	}
	return false
}
