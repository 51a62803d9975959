package sessions

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/clawdis/clawdis/pkg/models"
)

// Session scope values.
const (
	ScopePerSender = "per-sender"
	ScopeGlobal    = "global"
)

// DefaultMainKey is the key all direct chats collapse onto.
const DefaultMainKey = "main"

// Resolver maps inbound envelopes onto session keys.
//
// Direct chats collapse onto MainKey regardless of surface, so the agent
// presents one continuous conversation to its owner. Groups and channels
// get their own keys.
type Resolver struct {
	// Scope is per-sender (default) or global.
	Scope string
	// MainKey overrides the direct-chat key, default "main".
	MainKey string
}

// NewResolver builds a resolver from config values, applying defaults.
func NewResolver(scope, mainKey string) *Resolver {
	return &Resolver{Scope: scope, MainKey: mainKey}
}

// Resolve returns the session key for an envelope:
//
//	global scope            → "global"
//	group conversations     → <surface>:group:<id>[:topic:<threadId>]
//	channel conversations   → <surface>:channel:<id>
//	direct conversations    → MainKey
func (r *Resolver) Resolve(env *models.Envelope) string {
	if strings.EqualFold(r.Scope, ScopeGlobal) {
		return KeyGlobal
	}
	surface := string(env.Surface)
	switch {
	case env.ChatType == models.ChatGroup || looksLikeGroupID(env.Surface, env.From):
		key := surface + ":group:" + stripKeyPrefixes(env.From, surface)
		if env.Surface == models.ChannelTelegram && env.ThreadID != "" {
			key += ":topic:" + env.ThreadID
		}
		return key
	case env.ChatType == models.ChatChannel:
		return surface + ":channel:" + stripKeyPrefixes(env.From, surface)
	default:
		return r.mainKey()
	}
}

func (r *Resolver) mainKey() string {
	if r.MainKey != "" {
		return r.MainKey
	}
	return DefaultMainKey
}

// looksLikeGroupID recognizes surface-native group identifiers that may
// arrive on envelopes without a group chat type (announce targets, cron
// payloads).
func looksLikeGroupID(surface models.ChannelType, id string) bool {
	if strings.HasPrefix(id, "group:") {
		return true
	}
	switch surface {
	case models.ChannelWhatsApp:
		return strings.HasSuffix(id, "@g.us")
	case models.ChannelSignal:
		return strings.HasPrefix(id, "group.")
	}
	return false
}

// stripKeyPrefixes removes group:/surface: decorations so re-resolving an
// already-keyed id is stable.
func stripKeyPrefixes(id, surface string) string {
	for {
		trimmed := strings.TrimPrefix(id, "group:")
		trimmed = strings.TrimPrefix(trimmed, surface+":")
		if trimmed == id {
			return id
		}
		id = trimmed
	}
}

// DisplayName derives the human-readable session label shown by
// sessions.list and the status CLI: the surface id joined with a slug of
// the subject, room, or sender.
func (r *Resolver) DisplayName(env *models.Envelope) string {
	surface := string(env.Surface)
	switch {
	case env.ChatType == models.ChatGroup || looksLikeGroupID(env.Surface, env.From):
		token := env.GroupSubject
		if token == "" {
			token = stripKeyPrefixes(env.From, surface)
		}
		return surface + ":g-" + Slug(token)
	case env.ChatType == models.ChatChannel:
		room := env.Room
		if room == "" {
			room = stripKeyPrefixes(env.From, surface)
		}
		if env.Surface == models.ChannelDiscord && env.Space != "" {
			room = env.Space + "-" + room
		}
		return surface + ":#" + Slug(room)
	default:
		name := env.SenderName
		if name == "" {
			name = env.From
		}
		return surface + ":" + Slug(name)
	}
}

// slugKeep are the punctuation runes preserved by Slug beyond letters and
// digits.
const slugKeep = "#@+._-"

var slugStripMarks = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slug normalizes a display token: Unicode compatibility decomposition
// with combining marks stripped, lowercased, spaces mapped to "-", and
// anything outside letters, digits, and slugKeep dropped.
func Slug(s string) string {
	if normalized, _, err := transform.String(slugStripMarks, s); err == nil {
		s = normalized
	}
	var b strings.Builder
	b.Grow(len(s))
	lastDash := false
	for _, r := range strings.TrimSpace(s) {
		switch {
		case unicode.IsSpace(r):
			if !lastDash {
				b.WriteRune('-')
				lastDash = true
			}
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			lastDash = false
		case strings.ContainsRune(slugKeep, r):
			b.WriteRune(r)
			lastDash = r == '-'
		}
	}
	return strings.Trim(b.String(), "-")
}
