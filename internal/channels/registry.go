package channels

import (
	"sort"
	"strings"

	"github.com/clawdis/clawdis/pkg/models"
)

// Dock is the cheap per-surface metadata value. Shared modules
// (heartbeat, gateway, CLI) read docks without touching transports.
type Dock struct {
	ID    models.ChannelType
	Label string
	// Order is the preferred display position.
	Order int

	// ForceAccountBinding marks surfaces tied to exactly one upstream
	// account (a linked phone number) rather than a revocable bot token.
	ForceAccountBinding bool
	// PreferSessionLookupForAnnounceTarget makes heartbeat and cron
	// announcements resolve the recipient through the session store
	// instead of a configured address.
	PreferSessionLookupForAnnounceTarget bool
	// QuickstartAllowFrom marks surfaces whose allowFrom doubles as the
	// heartbeat fallback recipient.
	QuickstartAllowFrom bool
	// ShowConfigured controls whether status listings distinguish
	// configured-but-disabled from absent.
	ShowConfigured bool
}

// Capabilities reports what a surface can do. Adapters return their own
// value; DefaultCapabilities supplies the table below.
type Capabilities struct {
	ChatTypes []models.ChatType

	Media          bool
	Polls          bool
	Typing         bool
	Threads        bool
	NativeCommands bool
	Voice          bool
	// BlockStreaming marks surfaces where replies go out as completed
	// blocks rather than token streams.
	BlockStreaming bool
}

// docks holds the closed surface set in display order.
var docks = map[models.ChannelType]Dock{
	models.ChannelWhatsApp: {
		ID:                  models.ChannelWhatsApp,
		Label:               "WhatsApp",
		Order:               1,
		ForceAccountBinding: true,
		QuickstartAllowFrom: true,
		ShowConfigured:      true,
	},
	models.ChannelTelegram: {
		ID:             models.ChannelTelegram,
		Label:          "Telegram",
		Order:          2,
		ShowConfigured: true,
	},
	models.ChannelDiscord: {
		ID:                                   models.ChannelDiscord,
		Label:                                "Discord",
		Order:                                3,
		PreferSessionLookupForAnnounceTarget: true,
		ShowConfigured:                       true,
	},
	models.ChannelSignal: {
		ID:                  models.ChannelSignal,
		Label:               "Signal",
		Order:               4,
		ForceAccountBinding: true,
		ShowConfigured:      true,
	},
	models.ChannelIMessage: {
		ID:             models.ChannelIMessage,
		Label:          "iMessage",
		Order:          5,
		ShowConfigured: true,
	},
	models.ChannelSlack: {
		ID:                                   models.ChannelSlack,
		Label:                                "Slack",
		Order:                                6,
		PreferSessionLookupForAnnounceTarget: true,
		ShowConfigured:                       true,
	},
	models.ChannelWebchat: {
		ID:    models.ChannelWebchat,
		Label: "Webchat",
		Order: 7,
	},
}

// channelAliases maps shorthand names to canonical surface ids.
var channelAliases = map[string]models.ChannelType{
	"wa":   models.ChannelWhatsApp,
	"tg":   models.ChannelTelegram,
	"imsg": models.ChannelIMessage,
	"web":  models.ChannelWebchat,
}

// defaultCapabilities holds the per-surface feature table.
var defaultCapabilities = map[models.ChannelType]Capabilities{
	models.ChannelWhatsApp: {
		ChatTypes:      []models.ChatType{models.ChatDirect, models.ChatGroup},
		Media:          true,
		Polls:          true,
		Typing:         true,
		Voice:          true,
		BlockStreaming: true,
	},
	models.ChannelTelegram: {
		ChatTypes:      []models.ChatType{models.ChatDirect, models.ChatGroup},
		Media:          true,
		Polls:          true,
		Typing:         true,
		Threads:        true,
		NativeCommands: true,
		Voice:          true,
		BlockStreaming: true,
	},
	models.ChannelDiscord: {
		ChatTypes:      []models.ChatType{models.ChatDirect, models.ChatGroup, models.ChatChannel},
		Media:          true,
		Typing:         true,
		Threads:        true,
		NativeCommands: true,
		BlockStreaming: true,
	},
	models.ChannelSignal: {
		ChatTypes:      []models.ChatType{models.ChatDirect, models.ChatGroup},
		Media:          true,
		Typing:         true,
		BlockStreaming: true,
	},
	models.ChannelIMessage: {
		ChatTypes:      []models.ChatType{models.ChatDirect, models.ChatGroup},
		Media:          true,
		BlockStreaming: true,
	},
	models.ChannelSlack: {
		// Socket Mode bots have no typing indicator; that was an RTM
		// feature.
		ChatTypes:      []models.ChatType{models.ChatDirect, models.ChatChannel},
		Media:          true,
		Threads:        true,
		BlockStreaming: true,
	},
	models.ChannelWebchat: {
		ChatTypes: []models.ChatType{models.ChatDirect},
		Media:     true,
	},
}

// maxMessageLength holds per-surface text caps; 0 means no documented
// limit and the chunker default applies.
var maxMessageLength = map[models.ChannelType]int{
	models.ChannelWhatsApp: 65536,
	models.ChannelTelegram: 4096,
	models.ChannelDiscord:  2000,
	models.ChannelSignal:   0,
	models.ChannelIMessage: 0,
	models.ChannelSlack:    40000,
	models.ChannelWebchat:  0,
}

// DockFor returns the metadata for a surface id.
func DockFor(id models.ChannelType) Dock {
	return docks[id]
}

// DefaultCapabilities returns the feature table entry for a surface.
func DefaultCapabilities(id models.ChannelType) Capabilities {
	return defaultCapabilities[id]
}

// MaxMessageLength returns the outbound text cap for a surface, or 0
// when the surface has no documented limit.
func MaxMessageLength(id models.ChannelType) int {
	return maxMessageLength[id]
}

// AllDocks returns every dock in display order.
func AllDocks() []Dock {
	out := make([]Dock, 0, len(docks))
	for _, d := range docks {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// NormalizeChannelID resolves a raw channel name or alias to its
// canonical surface id. Returns "" for unknown input.
func NormalizeChannelID(raw string) models.ChannelType {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return ""
	}
	id := models.ChannelType(normalized)
	if _, ok := docks[id]; ok {
		return id
	}
	if canonical, ok := channelAliases[normalized]; ok {
		return canonical
	}
	return ""
}

// ChannelAliases returns the registered aliases sorted alphabetically.
func ChannelAliases() []string {
	aliases := make([]string, 0, len(channelAliases))
	for alias := range channelAliases {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}
