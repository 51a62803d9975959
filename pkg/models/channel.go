package models

// ChannelType identifies a chat surface.
type ChannelType string

const (
	ChannelWhatsApp ChannelType = "whatsapp"
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelSignal   ChannelType = "signal"
	ChannelIMessage ChannelType = "imessage"
	ChannelSlack    ChannelType = "slack"
	ChannelWebchat  ChannelType = "webchat"
)

// AllChannels lists every supported surface in display order.
var AllChannels = []ChannelType{
	ChannelWhatsApp,
	ChannelTelegram,
	ChannelDiscord,
	ChannelSignal,
	ChannelIMessage,
	ChannelSlack,
	ChannelWebchat,
}

// Valid reports whether t names a supported surface.
func (t ChannelType) Valid() bool {
	for _, c := range AllChannels {
		if c == t {
			return true
		}
	}
	return false
}

// String returns the wire form of the channel type.
func (t ChannelType) String() string { return string(t) }
