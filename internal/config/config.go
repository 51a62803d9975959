// Package config defines the clawdis.json schema and its loader.
//
// The config file lives in the state directory (default ~/.clawdis) as
// clawdis.json (JSON5, comments allowed) or clawdis.yaml. Values may
// reference environment variables with ${VAR}; $include merges other
// files before the main document. Unknown keys are rejected.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/clawdis/clawdis/pkg/models"
)

// Config is the typed clawdis.json schema.
type Config struct {
	Agent    AgentConfig            `yaml:"agent,omitempty" json:"agent,omitempty"`
	Agents   map[string]AgentConfig `yaml:"agents,omitempty" json:"agents,omitempty"`
	Models   ModelsConfig           `yaml:"models,omitempty" json:"models,omitempty"`
	Auth     AuthConfig             `yaml:"auth,omitempty" json:"auth,omitempty"`
	Channels ChannelsConfig         `yaml:"channels,omitempty" json:"channels,omitempty"`
	Messages MessagesConfig         `yaml:"messages,omitempty" json:"messages,omitempty"`
	Session  SessionConfig          `yaml:"session,omitempty" json:"session,omitempty"`
	Routing  RoutingConfig          `yaml:"routing,omitempty" json:"routing,omitempty"`
	Skills   SkillsConfig           `yaml:"skills,omitempty" json:"skills,omitempty"`
	Logging  LoggingConfig          `yaml:"logging,omitempty" json:"logging,omitempty"`
	Gateway  GatewayConfig          `yaml:"gateway,omitempty" json:"gateway,omitempty"`
	Web      WebConfig              `yaml:"web,omitempty" json:"web,omitempty"`
	Cron     CronConfig             `yaml:"cron,omitempty" json:"cron,omitempty"`
}

// AgentConfig selects the engine and the standing behavior of the agent.
type AgentConfig struct {
	Provider     string          `yaml:"provider,omitempty" json:"provider,omitempty"`
	Model        string          `yaml:"model,omitempty" json:"model,omitempty"`
	SystemPrompt string          `yaml:"systemPrompt,omitempty" json:"systemPrompt,omitempty"`
	Thinking     string          `yaml:"thinking,omitempty" json:"thinking,omitempty"`
	Verbose      string          `yaml:"verbose,omitempty" json:"verbose,omitempty"`
	Heartbeat    HeartbeatConfig `yaml:"heartbeat,omitempty" json:"heartbeat,omitempty"`
}

// HeartbeatConfig controls the periodic self-prompt.
type HeartbeatConfig struct {
	// Every is a duration; a bare number means minutes. "0", empty, or
	// an unparseable value disables the heartbeat.
	Every string `yaml:"every,omitempty" json:"every,omitempty"`
	// Target is "none", "last", or a channel id.
	Target string `yaml:"target,omitempty" json:"target,omitempty"`
	// To pins the recipient when Target is a fixed channel.
	To     string `yaml:"to,omitempty" json:"to,omitempty"`
	Prompt string `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	// CoalesceSeconds is the window in which wake requests collapse
	// into one run.
	CoalesceSeconds int `yaml:"coalesceSeconds,omitempty" json:"coalesceSeconds,omitempty"`
}

// ModelsConfig names the engine providers and their credentials.
type ModelsConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers,omitempty" json:"providers,omitempty"`
}

// ProviderConfig carries the per-provider client settings.
type ProviderConfig struct {
	APIKey  string `yaml:"apiKey,omitempty" json:"apiKey,omitempty"`
	BaseURL string `yaml:"baseUrl,omitempty" json:"baseUrl,omitempty"`
	// Region applies to bedrock.
	Region string `yaml:"region,omitempty" json:"region,omitempty"`
	Model  string `yaml:"model,omitempty" json:"model,omitempty"`
}

// AuthConfig controls how gateway clients authenticate.
type AuthConfig struct {
	// Mode is one of none, token, password, tailscale.
	Mode     string `yaml:"mode,omitempty" json:"mode,omitempty"`
	Token    string `yaml:"token,omitempty" json:"token,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	// TailscaleHeader names the proxy header carrying the identity,
	// default Tailscale-User-Login.
	TailscaleHeader string `yaml:"tailscaleHeader,omitempty" json:"tailscaleHeader,omitempty"`
}

// ChannelsConfig holds one entry per surface.
type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `yaml:"whatsapp,omitempty" json:"whatsapp,omitempty"`
	Telegram TelegramConfig `yaml:"telegram,omitempty" json:"telegram,omitempty"`
	Discord  DiscordConfig  `yaml:"discord,omitempty" json:"discord,omitempty"`
	Signal   SignalConfig   `yaml:"signal,omitempty" json:"signal,omitempty"`
	IMessage IMessageConfig `yaml:"imessage,omitempty" json:"imessage,omitempty"`
	Slack    SlackConfig    `yaml:"slack,omitempty" json:"slack,omitempty"`
	Webchat  WebchatConfig  `yaml:"webchat,omitempty" json:"webchat,omitempty"`
}

// ChannelCommon is embedded by every surface config.
type ChannelCommon struct {
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	// AllowFrom lists admitted direct senders; ["*"] admits everyone.
	AllowFrom []string `yaml:"allowFrom,omitempty" json:"allowFrom,omitempty"`
	// DMPolicy is open, pairing, or allowlist.
	DMPolicy string `yaml:"dmPolicy,omitempty" json:"dmPolicy,omitempty"`
	// Groups configures group admission; the "*" key applies to all.
	Groups map[string]GroupConfig `yaml:"groups,omitempty" json:"groups,omitempty"`
	// MediaMaxMB caps outbound image size for this surface.
	MediaMaxMB float64 `yaml:"mediaMaxMb,omitempty" json:"mediaMaxMb,omitempty"`
}

// GroupConfig gates a single group (or all groups under the "*" key).
type GroupConfig struct {
	// Policy is open, disabled, or allowlist.
	Policy         string   `yaml:"policy,omitempty" json:"policy,omitempty"`
	RequireMention *bool    `yaml:"requireMention,omitempty" json:"requireMention,omitempty"`
	AllowFrom      []string `yaml:"allowFrom,omitempty" json:"allowFrom,omitempty"`
}

type WhatsAppConfig struct {
	ChannelCommon `yaml:",inline"`
	// StorePath overrides the whatsmeow session database location.
	StorePath string `yaml:"storePath,omitempty" json:"storePath,omitempty"`
}

type TelegramConfig struct {
	ChannelCommon `yaml:",inline"`
	BotToken      string `yaml:"botToken,omitempty" json:"botToken,omitempty"`
}

type DiscordConfig struct {
	ChannelCommon `yaml:",inline"`
	BotToken      string `yaml:"botToken,omitempty" json:"botToken,omitempty"`
}

type SignalConfig struct {
	ChannelCommon `yaml:",inline"`
	// Account is the registered phone number.
	Account string `yaml:"account,omitempty" json:"account,omitempty"`
	// CLIPath locates the signal-cli binary.
	CLIPath   string `yaml:"cliPath,omitempty" json:"cliPath,omitempty"`
	ConfigDir string `yaml:"configDir,omitempty" json:"configDir,omitempty"`
}

type IMessageConfig struct {
	ChannelCommon `yaml:",inline"`
	DatabasePath  string `yaml:"databasePath,omitempty" json:"databasePath,omitempty"`
	PollInterval  string `yaml:"pollInterval,omitempty" json:"pollInterval,omitempty"`
}

type SlackConfig struct {
	ChannelCommon `yaml:",inline"`
	BotToken      string `yaml:"botToken,omitempty" json:"botToken,omitempty"`
	AppToken      string `yaml:"appToken,omitempty" json:"appToken,omitempty"`
}

type WebchatConfig struct {
	ChannelCommon `yaml:",inline"`
}

// MessagesConfig controls queueing and delivery behavior.
type MessagesConfig struct {
	Queue QueueConfig `yaml:"queue,omitempty" json:"queue,omitempty"`
	// MediaMaxMB is the global outbound image cap in megabytes
	// (default 5, hard cap 6).
	MediaMaxMB float64 `yaml:"mediaMaxMb,omitempty" json:"mediaMaxMb,omitempty"`
}

// QueueConfig selects what happens when messages arrive mid-run.
type QueueConfig struct {
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty"`
	// ByChannel overrides the mode per surface.
	ByChannel map[string]string `yaml:"byChannel,omitempty" json:"byChannel,omitempty"`
}

// QueueModes enumerates the accepted messages.queue.mode values.
var QueueModes = []string{
	"interrupt", "steer", "followup", "collect",
	"backlog-interrupt", "backlog-steer", "backlog-followup", "backlog-collect",
}

// SessionConfig controls session scoping and storage.
type SessionConfig struct {
	// Scope is per-sender (direct chats collapse to MainKey) or global.
	Scope   string `yaml:"scope,omitempty" json:"scope,omitempty"`
	MainKey string `yaml:"mainKey,omitempty" json:"mainKey,omitempty"`
	// Store is file (default) or postgres.
	Store       string `yaml:"store,omitempty" json:"store,omitempty"`
	PostgresDSN string `yaml:"postgresDsn,omitempty" json:"postgresDsn,omitempty"`
}

// RoutingConfig carries cross-channel gating knobs.
type RoutingConfig struct {
	// MentionPatterns are the strings that count as mentioning the agent
	// in group chats, e.g. "@clawd".
	MentionPatterns []string `yaml:"mentionPatterns,omitempty" json:"mentionPatterns,omitempty"`
	// GroupActivation is the default for groups without a session
	// override: mention (require mention) or always.
	GroupActivation string `yaml:"groupActivation,omitempty" json:"groupActivation,omitempty"`
}

// SkillsConfig locates workspace skill manifests.
type SkillsConfig struct {
	Dirs []string `yaml:"dirs,omitempty" json:"dirs,omitempty"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty" json:"level,omitempty"`
	// Dir overrides the platform log directory.
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty"`
	// OTLPEndpoint enables trace export when set.
	OTLPEndpoint string `yaml:"otlpEndpoint,omitempty" json:"otlpEndpoint,omitempty"`
}

// GatewayConfig controls the WebSocket control plane.
type GatewayConfig struct {
	Host string `yaml:"host,omitempty" json:"host,omitempty"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty"`
	// DeepLinkKey authorizes unattended clawdis:// invocations.
	DeepLinkKey string `yaml:"deepLinkKey,omitempty" json:"deepLinkKey,omitempty"`
	// RPCTimeoutSeconds bounds each RPC; default 10.
	RPCTimeoutSeconds int `yaml:"rpcTimeoutSeconds,omitempty" json:"rpcTimeoutSeconds,omitempty"`
	// RPCTimeoutSecondsByMethod overrides the bound per method; a zero
	// or negative value disables the timeout for that method.
	RPCTimeoutSecondsByMethod map[string]int `yaml:"rpcTimeoutSecondsByMethod,omitempty" json:"rpcTimeoutSecondsByMethod,omitempty"`
}

// WebConfig controls the webchat login surface.
type WebConfig struct {
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	// TokenSecret signs web login JWTs; generated when empty.
	TokenSecret string `yaml:"tokenSecret,omitempty" json:"tokenSecret,omitempty"`
	// TokenTTLHours bounds issued tokens; 0 means no expiry.
	TokenTTLHours int `yaml:"tokenTtlHours,omitempty" json:"tokenTtlHours,omitempty"`
}

// CronConfig declares scheduled jobs.
type CronConfig struct {
	Jobs []CronJobConfig `yaml:"jobs,omitempty" json:"jobs,omitempty"`
}

// CronJobConfig is one named job.
type CronJobConfig struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name,omitempty" json:"name,omitempty"`
	Enabled  *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Schedule string `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	// Every/At are alternatives to a cron expression.
	Every    string `yaml:"every,omitempty" json:"every,omitempty"`
	At       string `yaml:"at,omitempty" json:"at,omitempty"`
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	// Kind is message, agent, or webhook.
	Kind    string            `yaml:"kind,omitempty" json:"kind,omitempty"`
	Message string            `yaml:"message,omitempty" json:"message,omitempty"`
	Channel string            `yaml:"channel,omitempty" json:"channel,omitempty"`
	To      string            `yaml:"to,omitempty" json:"to,omitempty"`
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
	Method  string            `yaml:"method,omitempty" json:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	// Wake runs the job through the main lane instead of an isolated one.
	Wake bool `yaml:"wake,omitempty" json:"wake,omitempty"`
}

// Channel returns the config block for a surface id, or nil.
func (c *ChannelsConfig) Channel(id models.ChannelType) *ChannelCommon {
	switch id {
	case models.ChannelWhatsApp:
		return &c.WhatsApp.ChannelCommon
	case models.ChannelTelegram:
		return &c.Telegram.ChannelCommon
	case models.ChannelDiscord:
		return &c.Discord.ChannelCommon
	case models.ChannelSignal:
		return &c.Signal.ChannelCommon
	case models.ChannelIMessage:
		return &c.IMessage.ChannelCommon
	case models.ChannelSlack:
		return &c.Slack.ChannelCommon
	case models.ChannelWebchat:
		return &c.Webchat.ChannelCommon
	default:
		return nil
	}
}

// Group resolves the group config for a group id, falling back to "*".
func (c *ChannelCommon) Group(groupID string) (GroupConfig, bool) {
	if c == nil || len(c.Groups) == 0 {
		return GroupConfig{}, false
	}
	if g, ok := c.Groups[groupID]; ok {
		return g, true
	}
	if g, ok := c.Groups["*"]; ok {
		return g, true
	}
	return GroupConfig{}, false
}

// RPCTimeout returns the configured per-RPC deadline.
func (g GatewayConfig) RPCTimeout() time.Duration {
	if g.RPCTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(g.RPCTimeoutSeconds) * time.Second
}

// RPCTimeoutFor resolves the bound for one method: the per-method
// override when present (zero or negative disables), else the global
// default.
func (g GatewayConfig) RPCTimeoutFor(method string) (time.Duration, bool) {
	secs, ok := g.RPCTimeoutSecondsByMethod[method]
	if !ok {
		return g.RPCTimeout(), false
	}
	if secs <= 0 {
		return 0, true
	}
	return time.Duration(secs) * time.Second, true
}

// Validate checks enum fields and reports the offending path.
func (c *Config) Validate() error {
	if m := c.Messages.Queue.Mode; m != "" && !validQueueMode(m) {
		return fmt.Errorf("messages.queue.mode: unknown mode %q", m)
	}
	for ch, m := range c.Messages.Queue.ByChannel {
		if !validQueueMode(m) {
			return fmt.Errorf("messages.queue.byChannel.%s: unknown mode %q", ch, m)
		}
		if !models.ChannelType(ch).Valid() {
			return fmt.Errorf("messages.queue.byChannel.%s: unknown channel", ch)
		}
	}
	switch c.Session.Scope {
	case "", "per-sender", "global":
	default:
		return fmt.Errorf("session.scope: must be per-sender or global, got %q", c.Session.Scope)
	}
	switch c.Session.Store {
	case "", "file", "postgres":
	default:
		return fmt.Errorf("session.store: must be file or postgres, got %q", c.Session.Store)
	}
	if c.Session.Store == "postgres" && strings.TrimSpace(c.Session.PostgresDSN) == "" {
		return fmt.Errorf("session.postgresDsn: required when session.store is postgres")
	}
	switch c.Auth.Mode {
	case "", "none", "token", "password", "tailscale":
	default:
		return fmt.Errorf("auth.mode: must be none, token, password, or tailscale, got %q", c.Auth.Mode)
	}
	for path, pol := range map[string]string{
		"channels.whatsapp.dmPolicy": c.Channels.WhatsApp.DMPolicy,
		"channels.telegram.dmPolicy": c.Channels.Telegram.DMPolicy,
		"channels.discord.dmPolicy":  c.Channels.Discord.DMPolicy,
		"channels.signal.dmPolicy":   c.Channels.Signal.DMPolicy,
		"channels.imessage.dmPolicy": c.Channels.IMessage.DMPolicy,
		"channels.slack.dmPolicy":    c.Channels.Slack.DMPolicy,
		"channels.webchat.dmPolicy":  c.Channels.Webchat.DMPolicy,
	} {
		switch pol {
		case "", "open", "pairing", "allowlist":
		default:
			return fmt.Errorf("%s: must be open, pairing, or allowlist, got %q", path, pol)
		}
	}
	if c.Messages.MediaMaxMB < 0 {
		return fmt.Errorf("messages.mediaMaxMb: must be positive")
	}
	return nil
}

func validQueueMode(m string) bool {
	for _, v := range QueueModes {
		if v == m {
			return true
		}
	}
	return false
}
