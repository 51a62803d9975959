package config

// Defaults applied after decode. Zero values that carry meaning
// ("heartbeat disabled", "no media cap override") are left alone.
const (
	DefaultGatewayHost       = "127.0.0.1"
	DefaultGatewayPort       = 18789
	DefaultQueueMode         = "collect"
	DefaultMainKey           = "main"
	DefaultMediaMaxMB        = 5.0
	HardMediaMaxMB           = 6.0
	DefaultProvider          = "anthropic"
	DefaultHeartbeatPrompt   = "Read HEARTBEAT.md if it exists. Otherwise, reply with HEARTBEAT_OK."
	DefaultHeartbeatCoalesce = 20
	DefaultTailscaleHeader   = "Tailscale-User-Login"
	DefaultGroupActivation   = "mention"
)

func applyDefaults(cfg *Config) {
	if cfg.Agent.Provider == "" {
		cfg.Agent.Provider = DefaultProvider
	}
	if cfg.Agent.Heartbeat.Prompt == "" {
		cfg.Agent.Heartbeat.Prompt = DefaultHeartbeatPrompt
	}
	if cfg.Agent.Heartbeat.CoalesceSeconds <= 0 {
		cfg.Agent.Heartbeat.CoalesceSeconds = DefaultHeartbeatCoalesce
	}
	if cfg.Agent.Heartbeat.Target == "" {
		cfg.Agent.Heartbeat.Target = "last"
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = "none"
	}
	if cfg.Auth.TailscaleHeader == "" {
		cfg.Auth.TailscaleHeader = DefaultTailscaleHeader
	}
	if cfg.Messages.Queue.Mode == "" {
		cfg.Messages.Queue.Mode = DefaultQueueMode
	}
	if cfg.Messages.MediaMaxMB <= 0 {
		cfg.Messages.MediaMaxMB = DefaultMediaMaxMB
	}
	if cfg.Messages.MediaMaxMB > HardMediaMaxMB {
		cfg.Messages.MediaMaxMB = HardMediaMaxMB
	}
	if cfg.Session.Scope == "" {
		cfg.Session.Scope = "per-sender"
	}
	if cfg.Session.MainKey == "" {
		cfg.Session.MainKey = DefaultMainKey
	}
	if cfg.Session.Store == "" {
		cfg.Session.Store = "file"
	}
	if cfg.Routing.GroupActivation == "" {
		cfg.Routing.GroupActivation = DefaultGroupActivation
	}
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = DefaultGatewayHost
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = DefaultGatewayPort
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}
