package gateway

import (
	"encoding/json"
	"time"
)

const (
	wsProtocolVersion = 1
	wsMaxPayloadBytes = 1 << 20
	wsTickInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	// wsPingInterval must undercut wsPongWait: the server pings, the
	// peer's pong refreshes the read deadline.
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second

	// sendQueueSize bounds buffered responses per connection.
	sendQueueSize = 64
	// eventQueueSize bounds buffered events per connection; overflow
	// drops the oldest frame and the client sees a gap.
	eventQueueSize = 256
	// eventHistorySize bounds the replay window for lastSeq resume.
	eventHistorySize = 512
)

// Error codes, shared with clients. Auth and protocol failures close the
// connection; the rest are per-request.
const (
	codeAuth            = "auth"
	codeProtocol        = "protocol"
	codeInvalidInput    = "invalid-input"
	codeNotFound        = "not-found"
	codeUnavailable     = "unavailable"
	codeTimeout         = "timeout"
	codePairingRequired = "pairing-required"
	codeInternal        = "internal"
)

// Event names pushed to clients.
const (
	EventChat           = "chat"
	EventAgent          = "agent"
	EventPresence       = "presence"
	EventCron           = "cron"
	EventChannelsStatus = "channels.status"
	EventHealth         = "health"
	EventTick           = "tick"
	EventGap            = "gap"
)

// Client modes accepted in hello.
const (
	ModeWebchat = "webchat"
	ModeTUI     = "tui"
	ModeCLI     = "cli"
	ModeNode    = "node"
)

type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
	TS      int64           `json:"ts,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type helloParams struct {
	ClientName    string       `json:"clientName"`
	ClientVersion string       `json:"clientVersion"`
	Platform      string       `json:"platform"`
	Mode          string       `json:"mode,omitempty"`
	InstanceID    string       `json:"instanceId,omitempty"`
	MinProtocol   int          `json:"minProtocol"`
	MaxProtocol   int          `json:"maxProtocol"`
	LastSeq       int64        `json:"lastSeq,omitempty"`
	Auth          *authPayload `json:"auth,omitempty"`
	UserAgent     string       `json:"userAgent,omitempty"`
	Locale        string       `json:"locale,omitempty"`
}

type authPayload struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

type chatSendParams struct {
	SessionKey     string `json:"sessionKey,omitempty"`
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	ExpectFinal    bool   `json:"expectFinal,omitempty"`
	// Deliver routes the final payloads out a channel adapter instead
	// of keeping the run gateway-only. Channel and To name the route;
	// both are required when Deliver is set.
	Deliver bool   `json:"deliver,omitempty"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
}

type chatHistoryParams struct {
	SessionKey string `json:"sessionKey,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

type chatAbortParams struct {
	RunID      string `json:"runId,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
}

type sessionsListParams struct {
	Limit int `json:"limit,omitempty"`
}

type sessionsPatchParams struct {
	Key             string  `json:"key"`
	ThinkingLevel   *string `json:"thinkingLevel,omitempty"`
	VerboseLevel    *string `json:"verboseLevel,omitempty"`
	SendPolicy      *string `json:"sendPolicy,omitempty"`
	QueueMode       *string `json:"queueMode,omitempty"`
	GroupActivation *string `json:"groupActivation,omitempty"`
}

type channelsLogoutParams struct {
	Channel string `json:"channel"`
}

type channelsLoginParams struct {
	Channel string `json:"channel"`
}

type configPutParams struct {
	Config map[string]any `json:"config"`
}

type cronStatusParams struct {
	JobID string `json:"jobId,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type cronRunParams struct {
	ID string `json:"id"`
}

type webLoginWaitParams struct {
	LoginID        string `json:"loginId"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

type pairingApproveParams struct {
	Kind    string `json:"kind,omitempty"`
	Channel string `json:"channel,omitempty"`
	Code    string `json:"code"`
}

func supportedMethods() []string {
	return []string{
		"hello",
		"ping",
		"health",
		"chat.send",
		"chat.history",
		"chat.abort",
		"sessions.list",
		"sessions.patch",
		"nodes.list",
		"providers.status",
		"channels.status",
		"channels.login",
		"channels.logout",
		"config.get",
		"config.put",
		"config.schema",
		"cron.list",
		"cron.status",
		"cron.run",
		"skills.list",
		"web.login.start",
		"web.login.wait",
		"pairing.list",
		"pairing.approve",
	}
}

func supportedEvents() []string {
	return []string{
		EventChat,
		EventAgent,
		EventPresence,
		EventCron,
		EventChannelsStatus,
		EventHealth,
		EventTick,
		EventGap,
	}
}
