package main

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/clawdis/clawdis/internal/config"
)

// callTimeout bounds one ordinary RPC round trip. Calls that block by
// design (chat.send with expectFinal) pass their own deadline.
const callTimeout = 15 * time.Second

// clientFrame mirrors the gateway wire frame. Params is any for writes;
// Payload stays raw so each command decodes its own shape.
type clientFrame struct {
	Type    string          `json:"type,omitempty"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
	TS      int64           `json:"ts,omitempty"`
}

// rpcError is a gateway-reported failure, distinguishable from
// transport errors so handlers can react to specific codes.
type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// gatewayClient is a one-shot WebSocket client for CLI commands: dial,
// hello, a few calls, close. Calls are sequential; event frames that
// arrive between responses are skipped.
type gatewayClient struct {
	conn    *websocket.Conn
	baseURL string

	// Filled from helloOk.
	serverName    string
	serverVersion string
	protocol      int
}

// dialGateway connects and completes the hello handshake. serverAddr
// overrides the configured gateway address; auth credentials always
// come from the config file.
func dialGateway(ctx context.Context, configPath, serverAddr string) (*gatewayClient, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	base, err := resolveGatewayBase(cfg, serverAddr)
	if err != nil {
		return nil, err
	}
	wsURL := "ws://" + base + "/ws"

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", wsURL, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w (is the gateway running? try clawdis serve)", wsURL, err)
	}

	c := &gatewayClient{conn: conn, baseURL: base}
	if err := c.hello(cfg); err != nil {
		_ = conn.Close() //nolint:errcheck
		return nil, err
	}
	return c, nil
}

// resolveGatewayBase returns host:port, preferring the explicit flag.
func resolveGatewayBase(cfg *config.Config, serverAddr string) (string, error) {
	addr := strings.TrimSpace(serverAddr)
	if addr == "" {
		return fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port), nil
	}
	addr = strings.TrimPrefix(strings.TrimPrefix(addr, "ws://"), "http://")
	addr = strings.TrimRight(addr, "/")
	if addr == "" {
		return "", fmt.Errorf("empty server address")
	}
	return addr, nil
}

func (c *gatewayClient) hello(cfg *config.Config) error {
	params := map[string]any{
		"clientName":    "clawdis-cli",
		"clientVersion": version,
		"platform":      runtime.GOOS,
		"mode":          "cli",
		"minProtocol":   1,
		"maxProtocol":   1,
	}
	auth := map[string]any{}
	if token := strings.TrimSpace(cfg.Auth.Token); token != "" {
		auth["token"] = token
	}
	if password := strings.TrimSpace(cfg.Auth.Password); password != "" {
		auth["password"] = password
	}
	if len(auth) > 0 {
		params["auth"] = auth
	}

	payload, err := c.roundTrip("hello", params, callTimeout)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	var ok struct {
		Protocol int `json:"protocol"`
		Server   struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"server"`
	}
	if err := json.Unmarshal(payload, &ok); err == nil {
		c.protocol = ok.Protocol
		c.serverName = ok.Server.Name
		c.serverVersion = ok.Server.Version
	}
	return nil
}

// call performs one RPC with the default timeout.
func (c *gatewayClient) call(method string, params any) (json.RawMessage, error) {
	return c.roundTrip(method, params, callTimeout)
}

// callWait performs one RPC that is allowed to block, such as a
// chat.send holding for the final run state.
func (c *gatewayClient) callWait(method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = callTimeout
	}
	return c.roundTrip(method, params, timeout)
}

func (c *gatewayClient) roundTrip(method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := uuid.NewString()
	req := clientFrame{Type: "req", ID: id, Method: method, Params: params}

	deadline := time.Now().Add(timeout)
	_ = c.conn.SetWriteDeadline(deadline) //nolint:errcheck
	if err := c.conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	for {
		_ = c.conn.SetReadDeadline(deadline) //nolint:errcheck
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("await %s response: %w", method, err)
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type != "res" || frame.ID != id {
			continue
		}
		if frame.OK == nil || !*frame.OK {
			if frame.Error != nil {
				return nil, frame.Error
			}
			return nil, fmt.Errorf("%s failed without detail", method)
		}
		return frame.Payload, nil
	}
}

// callInto decodes the payload of one RPC into out.
func (c *gatewayClient) callInto(method string, params any, out any) error {
	payload, err := c.call(method, params)
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", method, err)
	}
	return nil
}

func (c *gatewayClient) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.conn.Close()
}
