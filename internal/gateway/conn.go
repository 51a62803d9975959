package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/clawdis/clawdis/internal/auth"
	"github.com/clawdis/clawdis/internal/nodes"
	"github.com/clawdis/clawdis/internal/observability"
)

// wsConn is one client connection. The read loop owns the handshake and
// dispatch; the write loop owns the socket and inserts gap frames when
// the event stream has a discontinuity.
type wsConn struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	events chan eventRecord
	ctx    context.Context
	cancel context.CancelFunc

	id             string
	remoteAddr     string
	tailscaleLogin string

	connected   atomic.Bool
	client      helloParams
	identity    auth.Identity
	connectedAt time.Time

	// lastSent is the seq of the last event frame written; only the
	// write loop touches it after the handshake seeds it with lastSeq.
	lastSent int64
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &wsConn{
		server:         s,
		conn:           conn,
		send:           make(chan []byte, sendQueueSize),
		events:         make(chan eventRecord, eventQueueSize),
		ctx:            ctx,
		cancel:         cancel,
		id:             uuid.NewString(),
		remoteAddr:     r.RemoteAddr,
		tailscaleLogin: r.Header.Get(s.tailscaleHeader),
	}
	c.run()
}

func (c *wsConn) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *wsConn) close() {
	c.cancel()
	if c.connected.Load() {
		c.server.hub.detach(c)
		c.server.hub.announcePresence()
	}
	_ = c.conn.Close()
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, werr := c.decodeFrame(data)
		if werr != nil {
			c.sendError("", werr.Code, werr.Message)
			continue
		}

		if !c.connected.Load() {
			if frame.Method != "hello" {
				c.sendError(frame.ID, codeProtocol, "first request must be hello")
				continue
			}
			if err := c.handleHello(frame); err != nil {
				// handleHello already reported the reason.
				return
			}
			continue
		}

		if frame.Method == "hello" {
			c.sendError(frame.ID, codeProtocol, "already connected")
			continue
		}

		go c.dispatch(frame)
	}
}

func (c *wsConn) writeLoop() {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		// Responses drain ahead of events so helloOk precedes any
		// replayed frames.
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if !c.write(msg) {
				return
			}
			continue
		default:
		}

		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if !c.write(msg) {
				return
			}
		case rec := <-c.events:
			if c.lastSent > 0 && rec.seq != c.lastSent+1 {
				if !c.writeGap(c.lastSent+1, rec.seq) {
					return
				}
			}
			if !c.write(rec.data) {
				return
			}
			c.lastSent = rec.seq
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if c.conn.WriteMessage(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}

func (c *wsConn) write(msg []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
	return c.conn.WriteMessage(websocket.TextMessage, msg) == nil
}

// writeGap tells the client frames were discarded, either because it
// resumed past the replay window or because it drained too slowly.
func (c *wsConn) writeGap(expected, received int64) bool {
	frame := wsFrame{
		Type:    "event",
		Event:   EventGap,
		Payload: map[string]any{"expected": expected, "received": received},
		TS:      time.Now().UnixMilli(),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return true
	}
	return c.write(data)
}

func (c *wsConn) decodeFrame(raw []byte) (*wsFrame, *wsError) {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, &wsError{Code: codeProtocol, Message: "malformed frame"}
	}
	if frame.Type == "" {
		frame.Type = "req"
	}
	if frame.Type != "req" {
		return nil, &wsError{Code: codeProtocol, Message: fmt.Sprintf("unsupported frame type %q", frame.Type)}
	}
	if err := validateRequestFrame(raw, &frame); err != nil {
		return nil, &wsError{Code: codeInvalidInput, Message: err.Error()}
	}
	return &frame, nil
}

// handleHello negotiates the protocol, authenticates, and for node
// clients enforces pairing. A non-nil return closes the connection.
func (c *wsConn) handleHello(frame *wsFrame) error {
	var params helloParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		c.sendError(frame.ID, codeInvalidInput, err.Error())
		return err
	}

	minProtocol := params.MinProtocol
	maxProtocol := params.MaxProtocol
	if minProtocol <= 0 {
		minProtocol = wsProtocolVersion
	}
	if maxProtocol <= 0 {
		maxProtocol = wsProtocolVersion
	}
	if wsProtocolVersion < minProtocol || wsProtocolVersion > maxProtocol {
		c.sendError(frame.ID, codeProtocol, fmt.Sprintf("unsupported protocol range [%d,%d], server speaks %d", minProtocol, maxProtocol, wsProtocolVersion))
		return fmt.Errorf("protocol mismatch")
	}

	var cred auth.Credentials
	if params.Auth != nil {
		cred = auth.Credentials{Token: params.Auth.Token, Password: params.Auth.Password}
	}
	identity, err := c.server.auth.Authenticate(cred, auth.Remote{
		Addr:           c.remoteAddr,
		TailscaleLogin: c.tailscaleLogin,
	})
	if err != nil {
		c.sendError(frame.ID, codeAuth, "unauthorized")
		return err
	}

	if params.Mode == ModeNode {
		if err := c.checkNodePairing(frame.ID, &params); err != nil {
			return err
		}
	}

	params.Auth = nil
	c.client = params
	c.identity = identity
	c.connectedAt = time.Now()
	c.lastSent = params.LastSeq

	if err := c.sendResponse(frame.ID, true, c.helloOkPayload(), nil); err != nil {
		return err
	}
	c.connected.Store(true)
	c.server.hub.attach(c, params.LastSeq)
	c.server.hub.announcePresence()
	c.server.logger.Info("client connected",
		"client", params.ClientName,
		"mode", params.Mode,
		"platform", params.Platform,
		"method", identity.Method,
	)
	return nil
}

// checkNodePairing admits known nodes and parks unknown ones behind a
// pairing code the owner has to approve.
func (c *wsConn) checkNodePairing(frameID string, params *helloParams) error {
	if c.server.nodes == nil {
		c.sendError(frameID, codeUnavailable, "node pairing unavailable")
		return fmt.Errorf("node store not configured")
	}
	instanceID := strings.TrimSpace(params.InstanceID)
	if instanceID == "" {
		c.sendError(frameID, codeInvalidInput, "/instanceId: required for mode node")
		return fmt.Errorf("missing instance id")
	}

	node, ok, err := c.server.nodes.FindPaired(instanceID)
	if err != nil {
		c.sendError(frameID, codeInternal, err.Error())
		return err
	}
	if ok {
		if err := c.server.nodes.TouchSeen(node.ID); err != nil {
			c.server.logger.Warn("node seen update failed", "node", node.ID, "error", err)
		}
		return nil
	}

	pending, _, err := c.server.nodes.RequestPairing(nodes.PairRequest{
		ClientName: params.ClientName,
		Platform:   params.Platform,
		Version:    params.ClientVersion,
		InstanceID: instanceID,
	})
	if err != nil {
		c.sendError(frameID, codeUnavailable, err.Error())
		return err
	}
	c.sendError(frameID, codePairingRequired, fmt.Sprintf("node not paired; approve with code %s", pending.Code))
	return fmt.Errorf("node pending approval")
}

func (c *wsConn) helloOkPayload() map[string]any {
	return map[string]any{
		"type":     "helloOk",
		"protocol": wsProtocolVersion,
		"server": map[string]any{
			"name":    "clawdis",
			"version": c.server.version,
		},
		"features": map[string]any{
			"methods": supportedMethods(),
			"events":  supportedEvents(),
		},
		"policy": map[string]any{
			"maxPayloadBytes": wsMaxPayloadBytes,
			"tickIntervalMs":  wsTickInterval.Milliseconds(),
			"rpcTimeoutMs":    c.server.rpcTimeout.Milliseconds(),
		},
		"snapshot": map[string]any{
			"presence": c.server.hub.Presence(),
			"health":   c.server.healthSnapshot(),
		},
	}
}

// dispatch runs one request handler. Handlers run off the read loop so
// a blocking call (chat.send with expectFinal) cannot starve abort
// frames from the same client.
func (c *wsConn) dispatch(frame *wsFrame) {
	defer func() {
		if r := recover(); r != nil {
			c.server.logger.Error("request handler panic", "method", frame.Method, "panic", r)
			c.sendError(frame.ID, codeInternal, "internal error")
		}
	}()

	ctx := c.ctx
	if timeout := c.server.methodTimeout(frame.Method); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	payload, werr := c.handle(ctx, frame)
	if werr == nil && ctx.Err() == context.DeadlineExceeded {
		werr = &wsError{Code: codeTimeout, Message: frame.Method + " timed out"}
	}
	if werr != nil {
		_ = c.sendResponse(frame.ID, false, nil, werr) //nolint:errcheck
		return
	}
	if err := c.sendResponse(frame.ID, true, payload, nil); err != nil {
		c.server.logger.Warn("response dropped", "method", frame.Method, "error", err)
	}
}

func (c *wsConn) handle(ctx context.Context, frame *wsFrame) (any, *wsError) {
	switch frame.Method {
	case "ping":
		return map[string]any{"timestamp": time.Now().UnixMilli()}, nil
	case "health":
		return c.server.handleHealth(ctx)
	case "chat.send":
		return c.server.handleChatSend(ctx, c, frame.Params)
	case "chat.history":
		return c.server.handleChatHistory(ctx, frame.Params)
	case "chat.abort":
		return c.server.handleChatAbort(ctx, frame.Params)
	case "sessions.list":
		return c.server.handleSessionsList(ctx, frame.Params)
	case "sessions.patch":
		return c.server.handleSessionsPatch(ctx, frame.Params)
	case "nodes.list":
		return c.server.handleNodesList(ctx)
	case "providers.status":
		return c.server.handleProvidersStatus(ctx)
	case "channels.status":
		return c.server.handleChannelsStatus(ctx)
	case "channels.login":
		return c.server.handleChannelsLogin(ctx, frame.Params)
	case "channels.logout":
		return c.server.handleChannelsLogout(ctx, frame.Params)
	case "config.get":
		return c.server.handleConfigGet(ctx)
	case "config.put":
		return c.server.handleConfigPut(ctx, frame.Params)
	case "config.schema":
		return c.server.handleConfigSchema(ctx)
	case "cron.list":
		return c.server.handleCronList(ctx)
	case "cron.status":
		return c.server.handleCronStatus(ctx, frame.Params)
	case "cron.run":
		return c.server.handleCronRun(ctx, frame.Params)
	case "skills.list":
		return c.server.handleSkillsList(ctx)
	case "web.login.start":
		return c.server.handleWebLoginStart(ctx)
	case "web.login.wait":
		return c.server.handleWebLoginWait(ctx, frame.Params)
	case "pairing.list":
		return c.server.handlePairingList(ctx)
	case "pairing.approve":
		return c.server.handlePairingApprove(ctx, frame.Params)
	default:
		return nil, &wsError{Code: codeNotFound, Message: fmt.Sprintf("unknown method %q", frame.Method)}
	}
}

func (c *wsConn) sendResponse(id string, ok bool, payload any, werr *wsError) error {
	frame := wsFrame{
		Type:    "res",
		ID:      id,
		OK:      &ok,
		Payload: payload,
		Error:   werr,
	}
	return c.enqueue(frame)
}

func (c *wsConn) sendError(id string, code string, message string) {
	_ = c.sendResponse(id, false, nil, &wsError{Code: code, Message: message}) //nolint:errcheck
}

func (c *wsConn) enqueue(frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if len(data) > wsMaxPayloadBytes {
		return fmt.Errorf("payload too large")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

// enqueueEvent queues an event frame, dropping the oldest buffered one
// when the client is not draining fast enough. The write loop reports
// the resulting discontinuity as a gap.
func (c *wsConn) enqueueEvent(rec eventRecord) {
	for {
		select {
		case c.events <- rec:
			return
		default:
		}
		select {
		case <-c.events:
			observability.Default().EventDrops.Inc()
		default:
		}
	}
}
