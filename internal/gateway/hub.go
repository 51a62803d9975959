package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/clawdis/clawdis/internal/agent"
	"github.com/clawdis/clawdis/internal/cron"
	"github.com/clawdis/clawdis/internal/heartbeat"
	"github.com/clawdis/clawdis/internal/observability"
	"github.com/clawdis/clawdis/internal/outbound"
	"github.com/clawdis/clawdis/internal/scheduler"
)

// eventRecord is one broadcast frame kept for lastSeq replay.
type eventRecord struct {
	seq  int64
	data []byte
}

// Hub assigns the event sequence and fans frames out to every attached
// connection. It doubles as the scheduler sink and the cron/heartbeat
// event receiver, so everything a client can observe rides one ordered
// stream.
type Hub struct {
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	seq         int64
	history     []eventRecord
	historySize int
	conns       map[*wsConn]struct{}
}

// NewHub builds an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:      logger.With("component", "gateway"),
		now:         time.Now,
		historySize: eventHistorySize,
		conns:       make(map[*wsConn]struct{}),
	}
}

// Broadcast assigns the next sequence number, records the frame in the
// replay window, and queues it on every attached connection.
func (h *Hub) Broadcast(event string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastLocked(event, payload)
}

func (h *Hub) broadcastLocked(event string, payload any) {
	seq := h.seq + 1
	frame := wsFrame{
		Type:    "event",
		Event:   event,
		Payload: payload,
		Seq:     &seq,
		TS:      h.now().UnixMilli(),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Warn("event marshal failed", "event", event, "error", err)
		return
	}
	h.seq = seq

	h.history = append(h.history, eventRecord{seq: seq, data: data})
	if len(h.history) > h.historySize {
		h.history = h.history[1:]
	}

	for c := range h.conns {
		c.enqueueEvent(eventRecord{seq: seq, data: data})
	}
}

// attach registers a connection for live events, first replaying
// buffered frames newer than lastSeq. Replay and registration share one
// critical section so no frame is missed or duplicated in between; the
// connection's write loop reports any remaining discontinuity as a gap.
func (h *Hub) attach(c *wsConn, lastSeq int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if lastSeq > 0 {
		for _, rec := range h.history {
			if rec.seq > lastSeq {
				c.enqueueEvent(rec)
			}
		}
	}
	h.conns[c] = struct{}{}
	observability.Default().WSConnections.Inc()
}

func (h *Hub) detach(c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	delete(h.conns, c)
	observability.Default().WSConnections.Dec()
}

// closeAll force-drops every connection at shutdown. Sockets close
// outside the lock; each read loop then runs its own teardown.
func (h *Hub) closeAll() {
	h.mu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.cancel()
		_ = c.conn.Close()
	}
}

// announcePresence pushes the current client list to everyone.
func (h *Hub) announcePresence() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastLocked(EventPresence, map[string]any{"clients": h.presenceLocked()})
}

// PresenceEntry describes one connected client.
type PresenceEntry struct {
	ID          string    `json:"id"`
	ClientName  string    `json:"clientName,omitempty"`
	Mode        string    `json:"mode,omitempty"`
	Platform    string    `json:"platform,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Presence snapshots the connected clients.
func (h *Hub) Presence() []PresenceEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.presenceLocked()
}

func (h *Hub) presenceLocked() []PresenceEntry {
	out := make([]PresenceEntry, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, PresenceEntry{
			ID:          c.id,
			ClientName:  c.client.ClientName,
			Mode:        c.client.Mode,
			Platform:    c.client.Platform,
			ConnectedAt: c.connectedAt,
		})
	}
	return out
}

// Seq returns the last assigned sequence number.
func (h *Hub) Seq() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

// run broadcasts the keepalive tick until ctx ends.
func (h *Hub) run(ctx context.Context) {
	ticker := time.NewTicker(wsTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Broadcast(EventTick, map[string]any{"timestamp": h.now().UnixMilli()})
		}
	}
}

// RunState publishes a run lifecycle transition.
func (h *Hub) RunState(run scheduler.Run) {
	h.Broadcast(EventChat, map[string]any{
		"runId":      run.RunID,
		"sessionKey": run.SessionKey,
		"state":      string(run.State),
	})
}

// AgentEvent publishes one engine stream event.
func (h *Hub) AgentEvent(run scheduler.Run, ev agent.Event) {
	payload := map[string]any{
		"runId":      run.RunID,
		"sessionKey": run.SessionKey,
	}
	if ev.Text != "" {
		payload["text"] = ev.Text
	}
	if ev.Thinking != "" {
		payload["thinking"] = ev.Thinking
	}
	if ev.Done {
		payload["done"] = true
	}
	if ev.Meta != nil {
		payload["meta"] = ev.Meta
	}
	if ev.Err != nil {
		payload["error"] = ev.Err.Error()
	}
	h.Broadcast(EventAgent, payload)
}

// RunFinished publishes the terminal chat event. The scheduler calls it
// after the session store write and after every agent event for the
// run, so clients observing it may re-read the session.
func (h *Hub) RunFinished(run scheduler.Run, result *agent.RunResult, receipts []outbound.Receipt, runErr error) {
	payload := map[string]any{
		"runId":      run.RunID,
		"sessionKey": run.SessionKey,
		"state":      string(run.State),
		"terminal":   true,
	}
	if result != nil {
		if len(result.Payloads) > 0 {
			payload["payloads"] = result.Payloads
		}
		if result.Meta != nil {
			payload["meta"] = result.Meta
		}
	}
	if len(receipts) > 0 {
		payload["receipts"] = receipts
	}
	if runErr != nil {
		payload["error"] = runErr.Error()
	}
	h.Broadcast(EventChat, payload)
}

// CronEvent adapts the cron scheduler's sink.
func (h *Hub) CronEvent(job *cron.Job, exec *cron.Execution) {
	if job == nil || exec == nil {
		return
	}
	h.Broadcast(EventCron, map[string]any{
		"jobId":     job.ID,
		"name":      job.Name,
		"kind":      job.Kind,
		"execution": exec,
	})
}

// HeartbeatEvent adapts the heartbeat runner's sink.
func (h *Hub) HeartbeatEvent(res heartbeat.Result) {
	h.Broadcast(EventHealth, map[string]any{
		"kind":   "heartbeat",
		"result": res,
	})
}

var _ scheduler.Sink = (*Hub)(nil)
