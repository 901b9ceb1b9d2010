package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"crawlfleet/internal/core/domain"
	"crawlfleet/internal/core/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Agents post results, so they get a larger frame than dashboards.
	maxAgentMessageSize = 1 << 20

	agentSendBuffer   = 64
	disconnectTimeout = 5 * time.Second
)

// AgentMessageHandler is the coordinator surface used by agent transports.
type AgentMessageHandler interface {
	HandleAgentMessage(ctx context.Context, env domain.Envelope) (domain.Envelope, error)
	HandleAgentDisconnected(ctx context.Context, agentID string) error
	PollJobs(ctx context.Context, agentID string) ([]domain.JobAssignedPayload, error)
}

// AgentHub tracks live agent websockets and delivers pushed envelopes to
// them. An agent may hold several sessions; pushes go to all of them.
type AgentHub struct {
	mu       sync.Mutex
	sessions map[string]map[*agentConn]struct{}
	handler  AgentMessageHandler
	log      *slog.Logger
}

func NewAgentHub() *AgentHub {
	return &AgentHub{
		sessions: make(map[string]map[*agentConn]struct{}),
		log:      logger.With("component", "agent_hub"),
	}
}

// Bind sets the coordinator. The hub is built first because the coordinator
// needs it as its notifier.
func (h *AgentHub) Bind(handler AgentMessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// Notify queues env on every session of agentID without blocking.
func (h *AgentHub) Notify(agentID string, env domain.Envelope) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := false
	for c := range h.sessions[agentID] {
		if c.enqueue(env) {
			delivered = true
		}
	}
	return delivered
}

// Connected reports whether agentID holds at least one live session.
func (h *AgentHub) Connected(agentID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[agentID]) > 0
}

func (h *AgentHub) bind(c *agentConn, agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.agentID == agentID {
		return
	}
	h.detachLocked(c)
	c.agentID = agentID
	set, ok := h.sessions[agentID]
	if !ok {
		set = make(map[*agentConn]struct{})
		h.sessions[agentID] = set
	}
	set[c] = struct{}{}
}

// unbind removes c and reports whether it was its agent's last session.
func (h *AgentHub) unbind(c *agentConn) (agentID string, last bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	agentID = c.agentID
	h.detachLocked(c)
	c.closeSend()
	return agentID, agentID != "" && len(h.sessions[agentID]) == 0
}

func (h *AgentHub) detachLocked(c *agentConn) {
	if c.agentID == "" {
		return
	}
	if set, ok := h.sessions[c.agentID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.sessions, c.agentID)
		}
	}
}

func (h *AgentHub) boundID(c *agentConn) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return c.agentID
}

func (h *AgentHub) coordinator() AgentMessageHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handler
}

// ServeAgent upgrades an agent connection. The agent id may be given as the
// agentId query parameter or learned from its registration.
func (h *AgentHub) ServeAgent(w http.ResponseWriter, r *http.Request) {
	if h.coordinator() == nil {
		http.Error(w, "coordinator not ready", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Agent websocket upgrade failed", "error", err)
		return
	}

	c := &agentConn{
		hub:       h,
		conn:      conn,
		send:      make(chan domain.Envelope, agentSendBuffer),
		sessionID: uuid.NewString(),
	}
	if id := r.URL.Query().Get("agentId"); id != "" {
		h.bind(c, id)
	}
	wsConnections.WithLabelValues("agent").Inc()
	h.log.Info("Agent connected", "agent_id", c.agentID, "session_id", c.sessionID, "remote", r.RemoteAddr)

	c.push(domain.NewEnvelope(c.agentID, domain.MsgConnected, domain.ConnectedPayload{SessionID: c.sessionID}))

	go c.writePump()
	go c.readPump()
}

type agentConn struct {
	hub       *AgentHub
	conn      *websocket.Conn
	sessionID string

	// Guarded by hub.mu.
	agentID string
	closed  bool
	send    chan domain.Envelope
}

// enqueue must be called with hub.mu held.
func (c *agentConn) enqueue(env domain.Envelope) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

func (c *agentConn) push(env domain.Envelope) bool {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return c.enqueue(env)
}

func (c *agentConn) closeSend() {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *agentConn) readPump() {
	defer c.disconnect()

	c.conn.SetReadLimit(maxAgentMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn("Agent connection lost", "agent_id", c.hub.boundID(c), "error", err)
			}
			return
		}
		// Any traffic counts as liveness on this socket.
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.push(errorEnvelope(c.hub.boundID(c), domain.ErrMalformedEnvelope))
			continue
		}
		c.handle(env)
	}
}

func (c *agentConn) handle(env domain.Envelope) {
	bound := c.hub.boundID(c)
	if env.AgentID == "" {
		env.AgentID = bound
	}
	// A bound session speaks for its agent only.
	if bound != "" && env.AgentID != bound {
		c.hub.log.Warn("Rejected message for another agent", "agent_id", bound, "claimed", env.AgentID, "type", env.Type)
		c.push(errorEnvelope(bound, fmt.Errorf("%w: session is bound to agent %s", domain.ErrValidation, bound)))
		return
	}
	// Bind before the coordinator runs so pushes produced by a registration
	// reach this socket.
	if env.AgentID != "" && env.Type == domain.MsgAgentRegister {
		c.hub.bind(c, env.AgentID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	handler := c.hub.coordinator()
	reply, err := handler.HandleAgentMessage(ctx, env)
	if err != nil {
		c.push(errorEnvelope(env.AgentID, err))
		return
	}

	if reply.Type == domain.MsgAgentRegistered && reply.AgentID != "" && env.AgentID == "" {
		// The coordinator picked the id, so anything it pushed during the
		// registration had nowhere to go. Replay the agent's holdings.
		c.hub.bind(c, reply.AgentID)
		c.push(reply)
		c.replayAssignments(ctx, handler, reply.AgentID)
		return
	}
	c.push(reply)
}

func (c *agentConn) replayAssignments(ctx context.Context, handler AgentMessageHandler, agentID string) {
	jobs, err := handler.PollJobs(ctx, agentID)
	if err != nil {
		c.hub.log.Warn("Failed to replay assignments", "agent_id", agentID, "error", err)
		return
	}
	for _, job := range jobs {
		c.push(domain.NewEnvelope(agentID, domain.MsgJobAssigned, job))
	}
}

func (c *agentConn) disconnect() {
	c.conn.Close()
	wsConnections.WithLabelValues("agent").Dec()

	agentID, last := c.hub.unbind(c)
	c.hub.log.Info("Agent session closed", "agent_id", agentID, "session_id", c.sessionID)
	if !last {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := c.hub.coordinator().HandleAgentDisconnected(ctx, agentID); err != nil && !errors.Is(err, domain.ErrCoordinatorStopped) {
		c.hub.log.Warn("Failed to release disconnected agent", "agent_id", agentID, "error", err)
	}
}

func (c *agentConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case env, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func errorEnvelope(agentID string, err error) domain.Envelope {
	return domain.NewEnvelope(agentID, domain.MsgError, domain.ErrorPayload{Error: err.Error()})
}
