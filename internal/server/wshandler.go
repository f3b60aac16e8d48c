package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tellurhq/tellur/pkg/executor"
	"github.com/tellurhq/tellur/pkg/protocol"
	"github.com/tellurhq/tellur/pkg/ratelimit"
	"github.com/tellurhq/tellur/pkg/session"
)

// wsConn adapts a gorilla WebSocket connection to the session.Conn
// interface. Writes are serialized through a mutex (WebSocket connections
// are not safe for concurrent writes).
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.conn.Close()
}

// WSHandler handles WebSocket connections from agent clients.
//
// Each connection becomes a tracked session. The read loop parses client
// messages, checks the relevant rate limiter, and dispatches to the
// executor. Replies go back through the session manager so transport
// failures demote the session consistently.
type WSHandler struct {
	sessions     *session.Manager
	executor     *executor.Executor
	planner      Planner // nil = query messages rejected
	queryLimiter *ratelimit.Limiter
	toolLimiter  *ratelimit.Limiter
	logger       *slog.Logger

	upgrader websocket.Upgrader
}

// NewWSHandler creates a WebSocket handler for agent client connections.
func NewWSHandler(
	sessions *session.Manager,
	exec *executor.Executor,
	planner Planner,
	queryLimiter *ratelimit.Limiter,
	toolLimiter *ratelimit.Limiter,
	logger *slog.Logger,
) *WSHandler {
	return &WSHandler{
		sessions:     sessions,
		executor:     exec,
		planner:      planner,
		queryLimiter: queryLimiter,
		toolLimiter:  toolLimiter,
		logger:       logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection to WebSocket and enters the client message loop.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	wc := &wsConn{conn: conn}
	sessionID, err := h.sessions.Connect(wc)
	if err != nil {
		h.logger.Warn("connection rejected", "error", err, "remote", r.RemoteAddr)
		return
	}

	h.logger.Info("client connected", "session_id", sessionID, "remote", r.RemoteAddr)

	h.sessions.SendJSON(sessionID, protocol.SessionAckMessage{
		Type:      protocol.TypeSessionAck,
		SessionID: sessionID,
		Tools:     h.executor.Registry().Names(),
	})

	h.readLoop(r.Context(), sessionID, conn)
}

// readLoop reads client messages until the connection drops, dispatching
// each one. A read error hibernates the session rather than discarding it,
// so a reconnecting client keeps its retention window.
func (h *WSHandler) readLoop(ctx context.Context, sessionID string, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.logger.Info("client disconnected", "session_id", sessionID, "error", err)
			h.sessions.Disconnect(sessionID)
			return
		}

		h.sessions.UpdateActivity(sessionID)

		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			h.sendError(sessionID, "", protocol.CodeInvalidMessage, err.Error())
			continue
		}

		h.dispatch(ctx, sessionID, msg)
	}
}

// dispatch routes one parsed client message. Tool-level failures travel
// inside results; only request-level problems (rate limits, bad messages)
// produce ErrorMessages.
func (h *WSHandler) dispatch(ctx context.Context, sessionID string, msg any) {
	switch m := msg.(type) {
	case protocol.QueryMessage:
		h.handleQuery(ctx, sessionID, m)

	case protocol.ToolCallMessage:
		if !h.admit(sessionID, m.ID, h.toolLimiter, 1) {
			return
		}
		result := h.executor.ExecuteWith(ctx, m.Tool, m.Arguments, executor.Options{
			NoCache:      m.NoCache,
			ForceRefresh: m.ForceRefresh,
		})
		h.sessions.SendJSON(sessionID, protocol.ResultMessage{
			Type:   protocol.TypeResult,
			ID:     m.ID,
			Tool:   m.Tool,
			Result: result,
		})

	case protocol.BatchMessage:
		// A batch draws one token per call so large batches cannot sidestep
		// the per-call limit.
		if !h.admit(sessionID, m.ID, h.toolLimiter, float64(len(m.Calls))) {
			return
		}
		results := h.executor.ExecuteParallel(ctx, m.Calls)
		h.sessions.SendJSON(sessionID, protocol.BatchResultMessage{
			Type:    protocol.TypeBatchResult,
			ID:      m.ID,
			Results: results,
		})

	case protocol.PipelineMessage:
		if !h.admit(sessionID, m.ID, h.toolLimiter, float64(len(m.Steps))) {
			return
		}
		steps := h.executor.ExecutePipeline(ctx, m.Steps)
		h.sessions.SendJSON(sessionID, protocol.PipelineResultMessage{
			Type:  protocol.TypePipelineResult,
			ID:    m.ID,
			Steps: steps,
		})

	case protocol.PingMessage:
		h.sessions.SendJSON(sessionID, protocol.PongMessage{Type: protocol.TypePong, ID: m.ID})

	default:
		h.sendError(sessionID, "", protocol.CodeInvalidMessage, "unhandled message type")
	}
}

// handleQuery plans a natural language query into tool calls and executes
// them concurrently.
func (h *WSHandler) handleQuery(ctx context.Context, sessionID string, m protocol.QueryMessage) {
	if h.planner == nil {
		h.sendError(sessionID, m.ID, protocol.CodePlannerUnavailable, "no query planner configured")
		return
	}
	if !h.admit(sessionID, m.ID, h.queryLimiter, 1) {
		return
	}

	calls, err := h.planner.Plan(ctx, m.Query)
	if err != nil {
		h.logger.Error("query planning failed", "session_id", sessionID, "error", err)
		h.sendError(sessionID, m.ID, protocol.CodePlannerUnavailable, err.Error())
		return
	}

	results := h.executor.ExecuteParallel(ctx, calls)
	h.sessions.SendJSON(sessionID, protocol.BatchResultMessage{
		Type:    protocol.TypeBatchResult,
		ID:      m.ID,
		Results: results,
	})
}

// admit admits the request against the given limiter or sends a
// rate_limited error. Sessions are the rate-limit principals.
func (h *WSHandler) admit(sessionID, msgID string, limiter *ratelimit.Limiter, cost float64) bool {
	if limiter.CanRequest(sessionID, cost) {
		return true
	}
	h.logger.Warn("rate limit exceeded", "session_id", sessionID, "cost", cost)
	h.sendError(sessionID, msgID, protocol.CodeRateLimited, "rate limit exceeded, slow down")
	return false
}

func (h *WSHandler) sendError(sessionID, msgID, code, message string) {
	h.sessions.SendJSON(sessionID, protocol.ErrorMessage{
		Type:  protocol.TypeError,
		ID:    msgID,
		Code:  code,
		Error: message,
	})
}
