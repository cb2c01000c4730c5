package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sdkforge/internal/events"
	"sdkforge/internal/pipeline"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512 * 1024
)

// Inbound message types.
const (
	MsgGenerate = "generate"
	MsgFix      = "fix"
	MsgPlan     = "plan"
	MsgReload   = "reload"
	MsgRestart  = "restart"
	MsgStop     = "stop"
	MsgPing     = "ping"
)

// TypePong answers a ping. It is a transport message, not a turn event.
const TypePong events.Type = "pong"

// Inbound is a client request on a session websocket.
type Inbound struct {
	Type            string `json:"type"`
	ProjectID       string `json:"project_id"`
	GenerationID    string `json:"generation_id,omitempty"`
	Prompt          string `json:"prompt,omitempty"`
	ExistingProject bool   `json:"existing_project,omitempty"`
	ProjectContext  string `json:"project_context,omitempty"`
	Diagnostics     string `json:"diagnostics,omitempty"`
}

func (m Inbound) turnRequest(sessionID string) pipeline.TurnRequest {
	return pipeline.TurnRequest{
		SessionID:       sessionID,
		ProjectID:       m.ProjectID,
		GenerationID:    m.GenerationID,
		Prompt:          m.Prompt,
		ExistingProject: m.ExistingProject,
		ProjectContext:  m.ProjectContext,
		Diagnostics:     m.Diagnostics,
	}
}

// wsConn is one session websocket. Requests run one at a time in arrival
// order; all writes go through the write pump.
type wsConn struct {
	server    *Server
	conn      *websocket.Conn
	sessionID string
	logger    *zap.Logger

	send     chan []byte
	requests chan Inbound
	done     chan struct{}
	once     sync.Once
}

func (s *Server) handleWebSocket(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if sessionID == "" {
		abort(c, http.StatusBadRequest, "SESSION_REQUIRED", "session id is required")
		return
	}

	if s.opts.JWTSecret != "" {
		token := c.Query("token")
		if token == "" {
			s.logger.Warn("WebSocket rejected: no token", zap.String("session_id", sessionID))
			abort(c, http.StatusUnauthorized, "AUTH_REQUIRED", "authentication required")
			return
		}
		if _, err := validateToken(s.opts.JWTSecret, token, sessionID); err != nil {
			s.logger.Warn("WebSocket rejected: invalid token", zap.String("session_id", sessionID), zap.Error(err))
			status := http.StatusUnauthorized
			if errors.Is(err, errSessionMismatch) {
				status = http.StatusForbidden
			}
			abort(c, status, "INVALID_TOKEN", "invalid token")
			return
		}
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	wc := &wsConn{
		server:    s,
		conn:      conn,
		sessionID: sessionID,
		logger:    s.logger.With(zap.String("session_id", sessionID)),
		send:      make(chan []byte, s.opts.SendBuffer),
		requests:  make(chan Inbound, s.opts.QueueLength),
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.conns[wc] = struct{}{}
	s.mu.Unlock()
	s.metrics.RecordWebSocketConnection(1)
	wc.logger.Info("WebSocket connected")

	go wc.writePump()
	go wc.serve()
	go wc.readPump()
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()

		c.server.mu.Lock()
		delete(c.server.conns, c)
		c.server.mu.Unlock()
		c.server.metrics.RecordWebSocketConnection(-1)
		c.logger.Info("WebSocket disconnected")
	})
}

// emit queues an event for the write pump. It blocks while the queue is full
// so ordering is kept, and gives up once the connection is gone.
func (c *wsConn) emit(e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		c.logger.Error("Failed to marshal event", zap.String("type", string(e.Type)), zap.Error(err))
		return
	}
	select {
	case c.send <- data:
		c.server.metrics.RecordWebSocketMessage(string(e.Type), "out")
	case <-c.done:
	}
}

func (c *wsConn) emitError(projectID, msg string) {
	c.emit(events.Event{Type: events.TypeError, ProjectID: projectID, Message: msg, Timestamp: time.Now().UTC()})
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *wsConn) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var msg Inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.emitError("", "malformed message")
			continue
		}
		c.server.metrics.RecordWebSocketMessage(messageLabel(msg.Type), "in")

		if msg.Type == MsgPing {
			c.emit(events.Event{Type: TypePong, Timestamp: time.Now().UTC()})
			continue
		}

		select {
		case c.requests <- msg:
		case <-c.done:
			return
		default:
			c.emitError(msg.ProjectID, "too many pending requests")
		}
	}
}

// serve runs queued requests in order until the connection closes.
func (c *wsConn) serve() {
	for {
		select {
		case msg := <-c.requests:
			select {
			case <-c.done:
				return
			default:
			}
			c.server.turns.Add(1)
			c.dispatch(msg)
			c.server.turns.Done()
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) dispatch(msg Inbound) {
	ctx := c.server.baseCtx
	p := c.server.pipeline
	sink := events.SinkFunc(c.emit)
	req := msg.turnRequest(c.sessionID)

	var err error
	switch msg.Type {
	case MsgGenerate:
		_, err = p.Generate(ctx, req, sink)
	case MsgFix:
		_, err = p.Fix(ctx, req, sink)
	case MsgPlan:
		_, err = p.Plan(ctx, req, sink)
	case MsgReload, MsgRestart, MsgStop:
		c.control(msg)
		return
	default:
		c.emitError(msg.ProjectID, "unknown message type: "+msg.Type)
		return
	}

	// Turn failures have already been reported as events.
	if errors.Is(err, pipeline.ErrInvalidRequest) {
		c.emitError(msg.ProjectID, err.Error())
	}
}

func (c *wsConn) control(msg Inbound) {
	p := c.server.pipeline
	var err error
	switch msg.Type {
	case MsgReload:
		err = p.Reload(msg.ProjectID)
	case MsgRestart:
		err = p.Restart(msg.ProjectID)
	case MsgStop:
		err = p.Stop(msg.ProjectID)
	}
	if err != nil {
		c.emitError(msg.ProjectID, err.Error())
		return
	}
	c.emit(events.Event{
		Type:      events.TypeStatus,
		ProjectID: msg.ProjectID,
		Message:   msg.Type + " sent",
		Timestamp: time.Now().UTC(),
	})
}

func messageLabel(t string) string {
	switch t {
	case MsgGenerate, MsgFix, MsgPlan, MsgReload, MsgRestart, MsgStop, MsgPing:
		return t
	default:
		return "unknown"
	}
}
