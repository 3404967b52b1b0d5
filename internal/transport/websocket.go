package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"ExpertChat/internal/conversation"
	"ExpertChat/internal/fanout"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

type sessionState int

const (
	stateOpen sessionState = iota
	stateProcessingTurn
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateProcessingTurn:
		return "processing_turn"
	default:
		return "closed"
	}
}

// chatSession is one websocket connection. Turns run one at a time on the
// session goroutine, which is also the only writer to the connection.
type chatSession struct {
	server *Server
	conn   *websocket.Conn
	logger *slog.Logger
	state  sessionState
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if !s.beginSession() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.sessions.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sess := &chatSession{
		server: s,
		conn:   conn,
		logger: s.logger.With("remote", r.RemoteAddr),
		state:  stateOpen,
	}
	sess.logger.Info("chat session opened")
	sess.run(s.baseCtx)
}

func (c *chatSession) setState(state sessionState) {
	c.logger.Debug("session state", "from", c.state.String(), "to", state.String())
	c.state = state
}

// run serves turns until the client leaves, a frame is malformed or ctx is
// cancelled. A cancelled ctx ends the running turn, which still commits its
// complete replies before the session closes.
func (c *chatSession) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	// unblock an idle read on shutdown
	stopRead := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer func() {
		stopRead()
		if ctx.Err() != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		}
		cancel()
		c.setState(stateClosed)
		c.conn.Close()
		c.logger.Info("chat session closed")
	}()

	for ctx.Err() == nil {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		var frame InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("malformed frame", "error", err)
			c.writeError("Failed to parse JSON", err, http.StatusBadRequest)
			return
		}
		if err := c.server.validate.Struct(frame); err != nil {
			c.writeError("Invalid message", err, http.StatusBadRequest)
			continue
		}

		c.setState(stateProcessingTurn)
		c.turn(ctx, frame)
		c.setState(stateOpen)
	}
}

func (c *chatSession) turn(ctx context.Context, frame InboundFrame) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	emit := func(e fanout.Event) error {
		if err := c.writeJSON(newEventFrame(e)); err != nil {
			// the client is gone, stop the experts
			cancel()
			return err
		}
		return nil
	}

	req := conversation.TurnRequest{
		ConversationID: frame.ConversationID,
		Message:        frame.Message,
		Experts:        frame.Selection(),
	}
	result, err := c.server.turns.HandleTurn(ctx, req, emit)
	switch {
	case err == nil:
		c.logger.Info("turn finished",
			"conversation_id", frame.ConversationID,
			"replies", len(result.Replies))
	case errors.Is(err, conversation.ErrSelectionRequired):
		c.writeError("Experts are required for a new conversation", err, http.StatusBadRequest)
	default:
		c.logger.Error("turn failed", "conversation_id", frame.ConversationID, "error", err)
		c.writeError("Failed to process message", err, http.StatusInternalServerError)
	}
}

func (c *chatSession) writeJSON(v any) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *chatSession) writeError(message string, err error, status int) {
	frame := ErrorFrame{Error: message, Details: err.Error(), Status: status}
	if werr := c.writeJSON(frame); werr != nil {
		c.logger.Warn("failed to write error frame", "error", werr)
	}
}
