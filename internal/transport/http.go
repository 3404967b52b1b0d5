// Package transport exposes the chat relay over a websocket and the read-only
// history endpoints over plain HTTP.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"ExpertChat/internal/conversation"
	"ExpertChat/internal/expert"
	"ExpertChat/internal/fanout"
	"ExpertChat/internal/session"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
)

// Turns processes one inbound chat turn.
type Turns interface {
	HandleTurn(ctx context.Context, req conversation.TurnRequest, emit fanout.EmitFunc) (conversation.TurnResult, error)
}

// History is the read side of the record store.
type History interface {
	ListConversations(ctx context.Context) ([]session.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]session.ChatMessage, error)
}

type Server struct {
	turns    Turns
	history  History
	registry *expert.Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader
	validate *validator.Validate

	// baseCtx parents every chat session; cancelling it ends the running turns.
	baseCtx  context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	sessions sync.WaitGroup
}

func NewServer(turns Turns, history History, registry *expert.Registry, logger *slog.Logger) *Server {
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Server{
		turns:    turns,
		history:  history,
		registry: registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		validate: validator.New(),
		baseCtx:  baseCtx,
		cancel:   cancel,
	}
}

// Shutdown cancels every chat session and refuses new ones. It does not wait;
// see Drain.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel()
}

// Drain shuts the sessions down and waits until each has committed its turn and
// closed, or until ctx is done.
func (s *Server) Drain(ctx context.Context) error {
	s.Shutdown()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("chat sessions drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("chat sessions still running: %w", ctx.Err())
	}
}

// beginSession registers a session unless the server is shutting down.
func (s *Server) beginSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx.Err() != nil {
		return false
	}
	s.sessions.Add(1)
	return true
}

// Routes returns the HTTP handler for every endpoint.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/chat", s.handleChat)
	mux.HandleFunc("GET /chat/history", s.handleListConversations)
	mux.HandleFunc("GET /chat/history/{conversation_id}", s.handleListMessages)
	mux.HandleFunc("GET /chat/experts", s.handleListExperts)
	return s.loggingMiddleware(s.recoverMiddleware(mux))
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := s.history.ListConversations(r.Context())
	if err != nil {
		s.logger.Error("failed to list conversations", "error", err)
		http.Error(w, "failed to list conversations", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, conversations)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("conversation_id")
	messages, err := s.history.ListMessages(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to list messages", "conversation_id", id, "error", err)
		http.Error(w, "failed to list messages", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, messages)
}

func (s *Server) handleListExperts(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.registry.All())
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(ResponseModel{Data: data}); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack hands the connection to the websocket upgrader.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic in handler", "path", r.URL.Path, "panic", err)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
