// Package conversation runs one turn of a conversation: it records the human message,
// creates the conversation on first contact, fans the message out to the experts and
// commits their replies once every stream is drained.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ExpertChat/internal/backend"
	"ExpertChat/internal/expert"
	"ExpertChat/internal/fanout"
	"ExpertChat/internal/session"
	"ExpertChat/internal/store"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Store is the record store used by a turn.
type Store interface {
	GetConversation(ctx context.Context, id string) (session.Conversation, error)
	CreateConversation(ctx context.Context, conv session.Conversation) error
	ListMessages(ctx context.Context, conversationID string) ([]session.ChatMessage, error)
	SaveMessage(ctx context.Context, msg session.ChatMessage) error
	SaveMessages(ctx context.Context, msgs []session.ChatMessage) error
}

// Fanout streams a message to every selected expert and reassembles the replies.
type Fanout interface {
	Run(ctx context.Context, selection expert.Selection, message string, history []session.ChatMessage, emit fanout.EmitFunc) fanout.Result
}

type TurnRequest struct {
	ConversationID string
	Message        string
	// Experts is only read when the conversation does not exist yet.
	Experts expert.Selection
}

type TurnResult struct {
	Conversation session.Conversation
	Created      bool
	Human        session.ChatMessage
	Replies      []session.ChatMessage
	Outcomes     []fanout.Outcome
}

type Manager struct {
	store      Store
	fanout     Fanout
	summarizer backend.Summarizer
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

func NewManager(st Store, fo Fanout, summarizer backend.Summarizer, tracer trace.Tracer, logger *slog.Logger) *Manager {
	return &Manager{
		store:      st,
		fanout:     fo,
		summarizer: summarizer,
		logger:     logger,
		tracer:     tracer,
		now:        time.Now,
	}
}

// LoadOrCreate returns the stored conversation, or creates it with a summary of history
// and the given selection. An existing conversation keeps its stored selection.
func (m *Manager) LoadOrCreate(ctx context.Context, id string, selection expert.Selection,
	history []session.ChatMessage) (session.Conversation, bool, error) {
	conv, err := m.store.GetConversation(ctx, id)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return session.Conversation{}, false, fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}
	if len(selection) == 0 {
		return session.Conversation{}, false, ErrSelectionRequired
	}

	summary, err := m.summarizer.Summarize(ctx, history)
	if err != nil {
		return session.Conversation{}, false, fmt.Errorf("%w: %w", ErrSummaryFailed, err)
	}

	now := m.now().UTC()
	conv = session.Conversation{
		ConversationID: id,
		Summary:        summary,
		Experts:        selection,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.persist(ctx, "conversation", func(ctx context.Context) error {
		return m.store.CreateConversation(ctx, conv)
	}); err != nil {
		return session.Conversation{}, false, err
	}
	m.logger.Info("created conversation", "conversation_id", id, "experts", selection.String())
	return conv, true, nil
}

// HandleTurn processes one inbound message. emit receives every fragment event as it
// arrives; the replies are committed only after all experts are drained.
//
// If ctx is cancelled mid-run, only replies whose final fragment was seen are kept.
func (m *Manager) HandleTurn(ctx context.Context, req TurnRequest, emit fanout.EmitFunc) (TurnResult, error) {
	ctx, span := m.tracer.Start(ctx, "conversation.turn", trace.WithAttributes(
		attribute.String("conversation.id", req.ConversationID),
	))
	defer span.End()

	result, err := m.handleTurn(ctx, req, emit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed")
	}
	return result, err
}

func (m *Manager) handleTurn(ctx context.Context, req TurnRequest, emit fanout.EmitFunc) (TurnResult, error) {
	var result TurnResult

	prior, err := m.store.ListMessages(ctx, req.ConversationID)
	if err != nil {
		return result, fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}

	if len(req.Experts) == 0 {
		if _, err := m.store.GetConversation(ctx, req.ConversationID); errors.Is(err, store.ErrNotFound) {
			return result, ErrSelectionRequired
		}
	}

	result.Human = session.NewMessage(session.RoleHuman, req.Message, req.ConversationID, m.now().UTC())
	if err := m.persist(ctx, "human message", func(ctx context.Context) error {
		return m.store.SaveMessage(ctx, result.Human)
	}); err != nil {
		return result, err
	}

	history := prior
	if len(history) == 0 {
		history = []session.ChatMessage{result.Human}
	}

	result.Conversation, result.Created, err = m.LoadOrCreate(ctx, req.ConversationID, req.Experts, history)
	if err != nil {
		return result, err
	}

	// experts see the turns before this one; the new message is passed on its own
	run := m.fanout.Run(ctx, result.Conversation.Experts, req.Message, prior, emit)
	result.Outcomes = run.Outcomes

	groups := run.Groups
	if ctx.Err() != nil {
		groups = lo.Filter(groups, func(g fanout.Group, _ int) bool { return g.Complete })
		m.logger.Warn("turn cancelled, keeping complete replies only",
			"conversation_id", req.ConversationID,
			"groups", len(run.Groups),
			"kept", len(groups))
	}

	now := m.now().UTC()
	result.Replies = lo.Map(groups, func(g fanout.Group, _ int) session.ChatMessage {
		return session.NewMessage(session.RoleBot, g.Text, req.ConversationID, now)
	})

	// commit even when the turn was cancelled
	flushCtx := context.WithoutCancel(ctx)
	if err := m.persist(flushCtx, "replies", func(ctx context.Context) error {
		return m.store.SaveMessages(ctx, result.Replies)
	}); err != nil {
		return result, err
	}

	m.logger.Info("turn committed",
		"conversation_id", req.ConversationID,
		"created", result.Created,
		"replies", len(result.Replies),
		"failed_experts", len(run.Failed()))
	return result, nil
}

// persist runs write, retrying once.
func (m *Manager) persist(ctx context.Context, what string, write func(context.Context) error) error {
	err := write(ctx)
	if err == nil {
		return nil
	}
	m.logger.Warn("write failed, retrying", "what", what, "error", err)
	if err := write(ctx); err != nil {
		m.logger.Error("write failed", "what", what, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrPersistenceFailed, what, err)
	}
	return nil
}
