// Package store persists conversations and chat messages in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ExpertChat/internal/expert"
	"ExpertChat/internal/session"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("conversation not found")

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	conversation_id TEXT PRIMARY KEY,
	summary TEXT NOT NULL,
	expert TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_messages (
	id TEXT PRIMARY KEY,
	role TEXT NOT NULL,
	message TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS chat_messages_conversation ON chat_messages(conversation_id, created_at);`

// SQLite is the record store. Writes come from one turn goroutine at a time, and
// the pool is held to a single connection so readers never see a locked database.
type SQLite struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// GetConversation returns ErrNotFound when the id was never created.
func (s *SQLite) GetConversation(ctx context.Context, id string) (session.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT conversation_id, summary, expert, created_at, updated_at FROM conversations WHERE conversation_id = ?",
		id,
	)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Conversation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return session.Conversation{}, fmt.Errorf("failed to load conversation: %w", err)
	}
	return conv, nil
}

// CreateConversation inserts a new conversation. Creating an existing id is an error.
func (s *SQLite) CreateConversation(ctx context.Context, conv session.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO conversations (conversation_id, summary, expert, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		conv.ConversationID, conv.Summary, conv.Experts.String(), conv.CreatedAt.UTC(), conv.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

// ListConversations returns every conversation, newest first.
func (s *SQLite) ListConversations(ctx context.Context) ([]session.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT conversation_id, summary, expert, created_at, updated_at FROM conversations ORDER BY created_at DESC, rowid DESC",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	conversations := []session.Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

// ListMessages returns the messages of a conversation, oldest first.
// Messages written in one transaction keep their insertion order.
func (s *SQLite) ListMessages(ctx context.Context, conversationID string) ([]session.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, role, message, conversation_id, created_at, updated_at FROM chat_messages WHERE conversation_id = ? ORDER BY created_at, rowid",
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	messages := []session.ChatMessage{}
	for rows.Next() {
		var msg session.ChatMessage
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Message, &msg.ConversationID, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *SQLite) SaveMessage(ctx context.Context, msg session.ChatMessage) error {
	return s.SaveMessages(ctx, []session.ChatMessage{msg})
}

// SaveMessages writes all messages in one transaction: either every message lands or none does.
func (s *SQLite) SaveMessages(ctx context.Context, messages []session.ChatMessage) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO chat_messages (id, role, message, conversation_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
	)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, msg := range messages {
		if _, err := stmt.ExecContext(ctx, msg.ID, msg.Role, msg.Message, msg.ConversationID,
			msg.CreatedAt.UTC(), msg.UpdatedAt.UTC()); err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (session.Conversation, error) {
	var (
		conv    session.Conversation
		experts string
		created time.Time
		updated time.Time
	)
	if err := row.Scan(&conv.ConversationID, &conv.Summary, &experts, &created, &updated); err != nil {
		return session.Conversation{}, err
	}
	selection, err := expert.ParseSelection(experts)
	if err != nil {
		return session.Conversation{}, fmt.Errorf("conversation %s: %w", conv.ConversationID, err)
	}
	conv.Experts = selection
	conv.CreatedAt = created
	conv.UpdatedAt = updated
	return conv, nil
}
