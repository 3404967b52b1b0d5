package session

import (
	"time"

	"ExpertChat/internal/expert"

	"github.com/google/uuid"
)

// Role of a message author
type Role string

const (
	RoleHuman Role = "human"
	RoleBot   Role = "bot"
)

// ChatMessage represents a single persisted chat message. Never mutated after creation.
type ChatMessage struct {
	ID             string    `json:"id"`
	Role           Role      `json:"role"`
	Message        string    `json:"message"`
	ConversationID string    `json:"converstation_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewMessage stamps a new message with a fresh id
func NewMessage(role Role, text, conversationID string, now time.Time) ChatMessage {
	return ChatMessage{
		ID:             uuid.NewString(),
		Role:           role,
		Message:        text,
		ConversationID: conversationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Conversation represents one logical conversation. The summary and the expert
// selection are fixed when the conversation is created.
type Conversation struct {
	ConversationID string           `json:"converstation_id"`
	Summary        string           `json:"summary"`
	Experts        expert.Selection `json:"expert"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}
