package transport

import (
	"time"

	"ExpertChat/internal/expert"
	"ExpertChat/internal/fanout"
	"ExpertChat/internal/session"
)

// InboundFrame is one client turn. Experts is only read on the first turn of a conversation.
type InboundFrame struct {
	ConversationID string `json:"converstation_id" validate:"required"`
	Message        string `json:"message" validate:"required"`
	Experts        string `json:"experts"`
}

// Selection parses the delimited expert list. A blank list yields no selection.
func (f InboundFrame) Selection() expert.Selection {
	sel, err := expert.ParseSelection(f.Experts)
	if err != nil {
		return nil
	}
	return sel
}

// EventFrame carries one fragment of an expert reply.
type EventFrame struct {
	Message   string        `json:"message"`
	MessageID string        `json:"message_id"`
	Expert    expert.Expert `json:"expert"`
	CreatedAt time.Time     `json:"created_at"`
	IsStop    bool          `json:"is_stop"`
	Role      session.Role  `json:"role"`
}

func newEventFrame(e fanout.Event) EventFrame {
	return EventFrame{
		Message:   e.Delta,
		MessageID: e.GroupID,
		Expert:    e.Expert,
		CreatedAt: e.CreatedAt,
		IsStop:    e.Final,
		Role:      session.RoleBot,
	}
}

type ErrorFrame struct {
	Error   string `json:"error"`
	Details string `json:"details"`
	Status  int    `json:"status"`
}

// ResponseModel is the envelope of every query endpoint
type ResponseModel struct {
	Data any `json:"data"`
}
