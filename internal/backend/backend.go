package backend

import (
	"context"
	"iter"
	"time"

	"ExpertChat/internal/expert"
	"ExpertChat/internal/session"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "expertchat/backend"

// maxStreamLine bounds one line of a streamed provider response.
const maxStreamLine = 1 << 20

// Fragment is one incremental delta of an expert reply.
// GroupID is assigned by the upstream stream; Final marks the last fragment of the group.
type Fragment struct {
	GroupID string
	Delta   string
	Final   bool
}

// Streamer opens one streaming reply for an expert.
//
// The returned sequence is lazy, finite and single pass: each step may block on the
// upstream provider. A non-nil error element terminates the sequence.
type Streamer interface {
	Open(ctx context.Context, e expert.Expert, message string, history []session.ChatMessage) iter.Seq2[Fragment, error]
}

// Summarizer condenses a conversation into a short summary string.
type Summarizer interface {
	Summarize(ctx context.Context, history []session.ChatMessage) (string, error)
}

// PromptMessage is a provider-neutral chat message
type PromptMessage struct {
	Role    string
	Content string
}

const (
	promptRoleSystem    = "system"
	promptRoleUser      = "user"
	promptRoleAssistant = "assistant"
)

// BuildPrompt lays out the expert persona, the prior turns and the new message.
func BuildPrompt(e expert.Expert, message string, history []session.ChatMessage) []PromptMessage {
	out := make([]PromptMessage, 0, len(history)+2)
	if e.Prompt != "" {
		out = append(out, PromptMessage{Role: promptRoleSystem, Content: e.Prompt})
	}
	for _, msg := range history {
		out = append(out, PromptMessage{Role: promptRole(msg.Role), Content: msg.Message})
	}
	return append(out, PromptMessage{Role: promptRoleUser, Content: message})
}

func promptRole(r session.Role) string {
	if r == session.RoleBot {
		return promptRoleAssistant
	}
	return promptRoleUser
}

// instruments wraps the span and duration histogram shared by every provider call
type instruments struct {
	tracer   trace.Tracer
	duration metric.Float64Histogram
}

func newInstruments() instruments {
	meter := otel.Meter(instrumentationName)
	histogram, err := meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err != nil {
		otel.Handle(err)
	}
	return instruments{tracer: otel.Tracer(instrumentationName), duration: histogram}
}

func (in instruments) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, func()) {
	ctx, span := in.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	start := time.Now()
	return ctx, span, func() {
		if in.duration != nil {
			in.duration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
		}
		span.End()
	}
}
