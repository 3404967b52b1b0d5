package backend

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"ExpertChat/internal/expert"
	"ExpertChat/internal/session"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const summaryInstruction = "Summarize the following conversation as a short title of at most ten words. " +
	"Reply with the title only."

// NewOpenAIClient builds a client for OpenAI or any OpenAI-compatible API (Grok).
func NewOpenAIClient(apiKey, baseURL string, opts ...option.RequestOption) *openai.Client {
	all := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		all = append(all, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(append(all, opts...)...)
	return &client
}

// OpenAIStreamer streams chat completions. The chunk id is the fragment group id.
type OpenAIStreamer struct {
	client *openai.Client
	model  string
	logger *slog.Logger
	inst   instruments
}

func NewOpenAIStreamer(client *openai.Client, model string, logger *slog.Logger) *OpenAIStreamer {
	return &OpenAIStreamer{client: client, model: model, logger: logger, inst: newInstruments()}
}

func (s *OpenAIStreamer) Open(ctx context.Context, e expert.Expert, message string, history []session.ChatMessage) iter.Seq2[Fragment, error] {
	return func(yield func(Fragment, error) bool) {
		ctx, span, end := s.inst.start(ctx, "openai_stream",
			attribute.String("expert.id", string(e.ID)),
			attribute.String("llm.model", s.model))
		defer end()

		stream := s.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
			Model:    s.model,
			Messages: toOpenAIMessages(BuildPrompt(e, message, history)),
		})
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			f := Fragment{
				GroupID: chunk.ID,
				Delta:   choice.Delta.Content,
				Final:   choice.FinishReason != "",
			}
			if !yield(f, nil) {
				return
			}
			if f.Final {
				return
			}
		}
		if err := stream.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "stream failed")
			s.logger.Warn("openai stream failed", "expert", e.ID, "error", err)
			yield(Fragment{}, fmt.Errorf("openai stream failed: %w", err))
		}
	}
}

// OpenAISummarizer asks a chat model for a one-line title of the conversation.
type OpenAISummarizer struct {
	client *openai.Client
	model  string
	inst   instruments
}

func NewOpenAISummarizer(client *openai.Client, model string) *OpenAISummarizer {
	return &OpenAISummarizer{client: client, model: model, inst: newInstruments()}
}

func (s *OpenAISummarizer) Summarize(ctx context.Context, history []session.ChatMessage) (string, error) {
	ctx, span, end := s.inst.start(ctx, "openai_summarize", attribute.String("llm.model", s.model))
	defer end()

	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: s.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(summaryInstruction),
			openai.UserMessage(Transcript(history)),
		},
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to summarize: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from OpenAI")
	}
	summary := strings.TrimSpace(resp.Choices[0].Message.Content)
	if summary == "" {
		return "", fmt.Errorf("empty summary from OpenAI")
	}
	return summary, nil
}

func toOpenAIMessages(prompt []PromptMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(prompt))
	for _, p := range prompt {
		switch p.Role {
		case promptRoleSystem:
			out = append(out, openai.SystemMessage(p.Content))
		case promptRoleAssistant:
			out = append(out, openai.AssistantMessage(p.Content))
		default:
			out = append(out, openai.UserMessage(p.Content))
		}
	}
	return out
}

// Transcript renders a history as "role: text" lines for summarization prompts.
func Transcript(history []session.ChatMessage) string {
	var b strings.Builder
	for _, msg := range history {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Message)
	}
	return b.String()
}
