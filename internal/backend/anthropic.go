package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"ExpertChat/internal/expert"
	"ExpertChat/internal/session"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 1024
)

// AnthropicRequest represents the request body for the Messages API
type AnthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []AnthropicMessage `json:"messages"`
	Stream    bool               `json:"stream,omitempty"`
}

// AnthropicMessage represents a message in the conversation
type AnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnthropicContent is one content block of a response
type AnthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// AnthropicResponse represents a non-streamed response
type AnthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []AnthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
}

// AnthropicStreamEvent is the payload of one server-sent event
type AnthropicStreamEvent struct {
	Type    string `json:"type"`
	Message struct {
		ID string `json:"id"`
	} `json:"message"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// AnthropicStreamer streams the Messages API. The message id from message_start is the group id.
type AnthropicStreamer struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
	inst       instruments
}

func NewAnthropicStreamer(baseURL, apiKey, model string, httpClient *http.Client, logger *slog.Logger) *AnthropicStreamer {
	return &AnthropicStreamer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: httpClient,
		logger:     logger,
		inst:       newInstruments(),
	}
}

func (s *AnthropicStreamer) Open(ctx context.Context, e expert.Expert, message string, history []session.ChatMessage) iter.Seq2[Fragment, error] {
	return func(yield func(Fragment, error) bool) {
		ctx, span, end := s.inst.start(ctx, "anthropic_stream",
			attribute.String("expert.id", string(e.ID)),
			attribute.String("llm.model", s.model))
		defer end()

		fail := func(err error) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "stream failed")
			s.logger.Warn("anthropic stream failed", "expert", e.ID, "error", err)
			yield(Fragment{}, err)
		}

		system, messages := toAnthropicMessages(BuildPrompt(e, message, history))
		body, err := callAnthropic(ctx, s.httpClient, s.baseURL, s.apiKey, AnthropicRequest{
			Model:     s.model,
			MaxTokens: anthropicMaxTokens,
			System:    system,
			Messages:  messages,
			Stream:    true,
		})
		if err != nil {
			fail(err)
			return
		}
		defer body.Close()

		var groupID string
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data:")
			if !ok {
				continue
			}
			var event AnthropicStreamEvent
			if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &event); err != nil {
				fail(fmt.Errorf("failed to unmarshal event: %w", err))
				return
			}

			switch event.Type {
			case "message_start":
				groupID = event.Message.ID
			case "content_block_delta":
				if event.Delta.Type != "text_delta" {
					continue
				}
				if !yield(Fragment{GroupID: groupID, Delta: event.Delta.Text}, nil) {
					return
				}
			case "message_stop":
				yield(Fragment{GroupID: groupID, Final: true}, nil)
				return
			case "error":
				fail(fmt.Errorf("anthropic error: %s: %s", event.Error.Type, event.Error.Message))
				return
			}
		}
		if err := scanner.Err(); err != nil {
			fail(fmt.Errorf("failed to read stream: %w", err))
			return
		}
		fail(fmt.Errorf("anthropic stream ended before message_stop: %w", io.ErrUnexpectedEOF))
	}
}

// AnthropicSummarizer asks Claude for a one-line title of the conversation.
type AnthropicSummarizer struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	inst       instruments
}

func NewAnthropicSummarizer(baseURL, apiKey, model string, httpClient *http.Client) *AnthropicSummarizer {
	return &AnthropicSummarizer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: httpClient,
		inst:       newInstruments(),
	}
}

func (s *AnthropicSummarizer) Summarize(ctx context.Context, history []session.ChatMessage) (string, error) {
	ctx, span, end := s.inst.start(ctx, "anthropic_summarize", attribute.String("llm.model", s.model))
	defer end()

	body, err := callAnthropic(ctx, s.httpClient, s.baseURL, s.apiKey, AnthropicRequest{
		Model:     s.model,
		MaxTokens: anthropicMaxTokens,
		System:    summaryInstruction,
		Messages:  []AnthropicMessage{{Role: promptRoleUser, Content: Transcript(history)}},
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	defer body.Close()

	var apiResp AnthropicResponse
	if err := json.NewDecoder(body).Decode(&apiResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	for _, content := range apiResp.Content {
		if content.Type == "text" {
			if summary := strings.TrimSpace(content.Text); summary != "" {
				return summary, nil
			}
		}
	}
	return "", fmt.Errorf("empty summary from Anthropic")
}

// callAnthropic posts to /v1/messages and returns the response body on HTTP 200
func callAnthropic(ctx context.Context, client *http.Client, baseURL, apiKey string, reqBody AnthropicRequest) (io.ReadCloser, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("content-type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error: %s - %s", resp.Status, string(body))
	}
	return resp.Body, nil
}

// toAnthropicMessages moves the system prompt out of the message list
func toAnthropicMessages(prompt []PromptMessage) (string, []AnthropicMessage) {
	var system string
	messages := make([]AnthropicMessage, 0, len(prompt))
	for _, p := range prompt {
		if p.Role == promptRoleSystem {
			system = p.Content
			continue
		}
		messages = append(messages, AnthropicMessage{Role: p.Role, Content: p.Content})
	}
	return system, messages
}
