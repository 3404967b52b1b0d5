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

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// OllamaRequest represents the request body for Ollama API
type OllamaRequest struct {
	Model    string              `json:"model"`
	Messages []map[string]string `json:"messages"`
	Stream   bool                `json:"stream"`
}

// OllamaResponse represents one response object; streamed responses send one per line
type OllamaResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Message   struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// OllamaStreamer streams /api/chat. Ollama has no reply id, so each open gets a fresh group id.
type OllamaStreamer struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
	inst       instruments
}

func NewOllamaStreamer(baseURL, model string, httpClient *http.Client, logger *slog.Logger) *OllamaStreamer {
	return &OllamaStreamer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: httpClient,
		logger:     logger,
		inst:       newInstruments(),
	}
}

func (s *OllamaStreamer) Open(ctx context.Context, e expert.Expert, message string, history []session.ChatMessage) iter.Seq2[Fragment, error] {
	return func(yield func(Fragment, error) bool) {
		ctx, span, end := s.inst.start(ctx, "ollama_stream",
			attribute.String("expert.id", string(e.ID)),
			attribute.String("llm.model", s.model))
		defer end()

		fail := func(err error) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "stream failed")
			s.logger.Warn("ollama stream failed", "expert", e.ID, "error", err)
			yield(Fragment{}, err)
		}

		body, err := callOllama(ctx, s.httpClient, s.baseURL, OllamaRequest{
			Model:    s.model,
			Messages: toOllamaMessages(BuildPrompt(e, message, history)),
			Stream:   true,
		})
		if err != nil {
			fail(err)
			return
		}
		defer body.Close()

		groupID := "ollama-" + uuid.NewString()
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var resp OllamaResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				fail(fmt.Errorf("failed to unmarshal response: %w", err))
				return
			}
			if resp.Error != "" {
				fail(fmt.Errorf("ollama error: %s", resp.Error))
				return
			}
			if !yield(Fragment{GroupID: groupID, Delta: resp.Message.Content, Final: resp.Done}, nil) {
				return
			}
			if resp.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			fail(fmt.Errorf("failed to read stream: %w", err))
			return
		}
		fail(fmt.Errorf("ollama stream ended before done: %w", io.ErrUnexpectedEOF))
	}
}

// OllamaSummarizer asks a local model for a one-line title of the conversation.
type OllamaSummarizer struct {
	baseURL    string
	model      string
	httpClient *http.Client
	inst       instruments
}

func NewOllamaSummarizer(baseURL, model string, httpClient *http.Client) *OllamaSummarizer {
	return &OllamaSummarizer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: httpClient,
		inst:       newInstruments(),
	}
}

func (s *OllamaSummarizer) Summarize(ctx context.Context, history []session.ChatMessage) (string, error) {
	ctx, span, end := s.inst.start(ctx, "ollama_summarize", attribute.String("llm.model", s.model))
	defer end()

	body, err := callOllama(ctx, s.httpClient, s.baseURL, OllamaRequest{
		Model: s.model,
		Messages: []map[string]string{
			{"role": promptRoleSystem, "content": summaryInstruction},
			{"role": promptRoleUser, "content": Transcript(history)},
		},
		Stream: false,
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	defer body.Close()

	var apiResp OllamaResponse
	if err := json.NewDecoder(body).Decode(&apiResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if apiResp.Error != "" {
		return "", fmt.Errorf("ollama error: %s", apiResp.Error)
	}
	summary := strings.TrimSpace(apiResp.Message.Content)
	if summary == "" {
		return "", fmt.Errorf("empty summary from Ollama")
	}
	return summary, nil
}

// callOllama posts a chat request and returns the response body on HTTP 200
func callOllama(ctx context.Context, client *http.Client, baseURL string, reqBody OllamaRequest) (io.ReadCloser, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/chat", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request (is Ollama running?): %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error: %s - %s", resp.Status, string(body))
	}
	return resp.Body, nil
}

func toOllamaMessages(prompt []PromptMessage) []map[string]string {
	out := make([]map[string]string, len(prompt))
	for i, p := range prompt {
		out[i] = map[string]string{
			"role":    p.Role,
			"content": p.Content,
		}
	}
	return out
}
