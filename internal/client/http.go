package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ExpertChat/internal/expert"
	"ExpertChat/internal/session"
)

// History reads the relay's query endpoints.
type History struct {
	baseURL    string
	httpClient *http.Client
}

func NewHistory(baseURL string) *History {
	return &History{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (h *History) Experts(ctx context.Context) ([]expert.Expert, error) {
	return get[[]expert.Expert](ctx, h, "/chat/experts")
}

// Conversations lists every conversation, newest first.
func (h *History) Conversations(ctx context.Context) ([]session.Conversation, error) {
	return get[[]session.Conversation](ctx, h, "/chat/history")
}

// Messages lists the messages of one conversation, oldest first.
func (h *History) Messages(ctx context.Context, conversationID string) ([]session.ChatMessage, error) {
	return get[[]session.ChatMessage](ctx, h, "/chat/history/"+url.PathEscape(conversationID))
}

func get[T any](ctx context.Context, h *History, path string) (T, error) {
	var body struct {
		Data T `json:"data"`
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+path, nil)
	if err != nil {
		return body.Data, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return body.Data, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return body.Data, fmt.Errorf("API error: %s - %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return body.Data, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return body.Data, nil
}
