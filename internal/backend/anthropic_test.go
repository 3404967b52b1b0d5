package backend

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"ExpertChat/internal/expert"
	"ExpertChat/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseEvent(name, data string) string {
	return "event: " + name + "\ndata: " + data + "\n\n"
}

func newAnthropicServer(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestAnthropicStreamerUsesMessageIDAsGroup(t *testing.T) {
	t.Parallel()

	url := newAnthropicServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var req AnthropicRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		assert.Equal(t, "You are Marcus.", req.System)
		if assert.Len(t, req.Messages, 1) {
			assert.Equal(t, "user", req.Messages[0].Role)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseEvent("message_start", `{"type":"message_start","message":{"id":"msg_01"}}`))
		_, _ = io.WriteString(w, sseEvent("ping", `{"type":"ping"}`))
		_, _ = io.WriteString(w, sseEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Endure"}}`))
		_, _ = io.WriteString(w, sseEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" and renounce."}}`))
		_, _ = io.WriteString(w, sseEvent("message_stop", `{"type":"message_stop"}`))
	})

	streamer := NewAnthropicStreamer(url, "sk-ant-test", "claude-test", http.DefaultClient, slog.Default())
	fragments, err := collect(t, streamer.Open(context.Background(),
		expert.Expert{ID: "5", Name: "Marcus", Prompt: "You are Marcus."}, "what now?", nil))
	require.NoError(t, err)
	require.Len(t, fragments, 3)
	for _, f := range fragments {
		assert.Equal(t, "msg_01", f.GroupID)
	}
	assert.Equal(t, "Endure and renounce.", fragments[0].Delta+fragments[1].Delta)
	assert.True(t, fragments[2].Final)
}

func TestAnthropicStreamerErrorEvent(t *testing.T) {
	t.Parallel()

	url := newAnthropicServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, sseEvent("message_start", `{"type":"message_start","message":{"id":"msg_02"}}`))
		_, _ = io.WriteString(w, sseEvent("error", `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	})

	streamer := NewAnthropicStreamer(url, "k", "m", http.DefaultClient, slog.Default())
	fragments, err := collect(t, streamer.Open(context.Background(), expert.Expert{ID: "1"}, "x", nil))
	require.ErrorContains(t, err, "overloaded_error")
	assert.Empty(t, fragments)
}

func TestAnthropicSummarizer(t *testing.T) {
	t.Parallel()

	url := newAnthropicServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req AnthropicRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, summaryInstruction, req.System)
		_, _ = io.WriteString(w, `{"id":"msg_03","type":"message","role":"assistant","content":[{"type":"text","text":" Stoic advice "}]}`)
	})

	summarizer := NewAnthropicSummarizer(url, "k", "m", http.DefaultClient)
	summary, err := summarizer.Summarize(context.Background(), []session.ChatMessage{
		{Role: session.RoleHuman, Message: "how to stay calm"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Stoic advice", summary)
}

func TestAnthropicStreamerTruncatedStream(t *testing.T) {
	t.Parallel()

	url := newAnthropicServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, sseEvent("message_start", `{"type":"message_start","message":{"id":"msg_04"}}`))
		_, _ = io.WriteString(w, sseEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Endure"}}`))
	})

	streamer := NewAnthropicStreamer(url, "k", "m", http.DefaultClient, slog.Default())
	fragments, err := collect(t, streamer.Open(context.Background(), expert.Expert{ID: "5"}, "x", nil))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Len(t, fragments, 1)
	assert.Equal(t, "msg_04", fragments[0].GroupID)
}
