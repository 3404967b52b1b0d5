package app

import (
	"context"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"ExpertChat/internal/backend"
	"ExpertChat/internal/client"
	"ExpertChat/internal/config"
	"ExpertChat/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	dir := t.TempDir()
	return config.Config{
		Host:           "127.0.0.1",
		Port:           8000,
		Provider:       config.ProviderEcho,
		Model:          "gpt-4o-mini",
		OllamaURL:      "http://localhost:11434",
		OllamaModel:    "llama3:latest",
		StreamTimeout:  5 * time.Second,
		FragmentBuffer: 16,
		SummaryRunes:   80,
		DBPath:         filepath.Join(dir, "expertchat.db"),
		LogDir:         filepath.Join(dir, "logs"),
	}
}

func TestNewProviders(t *testing.T) {
	cfg := testConfig(t)

	streamer, summarizer, err := newProviders(cfg, slog.Default())
	require.NoError(t, err)
	assert.IsType(t, backend.EchoStreamer{}, streamer)
	assert.IsType(t, backend.TruncatingSummarizer{}, summarizer)

	cfg.Provider = config.ProviderOllama
	streamer, summarizer, err = newProviders(cfg, slog.Default())
	require.NoError(t, err)
	assert.IsType(t, &backend.OllamaStreamer{}, streamer)
	assert.IsType(t, &backend.CachedSummarizer{}, summarizer)

	cfg.Provider = config.ProviderGrok
	cfg.GrokAPIKey = "xai-test"
	streamer, _, err = newProviders(cfg, slog.Default())
	require.NoError(t, err)
	assert.IsType(t, &backend.OpenAIStreamer{}, streamer)

	cfg.Provider = config.ProviderAnthropic
	cfg.AnthropicAPIKey = "sk-ant-test"
	streamer, summarizer, err = newProviders(cfg, slog.Default())
	require.NoError(t, err)
	assert.IsType(t, &backend.AnthropicStreamer{}, streamer)
	assert.IsType(t, &backend.CachedSummarizer{}, summarizer)

	cfg.Provider = "carrier-pigeon"
	_, _, err = newProviders(cfg, slog.Default())
	assert.Error(t, err)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Provider = config.ProviderOpenAI

	_, err := New(cfg)
	assert.ErrorContains(t, err, "OPENAI_API_KEY")
}

func TestServeEndToEnd(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	relay, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(relay.Close)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- relay.Serve(ctx, listener) }()

	addr := listener.Addr().String()
	c, err := client.Dial(context.Background(), "ws://"+addr+"/ws/chat", slog.Default())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Send(transport.InboundFrame{ConversationID: "e2e", Message: "ping", Experts: "5"}))
	var text string
	for {
		frame, err := c.Receive()
		require.NoError(t, err)
		require.NotNil(t, frame.Event)
		text += frame.Event.Message
		if frame.Event.IsStop {
			break
		}
	}
	assert.Equal(t, "Marcus: ping", text)

	history := client.NewHistory("http://" + addr)
	require.Eventually(t, func() bool {
		msgs, err := history.Messages(context.Background(), "e2e")
		return err == nil && len(msgs) == 2
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.Fail(t, "relay did not shut down")
	}
}

func TestServeCancelsRunningTurnBeforeReturning(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	cfg := testConfig(t)
	cfg.EchoDelay = 50 * time.Millisecond
	relay, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(relay.Close)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- relay.Serve(ctx, listener) }()

	c, err := client.Dial(context.Background(), "ws://"+listener.Addr().String()+"/ws/chat", slog.Default())
	require.NoError(t, err)
	defer c.Close()

	message := "one two three four five six seven eight nine ten eleven twelve"
	require.NoError(t, c.Send(transport.InboundFrame{ConversationID: "slow", Message: message, Experts: "5"}))
	frame, err := c.Receive()
	require.NoError(t, err)
	require.NotNil(t, frame.Event)
	require.False(t, frame.Event.IsStop)

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.Fail(t, "relay did not shut down")
	}

	// the half-streamed reply is dropped, the human message is committed
	msgs, err := relay.store.ListMessages(context.Background(), "slow")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, message, msgs[0].Message)
}
