// Package app wires the relay together from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"ExpertChat/internal/backend"
	"ExpertChat/internal/cache"
	"ExpertChat/internal/config"
	"ExpertChat/internal/conversation"
	"ExpertChat/internal/expert"
	"ExpertChat/internal/fanout"
	"ExpertChat/internal/store"
	"ExpertChat/internal/telemetry"
	"ExpertChat/internal/transport"
)

const Version = "1.0.0"

const (
	shutdownTimeout = 5 * time.Second
	summaryCacheTTL = time.Hour
)

// App is the running relay: logger, telemetry, record store and HTTP server.
type App struct {
	config   config.Config
	logger   *slog.Logger
	store    *store.SQLite
	registry *expert.Registry
	server   *http.Server
	relay    *transport.Server

	logFile           io.Closer
	shutdownTelemetry func()
}

// New builds the relay from cfg. Resources acquired before a failure are released.
func New(cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, logFile, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a := &App{config: cfg, logger: logger, logFile: logFile}

	if err := a.init(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init() error {
	cfg := a.config

	tracer, meter, shutdown, err := telemetry.InitTelemetry(context.Background(), cfg.LogDir, Version)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.shutdownTelemetry = shutdown

	a.registry, err = loadRegistry(cfg)
	if err != nil {
		return err
	}

	a.store, err = store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	streamer, summarizer, err := newProviders(cfg, a.logger)
	if err != nil {
		return err
	}

	orchestrator, err := fanout.New(a.logger, a.registry, streamer, tracer, meter, cfg.FragmentBuffer, cfg.StreamTimeout)
	if err != nil {
		return fmt.Errorf("failed to initialize fan-out: %w", err)
	}
	manager := conversation.NewManager(a.store, orchestrator, summarizer, tracer, a.logger)

	a.relay = transport.NewServer(manager, a.store, a.registry, a.logger)
	a.server = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           a.relay.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// hijacked websocket connections are not tracked by http.Server.Shutdown
	a.server.RegisterOnShutdown(a.relay.Shutdown)

	if cfg.Debug {
		a.logger.Info("debug mode enabled")
	}
	a.logger.Info("relay initialized",
		"provider", cfg.Provider,
		"experts", a.registry.Len(),
		"db", cfg.DBPath)
	return nil
}

func loadRegistry(cfg config.Config) (*expert.Registry, error) {
	if cfg.ExpertsFile != "" {
		return expert.LoadFile(cfg.ExpertsFile)
	}
	return expert.Default()
}

// newProviders picks the expert streamer and the conversation summarizer for cfg.Provider.
func newProviders(cfg config.Config, logger *slog.Logger) (backend.Streamer, backend.Summarizer, error) {
	// streams are bounded by the per-stream timeout, not the client
	httpClient := &http.Client{}

	switch cfg.Provider {
	case config.ProviderEcho:
		return backend.EchoStreamer{Delay: cfg.EchoDelay}, backend.TruncatingSummarizer{MaxRunes: cfg.SummaryRunes}, nil
	case config.ProviderOllama:
		streamer := backend.NewOllamaStreamer(cfg.OllamaURL, cfg.OllamaModel, httpClient, logger)
		summarizer := backend.NewOllamaSummarizer(cfg.OllamaURL, cfg.SummarizerModel(), httpClient)
		return streamer, backend.NewCachedSummarizer(summarizer, cache.New(summaryCacheTTL), logger), nil
	case config.ProviderOpenAI, config.ProviderGrok:
		client := backend.NewOpenAIClient(cfg.APIKey(), cfg.BaseURL())
		streamer := backend.NewOpenAIStreamer(client, cfg.Model, logger)
		summarizer := backend.NewOpenAISummarizer(client, cfg.SummarizerModel())
		return streamer, backend.NewCachedSummarizer(summarizer, cache.New(summaryCacheTTL), logger), nil
	case config.ProviderAnthropic:
		streamer := backend.NewAnthropicStreamer(cfg.AnthropicURL, cfg.AnthropicAPIKey, cfg.AnthropicModel, httpClient, logger)
		summarizer := backend.NewAnthropicSummarizer(cfg.AnthropicURL, cfg.AnthropicAPIKey, cfg.SummarizerModel(), httpClient)
		return streamer, backend.NewCachedSummarizer(summarizer, cache.New(summaryCacheTTL), logger), nil
	default:
		return nil, nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
}

// Run listens on the configured address and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.server.Addr, err)
	}
	return a.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is done, then shuts down
// gracefully: running turns are cancelled and their complete replies committed
// before Serve returns, so Close never pulls the store out from under a session.
func (a *App) Serve(ctx context.Context, listener net.Listener) error {
	errChan := make(chan error, 1)
	go func() {
		a.logger.Info("starting relay", "address", listener.Addr().String(), "at", time.Now().UTC())
		if err := a.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down gracefully")
	case err := <-errChan:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	if err := a.relay.Drain(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	a.logger.Info("relay stopped cleanly")
	return nil
}

// Close releases the store, telemetry and log file.
func (a *App) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("failed to close database", "error", err)
		}
	}
	if a.shutdownTelemetry != nil {
		a.shutdownTelemetry()
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}
