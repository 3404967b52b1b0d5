package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

const (
	ProviderEcho      = "echo"
	ProviderOllama    = "ollama"
	ProviderGrok      = "grok"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

const grokBaseURL = "https://api.x.ai/v1"

// Config holds application configuration
type Config struct {
	Host string `env:"EXPERTCHAT_HOST,default=localhost"`
	Port int    `env:"EXPERTCHAT_PORT,default=8000"`

	Provider      string `env:"EXPERTCHAT_PROVIDER,default=echo"` // echo|ollama|grok|openai|anthropic
	Model         string `env:"EXPERTCHAT_MODEL,default=gpt-4o-mini"`
	SummaryModel  string `env:"EXPERTCHAT_SUMMARY_MODEL"` // falls back to Model
	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`
	GrokAPIKey    string `env:"GROK_API_KEY"`
	OllamaURL     string `env:"OLLAMA_URL,default=http://localhost:11434"`
	OllamaModel   string `env:"OLLAMA_MODEL,default=llama3:latest"` // format "model:version"

	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	AnthropicURL    string `env:"ANTHROPIC_URL,default=https://api.anthropic.com"`
	AnthropicModel  string `env:"ANTHROPIC_MODEL,default=claude-sonnet-4-20250514"`

	EchoDelay      time.Duration `env:"EXPERTCHAT_ECHO_DELAY,default=40ms"`
	StreamTimeout  time.Duration `env:"EXPERTCHAT_STREAM_TIMEOUT,default=2m"`
	FragmentBuffer int           `env:"EXPERTCHAT_FRAGMENT_BUFFER,default=64"`
	SummaryRunes   int           `env:"EXPERTCHAT_SUMMARY_RUNES,default=80"`

	DBPath      string `env:"EXPERTCHAT_DB,default=expertchat.db"`
	LogDir      string `env:"EXPERTCHAT_LOG_DIR,default=logs"`
	ExpertsFile string `env:"EXPERTCHAT_EXPERTS_FILE"` // replaces the embedded catalog when set
	Debug       bool   `env:"EXPERTCHAT_DEBUG,default=false"`
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to read environment: %w", err)
	}
	return cfg, nil
}

// Addr is the listen address of the relay.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// APIKey returns the credential for OpenAI-compatible providers.
func (c Config) APIKey() string {
	if c.Provider == ProviderGrok {
		return c.GrokAPIKey
	}
	return c.OpenAIAPIKey
}

// BaseURL returns the endpoint for OpenAI-compatible providers, empty for the SDK default.
func (c Config) BaseURL() string {
	if c.Provider == ProviderGrok && c.OpenAIBaseURL == "" {
		return grokBaseURL
	}
	return c.OpenAIBaseURL
}

func (c Config) SummarizerModel() string {
	if c.SummaryModel != "" {
		return c.SummaryModel
	}
	switch c.Provider {
	case ProviderOllama:
		return c.OllamaModel
	case ProviderAnthropic:
		return c.AnthropicModel
	}
	return c.Model
}

// Validate checks the provider and its credentials.
func (c Config) Validate() error {
	switch c.Provider {
	case ProviderEcho, ProviderOllama:
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY not set")
		}
	case ProviderGrok:
		if c.GrokAPIKey == "" {
			return fmt.Errorf("GROK_API_KEY not set")
		}
	case ProviderAnthropic:
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
	default:
		return fmt.Errorf("unknown provider: %s", c.Provider)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.FragmentBuffer < 0 {
		return fmt.Errorf("fragment buffer must not be negative, got %d", c.FragmentBuffer)
	}
	return nil
}
