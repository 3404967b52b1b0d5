package backend

import (
	"context"
	"log/slog"
	"strings"

	"ExpertChat/internal/cache"
	"ExpertChat/internal/session"
)

// TruncatingSummarizer uses the opening of the first human message as the summary.
type TruncatingSummarizer struct {
	MaxRunes int
}

func (s TruncatingSummarizer) Summarize(_ context.Context, history []session.ChatMessage) (string, error) {
	for _, msg := range history {
		if msg.Role != session.RoleHuman {
			continue
		}
		text := strings.Join(strings.Fields(msg.Message), " ")
		runes := []rune(text)
		if s.MaxRunes > 0 && len(runes) > s.MaxRunes {
			return string(runes[:s.MaxRunes]) + "…", nil
		}
		return text, nil
	}
	return "", nil
}

// CachedSummarizer memoizes summaries by history content.
type CachedSummarizer struct {
	next   Summarizer
	cache  *cache.Cache
	logger *slog.Logger
}

func NewCachedSummarizer(next Summarizer, c *cache.Cache, logger *slog.Logger) *CachedSummarizer {
	return &CachedSummarizer{next: next, cache: c, logger: logger}
}

func (s *CachedSummarizer) Summarize(ctx context.Context, history []session.ChatMessage) (string, error) {
	cacheKey := cache.GenerateCacheKey(history)
	if cached, ok := s.cache.Load(cacheKey); ok {
		s.logger.Debug("summary cache hit", "key", cacheKey[:16])
		return cached, nil
	}
	summary, err := s.next.Summarize(ctx, history)
	if err != nil {
		return "", err
	}
	s.cache.Store(cacheKey, summary)
	return summary, nil
}
