package cache

import (
	"testing"
	"time"

	"ExpertChat/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCacheKeyDependsOnRoleAndText(t *testing.T) {
	t.Parallel()

	now := time.Now()
	a := []session.ChatMessage{session.NewMessage(session.RoleHuman, "hello", "c1", now)}
	b := []session.ChatMessage{session.NewMessage(session.RoleBot, "hello", "c1", now)}
	c := []session.ChatMessage{session.NewMessage(session.RoleHuman, "hello", "c2", now.Add(time.Hour))}

	assert.NotEqual(t, GenerateCacheKey(a), GenerateCacheKey(b))
	// ids, timestamps and conversation do not take part in the key
	assert.Equal(t, GenerateCacheKey(a), GenerateCacheKey(c))
	assert.Len(t, GenerateCacheKey(nil), 64)
}

func TestGenerateCacheKeyIsNotAmbiguous(t *testing.T) {
	t.Parallel()

	now := time.Now()
	a := []session.ChatMessage{
		session.NewMessage(session.RoleHuman, "ab", "c", now),
		session.NewMessage(session.RoleHuman, "c", "c", now),
	}
	b := []session.ChatMessage{
		session.NewMessage(session.RoleHuman, "a", "c", now),
		session.NewMessage(session.RoleHuman, "bc", "c", now),
	}
	assert.NotEqual(t, GenerateCacheKey(a), GenerateCacheKey(b))
}

func TestCacheExpires(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := New(time.Minute)
	c.now = func() time.Time { return now }

	c.Store("k", "summary")
	got, ok := c.Load("k")
	require.True(t, ok)
	assert.Equal(t, "summary", got)

	now = now.Add(2 * time.Minute)
	_, ok = c.Load("k")
	assert.False(t, ok)
}

func TestCacheWithoutTTLKeepsEntries(t *testing.T) {
	t.Parallel()

	c := New(0)
	c.Store("k", "v")
	got, ok := c.Load("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)

	_, ok = c.Load("missing")
	assert.False(t, ok)
}
