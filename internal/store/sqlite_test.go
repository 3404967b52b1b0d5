package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"ExpertChat/internal/expert"
	"ExpertChat/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConversationRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	conv := session.Conversation{
		ConversationID: "c1",
		Summary:        "saving money",
		Experts:        expert.Selection{"3", "1"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, s.CreateConversation(ctx, conv))

	got, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, conv.ConversationID, got.ConversationID)
	assert.Equal(t, conv.Summary, got.Summary)
	assert.Equal(t, expert.Selection{"3", "1"}, got.Experts)
	assert.True(t, now.Equal(got.CreatedAt))

	assert.Error(t, s.CreateConversation(ctx, conv), "conversation ids are unique")
}

func TestGetConversationNotFound(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_, err := s.GetConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListConversationsNewestFirst(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		at := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, s.CreateConversation(ctx, session.Conversation{
			ConversationID: id, Summary: id, Experts: expert.Selection{"1"}, CreatedAt: at, UpdatedAt: at,
		}))
	}

	convs, err := s.ListConversations(ctx)
	require.NoError(t, err)
	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.ConversationID
	}
	assert.Equal(t, []string{"new", "mid", "old"}, ids)
}

func TestSaveMessagesKeepsOrder(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	human := session.NewMessage(session.RoleHuman, "hi", "c1", now)
	require.NoError(t, s.SaveMessage(ctx, human))

	later := now.Add(time.Second)
	bots := []session.ChatMessage{
		session.NewMessage(session.RoleBot, "first", "c1", later),
		session.NewMessage(session.RoleBot, "second", "c1", later),
		session.NewMessage(session.RoleBot, "third", "c1", later),
	}
	require.NoError(t, s.SaveMessages(ctx, bots))
	require.NoError(t, s.SaveMessage(ctx, session.NewMessage(session.RoleHuman, "other", "c2", now)))

	msgs, err := s.ListMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	texts := []string{msgs[0].Message, msgs[1].Message, msgs[2].Message, msgs[3].Message}
	assert.Equal(t, []string{"hi", "first", "second", "third"}, texts)
	assert.Equal(t, session.RoleHuman, msgs[0].Role)
	assert.Equal(t, session.RoleBot, msgs[1].Role)
	assert.Equal(t, human.ID, msgs[0].ID)
}

func TestSaveMessagesIsAtomic(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	dup := session.NewMessage(session.RoleBot, "a", "c1", now)
	err := s.SaveMessages(ctx, []session.ChatMessage{
		session.NewMessage(session.RoleBot, "ok", "c1", now),
		dup,
		dup,
	})
	require.Error(t, err)

	msgs, err := s.ListMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestListMessagesEmpty(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	msgs, err := s.ListMessages(context.Background(), "nothing")
	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
}
