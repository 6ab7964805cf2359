package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilotdeck/pilotdeck/internal/session"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)

	msgs := []session.ChatMessage{
		{Role: "user", Content: "hello", Timestamp: time.Now().Add(-time.Minute)},
		{Role: "assistant", Content: "hi back", Timestamp: time.Now()},
		{Role: "system", Content: "Interrupted by user.", Timestamp: time.Now()},
	}
	for _, msg := range msgs {
		require.NoError(t, s.Append("alpha", msg))
	}

	got, err := s.Load("alpha")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range msgs {
		assert.Equal(t, msgs[i].Role, got[i].Role)
		assert.Equal(t, msgs[i].Content, got[i].Content)
		assert.WithinDuration(t, msgs[i].Timestamp, got[i].Timestamp, time.Millisecond)
	}
}

func TestLoadUnknownSessionIsEmpty(t *testing.T) {
	s := openTestStore(t)
	got, err := s.Load("nobody")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAppendFillsZeroTimestamp(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Append("alpha", session.ChatMessage{Role: "user", Content: "x"}))

	got, err := s.Load("alpha")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Append("alpha", session.ChatMessage{Role: "user", Content: "a"}))
	require.NoError(t, s.Append("bravo", session.ChatMessage{Role: "user", Content: "b"}))

	require.NoError(t, s.Delete("alpha"))

	got, err := s.Load("alpha")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.Load("bravo")
	require.NoError(t, err)
	assert.Len(t, got, 1, "delete must not touch other sessions")
}

func TestSessions(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Append("bravo", session.ChatMessage{Role: "user", Content: "b"}))
	require.NoError(t, s.Append("alpha", session.ChatMessage{Role: "user", Content: "a"}))
	require.NoError(t, s.Append("alpha", session.ChatMessage{Role: "assistant", Content: "aa"}))

	names, err := s.Sessions()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "bravo"}, names)
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Append("alpha", session.ChatMessage{Role: "user", Content: "persisted"}))
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Load("alpha")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "persisted", got[0].Content)
}
