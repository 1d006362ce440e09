package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miniclaw/miniclaw/pkg/storage"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(t.TempDir(), storage.NewLockRegistry())
}

func TestLoadUnknownActiveReturnsDefault(t *testing.T) {
	m := newManager(t)
	s, err := m.Load("nope", false)
	require.NoError(t, err)
	assert.Equal(t, DefaultTitle, s.Title)
	assert.Empty(t, s.Messages)
	assert.False(t, m.Exists("nope"), "load must not create the file")

	_, err = m.Load("nope", true)
	assert.Error(t, err, "unknown archived session is an error")
}

func TestArchiveRestoreRoundTrip(t *testing.T) {
	m := newManager(t)
	s, _ := m.Load("s1", false)
	s.Messages = append(s.Messages, Message{Role: "user", Content: "hi"})
	require.NoError(t, m.Save("s1", s))

	require.True(t, m.Archive("s1"))
	assert.False(t, m.Exists("s1"))
	assert.Len(t, m.List("archived"), 1)

	require.True(t, m.Restore("s1"))
	assert.True(t, m.Exists("s1"))
	assert.Empty(t, m.List("archived"))

	restored, err := m.Load("s1", false)
	require.NoError(t, err)
	assert.Len(t, restored.Messages, 1)
	assert.Zero(t, restored.ArchivedAt)
}

func TestWithLiveResponseMergesAssistantRuns(t *testing.T) {
	m := newManager(t)
	messages := []Message{
		{Role: "user", Content: "question"},
		{Role: "assistant", Content: "part one", ToolCalls: []map[string]interface{}{{"name": "read_file"}}},
		{Role: "assistant", Content: "part two"},
	}
	s := &Session{LiveResponse: &LiveResponse{RunID: "r1", Content: "typing..."}}

	rows := m.WithLiveResponse(messages, s)
	require.Len(t, rows, 3)
	assert.Equal(t, "part one\n\npart two", rows[1]["content"])
	assert.Len(t, rows[1]["tool_calls"], 1)
	assert.Equal(t, true, rows[2]["streaming"])
	assert.Equal(t, "r1", rows[2]["run_id"])
}

func TestCompressArchivesPrefixAndKeepsTail(t *testing.T) {
	m := newManager(t)
	s, _ := m.Load("s1", false)
	for i := 0; i < 6; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		s.Messages = append(s.Messages, Message{Role: role, Content: "m"})
	}
	require.NoError(t, m.Save("s1", s))

	archived, remaining, err := m.Compress("s1", 4, "they talked about go modules")
	require.NoError(t, err)
	assert.Equal(t, 4, archived)
	assert.Equal(t, 2, remaining)

	after, err := m.Load("s1", false)
	require.NoError(t, err)
	assert.Contains(t, after.CompressedContext, SummaryPrefix)
	assert.Len(t, after.Messages, 2)

	// Second compression appends with the separator.
	_, _, err = m.Compress("s1", 2, "second summary")
	require.NoError(t, err)
	after, _ = m.Load("s1", false)
	assert.Contains(t, after.CompressedContext, "\n---\n")
}

func TestLiveResponseSetAndClear(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Save("s1", defaultSession()))
	require.NoError(t, m.SetLiveResponse("s1", &LiveResponse{RunID: "r", Content: "partial"}))

	s, _ := m.Load("s1", false)
	require.NotNil(t, s.LiveResponse)

	require.NoError(t, m.ClearLiveResponse("s1"))
	s, _ = m.Load("s1", false)
	assert.Nil(t, s.LiveResponse)
}

func TestConcurrentWritersKeepAppendedTurns(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Save("s1", defaultSession()))

	const turns = 100
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < turns; i++ {
			_ = m.AppendMessages("s1", Message{Role: "user", Content: "x"})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < turns; i++ {
			_, _ = m.Rename("s1", "Busy Session")
			_ = m.SetLiveResponse("s1", &LiveResponse{RunID: "r", Content: "partial"})
			_ = m.ClearLiveResponse("s1")
		}
	}()
	wg.Wait()

	s, err := m.Load("s1", false)
	require.NoError(t, err)
	assert.Len(t, s.Messages, turns, "no appended turn may be lost to a racing writer")
	assert.Equal(t, "Busy Session", s.Title)
}
