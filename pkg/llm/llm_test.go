package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectTextPinsToFirstSource(t *testing.T) {
	fake := &FakeClient{Turns: [][]Event{{
		{Type: EventToken, Token: "hello ", Source: "messages"},
		{Type: EventToken, Token: "HELLO ", Source: "updates"},
		{Type: EventToken, Token: "world", Source: "messages"},
		{Type: EventDone},
	}}}

	text, err := fake.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

func TestFakeClientReplaysTurnsInOrder(t *testing.T) {
	fake := &FakeClient{Turns: [][]Event{
		{{Type: EventToolCalls, ToolCalls: []ToolCall{{Name: "read_file"}}}, {Type: EventDone}},
		{{Type: EventToken, Token: "done", Source: "messages"}, {Type: EventDone}},
	}}

	events, err := fake.Stream(context.Background(), Request{SystemPrompt: "sys"})
	require.NoError(t, err)
	first := <-events
	assert.Equal(t, EventToolCalls, first.Type)

	text, err := fake.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "done", text)

	// Exhausted scripts end immediately.
	text, err = fake.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Empty(t, text)
	assert.Len(t, fake.Requests, 3)
}
