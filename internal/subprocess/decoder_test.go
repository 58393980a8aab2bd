// ABOUTME: Tests for stream-json decoding of subprocess output lines.
// ABOUTME: Covers event dispatch, malformed-line skipping, and turn encoding.

package subprocess

import (
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectEvents(t *testing.T, input string) []Event {
	t.Helper()
	var events []Event
	decodeStream(strings.NewReader(input), slog.Default(), func(ev Event) {
		events = append(events, ev)
	})
	return events
}

func TestDecodeInitCapturesSession(t *testing.T) {
	events := collectEvents(t, `{"type":"init","session_id":"sess-abc"}`+"\n")

	require.Len(t, events, 1)
	assert.Equal(t, EventSessionStarted, events[0].Type)
	assert.Equal(t, "sess-abc", events[0].SessionID)
}

func TestDecodeAssistantEmitsOneEventPerPart(t *testing.T) {
	line := `{"type":"assistant","message":{"role":"assistant","content":[` +
		`{"type":"text","text":"first"},` +
		`{"type":"tool_use","name":"Bash","input":{"command":"ls"}},` +
		`{"type":"text","text":"second"}]}}`
	events := collectEvents(t, line+"\n")

	require.Len(t, events, 3)
	assert.Equal(t, EventText, events[0].Type)
	assert.Equal(t, "first", events[0].Text)
	assert.Equal(t, EventToolUse, events[1].Type)
	assert.Equal(t, "Bash", events[1].ToolName)
	assert.JSONEq(t, `{"command":"ls"}`, string(events[1].ToolInput))
	assert.Equal(t, EventText, events[2].Type)
	assert.Equal(t, "second", events[2].Text)
}

func TestDecodeResultCompletesTurn(t *testing.T) {
	events := collectEvents(t, `{"type":"result","session_id":"sess-2","result":"done","is_error":false}`+"\n")

	require.Len(t, events, 1)
	assert.Equal(t, EventTurnComplete, events[0].Type)
	assert.Equal(t, "sess-2", events[0].SessionID)
	assert.Equal(t, "done", events[0].Text)
	assert.False(t, events[0].IsError)
}

func TestDecodeSkipsMalformedLines(t *testing.T) {
	input := `{"type":"init","session_id":"s1"}` + "\n" +
		"this is not json\n" +
		"\n" +
		`{"type":"result","session_id":"s1"}` + "\n"
	events := collectEvents(t, input)

	require.Len(t, events, 2)
	assert.Equal(t, EventSessionStarted, events[0].Type)
	assert.Equal(t, EventTurnComplete, events[1].Type)
}

func TestDecodeIgnoresUnknownTypes(t *testing.T) {
	input := `{"type":"system","subtype":"thinking"}` + "\n" +
		`{"type":"result"}` + "\n"
	events := collectEvents(t, input)

	require.Len(t, events, 1)
	assert.Equal(t, EventTurnComplete, events[0].Type)
}

func TestEncodeUserTurn(t *testing.T) {
	data, err := encodeUserTurn("fix the login bug")
	require.NoError(t, err)

	var decoded struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "user", decoded.Type)
	assert.Equal(t, "user", decoded.Message.Role)
	require.Len(t, decoded.Message.Content, 1)
	assert.Equal(t, "text", decoded.Message.Content[0].Type)
	assert.Equal(t, "fix the login bug", decoded.Message.Content[0].Text)
}
