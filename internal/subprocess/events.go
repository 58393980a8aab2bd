// ABOUTME: Typed events decoded from the coding-agent CLI's stdout stream.
// ABOUTME: One Event per text part, tool invocation, session init, or result.

package subprocess

import "encoding/json"

// EventType indicates the type of a decoded subprocess event.
type EventType int

const (
	// EventSessionStarted carries the session token from an init object.
	EventSessionStarted EventType = iota

	// EventText is one complete assistant text part. Token-level fragments
	// are never surfaced; the transcript stays human-readable.
	EventText

	// EventToolUse is one tool invocation announced by the assistant. These
	// are informational only; permission requests arrive on the separate
	// synchronous tool-call channel.
	EventToolUse

	// EventTurnComplete is the result object closing a turn. After it, the
	// adapter accepts the next queued user turn.
	EventTurnComplete
)

// Event is a single decoded item from the subprocess stdout stream.
type Event struct {
	Type EventType

	// Text holds the assistant text for EventText, or the result summary for
	// EventTurnComplete.
	Text string

	// ToolName and ToolInput are set for EventToolUse.
	ToolName  string
	ToolInput json.RawMessage

	// SessionID is set for EventSessionStarted and EventTurnComplete.
	SessionID string

	// IsError marks a turn that the CLI itself reported as failed.
	IsError bool
}

// streamLine is the wire shape of one stdout line. Fields are a superset;
// the Type discriminator decides which ones matter.
type streamLine struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Message   *streamMessage `json:"message"`
	Result    string         `json:"result"`
	IsError   bool           `json:"is_error"`
}

type streamMessage struct {
	Role    string          `json:"role"`
	Content []streamContent `json:"content"`
}

type streamContent struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// userTurn is the wire shape of one user message written to stdin.
type userTurn struct {
	Type    string      `json:"type"`
	Message turnMessage `json:"message"`
}

type turnMessage struct {
	Role    string        `json:"role"`
	Content []turnContent `json:"content"`
}

type turnContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func encodeUserTurn(text string) ([]byte, error) {
	turn := userTurn{
		Type: "user",
		Message: turnMessage{
			Role:    "user",
			Content: []turnContent{{Type: "text", Text: text}},
		},
	}
	return json.Marshal(turn)
}
