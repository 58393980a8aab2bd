// ABOUTME: Line-delimited JSON decoder for the coding-agent stdout protocol.
// ABOUTME: Malformed lines are logged and skipped; they never abort the stream.

package subprocess

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
)

// maxLineBytes bounds a single stdout line. Assistant turns with large tool
// results can run to megabytes.
const maxLineBytes = 16 * 1024 * 1024

// decodeStream reads newline-delimited JSON objects from r and calls emit for
// each event they produce. It returns when r reaches EOF or fails. A final
// partial line without a trailing newline is still decoded.
func decodeStream(r io.Reader, logger *slog.Logger, emit func(Event)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		decodeLine(line, logger, emit)
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("subprocess stdout read failed", "error", err)
	}
}

// decodeLine parses one JSON object and dispatches on its type discriminator.
func decodeLine(line string, logger *slog.Logger, emit func(Event)) {
	var obj streamLine
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		logger.Warn("skipping malformed subprocess line", "error", err, "line", truncate(line, 120))
		return
	}

	switch obj.Type {
	case "init":
		emit(Event{Type: EventSessionStarted, SessionID: obj.SessionID})

	case "assistant":
		if obj.Message == nil {
			return
		}
		for _, part := range obj.Message.Content {
			switch part.Type {
			case "text":
				if part.Text != "" {
					emit(Event{Type: EventText, Text: part.Text})
				}
			case "tool_use":
				emit(Event{Type: EventToolUse, ToolName: part.Name, ToolInput: part.Input})
			}
		}

	case "result":
		emit(Event{
			Type:      EventTurnComplete,
			SessionID: obj.SessionID,
			Text:      obj.Result,
			IsError:   obj.IsError,
		})

	default:
		logger.Debug("ignoring subprocess line", "type", obj.Type)
	}
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
