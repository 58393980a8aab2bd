// ABOUTME: Minimal fake agent for end-to-end testing — speaks the CLI's
// ABOUTME: stream-json protocol on stdin/stdout and echoes user turns back.

// Point agents.binary at this program to exercise the whole stack without a
// real coding agent: it emits an init line, echoes each user turn as an
// assistant message, and closes every turn with a result line.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

type line struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id,omitempty"`
	Message   *message `json:"message,omitempty"`
	Result    string   `json:"result,omitempty"`
	IsError   bool     `json:"is_error,omitempty"`
}

type message struct {
	Role    string    `json:"role"`
	Content []content `json:"content"`
}

type content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func main() {
	// Accept the flags warren passes a real agent; most are ignored.
	flag.String("input-format", "", "ignored")
	flag.String("output-format", "", "ignored")
	flag.Bool("verbose", false, "ignored")
	flag.String("permission-prompt-tool", "", "ignored")
	flag.String("mcp-config", "", "ignored")
	resume := flag.String("resume", "", "session id to resume")
	delay := flag.Duration("delay", 50*time.Millisecond, "pause before each reply")
	flag.Parse()

	if err := run(*resume, *delay); err != nil {
		log.Fatal(err)
	}
}

func run(resume string, delay time.Duration) error {
	out := json.NewEncoder(os.Stdout)

	session := resume
	if session == "" {
		session = uuid.NewString()
	}
	if err := out.Encode(line{Type: "init", SessionID: session}); err != nil {
		return err
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		var turn struct {
			Message struct {
				Content []content `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal([]byte(raw), &turn); err != nil {
			continue
		}
		var text string
		for _, part := range turn.Message.Content {
			if part.Type == "text" {
				text += part.Text
			}
		}

		time.Sleep(delay)
		reply := line{
			Type: "assistant",
			Message: &message{
				Role:    "assistant",
				Content: []content{{Type: "text", Text: "echo: " + text}},
			},
		}
		if err := out.Encode(reply); err != nil {
			return err
		}
		if err := out.Encode(line{Type: "result", SessionID: session, Result: "done"}); err != nil {
			return err
		}
	}
	return scanner.Err()
}
