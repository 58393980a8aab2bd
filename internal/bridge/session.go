// ABOUTME: Bridge session: one agent's room <-> subprocess wiring.
// ABOUTME: Reserved commands, permission replies, event pump, crash recovery.

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/warren/internal/outqueue"
	"github.com/2389/warren/internal/permission"
	"github.com/2389/warren/internal/recovery"
	"github.com/2389/warren/internal/registry"
	"github.com/2389/warren/internal/store"
	"github.com/2389/warren/internal/subprocess"
)

// crashWindow and maxCrashes bound the respawn loop: more than maxCrashes
// exits inside one crashWindow and the session gives up.
const (
	crashWindow = time.Minute
	maxCrashes  = 3
)

// helpText lists the reserved commands understood in an agent's room.
const helpText = "Reserved commands: `status` (agent state), `quit` (stop the agent), `help`.\n" +
	"Anything else goes straight to the agent. Pending permission requests are " +
	"answered with `yes`/`no`, optionally followed by the request id."

// Transport delivers messages to this agent's room.
type Transport interface {
	SendMarkdown(ctx context.Context, text string) error
	SetTyping(typing bool)
}

// Process is the slice of subprocess.Process a session drives. Satisfied by
// *subprocess.Process; faked in tests.
type Process interface {
	Send(text string)
	Events() <-chan subprocess.Event
	Terminate()
	IsAlive() bool
	SessionToken() string
	PID() int
	OnExit(fn func(subprocess.ExitStatus))
}

// SpawnFunc launches the agent subprocess. resumeToken is empty for a fresh
// session; initialTask is the first user turn, empty on respawn.
type SpawnFunc func(resumeToken, initialTask string) (Process, error)

// Config wires a Session to its collaborators.
type Config struct {
	AgentID      string
	Registry     *registry.Registry
	Permissions  *permission.Engine
	Transport    Transport
	Spawn        SpawnFunc
	QueueOptions outqueue.Options
	Logger       *slog.Logger
}

// Session supervises one agent.
type Session struct {
	agentID   string
	reg       *registry.Registry
	perms     *permission.Engine
	transport Transport
	spawn     SpawnFunc
	queue     *outqueue.Queue
	logger    *slog.Logger

	mu       sync.Mutex
	proc     Process
	stopping bool
	crashes  []time.Time

	stopped chan struct{}
}

// NewSession creates a session; Start launches the subprocess.
func NewSession(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		agentID:   cfg.AgentID,
		reg:       cfg.Registry,
		perms:     cfg.Permissions,
		transport: cfg.Transport,
		spawn:     cfg.Spawn,
		logger:    logger.With("component", "bridge", "agent_id", cfg.AgentID),
		stopped:   make(chan struct{}),
	}
	s.queue = outqueue.New(queueSender{s}, cfg.QueueOptions)
	return s
}

// Start spawns the subprocess and begins routing. initialTask is sent as the
// first turn when non-empty.
func (s *Session) Start(ctx context.Context, initialTask string) error {
	s.perms.RegisterNotifier(s.agentID, s.notifyPermission)

	if err := s.startProcess(ctx, initialTask); err != nil {
		s.perms.UnregisterNotifier(s.agentID)
		return err
	}
	return nil
}

// startProcess spawns with the stored resume token and wires the new process
// into the session.
func (s *Session) startProcess(ctx context.Context, initialTask string) error {
	resume := ""
	if rec, ok := s.reg.Get(s.agentID); ok {
		resume = rec.ResumeToken
	}

	proc, err := s.spawn(resume, initialTask)
	if err != nil {
		return fmt.Errorf("spawning agent %s: %w", s.agentID, err)
	}

	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()

	go s.pump(proc)
	proc.OnExit(s.handleExit)

	if _, err := s.reg.Update(ctx, s.agentID, func(rec *store.AgentRecord) {
		rec.Status = store.StatusRunning
		rec.PID = proc.PID()
	}); err != nil {
		return err
	}

	s.logger.Info("session started", "pid", proc.PID(), "resumed", resume != "")
	return nil
}

// HandleMessage routes one operator message from this agent's room.
func (s *Session) HandleMessage(ctx context.Context, body string) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return
	}

	switch strings.ToLower(trimmed) {
	case "help":
		s.send(ctx, helpText)
		return
	case "status":
		s.send(ctx, s.statusText())
		return
	case "quit", "exit":
		s.send(ctx, "Stopping agent.")
		s.Stop(ctx)
		return
	}

	if s.perms.Resolve(s.agentID, trimmed) {
		return
	}

	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()

	if proc == nil || !proc.IsAlive() {
		s.send(ctx, "The agent is not running.")
		return
	}

	s.transport.SetTyping(true)
	proc.Send(trimmed)
}

// Stop terminates the subprocess, flushes the queue, and marks the agent
// stopped. Idempotent.
func (s *Session) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		<-s.stopped
		return
	}
	s.stopping = true
	proc := s.proc
	s.mu.Unlock()

	s.perms.UnregisterNotifier(s.agentID)
	s.perms.CancelAgent(s.agentID)

	if proc != nil && proc.IsAlive() {
		// The record reads stopping while the subprocess winds down; the
		// exit handler persists the final stopped status.
		if _, err := s.reg.Update(ctx, s.agentID, func(rec *store.AgentRecord) {
			rec.Status = store.StatusStopping
		}); err != nil {
			s.logger.Error("failed to persist stopping status", "error", err)
		}
		proc.Terminate()
	} else {
		s.markStopped(ctx)
	}

	s.queue.Close()
	close(s.stopped)
	s.logger.Info("session stopped")
}

// pump forwards subprocess events until the event stream closes.
func (s *Session) pump(proc Process) {
	for ev := range proc.Events() {
		switch ev.Type {
		case subprocess.EventSessionStarted, subprocess.EventTurnComplete:
			if ev.SessionID != "" {
				s.recordResumeToken(ev.SessionID)
			}
			if ev.Type == subprocess.EventTurnComplete {
				s.transport.SetTyping(false)
				if ev.IsError && ev.Text != "" {
					s.queue.Enqueue("Error: " + ev.Text)
				}
			}
		case subprocess.EventText:
			s.queue.Enqueue(ev.Text)
		case subprocess.EventToolUse:
			s.queue.Enqueue(fmt.Sprintf("_running %s_", ev.ToolName))
		}
	}
}

func (s *Session) recordResumeToken(token string) {
	if _, err := s.reg.Update(context.Background(), s.agentID, func(rec *store.AgentRecord) {
		rec.ResumeToken = token
	}); err != nil {
		s.logger.Error("failed to persist resume token", "error", err)
	}
}

// handleExit runs whenever the subprocess dies, expected or not.
func (s *Session) handleExit(status subprocess.ExitStatus) {
	s.transport.SetTyping(false)
	s.perms.CancelAgent(s.agentID)

	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()

	ctx := context.Background()
	if stopping {
		s.markStopped(ctx)
		return
	}

	decision := recovery.Classify(status)
	s.logger.Info("subprocess exited",
		"code", status.Code, "killed", status.Killed,
		"recover", decision.Recover, "reason", decision.Reason)

	if decision.Recover && s.allowRespawn() {
		s.send(ctx, fmt.Sprintf("The agent %s. Restarting and resuming the session.", decision.Reason))
		if err := s.startProcess(ctx, ""); err != nil {
			s.logger.Error("respawn failed", "error", err)
			s.send(ctx, fmt.Sprintf("Restart failed: %v", err))
			s.markStopped(ctx)
		}
		return
	}

	if decision.Recover {
		s.send(ctx, fmt.Sprintf("The agent %s, but it has crashed %d times in the last minute. Giving up; say `quit` and start a fresh agent.",
			decision.Reason, maxCrashes))
	} else {
		s.send(ctx, fmt.Sprintf("The agent %s.", decision.Reason))
	}
	s.markStopped(ctx)
}

// allowRespawn records one crash and reports whether the loop guard allows
// another attempt.
func (s *Session) allowRespawn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-crashWindow)
	keep := s.crashes[:0]
	for _, t := range s.crashes {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	s.crashes = append(keep, now)
	return len(s.crashes) <= maxCrashes
}

func (s *Session) markStopped(ctx context.Context) {
	if _, err := s.reg.Update(ctx, s.agentID, func(rec *store.AgentRecord) {
		rec.Status = store.StatusStopped
		rec.PID = 0
	}); err != nil {
		s.logger.Error("failed to persist stopped status", "error", err)
	}
}

// notifyPermission surfaces a parked request in the agent's room. Sent
// directly, not through the queue, so a busy agent cannot delay its own
// approval prompts.
func (s *Session) notifyPermission(p permission.Pending) {
	input := string(p.Input)
	if len(input) > 200 {
		input = input[:200] + "…"
	}
	msg := fmt.Sprintf("**Permission request `%s`**: the agent wants to run `%s` with `%s`.\nReply `yes %s` or `no %s` (a bare yes/no answers the oldest request).",
		p.ID, p.ToolName, input, p.ID, p.ID)
	s.send(context.Background(), msg)
}

func (s *Session) statusText() string {
	rec, ok := s.reg.Get(s.agentID)
	if !ok {
		return "No record for this agent."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**%s** (%s)\n", rec.ID, rec.Kind)
	fmt.Fprintf(&b, "- status: %s\n", rec.Status)
	fmt.Fprintf(&b, "- working in: %s\n", rec.WorkDir)
	fmt.Fprintf(&b, "- created: %s\n", rec.CreatedAt.Format(time.RFC3339))
	if rec.PID != 0 {
		fmt.Fprintf(&b, "- pid: %d\n", rec.PID)
	}
	if rec.ResumeToken != "" {
		fmt.Fprintf(&b, "- session: %s\n", rec.ResumeToken)
	}
	if pending := s.perms.PendingFor(s.agentID); len(pending) > 0 {
		fmt.Fprintf(&b, "- pending permissions: %d\n", len(pending))
	}
	if n := s.queue.Len(); n > 0 {
		fmt.Fprintf(&b, "- queued messages: %d\n", n)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Session) send(ctx context.Context, text string) {
	if err := s.transport.SendMarkdown(ctx, text); err != nil {
		s.logger.Error("failed to send message", "error", err)
	}
}

// queueSender adapts the session's transport to the output queue.
type queueSender struct {
	s *Session
}

func (qs queueSender) Send(ctx context.Context, text string) error {
	return qs.s.transport.SendMarkdown(ctx, text)
}
