// ABOUTME: Spawns and owns one coding-agent CLI process with serialized turns.
// ABOUTME: Exposes Send/Events/Terminate and exit signals for the bridge session.

package subprocess

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// DefaultBinary is the coding-agent CLI launched when none is configured.
const DefaultBinary = "claude"

// DefaultPermissionTool is the MCP tool name the CLI routes permission
// decisions through.
const DefaultPermissionTool = "mcp__warren__approve"

// termGracePeriod is how long Terminate waits after SIGTERM before SIGKILL.
const termGracePeriod = 5 * time.Second

// ExitStatus describes how a subprocess ended. Killed is set when our own
// Terminate took the process down; exit-code classification treats that case
// separately from every organic exit.
type ExitStatus struct {
	Code   int
	Killed bool
}

// SpawnOptions configures one subprocess launch.
type SpawnOptions struct {
	Binary         string // defaults to DefaultBinary
	AgentID        string
	WorkDir        string
	MCPConfigPath  string // per-agent tool-config file, see permission.WriteToolConfig
	PermissionTool string // defaults to DefaultPermissionTool
	ResumeToken    string // resume a prior session when non-empty
	InitialTask    string // first user turn, queued immediately when non-empty
	Logger         *slog.Logger
}

// Process is one live coding-agent subprocess. Events is a lazy,
// single-consumer stream; it is closed after the process exits and all
// decoded output has been delivered.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	events chan Event
	turns  chan string
	ready  chan struct{}

	readDone chan struct{}
	exited   chan struct{}

	mu            sync.Mutex
	sessionToken  string
	terminated    bool
	exit          ExitStatus
	exitCallbacks []func(ExitStatus)

	termOnce sync.Once
}

// Spawn launches the CLI in streaming JSON mode and starts its read, write,
// and wait loops. The returned Process is alive until its exit signal fires.
func Spawn(opts SpawnOptions) (*Process, error) {
	binary := opts.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	tool := opts.PermissionTool
	if tool == "" {
		tool = DefaultPermissionTool
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "subprocess", "agent_id", opts.AgentID)

	args := []string{
		"-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--permission-prompt-tool", tool,
		"--mcp-config", opts.MCPConfigPath,
	}
	if opts.ResumeToken != "" {
		args = append(args, "--resume", opts.ResumeToken)
	}

	cmd := exec.Command(binary, args...)
	cmd.Dir = opts.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", binary, err)
	}

	p := &Process{
		cmd:      cmd,
		stdin:    stdin,
		logger:   logger,
		events:   make(chan Event, 256),
		turns:    make(chan string, 128),
		ready:    make(chan struct{}, 1),
		readDone: make(chan struct{}),
		exited:   make(chan struct{}),
	}
	p.ready <- struct{}{} // the first turn needs no prior result

	logger.Info("subprocess started", "pid", cmd.Process.Pid, "work_dir", opts.WorkDir, "resume", opts.ResumeToken != "")

	go p.readLoop(stdout)
	go p.writeLoop()
	go p.waitLoop()

	if opts.InitialTask != "" {
		p.Send(opts.InitialTask)
	}
	return p, nil
}

// Send queues one user turn. Turns are serialized: a queued turn is only
// written to the subprocess after the previous turn's result event.
func (p *Process) Send(text string) {
	select {
	case p.turns <- text:
	case <-p.exited:
		p.logger.Warn("dropping turn for exited subprocess")
	}
}

// Events returns the decoded event stream. Single consumer; the channel is
// closed once the subprocess has exited and its output is fully drained.
func (p *Process) Events() <-chan Event {
	return p.events
}

// SessionToken returns the most recent session id observed on the stream.
func (p *Process) SessionToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionToken
}

// IsAlive reports whether the OS process is still running.
func (p *Process) IsAlive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// PID returns the OS process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// OnExit registers a callback invoked once with the exit status. Callbacks
// registered after exit fire immediately.
func (p *Process) OnExit(fn func(ExitStatus)) {
	p.mu.Lock()
	select {
	case <-p.exited:
		status := p.exit
		p.mu.Unlock()
		fn(status)
		return
	default:
	}
	p.exitCallbacks = append(p.exitCallbacks, fn)
	p.mu.Unlock()
}

// Terminate shuts the subprocess down: close stdin, SIGTERM, then SIGKILL
// after a grace period. Idempotent; returns once the process has exited.
func (p *Process) Terminate() {
	p.termOnce.Do(func() {
		p.mu.Lock()
		p.terminated = true
		p.mu.Unlock()

		p.logger.Info("terminating subprocess", "pid", p.cmd.Process.Pid)
		_ = p.stdin.Close()
		_ = p.cmd.Process.Signal(syscall.SIGTERM)

		select {
		case <-p.exited:
			return
		case <-time.After(termGracePeriod):
			p.logger.Warn("subprocess ignored SIGTERM, killing", "pid", p.cmd.Process.Pid)
			_ = p.cmd.Process.Kill()
		}
	})
	<-p.exited
}

// readLoop decodes stdout until the stream ends.
func (p *Process) readLoop(stdout io.Reader) {
	defer close(p.readDone)
	decodeStream(stdout, p.logger, p.handleEvent)
}

// handleEvent captures session tokens, releases the turn gate on results, and
// forwards the event downstream.
func (p *Process) handleEvent(ev Event) {
	switch ev.Type {
	case EventSessionStarted, EventTurnComplete:
		if ev.SessionID != "" {
			p.mu.Lock()
			p.sessionToken = ev.SessionID
			p.mu.Unlock()
		}
	}
	if ev.Type == EventTurnComplete {
		select {
		case p.ready <- struct{}{}:
		default:
		}
	}

	select {
	case p.events <- ev:
	case <-p.exited:
		// Consumer is gone; drop the tail of the stream.
	}
}

// writeLoop feeds queued turns to stdin, one per completed result.
func (p *Process) writeLoop() {
	for {
		select {
		case <-p.exited:
			return
		case text := <-p.turns:
			select {
			case <-p.ready:
			case <-p.exited:
				return
			}
			data, err := encodeUserTurn(text)
			if err != nil {
				p.logger.Error("encoding user turn", "error", err)
				continue
			}
			data = append(data, '\n')
			if _, err := p.stdin.Write(data); err != nil {
				p.logger.Warn("writing user turn to subprocess", "error", err)
			}
		}
	}
}

// waitLoop reaps the process after the reader drains, records the exit
// status, closes the event stream, and fires exit callbacks.
func (p *Process) waitLoop() {
	<-p.readDone
	err := p.cmd.Wait()

	status := ExitStatus{Code: exitCode(err)}

	p.mu.Lock()
	status.Killed = p.terminated
	p.exit = status
	callbacks := p.exitCallbacks
	p.exitCallbacks = nil
	p.mu.Unlock()

	close(p.exited)
	close(p.events)

	p.logger.Info("subprocess exited", "code", status.Code, "killed", status.Killed)
	for _, fn := range callbacks {
		fn(status)
	}
}

// exitCode maps a cmd.Wait error to a numeric code. Signal deaths are
// reported as 128+signal, matching shell convention, so the recovery
// classifier can treat them uniformly.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return -1
	}
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ee.ExitCode()
}
