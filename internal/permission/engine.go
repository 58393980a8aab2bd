// ABOUTME: Blocking request/reply correlation engine for tool approvals.
// ABOUTME: Allocates short hex ids, parses operator verdicts, resolves exactly once.

package permission

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout is how long a permission request waits for an operator reply
// before it is denied.
const DefaultTimeout = 5 * time.Minute

// idRetryBudget bounds random id allocation before falling back to a
// timestamp-derived id. The id space is only 65536 wide, so a busy agent
// could in principle exhaust the random draw.
const idRetryBudget = 16

// ErrTimedOut is returned by Request when no operator reply arrived in time.
var ErrTimedOut = errors.New("permission request timed out")

// ErrCancelled is returned by Request when the engine shut down while the
// request was pending.
var ErrCancelled = errors.New("permission request cancelled")

// ErrAgentNotFound is returned by Request when the agent id does not belong
// to a known, running agent.
var ErrAgentNotFound = errors.New("agent not found")

var hexIDPattern = regexp.MustCompile(`^[0-9a-f]{4}$`)

// affirmative and negative are the verdict words accepted in operator replies.
var (
	affirmative = map[string]bool{"yes": true, "y": true, "ok": true, "approve": true, "allow": true}
	negative    = map[string]bool{"no": true, "n": true, "deny": true, "reject": true}
)

// Decision is the outcome of one permission request.
type Decision struct {
	Approved bool
	Reply    string // raw operator reply text, empty on timeout or shutdown
}

// Pending is the externally visible view of one parked request.
type Pending struct {
	ID        string
	AgentID   string
	ToolName  string
	Input     json.RawMessage
	CreatedAt time.Time
}

type pendingRequest struct {
	Pending
	done chan Decision // buffered 1; written exactly once
}

// Notifier is called when a new request is parked for an agent, so the
// owning bridge session can surface the prompt to the operator.
type Notifier func(Pending)

// AgentChecker reports whether an agent is known and running. Satisfied by
// *registry.Registry.
type AgentChecker interface {
	IsRunning(agentID string) bool
}

// Engine correlates permission requests across all agents. One engine serves
// the whole service; requests are partitioned by agent id.
type Engine struct {
	mu        sync.Mutex
	pending   map[string]map[string]*pendingRequest // agentID -> id -> request
	notifiers map[string]Notifier
	closed    bool

	agents  AgentChecker
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine creates a permission engine. A zero timeout selects
// DefaultTimeout; a nil checker disables the liveness gate.
func NewEngine(agents AgentChecker, timeout time.Duration, logger *slog.Logger) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		pending:   make(map[string]map[string]*pendingRequest),
		notifiers: make(map[string]Notifier),
		agents:    agents,
		timeout:   timeout,
		logger:    logger.With("component", "permission"),
		now:       time.Now,
	}
}

// RegisterNotifier installs the prompt callback for an agent. Replaces any
// previous notifier for that agent.
func (e *Engine) RegisterNotifier(agentID string, fn Notifier) {
	e.mu.Lock()
	e.notifiers[agentID] = fn
	e.mu.Unlock()
}

// UnregisterNotifier removes the prompt callback for an agent.
func (e *Engine) UnregisterNotifier(agentID string) {
	e.mu.Lock()
	delete(e.notifiers, agentID)
	e.mu.Unlock()
}

// Request parks a permission request and blocks until the operator replies,
// the timeout elapses, the context is cancelled, or the engine shuts down.
func (e *Engine) Request(ctx context.Context, agentID, toolName string, input json.RawMessage) (Decision, error) {
	if e.agents != nil && !e.agents.IsRunning(agentID) {
		e.logger.Warn("permission requested by unknown agent", "agent_id", agentID, "tool", toolName)
		return Decision{}, ErrAgentNotFound
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Decision{}, ErrCancelled
	}

	agentPending := e.pending[agentID]
	if agentPending == nil {
		agentPending = make(map[string]*pendingRequest)
		e.pending[agentID] = agentPending
	}

	id := e.allocateID(agentPending)
	req := &pendingRequest{
		Pending: Pending{
			ID:        id,
			AgentID:   agentID,
			ToolName:  toolName,
			Input:     input,
			CreatedAt: e.now(),
		},
		done: make(chan Decision, 1),
	}
	agentPending[id] = req
	notify := e.notifiers[agentID]
	e.mu.Unlock()

	e.logger.Info("permission requested", "agent_id", agentID, "request_id", id, "tool", toolName)

	if notify != nil {
		notify(req.Pending)
	}

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case decision := <-req.done:
		return decision, nil
	case <-timer.C:
		e.remove(agentID, id)
		e.logger.Warn("permission request timed out", "agent_id", agentID, "request_id", id)
		return Decision{}, ErrTimedOut
	case <-ctx.Done():
		e.remove(agentID, id)
		return Decision{}, ctx.Err()
	}
}

// Resolve interprets one operator chat message as a possible permission
// reply. It reports whether the message was consumed: a message with no
// recognizable verdict is left for normal handling, while a verdict aimed at
// an unknown or already-resolved id is consumed silently.
func (e *Engine) Resolve(agentID, text string) bool {
	verdict, id, ok := parseReply(text)
	if !ok {
		return false
	}

	e.mu.Lock()
	agentPending := e.pending[agentID]

	var req *pendingRequest
	if id != "" {
		req = agentPending[id]
	} else {
		req = oldestPending(agentPending)
	}
	if req != nil {
		delete(agentPending, req.ID)
	}
	e.mu.Unlock()

	if req == nil {
		e.logger.Debug("permission reply matched nothing", "agent_id", agentID, "request_id", id)
		return true
	}

	req.done <- Decision{Approved: verdict, Reply: strings.TrimSpace(text)}
	e.logger.Info("permission resolved", "agent_id", agentID, "request_id", req.ID, "approved", verdict)
	return true
}

// PendingFor returns the parked requests for one agent, oldest first.
func (e *Engine) PendingFor(agentID string) []Pending {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Pending, 0, len(e.pending[agentID]))
	for _, req := range e.pending[agentID] {
		out = append(out, req.Pending)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CancelAgent denies every pending request for one agent. Used when the
// agent's subprocess dies with prompts still outstanding.
func (e *Engine) CancelAgent(agentID string) {
	e.mu.Lock()
	agentPending := e.pending[agentID]
	delete(e.pending, agentID)
	e.mu.Unlock()

	for _, req := range agentPending {
		req.done <- Decision{Approved: false}
	}
}

// CancelAll denies every pending request and marks the engine closed. New
// requests fail with ErrCancelled.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	e.closed = true
	all := e.pending
	e.pending = make(map[string]map[string]*pendingRequest)
	e.mu.Unlock()

	for _, agentPending := range all {
		for _, req := range agentPending {
			req.done <- Decision{Approved: false}
		}
	}
}

// allocateID draws a 4-hex-digit id unused by this agent. Caller holds e.mu.
func (e *Engine) allocateID(agentPending map[string]*pendingRequest) string {
	for range idRetryBudget {
		var buf [2]byte
		if _, err := rand.Read(buf[:]); err != nil {
			break
		}
		id := fmt.Sprintf("%04x", binary.BigEndian.Uint16(buf[:]))
		if _, taken := agentPending[id]; !taken {
			return id
		}
	}
	// Timestamp fallback; walk forward past any collisions.
	base := uint16(e.now().UnixNano())
	for offset := uint16(0); ; offset++ {
		id := fmt.Sprintf("%04x", base+offset)
		if _, taken := agentPending[id]; !taken {
			return id
		}
	}
}

func (e *Engine) remove(agentID, id string) {
	e.mu.Lock()
	delete(e.pending[agentID], id)
	e.mu.Unlock()
}

func oldestPending(agentPending map[string]*pendingRequest) *pendingRequest {
	var oldest *pendingRequest
	for _, req := range agentPending {
		if oldest == nil || req.CreatedAt.Before(oldest.CreatedAt) {
			oldest = req
		}
	}
	return oldest
}

// parseReply extracts a verdict and optional request id from operator text.
// Accepted shapes: "yes", "deny", "yes a3f2", "a3f2 no". Anything longer, or
// without a verdict word, is not a permission reply.
func parseReply(text string) (approved bool, id string, ok bool) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(text)))
	if len(fields) == 0 || len(fields) > 2 {
		return false, "", false
	}

	haveVerdict := false
	for _, field := range fields {
		switch {
		case affirmative[field]:
			if haveVerdict {
				return false, "", false
			}
			approved, haveVerdict = true, true
		case negative[field]:
			if haveVerdict {
				return false, "", false
			}
			approved, haveVerdict = false, true
		case hexIDPattern.MatchString(field) && id == "":
			id = field
		default:
			return false, "", false
		}
	}
	if !haveVerdict {
		return false, "", false
	}
	return approved, id, true
}
