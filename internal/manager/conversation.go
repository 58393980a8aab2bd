// ABOUTME: State machine for the agent-creation dialogue in the manager room.
// ABOUTME: idle -> awaiting type -> awaiting repo -> awaiting task -> create.

package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/2389/warren/internal/store"
)

// State is the conversation's current step.
type State int

const (
	StateIdle State = iota
	StateAwaitingType
	StateAwaitingRepo
	StateAwaitingTask
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingType:
		return "awaiting_type"
	case StateAwaitingRepo:
		return "awaiting_repo"
	case StateAwaitingTask:
		return "awaiting_task"
	default:
		return "unknown"
	}
}

// agentKinds lists the selectable agent kinds, in menu order.
var agentKinds = []store.AgentKind{store.KindClaude}

// CreateSpec is everything the dialogue collects for one new agent.
type CreateSpec struct {
	Kind     store.AgentKind
	RepoName string
	WorkDir  string
	Task     string
}

// Creator builds and starts an agent from a completed spec. Creation is
// atomic from the dialogue's point of view: on error nothing was created.
type Creator interface {
	CreateAgent(ctx context.Context, spec CreateSpec) (store.AgentRecord, error)
}

// Conversation holds the dialogue state for the manager room. Safe for
// concurrent use, though in practice messages arrive one at a time.
type Conversation struct {
	projectsRoot string
	creator      Creator
	logger       *slog.Logger

	mu    sync.Mutex
	state State
	kind  store.AgentKind
	repo  string // selected repo name
	repos []string
}

// NewConversation creates an idle dialogue rooted at projectsRoot.
func NewConversation(projectsRoot string, creator Creator, logger *slog.Logger) *Conversation {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conversation{
		projectsRoot: projectsRoot,
		creator:      creator,
		logger:       logger.With("component", "manager"),
	}
}

// State returns the current step.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Begin starts the creation flow and returns the first prompt. Calling Begin
// mid-flow restates the current prompt instead of restarting.
func (c *Conversation) Begin() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return "Already creating an agent. " + c.promptLocked()
	}
	c.state = StateAwaitingType
	return c.promptLocked()
}

// HandleMessage feeds one operator message into the dialogue. It reports
// whether the message was consumed; idle conversations consume nothing so
// the caller can route commands normally.
func (c *Conversation) HandleMessage(ctx context.Context, text string) (string, bool) {
	trimmed := strings.TrimSpace(text)

	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return "", false
	}

	if strings.EqualFold(trimmed, "cancel") {
		c.resetLocked()
		c.mu.Unlock()
		return "Cancelled.", true
	}

	switch c.state {
	case StateAwaitingType:
		reply := c.handleTypeLocked(trimmed)
		c.mu.Unlock()
		return reply, true
	case StateAwaitingRepo:
		reply := c.handleRepoLocked(trimmed)
		c.mu.Unlock()
		return reply, true
	case StateAwaitingTask:
		// Creation can block on provisioning; release the lock first.
		kind, repo := c.kind, c.repo
		c.resetLocked()
		c.mu.Unlock()
		if trimmed == "" {
			// Restore the step; an empty message is not a task.
			c.mu.Lock()
			c.state = StateAwaitingTask
			c.kind, c.repo = kind, repo
			reply := c.promptLocked()
			c.mu.Unlock()
			return reply, true
		}
		return c.create(ctx, CreateSpec{
			Kind:     kind,
			RepoName: repo,
			WorkDir:  c.workDirFor(repo),
			Task:     trimmed,
		}), true
	default:
		c.mu.Unlock()
		return "", false
	}
}

func (c *Conversation) handleTypeLocked(input string) string {
	kind, ok := matchKind(input)
	if !ok {
		return "I don't know that agent type. " + c.promptLocked()
	}
	c.kind = kind

	repos, err := listRepos(c.projectsRoot)
	if err != nil {
		c.logger.Error("listing repositories", "root", c.projectsRoot, "error", err)
		c.resetLocked()
		return fmt.Sprintf("Could not list repositories under %s: %v", c.projectsRoot, err)
	}
	if len(repos) == 0 {
		c.resetLocked()
		return fmt.Sprintf("No repositories found under %s.", c.projectsRoot)
	}

	c.repos = repos
	c.state = StateAwaitingRepo
	return c.promptLocked()
}

func (c *Conversation) handleRepoLocked(input string) string {
	repo, ok := matchRepo(c.repos, input)
	if !ok {
		return "That doesn't match a repository. " + c.promptLocked()
	}
	c.repo = repo
	c.state = StateAwaitingTask
	return c.promptLocked()
}

func (c *Conversation) create(ctx context.Context, spec CreateSpec) string {
	record, err := c.creator.CreateAgent(ctx, spec)
	if err != nil {
		c.logger.Error("agent creation failed", "repo", spec.RepoName, "error", err)
		return fmt.Sprintf("Failed to create agent: %v", err)
	}
	return fmt.Sprintf("Created agent %s (%s) working on %s. Say hello in its room!",
		record.ID, spec.Kind, spec.RepoName)
}

// promptLocked returns the prompt for the current step. Caller holds c.mu.
func (c *Conversation) promptLocked() string {
	switch c.state {
	case StateAwaitingType:
		names := make([]string, len(agentKinds))
		for i, k := range agentKinds {
			names[i] = string(k)
		}
		return fmt.Sprintf("What kind of agent? (%s)", strings.Join(names, ", "))
	case StateAwaitingRepo:
		var b strings.Builder
		b.WriteString("Which repository?\n")
		for i, repo := range c.repos {
			fmt.Fprintf(&b, "%d. %s\n", i+1, repo)
		}
		b.WriteString("Reply with a number or a name, or \"cancel\".")
		return b.String()
	case StateAwaitingTask:
		return fmt.Sprintf("What should the agent work on in %s?", c.repo)
	default:
		return ""
	}
}

func (c *Conversation) resetLocked() {
	c.state = StateIdle
	c.kind = ""
	c.repo = ""
	c.repos = nil
}

func (c *Conversation) workDirFor(repo string) string {
	return filepath.Join(c.projectsRoot, repo)
}

// matchKind resolves input as a 1-based index or case-insensitive kind name.
func matchKind(input string) (store.AgentKind, bool) {
	if n, err := strconv.Atoi(input); err == nil {
		if n >= 1 && n <= len(agentKinds) {
			return agentKinds[n-1], true
		}
		return "", false
	}
	for _, kind := range agentKinds {
		if strings.EqualFold(input, string(kind)) {
			return kind, true
		}
	}
	return "", false
}

// matchRepo resolves input as a 1-based index or case-insensitive name
// against the listed repositories.
func matchRepo(repos []string, input string) (string, bool) {
	if n, err := strconv.Atoi(input); err == nil {
		if n >= 1 && n <= len(repos) {
			return repos[n-1], true
		}
		return "", false
	}
	for _, repo := range repos {
		if strings.EqualFold(input, repo) {
			return repo, true
		}
	}
	return "", false
}

// listRepos returns the sorted immediate subdirectories of root.
func listRepos(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var repos []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			repos = append(repos, entry.Name())
		}
	}
	sort.Strings(repos)
	return repos, nil
}
