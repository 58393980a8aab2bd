// ABOUTME: Authoritative in-memory map of agent records, backed by the store.
// ABOUTME: Central owner of agent identity, status, and id allocation.

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/warren/internal/store"
)

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// ErrIDSpaceExhausted indicates id generation kept colliding past the retry
// budget. It is a hard error: the registry never reuses a live id.
var ErrIDSpaceExhausted = errors.New("agent id generation exhausted retry budget")

// idRetryBudget bounds how many candidate ids Create tries before failing.
const idRetryBudget = 32

// Registry coordinates all agent records and is the single source of truth
// for agent status. Every mutation is persisted before it is visible.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*store.AgentRecord
	store  store.Store
	names  *NameGenerator
	logger *slog.Logger
	now    func() time.Time
}

// Load builds a Registry from the store's persisted state. All prior agents
// are forcibly marked stopped first: their subprocesses did not survive the
// restart, whatever the store last recorded.
func Load(ctx context.Context, st store.Store, names *NameGenerator, logger *slog.Logger) (*Registry, error) {
	if err := st.MarkAllStopped(ctx); err != nil {
		return nil, fmt.Errorf("sweeping stale agent status: %w", err)
	}

	state, err := st.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading service state: %w", err)
	}

	r := &Registry{
		agents: make(map[string]*store.AgentRecord),
		store:  st,
		names:  names,
		logger: logger,
		now:    time.Now,
	}
	for _, rec := range state.Agents {
		r.agents[rec.ID] = rec
	}

	logger.Info("registry loaded", "agents", len(r.agents))
	return r, nil
}

// CreateParams carries the operator-supplied fields for a new agent.
type CreateParams struct {
	Kind      store.AgentKind
	WorkDir   string
	CreatedBy string
}

// Create allocates a unique human-memorable id, persists the new record with
// StatusStarting, and returns a copy. Returns ErrIDSpaceExhausted if id
// generation keeps colliding.
func (r *Registry) Create(ctx context.Context, p CreateParams) (*store.AgentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := ""
	for i := 0; i < idRetryBudget; i++ {
		candidate := r.names.Next()
		if _, taken := r.agents[candidate]; !taken {
			id = candidate
			break
		}
	}
	if id == "" {
		return nil, ErrIDSpaceExhausted
	}

	rec := &store.AgentRecord{
		ID:        id,
		Kind:      p.Kind,
		WorkDir:   p.WorkDir,
		CreatedAt: r.now().UTC(),
		CreatedBy: p.CreatedBy,
		Status:    store.StatusStarting,
	}
	if err := r.store.UpsertAgent(ctx, rec); err != nil {
		return nil, fmt.Errorf("persisting agent %s: %w", id, err)
	}

	r.agents[id] = rec
	r.logger.Info("agent registered", "agent_id", id, "work_dir", p.WorkDir, "created_by", p.CreatedBy)
	return copyRecord(rec), nil
}

// Get returns a copy of the agent record, if present.
func (r *Registry) Get(id string) (*store.AgentRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return copyRecord(rec), true
}

// List returns copies of all registered agents.
func (r *Registry) List() []*store.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*store.AgentRecord, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, copyRecord(rec))
	}
	return out
}

// IsRunning reports whether the agent exists and is in StatusRunning.
// Implements the permission engine's AgentChecker interface.
func (r *Registry) IsRunning(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.agents[id]
	return ok && rec.Status == store.StatusRunning
}

// Update applies fn to the record and persists the result before returning.
// An update on an unknown id is a hard error: it indicates a coordination bug
// between a bridge session and the registry, never a condition to paper over.
func (r *Registry) Update(ctx context.Context, id string, fn func(*store.AgentRecord)) (*store.AgentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[id]
	if !ok {
		r.logger.Error("update on unknown agent", "agent_id", id)
		return nil, fmt.Errorf("updating agent %s: %w", id, ErrAgentNotFound)
	}

	updated := copyRecord(rec)
	fn(updated)
	updated.ID = rec.ID // identity is immutable

	if err := r.store.UpsertAgent(ctx, updated); err != nil {
		return nil, fmt.Errorf("persisting agent %s: %w", id, err)
	}

	r.agents[id] = updated
	return copyRecord(updated), nil
}

// Remove deletes the record entirely. Only the explicit kill path calls this.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return fmt.Errorf("removing agent %s: %w", id, ErrAgentNotFound)
	}
	if err := r.store.RemoveAgent(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("removing agent %s: %w", id, err)
	}

	delete(r.agents, id)
	r.logger.Info("agent removed", "agent_id", id)
	return nil
}

func copyRecord(rec *store.AgentRecord) *store.AgentRecord {
	c := *rec
	return &c
}
