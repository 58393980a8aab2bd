// ABOUTME: Tests for the agent registry including id allocation and updates.
// ABOUTME: Uses an in-memory store fake to observe persistence ordering.

package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/warren/internal/store"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	mu       sync.Mutex
	agents   map[string]store.AgentRecord
	upserts  int
	failNext error
}

func newMemStore() *memStore {
	return &memStore{agents: make(map[string]store.AgentRecord)}
}

func (m *memStore) Load(_ context.Context) (*store.ServiceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := &store.ServiceState{}
	for _, rec := range m.agents {
		c := rec
		state.Agents = append(state.Agents, &c)
	}
	return state, nil
}

func (m *memStore) UpsertAgent(_ context.Context, rec *store.AgentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	m.upserts++
	m.agents[rec.ID] = *rec
	return nil
}

func (m *memStore) RemoveAgent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.agents, id)
	return nil
}

func (m *memStore) MarkAllStopped(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rec := range m.agents {
		rec.Status = store.StatusStopped
		rec.PID = 0
		m.agents[id] = rec
	}
	return nil
}

func (m *memStore) Close() error { return nil }

func newTestRegistry(t *testing.T, st store.Store) *Registry {
	t.Helper()
	r, err := Load(context.Background(), st, NewNameGenerator(1), slog.Default())
	require.NoError(t, err)
	return r
}

func TestCreateAllocatesUniqueIDs(t *testing.T) {
	st := newMemStore()
	r := newTestRegistry(t, st)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		rec, err := r.Create(ctx, CreateParams{Kind: store.KindClaude, WorkDir: "/srv/p", CreatedBy: "@op:x"})
		require.NoError(t, err)
		assert.False(t, seen[rec.ID], "duplicate id %s", rec.ID)
		seen[rec.ID] = true
		assert.Equal(t, store.StatusStarting, rec.Status)
	}
}

func TestCreateRetriesPastCollisions(t *testing.T) {
	st := newMemStore()
	r := newTestRegistry(t, st)
	ctx := context.Background()

	// Pre-register the ids a same-seeded generator would emit first, forcing
	// Create to walk past deterministic collisions.
	shadow := NewNameGenerator(1)
	for i := 0; i < 5; i++ {
		id := shadow.Next()
		r.mu.Lock()
		r.agents[id] = &store.AgentRecord{ID: id, Status: store.StatusRunning}
		r.mu.Unlock()
	}

	rec, err := r.Create(ctx, CreateParams{Kind: store.KindClaude, WorkDir: "/srv/p", CreatedBy: "@op:x"})
	require.NoError(t, err)
	r.mu.RLock()
	_, stillThere := r.agents[rec.ID]
	r.mu.RUnlock()
	assert.True(t, stillThere)
}

func TestCreateExhaustsRetryBudget(t *testing.T) {
	st := newMemStore()
	r := newTestRegistry(t, st)
	ctx := context.Background()

	// Occupy every id the generator will propose.
	shadow := NewNameGenerator(1)
	r.mu.Lock()
	for i := 0; i < idRetryBudget; i++ {
		id := shadow.Next()
		r.agents[id] = &store.AgentRecord{ID: id}
	}
	r.mu.Unlock()
	r.names = NewNameGenerator(1)

	_, err := r.Create(ctx, CreateParams{Kind: store.KindClaude, WorkDir: "/srv/p", CreatedBy: "@op:x"})
	assert.ErrorIs(t, err, ErrIDSpaceExhausted)
}

func TestCreatePersistFailureDoesNotRegister(t *testing.T) {
	st := newMemStore()
	r := newTestRegistry(t, st)
	st.failNext = errors.New("disk full")

	_, err := r.Create(context.Background(), CreateParams{Kind: store.KindClaude, WorkDir: "/srv/p", CreatedBy: "@op:x"})
	require.Error(t, err)
	assert.Empty(t, r.List())
}

func TestUpdatePersistsBeforeReturning(t *testing.T) {
	st := newMemStore()
	r := newTestRegistry(t, st)
	ctx := context.Background()

	rec, err := r.Create(ctx, CreateParams{Kind: store.KindClaude, WorkDir: "/srv/p", CreatedBy: "@op:x"})
	require.NoError(t, err)

	updated, err := r.Update(ctx, rec.ID, func(a *store.AgentRecord) {
		a.Status = store.StatusRunning
		a.PID = 777
		a.ResumeToken = "sess-1"
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, updated.Status)

	st.mu.Lock()
	persisted := st.agents[rec.ID]
	st.mu.Unlock()
	assert.Equal(t, store.StatusRunning, persisted.Status)
	assert.Equal(t, 777, persisted.PID)
	assert.Equal(t, "sess-1", persisted.ResumeToken)
}

func TestUpdateUnknownIDIsHardError(t *testing.T) {
	st := newMemStore()
	r := newTestRegistry(t, st)

	_, err := r.Update(context.Background(), "no-such-agent", func(a *store.AgentRecord) {})
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestUpdateCannotChangeIdentity(t *testing.T) {
	st := newMemStore()
	r := newTestRegistry(t, st)
	ctx := context.Background()

	rec, err := r.Create(ctx, CreateParams{Kind: store.KindClaude, WorkDir: "/srv/p", CreatedBy: "@op:x"})
	require.NoError(t, err)

	updated, err := r.Update(ctx, rec.ID, func(a *store.AgentRecord) { a.ID = "hijacked" })
	require.NoError(t, err)
	assert.Equal(t, rec.ID, updated.ID)
}

func TestIsRunning(t *testing.T) {
	st := newMemStore()
	r := newTestRegistry(t, st)
	ctx := context.Background()

	rec, err := r.Create(ctx, CreateParams{Kind: store.KindClaude, WorkDir: "/srv/p", CreatedBy: "@op:x"})
	require.NoError(t, err)
	assert.False(t, r.IsRunning(rec.ID), "starting is not running")

	_, err = r.Update(ctx, rec.ID, func(a *store.AgentRecord) { a.Status = store.StatusRunning })
	require.NoError(t, err)
	assert.True(t, r.IsRunning(rec.ID))
	assert.False(t, r.IsRunning("ghost"))
}

func TestLoadMarksEverythingStopped(t *testing.T) {
	st := newMemStore()
	st.agents["old-yak"] = store.AgentRecord{ID: "old-yak", Status: store.StatusRunning, PID: 55, ResumeToken: "sess-9"}

	r := newTestRegistry(t, st)
	rec, ok := r.Get("old-yak")
	require.True(t, ok)
	assert.Equal(t, store.StatusStopped, rec.Status)
	assert.Zero(t, rec.PID)
	assert.Equal(t, "sess-9", rec.ResumeToken)
}

func TestRemove(t *testing.T) {
	st := newMemStore()
	r := newTestRegistry(t, st)
	ctx := context.Background()

	rec, err := r.Create(ctx, CreateParams{Kind: store.KindClaude, WorkDir: "/srv/p", CreatedBy: "@op:x"})
	require.NoError(t, err)

	require.NoError(t, r.Remove(ctx, rec.ID))
	_, ok := r.Get(rec.ID)
	assert.False(t, ok)

	assert.ErrorIs(t, r.Remove(ctx, rec.ID), ErrAgentNotFound)
}

func TestGetReturnsCopy(t *testing.T) {
	st := newMemStore()
	r := newTestRegistry(t, st)
	ctx := context.Background()

	rec, err := r.Create(ctx, CreateParams{Kind: store.KindClaude, WorkDir: "/srv/p", CreatedBy: "@op:x"})
	require.NoError(t, err)

	got, ok := r.Get(rec.ID)
	require.True(t, ok)
	got.Status = store.StatusStopped

	again, ok := r.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, store.StatusStarting, again.Status, "mutating a returned copy must not leak into the registry")
}
