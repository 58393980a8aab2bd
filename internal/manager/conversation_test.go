// ABOUTME: Tests for the agent-creation dialogue state machine.
// ABOUTME: Covers the happy path, cancel, invalid input, and creation failure.

package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/warren/internal/store"
)

type fakeCreator struct {
	spec CreateSpec
	err  error
}

func (f *fakeCreator) CreateAgent(_ context.Context, spec CreateSpec) (store.AgentRecord, error) {
	f.spec = spec
	if f.err != nil {
		return store.AgentRecord{}, f.err
	}
	return store.AgentRecord{ID: "a1b2", Kind: spec.Kind, WorkDir: spec.WorkDir}, nil
}

func projectsRoot(t *testing.T, repos ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, name := range repos {
		require.NoError(t, os.Mkdir(filepath.Join(root, name), 0o755))
	}
	// Plain files and dotted directories never show up as repositories.
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0o755))
	return root
}

func say(t *testing.T, c *Conversation, text string) string {
	t.Helper()
	reply, handled := c.HandleMessage(context.Background(), text)
	require.True(t, handled, "message %q was not consumed", text)
	return reply
}

func TestHappyPath(t *testing.T) {
	creator := &fakeCreator{}
	root := projectsRoot(t, "zebra", "alpha", "Mango")
	c := NewConversation(root, creator, nil)

	prompt := c.Begin()
	assert.Contains(t, prompt, "claude")
	assert.Equal(t, StateAwaitingType, c.State())

	prompt = say(t, c, "claude")
	assert.Contains(t, prompt, "1. Mango")
	assert.Contains(t, prompt, "2. alpha")
	assert.Contains(t, prompt, "3. zebra")
	assert.Equal(t, StateAwaitingRepo, c.State())

	prompt = say(t, c, "2")
	assert.Contains(t, prompt, "alpha")
	assert.Equal(t, StateAwaitingTask, c.State())

	reply := say(t, c, "fix the flaky integration tests")
	assert.Contains(t, reply, "Created agent a1b2")
	assert.Equal(t, StateIdle, c.State())

	assert.Equal(t, store.KindClaude, creator.spec.Kind)
	assert.Equal(t, "alpha", creator.spec.RepoName)
	assert.Equal(t, filepath.Join(root, "alpha"), creator.spec.WorkDir)
	assert.Equal(t, "fix the flaky integration tests", creator.spec.Task)
}

func TestRepoByCaseInsensitiveName(t *testing.T) {
	creator := &fakeCreator{}
	c := NewConversation(projectsRoot(t, "Mango", "alpha"), creator, nil)

	c.Begin()
	say(t, c, "1") // kind by index
	say(t, c, "mango")
	say(t, c, "do the thing")

	assert.Equal(t, "Mango", creator.spec.RepoName)
}

func TestCancelResetsAtEveryStep(t *testing.T) {
	c := NewConversation(projectsRoot(t, "alpha"), &fakeCreator{}, nil)

	c.Begin()
	assert.Equal(t, "Cancelled.", say(t, c, "cancel"))
	assert.Equal(t, StateIdle, c.State())

	c.Begin()
	say(t, c, "claude")
	assert.Equal(t, "Cancelled.", say(t, c, "CANCEL"))
	assert.Equal(t, StateIdle, c.State())

	c.Begin()
	say(t, c, "claude")
	say(t, c, "alpha")
	assert.Equal(t, "Cancelled.", say(t, c, "cancel"))
	assert.Equal(t, StateIdle, c.State())
}

func TestInvalidTypeReprompts(t *testing.T) {
	c := NewConversation(projectsRoot(t, "alpha"), &fakeCreator{}, nil)

	c.Begin()
	reply := say(t, c, "cobol-agent")
	assert.Contains(t, reply, "don't know that agent type")
	assert.Equal(t, StateAwaitingType, c.State())
}

func TestInvalidRepoReprompts(t *testing.T) {
	c := NewConversation(projectsRoot(t, "alpha", "beta"), &fakeCreator{}, nil)

	c.Begin()
	say(t, c, "claude")

	for _, input := range []string{"0", "3", "gamma"} {
		reply := say(t, c, input)
		assert.Contains(t, reply, "doesn't match a repository", "input=%q", input)
		assert.Equal(t, StateAwaitingRepo, c.State())
	}
}

func TestEmptyTaskReprompts(t *testing.T) {
	c := NewConversation(projectsRoot(t, "alpha"), &fakeCreator{}, nil)

	c.Begin()
	say(t, c, "claude")
	say(t, c, "alpha")

	reply := say(t, c, "   ")
	assert.Contains(t, reply, "What should the agent work on")
	assert.Equal(t, StateAwaitingTask, c.State())
}

func TestCreateFailureRevertsToIdle(t *testing.T) {
	creator := &fakeCreator{err: errors.New("homeserver refused registration")}
	c := NewConversation(projectsRoot(t, "alpha"), creator, nil)

	c.Begin()
	say(t, c, "claude")
	say(t, c, "alpha")
	reply := say(t, c, "build the feature")

	assert.Contains(t, reply, "Failed to create agent")
	assert.Contains(t, reply, "homeserver refused registration")
	assert.Equal(t, StateIdle, c.State())
}

func TestEmptyProjectsRootAborts(t *testing.T) {
	root := t.TempDir()
	c := NewConversation(root, &fakeCreator{}, nil)

	c.Begin()
	reply := say(t, c, "claude")
	assert.Contains(t, reply, "No repositories found")
	assert.Equal(t, StateIdle, c.State())
}

func TestIdleMessagesNotConsumed(t *testing.T) {
	c := NewConversation(projectsRoot(t, "alpha"), &fakeCreator{}, nil)

	_, handled := c.HandleMessage(context.Background(), "hello there")
	assert.False(t, handled)
}

func TestBeginMidFlowRestatesPrompt(t *testing.T) {
	c := NewConversation(projectsRoot(t, "alpha"), &fakeCreator{}, nil)

	c.Begin()
	prompt := c.Begin()
	assert.Contains(t, prompt, "Already creating an agent")
	assert.Contains(t, prompt, "What kind of agent?")
}
