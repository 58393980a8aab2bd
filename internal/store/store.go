// ABOUTME: Store interface and data types for warren persistence
// ABOUTME: Defines AgentRecord and the Store interface for agent durability

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested agent does not exist
var ErrNotFound = errors.New("agent not found")

// AgentStatus describes where an agent is in its lifecycle.
type AgentStatus string

// Agent lifecycle states. Transitions: starting -> running on successful
// spawn and transport connect; -> stopping on operator quit/kill; -> stopped
// on subprocess exit, kill confirmation, or service startup.
const (
	StatusStarting AgentStatus = "starting"
	StatusRunning  AgentStatus = "running"
	StatusStopping AgentStatus = "stopping"
	StatusStopped  AgentStatus = "stopped"
)

// AgentKind identifies the backing coding-agent CLI.
type AgentKind string

// KindClaude is the only kind currently supported.
const KindClaude AgentKind = "claude"

// AgentRecord is the durable identity of one supervised agent. It is owned
// exclusively by the registry; every mutation goes through a registry update
// and is persisted before the update returns.
type AgentRecord struct {
	ID          string
	Kind        AgentKind
	UserID      string // Matrix user ID of the agent's provisioned account
	AccessToken string // agent account access token, refreshed on login
	RoomID      string // DM room shared with the operator
	WorkDir     string
	CreatedAt   time.Time
	CreatedBy   string // operator MXID that created the agent
	Status      AgentStatus
	ResumeToken string // opaque CLI session id, empty until the first init event
	PID         int    // OS process id, 0 when not running
}

// ServiceState is everything the store holds, loaded once at boot.
type ServiceState struct {
	Agents []*AgentRecord
}

// Store defines the interface for agent record persistence.
// UpsertAgent must be durable before it returns; the registry relies on that
// to report success to its callers.
type Store interface {
	Load(ctx context.Context) (*ServiceState, error)
	UpsertAgent(ctx context.Context, rec *AgentRecord) error
	RemoveAgent(ctx context.Context, id string) error

	// MarkAllStopped forces every stored record to StatusStopped. Called on
	// service startup: subprocesses never survive a restart.
	MarkAllStopped(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
