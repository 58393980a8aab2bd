// ABOUTME: Agent lifecycle for the service: provisioning, room setup, session
// ABOUTME: construction, boot-time restore, and teardown via the kill command.

package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"

	"github.com/2389/warren/internal/bridge"
	"github.com/2389/warren/internal/manager"
	"github.com/2389/warren/internal/matrix"
	"github.com/2389/warren/internal/outqueue"
	"github.com/2389/warren/internal/permission"
	"github.com/2389/warren/internal/registry"
	"github.com/2389/warren/internal/store"
	"github.com/2389/warren/internal/subprocess"
)

// roomTransport binds a session's outbound traffic to one Matrix room.
type roomTransport struct {
	client *matrix.Client
	roomID id.RoomID
}

func (t roomTransport) SendMarkdown(ctx context.Context, text string) error {
	return t.client.SendMarkdown(ctx, t.roomID, text)
}

func (t roomTransport) SetTyping(typing bool) {
	t.client.SetTyping(t.roomID, typing)
}

// CreateAgent provisions a Matrix account, opens a DM with the operator, and
// starts the agent session. On error everything created so far is reverted.
func (s *Service) CreateAgent(ctx context.Context, spec manager.CreateSpec) (store.AgentRecord, error) {
	rec, err := s.reg.Create(ctx, registry.CreateParams{
		Kind:      spec.Kind,
		WorkDir:   spec.WorkDir,
		CreatedBy: s.operator(),
	})
	if err != nil {
		return store.AgentRecord{}, err
	}

	username := s.cfg.Agents.UsernamePrefix + "-" + rec.ID
	password, err := randomPassword()
	if err != nil {
		_ = s.reg.Remove(ctx, rec.ID)
		return store.AgentRecord{}, err
	}

	creds, err := s.prov.Register(ctx, username, password)
	if err != nil {
		_ = s.reg.Remove(ctx, rec.ID)
		return store.AgentRecord{}, fmt.Errorf("provisioning %s: %w", username, err)
	}

	revert := func() {
		_ = s.reg.Remove(ctx, rec.ID)
		if err := s.prov.Deactivate(ctx, creds.UserID); err != nil {
			s.logger.Warn("failed to deactivate account after create error",
				"user_id", creds.UserID, "error", err)
		}
	}

	client, err := matrix.Login(ctx, s.cfg.Matrix.Homeserver, username, password, s.logger)
	if err != nil {
		revert()
		return store.AgentRecord{}, fmt.Errorf("logging in %s: %w", creds.UserID, err)
	}

	roomName := fmt.Sprintf("%s (%s)", rec.ID, spec.RepoName)
	roomID, err := client.CreateDM(ctx, id.UserID(rec.CreatedBy), roomName)
	if err != nil {
		revert()
		return store.AgentRecord{}, fmt.Errorf("creating agent room: %w", err)
	}

	updated, err := s.reg.Update(ctx, rec.ID, func(r *store.AgentRecord) {
		r.UserID = creds.UserID
		r.AccessToken = client.AccessToken()
		r.RoomID = roomID.String()
	})
	if err != nil {
		revert()
		return store.AgentRecord{}, err
	}

	sess, err := s.startSession(ctx, updated, client, roomID, spec.Task)
	if err != nil {
		revert()
		return store.AgentRecord{}, err
	}

	s.mu.Lock()
	s.sessions[rec.ID] = sess
	s.clients[rec.ID] = client
	s.rooms[roomID] = rec.ID
	s.mu.Unlock()

	s.logger.Info("agent created",
		"agent_id", rec.ID, "user_id", creds.UserID, "room", roomID.String(), "work_dir", spec.WorkDir)
	return *updated, nil
}

// startSession writes the agent's tool config, builds its bridge session, and
// begins syncing its Matrix account.
func (s *Service) startSession(ctx context.Context, rec *store.AgentRecord, client *matrix.Client, roomID id.RoomID, task string) (*bridge.Session, error) {
	mcpPath, err := permission.WriteToolConfig(s.cfg.Agents.StateDir, rec.ID, s.permissionEndpoint())
	if err != nil {
		return nil, fmt.Errorf("writing tool config: %w", err)
	}

	agentID := rec.ID
	workDir := rec.WorkDir
	sess := bridge.NewSession(bridge.Config{
		AgentID:     agentID,
		Registry:    s.reg,
		Permissions: s.perms,
		Transport:   roomTransport{client: client, roomID: roomID},
		Spawn: func(resumeToken, initialTask string) (bridge.Process, error) {
			return subprocess.Spawn(subprocess.SpawnOptions{
				Binary:        s.cfg.Agents.Binary,
				AgentID:       agentID,
				WorkDir:       workDir,
				MCPConfigPath: mcpPath,
				ResumeToken:   resumeToken,
				InitialTask:   initialTask,
				Logger:        s.logger,
			})
		},
		QueueOptions: outqueue.Options{
			RatePerWindow:   s.cfg.Queue.RatePerSecond,
			MaxMessageBytes: s.cfg.Queue.MaxMessageBytes,
			Logger:          s.logger,
		},
		Logger: s.logger,
	})

	client.AutoJoinInvites()
	client.OnMessage(s.agentMessageHandler(agentID, sess, client))
	go func() {
		if err := client.Run(s.syncContext()); err != nil {
			s.logger.Error("agent sync loop stopped", "agent_id", agentID, "error", err)
		}
	}()

	if err := sess.Start(ctx, task); err != nil {
		return nil, fmt.Errorf("starting agent session: %w", err)
	}
	return sess, nil
}

// agentMessageHandler routes operator messages in an agent's DM room to its
// session.
func (s *Service) agentMessageHandler(agentID string, sess *bridge.Session, client *matrix.Client) matrix.MessageHandler {
	return func(ctx context.Context, eventID id.EventID, roomID id.RoomID, sender id.UserID, body string) {
		if sender == client.UserID() {
			return
		}
		if s.events.Seen(eventID.String()) {
			return
		}
		if !s.isAllowed(sender) {
			s.logger.Debug("ignoring message from non-allowed user",
				"agent_id", agentID, "sender", sender.String())
			return
		}
		sess.HandleMessage(ctx, body)
	}
}

// restoreAgents reconnects agents that survived a restart: records with a
// stored account token and room get a fresh session, resuming the CLI session
// where one was recorded.
func (s *Service) restoreAgents(ctx context.Context) {
	for _, rec := range s.reg.List() {
		if rec.AccessToken == "" || rec.RoomID == "" {
			s.logger.Warn("agent record incomplete, leaving stopped", "agent_id", rec.ID)
			continue
		}

		client, err := matrix.NewClient(s.cfg.Matrix.Homeserver, rec.UserID, rec.AccessToken, s.logger)
		if err != nil {
			s.logger.Error("failed to reconnect agent account", "agent_id", rec.ID, "error", err)
			continue
		}

		roomID := id.RoomID(rec.RoomID)
		sess, err := s.startSession(ctx, rec, client, roomID, "")
		if err != nil {
			s.logger.Error("failed to restore agent", "agent_id", rec.ID, "error", err)
			continue
		}

		s.mu.Lock()
		s.sessions[rec.ID] = sess
		s.clients[rec.ID] = client
		s.rooms[roomID] = rec.ID
		s.mu.Unlock()

		s.logger.Info("agent restored", "agent_id", rec.ID, "resume", rec.ResumeToken != "")
	}
}

// killAgent stops a session, deactivates the agent's account, and removes the
// record. Returns the manager-room reply.
func (s *Service) killAgent(ctx context.Context, agentID string) string {
	rec, ok := s.reg.Get(agentID)
	if !ok {
		return fmt.Sprintf("No agent named `%s`. Say `list` to see them.", agentID)
	}

	if _, err := s.reg.Update(ctx, agentID, func(r *store.AgentRecord) {
		r.Status = store.StatusStopping
	}); err != nil {
		s.logger.Error("failed to persist stopping status", "agent_id", agentID, "error", err)
	}

	s.mu.Lock()
	sess := s.sessions[agentID]
	delete(s.sessions, agentID)
	delete(s.clients, agentID)
	delete(s.rooms, id.RoomID(rec.RoomID))
	s.mu.Unlock()

	if sess != nil {
		sess.Stop(ctx)
	}

	if rec.UserID != "" {
		if err := s.prov.Deactivate(ctx, rec.UserID); err != nil {
			s.logger.Warn("failed to deactivate agent account", "agent_id", agentID, "error", err)
		}
	}
	if err := s.reg.Remove(ctx, agentID); err != nil {
		s.logger.Error("failed to remove agent record", "agent_id", agentID, "error", err)
		return fmt.Sprintf("Stopped `%s` but could not remove its record: %v", agentID, err)
	}

	return fmt.Sprintf("Agent `%s` stopped and removed.", agentID)
}

// permissionEndpoint is the URL agents call for tool approvals.
func (s *Service) permissionEndpoint() string {
	addr := s.cfg.Permissions.ListenAddr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr + "/mcp"
}

// syncContext returns the context agent sync loops run under. Falls back to
// Background before Run is called, which only happens in tests.
func (s *Service) syncContext() context.Context {
	if s.runCtx != nil {
		return s.runCtx
	}
	return context.Background()
}

func randomPassword() (string, error) {
	var buf [24]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generating password: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
