// ABOUTME: Top-level service wiring: store, registry, permissions, Matrix clients.
// ABOUTME: Owns the manager room command loop and the lifecycle of all sessions.

// Package service assembles warren: it loads persistent state, runs the
// permission endpoint, connects the manager account, restores agents from
// previous runs, and handles the operator's manager-room commands.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/2389/warren/internal/bridge"
	"github.com/2389/warren/internal/config"
	"github.com/2389/warren/internal/dedupe"
	"github.com/2389/warren/internal/manager"
	"github.com/2389/warren/internal/matrix"
	"github.com/2389/warren/internal/permission"
	"github.com/2389/warren/internal/provision"
	"github.com/2389/warren/internal/registry"
	"github.com/2389/warren/internal/store"
)

// eventCacheTTL and eventCacheSize bound the sync dedupe cache.
const (
	eventCacheTTL  = 10 * time.Minute
	eventCacheSize = 4096
)

const managerHelp = "Manager commands:\n" +
	"- `new` — create a new agent (guided)\n" +
	"- `list` — show all agents\n" +
	"- `kill <agent-id>` — stop an agent and retire its account\n" +
	"- `help` — this text\n" +
	"Talk to a running agent in its own room."

// Service is the composed warren process.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	store   store.Store
	reg     *registry.Registry
	perms   *permission.Engine
	prov    *provision.Client
	manager *matrix.Client
	conv    *manager.Conversation
	events  *dedupe.Cache

	runCtx context.Context

	mu           sync.Mutex
	sessions     map[string]*bridge.Session
	clients      map[string]*matrix.Client
	rooms        map[id.RoomID]string // agent DM room -> agent id
	lastOperator string
}

// New builds the service from configuration. Nothing network-facing starts
// until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	svcLogger := logger.With("component", "service")

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	reg, err := registry.Load(context.Background(), st, registry.NewNameGenerator(time.Now().UnixNano()), logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("loading registry: %w", err)
	}

	prov, err := provision.NewClient(provision.Config{
		BaseURL:      cfg.Matrix.Homeserver,
		ServerName:   cfg.Matrix.ServerName,
		SharedSecret: cfg.Provision.SharedSecret,
		AdminToken:   cfg.Provision.AdminToken,
		Logger:       logger,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating provisioner: %w", err)
	}

	mgr, err := matrix.NewClient(cfg.Matrix.Homeserver, cfg.Matrix.UserID, cfg.Matrix.AccessToken, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("connecting manager account: %w", err)
	}

	s := &Service{
		cfg:      cfg,
		logger:   svcLogger,
		store:    st,
		reg:      reg,
		perms:    permission.NewEngine(reg, cfg.Permissions.Timeout, logger),
		prov:     prov,
		manager:  mgr,
		events:   dedupe.New(eventCacheTTL, eventCacheSize),
		sessions: make(map[string]*bridge.Session),
		clients:  make(map[string]*matrix.Client),
		rooms:    make(map[id.RoomID]string),
	}
	s.conv = manager.NewConversation(cfg.Agents.ProjectsRoot, s, logger)
	return s, nil
}

// Run starts everything and blocks until ctx is cancelled or a fatal error.
func (s *Service) Run(ctx context.Context) error {
	s.runCtx = ctx

	// Permission endpoint for agent CLIs.
	mux := http.NewServeMux()
	permission.NewServer(s.perms, s.logger).RegisterRoutes(mux)
	permSrv := &http.Server{Addr: s.cfg.Permissions.ListenAddr, Handler: mux}

	srvErr := make(chan error, 2)
	go func() {
		s.logger.Info("permission endpoint listening", "addr", s.cfg.Permissions.ListenAddr)
		if err := permSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- fmt.Errorf("permission endpoint: %w", err)
		}
	}()

	// Manager account: accept invites, handle commands.
	s.manager.AutoJoinInvites()
	s.manager.OnMessage(s.handleManagerMessage)
	go func() {
		if err := s.manager.Run(ctx); err != nil {
			srvErr <- err
		}
	}()

	s.restoreAgents(ctx)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-srvErr:
		s.logger.Error("fatal service error", "error", runErr)
	}

	s.shutdown(permSrv)
	return runErr
}

// shutdown stops sessions, flushes queues, and releases resources.
func (s *Service) shutdown(permSrv *http.Server) {
	s.logger.Info("shutting down")

	s.mu.Lock()
	sessions := make([]*bridge.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *bridge.Session) {
			defer wg.Done()
			sess.Stop(context.Background())
		}(sess)
	}
	wg.Wait()

	s.perms.CancelAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = permSrv.Shutdown(shutdownCtx)

	if err := s.store.Close(); err != nil {
		s.logger.Error("closing store", "error", err)
	}
}

// handleManagerMessage processes one message in a room the manager account
// shares with the operator.
func (s *Service) handleManagerMessage(ctx context.Context, eventID id.EventID, roomID id.RoomID, sender id.UserID, body string) {
	if s.events.Seen(eventID.String()) {
		return
	}
	if !s.isAllowed(sender) {
		s.logger.Debug("ignoring message from non-allowed user", "sender", sender.String())
		return
	}

	s.mu.Lock()
	s.lastOperator = sender.String()
	s.mu.Unlock()

	// Mid-dialogue messages belong to the creation flow.
	if reply, handled := s.conv.HandleMessage(ctx, body); handled {
		s.reply(ctx, roomID, reply)
		return
	}

	fields := strings.Fields(strings.TrimSpace(body))
	if len(fields) == 0 {
		return
	}

	switch strings.ToLower(fields[0]) {
	case "new":
		s.reply(ctx, roomID, s.conv.Begin())
	case "list", "agents":
		s.reply(ctx, roomID, s.agentList())
	case "kill":
		if len(fields) != 2 {
			s.reply(ctx, roomID, "Usage: `kill <agent-id>`")
			return
		}
		s.reply(ctx, roomID, s.killAgent(ctx, fields[1]))
	case "help":
		s.reply(ctx, roomID, managerHelp)
	default:
		s.reply(ctx, roomID, "I didn't understand that. Say `help` for commands.")
	}
}

// agentList formats the registry for the manager room, oldest first.
func (s *Service) agentList() string {
	agents := s.reg.List()
	if len(agents) == 0 {
		return "No agents yet. Say `new` to create one."
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].CreatedAt.Before(agents[j].CreatedAt) })

	var b strings.Builder
	b.WriteString("Agents:\n")
	for _, a := range agents {
		fmt.Fprintf(&b, "- `%s` (%s, %s) in %s\n", a.ID, a.Kind, a.Status, a.WorkDir)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Service) isAllowed(sender id.UserID) bool {
	for _, allowed := range s.cfg.Matrix.AllowedUsers {
		if allowed == sender.String() {
			return true
		}
	}
	return false
}

// operator returns the MXID agent rooms are created with: the operator we
// last heard from, falling back to the first allowlisted user.
func (s *Service) operator() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastOperator != "" {
		return s.lastOperator
	}
	return s.cfg.Matrix.AllowedUsers[0]
}

func (s *Service) reply(ctx context.Context, roomID id.RoomID, text string) {
	if text == "" {
		return
	}
	if err := s.manager.SendMarkdown(ctx, roomID, text); err != nil {
		s.logger.Error("failed to send manager reply", "room", roomID.String(), "error", err)
	}
}
