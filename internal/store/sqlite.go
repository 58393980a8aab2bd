// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent record persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			user_id TEXT NOT NULL,
			access_token TEXT NOT NULL DEFAULT '',
			room_id TEXT NOT NULL DEFAULT '',
			work_dir TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			created_by TEXT NOT NULL,
			status TEXT NOT NULL,
			resume_token TEXT NOT NULL DEFAULT '',
			pid INTEGER NOT NULL DEFAULT 0
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Load reads every stored agent record.
func (s *SQLiteStore) Load(ctx context.Context) (*ServiceState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, user_id, access_token, room_id, work_dir, created_at, created_by, status, resume_token, pid
		FROM agents ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	state := &ServiceState{}
	for rows.Next() {
		rec := &AgentRecord{}
		var kind, status string
		var createdAt time.Time
		if err := rows.Scan(&rec.ID, &kind, &rec.UserID, &rec.AccessToken, &rec.RoomID, &rec.WorkDir,
			&createdAt, &rec.CreatedBy, &status, &rec.ResumeToken, &rec.PID); err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		rec.Kind = AgentKind(kind)
		rec.Status = AgentStatus(status)
		rec.CreatedAt = createdAt
		state.Agents = append(state.Agents, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return state, nil
}

// UpsertAgent inserts or replaces an agent record.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, rec *AgentRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, kind, user_id, access_token, room_id, work_dir, created_at, created_by, status, resume_token, pid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			user_id = excluded.user_id,
			access_token = excluded.access_token,
			room_id = excluded.room_id,
			work_dir = excluded.work_dir,
			created_by = excluded.created_by,
			status = excluded.status,
			resume_token = excluded.resume_token,
			pid = excluded.pid
	`, rec.ID, string(rec.Kind), rec.UserID, rec.AccessToken, rec.RoomID, rec.WorkDir, rec.CreatedAt,
		rec.CreatedBy, string(rec.Status), rec.ResumeToken, rec.PID)
	if err != nil {
		return fmt.Errorf("upserting agent %s: %w", rec.ID, err)
	}
	return nil
}

// RemoveAgent deletes an agent record. Returns ErrNotFound if no row matched.
func (s *SQLiteStore) RemoveAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting agent %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAllStopped forces every record to StatusStopped and clears stale PIDs.
func (s *SQLiteStore) MarkAllStopped(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET status = ?, pid = 0`, string(StatusStopped))
	if err != nil {
		return fmt.Errorf("marking agents stopped: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}
