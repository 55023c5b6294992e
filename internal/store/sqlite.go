// ABOUTME: SQLite implementation of the session store using modernc.org/sqlite
// ABOUTME: Persists sessions and branches with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/courier-gateway/internal/session"
)

// SQLiteStore implements the session.Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
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

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id             TEXT PRIMARY KEY,
		channel_id     TEXT NOT NULL,
		sender_id      TEXT NOT NULL,
		history        TEXT NOT NULL DEFAULT '[]',
		input_tokens   INTEGER NOT NULL DEFAULT 0,
		output_tokens  INTEGER NOT NULL DEFAULT 0,
		last_active_at TIMESTAMP NOT NULL,
		state          TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS branches (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		name       TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		history    TEXT NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS idx_branches_session_id ON branches(session_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// GetSession loads a session by id. Returns session.ErrNotFound if absent.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel_id, sender_id, history, input_tokens, output_tokens, last_active_at, state
		FROM sessions WHERE id = ?`, id)

	var (
		sess        session.Session
		historyJSON string
	)
	err := row.Scan(&sess.ID, &sess.ChannelID, &sess.SenderID, &historyJSON,
		&sess.InputTokens, &sess.OutputTokens, &sess.LastActiveAt, &sess.State)
	if err == sql.ErrNoRows {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	if err := json.Unmarshal([]byte(historyJSON), &sess.History); err != nil {
		return nil, fmt.Errorf("decoding session history: %w", err)
	}
	return &sess, nil
}

// SaveSession upserts a session snapshot.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *session.Session) error {
	historyJSON, err := json.Marshal(sess.History)
	if err != nil {
		return fmt.Errorf("encoding session history: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, channel_id, sender_id, history, input_tokens, output_tokens, last_active_at, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			history = excluded.history,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			last_active_at = excluded.last_active_at,
			state = excluded.state`,
		sess.ID, sess.ChannelID, sess.SenderID, string(historyJSON),
		sess.InputTokens, sess.OutputTokens, sess.LastActiveAt, sess.State)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// SaveBranch inserts an immutable branch snapshot.
func (s *SQLiteStore) SaveBranch(ctx context.Context, b *session.Branch) error {
	historyJSON, err := json.Marshal(b.History)
	if err != nil {
		return fmt.Errorf("encoding branch history: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO branches (id, session_id, name, created_at, history)
		VALUES (?, ?, ?, ?, ?)`,
		b.ID, b.SessionID, b.Name, b.CreatedAt, string(historyJSON))
	if err != nil {
		return fmt.Errorf("saving branch: %w", err)
	}
	return nil
}

// LoadBranch loads a branch by id. Returns session.ErrBranchNotFound if absent.
func (s *SQLiteStore) LoadBranch(ctx context.Context, id string) (*session.Branch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, name, created_at, history
		FROM branches WHERE id = ?`, id)

	b, err := scanBranch(row)
	if err == sql.ErrNoRows {
		return nil, session.ErrBranchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying branch: %w", err)
	}
	return b, nil
}

// ListBranches returns all branches for a session, newest first.
func (s *SQLiteStore) ListBranches(ctx context.Context, sessionID string) ([]*session.Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, name, created_at, history
		FROM branches WHERE session_id = ?
		ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying branches: %w", err)
	}
	defer rows.Close()

	var branches []*session.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning branch: %w", err)
		}
		branches = append(branches, b)
	}
	return branches, rows.Err()
}

// DeleteBranch removes a branch by id. Deleting a missing branch is not an error.
func (s *SQLiteStore) DeleteBranch(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM branches WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting branch: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBranch(row rowScanner) (*session.Branch, error) {
	var (
		b           session.Branch
		historyJSON string
		createdAt   time.Time
	)
	if err := row.Scan(&b.ID, &b.SessionID, &b.Name, &createdAt, &historyJSON); err != nil {
		return nil, err
	}
	b.CreatedAt = createdAt
	if err := json.Unmarshal([]byte(historyJSON), &b.History); err != nil {
		return nil, fmt.Errorf("decoding branch history: %w", err)
	}
	return &b, nil
}
