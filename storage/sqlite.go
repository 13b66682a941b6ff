// Package storage persists the two pieces of state that outlive a session:
// the raw conversation transcript and the API credential.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"parley/core"
)

const credentialName = "api_key"

// SQLiteStore keeps the transcript and credential in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// WAL mode so a write never blocks the boot-time transcript read.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY,
		text TEXT NOT NULL,
		sender TEXT NOT NULL,
		error_flag INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credentials (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// SaveMessage appends one message. The transcript table is append-only;
// rows are only ever removed wholesale by ClearTranscript.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg core.Message) error {
	query := `INSERT INTO messages (id, text, sender, error_flag, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.Text, string(msg.Sender), boolToInt(msg.ErrorFlag), msg.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// LoadTranscript returns the persisted history in insertion order.
func (s *SQLiteStore) LoadTranscript(ctx context.Context) ([]core.Message, error) {
	query := `SELECT id, text, sender, error_flag, created_at FROM messages ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var messages []core.Message
	for rows.Next() {
		var msg core.Message
		var sender string
		var errorFlag int
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.Text, &sender, &errorFlag, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Sender = core.Sender(sender)
		msg.ErrorFlag = errorFlag != 0
		msg.CreatedAt = time.Unix(createdAt, 0)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript: %w", err)
	}
	return messages, nil
}

// ClearTranscript removes all persisted messages.
func (s *SQLiteStore) ClearTranscript(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return fmt.Errorf("clear transcript: %w", err)
	}
	return nil
}

// Get returns the stored API credential, or core.ErrMissingCredential when
// none has been set.
func (s *SQLiteStore) Get(ctx context.Context) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM credentials WHERE name = ?`, credentialName)
	var value string
	err := row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && value == "") {
		return "", core.ErrMissingCredential
	}
	if err != nil {
		return "", fmt.Errorf("read credential: %w", err)
	}
	return value, nil
}

// SetCredential stores or replaces the API credential.
func (s *SQLiteStore) SetCredential(ctx context.Context, value string) error {
	query := `
		INSERT INTO credentials (name, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, credentialName, value, time.Now().Unix()); err != nil {
		return fmt.Errorf("set credential: %w", err)
	}
	return nil
}

// ClearCredential forgets the stored credential.
func (s *SQLiteStore) ClearCredential(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE name = ?`, credentialName); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
