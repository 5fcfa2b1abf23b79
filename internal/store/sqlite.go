package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/roomcast/internal/config"
	"github.com/ashureev/roomcast/internal/domain"
	"github.com/ashureev/roomcast/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements MessageStore using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry config.RetryConfig
}

// NewSQLite creates a new SQLite-backed message store.
func NewSQLite(dbPath string, retry config.RetryConfig) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL and busy_timeout are applied per pooled connection.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if retry.DatabaseMaxRetries <= 0 {
		retry.DatabaseMaxRetries = 3
	}
	if retry.DatabaseRetryBaseDelay <= 0 {
		retry.DatabaseRetryBaseDelay = 50 * time.Millisecond
	}

	store := &SQLiteStore{db: db, retry: retry}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room TEXT NOT NULL,
		username TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_room_id ON chat_messages(room, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Append inserts a message. Lock contention is retried with backoff; the
// insert is never applied twice because a busy error means it did not run.
func (s *SQLiteStore) Append(ctx context.Context, room, author, text string) (domain.Message, error) {
	query := `INSERT INTO chat_messages (room, username, message, created_at) VALUES (?, ?, ?, ?)`

	createdAt := time.UnixMilli(time.Now().UnixMilli())
	var id int64
	err := shared.RetryOnConflict(ctx, s.retry.DatabaseMaxRetries, s.retry.DatabaseRetryBaseDelay, func() error {
		result, err := s.db.ExecContext(ctx, query, room, author, text, createdAt.UnixMilli())
		if err != nil {
			return err
		}
		id, err = result.LastInsertId()
		return err
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("insert chat message: %w", err)
	}

	return domain.Message{
		ID:        id,
		Room:      room,
		Username:  author,
		Text:      text,
		CreatedAt: createdAt,
	}, nil
}

// RecentHistory returns the newest limit messages of a room in ascending order.
func (s *SQLiteStore) RecentHistory(ctx context.Context, room string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}

	query := `
		SELECT id, room, username, message, created_at FROM (
			SELECT id, room, username, message, created_at
			FROM chat_messages WHERE room = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, room, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent history: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close history rows", "error", closeErr)
		}
	}()

	messages := make([]domain.Message, 0, limit)
	for rows.Next() {
		var msg domain.Message
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.Room, &msg.Username, &msg.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		msg.CreatedAt = time.UnixMilli(createdAt)
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}

	return messages, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
