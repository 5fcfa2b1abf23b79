package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/roomcast/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements MessageStore on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to databaseURL, verifies the connection and ensures the schema.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS chat_messages (
		id BIGSERIAL PRIMARY KEY,
		room TEXT NOT NULL,
		username TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_room_id ON chat_messages(room, id);
	`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", describePgError(err))
	}
	return nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Append inserts a message; id and created_at are assigned by the database.
func (s *PostgresStore) Append(ctx context.Context, room, author, text string) (domain.Message, error) {
	query := `
		INSERT INTO chat_messages (room, username, message)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`

	msg := domain.Message{Room: room, Username: author, Text: text}
	if err := s.pool.QueryRow(ctx, query, room, author, text).Scan(&msg.ID, &msg.CreatedAt); err != nil {
		return domain.Message{}, fmt.Errorf("insert chat message: %w", describePgError(err))
	}
	return msg, nil
}

// RecentHistory returns the newest limit messages of a room in ascending order.
func (s *PostgresStore) RecentHistory(ctx context.Context, room string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}

	query := `
		SELECT id, room, username, message, created_at FROM (
			SELECT id, room, username, message, created_at
			FROM chat_messages WHERE room = $1
			ORDER BY id DESC LIMIT $2
		) recent ORDER BY id ASC`

	rows, err := s.pool.Query(ctx, query, room, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent history: %w", describePgError(err))
	}

	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Message, error) {
		var msg domain.Message
		err := row.Scan(&msg.ID, &msg.Room, &msg.Username, &msg.Text, &msg.CreatedAt)
		return msg, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan history rows: %w", describePgError(err))
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	return messages, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// describePgError annotates server-side errors with their SQLSTATE code.
func describePgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("postgres %s: %w", pgErr.Code, err)
	}
	return err
}
