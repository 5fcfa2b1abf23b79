// Package store provides chat history persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/ashureev/roomcast/internal/config"
	"github.com/ashureev/roomcast/internal/domain"
)

// ErrUnsupportedDSN is returned by Open when DATABASE_URL has an unknown scheme.
var ErrUnsupportedDSN = errors.New("unsupported database url scheme")

// MessageStore defines durable storage for chat messages.
type MessageStore interface {
	// Append persists a message and returns it with the store-assigned
	// sequence id and creation timestamp.
	Append(ctx context.Context, room, author, text string) (domain.Message, error)

	// RecentHistory returns at most limit of the newest messages in room,
	// ordered ascending by sequence id.
	RecentHistory(ctx context.Context, room string, limit int) ([]domain.Message, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// Open selects the store implementation from configuration: PostgreSQL when
// DATABASE_URL is set, SQLite at DB_PATH otherwise.
func Open(ctx context.Context, cfg *config.Config) (MessageStore, error) {
	if !cfg.UsesPostgres() {
		return NewSQLite(cfg.DBPath, cfg.Retry)
	}
	if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
		return nil, ErrUnsupportedDSN
	}
	return NewPostgres(ctx, cfg.DatabaseURL)
}
