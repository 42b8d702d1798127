// Package pgstore implements the relay's authorizer and message recorder on
// PostgreSQL, against the same schema as package store.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Tyrowin/nexus-relay/internal/relay"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	email      TEXT NOT NULL UNIQUE,
	username   TEXT NOT NULL UNIQUE,
	avatar     TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS servers (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT,
	icon        TEXT,
	invite_code TEXT NOT NULL UNIQUE,
	owner_id    TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS server_members (
	id        TEXT PRIMARY KEY,
	user_id   TEXT NOT NULL,
	server_id TEXT NOT NULL,
	role      TEXT NOT NULL DEFAULT 'member',
	nickname  TEXT,
	joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, server_id)
);
CREATE TABLE IF NOT EXISTS channels (
	id         TEXT PRIMARY KEY,
	server_id  TEXT NOT NULL,
	name       TEXT NOT NULL,
	topic      TEXT,
	type       TEXT NOT NULL DEFAULT 'text',
	position   INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL,
	author_id  TEXT NOT NULL,
	content    TEXT NOT NULL,
	edited     BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_channels_server_id ON channels (server_id);
CREATE INDEX IF NOT EXISTS idx_messages_channel_created ON messages (channel_id, created_at);
`

const authorizeSQL = `
SELECT EXISTS (
	SELECT 1 FROM server_members m
	WHERE m.user_id = $1 AND m.server_id = $2
)`

const authorizeChannelSQL = `
SELECT EXISTS (
	SELECT 1 FROM channels c
	JOIN server_members m ON m.server_id = c.server_id
	WHERE c.id = $2 AND m.user_id = $1
)`

const insertMessageSQL = `
INSERT INTO messages (id, channel_id, author_id, content)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at`

// Store is a PostgreSQL-backed authorizer and message recorder.
type Store struct {
	pool *pgxpool.Pool
}

// Open creates a connection pool for url and verifies it answers.
func Open(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return New(pool), nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates any missing tables.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// IsAuthorized implements relay.Authorizer.
func (s *Store) IsAuthorized(ctx context.Context, identity relay.Identity, room relay.RoomID) (bool, error) {
	query := authorizeSQL
	if room.Kind() == relay.RoomChannel {
		query = authorizeChannelSQL
	}
	var ok bool
	if err := s.pool.QueryRow(ctx, query, identity.UserID, room.EntityID()).Scan(&ok); err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return ok, nil
}

// RecordMessage implements relay.MessageRecorder. The database assigns
// created_at.
func (s *Store) RecordMessage(ctx context.Context, room relay.RoomID, identity relay.Identity, content string) (relay.StoredMessage, error) {
	if room.Kind() != relay.RoomChannel {
		return relay.StoredMessage{}, fmt.Errorf("messages belong to channels, not %s", room)
	}
	var (
		id        string
		createdAt time.Time
	)
	err := s.pool.QueryRow(ctx, insertMessageSQL, uuid.NewString(), room.EntityID(), identity.UserID, content).
		Scan(&id, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return relay.StoredMessage{}, fmt.Errorf("message insert returned no row")
	}
	if err != nil {
		return relay.StoredMessage{}, fmt.Errorf("failed to create message: %w", err)
	}
	return relay.StoredMessage{ID: id, CreatedAt: createdAt.UTC()}, nil
}
