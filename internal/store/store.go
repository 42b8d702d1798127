// Package store is the relational store behind the relay: it answers
// membership questions for the authorizer and persists messages before they
// are broadcast.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Tyrowin/nexus-relay/internal/relay"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyMember is returned when adding an existing member.
	ErrAlreadyMember = errors.New("already a member")
)

// Store provides access to relational storage.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// OpenSQLite opens a SQLite database at dsn. ":memory:" is held on a single
// connection so every query sees the same database.
func OpenSQLite(dsn string, log *slog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if dsn == ":memory:" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(db, log), nil
}

// New wraps an open gorm database.
func New(db *gorm.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, logger: log, now: time.Now}
}

// DB exposes the underlying gorm handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Migrate creates or updates every table.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&User{}, &Server{}, &ServerMember{}, &Channel{}, &Message{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// IsAuthorized implements relay.Authorizer. A server room requires a
// membership row for the server; a channel room requires the channel to exist
// and a membership row for the channel's server.
func (s *Store) IsAuthorized(ctx context.Context, identity relay.Identity, room relay.RoomID) (bool, error) {
	serverID := room.EntityID()
	if room.Kind() == relay.RoomChannel {
		var ch Channel
		err := s.db.WithContext(ctx).Select("server_id").First(&ch, "id = ?", room.EntityID()).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to find channel: %w", err)
		}
		serverID = ch.ServerID
	}

	var count int64
	err := s.db.WithContext(ctx).Model(&ServerMember{}).
		Where("user_id = ? AND server_id = ?", identity.UserID, serverID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return count > 0, nil
}

// RecordMessage implements relay.MessageRecorder.
func (s *Store) RecordMessage(ctx context.Context, room relay.RoomID, identity relay.Identity, content string) (relay.StoredMessage, error) {
	if room.Kind() != relay.RoomChannel {
		return relay.StoredMessage{}, fmt.Errorf("messages belong to channels, not %s", room)
	}
	msg := &Message{
		ID:        uuid.NewString(),
		ChannelID: room.EntityID(),
		AuthorID:  identity.UserID,
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return relay.StoredMessage{}, fmt.Errorf("failed to create message: %w", err)
	}
	return relay.StoredMessage{ID: msg.ID, CreatedAt: msg.CreatedAt}, nil
}
