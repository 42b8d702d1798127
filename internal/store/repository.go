package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrOwnerCannotLeave is returned when a server owner tries to leave.
var ErrOwnerCannotLeave = errors.New("server owners cannot leave their own server")

// CreateUser saves a new user, assigning an id when empty.
func (s *Store) CreateUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// FindUserByUsername retrieves a user by username.
func (s *Store) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, "username = ?", username).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return &user, nil
}

// CreateServer saves a server owned by server.OwnerID, makes the owner a
// member and creates the default channels, in one transaction.
func (s *Store) CreateServer(ctx context.Context, server *Server) ([]Channel, error) {
	if server.ID == "" {
		server.ID = uuid.NewString()
	}
	if server.InviteCode == "" {
		server.InviteCode = newInviteCode()
	}
	channels := []Channel{
		{ID: uuid.NewString(), ServerID: server.ID, Name: "general", Topic: "General discussion", Type: ChannelText, Position: 0},
		{ID: uuid.NewString(), ServerID: server.ID, Name: "random", Topic: "Random chat", Type: ChannelText, Position: 1},
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(server).Error; err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}
		owner := &ServerMember{
			ID:       uuid.NewString(),
			UserID:   server.OwnerID,
			ServerID: server.ID,
			Role:     RoleOwner,
			JoinedAt: s.now().UTC(),
		}
		if err := tx.Create(owner).Error; err != nil {
			return fmt.Errorf("failed to add owner: %w", err)
		}
		if err := tx.Create(&channels).Error; err != nil {
			return fmt.Errorf("failed to create default channels: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("server created", "server", server.ID, "owner", server.OwnerID)
	return channels, nil
}

// AddMember makes userID a member of serverID with role.
func (s *Store) AddMember(ctx context.Context, serverID, userID string, role Role) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&ServerMember{}).
		Where("user_id = ? AND server_id = ?", userID, serverID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check membership: %w", err)
	}
	if count > 0 {
		return ErrAlreadyMember
	}
	member := &ServerMember{
		ID:       uuid.NewString(),
		UserID:   userID,
		ServerID: serverID,
		Role:     role,
		JoinedAt: s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(member).Error; err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

// JoinByInvite adds userID to the server with the given invite code.
func (s *Store) JoinByInvite(ctx context.Context, inviteCode, userID string) (*Server, error) {
	var server Server
	if err := s.db.WithContext(ctx).First(&server, "invite_code = ?", inviteCode).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find server: %w", err)
	}
	if err := s.AddMember(ctx, server.ID, userID, RoleMember); err != nil {
		return nil, err
	}
	return &server, nil
}

// RemoveMember deletes userID's membership of serverID. Live subscriptions
// are not touched; the relay re-checks membership on send.
func (s *Store) RemoveMember(ctx context.Context, serverID, userID string) error {
	var member ServerMember
	err := s.db.WithContext(ctx).First(&member, "user_id = ? AND server_id = ?", userID, serverID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to find membership: %w", err)
	}
	if member.Role == RoleOwner {
		return ErrOwnerCannotLeave
	}
	if err := s.db.WithContext(ctx).Delete(&member).Error; err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	return nil
}

// CreateChannel adds a channel to an existing server.
func (s *Store) CreateChannel(ctx context.Context, channel *Channel) error {
	if channel.ID == "" {
		channel.ID = uuid.NewString()
	}
	if channel.Type == "" {
		channel.Type = ChannelText
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&Server{}).Where("id = ?", channel.ServerID).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to find server: %w", err)
	}
	if count == 0 {
		return ErrNotFound
	}
	if err := s.db.WithContext(ctx).Create(channel).Error; err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}
	return nil
}

// ListChannels returns a server's channels ordered by position.
func (s *Store) ListChannels(ctx context.Context, serverID string) ([]Channel, error) {
	var channels []Channel
	if err := s.db.WithContext(ctx).Where("server_id = ?", serverID).Order("position ASC").Find(&channels).Error; err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	return channels, nil
}

// ListMessages returns up to limit of the newest messages in a channel,
// oldest first.
func (s *Store) ListMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var messages []Message
	if err := s.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Order("created_at DESC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func newInviteCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
