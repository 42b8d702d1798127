package store

import (
	"time"
)

// Role is a member's rank within a server.
type Role string

const (
	RoleOwner     Role = "owner"
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
)

// ChannelType distinguishes text from voice channels.
type ChannelType string

const (
	ChannelText  ChannelType = "text"
	ChannelVoice ChannelType = "voice"
)

// User is an account that may hold connections.
type User struct {
	ID        string    `gorm:"primarykey;size:36" json:"id"`
	Email     string    `gorm:"size:255;not null;uniqueIndex" json:"email"`
	Username  string    `gorm:"size:64;not null;uniqueIndex" json:"username"`
	Avatar    string    `gorm:"size:500" json:"avatar,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for User model.
func (User) TableName() string {
	return "users"
}

// Server groups channels and members.
type Server struct {
	ID          string    `gorm:"primarykey;size:36" json:"id"`
	Name        string    `gorm:"size:100;not null" json:"name"`
	Description string    `gorm:"size:500" json:"description,omitempty"`
	Icon        string    `gorm:"size:500" json:"icon,omitempty"`
	InviteCode  string    `gorm:"size:36;not null;uniqueIndex" json:"invite_code"`
	OwnerID     string    `gorm:"size:36;not null;index" json:"owner_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName returns the table name for Server model.
func (Server) TableName() string {
	return "servers"
}

// ServerMember is the relational membership that gates room access.
type ServerMember struct {
	ID       string    `gorm:"primarykey;size:36" json:"id"`
	UserID   string    `gorm:"size:36;not null;uniqueIndex:idx_member_user_server" json:"user_id"`
	ServerID string    `gorm:"size:36;not null;uniqueIndex:idx_member_user_server;index" json:"server_id"`
	Role     Role      `gorm:"size:16;not null;default:member" json:"role"`
	Nickname string    `gorm:"size:64" json:"nickname,omitempty"`
	JoinedAt time.Time `gorm:"not null" json:"joined_at"`
}

// TableName returns the table name for ServerMember model.
func (ServerMember) TableName() string {
	return "server_members"
}

// Channel belongs to exactly one server.
type Channel struct {
	ID        string      `gorm:"primarykey;size:36" json:"id"`
	ServerID  string      `gorm:"size:36;not null;index" json:"server_id"`
	Name      string      `gorm:"size:100;not null" json:"name"`
	Topic     string      `gorm:"size:500" json:"topic,omitempty"`
	Type      ChannelType `gorm:"size:16;not null;default:text" json:"type"`
	Position  int         `gorm:"not null;default:0" json:"position"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// TableName returns the table name for Channel model.
func (Channel) TableName() string {
	return "channels"
}

// Message is a persisted chat message.
type Message struct {
	ID        string    `gorm:"primarykey;size:36" json:"id"`
	ChannelID string    `gorm:"size:36;not null;index:idx_message_channel_created" json:"channel_id"`
	AuthorID  string    `gorm:"size:36;not null;index" json:"author_id"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	Edited    bool      `gorm:"not null;default:false" json:"edited"`
	CreatedAt time.Time `gorm:"index:idx_message_channel_created" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for Message model.
func (Message) TableName() string {
	return "messages"
}
