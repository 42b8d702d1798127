package relay

import (
	"context"
	"time"
)

// Identity is the resolved, immutable principal behind a connection.
type Identity struct {
	UserID   string
	Username string
}

// Valid reports whether the identity names a user.
func (i Identity) Valid() bool {
	return i.UserID != ""
}

// Status is a user presence state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
)

// Valid reports whether s is one of the known presence states.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusAway, StatusBusy:
		return true
	}
	return false
}

// IdentityResolver turns a handshake credential into an identity. It is
// consulted once per connection, before the connection exists.
type IdentityResolver interface {
	Resolve(ctx context.Context, credential string) (Identity, error)
}

// Authorizer answers whether an identity currently has relational membership
// granting access to a room. Results are never cached by the relay.
type Authorizer interface {
	IsAuthorized(ctx context.Context, identity Identity, room RoomID) (bool, error)
}

// StoredMessage carries the canonical identifiers assigned on persistence.
type StoredMessage struct {
	ID        string
	CreatedAt time.Time
}

// MessageRecorder persists a message before it is broadcast.
type MessageRecorder interface {
	RecordMessage(ctx context.Context, room RoomID, identity Identity, content string) (StoredMessage, error)
}

// PresenceTracker records user presence outside the process.
type PresenceTracker interface {
	SetStatus(ctx context.Context, userID string, status Status) error
	Touch(ctx context.Context, userIDs []string) error
	Clear(ctx context.Context, userID string) error
}

// EventPublisher receives every accepted message after it has been broadcast.
type EventPublisher interface {
	PublishMessage(ctx context.Context, msg NewMessage) error
}
