package relay

import (
	"fmt"
	"strings"
)

// RoomKind distinguishes server-wide rooms from channel rooms.
type RoomKind string

const (
	RoomServer  RoomKind = "server"
	RoomChannel RoomKind = "channel"
)

const maxEntityIDLength = 64

// RoomID identifies a broadcast scope, either "server-{id}" or "channel-{id}".
type RoomID string

// ServerRoom returns the room id for every connection watching a server.
func ServerRoom(serverID string) RoomID {
	return RoomID(string(RoomServer) + "-" + serverID)
}

// ChannelRoom returns the room id for a single channel.
func ChannelRoom(channelID string) RoomID {
	return RoomID(string(RoomChannel) + "-" + channelID)
}

// ParseRoomID validates s as a fully qualified room id.
func ParseRoomID(s string) (RoomID, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return "", fmt.Errorf("room id %q: missing kind prefix", s)
	}
	switch RoomKind(kind) {
	case RoomServer, RoomChannel:
	default:
		return "", fmt.Errorf("room id %q: unknown kind %q", s, kind)
	}
	if err := validateEntityID(id); err != nil {
		return "", fmt.Errorf("room id %q: %w", s, err)
	}
	return RoomID(kind + "-" + id), nil
}

// resolveRoom accepts either a fully qualified room id or a bare entity id,
// which is qualified with kind. A qualified id must match kind.
func resolveRoom(s string, kind RoomKind) (RoomID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("missing %s id", kind)
	}
	for _, k := range []RoomKind{RoomServer, RoomChannel} {
		if !strings.HasPrefix(s, string(k)+"-") {
			continue
		}
		if k != kind {
			return "", fmt.Errorf("room id %q: expected a %s room", s, kind)
		}
		return ParseRoomID(s)
	}
	if err := validateEntityID(s); err != nil {
		return "", fmt.Errorf("%s id %q: %w", kind, s, err)
	}
	return RoomID(string(kind) + "-" + s), nil
}

func validateEntityID(id string) error {
	if id == "" {
		return fmt.Errorf("empty id")
	}
	if len(id) > maxEntityIDLength {
		return fmt.Errorf("id longer than %d bytes", maxEntityIDLength)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return fmt.Errorf("invalid character %q", r)
		}
	}
	return nil
}

// Kind reports whether the room is server or channel scoped.
func (r RoomID) Kind() RoomKind {
	kind, _, _ := strings.Cut(string(r), "-")
	return RoomKind(kind)
}

// EntityID returns the server or channel id the room is keyed on.
func (r RoomID) EntityID() string {
	_, id, _ := strings.Cut(string(r), "-")
	return id
}

func (r RoomID) String() string {
	return string(r)
}
