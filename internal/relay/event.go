package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Inbound event names (client to server).
const (
	EventJoinRoom     = "join-room"
	EventLeaveRoom    = "leave-room"
	EventJoinServer   = "join-server"
	EventLeaveServer  = "leave-server"
	EventJoinChannel  = "join-channel"
	EventLeaveChannel = "leave-channel"
	EventSendMessage  = "send-message"
	EventStatusUpdate = "status-update"
	EventTypingStart  = "typing-start"
	EventTypingStop   = "typing-stop"
	EventDisconnect   = "disconnect"
)

// Outbound event names (server to client).
const (
	EventNewMessage        = "new-message"
	EventUserStatusUpdate  = "user-status-update"
	EventUserTyping        = "user-typing"
	EventUserStoppedTyping = "user-stopped-typing"
	EventRoomJoined        = "room-joined"
	EventRoomLeft          = "room-left"
	EventError             = "error"
)

// MaxContentLength bounds a message body, in runes.
const MaxContentLength = 2000

// Envelope is the JSON frame exchanged in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// flexID accepts ids encoded either as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number")
	}
	*f = flexID(n.String())
	return nil
}

// inboundPayload is the union of every inbound payload. Identity fields
// (userId, username, identity) are accepted for compatibility and ignored.
type inboundPayload struct {
	RoomID    flexID          `json:"roomId"`
	ServerID  flexID          `json:"serverId"`
	ChannelID flexID          `json:"channelId"`
	Content   *string         `json:"content"`
	Status    string          `json:"status"`
	UserID    flexID          `json:"userId"`
	Username  string          `json:"username"`
	Identity  json.RawMessage `json:"identity"`
}

// Inbound is a validated client event.
type Inbound struct {
	Event   string
	Room    RoomID
	Content string
	Status  Status
}

// DecodeInbound parses and validates one client frame. Every failure wraps
// ErrMalformedEvent.
func DecodeInbound(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Inbound{}, reject(ErrMalformedEvent, "", "", "invalid envelope: %v", err)
	}
	in := Inbound{Event: env.Event}

	var p inboundPayload
	if len(env.Data) > 0 && !bytes.Equal(bytes.TrimSpace(env.Data), []byte("null")) {
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return in, reject(ErrMalformedEvent, env.Event, "", "invalid payload: %v", err)
		}
	}

	var err error
	switch env.Event {
	case EventJoinRoom, EventLeaveRoom:
		in.Room, err = ParseRoomID(string(p.RoomID))
	case EventJoinServer, EventLeaveServer:
		in.Room, err = resolveRoom(firstNonEmpty(p.ServerID, p.RoomID), RoomServer)
	case EventJoinChannel, EventLeaveChannel, EventTypingStart, EventTypingStop:
		in.Room, err = resolveRoom(firstNonEmpty(p.RoomID, p.ChannelID), RoomChannel)
	case EventSendMessage:
		in.Room, err = resolveRoom(firstNonEmpty(p.RoomID, p.ChannelID), RoomChannel)
		if err == nil {
			in.Content, err = validateContent(p.Content)
		}
	case EventStatusUpdate:
		in.Status = Status(p.Status)
		if !in.Status.Valid() {
			err = fmt.Errorf("unknown status %q", p.Status)
		}
	case EventDisconnect:
	case "":
		err = fmt.Errorf("missing event name")
	default:
		err = fmt.Errorf("unknown event %q", env.Event)
	}
	if err != nil {
		return in, reject(ErrMalformedEvent, env.Event, in.Room, "%v", err)
	}
	return in, nil
}

func firstNonEmpty(ids ...flexID) string {
	for _, id := range ids {
		if id != "" {
			return string(id)
		}
	}
	return ""
}

func validateContent(content *string) (string, error) {
	if content == nil {
		return "", fmt.Errorf("missing content")
	}
	trimmed := strings.TrimSpace(*content)
	if trimmed == "" {
		return "", fmt.Errorf("empty content")
	}
	if !utf8.ValidString(trimmed) {
		return "", fmt.Errorf("content is not valid UTF-8")
	}
	if utf8.RuneCountInString(trimmed) > MaxContentLength {
		return "", fmt.Errorf("content longer than %d characters", MaxContentLength)
	}
	return trimmed, nil
}

// NewMessage is the payload of a new-message event.
type NewMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	RoomID    RoomID    `json:"roomId"`
	CreatedAt time.Time `json:"createdAt"`
}

// UserStatusUpdate is the payload of a user-status-update event.
type UserStatusUpdate struct {
	UserID string `json:"userId"`
	Status Status `json:"status"`
}

// UserTyping is the payload of a user-typing event.
type UserTyping struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	RoomID   RoomID `json:"roomId"`
}

// UserStoppedTyping is the payload of a user-stopped-typing event.
type UserStoppedTyping struct {
	UserID string `json:"userId"`
	RoomID RoomID `json:"roomId"`
}

// RoomAck confirms a join or leave to the originator.
type RoomAck struct {
	RoomID RoomID `json:"roomId"`
}

// ErrorPayload reports a rejected event to the originator.
type ErrorPayload struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
	RoomID  RoomID `json:"roomId,omitempty"`
}

// Delivery classifies a frame for the outbound queue.
type Delivery uint8

const (
	// DeliveryControl frames (acks, errors) are never dropped.
	DeliveryControl Delivery = iota
	// DeliveryCritical frames (messages, status) count against the backlog.
	DeliveryCritical
	// DeliveryBestEffort frames (typing) are dropped first under pressure.
	DeliveryBestEffort
)

// Frame is an encoded outbound event. One Frame is shared by every recipient
// of a broadcast.
type Frame struct {
	Event    string
	Body     []byte
	Delivery Delivery
}

// NewFrame encodes data under event.
func NewFrame(event string, data any, delivery Delivery) (Frame, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", event, err)
	}
	body, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s envelope: %w", event, err)
	}
	return Frame{Event: event, Body: body, Delivery: delivery}, nil
}

// ErrorFrame encodes err for the originator of a rejected event.
func ErrorFrame(err error) Frame {
	payload := ErrorPayload{Code: CodeOf(err), Message: err.Error()}
	var r *Rejection
	if errors.As(err, &r) {
		payload.Message = r.Reason
		payload.Event = r.Event
		payload.RoomID = r.Room
	}
	f, encErr := NewFrame(EventError, payload, DeliveryControl)
	if encErr != nil {
		// ErrorPayload holds only strings; encoding cannot fail.
		panic(encErr)
	}
	return f
}
