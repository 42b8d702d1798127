package relay

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// State is the router's view of a connection.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateSubscribed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// RouterConfig wires the router's collaborators. Authorizer is required.
// Publisher is called on the sender's read goroutine and should hand the
// message off rather than deliver it inline.
type RouterConfig struct {
	Authorizer Authorizer
	Recorder   MessageRecorder
	Presence   PresenceTracker
	Publisher  EventPublisher

	AuthorizeTimeout time.Duration
	RecordTimeout    time.Duration
	PublishTimeout   time.Duration

	// RecheckOnSend re-asks the Authorizer on every send-message, so a user
	// removed from a server stops delivering to it without reconnecting.
	RecheckOnSend bool

	Logger *slog.Logger
	// Now stamps events; defaults to time.Now.
	Now func() time.Time
}

// Router validates inbound events and turns them into registry mutations and
// broadcasts on the hub.
type Router struct {
	hub    *Hub
	cfg    RouterConfig
	logger *slog.Logger
}

// NewRouter creates a Router dispatching onto hub.
func NewRouter(hub *Hub, cfg RouterConfig) (*Router, error) {
	if hub == nil {
		return nil, errors.New("relay: router requires a hub")
	}
	if cfg.Authorizer == nil {
		return nil, errors.New("relay: router requires an authorizer")
	}
	if cfg.AuthorizeTimeout <= 0 {
		cfg.AuthorizeTimeout = 5 * time.Second
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{hub: hub, cfg: cfg, logger: logger}, nil
}

// StateOf reports the state of c.
func (r *Router) StateOf(c *Connection) State {
	switch {
	case c == nil:
		return StateUnauthenticated
	case c.Closed():
		return StateClosed
	case len(r.hub.registry.RoomsOf(c.id)) > 0:
		return StateSubscribed
	}
	return StateAuthenticated
}

// Serve drives c with the inbound frames of events until the sequence ends,
// a transport error is yielded, ctx is cancelled, or the client disconnects.
// c is closed on return.
func (r *Router) Serve(ctx context.Context, c *Connection, events iter.Seq2[[]byte, error]) error {
	defer c.Close()

	for raw, err := range events {
		if err != nil {
			return err
		}
		if err := r.Dispatch(ctx, c, raw); errors.Is(err, ErrConnectionClosed) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch handles one inbound frame. A rejected event is reported to c and
// returned; the connection stays open. ErrConnectionClosed means c is closed
// and no further frames should be dispatched.
func (r *Router) Dispatch(ctx context.Context, c *Connection, raw []byte) error {
	if c.Closed() {
		return ErrConnectionClosed
	}

	in, err := DecodeInbound(raw)
	if err == nil {
		err = r.route(ctx, c, in)
	}
	if err == nil || errors.Is(err, ErrConnectionClosed) {
		return err
	}
	return r.reject(c, in, err)
}

func (r *Router) route(ctx context.Context, c *Connection, in Inbound) error {
	switch in.Event {
	case EventJoinRoom, EventJoinServer, EventJoinChannel:
		return r.join(ctx, c, in)
	case EventLeaveRoom, EventLeaveServer, EventLeaveChannel:
		return r.leave(c, in)
	case EventSendMessage:
		return r.message(ctx, c, in)
	case EventStatusUpdate:
		return r.status(ctx, c, in)
	case EventTypingStart, EventTypingStop:
		return r.typing(ctx, c, in)
	case EventDisconnect:
		c.Close()
		return ErrConnectionClosed
	}
	return reject(ErrMalformedEvent, in.Event, in.Room, "unhandled event")
}

// reject reports err to the originator only.
func (r *Router) reject(c *Connection, in Inbound, err error) error {
	var rej *Rejection
	if !errors.As(err, &rej) {
		rej = reject(ErrCollaboratorUnavailable, in.Event, in.Room, "%v", err)
		err = rej
	}
	level := slog.LevelDebug
	if errors.Is(err, ErrCollaboratorUnavailable) {
		level = slog.LevelWarn
	}
	r.logger.Log(context.Background(), level, "event rejected",
		"conn", c.id, "user", c.identity.UserID, "event", rej.Event, "room", rej.Room,
		"code", CodeOf(err), "reason", rej.Reason)
	c.Send(ErrorFrame(err))
	return err
}

// join authorizes first, without holding any registry lock, and mutates the
// registry last. A result arriving after the connection closed is discarded.
func (r *Router) join(ctx context.Context, c *Connection, in Inbound) error {
	if !r.hub.registry.IsSubscribed(c.id, in.Room) {
		if err := r.authorize(ctx, c, in); err != nil {
			return err
		}
		if c.Closed() {
			return ErrConnectionClosed
		}
		if _, err := r.hub.registry.Subscribe(c, in.Room); err != nil {
			return err
		}
		r.logger.Debug("room joined", "conn", c.id, "user", c.identity.UserID, "room", in.Room)
	}
	return r.ack(c, EventRoomJoined, in.Room)
}

// leave needs no authorization and is idempotent.
func (r *Router) leave(c *Connection, in Inbound) error {
	if r.hub.registry.Unsubscribe(c, in.Room) {
		r.logger.Debug("room left", "conn", c.id, "user", c.identity.UserID, "room", in.Room)
	}
	return r.ack(c, EventRoomLeft, in.Room)
}

func (r *Router) ack(c *Connection, event string, room RoomID) error {
	f, err := NewFrame(event, RoomAck{RoomID: room}, DeliveryControl)
	if err != nil {
		return err
	}
	c.Send(f)
	return nil
}

// authorize asks the Authorizer about c's identity and room. The call is
// cancelled if c closes or ctx is done. Collaborator failures never grant
// access.
func (r *Router) authorize(ctx context.Context, c *Connection, in Inbound) error {
	actx, cancel := context.WithTimeout(c.ctx, r.cfg.AuthorizeTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	ok, err := r.cfg.Authorizer.IsAuthorized(actx, c.identity, in.Room)
	if c.Closed() {
		return ErrConnectionClosed
	}
	if err != nil {
		return reject(ErrCollaboratorUnavailable, in.Event, in.Room, "authorization check failed: %v", err)
	}
	if !ok {
		return reject(ErrUnauthorized, in.Event, in.Room, "not a member of %s", in.Room)
	}
	return nil
}

// message requires a prior join; subscription is the delivery gate. The
// canonical id and timestamp come from the recorder before the broadcast.
func (r *Router) message(ctx context.Context, c *Connection, in Inbound) error {
	if !r.hub.registry.IsSubscribed(c.id, in.Room) {
		return reject(ErrNotSubscribed, in.Event, in.Room, "join %s before sending to it", in.Room)
	}
	if r.cfg.RecheckOnSend {
		if err := r.authorize(ctx, c, in); err != nil {
			if errors.Is(err, ErrUnauthorized) {
				r.hub.registry.Unsubscribe(c, in.Room)
			}
			return err
		}
	}

	stored, err := r.record(ctx, c, in)
	if err != nil {
		return err
	}
	msg := NewMessage{
		ID:        stored.ID,
		Content:   in.Content,
		UserID:    c.identity.UserID,
		Username:  c.identity.Username,
		RoomID:    in.Room,
		CreatedAt: stored.CreatedAt,
	}
	f, err := NewFrame(EventNewMessage, msg, DeliveryCritical)
	if err != nil {
		return err
	}
	if err := r.hub.Broadcast(ctx, in.Room, f, ""); err != nil {
		return r.broadcastFailed(in, err)
	}
	r.publish(ctx, msg)
	return nil
}

func (r *Router) record(ctx context.Context, c *Connection, in Inbound) (StoredMessage, error) {
	if r.cfg.Recorder == nil {
		return StoredMessage{ID: uuid.NewString(), CreatedAt: r.cfg.Now().UTC()}, nil
	}

	rctx, cancel := context.WithTimeout(c.ctx, r.cfg.RecordTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	stored, err := r.cfg.Recorder.RecordMessage(rctx, in.Room, c.identity, in.Content)
	if c.Closed() {
		return StoredMessage{}, ErrConnectionClosed
	}
	if err != nil {
		return StoredMessage{}, reject(ErrCollaboratorUnavailable, in.Event, in.Room, "message not stored: %v", err)
	}
	if stored.ID == "" {
		return StoredMessage{}, reject(ErrCollaboratorUnavailable, in.Event, in.Room, "message stored without id")
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.cfg.Now().UTC()
	}
	return stored, nil
}

func (r *Router) publish(ctx context.Context, msg NewMessage) {
	if r.cfg.Publisher == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.PublishTimeout)
	defer cancel()
	if err := r.cfg.Publisher.PublishMessage(pctx, msg); err != nil {
		r.logger.Warn("message publish failed", "room", msg.RoomID, "message", msg.ID, "err", err)
	}
}

// status fans a presence change out to every connection except the sender's.
func (r *Router) status(ctx context.Context, c *Connection, in Inbound) error {
	if r.cfg.Presence != nil {
		pctx, cancel := context.WithTimeout(c.ctx, r.cfg.RecordTimeout)
		err := r.cfg.Presence.SetStatus(pctx, c.identity.UserID, in.Status)
		cancel()
		if err != nil {
			r.logger.Warn("presence update failed", "user", c.identity.UserID, "err", err)
		}
	}

	f, err := NewFrame(EventUserStatusUpdate, UserStatusUpdate{
		UserID: c.identity.UserID,
		Status: in.Status,
	}, DeliveryCritical)
	if err != nil {
		return err
	}
	if err := r.hub.BroadcastAll(ctx, f, c.id); err != nil {
		return r.broadcastFailed(in, err)
	}
	return nil
}

// typing is room scoped, excludes the sender and may be dropped.
func (r *Router) typing(ctx context.Context, c *Connection, in Inbound) error {
	if !r.hub.registry.IsSubscribed(c.id, in.Room) {
		return reject(ErrNotSubscribed, in.Event, in.Room, "join %s before typing in it", in.Room)
	}

	var (
		f   Frame
		err error
	)
	if in.Event == EventTypingStart {
		f, err = NewFrame(EventUserTyping, UserTyping{
			UserID:   c.identity.UserID,
			Username: c.identity.Username,
			RoomID:   in.Room,
		}, DeliveryBestEffort)
	} else {
		f, err = NewFrame(EventUserStoppedTyping, UserStoppedTyping{
			UserID: c.identity.UserID,
			RoomID: in.Room,
		}, DeliveryBestEffort)
	}
	if err != nil {
		return err
	}
	if err := r.hub.Broadcast(ctx, in.Room, f, c.id); err != nil {
		return r.broadcastFailed(in, err)
	}
	return nil
}

func (r *Router) broadcastFailed(in Inbound, err error) error {
	if errors.Is(err, ErrHubStopped) {
		return ErrConnectionClosed
	}
	return reject(ErrCollaboratorUnavailable, in.Event, in.Room, "broadcast failed: %v", err)
}
