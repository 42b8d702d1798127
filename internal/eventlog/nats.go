package eventlog

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Tyrowin/nexus-relay/internal/relay"
)

// NATSConfig holds NATS publisher configuration.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// NATSPublisher publishes each message on "<prefix>.<room>".
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSPublisher connects to cfg.URL. The connection retries in the
// background when the server is not up yet.
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "relay.messages"
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("nexus-relay"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSPublisher{nc: nc, prefix: cfg.SubjectPrefix}, nil
}

// Subject returns the subject messages for room are published on.
func (p *NATSPublisher) Subject(room relay.RoomID) string {
	return subject(p.prefix, room)
}

func subject(prefix string, room relay.RoomID) string {
	return prefix + "." + string(room)
}

// PublishMessage implements relay.EventPublisher. It returns once the
// message is flushed to the server or ctx is done.
func (p *NATSPublisher) PublishMessage(ctx context.Context, msg relay.NewMessage) error {
	data, err := encode(msg)
	if err != nil {
		return err
	}
	subj := p.Subject(msg.RoomID)
	if err := p.nc.Publish(subj, data); err != nil {
		return fmt.Errorf("nats publish to %s: %w", subj, err)
	}
	if err := p.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
