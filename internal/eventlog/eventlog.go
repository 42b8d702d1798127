// Package eventlog publishes accepted chat messages to downstream consumers
// (search indexing, notifications, analytics) after they have been delivered.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/nexus-relay/internal/relay"
)

// Publisher is a relay.EventPublisher that owns a connection.
type Publisher interface {
	relay.EventPublisher
	Close() error
}

// Record is the event log payload for one message.
type Record struct {
	Type      string           `json:"type"`
	MessageID string           `json:"messageId"`
	Message   relay.NewMessage `json:"message"`
}

func encode(msg relay.NewMessage) ([]byte, error) {
	b, err := json.Marshal(Record{Type: relay.EventNewMessage, MessageID: msg.ID, Message: msg})
	if err != nil {
		return nil, fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	return b, nil
}

// Multi publishes every message to all of its publishers in parallel.
type Multi []Publisher

// PublishMessage returns the first failure once every publisher has finished.
func (m Multi) PublishMessage(ctx context.Context, msg relay.NewMessage) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range m {
		g.Go(func() error {
			return p.PublishMessage(ctx, msg)
		})
	}
	return g.Wait()
}

// Close closes every publisher.
func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Noop discards messages.
type Noop struct{}

func (Noop) PublishMessage(context.Context, relay.NewMessage) error {
	return nil
}

func (Noop) Close() error {
	return nil
}

var (
	_ Publisher = Multi(nil)
	_ Publisher = Noop{}
)
