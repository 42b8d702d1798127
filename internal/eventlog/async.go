package eventlog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/nexus-relay/internal/relay"
)

var (
	// ErrQueueFull is returned by Async when its queue has no room.
	ErrQueueFull = errors.New("eventlog: queue full")
	// ErrClosed is returned by Async after Close.
	ErrClosed = errors.New("eventlog: publisher closed")
)

// AsyncConfig configures an Async publisher.
type AsyncConfig struct {
	// QueueSize is the number of messages buffered ahead of the sinks.
	QueueSize int
	// Timeout bounds each publish to the wrapped publisher.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Async hands messages to a wrapped Publisher from a single background
// goroutine, so callers never wait on a sink. Messages that do not fit in the
// queue are dropped.
type Async struct {
	next    Publisher
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan relay.NewMessage
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
	dropped   atomic.Int64
}

// NewAsync starts publishing to next in the background.
func NewAsync(next Publisher, cfg AsyncConfig) *Async {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	a := &Async{
		next:    next,
		timeout: cfg.Timeout,
		logger:  cfg.Logger.With("component", "eventlog"),
		queue:   make(chan relay.NewMessage, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// PublishMessage queues msg and returns without waiting for delivery.
func (a *Async) PublishMessage(_ context.Context, msg relay.NewMessage) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- msg:
		return nil
	default:
		a.dropped.Add(1)
		return ErrQueueFull
	}
}

// Dropped reports how many messages were refused because the queue was full.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

func (a *Async) run() {
	defer close(a.done)
	for msg := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.next.PublishMessage(ctx, msg)
		cancel()
		if err != nil {
			a.logger.Warn("message publish failed", "room", msg.RoomID, "message", msg.ID, "err", err)
		}
	}
}

// Close stops accepting messages, publishes what is already queued and
// closes the wrapped publisher.
func (a *Async) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()

		<-a.done
		if n := a.dropped.Load(); n > 0 {
			a.logger.Warn("event log dropped messages", "count", n)
		}
		a.closeErr = a.next.Close()
	})
	return a.closeErr
}

var _ Publisher = (*Async)(nil)
