package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAuthorizer grants the rooms listed per user.
type fakeAuthorizer struct {
	mu    sync.Mutex
	grant map[string]map[RoomID]bool
	err   error
	calls int
	// block, when set, holds every call until it is closed or ctx is done.
	block chan struct{}
}

func newFakeAuthorizer() *fakeAuthorizer {
	return &fakeAuthorizer{grant: make(map[string]map[RoomID]bool)}
}

func (a *fakeAuthorizer) Allow(userID string, rooms ...RoomID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.grant[userID] == nil {
		a.grant[userID] = make(map[RoomID]bool)
	}
	for _, r := range rooms {
		a.grant[userID][r] = true
	}
}

func (a *fakeAuthorizer) Revoke(userID string, room RoomID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.grant[userID], room)
}

func (a *fakeAuthorizer) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *fakeAuthorizer) IsAuthorized(ctx context.Context, identity Identity, room RoomID) (bool, error) {
	a.mu.Lock()
	a.calls++
	block, err := a.block, a.err
	ok := a.grant[identity.UserID][room]
	a.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if err != nil {
		return false, err
	}
	return ok, nil
}

type fakeRecorder struct {
	mu   sync.Mutex
	next int
	err  error
	seen []string
}

func (r *fakeRecorder) RecordMessage(_ context.Context, room RoomID, identity Identity, content string) (StoredMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return StoredMessage{}, r.err
	}
	r.next++
	r.seen = append(r.seen, content)
	return StoredMessage{
		ID:        fmt.Sprintf("msg-%d", r.next),
		CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}, nil
}

type fakePresence struct {
	mu      sync.Mutex
	status  map[string]Status
	cleared []string
	touched [][]string
	// clearBlock, when set, holds every Clear until it is closed or ctx is
	// done.
	clearBlock chan struct{}
}

func newFakePresence() *fakePresence {
	return &fakePresence{status: make(map[string]Status)}
}

func (p *fakePresence) SetStatus(_ context.Context, userID string, status Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status[userID] = status
	return nil
}

func (p *fakePresence) Touch(_ context.Context, userIDs []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.touched = append(p.touched, userIDs)
	return nil
}

func (p *fakePresence) Clear(ctx context.Context, userID string) error {
	if p.clearBlock != nil {
		select {
		case <-p.clearBlock:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.status, userID)
	p.cleared = append(p.cleared, userID)
	return nil
}

func (p *fakePresence) Status(userID string) (Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.status[userID]
	return s, ok
}

func (p *fakePresence) Cleared() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.cleared...)
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []NewMessage
	err  error
}

func (p *fakePublisher) PublishMessage(_ context.Context, msg NewMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return p.err
}

func (p *fakePublisher) Published() []NewMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]NewMessage(nil), p.msgs...)
}

var errBackendDown = errors.New("backend down")

// startHub runs a hub for the duration of the test.
func startHub(t *testing.T, cfg HubConfig) *Hub {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	h := NewHub(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})
	return h
}

func openConn(t *testing.T, h *Hub, userID string) *Connection {
	t.Helper()
	c, err := h.Open(Identity{UserID: userID, Username: "user" + userID})
	require.NoError(t, err)
	return c
}

// received is a decoded outbound frame.
type received struct {
	Event string
	Data  json.RawMessage
}

// collect drains c until n frames arrived or the timeout elapses.
func collect(t *testing.T, c *Connection, n int) []received {
	t.Helper()
	var out []received
	deadline := time.After(time.Second)
	for len(out) < n {
		for _, f := range c.Drain() {
			var env Envelope
			require.NoError(t, json.Unmarshal(f.Body, &env))
			out = append(out, received{Event: env.Event, Data: env.Data})
		}
		if len(out) >= n {
			break
		}
		select {
		case <-c.Ready():
		case <-deadline:
			t.Fatalf("received %d of %d frames: %+v", len(out), n, out)
		}
	}
	return out
}

// settle waits for every dispatch queued so far to be fanned out, by pushing
// a marker through the hub to a dedicated marker connection.
func settle(t *testing.T, h *Hub) {
	t.Helper()
	marker := openConn(t, h, "marker-"+t.Name())
	defer marker.Close()
	room := ChannelRoom("marker")
	_, err := h.registry.Subscribe(marker, room)
	require.NoError(t, err)
	f, err := NewFrame("marker", struct{}{}, DeliveryControl)
	require.NoError(t, err)
	require.NoError(t, h.Broadcast(context.Background(), room, f, ""))
	for {
		for _, r := range collect(t, marker, 1) {
			if r.Event == "marker" {
				return
			}
		}
	}
}

// events returns the event names of frames.
func events(frames []received) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Event
	}
	return out
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}
