package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFrame(t *testing.T, event string, d Delivery) Frame {
	t.Helper()
	f, err := NewFrame(event, map[string]string{"e": event}, d)
	require.NoError(t, err)
	return f
}

func TestConnectionSendDrainOrder(t *testing.T) {
	c := newConnection(Identity{UserID: "1"}, Limits{OutboundBuffer: 8, CriticalBacklog: 8}, nil)

	for i := 0; i < 3; i++ {
		require.True(t, c.Send(testFrame(t, fmt.Sprintf("e%d", i), DeliveryCritical)))
	}
	select {
	case <-c.Ready():
	default:
		t.Fatal("Ready was not signalled")
	}

	frames := c.Drain()
	require.Len(t, frames, 3)
	for i, f := range frames {
		assert.Equal(t, fmt.Sprintf("e%d", i), f.Event)
	}
	assert.Empty(t, c.Drain())
}

func TestConnectionDropsOldestBestEffort(t *testing.T) {
	c := newConnection(Identity{UserID: "1"}, Limits{OutboundBuffer: 3, CriticalBacklog: 3}, nil)

	require.True(t, c.Send(testFrame(t, "typing-1", DeliveryBestEffort)))
	require.True(t, c.Send(testFrame(t, "msg-1", DeliveryCritical)))
	require.True(t, c.Send(testFrame(t, "typing-2", DeliveryBestEffort)))
	require.True(t, c.Send(testFrame(t, "msg-2", DeliveryCritical)), "full queue should make room by dropping typing")

	assert.False(t, c.Closed())
	assert.Equal(t, uint64(1), c.Dropped())
	assert.Equal(t, []string{"msg-1", "typing-2", "msg-2"}, frameEvents(c.Drain()))
}

func TestConnectionDropsIncomingBestEffortWhenNothingDroppable(t *testing.T) {
	c := newConnection(Identity{UserID: "1"}, Limits{OutboundBuffer: 2, CriticalBacklog: 2}, nil)

	require.True(t, c.Send(testFrame(t, "ack", DeliveryControl)))
	require.True(t, c.Send(testFrame(t, "msg", DeliveryCritical)))
	assert.False(t, c.Send(testFrame(t, "typing", DeliveryBestEffort)))

	assert.False(t, c.Closed(), "dropping a typing event never closes the connection")
	assert.Equal(t, uint64(1), c.Dropped())
}

func TestConnectionCriticalBacklogCloses(t *testing.T) {
	var released error
	c := newConnection(Identity{UserID: "1"}, Limits{OutboundBuffer: 10, CriticalBacklog: 2}, func(_ *Connection, err error) {
		released = err
	})

	require.True(t, c.Send(testFrame(t, "msg-1", DeliveryCritical)))
	require.True(t, c.Send(testFrame(t, "msg-2", DeliveryCritical)))
	assert.False(t, c.Send(testFrame(t, "msg-3", DeliveryCritical)))

	assert.True(t, c.Closed())
	assert.ErrorIs(t, c.Err(), ErrBackpressureExceeded)
	assert.ErrorIs(t, released, ErrBackpressureExceeded)
	assert.Equal(t, CodeBackpressureExceeded, CodeOf(c.Err()))
}

func TestConnectionFullOfControlCloses(t *testing.T) {
	c := newConnection(Identity{UserID: "1"}, Limits{OutboundBuffer: 1, CriticalBacklog: 1}, nil)

	require.True(t, c.Send(testFrame(t, "ack-1", DeliveryControl)))
	assert.False(t, c.Send(testFrame(t, "ack-2", DeliveryControl)))
	assert.ErrorIs(t, c.Err(), ErrBackpressureExceeded)
}

func TestConnectionDrainResetsBacklog(t *testing.T) {
	c := newConnection(Identity{UserID: "1"}, Limits{OutboundBuffer: 4, CriticalBacklog: 1}, nil)

	for i := 0; i < 5; i++ {
		require.True(t, c.Send(testFrame(t, "msg", DeliveryCritical)))
		require.Len(t, c.Drain(), 1)
	}
	assert.False(t, c.Closed())
}

func TestConnectionCloseIdempotent(t *testing.T) {
	var releases int
	c := newConnection(Identity{UserID: "1"}, DefaultLimits(), func(*Connection, error) {
		releases++
	})
	require.True(t, c.Send(testFrame(t, "msg", DeliveryCritical)))

	c.Close()
	c.CloseWithError(ErrBackpressureExceeded)
	c.Close()

	assert.Equal(t, 1, releases)
	assert.NoError(t, c.Err(), "first close wins")
	assert.Empty(t, c.Drain())
	assert.False(t, c.Send(testFrame(t, "late", DeliveryControl)))
	assert.ErrorIs(t, c.Context().Err(), context.Canceled)

	select {
	case <-c.Done():
	default:
		t.Fatal("Done was not closed")
	}
}

func TestConnectionConcurrentSendAndClose(t *testing.T) {
	c := newConnection(Identity{UserID: "1"}, Limits{OutboundBuffer: 1024, CriticalBacklog: 1024}, nil)
	f := testFrame(t, "msg", DeliveryCritical)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Send(f)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Close()
	}()
	wg.Wait()

	assert.True(t, c.Closed())
	assert.Empty(t, c.Drain())
}

func TestLimitsSanitize(t *testing.T) {
	assert.Equal(t, DefaultLimits(), Limits{}.sanitize())
	assert.Equal(t, Limits{OutboundBuffer: 4, CriticalBacklog: 4}, Limits{OutboundBuffer: 4, CriticalBacklog: 99}.sanitize())
	assert.Equal(t, Limits{OutboundBuffer: 512, CriticalBacklog: 128}, Limits{OutboundBuffer: 512}.sanitize())
	assert.Equal(t, Limits{OutboundBuffer: 64, CriticalBacklog: 64}, Limits{OutboundBuffer: 64}.sanitize())
}

func frameEvents(frames []Frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Event
	}
	return out
}
