package relay

import "context"

// dispatch is one queued fan-out. An empty room targets every connection.
type dispatch struct {
	room    RoomID
	frame   Frame
	exclude ConnID
}

// Broadcast queues frame for every subscriber of room except exclude, which
// may be empty. Delivery happens on the Run loop; Broadcast only blocks while
// the dispatch queue is full.
func (h *Hub) Broadcast(ctx context.Context, room RoomID, frame Frame, exclude ConnID) error {
	return h.enqueue(ctx, dispatch{room: room, frame: frame, exclude: exclude})
}

// BroadcastAll queues frame for every live connection except exclude.
func (h *Hub) BroadcastAll(ctx context.Context, frame Frame, exclude ConnID) error {
	return h.enqueue(ctx, dispatch{frame: frame, exclude: exclude})
}

func (h *Hub) enqueue(ctx context.Context, d dispatch) error {
	select {
	case <-h.ctx.Done():
		return ErrHubStopped
	default:
	}
	select {
	case h.broadcast <- d:
		return nil
	case <-h.ctx.Done():
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleBroadcast snapshots the targets and sends to each of them.
func (h *Hub) handleBroadcast(d dispatch) {
	var targets []*Connection
	if d.room == "" {
		targets = h.registry.Connections()
	} else {
		targets = h.registry.MembersOf(d.room)
	}

	delivered, skipped := h.fanOut(targets, d)
	h.logger.Debug("broadcast",
		"event", d.frame.Event, "room", d.room, "delivered", delivered, "skipped", skipped)
}

// fanOut sends the frame to every target but the excluded connection. Send
// never blocks; a connection that overflows closes itself.
func (h *Hub) fanOut(targets []*Connection, d dispatch) (delivered, skipped int) {
	for _, c := range targets {
		if d.exclude != "" && c.id == d.exclude {
			continue
		}
		if c.Send(d.frame) {
			delivered++
		} else {
			skipped++
		}
	}
	return delivered, skipped
}
