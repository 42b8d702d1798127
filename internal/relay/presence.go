package relay

import (
	"context"
	"time"
)

// presenceOp marks a user online or clears them.
type presenceOp struct {
	userID string
	online bool
}

// queuePresence hands op to the presence goroutine without blocking. When
// the queue is full the update is dropped; the tracker's TTL expires stale
// entries.
func (h *Hub) queuePresence(op presenceOp) {
	if h.cfg.Presence == nil {
		return
	}
	select {
	case h.presence <- op:
	default:
		h.logger.Warn("presence queue full; update dropped", "user", op.userID, "online", op.online)
	}
}

// runPresence applies queued updates and the periodic refresh until stop is
// closed, then drains what is left.
func (h *Hub) runPresence(stop <-chan struct{}) {
	var refresh <-chan time.Time
	if h.cfg.PresenceRefresh > 0 {
		t := time.NewTicker(h.cfg.PresenceRefresh)
		defer t.Stop()
		refresh = t.C
	}

	for {
		select {
		case op := <-h.presence:
			h.applyPresence(op)
		case <-refresh:
			h.refreshPresence()
		case <-stop:
			for {
				select {
				case op := <-h.presence:
					h.applyPresence(op)
				default:
					return
				}
			}
		}
	}
}

// applyPresence reconciles op with the registry at the time it runs, so a
// user who reconnected before their clear was processed stays online.
func (h *Hub) applyPresence(op presenceOp) {
	connected := h.registry.HasUser(op.userID)

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.PresenceTimeout)
	defer cancel()

	var err error
	switch {
	case op.online && connected:
		err = h.cfg.Presence.SetStatus(ctx, op.userID, StatusOnline)
	case !op.online && !connected:
		err = h.cfg.Presence.Clear(ctx, op.userID)
	default:
		return
	}
	if err != nil {
		h.logger.Warn("presence update failed", "user", op.userID, "online", op.online, "err", err)
	}
}

func (h *Hub) refreshPresence() {
	users := h.registry.Users()
	if len(users) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.PresenceTimeout)
	defer cancel()
	if err := h.cfg.Presence.Touch(ctx, users); err != nil {
		h.logger.Warn("presence refresh failed", "users", len(users), "err", err)
	}
}
