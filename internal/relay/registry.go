package relay

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the process-wide subscription state. It keeps the room to
// connection mapping and its inverse, plus the table of live connections.
// Every mutation updates all of them under one write lock, so readers never
// observe the two mappings disagreeing.
type Registry struct {
	mu    sync.RWMutex
	conns map[ConnID]*Connection
	rooms map[RoomID]map[ConnID]struct{}
	subs  map[ConnID]map[RoomID]struct{}
	users map[string]int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[ConnID]*Connection),
		rooms: make(map[RoomID]map[ConnID]struct{}),
		subs:  make(map[ConnID]map[RoomID]struct{}),
		users: make(map[string]int),
	}
}

// Add registers a live connection. first reports whether it is the only
// connection currently held by its user.
func (r *Registry) Add(c *Connection) (first bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.Closed() {
		return false, ErrConnectionClosed
	}
	if _, ok := r.conns[c.id]; ok {
		return false, nil
	}
	r.conns[c.id] = c
	r.subs[c.id] = make(map[RoomID]struct{})
	r.users[c.identity.UserID]++
	r.assertLocked()
	return r.users[c.identity.UserID] == 1, nil
}

// Subscribe adds c to room. Subscribing twice is a no-op; added reports
// whether the subscription is new. A connection that is not registered,
// because it never was or has already been unwound, cannot subscribe.
func (r *Registry) Subscribe(c *Connection, room RoomID) (added bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms, ok := r.subs[c.id]
	if !ok {
		return false, ErrConnectionClosed
	}
	if _, ok := rooms[room]; ok {
		return false, nil
	}
	members := r.rooms[room]
	if members == nil {
		members = make(map[ConnID]struct{})
		r.rooms[room] = members
	}
	members[c.id] = struct{}{}
	rooms[room] = struct{}{}
	r.assertLocked()
	return true, nil
}

// Unsubscribe removes c from room. It is a no-op when c is not subscribed.
func (r *Registry) Unsubscribe(c *Connection, room RoomID) (removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms, ok := r.subs[c.id]
	if !ok {
		return false
	}
	if _, ok := rooms[room]; !ok {
		return false
	}
	delete(rooms, room)
	r.removeMemberLocked(room, c.id)
	r.assertLocked()
	return true
}

// UnsubscribeAll removes c from every room and from the connection table in
// one step. It returns the rooms c was in and whether c was its user's last
// connection. Calling it again for the same connection is a no-op.
func (r *Registry) UnsubscribeAll(c *Connection) (left []RoomID, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms, ok := r.subs[c.id]
	if !ok {
		return nil, false
	}
	left = make([]RoomID, 0, len(rooms))
	for room := range rooms {
		r.removeMemberLocked(room, c.id)
		left = append(left, room)
	}
	delete(r.subs, c.id)
	delete(r.conns, c.id)

	user := c.identity.UserID
	r.users[user]--
	if r.users[user] <= 0 {
		delete(r.users, user)
		last = true
	}
	r.assertLocked()
	sortRooms(left)
	return left, last
}

// removeMemberLocked drops id from room and prunes the room once empty.
func (r *Registry) removeMemberLocked(room RoomID, id ConnID) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// MembersOf returns a snapshot of the connections subscribed to room.
func (r *Registry) MembersOf(room RoomID) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	out := make([]*Connection, 0, len(members))
	for id := range members {
		out = append(out, r.conns[id])
	}
	return out
}

// RoomsOf returns the rooms the connection is subscribed to, sorted.
func (r *Registry) RoomsOf(id ConnID) []RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := r.subs[id]
	out := make([]RoomID, 0, len(rooms))
	for room := range rooms {
		out = append(out, room)
	}
	sortRooms(out)
	return out
}

// IsSubscribed reports whether the connection is subscribed to room.
func (r *Registry) IsSubscribed(id ConnID, room RoomID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[id][room]
	return ok
}

// Connections returns a snapshot of every live connection.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Users returns the ids of every user holding at least one connection.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.users))
	for user := range r.users {
		out = append(out, user)
	}
	sort.Strings(out)
	return out
}

// HasUser reports whether userID holds at least one connection.
func (r *Registry) HasUser(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.users[userID] > 0
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// RoomCount returns the number of non-empty rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Verify checks that the room and subscription mappings are mutual inverses
// and that every subscribed connection is registered.
func (r *Registry) Verify() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.verifyLocked()
}

func (r *Registry) verifyLocked() error {
	for room, members := range r.rooms {
		if len(members) == 0 {
			return fmt.Errorf("registry: empty room %s retained", room)
		}
		for id := range members {
			if _, ok := r.subs[id][room]; !ok {
				return fmt.Errorf("registry: %s lists %s but %s does not list the room", room, id, id)
			}
		}
	}
	for id, rooms := range r.subs {
		if _, ok := r.conns[id]; !ok {
			return fmt.Errorf("registry: subscriptions held by unregistered connection %s", id)
		}
		for room := range rooms {
			if _, ok := r.rooms[room][id]; !ok {
				return fmt.Errorf("registry: %s lists %s but the room does not list it", id, room)
			}
		}
	}
	if len(r.subs) != len(r.conns) {
		return fmt.Errorf("registry: %d connections but %d subscription sets", len(r.conns), len(r.subs))
	}
	return nil
}

func (r *Registry) assertLocked() {
	if !debugAssertions {
		return
	}
	if err := r.verifyLocked(); err != nil {
		panic(err)
	}
}

func sortRooms(rooms []RoomID) {
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
}
