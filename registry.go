package main

import (
	"sort"
	"sync"
)

// room is the authoritative shared state for one in-progress game
// session: the set of connected display names and the index of the
// card everyone is currently viewing.
type room struct {
	members map[string]struct{}
	cursor  int
}

// Registry keeps membership and cursor state for every active room.
// It knows nothing about transports: connections are represented only
// by the display name they contributed. Rooms are created lazily on
// first join and removed as soon as their member set empties, so a
// room exists exactly while someone is connected to it.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*room),
	}
}

func (reg *Registry) ensureRoom(roomKey string) *room {
	rm, ok := reg.rooms[roomKey]
	if !ok {
		rm = &room{
			members: make(map[string]struct{}),
		}
		reg.rooms[roomKey] = rm
	}
	return rm
}

// AddMember inserts displayName into the room's member set, creating
// the room if needed, and returns the room's current cursor plus the
// full member list for the joiner's welcome payload. Duplicate names
// collapse into the set.
func (reg *Registry) AddMember(roomKey, displayName string) (int, []string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rm := reg.ensureRoom(roomKey)
	rm.members[displayName] = struct{}{}

	members := make([]string, 0, len(rm.members))
	for name := range rm.members {
		members = append(members, name)
	}
	sort.Strings(members)

	return rm.cursor, members
}

// RemoveMember drops displayName from the room, deleting the room
// entirely once its member set empties. Unknown rooms and names are
// no-ops, since removals race with disconnects by nature.
func (reg *Registry) RemoveMember(roomKey, displayName string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rm, ok := reg.rooms[roomKey]
	if !ok {
		return
	}

	delete(rm.members, displayName)

	if len(rm.members) == 0 {
		delete(reg.rooms, roomKey)
	}
}

// SetCursor overwrites the room's cursor unconditionally. No bounds
// checking happens here; the deck is a card-source concern. Unknown
// rooms are a no-op.
func (reg *Registry) SetCursor(roomKey string, index int) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rm, ok := reg.rooms[roomKey]
	if !ok {
		return
	}

	rm.cursor = index
}

// Cursor returns the room's cursor, or 0 for an unknown room.
func (reg *Registry) Cursor(roomKey string) int {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rm, ok := reg.rooms[roomKey]
	if !ok {
		return 0
	}
	return rm.cursor
}

// Members returns the room's member names in sorted order, or nil for
// an unknown room.
func (reg *Registry) Members(roomKey string) []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rm, ok := reg.rooms[roomKey]
	if !ok {
		return nil
	}

	members := make([]string, 0, len(rm.members))
	for name := range rm.members {
		members = append(members, name)
	}
	sort.Strings(members)

	return members
}

// RoomCount reports how many rooms currently exist.
func (reg *Registry) RoomCount() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	return len(reg.rooms)
}
