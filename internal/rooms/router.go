// Package rooms tracks which room each connection is subscribed to and
// resolves the recipient set for category-scoped broadcasts.
package rooms

import (
	"sync"

	"github.com/mehfil/wellness-portal/internal/classifier"
)

// Room is a feed subscription scope. ACADEMIC and REFLECTIVE map onto the
// matching thought categories; ALL receives both.
type Room string

const (
	RoomAcademic   Room = Room(classifier.CategoryAcademic)
	RoomReflective Room = Room(classifier.CategoryReflective)
	RoomAll        Room = "ALL"
)

// ParseRoom maps a client-supplied room name onto a known Room. Unknown or
// empty values fall back to ALL, matching the default subscription a
// connection gets on register.
func ParseRoom(raw string) Room {
	switch Room(raw) {
	case RoomAcademic, RoomReflective:
		return Room(raw)
	default:
		return RoomAll
	}
}

// Category returns the thought category a room filters on, or "" for ALL.
func (r Room) Category() classifier.Category {
	switch r {
	case RoomAcademic:
		return classifier.CategoryAcademic
	case RoomReflective:
		return classifier.CategoryReflective
	default:
		return ""
	}
}

// Router holds room membership for live connections, keyed by session ID. A
// connection belongs to exactly one room at a time; joining a room replaces
// any previous membership.
type Router struct {
	mu      sync.RWMutex
	members map[Room]map[string]struct{}
	rooms   map[string]Room
}

func NewRouter() *Router {
	return &Router{
		members: map[Room]map[string]struct{}{
			RoomAcademic:   {},
			RoomReflective: {},
			RoomAll:        {},
		},
		rooms: make(map[string]Room),
	}
}

// Join subscribes connID to room, removing it from whatever room it was in
// before.
func (rt *Router) Join(connID string, room Room) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if prev, ok := rt.rooms[connID]; ok {
		delete(rt.members[prev], connID)
	}
	rt.members[room][connID] = struct{}{}
	rt.rooms[connID] = room
}

// Leave drops connID from its room, if any.
func (rt *Router) Leave(connID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if prev, ok := rt.rooms[connID]; ok {
		delete(rt.members[prev], connID)
		delete(rt.rooms, connID)
	}
}

// RoomOf reports the room connID is currently in.
func (rt *Router) RoomOf(connID string) (Room, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	room, ok := rt.rooms[connID]
	return room, ok
}

// Recipients returns the connections that should see a thought in the given
// category: the matching room plus everyone in ALL.
func (rt *Router) Recipients(category classifier.Category) []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var scoped map[string]struct{}
	switch category {
	case classifier.CategoryAcademic:
		scoped = rt.members[RoomAcademic]
	case classifier.CategoryReflective:
		scoped = rt.members[RoomReflective]
	}

	out := make([]string, 0, len(scoped)+len(rt.members[RoomAll]))
	for id := range scoped {
		out = append(out, id)
	}
	for id := range rt.members[RoomAll] {
		out = append(out, id)
	}
	return out
}

// All returns every subscribed connection, regardless of room.
func (rt *Router) All() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	out := make([]string, 0, len(rt.rooms))
	for id := range rt.rooms {
		out = append(out, id)
	}
	return out
}
