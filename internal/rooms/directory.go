// Package rooms keeps track of which connections are members of which rooms.
//
// A room exists exactly as long as it has at least one member. The directory
// never holds transport resources; it only answers membership questions for
// the signaling hub.
package rooms

import (
	"sort"
	"sync"
)

type set map[string]struct{}

func (s set) sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Directory maps room ids to member connection ids and back.
type Directory struct {
	mu      sync.RWMutex
	rooms   map[string]set
	members map[string]set
}

// NewDirectory creates an empty Directory.
func NewDirectory() *Directory {
	return &Directory{
		rooms:   make(map[string]set),
		members: make(map[string]set),
	}
}

// Join adds connID to roomID, creating the room if needed. It returns the
// other members of the room and whether the membership is new.
func (d *Directory) Join(connID, roomID string) ([]string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	room, ok := d.rooms[roomID]
	if !ok {
		room = make(set)
		d.rooms[roomID] = room
	}
	_, already := room[connID]
	room[connID] = struct{}{}

	joined, ok := d.members[connID]
	if !ok {
		joined = make(set)
		d.members[connID] = joined
	}
	joined[roomID] = struct{}{}

	return othersLocked(room, connID), !already
}

// Leave removes connID from roomID and returns the remaining members.
// ok is false when connID was not a member.
func (d *Directory) Leave(connID, roomID string) (remaining []string, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.leaveLocked(connID, roomID)
}

// RemoveConnection drops connID from every room it belongs to. The result
// maps each of those rooms to its remaining members.
func (d *Directory) RemoveConnection(connID string) map[string][]string {
	d.mu.Lock()
	defer d.mu.Unlock()

	joined := d.members[connID]
	out := make(map[string][]string, len(joined))
	for _, roomID := range joined.sorted() {
		remaining, _ := d.leaveLocked(connID, roomID)
		out[roomID] = remaining
	}
	return out
}

func (d *Directory) leaveLocked(connID, roomID string) ([]string, bool) {
	room, ok := d.rooms[roomID]
	if !ok {
		return nil, false
	}
	if _, member := room[connID]; !member {
		return nil, false
	}

	delete(room, connID)
	if len(room) == 0 {
		delete(d.rooms, roomID)
	}

	if joined, ok := d.members[connID]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(d.members, connID)
		}
	}

	return room.sorted(), true
}

// Members returns the members of roomID, sorted.
func (d *Directory) Members(roomID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	room, ok := d.rooms[roomID]
	if !ok {
		return nil
	}
	return room.sorted()
}

// Others returns the members of roomID except connID.
func (d *Directory) Others(roomID, connID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	room, ok := d.rooms[roomID]
	if !ok {
		return nil
	}
	return othersLocked(room, connID)
}

// RoomsOf returns the rooms connID is a member of, sorted.
func (d *Directory) RoomsOf(connID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.members[connID].sorted()
}

func (d *Directory) Exists(roomID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	_, ok := d.rooms[roomID]
	return ok
}

func (d *Directory) RoomCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.rooms)
}

// Snapshot copies the whole directory.
func (d *Directory) Snapshot() map[string][]string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string][]string, len(d.rooms))
	for id, room := range d.rooms {
		out[id] = room.sorted()
	}
	return out
}

func othersLocked(room set, connID string) []string {
	out := make([]string, 0, len(room))
	for id := range room {
		if id != connID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
