// Copyright 2024-2026 Aiku AI

package relay

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"go.mau.fi/util/exsync"
)

var (
	// ErrNoRoom is returned when a connection tries to join without a room.
	ErrNoRoom = errors.New("no room specified")
	// ErrAlreadyJoined is returned when a connection joins a second room.
	ErrAlreadyJoined = errors.New("connection already joined a room")
	// ErrConnClosed is returned by Conn.Send after the connection closed.
	ErrConnClosed = errors.New("connection closed")
	// ErrQueueFull is returned by Conn.Send when the outbound queue is full.
	ErrQueueFull = errors.New("send queue full")
)

// Conn is a live client connection as seen by the relay. Send must not
// block; implementations queue the envelope for an asynchronous writer.
type Conn interface {
	ID() string
	Send(env *Envelope) error
}

// Registry tracks live connections by room. It never touches connection
// I/O; it only hands out member lists for fan-out.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]*exsync.Set[Conn]
	member map[Conn]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[string]*exsync.Set[Conn]),
		member: make(map[Conn]string),
	}
}

// Join adds conn to room, creating the room entry if needed. A connection
// belongs to exactly one room for its lifetime.
func (r *Registry) Join(room string, conn Conn) error {
	room = strings.TrimSpace(room)
	if room == "" {
		return ErrNoRoom
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.member[conn]; ok {
		if current == room {
			return nil
		}
		return ErrAlreadyJoined
	}
	members, ok := r.rooms[room]
	if !ok {
		members = exsync.NewSet[Conn]()
		r.rooms[room] = members
	}
	members.Add(conn)
	r.member[conn] = room
	return nil
}

// Leave removes conn from room. Empty rooms are kept. It reports whether the
// connection was a member.
func (r *Registry) Leave(room string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.member[conn]; !ok || current != room {
		return false
	}
	delete(r.member, conn)
	if members, ok := r.rooms[room]; ok {
		members.Remove(conn)
	}
	return true
}

// RoomOf returns the room conn joined.
func (r *Registry) RoomOf(conn Conn) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.member[conn]
	return room, ok
}

// MembersOf returns a snapshot of the connections in room, ordered by id.
func (r *Registry) MembersOf(room string) []Conn {
	r.mu.RLock()
	members, ok := r.rooms[room]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	list := members.AsList()
	sort.Slice(list, func(i, j int) bool {
		return list[i].ID() < list[j].ID()
	})
	return list
}

// Rooms returns the member count of every known room, including empty ones.
func (r *Registry) Rooms() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int, len(r.rooms))
	for room, members := range r.rooms {
		counts[room] = members.Size()
	}
	return counts
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.member)
}
