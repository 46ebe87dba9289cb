package room

import (
	"log"
	"sort"
	"sync"

	"github.com/yyrichy/easyboard/internal/metrics"
)

// Registry owns the live rooms of one relay process. Rooms are created
// lazily on first connect and removed the instant their connection set
// empties; no idle rooms persist.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*Room)}
}

// Connect resolves or creates the named room and registers the
// connection in it, atomically with respect to concurrent connects and
// disconnects. Two connections racing on a fresh name get the same
// room.
func (reg *Registry) Connect(name string, conn Conn) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[name]
	if !ok {
		r = newRoom(name)
		reg.rooms[name] = r
		metrics.ActiveRooms.Set(float64(len(reg.rooms)))
		log.Printf("Room %s created", name)
	}

	r.connect(conn)
	metrics.ActiveConnections.Inc()
	log.Printf("Client %s joined room %s (total: %d)", conn.ID(), name, len(r.conns))
	return r
}

// Disconnect runs the full disconnect flow for the connection and
// reclaims the room when it empties. Safe to call more than once per
// connection.
func (reg *Registry) Disconnect(r *Room, conn Conn) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	remaining, wasMember := r.disconnect(conn)
	if !wasMember {
		return
	}
	metrics.ActiveConnections.Dec()

	if remaining == 0 && reg.rooms[r.name] == r {
		delete(reg.rooms, r.name)
		metrics.ActiveRooms.Set(float64(len(reg.rooms)))
		log.Printf("Room %s closed (empty)", r.name)
	} else {
		log.Printf("Client %s left room %s (remaining: %d)", conn.ID(), r.name, remaining)
	}
}

// RoomCount reports the number of live rooms.
func (reg *Registry) RoomCount() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// ConnCount reports the number of connections across all rooms.
func (reg *Registry) ConnCount() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	total := 0
	for _, r := range reg.rooms {
		total += r.ConnCount()
	}
	return total
}

// RoomNames returns the names of all live rooms, sorted.
func (reg *Registry) RoomNames() []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	names := make([]string, 0, len(reg.rooms))
	for name := range reg.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the live room for a name, if any.
func (reg *Registry) Lookup(name string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[name]
	return r, ok
}
