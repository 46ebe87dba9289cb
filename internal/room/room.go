package room

import (
	"log"
	"sync"

	"github.com/yyrichy/easyboard/internal/codec"
	"github.com/yyrichy/easyboard/internal/crdt"
	"github.com/yyrichy/easyboard/internal/metrics"
	"github.com/yyrichy/easyboard/internal/presence"
)

// Conn is the transport endpoint a room sees. Send is best-effort and
// must never block: it reports false when the connection can no longer
// accept data, and the transport layer is responsible for tearing the
// connection down afterwards.
type Conn interface {
	ID() string
	Send(msg []byte) bool
}

// A collaborative editing session: one replicated document, one
// presence table, and the connections currently attached. All state is
// serialized under the room mutex; rooms never share state, so
// different rooms proceed fully in parallel.
type Room struct {
	name     string
	mu       sync.Mutex
	doc      *crdt.Doc
	presence *presence.Table
	conns    map[Conn]map[uint64]struct{} // conn -> controlled participant ids
}

func newRoom(name string) *Room {
	return &Room{
		name:     name,
		doc:      crdt.NewDoc(),
		presence: presence.NewTable(),
		conns:    make(map[Conn]map[uint64]struct{}),
	}
}

func (r *Room) Name() string {
	return r.name
}

func (r *Room) ConnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// connect registers the connection and runs the server side of the
// handshake: Sync-Step-1 with the local state vector, then one presence
// snapshot when any participants are known.
func (r *Room) connect(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[conn] = make(map[uint64]struct{})

	r.send(conn, codec.EncodeSync(codec.SyncStep1, r.doc.StateVector()))
	if r.presence.Len() > 0 {
		r.send(conn, codec.EncodeAwareness(r.presence.Snapshot()))
	}
}

// disconnect removes the connection, tombstones every participant it
// controlled, and announces the departures to the remaining
// connections. Returns the remaining connection count and whether the
// connection was actually a member.
func (r *Room) disconnect(conn Conn) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	controlled, ok := r.conns[conn]
	if !ok {
		return len(r.conns), false
	}
	delete(r.conns, conn)

	if len(controlled) > 0 {
		ids := make([]uint64, 0, len(controlled))
		for id := range controlled {
			ids = append(ids, id)
		}
		removal := r.presence.Remove(ids)
		r.broadcast(codec.EncodeAwareness(removal), nil)
	}
	return len(r.conns), true
}

// HandleFrame classifies one inbound frame and routes it. Failures are
// dropped and logged; the connection always stays open, since one
// malformed update must not evict a participant.
func (r *Room) HandleFrame(conn Conn, frame []byte) {
	msgType, dec, err := codec.Decode(frame)
	if err != nil {
		metrics.DroppedFramesTotal.Inc()
		log.Printf("Room %s: dropping malformed frame from %s: %v", r.name, conn.ID(), err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[conn]; !ok {
		return
	}

	switch msgType {
	case codec.MessageSync:
		metrics.FramesTotal.WithLabelValues("sync").Inc()
		r.handleSync(conn, dec)
	case codec.MessageAwareness:
		metrics.FramesTotal.WithLabelValues("awareness").Inc()
		r.handleAwareness(conn, dec, frame)
	case codec.MessageStats:
		metrics.FramesTotal.WithLabelValues("stats").Inc()
		r.send(conn, codec.EncodeStatsReply(uint64(len(r.conns))))
	default:
		// Unrecognized types are ignored for forward compatibility.
		metrics.FramesTotal.WithLabelValues("unknown").Inc()
	}
}

func (r *Room) handleSync(conn Conn, dec *codec.Decoder) {
	step, err := dec.ReadVarUint()
	if err != nil {
		r.dropFrame(conn, err)
		return
	}
	blob, err := dec.ReadVarBytes()
	if err != nil {
		r.dropFrame(conn, err)
		return
	}

	switch codec.SyncStep(step) {
	case codec.SyncStep1:
		// Peer sent its state vector; reply with what it is missing.
		diff, err := r.doc.DiffUpdate(blob)
		if err != nil {
			r.dropFrame(conn, err)
			return
		}
		r.send(conn, codec.EncodeSync(codec.SyncStep2, diff))

	case codec.SyncStep2, codec.SyncUpdate:
		if err := r.doc.ApplyUpdate(blob); err != nil {
			r.dropFrame(conn, err)
			return
		}
		// Document changed: rebroadcast the accepted update to everyone
		// but the originator, who already has it.
		r.broadcast(codec.EncodeSync(codec.SyncUpdate, blob), conn)

	default:
		r.dropFrame(conn, codec.ErrMalformedFrame)
	}
}

func (r *Room) handleAwareness(conn Conn, dec *codec.Decoder, frame []byte) {
	blob, err := dec.ReadVarBytes()
	if err != nil {
		r.dropFrame(conn, err)
		return
	}

	changes, err := r.presence.Merge(blob)
	if err != nil {
		r.dropFrame(conn, err)
		return
	}

	controlled := r.conns[conn]
	for _, id := range changes.Added {
		controlled[id] = struct{}{}
	}
	for _, id := range changes.Updated {
		controlled[id] = struct{}{}
	}
	for _, id := range changes.Removed {
		delete(controlled, id)
	}

	// Forward the received frame verbatim so sender-attributed clocks
	// survive end to end.
	r.broadcast(frame, conn)
}

// broadcast sends to every connection except the excluded one. A full
// or dead connection drops the message; its own pump teardown handles
// deregistration.
func (r *Room) broadcast(msg []byte, except Conn) {
	metrics.BroadcastsTotal.Inc()
	for conn := range r.conns {
		if conn == except {
			continue
		}
		r.send(conn, msg)
	}
}

func (r *Room) send(conn Conn, msg []byte) {
	if !conn.Send(msg) {
		log.Printf("Room %s: dropping message to %s (connection not writable)", r.name, conn.ID())
	}
}

func (r *Room) dropFrame(conn Conn, err error) {
	metrics.DroppedFramesTotal.Inc()
	log.Printf("Room %s: dropping frame from %s: %v", r.name, conn.ID(), err)
}
