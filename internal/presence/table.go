package presence

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/yyrichy/easyboard/internal/codec"
)

// Returned when a presence update blob cannot be decoded.
var ErrCorruptUpdate = errors.New("presence: corrupt update")

// A participant's last-writer-wins slot. A nil state is a tombstone:
// the participant left, but the clock is kept so stale updates from
// before the departure cannot resurrect it.
type entry struct {
	clock uint64
	state []byte
}

// Table holds the ephemeral per-participant state of one room.
type Table struct {
	mu      sync.RWMutex
	entries map[uint64]entry
}

// Changes reports which participant ids an update touched.
type Changes struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

func NewTable() *Table {
	return &Table{entries: make(map[uint64]entry)}
}

// Merge folds a received update into the table. Per participant the
// higher clock wins; on equal clocks a removal wins over a state.
func (t *Table) Merge(update []byte) (Changes, error) {
	incoming, err := decodeEntries(update)
	if err != nil {
		return Changes{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var ch Changes
	for _, in := range incoming {
		cur, known := t.entries[in.id]
		if known {
			if in.clock < cur.clock {
				continue
			}
			if in.clock == cur.clock && (in.state != nil || cur.state == nil) {
				continue
			}
		}
		t.entries[in.id] = entry{clock: in.clock, state: in.state}

		switch {
		case in.state == nil:
			if known && cur.state != nil {
				ch.Removed = append(ch.Removed, in.id)
			}
		case !known || cur.state == nil:
			ch.Added = append(ch.Added, in.id)
		default:
			ch.Updated = append(ch.Updated, in.id)
		}
	}
	return ch, nil
}

// Remove tombstones the given participants and returns the encoded
// removal update to broadcast. Unknown ids are skipped.
func (t *Table) Remove(ids []uint64) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := codec.NewEncoder()
	var removed []wireEntry
	for _, id := range sorted(ids) {
		cur, ok := t.entries[id]
		if !ok || cur.state == nil {
			continue
		}
		t.entries[id] = entry{clock: cur.clock + 1}
		removed = append(removed, wireEntry{id: id, clock: cur.clock + 1})
	}
	e.WriteVarUint(uint64(len(removed)))
	for _, w := range removed {
		writeEntry(e, w)
	}
	return e.Bytes()
}

// EncodeUpdate re-encodes the table's current slots for the given ids,
// tombstones included.
func (t *Table) EncodeUpdate(ids []uint64) []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e := codec.NewEncoder()
	var out []wireEntry
	for _, id := range sorted(ids) {
		cur, ok := t.entries[id]
		if !ok {
			continue
		}
		out = append(out, wireEntry{id: id, clock: cur.clock, state: cur.state})
	}
	e.WriteVarUint(uint64(len(out)))
	for _, w := range out {
		writeEntry(e, w)
	}
	return e.Bytes()
}

// Snapshot encodes every live participant, for sending to a joiner.
func (t *Table) Snapshot() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []uint64
	for id, cur := range t.entries {
		if cur.state != nil {
			ids = append(ids, id)
		}
	}

	e := codec.NewEncoder()
	e.WriteVarUint(uint64(len(ids)))
	for _, id := range sorted(ids) {
		cur := t.entries[id]
		writeEntry(e, wireEntry{id: id, clock: cur.clock, state: cur.state})
	}
	return e.Bytes()
}

// Len counts live participants (tombstones excluded).
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, cur := range t.entries {
		if cur.state != nil {
			n++
		}
	}
	return n
}

// States returns a copy of the live participant states.
func (t *Table) States() map[uint64][]byte {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[uint64][]byte, len(t.entries))
	for id, cur := range t.entries {
		if cur.state != nil {
			state := make([]byte, len(cur.state))
			copy(state, cur.state)
			out[id] = state
		}
	}
	return out
}

// EncodeState builds a single-participant update, as a client would
// send it. A nil state announces departure.
func EncodeState(id, clock uint64, state []byte) []byte {
	e := codec.NewEncoder()
	e.WriteVarUint(1)
	writeEntry(e, wireEntry{id: id, clock: clock, state: state})
	return e.Bytes()
}

// Wire form: varuint entry count, then per entry
// varuint id, varuint clock, varbytes state (empty = departed).

type wireEntry struct {
	id, clock uint64
	state     []byte
}

func writeEntry(e *codec.Encoder, w wireEntry) {
	e.WriteVarUint(w.id)
	e.WriteVarUint(w.clock)
	e.WriteVarBytes(w.state)
}

func decodeEntries(update []byte) ([]wireEntry, error) {
	d := codec.NewDecoder(update)
	count, err := d.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptUpdate, err)
	}
	entries := make([]wireEntry, 0, count)
	for i := uint64(0); i < count; i++ {
		id, err := d.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptUpdate, err)
		}
		clock, err := d.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptUpdate, err)
		}
		state, err := d.ReadVarBytes()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptUpdate, err)
		}
		w := wireEntry{id: id, clock: clock}
		if len(state) > 0 {
			w.state = state
		}
		entries = append(entries, w)
	}
	if d.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptUpdate, d.Len())
	}
	return entries, nil
}

func sorted(ids []uint64) []uint64 {
	out := make([]uint64, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
