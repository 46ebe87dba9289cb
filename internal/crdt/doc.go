package crdt

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/yyrichy/easyboard/internal/codec"
)

// Returned when an update or state vector cannot be decoded.
var ErrCorruptUpdate = errors.New("crdt: corrupt update")

// Doc is a replicated set of opaque operations. An update blob carries
// one or more (origin, seq, payload) ops; applying an update unions its
// ops into the set, so application is commutative, associative and
// idempotent. The relay never looks inside payloads.
type Doc struct {
	mu      sync.RWMutex
	origin  uint64
	nextSeq uint64
	ops     map[uint64]map[uint64][]byte // origin -> seq -> payload
}

func NewDoc() *Doc {
	return &Doc{
		origin: rand.Uint64(),
		ops:    make(map[uint64]map[uint64][]byte),
	}
}

// LocalUpdate records a locally-originated payload and returns the
// encoded single-op update that carries it to peers.
func (d *Doc) LocalUpdate(payload []byte) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextSeq++
	d.insert(d.origin, d.nextSeq, payload)

	e := codec.NewEncoder()
	e.WriteVarUint(1)
	writeOp(e, d.origin, d.nextSeq, payload)
	return e.Bytes()
}

// ApplyUpdate merges a peer-supplied update into the document.
// Re-applying a previously-seen update is a no-op.
func (d *Doc) ApplyUpdate(update []byte) error {
	ops, err := decodeOps(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, op := range ops {
		d.insert(op.origin, op.seq, op.payload)
	}
	return nil
}

// StateVector summarizes what the document has seen: for each origin,
// the highest seq such that every op up to it is present.
func (d *Doc) StateVector() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	origins := d.sortedOrigins()
	e := codec.NewEncoder()
	e.WriteVarUint(uint64(len(origins)))
	for _, origin := range origins {
		e.WriteVarUint(origin)
		e.WriteVarUint(d.frontier(origin))
	}
	return e.Bytes()
}

// DiffUpdate computes the minimal update bringing a peer with the given
// state vector current.
func (d *Doc) DiffUpdate(stateVector []byte) ([]byte, error) {
	seen, err := decodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.encodeOpsAfter(seen), nil
}

// FullUpdate encodes every op the document holds. Two converged
// documents produce byte-identical full updates.
func (d *Doc) FullUpdate() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.encodeOpsAfter(nil)
}

// OpCount reports the number of distinct ops held (diagnostic).
func (d *Doc) OpCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, seqs := range d.ops {
		n += len(seqs)
	}
	return n
}

// insert is idempotent; the first write for an (origin, seq) pair wins.
func (d *Doc) insert(origin, seq uint64, payload []byte) {
	seqs, ok := d.ops[origin]
	if !ok {
		seqs = make(map[uint64][]byte)
		d.ops[origin] = seqs
	}
	if _, exists := seqs[seq]; exists {
		return
	}
	seqs[seq] = payload
}

func (d *Doc) frontier(origin uint64) uint64 {
	seqs := d.ops[origin]
	var n uint64
	for {
		if _, ok := seqs[n+1]; !ok {
			return n
		}
		n++
	}
}

func (d *Doc) sortedOrigins() []uint64 {
	origins := make([]uint64, 0, len(d.ops))
	for origin := range d.ops {
		origins = append(origins, origin)
	}
	sort.Slice(origins, func(i, j int) bool { return origins[i] < origins[j] })
	return origins
}

func (d *Doc) encodeOpsAfter(seen map[uint64]uint64) []byte {
	type pending struct {
		origin, seq uint64
		payload     []byte
	}
	var out []pending
	for _, origin := range d.sortedOrigins() {
		seqs := make([]uint64, 0, len(d.ops[origin]))
		for seq := range d.ops[origin] {
			if seq > seen[origin] {
				seqs = append(seqs, seq)
			}
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		for _, seq := range seqs {
			out = append(out, pending{origin, seq, d.ops[origin][seq]})
		}
	}

	e := codec.NewEncoder()
	e.WriteVarUint(uint64(len(out)))
	for _, op := range out {
		writeOp(e, op.origin, op.seq, op.payload)
	}
	return e.Bytes()
}

type op struct {
	origin, seq uint64
	payload     []byte
}

func writeOp(e *codec.Encoder, origin, seq uint64, payload []byte) {
	e.WriteVarUint(origin)
	e.WriteVarUint(seq)
	e.WriteVarBytes(payload)
}

func decodeOps(update []byte) ([]op, error) {
	d := codec.NewDecoder(update)
	count, err := d.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptUpdate, err)
	}
	ops := make([]op, 0, count)
	for i := uint64(0); i < count; i++ {
		origin, err := d.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptUpdate, err)
		}
		seq, err := d.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptUpdate, err)
		}
		if seq == 0 {
			return nil, fmt.Errorf("%w: op seq must be positive", ErrCorruptUpdate)
		}
		payload, err := d.ReadVarBytes()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptUpdate, err)
		}
		ops = append(ops, op{origin, seq, payload})
	}
	if d.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptUpdate, d.Len())
	}
	return ops, nil
}

func decodeStateVector(sv []byte) (map[uint64]uint64, error) {
	d := codec.NewDecoder(sv)
	count, err := d.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptUpdate, err)
	}
	seen := make(map[uint64]uint64, count)
	for i := uint64(0); i < count; i++ {
		origin, err := d.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptUpdate, err)
		}
		frontier, err := d.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptUpdate, err)
		}
		seen[origin] = frontier
	}
	if d.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptUpdate, d.Len())
	}
	return seen, nil
}
