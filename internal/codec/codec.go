package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Returned when the leading message-type tag of a frame cannot be decoded.
var ErrMalformedFrame = errors.New("codec: malformed frame")

// Represents the type of relay message
type MessageType uint64

const (
	// Used for document sync protocol messages
	MessageSync MessageType = 0

	// Used for awareness protocol messages (cursors, presence)
	MessageAwareness MessageType = 1

	// Used for in-band diagnostics (connection count)
	MessageStats MessageType = 10
)

// SyncStep represents the step in the document sync protocol
type SyncStep uint64

const (
	// Peer sends its state vector
	SyncStep1 SyncStep = 0

	// Reply carrying the updates the peer is missing
	SyncStep2 SyncStep = 1

	// Regular update broadcast
	SyncUpdate SyncStep = 2
)

// Encoder builds a frame or payload out of varuints and
// length-prefixed byte blobs (unsigned LEB128 on the wire).
type Encoder struct {
	buf bytes.Buffer
}

func NewEncoder() *Encoder {
	return &Encoder{}
}

func (e *Encoder) WriteVarUint(v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	e.buf.Write(tmp[:n])
}

func (e *Encoder) WriteVarBytes(b []byte) {
	e.WriteVarUint(uint64(len(b)))
	e.buf.Write(b)
}

func (e *Encoder) Bytes() []byte {
	return e.buf.Bytes()
}

// Decoder reads varuints and length-prefixed blobs from a frame payload.
type Decoder struct {
	r *bytes.Reader
}

func NewDecoder(data []byte) *Decoder {
	return &Decoder{r: bytes.NewReader(data)}
}

func (d *Decoder) ReadVarUint() (uint64, error) {
	v, err := binary.ReadUvarint(d.r)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return v, nil
}

func (d *Decoder) ReadVarBytes() ([]byte, error) {
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if n > uint64(d.r.Len()) {
		return nil, fmt.Errorf("%w: blob length %d exceeds remaining %d", ErrMalformedFrame, n, d.r.Len())
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return b, nil
}

// Len returns the number of undecoded bytes left in the payload.
func (d *Decoder) Len() int {
	return d.r.Len()
}

// Decode splits a frame into its message type and a decoder positioned
// at the start of the payload.
func Decode(frame []byte) (MessageType, *Decoder, error) {
	d := NewDecoder(frame)
	tag, err := d.ReadVarUint()
	if err != nil {
		return 0, nil, err
	}
	return MessageType(tag), d, nil
}

// Frame constructors. Every message on the wire goes through one of these.

func EncodeSync(step SyncStep, blob []byte) []byte {
	e := NewEncoder()
	e.WriteVarUint(uint64(MessageSync))
	e.WriteVarUint(uint64(step))
	e.WriteVarBytes(blob)
	return e.Bytes()
}

func EncodeAwareness(update []byte) []byte {
	e := NewEncoder()
	e.WriteVarUint(uint64(MessageAwareness))
	e.WriteVarBytes(update)
	return e.Bytes()
}

func EncodeStatsRequest() []byte {
	e := NewEncoder()
	e.WriteVarUint(uint64(MessageStats))
	return e.Bytes()
}

func EncodeStatsReply(connections uint64) []byte {
	e := NewEncoder()
	e.WriteVarUint(uint64(MessageStats))
	e.WriteVarUint(connections)
	return e.Bytes()
}
