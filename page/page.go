// Package page implements the fixed-size slot array that every base and
// tail page is built from.
package page

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/snappy"

	"github.com/arrowlake/lstore/config"
)

// Capacity is the number of 8-byte int64 slots a page holds.
const Capacity = config.DefaultPageCapacity

// ErrFull is returned by Write when the page has no free slot.
var ErrFull = errors.New("page: full")

// ErrSlotOutOfRange is returned by Get/WritePrecise for slot >= NumRecords
// (Get) or slot >= Capacity (WritePrecise).
var ErrSlotOutOfRange = errors.New("page: slot out of range")

// Page is a contiguous 4096-byte buffer viewed as Capacity 8-byte slots.
// A page is clean until first written, then dirty until flushed; the
// dirty/clean distinction itself is tracked by the frame that owns the
// page, not by Page.
type Page struct {
	numRecords int
	data       [Capacity]int64
}

// New returns an empty page.
func New() *Page {
	return &Page{}
}

// HasCapacity reports whether the page can accept one more appended value.
func (p *Page) HasCapacity() bool {
	return p.numRecords < Capacity
}

// NumRecords returns the number of valid (written) slots.
func (p *Page) NumRecords() int {
	return p.numRecords
}

// Write appends value at slot NumRecords and returns that slot index.
func (p *Page) Write(value int64) (int, error) {
	if !p.HasCapacity() {
		return 0, ErrFull
	}
	slot := p.numRecords
	p.data[slot] = value
	p.numRecords++
	return slot, nil
}

// WritePrecise overwrites slot in place. Overwriting an existing slot
// (< NumRecords) leaves NumRecords unchanged; slot must be < Capacity,
// and writing at or past NumRecords raises NumRecords to slot+1 (base
// and tail hidden-column writes address slots directly this way).
func (p *Page) WritePrecise(slot int, value int64) error {
	if slot < 0 || slot >= Capacity {
		return ErrSlotOutOfRange
	}
	p.data[slot] = value
	if slot >= p.numRecords {
		p.numRecords = slot + 1
	}
	return nil
}

// Get returns the value at slot. Behavior is undefined (returns
// ErrSlotOutOfRange) for slot >= NumRecords.
func (p *Page) Get(slot int) (int64, error) {
	if slot < 0 || slot >= p.numRecords {
		return 0, ErrSlotOutOfRange
	}
	return p.data[slot], nil
}

// serializedHeaderSize is {numRecords uint32}{flag byte}{payloadLen uint32}.
const serializedHeaderSize = 4 + 1 + 4

const (
	flagRaw    byte = 0
	flagSnappy byte = 1
)

// Serialize produces the persisted representation of the page: a
// num_records count followed by the page's raw byte image, snappy
// compressed when that shrinks it (falls back to raw bytes otherwise).
// deserialize(serialize(p)) reproduces p byte-for-byte.
func (p *Page) Serialize() ([]byte, error) {
	raw := make([]byte, Capacity*8)
	for i, v := range p.data {
		binary.LittleEndian.PutUint64(raw[i*8:], uint64(v))
	}

	flag := flagRaw
	payload := raw
	if compressed := snappy.Encode(nil, raw); len(compressed) < len(raw) {
		flag = flagSnappy
		payload = compressed
	}

	out := make([]byte, serializedHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(out[0:], uint32(p.numRecords))
	out[4] = flag
	binary.LittleEndian.PutUint32(out[5:], uint32(len(payload)))
	copy(out[serializedHeaderSize:], payload)
	return out, nil
}

// Deserialize reconstructs a page from its serialized representation.
func Deserialize(buf []byte) (*Page, error) {
	if len(buf) < serializedHeaderSize {
		return nil, fmt.Errorf("page: deserialize: truncated header (%d bytes)", len(buf))
	}
	numRecords := int(binary.LittleEndian.Uint32(buf[0:]))
	flag := buf[4]
	payloadLen := int(binary.LittleEndian.Uint32(buf[5:]))
	if len(buf) < serializedHeaderSize+payloadLen {
		return nil, fmt.Errorf("page: deserialize: truncated payload (want %d, have %d)", payloadLen, len(buf)-serializedHeaderSize)
	}
	payload := buf[serializedHeaderSize : serializedHeaderSize+payloadLen]

	var raw []byte
	switch flag {
	case flagRaw:
		raw = payload
	case flagSnappy:
		decoded, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("page: deserialize: snappy decode: %w", err)
		}
		raw = decoded
	default:
		return nil, fmt.Errorf("page: deserialize: unknown flag %d", flag)
	}
	if len(raw) != Capacity*8 {
		return nil, fmt.Errorf("page: deserialize: expected %d raw bytes, got %d", Capacity*8, len(raw))
	}

	p := &Page{numRecords: numRecords}
	for i := 0; i < Capacity; i++ {
		p.data[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return p, nil
}

// Equal reports whether two pages hold identical slot contents and
// record counts. Used by round-trip tests.
func (p *Page) Equal(other *Page) bool {
	if p.numRecords != other.numRecords {
		return false
	}
	return p.data == other.data
}
