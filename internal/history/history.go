// Package history keeps a bounded record of the events a fork machine
// handed downstream, for diagnostics.
package history

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"forkd/internal/keystroke"
)

// DefaultCapacity is the ring size a new machine starts with.
const DefaultCapacity = 100

// RecordSize is the length of an encoded Entry.
const RecordSize = 16

// Entry is one delivered event.
type Entry struct {
	Time keystroke.Time    `json:"time"`
	Key  keystroke.Keycode `json:"key"`
	// Forked is the physical keycode when Key is the result of a fork,
	// otherwise zero.
	Forked keystroke.Keycode `json:"forked,omitempty"`
	Press  bool              `json:"press"`
}

func (e Entry) String() string {
	dir := "up"
	if e.Press {
		dir = "down"
	}
	if e.Forked != 0 {
		return fmt.Sprintf("%d %s (%s) %s", e.Time, keystroke.KeyName(e.Key), keystroke.KeyName(e.Forked), dir)
	}
	return fmt.Sprintf("%d %s %s", e.Time, keystroke.KeyName(e.Key), dir)
}

// AppendBinary appends the fixed-size big-endian encoding of e.
// Layout: time u64, key u16, forked u16, press u8, 3 bytes padding.
func (e Entry) AppendBinary(b []byte) []byte {
	var rec [RecordSize]byte
	binary.BigEndian.PutUint64(rec[0:8], uint64(e.Time))
	binary.BigEndian.PutUint16(rec[8:10], uint16(e.Key))
	binary.BigEndian.PutUint16(rec[10:12], uint16(e.Forked))
	if e.Press {
		rec[12] = 1
	}
	return append(b, rec[:]...)
}

// ErrShortRecord is returned when decoding fewer than RecordSize bytes.
var ErrShortRecord = errors.New("history: short record")

// DecodeEntry decodes one record produced by AppendBinary.
func DecodeEntry(b []byte) (Entry, error) {
	if len(b) < RecordSize {
		return Entry{}, ErrShortRecord
	}
	return Entry{
		Time:   keystroke.Time(binary.BigEndian.Uint64(b[0:8])),
		Key:    keystroke.Keycode(binary.BigEndian.Uint16(b[8:10])),
		Forked: keystroke.Keycode(binary.BigEndian.Uint16(b[10:12])),
		Press:  b[12] != 0,
	}, nil
}

// Ring is a fixed-capacity circular buffer that overwrites its oldest entry
// once full. A zero capacity disables recording.
type Ring struct {
	mu      sync.RWMutex
	entries []Entry
	head    int // next write position
	size    int
}

// NewRing creates a ring holding up to capacity entries.
func NewRing(capacity int) *Ring {
	if capacity < 0 {
		capacity = 0
	}
	return &Ring{entries: make([]Entry, capacity)}
}

// Cap returns the capacity.
func (r *Ring) Cap() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Len returns the number of stored entries.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Record stores e, overwriting the oldest entry when full.
func (r *Ring) Record(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	capN := len(r.entries)
	if capN == 0 {
		return
	}
	r.entries[r.head] = e
	r.head = (r.head + 1) % capN
	if r.size < capN {
		r.size++
	}
}

// oldestIndex must be called with the lock held.
func (r *Ring) oldestIndex() int {
	capN := len(r.entries)
	return (r.head - r.size + capN) % capN
}

// Resize changes the capacity, keeping the most recent
// min(Len, capacity) entries in their original order.
func (r *Ring) Resize(capacity int) {
	if capacity < 0 {
		capacity = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	keep := r.size
	if keep > capacity {
		keep = capacity
	}
	next := make([]Entry, capacity)
	if keep > 0 {
		capN := len(r.entries)
		start := (r.oldestIndex() + r.size - keep) % capN
		for i := 0; i < keep; i++ {
			next[i] = r.entries[(start+i)%capN]
		}
	}
	r.entries = next
	r.size = keep
	if capacity == 0 {
		r.head = 0
	} else {
		r.head = keep % capacity
	}
}

// Snapshot returns up to n of the most recent entries, newest first.
// n is clamped to the capacity and to the number stored.
func (r *Ring) Snapshot(n int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	capN := len(r.entries)
	if n > capN {
		n = capN
	}
	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return nil
	}

	out := make([]Entry, n)
	newest := (r.head - 1 + capN) % capN
	for i := 0; i < n; i++ {
		out[i] = r.entries[(newest-i+capN)%capN]
	}
	return out
}

// Entries returns every stored entry, oldest first.
func (r *Ring) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.size == 0 {
		return nil
	}
	capN := len(r.entries)
	out := make([]Entry, r.size)
	start := r.oldestIndex()
	for i := 0; i < r.size; i++ {
		out[i] = r.entries[(start+i)%capN]
	}
	return out
}

// Encode serializes entries as consecutive records.
func Encode(entries []Entry) []byte {
	b := make([]byte, 0, len(entries)*RecordSize)
	for _, e := range entries {
		b = e.AppendBinary(b)
	}
	return b
}

// Decode parses consecutive records.
func Decode(b []byte) ([]Entry, error) {
	if len(b)%RecordSize != 0 {
		return nil, fmt.Errorf("history: %d bytes is not a whole number of records", len(b))
	}
	out := make([]Entry, 0, len(b)/RecordSize)
	for off := 0; off < len(b); off += RecordSize {
		e, err := DecodeEntry(b[off : off+RecordSize])
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
