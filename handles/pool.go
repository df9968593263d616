package handles

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/dendrascience/flashfs/flatfs"
)

// MaxSlots is the most slots a pool can have; occupancy is one bit per slot
// in a uint8.
const MaxSlots = 8

// TimeAttrSize is the size of the per-slot time attribute buffer.
const TimeAttrSize = 4

// CodecMode is which side of the codec a slot holds.
type CodecMode uint8

const (
	CodecNone CodecMode = iota
	CodecCompress
	CodecDecompress
)

func (m CodecMode) String() string {
	switch m {
	case CodecNone:
		return "none"
	case CodecCompress:
		return "compress"
	case CodecDecompress:
		return "decompress"
	}
	return fmt.Sprintf("CodecMode(%d)", uint8(m))
}

// codecToken is held by at most one slot.
type codecToken struct {
	owner int // slot index, -1 when free
	mode  CodecMode
}

func (t codecToken) held() bool { return t.owner >= 0 }

// Slot is the memory behind one open file.
type Slot struct {
	index int

	// File is the engine file while the slot is open.
	File *flatfs.File
	// Buffer is the engine's program buffer.
	Buffer []byte
	// Time backs Attrs[0].
	Time  [TimeAttrSize]byte
	Attrs [1]flatfs.Attr
	// Config references Buffer and Attrs and is what the engine is opened with.
	Config flatfs.FileConfig
}

// Index returns the slot's position in the pool.
func (s *Slot) Index() int { return s.index }

func (s *Slot) reset() {
	s.File = nil
	clear(s.Buffer)
	s.Time = [TimeAttrSize]byte{}
	s.Attrs[0] = flatfs.Attr{}
	s.Config = flatfs.FileConfig{Buffer: s.Buffer, Attrs: s.Attrs[:]}
}

// Pool hands out slots. All methods are safe for concurrent use.
type Pool struct {
	mu       sync.Mutex
	slots    []*Slot
	occupied uint8
	codec    codecToken
}

// NewPool creates a pool of capacity slots, each with a bufSize byte program
// buffer.
func NewPool(capacity, bufSize int) (*Pool, error) {
	if capacity < 1 || capacity > MaxSlots {
		return nil, fmt.Errorf("%w: %d, want 1..%d", ErrCapacity, capacity, MaxSlots)
	}
	if bufSize <= 0 {
		return nil, fmt.Errorf("%w: buffer size %d", ErrCapacity, bufSize)
	}
	p := &Pool{
		slots: make([]*Slot, capacity),
		codec: codecToken{owner: -1},
	}
	for i := range p.slots {
		p.slots[i] = &Slot{index: i, Buffer: make([]byte, bufSize)}
		p.slots[i].reset()
	}
	return p, nil
}

// Acquire reserves a free slot. With a codec mode other than CodecNone the
// slot also takes the codec, and ErrCodecBusy is returned if another slot
// holds it.
func (p *Pool) Acquire(mode CodecMode) (*Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	free := -1
	for i := range p.slots {
		if p.occupied&(1<<i) == 0 {
			free = i
			break
		}
	}
	if free < 0 {
		return nil, ErrExhausted
	}
	if mode != CodecNone && p.codec.held() {
		return nil, fmt.Errorf("%w: held by slot %d for %s", ErrCodecBusy, p.codec.owner, p.codec.mode)
	}

	p.occupied |= 1 << free
	s := p.slots[free]
	s.reset()
	if mode != CodecNone {
		p.codec = codecToken{owner: free, mode: mode}
	}
	return s, nil
}

// Release returns s to the pool and frees the codec if s held it. Releasing
// a slot that is not open panics with a *CorruptionError.
func (p *Pool) Release(s *Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.lookup(s)
	if i < 0 {
		panic(&CorruptionError{Op: "release", Index: -1})
	}
	if p.occupied&(1<<i) == 0 {
		panic(&CorruptionError{Op: "release", Index: i})
	}
	p.occupied &^= 1 << i
	if p.codec.owner == i {
		p.codec = codecToken{owner: -1}
	}
	s.File = nil
}

// lookup finds s by identity.
func (p *Pool) lookup(s *Slot) int {
	for i, candidate := range p.slots {
		if candidate == s {
			return i
		}
	}
	return -1
}

// IsCompressed reports whether s holds the codec.
func (p *Pool) IsCompressed(s *Slot) bool {
	return p.CodecMode(s) != CodecNone
}

// CodecMode returns the codec mode s holds, CodecNone if it holds none.
func (p *Pool) CodecMode(s *Slot) CodecMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.lookup(s)
	if i < 0 || p.codec.owner != i {
		return CodecNone
	}
	return p.codec.mode
}

// Owns reports whether s belongs to this pool and is open.
func (p *Pool) Owns(s *Slot) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.lookup(s)
	return i >= 0 && p.occupied&(1<<i) != 0
}

// Live returns the number of open slots.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bits.OnesCount8(p.occupied)
}

// Cap returns the number of slots.
func (p *Pool) Cap() int { return len(p.slots) }

// Occupancy returns the occupancy bitmask: bit i is set while slot i is open.
func (p *Pool) Occupancy() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.occupied
}
