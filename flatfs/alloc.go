package flatfs

import (
	"github.com/google/uuid"
	"github.com/taigrr/colorhash"
)

// metaBlocks is the number of anchor blocks at the start of the device.
// Format places the first directory pair right after them.
const metaBlocks = 2

var firstPair = [2]uint32{metaBlocks, metaBlocks + 1}

type bitmap []byte

func (b bitmap) set(i uint32)        { b[i/8] |= 1 << (i % 8) }
func (b bitmap) isSet(i uint32) bool { return b[i/8]&(1<<(i%8)) != 0 }

// lookahead finds free blocks in a window of len(bits)*8 blocks that walks
// around the device.
type lookahead struct {
	count uint32 // blocks on the device
	size  uint32 // blocks per window
	start uint32 // first block of the window
	next  uint32 // offset of the next candidate within the window
	bits  bitmap

	// inUse lists every block the filesystem still needs.
	inUse func(yield func(uint32))
}

func newLookahead(count, lookaheadBytes uint32, id uuid.UUID, inUse func(func(uint32))) *lookahead {
	size := min(lookaheadBytes*8, count)
	la := &lookahead{
		count: count,
		size:  size,
		bits:  make(bitmap, (size+7)/8),
		inUse: inUse,
	}
	la.start = seed(id, count)
	la.fill()
	return la
}

// seed picks where on the device a volume starts allocating.
func seed(id uuid.UUID, count uint32) uint32 {
	h := colorhash.HashString(id.String())
	if h < 0 {
		h = -h
	}
	return uint32(h % int(count))
}

func (la *lookahead) fill() {
	clear(la.bits)
	la.next = 0
	mark := func(b uint32) {
		off := (b + la.count - la.start) % la.count
		if off < la.size {
			la.bits.set(off)
		}
	}
	for b := uint32(0); b < metaBlocks && b < la.count; b++ {
		mark(b)
	}
	la.inUse(mark)
}

// alloc returns a free block and marks it used in the current window.
func (la *lookahead) alloc() (uint32, error) {
	// One pass over every window plus the partial one we start in.
	for scanned := uint32(0); scanned <= la.count+la.size; {
		for la.next < la.size {
			off := la.next
			la.next++
			scanned++
			if !la.bits.isSet(off) {
				la.bits.set(off)
				return (la.start + off) % la.count, nil
			}
		}
		la.start = (la.start + la.size) % la.count
		la.fill()
	}
	return 0, ErrNoSpace
}
