package flatfs

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/google/uuid"
)

const (
	metaMagic   uint32 = 0x53464c46 // "FLFS"
	metaVersion uint16 = 2
	headerSize  uint32 = 16
)

// Attr is a user attribute. Type is the attribute's key; Buffer holds its
// value, and its length is the attribute's size.
type Attr struct {
	Type   uint8
	Buffer []byte
}

type entry struct {
	name   string
	size   uint32
	attrs  []Attr
	blocks []uint32
}

func (e *entry) clone() *entry {
	c := &entry{
		name:   e.name,
		size:   e.size,
		blocks: append([]uint32(nil), e.blocks...),
		attrs:  make([]Attr, len(e.attrs)),
	}
	for i, a := range e.attrs {
		c.attrs[i] = Attr{Type: a.Type, Buffer: append([]byte(nil), a.Buffer...)}
	}
	return c
}

func (e *entry) attr(typ uint8) ([]byte, bool) {
	for _, a := range e.attrs {
		if a.Type == typ {
			return a.Buffer, true
		}
	}
	return nil, false
}

func (e *entry) setAttr(typ uint8, data []byte) {
	data = append([]byte(nil), data...)
	for i, a := range e.attrs {
		if a.Type == typ {
			e.attrs[i].Buffer = data
			return
		}
	}
	e.attrs = append(e.attrs, Attr{Type: typ, Buffer: data})
	sort.Slice(e.attrs, func(i, j int) bool { return e.attrs[i].Type < e.attrs[j].Type })
}

// superblock is the decoded content of one metadata block.
type superblock struct {
	revision    uint32
	blockSize   uint32
	blockCount  uint32
	blockCycles int32
	nameMax     uint32
	attrMax     uint32
	id          uuid.UUID

	// pair is where the directory lives and base the revision first written
	// to it.
	pair [2]uint32
	base uint32

	entries []*entry
}

// encoder appends little-endian fields to a buffer.
type encoder struct{ b []byte }

func (e *encoder) u8(v uint8)   { e.b = append(e.b, v) }
func (e *encoder) u16(v uint16) { e.b = binary.LittleEndian.AppendUint16(e.b, v) }
func (e *encoder) u32(v uint32) { e.b = binary.LittleEndian.AppendUint32(e.b, v) }
func (e *encoder) raw(p []byte) { e.b = append(e.b, p...) }

// decoder reads little-endian fields and remembers the first overrun.
type decoder struct {
	b   []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n > len(d.b) {
		d.err = fmt.Errorf("%w: truncated metadata", ErrCorrupt)
		return nil
	}
	p := d.b[:n]
	d.b = d.b[n:]
	return p
}

func (d *decoder) u8() uint8 {
	if p := d.take(1); p != nil {
		return p[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if p := d.take(2); p != nil {
		return binary.LittleEndian.Uint16(p)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if p := d.take(4); p != nil {
		return binary.LittleEndian.Uint32(p)
	}
	return 0
}

// encode returns the header and payload of sb, unpadded.
func (sb *superblock) encode() []byte {
	var p encoder
	p.u16(metaVersion)
	p.u16(0)
	p.u32(sb.blockSize)
	p.u32(sb.blockCount)
	p.u32(uint32(sb.blockCycles))
	p.u32(sb.nameMax)
	p.u32(sb.attrMax)
	p.raw(sb.id[:])
	p.u32(sb.pair[0])
	p.u32(sb.pair[1])
	p.u32(sb.base)
	p.u32(uint32(len(sb.entries)))
	for _, e := range sb.entries {
		p.u8(uint8(len(e.name)))
		p.raw([]byte(e.name))
		p.u32(e.size)
		p.u8(uint8(len(e.attrs)))
		for _, a := range e.attrs {
			p.u8(a.Type)
			p.u8(uint8(len(a.Buffer)))
			p.raw(a.Buffer)
		}
		p.u32(uint32(len(e.blocks)))
		for _, b := range e.blocks {
			p.u32(b)
		}
	}

	var h encoder
	h.u32(metaMagic)
	h.u32(sb.revision)
	h.u32(uint32(len(p.b)))
	h.u32(crc32.ChecksumIEEE(p.b))
	return append(h.b, p.b...)
}

// decodeHeader validates a metadata header and returns the revision and
// payload length.
func decodeHeader(h []byte, blockSize uint32) (rev, length, sum uint32, err error) {
	d := decoder{b: h}
	magic := d.u32()
	rev = d.u32()
	length = d.u32()
	sum = d.u32()
	if d.err != nil {
		return 0, 0, 0, d.err
	}
	if magic != metaMagic {
		return 0, 0, 0, fmt.Errorf("%w: bad magic %#x", ErrCorrupt, magic)
	}
	if length > blockSize-headerSize {
		return 0, 0, 0, fmt.Errorf("%w: payload length %d exceeds block", ErrCorrupt, length)
	}
	return rev, length, sum, nil
}

func decodeSuperblock(rev uint32, payload []byte, sum uint32) (*superblock, error) {
	if got := crc32.ChecksumIEEE(payload); got != sum {
		return nil, fmt.Errorf("%w: checksum %#x, want %#x", ErrCorrupt, got, sum)
	}

	d := decoder{b: payload}
	if v := d.u16(); d.err == nil && v != metaVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrCorrupt, v)
	}
	d.u16()

	sb := &superblock{revision: rev}
	sb.blockSize = d.u32()
	sb.blockCount = d.u32()
	sb.blockCycles = int32(d.u32())
	sb.nameMax = d.u32()
	sb.attrMax = d.u32()
	copy(sb.id[:], d.take(16))
	sb.pair[0] = d.u32()
	sb.pair[1] = d.u32()
	sb.base = d.u32()

	n := d.u32()
	for i := uint32(0); i < n && d.err == nil; i++ {
		e := &entry{}
		e.name = string(d.take(int(d.u8())))
		e.size = d.u32()
		for na := d.u8(); na > 0 && d.err == nil; na-- {
			typ := d.u8()
			e.attrs = append(e.attrs, Attr{Type: typ, Buffer: append([]byte(nil), d.take(int(d.u8()))...)})
		}
		nb := d.u32()
		if uint64(nb)*4 > uint64(len(d.b)) {
			return nil, fmt.Errorf("%w: block list of %q overruns metadata", ErrCorrupt, e.name)
		}
		e.blocks = make([]uint32, nb)
		for j := range e.blocks {
			e.blocks[j] = d.u32()
		}
		sb.entries = append(sb.entries, e)
	}
	if d.err != nil {
		return nil, d.err
	}
	return sb, nil
}

// pairErases returns how many times the pair block receiving revision rev
// has been erased once rev is written. Both blocks of a pair are erased when
// the pair is first written at revision base, and commits alternate between
// them.
func pairErases(rev, base uint32) uint32 {
	return (rev-base+1)/2 + 1
}

// newer reports whether revision a is more recent than b, allowing for
// wraparound.
func newer(a, b uint32) bool {
	return int32(a-b) > 0
}
