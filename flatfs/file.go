package flatfs

import (
	"fmt"
	"io"
	"math"
)

// Open flags. Exactly one of O_RDONLY, O_WRONLY and O_RDWR must be set.
const (
	O_RDONLY = 0x1
	O_WRONLY = 0x2
	O_RDWR   = O_RDONLY | O_WRONLY
	O_CREAT  = 0x0100
	O_EXCL   = 0x0200
	O_TRUNC  = 0x0400
	O_APPEND = 0x0800

	accessMask = O_RDWR
)

// FileConfig supplies caller-owned memory for an open file.
type FileConfig struct {
	// Buffer stages program data. It must be CacheSize bytes; nil allocates.
	Buffer []byte
	// Attrs are loaded on readable opens and stored on writable syncs.
	Attrs []Attr
}

// File is an open file. A File is not safe for concurrent use, but separate
// Files may be used from separate goroutines.
type File struct {
	fs    *FS
	name  string
	flags int
	cfg   FileConfig
	buf   []byte

	size   uint32
	blocks []uint32
	pos    uint32
	w      *session

	dirty  bool
	closed bool
}

// session is an in-progress copy of one data block.
type session struct {
	index uint32 // block index within the file
	block uint32 // freshly erased device block receiving the copy
	off   uint32 // block offset of buf[0], a multiple of CacheSize
	fill  uint32 // bytes of buf holding data
	start uint32 // file position the session started at
	base  uint32 // file size when the session started
}

func (s *session) cursor(blockSize uint32) uint32 {
	return s.index*blockSize + s.off + s.fill
}

// OpenFile opens the named file. cfg may be nil.
func (fs *FS) OpenFile(name string, flags int, cfg *FileConfig) (*File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return nil, ErrUnmounted
	}
	if err := fs.checkName(name); err != nil {
		return nil, err
	}
	access := flags & accessMask
	if access == 0 {
		return nil, fmt.Errorf("%w: open flags %#x have no access mode", ErrInvalid, flags)
	}
	writable := access&O_WRONLY != 0

	f := &File{fs: fs, name: name, flags: flags}
	if cfg != nil {
		f.cfg = *cfg
	}
	switch {
	case f.cfg.Buffer == nil:
		f.buf = make([]byte, fs.cfg.CacheSize)
	case uint32(len(f.cfg.Buffer)) != fs.cfg.CacheSize:
		return nil, fmt.Errorf("%w: file buffer is %d bytes, want %d", ErrInvalid, len(f.cfg.Buffer), fs.cfg.CacheSize)
	default:
		f.buf = f.cfg.Buffer
	}
	for _, a := range f.cfg.Attrs {
		if uint32(len(a.Buffer)) > fs.cfg.AttrMax {
			return nil, fmt.Errorf("%w: attribute %q is %d bytes", ErrNoSpace, a.Type, len(a.Buffer))
		}
	}

	if writable {
		for other := range fs.open {
			if other.name == name && other.writable() {
				return nil, fmt.Errorf("%w: %s already has a writer", ErrBusy, name)
			}
		}
	}

	e, exists := fs.entries[name]
	switch {
	case !exists && flags&O_CREAT == 0:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	case exists && flags&O_CREAT != 0 && flags&O_EXCL != 0:
		return nil, fmt.Errorf("%w: %s", ErrExist, name)
	case !exists:
		if !writable {
			return nil, fmt.Errorf("%w: create needs write access", ErrInvalid)
		}
		e = &entry{name: name}
		if err := fs.commit(func(entries map[string]*entry) { entries[name] = e }); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", name, err)
		}
	}

	f.size = e.size
	f.blocks = append([]uint32(nil), e.blocks...)

	if access&O_RDONLY != 0 {
		for _, a := range f.cfg.Attrs {
			clear(a.Buffer)
			if data, ok := e.attr(a.Type); ok {
				copy(a.Buffer, data)
			}
		}
	}
	if writable {
		if flags&O_TRUNC != 0 && f.size > 0 {
			f.size = 0
			f.blocks = nil
		}
		// Attributes supplied by a writer are always stored.
		f.dirty = len(f.cfg.Attrs) > 0 || flags&O_TRUNC != 0
	}

	fs.open[f] = struct{}{}
	return f, nil
}

func (f *File) writable() bool { return f.flags&O_WRONLY != 0 }
func (f *File) readable() bool { return f.flags&O_RDONLY != 0 }

// Name returns the name the file was opened with.
func (f *File) Name() string { return f.name }

func (f *File) check() error {
	if f.closed {
		return ErrClosed
	}
	if !f.fs.mounted {
		return ErrUnmounted
	}
	return nil
}

// Read reads up to len(p) bytes from the current position. At end of file it
// returns 0, io.EOF.
func (f *File) Read(p []byte) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if err := f.check(); err != nil {
		return 0, err
	}
	if !f.readable() {
		return 0, fmt.Errorf("%w: %s is write-only", ErrBadFile, f.name)
	}
	if err := f.flush(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if f.pos >= f.size {
		return 0, io.EOF
	}

	n := min(uint32(len(p)), f.size-f.pos)
	if err := f.readAt(p[:n], f.pos, f.size); err != nil {
		return 0, err
	}
	f.pos += n
	return int(n), nil
}

// readAt fills p from the committed or copied blocks starting at off.
// Bytes at or past limit read as zero.
func (f *File) readAt(p []byte, off, limit uint32) error {
	bs := f.fs.cfg.BlockSize
	for len(p) > 0 {
		idx, boff := off/bs, off%bs
		n := min(uint32(len(p)), bs-boff)
		switch {
		case off >= limit || idx >= uint32(len(f.blocks)):
			clear(p[:n])
		default:
			valid := min(n, limit-off)
			if err := f.fs.cfg.Device.Read(f.blocks[idx], boff, p[:valid]); err != nil {
				return fmt.Errorf("failed to read %s: %w", f.name, err)
			}
			clear(p[valid:n])
		}
		p = p[n:]
		off += n
	}
	return nil
}

// Write writes p at the current position, or at the end of the file when
// opened with O_APPEND. Writing past the end fills the gap with zeros.
func (f *File) Write(p []byte) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if err := f.check(); err != nil {
		return 0, err
	}
	if !f.writable() {
		return 0, fmt.Errorf("%w: %s is read-only", ErrBadFile, f.name)
	}
	if f.flags&O_APPEND != 0 {
		f.pos = f.size
	}
	if uint64(f.pos)+uint64(len(p)) > math.MaxUint32 {
		return 0, fmt.Errorf("%w: file would exceed 4 GiB", ErrNoSpace)
	}

	if f.pos > f.size {
		at := f.pos
		f.pos = f.size
		if err := f.write(make([]byte, at-f.size)); err != nil {
			return 0, err
		}
	}
	if err := f.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (f *File) write(p []byte) error {
	bs := f.fs.cfg.BlockSize
	chunk := f.fs.cfg.CacheSize
	for len(p) > 0 {
		if f.w != nil && f.w.cursor(bs) != f.pos {
			if err := f.flush(); err != nil {
				return err
			}
		}
		if f.w == nil {
			if err := f.begin(); err != nil {
				return err
			}
		}

		s := f.w
		n := copy(f.buf[s.fill:chunk], p)
		p = p[n:]
		s.fill += uint32(n)
		f.pos += uint32(n)
		f.size = max(f.size, f.pos)
		f.dirty = true

		if s.fill < chunk {
			continue
		}
		if err := f.fs.cfg.Device.Program(s.block, s.off, f.buf[:chunk]); err != nil {
			f.abort()
			return err
		}
		s.off += chunk
		s.fill = 0
		if s.off == bs {
			f.setBlock(s.index, s.block)
			f.w = nil
		}
	}
	return nil
}

// begin starts a session for the block under pos. Data in front of pos is
// copied from the old block.
func (f *File) begin() error {
	cfg := &f.fs.cfg
	block, err := f.fs.la.alloc()
	if err != nil {
		return err
	}
	if err := cfg.Device.Erase(block); err != nil {
		return err
	}

	s := &session{index: f.pos / cfg.BlockSize, block: block, start: f.pos, base: f.size}
	f.w = s
	boff := f.pos % cfg.BlockSize
	start := boff - boff%cfg.CacheSize
	for off := uint32(0); off < start; off += cfg.CacheSize {
		if err := f.copyOld(s, off, cfg.CacheSize); err != nil {
			f.abort()
			return err
		}
	}
	s.off = start
	s.fill = boff - start
	if err := f.loadOld(s, start, f.buf[:s.fill]); err != nil {
		f.abort()
		return err
	}
	return nil
}

// loadOld reads the pre-session contents of block offset off into p.
// Anything past the old end of file reads as erased.
func (f *File) loadOld(s *session, off uint32, p []byte) error {
	bs := f.fs.cfg.BlockSize
	valid := uint32(0)
	if s.index < uint32(len(f.blocks)) && s.base > s.index*bs {
		valid = min(bs, s.base-s.index*bs)
	}
	n := uint32(0)
	if off < valid {
		n = min(uint32(len(p)), valid-off)
		if err := f.fs.cfg.Device.Read(f.blocks[s.index], off, p[:n]); err != nil {
			return fmt.Errorf("failed to read %s: %w", f.name, err)
		}
	}
	for i := n; i < uint32(len(p)); i++ {
		p[i] = 0xff
	}
	return nil
}

func (f *File) copyOld(s *session, off, n uint32) error {
	if err := f.loadOld(s, off, f.buf[:n]); err != nil {
		return err
	}
	return f.fs.cfg.Device.Program(s.block, off, f.buf[:n])
}

// flush finishes the current session: the rest of the old block is copied
// behind the new data and the new block replaces the old one in the file.
func (f *File) flush() error {
	s := f.w
	if s == nil {
		return nil
	}
	cfg := &f.fs.cfg
	if err := f.loadOld(s, s.off+s.fill, f.buf[s.fill:cfg.CacheSize]); err != nil {
		f.abort()
		return err
	}
	if err := cfg.Device.Program(s.block, s.off, f.buf[:cfg.CacheSize]); err != nil {
		f.abort()
		return err
	}

	valid := uint32(0)
	if s.index < uint32(len(f.blocks)) && s.base > s.index*cfg.BlockSize {
		valid = min(cfg.BlockSize, s.base-s.index*cfg.BlockSize)
	}
	for off := s.off + cfg.CacheSize; off < valid; off += cfg.CacheSize {
		if err := f.copyOld(s, off, cfg.CacheSize); err != nil {
			f.abort()
			return err
		}
	}

	f.setBlock(s.index, s.block)
	f.w = nil
	return nil
}

// abort drops the current session along with the bytes written through it.
// Its block is no longer referenced and is reclaimed by a later allocation
// scan.
func (f *File) abort() {
	if s := f.w; s != nil {
		f.size = s.base
		f.pos = s.start
		f.w = nil
	}
}

func (f *File) setBlock(index, block uint32) {
	if index < uint32(len(f.blocks)) {
		f.blocks[index] = block
		return
	}
	f.blocks = append(f.blocks, block)
}

// Seek sets the position for the next Read or Write. Seeking past the end is
// allowed; a later Write fills the gap with zeros.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if err := f.check(); err != nil {
		return 0, err
	}

	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(f.pos)
	case io.SeekEnd:
		base = int64(f.size)
	default:
		return 0, fmt.Errorf("%w: whence %d", ErrInvalid, whence)
	}
	pos := base + offset
	if pos < 0 || pos > math.MaxUint32 {
		return 0, fmt.Errorf("%w: seek to %d", ErrInvalid, pos)
	}
	f.pos = uint32(pos)
	return pos, nil
}

// Tell returns the current position.
func (f *File) Tell() int64 {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	return int64(f.pos)
}

// Size returns the file size including unsynced writes.
func (f *File) Size() int64 {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	return int64(f.size)
}

// Rewind seeks to the start of the file.
func (f *File) Rewind() error {
	_, err := f.Seek(0, io.SeekStart)
	return err
}

// Sync writes pending data and attributes and commits the directory.
func (f *File) Sync() error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	return f.sync()
}

func (f *File) sync() error {
	if !f.writable() {
		return nil
	}
	if err := f.flush(); err != nil {
		return err
	}
	if !f.dirty {
		return nil
	}

	var prev *entry
	if e, ok := f.fs.entries[f.name]; ok {
		prev = e
	}
	next := &entry{name: f.name, size: f.size, blocks: append([]uint32(nil), f.blocks...)}
	if prev != nil {
		next.attrs = prev.clone().attrs
	}
	for _, a := range f.cfg.Attrs {
		next.setAttr(a.Type, a.Buffer)
	}

	if err := f.fs.commit(func(entries map[string]*entry) { entries[f.name] = next }); err != nil {
		return fmt.Errorf("failed to commit %s: %w", f.name, err)
	}
	if err := f.fs.cfg.Device.Sync(); err != nil {
		return err
	}
	f.dirty = false
	return nil
}

// Close syncs a writable file and releases it. The file is released even if
// the sync fails.
func (f *File) Close() error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	var err error
	if f.fs.mounted {
		err = f.sync()
	} else {
		err = ErrUnmounted
	}
	f.closed = true
	delete(f.fs.open, f)
	if err != nil {
		return fmt.Errorf("failed to close %s: %w", f.name, err)
	}
	return nil
}
