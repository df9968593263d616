package flatfs

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// FS is a mounted filesystem. It is safe for concurrent use; every call
// holds one lock for its whole duration.
type FS struct {
	mu sync.Mutex

	cfg     Config
	sb      *superblock
	active  uint32 // pair block holding sb
	anchor  uint32 // current anchor block
	entries map[string]*entry
	open    map[*File]struct{}
	la      *lookahead
	mounted bool
}

// Info describes one file.
type Info struct {
	Name string
	Size uint32
}

// Usage reports block consumption, metadata included.
type Usage struct {
	UsedBlocks  uint32
	TotalBlocks uint32
	BlockSize   uint32
}

// Format writes an empty filesystem with a new volume ID to the device.
// The previous contents are lost. Format does not mount.
func Format(cfg Config) error {
	if err := cfg.normalize(); err != nil {
		return err
	}
	// Blocks 0 and firstPair[0] are erased by the first writes.
	for _, b := range []uint32{1, firstPair[1]} {
		if err := cfg.Device.Erase(b); err != nil {
			return fmt.Errorf("failed to erase metadata block %d: %w", b, err)
		}
	}

	sb := &superblock{
		blockSize:   cfg.BlockSize,
		blockCount:  cfg.BlockCount,
		blockCycles: cfg.BlockCycles,
		nameMax:     cfg.NameMax,
		attrMax:     cfg.AttrMax,
		id:          uuid.New(),
	}
	fs := &FS{
		cfg:    cfg,
		sb:     &superblock{pair: firstPair, base: 1},
		active: firstPair[1],
		anchor: 1,
	}
	if err := fs.writeMeta(sb); err != nil {
		return fmt.Errorf("failed to write directory: %w", err)
	}
	if err := fs.writeAnchor(sb); err != nil {
		return fmt.Errorf("failed to write superblock: %w", err)
	}
	if err := cfg.Device.Sync(); err != nil {
		return err
	}
	cfg.Logger.Info("formatted", "volume", sb.id, "blocks", cfg.BlockCount)
	return nil
}

// Mount finds the newest valid anchor, then the newest valid directory in
// the pair that anchor points to, and returns the filesystem.
func Mount(cfg Config) (*FS, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	anchor, anchorIdx, err := newest(cfg, []uint32{0, 1}, func(*superblock) bool { return true })
	if err != nil {
		return nil, err
	}
	if anchor.blockSize != cfg.BlockSize || anchor.blockCount != cfg.BlockCount {
		return nil, fmt.Errorf("%w: volume has %d blocks of %d bytes, device has %d of %d",
			ErrInvalid, anchor.blockCount, anchor.blockSize, cfg.BlockCount, cfg.BlockSize)
	}
	if anchor.nameMax > cfg.NameMax || anchor.attrMax > cfg.AttrMax {
		return nil, fmt.Errorf("%w: volume limits exceed configuration", ErrInvalid)
	}
	pair := anchor.pair
	for _, b := range pair {
		if b < metaBlocks || b >= cfg.BlockCount || pair[0] == pair[1] {
			return nil, fmt.Errorf("%w: directory pair %v", ErrCorrupt, pair)
		}
	}

	// The anchor holds a copy of the first directory written to the pair.
	best, active := anchor, pair[0]
	dir, dirIdx, err := newest(cfg, pair[:], func(sb *superblock) bool {
		return sb.id == anchor.id && sb.pair == pair && !newer(anchor.revision, sb.revision)
	})
	if err == nil {
		active = dirIdx
		if newer(dir.revision, best.revision) {
			best = dir
		}
	}

	fs := &FS{
		cfg:     cfg,
		sb:      best,
		active:  active,
		anchor:  anchorIdx,
		entries: make(map[string]*entry, len(best.entries)),
		open:    make(map[*File]struct{}),
		mounted: true,
	}
	for _, e := range best.entries {
		if err := fs.checkBlocks(e); err != nil {
			return nil, err
		}
		fs.entries[e.name] = e
	}
	fs.la = newLookahead(cfg.BlockCount, cfg.LookaheadSize, best.id, fs.inUse)

	cfg.Logger.Debug("mounted", "volume", best.id, "revision", best.revision,
		"pair", fmt.Sprint(pair), "block", active, "files", len(fs.entries))
	return fs, nil
}

// newest returns the valid record with the highest revision among blocks
// that passes keep, and the block it was read from.
func newest(cfg Config, blocks []uint32, keep func(*superblock) bool) (*superblock, uint32, error) {
	var (
		best     *superblock
		bestIdx  uint32
		readErrs []error
	)
	for _, b := range blocks {
		sb, err := readMeta(cfg, b)
		if err != nil {
			readErrs = append(readErrs, fmt.Errorf("block %d: %w", b, err))
			continue
		}
		if !keep(sb) {
			readErrs = append(readErrs, fmt.Errorf("block %d: %w: stale record", b, ErrCorrupt))
			continue
		}
		if best == nil || newer(sb.revision, best.revision) {
			best, bestIdx = sb, b
		}
	}
	if best == nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrCorrupt, errors.Join(readErrs...))
	}
	return best, bestIdx, nil
}

func readMeta(cfg Config, block uint32) (*superblock, error) {
	h := make([]byte, headerSize)
	if err := cfg.Device.Read(block, 0, h); err != nil {
		return nil, err
	}
	rev, length, sum, err := decodeHeader(h, cfg.BlockSize)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, length)
	if err := cfg.Device.Read(block, headerSize, payload); err != nil {
		return nil, err
	}
	return decodeSuperblock(rev, payload, sum)
}

func (fs *FS) checkBlocks(e *entry) error {
	if uint64(len(e.blocks))*uint64(fs.cfg.BlockSize) < uint64(e.size) {
		return fmt.Errorf("%w: %q is %d bytes but has %d blocks", ErrCorrupt, e.name, e.size, len(e.blocks))
	}
	for _, b := range e.blocks {
		if b < metaBlocks || b >= fs.cfg.BlockCount || b == fs.sb.pair[0] || b == fs.sb.pair[1] {
			return fmt.Errorf("%w: %q references block %d", ErrCorrupt, e.name, b)
		}
	}
	return nil
}

// Unmount releases the filesystem. Files must be closed first.
func (fs *FS) Unmount() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return ErrUnmounted
	}
	if len(fs.open) > 0 {
		return fmt.Errorf("%w: %d files still open", ErrBusy, len(fs.open))
	}
	fs.mounted = false
	return fs.cfg.Device.Sync()
}

// VolumeID returns the ID assigned when the volume was formatted.
func (fs *FS) VolumeID() uuid.UUID {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.sb.id
}

// Revision returns the revision of the current metadata block.
func (fs *FS) Revision() uint32 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.sb.revision
}

// Stat returns the committed size of the named file.
func (fs *FS) Stat(name string) (Info, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return Info{}, ErrUnmounted
	}
	e, ok := fs.entries[name]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return Info{Name: name, Size: e.size}, nil
}

// ReadDir lists every file, sorted by name.
func (fs *FS) ReadDir() ([]Info, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return nil, ErrUnmounted
	}
	infos := make([]Info, 0, len(fs.entries))
	for name, e := range fs.entries {
		infos = append(infos, Info{Name: name, Size: e.size})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Remove deletes the named file.
func (fs *FS) Remove(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return ErrUnmounted
	}
	if _, ok := fs.entries[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if fs.isOpen(name) {
		return fmt.Errorf("%w: %s", ErrBusy, name)
	}
	return fs.commit(func(entries map[string]*entry) { delete(entries, name) })
}

// Rename moves oldName to newName, replacing newName if it exists.
func (fs *FS) Rename(oldName, newName string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return ErrUnmounted
	}
	if err := fs.checkName(newName); err != nil {
		return err
	}
	e, ok := fs.entries[oldName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, oldName)
	}
	if oldName == newName {
		return nil
	}
	if fs.isOpen(oldName) || fs.isOpen(newName) {
		return fmt.Errorf("%w: %s", ErrBusy, oldName)
	}
	return fs.commit(func(entries map[string]*entry) {
		moved := e.clone()
		moved.name = newName
		delete(entries, oldName)
		entries[newName] = moved
	})
}

// GetAttr copies attribute typ of the named file into buf and returns the
// attribute's size. Missing attributes return ErrNoAttr.
func (fs *FS) GetAttr(name string, typ uint8, buf []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return 0, ErrUnmounted
	}
	e, ok := fs.entries[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	data, ok := e.attr(typ)
	if !ok {
		return 0, fmt.Errorf("%w: %q on %s", ErrNoAttr, typ, name)
	}
	copy(buf, data)
	return len(data), nil
}

// SetAttr stores attribute typ on the named file.
func (fs *FS) SetAttr(name string, typ uint8, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return ErrUnmounted
	}
	if uint32(len(data)) > fs.cfg.AttrMax {
		return fmt.Errorf("%w: attribute of %d bytes", ErrNoSpace, len(data))
	}
	e, ok := fs.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if old, ok := e.attr(typ); ok && bytes.Equal(old, data) {
		return nil
	}
	return fs.commit(func(entries map[string]*entry) {
		c := e.clone()
		c.setAttr(typ, data)
		entries[name] = c
	})
}

// Usage counts the anchor blocks, the directory pair and the blocks of
// committed and open files.
func (fs *FS) Usage() (Usage, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.mounted {
		return Usage{}, ErrUnmounted
	}
	seen := make(map[uint32]struct{})
	fs.inUse(func(b uint32) { seen[b] = struct{}{} })
	return Usage{
		UsedBlocks:  uint32(len(seen)) + metaBlocks,
		TotalBlocks: fs.cfg.BlockCount,
		BlockSize:   fs.cfg.BlockSize,
	}, nil
}

// inUse yields every block past the anchors that the allocator must not hand
// out.
func (fs *FS) inUse(yield func(uint32)) {
	yield(fs.sb.pair[0])
	yield(fs.sb.pair[1])
	for _, e := range fs.entries {
		for _, b := range e.blocks {
			yield(b)
		}
	}
	for f := range fs.open {
		for _, b := range f.blocks {
			yield(b)
		}
		if f.w != nil {
			yield(f.w.block)
		}
	}
}

func (fs *FS) isOpen(name string) bool {
	for f := range fs.open {
		if f.name == name {
			return true
		}
	}
	return false
}

func (fs *FS) checkName(name string) error {
	switch {
	case name == "" || name == "." || name == "..":
		return fmt.Errorf("%w: file name %q", ErrInvalid, name)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("%w: file name %q contains a separator", ErrInvalid, name)
	case uint32(len(name)) > fs.cfg.NameMax:
		return fmt.Errorf("%w: %d > %d", ErrNameTooLong, len(name), fs.cfg.NameMax)
	}
	return nil
}

// commit applies mutate to a copy of the directory and writes it to the
// alternate metadata block. The in-memory directory only changes if the
// write succeeds.
func (fs *FS) commit(mutate func(map[string]*entry)) error {
	next := make(map[string]*entry, len(fs.entries)+1)
	for k, v := range fs.entries {
		next[k] = v
	}
	mutate(next)

	sb := *fs.sb
	sb.entries = make([]*entry, 0, len(next))
	for _, e := range next {
		sb.entries = append(sb.entries, e)
	}
	sort.Slice(sb.entries, func(i, j int) bool { return sb.entries[i].name < sb.entries[j].name })

	if err := fs.writeMeta(&sb); err != nil {
		return err
	}
	fs.entries = next
	return nil
}

// writeMeta writes sb with the next revision into the pair block that is not
// current, then makes it current. When that block has used up its erase
// budget the directory moves to a new pair instead.
func (fs *FS) writeMeta(sb *superblock) error {
	sb.revision = fs.sb.revision + 1
	sb.pair, sb.base = fs.sb.pair, fs.sb.base
	if c := fs.cfg.BlockCycles; c > 0 && pairErases(sb.revision, sb.base) > uint32(c) {
		err := fs.relocate(sb)
		if !errors.Is(err, ErrNoSpace) {
			return err
		}
		fs.cfg.Logger.Warn("no free blocks to move the directory to, committing in place",
			"pair", fmt.Sprint(sb.pair), "revision", sb.revision)
	}

	data, err := fs.encodeMeta(sb)
	if err != nil {
		return err
	}
	target := fs.sb.pair[0]
	if fs.active == target {
		target = fs.sb.pair[1]
	}
	if err := fs.rewrite(target, data); err != nil {
		return err
	}

	fs.sb = sb
	fs.active = target
	fs.cfg.Logger.Debug("committed", "revision", sb.revision, "block", target, "files", len(sb.entries))
	return nil
}

// relocate writes sb to two freshly allocated blocks and then points the
// anchor at them. Until the anchor lands, mount still finds the old pair.
func (fs *FS) relocate(sb *superblock) error {
	var pair [2]uint32
	for i := range pair {
		b, err := fs.la.alloc()
		if err != nil {
			return fmt.Errorf("failed to allocate directory block: %w", err)
		}
		pair[i] = b
	}

	moved := *sb
	moved.pair, moved.base = pair, sb.revision
	data, err := fs.encodeMeta(&moved)
	if err != nil {
		return err
	}
	if err := fs.cfg.Device.Erase(pair[1]); err != nil {
		return fmt.Errorf("failed to erase metadata block %d: %w", pair[1], err)
	}
	if err := fs.rewrite(pair[0], data); err != nil {
		return err
	}
	if err := fs.writeAnchor(&moved); err != nil {
		return err
	}

	old := fs.sb.pair
	*sb = moved
	fs.sb = sb
	fs.active = pair[0]
	fs.cfg.Logger.Info("moved directory", "from", fmt.Sprint(old), "to", fmt.Sprint(pair), "revision", sb.revision)
	return nil
}

// writeAnchor copies sb into the anchor block that is not current.
func (fs *FS) writeAnchor(sb *superblock) error {
	data, err := fs.encodeMeta(sb)
	if err != nil {
		return err
	}
	target := fs.anchor ^ 1
	if err := fs.rewrite(target, data); err != nil {
		return err
	}
	fs.anchor = target
	return nil
}

// encodeMeta encodes sb padded to a whole number of program units.
func (fs *FS) encodeMeta(sb *superblock) ([]byte, error) {
	data := sb.encode()
	if uint32(len(data)) > fs.cfg.BlockSize {
		return nil, fmt.Errorf("%w: directory needs %d bytes, block holds %d", ErrNoSpace, len(data), fs.cfg.BlockSize)
	}
	padded := roundUp(uint32(len(data)), fs.cfg.ProgSize)
	for uint32(len(data)) < padded {
		data = append(data, 0xff)
	}
	return data, nil
}

func (fs *FS) rewrite(block uint32, data []byte) error {
	if err := fs.cfg.Device.Erase(block); err != nil {
		return fmt.Errorf("failed to erase metadata block %d: %w", block, err)
	}
	if err := fs.cfg.Device.Program(block, 0, data); err != nil {
		return fmt.Errorf("failed to program metadata block %d: %w", block, err)
	}
	return nil
}

func roundUp(n, to uint32) uint32 {
	return (n + to - 1) / to * to
}
