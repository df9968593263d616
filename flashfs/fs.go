package flashfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"cosmossdk.io/log"
	"github.com/google/uuid"

	"github.com/dendrascience/flashfs/blockdev"
	"github.com/dendrascience/flashfs/flash"
	"github.com/dendrascience/flashfs/flatfs"
	"github.com/dendrascience/flashfs/handles"
	"github.com/dendrascience/flashfs/metrics"
	"github.com/dendrascience/flashfs/timeattr"
)

// Open modes, named after the firmware's FS_WRITE/FS_READ and
// FS_COMPRESS/FS_RAW.
const (
	Write    = true
	Read     = false
	Compress = true
	Raw      = false
)

const (
	// DefaultPartitionSize is the size of the filesystem partition.
	DefaultPartitionSize uint32 = 1 << 20
	// DefaultHandles is the default number of file handle slots.
	DefaultHandles = handles.MaxSlots
	// BootCounterFile is the file the boot counter demo keeps its count in.
	BootCounterFile = "boot_counter"
)

// FS is the filesystem facade. It is meant for a single caller; fusefs adds
// its own locking on top.
type FS struct {
	dev    flash.Device
	cache  flash.Cache
	region flash.Region
	geo    blockdev.Geometry

	capacity    int
	bootCounter bool
	clock       timeattr.Clock
	logger      log.Logger
	metrics     *metrics.Collector

	adapter *blockdev.Adapter
	engine  *flatfs.FS
	pool    *handles.Pool
	stamp   *timeattr.Injector
}

// Option configures an FS.
type Option func(*FS)

// WithRegion sets the partition. The default is the first MiB of flash.
func WithRegion(r flash.Region) Option {
	return func(f *FS) { f.region = r }
}

// WithGeometry overrides the block device geometry.
func WithGeometry(g blockdev.Geometry) Option {
	return func(f *FS) { f.geo = g }
}

// WithHandles sets the number of file handle slots, at most handles.MaxSlots.
func WithHandles(n int) Option {
	return func(f *FS) { f.capacity = n }
}

// WithClock sets the real-time clock used for time attributes.
func WithClock(c timeattr.Clock) Option {
	return func(f *FS) { f.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(f *FS) { f.logger = l }
}

// WithMetrics records flash and handle activity in c.
func WithMetrics(c *metrics.Collector) Option {
	return func(f *FS) { f.metrics = c }
}

// WithBootCounter enables or disables the boot counter demo run by Init.
// It is enabled by default.
func WithBootCounter(enabled bool) Option {
	return func(f *FS) { f.bootCounter = enabled }
}

// New creates a filesystem over dev. Nothing touches the flash until Init.
func New(dev flash.Device, cache flash.Cache, opts ...Option) (*FS, error) {
	f := &FS{
		dev:         dev,
		cache:       cache,
		region:      flash.Region{Start: 0, End: DefaultPartitionSize},
		geo:         blockdev.DefaultGeometry(),
		capacity:    DefaultHandles,
		bootCounter: true,
		clock:       timeattr.SystemClock{},
		logger:      log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("module", "flashfs")

	pool, err := handles.NewPool(f.capacity, int(f.geo.CacheSize))
	if err != nil {
		return nil, err
	}
	f.pool = pool
	f.stamp = timeattr.NewInjector(f.clock)
	return f, nil
}

func (f *FS) engineConfig() flatfs.Config {
	geo := f.adapter.Geometry()
	return flatfs.Config{
		Device:        f.adapter,
		ReadSize:      geo.ReadSize,
		ProgSize:      geo.ProgSize,
		BlockSize:     geo.BlockSize,
		BlockCount:    geo.BlockCount,
		CacheSize:     geo.CacheSize,
		LookaheadSize: geo.LookaheadSize,
		BlockCycles:   geo.BlockCycles,
		Logger:        f.logger,
	}
}

// Init mounts the partition, formatting it if it does not hold a valid
// filesystem, then runs the boot counter demo twice. If the partition can
// not be formatted and mounted it returns a *FatalError.
func (f *FS) Init() error {
	adapter, err := blockdev.New(f.dev, f.cache, f.region,
		blockdev.WithGeometry(f.geo),
		blockdev.WithLogger(f.logger),
		blockdev.WithObserver(f.metrics),
	)
	if err != nil {
		return err
	}
	f.adapter = adapter
	cfg := f.engineConfig()

	engine, err := flatfs.Mount(cfg)
	f.metrics.RecordMount(err)
	if err != nil {
		// Expected on the first boot.
		f.logger.Warn("formatting filesystem", "region", f.region, "err", err)
		if err := flatfs.Format(cfg); err != nil {
			return &FatalError{Op: "format", Err: err}
		}
		f.metrics.RecordFormat()

		engine, err = flatfs.Mount(cfg)
		f.metrics.RecordMount(err)
		if err != nil {
			return &FatalError{Op: "mount", Err: err}
		}
	}
	f.engine = engine
	f.logger.Info("mounted", "volume", engine.VolumeID(), "blocks", cfg.BlockCount)

	if f.bootCounter {
		for range 2 {
			if _, err := f.BootCounter(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Unmount unmounts the volume. Every handle must be closed first.
func (f *FS) Unmount() error {
	if f.engine == nil {
		return ErrNotInitialized
	}
	if err := f.engine.Unmount(); err != nil {
		return err
	}
	f.engine = nil
	return nil
}

// Format erases the partition and mounts a new empty volume. Every handle
// must be closed first.
func (f *FS) Format() error {
	if f.engine == nil {
		return ErrNotInitialized
	}
	if err := f.engine.Unmount(); err != nil {
		return err
	}
	f.engine = nil

	cfg := f.engineConfig()
	if err := flatfs.Format(cfg); err != nil {
		return fmt.Errorf("failed to format: %w", err)
	}
	f.metrics.RecordFormat()

	engine, err := flatfs.Mount(cfg)
	f.metrics.RecordMount(err)
	if err != nil {
		return fmt.Errorf("failed to mount: %w", err)
	}
	f.engine = engine
	f.logger.Info("formatted", "volume", engine.VolumeID())
	return nil
}

// Handle is an open file. It is valid until passed to Close.
type Handle struct {
	slot     *handles.Slot
	name     string
	writable bool
	closed   bool
}

// Name returns the path the handle was opened with.
func (h *Handle) Name() string { return h.name }

// Writable reports whether the handle was opened for writing.
func (h *Handle) Writable() bool { return h.writable }

// Open opens path for writing or reading. Writing creates the file if
// needed and does not truncate it. The file's time attribute is set from
// the clock; if the clock is not set, Open fails with timeattr.ErrClockNotSet.
func (f *FS) Open(path string, write, compress bool) (*Handle, error) {
	if f.engine == nil {
		return nil, ErrNotInitialized
	}

	mode := handles.CodecNone
	if compress {
		mode = handles.CodecDecompress
		if write {
			mode = handles.CodecCompress
		}
	}
	slot, err := f.pool.Acquire(mode)
	if err != nil {
		f.recordAcquireFailure(err)
		return nil, err
	}
	if compress {
		f.pool.Release(slot)
		return nil, ErrCompressionUnsupported
	}

	if err := f.stamp.Stamp(&slot.Attrs[0], slot.Time[:]); err != nil {
		f.pool.Release(slot)
		return nil, err
	}

	// A reader's attribute buffer is overwritten with the stored time.
	flags := flatfs.O_RDONLY
	if write {
		flags = flatfs.O_WRONLY | flatfs.O_CREAT
	}
	file, err := f.engine.OpenFile(path, flags, &slot.Config)
	if err != nil {
		f.pool.Release(slot)
		if errors.Is(err, flatfs.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	slot.File = file
	f.metrics.SetOpenHandles(f.pool.Live())
	f.logger.Debug("opened", "path", path, "write", write, "slot", slot.Index())

	return &Handle{slot: slot, name: path, writable: write}, nil
}

func (f *FS) recordAcquireFailure(err error) {
	switch {
	case errors.Is(err, handles.ErrExhausted):
		f.metrics.RecordAcquireFailure("exhausted")
	case errors.Is(err, handles.ErrCodecBusy):
		f.metrics.RecordAcquireFailure("codec_busy")
	}
	f.logger.Debug("no file handle", "err", err)
}

// file returns the engine file behind h.
func (f *FS) file(h *Handle) (*flatfs.File, error) {
	if h == nil || h.closed || !f.pool.Owns(h.slot) {
		return nil, ErrClosed
	}
	return h.slot.File, nil
}

// Write writes p to h and returns the number of bytes written.
func (f *FS) Write(h *Handle, p []byte) (int, error) {
	file, err := f.file(h)
	if err != nil {
		return 0, err
	}
	if f.pool.IsCompressed(h.slot) {
		return 0, ErrCompressionUnsupported
	}
	n, err := file.Write(p)
	if err != nil {
		return n, fmt.Errorf("failed to write %s: %w", h.name, err)
	}
	return n, nil
}

// Read reads up to len(p) bytes from h. At end of file it returns 0, io.EOF.
func (f *FS) Read(h *Handle, p []byte) (int, error) {
	file, err := f.file(h)
	if err != nil {
		return 0, err
	}
	if f.pool.IsCompressed(h.slot) {
		return 0, ErrCompressionUnsupported
	}
	n, err := file.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("failed to read %s: %w", h.name, err)
	}
	return n, err
}

// Seek sets the position of h. whence is io.SeekStart, io.SeekCurrent or
// io.SeekEnd.
func (f *FS) Seek(h *Handle, offset int64, whence int) (int64, error) {
	file, err := f.file(h)
	if err != nil {
		return 0, err
	}
	if f.pool.IsCompressed(h.slot) {
		return 0, ErrSeekCompressed
	}
	return file.Seek(offset, whence)
}

// Close closes h. The handle's slot is returned to the pool even if the
// engine fails to close the file.
func (f *FS) Close(h *Handle) error {
	if h == nil || h.closed || !f.pool.Owns(h.slot) {
		return ErrClosed
	}
	h.closed = true
	defer func() {
		f.pool.Release(h.slot)
		f.metrics.SetOpenHandles(f.pool.Live())
	}()

	if f.pool.IsCompressed(h.slot) {
		return ErrCompressionUnsupported
	}
	if err := h.slot.File.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", h.name, err)
	}
	return nil
}

// BootCounter increments the counter in BootCounterFile and returns the new
// value.
func (f *FS) BootCounter() (uint32, error) {
	if f.engine == nil {
		return 0, ErrNotInitialized
	}
	slot, err := f.pool.Acquire(handles.CodecNone)
	if err != nil {
		f.recordAcquireFailure(err)
		return 0, err
	}
	defer f.pool.Release(slot)

	slot.Config.Attrs = nil
	file, err := f.engine.OpenFile(BootCounterFile, flatfs.O_RDWR|flatfs.O_CREAT, &slot.Config)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", BootCounterFile, err)
	}

	var buf [4]byte
	// A new file reads short and counts from zero.
	if _, err := io.ReadFull(file, buf[:]); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		file.Close()
		return 0, fmt.Errorf("failed to read %s: %w", BootCounterFile, err)
	}
	count := binary.LittleEndian.Uint32(buf[:]) + 1
	binary.LittleEndian.PutUint32(buf[:], count)

	if err := file.Rewind(); err != nil {
		file.Close()
		return 0, err
	}
	if _, err := file.Write(buf[:]); err != nil {
		file.Close()
		return 0, fmt.Errorf("failed to write %s: %w", BootCounterFile, err)
	}
	if err := file.Close(); err != nil {
		return 0, err
	}

	f.logger.Info("boot count", "count", count)
	return count, nil
}

// WriteFile replaces the contents of path with data and stamps its time
// attribute.
func (f *FS) WriteFile(path string, data []byte) error {
	if f.engine == nil {
		return ErrNotInitialized
	}
	slot, err := f.pool.Acquire(handles.CodecNone)
	if err != nil {
		f.recordAcquireFailure(err)
		return err
	}
	defer f.pool.Release(slot)

	if err := f.stamp.Stamp(&slot.Attrs[0], slot.Time[:]); err != nil {
		return err
	}
	file, err := f.engine.OpenFile(path, flatfs.O_WRONLY|flatfs.O_CREAT|flatfs.O_TRUNC, &slot.Config)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	n, err := file.Write(data)
	if err == nil && n != len(data) {
		err = fmt.Errorf("%w: %d of %d bytes", ErrShortWrite, n, len(data))
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ReadFile returns the contents of path.
func (f *FS) ReadFile(path string) ([]byte, error) {
	if f.engine == nil {
		return nil, ErrNotInitialized
	}
	slot, err := f.pool.Acquire(handles.CodecNone)
	if err != nil {
		f.recordAcquireFailure(err)
		return nil, err
	}
	defer f.pool.Release(slot)

	slot.Config.Attrs = nil
	file, err := f.engine.OpenFile(path, flatfs.O_RDONLY, &slot.Config)
	if err != nil {
		if errors.Is(err, flatfs.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		return nil, err
	}
	defer file.Close()

	data := make([]byte, file.Size())
	if _, err := io.ReadFull(file, data); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// ModTime returns the time stored in the file's time attribute.
func (f *FS) ModTime(path string) (time.Time, error) {
	if f.engine == nil {
		return time.Time{}, ErrNotInitialized
	}
	var buf [timeattr.Size]byte
	n, err := f.engine.GetAttr(path, timeattr.Type, buf[:])
	if err != nil {
		if errors.Is(err, flatfs.ErrNotFound) {
			return time.Time{}, fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		return time.Time{}, err
	}
	return timeattr.Decode(buf[:n])
}

// Entry describes one file.
type Entry struct {
	Name    string
	Size    uint32
	ModTime time.Time // zero if the file has no time attribute
}

// List returns every file sorted by name.
func (f *FS) List() ([]Entry, error) {
	if f.engine == nil {
		return nil, ErrNotInitialized
	}
	infos, err := f.engine.ReadDir()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		e := Entry{Name: info.Name, Size: info.Size}
		if t, err := f.ModTime(info.Name); err == nil {
			e.ModTime = t
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Stat returns the entry for path.
func (f *FS) Stat(path string) (Entry, error) {
	if f.engine == nil {
		return Entry{}, ErrNotInitialized
	}
	info, err := f.engine.Stat(path)
	if err != nil {
		if errors.Is(err, flatfs.ErrNotFound) {
			return Entry{}, fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		return Entry{}, err
	}
	e := Entry{Name: info.Name, Size: info.Size}
	if t, err := f.ModTime(path); err == nil {
		e.ModTime = t
	}
	return e, nil
}

// Remove deletes path.
func (f *FS) Remove(path string) error {
	if f.engine == nil {
		return ErrNotInitialized
	}
	if err := f.engine.Remove(path); err != nil {
		if errors.Is(err, flatfs.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotExist, path)
		}
		return err
	}
	return nil
}

// Rename moves oldPath to newPath, replacing newPath if it exists.
func (f *FS) Rename(oldPath, newPath string) error {
	if f.engine == nil {
		return ErrNotInitialized
	}
	if err := f.engine.Rename(oldPath, newPath); err != nil {
		if errors.Is(err, flatfs.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotExist, oldPath)
		}
		return err
	}
	return nil
}

// Usage reports how many blocks of the partition are in use.
func (f *FS) Usage() (flatfs.Usage, error) {
	if f.engine == nil {
		return flatfs.Usage{}, ErrNotInitialized
	}
	return f.engine.Usage()
}

// VolumeID returns the volume's ID.
func (f *FS) VolumeID() (uuid.UUID, error) {
	if f.engine == nil {
		return uuid.Nil, ErrNotInitialized
	}
	return f.engine.VolumeID(), nil
}

// OpenHandles returns the number of handles currently open.
func (f *FS) OpenHandles() int { return f.pool.Live() }

// Geometry returns the block device geometry. It is only meaningful after
// Init.
func (f *FS) Geometry() blockdev.Geometry {
	if f.adapter == nil {
		return f.geo
	}
	return f.adapter.Geometry()
}
