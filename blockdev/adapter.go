package blockdev

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"cosmossdk.io/log"

	"github.com/dendrascience/flashfs/flash"
)

// Defaults match the external flash on the target board.
const (
	DefaultReadSize      uint32 = 256
	DefaultProgSize      uint32 = flash.PageSize
	DefaultCacheSize     uint32 = 256
	DefaultLookaheadSize uint32 = 16
	DefaultBlockSize     uint32 = flash.SectorSize
	DefaultBlockCycles   int32  = 500
)

// Geometry is the block device configuration handed to the engine.
type Geometry struct {
	ReadSize      uint32
	ProgSize      uint32
	CacheSize     uint32
	LookaheadSize uint32
	BlockSize     uint32
	BlockCount    uint32
	// BlockCycles is how many times the engine erases a directory block
	// before moving the directory to fresh blocks. -1 keeps it in place.
	BlockCycles int32
}

// DefaultGeometry returns the board defaults with no block count.
func DefaultGeometry() Geometry {
	return Geometry{
		ReadSize:      DefaultReadSize,
		ProgSize:      DefaultProgSize,
		CacheSize:     DefaultCacheSize,
		LookaheadSize: DefaultLookaheadSize,
		BlockSize:     DefaultBlockSize,
		BlockCycles:   DefaultBlockCycles,
	}
}

// Validate checks that the sizes are consistent with each other.
func (g Geometry) Validate() error {
	switch {
	case g.ReadSize == 0 || g.ProgSize == 0 || g.BlockSize == 0:
		return fmt.Errorf("%w: read, prog and block size must be non-zero", ErrGeometry)
	case g.BlockSize%g.ProgSize != 0 || g.BlockSize%g.ReadSize != 0:
		return fmt.Errorf("%w: block size %d is not a multiple of read/prog size", ErrGeometry, g.BlockSize)
	case g.CacheSize == 0 || g.CacheSize%g.ProgSize != 0 || g.BlockSize%g.CacheSize != 0:
		return fmt.Errorf("%w: cache size %d must be a multiple of prog size and divide block size", ErrGeometry, g.CacheSize)
	case g.LookaheadSize == 0 || g.LookaheadSize%8 != 0:
		return fmt.Errorf("%w: lookahead size %d must be a non-zero multiple of 8", ErrGeometry, g.LookaheadSize)
	}
	return nil
}

// Observer receives timings for every device access. metrics.Collector
// implements it.
type Observer interface {
	ObserveRead(bytes int)
	ObserveProgram(bytes int, elapsed time.Duration, err error)
	ObserveErase(elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveRead(int)                           {}
func (nopObserver) ObserveProgram(int, time.Duration, error) {}
func (nopObserver) ObserveErase(time.Duration, error)        {}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger log.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

// WithObserver sets the access observer.
func WithObserver(o Observer) Option {
	return func(a *Adapter) { a.observer = o }
}

// WithGeometry overrides the default geometry. BlockCount is ignored and
// always derived from the region.
func WithGeometry(g Geometry) Option {
	return func(a *Adapter) { a.geo = g }
}

// Adapter is a block device over one partition of the external flash.
type Adapter struct {
	mu sync.RWMutex

	dev    flash.Device
	cache  flash.Cache
	region flash.Region
	geo    Geometry

	logger   log.Logger
	observer Observer
}

// New creates an Adapter over region. The block count is the region length
// divided by the block size.
func New(dev flash.Device, cache flash.Cache, region flash.Region, opts ...Option) (*Adapter, error) {
	a := &Adapter{
		dev:      dev,
		cache:    cache,
		region:   region,
		geo:      DefaultGeometry(),
		logger:   log.NewNopLogger(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.geo.Validate(); err != nil {
		return nil, err
	}
	if region.Len() == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrRegion, region)
	}
	if region.End > dev.Size() {
		return nil, fmt.Errorf("%w: %s exceeds flash size %d", ErrRegion, region, dev.Size())
	}
	if region.Start%a.geo.BlockSize != 0 || region.Len()%a.geo.BlockSize != 0 {
		return nil, fmt.Errorf("%w: %s is not aligned to %d byte blocks", ErrRegion, region, a.geo.BlockSize)
	}
	a.geo.BlockCount = region.Len() / a.geo.BlockSize

	a.logger = a.logger.With("module", "blockdev")
	return a, nil
}

// Geometry returns the configuration the engine should be mounted with.
func (a *Adapter) Geometry() Geometry { return a.geo }

// Region returns the partition this adapter serves.
func (a *Adapter) Region() flash.Region { return a.region }

// Read copies len(p) bytes at (block, off) out of the memory-mapped window.
func (a *Adapter) Read(block, off uint32, p []byte) error {
	addr := a.translate("read", block, off, uint32(len(p)))

	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := a.dev.ReadMapped(addr, p); err != nil {
		return fmt.Errorf("failed to read block %d: %w", block, err)
	}
	a.observer.ObserveRead(len(p))
	return nil
}

// Program writes p at (block, off). Address and length must be aligned to
// the program size.
func (a *Adapter) Program(block, off uint32, p []byte) error {
	addr := a.translate("program", block, off, uint32(len(p)))
	if addr%a.geo.ProgSize != 0 || uint32(len(p))%a.geo.ProgSize != 0 {
		panic(&AlignmentError{Op: "program", Addr: addr, Size: uint32(len(p)), Granularity: a.geo.ProgSize})
	}

	start := time.Now()
	err := a.rawAccess(func() error { return a.dev.Program(addr, p) })
	a.observer.ObserveProgram(len(p), time.Since(start), err)
	if err != nil {
		a.logger.Error("program failed", "block", block, "off", off, "size", len(p), "err", err)
		return fmt.Errorf("failed to program block %d: %w", block, err)
	}
	a.logger.Debug("programmed", "block", block, "off", off, "size", len(p))
	return nil
}

// Erase resets one block to the erased state.
func (a *Adapter) Erase(block uint32) error {
	addr := a.translate("erase", block, 0, a.geo.BlockSize)
	if addr%a.geo.BlockSize != 0 {
		panic(&AlignmentError{Op: "erase", Addr: addr, Size: a.geo.BlockSize, Granularity: a.geo.BlockSize})
	}

	start := time.Now()
	err := a.rawAccess(func() error { return a.dev.Erase(addr, a.geo.BlockSize) })
	a.observer.ObserveErase(time.Since(start), err)
	if err != nil {
		a.logger.Error("erase failed", "block", block, "err", err)
		return fmt.Errorf("failed to erase block %d: %w", block, err)
	}
	a.logger.Debug("erased", "block", block)
	return nil
}

// Sync is a no-op: program and erase are durable when they return.
func (a *Adapter) Sync() error { return nil }

// rawAccess runs op with the data cache off and memory-mapped mode
// suspended. Normal mode is restored on every exit path.
func (a *Adapter) rawAccess(op func() error) (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cache.DisableCache()
	a.cache.InvalidateCache()
	defer a.cache.EnableCache()

	if err := a.dev.DisableMemoryMapped(); err != nil {
		return fmt.Errorf("failed to leave memory-mapped mode: %w", err)
	}
	defer func() {
		if mapErr := a.dev.EnableMemoryMapped(); mapErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to restore memory-mapped mode: %w", mapErr))
		}
	}()

	return op()
}

func (a *Adapter) translate(op string, block, off, size uint32) uint32 {
	if block >= a.geo.BlockCount || uint64(off)+uint64(size) > uint64(a.geo.BlockSize) {
		panic(&RangeError{Op: op, Block: block, Offset: off, Size: size})
	}
	return a.region.Start + block*a.geo.BlockSize + off
}
