package flash

import (
	"fmt"
	"io"
	"os"
	"sync"
)

const defaultLineSize uint32 = 32

// Stats counts the controller events a Sim has seen.
type Stats struct {
	Programs      uint64
	Erases        uint64
	MapToggles    uint64
	Invalidations uint64
	BytesRead     uint64
}

// Sim is an in-memory flash controller and data cache. It is safe for
// concurrent use, though the firmware it stands in for never is.
type Sim struct {
	mu sync.Mutex

	mem      []byte
	mapped   bool
	cacheOn  bool
	lineSize uint32
	lines    map[uint32][]byte

	eraseCounts []uint32
	stats       Stats

	// failProgram, when set, is returned by the next Program call.
	failProgram error

	backing *os.File
}

// SimOption configures a Sim.
type SimOption func(*Sim)

// WithLineSize sets the data cache line size.
func WithLineSize(n uint32) SimOption {
	return func(s *Sim) {
		if n > 0 {
			s.lineSize = n
		}
	}
}

// NewSim returns an erased flash of size bytes, in memory-mapped mode with the
// data cache enabled, which is the state the bootloader leaves it in.
func NewSim(size uint32, opts ...SimOption) *Sim {
	s := &Sim{
		mem:         make([]byte, size),
		mapped:      true,
		cacheOn:     true,
		lineSize:    defaultLineSize,
		lines:       make(map[uint32][]byte),
		eraseCounts: make([]uint32, (size+SectorSize-1)/SectorSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.mem {
		s.mem[i] = Erased
	}
	return s
}

// OpenImage returns a Sim backed by the image file at path. A missing file is
// created fully erased; an existing file must be exactly size bytes.
func OpenImage(path string, size uint32, opts ...SimOption) (*Sim, error) {
	s := NewSim(size, opts...)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open flash image: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat flash image: %w", err)
	}

	switch info.Size() {
	case 0:
		if _, err := f.WriteAt(s.mem, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to initialize flash image: %w", err)
		}
	case int64(size):
		if _, err := io.ReadFull(f, s.mem); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to load flash image: %w", err)
		}
	default:
		f.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrSize, path, info.Size(), size)
	}

	s.backing = f
	return s, nil
}

// Close releases the backing image, if any.
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backing == nil {
		return nil
	}
	err := s.backing.Close()
	s.backing = nil
	return err
}

func (s *Sim) Size() uint32 { return uint32(len(s.mem)) }

func (s *Sim) ReadMapped(addr uint32, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.mapped {
		return ErrNotMapped
	}
	if err := s.checkRange(addr, uint32(len(p))); err != nil {
		return err
	}
	s.stats.BytesRead += uint64(len(p))

	if !s.cacheOn {
		copy(p, s.mem[addr:])
		return nil
	}
	for i := range p {
		a := addr + uint32(i)
		line := a / s.lineSize
		cached, ok := s.lines[line]
		if !ok {
			start := line * s.lineSize
			end := min(start+s.lineSize, uint32(len(s.mem)))
			cached = append([]byte(nil), s.mem[start:end]...)
			s.lines[line] = cached
		}
		p[i] = cached[a%s.lineSize]
	}
	return nil
}

func (s *Sim) EnableMemoryMapped() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.mapped {
		s.mapped = true
		s.stats.MapToggles++
	}
	return nil
}

func (s *Sim) DisableMemoryMapped() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mapped {
		s.mapped = false
		s.stats.MapToggles++
	}
	return nil
}

func (s *Sim) Program(addr uint32, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failProgram != nil {
		err := s.failProgram
		s.failProgram = nil
		return err
	}
	if s.mapped {
		return ErrMapped
	}
	if err := s.checkRange(addr, uint32(len(p))); err != nil {
		return err
	}
	for i, b := range p {
		s.mem[addr+uint32(i)] &= b
	}
	s.stats.Programs++
	return s.writeBack(addr, uint32(len(p)))
}

func (s *Sim) Erase(addr, size uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mapped {
		return ErrMapped
	}
	if addr%SectorSize != 0 || size%SectorSize != 0 {
		return fmt.Errorf("%w: addr %#x size %#x", ErrUnaligned, addr, size)
	}
	if err := s.checkRange(addr, size); err != nil {
		return err
	}
	for i := addr; i < addr+size; i++ {
		s.mem[i] = Erased
	}
	for sector := addr / SectorSize; sector < (addr+size)/SectorSize; sector++ {
		s.eraseCounts[sector]++
	}
	s.stats.Erases++
	return s.writeBack(addr, size)
}

func (s *Sim) DisableCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheOn = false
}

func (s *Sim) InvalidateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.lines)
	s.stats.Invalidations++
}

func (s *Sim) EnableCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheOn = true
}

// MemoryMapped reports whether the controller is in memory-mapped mode.
func (s *Sim) MemoryMapped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mapped
}

// CacheEnabled reports whether the data cache is enabled.
func (s *Sim) CacheEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cacheOn
}

// EraseCount returns how many times the sector containing addr was erased.
func (s *Sim) EraseCount(addr uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addr >= uint32(len(s.mem)) {
		return 0
	}
	return s.eraseCounts[addr/SectorSize]
}

func (s *Sim) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// FailNextProgram makes the next Program call return err.
func (s *Sim) FailNextProgram(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failProgram = err
}

// Snapshot returns a copy of the raw flash contents, bypassing the cache.
func (s *Sim) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.mem...)
}

// Restore replaces the raw flash contents with data, which must be exactly
// Size bytes, and drops the data cache.
func (s *Sim) Restore(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(data) != len(s.mem) {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrSize, len(data), len(s.mem))
	}
	copy(s.mem, data)
	clear(s.lines)
	return s.writeBack(0, uint32(len(s.mem)))
}

func (s *Sim) checkRange(addr, n uint32) error {
	if uint64(addr)+uint64(n) > uint64(len(s.mem)) {
		return fmt.Errorf("%w: %#x+%d", ErrOutOfRange, addr, n)
	}
	return nil
}

func (s *Sim) writeBack(addr, n uint32) error {
	if s.backing == nil {
		return nil
	}
	if _, err := s.backing.WriteAt(s.mem[addr:addr+n], int64(addr)); err != nil {
		return fmt.Errorf("failed to write flash image: %w", err)
	}
	return nil
}
