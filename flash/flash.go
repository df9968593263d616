package flash

import "fmt"

const (
	// SectorSize is the smallest erasable unit of the external flash.
	SectorSize uint32 = 4096
	// PageSize is the program granularity of the external flash.
	PageSize uint32 = 256
	// Erased is the value every byte holds after an erase.
	Erased byte = 0xff
)

// Device is the OSPI flash controller. Offsets are relative to the start of
// the external flash, not CPU addresses.
type Device interface {
	// ReadMapped copies len(p) bytes at addr out of the memory-mapped window.
	ReadMapped(addr uint32, p []byte) error
	EnableMemoryMapped() error
	DisableMemoryMapped() error
	// Program writes p at addr. Programming can only clear bits.
	Program(addr uint32, p []byte) error
	// Erase resets size bytes at addr to Erased and blocks until done.
	Erase(addr, size uint32) error
	// Size returns the flash capacity in bytes.
	Size() uint32
}

// Cache is the CPU data cache in front of the memory-mapped window.
type Cache interface {
	DisableCache()
	InvalidateCache()
	EnableCache()
}

// Region is a span of the external flash reserved for one user, described
// the way the linker script hands it over: start and end offsets.
type Region struct {
	Start uint32 `yaml:"start"`
	End   uint32 `yaml:"end"`
}

// Len returns the region length in bytes.
func (r Region) Len() uint32 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Contains reports whether [addr, addr+n) lies within the region.
func (r Region) Contains(addr, n uint32) bool {
	return addr >= r.Start && uint64(addr)+uint64(n) <= uint64(r.End)
}

func (r Region) String() string {
	return fmt.Sprintf("[%#08x, %#08x)", r.Start, r.End)
}
