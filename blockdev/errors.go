package blockdev

import (
	"errors"
	"fmt"
)

// Sentinel errors for package blockdev.
var (
	ErrRegion   = errors.New("blockdev: invalid partition region")
	ErrGeometry = errors.New("blockdev: invalid geometry")
)

// AlignmentError is the panic value for a misaligned program or erase.
type AlignmentError struct {
	Op          string
	Addr        uint32
	Size        uint32
	Granularity uint32
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("blockdev: %s at %#x size %d is not aligned to %d bytes",
		e.Op, e.Addr, e.Size, e.Granularity)
}

// RangeError is the panic value for an access outside the partition.
type RangeError struct {
	Op     string
	Block  uint32
	Offset uint32
	Size   uint32
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("blockdev: %s block %d offset %d size %d is outside the partition",
		e.Op, e.Block, e.Offset, e.Size)
}
