package flatfs

import (
	"fmt"

	"cosmossdk.io/log"
)

const (
	DefaultNameMax uint32 = 64
	// AttrMax is the largest attribute the on-flash format can hold.
	AttrMax uint32 = 255
)

// BlockDevice is the storage a filesystem lives on. Offsets are relative to
// the start of a block.
type BlockDevice interface {
	Read(block, off uint32, p []byte) error
	Program(block, off uint32, p []byte) error
	Erase(block uint32) error
	Sync() error
}

// Config describes the device and the limits a filesystem is formatted and
// mounted with.
type Config struct {
	Device BlockDevice

	ReadSize      uint32
	ProgSize      uint32
	BlockSize     uint32
	BlockCount    uint32
	CacheSize     uint32
	LookaheadSize uint32
	// BlockCycles is how often a directory pair block may be erased before
	// the directory moves to freshly allocated blocks. Zero or negative
	// values keep the directory in place.
	BlockCycles int32

	// NameMax defaults to DefaultNameMax, AttrMax to the format limit.
	NameMax uint32
	AttrMax uint32

	Logger log.Logger
}

func (c *Config) normalize() error {
	if c.Device == nil {
		return fmt.Errorf("%w: no block device", ErrInvalid)
	}
	if c.NameMax == 0 {
		c.NameMax = DefaultNameMax
	}
	if c.AttrMax == 0 {
		c.AttrMax = AttrMax
	}
	if c.Logger == nil {
		c.Logger = log.NewNopLogger()
	}

	switch {
	case c.ReadSize == 0 || c.ProgSize == 0 || c.BlockSize == 0:
		return fmt.Errorf("%w: read, prog and block size must be non-zero", ErrInvalid)
	case c.BlockSize%c.ProgSize != 0 || c.BlockSize%c.ReadSize != 0:
		return fmt.Errorf("%w: block size %d is not a multiple of read/prog size", ErrInvalid, c.BlockSize)
	case c.CacheSize == 0 || c.CacheSize%c.ProgSize != 0 || c.BlockSize%c.CacheSize != 0:
		return fmt.Errorf("%w: cache size %d must be a multiple of prog size and divide block size", ErrInvalid, c.CacheSize)
	case c.LookaheadSize == 0 || c.LookaheadSize%8 != 0:
		return fmt.Errorf("%w: lookahead size %d must be a non-zero multiple of 8", ErrInvalid, c.LookaheadSize)
	case c.BlockCount < metaBlocks+2:
		return fmt.Errorf("%w: need at least %d blocks, have %d", ErrInvalid, metaBlocks+2, c.BlockCount)
	case c.NameMax > 255:
		return fmt.Errorf("%w: name max %d exceeds 255", ErrInvalid, c.NameMax)
	case c.AttrMax > AttrMax:
		return fmt.Errorf("%w: attr max %d exceeds %d", ErrInvalid, c.AttrMax, AttrMax)
	case c.BlockSize <= headerSize:
		return fmt.Errorf("%w: block size %d too small", ErrInvalid, c.BlockSize)
	}
	return nil
}
