package flashfs

import (
	"errors"
	"fmt"
)

// Sentinel errors for package flashfs.
var (
	ErrNotInitialized         = errors.New("filesystem not initialized")
	ErrCompressionUnsupported = errors.New("compressed files are not supported")
	ErrSeekCompressed         = errors.New("cannot seek a compressed file")
	ErrClosed                 = errors.New("file handle is closed")
	ErrNotExist               = errors.New("file does not exist")
	ErrShortWrite             = errors.New("short write")
)

// FatalError is returned by Init when the partition can be neither mounted
// nor formatted. The device cannot store anything until it is repaired.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("flashfs: fatal %s failure: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }
