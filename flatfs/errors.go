package flatfs

import "errors"

// Sentinel errors for package flatfs.
var (
	ErrCorrupt     = errors.New("no valid metadata block")
	ErrInvalid     = errors.New("invalid argument")
	ErrNotFound    = errors.New("no such file")
	ErrExist       = errors.New("file exists")
	ErrNoSpace     = errors.New("no space left on device")
	ErrNameTooLong = errors.New("file name too long")
	ErrBusy        = errors.New("file is open")
	ErrClosed      = errors.New("file already closed")
	ErrBadFile     = errors.New("bad file mode")
	ErrNoAttr      = errors.New("no such attribute")
	ErrUnmounted   = errors.New("filesystem is not mounted")
)
