package flash

import "errors"

// Sentinel errors for package flash.
var (
	// ErrNotMapped is returned when the mapped window is read while
	// memory-mapped mode is disabled.
	ErrNotMapped = errors.New("flash: memory-mapped mode is disabled")
	// ErrMapped is returned when a raw command is issued while the
	// controller is still in memory-mapped mode.
	ErrMapped = errors.New("flash: controller is in memory-mapped mode")

	ErrOutOfRange = errors.New("flash: address out of range")
	ErrUnaligned  = errors.New("flash: erase not sector aligned")
	ErrSize       = errors.New("flash: image size mismatch")
)
