package handles

import (
	"errors"
	"fmt"
)

// Sentinel errors for package handles.
var (
	ErrExhausted = errors.New("no free file handle")
	ErrCodecBusy = errors.New("compression codec in use")
	ErrCapacity  = errors.New("invalid pool capacity")
)

// CorruptionError reports a slot the pool does not know about, or one it
// does not consider open. The pool panics with it: the handle table can no
// longer be trusted.
type CorruptionError struct {
	Op    string
	Index int
}

func (e *CorruptionError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("handles: %s of a slot not owned by this pool", e.Op)
	}
	return fmt.Sprintf("handles: %s of slot %d, which is not open", e.Op, e.Index)
}
