package timeattr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dendrascience/flashfs/flatfs"
)

const (
	// Type is the attribute type of the time stamp.
	Type uint8 = 't'
	// Size is the size of the time stamp in bytes.
	Size = 4
)

var (
	ErrClockNotSet   = errors.New("real-time clock is not set")
	ErrClockOverflow = errors.New("time does not fit in 32 bits")
	ErrSize          = errors.New("time attribute must be 4 bytes")
)

// Clock is the real-time clock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the host clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is a settable clock. Its zero value is unset, like an RTC
// after a cold boot without a backup battery.
type ManualClock struct {
	mu sync.Mutex
	t  time.Time
}

// NewManualClock returns a clock set to t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{t: t}
}

// Set sets the clock.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// Now returns the time the clock was last set to.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Injector fills time attributes from a clock.
type Injector struct {
	clock Clock
}

// NewInjector returns an Injector reading clock. A nil clock uses the system
// clock.
func NewInjector(clock Clock) *Injector {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Injector{clock: clock}
}

// Stamp encodes the current time into buf and points attr at it. buf must
// be Size bytes. On error attr and buf are left untouched.
func (i *Injector) Stamp(attr *flatfs.Attr, buf []byte) error {
	if len(buf) != Size {
		return fmt.Errorf("%w: got %d", ErrSize, len(buf))
	}
	now := i.clock.Now().Unix()
	switch {
	case now <= 0:
		return ErrClockNotSet
	case now > math.MaxUint32:
		return fmt.Errorf("%w: %d", ErrClockOverflow, now)
	}

	binary.LittleEndian.PutUint32(buf, uint32(now))
	*attr = flatfs.Attr{Type: Type, Buffer: buf}
	return nil
}

// Decode returns the time held in a time attribute.
func Decode(b []byte) (time.Time, error) {
	if len(b) != Size {
		return time.Time{}, fmt.Errorf("%w: got %d", ErrSize, len(b))
	}
	return time.Unix(int64(binary.LittleEndian.Uint32(b)), 0), nil
}
