package flashfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dendrascience/flashfs/flash"
	"github.com/dendrascience/flashfs/flatfs"
	"github.com/dendrascience/flashfs/handles"
	"github.com/dendrascience/flashfs/metrics"
	"github.com/dendrascience/flashfs/timeattr"
)

var testNow = time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)

const testFlashSize = 2 << 20

func newTestFS(t *testing.T, sim *flash.Sim, opts ...Option) *FS {
	t.Helper()
	opts = append([]Option{
		WithClock(timeattr.NewManualClock(testNow)),
		WithBootCounter(false),
	}, opts...)
	fs, err := New(sim, sim, opts...)
	require.NoError(t, err)
	require.NoError(t, fs.Init())
	return fs
}

func TestInit_FormatsBlankFlashOnce(t *testing.T) {
	sim := flash.NewSim(testFlashSize)
	collector, err := metrics.NewCollector(nil)
	require.NoError(t, err)

	fs := newTestFS(t, sim, WithMetrics(collector))
	infos, err := fs.List()
	require.NoError(t, err)
	assert.Empty(t, infos)

	expected := `
# HELP flashfs_formats_total Partition formats
# TYPE flashfs_formats_total counter
flashfs_formats_total 1
# HELP flashfs_mounts_total Mount attempts by result
# TYPE flashfs_mounts_total counter
flashfs_mounts_total{result="error"} 1
flashfs_mounts_total{result="success"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(collector.Registry(), bytes.NewBufferString(expected),
		"flashfs_formats_total", "flashfs_mounts_total"))

	// The second boot finds a valid filesystem.
	require.NoError(t, fs.WriteFile("keep", []byte("me")))
	require.NoError(t, fs.Unmount())
	fs = newTestFS(t, sim, WithMetrics(collector))
	data, err := fs.ReadFile("keep")
	require.NoError(t, err)
	assert.Equal(t, "me", string(data))

	expected = `
# HELP flashfs_formats_total Partition formats
# TYPE flashfs_formats_total counter
flashfs_formats_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(collector.Registry(), bytes.NewBufferString(expected),
		"flashfs_formats_total"))
}

func TestInit_FormatsGarbageOnce(t *testing.T) {
	sim := flash.NewSim(testFlashSize)
	garbage := make([]byte, testFlashSize)
	rand.New(rand.NewSource(1)).Read(garbage)
	require.NoError(t, sim.Restore(garbage))
	collector, err := metrics.NewCollector(nil)
	require.NoError(t, err)

	for boot, want := range []uint32{2, 4} {
		fs := newTestFS(t, sim, WithMetrics(collector), WithBootCounter(true))
		entries, err := fs.List()
		require.NoError(t, err)
		require.Len(t, entries, 1, "boot %d", boot)
		assert.Equal(t, BootCounterFile, entries[0].Name)

		data, err := fs.ReadFile(BootCounterFile)
		require.NoError(t, err)
		assert.Equal(t, want, binary.LittleEndian.Uint32(data))
		require.NoError(t, fs.Unmount())
	}

	expected := `
# HELP flashfs_formats_total Partition formats
# TYPE flashfs_formats_total counter
flashfs_formats_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(collector.Registry(), bytes.NewBufferString(expected),
		"flashfs_formats_total"))
}

func TestInit_UsesPartitionRegion(t *testing.T) {
	sim := flash.NewSim(testFlashSize)
	region := flash.Region{Start: 1 << 20, End: 2 << 20}
	fs := newTestFS(t, sim, WithRegion(region))
	require.NoError(t, fs.WriteFile("f", []byte("x")))

	raw := sim.Snapshot()
	assert.Equal(t, bytes.Repeat([]byte{0xff}, 1<<20), raw[:1<<20], "nothing outside the partition is touched")
	assert.Equal(t, uint32(256), fs.Geometry().BlockCount)
}

func TestInit_FatalWhenFormatFails(t *testing.T) {
	sim := flash.NewSim(testFlashSize)
	sim.FailNextProgram(errors.New("ospi timeout"))

	fs, err := New(sim, sim, WithBootCounter(false))
	require.NoError(t, err)
	err = fs.Init()

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "format", fatal.Op)
	assert.True(t, sim.MemoryMapped(), "flash must be left readable")
}

func TestInit_BootCounter(t *testing.T) {
	sim := flash.NewSim(testFlashSize)

	fs, err := New(sim, sim, WithClock(timeattr.NewManualClock(testNow)))
	require.NoError(t, err)
	require.NoError(t, fs.Init())
	data, err := fs.ReadFile(BootCounterFile)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 0, 0, 0}, data, "init counts twice")
	require.NoError(t, fs.Unmount())

	require.NoError(t, fs.Init())
	n, err := fs.BootCounter()
	require.NoError(t, err)
	assert.Equal(t, uint32(5), n)
	assert.Zero(t, fs.OpenHandles())
}

func TestBootCounterFileRoundTrip(t *testing.T) {
	fs := newTestFS(t, flash.NewSim(testFlashSize))

	_, err := fs.Open(BootCounterFile, Read, Raw)
	require.ErrorIs(t, err, ErrNotExist)
	assert.Zero(t, fs.OpenHandles())

	h, err := fs.Open(BootCounterFile, Write, Raw)
	require.NoError(t, err)
	n, err := fs.Write(h, []byte{0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.NoError(t, fs.Close(h))

	h, err = fs.Open(BootCounterFile, Read, Raw)
	require.NoError(t, err)
	buf := make([]byte, 4)
	n, err = fs.Read(h, buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, buf)

	n, err = fs.Read(h, buf)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, fs.Close(h))
}

func TestOpen_PoolExhaustion(t *testing.T) {
	for _, capacity := range []int{1, 3, handles.MaxSlots} {
		fs := newTestFS(t, flash.NewSim(testFlashSize), WithHandles(capacity))

		var open []*Handle
		for i := 0; i < capacity; i++ {
			h, err := fs.Open(string(rune('a'+i)), Write, Raw)
			require.NoErrorf(t, err, "capacity %d, open %d", capacity, i+1)
			open = append(open, h)
		}
		_, err := fs.Open("overflow", Write, Raw)
		assert.ErrorIs(t, err, handles.ErrExhausted)
		_, err = fs.Stat("overflow")
		assert.ErrorIs(t, err, ErrNotExist, "a refused open must not create the file")

		require.NoError(t, fs.Close(open[0]))
		h, err := fs.Open("overflow", Write, Raw)
		require.NoError(t, err)
		require.NoError(t, fs.Close(h))
		for _, h := range open[1:] {
			require.NoError(t, fs.Close(h))
		}
		assert.Zero(t, fs.OpenHandles())
	}
}

func TestOpen_CompressionUnsupported(t *testing.T) {
	fs := newTestFS(t, flash.NewSim(testFlashSize))

	for _, write := range []bool{Write, Read} {
		_, err := fs.Open("save.gz", write, Compress)
		assert.ErrorIs(t, err, ErrCompressionUnsupported)
	}
	assert.Zero(t, fs.OpenHandles(), "the slot and codec are released")

	h, err := fs.Open("plain", Write, Raw)
	require.NoError(t, err)
	_, err = fs.Open("save.gz", Write, Compress)
	assert.ErrorIs(t, err, ErrCompressionUnsupported)
	require.NoError(t, fs.Close(h))
}

func TestOpen_CodecBusyBeforeUnsupported(t *testing.T) {
	fs := newTestFS(t, flash.NewSim(testFlashSize), WithHandles(2))

	// Hold the codec directly, as a future compressed stream would.
	slot, err := fs.pool.Acquire(handles.CodecCompress)
	require.NoError(t, err)

	_, err = fs.Open("save.gz", Write, Compress)
	assert.ErrorIs(t, err, handles.ErrCodecBusy)
	assert.Equal(t, 1, fs.OpenHandles())

	fs.pool.Release(slot)
	_, err = fs.Open("save.gz", Write, Compress)
	assert.ErrorIs(t, err, ErrCompressionUnsupported)
}

func TestOpen_StampsTime(t *testing.T) {
	fs := newTestFS(t, flash.NewSim(testFlashSize))

	h, err := fs.Open("state", Write, Raw)
	require.NoError(t, err)
	_, err = fs.Write(h, []byte("abc"))
	require.NoError(t, err)
	require.NoError(t, fs.Close(h))

	mtime, err := fs.ModTime("state")
	require.NoError(t, err)
	assert.True(t, testNow.Equal(mtime))
	assert.NotZero(t, mtime.Unix())
}

func TestOpen_ReadLoadsStoredTime(t *testing.T) {
	clock := timeattr.NewManualClock(testNow)
	fs := newTestFS(t, flash.NewSim(testFlashSize), WithClock(clock), WithBootCounter(true))
	require.NoError(t, fs.WriteFile("state", []byte("abc")))
	clock.Set(testNow.Add(time.Hour))

	tests := []struct {
		name string
		path string
		want time.Time
	}{
		{name: "stamped file", path: "state", want: testNow},
		{name: "file without time", path: BootCounterFile, want: time.Unix(0, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := fs.Open(tt.path, Read, Raw)
			require.NoError(t, err)
			got, err := timeattr.Decode(h.slot.Time[:])
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v", got)
			require.NoError(t, fs.Close(h))
		})
	}

	mtime, err := fs.ModTime("state")
	require.NoError(t, err)
	assert.True(t, testNow.Equal(mtime), "reading must not restamp")
}

func TestOpen_ClockNotSet(t *testing.T) {
	clock := &timeattr.ManualClock{}
	fs := newTestFS(t, flash.NewSim(testFlashSize), WithClock(clock))

	_, err := fs.Open("state", Write, Raw)
	require.ErrorIs(t, err, timeattr.ErrClockNotSet)
	assert.Zero(t, fs.OpenHandles())
	_, err = fs.Stat("state")
	assert.ErrorIs(t, err, ErrNotExist)

	clock.Set(testNow)
	h, err := fs.Open("state", Write, Raw)
	require.NoError(t, err)
	require.NoError(t, fs.Close(h))
}

func TestOpen_WriteDoesNotTruncate(t *testing.T) {
	fs := newTestFS(t, flash.NewSim(testFlashSize))
	require.NoError(t, fs.WriteFile("f", []byte("hello world")))

	h, err := fs.Open("f", Write, Raw)
	require.NoError(t, err)
	_, err = fs.Write(h, []byte("J"))
	require.NoError(t, err)
	require.NoError(t, fs.Close(h))

	data, err := fs.ReadFile("f")
	require.NoError(t, err)
	assert.Equal(t, "Jello world", string(data))
}

func TestSeek(t *testing.T) {
	fs := newTestFS(t, flash.NewSim(testFlashSize))
	require.NoError(t, fs.WriteFile("f", []byte("0123456789")))

	h, err := fs.Open("f", Read, Raw)
	require.NoError(t, err)
	defer fs.Close(h)

	pos, err := fs.Seek(h, -3, io.SeekEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(7), pos)
	buf := make([]byte, 8)
	n, err := fs.Read(h, buf)
	require.NoError(t, err)
	assert.Equal(t, "789", string(buf[:n]))
}

func TestHandleLifecycle(t *testing.T) {
	fs := newTestFS(t, flash.NewSim(testFlashSize))

	h, err := fs.Open("f", Write, Raw)
	require.NoError(t, err)
	assert.Equal(t, "f", h.Name())
	assert.True(t, h.Writable())
	require.NoError(t, fs.Close(h))

	tests := []struct {
		name string
		call func() error
	}{
		{name: "write", call: func() error { _, err := fs.Write(h, []byte("x")); return err }},
		{name: "read", call: func() error { _, err := fs.Read(h, make([]byte, 1)); return err }},
		{name: "seek", call: func() error { _, err := fs.Seek(h, 0, io.SeekStart); return err }},
		{name: "close", call: func() error { return fs.Close(h) }},
		{name: "nil handle", call: func() error { return fs.Close(nil) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), ErrClosed)
		})
	}

	// A stale handle stays closed after its slot is reused.
	h2, err := fs.Open("g", Write, Raw)
	require.NoError(t, err)
	_, err = fs.Write(h, []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, fs.Close(h2))
}

func TestClose_ReleasesSlotOnError(t *testing.T) {
	sim := flash.NewSim(testFlashSize)
	fs := newTestFS(t, sim, WithHandles(1))

	h, err := fs.Open("f", Write, Raw)
	require.NoError(t, err)
	_, err = fs.Write(h, []byte("data"))
	require.NoError(t, err)

	sim.FailNextProgram(errors.New("ospi timeout"))
	assert.Error(t, fs.Close(h))
	assert.Zero(t, fs.OpenHandles())

	h, err = fs.Open("f", Write, Raw)
	require.NoError(t, err, "the only slot must be free again")
	require.NoError(t, fs.Close(h))
}

func TestWholeFileHelpers(t *testing.T) {
	fs := newTestFS(t, flash.NewSim(testFlashSize))

	require.NoError(t, fs.WriteFile("b", bytes.Repeat([]byte("b"), 5000)))
	require.NoError(t, fs.WriteFile("a", []byte("first")))
	require.NoError(t, fs.WriteFile("a", []byte("2nd")))

	data, err := fs.ReadFile("a")
	require.NoError(t, err)
	assert.Equal(t, "2nd", string(data))

	entries, err := fs.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Name)
	assert.Equal(t, uint32(3), entries[0].Size)
	assert.True(t, testNow.Equal(entries[0].ModTime))
	assert.Equal(t, uint32(5000), entries[1].Size)

	u, err := fs.Usage()
	require.NoError(t, err)
	assert.Equal(t, uint32(4+1+2), u.UsedBlocks)
	assert.Equal(t, uint32(256), u.TotalBlocks)

	id, err := fs.VolumeID()
	require.NoError(t, err)
	assert.NotEqual(t, [16]byte{}, [16]byte(id))

	require.NoError(t, fs.Rename("b", "c"))
	assert.ErrorIs(t, fs.Rename("b", "d"), ErrNotExist)
	data, err = fs.ReadFile("c")
	require.NoError(t, err)
	assert.Len(t, data, 5000)

	require.NoError(t, fs.Remove("a"))
	assert.ErrorIs(t, fs.Remove("a"), ErrNotExist)
	_, err = fs.ReadFile("a")
	assert.ErrorIs(t, err, ErrNotExist)
	_, err = fs.ModTime("a")
	assert.ErrorIs(t, err, ErrNotExist)
}

func TestFormat(t *testing.T) {
	fs := newTestFS(t, flash.NewSim(testFlashSize))
	require.NoError(t, fs.WriteFile("a", []byte("data")))
	before, err := fs.VolumeID()
	require.NoError(t, err)

	h, err := fs.Open("a", Read, Raw)
	require.NoError(t, err)
	assert.ErrorIs(t, fs.Format(), flatfs.ErrBusy)
	require.NoError(t, fs.Close(h))

	require.NoError(t, fs.Format())
	entries, err := fs.List()
	require.NoError(t, err)
	assert.Empty(t, entries)

	after, err := fs.VolumeID()
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestNotInitialized(t *testing.T) {
	sim := flash.NewSim(testFlashSize)
	fs, err := New(sim, sim)
	require.NoError(t, err)

	_, err = fs.Open("f", Write, Raw)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = fs.List()
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, fs.Unmount(), ErrNotInitialized)
}

func TestNew_BadHandleCount(t *testing.T) {
	sim := flash.NewSim(testFlashSize)
	_, err := New(sim, sim, WithHandles(handles.MaxSlots+1))
	assert.ErrorIs(t, err, handles.ErrCapacity)
}
