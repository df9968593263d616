package fusefs

import (
	"context"
	"errors"
	"math"
	"syscall"
	"testing"
	"time"

	"bazil.org/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dendrascience/flashfs/flash"
	"github.com/dendrascience/flashfs/flashfs"
	"github.com/dendrascience/flashfs/flatfs"
	"github.com/dendrascience/flashfs/handles"
	"github.com/dendrascience/flashfs/timeattr"
)

var testNow = time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)

func newTestFS(t *testing.T) (*FS, *flashfs.FS) {
	t.Helper()
	sim := flash.NewSim(2 << 20)
	backend, err := flashfs.New(sim, sim,
		flashfs.WithClock(timeattr.NewManualClock(testNow)),
		flashfs.WithBootCounter(false),
	)
	require.NoError(t, err)
	require.NoError(t, backend.Init())
	return NewFS(backend, nil), backend
}

func root(t *testing.T, f *FS) *Dir {
	t.Helper()
	n, err := f.Root()
	require.NoError(t, err)
	return n.(*Dir)
}

func TestDir_ListsFiles(t *testing.T) {
	f, backend := newTestFS(t)
	require.NoError(t, backend.WriteFile("b", []byte("bee")))
	require.NoError(t, backend.WriteFile("a", []byte("ay")))

	ctx := context.Background()
	d := root(t, f)

	var attr fuse.Attr
	require.NoError(t, d.Attr(ctx, &attr))
	assert.True(t, attr.Mode.IsDir())
	assert.Equal(t, uint64(rootInode), attr.Inode)

	dirents, err := d.ReadDirAll(ctx)
	require.NoError(t, err)
	require.Len(t, dirents, 2)
	assert.Equal(t, "a", dirents[0].Name)
	assert.Equal(t, "b", dirents[1].Name)
	assert.Equal(t, fuse.DT_File, dirents[0].Type)
	assert.NotEqual(t, dirents[0].Inode, dirents[1].Inode)

	again, err := d.ReadDirAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, dirents, again, "inodes are stable")
}

func TestDir_Lookup(t *testing.T) {
	f, backend := newTestFS(t)
	require.NoError(t, backend.WriteFile("log", []byte("hello")))

	ctx := context.Background()
	d := root(t, f)

	n, err := d.Lookup(ctx, "log")
	require.NoError(t, err)
	var attr fuse.Attr
	require.NoError(t, n.Attr(ctx, &attr))
	assert.Equal(t, uint64(5), attr.Size)
	assert.True(t, testNow.Equal(attr.Mtime))
	assert.Equal(t, 0o644, int(attr.Mode.Perm()))

	data, err := n.(*File).ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = d.Lookup(ctx, "missing")
	assert.Equal(t, syscall.ENOENT, err)
}

func TestFile_CreateWriteFlush(t *testing.T) {
	f, backend := newTestFS(t)
	ctx := context.Background()
	d := root(t, f)

	node, handle, err := d.Create(ctx, &fuse.CreateRequest{Name: "new", Mode: 0o644}, &fuse.CreateResponse{})
	require.NoError(t, err)
	file := handle.(*File)
	assert.Same(t, node, handle)

	_, err = backend.Stat("new")
	require.NoError(t, err, "create is visible before the first flush")

	resp := &fuse.WriteResponse{}
	require.NoError(t, file.Write(ctx, &fuse.WriteRequest{Offset: 0, Data: []byte("hello")}, resp))
	assert.Equal(t, 5, resp.Size)
	require.NoError(t, file.Write(ctx, &fuse.WriteRequest{Offset: 7, Data: []byte("!")}, resp))

	var attr fuse.Attr
	require.NoError(t, file.Attr(ctx, &attr))
	assert.Equal(t, uint64(8), attr.Size, "pending writes are reflected in the size")

	data, err := backend.ReadFile("new")
	require.NoError(t, err)
	assert.Empty(t, data, "nothing reaches flash before flush")

	require.NoError(t, file.Flush(ctx, &fuse.FlushRequest{}))
	data, err = backend.ReadFile("new")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello\x00\x00!"), data)

	mtime, err := backend.ModTime("new")
	require.NoError(t, err)
	assert.True(t, testNow.Equal(mtime))
}

func TestFile_PartialWriteKeepsContent(t *testing.T) {
	f, backend := newTestFS(t)
	require.NoError(t, backend.WriteFile("cfg", []byte("Hello world")))

	ctx := context.Background()
	n, err := root(t, f).Lookup(ctx, "cfg")
	require.NoError(t, err)
	file := n.(*File)

	require.NoError(t, file.Write(ctx, &fuse.WriteRequest{Offset: 0, Data: []byte("J")}, &fuse.WriteResponse{}))
	require.NoError(t, file.Fsync(ctx, &fuse.FsyncRequest{}))

	data, err := backend.ReadFile("cfg")
	require.NoError(t, err)
	assert.Equal(t, "Jello world", string(data))
}

func TestFile_Setattr(t *testing.T) {
	f, backend := newTestFS(t)
	require.NoError(t, backend.WriteFile("t", []byte("test")))

	ctx := context.Background()
	n, err := root(t, f).Lookup(ctx, "t")
	require.NoError(t, err)
	file := n.(*File)

	tests := []struct {
		name string
		size uint64
		want string
	}{
		{name: "shrink", size: 2, want: "te"},
		{name: "grow", size: 4, want: "te\x00\x00"},
		{name: "truncate", size: 0, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &fuse.SetattrResponse{}
			req := &fuse.SetattrRequest{Valid: fuse.SetattrSize, Size: tt.size}
			require.NoError(t, file.Setattr(ctx, req, resp))
			assert.Equal(t, tt.size, resp.Attr.Size)

			require.NoError(t, file.Flush(ctx, &fuse.FlushRequest{}))
			data, err := backend.ReadFile("t")
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
		})
	}
}

func TestFile_RejectsSizesPastPartition(t *testing.T) {
	f, backend := newTestFS(t)
	require.NoError(t, backend.WriteFile("t", []byte("test")))
	u, err := backend.Usage()
	require.NoError(t, err)
	limit := uint64(u.TotalBlocks) * uint64(u.BlockSize)

	ctx := context.Background()
	n, err := root(t, f).Lookup(ctx, "t")
	require.NoError(t, err)
	file := n.(*File)

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{
			name: "write at huge offset",
			call: func() error {
				return file.Write(ctx, &fuse.WriteRequest{Offset: math.MaxInt64 - 1, Data: []byte("x")}, &fuse.WriteResponse{})
			},
			want: syscall.EFBIG,
		},
		{
			name: "write one byte past the partition",
			call: func() error {
				return file.Write(ctx, &fuse.WriteRequest{Offset: int64(limit), Data: []byte("x")}, &fuse.WriteResponse{})
			},
			want: syscall.EFBIG,
		},
		{
			name: "write at negative offset",
			call: func() error {
				return file.Write(ctx, &fuse.WriteRequest{Offset: -1, Data: []byte("x")}, &fuse.WriteResponse{})
			},
			want: syscall.EINVAL,
		},
		{
			name: "grow to huge size",
			call: func() error {
				req := &fuse.SetattrRequest{Valid: fuse.SetattrSize, Size: math.MaxUint64}
				return file.Setattr(ctx, req, &fuse.SetattrResponse{})
			},
			want: syscall.EFBIG,
		},
		{
			name: "grow one byte past the partition",
			call: func() error {
				req := &fuse.SetattrRequest{Valid: fuse.SetattrSize, Size: limit + 1}
				return file.Setattr(ctx, req, &fuse.SetattrResponse{})
			},
			want: syscall.EFBIG,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.call())
		})
	}

	require.NoError(t, file.Flush(ctx, &fuse.FlushRequest{}))
	data, err := backend.ReadFile("t")
	require.NoError(t, err)
	assert.Equal(t, "test", string(data), "rejected requests leave the file alone")
}

func TestFile_SetattrDoesNotDeadlock(t *testing.T) {
	f, backend := newTestFS(t)
	require.NoError(t, backend.WriteFile("t", []byte("test data")))

	ctx := context.Background()
	n, err := root(t, f).Lookup(ctx, "t")
	require.NoError(t, err)
	file := n.(*File)

	done := make(chan error, 1)
	go func() {
		req := &fuse.SetattrRequest{Valid: fuse.SetattrMtime | fuse.SetattrSize, Mtime: time.Now(), Size: 4}
		done <- file.Setattr(ctx, req, &fuse.SetattrResponse{})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Setattr deadlocked")
	}
}

func TestDir_RemoveAndRename(t *testing.T) {
	f, backend := newTestFS(t)
	require.NoError(t, backend.WriteFile("a", []byte("1")))
	require.NoError(t, backend.WriteFile("b", []byte("2")))

	ctx := context.Background()
	d := root(t, f)

	dirents, err := d.ReadDirAll(ctx)
	require.NoError(t, err)
	inodeA := dirents[0].Inode

	require.NoError(t, d.Rename(ctx, &fuse.RenameRequest{OldName: "a", NewName: "c"}, d))
	dirents, err = d.ReadDirAll(ctx)
	require.NoError(t, err)
	require.Len(t, dirents, 2)
	assert.Equal(t, "c", dirents[1].Name)
	assert.Equal(t, inodeA, dirents[1].Inode, "rename keeps the inode")

	require.NoError(t, d.Remove(ctx, &fuse.RemoveRequest{Name: "b"}))
	assert.Equal(t, syscall.ENOENT, d.Remove(ctx, &fuse.RemoveRequest{Name: "b"}))
	assert.Equal(t, syscall.ENOTDIR, d.Remove(ctx, &fuse.RemoveRequest{Name: "c", Dir: true}))

	_, err = d.Mkdir(ctx, &fuse.MkdirRequest{Name: "sub"})
	assert.Equal(t, syscall.EPERM, err)
	assert.Equal(t, syscall.EXDEV, d.Rename(ctx, &fuse.RenameRequest{OldName: "c", NewName: "d"}, &File{}))
}

func TestDir_CreateExclusive(t *testing.T) {
	f, backend := newTestFS(t)
	require.NoError(t, backend.WriteFile("x", []byte("keep")))

	ctx := context.Background()
	req := &fuse.CreateRequest{Name: "x", Flags: fuse.OpenWriteOnly | fuse.OpenExclusive}
	_, _, err := root(t, f).Create(ctx, req, &fuse.CreateResponse{})
	assert.Equal(t, syscall.EEXIST, err)

	data, err := backend.ReadFile("x")
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))
}

func TestErrno(t *testing.T) {
	f := NewFS(nil, nil)
	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{flashfs.ErrNotExist, syscall.ENOENT},
		{flatfs.ErrExist, syscall.EEXIST},
		{flatfs.ErrNoSpace, syscall.ENOSPC},
		{flatfs.ErrNameTooLong, syscall.ENAMETOOLONG},
		{flatfs.ErrBusy, syscall.EBUSY},
		{handles.ErrExhausted, syscall.EMFILE},
		{flatfs.ErrInvalid, syscall.EINVAL},
		{errors.New("boom"), syscall.EIO},
	}
	for _, tt := range tests {
		t.Run(tt.want.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, f.errno("op", "name", tt.err))
		})
	}
	assert.NoError(t, f.errno("op", "name", nil))
}
