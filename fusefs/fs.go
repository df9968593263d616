package fusefs

import (
	"context"
	"errors"
	"math"
	"os"
	"sync"
	"syscall"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"cosmossdk.io/log"

	"github.com/dendrascience/flashfs/flashfs"
	"github.com/dendrascience/flashfs/flatfs"
	"github.com/dendrascience/flashfs/handles"
	"github.com/dendrascience/flashfs/timeattr"
)

// Filesystem is the part of *flashfs.FS the mount needs.
type Filesystem interface {
	List() ([]flashfs.Entry, error)
	Stat(path string) (flashfs.Entry, error)
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	Remove(path string) error
	Rename(oldPath, newPath string) error
	Usage() (flatfs.Usage, error)
}

const rootInode = 1

// FS implements the FUSE filesystem. The wrapped Filesystem is not safe for
// concurrent use, so every call into it holds mu.
type FS struct {
	backend Filesystem
	logger  log.Logger

	mu     sync.Mutex
	inodes map[string]uint64
	next   uint64
}

// NewFS wraps backend. A nil logger discards output.
func NewFS(backend Filesystem, logger log.Logger) *FS {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &FS{
		backend: backend,
		logger:  logger.With("module", "fusefs"),
		inodes:  make(map[string]uint64),
		next:    rootInode + 1,
	}
}

// Root returns the root directory node
func (f *FS) Root() (fs.Node, error) {
	return &Dir{fs: f}, nil
}

// inode returns a stable inode for name. Caller holds mu.
func (f *FS) inode(name string) uint64 {
	if ino, ok := f.inodes[name]; ok {
		return ino
	}
	ino := f.next
	f.next++
	f.inodes[name] = ino
	return ino
}

func (f *FS) stat(name string) (flashfs.Entry, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, err := f.backend.Stat(name)
	if err != nil {
		return flashfs.Entry{}, 0, err
	}
	return e, f.inode(name), nil
}

func (f *FS) readFile(name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backend.ReadFile(name)
}

func (f *FS) writeFile(name string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backend.WriteFile(name, data)
}

// maxFileSize returns the largest size a file may grow to: the partition,
// capped at the engine's 32-bit file sizes.
func (f *FS) maxFileSize() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, err := f.backend.Usage()
	if err != nil {
		return 0, err
	}
	return min(uint64(u.TotalBlocks)*uint64(u.BlockSize), math.MaxUint32), nil
}

// errno maps filesystem errors onto the codes the kernel understands.
func (f *FS) errno(op, name string, err error) error {
	if err == nil {
		return nil
	}
	var code syscall.Errno
	switch {
	case errors.Is(err, flashfs.ErrNotExist), errors.Is(err, flatfs.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, flatfs.ErrExist):
		code = syscall.EEXIST
	case errors.Is(err, flatfs.ErrNoSpace):
		code = syscall.ENOSPC
	case errors.Is(err, flatfs.ErrNameTooLong):
		code = syscall.ENAMETOOLONG
	case errors.Is(err, flatfs.ErrBusy):
		code = syscall.EBUSY
	case errors.Is(err, handles.ErrExhausted):
		code = syscall.EMFILE
	case errors.Is(err, timeattr.ErrClockNotSet), errors.Is(err, flatfs.ErrInvalid):
		code = syscall.EINVAL
	default:
		code = syscall.EIO
	}
	f.logger.Warn("operation failed", "op", op, "name", name, "err", err)
	return code
}

// Dir is the root directory. It is the only directory.
type Dir struct {
	fs *FS
}

// Attr returns directory attributes
func (d *Dir) Attr(ctx context.Context, a *fuse.Attr) error {
	now := time.Now()
	a.Inode = rootInode
	a.Mode = os.ModeDir | 0o755
	a.Mtime = now
	a.Ctime = now
	a.Atime = now
	return nil
}

// Lookup resolves a file name to a node.
func (d *Dir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	e, ino, err := d.fs.stat(name)
	if err != nil {
		return nil, d.fs.errno("lookup", name, err)
	}
	return &File{fs: d.fs, name: name, inode: ino, size: e.Size, modified: e.ModTime}, nil
}

// ReadDirAll lists every file on the partition.
func (d *Dir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()

	entries, err := d.fs.backend.List()
	if err != nil {
		return nil, d.fs.errno("readdir", "/", err)
	}
	dirents := make([]fuse.Dirent, 0, len(entries))
	for _, e := range entries {
		dirents = append(dirents, fuse.Dirent{
			Inode: d.fs.inode(e.Name),
			Name:  e.Name,
			Type:  fuse.DT_File,
		})
	}
	return dirents, nil
}

// Create makes an empty file on the partition right away so it shows up in
// listings, and returns a node that buffers writes until Flush.
func (d *Dir) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fs.Node, fs.Handle, error) {
	d.fs.mu.Lock()
	if req.Flags&fuse.OpenExclusive != 0 {
		if _, err := d.fs.backend.Stat(req.Name); err == nil {
			d.fs.mu.Unlock()
			return nil, nil, syscall.EEXIST
		}
	}
	err := d.fs.backend.WriteFile(req.Name, nil)
	var e flashfs.Entry
	if err == nil {
		e, err = d.fs.backend.Stat(req.Name)
	}
	ino := d.fs.inode(req.Name)
	d.fs.mu.Unlock()
	if err != nil {
		return nil, nil, d.fs.errno("create", req.Name, err)
	}

	file := &File{
		fs:       d.fs,
		name:     req.Name,
		inode:    ino,
		data:     []byte{},
		loaded:   true,
		modified: e.ModTime,
	}
	file.attrLocked(&resp.Attr)
	return file, file, nil
}

// Mkdir always fails: the partition has no directories.
func (d *Dir) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fs.Node, error) {
	return nil, syscall.EPERM
}

// Remove deletes a file.
func (d *Dir) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	if req.Dir {
		return syscall.ENOTDIR
	}
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()
	if err := d.fs.backend.Remove(req.Name); err != nil {
		return d.fs.errno("remove", req.Name, err)
	}
	delete(d.fs.inodes, req.Name)
	return nil
}

// Rename moves a file within the root.
func (d *Dir) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fs.Node) error {
	if _, ok := newDir.(*Dir); !ok {
		return syscall.EXDEV
	}
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()
	if err := d.fs.backend.Rename(req.OldName, req.NewName); err != nil {
		return d.fs.errno("rename", req.OldName, err)
	}
	if ino, ok := d.fs.inodes[req.OldName]; ok {
		delete(d.fs.inodes, req.OldName)
		d.fs.inodes[req.NewName] = ino
	}
	return nil
}

// File implements both Node and Handle for files
type File struct {
	fs    *FS
	name  string
	inode uint64

	mu       sync.Mutex
	size     uint32    // committed size, used until data is loaded
	data     []byte    // whole file contents once loaded
	loaded   bool
	dirty    bool      // data differs from flash
	modified time.Time // from the time attribute
}

// Attr returns file attributes
func (f *File) Attr(ctx context.Context, a *fuse.Attr) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.dirty {
		if e, _, err := f.fs.stat(f.name); err == nil {
			f.size = e.Size
			f.modified = e.ModTime
		} else if !errors.Is(err, flashfs.ErrNotExist) {
			return f.fs.errno("getattr", f.name, err)
		}
	}
	f.attrLocked(a)
	return nil
}

func (f *File) attrLocked(a *fuse.Attr) {
	a.Inode = f.inode
	a.Mode = 0o644
	a.Size = uint64(f.size)
	if f.loaded {
		a.Size = uint64(len(f.data))
	}
	a.Mtime = f.modified
	a.Ctime = f.modified
	a.Atime = time.Now()
}

// load reads the file from flash unless it is already buffered. Caller
// holds f.mu.
func (f *File) load() error {
	if f.loaded {
		return nil
	}
	data, err := f.fs.readFile(f.name)
	if err != nil {
		return f.fs.errno("read", f.name, err)
	}
	f.data = data
	f.loaded = true
	return nil
}

// ReadAll reads the entire file content
func (f *File) ReadAll(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.load(); err != nil {
		return nil, err
	}
	return f.data, nil
}

// Write writes data into the buffered file.
func (f *File) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if req.Offset < 0 {
		return syscall.EINVAL
	}
	end := uint64(req.Offset) + uint64(len(req.Data))
	if err := f.checkSize(end); err != nil {
		return err
	}
	if err := f.load(); err != nil {
		return err
	}

	if end > uint64(len(f.data)) {
		newData := make([]byte, end)
		copy(newData, f.data)
		f.data = newData
	}
	copy(f.data[req.Offset:], req.Data)
	resp.Size = len(req.Data)
	f.dirty = true
	return nil
}

// checkSize rejects sizes the partition can never hold. Caller holds f.mu.
func (f *File) checkSize(size uint64) error {
	limit, err := f.fs.maxFileSize()
	if err != nil {
		return f.fs.errno("stat", f.name, err)
	}
	if size > limit {
		f.fs.logger.Warn("file too large", "name", f.name, "size", size, "limit", limit)
		return syscall.EFBIG
	}
	return nil
}

// Flush writes buffered changes back to flash.
func (f *File) Flush(ctx context.Context, req *fuse.FlushRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flush()
}

func (f *File) flush() error {
	if !f.dirty {
		return nil
	}
	if err := f.fs.writeFile(f.name, f.data); err != nil {
		return f.fs.errno("flush", f.name, err)
	}
	f.dirty = false
	if e, _, err := f.fs.stat(f.name); err == nil {
		f.size = e.Size
		f.modified = e.ModTime
	}
	return nil
}

// Fsync forces synchronization
func (f *File) Fsync(ctx context.Context, req *fuse.FsyncRequest) error {
	return f.Flush(ctx, &fuse.FlushRequest{})
}

// Setattr handles truncation. The modification time always comes from the
// time attribute, so requested mtime changes are ignored.
func (f *File) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if req.Valid.Size() {
		if err := f.checkSize(req.Size); err != nil {
			return err
		}
		if req.Size == 0 {
			f.data = []byte{}
			f.loaded = true
		} else if err := f.load(); err != nil {
			return err
		}
		if req.Size < uint64(len(f.data)) {
			f.data = f.data[:req.Size]
		} else if req.Size > uint64(len(f.data)) {
			newData := make([]byte, req.Size)
			copy(newData, f.data)
			f.data = newData
		}
		f.dirty = true
	}

	f.attrLocked(&resp.Attr)
	return nil
}

var (
	_ fs.FS                 = (*FS)(nil)
	_ fs.Node               = (*Dir)(nil)
	_ fs.NodeStringLookuper = (*Dir)(nil)
	_ fs.HandleReadDirAller = (*Dir)(nil)
	_ fs.NodeCreater        = (*Dir)(nil)
	_ fs.NodeMkdirer        = (*Dir)(nil)
	_ fs.NodeRemover        = (*Dir)(nil)
	_ fs.NodeRenamer        = (*Dir)(nil)
	_ fs.Node               = (*File)(nil)
	_ fs.HandleReadAller    = (*File)(nil)
	_ fs.HandleWriter       = (*File)(nil)
	_ fs.HandleFlusher      = (*File)(nil)
	_ fs.NodeFsyncer        = (*File)(nil)
	_ fs.NodeSetattrer      = (*File)(nil)
)
