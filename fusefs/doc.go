// Package fusefs exposes a flashfs partition as a FUSE filesystem.
//
// The partition is flat, so the mount is a single directory. Files are read
// whole on first access and written back whole on flush. Every write-back
// restamps the file's time attribute from the configured clock.
//
// NewFS wraps anything that implements Filesystem, normally a *flashfs.FS,
// and the result is served with bazil.org/fuse.
package fusefs
