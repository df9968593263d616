// Package flatfs is a small flat-namespace filesystem for NOR flash.
//
// It is written against a block device that can read anywhere, program in
// page-aligned chunks and erase whole blocks. blockdev.Adapter is the
// production device.
//
// # On-flash layout
//
// Blocks 0 and 1 are anchors. They point at a directory pair, which Format
// places in blocks 2 and 3. Each commit rewrites the complete directory into
// whichever block of the pair is not current, with the revision incremented.
// Anchors and directory blocks share one record format:
//
//	offset  size  field
//	0       4     magic "FLFS"
//	4       4     revision
//	8       4     payload length
//	12      4     CRC-32 (IEEE) of the payload
//	16      n     payload
//
// The payload holds the format version, the geometry the volume was
// formatted with, a 16 byte volume ID and one record per file: name, size,
// user attributes and the list of data blocks. It also names the current
// directory pair and the revision first written to it. Mount takes the
// newest valid anchor and then the newest valid block of its pair, so a
// commit interrupted by power loss leaves the previous directory intact.
//
// # Wear
//
// Once the next commit would erase a pair block more than BlockCycles times,
// the directory moves to two freshly allocated blocks. The new pair is
// written first and the alternate anchor is then rewritten to point at it;
// the old pair becomes free. Anchors are only erased when the directory
// moves. If no blocks are free the directory stays where it is.
//
// # Data blocks
//
// File data is copy-on-write. A write never programs a block referenced by
// the committed directory; it allocates a fresh block, copies any data that
// surrounds the write and only swaps the block into the file's list. The old
// blocks become free once the directory commit that drops them lands.
//
// Free blocks are found with a lookahead bitmap covering LookaheadSize*8
// blocks. The window starts at an offset derived from the volume ID and
// walks around the device, so wear is spread across volumes and across the
// lifetime of one volume.
//
// # Attributes
//
// Files carry up to 255 bytes per user attribute, keyed by a one byte type.
// Attributes passed in a FileConfig are loaded from flash when the file is
// opened for reading and written back when a writable file is synced or
// closed.
package flatfs
