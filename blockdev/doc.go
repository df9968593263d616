// Package blockdev adapts the external flash to the block device contract
// the filesystem engine is written against.
//
// The engine addresses storage as (block, offset) pairs. An Adapter
// translates those into flash offsets inside a partition Region and performs
// the access:
//
//   - Read is a plain copy out of the memory-mapped window.
//   - Program and Erase run inside a raw access bracket: the data cache is
//     disabled and invalidated, memory-mapped mode is suspended, the command
//     is issued, then mapped mode and the cache are restored. Restoration is
//     deferred, so it also happens when the device reports an error or the
//     command panics.
//   - Sync does nothing; program and erase are durable when they return.
//
// Program addresses and lengths must be multiples of the program size, and
// erases must be block aligned. A violation means the engine or its
// configuration is broken, so the Adapter panics with an *AlignmentError
// instead of returning an error the caller could ignore. Accesses outside
// the partition panic with a *RangeError for the same reason.
//
// Program and Erase hold an exclusive lock for the whole bracket, and Read
// holds a shared one, so no read can observe the window while it is
// unmapped or mid-write.
package blockdev
