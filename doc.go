// Package main provides the flashfs command-line interface.
//
// flashfs manages the filesystem partition on a board's external flash,
// using an image file in place of the flash chip. It formats and boots the
// partition the way the firmware does, moves files on and off it, exports
// compressed images and can mount the partition with FUSE.
//
// Subcommands are grouped as:
//   - partition: format, boot, info, mount
//   - files: ls, cat, push, rm, stat
//   - image: export, import
package main
