// Package flash models the external NOR flash as the CPU sees it.
//
// A flash Device exposes a memory-mapped read window plus the raw commands
// (program, erase) that are only legal while memory-mapped mode is off. A
// Cache models the CPU data cache sitting in front of the mapped window: once
// a line has been read through it, the cache keeps serving that copy until it
// is invalidated, even if the flash underneath was reprogrammed.
//
// Sim implements both interfaces in memory, optionally backed by an image
// file on the host so that a partition survives between runs:
//
//	dev, err := flash.OpenImage("gw.img", 1<<20)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer dev.Close()
//
// Sim enforces the controller rules that firmware gets wrong most often:
// reading the window while it is unmapped fails with ErrNotMapped, and
// issuing program or erase while it is mapped fails with ErrMapped.
package flash
