// Package flashfs is the filesystem the rest of the firmware talks to.
//
// FS ties the pieces together: a blockdev.Adapter over the filesystem
// partition of the external flash, a flatfs volume on top of it, a
// handles.Pool bounding how many files can be open and a timeattr.Injector
// that stamps every opened file with the current time.
//
// A typical boot:
//
//	fs, err := flashfs.New(dev, dev, flashfs.WithClock(rtc))
//	if err != nil {
//		return err
//	}
//	if err := fs.Init(); err != nil {
//		// *FatalError: the partition could not be formatted.
//		panic(err)
//	}
//
//	h, err := fs.Open("savestate", flashfs.Write, flashfs.Raw)
//	if err != nil {
//		return err
//	}
//	defer fs.Close(h)
//	_, err = fs.Write(h, state)
//
// Open has two modes only. Write creates the file if needed and writes from
// the start without truncating; Read requires the file to exist. WriteFile
// is the whole-file variant that truncates.
//
// Compressed files are not implemented yet: asking for one returns
// ErrCompressionUnsupported, after the pool has checked that the codec is
// free.
package flashfs
