// Package cmd provides the command-line interface implementation for flashfs.
//
// Each command is implemented in its own file with a constructor that
// returns a *cobra.Command; NewRootCmd wires them into groups:
//   - partition: format, boot, info, mount
//   - files: ls, cat, push, rm, stat
//   - image: export, import
//
// Every command opens the flash image named by the configuration, builds the
// flashfs facade over it and initializes it the same way the firmware does
// at start-up, so a blank image is formatted on first use.
package cmd
