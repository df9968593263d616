package cmd

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dendrascience/flashfs/flashfs"
)

// NewBootCmd creates the boot subcommand. It runs the firmware's start-up
// sequence: mount or format, then the boot counter.
func NewBootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "Simulate a board boot and print the boot counter",
		Long: `Mount the partition the way the firmware does at start-up, formatting it
if it does not hold a valid filesystem, and run the boot counter.

The counter in ` + flashfs.BootCounterFile + ` is incremented twice per boot unless
filesystem.boot_counter is false.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, sessionOptions{bootCounter: true})
			if err != nil {
				return err
			}
			defer s.Close()

			data, err := s.fs.ReadFile(flashfs.BootCounterFile)
			if errors.Is(err, flashfs.ErrNotExist) {
				fmt.Fprintln(cmd.OutOrStdout(), "boot_count: never run")
				return nil
			}
			if err != nil {
				return err
			}
			if len(data) != 4 {
				return fmt.Errorf("%s is %d bytes, want 4", flashfs.BootCounterFile, len(data))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "boot_count: %d\n", binary.LittleEndian.Uint32(data))
			return nil
		},
	}
}
