package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewInfoCmd creates the info subcommand, which prints the volume, geometry
// and space usage.
func NewInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show partition geometry and usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()

			id, err := s.fs.VolumeID()
			if err != nil {
				return err
			}
			usage, err := s.fs.Usage()
			if err != nil {
				return err
			}
			geo := s.fs.Geometry()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Image:      %s (%d bytes)\n", s.cfg.Flash.Image, s.cfg.Flash.Size)
			fmt.Fprintf(out, "Partition:  %s\n", s.cfg.Flash.Partition)
			fmt.Fprintf(out, "Volume:     %s\n", id)
			fmt.Fprintf(out, "Blocks:     %d x %d bytes\n", geo.BlockCount, geo.BlockSize)
			fmt.Fprintf(out, "Read/Prog:  %d/%d bytes, cache %d, lookahead %d\n",
				geo.ReadSize, geo.ProgSize, geo.CacheSize, geo.LookaheadSize)
			fmt.Fprintf(out, "Handles:    %d\n", s.cfg.Filesystem.Handles)
			fmt.Fprintf(out, "Used:       %d of %d blocks (%.1f%%)\n",
				usage.UsedBlocks, usage.TotalBlocks, 100*float64(usage.UsedBlocks)/float64(usage.TotalBlocks))
			return nil
		},
	}
}
