package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewFormatCmd creates the format subcommand, which erases the partition
// and writes an empty volume.
func NewFormatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "format",
		Short: "Erase the partition and create an empty filesystem",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.fs.Format(); err != nil {
				return err
			}
			id, err := s.fs.VolumeID()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Formatted %s partition %s, volume %s\n",
				s.cfg.Flash.Image, s.cfg.Flash.Partition, id)
			return nil
		},
	}
}
