package cmd

import (
	"github.com/spf13/cobra"
)

// NewRmCmd creates the rm subcommand.
func NewRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm FILE...",
		Short: "Remove files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()

			for _, name := range args {
				if err := s.fs.Remove(name); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
