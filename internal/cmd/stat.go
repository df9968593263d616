package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewStatCmd creates the stat subcommand.
func NewStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat FILE",
		Short: "Show a file's size and time stamp",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()

			e, err := s.fs.Stat(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Name:     %s\n", e.Name)
			fmt.Fprintf(out, "Size:     %d\n", e.Size)
			if e.ModTime.IsZero() {
				fmt.Fprintln(out, "Modified: -")
			} else {
				fmt.Fprintf(out, "Modified: %s (%d)\n", e.ModTime.UTC().Format("2006-01-02T15:04:05Z"), e.ModTime.Unix())
			}
			return nil
		},
	}
}
