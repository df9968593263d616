package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dendrascience/flashfs/flashfs"
)

// NewLsCmd creates the ls subcommand.
func NewLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List files with size and time stamp",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()

			entries, err := s.fs.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			var total uint64
			for _, e := range entries {
				fmt.Fprintf(out, "%10d  %s  %s\n", e.Size, formatModTime(e), color.CyanString(e.Name))
				total += uint64(e.Size)
			}
			fmt.Fprintf(out, "%d files, %d bytes\n", len(entries), total)
			return nil
		},
	}
}

func formatModTime(e flashfs.Entry) string {
	if e.ModTime.IsZero() {
		return color.YellowString("%-20s", "-")
	}
	return fmt.Sprintf("%-20s", e.ModTime.UTC().Format("2006-01-02T15:04:05Z"))
}
