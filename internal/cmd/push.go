package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// NewPushCmd creates the push subcommand, which copies a host file onto the
// partition.
func NewPushCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "push SOURCE",
		Short: "Copy a host file onto the partition",
		Long: `Copy a host file onto the partition, replacing any file of the same name
and stamping it with the RTC time. SOURCE "-" reads stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := args[0]
			var (
				data []byte
				err  error
			)
			if src == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(src)
			}
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", src, err)
			}
			if name == "" {
				if src == "-" {
					return fmt.Errorf("--name is required when reading stdin")
				}
				name = filepath.Base(src)
			}

			s, err := openSession(cmd, sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.fs.WriteFile(name, data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d bytes)\n", name, len(data))
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "name on the partition (default: base name of SOURCE)")

	return cmd
}
