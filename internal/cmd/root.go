package cmd

import (
	"github.com/dendrascience/flashfs/version"
	"github.com/spf13/cobra"
)

// NewRootCmd creates and returns the root cobra command for the flashfs CLI.
// It sets up all subcommands, command groups and the persistent flags shared
// by every command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flashfs",
		Short: "flashfs - a wear-aware filesystem for a board's external flash",
		Long: `flashfs manages the filesystem partition of a board's external flash.

The flash is simulated by an image file, so the same on-flash layout the
firmware writes can be created, inspected and modified from a host.

Use subcommands to perform different operations:
  - format, boot, info: initialize and inspect the partition
  - ls, cat, push, rm, stat: work with files
  - export, import: move compressed flash images around
  - mount: expose the partition as a FUSE filesystem`,
		Version:       version.GetFullVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String(flagConfig, "", "YAML configuration file")
	flags.String(flagImage, "flash.img", "flash image file")
	flags.String(flagLogLevel, "info", "log level (debug, info, warn, error)")
	flags.String(flagTime, "", `RTC time as RFC 3339 or Unix seconds, "unset" for a cold RTC (default host clock)`)

	groupPartition := "partition"
	groupFiles := "files"
	groupImage := "image"

	rootCmd.AddGroup(&cobra.Group{
		ID:    groupPartition,
		Title: "Partition Operations",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    groupFiles,
		Title: "File Commands",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    groupImage,
		Title: "Image Commands",
	})

	for _, c := range []*cobra.Command{NewFormatCmd(), NewBootCmd(), NewInfoCmd(), NewMountCmd()} {
		c.GroupID = groupPartition
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{NewLsCmd(), NewCatCmd(), NewPushCmd(), NewRmCmd(), NewStatCmd()} {
		c.GroupID = groupFiles
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{NewExportCmd(), NewImportCmd()} {
		c.GroupID = groupImage
		rootCmd.AddCommand(c)
	}

	return rootCmd
}
