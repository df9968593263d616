package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"

	"github.com/dendrascience/flashfs/flash"
)

// NewExportCmd creates the export subcommand, which writes the whole flash
// image zstd-compressed.
func NewExportCmd() *cobra.Command {
	var level int

	cmd := &cobra.Command{
		Use:   "export OUTPUT",
		Short: "Write a zstd-compressed copy of the flash image",
		Long: `Write a zstd-compressed copy of the whole flash image to OUTPUT.

Erased flash reads as 0xFF, so mostly empty images compress very well.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			sim, err := flash.OpenImage(cfg.Flash.Image, cfg.Flash.Size)
			if err != nil {
				return err
			}
			defer sim.Close()

			out, err := os.Create(args[0])
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", args[0], err)
			}
			n, err := exportImage(out, sim.Snapshot(), zstd.EncoderLevelFromZstd(level))
			if closeErr := out.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				return fmt.Errorf("failed to export %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %s to %s (%d -> %d bytes)\n",
				cfg.Flash.Image, args[0], cfg.Flash.Size, n)
			return nil
		},
	}

	cmd.Flags().IntVar(&level, "level", 3, "zstd compression level (1-22)")

	return cmd
}

// NewImportCmd creates the import subcommand, which replaces the flash image
// with a compressed export.
func NewImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import INPUT",
		Short: "Replace the flash image with a zstd-compressed export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			in, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[0], err)
			}
			defer in.Close()
			data, err := importImage(in, cfg.Flash.Size)
			if err != nil {
				return fmt.Errorf("failed to import %s: %w", args[0], err)
			}

			sim, err := flash.OpenImage(cfg.Flash.Image, cfg.Flash.Size)
			if err != nil {
				return err
			}
			defer sim.Close()
			if err := sim.Restore(data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %s into %s\n", args[0], cfg.Flash.Image)
			return nil
		},
	}
}

// exportImage compresses img into w and returns the compressed size.
func exportImage(w io.Writer, img []byte, level zstd.EncoderLevel) (int64, error) {
	cw := &countingWriter{w: w}
	enc, err := zstd.NewWriter(cw, zstd.WithEncoderLevel(level))
	if err != nil {
		return 0, err
	}
	if _, err := enc.Write(img); err != nil {
		enc.Close()
		return 0, err
	}
	if err := enc.Close(); err != nil {
		return 0, err
	}
	return cw.n, nil
}

// importImage decompresses r, which must hold exactly size bytes of flash.
func importImage(r io.Reader, size uint32) ([]byte, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	data, err := io.ReadAll(io.LimitReader(dec, int64(size)+1))
	if err != nil {
		return nil, err
	}
	if len(data) != int(size) {
		return nil, fmt.Errorf("%w: decompressed image is not %d bytes", flash.ErrSize, size)
	}
	return data, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
