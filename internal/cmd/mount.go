package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"cosmossdk.io/log"
	"github.com/spf13/cobra"

	"github.com/dendrascience/flashfs/fusefs"
	"github.com/dendrascience/flashfs/metrics"
	"github.com/dendrascience/flashfs/version"
)

// NewMountCmd creates and returns the mount subcommand for the flashfs CLI.
// It exposes the partition at a mountpoint and optionally serves metrics.
func NewMountCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "mount MOUNTPOINT",
		Short: "Mount the partition with FUSE",
		Long: `Mount the flash partition at the specified mountpoint.

The partition is flat: the mount is a single directory of files. Files are
written back to flash when they are closed.

With --metrics-addr (or global.metrics_addr) Prometheus metrics are served
at /metrics on that address.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMount(cmd, args[0], metricsAddr)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on")

	return cmd
}

func runMount(cmd *cobra.Command, mountpoint, metricsAddr string) error {
	fmt.Fprintf(cmd.OutOrStdout(), "flashfs %s starting...\n", version.GetFullVersion())

	collector, err := metrics.NewCollector(nil)
	if err != nil {
		return err
	}
	s, err := openSession(cmd, sessionOptions{metrics: collector})
	if err != nil {
		return err
	}
	defer closeSession(s)

	if pathsOverlap(s.cfg.Flash.Image, mountpoint) {
		return fmt.Errorf("flash image %s must not be inside mountpoint %s", s.cfg.Flash.Image, mountpoint)
	}
	if metricsAddr == "" {
		metricsAddr = s.cfg.Global.MetricsAddr
	}

	c, err := fuse.Mount(
		mountpoint,
		fuse.FSName("flashfs"),
		fuse.Subtype("flashfs"),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	var srv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		srv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics server failed", "addr", metricsAddr, "err", err)
			}
		}()
		s.logger.Info("serving metrics", "addr", metricsAddr)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down")
		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			stopMetrics(shutdownCtx, srv, s.logger)
		}
		if err := fuse.Unmount(mountpoint); err != nil {
			s.logger.Warn("unmount failed", "mountpoint", mountpoint, "err", err)
		}
	}()

	s.logger.Info("mounted", "mountpoint", mountpoint, "image", s.cfg.Flash.Image, "partition", s.cfg.Flash.Partition)
	return fs.Serve(c, fusefs.NewFS(s.fs, s.logger))
}

// closeSession releases s. The mount is already over, so failures are only
// logged.
func closeSession(s *session) {
	if err := s.Close(); err != nil {
		s.logger.Warn("failed to close flash image", "image", s.cfg.Flash.Image, "err", err)
	}
}

func stopMetrics(ctx context.Context, srv *http.Server, logger log.Logger) {
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("metrics server shutdown failed", "addr", srv.Addr, "err", err)
	}
}

// pathsOverlap reports whether either path contains the other.
func pathsOverlap(path1, path2 string) bool {
	abs1, err1 := filepath.Abs(path1)
	abs2, err2 := filepath.Abs(path2)
	if err1 != nil || err2 != nil {
		return true
	}
	abs1 = filepath.Clean(abs1)
	abs2 = filepath.Clean(abs2)
	if abs1 == abs2 {
		return true
	}
	sep := string(filepath.Separator)
	return strings.HasPrefix(abs1, abs2+sep) || strings.HasPrefix(abs2, abs1+sep)
}
