package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"cosmossdk.io/log"
	"github.com/spf13/cobra"

	"github.com/dendrascience/flashfs/config"
	"github.com/dendrascience/flashfs/flash"
	"github.com/dendrascience/flashfs/flashfs"
	"github.com/dendrascience/flashfs/metrics"
	"github.com/dendrascience/flashfs/timeattr"
)

// Persistent flag names.
const (
	flagConfig   = "config"
	flagImage    = "image"
	flagLogLevel = "log-level"
	flagTime     = "time"
)

// clockUnset is the --time value that simulates an RTC that was never set.
const clockUnset = "unset"

// loadConfig merges defaults, the config file, FLASHFS_* variables and
// command line flags, in that order.
func loadConfig(cmd *cobra.Command) (*config.Configuration, error) {
	cfg := config.NewDefault()

	flags := cmd.Flags()
	if path, _ := flags.GetString(flagConfig); path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if flags.Changed(flagImage) {
		cfg.Flash.Image, _ = flags.GetString(flagImage)
	}
	if flags.Changed(flagLogLevel) {
		cfg.Global.LogLevel, _ = flags.GetString(flagLogLevel)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Configuration) log.Logger {
	level, err := cfg.Level()
	if err != nil {
		return log.NewNopLogger()
	}
	return log.NewLogger(os.Stderr, log.LevelOption(level))
}

// parseClock turns the --time flag into a clock. Empty means the host
// clock; otherwise an RFC 3339 time or Unix seconds.
func parseClock(value string) (timeattr.Clock, error) {
	switch value {
	case "":
		return timeattr.SystemClock{}, nil
	case clockUnset:
		return timeattr.NewManualClock(time.Time{}), nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return timeattr.NewManualClock(t), nil
	}
	secs, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid --time %q: want RFC 3339, Unix seconds or %q", value, clockUnset)
	}
	return timeattr.NewManualClock(time.Unix(secs, 0).UTC()), nil
}

// session is a mounted flash image.
type session struct {
	cfg     *config.Configuration
	logger  log.Logger
	sim     *flash.Sim
	fs      *flashfs.FS
	metrics *metrics.Collector
}

type sessionOptions struct {
	bootCounter bool
	metrics     *metrics.Collector
}

// openSession opens the configured image and initializes the filesystem on
// it, formatting the partition if needed.
func openSession(cmd *cobra.Command, opts sessionOptions) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	timeFlag, _ := cmd.Flags().GetString(flagTime)
	clock, err := parseClock(timeFlag)
	if err != nil {
		return nil, err
	}
	geo, err := cfg.Geometry()
	if err != nil {
		return nil, err
	}

	sim, err := flash.OpenImage(cfg.Flash.Image, cfg.Flash.Size)
	if err != nil {
		return nil, err
	}

	fsys, err := flashfs.New(sim, sim,
		flashfs.WithRegion(cfg.Flash.Partition),
		flashfs.WithGeometry(geo),
		flashfs.WithHandles(cfg.Filesystem.Handles),
		flashfs.WithClock(clock),
		flashfs.WithLogger(logger),
		flashfs.WithMetrics(opts.metrics),
		flashfs.WithBootCounter(opts.bootCounter && cfg.Filesystem.BootCounter),
	)
	if err == nil {
		err = fsys.Init()
	}
	if err != nil {
		sim.Close()
		var fatal *flashfs.FatalError
		if errors.As(err, &fatal) {
			logger.Error("flash filesystem unusable", "op", fatal.Op, "err", fatal.Err)
		}
		return nil, err
	}

	return &session{cfg: cfg, logger: logger, sim: sim, fs: fsys, metrics: opts.metrics}, nil
}

func (s *session) Close() error {
	return errors.Join(s.fs.Unmount(), s.sim.Close())
}
