package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"

	"github.com/dendrascience/flashfs/blockdev"
	"github.com/dendrascience/flashfs/flash"
	"github.com/dendrascience/flashfs/handles"
)

// DefaultFlashSize is the capacity of the external flash on the board.
const DefaultFlashSize uint32 = 8 << 20

// Configuration is the complete flashfs configuration.
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Flash      FlashConfig      `yaml:"flash"`
	Filesystem FilesystemConfig `yaml:"filesystem"`
}

// GlobalConfig holds process-wide settings.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// FlashConfig describes the flash image and the partition the filesystem
// lives in.
type FlashConfig struct {
	Image     string       `yaml:"image"`
	Size      uint32       `yaml:"size"`
	Partition flash.Region `yaml:"partition"`
}

// FilesystemConfig is the block device geometry and facade settings.
type FilesystemConfig struct {
	ReadSize      uint32 `yaml:"read_size"`
	ProgSize      uint32 `yaml:"prog_size"`
	CacheSize     uint32 `yaml:"cache_size"`
	BlockSize     uint32 `yaml:"block_size"`
	LookaheadSize uint32 `yaml:"lookahead_size"`
	BlockCycles   int32  `yaml:"block_cycles"`
	Handles       int    `yaml:"handles"`
	BootCounter   bool   `yaml:"boot_counter"`
}

// NewDefault returns the board configuration.
func NewDefault() *Configuration {
	geo := blockdev.DefaultGeometry()
	return &Configuration{
		Global: GlobalConfig{
			LogLevel: "info",
		},
		Flash: FlashConfig{
			Image: "flash.img",
			Size:  DefaultFlashSize,
			Partition: flash.Region{
				Start: 0,
				End:   1 << 20,
			},
		},
		Filesystem: FilesystemConfig{
			ReadSize:      geo.ReadSize,
			ProgSize:      geo.ProgSize,
			CacheSize:     geo.CacheSize,
			BlockSize:     geo.BlockSize,
			LookaheadSize: geo.LookaheadSize,
			BlockCycles:   geo.BlockCycles,
			Handles:       handles.MaxSlots,
			BootCounter:   true,
		},
	}
}

// LoadFromFile merges a YAML file into c.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv merges FLASHFS_* environment variables into c. Unparsable
// numbers are reported rather than ignored.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("FLASHFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("FLASHFS_METRICS_ADDR"); val != "" {
		c.Global.MetricsAddr = val
	}
	if val := os.Getenv("FLASHFS_IMAGE"); val != "" {
		c.Flash.Image = val
	}

	uints := []struct {
		key string
		dst *uint32
	}{
		{"FLASHFS_FLASH_SIZE", &c.Flash.Size},
		{"FLASHFS_PARTITION_START", &c.Flash.Partition.Start},
		{"FLASHFS_PARTITION_END", &c.Flash.Partition.End},
		{"FLASHFS_READ_SIZE", &c.Filesystem.ReadSize},
		{"FLASHFS_PROG_SIZE", &c.Filesystem.ProgSize},
		{"FLASHFS_CACHE_SIZE", &c.Filesystem.CacheSize},
		{"FLASHFS_BLOCK_SIZE", &c.Filesystem.BlockSize},
		{"FLASHFS_LOOKAHEAD_SIZE", &c.Filesystem.LookaheadSize},
	}
	for _, u := range uints {
		val := os.Getenv(u.key)
		if val == "" {
			continue
		}
		n, err := strconv.ParseUint(val, 0, 32)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", u.key, err)
		}
		*u.dst = uint32(n)
	}

	if val := os.Getenv("FLASHFS_BLOCK_CYCLES"); val != "" {
		n, err := strconv.ParseInt(val, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid FLASHFS_BLOCK_CYCLES: %w", err)
		}
		c.Filesystem.BlockCycles = int32(n)
	}
	if val := os.Getenv("FLASHFS_HANDLES"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid FLASHFS_HANDLES: %w", err)
		}
		c.Filesystem.Handles = n
	}
	if val := os.Getenv("FLASHFS_BOOT_COUNTER"); val != "" {
		c.Filesystem.BootCounter = strings.ToLower(val) == "true"
	}

	return nil
}

// SaveToFile writes c as YAML, creating the parent directory.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the merged configuration.
func (c *Configuration) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}

	p := c.Flash.Partition
	switch {
	case c.Flash.Size == 0:
		return fmt.Errorf("flash size must be greater than 0")
	case p.Len() == 0:
		return fmt.Errorf("partition %s is empty", p)
	case p.End > c.Flash.Size:
		return fmt.Errorf("partition %s exceeds flash size %d", p, c.Flash.Size)
	case p.Start%flash.SectorSize != 0 || p.End%flash.SectorSize != 0:
		return fmt.Errorf("partition %s is not sector aligned", p)
	}

	if c.Filesystem.Handles < 1 || c.Filesystem.Handles > handles.MaxSlots {
		return fmt.Errorf("handles must be between 1 and %d, got %d", handles.MaxSlots, c.Filesystem.Handles)
	}

	if _, err := c.Geometry(); err != nil {
		return err
	}
	return nil
}

// Level parses the configured log level.
func (c *Configuration) Level() (zerolog.Level, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Global.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.NoLevel, fmt.Errorf("invalid log_level: %q (must be one of: debug, info, warn, error)", c.Global.LogLevel)
	}
	return level, nil
}

// Geometry returns the block device geometry for the partition. The block
// count is derived from the partition length.
func (c *Configuration) Geometry() (blockdev.Geometry, error) {
	fs := c.Filesystem
	if fs.BlockSize == 0 {
		return blockdev.Geometry{}, fmt.Errorf("block_size must be greater than 0")
	}
	if fs.BlockSize%flash.SectorSize != 0 {
		return blockdev.Geometry{}, fmt.Errorf("block_size %d is not a multiple of the %d byte flash sector",
			fs.BlockSize, flash.SectorSize)
	}
	if fs.ProgSize%flash.PageSize != 0 {
		return blockdev.Geometry{}, fmt.Errorf("prog_size %d is not a multiple of the %d byte flash page",
			fs.ProgSize, flash.PageSize)
	}
	if c.Flash.Partition.Len()%fs.BlockSize != 0 {
		return blockdev.Geometry{}, fmt.Errorf("partition length %d is not a multiple of block_size %d",
			c.Flash.Partition.Len(), fs.BlockSize)
	}
	geo := blockdev.Geometry{
		ReadSize:      fs.ReadSize,
		ProgSize:      fs.ProgSize,
		CacheSize:     fs.CacheSize,
		LookaheadSize: fs.LookaheadSize,
		BlockSize:     fs.BlockSize,
		BlockCount:    c.Flash.Partition.Len() / fs.BlockSize,
		BlockCycles:   fs.BlockCycles,
	}
	if err := geo.Validate(); err != nil {
		return blockdev.Geometry{}, err
	}
	return geo, nil
}
