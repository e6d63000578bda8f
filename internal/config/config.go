package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/nadalle/bcachefs-tools/internal/device"
)

const (
	// DefaultConfigPath is the default location for the config file
	DefaultConfigPath = "/etc/bchtest/config.toml"
	// DefaultBcachefs is the filesystem binary exercised by the harness
	DefaultBcachefs = "bcachefs"
	// DefaultFusermount is the unmount tool
	DefaultFusermount = "fusermount3"
	// DefaultValgrind is the memory-safety checker wrapping supervised
	// processes
	DefaultValgrind = "valgrind"
	// DefaultDeviceSize is the device image size
	DefaultDeviceSize = "1GiB"
	// DefaultReadyTimeout bounds the wait for the readiness marker
	DefaultReadyTimeout = 60 * time.Second
	// DefaultUnmountTimeout is the grace period before a forced kill
	DefaultUnmountTimeout = 5 * time.Second
)

// Duration wraps time.Duration so TOML values like "5s" decode.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config holds the harness configuration
type Config struct {
	// Bcachefs is the path to the bcachefs binary under test
	Bcachefs string `toml:"bcachefs"`
	// Fusermount is the unmount tool invoked at teardown
	Fusermount string `toml:"fusermount"`
	// Valgrind enables wrapping supervised processes with valgrind
	Valgrind *bool `toml:"valgrind"`
	// ValgrindPath is the valgrind binary
	ValgrindPath string `toml:"valgrind_path"`
	// DeviceSize is the device image size, e.g. "1GiB"
	DeviceSize string `toml:"device_size"`
	// WorkDir is where device images and mountpoints are created.
	// Empty means a fresh temporary directory per run.
	WorkDir string `toml:"work_dir"`
	// ReadyTimeout bounds the wait for the readiness marker
	ReadyTimeout Duration `toml:"ready_timeout"`
	// UnmountTimeout is the graceful-shutdown grace period
	UnmountTimeout Duration `toml:"unmount_timeout"`
}

// Load loads configuration from a TOML file
// Returns an empty config if the file doesn't exist
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// Merge merges CLI flags into the config, with CLI flags taking
// precedence over config file values. Empty CLI values are ignored;
// valgrind merges only when the flag was set explicitly.
func (c *Config) Merge(bcachefs, fusermount, deviceSize, workDir string, valgrind *bool) {
	if bcachefs != "" {
		c.Bcachefs = bcachefs
	}
	if fusermount != "" {
		c.Fusermount = fusermount
	}
	if deviceSize != "" {
		c.DeviceSize = deviceSize
	}
	if workDir != "" {
		c.WorkDir = workDir
	}
	if valgrind != nil {
		c.Valgrind = valgrind
	}
}

// ApplyDefaults applies default values for any unset fields
func (c *Config) ApplyDefaults() {
	if c.Bcachefs == "" {
		c.Bcachefs = DefaultBcachefs
	}
	if c.Fusermount == "" {
		c.Fusermount = DefaultFusermount
	}
	if c.Valgrind == nil {
		enabled := true
		c.Valgrind = &enabled
	}
	if c.ValgrindPath == "" {
		c.ValgrindPath = DefaultValgrind
	}
	if c.DeviceSize == "" {
		c.DeviceSize = DefaultDeviceSize
	}
	if c.ReadyTimeout.Duration <= 0 {
		c.ReadyTimeout.Duration = DefaultReadyTimeout
	}
	if c.UnmountTimeout.Duration <= 0 {
		c.UnmountTimeout.Duration = DefaultUnmountTimeout
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Bcachefs == "" {
		return fmt.Errorf("bcachefs binary path is required (use --bcachefs or set 'bcachefs' in config file)")
	}

	if _, err := device.ParseSize(c.DeviceSize); err != nil {
		return fmt.Errorf("invalid device size %q: %w", c.DeviceSize, err)
	}

	return nil
}

// ValgrindEnabled reports whether supervised processes are wrapped with
// valgrind. Defaults to enabled.
func (c *Config) ValgrindEnabled() bool {
	return c.Valgrind == nil || *c.Valgrind
}
