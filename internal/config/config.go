package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultLibvirtSocket = "/var/run/libvirt/libvirt-sock"
	defaultStateDir      = "/var/lib/veil"
	defaultMetricsAddr   = ":9477"
	defaultDiskCapGiB    = 50
	defaultPollInterval  = "500ms"
	defaultGracePeriod   = "10s"
)

// Config is the service configuration.
type Config struct {
	// LibvirtSocket is the local libvirt daemon socket.
	LibvirtSocket string `yaml:"libvirt_socket,omitempty"`

	// StateDir holds disk images, staged memory state and the profile
	// registry. Snapshots live under SnapshotDir, which defaults to a
	// subdirectory of StateDir.
	StateDir    string `yaml:"state_dir,omitempty"`
	SnapshotDir string `yaml:"snapshot_dir,omitempty"`

	// ProfileRegistry is the YAML file persisting hardware profiles.
	ProfileRegistry string `yaml:"profile_registry,omitempty"`

	// DiskCapGiB is the per-VM disk allocation ceiling.
	DiskCapGiB int `yaml:"disk_cap_gib,omitempty"`

	// MetricsAddr is the prometheus listen address.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	// LogLevel is one of "debug" or "info".
	LogLevel string `yaml:"log_level,omitempty"`

	Monitor MonitorConfig `yaml:"monitor,omitempty"`
}

// MonitorConfig tunes the resource monitor.
type MonitorConfig struct {
	PollInterval string `yaml:"poll_interval,omitempty"` // e.g. "500ms"
	GracePeriod  string `yaml:"grace_period,omitempty"`  // e.g. "10s"

	// Derived fields (not in YAML, parsed from the strings above)
	Interval time.Duration `yaml:"-"`
	Grace    time.Duration `yaml:"-"`
}

// Default returns the configuration used when no config file is given.
func Default() *Config {
	c := &Config{}
	c.Normalize()
	if err := c.resolveDurations(); err != nil {
		// The built-in duration literals always parse.
		panic(err)
	}
	return c
}

// Normalize fills in defaults for unset fields. Called automatically by
// LoadFromFile before validation.
func (c *Config) Normalize() {
	c.LibvirtSocket = strings.TrimSpace(c.LibvirtSocket)
	if c.LibvirtSocket == "" {
		c.LibvirtSocket = defaultLibvirtSocket
	}

	c.StateDir = strings.TrimSpace(c.StateDir)
	if c.StateDir == "" {
		c.StateDir = defaultStateDir
	}
	if c.SnapshotDir == "" {
		c.SnapshotDir = filepath.Join(c.StateDir, "snapshots")
	}
	if c.ProfileRegistry == "" {
		c.ProfileRegistry = filepath.Join(c.StateDir, "profiles.yaml")
	}

	if c.DiskCapGiB == 0 {
		c.DiskCapGiB = defaultDiskCapGiB
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = defaultMetricsAddr
	}

	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Monitor.PollInterval == "" {
		c.Monitor.PollInterval = defaultPollInterval
	}
	if c.Monitor.GracePeriod == "" {
		c.Monitor.GracePeriod = defaultGracePeriod
	}
}

// Validate checks the configuration for errors. Does not touch the
// filesystem or the hypervisor - only config structure.
func (c *Config) Validate() error {
	if !filepath.IsAbs(c.StateDir) {
		return fmt.Errorf("state_dir must be an absolute path, got %q", c.StateDir)
	}
	if !filepath.IsAbs(c.SnapshotDir) {
		return fmt.Errorf("snapshot_dir must be an absolute path, got %q", c.SnapshotDir)
	}
	if !filepath.IsAbs(c.ProfileRegistry) {
		return fmt.Errorf("profile_registry must be an absolute path, got %q", c.ProfileRegistry)
	}

	if c.DiskCapGiB < 0 {
		return fmt.Errorf("disk_cap_gib must be >= 0, got %d", c.DiskCapGiB)
	}

	if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
		return fmt.Errorf("invalid metrics_addr %q: %w", c.MetricsAddr, err)
	}

	switch c.LogLevel {
	case "debug", "info":
	default:
		return fmt.Errorf("log_level must be \"debug\" or \"info\", got %q", c.LogLevel)
	}

	if err := c.Monitor.Validate(); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}

	return nil
}

// Validate checks the monitor settings.
func (m *MonitorConfig) Validate() error {
	interval, err := time.ParseDuration(m.PollInterval)
	if err != nil {
		return fmt.Errorf("invalid poll_interval %q: %w", m.PollInterval, err)
	}
	if interval <= 0 {
		return fmt.Errorf("poll_interval must be > 0, got %q", m.PollInterval)
	}
	if interval > time.Second {
		return fmt.Errorf("poll_interval must be <= 1s, got %q", m.PollInterval)
	}

	grace, err := time.ParseDuration(m.GracePeriod)
	if err != nil {
		return fmt.Errorf("invalid grace_period %q: %w", m.GracePeriod, err)
	}
	if grace <= 0 {
		return fmt.Errorf("grace_period must be > 0, got %q", m.GracePeriod)
	}

	return nil
}

// DiskCapBytes returns the per-VM disk ceiling in bytes. Zero means the
// built-in default applies downstream.
func (c *Config) DiskCapBytes() uint64 {
	return uint64(c.DiskCapGiB) * 1024 * 1024 * 1024
}

// resolveDurations parses the duration strings into the derived fields.
// Must be called after validation.
func (c *Config) resolveDurations() error {
	interval, err := time.ParseDuration(c.Monitor.PollInterval)
	if err != nil {
		return fmt.Errorf("invalid poll_interval %q: %w", c.Monitor.PollInterval, err)
	}
	grace, err := time.ParseDuration(c.Monitor.GracePeriod)
	if err != nil {
		return fmt.Errorf("invalid grace_period %q: %w", c.Monitor.GracePeriod, err)
	}
	c.Monitor.Interval = interval
	c.Monitor.Grace = grace
	return nil
}

// LoadFromFile loads the service configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Normalize user input before validation
	config.Normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := config.resolveDurations(); err != nil {
		return nil, err
	}

	return &config, nil
}
