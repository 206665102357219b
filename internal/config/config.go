// Package config loads and validates the daemon's configuration file
// (§6). The format is TOML via github.com/BurntSushi/toml, a direct
// dependency of the caddyserver-caddy pack repo — its [section] tables
// map directly onto spec §6's "hierarchical key/value document with
// sections and typed leaves," more so than the teacher's own flat JSON
// config (config.Config in the retrieval pack has no sections at all).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Detection holds the per-source rate-accounting parameters.
type Detection struct {
	SynThreshold       uint32 `toml:"syn_threshold"`
	WindowMs           int    `toml:"window_ms"`
	ProcCheckIntervalS int    `toml:"proc_check_interval_s"`
}

// Enforcement holds blacklist backend parameters.
type Enforcement struct {
	BlockDurationS int    `toml:"block_duration_s"`
	IPSetName      string `toml:"ipset_name"`
}

// Limits holds source-map sizing parameters.
type Limits struct {
	MaxTrackedIPs int `toml:"max_tracked_ips"`
	HashBuckets   int `toml:"hash_buckets"`
}

// Capture selects and configures the packet acquisition layer.
type Capture struct {
	NFQueueNum   int  `toml:"nfqueue_num"`
	UseRawSocket bool `toml:"use_raw_socket"`
}

// Whitelist names the CIDR file to load.
type Whitelist struct {
	File string `toml:"file"`
}

// Logging configures the structured logger and metrics endpoint.
type Logging struct {
	Level         string `toml:"level"`
	Syslog        bool   `toml:"syslog"`
	MetricsSocket string `toml:"metrics_socket"`
}

// Config is the full validated configuration document.
type Config struct {
	Detection   Detection   `toml:"detection"`
	Enforcement Enforcement `toml:"enforcement"`
	Limits      Limits      `toml:"limits"`
	Capture     Capture     `toml:"capture"`
	Whitelist   Whitelist   `toml:"whitelist"`
	Logging     Logging     `toml:"logging"`
}

// DefaultPath returns the OS-standard config path: $XDG_CONFIG_HOME or
// ~/.config, joined with synwatchd/config.toml. It returns "" if the
// home directory cannot be determined, matching the teacher's
// config.Path's refusal to fall back to /tmp.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "synwatchd", "config.toml")
}

// Load reads and validates the TOML document at path. Any error here
// — missing file, unparseable TOML, or an out-of-range value — is
// fatal at startup (§4.H: "On validation failure: exit non-zero before
// any subsystem starts").
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// Validate checks every range constraint in §6's option table.
func (c *Config) Validate() error {
	if c.Detection.SynThreshold < 1 || c.Detection.SynThreshold > 1_000_000 {
		return fmt.Errorf("detection.syn_threshold must be in [1, 1000000], got %d", c.Detection.SynThreshold)
	}
	if c.Detection.WindowMs < 1 || c.Detection.WindowMs > 60_000 {
		return fmt.Errorf("detection.window_ms must be in [1, 60000], got %d", c.Detection.WindowMs)
	}
	if c.Detection.ProcCheckIntervalS < 1 || c.Detection.ProcCheckIntervalS > 3600 {
		return fmt.Errorf("detection.proc_check_interval_s must be in [1, 3600], got %d", c.Detection.ProcCheckIntervalS)
	}
	if c.Enforcement.BlockDurationS < 1 || c.Enforcement.BlockDurationS > 86_400 {
		return fmt.Errorf("enforcement.block_duration_s must be in [1, 86400], got %d", c.Enforcement.BlockDurationS)
	}
	if c.Enforcement.IPSetName == "" {
		return fmt.Errorf("enforcement.ipset_name must not be empty")
	}
	if c.Limits.MaxTrackedIPs < 1 || c.Limits.MaxTrackedIPs > 10_000_000 {
		return fmt.Errorf("limits.max_tracked_ips must be in [1, 10000000], got %d", c.Limits.MaxTrackedIPs)
	}
	if c.Limits.HashBuckets <= 0 || c.Limits.HashBuckets&(c.Limits.HashBuckets-1) != 0 {
		return fmt.Errorf("limits.hash_buckets must be a positive power of two, got %d", c.Limits.HashBuckets)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug/info/warn/error, got %q", c.Logging.Level)
	}
	return nil
}

// Default returns a Config with conservative defaults that pass
// Validate.
func Default() Config {
	return Config{
		Detection: Detection{
			SynThreshold:       100,
			WindowMs:           1000,
			ProcCheckIntervalS: 5,
		},
		Enforcement: Enforcement{
			BlockDurationS: 3600,
			IPSetName:      "synwatchd-blacklist",
		},
		Limits: Limits{
			MaxTrackedIPs: 10_000,
			HashBuckets:   16_384,
		},
		Capture: Capture{
			UseRawSocket: true,
		},
		Logging: Logging{
			Level:         "info",
			MetricsSocket: "/run/synwatchd/metrics.sock",
		},
	}
}
