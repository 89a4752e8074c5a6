// Package config loads and validates the proxy's TOML configuration and
// watches it for changes. Grounded on wlkek-mcbeproxy's internal/config
// (ConfigManager, fsnotify-based Watch/StopWatch), ported from its
// JSON-tagged ServerConfig to TOML decoding via github.com/BurntSushi/toml,
// the only TOML library present anywhere in the retrieved example corpus
// (Summpot-prism's internal/config).
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// ErrInvalid wraps every validation failure Load/Validate produce.
var ErrInvalid = errors.New("config: invalid")

// Backend is one entry in the [[backend.servers]] list.
type Backend struct {
	ID      string `toml:"id"`
	Address string `toml:"address"`
}

// BackendGroup is the [backend] table: the fleet plus its health/MOTD
// cadence settings.
type BackendGroup struct {
	HealthCheckRate string    `toml:"health_check_rate"`
	MotdRefreshRate string    `toml:"motd_refresh_rate"`
	MotdSource      string    `toml:"motd_source"`
	Servers         []Backend `toml:"servers"`
}

// Snapshot is the [snapshot] table: optional best-effort session snapshot
// settings (spec §4.12).
type Snapshot struct {
	Enabled  bool   `toml:"enabled"`
	Path     string `toml:"path"`
	Interval string `toml:"interval"`
}

// Config is the proxy's full configuration, decoded directly from TOML.
type Config struct {
	Bind              string       `toml:"bind"`
	ProxyBind         string       `toml:"proxy_bind"`
	LoadBalanceMethod string       `toml:"load_balance_method"`
	ProxyProtocol     bool         `toml:"proxy_protocol"`
	IdleTimeout       string       `toml:"idle_timeout"`
	FailureThreshold  int          `toml:"failure_threshold"`
	ReapInterval      string       `toml:"reap_interval"`
	Backend           BackendGroup `toml:"backend"`
	SnapshotCfg       Snapshot     `toml:"snapshot"`
}

// Defaults applied to fields left unset in the TOML source, matching the
// values spec §4.11 names.
const (
	DefaultIdleTimeout      = 30 * time.Second
	DefaultFailureThreshold = 3
	DefaultReapInterval     = 5 * time.Second
	DefaultHealthCheckRate  = 5 * time.Second
	DefaultMotdRefreshRate  = 10 * time.Second
)

// Load reads and decodes the TOML file at path, applies defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.IdleTimeout == "" {
		c.IdleTimeout = DefaultIdleTimeout.String()
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.ReapInterval == "" {
		c.ReapInterval = DefaultReapInterval.String()
	}
	if c.Backend.HealthCheckRate == "" {
		c.Backend.HealthCheckRate = DefaultHealthCheckRate.String()
	}
	if c.Backend.MotdRefreshRate == "" {
		c.Backend.MotdRefreshRate = DefaultMotdRefreshRate.String()
	}
	if c.LoadBalanceMethod == "" {
		c.LoadBalanceMethod = "round_robin"
	}
}

// Validate checks the decoded config for the constraints spec §4.11 and §7
// require, wrapping every failure in ErrInvalid.
func (c *Config) Validate() error {
	if c.Bind == "" {
		return fmt.Errorf("%w: bind must be set", ErrInvalid)
	}
	if _, _, err := net.SplitHostPort(c.Bind); err != nil {
		return fmt.Errorf("%w: bind: %v", ErrInvalid, err)
	}
	if c.LoadBalanceMethod != "round_robin" && c.LoadBalanceMethod != "least_connected" {
		return fmt.Errorf("%w: unknown load_balance_method %q", ErrInvalid, c.LoadBalanceMethod)
	}
	if len(c.Backend.Servers) == 0 {
		return fmt.Errorf("%w: backend.servers must not be empty", ErrInvalid)
	}

	seen := make(map[string]bool, len(c.Backend.Servers))
	for _, b := range c.Backend.Servers {
		if b.ID == "" {
			return fmt.Errorf("%w: backend server missing id", ErrInvalid)
		}
		if seen[b.ID] {
			return fmt.Errorf("%w: duplicate backend id %q", ErrInvalid, b.ID)
		}
		seen[b.ID] = true
		if _, err := net.ResolveUDPAddr("udp", b.Address); err != nil {
			return fmt.Errorf("%w: backend %q address: %v", ErrInvalid, b.ID, err)
		}
	}

	if _, err := time.ParseDuration(c.IdleTimeout); err != nil {
		return fmt.Errorf("%w: idle_timeout: %v", ErrInvalid, err)
	}
	if _, err := time.ParseDuration(c.ReapInterval); err != nil {
		return fmt.Errorf("%w: reap_interval: %v", ErrInvalid, err)
	}
	if _, err := time.ParseDuration(c.Backend.HealthCheckRate); err != nil {
		return fmt.Errorf("%w: backend.health_check_rate: %v", ErrInvalid, err)
	}
	if _, err := time.ParseDuration(c.Backend.MotdRefreshRate); err != nil {
		return fmt.Errorf("%w: backend.motd_refresh_rate: %v", ErrInvalid, err)
	}
	if c.Backend.MotdSource != "" {
		if _, err := net.ResolveUDPAddr("udp", c.Backend.MotdSource); err != nil {
			return fmt.Errorf("%w: backend.motd_source: %v", ErrInvalid, err)
		}
	}
	if c.SnapshotCfg.Enabled {
		if c.SnapshotCfg.Path == "" {
			return fmt.Errorf("%w: snapshot.path must be set when snapshot.enabled", ErrInvalid)
		}
		if _, err := time.ParseDuration(c.SnapshotCfg.Interval); err != nil {
			return fmt.Errorf("%w: snapshot.interval: %v", ErrInvalid, err)
		}
	}
	return nil
}

// IdleTimeoutDuration, ReapIntervalDuration, HealthCheckRateDuration, and
// MotdRefreshRateDuration parse the corresponding string fields. Validate
// guarantees they parse cleanly, so these panic on failure the way a
// double-checked invariant violation should rather than propagate a
// should-never-happen error.
func (c *Config) IdleTimeoutDuration() time.Duration      { return mustParse(c.IdleTimeout) }
func (c *Config) ReapIntervalDuration() time.Duration     { return mustParse(c.ReapInterval) }
func (c *Config) HealthCheckRateDuration() time.Duration  { return mustParse(c.Backend.HealthCheckRate) }
func (c *Config) MotdRefreshRateDuration() time.Duration  { return mustParse(c.Backend.MotdRefreshRate) }

func mustParse(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("config: invariant violated, unparsable duration %q: %v", s, err))
	}
	return d
}

// PinnedMotdSource returns the configured motd_source, or "" if unset. An
// unset motd_source means the MOTD refresher must pick a live backend
// dynamically (the first one currently up, per spec §4.2) rather than a
// single address fixed at load time — that health-aware choice belongs to
// the fleet controller, not this static config accessor.
func (c *Config) PinnedMotdSource() string {
	return c.Backend.MotdSource
}

// fileExists is a small helper used by the watcher to confirm a config path
// is readable before attempting to reload it.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
