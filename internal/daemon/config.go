// Package daemon manages the vibes runtime lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/wustus/vibes/internal/app/session"
	"github.com/wustus/vibes/internal/domain"
	"github.com/wustus/vibes/internal/infra/clocksync"
	"github.com/wustus/vibes/internal/infra/discovery"
	"github.com/wustus/vibes/internal/infra/election"
	"github.com/wustus/vibes/internal/infra/network"
)

// Config holds all daemon configuration.
type Config struct {
	Node      NodeConfig      `toml:"node"`
	Ports     network.Ports   `toml:"ports"`
	Discovery DiscoveryConfig `toml:"discovery"`
	Reliable  ReliableConfig  `toml:"reliable"`
	Election  ElectionConfig  `toml:"election"`
	Clock     ClockConfig     `toml:"clock"`
	API       APIConfig       `toml:"api"`
	Store     StoreConfig     `toml:"store"`
	Logging   LoggingConfig   `toml:"logging"`
}

// NodeConfig identifies this device and the session it joins.
type NodeConfig struct {
	Address        string `toml:"address"`   // empty picks the interface address
	Interface      string `toml:"interface"` // empty picks the first usable one
	Devices        int    `toml:"devices"`   // session size, self included
	Router         string `toml:"router"`
	MulticastGroup string `toml:"multicast_group"`
}

// DiscoveryConfig controls peer discovery.
type DiscoveryConfig struct {
	PollInterval string `toml:"poll_interval"`
	Timeout      string `toml:"timeout"`
}

// ReliableConfig controls acknowledged sends.
type ReliableConfig struct {
	AckWindow  string `toml:"ack_window"`
	MaxRetries int    `toml:"max_retries"`
}

// ElectionConfig controls the coordinator tournament.
type ElectionConfig struct {
	Timeout          string `toml:"timeout"`
	ResponseTimeout  string `toml:"response_timeout"`
	MoveTimeout      string `toml:"move_timeout"`
	PassiveTimeout   string `toml:"passive_timeout"`
	MaxDeclineRounds int    `toml:"max_decline_rounds"`
}

// ClockConfig controls clock synchronization and the start handshake.
type ClockConfig struct {
	Samples       int    `toml:"samples"`
	SampleSpacing string `toml:"sample_spacing"`
	ProbeTimeout  string `toml:"probe_timeout"`
	ProbeRetries  int    `toml:"probe_retries"`
	LeadTime      string `toml:"lead_time"`
	SyncTimeout   string `toml:"sync_timeout"`
	StartTimeout  string `toml:"start_timeout"`
	// Linger keeps the time server up after the session so slower peers
	// can still fetch the start time.
	Linger string `toml:"linger"`
}

// APIConfig controls the HTTP status API.
type APIConfig struct {
	Enabled     bool     `toml:"enabled"`
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// StoreConfig controls session history.
type StoreConfig struct {
	Dir       string `toml:"dir"`
	Retention string `toml:"retention"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Node: NodeConfig{
			Devices:        2,
			MulticastGroup: "239.255.255.250",
		},
		Ports: network.DefaultPorts(),
		Discovery: DiscoveryConfig{
			PollInterval: "300ms",
			Timeout:      "1m",
		},
		Reliable: ReliableConfig{
			AckWindow:  "1.5s",
			MaxRetries: 3,
		},
		Election: ElectionConfig{
			Timeout:         "2m",
			ResponseTimeout: "8s",
			MoveTimeout:     "10s",
			PassiveTimeout:  "3s",
		},
		Clock: ClockConfig{
			Samples:       10,
			SampleSpacing: "50ms",
			ProbeTimeout:  "1s",
			ProbeRetries:  3,
			LeadTime:      "2s",
			SyncTimeout:   "30s",
			StartTimeout:  "30s",
			Linger:        "10s",
		},
		API: APIConfig{
			Enabled:     true,
			Host:        "127.0.0.1",
			Port:        7700,
			CORSOrigins: []string{"*"},
		},
		Store: StoreConfig{
			Dir:       vibesHome(),
			Retention: "720h",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads config from $VIBES_HOME/config.toml, falling back to
// defaults. VIBES_DEVICES and VIBES_INTERFACE override the file.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := ConfigPath()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// SaveConfig writes the config to $VIBES_HOME/config.toml.
func SaveConfig(cfg Config) error {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// ConfigPath returns the config file location.
func ConfigPath() string {
	return filepath.Join(vibesHome(), "config.toml")
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("VIBES_DEVICES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("VIBES_DEVICES=%q: want a positive integer", v)
		}
		c.Node.Devices = n
	}
	if v := os.Getenv("VIBES_INTERFACE"); v != "" {
		c.Node.Interface = v
	}
	return nil
}

// SessionConfig converts the file settings into stage configurations.
func (c Config) SessionConfig() session.Config {
	d := session.DefaultConfig()
	return session.Config{
		Discovery: discovery.Config{
			Devices:        c.Node.Devices,
			PollInterval:   parseDuration(c.Discovery.PollInterval, d.Discovery.PollInterval),
			Timeout:        parseDuration(c.Discovery.Timeout, d.Discovery.Timeout),
			Router:         domain.DeviceAddress(c.Node.Router),
			MulticastGroup: domain.DeviceAddress(c.Node.MulticastGroup),
		},
		Election: election.Config{
			Timeout:          parseDuration(c.Election.Timeout, d.Election.Timeout),
			ResponseTimeout:  parseDuration(c.Election.ResponseTimeout, d.Election.ResponseTimeout),
			MoveTimeout:      parseDuration(c.Election.MoveTimeout, d.Election.MoveTimeout),
			PassiveTimeout:   parseDuration(c.Election.PassiveTimeout, d.Election.PassiveTimeout),
			MaxDeclineRounds: c.Election.MaxDeclineRounds,
		},
		ClockServer: clocksync.ServerConfig{
			LeadTime: parseDuration(c.Clock.LeadTime, d.ClockServer.LeadTime),
		},
		ClockClient: clocksync.ClientConfig{
			Samples:           orDefault(c.Clock.Samples, d.ClockClient.Samples),
			SampleSpacing:     parseDuration(c.Clock.SampleSpacing, d.ClockClient.SampleSpacing),
			ProbeTimeout:      parseDuration(c.Clock.ProbeTimeout, d.ClockClient.ProbeTimeout),
			ProbeRetries:      orDefault(c.Clock.ProbeRetries, d.ClockClient.ProbeRetries),
			StartPollInterval: d.ClockClient.StartPollInterval,
		},
		SyncTimeout:  parseDuration(c.Clock.SyncTimeout, d.SyncTimeout),
		StartTimeout: parseDuration(c.Clock.StartTimeout, d.StartTimeout),
	}
}

// ReliableConfig converts the ack settings.
func (c Config) ReliableConfig() network.ReliableConfig {
	d := network.DefaultReliableConfig()
	return network.ReliableConfig{
		AckWindow:  parseDuration(c.Reliable.AckWindow, d.AckWindow),
		MaxRetries: orDefault(c.Reliable.MaxRetries, d.MaxRetries),
	}
}

// FabricConfig returns the fabric settings for a device at self.
func (c Config) FabricConfig(self domain.DeviceAddress) network.FabricConfig {
	fc := network.DefaultFabricConfig(self)
	fc.Ports = c.Ports
	if c.Node.MulticastGroup != "" {
		fc.MulticastGroup = c.Node.MulticastGroup
	}
	return fc
}

// vibesHome returns the vibes data directory.
func vibesHome() string {
	if env := os.Getenv("VIBES_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".vibes")
}

// VibesHome is exported for use by other packages.
func VibesHome() string {
	return vibesHome()
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
