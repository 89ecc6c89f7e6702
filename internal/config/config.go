// Package config loads and validates the YAML runtime configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Master  MasterConfig  `yaml:"master"`
	Replica ReplicaConfig `yaml:"replica"`
	Relay   RelayConfig   `yaml:"relay"`
	Log     LogConfig     `yaml:"log"`
	HTTP    HTTPConfig    `yaml:"http"`

	path string
}

// MasterConfig names the master to attach to.
type MasterConfig struct {
	Addr               string `yaml:"addr"`
	DialTimeoutSeconds int    `yaml:"dialTimeoutSeconds"`
}

// ReplicaConfig tunes the local side.
type ReplicaConfig struct {
	Reactors       int    `yaml:"reactors"`
	StateDir       string `yaml:"stateDir"`
	StatusFile     string `yaml:"statusFile"`
	CheckpointFile string `yaml:"checkpointFile"`
}

// RelayConfig optionally forwards the replicated stream to another
// Redis-compatible endpoint.
type RelayConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Addr              string `yaml:"addr"`
	Password          string `yaml:"password"`
	MaxCommandsPerSec int    `yaml:"maxCommandsPerSec"`
}

// LogConfig controls the file logger.
type LogConfig struct {
	Dir        string `yaml:"dir"`
	Level      string `yaml:"level"`
	FilePrefix string `yaml:"filePrefix"`
}

// HTTPConfig optionally exposes the status endpoint.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.path = path
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Master.DialTimeoutSeconds == 0 {
		c.Master.DialTimeoutSeconds = 10
	}
	if c.Replica.StateDir == "" {
		c.Replica.StateDir = "state"
	}
	if c.Replica.StatusFile == "" {
		c.Replica.StatusFile = "status.json"
	}
	if c.Replica.CheckpointFile == "" {
		c.Replica.CheckpointFile = "checkpoint.json"
	}
	if c.Log.Dir == "" {
		c.Log.Dir = "logs"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.FilePrefix == "" {
		c.Log.FilePrefix = "dfreplica"
	}
}

// Validate checks the fields that have no usable default.
func (c *Config) Validate() error {
	var errs []string
	if c.Master.Addr == "" {
		errs = append(errs, "master.addr is required (host:port)")
	} else if _, _, err := net.SplitHostPort(c.Master.Addr); err != nil {
		errs = append(errs, fmt.Sprintf("master.addr %q is not host:port", c.Master.Addr))
	}
	if c.Relay.Enabled && c.Relay.Addr == "" {
		errs = append(errs, "relay.addr is required when relay.enabled")
	}
	if c.Relay.MaxCommandsPerSec < 0 {
		errs = append(errs, "relay.maxCommandsPerSec must be >= 0")
	}
	if c.Replica.Reactors < 0 {
		errs = append(errs, "replica.reactors must be >= 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ResolveStateDir returns the state directory relative to the config file.
func (c *Config) ResolveStateDir() string {
	return c.resolve(c.Replica.StateDir)
}

// StatusFilePath returns the status file path inside the resolved state
// directory.
func (c *Config) StatusFilePath() string {
	return filepath.Join(c.ResolveStateDir(), c.Replica.StatusFile)
}

// CheckpointPath returns the checkpoint file path inside the resolved state
// directory.
func (c *Config) CheckpointPath() string {
	return filepath.Join(c.ResolveStateDir(), c.Replica.CheckpointFile)
}

// LogDir returns the log directory relative to the config file.
func (c *Config) LogDir() string {
	return c.resolve(c.Log.Dir)
}

// EnsureStateDir creates the state directory.
func (c *Config) EnsureStateDir() error {
	return os.MkdirAll(c.ResolveStateDir(), 0755)
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) || c.path == "" {
		return p
	}
	return filepath.Join(filepath.Dir(c.path), p)
}
