// Package config loads the process-wide CoreConfig that every StoneGate Core
// subsystem is constructed from, replacing the ad hoc global state the
// original implementation relied on for build info and the recordings
// directory.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BuildInfo identifies the running binary in backend.info RPC replies.
type BuildInfo struct {
	GitCommit string `yaml:"git_commit"`
	BuildTime string `yaml:"build_time"`
}

// CoreConfig is the injected configuration every subsystem is built from.
// It is constructed once at startup (from file + environment) and passed by
// value or pointer to constructors; nothing in the core reads a package-level
// global.
type CoreConfig struct {
	Port              int           `yaml:"port"`
	RecordingsDir     string        `yaml:"recordings_dir"`
	GraphPath         string        `yaml:"graph_path"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
	MetricsBackend    string        `yaml:"metrics_backend"`
	LogLevel          string        `yaml:"log_level"`
	Build             BuildInfo     `yaml:"build"`
}

const (
	envRecordingsDir = "STONEGATE_RECORDINGS_DIR"
	envGraphPath     = "STONEGATE_GRAPH_PATH"
	envRedisAddr     = "STONEGATE_REDIS_ADDR"
	envEnvironment   = "STONEGATE_ENV"

	defaultPort              = 8080
	defaultRecordingsSubdir  = "shared/recordings"
	defaultTickInterval      = 200 * time.Millisecond
	defaultBroadcastInterval = 500 * time.Millisecond
)

// Default returns the zero-file configuration: simulator-mode port 8080,
// `<repoRoot>/shared/recordings`, a 200ms physics tick and a 500ms broadcast
// tick, matching spec §4.4/§4.7/§8.
func Default(repoRoot string) CoreConfig {
	return CoreConfig{
		Port:              defaultPort,
		RecordingsDir:     repoRoot + "/" + defaultRecordingsSubdir,
		TickInterval:      defaultTickInterval,
		BroadcastInterval: defaultBroadcastInterval,
		MetricsBackend:    "noop",
		LogLevel:          "info",
	}
}

// Load reads a YAML CoreConfig document from path, applies Default for any
// zero-valued field, then layers environment-variable overrides on top.
func Load(path, repoRoot string) (CoreConfig, error) {
	cfg := Default(repoRoot)
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return CoreConfig{}, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return CoreConfig{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return CoreConfig{}, err
	}
	return cfg, nil
}

func (c *CoreConfig) applyEnvOverrides() {
	if v := os.Getenv(envRecordingsDir); v != "" {
		c.RecordingsDir = v
	}
	if v := os.Getenv(envGraphPath); v != "" {
		c.GraphPath = v
	}
}

// RedisAddr returns the optional recorder mirror address and whether it was
// configured. See SPEC_FULL.md's domain-stack entry for go-redis.
func RedisAddr() (string, bool) {
	v := os.Getenv(envRedisAddr)
	return v, v != ""
}

// Environment names the deployment environment reported on trace resources
// (e.g. "development", "staging", "production"); defaults to "development".
func Environment() string {
	if v := os.Getenv(envEnvironment); v != "" {
		return v
	}
	return "development"
}

// Validate rejects configurations the rest of the core cannot run with.
func (c *CoreConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.RecordingsDir == "" {
		return fmt.Errorf("config: recordings_dir must not be empty")
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = defaultBroadcastInterval
	}
	return nil
}
