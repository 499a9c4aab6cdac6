// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// EnvVar names the environment variable Load reads the config path
// from.
const EnvVar = "TERMSTREAM_CONFIG"

// Config is the termstream daemon's configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	// ListenAddress is where the viewer WebSocket and health check
	// are served.
	ListenAddress string `yaml:"listen_address"`

	// AllowedOrigins lists the Origin hosts allowed to open a viewer
	// WebSocket. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ControlSocket is the unix socket for administration.
	ControlSocket string `yaml:"control_socket"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Tmux     TmuxConfig     `yaml:"tmux"`
	Terminal TerminalConfig `yaml:"terminal"`

	// Settings seeds the runtime settings store, which the snapshot
	// pipeline reads (for example terminal_seed_max_bytes).
	Settings map[string]string `yaml:"settings"`

	Development *ConfigOverrides `yaml:"development,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides holds the fields an environment section may
// override. Zero values leave the base value alone.
type ConfigOverrides struct {
	ListenAddress  string          `yaml:"listen_address,omitempty"`
	AllowedOrigins []string        `yaml:"allowed_origins,omitempty"`
	ControlSocket  string          `yaml:"control_socket,omitempty"`
	LogLevel       string          `yaml:"log_level,omitempty"`
	Tmux           *TmuxConfig     `yaml:"tmux,omitempty"`
	Terminal       *TerminalConfig `yaml:"terminal,omitempty"`
}

// TmuxConfig selects the private tmux server termstream drives.
type TmuxConfig struct {
	Socket     string `yaml:"socket"`
	ConfigFile string `yaml:"config_file"`
}

// TerminalConfig tunes streaming and snapshots.
type TerminalConfig struct {
	// ScrollbackLines caps both first-attach snapshots and
	// full-history requests.
	ScrollbackLines int `yaml:"scrollback_lines"`

	// SeedMaxBytes is the snapshot byte budget. Zero leaves it to the
	// settings store.
	SeedMaxBytes int `yaml:"seed_max_bytes"`

	FrameBufferSize int `yaml:"frame_buffer_size"`

	// Sanitize is off, strip, or normalize.
	Sanitize string `yaml:"sanitize"`

	// SendBuffer is each viewer's outbound queue length.
	SendBuffer int `yaml:"send_buffer"`

	SeedWorkers int `yaml:"seed_workers"`
}

// Default returns the built-in configuration. Paths still contain
// ${VAR} patterns; loading expands them.
func Default() *Config {
	return &Config{
		Environment:   Development,
		ListenAddress: "127.0.0.1:7681",
		ControlSocket: "${XDG_RUNTIME_DIR:-/tmp}/termstream.sock",
		LogLevel:      "info",
		Tmux: TmuxConfig{
			Socket: "${XDG_RUNTIME_DIR:-/tmp}/termstream-tmux.sock",
		},
		Terminal: TerminalConfig{
			ScrollbackLines: 10000,
			FrameBufferSize: 100,
			Sanitize:        "normalize",
			SendBuffer:      256,
			SeedWorkers:     4,
		},
	}
}

// Resolve loads path when it is set, then the file named by
// TERMSTREAM_CONFIG, and otherwise returns the expanded defaults.
func Resolve(path string) (*Config, error) {
	if path != "" {
		return LoadFile(path)
	}
	if os.Getenv(EnvVar) != "" {
		return Load()
	}
	cfg := Default()
	cfg.expandVariables()
	return cfg, nil
}

// Load loads the file named by TERMSTREAM_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvVar)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your termstream.yaml, or use --config", EnvVar)
	}
	return LoadFile(configPath)
}

// LoadFile loads path over the defaults, applies the section for the
// configured environment, and expands ${VAR} patterns in paths.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.ListenAddress != "" {
		c.ListenAddress = overrides.ListenAddress
	}
	if overrides.AllowedOrigins != nil {
		c.AllowedOrigins = overrides.AllowedOrigins
	}
	if overrides.ControlSocket != "" {
		c.ControlSocket = overrides.ControlSocket
	}
	if overrides.LogLevel != "" {
		c.LogLevel = overrides.LogLevel
	}

	if overrides.Tmux != nil {
		if overrides.Tmux.Socket != "" {
			c.Tmux.Socket = overrides.Tmux.Socket
		}
		if overrides.Tmux.ConfigFile != "" {
			c.Tmux.ConfigFile = overrides.Tmux.ConfigFile
		}
	}

	if terminal := overrides.Terminal; terminal != nil {
		if terminal.ScrollbackLines != 0 {
			c.Terminal.ScrollbackLines = terminal.ScrollbackLines
		}
		if terminal.SeedMaxBytes != 0 {
			c.Terminal.SeedMaxBytes = terminal.SeedMaxBytes
		}
		if terminal.FrameBufferSize != 0 {
			c.Terminal.FrameBufferSize = terminal.FrameBufferSize
		}
		if terminal.Sanitize != "" {
			c.Terminal.Sanitize = terminal.Sanitize
		}
		if terminal.SendBuffer != 0 {
			c.Terminal.SendBuffer = terminal.SendBuffer
		}
		if terminal.SeedWorkers != 0 {
			c.Terminal.SeedWorkers = terminal.SeedWorkers
		}
	}
}

func (c *Config) expandVariables() {
	c.ListenAddress = expandVars(c.ListenAddress)
	c.ControlSocket = expandVars(c.ControlSocket)
	c.Tmux.Socket = expandVars(c.Tmux.Socket)
	c.Tmux.ConfigFile = expandVars(c.Tmux.ConfigFile)
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

var (
	sanitizeModes = []string{"off", "strip", "normalize"}
	logLevels     = []string{"debug", "info", "warn", "error"}
)

// Validate checks the configuration for errors, reporting all of
// them at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.ListenAddress == "" {
		errs = append(errs, errors.New("listen_address is required"))
	}
	if c.ControlSocket == "" {
		errs = append(errs, errors.New("control_socket is required"))
	}
	if c.Tmux.Socket == "" {
		errs = append(errs, errors.New("tmux.socket is required"))
	}
	if !slices.Contains(logLevels, c.LogLevel) {
		errs = append(errs, fmt.Errorf("log_level must be one of: %v", logLevels))
	}
	if c.Environment == Production && len(c.AllowedOrigins) == 0 {
		errs = append(errs, errors.New("allowed_origins is required in production"))
	}

	terminal := c.Terminal
	if terminal.ScrollbackLines < 1 {
		errs = append(errs, errors.New("terminal.scrollback_lines must be at least 1"))
	}
	if terminal.SeedMaxBytes < 0 {
		errs = append(errs, errors.New("terminal.seed_max_bytes must not be negative"))
	}
	if terminal.FrameBufferSize < 1 {
		errs = append(errs, errors.New("terminal.frame_buffer_size must be at least 1"))
	}
	if !slices.Contains(sanitizeModes, terminal.Sanitize) {
		errs = append(errs, fmt.Errorf("terminal.sanitize must be one of: %v", sanitizeModes))
	}
	if terminal.SendBuffer < 1 {
		errs = append(errs, errors.New("terminal.send_buffer must be at least 1"))
	}
	if terminal.SeedWorkers < 1 {
		errs = append(errs, errors.New("terminal.seed_workers must be at least 1"))
	}

	return errors.Join(errs...)
}
