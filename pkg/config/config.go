// Package config loads the gateway's own configuration file. Everything
// has a sensible default; a missing file means "run with defaults".
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the gateway configuration.
type Config struct {
	// ListenAddr is the address the gateway HTTP server binds to.
	ListenAddr string `yaml:"listen_addr"`

	// BasePort and PortRange define the sandbox port allocator's window.
	BasePort  int `yaml:"base_port"`
	PortRange int `yaml:"port_range"`

	// WorkspaceRoot is where per-project workspace directories live when
	// the start request does not name one explicitly.
	WorkspaceRoot string `yaml:"workspace_root"`

	// NotebookCommand is the argv template for the backing process.
	// Supports the {config_file}, {port} and {workspace_dir} placeholders.
	NotebookCommand []string `yaml:"notebook_command"`

	ReadyTimeout   Duration `yaml:"ready_timeout"`
	StopGrace      Duration `yaml:"stop_grace"`
	HealthInterval Duration `yaml:"health_interval"`

	// ReapPattern is the command-line pattern the process reaper matches.
	ReapPattern string `yaml:"reap_pattern"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:     ":8090",
		BasePort:       8800,
		PortRange:      200,
		WorkspaceRoot:  "/srv/sandbox-workspaces",
		ReadyTimeout:   Duration(30 * time.Second),
		StopGrace:      Duration(5 * time.Second),
		HealthInterval: Duration(15 * time.Second),
		ReapPattern:    "jupyter-notebook",
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}
