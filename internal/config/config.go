// Package config provides the configuration schema, loader, and file watcher
// for the toolfleet service.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nydiokar/toolfleet/internal/mcp"
	"github.com/nydiokar/toolfleet/internal/mcp/chain"
	"github.com/nydiokar/toolfleet/internal/mcp/client"
	"github.com/nydiokar/toolfleet/internal/mcp/manager"
	"github.com/nydiokar/toolfleet/internal/resilience"
)

// LogLevel controls log verbosity for the toolfleet server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration is a [time.Duration] that unmarshals from YAML strings like "30s"
// or "5m".
type Duration time.Duration

// UnmarshalYAML implements [yaml.Unmarshaler].
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for toolfleet.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Manager ManagerConfig  `yaml:"manager"`
	Client  ClientConfig   `yaml:"client"`
	Servers []FleetServer  `yaml:"servers"`
	Chains  []chain.Config `yaml:"chains"`
}

// ServerConfig holds network and logging settings for the admin HTTP server.
type ServerConfig struct {
	// ListenAddr is the TCP address the admin server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown. Zero means 10 seconds.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// ManagerConfig tunes the server lifecycle manager. Zero values fall back to
// the manager package defaults.
type ManagerConfig struct {
	// Variant selects the manager flavour: "basic" or "enhanced".
	Variant manager.Variant `yaml:"variant"`

	// StopTimeout bounds the graceful stop during a restart.
	StopTimeout Duration `yaml:"stop_timeout"`

	// SweepInterval is how often the supervision sweep runs.
	SweepInterval Duration `yaml:"sweep_interval"`

	// IdleTimeout is how long a running server may sit without activity
	// before the enhanced variant auto-pauses it.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// ErrorThreshold flags a server once it accumulates more errors than this
	// within ErrorWindow.
	ErrorThreshold int `yaml:"error_threshold"`

	// ErrorWindow is the sliding window for ErrorThreshold.
	ErrorWindow Duration `yaml:"error_window"`
}

// ClientConfig tunes the per-server RPC clients. Zero values fall back to the
// client package defaults.
type ClientConfig struct {
	// ListTTL is how long a fetched tool list stays served from cache.
	ListTTL Duration `yaml:"list_ttl"`

	// PollInterval is how often the background poll re-reads the tool list.
	PollInterval Duration `yaml:"poll_interval"`

	// HealthInterval is how often the liveness probe runs.
	HealthInterval Duration `yaml:"health_interval"`

	// Backoff tunes the reconnect schedule after failed probes.
	Backoff BackoffConfig `yaml:"backoff"`
}

// BackoffConfig tunes the exponential reconnect back-off.
type BackoffConfig struct {
	// BaseDelay is the first reconnect delay.
	BaseDelay Duration `yaml:"base_delay"`

	// MaxDelay caps the doubling.
	MaxDelay Duration `yaml:"max_delay"`

	// MaxAttempts is the reconnect budget before the client permanently
	// disables itself.
	MaxAttempts int `yaml:"max_attempts"`
}

// FleetServer describes one tool server to register at startup. It mirrors
// [mcp.ServerConfig] with YAML field names.
type FleetServer struct {
	// ID is the unique identifier used in every manager and dispatcher call.
	ID string `yaml:"id"`

	// Name is a human-readable display name (used in logs and the admin API).
	Name string `yaml:"name"`

	// Command is the executable spawned for this server.
	Command string `yaml:"command"`

	// Args holds command-line arguments passed to the executable.
	Args []string `yaml:"args"`

	// Env holds additional environment variables injected into the
	// subprocess. May be nil.
	Env map[string]string `yaml:"env"`
}

// ToServerConfig converts the YAML form into the runtime [mcp.ServerConfig].
func (f FleetServer) ToServerConfig() mcp.ServerConfig {
	return mcp.ServerConfig{
		ID:      f.ID,
		Name:    f.Name,
		Command: f.Command,
		Args:    f.Args,
		Env:     f.Env,
	}
}

// ManagerConfig assembles the runtime manager configuration, including the
// per-server client template.
func (c *Config) ManagerConfig() manager.Config {
	return manager.Config{
		Variant: c.Manager.Variant,
		Client: client.Config{
			ListTTL:        c.Client.ListTTL.Std(),
			PollInterval:   c.Client.PollInterval.Std(),
			HealthInterval: c.Client.HealthInterval.Std(),
			Backoff: resilience.BackoffConfig{
				BaseDelay:   c.Client.Backoff.BaseDelay.Std(),
				MaxDelay:    c.Client.Backoff.MaxDelay.Std(),
				MaxAttempts: c.Client.Backoff.MaxAttempts,
			},
		},
		StopTimeout:    c.Manager.StopTimeout.Std(),
		SweepInterval:  c.Manager.SweepInterval.Std(),
		IdleTimeout:    c.Manager.IdleTimeout.Std(),
		ErrorThreshold: c.Manager.ErrorThreshold,
		ErrorWindow:    c.Manager.ErrorWindow.Std(),
	}
}
