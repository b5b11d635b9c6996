package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nydiokar/toolfleet/internal/mcp/chain"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Manager
	if cfg.Manager.Variant != "" && !cfg.Manager.Variant.IsValid() {
		errs = append(errs, fmt.Errorf("manager.variant %q is invalid; valid values: basic, enhanced", cfg.Manager.Variant))
	}
	if cfg.Manager.ErrorThreshold < 0 {
		errs = append(errs, fmt.Errorf("manager.error_threshold %d must not be negative", cfg.Manager.ErrorThreshold))
	}

	// Client
	if cfg.Client.Backoff.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("client.backoff.max_attempts %d must not be negative", cfg.Client.Backoff.MaxAttempts))
	}
	if base, max := cfg.Client.Backoff.BaseDelay, cfg.Client.Backoff.MaxDelay; base > 0 && max > 0 && base > max {
		errs = append(errs, fmt.Errorf("client.backoff.base_delay %s exceeds max_delay %s", base.Std(), max.Std()))
	}

	// Fleet servers
	idsSeen := make(map[string]int, len(cfg.Servers))
	for i, srv := range cfg.Servers {
		prefix := fmt.Sprintf("servers[%d]", i)
		if srv.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := idsSeen[srv.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of servers[%d]", prefix, srv.ID, prev))
			}
			idsSeen[srv.ID] = i
		}
		if srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required", prefix))
		}
		if srv.Name == "" {
			slog.Warn("fleet server has no display name, using id", "server", srv.ID)
		}
	}

	if len(cfg.Servers) == 0 {
		slog.Warn("no fleet servers configured; the tool catalogue will be empty until servers are registered via the admin API")
	}

	// Chains are validated the same way the executor would build them, so a
	// broken chain is rejected at load time instead of first use.
	chainIDs := make(map[string]int, len(cfg.Chains))
	for i, cc := range cfg.Chains {
		prefix := fmt.Sprintf("chains[%d]", i)
		if cc.ID != "" {
			if prev, ok := chainIDs[cc.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of chains[%d]", prefix, cc.ID, prev))
			}
			chainIDs[cc.ID] = i
		}
		if _, err := chain.New(cc); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
	}

	return errors.Join(errs...)
}
