// Package config provides configuration loading for dispatchd.
//
// Configuration is read from a YAML file and overridden by environment
// variables. Defaults are applied for anything left unset, so a bare
// `dispatchd` invocation starts a working standalone daemon.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete dispatchd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
	Store         StoreConfig         `koanf:"store"`
	NATS          NATSConfig          `koanf:"nats"`
	Phases        PhasesConfig        `koanf:"phases"`
	Monitor       MonitorConfig       `koanf:"monitor"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort        int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // trace, debug, info, warn, error
	Format string `koanf:"format"` // json or console
}

// StoreConfig holds task/ticket store configuration.
type StoreConfig struct {
	// Path is the SQLite database file. ":memory:" is accepted for tests
	// and throwaway runs.
	Path string `koanf:"path"`
}

// NATSConfig holds event transport configuration.
//
// When Embedded is true dispatchd runs an in-process NATS server and
// ignores URL; otherwise it connects to the broker at URL.
type NATSConfig struct {
	URL      string `koanf:"url"`
	Embedded bool   `koanf:"embedded"`
}

// PhasesConfig locates the static phase definition registry.
type PhasesConfig struct {
	RegistryPath string `koanf:"registry_path"`
}

// MonitorConfig holds Guardian and Conductor loop configuration.
type MonitorConfig struct {
	GuardianInterval    time.Duration `koanf:"guardian_interval"`
	ConductorInterval   time.Duration `koanf:"conductor_interval"`
	HeartbeatStaleAfter time.Duration `koanf:"heartbeat_stale_after"`
	NudgeGrace          time.Duration `koanf:"nudge_grace"`
	MaxActiveWorkers    int           `koanf:"max_active_workers"`
	BudgetLimit         float64       `koanf:"budget_limit"`
	TaskUnitCost        float64       `koanf:"task_unit_cost"`
}

// ObservabilityConfig holds OpenTelemetry export configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	Endpoint        string `koanf:"endpoint"`
	Protocol        string `koanf:"protocol"` // grpc or http/protobuf
	Insecure        bool   `koanf:"insecure"`
}

// applyDefaults fills zero values with working defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8120
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "dispatchd.db"
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.Monitor.GuardianInterval == 0 {
		cfg.Monitor.GuardianInterval = 30 * time.Second
	}
	if cfg.Monitor.ConductorInterval == 0 {
		cfg.Monitor.ConductorInterval = 5 * time.Minute
	}
	if cfg.Monitor.HeartbeatStaleAfter == 0 {
		cfg.Monitor.HeartbeatStaleAfter = 2 * time.Minute
	}
	if cfg.Monitor.NudgeGrace == 0 {
		cfg.Monitor.NudgeGrace = 90 * time.Second
	}
	if cfg.Monitor.MaxActiveWorkers == 0 {
		cfg.Monitor.MaxActiveWorkers = 25
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "dispatchd"
	}
	if cfg.Observability.Protocol == "" {
		cfg.Observability.Protocol = "grpc"
	}
}

// Validate validates the configuration.
//
// Returns an error if:
//   - Server port is not between 1 and 65535
//   - Shutdown timeout is not positive
//   - Logging level or format is unknown
//   - Guardian/Conductor intervals are not positive
//   - The nudge grace period is not positive
//   - Service name is empty when telemetry is enabled
func (c *Config) Validate() error {
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.HTTPPort)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level: %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format: %q", c.Logging.Format)
	}

	if c.Store.Path == "" {
		return errors.New("store path must be set")
	}

	if c.Monitor.GuardianInterval <= 0 {
		return errors.New("guardian interval must be positive")
	}
	if c.Monitor.ConductorInterval <= 0 {
		return errors.New("conductor interval must be positive")
	}
	if c.Monitor.HeartbeatStaleAfter <= 0 {
		return errors.New("heartbeat staleness threshold must be positive")
	}
	if c.Monitor.NudgeGrace <= 0 {
		return errors.New("nudge grace period must be positive")
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	return nil
}
