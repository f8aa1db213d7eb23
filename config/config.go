//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

// Package config loads the YAML configuration of the pipelined daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	itelemetry "trpc.group/trpc-go/trpc-pipeline-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-pipeline-go/log"
)

// Store backends.
const (
	BackendInMemory = "inmemory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Event backends.
const (
	EventsChannel = "channel"
	EventsRedis   = "redis"
)

var (
	// ErrUnknownBackend is returned for a store or event backend that is not supported.
	ErrUnknownBackend = errors.New("config: unknown backend")
	// ErrMissingTarget is returned when a backend has no address to connect to.
	ErrMissingTarget = errors.New("config: backend has no url, dsn or instance")
)

// Config is the root of the daemon configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Events    EventsConfig    `yaml:"events"`
	Engine    EngineConfig    `yaml:"engine"`
	Interrupt InterruptConfig `yaml:"interrupt"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig configures the HTTP control plane.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects where node executions and interrupts live.
type StoreConfig struct {
	Backend  string         `yaml:"backend"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// RedisConfig addresses a redis server by url or registered instance name.
type RedisConfig struct {
	URL       string `yaml:"url"`
	Instance  string `yaml:"instance"`
	KeyPrefix string `yaml:"key_prefix"`
}

// PostgresConfig addresses a postgres server by dsn or registered instance name.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	Instance       string `yaml:"instance"`
	SkipSchemaInit bool   `yaml:"skip_schema_init"`
}

// EventsConfig selects where step status updates are published.
type EventsConfig struct {
	Backend string      `yaml:"backend"`
	Buffer  int         `yaml:"buffer"`
	Redis   RedisConfig `yaml:"redis"`
}

// EngineConfig sizes the local engine and the wait engine.
type EngineConfig struct {
	Parallelism  int `yaml:"parallelism"`
	WaitPoolSize int `yaml:"wait_pool_size"`
	// WaitRetention is how long the wait engine remembers a done
	// correlation.
	WaitRetention Duration `yaml:"wait_retention"`
}

// InterruptConfig overrides the status sets used by the interrupt handlers.
type InterruptConfig struct {
	AbortableStatuses []string `yaml:"abortable_statuses"`
	RetryableStatuses []string `yaml:"retryable_statuses"`
}

// TasksConfig configures the task executors.
type TasksConfig struct {
	Container ContainerConfig `yaml:"container"`
}

// ContainerConfig configures the docker task executor.
type ContainerConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Host        string `yaml:"host"`
	StopTimeout int    `yaml:"stop_timeout"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Protocol    string `yaml:"protocol"`
	ServiceName string `yaml:"service_name"`
}

// Duration is a time.Duration that unmarshals from YAML strings such as "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the standard time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Default returns the configuration used for every key a file leaves out.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: log.LevelInfo, Format: log.FormatConsole},
		Server: ServerConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Store:  StoreConfig{Backend: BackendInMemory},
		Events: EventsConfig{Backend: EventsChannel, Buffer: 1024},
		Engine: EngineConfig{Parallelism: 16, WaitPoolSize: 16, WaitRetention: Duration(time.Hour)},
		Tasks: TasksConfig{
			Container: ContainerConfig{StopTimeout: 10},
		},
		Telemetry: TelemetryConfig{Protocol: itelemetry.ProtocolGRPC},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unknown backends, protocols and statuses.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendInMemory:
	case BackendRedis:
		if c.Store.Redis.URL == "" && c.Store.Redis.Instance == "" {
			return fmt.Errorf("%w: store redis", ErrMissingTarget)
		}
	case BackendPostgres:
		if c.Store.Postgres.DSN == "" && c.Store.Postgres.Instance == "" {
			return fmt.Errorf("%w: store postgres", ErrMissingTarget)
		}
	default:
		return fmt.Errorf("%w: store %q", ErrUnknownBackend, c.Store.Backend)
	}

	switch c.Events.Backend {
	case EventsChannel:
	case EventsRedis:
		r := c.Events.Redis
		if r.URL == "" && r.Instance == "" && c.Store.Backend != BackendRedis {
			return fmt.Errorf("%w: events redis", ErrMissingTarget)
		}
	default:
		return fmt.Errorf("%w: events %q", ErrUnknownBackend, c.Events.Backend)
	}

	switch c.Telemetry.Protocol {
	case itelemetry.ProtocolGRPC, itelemetry.ProtocolHTTP:
	default:
		return fmt.Errorf("config: unknown telemetry protocol %q", c.Telemetry.Protocol)
	}
	if c.Engine.Parallelism < 0 || c.Engine.WaitPoolSize < 0 {
		return errors.New("config: engine sizes must not be negative")
	}
	if c.Engine.WaitRetention < 0 {
		return errors.New("config: wait retention must not be negative")
	}
	if _, err := c.AbortableStatuses(); err != nil {
		return err
	}
	if _, err := c.RetryableStatuses(); err != nil {
		return err
	}
	return nil
}

// AbortableStatuses returns the configured override, nil when unset.
func (c *Config) AbortableStatuses() ([]execution.Status, error) {
	return parseOverride("abortable", c.Interrupt.AbortableStatuses, false)
}

// RetryableStatuses returns the configured override, nil when unset.
// Only final statuses can be retried.
func (c *Config) RetryableStatuses() ([]execution.Status, error) {
	return parseOverride("retryable", c.Interrupt.RetryableStatuses, true)
}

func parseOverride(name string, names []string, final bool) ([]execution.Status, error) {
	if len(names) == 0 {
		return nil, nil
	}
	statuses, err := execution.ParseStatuses(names)
	if err != nil {
		return nil, fmt.Errorf("config: %s statuses: %w", name, err)
	}
	for _, s := range statuses {
		if s.Final() != final {
			return nil, fmt.Errorf("config: %s statuses: %s is not allowed", name, s)
		}
	}
	return statuses, nil
}

// EventsRedis returns the redis target of the event publisher, falling back
// to the store's when the store is redis too.
func (c *Config) EventsRedis() RedisConfig {
	r := c.Events.Redis
	if r.URL == "" && r.Instance == "" {
		return c.Store.Redis
	}
	return r
}
