// Package config provides configuration management for the rate limiter.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig              `toml:"server"`
	Telemetry   TelemetryConfig           `toml:"telemetry"`
	Database    DatabaseConfig            `toml:"database"`
	Memory      MemoryConfig              `toml:"memory"`
	Models      map[string]ModelConfig    `toml:"models"`
	JobTypes    map[string]JobTypeConfig  `toml:"job_types"`
	Escalation  map[string][]string       `toml:"escalation"` // jobType -> ordered modelIDs
}

// ServerConfig contains the debug HTTP surface settings (§6, explicitly
// out of core scope; wired only as a thin adapter over the Facade).
type ServerConfig struct {
	DebugHTTPAddr  string        `toml:"debug_http_addr"`
	ReadTimeout    time.Duration `toml:"read_timeout"`
	WriteTimeout   time.Duration `toml:"write_timeout"`
	InstanceID     string        `toml:"instance_id"` // empty = generate a uuid at startup
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled           bool   `toml:"enabled"`
	ServiceName       string `toml:"service_name"`
	PrometheusEnabled bool   `toml:"prometheus_enabled"`
	PrometheusAddr    string `toml:"prometheus_addr"`
	LogFormat         string `toml:"log_format"` // "json" or "pretty"
	LogLevel          string `toml:"log_level"`
}

// DatabaseConfig contains coordinator backing-store settings.
type DatabaseConfig struct {
	Driver     string        `toml:"driver"` // "postgres" or "memory" (no fleet coordination)
	DSN        string        `toml:"dsn"`
	Host       string        `toml:"host"`
	Port       int           `toml:"port"`
	User       string        `toml:"user"`
	Password   string        `toml:"password"`
	Database   string        `toml:"database"`
	SSLMode    string        `toml:"ssl_mode"`
	MaxConns   int           `toml:"max_conns"`
	MaxIdle    int           `toml:"max_idle"`
	ConnMaxAge time.Duration `toml:"conn_max_age"`

	KeyPrefix       string        `toml:"key_prefix"`
	HeartbeatEvery  time.Duration `toml:"heartbeat_every"`
	InstanceTTL     time.Duration `toml:"instance_ttl"`
}

// GetDSN returns the DSN for the coordinator's backing database.
func (d *DatabaseConfig) GetDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode)
}

// MemoryConfig sizes the process-wide MemoryArbiter.
type MemoryConfig struct {
	FreeMemoryRatio         float64       `toml:"free_memory_ratio"` // fraction of host free memory claimed
	RecalculationInterval   time.Duration `toml:"recalculation_interval"`
	MinTargetKB             int64         `toml:"min_target_kb"`
}

// PricingConfig is price per 1e6 tokens per usage category.
type PricingConfig struct {
	InputPerMillion  float64 `toml:"input_per_million"`
	CachedPerMillion float64 `toml:"cached_per_million"`
	OutputPerMillion float64 `toml:"output_per_million"`
}

// ResourcesPerEvent is the estimated shape of a single event on a model,
// used for admission when the actual cost is not yet known.
type ResourcesPerEvent struct {
	EstimatedNumberOfRequests int64 `toml:"estimated_number_of_requests"`
	EstimatedUsedTokens       int64 `toml:"estimated_used_tokens"`
	EstimatedUsedMemoryKB     int64 `toml:"estimated_used_memory_kb"`
}

// ModelConfig carries a model's declared ceilings. A zero value for any
// ceiling means "no limit of that kind" except where noted.
type ModelConfig struct {
	RPM                   int64             `toml:"rpm"`
	RPD                   int64             `toml:"rpd"`
	TPM                   int64             `toml:"tpm"`
	TPD                   int64             `toml:"tpd"`
	MaxConcurrentRequests int64             `toml:"max_concurrent_requests"`
	Pricing               PricingConfig     `toml:"pricing"`
	ResourcesPerEvent     ResourcesPerEvent `toml:"resources_per_event"`
}

// RatioConfig is a job type's share of a model's slot pool.
type RatioConfig struct {
	InitialValue float64 `toml:"initial_value"`
	Flexible     bool    `toml:"flexible"`
	MinRatio     float64 `toml:"min_ratio"`
	MaxRatio     float64 `toml:"max_ratio"`
}

// JobTypeConfig carries per-job-type settings.
type JobTypeConfig struct {
	EstimatedUsedTokens       int64            `toml:"estimated_used_tokens"`
	EstimatedNumberOfRequests int64            `toml:"estimated_number_of_requests"`
	EstimatedUsedMemoryKB     int64            `toml:"estimated_used_memory_kb"`
	Ratio                     RatioConfig      `toml:"ratio"`
	MaxWaitMS                 map[string]int64 `toml:"max_wait_ms"` // modelId -> ms, 0 = fail-fast
	MinJobTypeCapacity        int64            `toml:"min_job_type_capacity"`
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			DebugHTTPAddr: "127.0.0.1:8089",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:           true,
			ServiceName:       "ratelimiter",
			PrometheusEnabled: true,
			PrometheusAddr:    "127.0.0.1:9090",
			LogFormat:         "json",
			LogLevel:          "info",
		},
		Database: DatabaseConfig{
			Driver:         "memory",
			Host:           "localhost",
			Port:           5432,
			User:           "postgres",
			SSLMode:        "disable",
			MaxConns:       10,
			MaxIdle:        2,
			ConnMaxAge:     30 * time.Minute,
			KeyPrefix:      "ratelimiter",
			HeartbeatEvery: 5 * time.Second,
			InstanceTTL:    20 * time.Second,
		},
		Memory: MemoryConfig{
			FreeMemoryRatio:       0.5,
			RecalculationInterval: 30 * time.Second,
			MinTargetKB:           1024,
		},
		Models:     make(map[string]ModelConfig),
		JobTypes:   make(map[string]JobTypeConfig),
		Escalation: make(map[string][]string),
	}
}

// Load loads configuration from a TOML file, starting from Default().
func Load(path string) (*Config, error) {
	cfg := Default()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parsing config: unrecognized keys %v", undecoded)
	}

	cfg.substituteEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads config from file, falling back to defaults on error.
func LoadOrDefault(path string) *Config {
	if path == "" {
		return Default()
	}

	cfg, err := Load(path)
	if err != nil {
		fmt.Printf("Warning: failed to load config from %s: %v\n", path, err)
		return Default()
	}

	return cfg
}

// substituteEnvVars expands ${VAR} patterns and applies RATELIMITER_*
// environment variable overrides, the same convention the teacher uses for
// Docker-friendly deployment.
func (c *Config) substituteEnvVars() {
	c.Database.DSN = os.ExpandEnv(c.Database.DSN)
	c.Database.Host = os.ExpandEnv(c.Database.Host)
	c.Database.User = os.ExpandEnv(c.Database.User)
	c.Database.Password = os.ExpandEnv(c.Database.Password)

	if v := os.Getenv("RATELIMITER_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("RATELIMITER_DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("RATELIMITER_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Database.Port = port
		}
	}
	if v := os.Getenv("RATELIMITER_DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("RATELIMITER_DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("RATELIMITER_DB_NAME"); v != "" {
		c.Database.Database = v
	}
	if v := os.Getenv("RATELIMITER_INSTANCE_ID"); v != "" {
		c.Server.InstanceID = v
	}
}

// Validate rejects configuration shapes the scheduler cannot act on:
// ratios across job types must sum close to 1 (they are renormalized at
// runtime, but a config that is wildly off is almost certainly a mistake),
// and every escalation entry must name a declared model.
func (c *Config) Validate() error {
	for jobType, models := range c.Escalation {
		if _, ok := c.JobTypes[jobType]; !ok {
			return fmt.Errorf("escalation order declared for unknown job type %q", jobType)
		}
		for _, modelID := range models {
			if _, ok := c.Models[modelID]; !ok {
				return fmt.Errorf("escalation order for job type %q references unknown model %q", jobType, modelID)
			}
		}
	}

	var sum float64
	for _, jt := range c.JobTypes {
		if jt.Ratio.InitialValue < 0 {
			return fmt.Errorf("job type ratio cannot be negative")
		}
		sum += jt.Ratio.InitialValue
	}
	if len(c.JobTypes) > 0 && (sum < 0.9 || sum > 1.1) {
		return fmt.Errorf("job type ratios sum to %.3f, expected ~1.0", sum)
	}

	return nil
}
