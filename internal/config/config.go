// ABOUTME: Configuration loading and parsing for fabric-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete fabric-gateway configuration for one division.
type Config struct {
	Division   DivisionConfig   `yaml:"division"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Registry   RegistryConfig   `yaml:"registry"`
	Router     RouterConfig     `yaml:"router"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Tools      ToolsConfig      `yaml:"tools"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Federation FederationConfig `yaml:"federation"`
}

// DivisionConfig identifies the division this gateway fronts.
type DivisionConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// ServerConfig holds server address configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// RegistryConfig holds agent registry and enterprise index timing configuration.
type RegistryConfig struct {
	HeartbeatTimeout    time.Duration `yaml:"-"`
	ReplicationInterval time.Duration `yaml:"-"`
	ReplicationLagBound time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatTimeoutRaw    string `yaml:"heartbeat_timeout"`
	ReplicationIntervalRaw string `yaml:"replication_interval"`
	ReplicationLagBoundRaw string `yaml:"replication_lag_bound"`
}

// RouterConfig holds message router retry and SLA configuration.
type RouterConfig struct {
	BaseDelay     time.Duration `yaml:"-"`
	MaxDelay      time.Duration `yaml:"-"`
	DeliverySLA   time.Duration `yaml:"-"`
	MaxAttempts   int           `yaml:"max_attempts"`
	DispatchBatch int           `yaml:"dispatch_batch"`

	BaseDelayRaw   string `yaml:"base_delay"`
	MaxDelayRaw    string `yaml:"max_delay"`
	DeliverySLARaw string `yaml:"delivery_sla"`
}

// BreakerConfig holds circuit breaker configuration for remote divisions.
type BreakerConfig struct {
	BaseCooldown time.Duration `yaml:"-"`
	MaxCooldown  time.Duration `yaml:"-"`
	// FailureThreshold is the consecutive failure count that trips a breaker.
	FailureThreshold int `yaml:"failure_threshold"`

	BaseCooldownRaw string `yaml:"base_cooldown"`
	MaxCooldownRaw  string `yaml:"max_cooldown"`
}

// ToolsConfig holds tool execution framework configuration.
type ToolsConfig struct {
	DefaultTimeout time.Duration `yaml:"-"`
	MaxConcurrent  int           `yaml:"max_concurrent"`

	DefaultTimeoutRaw string `yaml:"default_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// FederationConfig points at the TOML peer map for trusted divisions and
// bounds inbound cross-division traffic.
type FederationConfig struct {
	PeersPath string `yaml:"peers_path"`
	// MaxRequestsPerMinute caps inbound requests per source division.
	MaxRequestsPerMinute int `yaml:"max_requests_per_minute"`
	// BurstLimit is the token bucket burst per source division.
	BurstLimit int `yaml:"burst_limit"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in zero-valued fields with the documented defaults.
func (c *Config) applyDefaults() {
	if c.Registry.HeartbeatTimeout == 0 {
		c.Registry.HeartbeatTimeout = 90 * time.Second
	}
	if c.Registry.ReplicationInterval == 0 {
		c.Registry.ReplicationInterval = time.Second
	}
	if c.Registry.ReplicationLagBound == 0 {
		c.Registry.ReplicationLagBound = 5 * time.Second
	}
	if c.Router.BaseDelay == 0 {
		c.Router.BaseDelay = 200 * time.Millisecond
	}
	if c.Router.MaxDelay == 0 {
		c.Router.MaxDelay = 5 * time.Second
	}
	if c.Router.DeliverySLA == 0 {
		c.Router.DeliverySLA = 10 * time.Second
	}
	if c.Router.MaxAttempts == 0 {
		c.Router.MaxAttempts = 5
	}
	if c.Router.DispatchBatch == 0 {
		c.Router.DispatchBatch = 32
	}
	if c.Breaker.BaseCooldown == 0 {
		c.Breaker.BaseCooldown = 5 * time.Second
	}
	if c.Breaker.MaxCooldown == 0 {
		c.Breaker.MaxCooldown = 2 * time.Minute
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Tools.DefaultTimeout == 0 {
		c.Tools.DefaultTimeout = 300 * time.Second
	}
	if c.Tools.MaxConcurrent == 0 {
		c.Tools.MaxConcurrent = 100
	}
	if c.Federation.MaxRequestsPerMinute == 0 {
		c.Federation.MaxRequestsPerMinute = 600
	}
	if c.Federation.BurstLimit == 0 {
		c.Federation.BurstLimit = 100
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Division.ID == "" {
		return fmt.Errorf("division.id is required")
	}
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Router.MaxAttempts < 1 {
		return fmt.Errorf("router.max_attempts must be at least 1")
	}
	if c.Router.BaseDelay > c.Router.MaxDelay {
		return fmt.Errorf("router.base_delay must not exceed router.max_delay")
	}
	if c.Breaker.BaseCooldown > c.Breaker.MaxCooldown {
		return fmt.Errorf("breaker.base_cooldown must not exceed breaker.max_cooldown")
	}
	return nil
}

// durationField pairs a raw YAML string with its parsed destination.
type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"registry.heartbeat_timeout", cfg.Registry.HeartbeatTimeoutRaw, &cfg.Registry.HeartbeatTimeout},
		{"registry.replication_interval", cfg.Registry.ReplicationIntervalRaw, &cfg.Registry.ReplicationInterval},
		{"registry.replication_lag_bound", cfg.Registry.ReplicationLagBoundRaw, &cfg.Registry.ReplicationLagBound},
		{"router.base_delay", cfg.Router.BaseDelayRaw, &cfg.Router.BaseDelay},
		{"router.max_delay", cfg.Router.MaxDelayRaw, &cfg.Router.MaxDelay},
		{"router.delivery_sla", cfg.Router.DeliverySLARaw, &cfg.Router.DeliverySLA},
		{"breaker.base_cooldown", cfg.Breaker.BaseCooldownRaw, &cfg.Breaker.BaseCooldown},
		{"breaker.max_cooldown", cfg.Breaker.MaxCooldownRaw, &cfg.Breaker.MaxCooldown},
		{"tools.default_timeout", cfg.Tools.DefaultTimeoutRaw, &cfg.Tools.DefaultTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
