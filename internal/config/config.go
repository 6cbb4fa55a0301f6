package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/mir00r/ldap-netgroups/internal/affinity"
	"github.com/mir00r/ldap-netgroups/internal/criteria"
	"github.com/mir00r/ldap-netgroups/internal/domain"
	"github.com/mir00r/ldap-netgroups/internal/errors"
	"github.com/mir00r/ldap-netgroups/internal/limits"
)

// Config represents the main configuration structure
type Config struct {
	Server        ServerConfig         `yaml:"server"`
	HealthCheck   HealthCheckConfig    `yaml:"health_check"`
	Logging       LoggingConfig        `yaml:"logging"`
	Admin         AdminConfig          `yaml:"admin"`
	Reload        ReloadConfig         `yaml:"reload"`
	NetworkGroups []NetworkGroupConfig `yaml:"network_groups"`
}

// ServerConfig contains the LDAP listener configuration. An empty address
// disables that listener.
type ServerConfig struct {
	ListenAddress     string        `yaml:"listen_address"`
	TLSListenAddress  string        `yaml:"tls_listen_address"`
	TLSCertFile       string        `yaml:"tls_cert_file"`
	TLSKeyFile        string        `yaml:"tls_key_file"`
	TLSMinVersion     string        `yaml:"tls_min_version"`
	TLSCipherSuites   []string      `yaml:"tls_cipher_suites"`
	MaxConnections    int           `yaml:"max_connections"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReverseDNS        bool          `yaml:"reverse_dns"`
	ReverseDNSTimeout time.Duration `yaml:"reverse_dns_timeout"`
}

// HealthCheckConfig defines how backends are probed
type HealthCheckConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Interval           time.Duration `yaml:"interval"`
	Timeout            time.Duration `yaml:"timeout"`
	HealthyThreshold   int           `yaml:"healthy_threshold"`
	UnhealthyThreshold int           `yaml:"unhealthy_threshold"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// AdminConfig contains admin API configuration
type AdminConfig struct {
	Enabled       bool            `yaml:"enabled"`
	ListenAddress string          `yaml:"listen_address"`
	JWTSecret     string          `yaml:"jwt_secret"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig defines a token bucket
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// ReloadConfig controls polling of the configuration file
type ReloadConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// BackendConfig contains one directory server of a network group
type BackendConfig struct {
	ID             string        `yaml:"id" json:"id"`
	Address        string        `yaml:"address" json:"address"`
	MaxConnections int           `yaml:"max_connections" json:"max_connections"`
	DialTimeout    time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	UseTLS         bool          `yaml:"use_tls" json:"use_tls"`
}

// NetworkGroupConfig is the full definition of one network group. A
// reconfiguration always replaces the whole value.
type NetworkGroupConfig struct {
	ID             string           `yaml:"id" json:"id"`
	Priority       int              `yaml:"priority" json:"priority"`
	Backends       []BackendConfig  `yaml:"backends" json:"backends"`
	AffinityPolicy string           `yaml:"affinity_policy" json:"affinity_policy"`
	Criteria       *criteria.Config `yaml:"criteria,omitempty" json:"criteria,omitempty"`
	ResourceLimits *limits.Config   `yaml:"resource_limits,omitempty" json:"resource_limits,omitempty"`
	AdmissionRate  *RateLimitConfig `yaml:"admission_rate,omitempty" json:"admission_rate,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:     ":1389",
			IdleTimeout:       10 * time.Minute,
			ReverseDNSTimeout: 2 * time.Second,
		},
		HealthCheck: HealthCheckConfig{
			Enabled:            true,
			Interval:           30 * time.Second,
			Timeout:            5 * time.Second,
			HealthyThreshold:   2,
			UnhealthyThreshold: 3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Admin: AdminConfig{
			Enabled:       true,
			ListenAddress: ":8081",
			RateLimit: RateLimitConfig{
				Enabled:           false,
				RequestsPerSecond: 10,
				BurstSize:         20,
			},
		},
		Reload: ReloadConfig{
			Enabled:  true,
			Interval: 5 * time.Second,
		},
	}
}

// Parse decodes a YAML document over the defaults and validates it
func Parse(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeConfigLoad, "config", "failed to parse configuration")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeConfigLoad, "config",
			fmt.Sprintf("failed to read config file %s", filename))
	}
	return Parse(data)
}

// Validate validates the configuration for correctness
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" && c.Server.TLSListenAddress == "" {
		return invalid("server: at least one of listen_address and tls_listen_address is required")
	}
	if c.Server.TLSListenAddress != "" && (c.Server.TLSCertFile == "" || c.Server.TLSKeyFile == "") {
		return invalid("server: tls_listen_address requires tls_cert_file and tls_key_file")
	}
	if c.Server.MaxConnections < 0 {
		return invalid("server: max_connections cannot be negative")
	}

	if c.HealthCheck.Enabled {
		if c.HealthCheck.Interval <= 0 {
			return invalid("health_check.interval must be positive")
		}
		if c.HealthCheck.Timeout <= 0 {
			return invalid("health_check.timeout must be positive")
		}
		if c.HealthCheck.HealthyThreshold <= 0 {
			return invalid("health_check.healthy_threshold must be positive")
		}
		if c.HealthCheck.UnhealthyThreshold <= 0 {
			return invalid("health_check.unhealthy_threshold must be positive")
		}
	}

	if c.Admin.Enabled && c.Admin.ListenAddress == "" {
		return invalid("admin.listen_address is required when the admin API is enabled")
	}
	if err := c.Admin.RateLimit.validate("admin.rate_limit"); err != nil {
		return err
	}

	if c.Reload.Enabled && c.Reload.Interval <= 0 {
		return invalid("reload.interval must be positive")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return invalid(fmt.Sprintf("invalid log level: %s", c.Logging.Level))
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return invalid(fmt.Sprintf("invalid log format: %s", c.Logging.Format))
	}

	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return invalid(fmt.Sprintf("invalid log output: %s", c.Logging.Output))
	}

	return ValidateNetworkGroups(c.NetworkGroups)
}

// ValidateNetworkGroups checks a complete set of network group definitions.
// Criteria are compiled so that a bad pattern or mask is reported here.
func ValidateNetworkGroups(groups []NetworkGroupConfig) error {
	ids := make(map[string]bool, len(groups))
	for i, g := range groups {
		if g.ID == "" {
			return invalid(fmt.Sprintf("network_groups[%d]: id cannot be empty", i))
		}
		if ids[g.ID] {
			return invalid(fmt.Sprintf("network_groups[%d]: duplicate id '%s'", i, g.ID))
		}
		ids[g.ID] = true

		if err := g.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks a single network group definition
func (g *NetworkGroupConfig) Validate() error {
	if len(g.Backends) == 0 {
		return invalid(fmt.Sprintf("network group %s: at least one backend must be configured", g.ID))
	}

	backendIDs := make(map[string]bool, len(g.Backends))
	for i, b := range g.Backends {
		if b.ID == "" {
			return invalid(fmt.Sprintf("network group %s: backend[%d]: id cannot be empty", g.ID, i))
		}
		if backendIDs[b.ID] {
			return invalid(fmt.Sprintf("network group %s: backend[%d]: duplicate id '%s'", g.ID, i, b.ID))
		}
		backendIDs[b.ID] = true

		if b.Address == "" {
			return invalid(fmt.Sprintf("network group %s: backend[%d]: address cannot be empty", g.ID, i))
		}
		if b.MaxConnections < 0 {
			return invalid(fmt.Sprintf("network group %s: backend[%d]: max_connections cannot be negative", g.ID, i))
		}
	}

	if _, err := affinity.ParsePolicy(g.AffinityPolicy); err != nil {
		return errors.WrapError(err, errors.ErrCodeInvalidConfig, "config",
			fmt.Sprintf("network group %s: invalid affinity_policy", g.ID))
	}

	if _, err := criteria.Build(g.Criteria); err != nil {
		return err
	}

	if err := g.Limits().Validate(); err != nil {
		return err
	}

	if g.AdmissionRate != nil {
		if err := g.AdmissionRate.validate(fmt.Sprintf("network group %s: admission_rate", g.ID)); err != nil {
			return err
		}
	}

	return nil
}

// Limits returns the resource limits of the group, unbounded if none are
// configured.
func (g *NetworkGroupConfig) Limits() limits.Config {
	if g.ResourceLimits == nil {
		return limits.DefaultConfig()
	}
	return *g.ResourceLimits
}

// Policy returns the parsed affinity policy. Call Validate first.
func (g *NetworkGroupConfig) Policy() affinity.Policy {
	p, _ := affinity.ParsePolicy(g.AffinityPolicy)
	return p
}

// ToBackends converts backend configurations to domain backends
func (g *NetworkGroupConfig) ToBackends() []*domain.Backend {
	backends := make([]*domain.Backend, len(g.Backends))
	for i, bc := range g.Backends {
		backend := domain.NewBackend(bc.ID, bc.Address)
		backend.MaxConnections = bc.MaxConnections
		backend.UseTLS = bc.UseTLS
		if bc.DialTimeout > 0 {
			backend.DialTimeout = bc.DialTimeout
		}
		backends[i] = backend
	}
	return backends
}

func (r RateLimitConfig) validate(section string) error {
	if !r.Enabled {
		return nil
	}
	if r.RequestsPerSecond <= 0 {
		return invalid(section + ".requests_per_second must be positive")
	}
	if r.BurstSize <= 0 {
		return invalid(section + ".burst_size must be positive")
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Config) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filename, err)
	}

	return nil
}

func invalid(message string) error {
	return errors.NewError(errors.ErrCodeInvalidConfig, "config", message)
}
