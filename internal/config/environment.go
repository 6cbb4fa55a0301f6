package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variables recognised by LoadConfig
const (
	EnvConfigFile    = "NG_CONFIG_FILE"
	EnvLogLevel      = "NG_LOG_LEVEL"
	EnvListenAddress = "NG_LISTEN_ADDRESS"
	EnvTLSAddress    = "NG_TLS_LISTEN_ADDRESS"
	EnvAdminAddress  = "NG_ADMIN_ADDRESS"
	EnvJWTSecret     = "NG_ADMIN_JWT_SECRET"
	EnvReloadEnabled = "NG_RELOAD_ENABLED"
	EnvReloadPeriod  = "NG_RELOAD_INTERVAL"
)

// LoadConfig loads the file named by path, or by NG_CONFIG_FILE when path is
// empty, then applies environment overrides and validates the result. With
// no file at all the defaults are used.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = getEnv(EnvConfigFile, "")
	}

	config := DefaultConfig()
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		config = loaded
	}

	ApplyEnvironment(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnvironment overrides config fields from environment variables
func ApplyEnvironment(config *Config) {
	if level := getEnv(EnvLogLevel, ""); level != "" {
		config.Logging.Level = strings.ToLower(level)
	}

	if addr := getEnv(EnvListenAddress, ""); addr != "" {
		config.Server.ListenAddress = addr
	}

	if addr := getEnv(EnvTLSAddress, ""); addr != "" {
		config.Server.TLSListenAddress = addr
	}

	if addr := getEnv(EnvAdminAddress, ""); addr != "" {
		config.Admin.ListenAddress = addr
	}

	if secret := getEnv(EnvJWTSecret, ""); secret != "" {
		config.Admin.JWTSecret = secret
	}

	if enabled := getEnv(EnvReloadEnabled, ""); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Reload.Enabled = b
		}
	}

	if interval := getEnv(EnvReloadPeriod, ""); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			config.Reload.Interval = d
		}
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
