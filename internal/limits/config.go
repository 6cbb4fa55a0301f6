package limits

import (
	"fmt"

	"github.com/mir00r/ldap-netgroups/internal/errors"
)

// Unlimited disables the search size or time limit of a group.
const Unlimited = -1

// Config holds the quota scalars of one network group. Connection and
// operation limits of zero or less are not enforced.
type Config struct {
	MaxConnections                int   `yaml:"max_connections" json:"max_connections"`
	MaxConnectionsPerIP           int   `yaml:"max_connections_per_ip" json:"max_connections_per_ip"`
	MaxOpsPerConnection           int64 `yaml:"max_ops_per_connection" json:"max_ops_per_connection"`
	MaxConcurrentOpsPerConnection int   `yaml:"max_concurrent_ops_per_connection" json:"max_concurrent_ops_per_connection"`
	// SearchSizeLimit caps entries returned per search, Unlimited to disable.
	SearchSizeLimit int `yaml:"search_size_limit" json:"search_size_limit"`
	// SearchTimeLimit caps search duration in seconds, Unlimited to disable.
	SearchTimeLimit          int `yaml:"search_time_limit" json:"search_time_limit"`
	MinSearchSubstringLength int `yaml:"min_search_substring_length" json:"min_search_substring_length"`
}

// DefaultConfig returns a configuration that enforces nothing.
func DefaultConfig() Config {
	return Config{
		SearchSizeLimit: Unlimited,
		SearchTimeLimit: Unlimited,
	}
}

// UnmarshalYAML fills unset fields from DefaultConfig.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain Config
	*c = DefaultConfig()
	return unmarshal((*plain)(c))
}

// Validate rejects out of range values.
func (c Config) Validate() error {
	if c.SearchSizeLimit < Unlimited {
		return invalidLimit("search_size_limit", c.SearchSizeLimit)
	}
	if c.SearchTimeLimit < Unlimited {
		return invalidLimit("search_time_limit", c.SearchTimeLimit)
	}
	if c.MinSearchSubstringLength < 0 {
		return invalidLimit("min_search_substring_length", c.MinSearchSubstringLength)
	}
	if c.MaxConnections > 0 && c.MaxConnectionsPerIP > c.MaxConnections {
		return errors.NewError(errors.ErrCodeInvalidLimit, "resource_limits",
			fmt.Sprintf("max_connections_per_ip (%d) exceeds max_connections (%d)",
				c.MaxConnectionsPerIP, c.MaxConnections))
	}
	return nil
}

func invalidLimit(name string, value int) error {
	return errors.NewError(errors.ErrCodeInvalidLimit, "resource_limits",
		fmt.Sprintf("%s must be %d or greater, got %d", name, Unlimited, value)).
		WithMetadata("limit", name)
}
