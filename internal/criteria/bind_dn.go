package criteria

import (
	"github.com/mir00r/ldap-netgroups/internal/domain"
	"github.com/mir00r/ldap-netgroups/internal/errors"
)

// BindDNCriterion accepts connections whose bind DN matches any of its
// patterns. Anonymous connections never match.
type BindDNCriterion struct {
	patterns []*DNPattern
}

// NewBindDNCriterion compiles every pattern up front so that a bad pattern
// fails configuration rather than evaluation.
func NewBindDNCriterion(patterns ...string) (*BindDNCriterion, error) {
	c := &BindDNCriterion{patterns: make([]*DNPattern, 0, len(patterns))}
	for _, raw := range patterns {
		p, err := ParseDNPattern(raw)
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeInvalidDNPattern, "bind_dn_criterion",
				"invalid bind DN pattern").WithMetadata("pattern", raw)
		}
		c.patterns = append(c.patterns, p)
	}
	return c, nil
}

// Patterns returns the configured patterns.
func (c *BindDNCriterion) Patterns() []string {
	out := make([]string, len(c.patterns))
	for i, p := range c.patterns {
		out[i] = p.String()
	}
	return out
}

// Match implements Criterion.
func (c *BindDNCriterion) Match(conn domain.ClientConnection) bool {
	return c.matchDN(conn.BindDN())
}

// MatchAfterBind implements Criterion.
func (c *BindDNCriterion) MatchAfterBind(_ domain.ClientConnection, bindDN string, _ domain.AuthMethod, _ bool) bool {
	return c.matchDN(bindDN)
}

func (c *BindDNCriterion) matchDN(dn string) bool {
	if dn == "" {
		return false
	}
	for _, p := range c.patterns {
		if p.Matches(dn) {
			return true
		}
	}
	return false
}
