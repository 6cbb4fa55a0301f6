package criteria

import "github.com/mir00r/ldap-netgroups/internal/domain"

// SecurityCriterion requires a TLS protected connection when mandatory.
type SecurityCriterion struct {
	mandatory bool
}

// NewSecurityCriterion creates the criterion.
func NewSecurityCriterion(mandatory bool) *SecurityCriterion {
	return &SecurityCriterion{mandatory: mandatory}
}

// Mandatory reports whether security is required.
func (c *SecurityCriterion) Mandatory() bool {
	return c.mandatory
}

// Match implements Criterion.
func (c *SecurityCriterion) Match(conn domain.ClientConnection) bool {
	return !c.mandatory || conn.IsSecure()
}

// MatchAfterBind implements Criterion. The candidate security flag is not
// consulted: only the connection's current TLS state counts.
func (c *SecurityCriterion) MatchAfterBind(conn domain.ClientConnection, _ string, _ domain.AuthMethod, _ bool) bool {
	return c.Match(conn)
}
