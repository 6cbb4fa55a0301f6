package criteria

import (
	"strings"

	"github.com/mir00r/ldap-netgroups/internal/domain"
	"github.com/mir00r/ldap-netgroups/internal/errors"
)

// PortCriterion accepts connections that arrived on one of the allowed
// listeners: plain LDAP, LDAP over TLS, or both.
type PortCriterion struct {
	allowed []string
}

// NewPortCriterion creates the criterion. Only domain.TransportLDAP and
// domain.TransportLDAPS are valid labels.
func NewPortCriterion(transports ...string) (*PortCriterion, error) {
	c := &PortCriterion{}
	for _, t := range transports {
		label := strings.ToLower(strings.TrimSpace(t))
		if label != domain.TransportLDAP && label != domain.TransportLDAPS {
			return nil, errors.NewError(errors.ErrCodeInvalidCriterion, "port_criterion",
				"unsupported listener type "+t+", want ldap or ldaps")
		}
		c.allowed = append(c.allowed, label)
	}
	return c, nil
}

// Allowed lists the accepted transport labels.
func (c *PortCriterion) Allowed() []string {
	return append([]string(nil), c.allowed...)
}

// Match implements Criterion.
func (c *PortCriterion) Match(conn domain.ClientConnection) bool {
	transport := conn.Transport()
	for _, allowed := range c.allowed {
		if strings.EqualFold(transport, allowed) {
			return true
		}
	}
	return false
}

// MatchAfterBind implements Criterion; the listener does not change on bind.
func (c *PortCriterion) MatchAfterBind(conn domain.ClientConnection, _ string, _ domain.AuthMethod, _ bool) bool {
	return c.Match(conn)
}
