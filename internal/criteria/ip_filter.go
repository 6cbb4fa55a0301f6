package criteria

import (
	"github.com/mir00r/ldap-netgroups/internal/domain"
	"github.com/mir00r/ldap-netgroups/internal/errors"
)

// IPFilterCriterion accepts connections whose address or host name matches
// any configured mask.
type IPFilterCriterion struct {
	masks []*AddressMask
}

// NewIPFilterCriterion compiles every mask up front.
func NewIPFilterCriterion(masks ...string) (*IPFilterCriterion, error) {
	c := &IPFilterCriterion{masks: make([]*AddressMask, 0, len(masks))}
	for _, raw := range masks {
		m, err := ParseAddressMask(raw)
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeInvalidAddressMask, "ip_filter_criterion",
				"invalid address mask").WithMetadata("mask", raw)
		}
		c.masks = append(c.masks, m)
	}
	return c, nil
}

// Masks returns the configured masks.
func (c *IPFilterCriterion) Masks() []string {
	out := make([]string, len(c.masks))
	for i, m := range c.masks {
		out[i] = m.String()
	}
	return out
}

// Match implements Criterion. Both the raw address and the canonical host
// name are tried since masks may be numeric or name based.
func (c *IPFilterCriterion) Match(conn domain.ClientConnection) bool {
	ip := conn.RemoteAddress()
	host := conn.RemoteHostName()
	for _, m := range c.masks {
		if m.Matches(ip, host) {
			return true
		}
	}
	return false
}

// MatchAfterBind implements Criterion; the peer address does not change on bind.
func (c *IPFilterCriterion) MatchAfterBind(conn domain.ClientConnection, _ string, _ domain.AuthMethod, _ bool) bool {
	return c.Match(conn)
}
