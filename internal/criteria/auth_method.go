package criteria

import (
	"github.com/mir00r/ldap-netgroups/internal/domain"
	"github.com/mir00r/ldap-netgroups/internal/errors"
)

// AuthMethodCriterion accepts connections authenticated with one of the
// allowed methods. An empty allowed set never matches.
type AuthMethodCriterion struct {
	anonymous bool
	simple    bool
	sasl      bool
}

// NewAuthMethodCriterion creates the criterion from an allowed set.
func NewAuthMethodCriterion(allowed ...domain.AuthMethod) (*AuthMethodCriterion, error) {
	c := &AuthMethodCriterion{}
	for _, m := range allowed {
		switch m {
		case domain.AuthMethodAnonymous:
			c.anonymous = true
		case domain.AuthMethodSimple:
			c.simple = true
		case domain.AuthMethodSASL:
			c.sasl = true
		default:
			return nil, errors.NewError(errors.ErrCodeInvalidCriterion, "auth_method_criterion",
				"unsupported authentication method "+m.String())
		}
	}
	return c, nil
}

// Allowed lists the accepted methods.
func (c *AuthMethodCriterion) Allowed() []domain.AuthMethod {
	var methods []domain.AuthMethod
	if c.anonymous {
		methods = append(methods, domain.AuthMethodAnonymous)
	}
	if c.simple {
		methods = append(methods, domain.AuthMethodSimple)
	}
	if c.sasl {
		methods = append(methods, domain.AuthMethodSASL)
	}
	return methods
}

// Match implements Criterion.
func (c *AuthMethodCriterion) Match(conn domain.ClientConnection) bool {
	if !conn.IsAuthenticated() {
		return c.anonymous
	}
	switch conn.AuthMethod() {
	case domain.AuthMethodSimple:
		return c.simple
	case domain.AuthMethodSASL:
		return c.sasl
	default:
		return false
	}
}

// MatchAfterBind implements Criterion. An empty bind DN is an anonymous
// bind, a simple bind needs a DN, and SASL matches on the method alone.
func (c *AuthMethodCriterion) MatchAfterBind(_ domain.ClientConnection, bindDN string, method domain.AuthMethod, _ bool) bool {
	if c.anonymous && bindDN == "" {
		return true
	}
	if c.simple && method == domain.AuthMethodSimple && bindDN != "" {
		return true
	}
	if c.sasl && method == domain.AuthMethodSASL {
		return true
	}
	return false
}
