package criteria

import (
	"sync/atomic"

	"github.com/mir00r/ldap-netgroups/internal/domain"
	"github.com/mir00r/ldap-netgroups/internal/errors"
)

// AuthMethodConfig lists the accepted authentication methods.
type AuthMethodConfig struct {
	Allowed []string `yaml:"allowed" json:"allowed"`
}

// BindDNConfig lists the accepted bind DN patterns.
type BindDNConfig struct {
	Patterns []string `yaml:"patterns" json:"patterns"`
}

// IPFilterConfig lists the accepted client address masks.
type IPFilterConfig struct {
	Masks []string `yaml:"masks" json:"masks"`
}

// PortConfig lists the accepted listener transports ("ldap", "ldaps").
type PortConfig struct {
	Allowed []string `yaml:"allowed" json:"allowed"`
}

// SecurityConfig requires a secure channel when Mandatory is set.
type SecurityConfig struct {
	Mandatory bool `yaml:"mandatory" json:"mandatory"`
}

// Config is the criteria section of a network group. A nil block leaves
// that criterion out.
type Config struct {
	AuthMethod *AuthMethodConfig `yaml:"auth_method,omitempty" json:"auth_method,omitempty"`
	BindDN     *BindDNConfig     `yaml:"bind_dn,omitempty" json:"bind_dn,omitempty"`
	IPFilter   *IPFilterConfig   `yaml:"ip_filter,omitempty" json:"ip_filter,omitempty"`
	Port       *PortConfig       `yaml:"port,omitempty" json:"port,omitempty"`
	Security   *SecurityConfig   `yaml:"security,omitempty" json:"security,omitempty"`
}

// Set is an immutable AND of optional criteria. The zero value matches
// every connection.
type Set struct {
	AuthMethod *AuthMethodCriterion
	BindDN     *BindDNCriterion
	IPFilter   *IPFilterCriterion
	Port       *PortCriterion
	Security   *SecurityCriterion
}

// Build compiles a configuration into a Set. A nil config yields the empty
// set.
func Build(cfg *Config) (*Set, error) {
	set := &Set{}
	if cfg == nil {
		return set, nil
	}

	if cfg.AuthMethod != nil {
		methods := make([]domain.AuthMethod, 0, len(cfg.AuthMethod.Allowed))
		for _, name := range cfg.AuthMethod.Allowed {
			m, err := domain.ParseAuthMethod(name)
			if err != nil {
				return nil, errors.WrapError(err, errors.ErrCodeInvalidCriterion, "auth_method_criterion",
					"invalid authentication method")
			}
			methods = append(methods, m)
		}
		c, err := NewAuthMethodCriterion(methods...)
		if err != nil {
			return nil, err
		}
		set.AuthMethod = c
	}

	if cfg.BindDN != nil {
		c, err := NewBindDNCriterion(cfg.BindDN.Patterns...)
		if err != nil {
			return nil, err
		}
		set.BindDN = c
	}

	if cfg.IPFilter != nil {
		c, err := NewIPFilterCriterion(cfg.IPFilter.Masks...)
		if err != nil {
			return nil, err
		}
		set.IPFilter = c
	}

	if cfg.Port != nil {
		c, err := NewPortCriterion(cfg.Port.Allowed...)
		if err != nil {
			return nil, err
		}
		set.Port = c
	}

	if cfg.Security != nil {
		set.Security = NewSecurityCriterion(cfg.Security.Mandatory)
	}

	return set, nil
}

// criteria returns the present members in evaluation order.
func (s *Set) criteria() []Criterion {
	list := make([]Criterion, 0, 5)
	if s.AuthMethod != nil {
		list = append(list, s.AuthMethod)
	}
	if s.BindDN != nil {
		list = append(list, s.BindDN)
	}
	if s.IPFilter != nil {
		list = append(list, s.IPFilter)
	}
	if s.Port != nil {
		list = append(list, s.Port)
	}
	if s.Security != nil {
		list = append(list, s.Security)
	}
	return list
}

// Empty reports whether no criterion is configured.
func (s *Set) Empty() bool {
	return len(s.criteria()) == 0
}

// Match implements Criterion.
func (s *Set) Match(conn domain.ClientConnection) bool {
	for _, c := range s.criteria() {
		if !c.Match(conn) {
			return false
		}
	}
	return true
}

// MatchAfterBind implements Criterion.
func (s *Set) MatchAfterBind(conn domain.ClientConnection, bindDN string, method domain.AuthMethod, isSecure bool) bool {
	for _, c := range s.criteria() {
		if !c.MatchAfterBind(conn, bindDN, method, isSecure) {
			return false
		}
	}
	return true
}

type installed struct {
	set        *Set
	generation uint64
}

// NetworkGroupCriteria is the reconfigurable criteria of one network group.
// A reconfiguration replaces the whole Set in one pointer swap, so each
// evaluation sees exactly one configuration.
type NetworkGroupCriteria struct {
	current atomic.Pointer[installed]
}

// NewNetworkGroupCriteria returns criteria that match every connection.
func NewNetworkGroupCriteria() *NetworkGroupCriteria {
	n := &NetworkGroupCriteria{}
	n.current.Store(&installed{set: &Set{}})
	return n
}

// Apply compiles cfg and installs it. On error the installed set is left
// unchanged. A nil cfg resets to the match-all state.
func (n *NetworkGroupCriteria) Apply(cfg *Config) error {
	set, err := Build(cfg)
	if err != nil {
		return err
	}
	n.Install(set)
	return nil
}

// Install swaps in a compiled set. Used by callers that validate several
// groups before committing any of them.
func (n *NetworkGroupCriteria) Install(set *Set) {
	if set == nil {
		set = &Set{}
	}
	for {
		old := n.current.Load()
		next := &installed{set: set, generation: old.generation + 1}
		if n.current.CompareAndSwap(old, next) {
			return
		}
	}
}

// Reset drops every criterion.
func (n *NetworkGroupCriteria) Reset() {
	n.Install(&Set{})
}

// Generation counts installs since construction.
func (n *NetworkGroupCriteria) Generation() uint64 {
	return n.current.Load().generation
}

// Current returns the installed set. It must not be modified.
func (n *NetworkGroupCriteria) Current() *Set {
	return n.current.Load().set
}

// Match implements Criterion.
func (n *NetworkGroupCriteria) Match(conn domain.ClientConnection) bool {
	return n.current.Load().set.Match(conn)
}

// MatchAfterBind implements Criterion.
func (n *NetworkGroupCriteria) MatchAfterBind(conn domain.ClientConnection, bindDN string, method domain.AuthMethod, isSecure bool) bool {
	return n.current.Load().set.MatchAfterBind(conn, bindDN, method, isSecure)
}
