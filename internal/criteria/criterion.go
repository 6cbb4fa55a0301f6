package criteria

import (
	"github.com/mir00r/ldap-netgroups/internal/domain"
)

// Criterion is one admission predicate of a network group.
//
// Match evaluates the connection as it is now. MatchAfterBind evaluates it
// as if a bind with the given identity had already succeeded, without
// touching the connection. Criteria are immutable and never block, so any
// number of goroutines may evaluate them concurrently. Missing facts make a
// criterion fail, never panic.
type Criterion interface {
	Match(conn domain.ClientConnection) bool
	MatchAfterBind(conn domain.ClientConnection, bindDN string, method domain.AuthMethod, isSecure bool) bool
}

var (
	_ Criterion = (*AuthMethodCriterion)(nil)
	_ Criterion = (*BindDNCriterion)(nil)
	_ Criterion = (*IPFilterCriterion)(nil)
	_ Criterion = (*PortCriterion)(nil)
	_ Criterion = (*SecurityCriterion)(nil)
	_ Criterion = (*Set)(nil)
	_ Criterion = (*NetworkGroupCriteria)(nil)
)
