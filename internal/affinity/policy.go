// Package affinity defines when requests on one client connection must be
// pinned to the backend that served an earlier request.
package affinity

import (
	"fmt"
	"strings"
)

// Policy is the client connection affinity policy of a network group.
type Policy int

const (
	// None routes every request independently.
	None Policy = iota
	// FirstReadRequestAfterWriteRequest sends the single read that follows
	// a write to the backend the write went to.
	FirstReadRequestAfterWriteRequest
	// AllWriteRequestsAfterFirstWriteRequest sends every write to the
	// backend of the first write.
	AllWriteRequestsAfterFirstWriteRequest
	// AllRequestsAfterFirstWriteRequest sends every request issued after
	// the first write to the backend of that write.
	AllRequestsAfterFirstWriteRequest
	// AllRequestsAfterFirstRequest pins the whole connection to the backend
	// of its first request.
	AllRequestsAfterFirstRequest
)

var policyNames = map[Policy]string{
	None:                                   "none",
	FirstReadRequestAfterWriteRequest:      "first_read_request_after_write_request",
	AllWriteRequestsAfterFirstWriteRequest: "all_write_requests_after_first_write_request",
	AllRequestsAfterFirstWriteRequest:      "all_requests_after_first_write_request",
	AllRequestsAfterFirstRequest:           "all_requests_after_first_request",
}

// Policies lists every policy value.
func Policies() []Policy {
	return []Policy{
		None,
		FirstReadRequestAfterWriteRequest,
		AllWriteRequestsAfterFirstWriteRequest,
		AllRequestsAfterFirstWriteRequest,
		AllRequestsAfterFirstRequest,
	}
}

// IsActive reports whether the policy constrains routing at all.
func (p Policy) IsActive() bool {
	return p != None
}

// String returns the configuration name of the policy.
func (p Policy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParsePolicy reads a policy name. Names are case-insensitive and accept
// dashes in place of underscores. An empty string means None.
func ParsePolicy(s string) (Policy, error) {
	name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	if name == "" {
		return None, nil
	}
	for p, n := range policyNames {
		if n == name {
			return p, nil
		}
	}
	return None, fmt.Errorf("unknown client connection affinity policy %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Policy) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
