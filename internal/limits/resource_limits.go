// Package limits enforces the connection and operation quotas of a network
// group.
package limits

import (
	"fmt"
	"sync"

	"github.com/mir00r/ldap-netgroups/internal/domain"
	"github.com/mir00r/ldap-netgroups/internal/filter"
)

// State tracks the configuration lifecycle of a ResourceLimits.
type State int

const (
	StateUnconfigured State = iota
	StateConfigured
	StateReconfigured
	StateReset
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateConfigured:
		return "configured"
	case StateReconfigured:
		return "reconfigured"
	case StateReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Operation is the request a quota check is made for. Filter is only read
// for searches and may be nil.
type Operation struct {
	Type   domain.OperationType
	Filter filter.Node
}

// Stat is a point in time view of the connection counters.
type Stat struct {
	Current       int   `json:"current_connections"`
	HighWaterMark int   `json:"high_water_mark"`
	Total         int64 `json:"total_connections"`
}

// ResourceLimits holds the quotas and live connection counters of one
// network group. One mutex guards all of it.
type ResourceLimits struct {
	mu     sync.Mutex
	config Config
	state  State

	current       int
	highWaterMark int
	total         int64
	perIP         map[string]int
}

// New creates unconfigured limits that enforce nothing.
func New() *ResourceLimits {
	return &ResourceLimits{
		config: DefaultConfig(),
		perIP:  make(map[string]int),
	}
}

// Configure validates and installs cfg. Live counters are kept.
func (r *ResourceLimits) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.config = cfg
	if r.state == StateUnconfigured || r.state == StateReset {
		r.state = StateConfigured
	} else {
		r.state = StateReconfigured
	}
	return nil
}

// Reset drops the configuration and zeroes the counters. Connections still
// open are expected to call RemoveConnection, which never goes below zero.
func (r *ResourceLimits) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.config = DefaultConfig()
	r.state = StateReset
	r.current = 0
	r.highWaterMark = 0
	r.total = 0
	r.perIP = make(map[string]int)
}

// State returns the configuration lifecycle state.
func (r *ResourceLimits) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Config returns the installed configuration.
func (r *ResourceLimits) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config
}

// AddConnection counts a newly admitted connection from ip. An empty ip is
// counted globally only.
func (r *ResourceLimits) AddConnection(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add(ip)
}

func (r *ResourceLimits) add(ip string) {
	r.current++
	r.total++
	if r.current > r.highWaterMark {
		r.highWaterMark = r.current
	}
	if ip != "" {
		r.perIP[ip]++
	}
}

// RemoveConnection uncounts a closed connection from ip.
func (r *ResourceLimits) RemoveConnection(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current > 0 {
		r.current--
	}
	if ip == "" {
		return
	}
	if n, ok := r.perIP[ip]; ok {
		if n <= 1 {
			delete(r.perIP, ip)
		} else {
			r.perIP[ip] = n - 1
		}
	}
}

// Admit checks the connection limits for a new connection from ip and, if
// they allow it, counts the connection. Check and count happen under one
// lock hold.
func (r *ResourceLimits) Admit(ip string) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ok, reason := r.checkConnections(ip); !ok {
		return false, reason
	}
	r.add(ip)
	return true, ""
}

// checkConnections must be called with r.mu held. A connection is refused
// once the counters have reached the configured maximum.
func (r *ResourceLimits) checkConnections(ip string) (bool, string) {
	if limit := r.config.MaxConnections; limit > 0 && r.current >= limit {
		return false, fmt.Sprintf("network group connection limit of %d reached", limit)
	}
	if limit := r.config.MaxConnectionsPerIP; limit > 0 && ip != "" && r.perIP[ip] >= limit {
		return false, fmt.Sprintf("per-IP connection limit of %d reached for client %s", limit, ip)
	}
	return true, ""
}

// CheckLimits decides whether conn may start op. With fullCheck the
// connection limits are verified too, as for a connection about to join the
// group: conn must not be counted yet, since a group already holding
// MaxConnections refuses it. Call it before AddConnection, or use Admit. It
// returns false and a single reason on the first violated limit.
func (r *ResourceLimits) CheckLimits(conn domain.ClientConnection, op *Operation, fullCheck bool) (bool, string) {
	r.mu.Lock()
	cfg := r.config
	if fullCheck {
		if ok, reason := r.checkConnections(domain.SourceKey(conn)); !ok {
			r.mu.Unlock()
			return false, reason
		}
	}
	r.mu.Unlock()

	if limit := cfg.MaxOpsPerConnection; limit > 0 && conn.OperationsPerformed() >= limit {
		return false, fmt.Sprintf("operation limit of %d per connection reached", limit)
	}
	if limit := cfg.MaxConcurrentOpsPerConnection; limit > 0 && conn.OperationsInProgress() >= limit {
		return false, fmt.Sprintf("concurrent operation limit of %d per connection reached", limit)
	}
	if op != nil && op.Type == domain.OperationSearch && op.Filter != nil && cfg.MinSearchSubstringLength > 0 {
		if !CheckSubstringLength(op.Filter, cfg.MinSearchSubstringLength) {
			return false, fmt.Sprintf("search filter has a substring shorter than %d characters",
				cfg.MinSearchSubstringLength)
		}
	}
	return true, ""
}

// CheckSubstringLength reports whether every substring assertion in the
// filter has at least minLength characters across its components. AND and OR
// need every child to pass, NOT its operand.
func CheckSubstringLength(node filter.Node, minLength int) bool {
	if node == nil {
		return true
	}
	switch node.Kind() {
	case filter.KindAnd, filter.KindOr:
		for _, child := range node.Subfilters() {
			if !CheckSubstringLength(child, minLength) {
				return false
			}
		}
		return true
	case filter.KindNot:
		return CheckSubstringLength(node.Negated(), minLength)
	case filter.KindSubstring:
		initial, middle, final := node.SubstringComponents()
		length := len(initial) + len(final)
		for _, s := range middle {
			length += len(s)
		}
		return length >= minLength
	default:
		return true
	}
}

// Stat returns the connection counters.
func (r *ResourceLimits) Stat() Stat {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stat{Current: r.current, HighWaterMark: r.highWaterMark, Total: r.total}
}

// ConnectionsFrom returns the open connection count for ip and whether ip
// has an entry at all.
func (r *ResourceLimits) ConnectionsFrom(ip string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.perIP[ip]
	return n, ok
}

// SearchSizeLimit returns the configured entry cap, Unlimited if none.
func (r *ResourceLimits) SearchSizeLimit() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config.SearchSizeLimit
}

// SearchTimeLimit returns the configured time cap in seconds, Unlimited if
// none.
func (r *ResourceLimits) SearchTimeLimit() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config.SearchTimeLimit
}
