package networkgroup

import (
	"sync"
	"sync/atomic"

	"github.com/mir00r/ldap-netgroups/internal/affinity"
	"github.com/mir00r/ldap-netgroups/internal/config"
	"github.com/mir00r/ldap-netgroups/internal/criteria"
	"github.com/mir00r/ldap-netgroups/internal/domain"
	"github.com/mir00r/ldap-netgroups/internal/errors"
	"github.com/mir00r/ldap-netgroups/internal/limits"
)

// NetworkGroup is one tenant of the gateway: the criteria that decide which
// connections belong to it, the quotas those connections share and the
// directory servers they are forwarded to.
type NetworkGroup struct {
	id       string
	criteria *criteria.NetworkGroupCriteria
	limits   *limits.ResourceLimits

	mu       sync.RWMutex
	priority int
	policy   affinity.Policy
	backends []*domain.Backend
	throttle *AdmissionThrottle

	next uint64
}

func newNetworkGroup(id string) *NetworkGroup {
	return &NetworkGroup{
		id:       id,
		criteria: criteria.NewNetworkGroupCriteria(),
		limits:   limits.New(),
	}
}

// ID returns the group id.
func (g *NetworkGroup) ID() string { return g.id }

// Criteria returns the live criteria of the group.
func (g *NetworkGroup) Criteria() *criteria.NetworkGroupCriteria { return g.criteria }

// Limits returns the live resource limits of the group.
func (g *NetworkGroup) Limits() *limits.ResourceLimits { return g.limits }

// Priority returns the classification priority, lower first.
func (g *NetworkGroup) Priority() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.priority
}

// Policy returns the client connection affinity policy.
func (g *NetworkGroup) Policy() affinity.Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policy
}

// Backends returns the directory servers of the group.
func (g *NetworkGroup) Backends() []*domain.Backend {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*domain.Backend, len(g.backends))
	copy(out, g.backends)
	return out
}

// Backend looks up a backend by id.
func (g *NetworkGroup) Backend(id string) (*domain.Backend, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, b := range g.backends {
		if b.ID == id {
			return b, true
		}
	}
	return nil, false
}

// SelectBackend picks the next available backend round robin.
func (g *NetworkGroup) SelectBackend() (*domain.Backend, error) {
	g.mu.RLock()
	backends := g.backends
	g.mu.RUnlock()

	n := len(backends)
	if n == 0 {
		return nil, errors.NewError(errors.ErrCodeBackendUnavailable, "network_group",
			"no backends configured").WithMetadata("network_group", g.id)
	}

	start := atomic.AddUint64(&g.next, 1) - 1
	for i := 0; i < n; i++ {
		b := backends[(start+uint64(i))%uint64(n)]
		if b.IsAvailable() {
			return b, nil
		}
	}
	return nil, errors.NewError(errors.ErrCodeBackendUnavailable, "network_group",
		"no available backends").WithMetadata("network_group", g.id)
}

// NewAffinityTracker returns a tracker for a connection admitted into the
// group.
func (g *NetworkGroup) NewAffinityTracker() *affinity.Tracker {
	return affinity.NewTracker(g.Policy())
}

func (g *NetworkGroup) allow(ip string) bool {
	g.mu.RLock()
	throttle := g.throttle
	g.mu.RUnlock()
	return throttle == nil || throttle.Allow(ip)
}

// apply installs a validated configuration. Backends that keep their id keep
// their runtime state.
func (g *NetworkGroup) apply(cfg config.NetworkGroupConfig, set *criteria.Set) error {
	if err := g.limits.Configure(cfg.Limits()); err != nil {
		return err
	}
	g.criteria.Install(set)

	g.mu.Lock()
	defer g.mu.Unlock()

	existing := make(map[string]*domain.Backend, len(g.backends))
	for _, b := range g.backends {
		existing[b.ID] = b
	}
	backends := cfg.ToBackends()
	for i, b := range backends {
		if old, ok := existing[b.ID]; ok && old.Address == b.Address {
			old.MaxConnections = b.MaxConnections
			old.DialTimeout = b.DialTimeout
			old.UseTLS = b.UseTLS
			backends[i] = old
		}
	}

	g.priority = cfg.Priority
	g.policy = cfg.Policy()
	g.backends = backends

	switch rl := cfg.AdmissionRate; {
	case rl == nil || !rl.Enabled:
		g.throttle = nil
	case g.throttle == nil:
		g.throttle = NewAdmissionThrottle(rl.RequestsPerSecond, rl.BurstSize)
	default:
		if r, b := g.throttle.Limit(); r != rl.RequestsPerSecond || b != rl.BurstSize {
			g.throttle = NewAdmissionThrottle(rl.RequestsPerSecond, rl.BurstSize)
		}
	}
	return nil
}

// reset returns the group to its unconfigured state when it is removed.
func (g *NetworkGroup) reset() {
	g.criteria.Reset()
	g.limits.Reset()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.throttle = nil
}

// Info is the externally visible description of a group.
type Info struct {
	ID                 string             `json:"id"`
	Priority           int                `json:"priority"`
	AffinityPolicy     string             `json:"affinity_policy"`
	Backends           []BackendInfo      `json:"backends"`
	Criteria           CriteriaInfo       `json:"criteria"`
	CriteriaGeneration uint64             `json:"criteria_generation"`
	Limits             limits.Config      `json:"resource_limits"`
	LimitsState        string             `json:"resource_limits_state"`
	AdmissionRate      *AdmissionRateInfo `json:"admission_rate,omitempty"`
}

// BackendInfo describes one backend and its runtime state.
type BackendInfo struct {
	ID                string `json:"id"`
	Address           string `json:"address"`
	Status            string `json:"status"`
	ActiveConnections int64  `json:"active_connections"`
	TotalConnections  int64  `json:"total_connections"`
}

// CriteriaInfo lists the installed criteria. Nil members are not configured.
type CriteriaInfo struct {
	AuthMethods       []string `json:"auth_methods,omitempty"`
	BindDNPatterns    []string `json:"bind_dn_patterns,omitempty"`
	AddressMasks      []string `json:"address_masks,omitempty"`
	Transports        []string `json:"transports,omitempty"`
	SecurityMandatory *bool    `json:"security_mandatory,omitempty"`
}

// AdmissionRateInfo describes the admission throttle.
type AdmissionRateInfo struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	BurstSize         int     `json:"burst_size"`
	TrackedClients    int     `json:"tracked_clients"`
}

// Info returns a description of the group's current configuration.
func (g *NetworkGroup) Info() Info {
	set := g.criteria.Current()
	var ci CriteriaInfo
	if set.AuthMethod != nil {
		ci.AuthMethods = []string{}
		for _, m := range set.AuthMethod.Allowed() {
			ci.AuthMethods = append(ci.AuthMethods, m.String())
		}
	}
	if set.BindDN != nil {
		ci.BindDNPatterns = set.BindDN.Patterns()
	}
	if set.IPFilter != nil {
		ci.AddressMasks = set.IPFilter.Masks()
	}
	if set.Port != nil {
		ci.Transports = set.Port.Allowed()
	}
	if set.Security != nil {
		mandatory := set.Security.Mandatory()
		ci.SecurityMandatory = &mandatory
	}

	g.mu.RLock()
	info := Info{
		ID:                 g.id,
		Priority:           g.priority,
		AffinityPolicy:     g.policy.String(),
		Criteria:           ci,
		CriteriaGeneration: g.criteria.Generation(),
		Limits:             g.limits.Config(),
		LimitsState:        g.limits.State().String(),
	}
	for _, b := range g.backends {
		info.Backends = append(info.Backends, BackendInfo{
			ID:                b.ID,
			Address:           b.Address,
			Status:            b.GetStatus().String(),
			ActiveConnections: b.GetActiveConnections(),
			TotalConnections:  b.GetTotalConnections(),
		})
	}
	if g.throttle != nil {
		r, burst := g.throttle.Limit()
		info.AdmissionRate = &AdmissionRateInfo{
			RequestsPerSecond: r,
			BurstSize:         burst,
			TrackedClients:    g.throttle.TrackedClients(),
		}
	}
	g.mu.RUnlock()

	return info
}
