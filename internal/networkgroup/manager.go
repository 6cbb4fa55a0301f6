// Package networkgroup classifies client connections into network groups
// and enforces each group's admission and operation quotas.
package networkgroup

import (
	"sort"
	"sync"

	"github.com/mir00r/ldap-netgroups/internal/config"
	"github.com/mir00r/ldap-netgroups/internal/criteria"
	"github.com/mir00r/ldap-netgroups/internal/domain"
	"github.com/mir00r/ldap-netgroups/internal/errors"
	"github.com/mir00r/ldap-netgroups/internal/limits"
	"github.com/mir00r/ldap-netgroups/pkg/logger"
)

// Stats counts classification and admission outcomes.
type Stats struct {
	Classified         int64 `json:"classified"`
	Unmatched          int64 `json:"unmatched"`
	Admitted           int64 `json:"admitted"`
	Throttled          int64 `json:"throttled"`
	Rejected           int64 `json:"rejected"`
	OperationsRejected int64 `json:"operations_rejected"`
	Rehomed            int64 `json:"rehomed"`
	Reconfigurations   int64 `json:"reconfigurations"`
}

// Manager owns the network groups of the server.
type Manager struct {
	mu     sync.RWMutex
	groups map[string]*NetworkGroup
	// ordered holds the groups in classification order.
	ordered []*NetworkGroup

	statsMu sync.Mutex
	stats   Stats

	logger *logger.Logger
}

// NewManager creates a manager with no groups.
func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{
		groups: make(map[string]*NetworkGroup),
		logger: log,
	}
}

// Apply replaces the complete set of network groups. Every definition is
// validated and compiled before anything changes, so an error leaves the
// previous configuration in place. Groups that keep their id keep their
// live connection counters; removed groups are reset.
func (m *Manager) Apply(cfgs []config.NetworkGroupConfig) error {
	if err := config.ValidateNetworkGroups(cfgs); err != nil {
		m.logger.WithError(err).Warn("Rejected network group configuration")
		return err
	}

	sets := make([]*criteria.Set, len(cfgs))
	for i := range cfgs {
		set, err := criteria.Build(cfgs[i].Criteria)
		if err != nil {
			return err
		}
		sets[i] = set
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]*NetworkGroup, len(cfgs))
	for i, cfg := range cfgs {
		g, ok := m.groups[cfg.ID]
		if !ok {
			g = newNetworkGroup(cfg.ID)
		}
		if err := g.apply(cfg, sets[i]); err != nil {
			// Unreachable after validation; keep going so the swap stays whole.
			m.logger.NetworkGroupLogger(cfg.ID).WithError(err).Error("Failed to apply resource limits")
		}
		next[cfg.ID] = g

		log := m.logger.NetworkGroupLogger(cfg.ID).WithFields(map[string]interface{}{
			"priority":            cfg.Priority,
			"backends":            len(cfg.Backends),
			"affinity_policy":     g.Policy().String(),
			"criteria_generation": g.criteria.Generation(),
		})
		if ok {
			log.Info("Network group reconfigured")
		} else {
			log.Info("Network group added")
		}
	}

	for id, g := range m.groups {
		if _, ok := next[id]; !ok {
			g.reset()
			m.logger.NetworkGroupLogger(id).Info("Network group removed")
		}
	}

	ordered := make([]*NetworkGroup, 0, len(next))
	for _, g := range next {
		ordered = append(ordered, g)
	}
	sort.Slice(ordered, func(i, j int) bool {
		pi, pj := ordered[i].Priority(), ordered[j].Priority()
		if pi != pj {
			return pi < pj
		}
		return ordered[i].id < ordered[j].id
	})

	m.groups = next
	m.ordered = ordered

	m.statsMu.Lock()
	m.stats.Reconfigurations++
	m.statsMu.Unlock()

	return nil
}

// Classify returns the first group, in priority order, whose criteria
// accept the connection.
func (m *Manager) Classify(conn domain.ClientConnection) (*NetworkGroup, error) {
	return m.classify(conn, func(g *NetworkGroup) bool {
		return g.criteria.Match(conn)
	})
}

// ClassifyAfterBind is Classify for the identity a bind is about to
// establish.
func (m *Manager) ClassifyAfterBind(conn domain.ClientConnection, bindDN string, method domain.AuthMethod, isSecure bool) (*NetworkGroup, error) {
	return m.classify(conn, func(g *NetworkGroup) bool {
		return g.criteria.MatchAfterBind(conn, bindDN, method, isSecure)
	})
}

func (m *Manager) classify(conn domain.ClientConnection, match func(*NetworkGroup) bool) (*NetworkGroup, error) {
	m.mu.RLock()
	ordered := m.ordered
	m.mu.RUnlock()

	for _, g := range ordered {
		if match(g) {
			m.count(func(s *Stats) { s.Classified++ })
			return g, nil
		}
	}

	m.count(func(s *Stats) { s.Unmatched++ })
	return nil, errors.NewNoMatchingGroupError(domain.SourceKey(conn))
}

// Admit classifies a new connection and counts it against the group's
// connection limits. The caller must Release the connection when it closes.
func (m *Manager) Admit(conn domain.ClientConnection) (*NetworkGroup, error) {
	g, err := m.Classify(conn)
	if err != nil {
		m.logger.WithField("remote_addr", domain.SourceKey(conn)).Debug("No network group matched connection")
		return nil, err
	}

	ip := domain.SourceKey(conn)
	if !g.allow(ip) {
		m.count(func(s *Stats) { s.Throttled++ })
		m.logger.NetworkGroupLogger(g.id).WithField("client_ip", ip).Warn("Connection rate exceeded")
		return nil, errors.NewRateLimitError(g.id, ip)
	}

	if ok, reason := g.limits.Admit(ip); !ok {
		m.count(func(s *Stats) { s.Rejected++ })
		m.logger.NetworkGroupLogger(g.id).WithFields(map[string]interface{}{
			"client_ip": ip,
			"reason":    reason,
		}).Warn("Connection refused by resource limits")
		return nil, errors.NewAdmissionError(g.id, reason)
	}

	m.count(func(s *Stats) { s.Admitted++ })
	return g, nil
}

// Release uncounts a connection admitted into g.
func (m *Manager) Release(g *NetworkGroup, conn domain.ClientConnection) {
	if g == nil {
		return
	}
	g.limits.RemoveConnection(domain.SourceKey(conn))
}

// CheckOperation verifies the per-connection quotas of g before op starts.
func (m *Manager) CheckOperation(g *NetworkGroup, conn domain.ClientConnection, op *limits.Operation) error {
	ok, reason := g.limits.CheckLimits(conn, op, false)
	if ok {
		return nil
	}

	m.count(func(s *Stats) { s.OperationsRejected++ })
	var opType domain.OperationType
	if op != nil {
		opType = op.Type
	}
	m.logger.NetworkGroupLogger(g.id).WithFields(map[string]interface{}{
		"client_ip": domain.SourceKey(conn),
		"operation": opType.String(),
		"reason":    reason,
	}).Debug("Operation refused by resource limits")
	return errors.NewOperationRejectedError(g.id, opType, reason)
}

// Rehome moves a connection to the group matching the identity a
// successful bind established. It returns the group the connection now
// belongs to. When the bind identity matches no group, or the target group
// has no room, the connection stays counted in from and an error is
// returned.
func (m *Manager) Rehome(from *NetworkGroup, conn domain.ClientConnection, bindDN string, method domain.AuthMethod, isSecure bool) (*NetworkGroup, error) {
	to, err := m.ClassifyAfterBind(conn, bindDN, method, isSecure)
	if err != nil {
		return from, err
	}
	if to == from {
		return from, nil
	}

	// The connection is not yet counted in to, so the full check applies as
	// for a new arrival. Admit repeats the connection part under the lock.
	if ok, reason := to.limits.CheckLimits(conn, nil, true); !ok {
		m.count(func(s *Stats) { s.Rejected++ })
		return from, errors.NewAdmissionError(to.id, reason)
	}
	ip := domain.SourceKey(conn)
	if ok, reason := to.limits.Admit(ip); !ok {
		m.count(func(s *Stats) { s.Rejected++ })
		return from, errors.NewAdmissionError(to.id, reason)
	}
	if from != nil {
		from.limits.RemoveConnection(ip)
	}

	m.count(func(s *Stats) { s.Rehomed++ })
	fromID := ""
	if from != nil {
		fromID = from.id
	}
	m.logger.NetworkGroupLogger(to.id).WithFields(map[string]interface{}{
		"client_ip":  ip,
		"from_group": fromID,
		"bind_dn":    bindDN,
	}).Debug("Connection moved after bind")
	return to, nil
}

// Groups returns the groups in classification order.
func (m *Manager) Groups() []*NetworkGroup {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*NetworkGroup, len(m.ordered))
	copy(out, m.ordered)
	return out
}

// Get returns the group with the given id.
func (m *Manager) Get(id string) (*NetworkGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, errors.NewGroupNotFoundError(id)
	}
	return g, nil
}

// Backends returns every backend of every group. A backend shared by
// several groups by id appears once per group.
func (m *Manager) Backends() []*domain.Backend {
	var out []*domain.Backend
	for _, g := range m.Groups() {
		out = append(out, g.Backends()...)
	}
	return out
}

// Stats returns the manager counters.
func (m *Manager) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

func (m *Manager) count(f func(*Stats)) {
	m.statsMu.Lock()
	f(&m.stats)
	m.statsMu.Unlock()
}
