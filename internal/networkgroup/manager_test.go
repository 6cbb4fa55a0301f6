package networkgroup

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/ldap-netgroups/internal/affinity"
	"github.com/mir00r/ldap-netgroups/internal/config"
	"github.com/mir00r/ldap-netgroups/internal/criteria"
	"github.com/mir00r/ldap-netgroups/internal/domain"
	"github.com/mir00r/ldap-netgroups/internal/errors"
	"github.com/mir00r/ldap-netgroups/internal/filter"
	"github.com/mir00r/ldap-netgroups/internal/limits"
)

func backend(id string) []config.BackendConfig {
	return []config.BackendConfig{{ID: id, Address: id + ".internal:389"}}
}

func testGroups() []config.NetworkGroupConfig {
	return []config.NetworkGroupConfig{
		{
			ID:       "default",
			Priority: 100,
			Backends: backend("replica"),
		},
		{
			ID:             "internal",
			Priority:       10,
			Backends:       backend("primary"),
			AffinityPolicy: "all_requests_after_first_request",
			Criteria: &criteria.Config{
				IPFilter: &criteria.IPFilterConfig{Masks: []string{"10.0.0.0/8"}},
			},
			ResourceLimits: &limits.Config{
				MaxConnections:      3,
				MaxConnectionsPerIP: 2,
				SearchSizeLimit:     limits.Unlimited,
				SearchTimeLimit:     limits.Unlimited,
			},
		},
		{
			ID:       "admins",
			Priority: 1,
			Backends: backend("primary"),
			Criteria: &criteria.Config{
				BindDN: &criteria.BindDNConfig{Patterns: []string{"uid=*,ou=admins,dc=example,dc=com"}},
			},
		},
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(nil)
	require.NoError(t, m.Apply(testGroups()))
	return m
}

func conn(ip string) *domain.ConnectionSnapshot {
	return &domain.ConnectionSnapshot{Address: net.ParseIP(ip), TransportLabel: domain.TransportLDAP}
}

func TestManager_ClassifyByPriority(t *testing.T) {
	m := newTestManager(t)

	ids := []string{}
	for _, g := range m.Groups() {
		ids = append(ids, g.ID())
	}
	assert.Equal(t, []string{"admins", "internal", "default"}, ids)

	g, err := m.Classify(conn("10.1.2.3"))
	require.NoError(t, err)
	assert.Equal(t, "internal", g.ID())

	g, err = m.Classify(conn("192.168.1.1"))
	require.NoError(t, err)
	assert.Equal(t, "default", g.ID())

	g, err = m.ClassifyAfterBind(conn("192.168.1.1"), "uid=root,ou=admins,dc=example,dc=com", domain.AuthMethodSimple, false)
	require.NoError(t, err)
	assert.Equal(t, "admins", g.ID())
}

func TestManager_NoMatchingGroup(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Apply(testGroups()[1:2]))

	_, err := m.Classify(conn("192.168.1.1"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNoMatchingGroup, errors.GetErrorCode(err))
	assert.Equal(t, int64(1), m.Stats().Unmatched)
}

func TestManager_AdmitAndRelease(t *testing.T) {
	m := newTestManager(t)

	var admitted []*NetworkGroup
	for i := 0; i < 2; i++ {
		g, err := m.Admit(conn("10.0.0.1"))
		require.NoError(t, err)
		admitted = append(admitted, g)
	}

	_, err := m.Admit(conn("10.0.0.1"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAdmissionDenied, errors.GetErrorCode(err))
	assert.Contains(t, err.Error(), "per-IP")

	g, err := m.Admit(conn("10.0.0.2"))
	require.NoError(t, err)

	_, err = m.Admit(conn("10.0.0.3"))
	assert.Equal(t, errors.ErrCodeAdmissionDenied, errors.GetErrorCode(err))

	m.Release(g, conn("10.0.0.2"))
	m.Release(admitted[0], conn("10.0.0.1"))

	internal, err := m.Get("internal")
	require.NoError(t, err)
	assert.Equal(t, 1, internal.Limits().Stat().Current)
	assert.Equal(t, 3, internal.Limits().Stat().HighWaterMark)

	stats := m.Stats()
	assert.Equal(t, int64(3), stats.Admitted)
	assert.Equal(t, int64(2), stats.Rejected)
}

func TestManager_AdmissionThrottle(t *testing.T) {
	groups := testGroups()
	groups[0].AdmissionRate = &config.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, BurstSize: 2}
	m := NewManager(nil)
	require.NoError(t, m.Apply(groups))

	for i := 0; i < 2; i++ {
		_, err := m.Admit(conn("192.168.1.1"))
		require.NoError(t, err)
	}
	_, err := m.Admit(conn("192.168.1.1"))
	assert.Equal(t, errors.ErrCodeRateLimitExceeded, errors.GetErrorCode(err))

	_, err = m.Admit(conn("192.168.1.2"))
	assert.NoError(t, err, "throttle is per client address")
}

func TestManager_CheckOperation(t *testing.T) {
	groups := testGroups()
	groups[0].ResourceLimits = &limits.Config{
		MaxConcurrentOpsPerConnection: 1,
		MinSearchSubstringLength:      3,
		SearchSizeLimit:               limits.Unlimited,
		SearchTimeLimit:               limits.Unlimited,
	}
	m := NewManager(nil)
	require.NoError(t, m.Apply(groups))

	c := conn("192.168.1.1")
	g, err := m.Admit(c)
	require.NoError(t, err)

	short, err := filter.Parse("(cn=ab*)")
	require.NoError(t, err)
	err = m.CheckOperation(g, c, &limits.Operation{Type: domain.OperationSearch, Filter: short})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeOperationRejected, errors.GetErrorCode(err))

	assert.NoError(t, m.CheckOperation(g, c, &limits.Operation{Type: domain.OperationAdd}))

	c.OpsInProgress = 1
	err = m.CheckOperation(g, c, &limits.Operation{Type: domain.OperationAdd})
	assert.Equal(t, errors.ErrCodeOperationRejected, errors.GetErrorCode(err))
	assert.Equal(t, int64(2), m.Stats().OperationsRejected)
}

func TestManager_Rehome(t *testing.T) {
	m := newTestManager(t)

	c := conn("10.0.0.1")
	from, err := m.Admit(c)
	require.NoError(t, err)
	require.Equal(t, "internal", from.ID())

	to, err := m.Rehome(from, c, "uid=root,ou=admins,dc=example,dc=com", domain.AuthMethodSimple, false)
	require.NoError(t, err)
	assert.Equal(t, "admins", to.ID())
	assert.Equal(t, 0, from.Limits().Stat().Current)
	assert.Equal(t, 1, to.Limits().Stat().Current)

	same, err := m.Rehome(to, c, "uid=other,ou=admins,dc=example,dc=com", domain.AuthMethodSimple, false)
	require.NoError(t, err)
	assert.Same(t, to, same)
	assert.Equal(t, 1, to.Limits().Stat().Current)
}

func TestManager_RehomeTargetFull(t *testing.T) {
	groups := testGroups()
	groups[2].ResourceLimits = &limits.Config{MaxConnections: 1, SearchSizeLimit: -1, SearchTimeLimit: -1}
	m := NewManager(nil)
	require.NoError(t, m.Apply(groups))

	admins, err := m.Get("admins")
	require.NoError(t, err)
	admins.Limits().AddConnection("172.16.0.1")

	c := conn("10.0.0.1")
	from, err := m.Admit(c)
	require.NoError(t, err)

	got, err := m.Rehome(from, c, "uid=root,ou=admins,dc=example,dc=com", domain.AuthMethodSimple, false)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAdmissionDenied, errors.GetErrorCode(err))
	assert.Same(t, from, got)
	assert.Equal(t, 1, from.Limits().Stat().Current)
}

func TestManager_RehomeTargetPerIPLimit(t *testing.T) {
	groups := testGroups()
	groups[2].ResourceLimits = &limits.Config{MaxConnectionsPerIP: 1, SearchSizeLimit: -1, SearchTimeLimit: -1}
	m := NewManager(nil)
	require.NoError(t, m.Apply(groups))

	admins, err := m.Get("admins")
	require.NoError(t, err)
	admins.Limits().AddConnection("10.0.0.1")

	c := conn("10.0.0.1")
	from, err := m.Admit(c)
	require.NoError(t, err)

	got, err := m.Rehome(from, c, "uid=root,ou=admins,dc=example,dc=com", domain.AuthMethodSimple, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "per-IP")
	assert.Same(t, from, got)
	assert.Equal(t, 1, admins.Limits().Stat().Current)
	assert.Equal(t, int64(0), m.Stats().Rehomed)
	assert.Equal(t, int64(1), m.Stats().Rejected)

	// Room for exactly one more from that address once the other leaves.
	admins.Limits().RemoveConnection("10.0.0.1")
	got, err = m.Rehome(from, c, "uid=root,ou=admins,dc=example,dc=com", domain.AuthMethodSimple, false)
	require.NoError(t, err)
	assert.Same(t, admins, got)
	n, _ := admins.Limits().ConnectionsFrom("10.0.0.1")
	assert.Equal(t, 1, n)
}

func TestManager_ApplyKeepsCountersAndRejectsInvalid(t *testing.T) {
	m := newTestManager(t)
	c := conn("10.0.0.1")
	g, err := m.Admit(c)
	require.NoError(t, err)

	groups := testGroups()
	groups[1].ResourceLimits.MaxConnections = 10
	groups[1].ResourceLimits.MaxConnectionsPerIP = 5
	require.NoError(t, m.Apply(groups))

	same, err := m.Get("internal")
	require.NoError(t, err)
	assert.Same(t, g, same)
	assert.Equal(t, 1, same.Limits().Stat().Current)
	assert.Equal(t, limits.StateReconfigured, same.Limits().State())
	assert.Equal(t, 10, same.Limits().Config().MaxConnections)
	assert.Equal(t, uint64(2), same.Criteria().Generation())

	bad := testGroups()
	bad[1].Criteria.IPFilter.Masks = []string{"10.0.0.0/8", "not an address!"}
	bad[0].Priority = 0
	err = m.Apply(bad)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidAddressMask, errors.GetErrorCode(err))
	assert.Equal(t, 10, same.Limits().Config().MaxConnections, "previous configuration stays in effect")
	assert.Equal(t, 100, mustGet(t, m, "default").Priority())
}

func TestManager_ApplyRemovesGroups(t *testing.T) {
	m := newTestManager(t)
	c := conn("10.0.0.1")
	g, err := m.Admit(c)
	require.NoError(t, err)

	require.NoError(t, m.Apply(testGroups()[:1]))

	_, err = m.Get("internal")
	assert.Equal(t, errors.ErrCodeNetworkGroupMissing, errors.GetErrorCode(err))
	assert.Equal(t, limits.StateReset, g.Limits().State())
	assert.True(t, g.Criteria().Current().Empty())

	m.Release(g, c)
	assert.Equal(t, 0, g.Limits().Stat().Current)

	moved, err := m.Classify(c)
	require.NoError(t, err)
	assert.Equal(t, "default", moved.ID())
}

func TestNetworkGroup_SelectBackend(t *testing.T) {
	m := NewManager(nil)
	groups := []config.NetworkGroupConfig{{
		ID: "g",
		Backends: []config.BackendConfig{
			{ID: "a", Address: "a:389"},
			{ID: "b", Address: "b:389"},
			{ID: "c", Address: "c:389", MaxConnections: 1},
		},
		AffinityPolicy: "all_write_requests_after_first_write_request",
	}}
	require.NoError(t, m.Apply(groups))
	g := mustGet(t, m, "g")

	var picked []string
	for i := 0; i < 6; i++ {
		b, err := g.SelectBackend()
		require.NoError(t, err)
		picked = append(picked, b.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, picked)

	c, ok := g.Backend("c")
	require.True(t, ok)
	c.IncrementConnections()
	a, _ := g.Backend("a")
	a.SetStatus(domain.StatusUnhealthy)

	for i := 0; i < 3; i++ {
		b, err := g.SelectBackend()
		require.NoError(t, err)
		assert.Equal(t, "b", b.ID)
	}

	b, _ := g.Backend("b")
	b.SetStatus(domain.StatusMaintenance)
	_, err := g.SelectBackend()
	assert.Equal(t, errors.ErrCodeBackendUnavailable, errors.GetErrorCode(err))

	assert.Equal(t, affinity.AllWriteRequestsAfterFirstWriteRequest, g.NewAffinityTracker().Policy())

	require.NoError(t, m.Apply(groups))
	kept, _ := g.Backend("c")
	assert.Same(t, c, kept, "backends keep runtime state across reloads")
	assert.Equal(t, int64(1), kept.GetActiveConnections())
}

func TestNetworkGroup_Info(t *testing.T) {
	groups := testGroups()
	groups[1].AdmissionRate = &config.RateLimitConfig{Enabled: true, RequestsPerSecond: 5, BurstSize: 10}
	m := NewManager(nil)
	require.NoError(t, m.Apply(groups))

	info := mustGet(t, m, "internal").Info()
	assert.Equal(t, "internal", info.ID)
	assert.Equal(t, 10, info.Priority)
	assert.Equal(t, "all_requests_after_first_request", info.AffinityPolicy)
	assert.Equal(t, []string{"10.0.0.0/8"}, info.Criteria.AddressMasks)
	assert.Nil(t, info.Criteria.BindDNPatterns)
	assert.Equal(t, "configured", info.LimitsState)
	require.Len(t, info.Backends, 1)
	assert.Equal(t, "healthy", info.Backends[0].Status)
	require.NotNil(t, info.AdmissionRate)
	assert.Equal(t, 10, info.AdmissionRate.BurstSize)
}

func TestAdmissionThrottle(t *testing.T) {
	now := time.Unix(1000, 0)
	th := NewAdmissionThrottle(1, 2)
	th.now = func() time.Time { return now }

	assert.True(t, th.Allow("10.0.0.1"))
	assert.True(t, th.Allow("10.0.0.1"))
	assert.False(t, th.Allow("10.0.0.1"))
	assert.True(t, th.Allow(""))

	now = now.Add(time.Second)
	assert.True(t, th.Allow("10.0.0.1"))
	assert.Equal(t, 1, th.TrackedClients())
}

func mustGet(t *testing.T, m *Manager, id string) *NetworkGroup {
	t.Helper()
	g, err := m.Get(id)
	require.NoError(t, err)
	return g
}
