package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/ldap-netgroups/internal/config"
	"github.com/mir00r/ldap-netgroups/internal/domain"
	"github.com/mir00r/ldap-netgroups/internal/networkgroup"
	"github.com/mir00r/ldap-netgroups/internal/service"
	"github.com/mir00r/ldap-netgroups/pkg/logger"
)

const adminYAML = `
network_groups:
  - id: internal
    priority: 10
    criteria:
      ip_filter:
        masks: ["10.0.0.0/8"]
    backends:
      - id: primary
        address: 127.0.0.1:1
  - id: default
    priority: 100
    backends:
      - id: replica
        address: 127.0.0.1:2
`

type adminFixture struct {
	router  *mux.Router
	manager *networkgroup.Manager
	metrics *service.Metrics
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	cfg, err := config.Parse([]byte(adminYAML))
	require.NoError(t, err)

	m := networkgroup.NewManager(nil)
	require.NoError(t, m.Apply(cfg.NetworkGroups))

	metrics := service.NewMetrics()
	reload := service.NewConfigReloadService(cfg, m, "", logger.NewNop())
	gw := NewLDAPGateway(cfg.Server, nil, m, nil)

	h := NewAdminHandler(AdminDependencies{
		Manager: m,
		Gateway: gw,
		Metrics: metrics,
		Reload:  reload,
	}, logger.NewNop())

	r := mux.NewRouter()
	h.Register(r)
	return &adminFixture{router: r, manager: m, metrics: metrics}
}

func (f *adminFixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestAdmin_ListNetworkGroups(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.do(http.MethodGet, "/admin/network-groups", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var groups []networkgroup.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &groups))
	require.Len(t, groups, 2)
	assert.Equal(t, "internal", groups[0].ID)
	assert.Equal(t, []string{"10.0.0.0/8"}, groups[0].Criteria.AddressMasks)
	assert.Equal(t, "default", groups[1].ID)
}

func TestAdmin_GetNetworkGroup(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.do(http.MethodGet, "/admin/network-groups/default", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var info networkgroup.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, 100, info.Priority)
	require.Len(t, info.Backends, 1)
	assert.Equal(t, "replica", info.Backends[0].ID)

	rec = f.do(http.MethodGet, "/admin/network-groups/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "NETWORK_GROUP_NOT_FOUND", errResp.ErrorCode)
}

func TestAdmin_NetworkGroupStats(t *testing.T) {
	f := newAdminFixture(t)
	g, err := f.manager.Get("default")
	require.NoError(t, err)
	g.Limits().AddConnection("192.0.2.1")

	rec := f.do(http.MethodGet, "/admin/network-groups/default/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats GroupStatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, "default", stats.ID)
	assert.Equal(t, 1, stats.Connections.Current)
	assert.Equal(t, int64(1), stats.Connections.Total)
}

func TestAdmin_Health(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.do(http.MethodGet, "/admin/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 2, health.NetworkGroups)
	assert.Equal(t, 2, health.TotalBackends)
	assert.Equal(t, 2, health.HealthyBackends)

	for _, b := range f.manager.Backends() {
		b.SetStatus(domain.StatusUnhealthy)
	}
	rec = f.do(http.MethodGet, "/admin/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health.Status)
}

func TestAdmin_Metrics(t *testing.T) {
	f := newAdminFixture(t)
	f.metrics.RecordOperation("primary", domain.OperationSearch, ldap.LDAPResultSuccess, 3*time.Millisecond)

	rec := f.do(http.MethodGet, "/admin/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats service.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.TotalRequests)

	rec = f.do(http.MethodGet, "/admin/metrics/backends/primary", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/admin/metrics/backends/nobody", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodDelete, "/admin/metrics", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(0), f.metrics.GetStats().TotalRequests)
}

func TestAdmin_Reload(t *testing.T) {
	f := newAdminFixture(t)

	updated := adminYAML + `  - id: partners
    priority: 50
    criteria:
      auth_method:
        allowed: [simple]
    backends:
      - id: partner
        address: 127.0.0.1:3
`
	rec := f.do(http.MethodPost, "/admin/reload", updated)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, f.manager.Groups(), 3)

	rec = f.do(http.MethodPost, "/admin/reload", "network_groups: [")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, f.manager.Groups(), 3)

	rec = f.do(http.MethodGet, "/admin/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, float64(1), stats["reloads"])
	assert.Equal(t, float64(1), stats["failures"])
}

func TestAdmin_MethodNotAllowed(t *testing.T) {
	f := newAdminFixture(t)

	rec := f.do(http.MethodPut, "/admin/network-groups", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
