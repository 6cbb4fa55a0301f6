package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mir00r/ldap-netgroups/internal/domain"
	ngerrors "github.com/mir00r/ldap-netgroups/internal/errors"
	"github.com/mir00r/ldap-netgroups/internal/limits"
	"github.com/mir00r/ldap-netgroups/internal/middleware"
	"github.com/mir00r/ldap-netgroups/internal/networkgroup"
	"github.com/mir00r/ldap-netgroups/internal/service"
	"github.com/mir00r/ldap-netgroups/pkg/logger"
)

// maxReloadBody bounds the size of a configuration posted to /admin/reload.
const maxReloadBody = 1 << 20

// AdminHandler provides administrative API endpoints
type AdminHandler struct {
	manager       *networkgroup.Manager
	gateway       *LDAPGateway
	metrics       *service.Metrics
	reload        *service.ConfigReloadService
	healthChecker *service.HealthChecker
	logger        *logger.Logger
	startTime     time.Time
}

// AdminDependencies lists what the admin API reports on. Reload and
// HealthChecker may be nil.
type AdminDependencies struct {
	Manager       *networkgroup.Manager
	Gateway       *LDAPGateway
	Metrics       *service.Metrics
	Reload        *service.ConfigReloadService
	HealthChecker *service.HealthChecker
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(deps AdminDependencies, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		manager:       deps.Manager,
		gateway:       deps.Gateway,
		metrics:       deps.Metrics,
		reload:        deps.Reload,
		healthChecker: deps.HealthChecker,
		logger:        log.AdminLogger(),
		startTime:     time.Now(),
	}
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status          string                 `json:"status"`
	Uptime          string                 `json:"uptime"`
	NetworkGroups   int                    `json:"network_groups"`
	TotalBackends   int                    `json:"total_backends"`
	HealthyBackends int                    `json:"healthy_backends"`
	Gateway         GatewayStats           `json:"gateway"`
	HealthCheck     map[string]interface{} `json:"health_check,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
}

// GroupStatsResponse reports the live counters of one network group
type GroupStatsResponse struct {
	ID          string      `json:"id"`
	LimitsState string      `json:"resource_limits_state"`
	Connections limits.Stat `json:"connections"`
}

// ErrorResponse represents error responses
type ErrorResponse struct {
	Error     string    `json:"error"`
	ErrorCode string    `json:"error_code"`
	Code      int       `json:"code"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// Register installs the admin routes under /admin on r and returns the
// subrouter so callers can add middleware that only guards the admin API
func (h *AdminHandler) Register(r *mux.Router) *mux.Router {
	admin := r.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/health", h.HealthHandler).Methods(http.MethodGet)
	admin.HandleFunc("/stats", h.StatsHandler).Methods(http.MethodGet)
	admin.HandleFunc("/network-groups", h.ListNetworkGroupsHandler).Methods(http.MethodGet)
	admin.HandleFunc("/network-groups/{id}", h.GetNetworkGroupHandler).Methods(http.MethodGet)
	admin.HandleFunc("/network-groups/{id}/stats", h.GetNetworkGroupStatsHandler).Methods(http.MethodGet)
	admin.HandleFunc("/metrics", h.MetricsHandler).Methods(http.MethodGet)
	admin.HandleFunc("/metrics", h.ResetMetricsHandler).Methods(http.MethodDelete)
	admin.HandleFunc("/metrics/backends/{id}", h.BackendMetricsHandler).Methods(http.MethodGet)
	admin.HandleFunc("/reload", h.ReloadStatsHandler).Methods(http.MethodGet)
	admin.HandleFunc("/reload", h.ReloadHandler).Methods(http.MethodPost)
	return admin
}

// HealthHandler handles GET /admin/health. The server is degraded while
// no directory server is available.
func (h *AdminHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	seen := make(map[*domain.Backend]bool)
	healthy := 0
	for _, b := range h.manager.Backends() {
		if seen[b] {
			continue
		}
		seen[b] = true
		if b.IsAvailable() {
			healthy++
		}
	}

	response := HealthResponse{
		Status:          "healthy",
		Uptime:          time.Since(h.startTime).Round(time.Second).String(),
		NetworkGroups:   len(h.manager.Groups()),
		TotalBackends:   len(seen),
		HealthyBackends: healthy,
		Timestamp:       time.Now(),
	}
	if h.gateway != nil {
		response.Gateway = h.gateway.Stats()
	}
	if h.healthChecker != nil {
		response.HealthCheck = h.healthChecker.GetStats()
	}

	status := http.StatusOK
	if len(seen) > 0 && healthy == 0 {
		response.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, response)
}

// StatsHandler handles GET /admin/stats
func (h *AdminHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.manager.Stats())
}

// ListNetworkGroupsHandler handles GET /admin/network-groups
func (h *AdminHandler) ListNetworkGroupsHandler(w http.ResponseWriter, r *http.Request) {
	groups := h.manager.Groups()
	response := make([]networkgroup.Info, 0, len(groups))
	for _, g := range groups {
		response = append(response, g.Info())
	}

	h.writeJSON(w, http.StatusOK, response)

	h.logger.WithFields(map[string]interface{}{
		"action": "list_network_groups",
		"count":  len(response),
	}).Debug("Listed network groups")
}

// GetNetworkGroupHandler handles GET /admin/network-groups/{id}
func (h *AdminHandler) GetNetworkGroupHandler(w http.ResponseWriter, r *http.Request) {
	g, err := h.manager.Get(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, g.Info())
}

// GetNetworkGroupStatsHandler handles GET /admin/network-groups/{id}/stats
func (h *AdminHandler) GetNetworkGroupStatsHandler(w http.ResponseWriter, r *http.Request) {
	g, err := h.manager.Get(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, GroupStatsResponse{
		ID:          g.ID(),
		LimitsState: g.Limits().State().String(),
		Connections: g.Limits().Stat(),
	})
}

// MetricsHandler handles GET /admin/metrics
func (h *AdminHandler) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.metrics.GetStats())
}

// BackendMetricsHandler handles GET /admin/metrics/backends/{id}
func (h *AdminHandler) BackendMetricsHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	stats, ok := h.metrics.GetBackendStats(id)
	if !ok {
		h.writeError(w, r, ngerrors.NewError(ngerrors.ErrCodeBackendUnavailable, "admin",
			"no requests recorded for backend '"+id+"'"), http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// ResetMetricsHandler handles DELETE /admin/metrics
func (h *AdminHandler) ResetMetricsHandler(w http.ResponseWriter, r *http.Request) {
	h.metrics.Reset()
	w.WriteHeader(http.StatusNoContent)

	h.logger.WithField("action", "reset_metrics").Info("Reset metrics")
}

// ReloadStatsHandler handles GET /admin/reload
func (h *AdminHandler) ReloadStatsHandler(w http.ResponseWriter, r *http.Request) {
	if h.reload == nil {
		h.writeError(w, r, ngerrors.NewError(ngerrors.ErrCodeInternalError, "admin",
			"configuration reload is not available"), http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, h.reload.GetReloadStats())
}

// ReloadHandler handles POST /admin/reload. The body is a complete YAML
// configuration; on error the running configuration is kept.
func (h *AdminHandler) ReloadHandler(w http.ResponseWriter, r *http.Request) {
	if h.reload == nil {
		h.writeError(w, r, ngerrors.NewError(ngerrors.ErrCodeInternalError, "admin",
			"configuration reload is not available"), http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxReloadBody+1))
	if err != nil {
		h.writeError(w, r, ngerrors.WrapError(err, ngerrors.ErrCodeConfigLoad, "admin", "failed to read request body"))
		return
	}
	if len(body) > maxReloadBody {
		h.writeError(w, r, ngerrors.NewError(ngerrors.ErrCodeConfigLoad, "admin", "configuration too large"),
			http.StatusRequestEntityTooLarge)
		return
	}

	if err := h.reload.ReloadFromAPI(body); err != nil {
		h.writeError(w, r, err)
		return
	}

	fields := map[string]interface{}{"action": "reload"}
	if claims, ok := middleware.ClaimsFromContext(r.Context()); ok {
		fields["subject"] = claims.Subject
	}
	h.logger.WithFields(fields).Info("Configuration reloaded through admin API")

	h.writeJSON(w, http.StatusOK, h.reload.GetReloadStats())
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Error("Failed to encode response")
	}
}

// writeError writes a standardized error response. The status follows
// the error code unless one is given.
func (h *AdminHandler) writeError(w http.ResponseWriter, r *http.Request, err error, status ...int) {
	code := ngerrors.GetHTTPStatusCode(err)
	if len(status) > 0 {
		code = status[0]
	}

	response := ErrorResponse{
		Error:     err.Error(),
		ErrorCode: string(ngerrors.GetErrorCode(err)),
		Code:      code,
		Timestamp: time.Now(),
		RequestID: middleware.RequestIDFromContext(r.Context()),
	}
	h.writeJSON(w, code, response)

	h.logger.WithFields(map[string]interface{}{
		"error":      err.Error(),
		"code":       code,
		"path":       r.URL.Path,
		"request_id": response.RequestID,
	}).Warn("API error response")
}
