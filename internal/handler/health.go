package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mir00r/ldap-netgroups/internal/networkgroup"
)

// ProbeHandler answers orchestrator liveness and readiness probes. Probes
// are served without authentication.
type ProbeHandler struct {
	manager   *networkgroup.Manager
	gateway   *LDAPGateway
	startTime time.Time
	version   string
}

// NewProbeHandler creates a new probe handler
func NewProbeHandler(manager *networkgroup.Manager, gateway *LDAPGateway, version string) *ProbeHandler {
	return &ProbeHandler{
		manager:   manager,
		gateway:   gateway,
		startTime: time.Now(),
		version:   version,
	}
}

// ReadinessHandler reports ready once the gateway listens and at least one
// network group can admit clients
func (h *ProbeHandler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	listeners := len(h.gateway.Stats().Listeners)
	groups := len(h.manager.Groups())

	status, code := "ready", http.StatusOK
	if listeners == 0 || groups == 0 {
		status, code = "not_ready", http.StatusServiceUnavailable
	}

	h.write(w, code, map[string]interface{}{
		"status":         status,
		"listeners":      listeners,
		"network_groups": groups,
	})
}

// LivenessHandler checks if the application is alive
func (h *ProbeHandler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, map[string]interface{}{"status": "alive"})
}

func (h *ProbeHandler) write(w http.ResponseWriter, code int, response map[string]interface{}) {
	response["timestamp"] = time.Now().UTC()
	response["version"] = h.version
	response["uptime"] = time.Since(h.startTime).Round(time.Second).String()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(response)
}
