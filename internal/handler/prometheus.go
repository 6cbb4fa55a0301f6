package handler

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/mir00r/ldap-netgroups/internal/domain"
	"github.com/mir00r/ldap-netgroups/internal/networkgroup"
	"github.com/mir00r/ldap-netgroups/internal/service"
	"github.com/mir00r/ldap-netgroups/pkg/logger"
)

const metricPrefix = "ldap_netgroups_"

// PrometheusHandler serves the server counters in the Prometheus text
// exposition format
type PrometheusHandler struct {
	manager   *networkgroup.Manager
	gateway   *LDAPGateway
	metrics   *service.Metrics
	logger    *logger.Logger
	startTime time.Time
}

// NewPrometheusHandler creates a new Prometheus metrics handler
func NewPrometheusHandler(deps AdminDependencies, log *logger.Logger) *PrometheusHandler {
	return &PrometheusHandler{
		manager:   deps.Manager,
		gateway:   deps.Gateway,
		metrics:   deps.Metrics,
		logger:    log.AdminLogger(),
		startTime: time.Now(),
	}
}

// MetricsHandler serves Prometheus-formatted metrics
func (h *PrometheusHandler) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	h.writeGatewayMetrics(w)
	h.writeGroupMetrics(w)
	h.writeBackendMetrics(w)
	h.writeProcessMetrics(w)

	h.logger.WithField("component", "prometheus").Debug("Served Prometheus metrics")
}

func (h *PrometheusHandler) writeGatewayMetrics(w io.Writer) {
	if h.gateway != nil {
		stats := h.gateway.Stats()
		metric(w, "connections_accepted_total", "counter", "Client connections admitted into a network group")
		fmt.Fprintf(w, "%sconnections_accepted_total %d\n", metricPrefix, stats.Accepted)
		metric(w, "connections_refused_total", "counter", "Client connections refused at admission")
		fmt.Fprintf(w, "%sconnections_refused_total %d\n", metricPrefix, stats.Refused)
		metric(w, "sessions_active", "gauge", "Client sessions currently open")
		fmt.Fprintf(w, "%ssessions_active %d\n", metricPrefix, stats.ActiveSessions)
	}

	ms := h.manager.Stats()
	metric(w, "classifications_total", "counter", "Classification outcomes by result")
	fmt.Fprintf(w, "%sclassifications_total{result=\"matched\"} %d\n", metricPrefix, ms.Classified)
	fmt.Fprintf(w, "%sclassifications_total{result=\"unmatched\"} %d\n", metricPrefix, ms.Unmatched)
	metric(w, "admissions_total", "counter", "Admission decisions by result")
	fmt.Fprintf(w, "%sadmissions_total{result=\"admitted\"} %d\n", metricPrefix, ms.Admitted)
	fmt.Fprintf(w, "%sadmissions_total{result=\"throttled\"} %d\n", metricPrefix, ms.Throttled)
	fmt.Fprintf(w, "%sadmissions_total{result=\"rejected\"} %d\n", metricPrefix, ms.Rejected)
	metric(w, "operations_rejected_total", "counter", "Operations refused by resource limits")
	fmt.Fprintf(w, "%soperations_rejected_total %d\n", metricPrefix, ms.OperationsRejected)
	metric(w, "rehomed_total", "counter", "Sessions moved to another network group after a bind")
	fmt.Fprintf(w, "%srehomed_total %d\n", metricPrefix, ms.Rehomed)
	metric(w, "reconfigurations_total", "counter", "Network group configurations applied")
	fmt.Fprintf(w, "%sreconfigurations_total %d\n", metricPrefix, ms.Reconfigurations)
}

func (h *PrometheusHandler) writeGroupMetrics(w io.Writer) {
	groups := h.manager.Groups()

	metric(w, "group_connections", "gauge", "Connections currently held by a network group")
	for _, g := range groups {
		fmt.Fprintf(w, "%sgroup_connections{group=\"%s\"} %d\n", metricPrefix, sanitizeLabel(g.ID()), g.Limits().Stat().Current)
	}
	metric(w, "group_connections_high_water_mark", "gauge", "Largest number of simultaneous connections of a network group")
	for _, g := range groups {
		fmt.Fprintf(w, "%sgroup_connections_high_water_mark{group=\"%s\"} %d\n", metricPrefix, sanitizeLabel(g.ID()), g.Limits().Stat().HighWaterMark)
	}
	metric(w, "group_connections_total", "counter", "Connections ever admitted into a network group")
	for _, g := range groups {
		fmt.Fprintf(w, "%sgroup_connections_total{group=\"%s\"} %d\n", metricPrefix, sanitizeLabel(g.ID()), g.Limits().Stat().Total)
	}
}

func (h *PrometheusHandler) writeBackendMetrics(w io.Writer) {
	status := make(map[string]domain.BackendStatus)
	for _, b := range h.manager.Backends() {
		status[b.ID] = b.GetStatus()
	}
	ids := make([]string, 0, len(status))
	for id := range status {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	metric(w, "backend_up", "gauge", "Backend health status (1=healthy, 0=otherwise)")
	for _, id := range ids {
		up := 0
		if status[id] == domain.StatusHealthy {
			up = 1
		}
		fmt.Fprintf(w, "%sbackend_up{backend_id=\"%s\"} %d\n", metricPrefix, sanitizeLabel(id), up)
	}

	stats := h.metrics.GetStats()
	backendIDs := make([]string, 0, len(stats.Backends))
	for id := range stats.Backends {
		backendIDs = append(backendIDs, id)
	}
	sort.Strings(backendIDs)

	metric(w, "backend_requests_total", "counter", "Requests forwarded to a backend by operation")
	for _, id := range backendIDs {
		b := stats.Backends[id]
		ops := make([]string, 0, len(b.Operations))
		for op := range b.Operations {
			ops = append(ops, op)
		}
		sort.Strings(ops)
		for _, op := range ops {
			fmt.Fprintf(w, "%sbackend_requests_total{backend_id=\"%s\",operation=\"%s\"} %d\n",
				metricPrefix, sanitizeLabel(id), sanitizeLabel(op), b.Operations[op])
		}
	}
	metric(w, "backend_errors_total", "counter", "Requests a backend answered with an error result")
	for _, id := range backendIDs {
		fmt.Fprintf(w, "%sbackend_errors_total{backend_id=\"%s\"} %d\n", metricPrefix, sanitizeLabel(id), stats.Backends[id].Errors)
	}
	metric(w, "backend_latency_seconds_avg", "gauge", "Average request latency of a backend")
	for _, id := range backendIDs {
		fmt.Fprintf(w, "%sbackend_latency_seconds_avg{backend_id=\"%s\"} %.6f\n", metricPrefix, sanitizeLabel(id), stats.Backends[id].AvgLatency/1000.0)
	}
}

func (h *PrometheusHandler) writeProcessMetrics(w io.Writer) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	metric(w, "uptime_seconds", "gauge", "Seconds since the server started")
	fmt.Fprintf(w, "%suptime_seconds %.2f\n", metricPrefix, time.Since(h.startTime).Seconds())

	fmt.Fprintf(w, "# HELP go_goroutines Number of goroutines that currently exist\n")
	fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
	fmt.Fprintf(w, "go_goroutines %d\n", runtime.NumGoroutine())
	fmt.Fprintf(w, "# HELP go_memstats_heap_alloc_bytes Number of heap bytes allocated and still in use\n")
	fmt.Fprintf(w, "# TYPE go_memstats_heap_alloc_bytes gauge\n")
	fmt.Fprintf(w, "go_memstats_heap_alloc_bytes %d\n", mem.HeapAlloc)
	fmt.Fprintf(w, "# HELP process_start_time_seconds Start time of the process since unix epoch in seconds\n")
	fmt.Fprintf(w, "# TYPE process_start_time_seconds gauge\n")
	fmt.Fprintf(w, "process_start_time_seconds %d\n", h.startTime.Unix())
}

func metric(w io.Writer, name, kind, help string) {
	fmt.Fprintf(w, "# HELP %s%s %s\n", metricPrefix, name, help)
	fmt.Fprintf(w, "# TYPE %s%s %s\n", metricPrefix, name, kind)
}

// sanitizeLabel sanitizes metric label values for Prometheus
func sanitizeLabel(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "\\n")
	return value
}
