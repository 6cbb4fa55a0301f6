package service

import (
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/mir00r/ldap-netgroups/internal/domain"
)

// Metrics records the outcome of every request the gateway forwards, per
// directory server
type Metrics struct {
	mu            sync.RWMutex
	totalRequests int64
	totalErrors   int64
	started       time.Time

	backendMetrics map[string]*BackendMetrics
}

// BackendMetrics holds metrics for a specific backend
type BackendMetrics struct {
	Requests     int64            `json:"requests"`
	Errors       int64            `json:"errors"`
	TotalLatency int64            `json:"total_latency_ms"`
	MinLatency   int64            `json:"min_latency_ms"`
	MaxLatency   int64            `json:"max_latency_ms"`
	AvgLatency   float64          `json:"avg_latency_ms"`
	LastRequest  time.Time        `json:"last_request"`
	SuccessRate  float64          `json:"success_rate"`
	Operations   map[string]int64 `json:"operations"`
	Latency      LatencyBuckets   `json:"latency_distribution"`
}

// LatencyBuckets holds latency distribution data
type LatencyBuckets struct {
	Under10ms   int64 `json:"under_10ms"`
	Under50ms   int64 `json:"under_50ms"`
	Under100ms  int64 `json:"under_100ms"`
	Under500ms  int64 `json:"under_500ms"`
	Under1000ms int64 `json:"under_1000ms"`
	Over1000ms  int64 `json:"over_1000ms"`
}

// Stats is a snapshot of all metrics
type Stats struct {
	TotalRequests      int64                     `json:"total_requests"`
	TotalErrors        int64                     `json:"total_errors"`
	OverallSuccessRate float64                   `json:"overall_success_rate"`
	Uptime             string                    `json:"uptime"`
	Backends           map[string]BackendMetrics `json:"backends"`
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		started:        time.Now(),
		backendMetrics: make(map[string]*BackendMetrics),
	}
}

// RecordOperation records one completed request
func (m *Metrics) RecordOperation(backendID string, op domain.OperationType, resultCode uint16, duration time.Duration) {
	latencyMs := duration.Milliseconds()
	failed := isErrorResult(resultCode)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalRequests++
	if failed {
		m.totalErrors++
	}

	b := m.backendMetrics[backendID]
	if b == nil {
		b = &BackendMetrics{
			MinLatency: latencyMs,
			MaxLatency: latencyMs,
			Operations: make(map[string]int64),
		}
		m.backendMetrics[backendID] = b
	}

	b.Requests++
	if failed {
		b.Errors++
	}
	b.Operations[op.String()]++
	b.LastRequest = time.Now()
	b.TotalLatency += latencyMs
	if latencyMs < b.MinLatency {
		b.MinLatency = latencyMs
	}
	if latencyMs > b.MaxLatency {
		b.MaxLatency = latencyMs
	}
	b.AvgLatency = float64(b.TotalLatency) / float64(b.Requests)
	b.SuccessRate = float64(b.Requests-b.Errors) / float64(b.Requests) * 100

	switch {
	case latencyMs < 10:
		b.Latency.Under10ms++
	case latencyMs < 50:
		b.Latency.Under50ms++
	case latencyMs < 100:
		b.Latency.Under100ms++
	case latencyMs < 500:
		b.Latency.Under500ms++
	case latencyMs < 1000:
		b.Latency.Under1000ms++
	default:
		b.Latency.Over1000ms++
	}
}

// isErrorResult reports whether a result code means the request failed.
// Compare results and bind progress are normal outcomes.
func isErrorResult(code uint16) bool {
	switch code {
	case ldap.LDAPResultSuccess, ldap.LDAPResultCompareFalse, ldap.LDAPResultCompareTrue,
		ldap.LDAPResultReferral, ldap.LDAPResultSaslBindInProgress:
		return false
	default:
		return true
	}
}

// GetStats returns current statistics
func (m *Metrics) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		TotalRequests:      m.totalRequests,
		TotalErrors:        m.totalErrors,
		OverallSuccessRate: successRate(m.totalRequests, m.totalErrors),
		Uptime:             time.Since(m.started).Round(time.Second).String(),
		Backends:           make(map[string]BackendMetrics, len(m.backendMetrics)),
	}
	for id, b := range m.backendMetrics {
		stats.Backends[id] = b.copy()
	}
	return stats
}

// GetBackendStats returns statistics for a specific backend
func (m *Metrics) GetBackendStats(backendID string) (BackendMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.backendMetrics[backendID]
	if !ok {
		return BackendMetrics{Operations: map[string]int64{}}, false
	}
	return b.copy(), true
}

func (b *BackendMetrics) copy() BackendMetrics {
	out := *b
	out.Operations = make(map[string]int64, len(b.Operations))
	for k, v := range b.Operations {
		out.Operations[k] = v
	}
	return out
}

// Reset resets all metrics
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalRequests = 0
	m.totalErrors = 0
	m.backendMetrics = make(map[string]*BackendMetrics)
}

// ResetBackend resets metrics for a specific backend
func (m *Metrics) ResetBackend(backendID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.backendMetrics, backendID)
}

// GetOverallSuccessRate returns the overall success rate
func (m *Metrics) GetOverallSuccessRate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return successRate(m.totalRequests, m.totalErrors)
}

func successRate(requests, errors int64) float64 {
	if requests == 0 {
		return 0.0
	}
	return float64(requests-errors) / float64(requests) * 100
}
