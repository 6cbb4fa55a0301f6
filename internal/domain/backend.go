package domain

import (
	"sync/atomic"
	"time"
)

// BackendStatus represents the health status of a directory server
type BackendStatus int32

const (
	// StatusHealthy indicates the backend accepts traffic
	StatusHealthy BackendStatus = iota
	// StatusUnhealthy indicates the backend failed its health checks
	StatusUnhealthy
	// StatusMaintenance indicates the backend was drained by an operator
	StatusMaintenance
)

// String returns the string representation of BackendStatus
func (s BackendStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	case StatusMaintenance:
		return "maintenance"
	default:
		return "unknown"
	}
}

// Backend is a directory server a network group forwards to
type Backend struct {
	ID             string        `json:"id" yaml:"id"`
	Address        string        `json:"address" yaml:"address"`
	MaxConnections int           `json:"max_connections" yaml:"max_connections"`
	DialTimeout    time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	// UseTLS dials the backend with LDAPS.
	UseTLS bool `json:"use_tls" yaml:"use_tls"`

	// Runtime state
	activeConnections int64
	totalConnections  int64
	failureCount      int64
	status            int32
	lastHealthCheck   atomic.Int64
}

// NewBackend creates a new Backend instance with default values
func NewBackend(id, address string) *Backend {
	return &Backend{
		ID:          id,
		Address:     address,
		DialTimeout: 5 * time.Second,
	}
}

// IncrementConnections atomically increments the active connection count
func (b *Backend) IncrementConnections() {
	atomic.AddInt64(&b.activeConnections, 1)
	atomic.AddInt64(&b.totalConnections, 1)
}

// DecrementConnections atomically decrements the active connection count
func (b *Backend) DecrementConnections() {
	atomic.AddInt64(&b.activeConnections, -1)
}

// GetActiveConnections returns the current number of active connections
func (b *Backend) GetActiveConnections() int64 {
	return atomic.LoadInt64(&b.activeConnections)
}

// GetTotalConnections returns the number of connections ever opened
func (b *Backend) GetTotalConnections() int64 {
	return atomic.LoadInt64(&b.totalConnections)
}

// IncrementFailures atomically increments the failure count
func (b *Backend) IncrementFailures() int64 {
	return atomic.AddInt64(&b.failureCount, 1)
}

// GetFailureCount returns the current failure count
func (b *Backend) GetFailureCount() int64 {
	return atomic.LoadInt64(&b.failureCount)
}

// ResetFailures resets the failure count to zero
func (b *Backend) ResetFailures() {
	atomic.StoreInt64(&b.failureCount, 0)
}

// SetStatus updates the backend status
func (b *Backend) SetStatus(status BackendStatus) {
	atomic.StoreInt32(&b.status, int32(status))
}

// GetStatus returns the current backend status
func (b *Backend) GetStatus() BackendStatus {
	return BackendStatus(atomic.LoadInt32(&b.status))
}

// IsHealthy returns true if the backend is healthy
func (b *Backend) IsHealthy() bool {
	return b.GetStatus() == StatusHealthy
}

// IsAvailable returns true if the backend can take another connection
func (b *Backend) IsAvailable() bool {
	if !b.IsHealthy() {
		return false
	}
	if b.MaxConnections > 0 && b.GetActiveConnections() >= int64(b.MaxConnections) {
		return false
	}
	return true
}

// UpdateLastHealthCheck records the time of the last health check
func (b *Backend) UpdateLastHealthCheck() {
	b.lastHealthCheck.Store(time.Now().UnixNano())
}

// GetLastHealthCheck returns the time of the last health check
func (b *Backend) GetLastHealthCheck() time.Time {
	ns := b.lastHealthCheck.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
