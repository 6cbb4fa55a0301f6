package service

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/mir00r/ldap-netgroups/internal/config"
	"github.com/mir00r/ldap-netgroups/internal/domain"
	"github.com/mir00r/ldap-netgroups/pkg/logger"
)

// BackendSource lists the directory servers to probe. It is consulted on
// every round so backends added by a reload are picked up.
type BackendSource func() []*domain.Backend

// HealthChecker probes directory servers with a root DSE search and marks
// them healthy or unhealthy.
type HealthChecker struct {
	config    config.HealthCheckConfig
	backends  BackendSource
	logger    *logger.Logger
	stopChan  chan struct{}
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.RWMutex

	// successes counts consecutive passed checks of unhealthy backends.
	successMu sync.Mutex
	successes map[*domain.Backend]int
}

// NewHealthChecker creates a new health checker instance
func NewHealthChecker(config config.HealthCheckConfig, backends BackendSource, logger *logger.Logger) *HealthChecker {
	return &HealthChecker{
		config:    config,
		backends:  backends,
		logger:    logger.HealthCheckLogger(),
		stopChan:  make(chan struct{}),
		successes: make(map[*domain.Backend]int),
	}
}

// Check performs a health check on a backend
func (hc *HealthChecker) Check(ctx context.Context, backend *domain.Backend) error {
	if !hc.config.Enabled {
		return nil
	}

	log := hc.logger.BackendLogger(backend.ID, backend.Address)

	start := time.Now()
	err := hc.probe(ctx, backend)
	duration := time.Since(start)
	backend.UpdateLastHealthCheck()

	if err != nil {
		log.WithError(err).WithField("duration_ms", duration.Milliseconds()).
			Warn("Health check failed")
		hc.handleHealthCheckFailure(backend)
		return err
	}

	log.WithField("duration_ms", duration.Milliseconds()).Debug("Backend health check passed")
	hc.handleHealthCheckSuccess(backend)
	return nil
}

// probe connects to the backend and reads its root DSE.
func (hc *HealthChecker) probe(ctx context.Context, backend *domain.Backend) error {
	timeout := hc.config.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return fmt.Errorf("health check timed out before dialing")
	}

	dialer := &net.Dialer{Timeout: timeout}
	url := "ldap://" + backend.Address
	opts := []ldap.DialOpt{ldap.DialWithDialer(dialer)}
	if backend.UseTLS {
		url = "ldaps://" + backend.Address
		host, _, err := net.SplitHostPort(backend.Address)
		if err != nil {
			host = backend.Address
		}
		opts = append(opts, ldap.DialWithTLSConfig(&tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}))
	}

	conn, err := ldap.DialURL(url, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()
	conn.SetTimeout(timeout)

	_, err = conn.Search(ldap.NewSearchRequest(
		"", ldap.ScopeBaseObject, ldap.NeverDerefAliases, 1, int(timeout.Seconds()), false,
		"(objectClass=*)", []string{"supportedLDAPVersion"}, nil,
	))
	if err != nil {
		return fmt.Errorf("root DSE search failed: %w", err)
	}
	return nil
}

// StartChecking probes every backend on each interval until ctx ends or
// StopChecking is called
func (hc *HealthChecker) StartChecking(ctx context.Context) error {
	if !hc.config.Enabled {
		hc.logger.Info("Health checking is disabled")
		return nil
	}

	hc.mu.Lock()
	defer hc.mu.Unlock()

	if hc.isRunning {
		return fmt.Errorf("health checker is already running")
	}

	hc.isRunning = true
	hc.logger.Infof("Starting health checker with interval %v", hc.config.Interval)

	hc.wg.Add(1)
	go hc.healthCheckLoop(ctx)

	return nil
}

// StopChecking stops health checking
func (hc *HealthChecker) StopChecking() error {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	if !hc.isRunning {
		return nil
	}

	hc.logger.Info("Stopping health checker")
	close(hc.stopChan)
	hc.wg.Wait()
	hc.isRunning = false
	hc.stopChan = make(chan struct{})

	hc.logger.Info("Health checker stopped")
	return nil
}

func (hc *HealthChecker) healthCheckLoop(ctx context.Context) {
	defer hc.wg.Done()

	ticker := time.NewTicker(hc.config.Interval)
	defer ticker.Stop()

	hc.checkAll(ctx)

	for {
		select {
		case <-ctx.Done():
			hc.logger.Debug("Health check loop stopped due to context cancellation")
			return
		case <-hc.stopChan:
			hc.logger.Debug("Health check loop stopped")
			return
		case <-ticker.C:
			hc.checkAll(ctx)
		}
	}
}

// checkAll probes each distinct backend once, concurrently.
func (hc *HealthChecker) checkAll(ctx context.Context) {
	seen := make(map[*domain.Backend]bool)
	var wg sync.WaitGroup
	for _, backend := range hc.backends() {
		if seen[backend] || backend.GetStatus() == domain.StatusMaintenance {
			continue
		}
		seen[backend] = true

		wg.Add(1)
		go func(b *domain.Backend) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, hc.config.Timeout)
			defer cancel()
			hc.Check(checkCtx, b)
		}(backend)
	}
	wg.Wait()

	hc.successMu.Lock()
	for b := range hc.successes {
		if !seen[b] {
			delete(hc.successes, b)
		}
	}
	hc.successMu.Unlock()
}

// handleHealthCheckSuccess handles a successful health check
func (hc *HealthChecker) handleHealthCheckSuccess(backend *domain.Backend) {
	if backend.GetFailureCount() > 0 {
		backend.ResetFailures()
	}

	if backend.GetStatus() != domain.StatusUnhealthy {
		return
	}

	hc.successMu.Lock()
	hc.successes[backend]++
	passed := hc.successes[backend]
	if passed >= hc.config.HealthyThreshold {
		delete(hc.successes, backend)
	}
	hc.successMu.Unlock()

	if passed >= hc.config.HealthyThreshold {
		backend.SetStatus(domain.StatusHealthy)
		hc.logger.BackendLogger(backend.ID, backend.Address).
			Info("Backend recovered and marked as healthy")
	}
}

// handleHealthCheckFailure handles a failed health check
func (hc *HealthChecker) handleHealthCheckFailure(backend *domain.Backend) {
	failures := backend.IncrementFailures()

	hc.successMu.Lock()
	delete(hc.successes, backend)
	hc.successMu.Unlock()

	log := hc.logger.BackendLogger(backend.ID, backend.Address).
		WithField("failure_count", failures)

	if failures >= int64(hc.config.UnhealthyThreshold) {
		if backend.GetStatus() == domain.StatusHealthy {
			backend.SetStatus(domain.StatusUnhealthy)
			log.Warn("Backend marked as unhealthy due to repeated failures")
		}
	} else {
		log.Debug("Health check failed but threshold not reached")
	}
}

// GetStats returns health checker statistics
func (hc *HealthChecker) GetStats() map[string]interface{} {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	return map[string]interface{}{
		"enabled":             hc.config.Enabled,
		"running":             hc.isRunning,
		"interval":            hc.config.Interval.String(),
		"timeout":             hc.config.Timeout.String(),
		"healthy_threshold":   hc.config.HealthyThreshold,
		"unhealthy_threshold": hc.config.UnhealthyThreshold,
	}
}

// IsRunning returns true if health checking is currently running
func (hc *HealthChecker) IsRunning() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.isRunning
}
