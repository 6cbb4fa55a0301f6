package handler

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
	"golang.org/x/net/netutil"

	"github.com/mir00r/ldap-netgroups/internal/config"
	"github.com/mir00r/ldap-netgroups/internal/domain"
	ngerrors "github.com/mir00r/ldap-netgroups/internal/errors"
	"github.com/mir00r/ldap-netgroups/internal/ldapwire"
	"github.com/mir00r/ldap-netgroups/internal/networkgroup"
	"github.com/mir00r/ldap-netgroups/pkg/logger"
)

// LDAPGateway accepts LDAP client connections, admits each one into a
// network group and relays its requests to the group's directory servers.
type LDAPGateway struct {
	config    config.ServerConfig
	tlsConfig *tls.Config
	manager   *networkgroup.Manager
	recorder  OperationRecorder
	logger    *logger.Logger

	// lookupAddr resolves peer host names; replaced in tests.
	lookupAddr func(ctx context.Context, addr string) ([]string, error)

	mu        sync.Mutex
	listeners []net.Listener
	sessions  map[uint64]*session
	closing   bool

	nextID uint64
	wg     sync.WaitGroup

	accepted atomic.Int64
	refused  atomic.Int64
}

// OperationRecorder receives the outcome of each forwarded request.
type OperationRecorder interface {
	RecordOperation(backendID string, op domain.OperationType, resultCode uint16, duration time.Duration)
}

// GatewayStats summarizes the client connections of the gateway.
type GatewayStats struct {
	ActiveSessions int      `json:"active_sessions"`
	Accepted       int64    `json:"accepted"`
	Refused        int64    `json:"refused"`
	Listeners      []string `json:"listeners"`
}

// NewLDAPGateway creates a gateway. tlsConfig may be nil when no LDAPS
// listener is configured.
func NewLDAPGateway(cfg config.ServerConfig, tlsConfig *tls.Config, manager *networkgroup.Manager, log *logger.Logger) *LDAPGateway {
	if log == nil {
		log = logger.NewNop()
	}
	return &LDAPGateway{
		config:     cfg,
		tlsConfig:  tlsConfig,
		manager:    manager,
		logger:     log.GatewayLogger(),
		lookupAddr: net.DefaultResolver.LookupAddr,
		sessions:   make(map[uint64]*session),
	}
}

// SetRecorder installs the sink for per-request outcomes. It must be
// called before Start.
func (g *LDAPGateway) SetRecorder(r OperationRecorder) {
	g.recorder = r
}

func (g *LDAPGateway) record(backendID string, op domain.OperationType, resultCode uint16, started time.Time) {
	if g.recorder != nil {
		g.recorder.RecordOperation(backendID, op, resultCode, time.Since(started))
	}
}

// Start opens the configured listeners and serves them in the background.
func (g *LDAPGateway) Start() error {
	if g.config.ListenAddress != "" {
		ln, err := net.Listen("tcp", g.config.ListenAddress)
		if err != nil {
			return fmt.Errorf("failed to start LDAP listener: %w", err)
		}
		g.Serve(ln, domain.TransportLDAP)
	}

	if g.config.TLSListenAddress != "" {
		if g.tlsConfig == nil {
			g.Stop(context.Background())
			return fmt.Errorf("LDAPS listener %s has no TLS configuration", g.config.TLSListenAddress)
		}
		ln, err := net.Listen("tcp", g.config.TLSListenAddress)
		if err != nil {
			g.Stop(context.Background())
			return fmt.Errorf("failed to start LDAPS listener: %w", err)
		}
		g.Serve(ln, domain.TransportLDAPS)
	}

	return nil
}

// Serve accepts connections from ln until the gateway stops. Connections
// accepted on the ldaps transport are wrapped in TLS.
func (g *LDAPGateway) Serve(ln net.Listener, transport string) {
	if g.config.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, g.config.MaxConnections)
	}

	g.mu.Lock()
	g.listeners = append(g.listeners, ln)
	g.mu.Unlock()

	g.logger.WithFields(map[string]interface{}{
		"address":   ln.Addr().String(),
		"transport": transport,
	}).Info("LDAP listener started")

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.acceptLoop(ln, transport)
	}()
}

func (g *LDAPGateway) acceptLoop(ln net.Listener, transport string) {
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || g.isClosing() {
				return
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff < time.Second {
				backoff *= 2
			}
			g.logger.WithError(err).Error("Failed to accept LDAP connection")
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.handleConnection(conn, transport)
		}()
	}
}

// handleConnection admits a freshly accepted connection and serves it.
func (g *LDAPGateway) handleConnection(conn net.Conn, transport string) {
	secure := transport == domain.TransportLDAPS
	if secure {
		tlsConn := tls.Server(conn, g.tlsConfig)
		ctx, cancel := context.WithTimeout(context.Background(), g.handshakeTimeout())
		err := tlsConn.HandshakeContext(ctx)
		cancel()
		if err != nil {
			g.logger.WithError(err).WithField("remote_addr", conn.RemoteAddr().String()).Debug("TLS handshake failed")
			conn.Close()
			return
		}
		conn = tlsConn
	}

	id := atomic.AddUint64(&g.nextID, 1)
	s := newSession(g, id, conn, transport, secure)
	if tlsConn, ok := conn.(*tls.Conn); ok {
		s.log = s.log.WithFields(connectionTLSInfo(tlsConn.ConnectionState()))
	}
	s.host = g.resolveHost(s.address)

	group, err := g.manager.Admit(s.snapshot())
	if err != nil {
		g.refused.Add(1)
		s.log.WithError(err).Info("Connection refused")
		s.deliver(ldapwire.NewNoticeOfDisconnection(ngerrors.GetLDAPResultCode(err), diagnostic(err)))
		conn.Close()
		return
	}
	g.accepted.Add(1)
	s.join(group)

	if !g.track(s) {
		s.disconnect(ldap.LDAPResultUnavailable, "server is shutting down")
		s.close()
		return
	}
	defer g.untrack(s)

	s.serve()
}

func (g *LDAPGateway) handshakeTimeout() time.Duration {
	if g.config.IdleTimeout > 0 && g.config.IdleTimeout < 30*time.Second {
		return g.config.IdleTimeout
	}
	return 30 * time.Second
}

// resolveHost looks up the canonical host name of ip when reverse DNS is
// enabled. Failures leave the host name empty.
func (g *LDAPGateway) resolveHost(ip net.IP) string {
	if !g.config.ReverseDNS || ip == nil {
		return ""
	}
	timeout := g.config.ReverseDNSTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	names, err := g.lookupAddr(ctx, ip.String())
	if err != nil || len(names) == 0 {
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}

func (g *LDAPGateway) track(s *session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.sessions[s.id] = s
	return true
}

func (g *LDAPGateway) untrack(s *session) {
	g.mu.Lock()
	delete(g.sessions, s.id)
	g.mu.Unlock()
}

func (g *LDAPGateway) isClosing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closing
}

// Stop closes the listeners, disconnects every client and waits for the
// connection goroutines to finish or ctx to expire.
func (g *LDAPGateway) Stop(ctx context.Context) error {
	g.logger.Info("Stopping LDAP gateway")

	g.mu.Lock()
	g.closing = true
	listeners := g.listeners
	g.listeners = nil
	sessions := make([]*session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}
	for _, s := range sessions {
		s.disconnect(ldap.LDAPResultUnavailable, "server is shutting down")
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the gateway counters.
func (g *LDAPGateway) Stats() GatewayStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	stats := GatewayStats{
		ActiveSessions: len(g.sessions),
		Accepted:       g.accepted.Load(),
		Refused:        g.refused.Load(),
		Listeners:      []string{},
	}
	for _, ln := range g.listeners {
		stats.Listeners = append(stats.Listeners, ln.Addr().String())
	}
	return stats
}

// diagnostic returns the human readable part of an error for an LDAP
// diagnosticMessage.
func diagnostic(err error) string {
	var ngErr *ngerrors.NetworkGroupError
	if errors.As(err, &ngErr) {
		return ngErr.Message
	}
	return err.Error()
}
