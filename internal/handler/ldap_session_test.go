package handler

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/ldap-netgroups/internal/config"
	"github.com/mir00r/ldap-netgroups/internal/criteria"
	"github.com/mir00r/ldap-netgroups/internal/domain"
	"github.com/mir00r/ldap-netgroups/internal/ldapwire"
	"github.com/mir00r/ldap-netgroups/internal/networkgroup"
)

// rehomeGroups returns an "anon" group that only holds unauthenticated
// clients and a catch-all "users" group.
func rehomeGroups() []config.NetworkGroupConfig {
	anon := config.NetworkGroupConfig{
		ID:       "anon",
		Priority: 1,
		Backends: []config.BackendConfig{{ID: "b1", Address: "127.0.0.1:1"}},
		Criteria: &criteria.Config{AuthMethod: &criteria.AuthMethodConfig{Allowed: []string{"anonymous"}}},
	}
	users := config.NetworkGroupConfig{
		ID:       "users",
		Priority: 10,
		Backends: []config.BackendConfig{{ID: "b2", Address: "127.0.0.1:2"}},
	}
	return []config.NetworkGroupConfig{anon, users}
}

func newTestGateway(t *testing.T, idle time.Duration, groups ...config.NetworkGroupConfig) (*LDAPGateway, *networkgroup.Manager) {
	t.Helper()
	m := networkgroup.NewManager(nil)
	require.NoError(t, m.Apply(groups))

	gw := NewLDAPGateway(config.ServerConfig{IdleTimeout: idle}, nil, m, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		gw.Stop(ctx)
	})
	return gw, m
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

func admittedSession(t *testing.T, gw *LDAPGateway, m *networkgroup.Manager, id uint64) *session {
	t.Helper()
	server, _ := tcpPair(t)
	s := newSession(gw, id, server, domain.TransportLDAP, false)
	g, err := m.Admit(s.snapshot())
	require.NoError(t, err)
	s.join(g)
	return s
}

// successfulBind returns a pending simple bind and its success response.
func successfulBind(t *testing.T, dn string) (*pendingOp, *ldapwire.Message) {
	t.Helper()
	upstream, _ := net.Pipe()
	t.Cleanup(func() { upstream.Close() })

	link := newBackendLink(domain.NewBackend("b2", "127.0.0.1:2"), upstream)
	p := &pendingOp{
		opType:  domain.OperationBind,
		link:    link,
		started: time.Now(),
		bind:    &ldapwire.BindRequest{Version: 3, Name: dn, Method: domain.AuthMethodSimple},
	}
	resp, ok := ldapwire.NewResult(1, ber.Tag(ldap.ApplicationBindRequest), ldap.LDAPResultSuccess, "")
	require.True(t, ok)
	return p, resp
}

func groupStat(t *testing.T, m *networkgroup.Manager, id string) (current, fromLoopback int) {
	t.Helper()
	g, err := m.Get(id)
	require.NoError(t, err)
	n, _ := g.Limits().ConnectionsFrom("127.0.0.1")
	return g.Limits().Stat().Current, n
}

func TestSession_BindCompletedAfterCloseKeepsCountsExact(t *testing.T) {
	gw, m := newTestGateway(t, time.Minute, rehomeGroups()...)
	closing := admittedSession(t, gw, m, 1)
	admittedSession(t, gw, m, 2)

	current, perIP := groupStat(t, m, "anon")
	require.Equal(t, 2, current)
	require.Equal(t, 2, perIP)

	closing.close()
	p, resp := successfulBind(t, "uid=a,dc=x")
	assert.False(t, closing.completeBind(p, resp))

	current, perIP = groupStat(t, m, "anon")
	assert.Equal(t, 1, current)
	assert.Equal(t, 1, perIP, "the other connection from the same address stays counted")

	current, perIP = groupStat(t, m, "users")
	assert.Equal(t, 0, current)
	assert.Equal(t, 0, perIP)
}

func TestSession_CloseReleasesGroupAfterRehome(t *testing.T) {
	gw, m := newTestGateway(t, time.Minute, rehomeGroups()...)
	s := admittedSession(t, gw, m, 1)

	p, resp := successfulBind(t, "uid=a,dc=x")
	require.True(t, s.completeBind(p, resp))
	assert.Equal(t, "users", s.currentGroup().ID())

	s.close()
	current, _ := groupStat(t, m, "anon")
	assert.Equal(t, 0, current)
	current, _ = groupStat(t, m, "users")
	assert.Equal(t, 0, current)
}

func TestSession_ConcurrentBindAndCloseReleaseOnce(t *testing.T) {
	gw, m := newTestGateway(t, time.Minute, rehomeGroups()...)

	for i := 0; i < 50; i++ {
		s := admittedSession(t, gw, m, uint64(i))
		p, resp := successfulBind(t, "uid=a,dc=x")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.completeBind(p, resp)
		}()
		go func() {
			defer wg.Done()
			s.close()
		}()
		wg.Wait()
	}

	for _, id := range []string{"anon", "users"} {
		current, perIP := groupStat(t, m, id)
		assert.Equal(t, 0, current, id)
		assert.Equal(t, 0, perIP, id)
	}
}

func serveInBackground(s *session) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.serve()
	}()
	return done
}

func TestSession_TimeoutInsideMessageDisconnects(t *testing.T) {
	gw, m := newTestGateway(t, 50*time.Millisecond, rehomeGroups()...)
	server, client := tcpPair(t)
	s := newSession(gw, 1, server, domain.TransportLDAP, false)
	g, err := m.Admit(s.snapshot())
	require.NoError(t, err)
	s.join(g)

	s.mu.Lock()
	s.pending[7] = &pendingOp{opType: domain.OperationSearch, started: time.Now()}
	s.mu.Unlock()

	done := serveInBackground(s)

	// Envelope header only; the body never arrives.
	_, err = client.Write([]byte{0x30, 0x0c})
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	notice, err := ldapwire.ReadMessage(client)
	require.NoError(t, err)
	assert.Equal(t, ber.Tag(ldap.ApplicationExtendedResponse), notice.Tag())
	code, ok := notice.ResultCode()
	require.True(t, ok)
	assert.Equal(t, uint16(ldap.LDAPResultProtocolError), code)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session kept reading after a partial message timed out")
	}
}

func TestSession_IdleTimeoutWaitsForInFlightOperations(t *testing.T) {
	gw, m := newTestGateway(t, 50*time.Millisecond, rehomeGroups()...)
	server, client := tcpPair(t)
	s := newSession(gw, 1, server, domain.TransportLDAP, false)
	g, err := m.Admit(s.snapshot())
	require.NoError(t, err)
	s.join(g)

	s.mu.Lock()
	s.pending[7] = &pendingOp{opType: domain.OperationSearch, started: time.Now()}
	s.mu.Unlock()

	done := serveInBackground(s)

	select {
	case <-done:
		t.Fatal("idle timeout fired with an operation in flight")
	case <-time.After(200 * time.Millisecond):
	}

	s.mu.Lock()
	delete(s.pending, 7)
	s.mu.Unlock()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	notice, err := ldapwire.ReadMessage(client)
	require.NoError(t, err)
	code, ok := notice.ResultCode()
	require.True(t, ok)
	assert.Equal(t, uint16(ldap.LDAPResultUnavailable), code)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("idle session was not closed")
	}
}
