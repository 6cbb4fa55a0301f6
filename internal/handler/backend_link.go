package handler

import (
	"crypto/tls"
	"math"
	"net"
	"sync"

	"github.com/mir00r/ldap-netgroups/internal/domain"
	"github.com/mir00r/ldap-netgroups/internal/ldapwire"
)

// replayMessageID is the message id of the bind the gateway sends on a new
// backend connection before any client request.
const replayMessageID = math.MaxInt32

// backendLink is a session's connection to one directory server.
type backendLink struct {
	backend *domain.Backend
	conn    net.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	expected map[int64]chan uint16
	retired  bool

	closeOnce sync.Once
}

func newBackendLink(b *domain.Backend, conn net.Conn) *backendLink {
	b.IncrementConnections()
	return &backendLink{
		backend:  b,
		conn:     conn,
		expected: make(map[int64]chan uint16),
	}
}

// dialBackend connects to a directory server
func dialBackend(b *domain.Backend) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: b.DialTimeout}
	if !b.UseTLS {
		return dialer.Dial("tcp", b.Address)
	}

	host, _, err := net.SplitHostPort(b.Address)
	if err != nil {
		host = b.Address
	}
	return tls.DialWithDialer(dialer, "tcp", b.Address, &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	})
}

func (l *backendLink) send(msg *ldapwire.Message) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_, err := msg.WriteTo(l.conn)
	return err
}

// expect reserves a message id whose result the gateway consumes itself.
func (l *backendLink) expect(id int64) <-chan uint16 {
	ch := make(chan uint16, 1)
	l.mu.Lock()
	l.expected[id] = ch
	l.mu.Unlock()
	return ch
}

func (l *backendLink) claim(id int64) (chan uint16, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.expected[id]
	if ok {
		delete(l.expected, id)
	}
	return ch, ok
}

func (l *backendLink) failExpected() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, ch := range l.expected {
		close(ch)
		delete(l.expected, id)
	}
}

// retire closes a link the session no longer routes to.
func (l *backendLink) retire() {
	l.mu.Lock()
	l.retired = true
	l.mu.Unlock()
	l.close()
}

func (l *backendLink) isRetired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retired
}

func (l *backendLink) close() {
	l.closeOnce.Do(func() {
		l.conn.Close()
		l.backend.DecrementConnections()
	})
}
