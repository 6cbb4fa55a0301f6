package domain

import (
	"fmt"
	"net"
	"strings"
)

// AuthMethod identifies how a connection authenticated, or how a pending
// bind request intends to.
type AuthMethod int

const (
	// AuthMethodAnonymous means no credentials (the null DN).
	AuthMethodAnonymous AuthMethod = iota
	// AuthMethodSimple is a DN and password bind.
	AuthMethodSimple
	// AuthMethodSASL is any SASL mechanism.
	AuthMethodSASL
)

// String returns the string representation of AuthMethod
func (m AuthMethod) String() string {
	switch m {
	case AuthMethodAnonymous:
		return "anonymous"
	case AuthMethodSimple:
		return "simple"
	case AuthMethodSASL:
		return "sasl"
	default:
		return "unknown"
	}
}

// ParseAuthMethod converts a configuration value into an AuthMethod
func ParseAuthMethod(s string) (AuthMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "anonymous":
		return AuthMethodAnonymous, nil
	case "simple":
		return AuthMethodSimple, nil
	case "sasl":
		return AuthMethodSASL, nil
	default:
		return 0, fmt.Errorf("unknown authentication method %q", s)
	}
}

// Transport labels of the two LDAP listeners.
const (
	TransportLDAP  = "ldap"
	TransportLDAPS = "ldaps"
)

// ClientConnection is the read-only view of a client connection that
// criteria and resource limits are evaluated against. The connection layer
// owns the underlying state; implementations must be safe to read from any
// goroutine.
type ClientConnection interface {
	// RemoteAddress is the peer IP, nil when unknown.
	RemoteAddress() net.IP
	// RemoteHostName is the canonical host name of the peer, empty when it
	// was not resolved.
	RemoteHostName() string
	// Transport is the label of the listener that accepted the connection.
	Transport() string
	IsAuthenticated() bool
	// AuthMethod is meaningful only when IsAuthenticated is true.
	AuthMethod() AuthMethod
	// BindDN is empty for anonymous connections.
	BindDN() string
	IsSecure() bool
	// OperationsPerformed counts operations completed or started on the
	// connection so far, not including the one being checked.
	OperationsPerformed() int64
	// OperationsInProgress counts operations currently in flight, not
	// including the one being checked.
	OperationsInProgress() int
}

// ConnectionSnapshot is an immutable ClientConnection value.
type ConnectionSnapshot struct {
	Address        net.IP
	HostName       string
	TransportLabel string
	Authenticated  bool
	Method         AuthMethod
	DN             string
	Secure         bool
	OpsPerformed   int64
	OpsInProgress  int
}

var _ ClientConnection = ConnectionSnapshot{}

// RemoteAddress implements ClientConnection
func (s ConnectionSnapshot) RemoteAddress() net.IP { return s.Address }

// RemoteHostName implements ClientConnection
func (s ConnectionSnapshot) RemoteHostName() string { return s.HostName }

// Transport implements ClientConnection
func (s ConnectionSnapshot) Transport() string { return s.TransportLabel }

// IsAuthenticated implements ClientConnection
func (s ConnectionSnapshot) IsAuthenticated() bool { return s.Authenticated }

// AuthMethod implements ClientConnection
func (s ConnectionSnapshot) AuthMethod() AuthMethod { return s.Method }

// BindDN implements ClientConnection
func (s ConnectionSnapshot) BindDN() string { return s.DN }

// IsSecure implements ClientConnection
func (s ConnectionSnapshot) IsSecure() bool { return s.Secure }

// OperationsPerformed implements ClientConnection
func (s ConnectionSnapshot) OperationsPerformed() int64 { return s.OpsPerformed }

// OperationsInProgress implements ClientConnection
func (s ConnectionSnapshot) OperationsInProgress() int { return s.OpsInProgress }

// SourceKey is the key connections from the same peer are counted under.
func SourceKey(conn ClientConnection) string {
	ip := conn.RemoteAddress()
	if ip == nil {
		return ""
	}
	return ip.String()
}
