package ldapwire

import (
	"fmt"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"

	"github.com/mir00r/ldap-netgroups/internal/domain"
)

// Authentication choice tags of a BindRequest.
const (
	bindAuthSimple ber.Tag = 0
	bindAuthSASL   ber.Tag = 3
)

// BindRequest is the identity part of a bind request. Credentials are not
// retained.
type BindRequest struct {
	Version   int64
	Name      string
	Method    domain.AuthMethod
	Mechanism string
}

// Anonymous reports whether the bind establishes the anonymous identity.
func (b *BindRequest) Anonymous() bool {
	return b.Method == domain.AuthMethodSimple && b.Name == ""
}

// EffectiveMethod is the method the connection ends up authenticated with.
func (b *BindRequest) EffectiveMethod() domain.AuthMethod {
	if b.Anonymous() {
		return domain.AuthMethodAnonymous
	}
	return b.Method
}

// BindRequest decodes a bind request.
func (m *Message) BindRequest() (*BindRequest, error) {
	if m.Tag() != ldap.ApplicationBindRequest {
		return nil, fmt.Errorf("message %d is not a bind request", m.ID)
	}
	op := m.Op()
	if len(op.Children) < 3 {
		return nil, fmt.Errorf("message %d: malformed bind request", m.ID)
	}

	version, ok := asInt64(op.Children[0].Value)
	if !ok {
		return nil, fmt.Errorf("message %d: malformed bind version", m.ID)
	}
	name, ok := op.Children[1].Value.(string)
	if !ok {
		return nil, fmt.Errorf("message %d: malformed bind name", m.ID)
	}

	req := &BindRequest{Version: version, Name: name}
	auth := op.Children[2]
	switch auth.Tag {
	case bindAuthSimple:
		req.Method = domain.AuthMethodSimple
	case bindAuthSASL:
		req.Method = domain.AuthMethodSASL
		if len(auth.Children) > 0 {
			if mech, ok := auth.Children[0].Value.(string); ok {
				req.Mechanism = mech
			} else {
				req.Mechanism = auth.Children[0].Data.String()
			}
		}
	default:
		return nil, fmt.Errorf("message %d: unsupported authentication choice %d", m.ID, auth.Tag)
	}
	return req, nil
}
