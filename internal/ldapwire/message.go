// Package ldapwire reads and writes LDAPMessage envelopes (RFC 4511) at the
// granularity the gateway needs: enough to classify, police and route each
// request, while forwarding the original bytes unchanged.
package ldapwire

import (
	"fmt"
	"io"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"

	"github.com/mir00r/ldap-netgroups/internal/domain"
	"github.com/mir00r/ldap-netgroups/internal/filter"
)

// Message is one LDAPMessage: a message id, a protocol op and optional
// controls.
type Message struct {
	ID     int64
	Packet *ber.Packet
}

// ReadMessage reads the next message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	p, err := ber.ReadPacket(r)
	if err != nil {
		return nil, err
	}
	return FromPacket(p)
}

// FromPacket validates the envelope of a decoded packet.
func FromPacket(p *ber.Packet) (*Message, error) {
	if p.ClassType != ber.ClassUniversal || p.Tag != ber.TagSequence || len(p.Children) < 2 {
		return nil, fmt.Errorf("malformed LDAPMessage envelope")
	}
	id, ok := asInt64(p.Children[0].Value)
	if !ok || id < 0 {
		return nil, fmt.Errorf("malformed LDAPMessage id")
	}
	if p.Children[1].ClassType != ber.ClassApplication {
		return nil, fmt.Errorf("message %d: protocol op is not an application tag", id)
	}
	return &Message{ID: id, Packet: p}, nil
}

// Op returns the protocol op packet.
func (m *Message) Op() *ber.Packet {
	return m.Packet.Children[1]
}

// Tag returns the application tag of the protocol op.
func (m *Message) Tag() ber.Tag {
	return m.Op().Tag
}

// Bytes encodes the message.
func (m *Message) Bytes() []byte {
	return m.Packet.Bytes()
}

// WriteTo writes the encoded message to w.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(m.Bytes())
	return int64(n), err
}

// OperationType maps a request tag to its operation. ok is false for
// response tags and unknown ops.
func (m *Message) OperationType() (domain.OperationType, bool) {
	switch m.Tag() {
	case ldap.ApplicationBindRequest:
		return domain.OperationBind, true
	case ldap.ApplicationUnbindRequest:
		return domain.OperationUnbind, true
	case ldap.ApplicationSearchRequest:
		return domain.OperationSearch, true
	case ldap.ApplicationModifyRequest:
		return domain.OperationModify, true
	case ldap.ApplicationAddRequest:
		return domain.OperationAdd, true
	case ldap.ApplicationDelRequest:
		return domain.OperationDelete, true
	case ldap.ApplicationModifyDNRequest:
		return domain.OperationModifyDN, true
	case ldap.ApplicationCompareRequest:
		return domain.OperationCompare, true
	case ldap.ApplicationAbandonRequest:
		return domain.OperationAbandon, true
	case ldap.ApplicationExtendedRequest:
		return domain.OperationExtended, true
	default:
		return 0, false
	}
}

// ExpectsResponse reports whether the server answers a request with this
// tag. Abandon and unbind have no response.
func ExpectsResponse(tag ber.Tag) bool {
	return tag != ldap.ApplicationAbandonRequest && tag != ldap.ApplicationUnbindRequest
}

// IsFinalResponse reports whether a response tag completes its request.
// Search entries, references and intermediate responses do not.
func IsFinalResponse(tag ber.Tag) bool {
	switch tag {
	case ldap.ApplicationSearchResultEntry, ldap.ApplicationSearchResultReference,
		ldap.ApplicationIntermediateResponse:
		return false
	default:
		return true
	}
}

// ResultCode returns the resultCode of a response carrying an LDAPResult.
func (m *Message) ResultCode() (uint16, bool) {
	op := m.Op()
	if op.TagType != ber.TypeConstructed || len(op.Children) == 0 {
		return 0, false
	}
	code, ok := asInt64(op.Children[0].Value)
	if !ok {
		return 0, false
	}
	return uint16(code), true
}

// AbandonTarget returns the message id an abandon request refers to.
func (m *Message) AbandonTarget() (int64, bool) {
	if m.Tag() != ldap.ApplicationAbandonRequest {
		return 0, false
	}
	op := m.Op()
	if op.Value != nil {
		return asInt64(op.Value)
	}
	id, err := ber.ParseInt64(op.Data.Bytes())
	return id, err == nil
}

// SearchFilter decodes the filter of a search request.
func (m *Message) SearchFilter() (*filter.Filter, error) {
	op := m.Op()
	if m.Tag() != ldap.ApplicationSearchRequest || len(op.Children) < 7 {
		return nil, fmt.Errorf("message %d is not a search request", m.ID)
	}
	return filter.FromPacket(op.Children[6])
}

// SearchLimits returns the size and time limits a search request asks for.
func (m *Message) SearchLimits() (sizeLimit, timeLimit int64, err error) {
	op := m.Op()
	if m.Tag() != ldap.ApplicationSearchRequest || len(op.Children) < 8 {
		return 0, 0, fmt.Errorf("message %d is not a search request", m.ID)
	}
	size, ok1 := asInt64(op.Children[3].Value)
	tl, ok2 := asInt64(op.Children[4].Value)
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("message %d: malformed search limits", m.ID)
	}
	return size, tl, nil
}

// CapSearchLimits returns a copy of a search request whose size and time
// limits do not exceed the given caps. A cap of zero or less leaves that
// limit alone; a request limit of zero means unlimited and is replaced.
func (m *Message) CapSearchLimits(sizeCap, timeCap int64) (*Message, error) {
	size, tl, err := m.SearchLimits()
	if err != nil {
		return nil, err
	}
	newSize, newTime := capLimit(size, sizeCap), capLimit(tl, timeCap)
	if newSize == size && newTime == tl {
		return m, nil
	}

	op := m.Op()
	search := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ldap.ApplicationSearchRequest, nil, "Search Request")
	for i, child := range op.Children {
		switch i {
		case 3:
			search.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, newSize, "Size Limit"))
		case 4:
			search.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, newTime, "Time Limit"))
		default:
			search.AppendChild(child)
		}
	}
	return m.withOp(m.ID, search), nil
}

// WithID returns a copy of the message carrying a different message id.
func (m *Message) WithID(id int64) *Message {
	return m.withOp(id, m.Op())
}

func (m *Message) withOp(id int64, op *ber.Packet) *Message {
	envelope := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAP Request")
	envelope.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, id, "MessageID"))
	envelope.AppendChild(op)
	for _, extra := range m.Packet.Children[2:] {
		envelope.AppendChild(extra)
	}
	return &Message{ID: id, Packet: envelope}
}

func capLimit(requested, limit int64) int64 {
	if limit <= 0 {
		return requested
	}
	if requested <= 0 || requested > limit {
		return limit
	}
	return requested
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// StartTLSOID is the extended operation that upgrades a connection to TLS.
const StartTLSOID = "1.3.6.1.4.1.1466.20037"

// ExtendedRequestName returns the OID of an extended request.
func (m *Message) ExtendedRequestName() (string, bool) {
	op := m.Op()
	if m.Tag() != ldap.ApplicationExtendedRequest || len(op.Children) == 0 {
		return "", false
	}
	return op.Children[0].Data.String(), true
}
