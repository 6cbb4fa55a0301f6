package ldapwire

import (
	"bytes"
	"testing"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/ldap-netgroups/internal/domain"
	"github.com/mir00r/ldap-netgroups/internal/filter"
)

func envelope(id int64, op *ber.Packet) *ber.Packet {
	p := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAP Request")
	p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, id, "MessageID"))
	p.AppendChild(op)
	return p
}

func searchRequest(t *testing.T, id int64, filterStr string, sizeLimit, timeLimit int64) []byte {
	t.Helper()
	f, err := ldap.CompileFilter(filterStr)
	require.NoError(t, err)

	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ldap.ApplicationSearchRequest, nil, "Search Request")
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "dc=example,dc=com", "Base DN"))
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(2), "Scope"))
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(0), "Deref Aliases"))
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, sizeLimit, "Size Limit"))
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, timeLimit, "Time Limit"))
	op.AppendChild(ber.NewBoolean(ber.ClassUniversal, ber.TypePrimitive, ber.TagBoolean, false, "Types Only"))
	op.AppendChild(f)
	attrs := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Attributes")
	attrs.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "cn", "Attribute"))
	op.AppendChild(attrs)

	return envelope(id, op).Bytes()
}

func simpleBind(id int64, dn, password string) []byte {
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ldap.ApplicationBindRequest, nil, "Bind Request")
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(3), "Version"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, dn, "User Name"))
	op.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 0, password, "Password"))
	return envelope(id, op).Bytes()
}

func read(t *testing.T, b []byte) *Message {
	t.Helper()
	m, err := ReadMessage(bytes.NewReader(b))
	require.NoError(t, err)
	return m
}

func TestReadMessage_Search(t *testing.T) {
	m := read(t, searchRequest(t, 7, "(&(cn=ab*)(sn=xyz*))", 0, 60))

	assert.Equal(t, int64(7), m.ID)
	opType, ok := m.OperationType()
	require.True(t, ok)
	assert.Equal(t, domain.OperationSearch, opType)
	assert.True(t, ExpectsResponse(m.Tag()))

	f, err := m.SearchFilter()
	require.NoError(t, err)
	assert.Equal(t, filter.KindAnd, f.Kind())
	assert.Equal(t, "(&(cn=ab*)(sn=xyz*))", f.String())

	size, tl, err := m.SearchLimits()
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
	assert.Equal(t, int64(60), tl)
}

func TestCapSearchLimits(t *testing.T) {
	m := read(t, searchRequest(t, 9, "(uid=jdoe)", 0, 60))

	capped, err := m.CapSearchLimits(100, 30)
	require.NoError(t, err)

	again := read(t, capped.Bytes())
	assert.Equal(t, int64(9), again.ID)
	size, tl, err := again.SearchLimits()
	require.NoError(t, err)
	assert.Equal(t, int64(100), size)
	assert.Equal(t, int64(30), tl)

	f, err := again.SearchFilter()
	require.NoError(t, err)
	assert.Equal(t, "(uid=jdoe)", f.String())

	same, err := m.CapSearchLimits(0, 120)
	require.NoError(t, err)
	assert.Same(t, m, same, "limits already within the caps are left alone")

	_, err = read(t, simpleBind(1, "", "")).CapSearchLimits(1, 1)
	assert.Error(t, err)
}

func TestWithID(t *testing.T) {
	m := read(t, simpleBind(5, "uid=a,dc=example,dc=com", "secret"))
	re := read(t, m.WithID(2147483000).Bytes())
	assert.Equal(t, int64(2147483000), re.ID)

	bind, err := re.BindRequest()
	require.NoError(t, err)
	assert.Equal(t, "uid=a,dc=example,dc=com", bind.Name)
}

func TestBindRequest(t *testing.T) {
	bind, err := read(t, simpleBind(1, "uid=alice,ou=people,dc=example,dc=com", "pw")).BindRequest()
	require.NoError(t, err)
	assert.Equal(t, int64(3), bind.Version)
	assert.Equal(t, domain.AuthMethodSimple, bind.Method)
	assert.False(t, bind.Anonymous())
	assert.Equal(t, domain.AuthMethodSimple, bind.EffectiveMethod())

	anon, err := read(t, simpleBind(2, "", "")).BindRequest()
	require.NoError(t, err)
	assert.True(t, anon.Anonymous())
	assert.Equal(t, domain.AuthMethodAnonymous, anon.EffectiveMethod())

	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ldap.ApplicationBindRequest, nil, "Bind Request")
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(3), "Version"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "", "User Name"))
	sasl := ber.Encode(ber.ClassContext, ber.TypeConstructed, 3, nil, "SASL")
	sasl.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "EXTERNAL", "Mechanism"))
	op.AppendChild(sasl)

	ext, err := read(t, envelope(3, op).Bytes()).BindRequest()
	require.NoError(t, err)
	assert.Equal(t, domain.AuthMethodSASL, ext.Method)
	assert.Equal(t, "EXTERNAL", ext.Mechanism)
	assert.Equal(t, domain.AuthMethodSASL, ext.EffectiveMethod())

	_, err = read(t, searchRequest(t, 4, "(cn=x)", 0, 0)).BindRequest()
	assert.Error(t, err)
}

func TestAbandonTarget(t *testing.T) {
	op := ber.NewInteger(ber.ClassApplication, ber.TypePrimitive, ldap.ApplicationAbandonRequest, int64(42), "Abandon Request")
	m := read(t, envelope(43, op).Bytes())

	opType, ok := m.OperationType()
	require.True(t, ok)
	assert.Equal(t, domain.OperationAbandon, opType)
	assert.False(t, ExpectsResponse(m.Tag()))

	target, ok := m.AbandonTarget()
	require.True(t, ok)
	assert.Equal(t, int64(42), target)
}

func TestNewResult(t *testing.T) {
	res, ok := NewResult(11, ldap.ApplicationModifyRequest, ldap.LDAPResultBusy, "try later")
	require.True(t, ok)

	m := read(t, res.Bytes())
	assert.Equal(t, int64(11), m.ID)
	assert.Equal(t, ber.Tag(ldap.ApplicationModifyResponse), m.Tag())
	code, ok := m.ResultCode()
	require.True(t, ok)
	assert.Equal(t, ldap.LDAPResultBusy, code)
	assert.True(t, IsFinalResponse(m.Tag()))
	_, isRequest := m.OperationType()
	assert.False(t, isRequest)

	_, ok = NewResult(1, ldap.ApplicationUnbindRequest, ldap.LDAPResultBusy, "")
	assert.False(t, ok)

	done, ok := NewResult(12, ldap.ApplicationSearchRequest, ldap.LDAPResultAdminLimitExceeded, "")
	require.True(t, ok)
	assert.Equal(t, ber.Tag(ldap.ApplicationSearchResultDone), read(t, done.Bytes()).Tag())
	assert.False(t, IsFinalResponse(ldap.ApplicationSearchResultEntry))
}

func TestNoticeOfDisconnection(t *testing.T) {
	m := read(t, NewNoticeOfDisconnection(ldap.LDAPResultUnavailable, "shutting down").Bytes())
	assert.Equal(t, int64(0), m.ID)
	assert.Equal(t, ber.Tag(ldap.ApplicationExtendedResponse), m.Tag())
	require.Len(t, m.Op().Children, 4)
	assert.Equal(t, NoticeOfDisconnectionOID, m.Op().Children[3].Data.String())
}

func TestFromPacket_Malformed(t *testing.T) {
	_, err := FromPacket(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "x", ""))
	assert.Error(t, err)

	p := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "")
	p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(1), ""))
	p.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "x", ""))
	_, err = FromPacket(p)
	assert.Error(t, err)
}

func TestExtendedRequestName(t *testing.T) {
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ldap.ApplicationExtendedRequest, nil, "Extended Request")
	op.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 0, StartTLSOID, "Request Name"))
	m := read(t, envelope(1, op).Bytes())

	name, ok := m.ExtendedRequestName()
	require.True(t, ok)
	assert.Equal(t, StartTLSOID, name)

	_, ok = read(t, simpleBind(2, "", "")).ExtendedRequestName()
	assert.False(t, ok)
}
