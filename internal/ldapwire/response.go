package ldapwire

import (
	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

// NoticeOfDisconnectionOID names the unsolicited notification a server
// sends before closing a connection on its own (RFC 4511 4.4.1).
const NoticeOfDisconnectionOID = "1.3.6.1.4.1.1466.20036"

// ResponseTag returns the response op tag answering a request tag. ok is
// false for requests without a response.
func ResponseTag(requestTag ber.Tag) (ber.Tag, bool) {
	switch requestTag {
	case ldap.ApplicationBindRequest:
		return ldap.ApplicationBindResponse, true
	case ldap.ApplicationSearchRequest:
		return ldap.ApplicationSearchResultDone, true
	case ldap.ApplicationModifyRequest:
		return ldap.ApplicationModifyResponse, true
	case ldap.ApplicationAddRequest:
		return ldap.ApplicationAddResponse, true
	case ldap.ApplicationDelRequest:
		return ldap.ApplicationDelResponse, true
	case ldap.ApplicationModifyDNRequest:
		return ldap.ApplicationModifyDNResponse, true
	case ldap.ApplicationCompareRequest:
		return ldap.ApplicationCompareResponse, true
	case ldap.ApplicationExtendedRequest:
		return ldap.ApplicationExtendedResponse, true
	default:
		return 0, false
	}
}

// NewResult builds the response to a request the gateway answers itself.
func NewResult(messageID int64, requestTag ber.Tag, resultCode uint16, diagnostic string) (*Message, bool) {
	tag, ok := ResponseTag(requestTag)
	if !ok {
		return nil, false
	}
	return newResult(messageID, tag, resultCode, diagnostic, ""), true
}

// NewNoticeOfDisconnection builds the unsolicited notification sent before
// the gateway drops a client.
func NewNoticeOfDisconnection(resultCode uint16, diagnostic string) *Message {
	return newResult(0, ldap.ApplicationExtendedResponse, resultCode, diagnostic, NoticeOfDisconnectionOID)
}

func newResult(messageID int64, tag ber.Tag, resultCode uint16, diagnostic, responseName string) *Message {
	envelope := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAP Response")
	envelope.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, messageID, "MessageID"))

	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tag, nil, "Response")
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(resultCode), "resultCode"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "", "matchedDN"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, diagnostic, "diagnosticMessage"))
	if responseName != "" {
		op.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 10, responseName, "responseName"))
	}
	envelope.AppendChild(op)

	return &Message{ID: messageID, Packet: envelope}
}
