package filter

import (
	"fmt"
	"strings"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
)

// Parse parses an RFC 4515 filter string. The string is compiled to its
// BER form with go-ldap and then converted, so the tree is identical to
// what FromPacket produces for the same filter received on the wire.
func Parse(filterStr string) (*Filter, error) {
	filterStr = strings.TrimSpace(filterStr)
	if filterStr == "" {
		return nil, fmt.Errorf("empty filter")
	}
	if !strings.HasPrefix(filterStr, "(") {
		filterStr = "(" + filterStr + ")"
	}

	packet, err := ldap.CompileFilter(filterStr)
	if err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", filterStr, err)
	}
	return FromPacket(packet)
}

// FromPacket converts a BER encoded search filter into a Filter tree.
func FromPacket(p *ber.Packet) (*Filter, error) {
	if p == nil {
		return nil, fmt.Errorf("nil filter packet")
	}
	if p.ClassType != ber.ClassContext {
		return nil, fmt.Errorf("filter packet has class %d, want context", p.ClassType)
	}

	switch p.Tag {
	case ldap.FilterAnd, ldap.FilterOr:
		elements := make([]*Filter, 0, len(p.Children))
		for _, child := range p.Children {
			f, err := FromPacket(child)
			if err != nil {
				return nil, err
			}
			elements = append(elements, f)
		}
		if p.Tag == ldap.FilterAnd {
			return NewAndFilter(elements...), nil
		}
		return NewOrFilter(elements...), nil

	case ldap.FilterNot:
		if len(p.Children) != 1 {
			return nil, fmt.Errorf("NOT filter must have exactly one child, got %d", len(p.Children))
		}
		operand, err := FromPacket(p.Children[0])
		if err != nil {
			return nil, err
		}
		return NewNotFilter(operand), nil

	case ldap.FilterEqualityMatch, ldap.FilterGreaterOrEqual,
		ldap.FilterLessOrEqual, ldap.FilterApproxMatch:
		if len(p.Children) != 2 {
			return nil, fmt.Errorf("attribute value assertion must have 2 children, got %d", len(p.Children))
		}
		return &Filter{
			Type:      assertionKind(p.Tag),
			Attribute: packetString(p.Children[0]),
			Value:     packetString(p.Children[1]),
		}, nil

	case ldap.FilterPresent:
		return NewPresentFilter(packetString(p)), nil

	case ldap.FilterSubstrings:
		return substringsFromPacket(p)

	case ldap.FilterExtensibleMatch:
		f := &Filter{Type: KindExtensibleMatch}
		for _, child := range p.Children {
			switch child.Tag {
			case ldap.MatchingRuleAssertionMatchingRule:
				f.MatchingRule = packetString(child)
			case ldap.MatchingRuleAssertionType:
				f.Attribute = packetString(child)
			case ldap.MatchingRuleAssertionMatchValue:
				f.Value = packetString(child)
			case ldap.MatchingRuleAssertionDNAttributes:
				f.DNAttributes = true
			}
		}
		return f, nil

	default:
		return nil, fmt.Errorf("unknown filter tag %d", p.Tag)
	}
}

func substringsFromPacket(p *ber.Packet) (*Filter, error) {
	if len(p.Children) != 2 {
		return nil, fmt.Errorf("substring filter must have 2 children, got %d", len(p.Children))
	}

	sub := &SubstringFilter{}
	for _, part := range p.Children[1].Children {
		value := packetString(part)
		switch part.Tag {
		case ldap.FilterSubstringsInitial:
			sub.Initial = value
		case ldap.FilterSubstringsAny:
			sub.Any = append(sub.Any, value)
		case ldap.FilterSubstringsFinal:
			sub.Final = value
		default:
			return nil, fmt.Errorf("unknown substring component tag %d", part.Tag)
		}
	}

	return &Filter{
		Type:      KindSubstring,
		Attribute: packetString(p.Children[0]),
		Substring: sub,
	}, nil
}

func assertionKind(tag ber.Tag) Kind {
	switch tag {
	case ldap.FilterGreaterOrEqual:
		return KindGreaterOrEqual
	case ldap.FilterLessOrEqual:
		return KindLessOrEqual
	case ldap.FilterApproxMatch:
		return KindApproxMatch
	default:
		return KindEquality
	}
}

// packetString reads a primitive's content whether the packet was built
// locally or decoded off the wire.
func packetString(p *ber.Packet) string {
	if p.Data != nil && p.Data.Len() > 0 {
		return p.Data.String()
	}
	if s, ok := p.Value.(string); ok {
		return s
	}
	return ""
}

// String renders the filter in RFC 4515 form.
func (f *Filter) String() string {
	var b strings.Builder
	f.write(&b)
	return b.String()
}

func (f *Filter) write(b *strings.Builder) {
	b.WriteByte('(')
	switch f.Type {
	case KindAnd, KindOr:
		if f.Type == KindAnd {
			b.WriteByte('&')
		} else {
			b.WriteByte('|')
		}
		for _, e := range f.Elements {
			e.write(b)
		}
	case KindNot:
		b.WriteByte('!')
		if f.Operand != nil {
			f.Operand.write(b)
		}
	case KindEquality:
		b.WriteString(f.Attribute + "=" + ldap.EscapeFilter(f.Value))
	case KindGreaterOrEqual:
		b.WriteString(f.Attribute + ">=" + ldap.EscapeFilter(f.Value))
	case KindLessOrEqual:
		b.WriteString(f.Attribute + "<=" + ldap.EscapeFilter(f.Value))
	case KindApproxMatch:
		b.WriteString(f.Attribute + "~=" + ldap.EscapeFilter(f.Value))
	case KindPresent:
		b.WriteString(f.Attribute + "=*")
	case KindSubstring:
		b.WriteString(f.Attribute + "=")
		if f.Substring != nil {
			b.WriteString(ldap.EscapeFilter(f.Substring.Initial))
			b.WriteByte('*')
			for _, a := range f.Substring.Any {
				b.WriteString(ldap.EscapeFilter(a))
				b.WriteByte('*')
			}
			b.WriteString(ldap.EscapeFilter(f.Substring.Final))
		}
	case KindExtensibleMatch:
		b.WriteString(f.Attribute)
		if f.DNAttributes {
			b.WriteString(":dn")
		}
		if f.MatchingRule != "" {
			b.WriteString(":" + f.MatchingRule)
		}
		b.WriteString(":=" + ldap.EscapeFilter(f.Value))
	}
	b.WriteByte(')')
}
