package criteria

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

var (
	attributeNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9-]*$`)
	attributeOIDPattern  = regexp.MustCompile(`^[0-9]+(\.[0-9]+)*$`)
)

// DNPattern matches distinguished names against a wildcard pattern.
//
// A component of "*" matches exactly one RDN and "**" matches any number of
// RDNs, including none. Inside an attribute value, "*" matches any run of
// characters, so "uid=*,ou=people,dc=example,dc=com" matches every entry
// directly below ou=people. Attribute types and values compare
// case-insensitively.
type DNPattern struct {
	raw        string
	components []rdnPattern
}

type rdnKind int

const (
	rdnLiteral rdnKind = iota
	rdnAnyOne
	rdnAnyMany
)

type rdnPattern struct {
	kind rdnKind
	avas []avaPattern
}

type avaPattern struct {
	attr string
	// value holds the literal pieces of the value split at every unescaped
	// "*"; a single piece means no wildcard.
	value []string
}

// ParseDNPattern compiles a pattern, rejecting malformed input.
func ParseDNPattern(pattern string) (*DNPattern, error) {
	trimmed := strings.TrimSpace(pattern)
	if trimmed == "" {
		return nil, fmt.Errorf("empty DN pattern")
	}

	parts, err := splitUnescaped(trimmed, ',')
	if err != nil {
		return nil, fmt.Errorf("DN pattern %q: %w", pattern, err)
	}

	p := &DNPattern{raw: trimmed}
	for i, part := range parts {
		part = strings.TrimSpace(part)
		switch part {
		case "":
			return nil, fmt.Errorf("DN pattern %q: empty RDN at position %d", pattern, i)
		case "*":
			p.components = append(p.components, rdnPattern{kind: rdnAnyOne})
			continue
		case "**":
			if n := len(p.components); n > 0 && p.components[n-1].kind == rdnAnyMany {
				return nil, fmt.Errorf("DN pattern %q: consecutive ** components", pattern)
			}
			p.components = append(p.components, rdnPattern{kind: rdnAnyMany})
			continue
		}

		rdn, err := parseRDNPattern(part)
		if err != nil {
			return nil, fmt.Errorf("DN pattern %q: %w", pattern, err)
		}
		p.components = append(p.components, rdn)
	}

	return p, nil
}

func parseRDNPattern(s string) (rdnPattern, error) {
	avas, err := splitUnescaped(s, '+')
	if err != nil {
		return rdnPattern{}, err
	}

	rdn := rdnPattern{kind: rdnLiteral}
	for _, ava := range avas {
		eq := indexUnescaped(ava, '=')
		if eq < 0 {
			return rdnPattern{}, fmt.Errorf("RDN %q has no '='", ava)
		}
		attr := strings.TrimSpace(ava[:eq])
		if !attributeNamePattern.MatchString(attr) && !attributeOIDPattern.MatchString(attr) {
			return rdnPattern{}, fmt.Errorf("invalid attribute type %q", attr)
		}
		value, err := parseValuePattern(strings.TrimSpace(ava[eq+1:]))
		if err != nil {
			return rdnPattern{}, fmt.Errorf("attribute %s: %w", attr, err)
		}
		rdn.avas = append(rdn.avas, avaPattern{attr: strings.ToLower(attr), value: value})
	}
	return rdn, nil
}

// parseValuePattern unescapes a value and splits it at unescaped "*".
func parseValuePattern(raw string) ([]string, error) {
	if raw == "" {
		return nil, fmt.Errorf("empty attribute value")
	}

	var pieces []string
	var cur strings.Builder
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch c {
		case '*':
			pieces = append(pieces, strings.ToLower(cur.String()))
			cur.Reset()
		case '\\':
			if i+1 >= len(raw) {
				return nil, fmt.Errorf("trailing escape in %q", raw)
			}
			if i+2 < len(raw) && isHex(raw[i+1]) && isHex(raw[i+2]) {
				b, _ := strconv.ParseUint(raw[i+1:i+3], 16, 8)
				cur.WriteByte(byte(b))
				i += 2
			} else {
				cur.WriteByte(raw[i+1])
				i++
			}
		default:
			cur.WriteByte(c)
		}
	}
	pieces = append(pieces, strings.ToLower(cur.String()))
	return pieces, nil
}

// String returns the pattern as configured.
func (p *DNPattern) String() string {
	return p.raw
}

// Matches reports whether dn matches the pattern. DNs that do not parse
// never match.
func (p *DNPattern) Matches(dn string) bool {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return false
	}
	return p.matchFrom(0, parsed.RDNs)
}

func (p *DNPattern) matchFrom(i int, rdns []*ldap.RelativeDN) bool {
	if i == len(p.components) {
		return len(rdns) == 0
	}

	c := p.components[i]
	switch c.kind {
	case rdnAnyMany:
		for skip := 0; skip <= len(rdns); skip++ {
			if p.matchFrom(i+1, rdns[skip:]) {
				return true
			}
		}
		return false
	case rdnAnyOne:
		return len(rdns) > 0 && p.matchFrom(i+1, rdns[1:])
	default:
		return len(rdns) > 0 && c.matches(rdns[0]) && p.matchFrom(i+1, rdns[1:])
	}
}

func (r rdnPattern) matches(rdn *ldap.RelativeDN) bool {
	if len(rdn.Attributes) != len(r.avas) {
		return false
	}
	for _, ava := range r.avas {
		found := false
		for _, attr := range rdn.Attributes {
			if strings.EqualFold(attr.Type, ava.attr) {
				found = globMatch(ava.value, strings.ToLower(attr.Value))
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// globMatch matches value against pieces produced by splitting a pattern
// at each "*".
func globMatch(pieces []string, value string) bool {
	if len(pieces) == 1 {
		return pieces[0] == value
	}

	first, last := pieces[0], pieces[len(pieces)-1]
	if len(value) < len(first)+len(last) ||
		!strings.HasPrefix(value, first) || !strings.HasSuffix(value, last) {
		return false
	}

	middle := value[len(first) : len(value)-len(last)]
	for _, piece := range pieces[1 : len(pieces)-1] {
		idx := strings.Index(middle, piece)
		if idx < 0 {
			return false
		}
		middle = middle[idx+len(piece):]
	}
	return true
}

func splitUnescaped(s string, sep byte) ([]string, error) {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 >= len(s) {
				return nil, fmt.Errorf("trailing escape")
			}
			i++
		case sep:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:]), nil
}

func indexUnescaped(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' {
			i++
			continue
		}
		if s[i] == c {
			return i
		}
	}
	return -1
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
