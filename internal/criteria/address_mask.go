package criteria

import (
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
)

var hostLabelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

type maskKind int

const (
	maskPrefix maskKind = iota
	maskIPv4Wildcard
	maskHost
)

// AddressMask matches a client by address or by host name. It is one of:
//   - an IPv4 or IPv6 address, or a CIDR prefix ("10.0.0.0/8", "fe80::/10")
//   - an IPv4 address with "*" octets ("192.168.*.*")
//   - a host name, optionally starting with "*." to match any host below
//     a domain ("*.example.com")
type AddressMask struct {
	raw    string
	kind   maskKind
	prefix netip.Prefix
	// octets of an IPv4 wildcard mask, -1 for "*".
	octets [4]int
	// labels of a host mask, lower case; a leading "*" matches one or more
	// labels.
	labels []string
}

// ParseAddressMask compiles a mask, rejecting malformed input.
func ParseAddressMask(s string) (*AddressMask, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return nil, fmt.Errorf("empty address mask")
	}
	m := &AddressMask{raw: raw}

	if strings.Contains(raw, "/") {
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid subnet %q: %w", raw, err)
		}
		m.kind = maskPrefix
		m.prefix = prefix.Masked()
		return m, nil
	}

	if addr, err := netip.ParseAddr(raw); err == nil {
		addr = addr.Unmap()
		m.kind = maskPrefix
		m.prefix = netip.PrefixFrom(addr, addr.BitLen())
		return m, nil
	}

	if strings.Contains(raw, ":") {
		return nil, fmt.Errorf("invalid IPv6 address %q", raw)
	}

	if octets, ok, err := parseIPv4Wildcard(raw); ok {
		if err != nil {
			return nil, err
		}
		m.kind = maskIPv4Wildcard
		m.octets = octets
		return m, nil
	}

	labels := strings.Split(strings.ToLower(raw), ".")
	for i, label := range labels {
		if label == "*" && i == 0 {
			continue
		}
		if !hostLabelPattern.MatchString(label) {
			return nil, fmt.Errorf("invalid host name mask %q", raw)
		}
	}
	m.kind = maskHost
	m.labels = labels
	return m, nil
}

// parseIPv4Wildcard reports ok when s looks like four dotted numeric or "*"
// tokens with at least one "*".
func parseIPv4Wildcard(s string) ([4]int, bool, error) {
	var octets [4]int
	tokens := strings.Split(s, ".")
	if len(tokens) != 4 || !strings.Contains(s, "*") {
		return octets, false, nil
	}
	for _, t := range tokens {
		if t != "*" && strings.Trim(t, "0123456789") != "" {
			return octets, false, nil
		}
	}
	for i, t := range tokens {
		if t == "*" {
			octets[i] = -1
			continue
		}
		n, err := strconv.Atoi(t)
		if err != nil || n < 0 || n > 255 {
			return octets, true, fmt.Errorf("invalid octet %q in address mask %q", t, s)
		}
		octets[i] = n
	}
	return octets, true, nil
}

// String returns the mask as configured.
func (m *AddressMask) String() string {
	return m.raw
}

// Matches reports whether the address or the host name matches the mask.
func (m *AddressMask) Matches(ip net.IP, host string) bool {
	switch m.kind {
	case maskPrefix:
		addr, ok := toAddr(ip)
		return ok && m.prefix.Contains(addr)
	case maskIPv4Wildcard:
		addr, ok := toAddr(ip)
		if !ok || !addr.Is4() {
			return false
		}
		b := addr.As4()
		for i, o := range m.octets {
			if o >= 0 && int(b[i]) != o {
				return false
			}
		}
		return true
	default:
		return m.matchHost(host)
	}
}

func (m *AddressMask) matchHost(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return false
	}
	labels := strings.Split(host, ".")

	if m.labels[0] == "*" {
		suffix := m.labels[1:]
		if len(labels) <= len(suffix) {
			return false
		}
		labels = labels[len(labels)-len(suffix):]
		return equalLabels(labels, suffix)
	}
	return equalLabels(labels, m.labels)
}

func equalLabels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func toAddr(ip net.IP) (netip.Addr, bool) {
	if ip == nil {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
