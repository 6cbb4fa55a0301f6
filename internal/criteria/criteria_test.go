package criteria

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/ldap-netgroups/internal/domain"
	"github.com/mir00r/ldap-netgroups/internal/errors"
)

func plainConn(ip string) *domain.ConnectionSnapshot {
	return &domain.ConnectionSnapshot{
		Address:        net.ParseIP(ip),
		TransportLabel: domain.TransportLDAP,
	}
}

func simpleBound(ip, dn string) *domain.ConnectionSnapshot {
	c := plainConn(ip)
	c.Authenticated = true
	c.Method = domain.AuthMethodSimple
	c.DN = dn
	return c
}

func TestAuthMethodCriterion(t *testing.T) {
	simpleOnly, err := NewAuthMethodCriterion(domain.AuthMethodSimple)
	require.NoError(t, err)

	assert.False(t, simpleOnly.Match(plainConn("10.0.0.1")), "anonymous connection")
	assert.True(t, simpleOnly.Match(simpleBound("10.0.0.1", "uid=a,dc=example,dc=com")))

	sasl := simpleBound("10.0.0.1", "uid=a,dc=example,dc=com")
	sasl.Method = domain.AuthMethodSASL
	assert.False(t, simpleOnly.Match(sasl))

	conn := plainConn("10.0.0.1")
	assert.True(t, simpleOnly.MatchAfterBind(conn, "uid=a,dc=example,dc=com", domain.AuthMethodSimple, false))
	assert.False(t, simpleOnly.MatchAfterBind(conn, "", domain.AuthMethodSimple, false), "simple bind with empty DN is anonymous")
	assert.False(t, simpleOnly.MatchAfterBind(conn, "uid=a,dc=example,dc=com", domain.AuthMethodSASL, false))

	anonymous, err := NewAuthMethodCriterion(domain.AuthMethodAnonymous)
	require.NoError(t, err)
	assert.True(t, anonymous.Match(conn))
	assert.True(t, anonymous.MatchAfterBind(conn, "", domain.AuthMethodSimple, false))

	saslOnly, err := NewAuthMethodCriterion(domain.AuthMethodSASL)
	require.NoError(t, err)
	assert.True(t, saslOnly.MatchAfterBind(conn, "", domain.AuthMethodSASL, false))
	assert.Equal(t, []domain.AuthMethod{domain.AuthMethodSASL}, saslOnly.Allowed())

	none, err := NewAuthMethodCriterion()
	require.NoError(t, err)
	assert.False(t, none.Match(conn))
	assert.False(t, none.Match(simpleBound("10.0.0.1", "uid=a,dc=example,dc=com")))

	_, err = NewAuthMethodCriterion(domain.AuthMethod(42))
	assert.Equal(t, errors.ErrCodeInvalidCriterion, errors.GetErrorCode(err))
}

func TestDNPattern(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		dn      string
		want    bool
	}{
		{"exact", "uid=alice,ou=people,dc=example,dc=com", "uid=alice,ou=people,dc=example,dc=com", true},
		{"case insensitive", "UID=Alice,ou=People,dc=Example,dc=com", "uid=alice,OU=people,dc=example,DC=COM", true},
		{"spaces after commas", "uid=alice,ou=people,dc=example,dc=com", "uid=alice, ou=people, dc=example, dc=com", true},
		{"value wildcard", "uid=*,ou=people,dc=example,dc=com", "uid=alice,ou=people,dc=example,dc=com", true},
		{"value wildcard wrong branch", "uid=*,ou=people,dc=example,dc=com", "uid=alice,ou=admins,dc=example,dc=com", false},
		{"value wildcard too deep", "uid=*,ou=people,dc=example,dc=com", "uid=alice,ou=eu,ou=people,dc=example,dc=com", false},
		{"value prefix", "uid=svc-*,ou=people,dc=example,dc=com", "uid=svc-backup,ou=people,dc=example,dc=com", true},
		{"value prefix miss", "uid=svc-*,ou=people,dc=example,dc=com", "uid=alice,ou=people,dc=example,dc=com", false},
		{"value infix", "cn=*admin*,dc=example,dc=com", "cn=local-admin-1,dc=example,dc=com", true},
		{"one rdn", "*,ou=people,dc=example,dc=com", "cn=bob,ou=people,dc=example,dc=com", true},
		{"one rdn needs one", "*,ou=people,dc=example,dc=com", "ou=people,dc=example,dc=com", false},
		{"any depth", "**,dc=example,dc=com", "uid=a,ou=eu,ou=people,dc=example,dc=com", true},
		{"any depth zero", "**,dc=example,dc=com", "dc=example,dc=com", true},
		{"any depth other suffix", "**,dc=example,dc=com", "uid=a,dc=example,dc=org", false},
		{"any depth middle", "uid=*,**,dc=example,dc=com", "uid=a,ou=x,ou=y,dc=example,dc=com", true},
		{"attribute type differs", "cn=alice,dc=example,dc=com", "uid=alice,dc=example,dc=com", false},
		{"multi valued rdn", "cn=a+sn=b,dc=example,dc=com", "sn=b+cn=a,dc=example,dc=com", true},
		{"escaped comma", `cn=Smith\, John,dc=example,dc=com`, `cn=Smith\, John,dc=example,dc=com`, true},
		{"unparsable dn", "**,dc=com", "not a dn", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParseDNPattern(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Matches(tt.dn))
		})
	}
}

func TestDNPatternInvalid(t *testing.T) {
	for _, pattern := range []string{
		"",
		"uid=a,,dc=com",
		"**,**,dc=example,dc=com",
		"novalue,dc=com",
		"1bad=x,dc=com",
		"uid=,dc=com",
		`uid=a\`,
	} {
		_, err := ParseDNPattern(pattern)
		assert.Error(t, err, pattern)
	}
}

func TestBindDNCriterion(t *testing.T) {
	c, err := NewBindDNCriterion("uid=*,ou=people,dc=example,dc=com", "cn=directory manager")
	require.NoError(t, err)
	assert.Equal(t, []string{"uid=*,ou=people,dc=example,dc=com", "cn=directory manager"}, c.Patterns())

	conn := plainConn("10.0.0.1")
	assert.True(t, c.MatchAfterBind(conn, "uid=alice,ou=people,dc=example,dc=com", domain.AuthMethodSimple, false))
	assert.False(t, c.MatchAfterBind(conn, "uid=alice,ou=admins,dc=example,dc=com", domain.AuthMethodSimple, false))
	assert.True(t, c.MatchAfterBind(conn, "CN=Directory Manager", domain.AuthMethodSimple, false))

	assert.False(t, c.Match(conn), "anonymous connection has no DN")
	assert.True(t, c.Match(simpleBound("10.0.0.1", "uid=bob,ou=people,dc=example,dc=com")))

	_, err = NewBindDNCriterion("uid=a,,dc=com")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidDNPattern, errors.GetErrorCode(err))
}

func TestAddressMask(t *testing.T) {
	tests := []struct {
		mask string
		ip   string
		host string
		want bool
	}{
		{"10.0.0.0/8", "10.1.2.3", "", true},
		{"10.0.0.0/8", "192.168.1.1", "", false},
		{"10.1.2.3", "10.1.2.3", "", true},
		{"10.1.2.3", "10.1.2.4", "", false},
		{"192.168.*.*", "192.168.40.2", "", true},
		{"192.168.*.*", "192.169.40.2", "", false},
		{"192.168.*.7", "192.168.40.7", "", true},
		{"10.0.0.0/8", "::ffff:10.9.9.9", "", true},
		{"fe80::/10", "fe80::1", "", true},
		{"fe80::/10", "10.1.2.3", "", false},
		{"*.example.com", "10.1.2.3", "host1.example.com", true},
		{"*.example.com", "10.1.2.3", "a.b.example.com", true},
		{"*.example.com", "10.1.2.3", "example.com", false},
		{"*.example.com", "10.1.2.3", "", false},
		{"ldap1.example.com", "10.1.2.3", "LDAP1.Example.com.", true},
		{"ldap1.example.com", "10.1.2.3", "ldap2.example.com", false},
		{"10.0.0.0/8", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.mask+"/"+tt.ip+"/"+tt.host, func(t *testing.T) {
			m, err := ParseAddressMask(tt.mask)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Matches(net.ParseIP(tt.ip), tt.host))
		})
	}
}

func TestAddressMaskInvalid(t *testing.T) {
	for _, mask := range []string{"", "10.0.0.0/33", "300.*.*.*", "fe80:::zz", "bad_host!", "a.*.com"} {
		_, err := ParseAddressMask(mask)
		assert.Error(t, err, mask)
	}
}

func TestIPFilterCriterion(t *testing.T) {
	c, err := NewIPFilterCriterion("10.0.0.0/8", "*.trusted.example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0/8", "*.trusted.example.com"}, c.Masks())

	assert.True(t, c.Match(plainConn("10.1.2.3")))
	assert.False(t, c.Match(plainConn("192.168.1.1")))

	named := plainConn("192.168.1.1")
	named.HostName = "app.trusted.example.com"
	assert.True(t, c.Match(named))
	assert.True(t, c.MatchAfterBind(named, "uid=a,dc=com", domain.AuthMethodSimple, false))

	empty, err := NewIPFilterCriterion()
	require.NoError(t, err)
	assert.False(t, empty.Match(plainConn("10.1.2.3")))

	_, err = NewIPFilterCriterion("10.0.0.0/99")
	assert.Equal(t, errors.ErrCodeInvalidAddressMask, errors.GetErrorCode(err))
}

func TestPortCriterion(t *testing.T) {
	c, err := NewPortCriterion("LDAPS")
	require.NoError(t, err)

	secure := plainConn("10.0.0.1")
	secure.TransportLabel = domain.TransportLDAPS
	assert.True(t, c.Match(secure))
	assert.False(t, c.Match(plainConn("10.0.0.1")))
	assert.Equal(t, []string{"ldaps"}, c.Allowed())

	_, err = NewPortCriterion("http")
	assert.Equal(t, errors.ErrCodeInvalidCriterion, errors.GetErrorCode(err))
}

func TestSecurityCriterion(t *testing.T) {
	conn := plainConn("10.0.0.1")
	assert.True(t, NewSecurityCriterion(false).Match(conn))
	assert.False(t, NewSecurityCriterion(true).Match(conn))
	assert.False(t, NewSecurityCriterion(true).MatchAfterBind(conn, "", domain.AuthMethodAnonymous, true),
		"only the current channel state counts")

	conn.Secure = true
	assert.True(t, NewSecurityCriterion(true).Match(conn))
}
