package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mir00r/ldap-netgroups/internal/config"
)

func TestStartupFields(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.ListenAddress = ":389"
	cfg.Server.TLSListenAddress = ":636"
	cfg.Admin.Enabled = true
	cfg.Admin.ListenAddress = ":8080"
	cfg.NetworkGroups = []config.NetworkGroupConfig{
		{ID: "internal", Backends: []config.BackendConfig{{ID: "a"}, {ID: "b"}}},
		{ID: "default", Backends: []config.BackendConfig{{ID: "c"}}},
	}

	fields := startupFields(cfg)
	assert.Equal(t, []string{"ldap://:389", "ldaps://:636"}, fields["listeners"])
	assert.Equal(t, []string{"internal", "default"}, fields["network_groups"])
	assert.Equal(t, 3, fields["backends"])
	assert.Equal(t, ":8080", fields["admin_address"])
	assert.NotEmpty(t, fields["host"])

	cfg.Server.TLSListenAddress = ""
	cfg.Admin.Enabled = false
	fields = startupFields(cfg)
	assert.Equal(t, []string{"ldap://:389"}, fields["listeners"])
	assert.NotContains(t, fields, "admin_address")
}
