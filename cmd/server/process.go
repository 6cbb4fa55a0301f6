package main

import (
	"os"

	"github.com/mir00r/ldap-netgroups/internal/config"
)

// startupFields describes the process and what it is about to serve.
func startupFields(cfg *config.Config) map[string]interface{} {
	var listeners []string
	if cfg.Server.ListenAddress != "" {
		listeners = append(listeners, "ldap://"+cfg.Server.ListenAddress)
	}
	if cfg.Server.TLSListenAddress != "" {
		listeners = append(listeners, "ldaps://"+cfg.Server.TLSListenAddress)
	}

	groups := make([]string, 0, len(cfg.NetworkGroups))
	backends := 0
	for _, g := range cfg.NetworkGroups {
		groups = append(groups, g.ID)
		backends += len(g.Backends)
	}

	fields := map[string]interface{}{
		"pid":            os.Getpid(),
		"host":           hostname(),
		"listeners":      listeners,
		"network_groups": groups,
		"backends":       backends,
	}
	if cfg.Admin.Enabled {
		fields["admin_address"] = cfg.Admin.ListenAddress
	}
	return fields
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
