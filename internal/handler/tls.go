package handler

import (
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"

	"github.com/mir00r/ldap-netgroups/internal/config"
	"github.com/mir00r/ldap-netgroups/pkg/logger"
)

// TLSHandler builds the TLS configuration of the LDAPS listener
type TLSHandler struct {
	config config.ServerConfig
	logger *logger.Logger
}

// NewTLSHandler creates a new TLS handler
func NewTLSHandler(config config.ServerConfig, logger *logger.Logger) *TLSHandler {
	return &TLSHandler{
		config: config,
		logger: logger,
	}
}

// ConfigureTLS loads the listener certificate. It returns nil when no
// LDAPS listener is configured.
func (h *TLSHandler) ConfigureTLS() (*tls.Config, error) {
	if h.config.TLSListenAddress == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(h.config.TLSCertFile, h.config.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if h.config.TLSMinVersion != "" {
		minVersion, err := parseTLSVersion(h.config.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("invalid min TLS version: %w", err)
		}
		tlsConfig.MinVersion = minVersion
	}

	if len(h.config.TLSCipherSuites) > 0 {
		cipherSuites, err := parseCipherSuites(h.config.TLSCipherSuites)
		if err != nil {
			return nil, fmt.Errorf("invalid cipher suites: %w", err)
		}
		tlsConfig.CipherSuites = cipherSuites
	}

	h.logger.WithFields(map[string]interface{}{
		"component":    "tls",
		"min_version":  formatTLSVersion(tlsConfig.MinVersion),
		"cipher_count": len(tlsConfig.CipherSuites),
	}).Info("TLS configuration loaded")

	return tlsConfig, nil
}

// parseTLSVersion parses TLS version string to tls constant
func parseTLSVersion(version string) (uint16, error) {
	switch strings.ToUpper(version) {
	case "1.2", "TLS1.2", "TLSV1.2":
		return tls.VersionTLS12, nil
	case "1.3", "TLS1.3", "TLSV1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version: %s", version)
	}
}

// parseCipherSuites resolves cipher suite names, or numeric ids, against
// the suites crypto/tls implements
func parseCipherSuites(suites []string) ([]uint16, error) {
	known := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		known[s.Name] = s.ID
	}

	var cipherSuites []uint16
	for _, suite := range suites {
		if id, ok := known[strings.ToUpper(suite)]; ok {
			cipherSuites = append(cipherSuites, id)
			continue
		}
		val, err := strconv.ParseUint(suite, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("unknown cipher suite: %s", suite)
		}
		cipherSuites = append(cipherSuites, uint16(val))
	}
	return cipherSuites, nil
}

// formatTLSVersion converts TLS version constant to readable string
func formatTLSVersion(version uint16) string {
	switch version {
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	default:
		return fmt.Sprintf("Unknown (%d)", version)
	}
}

// connectionTLSInfo describes the negotiated parameters of a client
// connection for logging
func connectionTLSInfo(state tls.ConnectionState) map[string]interface{} {
	info := map[string]interface{}{
		"tls_version":  formatTLSVersion(state.Version),
		"cipher_suite": tls.CipherSuiteName(state.CipherSuite),
	}
	if state.ServerName != "" {
		info["server_name"] = state.ServerName
	}
	return info
}
