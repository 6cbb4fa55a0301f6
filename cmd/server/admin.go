package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mir00r/ldap-netgroups/internal/config"
	"github.com/mir00r/ldap-netgroups/internal/middleware"
	"github.com/mir00r/ldap-netgroups/internal/service"
	"github.com/mir00r/ldap-netgroups/pkg/logger"
)

// tokenTTL is the lifetime of tokens minted by the issue-token command.
const tokenTTL = 24 * time.Hour

// runConfigValidation loads and validates the configuration, then prints
// the network groups in classification order
func runConfigValidation(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	fmt.Println("Configuration validation passed")
	fmt.Printf("LDAP listener: %s\n", orNone(cfg.Server.ListenAddress))
	fmt.Printf("LDAPS listener: %s\n", orNone(cfg.Server.TLSListenAddress))
	fmt.Printf("Admin API: %t\n", cfg.Admin.Enabled)
	fmt.Printf("Network groups: %d\n", len(cfg.NetworkGroups))
	for _, g := range cfg.NetworkGroups {
		fmt.Printf("  %s (priority %d, %d backends, affinity %s)\n",
			g.ID, g.Priority, len(g.Backends), g.Policy())
	}
	return nil
}

// runHealthCheck probes every configured backend once
func runHealthCheck(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(loggerConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	checkCfg := cfg.HealthCheck
	checkCfg.Enabled = true
	checker := service.NewHealthChecker(checkCfg, nil, log)

	unhealthy := 0
	for _, g := range cfg.NetworkGroups {
		for _, backend := range g.ToBackends() {
			ctx, cancel := context.WithTimeout(context.Background(), checkCfg.Timeout)
			err := checker.Check(ctx, backend)
			cancel()

			status := "healthy"
			if err != nil {
				status = fmt.Sprintf("unhealthy: %v", err)
				unhealthy++
			}
			fmt.Printf("%s/%s (%s): %s\n", g.ID, backend.ID, backend.Address, status)
		}
	}

	if unhealthy > 0 {
		return fmt.Errorf("%d backends failed the health check", unhealthy)
	}
	return nil
}

// runIssueToken prints an admin API token for a subject and roles
func runIssueToken(configPath string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: -admin issue-token <subject> [role,...]")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	jwtAuth, err := middleware.NewJWTAuthMiddleware(cfg.Admin.JWTSecret, logger.NewNop())
	if err != nil {
		return err
	}

	var roles []string
	if len(args) > 1 {
		roles = strings.Split(args[1], ",")
	}

	token, err := jwtAuth.IssueToken(args[0], roles, tokenTTL)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	fmt.Println(token)
	return nil
}

// runAdminProcess runs a one-off admin command and exits
func runAdminProcess(command, configPath string, args []string) {
	var err error

	switch command {
	case "validate-config", "validate":
		err = runConfigValidation(configPath)
	case "health-check":
		err = runHealthCheck(configPath)
	case "issue-token":
		err = runIssueToken(configPath, args)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		fmt.Println("Commands:")
		fmt.Println("  validate-config - Validate the configuration")
		fmt.Println("  health-check    - Check health of all backends")
		fmt.Println("  issue-token     - Print an admin API token: issue-token <subject> [role,...]")
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command failed: %v\n", err)
		os.Exit(1)
	}
}

func orNone(s string) string {
	if s == "" {
		return "disabled"
	}
	return s
}
