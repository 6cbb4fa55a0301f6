package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/mir00r/ldap-netgroups/internal/config"
	"github.com/mir00r/ldap-netgroups/internal/handler"
	"github.com/mir00r/ldap-netgroups/internal/middleware"
	"github.com/mir00r/ldap-netgroups/internal/networkgroup"
	"github.com/mir00r/ldap-netgroups/internal/service"
	"github.com/mir00r/ldap-netgroups/pkg/logger"
)

const (
	shutdownTimeout = 30 * time.Second
	version         = "1.0.0"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file (default $"+config.EnvConfigFile+")")
	adminCommand := flag.String("admin", "", "run a one-off admin command: validate-config, health-check, issue-token")
	flag.Parse()

	if *adminCommand != "" {
		runAdminProcess(*adminCommand, *configPath, flag.Args())
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(loggerConfig(cfg))
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	fields := startupFields(cfg)
	fields["version"] = version
	log.WithFields(fields).Info("Starting LDAP network group server")

	manager := networkgroup.NewManager(log)
	if err := manager.Apply(cfg.NetworkGroups); err != nil {
		log.WithError(err).Fatal("Failed to apply network groups")
	}

	tlsConfig, err := handler.NewTLSHandler(cfg.Server, log).ConfigureTLS()
	if err != nil {
		log.WithError(err).Fatal("Failed to configure TLS")
	}

	metrics := service.NewMetrics()

	gateway := handler.NewLDAPGateway(cfg.Server, tlsConfig, manager, log)
	gateway.SetRecorder(metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthChecker := service.NewHealthChecker(cfg.HealthCheck, manager.Backends, log)
	if err := healthChecker.StartChecking(ctx); err != nil {
		log.WithError(err).Fatal("Failed to start health checker")
	}

	configFile := *configPath
	if configFile == "" {
		configFile = os.Getenv(config.EnvConfigFile)
	}
	reloadService := service.NewConfigReloadService(cfg, manager, configFile, log)
	reloadService.RegisterReloadCallback(func(newConfig *config.Config) error {
		return log.UpdateLevel(newConfig.Logging.Level)
	})
	if cfg.Reload.Enabled && configFile != "" {
		if err := reloadService.StartWatcher(); err != nil {
			log.WithError(err).Error("Failed to start configuration watcher")
		}
	}

	if err := gateway.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start LDAP gateway")
	}

	var adminServer *http.Server
	if cfg.Admin.Enabled {
		adminServer, err = newAdminServer(cfg.Admin, handler.AdminDependencies{
			Manager:       manager,
			Gateway:       gateway,
			Metrics:       metrics,
			Reload:        reloadService,
			HealthChecker: healthChecker,
		}, log)
		if err != nil {
			log.WithError(err).Fatal("Failed to configure admin API")
		}

		go func() {
			log.WithField("address", cfg.Admin.ListenAddress).Info("Starting admin API server")
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Fatal("Admin API server failed")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Error shutting down admin API server")
		}
	}

	if err := gateway.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("Error stopping LDAP gateway")
	}

	reloadService.StopWatcher()
	healthChecker.StopChecking()
	cancel()

	log.Info("LDAP network group server stopped gracefully")
}

// newAdminServer builds the admin HTTP server. Probes and the Prometheus
// endpoint are open; everything under /admin needs a token. A JWT secret is
// mandatory because the API can replace the configuration.
func newAdminServer(cfg config.AdminConfig, deps handler.AdminDependencies, log *logger.Logger) (*http.Server, error) {
	jwtAuth, err := middleware.NewJWTAuthMiddleware(cfg.JWTSecret, log)
	if err != nil {
		return nil, err
	}

	router := mux.NewRouter()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.LoggingMiddleware(log),
		middleware.SecurityHeadersMiddleware(),
	)

	probes := handler.NewProbeHandler(deps.Manager, deps.Gateway, version)
	router.HandleFunc("/livez", probes.LivenessHandler).Methods(http.MethodGet)
	router.HandleFunc("/readyz", probes.ReadinessHandler).Methods(http.MethodGet)
	router.HandleFunc("/metrics", handler.NewPrometheusHandler(deps, log).MetricsHandler).Methods(http.MethodGet)

	admin := handler.NewAdminHandler(deps, log).Register(router)
	if cfg.RateLimit.Enabled {
		admin.Use(middleware.NewRateLimiter(cfg.RateLimit, log).RateLimitMiddleware())
		log.Info("Admin API rate limiting enabled")
	}
	admin.Use(jwtAuth.JWTAuth())

	return &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}, nil
}

func loggerConfig(cfg *config.Config) logger.Config {
	return logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	}
}
