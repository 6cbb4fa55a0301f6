/*
Package service holds the long running background services of the server.

HealthChecker probes every directory server referenced by a network group
with a root DSE search and flips its status after the configured number of
consecutive failures or successes. Unhealthy backends are skipped by backend
selection until they recover.

	checker := service.NewHealthChecker(cfg.HealthCheck, manager.Backends, log)
	if err := checker.StartChecking(ctx); err != nil {
		log.WithError(err).Fatal("Failed to start health checker")
	}

ConfigReloadService applies a new set of network groups without a restart,
either by polling the configuration file or through the admin API. A
configuration that fails validation is rejected as a whole and the running
groups are kept.

Metrics collects per backend request counts, result codes and latencies as
the gateway's OperationRecorder.
*/
package service
