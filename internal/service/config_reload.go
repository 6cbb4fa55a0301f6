package service

import (
	"bytes"
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/mir00r/ldap-netgroups/internal/config"
	"github.com/mir00r/ldap-netgroups/internal/errors"
	"github.com/mir00r/ldap-netgroups/internal/networkgroup"
	"github.com/mir00r/ldap-netgroups/pkg/logger"
)

// ConfigReloadService applies configuration changes to the running
// network groups, from the config file or from the admin API
type ConfigReloadService struct {
	config          *config.Config
	manager         *networkgroup.Manager
	configFilePath  string
	interval        time.Duration
	logger          *logger.Logger
	mutex           sync.RWMutex
	reloadCallbacks []func(*config.Config) error
	watcherStop     chan struct{}
	watcherDone     chan struct{}
	lastModTime     time.Time
	lastContent     []byte
	reloads         int64
	failures        int64
	lastError       string
}

// NewConfigReloadService creates a new configuration reload service. cfg
// must be the configuration the manager currently runs.
func NewConfigReloadService(
	cfg *config.Config,
	manager *networkgroup.Manager,
	configFilePath string,
	logger *logger.Logger,
) *ConfigReloadService {
	interval := cfg.Reload.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ConfigReloadService{
		config:          cfg,
		manager:         manager,
		configFilePath:  configFilePath,
		interval:        interval,
		logger:          logger.ReloadLogger(),
		reloadCallbacks: make([]func(*config.Config) error, 0),
	}
}

// RegisterReloadCallback registers a callback to be called when config is reloaded
func (crs *ConfigReloadService) RegisterReloadCallback(callback func(*config.Config) error) {
	crs.mutex.Lock()
	defer crs.mutex.Unlock()
	crs.reloadCallbacks = append(crs.reloadCallbacks, callback)
}

// StartWatcher polls the configuration file for changes
func (crs *ConfigReloadService) StartWatcher() error {
	info, err := os.Stat(crs.configFilePath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	content, err := os.ReadFile(crs.configFilePath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	crs.mutex.Lock()
	if crs.watcherStop != nil {
		crs.mutex.Unlock()
		return fmt.Errorf("configuration watcher is already running")
	}
	crs.lastModTime = info.ModTime()
	crs.lastContent = content
	crs.watcherStop = make(chan struct{})
	crs.watcherDone = make(chan struct{})
	stop, done := crs.watcherStop, crs.watcherDone
	crs.mutex.Unlock()

	go crs.watchConfigFile(stop, done)

	crs.logger.WithFields(map[string]interface{}{
		"config_file": crs.configFilePath,
		"interval":    crs.interval.String(),
	}).Info("Started configuration file watcher")

	return nil
}

// StopWatcher stops the configuration file watcher
func (crs *ConfigReloadService) StopWatcher() {
	crs.mutex.Lock()
	stop, done := crs.watcherStop, crs.watcherDone
	crs.watcherStop, crs.watcherDone = nil, nil
	crs.mutex.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	crs.logger.Info("Stopped configuration file watcher")
}

func (crs *ConfigReloadService) watchConfigFile(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(crs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := crs.checkConfigFileModification(); err != nil {
				crs.logger.WithError(err).Error("Failed to reload configuration file")
			}
		case <-stop:
			return
		}
	}
}

// checkConfigFileModification reloads the file when its modification time
// or content changed
func (crs *ConfigReloadService) checkConfigFileModification() error {
	info, err := os.Stat(crs.configFilePath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	crs.mutex.RLock()
	unchanged := info.ModTime().Equal(crs.lastModTime)
	crs.mutex.RUnlock()
	if unchanged {
		return nil
	}

	content, err := os.ReadFile(crs.configFilePath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	crs.mutex.Lock()
	crs.lastModTime = info.ModTime()
	same := bytes.Equal(content, crs.lastContent)
	crs.lastContent = content
	crs.mutex.Unlock()
	if same {
		return nil
	}

	newConfig, err := config.Parse(content)
	if err != nil {
		crs.recordFailure(err)
		return err
	}

	crs.logger.Info("Configuration file changed, reloading...")
	return crs.ReloadConfig(newConfig)
}

// ReloadConfig applies a validated configuration. On error the running
// configuration is left untouched.
func (crs *ConfigReloadService) ReloadConfig(newConfig *config.Config) error {
	crs.mutex.Lock()
	defer crs.mutex.Unlock()

	crs.logger.WithFields(map[string]interface{}{
		"old_network_groups": len(crs.config.NetworkGroups),
		"new_network_groups": len(newConfig.NetworkGroups),
	}).Info("Reloading configuration")

	if err := newConfig.Validate(); err != nil {
		crs.recordFailureLocked(err)
		return err
	}

	if err := crs.manager.Apply(newConfig.NetworkGroups); err != nil {
		crs.recordFailureLocked(err)
		return err
	}

	if !reflect.DeepEqual(crs.config.Server, newConfig.Server) {
		crs.logger.Warn("Server settings changed; listener changes take effect after a restart")
	}

	for _, callback := range crs.reloadCallbacks {
		if err := callback(newConfig); err != nil {
			crs.logger.WithError(err).Error("Config reload callback failed")
		}
	}

	crs.config = newConfig
	crs.reloads++
	crs.lastError = ""

	crs.logger.Info("Configuration reloaded successfully")
	return nil
}

// GetCurrentConfig returns the current configuration
func (crs *ConfigReloadService) GetCurrentConfig() *config.Config {
	crs.mutex.RLock()
	defer crs.mutex.RUnlock()
	return crs.config
}

// ReloadFromAPI reloads configuration from an admin API request body
func (crs *ConfigReloadService) ReloadFromAPI(newConfigData []byte) error {
	newConfig, err := config.Parse(newConfigData)
	if err != nil {
		crs.recordFailure(err)
		return err
	}
	return crs.ReloadConfig(newConfig)
}

func (crs *ConfigReloadService) recordFailure(err error) {
	crs.mutex.Lock()
	defer crs.mutex.Unlock()
	crs.recordFailureLocked(err)
}

func (crs *ConfigReloadService) recordFailureLocked(err error) {
	crs.failures++
	crs.lastError = err.Error()
	crs.logger.WithError(err).WithField("error_code", string(errors.GetErrorCode(err))).
		Warn("Configuration rejected, keeping the running configuration")
}

// GetReloadStats returns reload statistics
func (crs *ConfigReloadService) GetReloadStats() map[string]interface{} {
	crs.mutex.RLock()
	defer crs.mutex.RUnlock()

	stats := map[string]interface{}{
		"config_file":    crs.configFilePath,
		"watcher_active": crs.watcherStop != nil,
		"network_groups": len(crs.config.NetworkGroups),
		"reloads":        crs.reloads,
		"failures":       crs.failures,
		"last_modified":  crs.lastModTime,
	}
	if crs.lastError != "" {
		stats["last_error"] = crs.lastError
	}
	return stats
}
