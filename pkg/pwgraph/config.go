package pwgraph

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MixyLabs/pwgraph/pkg/pwgraph/util"
)

// ConfigManager loads config.yaml and reloads it when it changes on disk
type ConfigManager struct {
	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	path       string
	userConfig *viper.Viper

	mu      sync.RWMutex
	current Config
}

// Config is the canonical, decoded configuration
type Config struct {
	Remote     string `mapstructure:"remote"`
	ClientName string `mapstructure:"client_name"`

	PeakMonitor struct {
		Enabled   bool   `mapstructure:"enabled"`
		Target    string `mapstructure:"target"`
		LatencyMs uint16 `mapstructure:"latency_ms"`
	} `mapstructure:"peak_monitor"`

	NotifyDefaultChanges bool   `mapstructure:"notify_default_changes"`
	MetricsAddress       string `mapstructure:"metrics_address"`
}

const (
	// DefaultConfigPath is config.yaml in the working directory
	DefaultConfigPath = "config.yaml"

	configType = "yaml"

	// PeakTargetDefault makes the peak monitor follow the default sink
	PeakTargetDefault = "default"

	configKeyRemote               = "remote"
	configKeyClientName           = "client_name"
	configKeyPeakEnabled          = "peak_monitor.enabled"
	configKeyPeakTarget           = "peak_monitor.target"
	configKeyPeakLatency          = "peak_monitor.latency_ms"
	configKeyNotifyDefaultChanges = "notify_default_changes"
	configKeyMetricsAddress       = "metrics_address"
)

// NewConfig creates a config manager for the file at path
func NewConfig(logger *zap.SugaredLogger, notifier Notifier, path string) (*ConfigManager, error) {
	logger = logger.Named("config")

	if path == "" {
		path = DefaultConfigPath
	}

	cc := &ConfigManager{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
		path:               path,
	}

	userConfig := viper.New()
	userConfig.SetConfigFile(path)
	userConfig.SetConfigType(configType)

	userConfig.SetDefault(configKeyRemote, "")
	userConfig.SetDefault(configKeyClientName, "pwgraph")
	userConfig.SetDefault(configKeyPeakEnabled, true)
	userConfig.SetDefault(configKeyPeakTarget, PeakTargetDefault)
	userConfig.SetDefault(configKeyPeakLatency, 50)
	userConfig.SetDefault(configKeyNotifyDefaultChanges, false)
	userConfig.SetDefault(configKeyMetricsAddress, "")

	cc.userConfig = userConfig

	logger.Debugw("Created config instance", "path", path)

	return cc, nil
}

// Current returns a copy of the last successfully loaded configuration
func (cc *ConfigManager) Current() Config {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	return cc.current
}

// Load reads the config file. A missing file leaves every key at its default.
func (cc *ConfigManager) Load() error {
	cc.logger.Debugw("Loading config", "path", cc.path)

	if !util.FileExists(cc.path) {
		cc.logger.Warnw("Config file not found, using defaults", "path", cc.path)
	} else if err := cc.userConfig.ReadInConfig(); err != nil {
		cc.logger.Warnw("Viper failed to read user config", "error", err)

		// if the error is yaml-format-related, show a sensible error. otherwise, show 'em to the logs
		if strings.Contains(err.Error(), "yaml") {
			cc.notifier.Notify("Invalid configuration!",
				fmt.Sprintf("Please make sure %s is in a valid YAML format.", cc.path))
		} else {
			cc.notifier.Notify("Error loading configuration!", "Please check pwgraph's logs for more details.")
		}

		return fmt.Errorf("read user config: %w", err)
	}

	if err := cc.populateFromViper(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	current := cc.Current()

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"remote", current.Remote,
		"clientName", current.ClientName,
		"peakMonitor", current.PeakMonitor,
		"notifyDefaultChanges", current.NotifyDefaultChanges,
		"metricsAddress", current.MetricsAddress)

	return nil
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *ConfigManager) SubscribeToChanges() chan bool {
	c := make(chan bool, 1)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *ConfigManager) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.path)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) {
			return
		}

		now := time.Now()

		// many editors write the file twice
		if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).After(now) {
			return
		}

		cc.logger.Debugw("Config file modified, attempting reload", "event", event)

		// wait a bit to let the editor actually flush the new file contents to disk
		<-time.After(delayBetweenEventAndReload)

		if err := cc.Load(); err != nil {
			cc.logger.Warnw("Failed to reload config file", "error", err)
		} else {
			cc.logger.Info("Reloaded config successfully")
			cc.notifier.Notify("Configuration reloaded!", "Your changes have been applied.")

			cc.onConfigReloaded()
		}

		lastAttemptedReload = now
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *ConfigManager) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true
}

func (cc *ConfigManager) populateFromViper() error {
	var next Config

	err := cc.userConfig.Unmarshal(&next, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = false
	})
	if err != nil {
		return err
	}

	if next.PeakMonitor.Target == "" {
		next.PeakMonitor.Target = PeakTargetDefault
	}

	cc.mu.Lock()
	cc.current = next
	cc.mu.Unlock()

	cc.logger.Debug("Populated config fields from viper")

	return nil
}

func (cc *ConfigManager) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	// a consumer with a reload still pending will pick up the latest values anyway
	for _, consumer := range cc.reloadConsumers {
		select {
		case consumer <- true:
		default:
		}
	}
}
