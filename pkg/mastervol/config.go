package mastervol

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/stalexteam/mastervol/pkg/mastervol/util"
)

// ConnectionInfo describes the knob's serial port and the SSE relay listener
type ConnectionInfo struct {
	SerialPort     string
	SerialBaudRate int
	SSERelayPort   int
}

// Settings holds the values read from the configuration file
type Settings struct {
	ConnectionInfo ConnectionInfo

	InvertKnob           bool
	NotifyOnDeviceChange bool
	DeviceChangeCooldown time.Duration
}

// CanonicalConfig provides application-wide access to configuration fields,
// as well as loading/file watching logic for the configuration file.
// The embedded Settings are replaced on reload; other goroutines read them through Snapshot
type CanonicalConfig struct {
	Settings
	settingsLock sync.RWMutex

	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	reloadConsumers []chan bool
	consumersLock   sync.Mutex

	configDir  string
	userConfig *viper.Viper
}

const (
	userConfigName = "config"
	configType     = "yaml"

	configKeySerialPort           = "serial_port"
	configKeySerialBaudRate       = "serial_baud_rate"
	configKeySSERelayPort         = "sse_relay_port"
	configKeyInvertKnob           = "invert_knob"
	configKeyNotifyOnDeviceChange = "notify_on_device_change"
	configKeyDeviceChangeCooldown = "device_change_cooldown_ms"

	defaultSerialBaudRate = 115200
)

var knownConfigKeys = []string{
	configKeySerialPort,
	configKeySerialBaudRate,
	configKeySSERelayPort,
	configKeyInvertKnob,
	configKeyNotifyOnDeviceChange,
	configKeyDeviceChangeCooldown,
}

// NewConfig creates a config instance reading config.yaml from configDir
func NewConfig(logger *zap.SugaredLogger, notifier Notifier, configDir string) (*CanonicalConfig, error) {
	logger = logger.Named("config")

	if configDir == "" {
		configDir = "."
	}

	cc := &CanonicalConfig{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
		configDir:          configDir,
	}

	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(configType)
	userConfig.AddConfigPath(configDir)

	userConfig.SetDefault(configKeySerialPort, "")
	userConfig.SetDefault(configKeySerialBaudRate, defaultSerialBaudRate)
	userConfig.SetDefault(configKeySSERelayPort, 0)
	userConfig.SetDefault(configKeyInvertKnob, false)
	userConfig.SetDefault(configKeyNotifyOnDeviceChange, true)
	userConfig.SetDefault(configKeyDeviceChangeCooldown, 0)

	cc.userConfig = userConfig

	logger.Debug("Created config instance")

	return cc, nil
}

// Path returns the location of the user config file
func (cc *CanonicalConfig) Path() string {
	return filepath.Join(cc.configDir, userConfigName+"."+configType)
}

// Load reads the config file from disk and tries to parse it. A missing file is not
// an error, every key has a default
func (cc *CanonicalConfig) Load() error {
	path := cc.Path()
	cc.logger.Debugw("Loading config", "path", path)

	if !util.FileExists(path) {
		cc.logger.Infow("Config file not found, using defaults", "path", path)
	} else if err := cc.userConfig.ReadInConfig(); err != nil {
		cc.logger.Warnw("Viper failed to read user config", "error", err)

		if strings.Contains(err.Error(), "yaml:") {
			cc.notifier.Notify("Invalid configuration!",
				fmt.Sprintf("Please make sure %s is in a valid YAML format.", path))
		} else {
			cc.notifier.Notify("Error loading configuration!", "Please check the logs for more details.")
		}

		return fmt.Errorf("read user config: %w", err)
	}

	if err := cc.populateFromVipers(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	cc.logger.Info("Loaded config successfully")
	settings := cc.Snapshot()
	cc.logger.Infow("Config values",
		"connectionInfo", settings.ConnectionInfo,
		"invertKnob", settings.InvertKnob,
		"notifyOnDeviceChange", settings.NotifyOnDeviceChange,
		"deviceChangeCooldown", settings.DeviceChangeCooldown,
	)

	return nil
}

// Snapshot returns a copy of the current settings, safe to use while a reload is in progress
func (cc *CanonicalConfig) Snapshot() Settings {
	cc.settingsLock.RLock()
	defer cc.settingsLock.RUnlock()

	return cc.Settings
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *CanonicalConfig) SubscribeToChanges() chan bool {
	c := make(chan bool, 1)

	cc.consumersLock.Lock()
	cc.reloadConsumers = append(cc.reloadConsumers, c)
	cc.consumersLock.Unlock()

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *CanonicalConfig) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.Path())

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {

		// when we get a write event...
		if event.Op&fsnotify.Write == fsnotify.Write {

			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {

				// and attempt reload if appropriate
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

				// don't forget to update the time
				lastAttemptedReload = now
			}
		}
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *CanonicalConfig) StopWatchingConfigFile() {
	select {
	case cc.stopWatcherChannel <- true:
	default:
		// watcher isn't running
	}

	cc.closeReloadChannels()
}

// closeReloadChannels closes all reload consumer channels to signal goroutines to exit
func (cc *CanonicalConfig) closeReloadChannels() {
	cc.consumersLock.Lock()
	defer cc.consumersLock.Unlock()

	for _, ch := range cc.reloadConsumers {
		close(ch)
	}
	cc.reloadConsumers = nil
	cc.logger.Debug("Closed all config reload channels")
}

func (cc *CanonicalConfig) populateFromVipers() error {
	for _, key := range cc.userConfig.AllKeys() {
		if !funk.ContainsString(knownConfigKeys, key) {
			cc.logger.Warnw("Ignoring unknown config key", "key", key)
		}
	}

	settings := Settings{}

	settings.ConnectionInfo.SerialPort = cc.userConfig.GetString(configKeySerialPort)
	settings.ConnectionInfo.SerialBaudRate = cc.userConfig.GetInt(configKeySerialBaudRate)
	settings.ConnectionInfo.SSERelayPort = cc.userConfig.GetInt(configKeySSERelayPort)

	if settings.ConnectionInfo.SerialPort != "" && settings.ConnectionInfo.SerialBaudRate <= 0 {
		return fmt.Errorf("invalid %s: %d", configKeySerialBaudRate, settings.ConnectionInfo.SerialBaudRate)
	}

	if port := settings.ConnectionInfo.SSERelayPort; port < 0 || port > 65535 {
		return fmt.Errorf("invalid %s: %d", configKeySSERelayPort, port)
	}

	settings.InvertKnob = cc.userConfig.GetBool(configKeyInvertKnob)
	settings.NotifyOnDeviceChange = cc.userConfig.GetBool(configKeyNotifyOnDeviceChange)

	cooldown := cc.userConfig.GetInt(configKeyDeviceChangeCooldown)
	if cooldown < 0 {
		cc.logger.Warnw("Negative device change cooldown, disabling it", "value", cooldown)
		cooldown = 0
	}
	settings.DeviceChangeCooldown = time.Duration(cooldown) * time.Millisecond

	cc.settingsLock.Lock()
	cc.Settings = settings
	cc.settingsLock.Unlock()

	cc.logger.Debug("Populated config fields from vipers")

	return nil
}

func (cc *CanonicalConfig) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	cc.consumersLock.Lock()
	defer cc.consumersLock.Unlock()

	for _, consumer := range cc.reloadConsumers {
		select {
		case consumer <- true:
		default:
			// a reload is already pending for this consumer
		}
	}
}
