// Package mastervol keeps the system master volume, mute state and default output device
// within reach of a host application, and relays changes to a physical knob's companion surfaces
package mastervol

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stalexteam/mastervol/pkg/mastervol/util"
)

const (

	// when this is set to anything, mastervol won't use a tray icon
	envNoTray = "MASTERVOL_NO_TRAY_ICON"

	// Timeout for waiting for the serial reader to stop
	serialStopTimeout = 500 * time.Millisecond
)

// State is a point-in-time snapshot of the attached master output
type State struct {
	Attached   bool
	DeviceID   string
	DeviceName string
	Volume     float32
	Muted      bool
}

// VolumePercent returns the volume as an integer percentage
func (s State) VolumePercent() int {
	return util.ScalarToPercent(s.Volume)
}

// Mastervol is the main entity managing access to all sub-components
type Mastervol struct {
	logger     *zap.SugaredLogger
	notifier   Notifier
	config     *CanonicalConfig
	subsystem  AudioSubsystem
	controller *AudioController
	queue      *MessageQueue
	serial     *SerialIO
	relay      *SseServer

	// swapped out by tests
	newSubsystem func(logger *zap.SugaredLogger) (AudioSubsystem, error)

	state      State
	stateMutex sync.RWMutex

	// guards serial start/stop across config reloads
	ioMutex sync.Mutex

	// nil until the tray is ready
	tray     *trayMenu
	trayLock sync.Mutex

	stopChannel chan bool
	version     string
	verbose     bool
	noTray      bool
	stopping    sync.Once // Ensures signalStop is only called once
}

// NewMastervol creates a Mastervol instance reading its configuration from configDir
func NewMastervol(logger *zap.SugaredLogger, verbose bool, noTray bool, configDir string) (*Mastervol, error) {
	logger = logger.Named("mastervol")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier, configDir)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	m := &Mastervol{
		logger:       logger,
		notifier:     notifier,
		config:       config,
		queue:        NewMessageQueue(),
		newSubsystem: newAudioSubsystem,
		stopChannel:  make(chan bool, 1),
		verbose:      verbose,
		noTray:       noTray,
	}

	serial, err := NewSerialIO(m, logger)
	if err != nil {
		logger.Errorw("Failed to create SerialIO", "error", err)
		return nil, fmt.Errorf("create new SerialIO: %w", err)
	}

	m.serial = serial

	relay, err := NewSseServer(m, logger)
	if err != nil {
		logger.Errorw("Failed to create SseServer", "error", err)
		return nil, fmt.Errorf("create new SseServer: %w", err)
	}

	m.relay = relay

	logger.Debug("Created mastervol instance")

	return m, nil
}

// Initialize sets up components and starts to run in the background
func (m *Mastervol) Initialize() error {
	m.logger.Debug("Initializing")

	if err := m.setup(); err != nil {
		return err
	}

	// decide whether to run with/without tray
	if _, noTraySet := os.LookupEnv(envNoTray); noTraySet || m.noTray {

		m.logger.Debugw("Running without tray icon", "envvar", noTraySet, "flag", m.noTray)

		// run in main thread while waiting on ctrl+C
		m.setupInterruptHandler()
		m.run()

	} else {
		m.setupInterruptHandler()
		m.initializeTray(m.run)
	}

	return nil
}

// setup loads the config and attaches to the default output device
func (m *Mastervol) setup() error {

	// load the config for the first time
	if err := m.config.Load(); err != nil {
		m.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	subsystem, err := m.newSubsystem(m.logger)
	if err != nil {
		m.logger.Errorw("Failed to open audio subsystem", "error", err)
		return fmt.Errorf("open audio subsystem: %w", err)
	}

	m.subsystem = subsystem
	m.controller = NewAudioController(m.logger, subsystem, m.queue)
	m.controller.SetDeviceChangeCooldown(m.config.Snapshot().DeviceChangeCooldown)

	if err := m.controller.Init(); err != nil {

		// nothing plugged in yet is fine, we'll attach once a device shows up
		if !errors.Is(err, ErrNoDefaultDevice) {
			m.logger.Errorw("Failed to initialize audio controller", "error", err)

			m.controller.Dispose()
			if releaseErr := subsystem.Release(); releaseErr != nil {
				m.logger.Warnw("Failed to release audio subsystem", "error", releaseErr)
			}

			return fmt.Errorf("init audio controller: %w", err)
		}

		m.logger.Infow("No default output device yet, waiting for one", "error", err)
	}

	m.refreshState()

	return nil
}

// SetVersion causes mastervol to add a version string to its tray menu if called before Initialize
func (m *Mastervol) SetVersion(version string) {
	m.version = version
}

// Verbose returns a boolean indicating whether mastervol is running in verbose mode
func (m *Mastervol) Verbose() bool {
	return m.verbose
}

// State returns the last known state of the master output
func (m *Mastervol) State() State {
	m.stateMutex.RLock()
	defer m.stateMutex.RUnlock()

	return m.state
}

func (m *Mastervol) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		m.logger.Debugw("Interrupted", "signal", signal)
		m.signalStop()
	}()
}

func (m *Mastervol) run() {
	m.logger.Info("Run loop starting")

	// react to controller messages
	go m.processMessages()

	// watch the config file for changes
	go m.config.WatchConfigFileChanges()
	m.setupOnConfigReload()

	m.startRelay()
	go m.startSerial()

	// wait until stopped (gracefully)
	<-m.stopChannel
	m.logger.Debug("Stop channel signaled, terminating")

	if err := m.stop(); err != nil {
		m.logger.Warnw("Failed to stop mastervol", "error", err)
		os.Exit(1)
	} else {
		// exit with 0
		os.Exit(0)
	}
}

func (m *Mastervol) signalStop() {
	m.stopping.Do(func() {
		m.logger.Debug("Signalling stop channel")
		select {
		case m.stopChannel <- true:
		default:
			// Channel already has a signal, ignore
		}
	})
}

func (m *Mastervol) stop() error {
	m.logger.Info("Stopping")

	m.config.StopWatchingConfigFile()

	m.ioMutex.Lock()
	m.serial.Stop()
	if m.serial.WaitForStop(serialStopTimeout) {
		m.logger.Debug("Serial reader stopped successfully")
	} else {
		m.logger.Warn("Serial reader did not stop within timeout, proceeding anyway")
	}
	m.ioMutex.Unlock()

	m.relay.Stop()

	m.controller.Dispose()

	// the message loop exits once the queue is drained
	m.queue.Close()

	if err := m.subsystem.Release(); err != nil {
		m.logger.Errorw("Failed to release audio subsystem", "error", err)
		return fmt.Errorf("release audio subsystem: %w", err)
	}

	if !m.noTray {
		m.stopTray()
	}

	// attempt to sync on exit - this won't necessarily work but can't harm
	m.logger.Sync()

	return nil
}

func (m *Mastervol) processMessages() {
	logger := m.logger.Named("messages")

	for msg := range m.queue.Messages() {
		if m.verbose {
			logger.Debugw("Handling controller message", "message", msg)
		}

		m.handleMessage(logger, msg)
	}

	logger.Debugw("Message queue closed", "coalesced", m.queue.Coalesced())
}

func (m *Mastervol) handleMessage(logger *zap.SugaredLogger, msg Message) {
	switch msg {
	case MessageDeviceChanged:
		previous := m.State()

		if err := m.controller.ReattachDefaultDevice(); err != nil {
			if errors.Is(err, ErrNoDefaultDevice) {
				logger.Info("Default output device went away")
			} else {
				logger.Warnw("Failed to re-attach default device", "error", err)
			}
		}

		state := m.refreshState()

		// Windows reports one change per role, only the first one moves us to another device
		if state.Attached == previous.Attached && state.DeviceID == previous.DeviceID {
			return
		}

		if m.config.Snapshot().NotifyOnDeviceChange {
			if state.Attached {
				m.notifier.Notify("Output device changed", state.DeviceName)
			} else {
				m.notifier.Notify("Output device removed", "No default output device is available.")
			}
		}

	case MessageVolumeChanged:
		m.refreshState()
	}
}

// refreshState re-queries the controller and publishes the new snapshot
func (m *Mastervol) refreshState() State {
	state := State{}

	if name, err := m.controller.DeviceName(); err == nil {
		state.Attached = true
		state.DeviceName = name
	}

	if id, err := m.controller.DeviceID(); err == nil {
		state.DeviceID = id
	}

	if state.Attached {
		if volume, err := m.controller.Volume(); err == nil {
			state.Volume = volume
		} else {
			m.logger.Debugw("Failed to read master volume", "error", err)
		}

		if muted, err := m.controller.Muted(); err == nil {
			state.Muted = muted
		} else {
			m.logger.Debugw("Failed to read mute state", "error", err)
		}
	}

	m.stateMutex.Lock()
	changed := state != m.state
	m.state = state
	m.stateMutex.Unlock()

	if changed {
		if m.verbose {
			m.logger.Debugw("Master output state changed", "state", state)
		}

		m.relay.NotifyStateChange(state)
		m.updateTray(state)
	}

	return state
}

// handleStateEvent processes knob state events coming from the serial port.
// Only the first pot and the first switch are bound, to master volume and mute respectively
func (m *Mastervol) handleStateEvent(logger *zap.SugaredLogger, data []byte) {
	event, ok := parseStateEvent(data, m.config.Snapshot().InvertKnob)
	if !ok {
		if m.verbose {
			logger.Debugw("Ignoring unrecognized state event", "data", string(data))
		}
		return
	}

	if event.Index != 0 {
		if m.verbose {
			logger.Debugw("Ignoring event for unbound control", "event", event)
		}
		return
	}

	// pots jitter around a value, nothing to do unless the percentage moves
	if event.Type == KnobEventVolume {
		state := m.State()
		if state.Attached && !state.Muted && util.ScalarToPercent(event.Volume) == state.VolumePercent() {
			return
		}
	}

	var err error

	switch event.Type {
	case KnobEventVolume:
		err = m.controller.SetVolume(event.Volume)
	case KnobEventMute:
		err = m.controller.SetMuted(event.Muted)
	}

	if err != nil {
		if errors.Is(err, ErrNoDeviceAttached) {
			logger.Debugw("No device attached, dropping knob event", "event", event)
		} else {
			logger.Warnw("Failed to apply knob event", "event", event, "error", err)
		}
		return
	}

	// OS callbacks will follow, but don't make the knob wait for them
	m.refreshState()
}

func (m *Mastervol) toggleMute() {
	muted, err := m.controller.Muted()
	if err != nil {
		m.logger.Warnw("Failed to read mute state", "error", err)
		return
	}

	if err := m.controller.SetMuted(!muted); err != nil {
		m.logger.Warnw("Failed to toggle mute", "error", err)
		return
	}

	m.refreshState()
}

func (m *Mastervol) startRelay() {
	if err := m.relay.Start(); err != nil {
		m.logger.Warnw("Failed to start SSE relay", "error", err)
	}
}

func (m *Mastervol) startSerial() {
	m.ioMutex.Lock()
	defer m.ioMutex.Unlock()

	port := m.config.Snapshot().ConnectionInfo.SerialPort
	if port == "" {
		m.logger.Debug("Serial port not configured, knob input disabled")
		return
	}

	if err := m.serial.Start(); err != nil {
		m.logger.Warnw("Failed to start first-time serial connection", "error", err)
		m.notifier.Notify("Can't connect to knob!",
			fmt.Sprintf("Check that %s is correct and not in use.", port))
	}
}

func (m *Mastervol) setupOnConfigReload() {
	configReloadedChannel := m.config.SubscribeToChanges()

	initial := m.config.Snapshot()
	currentPort := initial.ConnectionInfo.SerialPort
	currentBaudRate := initial.ConnectionInfo.SerialBaudRate

	go func() {
		for range configReloadedChannel {
			settings := m.config.Snapshot()
			m.controller.SetDeviceChangeCooldown(settings.DeviceChangeCooldown)

			// restarts only if the port moved
			m.startRelay()

			newPort := settings.ConnectionInfo.SerialPort
			newBaudRate := settings.ConnectionInfo.SerialBaudRate

			if newPort != currentPort || newBaudRate != currentBaudRate {
				m.logger.Infow("Detected change in serial connection parameters, renewing connection",
					"port", newPort, "baud", newBaudRate)

				m.ioMutex.Lock()
				m.serial.Stop()
				if !m.serial.WaitForStop(serialStopTimeout) {
					m.logger.Warn("Serial reader did not stop within timeout, proceeding anyway")
				}
				m.ioMutex.Unlock()

				go m.startSerial()

				currentPort = newPort
				currentBaudRate = newBaudRate
			}
		}
	}()
}
