package mastervol

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/stalexteam/mastervol/pkg/mastervol/util"
)

var (
	errNotInitialized     = errors.New("audio controller not initialized")
	errAlreadyInitialized = errors.New("audio controller already initialized")
	errDisposed           = errors.New("audio controller disposed")
)

// AudioController binds to the default render device, exposes its master volume and mute
// state, and forwards change notifications to a NotificationTarget.
//
// The controller is also the callback object handed to the audio subsystem: it satisfies
// both VolumeChangeListener and DefaultDeviceChangeListener and is reference counted, so
// the subsystem can keep it alive for as long as it holds a subscription.
type AudioController struct {
	logger    *zap.SugaredLogger
	subsystem AudioSubsystem
	target    NotificationTarget

	// guards everything below it, up to the reference count
	lock sync.Mutex

	enumerator         DeviceEnumerator
	endpointRegistered bool

	device                  Device
	volumeControl           VolumeControl
	registeredNotifications bool

	refCount int32
	disposed int32
	teardown sync.Once

	deviceChangeCooldown int64 // nanoseconds, 0 disables
	lastDeviceChange     int64 // unix nanoseconds
}

// NewAudioController creates a controller that talks to the OS through subsystem and posts to target.
// The caller holds the initial reference, which Dispose gives up
func NewAudioController(logger *zap.SugaredLogger, subsystem AudioSubsystem, target NotificationTarget) *AudioController {
	logger = logger.Named("controller")

	ac := &AudioController{
		logger:    logger,
		subsystem: subsystem,
		target:    target,
		refCount:  1,
	}

	logger.Debug("Created audio controller instance")

	return ac
}

// Init acquires the device enumerator, registers for default device changes and attaches the
// current default render device.
//
// On failure, whatever was already set up (the enumerator and its notification registration)
// is left in place. Callers must call Dispose regardless of the outcome to unwind it.
// A returned error matching ErrNoDefaultDevice leaves the controller usable: a later default
// device change can still recover it.
func (ac *AudioController) Init() error {
	if atomic.LoadInt32(&ac.disposed) == 1 {
		return errDisposed
	}

	ac.lock.Lock()
	if ac.enumerator != nil {
		ac.lock.Unlock()
		return errAlreadyInitialized
	}

	enumerator, err := ac.subsystem.NewDeviceEnumerator()
	if err != nil {
		ac.lock.Unlock()
		ac.logger.Warnw("Failed to create device enumerator", "error", err)
		return fmt.Errorf("create device enumerator: %w", err)
	}
	ac.enumerator = enumerator

	if err := enumerator.RegisterEndpointNotificationCallback(ac); err != nil {
		ac.lock.Unlock()
		ac.logger.Warnw("Failed to register for default device changes", "error", err)
		return fmt.Errorf("register endpoint notification callback: %w", err)
	}
	ac.endpointRegistered = true
	ac.lock.Unlock()

	return ac.AttachDefaultDevice()
}

// AttachDefaultDevice binds the controller to the default multimedia render endpoint and
// subscribes to its volume changes. Any previously attached device is detached first
func (ac *AudioController) AttachDefaultDevice() error {
	ac.lock.Lock()
	defer ac.lock.Unlock()

	if atomic.LoadInt32(&ac.disposed) == 1 {
		return errDisposed
	}

	if ac.enumerator == nil {
		return errNotInitialized
	}

	if ac.device != nil {
		ac.detachLocked()
	}

	device, err := ac.enumerator.DefaultAudioEndpoint(FlowRender, RoleMultimedia)
	if err != nil {
		if errors.Is(err, ErrNoDefaultDevice) {
			ac.logger.Info("Failed to find default audio device")
		} else {
			ac.logger.Warnw("Failed to get default audio device", "error", err)
		}

		return fmt.Errorf("get default audio endpoint: %w", err)
	}

	volumeControl, err := device.ActivateVolumeControl()
	if err != nil {
		ac.logger.Warnw("Failed to activate volume control on default audio device", "error", err)
		device.Release()

		return fmt.Errorf("activate volume control: %w", err)
	}

	ac.device = device
	ac.volumeControl = volumeControl

	// a failed subscription doesn't fail the attachment, we just won't hear about changes
	// on this device until the next re-attach
	if err := volumeControl.RegisterControlChangeNotify(ac); err != nil {
		ac.logger.Warnw("Failed to subscribe to volume changes", "error", err)
		ac.registeredNotifications = false
	} else {
		ac.registeredNotifications = true
	}

	name, err := device.FriendlyName()
	if err != nil {
		ac.logger.Debugw("Failed to read device friendly name", "error", err)
	}

	ac.logger.Infow("Attached to audio device", "name", name, "notifications", ac.registeredNotifications)

	return nil
}

// DetachCurrentDevice unsubscribes from and releases the attached device. It does nothing
// if no device is attached
func (ac *AudioController) DetachCurrentDevice() {
	ac.lock.Lock()
	defer ac.lock.Unlock()

	ac.detachLocked()
}

func (ac *AudioController) detachLocked() {
	if ac.volumeControl != nil {
		if ac.registeredNotifications {
			if err := ac.volumeControl.UnregisterControlChangeNotify(ac); err != nil {
				ac.logger.Warnw("Failed to unsubscribe from volume changes", "error", err)
			}

			ac.registeredNotifications = false
		}

		ac.volumeControl.Release()
		ac.volumeControl = nil
	}

	if ac.device != nil {
		ac.device.Release()
		ac.device = nil

		ac.logger.Debug("Detached from audio device")
	}
}

// ReattachDefaultDevice detaches the current device and attaches whatever is now the default.
// Call it in response to MessageDeviceChanged
func (ac *AudioController) ReattachDefaultDevice() error {
	ac.DetachCurrentDevice()
	return ac.AttachDefaultDevice()
}

// Dispose detaches the current device, unregisters from default device changes and drops the
// caller's reference. Calls after the first do nothing
func (ac *AudioController) Dispose() {
	if !atomic.CompareAndSwapInt32(&ac.disposed, 0, 1) {
		ac.logger.Debug("Audio controller already disposed")
		return
	}

	ac.lock.Lock()
	ac.detachLocked()

	if ac.enumerator != nil && ac.endpointRegistered {
		if err := ac.enumerator.UnregisterEndpointNotificationCallback(ac); err != nil {
			ac.logger.Warnw("Failed to unregister from default device changes", "error", err)
		}

		ac.endpointRegistered = false
	}
	ac.lock.Unlock()

	ac.logger.Debug("Disposed audio controller")

	ac.Release()
}

// Attached reports whether a device is currently attached
func (ac *AudioController) Attached() bool {
	ac.lock.Lock()
	defer ac.lock.Unlock()

	return ac.device != nil
}

// DeviceName returns the friendly name of the attached device
func (ac *AudioController) DeviceName() (string, error) {
	ac.lock.Lock()
	defer ac.lock.Unlock()

	if ac.device == nil {
		return "", ErrNoDeviceAttached
	}

	name, err := ac.device.FriendlyName()
	if err != nil {
		return "", fmt.Errorf("get device friendly name: %w", err)
	}

	return name, nil
}

// DeviceID returns the OS identifier of the attached device
func (ac *AudioController) DeviceID() (string, error) {
	ac.lock.Lock()
	defer ac.lock.Unlock()

	if ac.device == nil {
		return "", ErrNoDeviceAttached
	}

	id, err := ac.device.ID()
	if err != nil {
		return "", fmt.Errorf("get device id: %w", err)
	}

	return id, nil
}

// Volume returns the master volume of the attached device, between 0 and 1
func (ac *AudioController) Volume() (float32, error) {
	ac.lock.Lock()
	defer ac.lock.Unlock()

	if ac.volumeControl == nil {
		return 0, ErrNoDeviceAttached
	}

	level, err := ac.volumeControl.MasterVolumeLevelScalar()
	if err != nil {
		ac.logger.Warnw("Failed to get master volume", "error", err)
		return 0, fmt.Errorf("get master volume: %w", err)
	}

	return level, nil
}

// SetVolume sets the master volume of the attached device. Values outside [0, 1] are clamped
func (ac *AudioController) SetVolume(v float32) error {
	v = util.ClampScalar(v)

	ac.lock.Lock()
	defer ac.lock.Unlock()

	if ac.volumeControl == nil {
		return ErrNoDeviceAttached
	}

	if err := ac.volumeControl.SetMasterVolumeLevelScalar(v); err != nil {
		ac.logger.Warnw("Failed to set master volume", "error", err, "volume", v)
		return fmt.Errorf("set master volume: %w", err)
	}

	ac.logger.Debugw("Adjusting master volume", "to", fmt.Sprintf("%.2f", v))

	return nil
}

// Muted returns the mute state of the attached device
func (ac *AudioController) Muted() (bool, error) {
	ac.lock.Lock()
	defer ac.lock.Unlock()

	if ac.volumeControl == nil {
		return false, ErrNoDeviceAttached
	}

	muted, err := ac.volumeControl.Mute()
	if err != nil {
		ac.logger.Warnw("Failed to get master mute state", "error", err)
		return false, fmt.Errorf("get master mute: %w", err)
	}

	return muted, nil
}

// SetMuted sets the mute state of the attached device
func (ac *AudioController) SetMuted(muted bool) error {
	ac.lock.Lock()
	defer ac.lock.Unlock()

	if ac.volumeControl == nil {
		return ErrNoDeviceAttached
	}

	if err := ac.volumeControl.SetMute(muted); err != nil {
		ac.logger.Warnw("Failed to set master mute state", "error", err)
		return fmt.Errorf("set master mute: %w", err)
	}

	ac.logger.Debugw("Setting master mute state", "muted", muted)

	return nil
}

// SetDeviceChangeCooldown drops default device changes that arrive within d of the last
// forwarded one. Some systems fire one change per role in quick succession. Zero disables it
func (ac *AudioController) SetDeviceChangeCooldown(d time.Duration) {
	atomic.StoreInt64(&ac.deviceChangeCooldown, int64(d))
}

// OnVolumeOrMuteChanged is called by the subsystem on its own thread
func (ac *AudioController) OnVolumeOrMuteChanged() {
	if ac.target != nil {
		ac.target.Post(MessageVolumeChanged)
	}
}

// OnDefaultDeviceChanged is called by the subsystem on its own thread. Only render flow
// changes reach the target, for any role. Re-attaching is left to the receiver
func (ac *AudioController) OnDefaultDeviceChanged(flow DataFlow, role Role, deviceID string) {
	if flow != FlowRender {
		return
	}

	if cooldown := atomic.LoadInt64(&ac.deviceChangeCooldown); cooldown > 0 {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&ac.lastDeviceChange)

		if last != 0 && now-last < cooldown {
			return
		}

		if !atomic.CompareAndSwapInt64(&ac.lastDeviceChange, last, now) {
			return
		}
	}

	ac.logger.Debugw("Default audio device changed", "flow", flow, "role", role, "id", deviceID)

	if ac.target != nil {
		ac.target.Post(MessageDeviceChanged)
	}
}

// Capabilities lists the listener variants the controller satisfies
func (ac *AudioController) Capabilities() []Capability {
	return []Capability{CapabilityVolumeChange, CapabilityDefaultDeviceChange}
}

// Supports reports whether the controller satisfies the given listener variant
func (ac *AudioController) Supports(c Capability) bool {
	return funk.Contains(ac.Capabilities(), c)
}

// Acquire adds a reference to the controller
func (ac *AudioController) Acquire() int32 {
	return atomic.AddInt32(&ac.refCount, 1)
}

// Release drops a reference. The enumerator is released once the last reference is gone
func (ac *AudioController) Release() int32 {
	refs := atomic.AddInt32(&ac.refCount, -1)
	if refs == 0 {
		ac.teardown.Do(ac.releaseEnumerator)
	} else if refs < 0 {
		ac.logger.Warnw("Audio controller released more often than acquired", "refs", refs)
	}

	return refs
}

func (ac *AudioController) releaseEnumerator() {
	ac.lock.Lock()
	enumerator := ac.enumerator
	ac.enumerator = nil
	ac.lock.Unlock()

	if enumerator != nil {
		enumerator.Release()
	}

	ac.logger.Debug("Released audio controller")
}
