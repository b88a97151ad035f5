package mastervol

import "errors"

// DataFlow identifies the direction of an audio endpoint
type DataFlow int

const (
	FlowRender DataFlow = iota
	FlowCapture
	FlowAll
)

func (f DataFlow) String() string {
	switch f {
	case FlowRender:
		return "render"
	case FlowCapture:
		return "capture"
	case FlowAll:
		return "all"
	}

	return "unknown"
}

// Role identifies what a default endpoint is used for
type Role int

const (
	RoleConsole Role = iota
	RoleMultimedia
	RoleCommunications
)

func (r Role) String() string {
	switch r {
	case RoleConsole:
		return "console"
	case RoleMultimedia:
		return "multimedia"
	case RoleCommunications:
		return "communications"
	}

	return "unknown"
}

var (
	// ErrNoDefaultDevice is returned when the OS has no default endpoint for the requested flow,
	// e.g. because every output has been unplugged. This is a valid state, not a fatal one
	ErrNoDefaultDevice = errors.New("no default audio device")

	// ErrNoDeviceAttached is returned by accessors while no device is attached
	ErrNoDeviceAttached = errors.New("no audio device attached")
)

// AudioSubsystem is the entry point into the OS audio stack
type AudioSubsystem interface {
	NewDeviceEnumerator() (DeviceEnumerator, error)

	Release() error
}

// DeviceEnumerator is a handle to the OS audio device registry
type DeviceEnumerator interface {
	// DefaultAudioEndpoint returns an error matching ErrNoDefaultDevice if there is none
	DefaultAudioEndpoint(flow DataFlow, role Role) (Device, error)

	RegisterEndpointNotificationCallback(listener DefaultDeviceChangeListener) error
	UnregisterEndpointNotificationCallback(listener DefaultDeviceChangeListener) error

	Release()
}

// Device is a single audio endpoint
type Device interface {
	ID() (string, error)
	FriendlyName() (string, error)

	ActivateVolumeControl() (VolumeControl, error)

	Release()
}

// VolumeControl exposes an endpoint's master volume and mute state
type VolumeControl interface {
	MasterVolumeLevelScalar() (float32, error)
	SetMasterVolumeLevelScalar(level float32) error

	Mute() (bool, error)
	SetMute(muted bool) error

	RegisterControlChangeNotify(listener VolumeChangeListener) error
	UnregisterControlChangeNotify(listener VolumeChangeListener) error

	Release()
}
