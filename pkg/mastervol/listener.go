package mastervol

// Capability names one of the notification interfaces a callback object can satisfy
type Capability int

const (
	CapabilityVolumeChange Capability = iota
	CapabilityDefaultDeviceChange
)

func (c Capability) String() string {
	switch c {
	case CapabilityVolumeChange:
		return "volume-change"
	case CapabilityDefaultDeviceChange:
		return "default-device-change"
	}

	return "unknown"
}

// Listener is a reference-counted callback object handed to the audio subsystem.
// Subsystems call Acquire when they start holding a listener and Release once they let go of it
type Listener interface {
	Capabilities() []Capability
	Supports(c Capability) bool

	Acquire() int32
	Release() int32
}

// VolumeChangeListener receives volume/mute changes of a single endpoint
type VolumeChangeListener interface {
	Listener

	OnVolumeOrMuteChanged()
}

// DefaultDeviceChangeListener receives system-wide default endpoint changes
type DefaultDeviceChangeListener interface {
	Listener

	OnDefaultDeviceChanged(flow DataFlow, role Role, deviceID string)
}

// QueryVolumeChangeListener returns l as a VolumeChangeListener if it reports that capability
func QueryVolumeChangeListener(l Listener) (VolumeChangeListener, bool) {
	if !l.Supports(CapabilityVolumeChange) {
		return nil, false
	}

	vl, ok := l.(VolumeChangeListener)
	return vl, ok
}

// QueryDefaultDeviceChangeListener returns l as a DefaultDeviceChangeListener if it reports that capability
func QueryDefaultDeviceChangeListener(l Listener) (DefaultDeviceChangeListener, bool) {
	if !l.Supports(CapabilityDefaultDeviceChange) {
		return nil, false
	}

	dl, ok := l.(DefaultDeviceChangeListener)
	return dl, ok
}
