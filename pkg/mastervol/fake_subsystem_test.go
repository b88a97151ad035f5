package mastervol

import (
	"errors"
	"fmt"
	"sync"
)

var errFakeFailure = errors.New("fake failure")

// fakeSubsystem is an in-memory AudioSubsystem. Tests change the default device and fire
// notifications through it the way the OS would
type fakeSubsystem struct {
	lock sync.Mutex

	devices       map[string]*fakeEndpoint
	defaultDevice string

	enumerators         int
	enumeratorErr       error
	registerErr         error
	activateErr         error
	controlNotifyErr    error
	releasedEnumerators int

	endpointListeners []DefaultDeviceChangeListener
	volumeListeners   map[string][]VolumeChangeListener
}

// fakeEndpoint holds the state of one device; it outlives the handles given out for it
type fakeEndpoint struct {
	id     string
	name   string
	volume float32
	muted  bool

	openHandles int
}

func newFakeSubsystem(names ...string) *fakeSubsystem {
	fs := &fakeSubsystem{
		devices:         map[string]*fakeEndpoint{},
		volumeListeners: map[string][]VolumeChangeListener{},
	}

	for i, name := range names {
		id := fmt.Sprintf("{0.0.0.00000000}.{device-%d}", i)
		fs.devices[id] = &fakeEndpoint{id: id, name: name, volume: 0.5}

		if i == 0 {
			fs.defaultDevice = id
		}
	}

	return fs
}

func (fs *fakeSubsystem) NewDeviceEnumerator() (DeviceEnumerator, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if fs.enumeratorErr != nil {
		return nil, fs.enumeratorErr
	}

	fs.enumerators++

	return &fakeEnumerator{fs: fs}, nil
}

func (fs *fakeSubsystem) Release() error {
	return nil
}

// setDefault switches the default device and notifies for every role, like Windows does
func (fs *fakeSubsystem) setDefault(name string) {
	fs.lock.Lock()
	for id, endpoint := range fs.devices {
		if endpoint.name == name {
			fs.defaultDevice = id
		}
	}
	id := fs.defaultDevice
	fs.lock.Unlock()

	for _, role := range []Role{RoleConsole, RoleMultimedia, RoleCommunications} {
		fs.fireDefaultDeviceChanged(FlowRender, role, id)
	}
}

func (fs *fakeSubsystem) unplugAll() {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	fs.defaultDevice = ""
}

func (fs *fakeSubsystem) fireDefaultDeviceChanged(flow DataFlow, role Role, id string) {
	fs.lock.Lock()
	listeners := append([]DefaultDeviceChangeListener{}, fs.endpointListeners...)
	fs.lock.Unlock()

	for _, listener := range listeners {
		listener.OnDefaultDeviceChanged(flow, role, id)
	}
}

func (fs *fakeSubsystem) fireVolumeChanged(id string) {
	fs.lock.Lock()
	listeners := append([]VolumeChangeListener{}, fs.volumeListeners[id]...)
	fs.lock.Unlock()

	for _, listener := range listeners {
		listener.OnVolumeOrMuteChanged()
	}
}

func (fs *fakeSubsystem) endpoint(name string) *fakeEndpoint {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	for _, endpoint := range fs.devices {
		if endpoint.name == name {
			return endpoint
		}
	}

	return nil
}

func (fs *fakeSubsystem) openHandles() int {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	total := 0
	for _, endpoint := range fs.devices {
		total += endpoint.openHandles
	}

	return total
}

func (fs *fakeSubsystem) listenerCounts() (endpoint int, volume int) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	for _, listeners := range fs.volumeListeners {
		volume += len(listeners)
	}

	return len(fs.endpointListeners), volume
}

type fakeEnumerator struct {
	fs       *fakeSubsystem
	released bool
}

func (fe *fakeEnumerator) DefaultAudioEndpoint(flow DataFlow, role Role) (Device, error) {
	fe.fs.lock.Lock()
	defer fe.fs.lock.Unlock()

	endpoint, ok := fe.fs.devices[fe.fs.defaultDevice]
	if !ok || flow != FlowRender {
		return nil, fmt.Errorf("fake %s endpoint: %w", flow, ErrNoDefaultDevice)
	}

	endpoint.openHandles++

	return &fakeDevice{fs: fe.fs, endpoint: endpoint}, nil
}

func (fe *fakeEnumerator) RegisterEndpointNotificationCallback(listener DefaultDeviceChangeListener) error {
	fe.fs.lock.Lock()
	defer fe.fs.lock.Unlock()

	if fe.fs.registerErr != nil {
		return fe.fs.registerErr
	}

	listener.Acquire()
	fe.fs.endpointListeners = append(fe.fs.endpointListeners, listener)

	return nil
}

func (fe *fakeEnumerator) UnregisterEndpointNotificationCallback(listener DefaultDeviceChangeListener) error {
	fe.fs.lock.Lock()
	defer fe.fs.lock.Unlock()

	for i, l := range fe.fs.endpointListeners {
		if l == listener {
			fe.fs.endpointListeners = append(fe.fs.endpointListeners[:i], fe.fs.endpointListeners[i+1:]...)
			listener.Release()

			return nil
		}
	}

	return errors.New("fake: listener not registered")
}

func (fe *fakeEnumerator) Release() {
	fe.fs.lock.Lock()
	defer fe.fs.lock.Unlock()

	if fe.released {
		panic("fake enumerator released twice")
	}

	fe.released = true
	fe.fs.releasedEnumerators++
}

type fakeDevice struct {
	fs       *fakeSubsystem
	endpoint *fakeEndpoint
	released bool
}

func (fd *fakeDevice) ID() (string, error) {
	return fd.endpoint.id, nil
}

func (fd *fakeDevice) FriendlyName() (string, error) {
	fd.fs.lock.Lock()
	defer fd.fs.lock.Unlock()

	if fd.released {
		panic("fake device used after release")
	}

	return fd.endpoint.name, nil
}

func (fd *fakeDevice) ActivateVolumeControl() (VolumeControl, error) {
	fd.fs.lock.Lock()
	defer fd.fs.lock.Unlock()

	if fd.fs.activateErr != nil {
		return nil, fd.fs.activateErr
	}

	fd.endpoint.openHandles++

	return &fakeVolumeControl{fs: fd.fs, endpoint: fd.endpoint}, nil
}

func (fd *fakeDevice) Release() {
	fd.fs.lock.Lock()
	defer fd.fs.lock.Unlock()

	if fd.released {
		panic("fake device released twice")
	}

	fd.released = true
	fd.endpoint.openHandles--
}

type fakeVolumeControl struct {
	fs       *fakeSubsystem
	endpoint *fakeEndpoint
	released bool
}

func (fv *fakeVolumeControl) MasterVolumeLevelScalar() (float32, error) {
	fv.fs.lock.Lock()
	defer fv.fs.lock.Unlock()

	return fv.endpoint.volume, nil
}

func (fv *fakeVolumeControl) SetMasterVolumeLevelScalar(level float32) error {
	fv.fs.lock.Lock()
	defer fv.fs.lock.Unlock()

	if level < 0 || level > 1 {
		return fmt.Errorf("fake: volume %f out of range", level)
	}

	fv.endpoint.volume = level

	return nil
}

func (fv *fakeVolumeControl) Mute() (bool, error) {
	fv.fs.lock.Lock()
	defer fv.fs.lock.Unlock()

	return fv.endpoint.muted, nil
}

func (fv *fakeVolumeControl) SetMute(muted bool) error {
	fv.fs.lock.Lock()
	defer fv.fs.lock.Unlock()

	fv.endpoint.muted = muted

	return nil
}

func (fv *fakeVolumeControl) RegisterControlChangeNotify(listener VolumeChangeListener) error {
	fv.fs.lock.Lock()
	defer fv.fs.lock.Unlock()

	if fv.fs.controlNotifyErr != nil {
		return fv.fs.controlNotifyErr
	}

	listener.Acquire()
	fv.fs.volumeListeners[fv.endpoint.id] = append(fv.fs.volumeListeners[fv.endpoint.id], listener)

	return nil
}

func (fv *fakeVolumeControl) UnregisterControlChangeNotify(listener VolumeChangeListener) error {
	fv.fs.lock.Lock()
	defer fv.fs.lock.Unlock()

	listeners := fv.fs.volumeListeners[fv.endpoint.id]
	for i, l := range listeners {
		if l == listener {
			fv.fs.volumeListeners[fv.endpoint.id] = append(listeners[:i], listeners[i+1:]...)
			listener.Release()

			return nil
		}
	}

	return errors.New("fake: volume listener not registered")
}

func (fv *fakeVolumeControl) Release() {
	fv.fs.lock.Lock()
	defer fv.fs.lock.Unlock()

	if fv.released {
		panic("fake volume control released twice")
	}

	fv.released = true
	fv.endpoint.openHandles--
}

// recordingTarget counts posted messages
type recordingTarget struct {
	lock     sync.Mutex
	messages []Message
}

func (rt *recordingTarget) Post(msg Message) {
	rt.lock.Lock()
	defer rt.lock.Unlock()

	rt.messages = append(rt.messages, msg)
}

func (rt *recordingTarget) count(msg Message) int {
	rt.lock.Lock()
	defer rt.lock.Unlock()

	n := 0
	for _, m := range rt.messages {
		if m == msg {
			n++
		}
	}

	return n
}

func (rt *recordingTarget) total() int {
	rt.lock.Lock()
	defer rt.lock.Unlock()

	return len(rt.messages)
}
