package mastervol

import (
	"errors"
	"fmt"
	"sync"

	ole "github.com/go-ole/go-ole"
	"github.com/moutend/go-wca/pkg/wca"
	"go.uber.org/zap"
)

const (
	// returned by CoInitializeEx when COM is already initialized on this thread
	hresultFalse = 0x00000001

	// E_NOTFOUND, returned by GetDefaultAudioEndpoint when no endpoint is active for the flow
	hresultNotFound = 0x80070490
)

type wcaSubsystem struct {
	logger *zap.SugaredLogger
}

type wcaDeviceEnumerator struct {
	logger *zap.SugaredLogger
	mmde   *wca.IMMDeviceEnumerator

	lock sync.Mutex

	// the notification clients must stay reachable for as long as they're registered
	clients map[DefaultDeviceChangeListener]*wca.IMMNotificationClient
}

type wcaDevice struct {
	logger *zap.SugaredLogger
	mmd    *wca.IMMDevice
}

type wcaVolumeControl struct {
	logger *zap.SugaredLogger
	aev    *wca.IAudioEndpointVolume

	lock      sync.Mutex
	callbacks map[VolumeChangeListener]*volumeCallback
}

func newAudioSubsystem(logger *zap.SugaredLogger) (AudioSubsystem, error) {
	logger = logger.Named("wca")

	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		oleError := &ole.OleError{}

		if errors.As(err, &oleError) && oleError.Code() == hresultFalse {
			logger.Debug("CoInitializeEx returned S_FALSE, COM is already initialized")
		} else {
			logger.Warnw("Failed to call CoInitializeEx", "error", err)
			return nil, fmt.Errorf("call CoInitializeEx: %w", err)
		}
	}

	ws := &wcaSubsystem{
		logger: logger,
	}

	logger.Debug("Created WCA audio subsystem instance")

	return ws, nil
}

func (ws *wcaSubsystem) NewDeviceEnumerator() (DeviceEnumerator, error) {
	var mmde *wca.IMMDeviceEnumerator

	if err := wca.CoCreateInstance(
		wca.CLSID_MMDeviceEnumerator,
		0,
		wca.CLSCTX_ALL,
		wca.IID_IMMDeviceEnumerator,
		&mmde,
	); err != nil {
		ws.logger.Warnw("Failed to create device enumerator", "error", err)
		return nil, fmt.Errorf("create IMMDeviceEnumerator: %w", err)
	}

	return &wcaDeviceEnumerator{
		logger:  ws.logger,
		mmde:    mmde,
		clients: map[DefaultDeviceChangeListener]*wca.IMMNotificationClient{},
	}, nil
}

func (ws *wcaSubsystem) Release() error {
	ole.CoUninitialize()
	ws.logger.Debug("Released WCA audio subsystem instance")

	return nil
}

func (e *wcaDeviceEnumerator) DefaultAudioEndpoint(flow DataFlow, role Role) (Device, error) {
	var mmd *wca.IMMDevice

	if err := e.mmde.GetDefaultAudioEndpoint(flowToWCA(flow), roleToWCA(role), &mmd); err != nil {
		oleError := &ole.OleError{}
		if errors.As(err, &oleError) && uint32(oleError.Code()) == hresultNotFound {
			return nil, fmt.Errorf("get default %s endpoint: %w", flow, ErrNoDefaultDevice)
		}

		return nil, fmt.Errorf("get default %s endpoint: %w", flow, err)
	}

	return &wcaDevice{logger: e.logger, mmd: mmd}, nil
}

func (e *wcaDeviceEnumerator) RegisterEndpointNotificationCallback(listener DefaultDeviceChangeListener) error {
	e.lock.Lock()
	defer e.lock.Unlock()

	if _, ok := e.clients[listener]; ok {
		return errors.New("listener already registered")
	}

	client := wca.NewIMMNotificationClient(wca.IMMNotificationClientCallback{
		OnDefaultDeviceChanged: func(flow wca.EDataFlow, role wca.ERole, deviceID string) error {
			listener.OnDefaultDeviceChanged(flowFromWCA(uint32(flow)), roleFromWCA(uint32(role)), deviceID)
			return nil
		},
	})

	if err := e.mmde.RegisterEndpointNotificationCallback(client); err != nil {
		return fmt.Errorf("register endpoint notification callback: %w", err)
	}

	listener.Acquire()
	e.clients[listener] = client

	return nil
}

func (e *wcaDeviceEnumerator) UnregisterEndpointNotificationCallback(listener DefaultDeviceChangeListener) error {
	e.lock.Lock()
	defer e.lock.Unlock()

	client, ok := e.clients[listener]
	if !ok {
		return errors.New("listener not registered")
	}

	if err := e.mmde.UnregisterEndpointNotificationCallback(client); err != nil {
		return fmt.Errorf("unregister endpoint notification callback: %w", err)
	}

	delete(e.clients, listener)
	listener.Release()

	return nil
}

func (e *wcaDeviceEnumerator) Release() {
	e.mmde.Release()
}

func (d *wcaDevice) ID() (string, error) {
	var id string
	if err := d.mmd.GetId(&id); err != nil {
		return "", fmt.Errorf("get device id: %w", err)
	}

	return id, nil
}

func (d *wcaDevice) FriendlyName() (string, error) {
	var propertyStore *wca.IPropertyStore
	if err := d.mmd.OpenPropertyStore(wca.STGM_READ, &propertyStore); err != nil {
		return "", fmt.Errorf("open device property store: %w", err)
	}
	defer propertyStore.Release()

	var value wca.PROPVARIANT
	if err := propertyStore.GetValue(&wca.PKEY_Device_FriendlyName, &value); err != nil {
		return "", fmt.Errorf("get device friendly name: %w", err)
	}

	return value.String(), nil
}

func (d *wcaDevice) ActivateVolumeControl() (VolumeControl, error) {
	var aev *wca.IAudioEndpointVolume
	if err := d.mmd.Activate(wca.IID_IAudioEndpointVolume, wca.CLSCTX_ALL, nil, &aev); err != nil {
		return nil, fmt.Errorf("activate IAudioEndpointVolume: %w", err)
	}

	return &wcaVolumeControl{
		logger:    d.logger,
		aev:       aev,
		callbacks: map[VolumeChangeListener]*volumeCallback{},
	}, nil
}

func (d *wcaDevice) Release() {
	d.mmd.Release()
}

func (vc *wcaVolumeControl) MasterVolumeLevelScalar() (float32, error) {
	var level float32
	if err := vc.aev.GetMasterVolumeLevelScalar(&level); err != nil {
		return 0, err
	}

	return level, nil
}

func (vc *wcaVolumeControl) SetMasterVolumeLevelScalar(level float32) error {
	return vc.aev.SetMasterVolumeLevelScalar(level, nil)
}

func (vc *wcaVolumeControl) Mute() (bool, error) {
	var muted bool
	if err := vc.aev.GetMute(&muted); err != nil {
		return false, err
	}

	return muted, nil
}

func (vc *wcaVolumeControl) SetMute(muted bool) error {
	return vc.aev.SetMute(muted, nil)
}

func (vc *wcaVolumeControl) RegisterControlChangeNotify(listener VolumeChangeListener) error {
	vc.lock.Lock()
	defer vc.lock.Unlock()

	if _, ok := vc.callbacks[listener]; ok {
		return errors.New("listener already registered")
	}

	callback := newVolumeCallback(listener.OnVolumeOrMuteChanged)

	if err := registerControlChangeNotify(vc.aev, callback); err != nil {
		return fmt.Errorf("register control change notify: %w", err)
	}

	listener.Acquire()
	vc.callbacks[listener] = callback

	return nil
}

func (vc *wcaVolumeControl) UnregisterControlChangeNotify(listener VolumeChangeListener) error {
	vc.lock.Lock()
	defer vc.lock.Unlock()

	callback, ok := vc.callbacks[listener]
	if !ok {
		return errors.New("listener not registered")
	}

	if err := unregisterControlChangeNotify(vc.aev, callback); err != nil {
		return fmt.Errorf("unregister control change notify: %w", err)
	}

	delete(vc.callbacks, listener)
	listener.Release()

	return nil
}

func (vc *wcaVolumeControl) Release() {
	vc.aev.Release()
}

func flowToWCA(flow DataFlow) uint32 {
	switch flow {
	case FlowCapture:
		return wca.ECapture
	case FlowAll:
		return wca.EAll
	}

	return wca.ERender
}

func flowFromWCA(flow uint32) DataFlow {
	switch flow {
	case wca.ECapture:
		return FlowCapture
	case wca.EAll:
		return FlowAll
	}

	return FlowRender
}

func roleToWCA(role Role) uint32 {
	switch role {
	case RoleConsole:
		return wca.EConsole
	case RoleCommunications:
		return wca.ECommunications
	}

	return wca.EMultimedia
}

func roleFromWCA(role uint32) Role {
	switch role {
	case wca.EConsole:
		return RoleConsole
	case wca.ECommunications:
		return RoleCommunications
	}

	return RoleMultimedia
}
