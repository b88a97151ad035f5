package mastervol

import (
	"errors"
	"fmt"
	"math"
	"net"
	"sync"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"

	"github.com/stalexteam/mastervol/pkg/mastervol/util"
)

// normal PulseAudio volume (100%)
const maxVolume = 0x10000

const (
	paFacilityMask   = 0x000f
	paFacilitySink   = 0x0000
	paFacilityServer = 0x0007

	paSubscriptionMaskSink   = 0x0001
	paSubscriptionMaskServer = 0x0080
)

type paSubsystem struct {
	logger *zap.SugaredLogger
}

type paDeviceEnumerator struct {
	logger *zap.SugaredLogger

	client *proto.Client
	conn   net.Conn

	lock sync.Mutex

	defaultSink   string
	defaultSource string

	endpointListeners []DefaultDeviceChangeListener
	volumeListeners   map[VolumeChangeListener]*paVolumeControl
}

type paDevice struct {
	enumerator *paDeviceEnumerator

	streamIndex    uint32
	streamChannels byte
	isOutput       bool

	name        string
	description string
}

type paVolumeControl struct {
	enumerator *paDeviceEnumerator

	streamIndex    uint32
	streamChannels byte
	isOutput       bool
}

func newAudioSubsystem(logger *zap.SugaredLogger) (AudioSubsystem, error) {
	logger = logger.Named("pulse")

	ps := &paSubsystem{
		logger: logger,
	}

	logger.Debug("Created PA audio subsystem instance")

	return ps, nil
}

func (ps *paSubsystem) NewDeviceEnumerator() (DeviceEnumerator, error) {
	client, conn, err := proto.Connect("")
	if err != nil {
		ps.logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return nil, fmt.Errorf("establish PulseAudio connection: %w", err)
	}

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("mastervol"),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set PulseAudio client name: %w", err)
	}

	e := &paDeviceEnumerator{
		logger:          ps.logger,
		client:          client,
		conn:            conn,
		volumeListeners: map[VolumeChangeListener]*paVolumeControl{},
	}

	if info, err := e.serverInfo(); err == nil {
		e.defaultSink = info.DefaultSinkName
		e.defaultSource = info.DefaultSourceName
	}

	// events arrive on the client's reader goroutine, requests made from there would never get their reply
	client.Callback = func(msg interface{}) {
		event, ok := msg.(*proto.SubscribeEvent)
		if !ok {
			return
		}

		switch uint32(event.Event) & paFacilityMask {
		case paFacilitySink:
			go e.onSinkChanged(event.Index)
		case paFacilityServer:
			go e.onServerChanged()
		}
	}

	subscribe := proto.Subscribe{
		Mask: paSubscriptionMaskSink | paSubscriptionMaskServer,
	}

	if err := client.Request(&subscribe, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe to PulseAudio events: %w", err)
	}

	return e, nil
}

func (ps *paSubsystem) Release() error {
	ps.logger.Debug("Released PA audio subsystem instance")
	return nil
}

func (e *paDeviceEnumerator) DefaultAudioEndpoint(flow DataFlow, _ Role) (Device, error) {
	info, err := e.serverInfo()
	if err != nil {
		return nil, err
	}

	switch flow {
	case FlowRender:
		if info.DefaultSinkName == "" {
			return nil, fmt.Errorf("get default %s endpoint: %w", flow, ErrNoDefaultDevice)
		}

		request := proto.GetSinkInfo{
			SinkIndex: proto.Undefined,
			SinkName:  info.DefaultSinkName,
		}
		reply := proto.GetSinkInfoReply{}

		if err := e.client.Request(&request, &reply); err != nil {
			e.logger.Warnw("Failed to get default sink info", "error", err)
			return nil, fmt.Errorf("get default sink info: %w", err)
		}

		return &paDevice{
			enumerator:     e,
			streamIndex:    reply.SinkIndex,
			streamChannels: reply.Channels,
			isOutput:       true,
			name:           reply.SinkName,
			description:    propDescription(reply.Properties),
		}, nil

	case FlowCapture:
		if info.DefaultSourceName == "" {
			return nil, fmt.Errorf("get default %s endpoint: %w", flow, ErrNoDefaultDevice)
		}

		request := proto.GetSourceInfo{
			SourceIndex: proto.Undefined,
			SourceName:  info.DefaultSourceName,
		}
		reply := proto.GetSourceInfoReply{}

		if err := e.client.Request(&request, &reply); err != nil {
			e.logger.Warnw("Failed to get default source info", "error", err)
			return nil, fmt.Errorf("get default source info: %w", err)
		}

		return &paDevice{
			enumerator:     e,
			streamIndex:    reply.SourceIndex,
			streamChannels: reply.Channels,
			isOutput:       false,
			name:           reply.SourceName,
			description:    propDescription(reply.Properties),
		}, nil
	}

	return nil, fmt.Errorf("get default %s endpoint: unsupported flow", flow)
}

func (e *paDeviceEnumerator) RegisterEndpointNotificationCallback(listener DefaultDeviceChangeListener) error {
	e.lock.Lock()
	defer e.lock.Unlock()

	for _, l := range e.endpointListeners {
		if l == listener {
			return errors.New("listener already registered")
		}
	}

	listener.Acquire()
	e.endpointListeners = append(e.endpointListeners, listener)

	return nil
}

func (e *paDeviceEnumerator) UnregisterEndpointNotificationCallback(listener DefaultDeviceChangeListener) error {
	e.lock.Lock()
	defer e.lock.Unlock()

	for i, l := range e.endpointListeners {
		if l == listener {
			e.endpointListeners = append(e.endpointListeners[:i], e.endpointListeners[i+1:]...)
			listener.Release()

			return nil
		}
	}

	return errors.New("listener not registered")
}

func (e *paDeviceEnumerator) Release() {
	if err := e.conn.Close(); err != nil {
		e.logger.Warnw("Failed to close PulseAudio connection", "error", err)
	}
}

func (e *paDeviceEnumerator) serverInfo() (*proto.GetServerInfoReply, error) {
	request := proto.GetServerInfo{}
	reply := proto.GetServerInfoReply{}

	if err := e.client.Request(&request, &reply); err != nil {
		e.logger.Warnw("Failed to get server info", "error", err)
		return nil, fmt.Errorf("get server info: %w", err)
	}

	return &reply, nil
}

// PulseAudio reports a default sink/source change as a server change, so compare against what we saw last
func (e *paDeviceEnumerator) onServerChanged() {
	info, err := e.serverInfo()
	if err != nil {
		return
	}

	e.lock.Lock()
	changes := defaultDeviceChanges(e.defaultSink, e.defaultSource, info.DefaultSinkName, info.DefaultSourceName)
	e.defaultSink = info.DefaultSinkName
	e.defaultSource = info.DefaultSourceName
	listeners := append([]DefaultDeviceChangeListener{}, e.endpointListeners...)
	e.lock.Unlock()

	for _, listener := range listeners {
		for _, change := range changes {
			listener.OnDefaultDeviceChanged(change.flow, RoleMultimedia, change.name)
		}
	}
}

func (e *paDeviceEnumerator) onSinkChanged(sinkIndex uint32) {
	e.lock.Lock()
	listeners := sinkVolumeListeners(e.volumeListeners, sinkIndex)
	e.lock.Unlock()

	for _, listener := range listeners {
		listener.OnVolumeOrMuteChanged()
	}
}

type defaultDeviceChange struct {
	flow DataFlow
	name string
}

// defaultDeviceChanges lists the flows whose default device moved, render first
func defaultDeviceChanges(oldSink, oldSource, newSink, newSource string) []defaultDeviceChange {
	var changes []defaultDeviceChange

	if newSink != oldSink {
		changes = append(changes, defaultDeviceChange{flow: FlowRender, name: newSink})
	}

	if newSource != oldSource {
		changes = append(changes, defaultDeviceChange{flow: FlowCapture, name: newSource})
	}

	return changes
}

// sinkVolumeListeners picks the listeners subscribed to the sink with the given index
func sinkVolumeListeners(subscribed map[VolumeChangeListener]*paVolumeControl, sinkIndex uint32) []VolumeChangeListener {
	var listeners []VolumeChangeListener

	for listener, control := range subscribed {
		if control.isOutput && control.streamIndex == sinkIndex {
			listeners = append(listeners, listener)
		}
	}

	return listeners
}

func (d *paDevice) ID() (string, error) {
	return d.name, nil
}

func (d *paDevice) FriendlyName() (string, error) {
	if d.description != "" {
		return d.description, nil
	}

	return d.name, nil
}

func (d *paDevice) ActivateVolumeControl() (VolumeControl, error) {
	return &paVolumeControl{
		enumerator:     d.enumerator,
		streamIndex:    d.streamIndex,
		streamChannels: d.streamChannels,
		isOutput:       d.isOutput,
	}, nil
}

func (d *paDevice) Release() {}

func (vc *paVolumeControl) MasterVolumeLevelScalar() (float32, error) {
	if vc.isOutput {
		request := proto.GetSinkInfo{
			SinkIndex: vc.streamIndex,
		}
		reply := proto.GetSinkInfoReply{}

		if err := vc.enumerator.client.Request(&request, &reply); err != nil {
			return 0, fmt.Errorf("get sink info: %w", err)
		}

		return parseChannelVolumes(reply.ChannelVolumes), nil
	}

	request := proto.GetSourceInfo{
		SourceIndex: vc.streamIndex,
	}
	reply := proto.GetSourceInfoReply{}

	if err := vc.enumerator.client.Request(&request, &reply); err != nil {
		return 0, fmt.Errorf("get source info: %w", err)
	}

	return parseChannelVolumes(reply.ChannelVolumes), nil
}

func (vc *paVolumeControl) SetMasterVolumeLevelScalar(level float32) error {
	volumes := createChannelVolumes(vc.streamChannels, level)
	var request proto.RequestArgs

	if vc.isOutput {
		request = &proto.SetSinkVolume{
			SinkIndex:      vc.streamIndex,
			ChannelVolumes: volumes,
		}
	} else {
		request = &proto.SetSourceVolume{
			SourceIndex:    vc.streamIndex,
			ChannelVolumes: volumes,
		}
	}

	if err := vc.enumerator.client.Request(request, nil); err != nil {
		return fmt.Errorf("set volume: %w", err)
	}

	return nil
}

func (vc *paVolumeControl) Mute() (bool, error) {
	if vc.isOutput {
		request := proto.GetSinkInfo{SinkIndex: vc.streamIndex}
		reply := proto.GetSinkInfoReply{}
		if err := vc.enumerator.client.Request(&request, &reply); err != nil {
			return false, fmt.Errorf("get sink info: %w", err)
		}
		return reply.Mute, nil
	}

	request := proto.GetSourceInfo{SourceIndex: vc.streamIndex}
	reply := proto.GetSourceInfoReply{}
	if err := vc.enumerator.client.Request(&request, &reply); err != nil {
		return false, fmt.Errorf("get source info: %w", err)
	}
	return reply.Mute, nil
}

func (vc *paVolumeControl) SetMute(muted bool) error {
	var request proto.RequestArgs
	if vc.isOutput {
		request = &proto.SetSinkMute{
			SinkIndex: vc.streamIndex,
			Mute:      muted,
		}
	} else {
		request = &proto.SetSourceMute{
			SourceIndex: vc.streamIndex,
			Mute:        muted,
		}
	}

	if err := vc.enumerator.client.Request(request, nil); err != nil {
		return fmt.Errorf("set mute: %w", err)
	}

	return nil
}

func (vc *paVolumeControl) RegisterControlChangeNotify(listener VolumeChangeListener) error {
	vc.enumerator.lock.Lock()
	defer vc.enumerator.lock.Unlock()

	if _, ok := vc.enumerator.volumeListeners[listener]; ok {
		return errors.New("listener already registered")
	}

	listener.Acquire()
	vc.enumerator.volumeListeners[listener] = vc

	return nil
}

func (vc *paVolumeControl) UnregisterControlChangeNotify(listener VolumeChangeListener) error {
	vc.enumerator.lock.Lock()
	defer vc.enumerator.lock.Unlock()

	if control, ok := vc.enumerator.volumeListeners[listener]; !ok || control != vc {
		return errors.New("listener not registered")
	}

	delete(vc.enumerator.volumeListeners, listener)
	listener.Release()

	return nil
}

func (vc *paVolumeControl) Release() {}

func propDescription(props proto.PropList) string {
	if props == nil {
		return ""
	}

	if description, ok := props["device.description"]; ok {
		return description.String()
	}

	return ""
}

func createChannelVolumes(channels byte, volume float32) []uint32 {
	volumes := make([]uint32, channels)

	for i := range volumes {
		volumes[i] = uint32(math.Round(float64(volume) * maxVolume))
	}

	return volumes
}

// PulseAudio allows boosting above 100%, which we report as full volume
func parseChannelVolumes(volumes []uint32) float32 {
	if len(volumes) == 0 {
		return 0
	}

	var level uint32

	for _, volume := range volumes {
		level += volume
	}

	return util.ClampScalar(float32(level) / float32(len(volumes)) / float32(maxVolume))
}
