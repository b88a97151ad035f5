package mastervol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestChannelVolumes(t *testing.T) {
	volumes := createChannelVolumes(2, 0.5)
	assert.Equal(t, []uint32{maxVolume / 2, maxVolume / 2}, volumes)

	assert.Equal(t, float32(0.5), parseChannelVolumes(volumes))
	assert.Equal(t, float32(1), parseChannelVolumes([]uint32{maxVolume * 2, maxVolume}), "boosted volume is reported as full")
	assert.Equal(t, float32(0), parseChannelVolumes(nil))
}

func TestChannelVolumes_RoundTrip(t *testing.T) {
	assert.Equal(t, []uint32{19661}, createChannelVolumes(1, 0.3))

	for _, level := range []float32{0, 0.01, 0.3, 0.33, 0.7, 0.99, 1} {
		assert.InDelta(t, level, parseChannelVolumes(createChannelVolumes(2, level)), 1.0/maxVolume, "level %v", level)
	}
}

func TestDefaultDeviceChanges(t *testing.T) {
	assert.Empty(t, defaultDeviceChanges("speakers", "mic", "speakers", "mic"))

	assert.Equal(t,
		[]defaultDeviceChange{{flow: FlowRender, name: "headphones"}},
		defaultDeviceChanges("speakers", "mic", "headphones", "mic"))

	assert.Equal(t,
		[]defaultDeviceChange{{flow: FlowCapture, name: "headset-mic"}},
		defaultDeviceChanges("speakers", "mic", "speakers", "headset-mic"))

	assert.Equal(t,
		[]defaultDeviceChange{
			{flow: FlowRender, name: "headphones"},
			{flow: FlowCapture, name: "headset-mic"},
		},
		defaultDeviceChanges("speakers", "mic", "headphones", "headset-mic"))

	// the last sink going away still counts as a change
	assert.Equal(t,
		[]defaultDeviceChange{{flow: FlowRender, name: ""}},
		defaultDeviceChanges("speakers", "mic", "", "mic"))
}

func TestSinkVolumeListeners(t *testing.T) {
	logger := zap.NewNop().Sugar()
	speakers := NewAudioController(logger, nil, nil)
	headphones := NewAudioController(logger, nil, nil)
	microphone := NewAudioController(logger, nil, nil)

	subscribed := map[VolumeChangeListener]*paVolumeControl{
		speakers:   {streamIndex: 1, isOutput: true},
		headphones: {streamIndex: 2, isOutput: true},

		// sources have their own index space
		microphone: {streamIndex: 1, isOutput: false},
	}

	assert.Equal(t, []VolumeChangeListener{speakers}, sinkVolumeListeners(subscribed, 1))
	assert.Equal(t, []VolumeChangeListener{headphones}, sinkVolumeListeners(subscribed, 2))
	assert.Empty(t, sinkVolumeListeners(subscribed, 3))
}

func TestSubscriptionMask(t *testing.T) {
	// pa_subscription_mask_t: sink and server facilities, as sent in Subscribe
	assert.Equal(t, 0x0081, paSubscriptionMaskSink|paSubscriptionMaskServer)

	// events report the facility in the low bits, the change type above it
	assert.Equal(t, paFacilitySink, 0x0010&paFacilityMask, "sink changed")
	assert.Equal(t, paFacilityServer, 0x0017&paFacilityMask, "server changed")
}
