package mastervol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseStateEvent_Pot(t *testing.T) {
	event, ok := parseStateEvent([]byte(`{"id":"sensor-pot0","value":50}`), false)
	assert.True(t, ok)
	assert.Equal(t, KnobEvent{Type: KnobEventVolume, Index: 0, Volume: 0.5}, event)

	event, ok = parseStateEvent([]byte(`{"id": "sensor-pot2", "value": 75}`), true)
	assert.True(t, ok)
	assert.Equal(t, 2, event.Index)
	assert.Equal(t, float32(0.25), event.Volume)

	event, ok = parseStateEvent([]byte(`{"id":"sensor-pot0","value":140}`), false)
	assert.True(t, ok)
	assert.Equal(t, float32(1), event.Volume, "out of range values are clamped")
}

func TestParseStateEvent_Switch(t *testing.T) {
	event, ok := parseStateEvent([]byte(`{"id":"binary_sensor-sw0","value":true}`), false)
	assert.True(t, ok)
	assert.Equal(t, KnobEvent{Type: KnobEventMute, Index: 0, Muted: true}, event)

	event, ok = parseStateEvent([]byte(`{"id":"binary_sensor-sw1","state":"OFF"}`), false)
	assert.True(t, ok)
	assert.Equal(t, 1, event.Index)
	assert.False(t, event.Muted)

	event, ok = parseStateEvent([]byte(`{"id":"binary_sensor-sw1","state":"on"}`), false)
	assert.True(t, ok)
	assert.True(t, event.Muted)
}

func TestParseStateEvent_Ignored(t *testing.T) {
	for _, line := range []string{
		``,
		`not json`,
		`{"value":12}`,
		`{"id":"sensor-temperature","value":21}`,
		`{"id":"sensor-pot0","value":"loud"}`,
		`{"id":"binary_sensor-sw0"}`,
	} {
		_, ok := parseStateEvent([]byte(line), false)
		assert.False(t, ok, line)
	}
}
