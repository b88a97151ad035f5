package mastervol

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/stalexteam/mastervol/pkg/mastervol/util"
)

var (
	potPattern = regexp.MustCompile(`^sensor-pot(\d+)$`)
	swPattern  = regexp.MustCompile(`^binary_sensor-sw(\d+)$`)
)

// KnobEventType tells which control of the hardware knob produced an event
type KnobEventType int

const (
	KnobEventVolume KnobEventType = iota
	KnobEventMute
)

// KnobEvent is a single state change read from the hardware knob
type KnobEvent struct {
	Type  KnobEventType
	Index int

	// set for KnobEventVolume, already converted to [0, 1]
	Volume float32

	// set for KnobEventMute
	Muted bool
}

// parseStateEvent decodes a JSON state event such as {"id":"sensor-pot0","value":73} or
// {"id":"binary_sensor-sw0","state":"ON"}. It returns false for anything it doesn't understand
func parseStateEvent(data []byte, invert bool) (KnobEvent, bool) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return KnobEvent{}, false
	}

	id, _ := raw["id"].(string)
	if id == "" {
		return KnobEvent{}, false
	}

	// ---- POTENTIOMETER
	if m := potPattern.FindStringSubmatch(id); len(m) == 2 {

		// JSON numbers are always parsed as float64 when using map[string]interface{}
		val, ok := raw["value"].(float64)
		if !ok {
			return KnobEvent{}, false
		}

		idx, err := strconv.Atoi(m[1])
		if err != nil {
			return KnobEvent{}, false
		}

		n := util.PercentToScalar(val)
		if invert {
			n = 1 - n
		}

		return KnobEvent{Type: KnobEventVolume, Index: idx, Volume: n}, true
	}

	// ---- SWITCH
	if m := swPattern.FindStringSubmatch(id); len(m) == 2 {
		var state bool
		if v, ok := raw["value"].(bool); ok {
			state = v
		} else if sStr, ok := raw["state"].(string); ok {
			state = strings.ToUpper(sStr) == "ON"
		} else {
			return KnobEvent{}, false
		}

		idx, err := strconv.Atoi(m[1])
		if err != nil {
			return KnobEvent{}, false
		}

		return KnobEvent{Type: KnobEventMute, Index: idx, Muted: state}, true
	}

	return KnobEvent{}, false
}
