package battery

import (
	"strconv"
	"strings"
	"time"
)

// Sentinel states reported by Home Assistant when an entity has no data.
const (
	StateUnavailable = "unavailable"
	StateUnknown     = "unknown"
)

// BatteryDeviceClass is the device class that qualifies an entity for tracking.
const BatteryDeviceClass = "battery"

// binarySensorPrefix marks on/off entities that never carry a percentage.
const binarySensorPrefix = "binary_sensor."

// Record is one tracked battery entity.
type Record struct {
	EntityID     string
	RawState     string
	BatteryLevel float64
	Available    bool
	DisplayName  string
	Manufacturer string
	Model        string
	AreaID       string
	AreaName     string
	DeviceClass  string
	Attributes   map[string]interface{}
	LastChanged  time.Time
	LastUpdated  time.Time
}

// IsSentinel reports whether raw is a reserved no-data state value.
func IsSentinel(raw string) bool {
	return raw == StateUnavailable || raw == StateUnknown
}

// IsBinarySensor reports whether the entity lives in the on/off namespace.
func IsBinarySensor(entityID string) bool {
	return strings.HasPrefix(entityID, binarySensorPrefix)
}

// ParseLevel parses a raw state string into a clamped battery level.
// Returns -1 and false for sentinel values or parse failures.
func ParseLevel(raw string) (float64, bool) {
	if IsSentinel(raw) {
		return -1, false
	}
	level, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return -1, false
	}
	if level < 0 {
		level = 0
	} else if level > 100 {
		level = 100
	}
	return level, true
}

// Qualifies reports whether an entity state is admissible for tracking:
// battery device class, percentage namespace, non-sentinel state that
// parses as a number.
func Qualifies(entityID, deviceClass, rawState string) bool {
	if deviceClass != BatteryDeviceClass {
		return false
	}
	if IsBinarySensor(entityID) {
		return false
	}
	_, ok := ParseLevel(rawState)
	return ok
}

// MarkUnavailable flags an already-tracked record whose source stopped
// reporting a usable level. The record stays in the store so it keeps
// appearing in queries as unavailable.
func (r *Record) MarkUnavailable(rawState string, changed, updated time.Time) {
	r.RawState = rawState
	r.BatteryLevel = -1
	r.Available = false
	if !changed.IsZero() {
		r.LastChanged = changed
	}
	if !updated.IsZero() {
		r.LastUpdated = updated
	}
}
