package rules

import (
	"encoding/json"
	"strings"
)

// StatusCondition is the trigger predicate of a device_status rule.
// DeviceID and DeviceType are alternative match keys: a rule applies to a
// report when either one matches, an id-specific rule does not need to
// also name the type.
type StatusCondition struct {
	DeviceID   string `json:"device_id,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	Field      string `json:"field"`
	Comparator string `json:"comparator"` // > < = == >= <= between
	Value      any    `json:"value"`
	Value2     any    `json:"value2,omitempty"`
}

// ScheduleCondition is the trigger predicate of a time_based rule. The
// field names follow the device wire protocol: either a daily time
// window or a cron expression.
type ScheduleCondition struct {
	Type      string `json:"type"` // time_range|cron
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
	Cron      string `json:"cron,omitempty"`
}

const (
	ScheduleTimeRange = "time_range"
	ScheduleCron      = "cron"
)

// coerceFloat converts a status value or condition operand to float64.
// The device protocol is permissive: numbers pass through, numeric
// strings parse, and anything else coerces to 0.0 rather than failing.
// An unparseable value can only ever satisfy a comparator by accidental
// equality with zero.
func coerceFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case int32:
		return float64(t)
	case uint:
		return float64(t)
	case uint64:
		return float64(t)
	case bool:
		if t {
			return 1
		}
		return 0
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0
		}
		return f
	case string:
		num := json.Number(strings.TrimSpace(t))
		f, err := num.Float64()
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// Holds evaluates the numeric comparator against a reported status map.
// between is inclusive of both bounds and insensitive to their order.
// A missing field never matches.
func (c StatusCondition) Holds(status map[string]any) bool {
	raw, ok := status[c.Field]
	if !ok {
		return false
	}
	actual := coerceFloat(raw)
	want := coerceFloat(c.Value)

	switch strings.TrimSpace(c.Comparator) {
	case ">":
		return actual > want
	case "<":
		return actual < want
	case "=", "==":
		return actual == want
	case ">=":
		return actual >= want
	case "<=":
		return actual <= want
	case "between":
		if c.Value2 == nil {
			return false
		}
		lo, hi := want, coerceFloat(c.Value2)
		if lo > hi {
			lo, hi = hi, lo
		}
		return actual >= lo && actual <= hi
	default:
		return false
	}
}

// MatchesDevice reports whether the condition applies to the reporting
// device. Either key matching is sufficient.
func (c StatusCondition) MatchesDevice(deviceID, deviceType string) bool {
	if c.DeviceID != "" && c.DeviceID == deviceID {
		return true
	}
	if c.DeviceType != "" && c.DeviceType == deviceType {
		return true
	}
	return false
}
