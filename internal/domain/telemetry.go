package domain

import "time"

// RawTelemetryRecord is one report as fetched from the upstream provider.
// Immutable once fetched; (DeviceID, Timestamp) is the idempotency key.
type RawTelemetryRecord struct {
	DeviceID  string
	Timestamp time.Time

	Latitude  float64
	Longitude float64
	Speed     float64

	StatusBitmask *int64
	StatusText    string
	Moving        bool

	// OdometerTotal is the device's cumulative distance counter in meters.
	// Zero means the device did not report one.
	OdometerTotal float64
}

type IgnitionMethod string

const (
	IgnitionStatusBit      IgnitionMethod = "status_bit"
	IgnitionStringParse    IgnitionMethod = "string_parse"
	IgnitionMultiSignal    IgnitionMethod = "multi_signal"
	IgnitionSpeedInference IgnitionMethod = "speed_inference"
	IgnitionUnknown        IgnitionMethod = "unknown"
)

// NormalizedPosition is the canonical per-sample record produced from exactly
// one RawTelemetryRecord. IgnitionConfidence is always set; IgnitionUnknown
// implies confidence 0.
type NormalizedPosition struct {
	DeviceID     string    `json:"device_id"`
	TimestampUTC time.Time `json:"timestamp_utc"`

	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	SpeedKmh  float64 `json:"speed_kmh"`

	IgnitionOn         bool           `json:"ignition_on"`
	IgnitionConfidence float64        `json:"ignition_confidence"`
	IgnitionMethod     IgnitionMethod `json:"ignition_method"`

	OdometerTotal float64 `json:"odometer_total"`
}

// DeviceInfo identifies one tracked device as listed by the provider.
type DeviceInfo struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
}
