package domain

import "time"

type DistanceMethod string

const (
	DistanceOdometer DistanceMethod = "odometer"
	DistanceGeodesic DistanceMethod = "geodesic"
)

// Trip is one closed or open driving interval for a device. Seq is monotonic
// per device; EndTime is nil while the trip is open. A device has at most one
// open trip at any time.
type Trip struct {
	DeviceID string `json:"device_id"`
	Seq      int64  `json:"seq"`

	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	StartLatitude  float64  `json:"start_latitude"`
	StartLongitude float64  `json:"start_longitude"`
	EndLatitude    *float64 `json:"end_latitude,omitempty"`
	EndLongitude   *float64 `json:"end_longitude,omitempty"`

	// DistanceM is meters; DistanceGeodesic trips should be presented as
	// approximate by consumers.
	DistanceM      float64        `json:"distance_m"`
	DistanceMethod DistanceMethod `json:"distance_method"`

	AvgSpeedKmh float64 `json:"avg_speed_kmh"`
	MaxSpeedKmh float64 `json:"max_speed_kmh"`
	SampleCount int     `json:"sample_count"`
}

func (t *Trip) Open() bool { return t.EndTime == nil }

type TripEventType string

const (
	TripOpened TripEventType = "trip_opened"
	TripClosed TripEventType = "trip_closed"
)

// TripEvent is published to collaborators when the segmenter opens or closes
// a trip. ID is unique per event so consumers can deduplicate.
type TripEvent struct {
	ID   string        `json:"id"`
	Type TripEventType `json:"type"`
	Trip Trip          `json:"trip"`
}

// SyncStatus records per-device fetch health for operational visibility.
type SyncStatus struct {
	DeviceID     string     `json:"device_id"`
	LastFetchAt  time.Time  `json:"last_fetch_at"`
	LastSampleAt *time.Time `json:"last_sample_at,omitempty"`
	LastCycleID  string     `json:"last_cycle_id"`
	ErrorCount   int        `json:"error_count"`
	LastError    string     `json:"last_error,omitempty"`
}
