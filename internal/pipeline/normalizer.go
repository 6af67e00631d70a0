package pipeline

import (
	"fmt"

	"github.com/enviofleett/mymoto-sub000/internal/domain"
	"github.com/enviofleett/mymoto-sub000/internal/ignition"
)

// Normalizer converts raw provider records into canonical positions:
// UTC timestamps, km/h speeds, validated coordinates, and a resolved
// ignition state with its confidence and method attached.
type Normalizer struct {
	ignition    ignition.Config
	speedFactor float64
}

func NewNormalizer(icfg ignition.Config, speedFactor float64) *Normalizer {
	if speedFactor <= 0 {
		speedFactor = 1
	}
	return &Normalizer{ignition: icfg, speedFactor: speedFactor}
}

// Normalize validates and converts one raw record. A non-nil error means
// the sample is malformed and must be dropped, never persisted.
func (n *Normalizer) Normalize(raw *domain.RawTelemetryRecord) (*domain.NormalizedPosition, error) {
	if raw.DeviceID == "" {
		return nil, fmt.Errorf("missing device id")
	}
	if raw.Timestamp.IsZero() {
		return nil, fmt.Errorf("missing timestamp")
	}
	if raw.Latitude < -90 || raw.Latitude > 90 || raw.Longitude < -180 || raw.Longitude > 180 {
		return nil, fmt.Errorf("coordinates out of range: lat=%v lon=%v", raw.Latitude, raw.Longitude)
	}
	speed := raw.Speed * n.speedFactor
	if speed < 0 {
		return nil, fmt.Errorf("negative speed: %v", raw.Speed)
	}

	res := ignition.Resolve(n.ignition, raw)
	return &domain.NormalizedPosition{
		DeviceID:           raw.DeviceID,
		TimestampUTC:       raw.Timestamp.UTC(),
		Latitude:           raw.Latitude,
		Longitude:          raw.Longitude,
		SpeedKmh:           speed,
		IgnitionOn:         res.On,
		IgnitionConfidence: res.Confidence,
		IgnitionMethod:     res.Method,
		OdometerTotal:      raw.OdometerTotal,
	}, nil
}
