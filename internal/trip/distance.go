package trip

import (
	"math"
	"time"

	"github.com/enviofleett/mymoto-sub000/internal/domain"
)

const earthRadiusM = 6371000.0

// Haversine returns the great-circle distance in meters between two points.
// It ignores road curvature, so summed segment distances under-estimate on
// winding roads and over-estimate under GPS jitter.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const rad = math.Pi / 180

	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// accumulator aggregates the samples folded into one open trip. The odometer
// delta is taken from the first and last positive odometer readings among the
// folded samples; devices frequently omit the counter on some reports, so the
// endpoints are not required to be the trip's first and last samples.
type accumulator struct {
	trip domain.Trip

	count    int
	speedSum float64
	maxSpeed float64

	geodesicM float64

	firstOdoAt int // fold ordinal of the first positive reading, 0 = none
	lastOdoAt  int
	firstOdo   float64
	lastOdo    float64

	lastTime time.Time
	lastLat  float64
	lastLon  float64
}

func newAccumulator(seq int64, p *domain.NormalizedPosition) *accumulator {
	a := &accumulator{
		trip: domain.Trip{
			DeviceID:       p.DeviceID,
			Seq:            seq,
			StartTime:      p.TimestampUTC,
			StartLatitude:  p.Latitude,
			StartLongitude: p.Longitude,
		},
	}
	a.fold(p)
	return a
}

func (a *accumulator) fold(p *domain.NormalizedPosition) {
	a.count++
	a.speedSum += p.SpeedKmh
	if p.SpeedKmh > a.maxSpeed {
		a.maxSpeed = p.SpeedKmh
	}
	if a.count > 1 {
		a.geodesicM += Haversine(a.lastLat, a.lastLon, p.Latitude, p.Longitude)
	}
	if p.OdometerTotal > 0 {
		if a.firstOdoAt == 0 {
			a.firstOdoAt = a.count
			a.firstOdo = p.OdometerTotal
		}
		a.lastOdoAt = a.count
		a.lastOdo = p.OdometerTotal
	}
	a.lastTime = p.TimestampUTC
	a.lastLat = p.Latitude
	a.lastLon = p.Longitude
}

// close finalizes the trip at the last folded sample. The odometer delta is
// authoritative when two distinct readings exist and the counter did not run
// backwards; otherwise the geodesic sum stands in, with a warning when the
// counter was rejected.
func (a *accumulator) close() (*domain.Trip, string) {
	t := a.trip

	end := a.lastTime
	endLat, endLon := a.lastLat, a.lastLon
	t.EndTime = &end
	t.EndLatitude = &endLat
	t.EndLongitude = &endLon

	t.SampleCount = a.count
	t.MaxSpeedKmh = a.maxSpeed
	t.AvgSpeedKmh = a.speedSum / float64(a.count)

	var warning string
	switch {
	case a.firstOdoAt > 0 && a.lastOdoAt > a.firstOdoAt && a.lastOdo >= a.firstOdo:
		t.DistanceM = a.lastOdo - a.firstOdo
		t.DistanceMethod = domain.DistanceOdometer
	case a.firstOdoAt > 0 && a.lastOdoAt > a.firstOdoAt:
		warning = "negative odometer delta, falling back to geodesic distance"
		t.DistanceM = a.geodesicM
		t.DistanceMethod = domain.DistanceGeodesic
	default:
		t.DistanceM = a.geodesicM
		t.DistanceMethod = domain.DistanceGeodesic
	}

	return &t, warning
}
