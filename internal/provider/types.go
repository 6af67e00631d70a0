package provider

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/enviofleett/mymoto-sub000/internal/domain"
)

const (
	actionLogin        = "login"
	actionLastPosition = "lastposition"
	actionQueryTracks  = "querytracks"
	actionMonitorList  = "querymonitorlist"
)

const (
	statusOK            = 0
	statusRateLimited   = 8902
	statusBadParameters = 9901
	statusTokenExpired  = 9903
)

// providerTimeLayout is the provider's formatted-timestamp encoding,
// expressed in the account's local timezone, not UTC.
const providerTimeLayout = "2006-01-02 15:04:05"

// envelope is the provider's uniform response shape. Fields beyond status and
// cause are populated per action.
type envelope struct {
	Status int    `json:"status"`
	Cause  string `json:"cause"`

	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresin"`

	Records               []rawRecord `json:"records"`
	LastQueryPositionTime int64       `json:"lastquerypositiontime"`

	Groups []deviceGroup `json:"groups"`
}

type deviceGroup struct {
	GroupName string      `json:"groupname"`
	Devices   []rawDevice `json:"devices"`
}

type rawDevice struct {
	DeviceID   string `json:"deviceid"`
	DeviceName string `json:"devicename"`
}

type rawRecord struct {
	DeviceID      string   `json:"deviceid"`
	UpdateTime    flexTime `json:"updatetime"`
	Callat        float64  `json:"callat"`
	Callon        float64  `json:"callon"`
	Speed         float64  `json:"speed"`
	Status        *int64   `json:"status"`
	StrStatus     string   `json:"strstatus"`
	Moving        int      `json:"moving"`
	TotalDistance float64  `json:"totaldistance"`
}

func (r *rawRecord) toDomain(loc *time.Location) (domain.RawTelemetryRecord, error) {
	ts, err := r.UpdateTime.Time(loc)
	if err != nil {
		return domain.RawTelemetryRecord{}, fmt.Errorf("updatetime: %w", err)
	}
	if ts.IsZero() {
		return domain.RawTelemetryRecord{}, fmt.Errorf("updatetime missing")
	}
	return domain.RawTelemetryRecord{
		DeviceID:      r.DeviceID,
		Timestamp:     ts,
		Latitude:      r.Callat,
		Longitude:     r.Callon,
		Speed:         r.Speed,
		StatusBitmask: r.Status,
		StatusText:    r.StrStatus,
		Moving:        r.Moving == 1,
		OdometerTotal: r.TotalDistance,
	}, nil
}

// flexTime tolerates the provider's two timestamp encodings: epoch
// milliseconds (number or numeric string) and a formatted local-time string
// that must be interpreted in the account timezone.
type flexTime struct {
	ms  int64
	str string
}

func (f *flexTime) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &f.str)
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	f.ms = int64(v)
	return nil
}

// Time resolves the raw value to UTC. The zero flexTime resolves to the zero
// time with no error; callers decide whether an absent timestamp is fatal.
func (f flexTime) Time(loc *time.Location) (time.Time, error) {
	if f.str != "" {
		if ms, err := strconv.ParseInt(f.str, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
		t, err := time.ParseInLocation(providerTimeLayout, f.str, loc)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC(), nil
	}
	if f.ms == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(f.ms).UTC(), nil
}
