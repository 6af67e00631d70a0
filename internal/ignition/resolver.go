// Package ignition derives an ignition-on determination from the unreliable
// signals carried by a raw telemetry record: a status bitmask, a free-text
// status string, the provider's moving flag, and instantaneous speed.
//
// Signals are evaluated in a fixed priority order and the first one that
// resolves wins. Each resolution carries a confidence score in [0,1] tied to
// the signal that produced it, so downstream consumers can apply their own
// confidence floor.
package ignition

import (
	"math"
	"strings"

	"github.com/enviofleett/mymoto-sub000/internal/domain"
)

type Config struct {
	// StatusMask selects which low-order bits of the status bitmask carry the
	// ignition flag. Devices differ; the default covers bits 0 through 3.
	StatusMask uint32

	// SpeedThresholdKmh is the speed above which a device is assumed to be
	// under engine power when no stronger signal is available.
	SpeedThresholdKmh float64
}

func DefaultConfig() Config {
	return Config{
		StatusMask:        0x0F,
		SpeedThresholdKmh: 5,
	}
}

// Result is one ignition determination. A Method of domain.IgnitionUnknown
// always carries Confidence 0 and On false.
type Result struct {
	On         bool
	Confidence float64
	Method     domain.IgnitionMethod
}

// A signal inspects the raw record and either resolves (non-nil) or declares
// itself indeterminate (nil), passing to the next signal in the chain.
type signal func(cfg Config, raw *domain.RawTelemetryRecord) *Result

var chain = []signal{statusBitSignal, statusTextSignal, multiSignal, speedSignal}

// Resolve maps one raw record to an ignition determination. Pure: no I/O, no
// state, safe for concurrent use.
func Resolve(cfg Config, raw *domain.RawTelemetryRecord) Result {
	for _, s := range chain {
		if r := s(cfg, raw); r != nil {
			return *r
		}
	}
	return Result{On: false, Confidence: 0, Method: domain.IgnitionUnknown}
}

// statusBitSignal tests the configured ignition bits of a present,
// non-negative bitmask. A negative bitmask is the provider's "signal
// unavailable" sentinel and must fall through, not read as ignition-off.
func statusBitSignal(cfg Config, raw *domain.RawTelemetryRecord) *Result {
	if raw.StatusBitmask == nil {
		return nil
	}
	v := *raw.StatusBitmask
	if v < 0 {
		return nil
	}
	bits := uint64(v)
	if bits > math.MaxUint32 {
		bits &= math.MaxUint32
	}
	on := uint32(bits)&cfg.StatusMask != 0
	return &Result{On: on, Confidence: 1.0, Method: domain.IgnitionStatusBit}
}

var (
	textOffMarkers = []string{"熄火", "ACC关", "ACCOFF"}
	textOnMarkers  = []string{"点火", "ACC开", "ACCON"}
)

// statusTextSignal searches the free-text status for explicit ignition
// markers: the localized 点火/熄火 and ACC开/ACC关 forms, and ASCII ACC ON/OFF
// with ':', '_', '=', space or no separator.
func statusTextSignal(cfg Config, raw *domain.RawTelemetryRecord) *Result {
	if raw.StatusText == "" {
		return nil
	}
	text := strings.ToUpper(raw.StatusText)
	text = strings.Map(func(r rune) rune {
		switch r {
		case ' ', ':', '_', '=':
			return -1
		}
		return r
	}, text)

	for _, m := range textOffMarkers {
		if strings.Contains(text, m) {
			return &Result{On: false, Confidence: 0.9, Method: domain.IgnitionStringParse}
		}
	}
	for _, m := range textOnMarkers {
		if strings.Contains(text, m) {
			return &Result{On: true, Confidence: 0.9, Method: domain.IgnitionStringParse}
		}
	}
	return nil
}

// multiSignal requires two independently true weak signals: speed above the
// threshold and the provider's moving flag.
func multiSignal(cfg Config, raw *domain.RawTelemetryRecord) *Result {
	if raw.Speed > cfg.SpeedThresholdKmh && raw.Moving {
		return &Result{On: true, Confidence: 0.7, Method: domain.IgnitionMultiSignal}
	}
	return nil
}

// speedSignal is the weakest accepted evidence: speed alone.
func speedSignal(cfg Config, raw *domain.RawTelemetryRecord) *Result {
	if raw.Speed > cfg.SpeedThresholdKmh {
		return &Result{On: true, Confidence: 0.3, Method: domain.IgnitionSpeedInference}
	}
	return nil
}
