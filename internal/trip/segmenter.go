// Package trip turns a per-device, time-ordered stream of normalized
// positions into trips.
//
// The segmenter is a three-phase state machine: idle_off (no open trip),
// active (trip open, moving), idle_on (trip open, ignition on, speed pinned
// at zero). A trip opens when ignition comes on, closes when ignition goes
// off, and is additionally split when the device idles longer than the
// configured timeout: the trip then ends at the idle anchor, the first
// zero-speed sample of the idle run, so a trip ends where the vehicle
// actually stopped rather than where the timeout fired.
//
// The idle timeout is a logical timer keyed off sample timestamps. It fires
// only when a later sample is processed; a device that stops reporting leaves
// its trip open until the next sample arrives.
package trip

import (
	"time"

	"github.com/enviofleett/mymoto-sub000/internal/domain"
)

type Config struct {
	// IdleTimeout is how long speed must stay at zero, ignition on, before
	// the open trip is closed at the idle anchor.
	IdleTimeout time.Duration

	// ConfidenceFloor gates ignition-off determinations. An "off" below the
	// floor does not close a trip; the last known state is inherited instead.
	// "On" is accepted at any resolved confidence.
	ConfidenceFloor float64
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:     180 * time.Second,
		ConfidenceFloor: 0.5,
	}
}

type phase int

const (
	phaseIdleOff phase = iota
	phaseActive
	phaseIdleOn
)

func (p phase) String() string {
	switch p {
	case phaseActive:
		return "active"
	case phaseIdleOn:
		return "idle_on"
	default:
		return "idle_off"
	}
}

// Result is the outcome of feeding one sample. A sample that crosses the idle
// timeout while already moving again both closes the old trip and opens the
// next one; Closed is persisted before Opened.
type Result struct {
	Closed *domain.Trip
	Opened *domain.Trip

	// Dropped is non-empty when the sample was rejected outright
	// (duplicate or out-of-order timestamp).
	Dropped string

	// Warning is non-empty when the sample was processed but a fallback was
	// taken (negative odometer delta at close).
	Warning string
}

// State seeds a segmenter from persisted history on restart.
type State struct {
	LastSeq       int64
	LastTimestamp time.Time
	LastIgnition  bool
}

// Segmenter is the per-device trip state machine. One instance per device,
// owned exclusively by that device's worker; not safe for concurrent use.
type Segmenter struct {
	cfg Config

	phase        phase
	seq          int64
	last         time.Time
	lastIgnition bool

	acc    *accumulator
	anchor time.Time
	// pending holds zero-speed samples after the idle anchor: folded into the
	// trip if movement resumes before the timeout, discarded if the timeout
	// closes the trip at the anchor.
	pending []domain.NormalizedPosition
}

func New(cfg Config) *Segmenter {
	return &Segmenter{cfg: cfg}
}

func NewFromState(cfg Config, st State) *Segmenter {
	return &Segmenter{
		cfg:          cfg,
		seq:          st.LastSeq,
		last:         st.LastTimestamp,
		lastIgnition: st.LastIgnition,
	}
}

// RestoreOpenTrip rebuilds the open-trip phase by replaying the persisted
// positions of the open window, oldest first; the first sample must be the
// trip's opening sample and openSeq its persisted sequence number. Returned
// results may include trip transitions that were computed but not persisted
// before a crash; callers apply them idempotently.
func (s *Segmenter) RestoreOpenTrip(openSeq int64, samples []domain.NormalizedPosition) []Result {
	if len(samples) == 0 {
		return nil
	}
	first := samples[0]
	s.seq = openSeq
	s.acc = newAccumulator(openSeq, &first)
	s.last = first.TimestampUTC
	s.lastIgnition = true
	if first.SpeedKmh > 0 {
		s.phase = phaseActive
	} else {
		s.phase = phaseIdleOn
		s.anchor = first.TimestampUTC
	}

	var out []Result
	for i := range samples[1:] {
		r := s.Process(&samples[1+i])
		if r.Closed != nil || r.Opened != nil {
			out = append(out, r)
		}
	}
	return out
}

// Process feeds one sample and returns the resulting trip transitions, if
// any. Samples must arrive in strictly increasing timestamp order; violations
// are dropped.
func (s *Segmenter) Process(p *domain.NormalizedPosition) Result {
	if !s.last.IsZero() && !p.TimestampUTC.After(s.last) {
		if p.TimestampUTC.Equal(s.last) {
			return Result{Dropped: "duplicate timestamp"}
		}
		return Result{Dropped: "out-of-order timestamp"}
	}

	ign := s.effectiveIgnition(p)

	var res Result
	switch s.phase {
	case phaseIdleOff:
		res = s.processIdleOff(p, ign)
	case phaseActive:
		res = s.processActive(p, ign)
	case phaseIdleOn:
		res = s.processIdleOn(p, ign)
	}

	s.last = p.TimestampUTC
	s.lastIgnition = ign
	return res
}

// effectiveIgnition applies the confidence floor: "on" at any resolved
// confidence, "off" only at or above the floor, otherwise the last known
// state carries forward. A low-confidence "off" must never close a trip.
func (s *Segmenter) effectiveIgnition(p *domain.NormalizedPosition) bool {
	if p.IgnitionOn && p.IgnitionConfidence > 0 {
		return true
	}
	if !p.IgnitionOn && p.IgnitionConfidence >= s.cfg.ConfidenceFloor {
		return false
	}
	return s.lastIgnition
}

func (s *Segmenter) processIdleOff(p *domain.NormalizedPosition, ign bool) Result {
	if !ign {
		return Result{}
	}
	// A rising ignition edge opens a trip even at standstill. After an
	// idle-timeout split the ignition never dropped, so the next trip opens
	// on movement instead.
	if !s.lastIgnition || p.SpeedKmh > 0 {
		return Result{Opened: s.open(p)}
	}
	return Result{}
}

func (s *Segmenter) processActive(p *domain.NormalizedPosition, ign bool) Result {
	s.acc.fold(p)
	if !ign {
		t, warn := s.closeTrip()
		return Result{Closed: t, Warning: warn}
	}
	if p.SpeedKmh == 0 {
		s.phase = phaseIdleOn
		s.anchor = p.TimestampUTC
	}
	return Result{}
}

func (s *Segmenter) processIdleOn(p *domain.NormalizedPosition, ign bool) Result {
	// Ignition-off takes precedence over the idle timeout: the trip closes
	// at this sample, pending samples included.
	if !ign {
		s.foldPending()
		s.acc.fold(p)
		t, warn := s.closeTrip()
		return Result{Closed: t, Warning: warn}
	}

	if p.TimestampUTC.Sub(s.anchor) >= s.cfg.IdleTimeout {
		// Close at the anchor; samples held since then never belonged to a
		// trip and are discarded from trip accounting.
		s.pending = nil
		t, warn := s.closeTrip()
		res := Result{Closed: t, Warning: warn}
		if p.SpeedKmh > 0 {
			res.Opened = s.open(p)
		}
		return res
	}

	if p.SpeedKmh > 0 {
		s.foldPending()
		s.acc.fold(p)
		s.phase = phaseActive
		s.anchor = time.Time{}
		return Result{}
	}

	s.pending = append(s.pending, *p)
	return Result{}
}

func (s *Segmenter) open(p *domain.NormalizedPosition) *domain.Trip {
	s.seq++
	s.acc = newAccumulator(s.seq, p)
	if p.SpeedKmh > 0 {
		s.phase = phaseActive
		s.anchor = time.Time{}
	} else {
		// Opened at standstill: the opening sample anchors the idle run.
		s.phase = phaseIdleOn
		s.anchor = p.TimestampUTC
	}
	opened := s.acc.trip
	return &opened
}

func (s *Segmenter) closeTrip() (*domain.Trip, string) {
	t, warn := s.acc.close()
	s.acc = nil
	s.pending = nil
	s.anchor = time.Time{}
	s.phase = phaseIdleOff
	return t, warn
}

func (s *Segmenter) foldPending() {
	for i := range s.pending {
		s.acc.fold(&s.pending[i])
	}
	s.pending = nil
}

// Snapshot is a read-only view of the machine for live-state publication.
type Snapshot struct {
	Phase        string       `json:"phase"`
	LastIgnition bool         `json:"last_ignition"`
	LastSample   time.Time    `json:"last_sample"`
	OpenTrip     *domain.Trip `json:"open_trip,omitempty"`
}

func (s *Segmenter) Snapshot() Snapshot {
	snap := Snapshot{
		Phase:        s.phase.String(),
		LastIgnition: s.lastIgnition,
		LastSample:   s.last,
	}
	if s.acc != nil {
		open := s.acc.trip
		open.SampleCount = s.acc.count
		open.MaxSpeedKmh = s.acc.maxSpeed
		open.AvgSpeedKmh = s.acc.speedSum / float64(s.acc.count)
		snap.OpenTrip = &open
	}
	return snap
}
