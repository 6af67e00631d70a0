package trip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enviofleett/mymoto-sub000/internal/domain"
)

const testDevice = "358735077000001"

var base = time.Date(2025, 11, 3, 8, 0, 0, 0, time.UTC)

func at(offset time.Duration) time.Time { return base.Add(offset) }

func sample(ts time.Time, speed float64) domain.NormalizedPosition {
	return domain.NormalizedPosition{
		DeviceID:           testDevice,
		TimestampUTC:       ts,
		Latitude:           6.5244,
		Longitude:          3.3792,
		SpeedKmh:           speed,
		IgnitionOn:         true,
		IgnitionConfidence: 0.9,
		IgnitionMethod:     domain.IgnitionStringParse,
	}
}

func offSample(ts time.Time, confidence float64) domain.NormalizedPosition {
	p := sample(ts, 0)
	p.IgnitionOn = false
	p.IgnitionConfidence = confidence
	if confidence == 0 {
		p.IgnitionMethod = domain.IgnitionUnknown
	}
	return p
}

func process(t *testing.T, s *Segmenter, samples ...domain.NormalizedPosition) (opened, closed []*domain.Trip) {
	t.Helper()
	for i := range samples {
		r := s.Process(&samples[i])
		assert.Empty(t, r.Dropped)
		if r.Closed != nil {
			closed = append(closed, r.Closed)
		}
		if r.Opened != nil {
			opened = append(opened, r.Opened)
		}
	}
	return opened, closed
}

func TestSegmenter_OpensOnIgnitionRisingEdge(t *testing.T) {
	s := New(DefaultConfig())

	r := s.Process(&domain.NormalizedPosition{DeviceID: testDevice, TimestampUTC: at(0)})
	assert.Nil(t, r.Opened)
	assert.Nil(t, r.Closed)

	// Ignition on at standstill still opens the trip.
	p := sample(at(30*time.Second), 0)
	r = s.Process(&p)
	require.NotNil(t, r.Opened)
	assert.Equal(t, int64(1), r.Opened.Seq)
	assert.Equal(t, at(30*time.Second), r.Opened.StartTime)
	assert.True(t, r.Opened.Open())
}

func TestSegmenter_ClosesOnIgnitionOff(t *testing.T) {
	s := New(DefaultConfig())

	opened, closed := process(t, s,
		sample(at(0), 35),
		sample(at(30*time.Second), 42),
		offSample(at(60*time.Second), 1.0),
	)

	require.Len(t, opened, 1)
	require.Len(t, closed, 1)
	trip := closed[0]
	assert.Equal(t, at(0), trip.StartTime)
	require.NotNil(t, trip.EndTime)
	assert.Equal(t, at(60*time.Second), *trip.EndTime)
	assert.Equal(t, 3, trip.SampleCount)
	assert.Equal(t, 42.0, trip.MaxSpeedKmh)
	assert.InDelta(t, (35.0+42.0)/3, trip.AvgSpeedKmh, 1e-9)
}

// An ignition-on stream that moves, stops for longer than the idle timeout,
// then moves again yields exactly two trips, the first ending at the idle
// anchor where the vehicle stopped, not where the timeout fired.
func TestSegmenter_IdleTimeoutSplits(t *testing.T) {
	s := New(DefaultConfig())

	var stream []domain.NormalizedPosition
	for _, sec := range []int{0, 30, 60} {
		stream = append(stream, sample(at(time.Duration(sec)*time.Second), 50))
	}
	for _, sec := range []int{90, 120, 150, 180, 210, 240, 270} {
		stream = append(stream, sample(at(time.Duration(sec)*time.Second), 0))
	}
	stream = append(stream, sample(at(300*time.Second), 45))

	opened, closed := process(t, s, stream...)

	require.Len(t, closed, 1)
	require.Len(t, opened, 2)

	first := closed[0]
	require.NotNil(t, first.EndTime)
	assert.Equal(t, at(90*time.Second), *first.EndTime, "trip must end at the idle anchor")
	assert.Equal(t, at(0), first.StartTime)
	assert.Equal(t, 4, first.SampleCount, "anchor folded, later idle samples discarded")

	second := opened[1]
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, at(300*time.Second), second.StartTime)
}

func TestSegmenter_MovementBeforeTimeoutContinuesTrip(t *testing.T) {
	s := New(DefaultConfig())

	opened, closed := process(t, s,
		sample(at(0), 50),
		sample(at(30*time.Second), 0),  // anchor
		sample(at(60*time.Second), 0),  // pending
		sample(at(120*time.Second), 0), // pending
		sample(at(150*time.Second), 38),
		offSample(at(180*time.Second), 1.0),
	)

	require.Len(t, opened, 1)
	require.Len(t, closed, 1)
	trip := closed[0]
	assert.Equal(t, 6, trip.SampleCount, "pending idle samples fold back in on resume")
	assert.Equal(t, at(180*time.Second), *trip.EndTime)
}

func TestSegmenter_IgnitionOffWhileIdlingTakesPrecedence(t *testing.T) {
	s := New(DefaultConfig())

	_, closed := process(t, s,
		sample(at(0), 30),
		sample(at(30*time.Second), 0),
		sample(at(60*time.Second), 0),
		offSample(at(90*time.Second), 1.0),
	)

	require.Len(t, closed, 1)
	trip := closed[0]
	assert.Equal(t, at(90*time.Second), *trip.EndTime, "ignition-off closes at the current sample")
	assert.Equal(t, 4, trip.SampleCount)
}

func TestSegmenter_LowConfidenceOffDoesNotClose(t *testing.T) {
	s := New(DefaultConfig())

	opened, closed := process(t, s,
		sample(at(0), 30),
		offSample(at(30*time.Second), 0.3),
		offSample(at(60*time.Second), 0),
		sample(at(90*time.Second), 25),
		offSample(at(120*time.Second), 0.9),
	)

	require.Len(t, opened, 1)
	require.Len(t, closed, 1)
	assert.Equal(t, at(120*time.Second), *closed[0].EndTime)
	assert.Equal(t, 5, closed[0].SampleCount)
}

func TestSegmenter_SingleSampleTripIsEmitted(t *testing.T) {
	s := New(DefaultConfig())

	opened, closed := process(t, s,
		sample(at(0), 0),                  // rising edge at standstill: opens and anchors
		offSample(at(200*time.Second), 0), // unknown, inherits on; timeout fires
	)

	require.Len(t, opened, 1)
	require.Len(t, closed, 1)
	trip := closed[0]
	assert.Equal(t, trip.StartTime, *trip.EndTime)
	assert.Equal(t, 1, trip.SampleCount)
	assert.Equal(t, 0.0, trip.DistanceM)
}

func TestSegmenter_DropsDuplicateAndOutOfOrder(t *testing.T) {
	s := New(DefaultConfig())

	p1 := sample(at(0), 30)
	s.Process(&p1)

	dup := sample(at(0), 99)
	r := s.Process(&dup)
	assert.Equal(t, "duplicate timestamp", r.Dropped)

	stale := sample(at(-30*time.Second), 99)
	r = s.Process(&stale)
	assert.Equal(t, "out-of-order timestamp", r.Dropped)

	// Rejected samples leave the machine untouched.
	snap := s.Snapshot()
	require.NotNil(t, snap.OpenTrip)
	assert.Equal(t, 1, snap.OpenTrip.SampleCount)
	assert.Equal(t, at(0), snap.LastSample)
}

// Closure invariant: every closed trip has end_time >= start_time and a
// non-negative distance; opens and closes stay balanced with at most one
// trip open at any point in the stream.
func TestSegmenter_ClosureInvariants(t *testing.T) {
	s := New(DefaultConfig())

	var stream []domain.NormalizedPosition
	stream = append(stream, sample(at(0), 20))
	stream = append(stream, sample(at(30*time.Second), 0))
	stream = append(stream, sample(at(240*time.Second), 60)) // splits: close + open
	stream = append(stream, offSample(at(270*time.Second), 1.0))
	stream = append(stream, sample(at(300*time.Second), 10))
	stream = append(stream, offSample(at(330*time.Second), 0.9))

	open := 0
	for i := range stream {
		r := s.Process(&stream[i])
		if r.Closed != nil {
			require.NotNil(t, r.Closed.EndTime)
			assert.False(t, r.Closed.EndTime.Before(r.Closed.StartTime))
			assert.GreaterOrEqual(t, r.Closed.DistanceM, 0.0)
			open--
		}
		if r.Opened != nil {
			open++
		}
		assert.LessOrEqual(t, open, 1)
		assert.GreaterOrEqual(t, open, 0)
		if snap := s.Snapshot(); snap.OpenTrip != nil {
			assert.Equal(t, 1, open)
		} else {
			assert.Equal(t, 0, open)
		}
	}
	assert.Equal(t, 0, open)
}

// The documented acceptance stream: ignition resolves via text at t1 and the
// trip opens there; the idle timeout closes it at t3 with the odometer delta;
// the next trip opens when movement resumes.
func TestSegmenter_EndToEndStream(t *testing.T) {
	s := New(DefaultConfig())

	t0 := at(0)
	t1 := at(30 * time.Second)
	t2 := at(60 * time.Second)
	t3 := at(90 * time.Second)

	unknown := offSample(t0, 0)

	ignitionOn := sample(t1, 0)

	moving := domain.NormalizedPosition{
		DeviceID: testDevice, TimestampUTC: t2,
		Latitude: 6.5244, Longitude: 3.3792,
		SpeedKmh:   40,
		IgnitionOn: true, IgnitionConfidence: 0.3, IgnitionMethod: domain.IgnitionSpeedInference,
		OdometerTotal: 1000,
	}

	stopped := offSample(t3, 0)
	stopped.OdometerTotal = 1500

	stillStopped := offSample(t3.Add(200*time.Second), 0)
	stillStopped.OdometerTotal = 1500

	movingAgain := moving
	movingAgain.TimestampUTC = t3.Add(205 * time.Second)
	movingAgain.SpeedKmh = 30
	movingAgain.OdometerTotal = 1500

	r := s.Process(&unknown)
	assert.Nil(t, r.Opened)

	r = s.Process(&ignitionOn)
	require.NotNil(t, r.Opened, "trip opens at the text-resolved ignition-on sample")
	assert.Equal(t, t1, r.Opened.StartTime)

	r = s.Process(&moving)
	assert.Nil(t, r.Closed)

	r = s.Process(&stopped)
	assert.Nil(t, r.Closed, "zero-confidence off must not close the trip")

	r = s.Process(&stillStopped)
	require.NotNil(t, r.Closed, "idle timeout elapsed")
	assert.Nil(t, r.Opened)
	first := r.Closed
	assert.Equal(t, t3, *first.EndTime, "closed at the idle anchor")
	assert.Equal(t, 500.0, first.DistanceM)
	assert.Equal(t, domain.DistanceOdometer, first.DistanceMethod)
	assert.Equal(t, 3, first.SampleCount)

	r = s.Process(&movingAgain)
	require.NotNil(t, r.Opened)
	assert.Nil(t, r.Closed)
	assert.Equal(t, int64(2), r.Opened.Seq)
	assert.Equal(t, t3.Add(205*time.Second), r.Opened.StartTime)
}

func TestSegmenter_TimeoutAndResumeInOneSample(t *testing.T) {
	s := New(DefaultConfig())

	_, _ = process(t, s,
		sample(at(0), 40),
		sample(at(30*time.Second), 0),
	)

	// Next sample is both past the timeout and moving: close and reopen.
	p := sample(at(240*time.Second), 55)
	r := s.Process(&p)
	require.NotNil(t, r.Closed)
	require.NotNil(t, r.Opened)
	assert.Equal(t, at(30*time.Second), *r.Closed.EndTime)
	assert.Equal(t, at(240*time.Second), r.Opened.StartTime)
	assert.Equal(t, r.Closed.Seq+1, r.Opened.Seq)
}

func TestNewFromState_ResumesSequence(t *testing.T) {
	s := NewFromState(DefaultConfig(), State{
		LastSeq:       41,
		LastTimestamp: at(0),
		LastIgnition:  false,
	})

	stale := sample(at(-1*time.Hour), 50)
	r := s.Process(&stale)
	assert.NotEmpty(t, r.Dropped)

	p := sample(at(30*time.Second), 20)
	r = s.Process(&p)
	require.NotNil(t, r.Opened)
	assert.Equal(t, int64(42), r.Opened.Seq)
}

func TestRestoreOpenTrip_ContinuesTrip(t *testing.T) {
	window := []domain.NormalizedPosition{
		sample(at(0), 20),
		sample(at(30*time.Second), 30),
	}

	s := New(DefaultConfig())
	events := s.RestoreOpenTrip(7, window)
	assert.Empty(t, events)

	snap := s.Snapshot()
	require.NotNil(t, snap.OpenTrip)
	assert.Equal(t, int64(7), snap.OpenTrip.Seq)
	assert.Equal(t, 2, snap.OpenTrip.SampleCount)

	r := s.Process(&domain.NormalizedPosition{
		DeviceID: testDevice, TimestampUTC: at(60 * time.Second),
		Latitude: 6.5244, Longitude: 3.3792,
		IgnitionOn: false, IgnitionConfidence: 1.0, IgnitionMethod: domain.IgnitionStatusBit,
	})
	require.NotNil(t, r.Closed)
	assert.Equal(t, int64(7), r.Closed.Seq)
	assert.Equal(t, 3, r.Closed.SampleCount)
}

// A crash between computing a close and persisting it leaves the window
// already past the idle timeout; replaying must re-emit that close so the
// caller can persist it.
func TestRestoreOpenTrip_ReplaysUnpersistedClose(t *testing.T) {
	window := []domain.NormalizedPosition{
		sample(at(0), 15),
		sample(at(30*time.Second), 0),
		sample(at(240*time.Second), 0),
	}

	s := New(DefaultConfig())
	events := s.RestoreOpenTrip(3, window)

	require.Len(t, events, 1)
	require.NotNil(t, events[0].Closed)
	assert.Equal(t, int64(3), events[0].Closed.Seq)
	assert.Equal(t, at(30*time.Second), *events[0].Closed.EndTime)
	assert.Nil(t, s.Snapshot().OpenTrip)
}
