package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enviofleett/mymoto-sub000/internal/domain"
)

func TestDispatcher_NeverBlocksWhenFull(t *testing.T) {
	d := NewDispatcher(1, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			d.DispatchState(StateUpdate{Phase: "active"})
			d.DispatchEvent(domain.TripEvent{Type: domain.TripOpened})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch blocked on full channels")
	}

	assert.Len(t, d.StateChan, 1, "overflow dropped, not queued")
	assert.Len(t, d.EventChan, 1)
}

type fakeLiveSink struct {
	mu      sync.Mutex
	updates []StateUpdate
}

func (f *fakeLiveSink) UpdateLiveState(_ context.Context, p *domain.NormalizedPosition, phase string, openSeq int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, StateUpdate{Position: *p, Phase: phase, OpenSeq: openSeq})
	return nil
}

func TestStateWriter_DrainsChannel(t *testing.T) {
	ch := make(chan StateUpdate, 4)
	sink := &fakeLiveSink{}
	w := NewStateWriter(ch, sink, testLogger)

	ts := time.Date(2025, 11, 3, 8, 0, 0, 0, time.UTC)
	ch <- StateUpdate{Position: normSample("dev-a", ts, 30, true), Phase: "active", OpenSeq: 2}
	ch <- StateUpdate{Position: normSample("dev-a", ts.Add(30*time.Second), 0, true), Phase: "idle_on", OpenSeq: 2}
	close(ch)

	w.Run(context.Background())

	require.Len(t, sink.updates, 2)
	assert.Equal(t, "active", sink.updates[0].Phase)
	assert.Equal(t, int64(2), sink.updates[0].OpenSeq)
	assert.Equal(t, "idle_on", sink.updates[1].Phase)
}

type fakeEventSink struct {
	mu     sync.Mutex
	events []domain.TripEvent
}

func (f *fakeEventSink) PublishTripEvent(_ context.Context, ev *domain.TripEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *ev)
	return nil
}

func TestEventPublisher_DrainsChannel(t *testing.T) {
	ch := make(chan domain.TripEvent, 4)
	sink := &fakeEventSink{}
	p := NewEventPublisher(ch, sink, testLogger)

	ch <- domain.TripEvent{ID: "ev-1", Type: domain.TripOpened, Trip: domain.Trip{DeviceID: "dev-a", Seq: 9}}
	ch <- domain.TripEvent{ID: "ev-2", Type: domain.TripClosed, Trip: domain.Trip{DeviceID: "dev-a", Seq: 9}}
	close(ch)

	p.Run(context.Background())

	require.Len(t, sink.events, 2)
	assert.Equal(t, domain.TripOpened, sink.events[0].Type)
	assert.Equal(t, domain.TripClosed, sink.events[1].Type)
	assert.Equal(t, int64(9), sink.events[1].Trip.Seq)
}
