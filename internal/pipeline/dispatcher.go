package pipeline

import (
	"github.com/enviofleett/mymoto-sub000/internal/domain"
	"github.com/enviofleett/mymoto-sub000/internal/metrics"
)

// StateUpdate carries one persisted position together with the device's
// segmentation phase at that sample, for the live-state fanout.
type StateUpdate struct {
	Position domain.NormalizedPosition
	Phase    string
	OpenSeq  int64
}

// Dispatcher fans out downstream work on buffered channels. Sends never
// block the ingestion path: when a consumer falls behind, updates are
// dropped and counted. The persisted store is already written by the
// time anything is dispatched, so drops only affect live fanout.
type Dispatcher struct {
	StateChan chan StateUpdate
	EventChan chan domain.TripEvent
}

func NewDispatcher(stateSize, eventSize int) *Dispatcher {
	return &Dispatcher{
		StateChan: make(chan StateUpdate, stateSize),
		EventChan: make(chan domain.TripEvent, eventSize),
	}
}

func (d *Dispatcher) DispatchState(u StateUpdate) {
	select {
	case d.StateChan <- u:
	default:
		metrics.StateChannelDrops.Add(1)
	}
}

func (d *Dispatcher) DispatchEvent(ev domain.TripEvent) {
	select {
	case d.EventChan <- ev:
	default:
		metrics.EventChannelDrops.Add(1)
	}
}

// Close ends both channels so consumers drain what is queued and return.
// Only for one-shot runs; nothing may dispatch after Close.
func (d *Dispatcher) Close() {
	close(d.StateChan)
	close(d.EventChan)
}
