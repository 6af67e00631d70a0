package pipeline

import (
	"context"
	"log/slog"

	"github.com/enviofleett/mymoto-sub000/internal/domain"
)

// EventSink receives trip boundary events for fanout. Implemented by
// store.RedisStore.
type EventSink interface {
	PublishTripEvent(ctx context.Context, ev *domain.TripEvent) error
}

// EventPublisher drains the dispatcher's event channel into the sink.
// Trips are already persisted when their events are dispatched, so a
// failed publish loses a notification, never data.
type EventPublisher struct {
	ch   <-chan domain.TripEvent
	sink EventSink
	log  *slog.Logger
}

func NewEventPublisher(ch <-chan domain.TripEvent, sink EventSink, log *slog.Logger) *EventPublisher {
	return &EventPublisher{ch: ch, sink: sink, log: log}
}

func (p *EventPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.ch:
			if !ok {
				return
			}
			if err := p.sink.PublishTripEvent(ctx, &ev); err != nil {
				p.log.Warn("trip event publish failed",
					"device_id", ev.Trip.DeviceID, "seq", ev.Trip.Seq, "type", ev.Type, "error", err)
			}
		}
	}
}
