package pipeline

import (
	"context"
	"log/slog"

	"github.com/enviofleett/mymoto-sub000/internal/domain"
)

// LiveStateSink receives per-position live-state updates. Implemented
// by store.RedisStore.
type LiveStateSink interface {
	UpdateLiveState(ctx context.Context, p *domain.NormalizedPosition, tripPhase string, openTripSeq int64) error
}

// StateWriter drains the dispatcher's state channel into the live-state
// sink. Failures are logged and skipped: live state is a cache, the
// persisted row already landed before the update was dispatched.
type StateWriter struct {
	ch   <-chan StateUpdate
	sink LiveStateSink
	log  *slog.Logger
}

func NewStateWriter(ch <-chan StateUpdate, sink LiveStateSink, log *slog.Logger) *StateWriter {
	return &StateWriter{ch: ch, sink: sink, log: log}
}

func (w *StateWriter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-w.ch:
			if !ok {
				return
			}
			if err := w.sink.UpdateLiveState(ctx, &u.Position, u.Phase, u.OpenSeq); err != nil {
				w.log.Warn("live state update failed", "device_id", u.Position.DeviceID, "error", err)
			}
		}
	}
}
