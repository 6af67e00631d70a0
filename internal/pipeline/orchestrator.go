package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/enviofleett/mymoto-sub000/internal/domain"
	"github.com/enviofleett/mymoto-sub000/internal/metrics"
	"github.com/enviofleett/mymoto-sub000/internal/trip"
)

// ProviderAPI is the slice of the provider client the pipeline consumes.
type ProviderAPI interface {
	FetchLastPositions(ctx context.Context, deviceIDs []string, lastQueryTime int64) ([]domain.RawTelemetryRecord, int64, error)
	FetchTrack(ctx context.Context, deviceID string, from, to time.Time) ([]domain.RawTelemetryRecord, error)
}

// Store is the persistence surface the pipeline writes through.
type Store interface {
	InsertPositions(ctx context.Context, positions []domain.NormalizedPosition) ([]bool, error)
	OpenTrip(ctx context.Context, t *domain.Trip) error
	CloseTrip(ctx context.Context, t *domain.Trip) error
	OpenTripForDevice(ctx context.Context, deviceID string) (*domain.Trip, error)
	MaxTripSeq(ctx context.Context, deviceID string) (int64, error)
	LatestPosition(ctx context.Context, deviceID string) (*domain.NormalizedPosition, error)
	PositionsSince(ctx context.Context, deviceID string, since time.Time) ([]domain.NormalizedPosition, error)
	MarkSyncSuccess(ctx context.Context, deviceID, cycleID string, fetchedAt time.Time, lastSampleAt *time.Time) error
	MarkSyncError(ctx context.Context, deviceID, cycleID string, fetchedAt time.Time, message string) error
}

// Config tunes the fetch loop and per-device segmentation.
type Config struct {
	DeviceIDs     []string
	FetchInterval time.Duration
	CycleTimeout  time.Duration
	MaxWorkers    int
	Trip          trip.Config
}

// Orchestrator drives fetch cycles: pull a batch from the provider,
// split it per device, and run each device's samples through its own
// segmenter in timestamp order. Each device fails or succeeds on its
// own; one bad stream never blocks the rest of the fleet.
type Orchestrator struct {
	cfg        Config
	provider   ProviderAPI
	store      Store
	normalizer *Normalizer
	dispatcher *Dispatcher
	log        *slog.Logger

	mu       sync.Mutex
	segments map[string]*trip.Segmenter

	watermark int64
}

func NewOrchestrator(cfg Config, p ProviderAPI, st Store, n *Normalizer, d *Dispatcher, log *slog.Logger) *Orchestrator {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	return &Orchestrator{
		cfg:        cfg,
		provider:   p,
		store:      st,
		normalizer: n,
		dispatcher: d,
		log:        log,
		segments:   make(map[string]*trip.Segmenter),
	}
}

// Run executes one cycle immediately, then one per FetchInterval until
// the context is canceled.
func (o *Orchestrator) Run(ctx context.Context) {
	o.RunCycle(ctx)

	ticker := time.NewTicker(o.cfg.FetchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.log.Info("orchestrator stopped")
			return
		case <-ticker.C:
			o.RunCycle(ctx)
		}
	}
}

// RunCycle performs a single fetch-and-ingest pass over the fleet.
func (o *Orchestrator) RunCycle(parent context.Context) {
	cycleID := uuid.NewString()
	ctx, cancel := context.WithTimeout(parent, o.cfg.CycleTimeout)
	defer cancel()

	log := o.log.With("cycle_id", cycleID)

	records, next, err := o.provider.FetchLastPositions(ctx, o.cfg.DeviceIDs, o.watermark)
	if err != nil {
		metrics.CycleErrors.Add(1)
		log.Error("fetch cycle failed", "error", err)
		return
	}
	o.watermark = next
	metrics.RecordsFetched.Add(int64(len(records)))

	byDevice := make(map[string][]domain.RawTelemetryRecord)
	for _, r := range records {
		byDevice[r.DeviceID] = append(byDevice[r.DeviceID], r)
	}

	var g errgroup.Group
	g.SetLimit(o.cfg.MaxWorkers)
	for deviceID, samples := range byDevice {
		g.Go(func() error {
			o.processDevice(ctx, log, cycleID, deviceID, samples)
			return nil
		})
	}
	g.Wait()

	log.Info("fetch cycle complete", "devices", len(byDevice), "records", len(records))
}

// Backfill replays a historical track for one device through the same
// normalization and segmentation path as live ingestion.
func (o *Orchestrator) Backfill(ctx context.Context, deviceID string, from, to time.Time) error {
	records, err := o.provider.FetchTrack(ctx, deviceID, from, to)
	if err != nil {
		return fmt.Errorf("fetch track: %w", err)
	}
	metrics.RecordsFetched.Add(int64(len(records)))

	cycleID := uuid.NewString()
	log := o.log.With("cycle_id", cycleID)
	if err := o.ingestDevice(ctx, log, cycleID, deviceID, records); err != nil {
		return err
	}
	log.Info("backfill complete", "device_id", deviceID, "records", len(records))
	return nil
}

// processDevice is the worker body. It never propagates failure to the
// cycle: errors and panics are recorded against the device's sync
// status and the rest of the fleet carries on.
func (o *Orchestrator) processDevice(ctx context.Context, log *slog.Logger, cycleID, deviceID string, raw []domain.RawTelemetryRecord) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CycleErrors.Add(1)
			log.Error("device worker panicked", "device_id", deviceID, "panic", r)
			if err := o.store.MarkSyncError(ctx, deviceID, cycleID, time.Now().UTC(), fmt.Sprintf("worker panic: %v", r)); err != nil {
				log.Error("failed to record sync error", "device_id", deviceID, "error", err)
			}
		}
	}()

	if err := o.ingestDevice(ctx, log, cycleID, deviceID, raw); err != nil {
		metrics.CycleErrors.Add(1)
		log.Error("device ingest failed", "device_id", deviceID, "error", err)
		if merr := o.store.MarkSyncError(ctx, deviceID, cycleID, time.Now().UTC(), err.Error()); merr != nil {
			log.Error("failed to record sync error", "device_id", deviceID, "error", merr)
		}
	}
}

func (o *Orchestrator) ingestDevice(ctx context.Context, log *slog.Logger, cycleID, deviceID string, raw []domain.RawTelemetryRecord) error {
	seg, err := o.segmenter(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("restore segmentation state: %w", err)
	}

	sort.Slice(raw, func(i, j int) bool { return raw[i].Timestamp.Before(raw[j].Timestamp) })

	var lastSampleAt *time.Time
	for i := range raw {
		p, err := o.normalizer.Normalize(&raw[i])
		if err != nil {
			metrics.SamplesDropped.Add(1)
			log.Warn("dropping malformed sample", "device_id", deviceID, "error", err)
			continue
		}
		if err := o.ingest(ctx, log, seg, p); err != nil {
			return err
		}
		ts := p.TimestampUTC
		lastSampleAt = &ts
	}

	if err := o.store.MarkSyncSuccess(ctx, deviceID, cycleID, time.Now().UTC(), lastSampleAt); err != nil {
		return fmt.Errorf("record sync status: %w", err)
	}
	return nil
}

// ingest persists one position and advances the device's trip state.
// Duplicate samples (already persisted) are skipped before segmentation
// so re-fetched batches cannot double-count a trip.
func (o *Orchestrator) ingest(ctx context.Context, log *slog.Logger, seg *trip.Segmenter, p *domain.NormalizedPosition) error {
	inserted, err := o.store.InsertPositions(ctx, []domain.NormalizedPosition{*p})
	if err != nil {
		return fmt.Errorf("persist position: %w", err)
	}
	if len(inserted) == 0 || !inserted[0] {
		metrics.DuplicatesSkipped.Add(1)
		return nil
	}
	metrics.PositionsInserted.Add(1)

	res := seg.Process(p)
	if res.Dropped != "" {
		metrics.SamplesDropped.Add(1)
		log.Warn("segmenter rejected sample", "device_id", p.DeviceID, "reason", res.Dropped, "timestamp", p.TimestampUTC)
	}
	if res.Warning != "" {
		metrics.SegmentationWarns.Add(1)
		log.Warn("segmentation fallback", "device_id", p.DeviceID, "warning", res.Warning)
	}
	if err := o.applyTransitions(ctx, res); err != nil {
		return err
	}

	snap := seg.Snapshot()
	var openSeq int64
	if snap.OpenTrip != nil {
		openSeq = snap.OpenTrip.Seq
	}
	o.dispatcher.DispatchState(StateUpdate{Position: *p, Phase: snap.Phase, OpenSeq: openSeq})
	return nil
}

// applyTransitions persists trip boundaries in stream order: a close
// always lands before the open that follows it.
func (o *Orchestrator) applyTransitions(ctx context.Context, res trip.Result) error {
	if res.Closed != nil {
		if err := o.store.CloseTrip(ctx, res.Closed); err != nil {
			return fmt.Errorf("close trip %d: %w", res.Closed.Seq, err)
		}
		metrics.TripsClosed.Add(1)
		o.dispatcher.DispatchEvent(domain.TripEvent{ID: uuid.NewString(), Type: domain.TripClosed, Trip: *res.Closed})
	}
	if res.Opened != nil {
		if err := o.store.OpenTrip(ctx, res.Opened); err != nil {
			return fmt.Errorf("open trip %d: %w", res.Opened.Seq, err)
		}
		metrics.TripsOpened.Add(1)
		o.dispatcher.DispatchEvent(domain.TripEvent{ID: uuid.NewString(), Type: domain.TripOpened, Trip: *res.Opened})
	}
	return nil
}

// segmenter returns the device's in-memory segmenter, rebuilding it
// from the store on first touch after a restart.
func (o *Orchestrator) segmenter(ctx context.Context, deviceID string) (*trip.Segmenter, error) {
	o.mu.Lock()
	seg, ok := o.segments[deviceID]
	o.mu.Unlock()
	if ok {
		return seg, nil
	}

	seg, replayed, err := o.restore(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	for _, res := range replayed {
		if err := o.applyTransitions(ctx, res); err != nil {
			return nil, err
		}
	}

	o.mu.Lock()
	o.segments[deviceID] = seg
	o.mu.Unlock()
	return seg, nil
}

// restore rebuilds segmentation state from persisted data. If a trip
// was open at shutdown its position window is replayed, which may emit
// transitions that were computed but never persisted before the crash;
// the store calls for those are idempotent, so applying them again is
// safe.
func (o *Orchestrator) restore(ctx context.Context, deviceID string) (*trip.Segmenter, []trip.Result, error) {
	maxSeq, err := o.store.MaxTripSeq(ctx, deviceID)
	if err != nil {
		return nil, nil, fmt.Errorf("max trip seq: %w", err)
	}
	open, err := o.store.OpenTripForDevice(ctx, deviceID)
	if err != nil {
		return nil, nil, fmt.Errorf("open trip lookup: %w", err)
	}

	if open != nil {
		window, err := o.store.PositionsSince(ctx, deviceID, open.StartTime)
		if err != nil {
			return nil, nil, fmt.Errorf("trip position window: %w", err)
		}
		if len(window) > 0 {
			seg := trip.New(o.cfg.Trip)
			replayed := seg.RestoreOpenTrip(open.Seq, window)
			o.log.Info("restored open trip", "device_id", deviceID, "seq", open.Seq, "window", len(window))
			return seg, replayed, nil
		}
		o.log.Warn("open trip has no position window, starting fresh", "device_id", deviceID, "seq", open.Seq)
		st := trip.State{LastSeq: maxSeq, LastTimestamp: open.StartTime, LastIgnition: true}
		return trip.NewFromState(o.cfg.Trip, st), nil, nil
	}

	latest, err := o.store.LatestPosition(ctx, deviceID)
	if err != nil {
		return nil, nil, fmt.Errorf("latest position: %w", err)
	}
	st := trip.State{LastSeq: maxSeq}
	if latest != nil {
		st.LastTimestamp = latest.TimestampUTC
		st.LastIgnition = latest.IgnitionOn && latest.IgnitionConfidence > 0
	}
	return trip.NewFromState(o.cfg.Trip, st), nil, nil
}
