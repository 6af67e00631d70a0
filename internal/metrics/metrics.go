package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	RecordsFetched     atomic.Int64
	PositionsInserted  atomic.Int64
	DuplicatesSkipped  atomic.Int64
	SamplesDropped     atomic.Int64
	TripsOpened        atomic.Int64
	TripsClosed        atomic.Int64
	SegmentationWarns  atomic.Int64
	ProviderCalls      atomic.Int64
	ProviderRateLimits atomic.Int64
	ProviderErrors     atomic.Int64
	CycleErrors        atomic.Int64
	StateChannelDrops  atomic.Int64
	EventChannelDrops  atomic.Int64
)

func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "telemetry_records_fetched_total %d\n", RecordsFetched.Load())
	fmt.Fprintf(w, "telemetry_positions_inserted_total %d\n", PositionsInserted.Load())
	fmt.Fprintf(w, "telemetry_duplicates_skipped_total %d\n", DuplicatesSkipped.Load())
	fmt.Fprintf(w, "telemetry_samples_dropped_total %d\n", SamplesDropped.Load())
	fmt.Fprintf(w, "telemetry_trips_opened_total %d\n", TripsOpened.Load())
	fmt.Fprintf(w, "telemetry_trips_closed_total %d\n", TripsClosed.Load())
	fmt.Fprintf(w, "telemetry_segmentation_warnings_total %d\n", SegmentationWarns.Load())
	fmt.Fprintf(w, "telemetry_provider_calls_total %d\n", ProviderCalls.Load())
	fmt.Fprintf(w, "telemetry_provider_rate_limits_total %d\n", ProviderRateLimits.Load())
	fmt.Fprintf(w, "telemetry_provider_errors_total %d\n", ProviderErrors.Load())
	fmt.Fprintf(w, "telemetry_cycle_errors_total %d\n", CycleErrors.Load())
	fmt.Fprintf(w, "telemetry_state_channel_drops_total %d\n", StateChannelDrops.Load())
	fmt.Fprintf(w, "telemetry_event_channel_drops_total %d\n", EventChannelDrops.Load())
}
