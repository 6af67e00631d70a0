package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enviofleett/mymoto-sub000/internal/auth"
	"github.com/enviofleett/mymoto-sub000/internal/domain"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type noRegistry struct{}

func (noRegistry) GetAPIKey(context.Context, string) (string, error) { return "", nil }

type fakeReader struct {
	pingErr   error
	trips     []domain.Trip
	open      *domain.Trip
	latest    *domain.NormalizedPosition
	positions []domain.NormalizedPosition
	sync      *domain.SyncStatus
	statuses  []domain.SyncStatus

	gotDevice string
	gotFrom   time.Time
	gotTo     time.Time
}

func (f *fakeReader) Ping(context.Context) error { return f.pingErr }

func (f *fakeReader) TripsInRange(_ context.Context, deviceID string, from, to time.Time) ([]domain.Trip, error) {
	f.gotDevice, f.gotFrom, f.gotTo = deviceID, from, to
	return f.trips, nil
}

func (f *fakeReader) OpenTripForDevice(_ context.Context, deviceID string) (*domain.Trip, error) {
	f.gotDevice = deviceID
	return f.open, nil
}

func (f *fakeReader) LatestPosition(_ context.Context, deviceID string) (*domain.NormalizedPosition, error) {
	f.gotDevice = deviceID
	return f.latest, nil
}

func (f *fakeReader) PositionsInRange(_ context.Context, deviceID string, from, to time.Time) ([]domain.NormalizedPosition, error) {
	f.gotDevice, f.gotFrom, f.gotTo = deviceID, from, to
	return f.positions, nil
}

func (f *fakeReader) SyncStatusForDevice(_ context.Context, deviceID string) (*domain.SyncStatus, error) {
	f.gotDevice = deviceID
	return f.sync, nil
}

func (f *fakeReader) ListSyncStatus(context.Context) ([]domain.SyncStatus, error) {
	return f.statuses, nil
}

type testEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func newTestServer(rd Reader, live LiveFeed) *httptest.Server {
	a := auth.NewAuthenticator([]string{"test-key"}, time.Minute, noRegistry{})
	s := NewServer(rd, live, NewAuthMiddleware(a), testLogger)
	return httptest.NewServer(s.Router())
}

func doGet(t *testing.T, srv *httptest.Server, path, apiKey string) (int, testEnvelope) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env testEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func TestServer_RequiresAPIKey(t *testing.T) {
	srv := newTestServer(&fakeReader{}, nil)
	defer srv.Close()

	status, env := doGet(t, srv, "/api/v1/devices", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "missing X-API-Key header", env.Error)

	status, env = doGet(t, srv, "/api/v1/devices", "wrong-key")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid API key", env.Error)

	status, _ = doGet(t, srv, "/healthz", "")
	assert.Equal(t, http.StatusOK, status, "health endpoint is unauthenticated")
}

func TestServer_HealthReflectsStore(t *testing.T) {
	rd := &fakeReader{pingErr: context.DeadlineExceeded}
	srv := newTestServer(rd, nil)
	defer srv.Close()

	status, env := doGet(t, srv, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.False(t, env.Success)
}

func TestServer_LatestPosition(t *testing.T) {
	rd := &fakeReader{latest: &domain.NormalizedPosition{
		DeviceID:     "dev-a",
		TimestampUTC: time.Date(2025, 11, 3, 8, 0, 0, 0, time.UTC),
		SpeedKmh:     42,
	}}
	srv := newTestServer(rd, nil)
	defer srv.Close()

	status, env := doGet(t, srv, "/api/v1/devices/dev-a/position/latest", "test-key")
	require.Equal(t, http.StatusOK, status)
	var p domain.NormalizedPosition
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, "dev-a", p.DeviceID)
	assert.Equal(t, 42.0, p.SpeedKmh)
	assert.Equal(t, "dev-a", rd.gotDevice)

	rd.latest = nil
	status, env = doGet(t, srv, "/api/v1/devices/dev-a/position/latest", "test-key")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "no positions for device", env.Error)
}

func TestServer_TripsRange(t *testing.T) {
	end := time.Date(2025, 11, 3, 9, 0, 0, 0, time.UTC)
	rd := &fakeReader{trips: []domain.Trip{
		{DeviceID: "dev-a", Seq: 1, EndTime: &end, DistanceM: 500, DistanceMethod: domain.DistanceOdometer},
		{DeviceID: "dev-a", Seq: 2, DistanceMethod: domain.DistanceGeodesic},
	}}
	srv := newTestServer(rd, nil)
	defer srv.Close()

	status, env := doGet(t, srv,
		"/api/v1/devices/dev-a/trips?from=2025-11-03T00:00:00Z&to=2025-11-03T23:59:59Z", "test-key")
	require.Equal(t, http.StatusOK, status)

	var trips []domain.Trip
	require.NoError(t, json.Unmarshal(env.Data, &trips))
	require.Len(t, trips, 2)
	assert.Equal(t, domain.DistanceOdometer, trips[0].DistanceMethod)
	assert.Equal(t, time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC), rd.gotFrom)
	assert.Equal(t, time.Date(2025, 11, 3, 23, 59, 59, 0, time.UTC), rd.gotTo)
}

func TestServer_RejectsBadTimeRange(t *testing.T) {
	srv := newTestServer(&fakeReader{}, nil)
	defer srv.Close()

	for _, path := range []string{
		"/api/v1/devices/dev-a/trips?from=yesterday",
		"/api/v1/devices/dev-a/trips?from=2025-11-03T10:00:00Z&to=2025-11-03T09:00:00Z",
		"/api/v1/devices/dev-a/positions?to=not-a-time",
	} {
		status, env := doGet(t, srv, path, "test-key")
		assert.Equal(t, http.StatusBadRequest, status, path)
		assert.Contains(t, env.Error, "invalid time range", path)
	}
}

func TestServer_OpenTrip(t *testing.T) {
	rd := &fakeReader{open: &domain.Trip{DeviceID: "dev-a", Seq: 4}}
	srv := newTestServer(rd, nil)
	defer srv.Close()

	status, env := doGet(t, srv, "/api/v1/devices/dev-a/trips/open", "test-key")
	require.Equal(t, http.StatusOK, status)
	var trip domain.Trip
	require.NoError(t, json.Unmarshal(env.Data, &trip))
	assert.Equal(t, int64(4), trip.Seq)
	assert.True(t, trip.Open())

	rd.open = nil
	status, env = doGet(t, srv, "/api/v1/devices/dev-a/trips/open", "test-key")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "no open trip", env.Error)
}

func TestServer_SyncStatus(t *testing.T) {
	rd := &fakeReader{sync: &domain.SyncStatus{DeviceID: "dev-a", ErrorCount: 2, LastError: "provider unavailable"}}
	srv := newTestServer(rd, nil)
	defer srv.Close()

	status, env := doGet(t, srv, "/api/v1/devices/dev-a/sync", "test-key")
	require.Equal(t, http.StatusOK, status)
	var st domain.SyncStatus
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, 2, st.ErrorCount)

	rd.sync = nil
	status, _ = doGet(t, srv, "/api/v1/devices/dev-a/sync", "test-key")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServer_ListDevices(t *testing.T) {
	rd := &fakeReader{statuses: []domain.SyncStatus{
		{DeviceID: "dev-a"}, {DeviceID: "dev-b"},
	}}
	srv := newTestServer(rd, nil)
	defer srv.Close()

	status, env := doGet(t, srv, "/api/v1/devices", "test-key")
	require.Equal(t, http.StatusOK, status)
	var statuses []domain.SyncStatus
	require.NoError(t, json.Unmarshal(env.Data, &statuses))
	assert.Len(t, statuses, 2)
}

func TestServer_MetricsExposition(t *testing.T) {
	srv := newTestServer(&fakeReader{}, nil)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "telemetry_positions_inserted_total")
}
