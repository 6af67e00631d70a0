// Package http serves the query API: persisted trips and positions, device
// sync health, and the live websocket feed.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/enviofleett/mymoto-sub000/internal/domain"
	"github.com/enviofleett/mymoto-sub000/internal/metrics"
)

// Reader is the query surface over persisted telemetry. Implemented by
// store.TimescaleStore.
type Reader interface {
	Ping(ctx context.Context) error
	TripsInRange(ctx context.Context, deviceID string, from, to time.Time) ([]domain.Trip, error)
	OpenTripForDevice(ctx context.Context, deviceID string) (*domain.Trip, error)
	LatestPosition(ctx context.Context, deviceID string) (*domain.NormalizedPosition, error)
	PositionsInRange(ctx context.Context, deviceID string, from, to time.Time) ([]domain.NormalizedPosition, error)
	SyncStatusForDevice(ctx context.Context, deviceID string) (*domain.SyncStatus, error)
	ListSyncStatus(ctx context.Context) ([]domain.SyncStatus, error)
}

// defaultRange applies when a range query omits from/to.
const defaultRange = 24 * time.Hour

type Server struct {
	router *mux.Router
	reader Reader
	live   LiveFeed
	log    *slog.Logger
}

func NewServer(reader Reader, live LiveFeed, authmw *AuthMiddleware, log *slog.Logger) *Server {
	s := &Server{
		router: mux.NewRouter(),
		reader: reader,
		live:   live,
		log:    log,
	}
	s.setupRoutes(authmw)
	return s
}

func (s *Server) setupRoutes(authmw *AuthMiddleware) {
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/metrics", metrics.HandleMetrics).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(authmw.Wrap, jsonMiddleware)
	api.HandleFunc("/devices", s.handleListDevices).Methods("GET")
	api.HandleFunc("/devices/{device_id}/position/latest", s.handleLatestPosition).Methods("GET")
	api.HandleFunc("/devices/{device_id}/positions", s.handlePositions).Methods("GET")
	api.HandleFunc("/devices/{device_id}/trips", s.handleTrips).Methods("GET")
	api.HandleFunc("/devices/{device_id}/trips/open", s.handleOpenTrip).Methods("GET")
	api.HandleFunc("/devices/{device_id}/sync", s.handleSyncStatus).Methods("GET")

	s.router.Handle("/ws/live", authmw.Wrap(http.HandlerFunc(s.handleLiveSocket))).Methods("GET")
}

func (s *Server) Router() *mux.Router {
	return s.router
}

// Run serves until the context is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	s.log.Info("query api listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Response helpers
type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message})
}

// timeRange parses from/to query params (RFC3339), defaulting to the trailing
// 24 hours.
func timeRange(r *http.Request) (time.Time, time.Time, bool) {
	now := time.Now().UTC()
	from, to := now.Add(-defaultRange), now

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, false
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, false
		}
		to = t
	}
	if to.Before(from) {
		return from, to, false
	}
	return from, to, true
}

// Handlers
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.reader.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.reader.ListSyncStatus(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleLatestPosition(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]

	p, err := s.reader.LatestPosition(r.Context(), deviceID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if p == nil {
		respondError(w, http.StatusNotFound, "no positions for device")
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	from, to, ok := timeRange(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid time range (use RFC3339 from/to, from <= to)")
		return
	}

	positions, err := s.reader.PositionsInRange(r.Context(), deviceID, from, to)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, positions)
}

func (s *Server) handleTrips(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	from, to, ok := timeRange(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid time range (use RFC3339 from/to, from <= to)")
		return
	}

	trips, err := s.reader.TripsInRange(r.Context(), deviceID, from, to)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, trips)
}

func (s *Server) handleOpenTrip(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]

	t, err := s.reader.OpenTripForDevice(r.Context(), deviceID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if t == nil {
		respondError(w, http.StatusNotFound, "no open trip")
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]

	st, err := s.reader.SyncStatusForDevice(r.Context(), deviceID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if st == nil {
		respondError(w, http.StatusNotFound, "device has no sync history")
		return
	}
	respondJSON(w, http.StatusOK, st)
}
