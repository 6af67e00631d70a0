package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/enviofleett/mymoto-sub000/internal/config"
	"github.com/enviofleett/mymoto-sub000/internal/domain"
)

// Pub/sub channels consumed by dashboard and alerting collaborators.
const (
	ChannelPositions = "telemetry:positions"
	ChannelTrips     = "telemetry:trips"
)

const (
	keyProviderToken  = "provider:token"
	keyProviderExpiry = "provider:token_expiry"
	keyBackoffUntil   = "provider:backoff_until"
	keyDeviceGeo      = "devices:geo"
)

// Live device state outlives a few missed fetch cycles, then expires rather
// than serving stale positions forever.
const liveStateTTL = 10 * time.Minute

func liveStateKey(deviceID string) string {
	return fmt.Sprintf("device:%s:state", deviceID)
}

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, cfg *config.Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Client() *redis.Client {
	return r.client
}

// Token returns the shared provider token lease. Absent or unreadable state
// reports as no lease, which just forces a fresh login.
func (r *RedisStore) Token(ctx context.Context) (string, time.Time, error) {
	vals, err := r.client.MGet(ctx, keyProviderToken, keyProviderExpiry).Result()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("redis get token lease: %w", err)
	}
	token, _ := vals[0].(string)
	expiry, _ := vals[1].(string)
	if token == "" || expiry == "" {
		return "", time.Time{}, nil
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, expiry)
	if err != nil {
		return "", time.Time{}, nil
	}
	return token, expiresAt, nil
}

func (r *RedisStore) SetToken(ctx context.Context, token string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("token lease already expired at %s", expiresAt)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, keyProviderToken, token, ttl)
	pipe.Set(ctx, keyProviderExpiry, expiresAt.Format(time.RFC3339Nano), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set token lease: %w", err)
	}
	return nil
}

func (r *RedisStore) ClearToken(ctx context.Context) error {
	if err := r.client.Del(ctx, keyProviderToken, keyProviderExpiry).Err(); err != nil {
		return fmt.Errorf("redis clear token lease: %w", err)
	}
	return nil
}

func (r *RedisStore) BackoffUntil(ctx context.Context) (time.Time, error) {
	val, err := r.client.Get(ctx, keyBackoffUntil).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("redis get backoff window: %w", err)
	}
	until, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, nil
	}
	return until, nil
}

// SetBackoffUntil only ever extends the window; the key expires on its own
// once the window has passed.
func (r *RedisStore) SetBackoffUntil(ctx context.Context, until time.Time) error {
	current, err := r.BackoffUntil(ctx)
	if err != nil {
		return err
	}
	if !until.After(current) {
		return nil
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, keyBackoffUntil, until.Format(time.RFC3339Nano), ttl).Err(); err != nil {
		return fmt.Errorf("redis set backoff window: %w", err)
	}
	return nil
}

// UpdateLiveState refreshes the device's live hash, the geo index, and
// notifies position subscribers, in one round trip.
func (r *RedisStore) UpdateLiveState(ctx context.Context, p *domain.NormalizedPosition, tripPhase string, openTripSeq int64) error {
	stateData := map[string]interface{}{
		"device_id":           p.DeviceID,
		"lat":                 p.Latitude,
		"lng":                 p.Longitude,
		"speed_kmh":           p.SpeedKmh,
		"ignition_on":         p.IgnitionOn,
		"ignition_confidence": p.IgnitionConfidence,
		"ignition_method":     string(p.IgnitionMethod),
		"odometer_m":          p.OdometerTotal,
		"timestamp":           p.TimestampUTC.Unix(),
		"trip_phase":          tripPhase,
		"open_trip_seq":       openTripSeq,
	}

	pubPayload, err := json.Marshal(stateData)
	if err != nil {
		return fmt.Errorf("failed to marshal live state: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, liveStateKey(p.DeviceID), stateData)
	pipe.Expire(ctx, liveStateKey(p.DeviceID), liveStateTTL)
	pipe.GeoAdd(ctx, keyDeviceGeo, &redis.GeoLocation{
		Name:      p.DeviceID,
		Longitude: p.Longitude,
		Latitude:  p.Latitude,
	})
	pipe.Publish(ctx, ChannelPositions, pubPayload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis live state pipeline failed: %w", err)
	}
	return nil
}

func (r *RedisStore) PublishTripEvent(ctx context.Context, ev *domain.TripEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal trip event: %w", err)
	}
	if err := r.client.Publish(ctx, ChannelTrips, payload).Err(); err != nil {
		return fmt.Errorf("redis publish trip event: %w", err)
	}
	return nil
}

// GetAPIKey resolves an API key to its collaborator name, or "" when unknown.
func (r *RedisStore) GetAPIKey(ctx context.Context, apiKey string) (string, error) {
	key := fmt.Sprintf("collab:auth:%s", apiKey)
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get api key failed: %w", err)
	}
	return val, nil
}

// Subscribe opens a pub/sub subscription on the given channels; the caller
// owns the returned subscription and must close it.
func (r *RedisStore) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return r.client.Subscribe(ctx, channels...)
}
