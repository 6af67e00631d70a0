package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/enviofleett/mymoto-sub000/internal/store"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// LiveMessage is one published live update, payload still serialized.
type LiveMessage struct {
	Channel string
	Payload string
}

// LiveFeed streams live updates for the websocket relay.
type LiveFeed interface {
	Live(ctx context.Context) (<-chan LiveMessage, func())
}

// RedisFeed adapts the store's pub/sub subscription to LiveFeed. Each call
// opens its own subscription so a slow client only stalls itself.
type RedisFeed struct {
	rs *store.RedisStore
}

func NewRedisFeed(rs *store.RedisStore) *RedisFeed { return &RedisFeed{rs: rs} }

func (f *RedisFeed) Live(ctx context.Context) (<-chan LiveMessage, func()) {
	sub := f.rs.Subscribe(ctx, store.ChannelPositions, store.ChannelTrips)
	out := make(chan LiveMessage, 64)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- LiveMessage{Channel: msg.Channel, Payload: msg.Payload}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() { _ = sub.Close() }
}

// liveFrame wraps a relayed message with its source channel.
type liveFrame struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// liveRouting is the slice of either payload shape needed to filter by
// device: positions carry device_id at the top level, trip events under trip.
type liveRouting struct {
	DeviceID string `json:"device_id"`
	Trip     struct {
		DeviceID string `json:"device_id"`
	} `json:"trip"`
}

func matchesDevice(payload, deviceID string) bool {
	if deviceID == "" {
		return true
	}
	var route liveRouting
	if err := json.Unmarshal([]byte(payload), &route); err != nil {
		return false
	}
	return route.DeviceID == deviceID || route.Trip.DeviceID == deviceID
}

func (s *Server) handleLiveSocket(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	feed, stop := s.live.Live(ctx)
	defer stop()

	// Reader goroutine detects client disconnect.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	s.log.Info("live socket connected", "device_id", deviceID, "remote", r.RemoteAddr)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-feed:
			if !ok {
				return
			}
			if !matchesDevice(msg.Payload, deviceID) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(liveFrame{Channel: msg.Channel, Payload: json.RawMessage(msg.Payload)}); err != nil {
				return
			}
		}
	}
}
