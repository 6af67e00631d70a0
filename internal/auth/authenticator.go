// Package auth validates API keys for the query surface. Keys resolve in
// three levels: static keys from config, a process-local cache, then the
// shared key registry in Redis.
package auth

import (
	"context"
	"sync"
	"time"
)

// KeyLookup resolves an API key to the client it belongs to, empty when
// unknown. Implemented by store.RedisStore.
type KeyLookup interface {
	GetAPIKey(ctx context.Context, apiKey string) (string, error)
}

type cacheEntry struct {
	clientID  string
	expiresAt time.Time
}

type Authenticator struct {
	localCache sync.Map
	registry   KeyLookup
	ttl        time.Duration
	staticKeys map[string]bool
}

func NewAuthenticator(staticKeys []string, cacheTTL time.Duration, registry KeyLookup) *Authenticator {
	keys := make(map[string]bool, len(staticKeys))
	for _, k := range staticKeys {
		if k != "" {
			keys[k] = true
		}
	}

	return &Authenticator{
		registry:   registry,
		ttl:        cacheTTL,
		staticKeys: keys,
	}
}

func (a *Authenticator) Validate(ctx context.Context, apiKey string) bool {
	if apiKey == "" {
		return false
	}

	// Level 0: static config keys
	if a.staticKeys[apiKey] {
		return true
	}

	// Level 1: in-memory cache
	if raw, ok := a.localCache.Load(apiKey); ok {
		entry := raw.(cacheEntry)
		if time.Now().Before(entry.expiresAt) {
			return true
		}
		a.localCache.Delete(apiKey)
	}

	// Level 2: shared registry
	clientID, err := a.registry.GetAPIKey(ctx, apiKey)
	if err != nil || clientID == "" {
		return false
	}

	a.localCache.Store(apiKey, cacheEntry{
		clientID:  clientID,
		expiresAt: time.Now().Add(a.ttl),
	})

	return true
}
