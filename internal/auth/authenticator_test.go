package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeRegistry struct {
	mu      sync.Mutex
	keys    map[string]string
	lookups int
	err     error
}

func (f *fakeRegistry) GetAPIKey(_ context.Context, apiKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.err != nil {
		return "", f.err
	}
	return f.keys[apiKey], nil
}

func TestValidate_StaticKeys(t *testing.T) {
	reg := &fakeRegistry{keys: map[string]string{}}
	a := NewAuthenticator([]string{"static-key", ""}, time.Minute, reg)

	assert.True(t, a.Validate(context.Background(), "static-key"))
	assert.Equal(t, 0, reg.lookups, "static keys never hit the registry")
	assert.False(t, a.Validate(context.Background(), ""), "empty key rejected even when config held one")
}

func TestValidate_RegistryKeyIsCached(t *testing.T) {
	reg := &fakeRegistry{keys: map[string]string{"issued-key": "dashboard"}}
	a := NewAuthenticator(nil, time.Minute, reg)

	assert.True(t, a.Validate(context.Background(), "issued-key"))
	assert.True(t, a.Validate(context.Background(), "issued-key"))
	assert.Equal(t, 1, reg.lookups, "second validation served from the local cache")
}

func TestValidate_UnknownAndFailedLookups(t *testing.T) {
	reg := &fakeRegistry{keys: map[string]string{}}
	a := NewAuthenticator(nil, time.Minute, reg)
	assert.False(t, a.Validate(context.Background(), "nope"))

	reg.err = errors.New("redis down")
	assert.False(t, a.Validate(context.Background(), "issued-key"), "registry failure rejects rather than allows")
}

func TestValidate_ExpiredCacheEntryRevalidates(t *testing.T) {
	reg := &fakeRegistry{keys: map[string]string{"issued-key": "dashboard"}}
	a := NewAuthenticator(nil, -time.Second, reg)

	assert.True(t, a.Validate(context.Background(), "issued-key"))
	assert.True(t, a.Validate(context.Background(), "issued-key"))
	assert.Equal(t, 2, reg.lookups, "expired entry goes back to the registry")
}
