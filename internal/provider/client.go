// Package provider implements the rate-limited client for the upstream
// telemetry provider. It is the only component in the process allowed to
// talk to the provider: all calls funnel through one Limiter and one
// singleflight-guarded token lease.
package provider

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/enviofleett/mymoto-sub000/internal/domain"
	"github.com/enviofleett/mymoto-sub000/internal/metrics"
)

type Config struct {
	BaseURL  string
	Account  string
	Password string

	// Timezone interprets the provider's formatted timestamps.
	Timezone *time.Location

	// TokenValidity applies when a login response omits expiresin.
	TokenValidity time.Duration
	// TokenBuffer re-acquires the token this long before its stated expiry.
	TokenBuffer time.Duration

	// MaxRetries caps retries of a rate-limited call.
	MaxRetries int
	// RateLimitPenalty is the shared backoff window opened by a rate-limited
	// response. RetryBaseDelay seeds the exponential retry spacing on top of
	// it; both default to the provider's observed recovery behavior.
	RateLimitPenalty time.Duration
	RetryBaseDelay   time.Duration
}

const (
	defaultTokenValidity    = 24 * time.Hour
	defaultTokenBuffer      = time.Hour
	defaultRateLimitPenalty = 60 * time.Second
	defaultRetryBaseDelay   = 2 * time.Second
	maxRetryDelay           = 60 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Timezone == nil {
		c.Timezone = time.UTC
	}
	if c.TokenValidity <= 0 {
		c.TokenValidity = defaultTokenValidity
	}
	if c.TokenBuffer <= 0 {
		c.TokenBuffer = defaultTokenBuffer
	}
	if c.RateLimitPenalty <= 0 {
		c.RateLimitPenalty = defaultRateLimitPenalty
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaultRetryBaseDelay
	}
	return c
}

// Client issues action-tagged calls against the provider. Safe for
// concurrent use by all device workers.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *Limiter
	tokens  TokenStore
	group   singleflight.Group
	log     *slog.Logger
}

func NewClient(cfg Config, httpClient *http.Client, limiter *Limiter, tokens TokenStore, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		cfg:     cfg.withDefaults(),
		http:    httpClient,
		limiter: limiter,
		tokens:  tokens,
		log:     log,
	}
}

// FetchLastPositions pulls the newest report per device since lastQueryTime
// (the watermark from the previous call, 0 on the first). It returns the
// records and the next watermark to pass back.
func (c *Client) FetchLastPositions(ctx context.Context, deviceIDs []string, lastQueryTime int64) ([]domain.RawTelemetryRecord, int64, error) {
	body := map[string]any{
		"deviceids":             deviceIDs,
		"lastquerypositiontime": lastQueryTime,
	}
	env, err := c.do(ctx, actionLastPosition, body)
	if err != nil {
		return nil, lastQueryTime, err
	}
	next := env.LastQueryPositionTime
	if next == 0 {
		next = lastQueryTime
	}
	return c.convert(env.Records), next, nil
}

// FetchTrack pulls a device's historical reports for a time range, for
// backfill. The provider takes the range formatted in its local timezone.
func (c *Client) FetchTrack(ctx context.Context, deviceID string, from, to time.Time) ([]domain.RawTelemetryRecord, error) {
	body := map[string]any{
		"deviceid":  deviceID,
		"begintime": from.In(c.cfg.Timezone).Format(providerTimeLayout),
		"endtime":   to.In(c.cfg.Timezone).Format(providerTimeLayout),
	}
	env, err := c.do(ctx, actionQueryTracks, body)
	if err != nil {
		return nil, err
	}
	return c.convert(env.Records), nil
}

// ListDevices enumerates the devices visible to the account.
func (c *Client) ListDevices(ctx context.Context) ([]domain.DeviceInfo, error) {
	env, err := c.do(ctx, actionMonitorList, map[string]string{"username": c.cfg.Account})
	if err != nil {
		return nil, err
	}
	var devices []domain.DeviceInfo
	for _, g := range env.Groups {
		for _, d := range g.Devices {
			devices = append(devices, domain.DeviceInfo{DeviceID: d.DeviceID, Name: d.DeviceName})
		}
	}
	return devices, nil
}

func (c *Client) convert(records []rawRecord) []domain.RawTelemetryRecord {
	out := make([]domain.RawTelemetryRecord, 0, len(records))
	for i := range records {
		rec, err := records[i].toDomain(c.cfg.Timezone)
		if err != nil {
			c.log.Warn("dropping malformed provider record",
				"device_id", records[i].DeviceID, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out
}

// do issues an authenticated call, absorbing the recoverable statuses. A
// rate-limited response opens the shared backoff window and the call retries
// after it passes, with exponential spacing, up to MaxRetries. An expired
// token is cleared and re-acquired once. Bad parameters and unrecognized
// statuses surface immediately.
func (c *Client) do(ctx context.Context, action string, body any) (*envelope, error) {
	retries := 0
	reauthed := false
	for {
		token, err := c.token(ctx)
		if err != nil {
			return nil, err
		}

		env, err := c.call(ctx, action, token, body)
		switch {
		case err == nil:
			return env, nil

		case errors.Is(err, ErrTokenExpired) && !reauthed:
			reauthed = true
			if cerr := c.tokens.ClearToken(ctx); cerr != nil {
				return nil, fmt.Errorf("clear expired token: %w", cerr)
			}
			c.log.Warn("provider token expired, re-authenticating", "action", action)

		case errors.Is(err, ErrRateLimited) && retries < c.cfg.MaxRetries:
			if perr := c.limiter.Penalize(ctx, c.cfg.RateLimitPenalty); perr != nil {
				c.log.Error("set shared backoff window", "error", perr)
			}
			delay := c.retryDelay(retries)
			retries++
			c.log.Warn("provider rate limited, backing off",
				"action", action, "retry", retries, "delay", delay)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}

		default:
			return nil, err
		}
	}
}

// retryDelay is 2s tripled per retry, capped at 60s.
func (c *Client) retryDelay(retry int) time.Duration {
	d := c.cfg.RetryBaseDelay
	for i := 0; i < retry; i++ {
		d *= 3
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return d
}

// call is one admission-gated POST of an action envelope.
func (c *Client) call(ctx context.Context, action, token string, body any) (*envelope, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	metrics.ProviderCalls.Add(1)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", action, err)
	}

	endpoint := fmt.Sprintf("%s?action=%s&token=%s",
		c.cfg.BaseURL, url.QueryEscape(action), url.QueryEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ProviderErrors.Add(1)
		return nil, fmt.Errorf("%s: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.ProviderErrors.Add(1)
		return nil, fmt.Errorf("%s: unexpected http status %s", action, resp.Status)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		metrics.ProviderErrors.Add(1)
		return nil, fmt.Errorf("%s: decode response: %w", action, err)
	}
	if env.Status != statusOK {
		if env.Status == statusRateLimited {
			metrics.ProviderRateLimits.Add(1)
		} else {
			metrics.ProviderErrors.Add(1)
		}
		return nil, &ProviderError{Action: action, Status: env.Status, Cause: env.Cause}
	}
	return &env, nil
}

// token returns the leased token, re-acquiring it when missing or inside the
// buffer window. Concurrent acquisitions collapse into one login.
func (c *Client) token(ctx context.Context) (string, error) {
	token, expiresAt, err := c.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("read token lease: %w", err)
	}
	if token != "" && time.Until(expiresAt) > c.cfg.TokenBuffer {
		return token, nil
	}

	v, err, _ := c.group.Do("login", func() (any, error) {
		return c.login(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) login(ctx context.Context) (string, error) {
	// The provider's login exchange takes the md5 hex digest of the
	// password, not the password itself.
	sum := md5.Sum([]byte(c.cfg.Password))
	body := map[string]string{
		"username": c.cfg.Account,
		"password": hex.EncodeToString(sum[:]),
	}

	env, err := c.call(ctx, actionLogin, "", body)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuthFailure, err)
	}
	if env.Token == "" {
		return "", fmt.Errorf("%w: login response carried no token", ErrAuthFailure)
	}

	validity := time.Duration(env.ExpiresIn) * time.Second
	if validity <= 0 {
		validity = c.cfg.TokenValidity
	}
	expiresAt := time.Now().Add(validity)
	if err := c.tokens.SetToken(ctx, env.Token, expiresAt); err != nil {
		return "", fmt.Errorf("persist token lease: %w", err)
	}

	c.log.Info("provider login succeeded", "account", c.cfg.Account, "expires_at", expiresAt)
	return env.Token, nil
}
