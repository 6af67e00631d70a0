package provider

import (
	"errors"
	"fmt"
)

// Sentinel errors for the provider statuses with dedicated handling. Matched
// with errors.Is; the concrete *ProviderError carries the raw status and
// cause.
var (
	ErrAuthFailure   = errors.New("provider: authentication failed")
	ErrRateLimited   = errors.New("provider: rate limit exceeded")
	ErrTokenExpired  = errors.New("provider: token expired")
	ErrBadParameters = errors.New("provider: bad parameters")
)

// ProviderError is any non-zero status in a provider response envelope.
type ProviderError struct {
	Action string
	Status int
	Cause  string
}

func (e *ProviderError) Error() string {
	if e.Cause == "" {
		return fmt.Sprintf("provider: %s returned status %d", e.Action, e.Status)
	}
	return fmt.Sprintf("provider: %s returned status %d: %s", e.Action, e.Status, e.Cause)
}

func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Status == statusRateLimited
	case ErrTokenExpired:
		return e.Status == statusTokenExpired
	case ErrBadParameters:
		return e.Status == statusBadParameters
	}
	return false
}
