package domain

import (
	"errors"
	"fmt"
	"time"
)

// Taxonomy surfaced to gateway clients. Low-level failures (cache write,
// image fetch) degrade silently and never map to these; user-initiated
// actions always do.
var (
	// ErrTimeout signals an outgoing call that exceeded its deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrUnauthorized signals an expired or invalid session after the
	// single refresh-and-retry pass failed.
	ErrUnauthorized = errors.New("session expired")

	// ErrNetworkUnavailable signals connectivity loss before any
	// response was received.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrNotFound signals a missing upstream resource.
	ErrNotFound = errors.New("not found")

	// ErrUserCancelled signals a payment flow abandoned by the user.
	// Deliberately not treated as an error state: no notification.
	ErrUserCancelled = errors.New("payment cancelled by user")

	// ErrConfiguration signals a misconfigured payment provider.
	ErrConfiguration = errors.New("payment provider misconfigured")
)

// ServerRejectedError carries the upstream's rejection message for a
// user-initiated action.
type ServerRejectedError struct {
	Status  int
	Message string
}

func (e *ServerRejectedError) Error() string {
	return fmt.Sprintf("server rejected request (%d): %s", e.Status, e.Message)
}

// RateLimitedError is returned locally for every request issued before
// RetryAt. No network call is made while it applies.
type RateLimitedError struct {
	RetryAt time.Time
	Wait    time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry in ~%s", e.Wait.Round(time.Second))
}

// ProviderDeclinedError carries a normalized, user-presentable decline
// reason. The provider-specific detail is logged, never shown.
type ProviderDeclinedError struct {
	Reason string
}

func (e *ProviderDeclinedError) Error() string {
	return "payment declined: " + e.Reason
}
