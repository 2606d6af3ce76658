package calsync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type DeltaKind string

const (
	DeltaUpsert DeltaKind = "upsert"
	DeltaDelete DeltaKind = "delete"
)

// EventFields carries the normalized payload of one remote event.
type EventFields struct {
	Title         string
	Description   string
	Start         time.Time
	End           time.Time
	StartTimezone string
	EndTimezone   string
}

// RemoteEventDelta is a single change record produced by an adapter pull.
// Deltas are ephemeral; they are applied to the store and discarded.
type RemoteEventDelta struct {
	Kind       DeltaKind
	ExternalID string
	Fields     EventFields
}

// PullResult is the outcome of one full pagination sweep. NextCursor is the
// provider cursor valid only once every delta has been applied.
// FullResyncRequired reports that the stored cursor was rejected and the
// sweep fell back to the bounded window, so the result reflects provider
// truth for that window only.
type PullResult struct {
	Deltas             []RemoteEventDelta
	NextCursor         string
	FullResyncRequired bool
}

// Subscription is the provider's answer to a channel registration.
type Subscription struct {
	ID         string
	ResourceID string
	Expiry     time.Time
}

// ProviderAdapter hides one provider's sync protocol behind a common
// capability. Pull drains all pages for a run; Subscribe, Renew and
// Unsubscribe manage the push channel.
type ProviderAdapter interface {
	Provider() string
	Pull(ctx context.Context, conn Connection) (PullResult, error)
	Subscribe(ctx context.Context, conn Connection) (Subscription, error)
	Renew(ctx context.Context, conn Connection) (Subscription, error)
	Unsubscribe(ctx context.Context, conn Connection) error
}

// ProviderError is a non-2xx answer from a provider API. Retryable errors
// (429, 5xx, transport) re-enqueue the run with backoff; auth errors map to
// ErrAuthRevoked via Is.
type ProviderError struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s api: status=%d code=%s message=%s", e.Provider, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s api: status=%d message=%s", e.Provider, e.StatusCode, e.Message)
}

func (e *ProviderError) Is(target error) bool {
	if target == ErrAuthRevoked {
		return e.StatusCode == 401 || e.StatusCode == 403
	}
	return false
}

// IsRetryable reports whether the whole sync run should be redone later.
// Transport failures and timeouts arrive as plain errors from the HTTP
// client; anything not classified as auth or input trouble is retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthRevoked) || errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrCursorInvalid) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}
