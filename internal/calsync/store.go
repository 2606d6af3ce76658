package calsync

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrQueueFull      = errors.New("queue full")
	// ErrAuthRevoked marks a credential the provider no longer accepts. It is
	// never retried; the connection is flagged for re-authentication instead.
	ErrAuthRevoked = errors.New("authorization revoked")
	// ErrCursorInvalid is returned when the provider rejects the stored cursor
	// even after the bounded-window fallback.
	ErrCursorInvalid = errors.New("sync cursor invalid")
)

const (
	ProviderGoogle  = "google"
	ProviderOutlook = "outlook"
)

// ConnectionStatus is the externally visible health of a provider link.
type ConnectionStatus string

const (
	StatusActive      ConnectionStatus = "active"
	StatusNeedsReauth ConnectionStatus = "needs_reauth"
)

// Event is the local mirror of one provider event. The (UserID, Provider,
// ExternalID) triple is unique; Start and End are absolute UTC instants and
// the timezone fields are display hints only.
type Event struct {
	UserID        string    `json:"userId"`
	Provider      string    `json:"provider"`
	ExternalID    string    `json:"externalId"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	StartTimezone string    `json:"startTimezone"`
	EndTimezone   string    `json:"endTimezone"`
}

// Connection ties one user to one provider account. Cursor is the provider's
// opaque sync position (Google sync token, Outlook delta link) and is only
// replaced after a fully applied sync run.
type Connection struct {
	ID                     string           `json:"id"`
	UserID                 string           `json:"userId"`
	Provider               string           `json:"provider"`
	AccessToken            string           `json:"-"`
	RefreshToken           string           `json:"-"`
	TokenExpiry            time.Time        `json:"tokenExpiry"`
	SubscriptionID         string           `json:"subscriptionId,omitempty"`
	SubscriptionResourceID string           `json:"subscriptionResourceId,omitempty"`
	SubscriptionExpiry     time.Time        `json:"subscriptionExpiry"`
	Cursor                 string           `json:"cursor,omitempty"`
	ProfileTimezone        string           `json:"profileTimezone,omitempty"`
	Status                 ConnectionStatus `json:"status"`
	LastError              string           `json:"lastError,omitempty"`
}

// SubscriptionState derives the push-channel lifecycle position from the
// persisted subscription fields.
type SubscriptionState string

const (
	SubscriptionNone    SubscriptionState = "none"
	SubscriptionActive  SubscriptionState = "active"
	SubscriptionExpired SubscriptionState = "expired"
)

func (c Connection) SubscriptionState(now time.Time) SubscriptionState {
	if c.SubscriptionID == "" {
		return SubscriptionNone
	}
	if !c.SubscriptionExpiry.IsZero() && !now.Before(c.SubscriptionExpiry) {
		return SubscriptionExpired
	}
	return SubscriptionActive
}

// EventStore is the engine's view of the local event table. Upsert and delete
// are idempotent: re-applying a delta is a no-op beyond the first application
// and deleting a missing event is not an error.
type EventStore interface {
	GetEvent(ctx context.Context, userID, provider, externalID string) (Event, error)
	UpsertEvent(ctx context.Context, event Event) error
	DeleteEvent(ctx context.Context, userID, provider, externalID string) error
	// DeleteProviderEvents removes every mirrored event for one connection,
	// used when the provider link is severed.
	DeleteProviderEvents(ctx context.Context, userID, provider string) (int, error)
	ListEvents(ctx context.Context, userID string) ([]Event, error)
}

// ConnectionStore persists connections including cursor and subscription
// fields. SaveConnection overwrites the whole record.
type ConnectionStore interface {
	GetConnection(ctx context.Context, id string) (Connection, error)
	FindBySubscription(ctx context.Context, provider, subscriptionID string) (Connection, error)
	SaveConnection(ctx context.Context, conn Connection) error
	ListConnections(ctx context.Context) ([]Connection, error)
}

// Store combines the two facets most backends implement together.
type Store interface {
	EventStore
	ConnectionStore
	Close() error
}

// runCommitter is implemented by backends that can apply a whole sync run and
// the cursor advance in one transaction. The reconciler prefers it when
// available; otherwise it applies deltas one by one, which is still safe
// because a crash before the cursor write just redoes idempotent work.
type runCommitter interface {
	CommitRun(ctx context.Context, conn Connection, deltas []RemoteEventDelta, nextCursor string) error
}
