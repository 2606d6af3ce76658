package calsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	appLog "github.com/prismsocial/calsync/internal/log"
)

// Reconciler applies delta streams to the local store. Execution is
// serialized per connection: Run holds the connection lock across the
// provider pull and the apply, so two overlapping sync jobs can never
// interleave cursor advancement.
type Reconciler struct {
	events EventStore
	conns  ConnectionStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewReconciler(events EventStore, conns ConnectionStore) *Reconciler {
	return &Reconciler{
		events: events,
		conns:  conns,
		locks:  map[string]*sync.Mutex{},
	}
}

// Run performs one full sync run for the connection: pull every page through
// the adapter, apply the deltas in delivered order, then commit the cursor.
func (r *Reconciler) Run(ctx context.Context, connectionID string, adapter ProviderAdapter) error {
	lock := r.connLock(connectionID)
	lock.Lock()
	defer lock.Unlock()

	conn, err := r.conns.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	result, err := adapter.Pull(ctx, conn)
	if err != nil {
		return err
	}
	return r.apply(ctx, conn, result)
}

// Apply applies an already-pulled result under the connection lock. Exposed
// for callers that drive the adapter themselves.
func (r *Reconciler) Apply(ctx context.Context, connectionID string, result PullResult) error {
	lock := r.connLock(connectionID)
	lock.Lock()
	defer lock.Unlock()

	conn, err := r.conns.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	return r.apply(ctx, conn, result)
}

func (r *Reconciler) apply(ctx context.Context, conn Connection, result PullResult) error {
	nextCursor := result.NextCursor
	if nextCursor == "" && !result.FullResyncRequired {
		// A sweep that produced no fresh cursor keeps the old one.
		nextCursor = conn.Cursor
	}

	if committer, ok := r.events.(runCommitter); ok {
		return committer.CommitRun(ctx, conn, result.Deltas, nextCursor)
	}

	for _, delta := range result.Deltas {
		switch delta.Kind {
		case DeltaUpsert:
			err := r.events.UpsertEvent(ctx, Event{
				UserID:        conn.UserID,
				Provider:      conn.Provider,
				ExternalID:    delta.ExternalID,
				Title:         delta.Fields.Title,
				Description:   delta.Fields.Description,
				Start:         delta.Fields.Start,
				End:           delta.Fields.End,
				StartTimezone: delta.Fields.StartTimezone,
				EndTimezone:   delta.Fields.EndTimezone,
			})
			if err != nil {
				return fmt.Errorf("upsert %s: %w", delta.ExternalID, err)
			}
		case DeltaDelete:
			err := r.events.DeleteEvent(ctx, conn.UserID, conn.Provider, delta.ExternalID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("delete %s: %w", delta.ExternalID, err)
			}
		default:
			appLog.Info("skipping delta with unknown kind",
				"connection", conn.ID, "kind", string(delta.Kind), "external_id", delta.ExternalID)
		}
	}

	// The cursor advances only after the whole run applied cleanly; any
	// earlier return leaves the stored cursor untouched so the run can be
	// redone in full. Re-read the record first: a token refresh during the
	// pull may have rewritten the credential fields.
	latest, err := r.conns.GetConnection(ctx, conn.ID)
	if err != nil {
		return err
	}
	latest.Cursor = nextCursor
	latest.LastError = ""
	return r.conns.SaveConnection(ctx, latest)
}

func (r *Reconciler) connLock(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[id] = lock
	}
	return lock
}
