package calsync

import (
	"context"
	"fmt"
	"time"

	appLog "github.com/prismsocial/calsync/internal/log"
)

// SubscriptionManager drives the push-channel lifecycle for each connection:
// register, renew ahead of expiry, and tear down when a provider is unlinked.
type SubscriptionManager struct {
	conns     ConnectionStore
	events    EventStore
	adapters  map[string]ProviderAdapter
	renewLead time.Duration
	now       func() time.Time
}

func NewSubscriptionManager(conns ConnectionStore, events EventStore, adapters []ProviderAdapter, renewLead time.Duration) *SubscriptionManager {
	if renewLead <= 0 {
		renewLead = 12 * time.Hour
	}
	byName := map[string]ProviderAdapter{}
	for _, adapter := range adapters {
		if adapter != nil {
			byName[adapter.Provider()] = adapter
		}
	}
	return &SubscriptionManager{
		conns:     conns,
		events:    events,
		adapters:  byName,
		renewLead: renewLead,
		now:       time.Now,
	}
}

func (m *SubscriptionManager) adapter(provider string) (ProviderAdapter, error) {
	adapter, ok := m.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for provider %s", ErrInvalidInput, provider)
	}
	return adapter, nil
}

// Subscribe registers a push channel for the connection. A connection whose
// channel is still active is left alone so a duplicate call never opens a
// second provider-side channel.
func (m *SubscriptionManager) Subscribe(ctx context.Context, connectionID string) error {
	conn, err := m.conns.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	now := m.now()
	if conn.SubscriptionState(now) == SubscriptionActive && conn.SubscriptionExpiry.After(now.Add(m.renewLead)) {
		appLog.Debug("subscription already active", "connection", conn.ID, "expiry", conn.SubscriptionExpiry)
		return nil
	}
	adapter, err := m.adapter(conn.Provider)
	if err != nil {
		return err
	}
	sub, err := adapter.Subscribe(ctx, conn)
	if err != nil {
		return err
	}
	return m.commit(ctx, conn.ID, sub)
}

// Renew extends (or replaces) the channel before it lapses. It runs from a
// scheduled pass with enough lead time that a missed window does not silently
// drop notifications.
func (m *SubscriptionManager) Renew(ctx context.Context, connectionID string) error {
	conn, err := m.conns.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	adapter, err := m.adapter(conn.Provider)
	if err != nil {
		return err
	}
	sub, err := adapter.Renew(ctx, conn)
	if err != nil {
		return err
	}
	return m.commit(ctx, conn.ID, sub)
}

// Unsubscribe cancels the provider channel and, only on provider-confirmed
// success, drops the local mirror for the connection. A provider-side
// failure leaves local state untouched rather than deleting speculatively.
func (m *SubscriptionManager) Unsubscribe(ctx context.Context, connectionID string) error {
	conn, err := m.conns.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	adapter, err := m.adapter(conn.Provider)
	if err != nil {
		return err
	}
	if err := adapter.Unsubscribe(ctx, conn); err != nil {
		appLog.Error("provider unsubscribe failed, keeping local events", err,
			"connection", conn.ID, "provider", conn.Provider)
		return err
	}
	removed, err := m.events.DeleteProviderEvents(ctx, conn.UserID, conn.Provider)
	if err != nil {
		return err
	}
	appLog.Info("unlinked provider", "connection", conn.ID, "provider", conn.Provider, "events_removed", removed)

	latest, err := m.conns.GetConnection(ctx, conn.ID)
	if err != nil {
		return err
	}
	latest.SubscriptionID = ""
	latest.SubscriptionResourceID = ""
	latest.SubscriptionExpiry = time.Time{}
	latest.Cursor = ""
	return m.conns.SaveConnection(ctx, latest)
}

// DueForRenewal lists connections whose channel lapses within the lead
// window, including already expired ones.
func (m *SubscriptionManager) DueForRenewal(ctx context.Context) ([]Connection, error) {
	conns, err := m.conns.ListConnections(ctx)
	if err != nil {
		return nil, err
	}
	deadline := m.now().Add(m.renewLead)
	var due []Connection
	for _, conn := range conns {
		if conn.SubscriptionID == "" || conn.Status == StatusNeedsReauth {
			continue
		}
		if conn.SubscriptionExpiry.IsZero() || conn.SubscriptionExpiry.Before(deadline) {
			due = append(due, conn)
		}
	}
	return due, nil
}

func (m *SubscriptionManager) commit(ctx context.Context, connectionID string, sub Subscription) error {
	latest, err := m.conns.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	latest.SubscriptionID = sub.ID
	latest.SubscriptionResourceID = sub.ResourceID
	latest.SubscriptionExpiry = sub.Expiry
	latest.Status = StatusActive
	latest.LastError = ""
	return m.conns.SaveConnection(ctx, latest)
}
