package calsync

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps events and connections in process memory. It backs tests
// and single-node development; production uses the Postgres store.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]Event
	conns  map[string]Connection
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: map[string]Event{},
		conns:  map[string]Connection{},
	}
}

func eventKey(userID, provider, externalID string) string {
	return userID + "\x00" + provider + "\x00" + externalID
}

func (s *MemoryStore) GetEvent(ctx context.Context, userID, provider, externalID string) (Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.events[eventKey(userID, provider, externalID)]
	if !ok {
		return Event{}, ErrNotFound
	}
	return event, nil
}

func (s *MemoryStore) UpsertEvent(ctx context.Context, event Event) error {
	if strings.TrimSpace(event.UserID) == "" || strings.TrimSpace(event.Provider) == "" || strings.TrimSpace(event.ExternalID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[eventKey(event.UserID, event.Provider, event.ExternalID)] = event
	return nil
}

func (s *MemoryStore) DeleteEvent(ctx context.Context, userID, provider, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := eventKey(userID, provider, externalID)
	if _, ok := s.events[key]; !ok {
		return ErrNotFound
	}
	delete(s.events, key)
	return nil
}

func (s *MemoryStore) DeleteProviderEvents(ctx context.Context, userID, provider string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, event := range s.events {
		if event.UserID == userID && event.Provider == provider {
			delete(s.events, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, userID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var events []Event
	for _, event := range s.events {
		if event.UserID == userID {
			events = append(events, event)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].Start.Equal(events[j].Start) {
			return events[i].Start.Before(events[j].Start)
		}
		return events[i].ExternalID < events[j].ExternalID
	})
	return events, nil
}

func (s *MemoryStore) GetConnection(ctx context.Context, id string) (Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.conns[id]
	if !ok {
		return Connection{}, ErrNotFound
	}
	return conn, nil
}

func (s *MemoryStore) FindBySubscription(ctx context.Context, provider, subscriptionID string) (Connection, error) {
	if strings.TrimSpace(subscriptionID) == "" {
		return Connection{}, ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, conn := range s.conns {
		if conn.Provider == provider && conn.SubscriptionID == subscriptionID {
			return conn, nil
		}
	}
	return Connection{}, ErrNotFound
}

func (s *MemoryStore) SaveConnection(ctx context.Context, conn Connection) error {
	if strings.TrimSpace(conn.ID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn.ID] = conn
	return nil
}

func (s *MemoryStore) ListConnections(ctx context.Context) ([]Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conns := make([]Connection, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
	return conns, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
