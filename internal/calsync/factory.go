package calsync

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// Factories let deployments plug custom backends in by DSN scheme without
// touching the wiring code.
type StoreFactory func(dsn string) (Store, error)
type JobQueueFactory func(dsn string, capacity int) (JobQueue, error)

var backendFactoryRegistry = struct {
	mu             sync.RWMutex
	storeFactories map[string]StoreFactory
	queueFactories map[string]JobQueueFactory
}{
	storeFactories: map[string]StoreFactory{},
	queueFactories: map[string]JobQueueFactory{},
}

func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.storeFactories[scheme] = factory
}

func RegisterJobQueueFactory(scheme string, factory JobQueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.queueFactories[scheme] = factory
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.storeFactories[scheme]
	return factory, ok
}

func lookupJobQueueFactory(scheme string) (JobQueueFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.queueFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildStoreFromDSN selects the event/connection store by DSN scheme:
// memory://, file-less empty DSNs fall back to memory, postgres:// for
// production.
func BuildStoreFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}

// BuildJobQueueFromDSN selects the job queue backend: memory:// (default),
// file://path for a restart-surviving single node, postgres:// for shared
// multi-node dequeue.
func BuildJobQueueFromDSN(dsn string, capacity int) (JobQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryJobQueue(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupJobQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "memory", "mem", "inmem":
		return NewMemoryJobQueue(capacity), nil
	case "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileJobQueue(path, capacity)
	case "postgres", "postgresql":
		return NewPostgresJobQueue(dsn, capacity)
	case "redis", "amqp":
		return nil, fmt.Errorf("%w: queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported queue scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
