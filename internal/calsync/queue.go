package calsync

import (
	"context"
	"strings"
	"sync"
	"time"
)

type JobKind string

const (
	JobSync        JobKind = "sync"
	JobSubscribe   JobKind = "subscribe"
	JobRenew       JobKind = "renew"
	JobUnsubscribe JobKind = "unsubscribe"
)

// SyncJob is one unit of background work for a connection. Attempt counts
// completed tries; the engine re-enqueues retryable failures with backoff.
type SyncJob struct {
	ConnectionID string  `json:"connectionId"`
	Kind         JobKind `json:"kind"`
	Attempt      int     `json:"attempt"`
}

func (j SyncJob) valid() bool {
	return strings.TrimSpace(j.ConnectionID) != "" && j.Kind != ""
}

// JobQueue feeds the worker pool. TryEnqueue is non-blocking; Enqueue and
// Dequeue poll until the context is done.
type JobQueue interface {
	TryEnqueue(job SyncJob) bool
	Enqueue(ctx context.Context, job SyncJob) bool
	Dequeue(ctx context.Context) (SyncJob, bool)
	Depth() int
	Capacity() int
	Close() error
}

type memoryJobQueue struct {
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []SyncJob
}

func NewMemoryJobQueue(capacity int) JobQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &memoryJobQueue{
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []SyncJob{},
	}
}

func (q *memoryJobQueue) TryEnqueue(job SyncJob) bool {
	if !job.valid() {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, job)
	return true
}

func (q *memoryJobQueue) Enqueue(ctx context.Context, job SyncJob) bool {
	for {
		if q.TryEnqueue(job) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *memoryJobQueue) Dequeue(ctx context.Context) (SyncJob, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			job := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return job, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return SyncJob{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *memoryJobQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *memoryJobQueue) Capacity() int {
	return q.capacity
}

func (q *memoryJobQueue) Close() error {
	return nil
}
