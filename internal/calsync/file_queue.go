package calsync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// fileJobQueue persists the job backlog as a JSON snapshot so queued syncs
// survive a restart. Writes go through a temp file and rename to stay atomic.
type fileJobQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []SyncJob
}

type fileJobQueueState struct {
	Items []SyncJob `json:"items"`
}

func NewFileJobQueue(path string, capacity int) (JobQueue, error) {
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileJobQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []SyncJob{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileJobQueue) TryEnqueue(job SyncJob) bool {
	if !job.valid() {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, job)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileJobQueue) Enqueue(ctx context.Context, job SyncJob) bool {
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

func (q *fileJobQueue) Dequeue(ctx context.Context) (SyncJob, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			job := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]SyncJob{job}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return SyncJob{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
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

func (q *fileJobQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileJobQueue) Capacity() int {
	return q.capacity
}

func (q *fileJobQueue) Close() error {
	return nil
}

func (q *fileJobQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileJobQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]SyncJob(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]SyncJob(nil), snapshot.Items...)
	return nil
}

func (q *fileJobQueue) saveLocked() error {
	snapshot := fileJobQueueState{Items: append([]SyncJob(nil), q.items...)}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
