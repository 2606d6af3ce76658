package calsync

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestMemoryJobQueueFIFO(t *testing.T) {
	q := NewMemoryJobQueue(4)
	defer q.Close()

	jobs := []SyncJob{
		{ConnectionID: "c1", Kind: JobSync},
		{ConnectionID: "c2", Kind: JobRenew},
		{ConnectionID: "c3", Kind: JobSync},
	}
	for _, job := range jobs {
		if !q.TryEnqueue(job) {
			t.Fatalf("enqueue %+v failed", job)
		}
	}
	if q.Depth() != 3 {
		t.Fatalf("depth = %d", q.Depth())
	}
	for _, want := range jobs {
		got, ok := q.Dequeue(context.Background())
		if !ok {
			t.Fatalf("dequeue failed")
		}
		if got != want {
			t.Fatalf("dequeued %+v, want %+v", got, want)
		}
	}
}

func TestMemoryJobQueueCapacity(t *testing.T) {
	q := NewMemoryJobQueue(1)
	defer q.Close()

	if !q.TryEnqueue(SyncJob{ConnectionID: "c1", Kind: JobSync}) {
		t.Fatalf("first enqueue failed")
	}
	if q.TryEnqueue(SyncJob{ConnectionID: "c2", Kind: JobSync}) {
		t.Fatalf("enqueue past capacity succeeded")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if q.Enqueue(ctx, SyncJob{ConnectionID: "c3", Kind: JobSync}) {
		t.Fatalf("blocking enqueue should time out on a full queue")
	}
}

func TestMemoryJobQueueRejectsInvalidJob(t *testing.T) {
	q := NewMemoryJobQueue(4)
	defer q.Close()

	if q.TryEnqueue(SyncJob{Kind: JobSync}) {
		t.Fatalf("job without connection id was accepted")
	}
	if q.TryEnqueue(SyncJob{ConnectionID: "c1"}) {
		t.Fatalf("job without kind was accepted")
	}
}

func TestMemoryJobQueueDequeueRespectsContext(t *testing.T) {
	q := NewMemoryJobQueue(4)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := q.Dequeue(ctx); ok {
		t.Fatalf("dequeue on empty queue should fail once context is done")
	}
}

func TestFileJobQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")

	q, err := NewFileJobQueue(path, 8)
	if err != nil {
		t.Fatalf("NewFileJobQueue: %v", err)
	}
	if !q.TryEnqueue(SyncJob{ConnectionID: "c1", Kind: JobSync}) {
		t.Fatalf("enqueue failed")
	}
	if !q.TryEnqueue(SyncJob{ConnectionID: "c2", Kind: JobUnsubscribe, Attempt: 2}) {
		t.Fatalf("enqueue failed")
	}
	_ = q.Close()

	reopened, err := NewFileJobQueue(path, 8)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Depth() != 2 {
		t.Fatalf("depth after reopen = %d", reopened.Depth())
	}
	job, ok := reopened.Dequeue(context.Background())
	if !ok || job.ConnectionID != "c1" || job.Kind != JobSync {
		t.Fatalf("first job = %+v", job)
	}
	job, ok = reopened.Dequeue(context.Background())
	if !ok || job.ConnectionID != "c2" || job.Attempt != 2 {
		t.Fatalf("second job = %+v", job)
	}
}

func TestFileJobQueueTruncatesOverCapacitySnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")

	q, err := NewFileJobQueue(path, 8)
	if err != nil {
		t.Fatalf("NewFileJobQueue: %v", err)
	}
	for i := 0; i < 5; i++ {
		if !q.TryEnqueue(SyncJob{ConnectionID: "c" + string(rune('0'+i)), Kind: JobSync}) {
			t.Fatalf("enqueue #%d failed", i)
		}
	}

	// A smaller capacity on reopen keeps the newest jobs.
	reopened, err := NewFileJobQueue(path, 2)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Depth() != 2 {
		t.Fatalf("depth = %d", reopened.Depth())
	}
	job, _ := reopened.Dequeue(context.Background())
	if job.ConnectionID != "c3" {
		t.Fatalf("first kept job = %+v", job)
	}
}
