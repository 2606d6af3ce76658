package calsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	appLog "github.com/prismsocial/calsync/internal/log"
)

// EngineOptions tune the worker pool and the retry policy.
type EngineOptions struct {
	Workers      int
	MaxAttempts  int
	RetryBase    time.Duration
	RetryMax     time.Duration
	CoalesceWait time.Duration
}

func (o EngineOptions) withDefaults() EngineOptions {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 2 * time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 5 * time.Minute
	}
	if o.CoalesceWait <= 0 {
		o.CoalesceWait = 250 * time.Millisecond
	}
	return o
}

// Engine owns the background worker pool. Webhook handlers and the renewal
// scheduler enqueue jobs; workers drain the queue and drive the reconciler
// and the subscription manager.
type Engine struct {
	store         Store
	queue         JobQueue
	adapters      map[string]ProviderAdapter
	reconciler    *Reconciler
	subscriptions *SubscriptionManager
	opts          EngineOptions
	now           func() time.Time

	mu       sync.Mutex
	inFlight map[string]bool
	pending  map[string]bool
	timers   map[*time.Timer]struct{}
	closed   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(store Store, queue JobQueue, adapters []ProviderAdapter, subscriptions *SubscriptionManager, opts EngineOptions) *Engine {
	byName := map[string]ProviderAdapter{}
	for _, adapter := range adapters {
		if adapter != nil {
			byName[adapter.Provider()] = adapter
		}
	}
	return &Engine{
		store:         store,
		queue:         queue,
		adapters:      byName,
		reconciler:    NewReconciler(store, store),
		subscriptions: subscriptions,
		opts:          opts.withDefaults(),
		now:           time.Now,
		inFlight:      map[string]bool{},
		pending:       map[string]bool{},
		timers:        map[*time.Timer]struct{}{},
	}
}

// Start launches the worker pool. It returns immediately; Close stops the
// workers and waits for in-progress jobs to finish.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	for i := 0; i < e.opts.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	appLog.Info("engine started", "workers", e.opts.Workers, "queue_capacity", e.queue.Capacity())
}

func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	for timer := range e.timers {
		timer.Stop()
	}
	e.timers = map[*time.Timer]struct{}{}
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	return e.queue.Close()
}

// EnqueueSync schedules an incremental sync for the connection. It reports
// whether the job was accepted; a full queue drops the notification, which is
// safe because the next notification or renewal pass triggers a fresh pull.
func (e *Engine) EnqueueSync(connectionID string) bool {
	return e.enqueue(SyncJob{ConnectionID: connectionID, Kind: JobSync})
}

func (e *Engine) EnqueueSubscribe(connectionID string) bool {
	return e.enqueue(SyncJob{ConnectionID: connectionID, Kind: JobSubscribe})
}

func (e *Engine) EnqueueRenew(connectionID string) bool {
	return e.enqueue(SyncJob{ConnectionID: connectionID, Kind: JobRenew})
}

func (e *Engine) EnqueueUnsubscribe(connectionID string) bool {
	return e.enqueue(SyncJob{ConnectionID: connectionID, Kind: JobUnsubscribe})
}

func (e *Engine) enqueue(job SyncJob) bool {
	if !e.queue.TryEnqueue(job) {
		appLog.Error("queue full, dropping job", ErrQueueFull,
			"connection", job.ConnectionID, "kind", string(job.Kind), "depth", e.queue.Depth())
		return false
	}
	return true
}

// RenewalPass enqueues a renew job for every connection whose push channel
// lapses within the lead window. Scheduled from cron.
func (e *Engine) RenewalPass(ctx context.Context) error {
	due, err := e.subscriptions.DueForRenewal(ctx)
	if err != nil {
		return err
	}
	for _, conn := range due {
		if e.EnqueueRenew(conn.ID) {
			appLog.Info("scheduled subscription renewal", "connection", conn.ID, "expiry", conn.SubscriptionExpiry)
		}
	}
	return nil
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		job, ok := e.queue.Dequeue(ctx)
		if !ok {
			return
		}
		e.processJob(ctx, job)
	}
}

func (e *Engine) processJob(ctx context.Context, job SyncJob) {
	var err error
	switch job.Kind {
	case JobSync:
		err = e.runSync(ctx, job)
	case JobSubscribe:
		err = e.subscriptions.Subscribe(ctx, job.ConnectionID)
	case JobRenew:
		err = e.subscriptions.Renew(ctx, job.ConnectionID)
	case JobUnsubscribe:
		err = e.subscriptions.Unsubscribe(ctx, job.ConnectionID)
	default:
		appLog.Info("dropping job with unknown kind", "kind", string(job.Kind), "connection", job.ConnectionID)
		return
	}
	if err == nil || errors.Is(err, errCoalesced) {
		return
	}
	e.handleJobError(ctx, job, err)
}

// errCoalesced marks a sync job that was folded into an in-flight run.
var errCoalesced = errors.New("sync coalesced into running job")

func (e *Engine) runSync(ctx context.Context, job SyncJob) error {
	if !e.claimSync(job.ConnectionID) {
		// Another worker is mid-run for this connection. Remember that a
		// notification arrived so one follow-up sweep runs afterwards.
		e.markPending(job.ConnectionID)
		return errCoalesced
	}
	defer e.releaseSync(job.ConnectionID)

	conn, err := e.store.GetConnection(ctx, job.ConnectionID)
	if err != nil {
		return err
	}
	if conn.Status == StatusNeedsReauth {
		appLog.Info("skipping sync, connection needs reauth", "connection", conn.ID)
		return nil
	}
	adapter, ok := e.adapters[conn.Provider]
	if !ok {
		return fmt.Errorf("%w: no adapter for provider %s", ErrInvalidInput, conn.Provider)
	}
	return e.reconciler.Run(ctx, conn.ID, adapter)
}

func (e *Engine) claimSync(connectionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[connectionID] {
		return false
	}
	e.inFlight[connectionID] = true
	return true
}

func (e *Engine) markPending(connectionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[connectionID] = true
}

func (e *Engine) releaseSync(connectionID string) {
	e.mu.Lock()
	rerun := e.pending[connectionID]
	delete(e.pending, connectionID)
	delete(e.inFlight, connectionID)
	closed := e.closed
	e.mu.Unlock()
	if rerun && !closed {
		e.EnqueueSync(connectionID)
	}
}

func (e *Engine) handleJobError(ctx context.Context, job SyncJob, err error) {
	if errors.Is(err, ErrAuthRevoked) {
		appLog.Error("provider revoked authorization", err, "connection", job.ConnectionID, "kind", string(job.Kind))
		e.recordFailure(ctx, job.ConnectionID, err, StatusNeedsReauth)
		return
	}
	if errors.Is(err, ErrNotFound) {
		appLog.Info("dropping job for missing connection", "connection", job.ConnectionID, "kind", string(job.Kind))
		return
	}
	attempt := job.Attempt + 1
	if !IsRetryable(err) || attempt >= e.opts.MaxAttempts {
		appLog.Error("job failed permanently", err,
			"connection", job.ConnectionID, "kind", string(job.Kind), "attempts", attempt)
		e.recordFailure(ctx, job.ConnectionID, err, "")
		return
	}
	delay := retryBackoff(e.opts.RetryBase, e.opts.RetryMax, job.Attempt)
	appLog.Info("retrying job", "connection", job.ConnectionID, "kind", string(job.Kind),
		"attempt", attempt, "delay", delay)
	e.scheduleRetry(SyncJob{ConnectionID: job.ConnectionID, Kind: job.Kind, Attempt: attempt}, delay)
}

func (e *Engine) scheduleRetry(job SyncJob, delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, timer)
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return
		}
		e.enqueue(job)
	})
	e.timers[timer] = struct{}{}
}

// recordFailure writes the failure onto the connection so operators can see
// it. The stored cursor is left as-is.
func (e *Engine) recordFailure(ctx context.Context, connectionID string, cause error, status ConnectionStatus) {
	conn, err := e.store.GetConnection(ctx, connectionID)
	if err != nil {
		return
	}
	conn.LastError = cause.Error()
	if status != "" {
		conn.Status = status
	}
	if err := e.store.SaveConnection(ctx, conn); err != nil {
		appLog.Error("recording connection failure", err, "connection", connectionID)
	}
}

func retryBackoff(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// EngineStatus is the admin snapshot served by the HTTP API.
type EngineStatus struct {
	Workers     int                    `json:"workers"`
	QueueDepth  int                    `json:"queueDepth"`
	QueueCap    int                    `json:"queueCapacity"`
	Connections []ConnectionStatusView `json:"connections"`
}

type ConnectionStatusView struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"userId"`
	Provider           string    `json:"provider"`
	Status             string    `json:"status"`
	SubscriptionState  string    `json:"subscriptionState"`
	SubscriptionExpiry time.Time `json:"subscriptionExpiry"`
	HasCursor          bool      `json:"hasCursor"`
	LastError          string    `json:"lastError,omitempty"`
}

func (e *Engine) Status(ctx context.Context) (EngineStatus, error) {
	conns, err := e.store.ListConnections(ctx)
	if err != nil {
		return EngineStatus{}, err
	}
	now := e.now()
	status := EngineStatus{
		Workers:     e.opts.Workers,
		QueueDepth:  e.queue.Depth(),
		QueueCap:    e.queue.Capacity(),
		Connections: make([]ConnectionStatusView, 0, len(conns)),
	}
	for _, conn := range conns {
		status.Connections = append(status.Connections, ConnectionStatusView{
			ID:                 conn.ID,
			UserID:             conn.UserID,
			Provider:           conn.Provider,
			Status:             string(conn.Status),
			SubscriptionState:  string(conn.SubscriptionState(now)),
			SubscriptionExpiry: conn.SubscriptionExpiry,
			HasCursor:          conn.Cursor != "",
			LastError:          conn.LastError,
		})
	}
	return status, nil
}
