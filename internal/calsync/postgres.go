package calsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresEventsTable      = "calsync_events"
	postgresConnectionsTable = "calsync_connections"
	postgresJobsTable        = "calsync_jobs"
	postgresOperationTimeout = 5 * time.Second
	postgresPollInterval     = 10 * time.Millisecond
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore persists events and connections in Postgres. It implements
// runCommitter, so a whole sync run including the cursor advance lands in a
// single transaction.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					user_id TEXT NOT NULL,
					provider TEXT NOT NULL,
					external_id TEXT NOT NULL,
					title TEXT NOT NULL DEFAULT '',
					description TEXT NOT NULL DEFAULT '',
					start_at TIMESTAMPTZ,
					end_at TIMESTAMPTZ,
					start_timezone TEXT NOT NULL DEFAULT '',
					end_timezone TEXT NOT NULL DEFAULT '',
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (user_id, provider, external_id)
				)`, postgresQuoteIdentifier(postgresEventsTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					provider TEXT NOT NULL,
					access_token TEXT NOT NULL DEFAULT '',
					refresh_token TEXT NOT NULL DEFAULT '',
					token_expiry TIMESTAMPTZ,
					subscription_id TEXT NOT NULL DEFAULT '',
					subscription_resource_id TEXT NOT NULL DEFAULT '',
					subscription_expiry TIMESTAMPTZ,
					cursor TEXT NOT NULL DEFAULT '',
					profile_timezone TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL DEFAULT 'active',
					last_error TEXT NOT NULL DEFAULT '',
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, postgresQuoteIdentifier(postgresConnectionsTable)),
			fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s (provider, subscription_id)",
				postgresQuoteIdentifier(postgresConnectionsTable+"_subscription_idx"),
				postgresQuoteIdentifier(postgresConnectionsTable)),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

const eventColumns = "user_id, provider, external_id, title, description, start_at, end_at, start_timezone, end_timezone"

func (s *PostgresStore) GetEvent(ctx context.Context, userID, provider, externalID string) (Event, error) {
	if err := s.ensureReady(); err != nil {
		return Event{}, err
	}
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE user_id = $1 AND provider = $2 AND external_id = $3",
		eventColumns, postgresQuoteIdentifier(postgresEventsTable))
	row := s.db.QueryRowContext(ctx, query, userID, provider, externalID)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	return event, err
}

func (s *PostgresStore) UpsertEvent(ctx context.Context, event Event) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	return upsertEventExec(ctx, s.db, event)
}

func (s *PostgresStore) DeleteEvent(ctx context.Context, userID, provider, externalID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	return deleteEventExec(ctx, s.db, userID, provider, externalID)
}

func (s *PostgresStore) DeleteProviderEvents(ctx context.Context, userID, provider string) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	query := fmt.Sprintf(
		"DELETE FROM %s WHERE user_id = $1 AND provider = $2",
		postgresQuoteIdentifier(postgresEventsTable))
	result, err := s.db.ExecContext(ctx, query, userID, provider)
	if err != nil {
		return 0, err
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, userID string) ([]Event, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE user_id = $1 ORDER BY start_at, external_id",
		eventColumns, postgresQuoteIdentifier(postgresEventsTable))
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		event, scanErr := scanEvent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

const connectionColumns = "id, user_id, provider, access_token, refresh_token, token_expiry, subscription_id, subscription_resource_id, subscription_expiry, cursor, profile_timezone, status, last_error"

func (s *PostgresStore) GetConnection(ctx context.Context, id string) (Connection, error) {
	if err := s.ensureReady(); err != nil {
		return Connection{}, err
	}
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE id = $1",
		connectionColumns, postgresQuoteIdentifier(postgresConnectionsTable))
	conn, err := scanConnection(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Connection{}, ErrNotFound
	}
	return conn, err
}

func (s *PostgresStore) FindBySubscription(ctx context.Context, provider, subscriptionID string) (Connection, error) {
	if err := s.ensureReady(); err != nil {
		return Connection{}, err
	}
	if strings.TrimSpace(subscriptionID) == "" {
		return Connection{}, ErrNotFound
	}
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE provider = $1 AND subscription_id = $2",
		connectionColumns, postgresQuoteIdentifier(postgresConnectionsTable))
	conn, err := scanConnection(s.db.QueryRowContext(ctx, query, provider, subscriptionID))
	if errors.Is(err, sql.ErrNoRows) {
		return Connection{}, ErrNotFound
	}
	return conn, err
}

func (s *PostgresStore) SaveConnection(ctx context.Context, conn Connection) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	if strings.TrimSpace(conn.ID) == "" {
		return ErrInvalidInput
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (%s, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			provider = EXCLUDED.provider,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_expiry = EXCLUDED.token_expiry,
			subscription_id = EXCLUDED.subscription_id,
			subscription_resource_id = EXCLUDED.subscription_resource_id,
			subscription_expiry = EXCLUDED.subscription_expiry,
			cursor = EXCLUDED.cursor,
			profile_timezone = EXCLUDED.profile_timezone,
			status = EXCLUDED.status,
			last_error = EXCLUDED.last_error,
			updated_at = NOW()`,
		postgresQuoteIdentifier(postgresConnectionsTable), connectionColumns)
	status := conn.Status
	if status == "" {
		status = StatusActive
	}
	_, err := s.db.ExecContext(ctx, query,
		conn.ID, conn.UserID, conn.Provider, conn.AccessToken, conn.RefreshToken,
		nullableTime(conn.TokenExpiry), conn.SubscriptionID, conn.SubscriptionResourceID,
		nullableTime(conn.SubscriptionExpiry), conn.Cursor, conn.ProfileTimezone,
		string(status), conn.LastError)
	return err
}

func (s *PostgresStore) ListConnections(ctx context.Context) ([]Connection, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		"SELECT %s FROM %s ORDER BY id",
		connectionColumns, postgresQuoteIdentifier(postgresConnectionsTable))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []Connection
	for rows.Next() {
		conn, scanErr := scanConnection(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

// CommitRun applies every delta of a sync run and the cursor advance inside
// one transaction, so a crash mid-run leaves the old cursor intact.
func (s *PostgresStore) CommitRun(ctx context.Context, conn Connection, deltas []RemoteEventDelta, nextCursor string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for _, delta := range deltas {
		switch delta.Kind {
		case DeltaUpsert:
			err = upsertEventExec(ctx, tx, Event{
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
			err = deleteEventExec(ctx, tx, conn.UserID, conn.Provider, delta.ExternalID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("delete %s: %w", delta.ExternalID, err)
			}
		}
	}

	cursorQuery := fmt.Sprintf(
		"UPDATE %s SET cursor = $2, last_error = '', updated_at = NOW() WHERE id = $1",
		postgresQuoteIdentifier(postgresConnectionsTable))
	if _, err := tx.ExecContext(ctx, cursorQuery, conn.ID, nextCursor); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertEventExec(ctx context.Context, execer sqlExecer, event Event) error {
	if strings.TrimSpace(event.UserID) == "" || strings.TrimSpace(event.Provider) == "" || strings.TrimSpace(event.ExternalID) == "" {
		return ErrInvalidInput
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (%s, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (user_id, provider, external_id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			start_at = EXCLUDED.start_at,
			end_at = EXCLUDED.end_at,
			start_timezone = EXCLUDED.start_timezone,
			end_timezone = EXCLUDED.end_timezone,
			updated_at = NOW()`,
		postgresQuoteIdentifier(postgresEventsTable), eventColumns)
	_, err := execer.ExecContext(ctx, query,
		event.UserID, event.Provider, event.ExternalID, event.Title, event.Description,
		nullableTime(event.Start), nullableTime(event.End),
		event.StartTimezone, event.EndTimezone)
	return err
}

func deleteEventExec(ctx context.Context, execer sqlExecer, userID, provider, externalID string) error {
	query := fmt.Sprintf(
		"DELETE FROM %s WHERE user_id = $1 AND provider = $2 AND external_id = $3",
		postgresQuoteIdentifier(postgresEventsTable))
	result, err := execer.ExecContext(ctx, query, userID, provider, externalID)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Event, error) {
	var event Event
	var start, end sql.NullTime
	err := row.Scan(
		&event.UserID, &event.Provider, &event.ExternalID,
		&event.Title, &event.Description, &start, &end,
		&event.StartTimezone, &event.EndTimezone)
	if err != nil {
		return Event{}, err
	}
	if start.Valid {
		event.Start = start.Time.UTC()
	}
	if end.Valid {
		event.End = end.Time.UTC()
	}
	return event, nil
}

func scanConnection(row rowScanner) (Connection, error) {
	var conn Connection
	var tokenExpiry, subscriptionExpiry sql.NullTime
	var status string
	err := row.Scan(
		&conn.ID, &conn.UserID, &conn.Provider,
		&conn.AccessToken, &conn.RefreshToken, &tokenExpiry,
		&conn.SubscriptionID, &conn.SubscriptionResourceID, &subscriptionExpiry,
		&conn.Cursor, &conn.ProfileTimezone, &status, &conn.LastError)
	if err != nil {
		return Connection{}, err
	}
	if tokenExpiry.Valid {
		conn.TokenExpiry = tokenExpiry.Time.UTC()
	}
	if subscriptionExpiry.Valid {
		conn.SubscriptionExpiry = subscriptionExpiry.Time.UTC()
	}
	conn.Status = ConnectionStatus(status)
	return conn, nil
}

func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// PostgresJobQueue is a durable job queue for multi-node deployments:
// enqueue takes an advisory transaction lock to enforce capacity, dequeue
// claims the oldest row with FOR UPDATE SKIP LOCKED.
type PostgresJobQueue struct {
	dsn          string
	capacity     int
	pollInterval time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresJobQueue(dsn string, capacity int) (*PostgresJobQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &PostgresJobQueue{
		dsn:          dsn,
		capacity:     capacity,
		pollInterval: postgresPollInterval,
		openDB:       sql.Open,
	}, nil
}

func (q *PostgresJobQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(postgresJobsTable))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresJobQueue) TryEnqueue(job SyncJob) bool {
	if !job.valid() {
		return false
	}
	if err := q.ensureReady(); err != nil {
		return false
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresJobsLockKey()); err != nil {
		return false
	}
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s", postgresQuoteIdentifier(postgresJobsTable))
	var depth int
	if err := tx.QueryRowContext(ctx, countQuery).Scan(&depth); err != nil {
		return false
	}
	if depth >= q.capacity {
		return false
	}
	insertQuery := fmt.Sprintf(
		"INSERT INTO %s (payload, created_at) VALUES ($1, NOW())",
		postgresQuoteIdentifier(postgresJobsTable))
	if _, err := tx.ExecContext(ctx, insertQuery, string(payload)); err != nil {
		return false
	}
	if err := tx.Commit(); err != nil {
		return false
	}
	committed = true
	return true
}

func (q *PostgresJobQueue) Enqueue(ctx context.Context, job SyncJob) bool {
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

func (q *PostgresJobQueue) Dequeue(ctx context.Context) (SyncJob, bool) {
	for {
		job, ok := q.tryDequeue(ctx)
		if ok {
			return job, true
		}
		select {
		case <-ctx.Done():
			return SyncJob{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresJobQueue) tryDequeue(ctx context.Context) (SyncJob, bool) {
	if err := q.ensureReady(); err != nil {
		return SyncJob{}, false
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return SyncJob{}, false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`
		SELECT id, payload
		FROM %s
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, postgresQuoteIdentifier(postgresJobsTable))
	var id int64
	var payload string
	err = tx.QueryRowContext(ctx, query).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncJob{}, false
	}
	if err != nil {
		return SyncJob{}, false
	}
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE id = $1", postgresQuoteIdentifier(postgresJobsTable))
	if _, err := tx.ExecContext(ctx, deleteQuery, id); err != nil {
		return SyncJob{}, false
	}
	if err := tx.Commit(); err != nil {
		return SyncJob{}, false
	}
	committed = true

	var job SyncJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil || !job.valid() {
		return SyncJob{}, false
	}
	return job, true
}

func (q *PostgresJobQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", postgresQuoteIdentifier(postgresJobsTable))
	var depth int
	if err := q.db.QueryRowContext(ctx, query).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresJobQueue) Capacity() int {
	return q.capacity
}

func (q *PostgresJobQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresJobsLockKey() int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(postgresJobsTable))
	return int64(hasher.Sum64())
}
