package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a monitor state or job does not exist.
	ErrNotFound = errors.New("storage: not found")
)

const (
	schemaSQL = `CREATE TABLE IF NOT EXISTS monitor_states (
        key          TEXT PRIMARY KEY,
        settings     JSONB NOT NULL,
        rules        JSONB NOT NULL,
        observations JSONB NOT NULL,
        ticks        BIGINT NOT NULL DEFAULT 0,
        updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    CREATE TABLE IF NOT EXISTS scheduled_jobs (
        id          TEXT PRIMARY KEY,
        kind        TEXT NOT NULL,
        time_of_day TEXT NOT NULL DEFAULT '',
        weekdays    TEXT[] NOT NULL DEFAULT '{}',
        cron        TEXT NOT NULL DEFAULT '',
        enabled     BOOLEAN NOT NULL DEFAULT TRUE,
        params      JSONB NOT NULL DEFAULT '{}',
        last_run    TIMESTAMPTZ,
        next_run    TIMESTAMPTZ,
        last_error  TEXT,
        updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    CREATE TABLE IF NOT EXISTS deliveries (
        id          BIGSERIAL PRIMARY KEY,
        monitor_key TEXT NOT NULL DEFAULT '',
        rule_id     TEXT NOT NULL DEFAULT '',
        fingerprint TEXT NOT NULL,
        channel     TEXT NOT NULL DEFAULT '',
        category    TEXT NOT NULL DEFAULT '',
        severity    TEXT NOT NULL DEFAULT '',
        outcome     TEXT NOT NULL,
        message     TEXT NOT NULL DEFAULT '',
        error       TEXT,
        created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    CREATE INDEX IF NOT EXISTS deliveries_created_at_idx ON deliveries (created_at);`

	upsertMonitorStateSQL = `INSERT INTO monitor_states (
        key,
        settings,
        rules,
        observations,
        ticks,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (key) DO UPDATE
    SET
        settings     = EXCLUDED.settings,
        rules        = EXCLUDED.rules,
        observations = EXCLUDED.observations,
        ticks        = EXCLUDED.ticks,
        updated_at   = EXCLUDED.updated_at;`

	selectMonitorStateSQL = `SELECT key, settings, rules, observations, ticks, updated_at
    FROM monitor_states
    WHERE key = $1;`

	listMonitorStatesSQL = `SELECT key, settings, rules, observations, ticks, updated_at
    FROM monitor_states
    ORDER BY key;`

	deleteMonitorStateSQL = `DELETE FROM monitor_states WHERE key = $1;`

	upsertJobSQL = `INSERT INTO scheduled_jobs (
        id,
        kind,
        time_of_day,
        weekdays,
        cron,
        enabled,
        params,
        last_run,
        next_run,
        last_error,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW()
    )
    ON CONFLICT (id) DO UPDATE
    SET
        kind        = EXCLUDED.kind,
        time_of_day = EXCLUDED.time_of_day,
        weekdays    = EXCLUDED.weekdays,
        cron        = EXCLUDED.cron,
        enabled     = EXCLUDED.enabled,
        params      = EXCLUDED.params,
        last_run    = EXCLUDED.last_run,
        next_run    = EXCLUDED.next_run,
        last_error  = EXCLUDED.last_error,
        updated_at  = NOW();`

	listJobsSQL = `SELECT
        id,
        kind,
        time_of_day,
        weekdays,
        cron,
        enabled,
        params,
        last_run,
        next_run,
        last_error,
        updated_at
    FROM scheduled_jobs
    ORDER BY id;`

	deleteJobSQL = `DELETE FROM scheduled_jobs WHERE id = $1;`

	insertDeliverySQL = `INSERT INTO deliveries (
        monitor_key,
        rule_id,
        fingerprint,
        channel,
        category,
        severity,
        outcome,
        message,
        error,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    );`

	deliveryColumns = `id, monitor_key, rule_id, fingerprint, channel, category, severity, outcome, message, error, created_at`

	listRecentDeliveriesSQL = `SELECT ` + deliveryColumns + `
    FROM deliveries
    ORDER BY created_at DESC, id DESC
    LIMIT $1;`

	listDeliveriesBetweenSQL = `SELECT ` + deliveryColumns + `
    FROM deliveries
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at, id;`

	deleteDeliveriesBeforeSQL = `DELETE FROM deliveries WHERE created_at < $1;`

	countDeliveriesSQL = `SELECT COUNT(*) FROM deliveries;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// MonitorStateStore persists monitor checkpoints.
type MonitorStateStore interface {
	LoadMonitorState(ctx context.Context, key string) (MonitorState, error)
	SaveMonitorState(ctx context.Context, state MonitorState) error
	DeleteMonitorState(ctx context.Context, key string) error
	ListMonitorStates(ctx context.Context) ([]MonitorState, error)
}

// JobStore persists scheduled job definitions and bookkeeping.
type JobStore interface {
	LoadScheduledJobs(ctx context.Context) ([]JobRecord, error)
	SaveScheduledJob(ctx context.Context, job JobRecord) error
	DeleteScheduledJob(ctx context.Context, id string) error
}

// DeliveryStore defines operations for delivery auditing.
type DeliveryStore interface {
	RecordDelivery(ctx context.Context, rec DeliveryRecord) error
	ListRecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error)
	ListDeliveriesBetween(ctx context.Context, from, to time.Time) ([]DeliveryRecord, error)
	DeleteDeliveriesBefore(ctx context.Context, olderThan time.Time) (int64, error)
	CountDeliveries(ctx context.Context) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Backend is the full persistence surface used by the application.
type Backend interface {
	MonitorStateStore
	JobStore
	DeliveryStore
	Close()
}

// Store is the PostgreSQL backend.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session when the connection is recycled
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// SaveMonitorState upserts the checkpoint for state.Key.
func (s *Store) SaveMonitorState(ctx context.Context, state MonitorState) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	settings, rulesJSON, observations, err := encodeState(state)
	if err != nil {
		return err
	}
	updated := state.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	if _, err := pool.Exec(ctx, upsertMonitorStateSQL, state.Key, settings, rulesJSON, observations, state.Ticks, updated); err != nil {
		return fmt.Errorf("save monitor state: %w", err)
	}
	return nil
}

// LoadMonitorState returns ErrNotFound for a monitor that never checkpointed.
func (s *Store) LoadMonitorState(ctx context.Context, key string) (MonitorState, error) {
	pool, err := s.getPool()
	if err != nil {
		return MonitorState{}, err
	}

	state, err := scanMonitorState(pool.QueryRow(ctx, selectMonitorStateSQL, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return MonitorState{}, ErrNotFound
	}
	if err != nil {
		return MonitorState{}, fmt.Errorf("load monitor state: %w", err)
	}
	return state, nil
}

// ListMonitorStates returns every persisted monitor ordered by key.
func (s *Store) ListMonitorStates(ctx context.Context) ([]MonitorState, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listMonitorStatesSQL)
	if err != nil {
		return nil, fmt.Errorf("list monitor states: %w", err)
	}
	defer rows.Close()

	states := make([]MonitorState, 0)
	for rows.Next() {
		state, scanErr := scanMonitorState(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		states = append(states, state)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return states, nil
}

// DeleteMonitorState removes a monitor checkpoint.
func (s *Store) DeleteMonitorState(ctx context.Context, key string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, deleteMonitorStateSQL, key); err != nil {
		return fmt.Errorf("delete monitor state: %w", err)
	}
	return nil
}

// LoadScheduledJobs lists persisted jobs ordered by id.
func (s *Store) LoadScheduledJobs(ctx context.Context) ([]JobRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listJobsSQL)
	if err != nil {
		return nil, fmt.Errorf("load scheduled jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]JobRecord, 0)
	for rows.Next() {
		var (
			job       JobRecord
			params    []byte
			lastRun   sql.NullTime
			nextRun   sql.NullTime
			lastError sql.NullString
		)
		if err := rows.Scan(&job.ID, &job.Kind, &job.TimeOfDay, &job.Weekdays, &job.Cron, &job.Enabled,
			&params, &lastRun, &nextRun, &lastError, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan scheduled job: %w", err)
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &job.Params); err != nil {
				return nil, fmt.Errorf("decode job params: %w", err)
			}
		}
		if lastRun.Valid {
			t := lastRun.Time
			job.LastRun = &t
		}
		if nextRun.Valid {
			t := nextRun.Time
			job.NextRun = &t
		}
		if lastError.Valid {
			msg := lastError.String
			job.LastError = &msg
		}
		jobs = append(jobs, job)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return jobs, nil
}

// SaveScheduledJob upserts a job definition with its run bookkeeping.
func (s *Store) SaveScheduledJob(ctx context.Context, job JobRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	params, err := json.Marshal(nonNilParams(job.Params))
	if err != nil {
		return fmt.Errorf("encode job params: %w", err)
	}
	weekdays := job.Weekdays
	if weekdays == nil {
		weekdays = []string{}
	}

	if _, err := pool.Exec(ctx, upsertJobSQL,
		job.ID,
		job.Kind,
		job.TimeOfDay,
		weekdays,
		job.Cron,
		job.Enabled,
		params,
		job.LastRun,
		job.NextRun,
		job.LastError,
	); err != nil {
		return fmt.Errorf("save scheduled job: %w", err)
	}
	return nil
}

// DeleteScheduledJob removes a job; deleting an unknown id is not an error.
func (s *Store) DeleteScheduledJob(ctx context.Context, id string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, deleteJobSQL, id); err != nil {
		return fmt.Errorf("delete scheduled job: %w", err)
	}
	return nil
}

// RecordDelivery appends a channel attempt to the audit log.
func (s *Store) RecordDelivery(ctx context.Context, rec DeliveryRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	if _, err := pool.Exec(ctx, insertDeliverySQL,
		rec.MonitorKey,
		rec.RuleID,
		rec.Fingerprint,
		rec.Channel,
		rec.Category,
		rec.Severity,
		rec.Outcome,
		rec.Message,
		rec.Error,
		created,
	); err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// ListRecentDeliveries lists the most recent attempts, newest first.
func (s *Store) ListRecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listRecentDeliveriesSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent deliveries: %w", err)
	}
	return collectDeliveries(rows)
}

// ListDeliveriesBetween lists attempts within [from, to) in chronological order.
func (s *Store) ListDeliveriesBetween(ctx context.Context, from, to time.Time) ([]DeliveryRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listDeliveriesBetweenSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("list deliveries between: %w", err)
	}
	return collectDeliveries(rows)
}

// DeleteDeliveriesBefore deletes historical attempts and reports how many were removed.
func (s *Store) DeleteDeliveriesBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, deleteDeliveriesBeforeSQL, olderThan)
	if err != nil {
		return 0, fmt.Errorf("delete deliveries before: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountDeliveries counts stored attempts.
func (s *Store) CountDeliveries(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if err := pool.QueryRow(ctx, countDeliveriesSQL).Scan(&count); err != nil {
		return 0, fmt.Errorf("count deliveries: %w", err)
	}
	return count, nil
}

func collectDeliveries(rows pgx.Rows) ([]DeliveryRecord, error) {
	defer rows.Close()

	out := make([]DeliveryRecord, 0)
	for rows.Next() {
		var (
			rec    DeliveryRecord
			errMsg sql.NullString
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.MonitorKey,
			&rec.RuleID,
			&rec.Fingerprint,
			&rec.Channel,
			&rec.Category,
			&rec.Severity,
			&rec.Outcome,
			&rec.Message,
			&errMsg,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		if errMsg.Valid {
			msg := errMsg.String
			rec.Error = &msg
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanMonitorState(row pgx.Row) (MonitorState, error) {
	var (
		state        MonitorState
		settings     []byte
		rulesJSON    []byte
		observations []byte
	)
	if err := row.Scan(&state.Key, &settings, &rulesJSON, &observations, &state.Ticks, &state.UpdatedAt); err != nil {
		return MonitorState{}, err
	}
	if err := decodeState(&state, settings, rulesJSON, observations); err != nil {
		return MonitorState{}, err
	}
	return state, nil
}

var (
	_ Backend        = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
