package scheduler

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"tradewatch/internal/metrics"
	"tradewatch/internal/storage"
)

var (
	ErrJobExists   = errors.New("scheduler: job already exists")
	ErrJobNotFound = errors.New("scheduler: job not found")
	ErrInvalidJob  = errors.New("scheduler: invalid job")
)

// Job run outcomes reported to metrics.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomePanic   = "panic"
	OutcomeSkipped = "skipped"
)

// Definition describes when a job runs. Cron takes precedence over the
// weekly TimeOfDay/Weekdays form. A disabled job stays registered and listed
// but is never due.
type Definition struct {
	ID        string
	Kind      string
	TimeOfDay string
	Weekdays  []string
	Cron      string
	Params    map[string]string
	Disabled  bool
}

// Enabled reports whether the job may run.
func (d Definition) Enabled() bool { return !d.Disabled }

// Job is a registered definition plus its run bookkeeping.
type Job struct {
	Definition
	LastRun   time.Time
	NextRun   time.Time
	LastError string
	Runs      int64
}

// JobFunc is the body of a job.
type JobFunc func(ctx context.Context, job Job) error

// MaxLockKey is the largest advisory lock base key; per-job keys use the low 32 bits.
const MaxLockKey = 1<<31 - 1

// Options tune scheduler behaviour.
type Options struct {
	CheckInterval time.Duration
	StartupDelay  time.Duration
	JobTimeout    time.Duration
	Location      *time.Location
	// LockKey enables a Postgres advisory lock per run when Store supports it.
	LockKey int64
	Store   storage.JobStore
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type entry struct {
	job      Job
	schedule cron.Schedule
	fn       JobFunc
}

// Scheduler runs registered jobs when they fall due.
type Scheduler struct {
	opts   Options
	locker storage.AdvisoryLocker
	logger zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*entry
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = time.Minute
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		jobs:   make(map[string]*entry),
	}
	if locker, ok := opts.Store.(storage.AdvisoryLocker); ok && opts.LockKey != 0 {
		s.locker = locker
	}
	return s
}

// AddJob registers def and computes its first run.
func (s *Scheduler) AddJob(def Definition, fn JobFunc) error {
	def.ID = strings.TrimSpace(def.ID)
	if def.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidJob)
	}
	if fn == nil {
		return fmt.Errorf("%w: %s has no body", ErrInvalidJob, def.ID)
	}
	schedule, err := parseSchedule(def, s.opts.Location)
	if err != nil {
		return fmt.Errorf("job %s: %w", def.ID, err)
	}

	s.mu.Lock()
	if _, ok := s.jobs[def.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobExists, def.ID)
	}
	e := &entry{
		job:      Job{Definition: def},
		schedule: schedule,
		fn:       fn,
	}
	if def.Enabled() {
		e.job.NextRun = schedule.Next(s.opts.Now())
	}
	s.jobs[def.ID] = e
	job := e.job
	s.mu.Unlock()

	s.logger.Info().Str("job", def.ID).Bool("enabled", def.Enabled()).Time("next_run", job.NextRun).Msg("job registered")
	return nil
}

// SetEnabled switches a job on or off. Enabling computes its next run from
// now; disabling clears it.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	e.job.Disabled = !enabled
	e.job.NextRun = time.Time{}
	if enabled {
		e.job.NextRun = e.schedule.Next(s.opts.Now())
	}
	job := e.job
	s.mu.Unlock()

	s.save(job)
	return nil
}

// RemoveJob unregisters a job and deletes its stored record.
func (s *Scheduler) RemoveJob(id string) error {
	s.mu.Lock()
	if _, ok := s.jobs[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	delete(s.jobs, id)
	s.mu.Unlock()

	if s.opts.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.opts.Store.DeleteScheduledJob(ctx, id); err != nil {
			s.logger.Warn().Err(err).Str("job", id).Msg("delete job record failed")
		}
	}
	return nil
}

// ListJobs returns the registered jobs ordered by next run, disabled jobs last.
func (s *Scheduler) ListJobs() []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.job)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].NextRun.IsZero() != out[j].NextRun.IsZero() {
			return !out[i].NextRun.IsZero()
		}
		if !out[i].NextRun.Equal(out[j].NextRun) {
			return out[i].NextRun.Before(out[j].NextRun)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RestoreHistory copies the last run bookkeeping of stored records onto the
// registered jobs with the same id, then stores every registered job.
func (s *Scheduler) RestoreHistory(ctx context.Context) error {
	if s.opts.Store == nil {
		return nil
	}
	records, err := s.opts.Store.LoadScheduledJobs(ctx)
	if err != nil {
		return fmt.Errorf("load scheduled jobs: %w", err)
	}

	s.mu.Lock()
	for _, rec := range records {
		e, ok := s.jobs[rec.ID]
		if !ok {
			continue
		}
		if rec.LastRun != nil {
			e.job.LastRun = *rec.LastRun
		}
		if rec.LastError != nil {
			e.job.LastError = *rec.LastError
		}
	}
	jobs := make([]Job, 0, len(s.jobs))
	for _, e := range s.jobs {
		jobs = append(jobs, e.job)
	}
	s.mu.Unlock()

	for _, job := range jobs {
		s.save(job)
	}
	return nil
}

// Run blocks, checking for due jobs every CheckInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	ticker := time.NewTicker(s.opts.CheckInterval)
	defer ticker.Stop()

	s.RunDue(ctx, s.opts.Now())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RunDue(ctx, s.opts.Now())
		}
	}
}

// RunDue executes, one after another, every job whose next run is not after
// now. A failing or panicking job never prevents the others from running.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	due := make([]*entry, 0)
	for _, e := range s.jobs {
		if e.job.Enabled() && !e.job.NextRun.IsZero() && !e.job.NextRun.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].job.ID < due[j].job.ID })

	ran := 0
	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		if s.execute(ctx, e, now) {
			ran++
		}
	}
	return ran
}

func (s *Scheduler) execute(ctx context.Context, e *entry, now time.Time) bool {
	s.mu.Lock()
	job := e.job
	s.mu.Unlock()
	logger := s.logger.With().Str("job", job.ID).Logger()

	unlock, proceed, err := s.acquireLock(ctx, job.ID)
	if err != nil {
		logger.Error().Err(err).Msg("acquire job lock failed")
	}
	if !proceed {
		logger.Debug().Msg("skip run because advisory lock held elsewhere")
		s.finish(e, now, OutcomeSkipped, nil, false)
		return false
	}
	if unlock != nil {
		defer unlock()
	}

	logger.Info().Time("scheduled", job.NextRun).Msg("executing job")
	start := time.Now()
	runErr := s.invoke(ctx, e.fn, job)

	outcome := OutcomeSuccess
	var pe panicError
	switch {
	case errors.As(runErr, &pe):
		outcome = OutcomePanic
		logger.Error().Err(runErr).Str("stack", pe.stack).Msg("job panicked")
	case runErr != nil:
		outcome = OutcomeError
		logger.Error().Err(runErr).Dur("took", time.Since(start)).Msg("job failed")
	default:
		logger.Info().Dur("took", time.Since(start)).Msg("job completed")
	}
	s.finish(e, now, outcome, runErr, true)
	return true
}

func (s *Scheduler) invoke(ctx context.Context, fn JobFunc, job Job) (err error) {
	if s.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.JobTimeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = newPanicError(rec)
		}
	}()
	return fn(ctx, job)
}

// finish advances the job past now and stores its bookkeeping.
func (s *Scheduler) finish(e *entry, now time.Time, outcome string, runErr error, ran bool) {
	s.mu.Lock()
	if ran {
		e.job.LastRun = now
		e.job.Runs++
		e.job.LastError = ""
		if runErr != nil {
			e.job.LastError = runErr.Error()
		}
	}
	e.job.NextRun = e.schedule.Next(now)
	job := e.job
	s.mu.Unlock()

	s.opts.Metrics.JobRun(job.ID, outcome)
	s.save(job)
}

func (s *Scheduler) save(job Job) {
	if s.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.opts.Store.SaveScheduledJob(ctx, toRecord(job)); err != nil {
		s.logger.Warn().Err(err).Str("job", job.ID).Msg("persist job record failed")
	}
}

func (s *Scheduler) acquireLock(ctx context.Context, id string) (func(), bool, error) {
	if s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey(id))
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// lockKey derives a per-job advisory lock key so replicas only serialise
// runs of the same job. The base key keeps its low 31 bits so the result
// stays a positive bigint.
func (s *Scheduler) lockKey(id string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return (s.opts.LockKey&MaxLockKey)<<32 | int64(h.Sum32())
}

func toRecord(job Job) storage.JobRecord {
	rec := storage.JobRecord{
		ID:        job.ID,
		Kind:      job.Kind,
		TimeOfDay: job.TimeOfDay,
		Weekdays:  job.Weekdays,
		Cron:      job.Cron,
		Enabled:   job.Enabled(),
		Params:    job.Params,
		UpdatedAt: time.Now().UTC(),
	}
	if !job.LastRun.IsZero() {
		last := job.LastRun.UTC()
		rec.LastRun = &last
	}
	if !job.NextRun.IsZero() {
		next := job.NextRun.UTC()
		rec.NextRun = &next
	}
	if job.LastError != "" {
		msg := job.LastError
		rec.LastError = &msg
	}
	return rec
}
