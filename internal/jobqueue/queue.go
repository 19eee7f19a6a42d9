package jobqueue

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	ferrors "git.home.luguber.info/inful/applianced/internal/foundation/errors"
	"git.home.luguber.info/inful/applianced/internal/logfields"
	"git.home.luguber.info/inful/applianced/internal/metrics"
)

// ScheduledActor is recorded as the actor of jobs created by a schedule.
const ScheduledActor = "scheduler"

// InterruptedMessage is the failure recorded for jobs left active by a previous process.
const InterruptedMessage = "interrupted by restart"

// Handler executes a job. A returned error fails the job with
// FailureMessage(err) as its message.
type Handler func(ctx context.Context, job *Job) (any, error)

// CompletedListener observes successfully finished jobs.
type CompletedListener func(ctx context.Context, job *Job, result any)

// FailedListener observes failed jobs.
type FailedListener func(ctx context.Context, job *Job, err error)

// Queue is one named queue backed by the shared Store, drained by a pool of
// workers calling a single Handler.
type Queue struct {
	name         string
	store        *Store
	scheduler    *Scheduler
	workers      int
	pollInterval time.Duration
	retention    int
	recorder     metrics.Recorder
	now          func() time.Time

	mu          sync.RWMutex
	handler     Handler
	onCompleted []CompletedListener
	onFailed    []FailedListener

	wake     chan struct{}
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithWorkers sets the number of concurrent workers.
func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithPollInterval sets how often idle workers look for new jobs written by
// other processes.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

// WithRetention sets how many finished jobs are kept per queue.
func WithRetention(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.retention = n
		}
	}
}

// WithScheduler enables recurring jobs.
func WithScheduler(s *Scheduler) Option {
	return func(q *Queue) { q.scheduler = s }
}

// WithRecorder injects a metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(q *Queue) {
		if r != nil {
			q.recorder = r
		}
	}
}

// New creates a queue named name on store.
func New(store *Store, name string, opts ...Option) *Queue {
	if store == nil {
		panic("jobqueue.New: store is required")
	}
	q := &Queue{
		name:         name,
		store:        store,
		workers:      2,
		pollInterval: time.Second,
		retention:    50,
		recorder:     metrics.NoopRecorder{},
		now:          time.Now,
		wake:         make(chan struct{}, 1),
		stopChan:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Process sets the handler invoked for every job. It must be called before Start.
func (q *Queue) Process(h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = h
}

// OnCompleted registers a listener for completed jobs.
func (q *Queue) OnCompleted(fn CompletedListener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onCompleted = append(q.onCompleted, fn)
}

// OnFailed registers a listener for failed jobs.
func (q *Queue) OnFailed(fn FailedListener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onFailed = append(q.onFailed, fn)
}

// Enqueue persists a new queued job and wakes an idle worker.
func (q *Queue) Enqueue(ctx context.Context, name string, data json.RawMessage, actor string) (*Job, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ferrors.ValidationError("job name is required").WithContext("queue", q.name).Build()
	}
	job := &Job{
		ID:        uuid.NewString(),
		Queue:     q.name,
		Name:      name,
		Data:      data,
		Actor:     actor,
		Progress:  Progress{State: StateQueued},
		CreatedAt: q.now(),
	}
	if err := q.store.insert(ctx, job); err != nil {
		q.recorder.IncEnqueueFailure(q.name)
		return nil, ferrors.WrapError(err, ferrors.CategoryQueue, "failed to enqueue job").
			WithContext("queue", q.name).
			WithContext("job", name).
			Build()
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return job, nil
}

// UpsertSchedule installs or updates a recurring job. Calling it again with
// the same pattern is a no-op.
func (q *Queue) UpsertSchedule(ctx context.Context, name, pattern string) error {
	if q.scheduler != nil {
		key := q.name + "/" + name
		if err := q.scheduler.Upsert(key, pattern, func() { q.enqueueScheduled(name) }); err != nil {
			return ferrors.WrapError(err, ferrors.CategoryValidation, "invalid job schedule").
				WithContext("queue", q.name).
				WithContext("job", name).
				WithContext("pattern", pattern).
				Build()
		}
	}
	err := q.store.upsertSchedule(ctx, Schedule{Queue: q.name, Name: name, Pattern: pattern, UpdatedAt: q.now()})
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryQueue, "failed to persist job schedule").
			WithContext("queue", q.name).
			WithContext("job", name).
			Build()
	}
	return nil
}

// Schedules returns the persisted schedules of this queue.
func (q *Queue) Schedules(ctx context.Context) ([]Schedule, error) {
	return q.store.schedules(ctx, q.name)
}

func (q *Queue) enqueueScheduled(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("Executing scheduled job", logfields.Queue(q.name), logfields.JobName(name))
	if _, err := q.Enqueue(ctx, name, nil, ScheduledActor); err != nil {
		slog.Error("Failed to enqueue scheduled job",
			logfields.Queue(q.name),
			logfields.JobName(name),
			logfields.Error(err))
	}
}

// UpdateProgress overwrites the progress record of a job.
func (q *Queue) UpdateProgress(ctx context.Context, id string, p Progress) error {
	if err := q.store.setProgress(ctx, id, p); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryQueue, "failed to update job progress").
			WithContext("job_id", id).
			Build()
	}
	return nil
}

// State returns the current lifecycle state of a job.
func (q *Queue) State(ctx context.Context, id string) (State, error) {
	job, err := q.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return job.Progress.State, nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	job, err := q.store.get(ctx, id)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) {
			return nil, ferrors.NotFoundError("job not found").
				WithContext("job_id", id).
				Build()
		}
		return nil, ferrors.WrapError(err, ferrors.CategoryQueue, "failed to load job").
			WithContext("job_id", id).
			Build()
	}
	return job, nil
}

// Recent returns up to limit jobs of this queue, newest first.
func (q *Queue) Recent(ctx context.Context, limit int) ([]*Job, error) {
	return q.store.list(ctx, q.name, limit)
}

// Start recovers jobs interrupted by a previous process, reinstalls persisted
// schedules and begins processing with the configured number of workers.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.RLock()
	handler := q.handler
	q.mu.RUnlock()
	if handler == nil {
		return ferrors.InternalError("queue has no handler").WithContext("queue", q.name).Build()
	}

	q.recoverInterrupted(ctx)
	q.restoreSchedules(ctx)

	slog.Info("Starting job queue", logfields.Queue(q.name), slog.Int("workers", q.workers))
	for i := range q.workers {
		q.wg.Add(1)
		go q.worker(ctx, fmt.Sprintf("%s-worker-%d", q.name, i))
	}
	return nil
}

// Stop stops the workers and waits for in-flight handlers to return.
func (q *Queue) Stop(ctx context.Context) error {
	q.stopOnce.Do(func() { close(q.stopChan) })

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ferrors.WrapError(ctx.Err(), ferrors.CategoryQueue, "timed out waiting for job workers").
			WithContext("queue", q.name).
			Build()
	}
}

func (q *Queue) recoverInterrupted(ctx context.Context) {
	ids, err := q.store.activeIDs(ctx, q.name)
	if err != nil {
		slog.Error("Failed to query interrupted jobs", logfields.Queue(q.name), logfields.Error(err))
		return
	}
	for _, id := range ids {
		if err := q.store.finish(ctx, id, StateFailed, nil, InterruptedMessage, q.now()); err != nil {
			slog.Error("Failed to mark interrupted job", logfields.JobID(id), logfields.Error(err))
			continue
		}
		job, err := q.store.get(ctx, id)
		if err != nil {
			continue
		}
		slog.Warn("Job interrupted by restart", logfields.Queue(q.name), logfields.JobID(id), logfields.JobName(job.Name))
		q.recorder.ObserveJob(q.name, job.Name, metrics.JobInterrupted, 0)
		q.notifyFailed(ctx, job, ferrors.JobError(InterruptedMessage).Build())
	}
}

func (q *Queue) restoreSchedules(ctx context.Context) {
	if q.scheduler == nil {
		return
	}
	schedules, err := q.store.schedules(ctx, q.name)
	if err != nil {
		slog.Error("Failed to load job schedules", logfields.Queue(q.name), logfields.Error(err))
		return
	}
	for _, sched := range schedules {
		name := sched.Name
		if err := q.scheduler.Upsert(q.name+"/"+name, sched.Pattern, func() { q.enqueueScheduled(name) }); err != nil {
			slog.Warn("Skipping invalid persisted schedule",
				logfields.Queue(q.name),
				logfields.Schedule(sched.Pattern),
				logfields.Error(err))
		}
	}
}

func (q *Queue) worker(ctx context.Context, workerID string) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopChan:
			return
		default:
		}

		job, err := q.store.claimNext(ctx, q.name, q.now())
		if err != nil && ctx.Err() == nil {
			slog.Error("Failed to claim job", logfields.Queue(q.name), logfields.Worker(workerID), logfields.Error(err))
		}
		if job != nil {
			q.processJob(ctx, job, workerID)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-q.stopChan:
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

func (q *Queue) processJob(ctx context.Context, job *Job, workerID string) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	slog.Debug("Processing job",
		logfields.Queue(q.name),
		logfields.JobID(job.ID),
		logfields.JobName(job.Name),
		logfields.Worker(workerID))

	q.mu.RLock()
	handler := q.handler
	q.mu.RUnlock()

	result, err := q.invoke(jobCtx, handler, job)

	// A handler cut short by shutdown stays active and is recovered on next start.
	if err != nil && ctx.Err() != nil {
		slog.Warn("Job aborted by shutdown", logfields.JobID(job.ID), logfields.JobName(job.Name))
		return
	}

	finished := q.now()
	duration := finished.Sub(*job.StartedAt)
	job.FinishedAt = &finished

	if err != nil {
		job.Progress.State = StateFailed
		job.Error = FailureMessage(err)
		if ferr := q.store.finish(ctx, job.ID, StateFailed, nil, job.Error, finished); ferr != nil {
			slog.Error("Failed to record job failure", logfields.JobID(job.ID), logfields.Error(ferr))
		}
		q.recorder.ObserveJob(q.name, job.Name, metrics.JobFailed, duration)
		slog.Warn("Job failed",
			logfields.Queue(q.name),
			logfields.JobID(job.ID),
			logfields.JobName(job.Name),
			logfields.DurationMS(float64(duration.Milliseconds())),
			logfields.Error(err))
		q.notifyFailed(ctx, job, err)
	} else {
		job.Progress.State = StateCompleted
		encoded, merr := encodeResult(result)
		if merr != nil {
			slog.Warn("Job result is not serializable", logfields.JobID(job.ID), logfields.Error(merr))
		}
		job.Result = encoded
		if ferr := q.store.finish(ctx, job.ID, StateCompleted, encoded, "", finished); ferr != nil {
			slog.Error("Failed to record job completion", logfields.JobID(job.ID), logfields.Error(ferr))
		}
		q.recorder.ObserveJob(q.name, job.Name, metrics.JobCompleted, duration)
		slog.Info("Job completed",
			logfields.Queue(q.name),
			logfields.JobID(job.ID),
			logfields.JobName(job.Name),
			logfields.DurationMS(float64(duration.Milliseconds())))
		q.notifyCompleted(ctx, job, result)
	}

	if n, perr := q.store.prune(ctx, q.name, q.retention); perr != nil {
		slog.Warn("Failed to prune job history", logfields.Queue(q.name), logfields.Error(perr))
	} else if n > 0 {
		slog.Debug("Pruned job history", logfields.Queue(q.name), slog.Int64("removed", n))
	}
}

func (q *Queue) invoke(ctx context.Context, handler Handler, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ferrors.JobError(fmt.Sprintf("job handler panicked: %v", r)).
				WithContext("job", job.Name).
				Build()
		}
	}()
	return handler(ctx, job)
}

func (q *Queue) notifyCompleted(ctx context.Context, job *Job, result any) {
	q.mu.RLock()
	listeners := append([]CompletedListener(nil), q.onCompleted...)
	q.mu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, job, result)
	}
}

func (q *Queue) notifyFailed(ctx context.Context, job *Job, err error) {
	q.mu.RLock()
	listeners := append([]FailedListener(nil), q.onFailed...)
	q.mu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, job, err)
	}
}

func encodeResult(result any) (json.RawMessage, error) {
	if result == nil {
		return nil, nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// FailureMessage renders err as the human-readable message stored on a failed
// job, without the classification prefix.
func FailureMessage(err error) string {
	if err == nil {
		return ""
	}
	if c, ok := ferrors.AsClassified(err); ok {
		if c.Cause() != nil {
			return c.Message() + ": " + c.Cause().Error()
		}
		return c.Message()
	}
	return err.Error()
}
