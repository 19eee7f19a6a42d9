package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "git.home.luguber.info/inful/applianced/internal/foundation/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func stopQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Stop(ctx))
}

func TestQueueName(t *testing.T) {
	assert.Equal(t, "host-jobs", QueueName("host"))
}

func TestEnqueuePersistsQueuedJob(t *testing.T) {
	q := New(newTestStore(t), QueueName("host"))

	job, err := q.Enqueue(t.Context(), "updates:check", json.RawMessage(`{"force":true}`), "alice")
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)

	got, err := q.Get(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "host-jobs", got.Queue)
	assert.Equal(t, "updates:check", got.Name)
	assert.Equal(t, "alice", got.Actor)
	assert.Equal(t, StateQueued, got.Progress.State)
	assert.JSONEq(t, `{"force":true}`, string(got.Data))

	var payload struct{ Force bool }
	require.NoError(t, got.Decode(&payload))
	assert.True(t, payload.Force)
}

func TestEnqueueRejectsEmptyName(t *testing.T) {
	q := New(newTestStore(t), "host-jobs")
	_, err := q.Enqueue(t.Context(), "  ", nil, "")
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryValidation))
}

func TestGetUnknownJob(t *testing.T) {
	q := New(newTestStore(t), "host-jobs")
	_, err := q.Get(t.Context(), "missing")
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryNotFound))
}

func TestQueueProcessesJobsAndNotifiesListeners(t *testing.T) {
	q := New(newTestStore(t), "host-jobs", WithWorkers(1), WithPollInterval(10*time.Millisecond))
	q.Process(func(_ context.Context, job *Job) (any, error) {
		if job.Name == "boom" {
			return nil, errors.New("operation already in progress")
		}
		return map[string]int{"count": 3}, nil
	})

	completed := make(chan *Job, 1)
	failed := make(chan string, 1)
	q.OnCompleted(func(_ context.Context, job *Job, _ any) { completed <- job })
	q.OnFailed(func(_ context.Context, job *Job, _ error) { failed <- job.Error })

	require.NoError(t, q.Start(t.Context()))
	defer stopQueue(t, q)

	ok, err := q.Enqueue(t.Context(), "ok", nil, "")
	require.NoError(t, err)
	_, err = q.Enqueue(t.Context(), "boom", nil, "")
	require.NoError(t, err)

	select {
	case job := <-completed:
		assert.Equal(t, ok.ID, job.ID)
		assert.Equal(t, StateCompleted, job.Progress.State)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not complete")
	}
	select {
	case msg := <-failed:
		assert.Equal(t, "operation already in progress", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not fail")
	}

	state, err := q.State(t.Context(), ok.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state)

	stored, err := q.Get(t.Context(), ok.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":3}`, string(stored.Result))
	assert.NotNil(t, stored.FinishedAt)
}

func TestQueueRecoversFromHandlerPanic(t *testing.T) {
	q := New(newTestStore(t), "host-jobs", WithWorkers(1))
	q.Process(func(context.Context, *Job) (any, error) { panic("bad handler") })

	failed := make(chan string, 1)
	q.OnFailed(func(_ context.Context, job *Job, _ error) { failed <- job.Error })
	require.NoError(t, q.Start(t.Context()))
	defer stopQueue(t, q)

	_, err := q.Enqueue(t.Context(), "panics", nil, "")
	require.NoError(t, err)

	select {
	case msg := <-failed:
		assert.Contains(t, msg, "job handler panicked: bad handler")
	case <-time.After(2 * time.Second):
		t.Fatal("panicking job was not failed")
	}
}

func TestStartRequiresHandler(t *testing.T) {
	q := New(newTestStore(t), "host-jobs")
	require.Error(t, q.Start(t.Context()))
}

func TestUpdateProgress(t *testing.T) {
	q := New(newTestStore(t), "host-jobs")
	job, err := q.Enqueue(t.Context(), "updates:upgrade", nil, "")
	require.NoError(t, err)

	require.NoError(t, q.UpdateProgress(t.Context(), job.ID, Progress{
		State:    StateQueued,
		Message:  "downloading",
		Progress: map[string]any{"percent": 40},
	}))

	got, err := q.Get(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "downloading", got.Progress.Message)
	assert.Equal(t, map[string]any{"percent": float64(40)}, got.Progress.Progress)

	err = q.UpdateProgress(t.Context(), "missing", Progress{State: StateActive})
	require.Error(t, err)
}

func TestStartFailsInterruptedJobs(t *testing.T) {
	store := newTestStore(t)
	first := New(store, "host-jobs")
	job, err := first.Enqueue(t.Context(), "updates:check", nil, "")
	require.NoError(t, err)
	claimed, err := store.claimNext(t.Context(), "host-jobs", time.Now())
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	// A new process finds the job still active.
	second := New(store, "host-jobs", WithWorkers(1))
	second.Process(func(context.Context, *Job) (any, error) { return nil, nil })
	var (
		mu       sync.Mutex
		failures []error
	)
	second.OnFailed(func(_ context.Context, _ *Job, err error) {
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
	})
	require.NoError(t, second.Start(t.Context()))
	defer stopQueue(t, second)

	got, err := second.Get(t.Context(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.Progress.State)
	assert.Equal(t, InterruptedMessage, got.Error)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failures, 1)
	assert.Equal(t, InterruptedMessage, FailureMessage(failures[0]))
}

func TestRetentionPrunesFinishedJobs(t *testing.T) {
	q := New(newTestStore(t), "host-jobs", WithWorkers(1), WithRetention(2))
	q.Process(func(context.Context, *Job) (any, error) { return nil, nil })

	done := make(chan struct{}, 5)
	q.OnCompleted(func(context.Context, *Job, any) { done <- struct{}{} })
	require.NoError(t, q.Start(t.Context()))
	defer stopQueue(t, q)

	for range 5 {
		_, err := q.Enqueue(t.Context(), "noop", nil, "")
		require.NoError(t, err)
	}
	for range 5 {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("jobs did not complete")
		}
	}

	require.Eventually(t, func() bool {
		jobs, err := q.Recent(t.Context(), 10)
		return err == nil && len(jobs) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUpsertScheduleIsIdempotent(t *testing.T) {
	sched, err := NewScheduler()
	require.NoError(t, err)
	defer func() { _ = sched.Stop() }()

	q := New(newTestStore(t), "host-jobs", WithScheduler(sched))

	require.NoError(t, q.UpsertSchedule(t.Context(), "updates:check", "0 */6 * * *"))
	require.NoError(t, q.UpsertSchedule(t.Context(), "updates:check", "0 */6 * * *"))
	assert.Equal(t, 1, sched.Len())

	require.NoError(t, q.UpsertSchedule(t.Context(), "updates:check", "30 2 * * *"))
	assert.Equal(t, 1, sched.Len())
	pattern, ok := sched.Pattern("host-jobs/updates:check")
	require.True(t, ok)
	assert.Equal(t, "30 2 * * *", pattern)

	schedules, err := q.Schedules(t.Context())
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, "30 2 * * *", schedules[0].Pattern)
}

func TestUpsertScheduleRejectsInvalidPattern(t *testing.T) {
	sched, err := NewScheduler()
	require.NoError(t, err)
	defer func() { _ = sched.Stop() }()

	q := New(newTestStore(t), "host-jobs", WithScheduler(sched))
	err = q.UpsertSchedule(t.Context(), "updates:check", "not a cron")
	require.Error(t, err)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryValidation))

	schedules, err := q.Schedules(t.Context())
	require.NoError(t, err)
	assert.Empty(t, schedules)
}

func TestFailureMessage(t *testing.T) {
	assert.Empty(t, FailureMessage(nil))
	assert.Equal(t, "plain", FailureMessage(errors.New("plain")))
	assert.Equal(t, "unhandled job", FailureMessage(ferrors.JobError("unhandled job").Build()))
	wrapped := ferrors.WrapError(errors.New("exit status 1"), ferrors.CategoryCommand, "refresh failed").Build()
	assert.Equal(t, "refresh failed: exit status 1", FailureMessage(wrapped))
}
