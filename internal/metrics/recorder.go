package metrics

import "time"

// JobOutcome enumerates terminal job results for counters.
type JobOutcome string

const (
	JobCompleted   JobOutcome = "completed"
	JobFailed      JobOutcome = "failed"
	JobInterrupted JobOutcome = "interrupted"
)

// Recorder defines observability hooks for the daemon. All methods must be
// safe to call on a NoopRecorder.
type Recorder interface {
	ObserveJob(queue, job string, outcome JobOutcome, d time.Duration)
	IncEnqueueFailure(queue string)
	SetObservers(module string, n int)
	IncBroadcast(module, event string)
	IncOperationOutcome(module, state string)
	IncPluginLoadFailure(module, plugin string)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveJob(string, string, JobOutcome, time.Duration) {}
func (NoopRecorder) IncEnqueueFailure(string)                             {}
func (NoopRecorder) SetObservers(string, int)                             {}
func (NoopRecorder) IncBroadcast(string, string)                          {}
func (NoopRecorder) IncOperationOutcome(string, string)                   {}
func (NoopRecorder) IncPluginLoadFailure(string, string)                  {}
