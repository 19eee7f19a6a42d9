package jobqueue

import (
	"encoding/json"
	"time"
)

// State mirrors the lifecycle of a job in the queue.
type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions happen from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Progress is the record observers see for a job.
type Progress struct {
	State    State  `json:"state"`
	Message  string `json:"message"`
	Progress any    `json:"progress,omitempty"`
}

// Job is one unit of work submitted to a module queue.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Name       string          `json:"name"`
	Data       json.RawMessage `json:"data,omitempty"`
	Actor      string          `json:"actor,omitempty"`
	Progress   Progress        `json:"progress"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Decode unmarshals the job payload into v. An empty payload leaves v untouched.
func (j *Job) Decode(v any) error {
	if len(j.Data) == 0 || string(j.Data) == "null" {
		return nil
	}
	return json.Unmarshal(j.Data, v)
}

// Schedule is a persisted recurring job definition.
type Schedule struct {
	Queue     string
	Name      string
	Pattern   string
	UpdatedAt time.Time
}

// QueueName returns the queue bound to a module.
func QueueName(module string) string {
	return module + "-jobs"
}
