package events

import "time"

// Event is the closed set of in-process notifications. Only types in this
// package implement it.
type Event interface {
	eventKind() string
}

// Kind returns the wire name of an event, as used by NATS ingress and logs.
func Kind(e Event) string { return e.eventKind() }

const (
	KindConfigurationUpdated = "configuration:updated"
	KindStateChanged         = "state:changed"
	KindOperationFinished    = "operation:finished"
)

// ConfigurationUpdated asks every module to reload its cached state.
type ConfigurationUpdated struct {
	Source string
	At     time.Time
}

func (ConfigurationUpdated) eventKind() string { return KindConfigurationUpdated }

// StateChanged asks a single module to reload and rebroadcast.
type StateChanged struct {
	Module string
	Reason string
	At     time.Time
}

func (StateChanged) eventKind() string { return KindStateChanged }

// OperationFinished is emitted once when a supervised operation reaches a
// terminal state.
type OperationFinished struct {
	Module         string
	State          string
	ExitCode       int
	RebootRequired bool
	At             time.Time
}

func (OperationFinished) eventKind() string { return KindOperationFinished }
