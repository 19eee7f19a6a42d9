// Package plugin defines the capability plugins a module is composed of.
// A plugin contributes job handlers and, optionally, lifecycle hooks; it keeps
// no state of its own beyond what it stores through the Host.
package plugin

import (
	"context"
	"fmt"
	"strings"

	"git.home.luguber.info/inful/applianced/internal/channel"
	"git.home.luguber.info/inful/applianced/internal/events"
	"git.home.luguber.info/inful/applianced/internal/jobqueue"
)

// Host is the module surface a plugin works through.
type Host interface {
	// Name is the module name, e.g. "host".
	Name() string

	GetState(key string) (any, bool)
	// SetState replaces the value of key. It does not broadcast.
	SetState(key string, value any)
	DeleteState(key string)

	// AddJob submits a job to the module queue. Submission failures are
	// logged by the module and reported as a nil job.
	AddJob(ctx context.Context, name string, data any, actor string) *jobqueue.Job
	AddJobSchedule(ctx context.Context, name, pattern string) error
	UpdateJobProgress(ctx context.Context, job *jobqueue.Job, message string, progress any)

	// Broadcast sends an event to every observer of the module.
	Broadcast(event string, data any)
	Publish(ctx context.Context, evt events.Event) error
	ObserverCount() int
}

// JobHandler runs one job. The returned error becomes the job's failure
// message verbatim.
type JobHandler func(ctx context.Context, job *jobqueue.Job, host Host) (any, error)

// Plugin is a capability composed into a module.
type Plugin interface {
	Metadata() Metadata
	// Jobs maps job names to handlers. Names must be unique within a module.
	Jobs() map[string]JobHandler
}

// ConnectionHook runs after the module has sent its snapshot to a new observer.
type ConnectionHook interface {
	OnConnection(ctx context.Context, obs *channel.Observer, host Host) error
}

// DisconnectHook runs before the observer's attached resources are closed.
type DisconnectHook interface {
	OnDisconnect(ctx context.Context, obs *channel.Observer, host Host)
}

// Reloader refreshes the plugin's cached state keys. Reload runs on the
// module event loop and must not publish to the bus.
type Reloader interface {
	Reload(ctx context.Context, host Host) error
}

// Starter runs once when the module starts.
type Starter interface {
	Start(ctx context.Context, host Host) error
}

// Stopper releases background resources when the module stops.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Metadata describes a plugin.
type Metadata struct {
	Name        string
	Version     string
	Description string
}

// String returns a human-readable representation of the plugin metadata.
func (m Metadata) String() string {
	if m.Version == "" {
		return m.Name
	}
	return fmt.Sprintf("%s@%s", m.Name, m.Version)
}

// Validate checks if the plugin metadata is valid.
func (m Metadata) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("plugin name is required")
	}
	return nil
}

// Base can be embedded by plugins that contribute no jobs.
type Base struct{}

// Jobs returns no handlers.
func (Base) Jobs() map[string]JobHandler { return nil }
