package module

import (
	"context"

	"git.home.luguber.info/inful/applianced/internal/jobqueue"
	"git.home.luguber.info/inful/applianced/internal/plugin"
)

// Reason classifies the outcome of dispatching a job.
type Reason int

const (
	// ReasonHandled means a plugin claimed the job and its handler ran.
	ReasonHandled Reason = iota
	// ReasonUnclaimed means no composed plugin registers the job name.
	ReasonUnclaimed
)

func (r Reason) String() string {
	switch r {
	case ReasonHandled:
		return "handled"
	case ReasonUnclaimed:
		return "unhandled job"
	default:
		return "unknown"
	}
}

// DispatchResult is the typed outcome of Dispatch. Err carries the handler's
// error when Reason is ReasonHandled.
type DispatchResult struct {
	Plugin string
	Value  any
	Err    error
	Reason Reason
}

// Claimed reports whether a plugin handled the job.
func (r DispatchResult) Claimed() bool { return r.Reason == ReasonHandled }

type route struct {
	plugin string
	jobs   map[string]plugin.JobHandler
}

// Dispatch invokes the handler of the first plugin, in composition order,
// that registers job.Name. Only that handler runs.
func (m *Module) Dispatch(ctx context.Context, job *jobqueue.Job) DispatchResult {
	for _, r := range m.routes {
		handler, ok := r.jobs[job.Name]
		if !ok {
			continue
		}
		value, err := handler(ctx, job, m)
		return DispatchResult{Plugin: r.plugin, Value: value, Err: err, Reason: ReasonHandled}
	}
	return DispatchResult{Reason: ReasonUnclaimed}
}

// Claims reports whether any composed plugin registers the job name.
func (m *Module) Claims(name string) bool {
	for _, r := range m.routes {
		if _, ok := r.jobs[name]; ok {
			return true
		}
	}
	return false
}

// JobNames lists the job names the module accepts, in dispatch order.
func (m *Module) JobNames() []string {
	var names []string
	seen := make(map[string]bool)
	for _, r := range m.routes {
		for name := range r.jobs {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}
