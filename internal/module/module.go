// Package module implements the domain actor: one observer channel, one cached
// state map, one job queue consumer and an ordered list of capability plugins.
package module

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"sync"

	"git.home.luguber.info/inful/applianced/internal/channel"
	"git.home.luguber.info/inful/applianced/internal/events"
	ferrors "git.home.luguber.info/inful/applianced/internal/foundation/errors"
	"git.home.luguber.info/inful/applianced/internal/jobqueue"
	"git.home.luguber.info/inful/applianced/internal/logfields"
	"git.home.luguber.info/inful/applianced/internal/metrics"
	"git.home.luguber.info/inful/applianced/internal/plugin"
)

// Outbound event names.
const (
	EventState = "state"
	EventJob   = "job"
	EventError = "error"
)

// eventBuffer bounds how many bus events may wait for the module loop.
const eventBuffer = 16

// JobEvent is the payload of a job event.
type JobEvent struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Progress jobqueue.Progress `json:"progress"`
	Error    string            `json:"error,omitempty"`
}

// Module is a domain actor such as "host".
type Module struct {
	name     string
	plugins  []plugin.Plugin
	routes   []route
	queue    *jobqueue.Queue
	bus      *events.Bus
	hub      *channel.Hub
	recorder metrics.Recorder

	requireAdmin bool
	exclude      []string
	failures     []plugin.LoadFailure

	stateMu sync.RWMutex
	state   map[string]any

	// broadcastMu orders reload+broadcast passes against Connect so a new
	// observer never sees a snapshot older than the last broadcast.
	broadcastMu sync.Mutex

	unsubscribe func()
	loopDone    chan struct{}
}

// Option configures a Module.
type Option func(*Module)

// WithRecorder injects a metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(m *Module) {
		if r != nil {
			m.recorder = r
		}
	}
}

// WithAdminRequired restricts inbound actions to admin observers.
func WithAdminRequired(required bool) Option {
	return func(m *Module) { m.requireAdmin = required }
}

// WithExcludedPlugins skips the named plugins during composition.
func WithExcludedPlugins(names ...string) Option {
	return func(m *Module) { m.exclude = append(m.exclude, names...) }
}

// New composes the registry's plugins into a module bound to queue. Plugins
// that fail to load are logged and skipped.
func New(name string, registry *plugin.Registry, queue *jobqueue.Queue, bus *events.Bus, opts ...Option) *Module {
	m := &Module{
		name:         name,
		queue:        queue,
		bus:          bus,
		hub:          channel.NewHub(),
		recorder:     metrics.NoopRecorder{},
		requireAdmin: true,
		state:        make(map[string]any),
	}
	for _, opt := range opts {
		opt(m)
	}

	plugins, failures := registry.Compose(m.exclude...)
	for _, f := range failures {
		slog.Error("Skipping plugin that failed to load",
			logfields.Module(name),
			logfields.Plugin(f.Name),
			logfields.Error(f.Err))
		m.recorder.IncPluginLoadFailure(name, f.Name)
	}
	m.failures = failures
	m.plugins = plugins

	claimed := make(map[string]string)
	for _, p := range plugins {
		pname := p.Metadata().Name
		jobs := p.Jobs()
		for job := range jobs {
			if owner, ok := claimed[job]; ok {
				slog.Warn("Job name already claimed by an earlier plugin",
					logfields.Module(name),
					logfields.Plugin(pname),
					logfields.JobName(job),
					slog.String("owner", owner))
				continue
			}
			claimed[job] = pname
		}
		m.routes = append(m.routes, route{plugin: pname, jobs: jobs})
	}

	queue.Process(m.handleJob)
	queue.OnCompleted(func(ctx context.Context, job *jobqueue.Job, _ any) {
		m.UpdateJobProgress(ctx, job, "", nil)
	})
	queue.OnFailed(func(ctx context.Context, job *jobqueue.Job, _ error) {
		m.UpdateJobProgress(ctx, job, "", nil)
	})
	return m
}

// Name returns the module name.
func (m *Module) Name() string { return m.name }

// Plugins returns the composed plugin names in order.
func (m *Module) Plugins() []string {
	names := make([]string, len(m.plugins))
	for i, p := range m.plugins {
		names[i] = p.Metadata().Name
	}
	return names
}

// LoadFailures returns the plugins skipped during composition.
func (m *Module) LoadFailures() []plugin.LoadFailure { return m.failures }

// Start runs plugin starters, loads the initial state, subscribes to the bus
// and starts the job queue.
func (m *Module) Start(ctx context.Context) error {
	ch, unsubscribe := events.Subscribe[events.Event](m.bus, eventBuffer)
	m.unsubscribe = unsubscribe
	m.loopDone = make(chan struct{})

	for _, p := range m.plugins {
		starter, ok := p.(plugin.Starter)
		if !ok {
			continue
		}
		if err := starter.Start(ctx, m); err != nil {
			slog.Error("Plugin failed to start",
				logfields.Module(m.name),
				logfields.Plugin(p.Metadata().Name),
				logfields.Error(err))
		}
	}

	m.ReloadAndBroadcast(ctx, "startup")

	go m.loop(ctx, ch)

	if err := m.queue.Start(ctx); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryDaemon, "failed to start module queue").
			WithContext("module", m.name).
			Build()
	}
	slog.Info("Module started", logfields.Module(m.name), slog.Any("plugins", m.Plugins()))
	return nil
}

// Stop stops the queue, the event loop and plugin background work, then
// disconnects every observer.
func (m *Module) Stop(ctx context.Context) error {
	err := m.queue.Stop(ctx)

	if m.unsubscribe != nil {
		m.unsubscribe()
		<-m.loopDone
	}

	for _, p := range m.plugins {
		if stopper, ok := p.(plugin.Stopper); ok {
			if serr := stopper.Stop(ctx); serr != nil {
				slog.Warn("Plugin failed to stop",
					logfields.Module(m.name),
					logfields.Plugin(p.Metadata().Name),
					logfields.Error(serr))
			}
		}
	}

	for _, obs := range m.hub.Observers() {
		m.Disconnect(ctx, obs)
	}
	return err
}

func (m *Module) loop(ctx context.Context, ch <-chan events.Event) {
	defer close(m.loopDone)
	for evt := range ch {
		switch e := evt.(type) {
		case events.ConfigurationUpdated:
			m.ReloadAndBroadcast(ctx, events.KindConfigurationUpdated)
		case events.StateChanged:
			if e.Module == m.name {
				m.ReloadAndBroadcast(ctx, e.Reason)
			}
		case events.OperationFinished:
			if e.Module == m.name {
				m.ReloadAndBroadcast(ctx, events.KindOperationFinished)
			}
		}
	}
}

// GetState returns the cached value of key.
func (m *Module) GetState(key string) (any, bool) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	v, ok := m.state[key]
	return v, ok
}

// SetState replaces the cached value of key. Nothing is broadcast.
func (m *Module) SetState(key string, value any) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.state[key] = value
}

// DeleteState removes key from the cache.
func (m *Module) DeleteState(key string) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	delete(m.state, key)
}

// Snapshot returns a copy of the cached state.
func (m *Module) Snapshot() map[string]any {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return maps.Clone(m.state)
}

// ReloadAndBroadcast runs every plugin Reloader, then sends one snapshot to
// every observer. The reload completes before anything is sent.
func (m *Module) ReloadAndBroadcast(ctx context.Context, reason string) {
	m.broadcastMu.Lock()
	defer m.broadcastMu.Unlock()

	for _, p := range m.plugins {
		reloader, ok := p.(plugin.Reloader)
		if !ok {
			continue
		}
		if err := reloader.Reload(ctx, m); err != nil {
			slog.Warn("Plugin reload failed",
				logfields.Module(m.name),
				logfields.Plugin(p.Metadata().Name),
				logfields.Error(err))
		}
	}

	snapshot := m.Snapshot()
	m.hub.Broadcast(channel.Message{Event: EventState, Data: snapshot})
	m.recorder.IncBroadcast(m.name, EventState)
	slog.Debug("State broadcast", logfields.Module(m.name), slog.String("reason", reason), slog.Int("observers", m.hub.Len()))
}

// Broadcast sends an event to every observer.
func (m *Module) Broadcast(event string, data any) {
	m.hub.Broadcast(channel.Message{Event: event, Data: data})
	m.recorder.IncBroadcast(m.name, event)
}

// Publish forwards evt to the process event bus.
func (m *Module) Publish(ctx context.Context, evt events.Event) error {
	return m.bus.Publish(ctx, evt)
}

// ObserverCount returns the number of connected observers.
func (m *Module) ObserverCount() int { return m.hub.Len() }

// Connect registers obs, sends it the current snapshot, then runs every
// plugin connection hook in composition order.
func (m *Module) Connect(ctx context.Context, obs *channel.Observer) {
	m.broadcastMu.Lock()
	m.hub.Add(obs)
	obs.Emit(EventState, m.Snapshot())
	m.broadcastMu.Unlock()

	m.recorder.SetObservers(m.name, m.hub.Len())
	slog.Info("Observer connected",
		logfields.Module(m.name),
		logfields.Observer(obs.ID()),
		logfields.User(obs.Identity().Username))

	for _, p := range m.plugins {
		hook, ok := p.(plugin.ConnectionHook)
		if !ok {
			continue
		}
		if err := hook.OnConnection(ctx, obs, m); err != nil {
			slog.Warn("Connection hook failed",
				logfields.Module(m.name),
				logfields.Plugin(p.Metadata().Name),
				logfields.Observer(obs.ID()),
				logfields.Error(err))
		}
	}
}

// Disconnect runs every plugin disconnect hook in composition order, then
// closes the observer and its attached resources. Repeated calls are no-ops.
func (m *Module) Disconnect(ctx context.Context, obs *channel.Observer) {
	if !m.hub.Remove(obs) {
		obs.Close()
		return
	}
	for _, p := range m.plugins {
		if hook, ok := p.(plugin.DisconnectHook); ok {
			hook.OnDisconnect(ctx, obs, m)
		}
	}
	obs.Close()

	m.recorder.SetObservers(m.name, m.hub.Len())
	slog.Info("Observer disconnected", logfields.Module(m.name), logfields.Observer(obs.ID()))
}

// AddJob submits a job. Failures are logged and yield a nil job.
func (m *Module) AddJob(ctx context.Context, name string, data any, actor string) *jobqueue.Job {
	raw, err := encodePayload(data)
	if err != nil {
		slog.Error("Failed to encode job payload", logfields.Module(m.name), logfields.JobName(name), logfields.Error(err))
		return nil
	}
	job, err := m.queue.Enqueue(ctx, name, raw, actor)
	if err != nil {
		slog.Error("Failed to enqueue job", logfields.Module(m.name), logfields.JobName(name), logfields.Error(err))
		return nil
	}
	slog.Info("Job enqueued",
		logfields.Module(m.name),
		logfields.JobID(job.ID),
		logfields.JobName(name),
		logfields.User(actor))
	return job
}

// AddJobSchedule installs or updates a recurring job.
func (m *Module) AddJobSchedule(ctx context.Context, name, pattern string) error {
	return m.queue.UpsertSchedule(ctx, name, pattern)
}

// UpdateJobProgress writes {state, message, progress} for job, using the
// queue's current lifecycle state, and emits a job event. Failures are
// logged and never returned.
func (m *Module) UpdateJobProgress(ctx context.Context, job *jobqueue.Job, message string, progress any) {
	state, err := m.queue.State(ctx, job.ID)
	if err != nil {
		slog.Warn("Failed to read job state", logfields.Module(m.name), logfields.JobID(job.ID), logfields.Error(err))
		state = job.Progress.State
	}

	p := jobqueue.Progress{State: state, Message: message, Progress: progress}
	if err := m.queue.UpdateProgress(ctx, job.ID, p); err != nil {
		slog.Warn("Failed to update job progress", logfields.Module(m.name), logfields.JobID(job.ID), logfields.Error(err))
	}

	m.Broadcast(EventJob, JobEvent{ID: job.ID, Name: job.Name, Progress: p, Error: job.Error})
}

// HandleAction routes an inbound observer action. Observer-scoped handlers
// registered by connection hooks take precedence; otherwise the action names
// a job, which is enqueued with the observer as actor. Both kinds are subject
// to the administrator requirement.
func (m *Module) HandleAction(ctx context.Context, obs *channel.Observer, action string, data json.RawMessage) (*jobqueue.Job, error) {
	fn, scoped := obs.Handler(action)
	if !scoped && !m.Claims(action) {
		return nil, ferrors.ValidationError("unknown action").
			WithContext("module", m.name).
			WithContext("action", action).
			Build()
	}
	identity := obs.Identity()
	if m.requireAdmin && !identity.Admin {
		return nil, ferrors.AuthError("module actions require an administrator").
			WithContext("module", m.name).
			WithContext("action", action).
			WithContext("user", identity.Username).
			Build()
	}
	if scoped {
		return nil, fn(ctx, data)
	}
	return m.AddJob(ctx, action, data, identity.Username), nil
}

func (m *Module) handleJob(ctx context.Context, job *jobqueue.Job) (any, error) {
	result := m.Dispatch(ctx, job)
	if !result.Claimed() {
		return nil, ferrors.JobError(result.Reason.String()).
			WithContext("module", m.name).
			WithContext("job", job.Name).
			Build()
	}
	if result.Err != nil {
		slog.Debug("Job handler returned error",
			logfields.Module(m.name),
			logfields.Plugin(result.Plugin),
			logfields.JobID(job.ID),
			logfields.Error(result.Err))
	}
	return result.Value, result.Err
}

func encodePayload(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}
