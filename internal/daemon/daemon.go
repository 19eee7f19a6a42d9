// Package daemon wires the event bus, job queue storage, modules, transport
// and NATS ingress into one process and runs them until shutdown.
package daemon

import (
	"context"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"git.home.luguber.info/inful/applianced/internal/config"
	"git.home.luguber.info/inful/applianced/internal/events"
	ferrors "git.home.luguber.info/inful/applianced/internal/foundation/errors"
	"git.home.luguber.info/inful/applianced/internal/host"
	"git.home.luguber.info/inful/applianced/internal/jobqueue"
	"git.home.luguber.info/inful/applianced/internal/logfields"
	"git.home.luguber.info/inful/applianced/internal/metrics"
	"git.home.luguber.info/inful/applianced/internal/module"
	"git.home.luguber.info/inful/applianced/internal/natsbridge"
	"git.home.luguber.info/inful/applianced/internal/supervisor"
	"git.home.luguber.info/inful/applianced/internal/transport"
	"git.home.luguber.info/inful/applianced/internal/version"
	"git.home.luguber.info/inful/applianced/internal/watcher"
)

// Status represents the current state of the daemon.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// Daemon represents the main daemon service.
type Daemon struct {
	config         *config.Config
	configFilePath string
	status         atomic.Value // Status
	startTime      time.Time

	bus           *events.Bus
	store         *jobqueue.Store
	scheduler     *jobqueue.Scheduler
	recorder      metrics.Recorder
	registry      *prom.Registry
	supervisor    *supervisor.Supervisor
	modules       []*module.Module
	server        *transport.Server
	configWatcher *watcher.Watcher
}

// New builds a daemon from configuration. configFilePath, when set, is
// watched and every change republishes configuration:updated.
func New(cfg *config.Config, configFilePath string) (*Daemon, error) {
	if cfg == nil {
		return nil, ferrors.ConfigError("configuration is required").Build()
	}

	d := &Daemon{config: cfg, configFilePath: configFilePath, bus: events.NewBus()}
	d.status.Store(StatusStopped)

	d.recorder = metrics.NoopRecorder{}
	if cfg.Metrics.IsEnabled() {
		d.registry = prom.NewRegistry()
		d.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		d.recorder = metrics.NewPrometheusRecorder(d.registry)
	}

	if err := os.MkdirAll(cfg.Daemon.DataDir, 0o750); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryFileSystem, "failed to create data directory").
			WithContext("path", cfg.Daemon.DataDir).
			Build()
	}

	store, err := jobqueue.OpenStore(cfg.Queue.Database)
	if err != nil {
		return nil, err
	}
	d.store = store

	scheduler, err := jobqueue.NewScheduler()
	if err != nil {
		_ = store.Close()
		return nil, ferrors.WrapError(err, ferrors.CategoryDaemon, "failed to create scheduler").Build()
	}
	d.scheduler = scheduler

	d.supervisor = host.NewSupervisor(cfg.Modules.Host, d.bus, d.recorder)
	hostModule := module.New(host.ModuleName,
		host.Registry(host.Deps{Config: cfg.Modules.Host, Supervisor: d.supervisor}),
		d.newQueue(host.ModuleName),
		d.bus,
		module.WithRecorder(d.recorder),
		module.WithAdminRequired(cfg.Daemon.AdminRequired()),
		module.WithExcludedPlugins(cfg.Modules.Host.DisabledPlugins...))
	d.modules = append(d.modules, hostModule)

	opts := transport.Options{Listen: cfg.Daemon.Listen}
	if d.registry != nil {
		opts.MetricsPath = cfg.Metrics.Path
		opts.MetricsHandler = metrics.HTTPHandler(d.registry)
	}
	d.server = transport.NewServer(opts)
	for _, m := range d.modules {
		d.server.Register(m)
	}
	return d, nil
}

func (d *Daemon) newQueue(moduleName string) *jobqueue.Queue {
	q := d.config.Queue
	return jobqueue.New(d.store, jobqueue.QueueName(moduleName),
		jobqueue.WithWorkers(q.Workers),
		jobqueue.WithPollInterval(q.PollDuration()),
		jobqueue.WithRetention(q.Retention),
		jobqueue.WithScheduler(d.scheduler),
		jobqueue.WithRecorder(d.recorder))
}

// GetStatus returns the current daemon status.
func (d *Daemon) GetStatus() Status {
	return d.status.Load().(Status)
}

// Addr returns the HTTP listener address once running.
func (d *Daemon) Addr() net.Addr { return d.server.Addr() }

// Modules returns the composed modules.
func (d *Daemon) Modules() []*module.Module { return d.modules }

// Run starts every component and blocks until ctx is cancelled or a
// component fails, then shuts down within the configured timeout.
func (d *Daemon) Run(ctx context.Context) error {
	d.status.Store(StatusStarting)
	d.startTime = time.Now()
	slog.Info("Starting daemon", slog.String("version", version.Version), slog.String("listen", d.config.Daemon.Listen))

	// The bridge subscribes to operation results before modules start, so an
	// attached operation finishing during startup is still forwarded.
	var bridge *natsbridge.Bridge
	if d.config.NATS.Enabled() {
		var err error
		if bridge, err = natsbridge.Connect(d.config.NATS, d.bus); err != nil {
			d.status.Store(StatusError)
			d.shutdown()
			return err
		}
	}

	if err := d.start(ctx); err != nil {
		if bridge != nil {
			bridge.Close()
		}
		d.status.Store(StatusError)
		d.shutdown()
		return err
	}
	d.status.Store(StatusRunning)
	slog.Info("Daemon running", slog.Int("modules", len(d.modules)))

	g, gctx := errgroup.WithContext(ctx)
	if bridge != nil {
		g.Go(func() error { return bridge.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	err := g.Wait()

	d.shutdown()
	if err != nil {
		d.status.Store(StatusError)
		return err
	}
	return nil
}

func (d *Daemon) start(ctx context.Context) error {
	d.scheduler.Start()

	for _, m := range d.modules {
		if err := m.Start(ctx); err != nil {
			return err
		}
	}

	if err := d.server.Start(ctx); err != nil {
		return err
	}

	if d.configFilePath != "" && d.config.Daemon.ConfigWatchEnabled() {
		w, err := newConfigWatcher(ctx, d.configFilePath, d.bus)
		if err != nil {
			slog.Warn("Config file watching disabled", logfields.Path(d.configFilePath), logfields.Error(err))
		} else {
			d.configWatcher = w
		}
	}
	return nil
}

// shutdown stops components in reverse start order.
func (d *Daemon) shutdown() {
	d.status.Store(StatusStopping)
	ctx, cancel := context.WithTimeout(context.Background(), d.config.Daemon.ShutdownDuration())
	defer cancel()

	if d.configWatcher != nil {
		_ = d.configWatcher.Close()
	}
	if err := d.server.Stop(ctx); err != nil {
		slog.Warn("HTTP server shutdown failed", logfields.Error(err))
	}
	for i := len(d.modules) - 1; i >= 0; i-- {
		if err := d.modules[i].Stop(ctx); err != nil {
			slog.Warn("Module shutdown failed", logfields.Module(d.modules[i].Name()), logfields.Error(err))
		}
	}
	if err := d.scheduler.Stop(); err != nil {
		slog.Warn("Scheduler shutdown failed", logfields.Error(err))
	}
	d.bus.Close()
	if err := d.store.Close(); err != nil {
		slog.Warn("Queue store close failed", logfields.Error(err))
	}

	d.status.Store(StatusStopped)
	slog.Info("Daemon stopped", slog.Duration("uptime", time.Since(d.startTime).Round(time.Second)))
}
