// Package host composes the "host" module: the appliance configuration
// document, per-observer log streams, live host metrics and OS package
// updates run under the operation supervisor.
package host

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/applianced/internal/config"
	"git.home.luguber.info/inful/applianced/internal/events"
	"git.home.luguber.info/inful/applianced/internal/logfields"
	"git.home.luguber.info/inful/applianced/internal/metrics"
	"git.home.luguber.info/inful/applianced/internal/plugin"
	"git.home.luguber.info/inful/applianced/internal/retry"
	"git.home.luguber.info/inful/applianced/internal/supervisor"
	"git.home.luguber.info/inful/applianced/internal/version"
)

// ModuleName is the name of the host module.
const ModuleName = "host"

// State keys owned by the host plugins.
const (
	KeyConfiguration = "configuration"
	KeyMetrics       = "metrics"
	KeyUpdates       = "updates"
	KeyUpgrade       = "upgrade"
)

// Outbound events emitted by the host plugins.
const (
	EventLogs       = "logs"
	EventUpgradeLog = "upgrade:log"
)

// publishTimeout bounds a bus publish from plugin background work.
const publishTimeout = 5 * time.Second

// Deps are the collaborators of the host plugins.
type Deps struct {
	Config     config.HostConfig
	Supervisor *supervisor.Supervisor
	Runner     CommandRunner
	Streamer   Streamer
	Sampler    Sampler
	Clock      clockwork.Clock
	// WatchRetry is the retry interval for watched files that do not exist yet.
	WatchRetry time.Duration
}

// Registry returns the host plugin registry.
func Registry(deps Deps) *plugin.Registry {
	if deps.Runner == nil {
		deps.Runner = ExecRunner{}
	}
	if deps.Streamer == nil {
		deps.Streamer = ExecStreamer{}
	}
	if deps.Sampler == nil {
		deps.Sampler = SystemSampler{DiskPath: deps.Config.Metrics.DiskPath}
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	r := plugin.NewRegistry()
	r.MustRegister(configurationPluginName, func() (plugin.Plugin, error) { return newConfigurationPlugin(deps) })
	r.MustRegister(logsPluginName, func() (plugin.Plugin, error) { return newLogsPlugin(deps), nil })
	r.MustRegister(metricsPluginName, func() (plugin.Plugin, error) { return newMetricsPlugin(deps), nil })
	r.MustRegister(updatesPluginName, func() (plugin.Plugin, error) { return newUpdatesPlugin(deps) })
	return r
}

// NewSupervisor builds the upgrade supervisor from configuration.
func NewSupervisor(cfg config.HostConfig, bus *events.Bus, recorder metrics.Recorder) *supervisor.Supervisor {
	sc := cfg.Supervisor
	return supervisor.New(supervisor.Config{
		Module: ModuleName,
		Paths: supervisor.Paths{
			PID:            sc.PIDFile,
			Log:            sc.LogFile,
			ExitStatus:     sc.ExitStatusFile,
			RebootRequired: sc.RebootRequiredFile,
		},
		Command:      cfg.Updates.UpgradeCommand,
		ProcessName:  sc.ProcessName,
		PollInterval: sc.PollDuration(),
		ExitStatus: retry.NewPolicy(sc.ExitStatusMode, sc.ExitStatusBackoffDuration(),
			sc.ExitStatusBackoffDuration(), sc.ExitStatusRetries),
		Spawner:  supervisor.LauncherSpawner{Launcher: sc.Launcher},
		Bus:      bus,
		Recorder: recorder,
	})
}

func metadata(name, description string) plugin.Metadata {
	return plugin.Metadata{Name: name, Version: version.Version, Description: description}
}

// notify asks the module to reload and rebroadcast.
func notify(ctx context.Context, host plugin.Host, reason string) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := host.Publish(ctx, events.StateChanged{Module: host.Name(), Reason: reason, At: time.Now()}); err != nil {
		slog.Warn("Failed to announce state change",
			logfields.Module(host.Name()),
			slog.String("reason", reason),
			logfields.Error(err))
	}
}
