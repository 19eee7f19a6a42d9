package host

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"time"

	"git.home.luguber.info/inful/applianced/internal/channel"
	ferrors "git.home.luguber.info/inful/applianced/internal/foundation/errors"
	"git.home.luguber.info/inful/applianced/internal/jobqueue"
	"git.home.luguber.info/inful/applianced/internal/plugin"
	"git.home.luguber.info/inful/applianced/internal/supervisor"
)

const (
	updatesPluginName = "updates"

	JobUpdatesCheck       = "updates:check"
	JobUpdatesUpgrade     = "updates:upgrade"
	JobUpdatesAcknowledge = "updates:acknowledge"
)

// Updates is the cached result of the last package check.
type Updates struct {
	Count     int       `json:"count"`
	Packages  []string  `json:"packages"`
	CheckedAt time.Time `json:"checked_at"`
}

// updatesPlugin checks for package updates and runs the upgrade under the
// operation supervisor.
type updatesPlugin struct {
	deps Deps
	sup  *supervisor.Supervisor
}

func newUpdatesPlugin(deps Deps) (*updatesPlugin, error) {
	if deps.Supervisor == nil {
		return nil, ferrors.PluginError("updates plugin requires an operation supervisor").Build()
	}
	return &updatesPlugin{deps: deps, sup: deps.Supervisor}, nil
}

func (p *updatesPlugin) Metadata() plugin.Metadata {
	return metadata(updatesPluginName, "OS package updates")
}

func (p *updatesPlugin) Jobs() map[string]plugin.JobHandler {
	return map[string]plugin.JobHandler{
		JobUpdatesCheck:       p.check,
		JobUpdatesUpgrade:     p.upgrade,
		JobUpdatesAcknowledge: p.acknowledge,
	}
}

func (p *updatesPlugin) Start(ctx context.Context, host plugin.Host) error {
	base := context.WithoutCancel(ctx)
	p.sup.OnChange(func(supervisor.Status) { notify(base, host, KeyUpgrade) })
	p.sup.OnLog(func(log string) { host.Broadcast(EventUpgradeLog, log) })

	if err := p.sup.Attach(ctx); err != nil {
		return err
	}
	if pattern := p.deps.Config.Updates.CheckSchedule; pattern != "" {
		if err := host.AddJobSchedule(ctx, JobUpdatesCheck, pattern); err != nil {
			return err
		}
	}
	return nil
}

func (p *updatesPlugin) Stop(context.Context) error {
	p.sup.Close()
	return nil
}

func (p *updatesPlugin) Reload(_ context.Context, host plugin.Host) error {
	host.SetState(KeyUpgrade, p.sup.Status())
	return nil
}

// OnConnection replays the current upgrade log to the new observer.
func (p *updatesPlugin) OnConnection(_ context.Context, obs *channel.Observer, _ plugin.Host) error {
	if p.sup.Status().State == supervisor.StateAbsent {
		return nil
	}
	obs.Emit(EventUpgradeLog, p.sup.Log())
	return nil
}

func (p *updatesPlugin) check(ctx context.Context, job *jobqueue.Job, host plugin.Host) (any, error) {
	cfg := p.deps.Config.Updates

	if len(cfg.RefreshCommand) > 0 {
		host.UpdateJobProgress(ctx, job, "Refreshing package lists", nil)
		if _, err := p.deps.Runner.Run(ctx, cfg.RefreshCommand); err != nil {
			host.SetState(KeyUpdates, false)
			notify(ctx, host, KeyUpdates)
			return nil, err
		}
	}

	host.UpdateJobProgress(ctx, job, "Listing upgradable packages", nil)
	out, err := p.deps.Runner.Run(ctx, cfg.ListCommand)
	if err != nil {
		host.SetState(KeyUpdates, false)
		notify(ctx, host, KeyUpdates)
		return nil, err
	}

	packages := ParseUpgradable(out)
	result := Updates{Count: len(packages), Packages: packages, CheckedAt: time.Now().UTC()}
	host.SetState(KeyUpdates, result)
	notify(ctx, host, KeyUpdates)
	return result, nil
}

func (p *updatesPlugin) upgrade(ctx context.Context, job *jobqueue.Job, host plugin.Host) (any, error) {
	if err := p.sup.Spawn(ctx); err != nil {
		return nil, err
	}
	st := p.sup.Status()
	host.UpdateJobProgress(ctx, job, "Upgrade started", st)
	return st, nil
}

func (p *updatesPlugin) acknowledge(ctx context.Context, _ *jobqueue.Job, _ plugin.Host) (any, error) {
	if err := p.sup.Acknowledge(ctx); err != nil {
		return nil, err
	}
	return p.sup.Status(), nil
}

// ParseUpgradable extracts package names from "apt list --upgradable"
// output. Lines without an "[upgradable from" marker are ignored.
func ParseUpgradable(out []byte) []string {
	packages := []string{}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.Contains(line, "[upgradable from") {
			continue
		}
		name, _, _ := strings.Cut(line, "/")
		if name != "" {
			packages = append(packages, name)
		}
	}
	return packages
}
