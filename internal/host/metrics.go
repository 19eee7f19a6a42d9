package host

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shirou/gopsutil/v4/disk"
	gohost "github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"git.home.luguber.info/inful/applianced/internal/channel"
	ferrors "git.home.luguber.info/inful/applianced/internal/foundation/errors"
	"git.home.luguber.info/inful/applianced/internal/logfields"
	"git.home.luguber.info/inful/applianced/internal/plugin"
	"git.home.luguber.info/inful/applianced/internal/poller"
)

const metricsPluginName = "metrics"

// Metrics is the cached host statistics record.
type Metrics struct {
	UptimeSeconds     uint64  `json:"uptime_seconds"`
	Load1             float64 `json:"load1"`
	Load5             float64 `json:"load5"`
	Load15            float64 `json:"load15"`
	MemoryTotal       uint64  `json:"memory_total"`
	MemoryUsed        uint64  `json:"memory_used"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`
	DiskPath          string  `json:"disk_path"`
	DiskTotal         uint64  `json:"disk_total"`
	DiskUsed          uint64  `json:"disk_used"`
	DiskUsedPercent   float64 `json:"disk_used_percent"`
}

// Sampler reads host statistics.
type Sampler interface {
	Sample(ctx context.Context) (Metrics, error)
}

// SystemSampler samples with gopsutil.
type SystemSampler struct {
	DiskPath string
}

func (s SystemSampler) Sample(ctx context.Context) (Metrics, error) {
	path := s.DiskPath
	if path == "" {
		path = "/"
	}
	uptime, err := gohost.UptimeWithContext(ctx)
	if err != nil {
		return Metrics{}, sampleError("uptime", err)
	}
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return Metrics{}, sampleError("load", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Metrics{}, sampleError("memory", err)
	}
	du, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return Metrics{}, sampleError("disk", err)
	}
	return Metrics{
		UptimeSeconds:     uptime,
		Load1:             avg.Load1,
		Load5:             avg.Load5,
		Load15:            avg.Load15,
		MemoryTotal:       vm.Total,
		MemoryUsed:        vm.Used,
		MemoryUsedPercent: vm.UsedPercent,
		DiskPath:          path,
		DiskTotal:         du.Total,
		DiskUsed:          du.Used,
		DiskUsedPercent:   du.UsedPercent,
	}, nil
}

func sampleError(what string, err error) error {
	return ferrors.WrapError(err, ferrors.CategoryCommand, "failed to sample host metrics").
		WithContext("metric", what).
		Retryable().
		Build()
}

// metricsPlugin keeps KeyMetrics fresh while the module has observers.
type metricsPlugin struct {
	plugin.Base
	deps Deps

	mu     sync.Mutex
	ctx    context.Context
	poller *poller.Poller
}

func newMetricsPlugin(deps Deps) *metricsPlugin {
	return &metricsPlugin{deps: deps}
}

func (p *metricsPlugin) Metadata() plugin.Metadata {
	return metadata(metricsPluginName, "Live host statistics")
}

func (p *metricsPlugin) Start(ctx context.Context, host plugin.Host) error {
	base := context.WithoutCancel(ctx)
	pl := poller.New(poller.Config{
		Name:      metricsPluginName,
		Interval:  p.deps.Config.Metrics.IntervalDuration(),
		TTL:       p.deps.Config.Metrics.TTLDuration(),
		Observers: host.ObserverCount,
		Tick:      func(tickCtx context.Context) { p.sample(tickCtx, host) },
		Purge: func() {
			host.DeleteState(KeyMetrics)
			notify(base, host, metricsPluginName)
		},
		Clock: p.deps.Clock,
	})

	p.mu.Lock()
	p.ctx = ctx
	p.poller = pl
	p.mu.Unlock()

	pl.Start(ctx)
	return nil
}

// OnConnection resumes sampling when the poller went idle.
func (p *metricsPlugin) OnConnection(_ context.Context, _ *channel.Observer, _ plugin.Host) error {
	p.mu.Lock()
	ctx, pl := p.ctx, p.poller
	p.mu.Unlock()
	if pl != nil {
		pl.Start(ctx)
	}
	return nil
}

func (p *metricsPlugin) Stop(context.Context) error {
	p.mu.Lock()
	pl := p.poller
	p.mu.Unlock()
	if pl != nil {
		pl.Stop()
	}
	return nil
}

func (p *metricsPlugin) sample(ctx context.Context, host plugin.Host) {
	m, err := p.deps.Sampler.Sample(ctx)
	if err != nil {
		slog.Warn("Host metrics unavailable", logfields.Module(host.Name()), logfields.Error(err))
		host.SetState(KeyMetrics, false)
	} else {
		host.SetState(KeyMetrics, m)
	}
	notify(ctx, host, metricsPluginName)
}
