// Package poller runs a refresh callback on an interval only while a module
// has observers, and discards what it maintained once they have been gone
// for a grace period.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/applianced/internal/logfields"
)

// Config describes one poller.
type Config struct {
	Name     string
	Interval time.Duration
	// TTL is how long the poller keeps running without observers.
	TTL time.Duration
	// Observers reports the current observer count of the owning module.
	Observers func() int
	// Tick refreshes the maintained value.
	Tick func(ctx context.Context)
	// Purge discards the maintained value when the poller goes idle.
	Purge func()
	Clock clockwork.Clock
}

// Poller is idle until Start, then ticks immediately and every Interval.
// After TTL without observers it stops and purges.
type Poller struct {
	cfg Config

	mu       sync.Mutex
	running  bool
	stop     chan struct{}
	done     chan struct{}
	ticker   clockwork.Ticker
	grace    clockwork.Timer
	graceGen uint64
}

// New creates an idle poller.
func New(cfg Config) *Poller {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Observers == nil {
		cfg.Observers = func() int { return 0 }
	}
	if cfg.Purge == nil {
		cfg.Purge = func() {}
	}
	return &Poller{cfg: cfg}
}

// Start resumes ticking immediately when idle. When already running it only
// cancels a pending grace timer if observers are present.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		if p.cfg.Observers() > 0 {
			p.cancelGraceLocked()
		}
		return
	}

	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	p.ticker = p.cfg.Clock.NewTicker(p.cfg.Interval)
	slog.Debug("Poller started", slog.String("poller", p.cfg.Name))

	go p.run(ctx, p.ticker, p.stop, p.done)
}

// Stop halts ticking without purging. It waits for an in-flight tick.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	done := p.haltLocked()
	p.mu.Unlock()
	<-done
}

// Running reports whether the poller is ticking.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) run(ctx context.Context, ticker clockwork.Ticker, stop, done chan struct{}) {
	defer close(done)

	p.onTick(ctx)
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			p.mu.Lock()
			if p.stop == stop {
				p.haltLocked()
			}
			p.mu.Unlock()
			return
		case <-ticker.Chan():
			p.onTick(ctx)
		}
	}
}

func (p *Poller) onTick(ctx context.Context) {
	p.mu.Lock()
	if p.cfg.Observers() == 0 {
		if p.grace == nil {
			p.graceGen++
			gen := p.graceGen
			p.grace = p.cfg.Clock.AfterFunc(p.cfg.TTL, func() { p.expire(gen) })
		}
	} else {
		p.cancelGraceLocked()
	}
	p.mu.Unlock()

	p.cfg.Tick(ctx)
}

// expire stops the poller and purges, unless the grace timer was cancelled
// or replaced in the meantime.
func (p *Poller) expire(gen uint64) {
	p.mu.Lock()
	if !p.running || p.grace == nil || p.graceGen != gen {
		p.mu.Unlock()
		return
	}
	done := p.haltLocked()
	p.mu.Unlock()

	// Let an in-flight tick finish so it cannot repopulate after the purge.
	<-done

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	slog.Debug("Poller idle, purging", slog.String("poller", p.cfg.Name), logfields.DurationMS(float64(p.cfg.TTL.Milliseconds())))
	p.cfg.Purge()
}

func (p *Poller) haltLocked() chan struct{} {
	p.running = false
	close(p.stop)
	p.stop = nil
	p.ticker.Stop()
	p.cancelGraceLocked()
	return p.done
}

func (p *Poller) cancelGraceLocked() {
	if p.grace != nil {
		p.grace.Stop()
		p.grace = nil
	}
}
