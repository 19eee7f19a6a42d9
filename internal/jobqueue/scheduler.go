package jobqueue

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"git.home.luguber.info/inful/applianced/internal/logfields"
)

// Scheduler wraps a gocron scheduler holding at most one cron job per key.
type Scheduler struct {
	scheduler gocron.Scheduler

	mu      sync.Mutex
	entries map[string]scheduleEntry
}

type scheduleEntry struct {
	id      uuid.UUID
	pattern string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler() (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Scheduler{
		scheduler: s,
		entries:   make(map[string]scheduleEntry),
	}, nil
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	slog.Info("Starting scheduler")
	s.scheduler.Start()
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	slog.Info("Stopping scheduler")
	return s.scheduler.Shutdown()
}

// Upsert installs task under key on a cron pattern. Installing the same
// pattern again is a no-op; a different pattern replaces the previous job.
func (s *Scheduler) Upsert(key, pattern string, task func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.entries[key]
	if exists && prev.pattern == pattern {
		return nil
	}

	job, err := s.scheduler.NewJob(
		gocron.CronJob(pattern, false),
		gocron.NewTask(task),
		gocron.WithName(key),
	)
	if err != nil {
		return fmt.Errorf("failed to create cron job %q: %w", key, err)
	}

	if exists {
		if err := s.scheduler.RemoveJob(prev.id); err != nil {
			slog.Warn("Failed to remove replaced schedule", logfields.Schedule(key), logfields.Error(err))
		}
	}
	s.entries[key] = scheduleEntry{id: job.ID(), pattern: pattern}
	return nil
}

// Pattern returns the installed pattern for key.
func (s *Scheduler) Pattern(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e.pattern, ok
}

// Len returns the number of installed schedules.
func (s *Scheduler) Len() int {
	return len(s.scheduler.Jobs())
}
