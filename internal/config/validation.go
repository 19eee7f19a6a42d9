package config

import (
	"sort"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"

	ferrors "git.home.luguber.info/inful/applianced/internal/foundation/errors"
)

// Validate checks a defaulted configuration for consistency.
func Validate(cfg *Config) error {
	v := &configurationValidator{cfg: cfg}
	return v.validate()
}

type configurationValidator struct {
	cfg *Config
}

func (v *configurationValidator) validate() error {
	checks := []func() error{
		v.validateDurations,
		v.validateQueue,
		v.validateSchedule,
		v.validateSupervisor,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (v *configurationValidator) validateDurations() error {
	host := v.cfg.Modules.Host
	fields := map[string]string{
		"daemon.shutdown_timeout":                     v.cfg.Daemon.ShutdownTimeout,
		"queue.poll_interval":                         v.cfg.Queue.PollInterval,
		"modules.host.metrics.interval":               host.Metrics.Interval,
		"modules.host.metrics.ttl":                    host.Metrics.TTL,
		"modules.host.supervisor.poll_interval":       host.Supervisor.PollInterval,
		"modules.host.supervisor.exit_status_backoff": host.Supervisor.ExitStatusBackoff,
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, field := range names {
		raw := fields[field]
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return ferrors.ValidationError("invalid duration").
				WithContext("field", field).
				WithContext("value", raw).
				Build()
		}
	}
	return nil
}

func (v *configurationValidator) validateQueue() error {
	if strings.TrimSpace(v.cfg.Queue.Database) == "" {
		return ferrors.ValidationError("queue.database is required").Build()
	}
	return nil
}

func (v *configurationValidator) validateSchedule() error {
	expr := v.cfg.Modules.Host.Updates.CheckSchedule
	s, err := gocron.NewScheduler()
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryInternal, "failed to create scheduler for validation").Build()
	}
	defer func() { _ = s.Shutdown() }()

	if _, err := s.NewJob(gocron.CronJob(expr, false), gocron.NewTask(func() {})); err != nil {
		return ferrors.ValidationError("invalid cron expression").
			WithContext("field", "modules.host.updates.check_schedule").
			WithContext("value", expr).
			Build()
	}
	return nil
}

func (v *configurationValidator) validateSupervisor() error {
	s := v.cfg.Modules.Host.Supervisor
	if strings.TrimSpace(v.cfg.Modules.Host.Updates.UpgradeCommand) == "" {
		return ferrors.ValidationError("modules.host.updates.upgrade_command is required").Build()
	}
	artifacts := []struct{ field, path string }{
		{"pid_file", s.PIDFile},
		{"log_file", s.LogFile},
		{"exit_status_file", s.ExitStatusFile},
	}
	seen := make(map[string]string, len(artifacts))
	for _, a := range artifacts {
		if strings.TrimSpace(a.path) == "" {
			return ferrors.ValidationError("supervisor artifact path is required").
				WithContext("field", "modules.host.supervisor."+a.field).
				Build()
		}
		if other, dup := seen[a.path]; dup {
			return ferrors.ValidationError("supervisor artifact paths must be distinct").
				WithContext("field", "modules.host.supervisor."+a.field).
				WithContext("conflicts_with", other).
				Build()
		}
		seen[a.path] = a.field
	}
	return nil
}
