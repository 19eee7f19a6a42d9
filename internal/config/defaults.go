package config

import "path/filepath"

// DefaultApplier applies defaults for a specific configuration domain.
type DefaultApplier interface {
	ApplyDefaults(cfg *Config)
	Domain() string
}

type daemonDefaults struct{}

func (daemonDefaults) Domain() string { return "daemon" }

func (daemonDefaults) ApplyDefaults(cfg *Config) {
	if cfg.Daemon.Listen == "" {
		cfg.Daemon.Listen = "127.0.0.1:8420"
	}
	if cfg.Daemon.DataDir == "" {
		cfg.Daemon.DataDir = "/var/lib/applianced"
	}
	if cfg.Daemon.ShutdownTimeout == "" {
		cfg.Daemon.ShutdownTimeout = "30s"
	}
}

type queueDefaults struct{}

func (queueDefaults) Domain() string { return "queue" }

func (queueDefaults) ApplyDefaults(cfg *Config) {
	if cfg.Queue.Database == "" {
		cfg.Queue.Database = filepath.Join(cfg.Daemon.DataDir, "jobs.db")
	}
	if cfg.Queue.Workers <= 0 {
		cfg.Queue.Workers = 2
	}
	if cfg.Queue.PollInterval == "" {
		cfg.Queue.PollInterval = "1s"
	}
	if cfg.Queue.Retention <= 0 {
		cfg.Queue.Retention = 50
	}
}

type hostDefaults struct{}

func (hostDefaults) Domain() string { return "modules.host" }

func (hostDefaults) ApplyDefaults(cfg *Config) {
	h := &cfg.Modules.Host
	if h.ConfigurationFile == "" {
		h.ConfigurationFile = "/etc/appliance/configuration.yaml"
	}
	if h.Metrics.Interval == "" {
		h.Metrics.Interval = "5s"
	}
	if h.Metrics.TTL == "" {
		h.Metrics.TTL = "1m"
	}
	if h.Metrics.DiskPath == "" {
		h.Metrics.DiskPath = "/"
	}
	if h.Updates.CheckSchedule == "" {
		h.Updates.CheckSchedule = "0 */6 * * *"
	}
	if len(h.Updates.RefreshCommand) == 0 {
		h.Updates.RefreshCommand = []string{"apt-get", "update", "-qq"}
	}
	if len(h.Updates.ListCommand) == 0 {
		h.Updates.ListCommand = []string{"apt", "list", "--upgradable"}
	}
	if h.Updates.UpgradeCommand == "" {
		h.Updates.UpgradeCommand = "DEBIAN_FRONTEND=noninteractive apt-get -y dist-upgrade"
	}

	s := &h.Supervisor
	stateDir := filepath.Join(cfg.Daemon.DataDir, "upgrade")
	if s.PIDFile == "" {
		s.PIDFile = filepath.Join(stateDir, "upgrade.pid")
	}
	if s.LogFile == "" {
		s.LogFile = filepath.Join(stateDir, "upgrade.log")
	}
	if s.ExitStatusFile == "" {
		s.ExitStatusFile = filepath.Join(stateDir, "upgrade.exit")
	}
	if s.RebootRequiredFile == "" {
		s.RebootRequiredFile = "/var/run/reboot-required"
	}
	if s.ProcessName == "" {
		s.ProcessName = "apt-get"
	}
	if len(s.Launcher) == 0 {
		s.Launcher = []string{"systemd-run", "--collect", "--quiet", "--"}
	}
	if s.PollInterval == "" {
		s.PollInterval = "1s"
	}
	if s.ExitStatusRetries <= 0 {
		s.ExitStatusRetries = 5
	}
	if s.ExitStatusBackoff == "" {
		s.ExitStatusBackoff = "500ms"
	}
	if m := NormalizeRetryBackoff(string(s.ExitStatusMode)); m != "" {
		s.ExitStatusMode = m
	} else {
		s.ExitStatusMode = RetryBackoffFixed
	}

	if len(h.Logs.Command) == 0 {
		h.Logs.Command = []string{"journalctl", "--follow", "--lines=100", "--output=short-iso"}
	}
}

type ingressDefaults struct{}

func (ingressDefaults) Domain() string { return "ingress" }

func (ingressDefaults) ApplyDefaults(cfg *Config) {
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "appliance.events"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

type loggingDefaults struct{}

func (loggingDefaults) Domain() string { return "logging" }

func (loggingDefaults) ApplyDefaults(cfg *Config) {
	cfg.Logging.Level = NormalizeLogLevel(string(cfg.Logging.Level))
	cfg.Logging.Format = NormalizeLogFormat(string(cfg.Logging.Format))
}

// defaultAppliers run in order; queue and supervisor paths derive from daemon.data_dir.
var defaultAppliers = []DefaultApplier{
	daemonDefaults{},
	queueDefaults{},
	hostDefaults{},
	ingressDefaults{},
	loggingDefaults{},
}

func applyDefaults(cfg *Config) {
	for _, applier := range defaultAppliers {
		applier.ApplyDefaults(cfg)
	}
}
