package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	ferrors "git.home.luguber.info/inful/applianced/internal/foundation/errors"
)

// Config represents the daemon configuration.
type Config struct {
	Daemon  DaemonConfig  `yaml:"daemon"`
	Queue   QueueConfig   `yaml:"queue"`
	Modules ModulesConfig `yaml:"modules"`
	NATS    NATSConfig    `yaml:"nats"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// DaemonConfig controls the HTTP listener and process-wide behavior.
type DaemonConfig struct {
	Listen          string `yaml:"listen"`
	DataDir         string `yaml:"data_dir"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	// RequireAdmin restricts job actions to observers flagged as admin by the proxy.
	RequireAdmin *bool `yaml:"require_admin,omitempty"`
	// WatchConfig republishes configuration:updated when this file changes.
	WatchConfig *bool `yaml:"watch_config,omitempty"`
}

// QueueConfig controls the bundled SQLite job queue.
type QueueConfig struct {
	Database     string `yaml:"database"`
	Workers      int    `yaml:"workers"`
	PollInterval string `yaml:"poll_interval"`
	Retention    int    `yaml:"retention"`
}

// ModulesConfig holds per-module settings.
type ModulesConfig struct {
	Host HostConfig `yaml:"host"`
}

// HostConfig configures the host module and its plugins.
type HostConfig struct {
	ConfigurationFile string            `yaml:"configuration_file"`
	Metrics           HostMetricsConfig `yaml:"metrics"`
	Updates           UpdatesConfig     `yaml:"updates"`
	Supervisor        SupervisorConfig  `yaml:"supervisor"`
	Logs              LogStreamConfig   `yaml:"logs"`
	DisabledPlugins   []string          `yaml:"disabled_plugins,omitempty"`
}

// HostMetricsConfig drives the idle poller sampling host statistics.
type HostMetricsConfig struct {
	Interval string `yaml:"interval"`
	TTL      string `yaml:"ttl"`
	DiskPath string `yaml:"disk_path"`
}

// UpdatesConfig describes the package update commands.
type UpdatesConfig struct {
	CheckSchedule  string   `yaml:"check_schedule"`
	RefreshCommand []string `yaml:"refresh_command"`
	ListCommand    []string `yaml:"list_command"`
	UpgradeCommand string   `yaml:"upgrade_command"`
}

// SupervisorConfig describes the artifacts and timing of the upgrade supervisor.
type SupervisorConfig struct {
	PIDFile            string           `yaml:"pid_file"`
	LogFile            string           `yaml:"log_file"`
	ExitStatusFile     string           `yaml:"exit_status_file"`
	RebootRequiredFile string           `yaml:"reboot_required_file"`
	ProcessName        string           `yaml:"process_name"`
	Launcher           []string         `yaml:"launcher"`
	PollInterval       string           `yaml:"poll_interval"`
	ExitStatusRetries  int              `yaml:"exit_status_retries"`
	ExitStatusBackoff  string           `yaml:"exit_status_backoff"`
	ExitStatusMode     RetryBackoffMode `yaml:"exit_status_mode"`
}

// LogStreamConfig configures per-observer log streams.
type LogStreamConfig struct {
	Command []string `yaml:"command"`
}

// NATSConfig enables event ingress from other processes. Empty URL disables it.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Path    string `yaml:"path"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

// Load loads configuration from the specified file.
//
// .env and .env.local are loaded first (existing environment wins), then
// ${VAR} references in the YAML are expanded.
func Load(configPath string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ferrors.ConfigError("configuration file not found").
				WithContext("path", configPath).
				Build()
		}
		return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "failed to read config file").
			WithContext("path", configPath).
			Build()
	}
	return Parse(data)
}

// Parse decodes, defaults and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "failed to unmarshal config").Build()
	}
	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a fully defaulted configuration.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func loadEnvFiles() {
	for _, name := range []string{".env", ".env.local"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			fmt.Fprintf(os.Stderr, "Note: %s could not be loaded: %v\n", name, err)
		}
	}
}

// duration parses a validated duration string, falling back on error.
func duration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// ShutdownDuration returns the graceful shutdown timeout.
func (d DaemonConfig) ShutdownDuration() time.Duration {
	return duration(d.ShutdownTimeout, 30*time.Second)
}

// AdminRequired reports whether job actions need an admin identity.
func (d DaemonConfig) AdminRequired() bool { return d.RequireAdmin == nil || *d.RequireAdmin }

// ConfigWatchEnabled reports whether the config file is watched.
func (d DaemonConfig) ConfigWatchEnabled() bool { return d.WatchConfig == nil || *d.WatchConfig }

// PollDuration returns the queue poll interval.
func (q QueueConfig) PollDuration() time.Duration { return duration(q.PollInterval, time.Second) }

// IntervalDuration returns the metrics sampling interval.
func (m HostMetricsConfig) IntervalDuration() time.Duration {
	return duration(m.Interval, 5*time.Second)
}

// TTLDuration returns the observer grace period.
func (m HostMetricsConfig) TTLDuration() time.Duration { return duration(m.TTL, time.Minute) }

// PollDuration returns the liveness poll interval.
func (s SupervisorConfig) PollDuration() time.Duration { return duration(s.PollInterval, time.Second) }

// ExitStatusBackoffDuration returns the exit-status retry backoff.
func (s SupervisorConfig) ExitStatusBackoffDuration() time.Duration {
	return duration(s.ExitStatusBackoff, 500*time.Millisecond)
}

// IsEnabled reports whether the metrics endpoint is served.
func (m MetricsConfig) IsEnabled() bool { return m.Enabled == nil || *m.Enabled }

// Enabled reports whether NATS ingress is configured.
func (n NATSConfig) Enabled() bool { return n.URL != "" }
