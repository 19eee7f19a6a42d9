package daemon

import (
	"context"
	"log/slog"
	"os"
	"time"

	"git.home.luguber.info/inful/applianced/internal/config"
	"git.home.luguber.info/inful/applianced/internal/events"
	"git.home.luguber.info/inful/applianced/internal/logfields"
	"git.home.luguber.info/inful/applianced/internal/watcher"
)

// configReloadSource tags events caused by the daemon config file.
const configReloadSource = "daemon-config"

// newConfigWatcher publishes configuration:updated whenever the daemon
// config file changes and still parses. Settings that need a restart are
// not applied; modules only reload their cached state.
func newConfigWatcher(ctx context.Context, path string, bus *events.Bus) (*watcher.Watcher, error) {
	w, err := watcher.New(watcher.DefaultRetryInterval)
	if err != nil {
		return nil, err
	}
	base := context.WithoutCancel(ctx)

	w.OnChange(func(changed string) {
		data, err := os.ReadFile(changed)
		if err != nil {
			slog.Warn("Config file unreadable, ignoring change", logfields.Path(changed), logfields.Error(err))
			return
		}
		if _, err := config.Parse(data); err != nil {
			slog.Error("Config file invalid, ignoring change", logfields.Path(changed), logfields.Error(err))
			return
		}
		slog.Info("Config file changed", logfields.Path(changed))

		pubCtx, cancel := context.WithTimeout(base, 5*time.Second)
		defer cancel()
		if err := bus.Publish(pubCtx, events.ConfigurationUpdated{Source: configReloadSource, At: time.Now()}); err != nil {
			slog.Warn("Failed to publish configuration update", logfields.Error(err))
		}
	})
	w.Add(path)
	return w, nil
}
