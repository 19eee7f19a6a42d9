package host

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/applianced/internal/events"
	ferrors "git.home.luguber.info/inful/applianced/internal/foundation/errors"
	"git.home.luguber.info/inful/applianced/internal/logfields"
	"git.home.luguber.info/inful/applianced/internal/plugin"
	"git.home.luguber.info/inful/applianced/internal/watcher"
)

const configurationPluginName = "configuration"

// configurationPlugin mirrors the appliance configuration document into
// state and announces changes to it.
type configurationPlugin struct {
	plugin.Base
	path  string
	retry time.Duration

	mu sync.Mutex
	w  *watcher.Watcher
}

func newConfigurationPlugin(deps Deps) (*configurationPlugin, error) {
	if deps.Config.ConfigurationFile == "" {
		return nil, ferrors.ConfigError("configuration file path is required").Build()
	}
	return &configurationPlugin{path: deps.Config.ConfigurationFile, retry: deps.WatchRetry}, nil
}

func (p *configurationPlugin) Metadata() plugin.Metadata {
	return metadata(configurationPluginName, "Appliance configuration document")
}

func (p *configurationPlugin) Reload(_ context.Context, host plugin.Host) error {
	doc, err := readDocument(p.path)
	if err != nil {
		host.SetState(KeyConfiguration, false)
		return err
	}
	host.SetState(KeyConfiguration, doc)
	return nil
}

func (p *configurationPlugin) Start(ctx context.Context, host plugin.Host) error {
	w, err := watcher.New(p.retry)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "failed to watch configuration document").Build()
	}
	base := context.WithoutCancel(ctx)
	w.OnChange(func(path string) {
		slog.Debug("Configuration document changed", logfields.Path(path))
		pubCtx, cancel := context.WithTimeout(base, publishTimeout)
		defer cancel()
		if err := host.Publish(pubCtx, events.ConfigurationUpdated{Source: path, At: time.Now()}); err != nil {
			slog.Warn("Failed to announce configuration change", logfields.Error(err))
		}
	})
	w.Add(p.path)

	p.mu.Lock()
	p.w = w
	p.mu.Unlock()
	return nil
}

func (p *configurationPlugin) Stop(context.Context) error {
	p.mu.Lock()
	w := p.w
	p.w = nil
	p.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}

func readDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryFileSystem, "failed to read configuration document").
			WithContext("path", path).
			Build()
	}
	doc := map[string]any{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "invalid configuration document").
			WithContext("path", path).
			Build()
	}
	return doc, nil
}
