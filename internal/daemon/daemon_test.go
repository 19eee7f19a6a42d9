package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/applianced/internal/config"
	"git.home.luguber.info/inful/applianced/internal/events"
	"git.home.luguber.info/inful/applianced/internal/transport"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Daemon.Listen = "127.0.0.1:0"
	cfg.Daemon.DataDir = filepath.Join(dir, "data")
	cfg.Daemon.ShutdownTimeout = "5s"
	cfg.Queue.Database = filepath.Join(dir, "data", "jobs.db")

	doc := filepath.Join(dir, "configuration.yaml")
	require.NoError(t, os.WriteFile(doc, []byte("hostname: appliance\n"), 0o600))
	h := &cfg.Modules.Host
	h.ConfigurationFile = doc
	h.Supervisor.PIDFile = filepath.Join(dir, "upgrade.pid")
	h.Supervisor.LogFile = filepath.Join(dir, "upgrade.log")
	h.Supervisor.ExitStatusFile = filepath.Join(dir, "upgrade.exit")
	h.Supervisor.RebootRequiredFile = filepath.Join(dir, "reboot-required")
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(nil, "")
	require.Error(t, err)
}

func TestDaemonRunServesAndStops(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, "")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, d.GetStatus())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return d.GetStatus() == StatusRunning }, 5*time.Second, 10*time.Millisecond)
	base := "http://" + d.Addr().String()

	resp, err := http.Get(base + "/api/modules")
	require.NoError(t, err)
	var infos []transport.ModuleInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
	_ = resp.Body.Close()
	require.Len(t, infos, 1)
	assert.Equal(t, "host", infos[0].Name)
	assert.Equal(t, []string{"configuration", "logs", "metrics", "updates"}, infos[0].Plugins)

	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	snapshot := d.Modules()[0].Snapshot()
	assert.Equal(t, map[string]any{"hostname": "appliance"}, snapshot["configuration"])

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.Equal(t, StatusStopped, d.GetStatus())
}

func TestDisabledPluginsAreExcluded(t *testing.T) {
	cfg := testConfig(t)
	cfg.Modules.Host.DisabledPlugins = []string{"logs", "metrics"}
	d, err := New(cfg, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.store.Close() })

	assert.Equal(t, []string{"configuration", "updates"}, d.Modules()[0].Plugins())
}

func TestConfigWatcherPublishesOnChange(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	ch, unsubscribe := events.Subscribe[events.ConfigurationUpdated](bus, 4)
	defer unsubscribe()

	path := filepath.Join(t.TempDir(), "applianced.yaml")
	require.NoError(t, os.WriteFile(path, []byte("daemon:\n  listen: 127.0.0.1:8420\n"), 0o600))

	w, err := newConfigWatcher(t.Context(), path, bus)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, os.WriteFile(path, []byte("daemon:\n  listen: 127.0.0.1:9000\n"), 0o600))
	select {
	case evt := <-ch:
		assert.Equal(t, configReloadSource, evt.Source)
	case <-time.After(3 * time.Second):
		t.Fatal("no configuration:updated event")
	}
}
