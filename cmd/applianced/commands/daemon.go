package commands

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"git.home.luguber.info/inful/applianced/internal/daemon"
	ferrors "git.home.luguber.info/inful/applianced/internal/foundation/errors"
	"git.home.luguber.info/inful/applianced/internal/version"
)

// DaemonCmd implements the 'daemon' command.
type DaemonCmd struct{}

func (d *DaemonCmd) Run(_ *Global, root *CLI) error {
	cfg, err := root.LoadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dmn, err := daemon.New(cfg, root.Config)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryDaemon, "failed to create daemon").Build()
	}

	slog.Info("Starting daemon", "version", version.Version, "listen", cfg.Daemon.Listen)
	if err := dmn.Run(ctx); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryDaemon, "daemon error").Build()
	}
	slog.Info("Daemon stopped")
	return nil
}
