package supervisor

import (
	"context"
	"log/slog"
	"os/exec"
	"syscall"

	ferrors "git.home.luguber.info/inful/applianced/internal/foundation/errors"
	"git.home.luguber.info/inful/applianced/internal/logfields"
)

// Paths locates the operation artifacts.
type Paths struct {
	PID            string
	Log            string
	ExitStatus     string
	RebootRequired string
}

// Spawner launches command detached from the daemon. The launched unit must
// write its PID, append its output to the log and write its exit code.
type Spawner interface {
	Spawn(ctx context.Context, paths Paths, command string) error
}

// wrapperScript is run by sh with the artifact paths and the command as
// positional parameters.
const wrapperScript = `echo $$ > "$1"; sh -c "$4" >> "$2" 2>&1; echo $? > "$3"`

// LauncherSpawner runs the wrapper through a launcher such as
// "systemd-run --collect --quiet --" so the operation outlives the daemon.
// With no launcher the wrapper runs in its own session.
type LauncherSpawner struct {
	Launcher []string
}

// Command builds the process that starts the operation.
func (s LauncherSpawner) Command(paths Paths, command string) *exec.Cmd {
	args := make([]string, 0, len(s.Launcher)+7)
	args = append(args, s.Launcher...)
	args = append(args, "sh", "-c", wrapperScript, "applianced-operation",
		paths.PID, paths.Log, paths.ExitStatus, command)
	cmd := exec.Command(args[0], args[1:]...) //nolint:gosec // command comes from daemon configuration
	if len(s.Launcher) == 0 {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	}
	return cmd
}

func (s LauncherSpawner) Spawn(ctx context.Context, paths Paths, command string) error {
	cmd := s.Command(paths, command)

	if len(s.Launcher) > 0 {
		// The launcher returns once the unit is started.
		if out, err := cmd.CombinedOutput(); err != nil {
			return ferrors.WrapError(err, ferrors.CategoryCommand, "failed to launch operation").
				WithContext("launcher", s.Launcher[0]).
				WithContext("output", string(out)).
				Build()
		}
		return nil
	}

	if err := cmd.Start(); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryCommand, "failed to start operation").Build()
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			slog.Debug("Operation wrapper exited", logfields.PID(cmd.Process.Pid), logfields.Error(err))
		}
	}()
	return nil
}
