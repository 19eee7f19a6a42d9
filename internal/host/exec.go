package host

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	ferrors "git.home.luguber.info/inful/applianced/internal/foundation/errors"
)

// CommandRunner runs a command to completion and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, argv []string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, ferrors.ValidationError("empty command").Build()
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) //nolint:gosec // commands come from daemon configuration
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, ferrors.WrapError(err, ferrors.CategoryCommand, "command failed").
			WithContext("command", strings.Join(argv, " ")).
			WithContext("stderr", strings.TrimSpace(stderr.String())).
			Build()
	}
	return out, nil
}

// Streamer starts a long-running command and feeds its output lines to
// onLine until the returned closer is closed or the command exits.
type Streamer interface {
	Stream(argv []string, onLine func(string)) (io.Closer, error)
}

// ExecStreamer streams with os/exec.
type ExecStreamer struct{}

func (ExecStreamer) Stream(argv []string, onLine func(string)) (io.Closer, error) {
	if len(argv) == 0 {
		return nil, ferrors.ValidationError("empty command").Build()
	}
	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // commands come from daemon configuration
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryCommand, "failed to open stream").Build()
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryCommand, "failed to start stream").
			WithContext("command", strings.Join(argv, " ")).
			Build()
	}

	s := &stream{cmd: cmd, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			s.delivering.Store(true)
			onLine(scanner.Text())
			s.delivering.Store(false)
		}
		_ = cmd.Wait()
	}()
	return s, nil
}

type stream struct {
	cmd  *exec.Cmd
	done chan struct{}
	once sync.Once
	// delivering is set while onLine runs on the reader goroutine.
	delivering atomic.Bool
}

// Close kills the process group and waits for the reader to reap it. While a
// line is being delivered it only signals, so onLine may close its own stream;
// the reader then exits once the output drains.
func (s *stream) Close() error {
	s.once.Do(func() {
		if s.cmd.Process != nil {
			_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGTERM)
		}
	})
	if s.delivering.Load() {
		return nil
	}
	<-s.done
	return nil
}

// Done is closed once the command has exited and been reaped.
func (s *stream) Done() <-chan struct{} { return s.done }
