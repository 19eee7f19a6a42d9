package supervisor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"git.home.luguber.info/inful/applianced/internal/events"
	ferrors "git.home.luguber.info/inful/applianced/internal/foundation/errors"
	"git.home.luguber.info/inful/applianced/internal/logfields"
	"git.home.luguber.info/inful/applianced/internal/metrics"
	"git.home.luguber.info/inful/applianced/internal/retry"
	"git.home.luguber.info/inful/applianced/internal/watcher"
)

// Config wires a Supervisor.
type Config struct {
	// Module is reported on OperationFinished events and metrics.
	Module string
	Paths  Paths
	// Command is the shell command run by the detached unit.
	Command string
	// ProcessName is the command name searched by the liveness fallback.
	ProcessName  string
	PollInterval time.Duration
	// ExitStatus bounds how long a missing exit code is waited for.
	ExitStatus retry.Policy
	// PIDTimeout bounds how long Spawn waits for the unit to record its PID.
	PIDTimeout time.Duration
	// TailRetry is the watcher retry interval for a log file not yet created.
	TailRetry time.Duration

	Spawner   Spawner
	Processes ProcessTable
	Bus       *events.Bus
	Recorder  metrics.Recorder
}

// Supervisor owns at most one operation.
type Supervisor struct {
	cfg Config

	// spawnMu serializes Spawn and Acknowledge.
	spawnMu sync.Mutex

	mu       sync.Mutex
	status   Status
	cancel   context.CancelFunc
	done     chan struct{}
	tail     *watcher.Watcher
	onChange []func(Status)
	onLog    []func(string)
}

// New creates an idle supervisor. Call Attach to pick up an operation left by
// a previous daemon process.
func New(cfg Config) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ExitStatus.Initial <= 0 {
		cfg.ExitStatus = retry.DefaultPolicy()
	}
	if cfg.PIDTimeout <= 0 {
		cfg.PIDTimeout = 10 * time.Second
	}
	if cfg.Spawner == nil {
		cfg.Spawner = LauncherSpawner{}
	}
	if cfg.Processes == nil {
		cfg.Processes = SystemProcesses{}
	}
	if cfg.Recorder == nil {
		cfg.Recorder = metrics.NoopRecorder{}
	}
	return &Supervisor{cfg: cfg, status: Status{State: StateAbsent}}
}

// OnChange registers a callback invoked after every status transition.
func (s *Supervisor) OnChange(fn func(Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// OnLog registers a callback receiving the full log contents on every change.
func (s *Supervisor) OnLog(fn func(string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLog = append(s.onLog, fn)
}

// Status returns the current status.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Log returns the current contents of the log artifact.
func (s *Supervisor) Log() string {
	data, err := os.ReadFile(s.cfg.Paths.Log)
	if err != nil {
		return ""
	}
	return string(data)
}

// Attach starts polling if the PID artifact records an operation.
func (s *Supervisor) Attach(ctx context.Context) error {
	s.spawnMu.Lock()
	defer s.spawnMu.Unlock()

	pid, err := s.readPID()
	if err != nil {
		return err
	}
	if pid == 0 {
		s.setStatus(Status{State: StateAbsent})
		return nil
	}
	slog.Info("Attaching to recorded operation", logfields.Module(s.cfg.Module), logfields.PID(pid))
	s.startPolling(ctx, pid)
	return nil
}

// Spawn launches the operation. It is rejected while the PID artifact is
// non-empty: ErrAlreadyInProgress if the process is alive, otherwise
// ErrAwaitingAcknowledge.
func (s *Supervisor) Spawn(ctx context.Context) error {
	s.spawnMu.Lock()
	defer s.spawnMu.Unlock()

	pid, err := s.readPID()
	if err != nil {
		return err
	}
	if pid != 0 {
		if s.Status().State == StateRunning || s.cfg.Processes.Alive(ctx, pid) {
			return ErrAlreadyInProgress
		}
		return ErrAwaitingAcknowledge
	}

	if err := s.prepareArtifacts(); err != nil {
		return err
	}

	slog.Info("Spawning operation", logfields.Module(s.cfg.Module), slog.String("command", s.cfg.Command))
	if err := s.cfg.Spawner.Spawn(ctx, s.cfg.Paths, s.cfg.Command); err != nil {
		return err
	}

	pid, err = s.waitForPID(ctx)
	if err != nil {
		return err
	}
	s.startPolling(ctx, pid)
	return nil
}

// Acknowledge clears a finished operation so a new one can be spawned.
func (s *Supervisor) Acknowledge(ctx context.Context) error {
	s.spawnMu.Lock()
	defer s.spawnMu.Unlock()

	pid, err := s.readPID()
	if err != nil {
		return err
	}
	if s.Status().State == StateRunning {
		return ErrStillRunning
	}
	if pid != 0 && s.cfg.Processes.Alive(ctx, pid) {
		return ErrStillRunning
	}

	s.stopPolling()
	for _, p := range []string{s.cfg.Paths.PID, s.cfg.Paths.Log, s.cfg.Paths.ExitStatus} {
		if err := os.Truncate(p, 0); err != nil && !errors.Is(err, os.ErrNotExist) {
			return ferrors.WrapError(err, ferrors.CategoryFileSystem, "failed to truncate operation artifact").
				WithContext("path", p).
				Build()
		}
	}
	slog.Info("Operation acknowledged", logfields.Module(s.cfg.Module))
	s.setStatus(Status{State: StateAbsent})
	return nil
}

// Probe computes the status from the artifacts alone, without polling. It is
// used by tools that inspect the operation from outside the daemon.
func (s *Supervisor) Probe(ctx context.Context) (Status, error) {
	pid, err := s.readPID()
	if err != nil {
		return Status{}, err
	}
	if pid == 0 {
		return Status{State: StateAbsent}, nil
	}
	if s.cfg.Processes.Alive(ctx, pid) {
		return Status{State: StateRunning, PID: pid}, nil
	}
	if found, ok := s.cfg.Processes.FindByName(ctx, s.cfg.ProcessName); ok {
		return Status{State: StateRunning, PID: found}, nil
	}

	code := UnknownExitCode
	if data, err := os.ReadFile(s.cfg.Paths.ExitStatus); err == nil {
		if c, perr := strconv.Atoi(string(bytes.TrimSpace(data))); perr == nil {
			code = c
		}
	}
	st := Status{State: StateFailed, PID: pid, ExitCode: &code, RebootRequired: s.rebootRequired()}
	if code == 0 {
		st.State = StateSucceeded
	}
	return st, nil
}

// Close stops polling and the log tail. The operation itself keeps running.
func (s *Supervisor) Close() {
	s.stopPolling()
}

func (s *Supervisor) prepareArtifacts() error {
	for _, p := range []string{s.cfg.Paths.PID, s.cfg.Paths.Log, s.cfg.Paths.ExitStatus} {
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			return ferrors.WrapError(err, ferrors.CategoryFileSystem, "failed to create artifact directory").
				WithContext("path", p).
				Build()
		}
	}
	for _, p := range []string{s.cfg.Paths.Log, s.cfg.Paths.ExitStatus} {
		if err := os.WriteFile(p, nil, 0o640); err != nil {
			return ferrors.WrapError(err, ferrors.CategoryFileSystem, "failed to reset operation artifact").
				WithContext("path", p).
				Build()
		}
	}
	return nil
}

func (s *Supervisor) readPID() (int, error) {
	data, err := os.ReadFile(s.cfg.Paths.PID)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, ferrors.WrapError(err, ferrors.CategoryFileSystem, "failed to read PID file").
			WithContext("path", s.cfg.Paths.PID).
			Build()
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		// Garbage still marks an operation as recorded.
		return -1, nil
	}
	return pid, nil
}

func (s *Supervisor) writePID(pid int) error {
	return os.WriteFile(s.cfg.Paths.PID, []byte(strconv.Itoa(pid)+"\n"), 0o640)
}

func (s *Supervisor) waitForPID(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PIDTimeout)
	defer cancel()

	var pid int
	err := backoff.Retry(func() error {
		p, err := s.readPID()
		if err != nil {
			return backoff.Permanent(err)
		}
		if p == 0 {
			return errors.New("PID not recorded yet")
		}
		pid = p
		return nil
	}, backoff.WithContext(backoff.NewConstantBackOff(50*time.Millisecond), ctx))
	if err != nil {
		return 0, ferrors.WrapError(err, ferrors.CategoryOperation, "operation did not record its PID").
			WithContext("path", s.cfg.Paths.PID).
			Build()
	}
	return pid, nil
}

func (s *Supervisor) startPolling(ctx context.Context, pid int) {
	s.stopPolling()

	s.setStatus(Status{State: StateRunning, PID: pid})

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	tail, err := watcher.New(s.cfg.TailRetry)
	if err != nil {
		slog.Warn("Operation log tail unavailable", logfields.Module(s.cfg.Module), logfields.Error(err))
	} else {
		tail.OnChange(func(string) { s.emitLog() })
		tail.Add(s.cfg.Paths.Log)
	}

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.tail = tail
	s.mu.Unlock()

	go s.poll(loopCtx, done, pid)
}

// stopPolling cancels the loop and waits for it. Must not be called from
// the loop goroutine.
func (s *Supervisor) stopPolling() {
	s.mu.Lock()
	cancel, done, tail := s.cancel, s.done, s.tail
	s.cancel, s.done, s.tail = nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if tail != nil {
		_ = tail.Close()
	}
}

func (s *Supervisor) poll(ctx context.Context, done chan struct{}, pid int) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if s.cfg.Processes.Alive(ctx, pid) {
			continue
		}
		if found, ok := s.cfg.Processes.FindByName(ctx, s.cfg.ProcessName); ok {
			if found != pid {
				slog.Info("Operation PID reassigned",
					logfields.Module(s.cfg.Module), logfields.PID(found), slog.Int("previous_pid", pid))
				if err := s.writePID(found); err != nil {
					slog.Error("Failed to persist discovered PID", logfields.Path(s.cfg.Paths.PID), logfields.Error(err))
				}
				pid = found
				s.setStatus(Status{State: StateRunning, PID: pid})
			}
			continue
		}

		s.finish(ctx, pid)
		return
	}
}

func (s *Supervisor) finish(ctx context.Context, pid int) {
	code, err := s.readExitStatus(ctx)
	if err != nil {
		slog.Warn("Exit status unreadable, treating operation as failed",
			logfields.Module(s.cfg.Module), logfields.Path(s.cfg.Paths.ExitStatus), logfields.Error(err))
		code = UnknownExitCode
	}
	if ctx.Err() != nil {
		return
	}

	st := Status{State: StateFailed, PID: pid, ExitCode: &code, RebootRequired: s.rebootRequired()}
	if code == 0 {
		st.State = StateSucceeded
	}

	s.mu.Lock()
	tail := s.tail
	s.tail = nil
	s.mu.Unlock()
	if tail != nil {
		_ = tail.Close()
	}
	s.emitLog()

	slog.Info("Operation finished", logfields.Module(s.cfg.Module), logfields.PID(pid),
		slog.String("state", string(st.State)), slog.Int("exit_code", code),
		slog.Bool("reboot_required", st.RebootRequired))
	s.cfg.Recorder.IncOperationOutcome(s.cfg.Module, string(st.State))
	s.setStatus(st)

	if s.cfg.Bus != nil {
		evt := events.OperationFinished{
			Module:         s.cfg.Module,
			State:          string(st.State),
			ExitCode:       code,
			RebootRequired: st.RebootRequired,
			At:             time.Now(),
		}
		if err := s.cfg.Bus.Publish(ctx, evt); err != nil {
			slog.Warn("Failed to publish operation result", logfields.Module(s.cfg.Module), logfields.Error(err))
		}
	}
}

// readExitStatus retries until the exit code is written or the policy is exhausted.
func (s *Supervisor) readExitStatus(ctx context.Context) (int, error) {
	var code int
	err := backoff.Retry(func() error {
		data, err := os.ReadFile(s.cfg.Paths.ExitStatus)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		raw := string(bytes.TrimSpace(data))
		if raw == "" {
			return errors.New("exit status not written yet")
		}
		c, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		code = c
		return nil
	}, s.cfg.ExitStatus.BackOff(ctx))
	return code, err
}

func (s *Supervisor) rebootRequired() bool {
	if s.cfg.Paths.RebootRequired == "" {
		return false
	}
	_, err := os.Stat(s.cfg.Paths.RebootRequired)
	return err == nil
}

func (s *Supervisor) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	callbacks := append([]func(Status){}, s.onChange...)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(st)
	}
}

func (s *Supervisor) emitLog() {
	s.mu.Lock()
	callbacks := append([]func(string){}, s.onLog...)
	s.mu.Unlock()
	if len(callbacks) == 0 {
		return
	}
	content := s.Log()
	for _, fn := range callbacks {
		fn(content)
	}
}
