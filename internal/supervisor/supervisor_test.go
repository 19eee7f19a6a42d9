package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/applianced/internal/events"
	ferrors "git.home.luguber.info/inful/applianced/internal/foundation/errors"
	"git.home.luguber.info/inful/applianced/internal/retry"
)

type fakeProcesses struct {
	mu     sync.Mutex
	alive  map[int]bool
	byName map[string]int
}

func newFakeProcesses() *fakeProcesses {
	return &fakeProcesses{alive: map[int]bool{}, byName: map[string]int{}}
}

func (f *fakeProcesses) set(pid int, alive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[pid] = alive
}

func (f *fakeProcesses) setName(name string, pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pid == 0 {
		delete(f.byName, name)
		return
	}
	f.byName[name] = pid
}

func (f *fakeProcesses) Alive(_ context.Context, pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeProcesses) FindByName(_ context.Context, name string) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pid, ok := f.byName[name]
	return pid, ok
}

type fakeSpawner struct {
	pid   int
	procs *fakeProcesses
	calls atomic.Int32
}

func (f *fakeSpawner) Spawn(_ context.Context, paths Paths, _ string) error {
	f.calls.Add(1)
	f.procs.set(f.pid, true)
	return os.WriteFile(paths.PID, []byte(strconv.Itoa(f.pid)+"\n"), 0o600)
}

type harness struct {
	sup     *Supervisor
	paths   Paths
	procs   *fakeProcesses
	spawner *fakeSpawner
}

func newHarness(t *testing.T, retries int) *harness {
	t.Helper()
	dir := t.TempDir()
	paths := Paths{
		PID:            filepath.Join(dir, "upgrade.pid"),
		Log:            filepath.Join(dir, "upgrade.log"),
		ExitStatus:     filepath.Join(dir, "upgrade.exit"),
		RebootRequired: filepath.Join(dir, "reboot-required"),
	}
	procs := newFakeProcesses()
	spawner := &fakeSpawner{pid: 4242, procs: procs}
	sup := New(Config{
		Module:       "host",
		Paths:        paths,
		Command:      "apt-get -y dist-upgrade",
		ProcessName:  "apt-get",
		PollInterval: 10 * time.Millisecond,
		ExitStatus:   retry.Fixed(20*time.Millisecond, retries),
		TailRetry:    20 * time.Millisecond,
		Spawner:      spawner,
		Processes:    procs,
	})
	t.Cleanup(sup.Close)
	return &harness{sup: sup, paths: paths, procs: procs, spawner: spawner}
}

func (h *harness) waitState(t *testing.T, want State) Status {
	t.Helper()
	require.Eventually(t, func() bool { return h.sup.Status().State == want }, 3*time.Second, 5*time.Millisecond)
	return h.sup.Status()
}

func TestSpawnAndSucceed(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()

	require.NoError(t, h.sup.Spawn(ctx))
	assert.Equal(t, Status{State: StateRunning, PID: 4242}, h.sup.Status())

	require.NoError(t, os.WriteFile(h.paths.ExitStatus, []byte("0\n"), 0o600))
	h.procs.set(4242, false)

	st := h.waitState(t, StateSucceeded)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 0, *st.ExitCode)
	assert.False(t, st.RebootRequired)
}

func TestFailureReportsRebootMarker(t *testing.T) {
	h := newHarness(t, 5)
	require.NoError(t, os.WriteFile(h.paths.RebootRequired, nil, 0o600))
	require.NoError(t, h.sup.Spawn(context.Background()))

	require.NoError(t, os.WriteFile(h.paths.ExitStatus, []byte("100"), 0o600))
	h.procs.set(4242, false)

	st := h.waitState(t, StateFailed)
	assert.Equal(t, 100, *st.ExitCode)
	assert.True(t, st.RebootRequired)
}

func TestSpawnRejectedWhilePIDRecorded(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()

	require.NoError(t, h.sup.Spawn(ctx))
	err := h.sup.Spawn(ctx)
	require.ErrorIs(t, err, ErrAlreadyInProgress)
	assert.True(t, ferrors.HasCategory(err, ferrors.CategoryOperation))
	assert.Equal(t, int32(1), h.spawner.calls.Load())
}

func TestConcurrentSpawnsStartOneProcess(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = h.sup.Spawn(ctx)
		}()
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, ErrAlreadyInProgress)
			failures++
		}
	}
	assert.Equal(t, 1, failures)
	assert.Equal(t, int32(1), h.spawner.calls.Load())
}

func TestSpawnAfterFinishRequiresAcknowledge(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()

	require.NoError(t, h.sup.Spawn(ctx))
	require.NoError(t, os.WriteFile(h.paths.ExitStatus, []byte("0"), 0o600))
	h.procs.set(4242, false)
	h.waitState(t, StateSucceeded)

	require.ErrorIs(t, h.sup.Spawn(ctx), ErrAwaitingAcknowledge)

	require.NoError(t, h.sup.Acknowledge(ctx))
	assert.Equal(t, Status{State: StateAbsent}, h.sup.Status())
	for _, p := range []string{h.paths.PID, h.paths.Log, h.paths.ExitStatus} {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.Empty(t, data, p)
	}

	require.NoError(t, h.sup.Spawn(ctx))
	assert.Equal(t, int32(2), h.spawner.calls.Load())
}

func TestAcknowledgeRejectedWhileRunning(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()
	require.NoError(t, h.sup.Spawn(ctx))

	require.ErrorIs(t, h.sup.Acknowledge(ctx), ErrStillRunning)
	assert.Equal(t, StateRunning, h.sup.Status().State)
}

func TestAttachResumesWithoutRespawning(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()

	// A previous daemon left the PID of a live process behind.
	pid := os.Getpid()
	require.NoError(t, os.WriteFile(h.paths.PID, []byte(strconv.Itoa(pid)), 0o600))

	restarted := New(Config{
		Module:       "host",
		Paths:        h.paths,
		Command:      "true",
		ProcessName:  "applianced-test-no-such-process",
		PollInterval: 10 * time.Millisecond,
		Spawner:      h.spawner,
		Processes:    SystemProcesses{},
	})
	defer restarted.Close()

	require.NoError(t, restarted.Attach(ctx))
	assert.Equal(t, Status{State: StateRunning, PID: pid}, restarted.Status())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateRunning, restarted.Status().State)
	require.ErrorIs(t, restarted.Spawn(ctx), ErrAlreadyInProgress)
	assert.Zero(t, h.spawner.calls.Load())
}

func TestAttachWithoutPIDIsAbsent(t *testing.T) {
	h := newHarness(t, 5)
	require.NoError(t, h.sup.Attach(context.Background()))
	assert.Equal(t, Status{State: StateAbsent}, h.sup.Status())
}

func TestLivenessFallbackRepersistsPID(t *testing.T) {
	h := newHarness(t, 5)
	require.NoError(t, h.sup.Spawn(context.Background()))

	h.procs.set(7777, true)
	h.procs.setName("apt-get", 7777)
	h.procs.set(4242, false)

	require.Eventually(t, func() bool { return h.sup.Status().PID == 7777 }, 3*time.Second, 5*time.Millisecond)
	data, err := os.ReadFile(h.paths.PID)
	require.NoError(t, err)
	assert.Equal(t, "7777\n", string(data))
	assert.Equal(t, StateRunning, h.sup.Status().State)

	require.NoError(t, os.WriteFile(h.paths.ExitStatus, []byte("0"), 0o600))
	h.procs.setName("apt-get", 0)
	h.procs.set(7777, false)
	st := h.waitState(t, StateSucceeded)
	assert.Equal(t, 7777, st.PID)
}

func TestDelayedExitStatusIsAwaited(t *testing.T) {
	h := newHarness(t, 5)
	require.NoError(t, h.sup.Spawn(context.Background()))

	h.procs.set(4242, false)
	// Written after roughly three of the five 20ms retries.
	time.AfterFunc(60*time.Millisecond, func() {
		_ = os.WriteFile(h.paths.ExitStatus, []byte("0\n"), 0o600)
	})

	st := h.waitState(t, StateSucceeded)
	assert.Equal(t, 0, *st.ExitCode)
}

func TestMissingExitStatusFails(t *testing.T) {
	h := newHarness(t, 3)
	require.NoError(t, h.sup.Spawn(context.Background()))
	h.procs.set(4242, false)

	st := h.waitState(t, StateFailed)
	assert.Equal(t, UnknownExitCode, *st.ExitCode)
}

func TestUnparseableExitStatusFails(t *testing.T) {
	h := newHarness(t, 2)
	require.NoError(t, h.sup.Spawn(context.Background()))
	require.NoError(t, os.WriteFile(h.paths.ExitStatus, []byte("garbage"), 0o600))
	h.procs.set(4242, false)

	st := h.waitState(t, StateFailed)
	assert.Equal(t, UnknownExitCode, *st.ExitCode)
}

func TestFinishPublishesOperationFinished(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	ch, unsubscribe := events.Subscribe[events.OperationFinished](bus, 1)
	defer unsubscribe()

	h := newHarness(t, 5)
	h.sup.cfg.Bus = bus
	require.NoError(t, h.sup.Spawn(context.Background()))
	require.NoError(t, os.WriteFile(h.paths.ExitStatus, []byte("2"), 0o600))
	h.procs.set(4242, false)

	select {
	case evt := <-ch:
		assert.Equal(t, "host", evt.Module)
		assert.Equal(t, string(StateFailed), evt.State)
		assert.Equal(t, 2, evt.ExitCode)
	case <-time.After(3 * time.Second):
		t.Fatal("no OperationFinished event")
	}
}

func TestLogTailEmitsFullContents(t *testing.T) {
	h := newHarness(t, 5)
	var mu sync.Mutex
	var last string
	h.sup.OnLog(func(s string) {
		mu.Lock()
		defer mu.Unlock()
		last = s
	})
	require.NoError(t, h.sup.Spawn(context.Background()))

	f, err := os.OpenFile(h.paths.Log, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("Reading package lists...\n")
	require.NoError(t, err)
	_, err = f.WriteString("Done\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last == "Reading package lists...\nDone\n"
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, "Reading package lists...\nDone\n", h.sup.Log())
}

func TestOnChangeSeesTransitions(t *testing.T) {
	h := newHarness(t, 5)
	var mu sync.Mutex
	var states []State
	h.sup.OnChange(func(st Status) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, st.State)
	})

	require.NoError(t, h.sup.Spawn(context.Background()))
	require.NoError(t, os.WriteFile(h.paths.ExitStatus, []byte("0"), 0o600))
	h.procs.set(4242, false)
	h.waitState(t, StateSucceeded)
	require.NoError(t, h.sup.Acknowledge(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateRunning, StateSucceeded, StateAbsent}, states)
}

func TestLauncherSpawnerCommand(t *testing.T) {
	paths := Paths{PID: "/run/op.pid", Log: "/run/op.log", ExitStatus: "/run/op.exit"}

	cmd := LauncherSpawner{Launcher: []string{"systemd-run", "--collect", "--"}}.Command(paths, "apt-get update")
	assert.Equal(t, []string{
		"systemd-run", "--collect", "--",
		"sh", "-c", wrapperScript, "applianced-operation",
		"/run/op.pid", "/run/op.log", "/run/op.exit", "apt-get update",
	}, cmd.Args)
	assert.Nil(t, cmd.SysProcAttr)

	direct := LauncherSpawner{}.Command(paths, "true")
	assert.Equal(t, "sh", direct.Args[0])
	require.NotNil(t, direct.SysProcAttr)
	assert.True(t, direct.SysProcAttr.Setsid)
}

func TestLauncherSpawnerWritesArtifacts(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	dir := t.TempDir()
	paths := Paths{
		PID:        filepath.Join(dir, "op.pid"),
		Log:        filepath.Join(dir, "op.log"),
		ExitStatus: filepath.Join(dir, "op.exit"),
	}
	require.NoError(t, LauncherSpawner{}.Spawn(context.Background(), paths, "echo hello; exit 3"))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(paths.ExitStatus)
		return err == nil && len(data) > 0
	}, 5*time.Second, 10*time.Millisecond)

	exit, _ := os.ReadFile(paths.ExitStatus)
	assert.Equal(t, "3\n", string(exit))
	log, _ := os.ReadFile(paths.Log)
	assert.Equal(t, "hello\n", string(log))
	pid, _ := os.ReadFile(paths.PID)
	assert.NotEmpty(t, pid)
}

func TestProbeReadsArtifacts(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()

	st, err := h.sup.Probe(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateAbsent, st.State)

	require.NoError(t, os.WriteFile(h.paths.PID, []byte("4242"), 0o600))
	h.procs.set(4242, true)
	st, err = h.sup.Probe(ctx)
	require.NoError(t, err)
	assert.Equal(t, Status{State: StateRunning, PID: 4242}, st)

	h.procs.set(4242, false)
	require.NoError(t, os.WriteFile(h.paths.ExitStatus, []byte("0\n"), 0o600))
	st, err = h.sup.Probe(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, st.State)

	require.NoError(t, os.WriteFile(h.paths.ExitStatus, nil, 0o600))
	st, err = h.sup.Probe(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, UnknownExitCode, *st.ExitCode)
}
