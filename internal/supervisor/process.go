package supervisor

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessTable answers liveness questions about OS processes.
type ProcessTable interface {
	Alive(ctx context.Context, pid int) bool
	// FindByName returns the PID of a running process with the given command name.
	FindByName(ctx context.Context, name string) (int, bool)
}

// SystemProcesses is the gopsutil-backed ProcessTable.
type SystemProcesses struct{}

func (SystemProcesses) Alive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExistsWithContext(ctx, int32(pid)) //nolint:gosec // PIDs fit in int32
	return err == nil && alive
}

func (SystemProcesses) FindByName(ctx context.Context, name string) (int, bool) {
	if name == "" {
		return 0, false
	}
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, false
	}
	self := int32(os.Getpid()) //nolint:gosec // PIDs fit in int32
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		n, err := p.NameWithContext(ctx)
		if err != nil || n != name {
			continue
		}
		if running, err := p.IsRunningWithContext(ctx); err == nil && running {
			return int(p.Pid), true
		}
	}
	return 0, false
}
