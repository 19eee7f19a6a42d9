package supervisor

import ferrors "git.home.luguber.info/inful/applianced/internal/foundation/errors"

// State is the lifecycle state of the supervised operation.
type State string

const (
	StateAbsent    State = "absent"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether the operation has finished.
func (s State) Terminal() bool { return s == StateSucceeded || s == StateFailed }

// Status is the externally visible view of the operation.
type Status struct {
	State          State `json:"state"`
	PID            int   `json:"pid,omitempty"`
	ExitCode       *int  `json:"exit_code,omitempty"`
	RebootRequired bool  `json:"reboot_required"`
}

// UnknownExitCode is reported when the exit-status artifact never became readable.
const UnknownExitCode = -1

var (
	// ErrAlreadyInProgress rejects a spawn while the recorded operation is alive.
	ErrAlreadyInProgress = ferrors.OperationError("operation already in progress").Build()
	// ErrAwaitingAcknowledge rejects a spawn while a finished operation is unacknowledged.
	ErrAwaitingAcknowledge = ferrors.OperationError("previous operation must be acknowledged first").Build()
	// ErrStillRunning rejects an acknowledge while the operation is alive.
	ErrStillRunning = ferrors.OperationError("operation is still running").Build()
)
