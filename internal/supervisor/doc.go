// Package supervisor runs one detached, long-running OS operation at a time
// and tracks it through plain-text artifacts so the daemon can restart
// without losing it.
//
// Artifacts:
//   - PID file: written by the operation itself, authoritative for "is an
//     operation active"; cleared only by Acknowledge.
//   - Log file: all operation output, re-read in full on every change.
//   - Exit-status file: the numeric exit code, written when the operation ends.
//   - Reboot-required marker: an independent file whose presence is reported.
//
// Liveness is a signal probe of the recorded PID followed by a by-name
// process lookup. The by-name fallback is an approximation: an unrelated
// process with the same command name is taken for the operation.
package supervisor
