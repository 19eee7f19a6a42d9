package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyModule     = "module"
	KeyPlugin     = "plugin"
	KeyJobID      = "job_id"
	KeyJobName    = "job_name"
	KeyJobState   = "job_state"
	KeyQueue      = "queue"
	KeySchedule   = "schedule"
	KeyObserver   = "observer"
	KeyUser       = "user"
	KeyAction     = "action"
	KeyEvent      = "event"
	KeyPID        = "pid"
	KeyPath       = "path"
	KeyWorker     = "worker"
	KeyDurationMS = "duration_ms"
	KeyError      = "error"
	KeyMethod     = "method"
	KeyStatus     = "status"
	KeyUserAgent  = "user_agent"
	KeyRemoteAddr = "remote_addr"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Module(name string) slog.Attr    { return slog.String(KeyModule, name) }
func Plugin(name string) slog.Attr    { return slog.String(KeyPlugin, name) }
func JobID(id string) slog.Attr       { return slog.String(KeyJobID, id) }
func JobName(name string) slog.Attr   { return slog.String(KeyJobName, name) }
func JobState(s string) slog.Attr     { return slog.String(KeyJobState, s) }
func Queue(name string) slog.Attr     { return slog.String(KeyQueue, name) }
func Schedule(p string) slog.Attr     { return slog.String(KeySchedule, p) }
func Observer(id string) slog.Attr    { return slog.String(KeyObserver, id) }
func User(name string) slog.Attr      { return slog.String(KeyUser, name) }
func Action(name string) slog.Attr    { return slog.String(KeyAction, name) }
func Event(name string) slog.Attr     { return slog.String(KeyEvent, name) }
func PID(pid int) slog.Attr           { return slog.Int(KeyPID, pid) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func Worker(id string) slog.Attr      { return slog.String(KeyWorker, id) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Method(m string) slog.Attr       { return slog.String(KeyMethod, m) }
func Status(code int) slog.Attr       { return slog.Int(KeyStatus, code) }
func UserAgent(ua string) slog.Attr   { return slog.String(KeyUserAgent, ua) }
func RemoteAddr(a string) slog.Attr   { return slog.String(KeyRemoteAddr, a) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
