package errors

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"git.home.luguber.info/inful/applianced/internal/logfields"
)

// Exit codes returned by the CLI.
const (
	ExitOK        = 0
	ExitGeneral   = 1
	ExitUsage     = 2
	ExitAuth      = 5
	ExitConfig    = 7
	ExitExternal  = 8
	ExitInternal  = 10
	ExitOperation = 11
	ExitDaemon    = 12
)

var exitByCategory = map[ErrorCategory]int{
	CategoryValidation: ExitUsage,
	CategoryNotFound:   ExitUsage,
	CategoryConfig:     ExitConfig,
	CategoryAuth:       ExitAuth,
	CategoryMessaging:  ExitExternal,
	CategoryQueue:      ExitExternal,
	CategoryCommand:    ExitExternal,
	CategoryOperation:  ExitOperation,
	CategoryJob:        ExitOperation,
	CategoryFileSystem: ExitOperation,
	CategoryPlugin:     ExitOperation,
	CategoryDaemon:     ExitDaemon,
	CategoryInternal:   ExitInternal,
}

// CLIErrorAdapter prints errors for humans and picks the process exit code.
type CLIErrorAdapter struct {
	verbose bool
	logger  *slog.Logger
	stderr  io.Writer
	exit    func(int)
}

// NewCLIErrorAdapter creates an adapter; a nil logger means slog.Default().
func NewCLIErrorAdapter(verbose bool, logger *slog.Logger) *CLIErrorAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIErrorAdapter{verbose: verbose, logger: logger, stderr: os.Stderr, exit: os.Exit}
}

// ExitCodeFor maps an error to an exit code.
func (a *CLIErrorAdapter) ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	if c, ok := AsClassified(err); ok {
		if code, found := exitByCategory[c.Category()]; found {
			return code
		}
	}
	return ExitGeneral
}

// FormatError renders the one-line message shown on stderr. Process-level
// failures hide their detail unless verbose.
func (a *CLIErrorAdapter) FormatError(err error) string {
	if err == nil {
		return ""
	}
	c, ok := AsClassified(err)
	switch {
	case !ok:
		return fmt.Sprintf("Error: %v", err)
	case a.verbose:
		return c.Error()
	case c.Category() == CategoryInternal || c.Category() == CategoryDaemon:
		return "Internal error occurred (use -v for details)"
	default:
		return fmt.Sprintf("Error: %s", c.Message())
	}
}

// HandleError prints err and exits with its code. It returns for nil.
func (a *CLIErrorAdapter) HandleError(err error) {
	if err == nil {
		return
	}
	if a.shouldLog(err) {
		a.logError(err)
	}
	_, _ = fmt.Fprintln(a.stderr, a.FormatError(err))
	a.exit(a.ExitCodeFor(err))
}

func (a *CLIErrorAdapter) shouldLog(err error) bool {
	if a.verbose {
		return true
	}
	c, ok := AsClassified(err)
	return !ok || c.IsFatal()
}

func (a *CLIErrorAdapter) logError(err error) {
	c, ok := AsClassified(err)
	if !ok {
		a.logger.Error("Unclassified error", logfields.Error(err))
		return
	}
	level := slog.LevelError
	switch c.Severity() {
	case SeverityInfo:
		level = slog.LevelInfo
	case SeverityWarning:
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{slog.String("category", string(c.Category()))}
	for k, v := range c.Context() {
		attrs = append(attrs, slog.Any(k, v))
	}
	if c.Cause() != nil {
		attrs = append(attrs, logfields.Error(c.Cause()))
	}
	a.logger.LogAttrs(context.Background(), level, c.Message(), attrs...)
}
