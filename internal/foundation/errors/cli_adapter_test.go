package errors

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCLIErrorAdapterExitCodeFor(t *testing.T) {
	adapter := NewCLIErrorAdapter(false, nil)

	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"nil", nil, ExitOK},
		{"validation", ValidationError("invalid input").Build(), ExitUsage},
		{"auth", AuthError("admin required").Build(), ExitAuth},
		{"config", ConfigError("bad config").Build(), ExitConfig},
		{"wrapped operation", fmt.Errorf("ack: %w", OperationError("operation is still running").Build()), ExitOperation},
		{"queue", QueueError("database locked").Build(), ExitExternal},
		{"daemon", DaemonError("daemon error").Build(), ExitDaemon},
		{"unclassified", errors.New("unknown"), ExitGeneral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, adapter.ExitCodeFor(tt.err))
		})
	}
}

func TestCLIErrorAdapterFormatError(t *testing.T) {
	quiet := NewCLIErrorAdapter(false, nil)
	verbose := NewCLIErrorAdapter(true, nil)
	internal := InternalError("lost the plot").Build()

	assert.Empty(t, quiet.FormatError(nil))
	assert.Equal(t, "Internal error occurred (use -v for details)", quiet.FormatError(internal))
	assert.Equal(t, "[internal] lost the plot", verbose.FormatError(internal))
	assert.Equal(t, "Error: bad config", quiet.FormatError(ConfigError("bad config").Build()))
	assert.Equal(t, "Error: unknown", quiet.FormatError(errors.New("unknown")))
}

func TestCLIErrorAdapterHandleError(t *testing.T) {
	var logs, stderr bytes.Buffer
	adapter := NewCLIErrorAdapter(false, slog.New(slog.NewTextHandler(&logs, nil)))
	adapter.stderr = &stderr
	code := -1
	adapter.exit = func(c int) { code = c }

	adapter.HandleError(nil)
	assert.Equal(t, -1, code)

	adapter.HandleError(OperationError("operation is still running").Build())
	assert.Equal(t, ExitOperation, code)
	assert.Equal(t, "Error: operation is still running\n", stderr.String())
	assert.Empty(t, logs.String())

	stderr.Reset()
	adapter.HandleError(ConfigError("configuration file not found").WithContext("path", "/etc/applianced.yaml").Build())
	assert.Equal(t, ExitConfig, code)
	assert.Contains(t, logs.String(), "configuration file not found")
	assert.Contains(t, logs.String(), "path=/etc/applianced.yaml")
}
