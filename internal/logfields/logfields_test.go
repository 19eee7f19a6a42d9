package logfields

import (
	"errors"
	"log/slog"
	"testing"
)

// TestHelperKeyNames verifies string-based helper key/value stability.
func TestHelperKeyNames(t *testing.T) {
	cases := []struct {
		name    string
		attrKey string
		attrVal string
		attr    slog.Attr
	}{
		{"Module", KeyModule, "host", Module("host")},
		{"Plugin", KeyPlugin, "updates", Plugin("updates")},
		{"JobID", KeyJobID, "123", JobID("123")},
		{"JobName", KeyJobName, "updates:check", JobName("updates:check")},
		{"JobState", KeyJobState, "active", JobState("active")},
		{"Queue", KeyQueue, "host-jobs", Queue("host-jobs")},
		{"Schedule", KeySchedule, "0 3 * * *", Schedule("0 3 * * *")},
		{"Observer", KeyObserver, "obs-1", Observer("obs-1")},
		{"User", KeyUser, "admin", User("admin")},
		{"Action", KeyAction, "logs:follow", Action("logs:follow")},
		{"Event", KeyEvent, "state", Event("state")},
		{"Path", KeyPath, "/tmp/x", Path("/tmp/x")},
		{"Worker", KeyWorker, "w1", Worker("w1")},
		{"Method", KeyMethod, "GET", Method("GET")},
		{"UserAgent", KeyUserAgent, "curl", UserAgent("curl")},
		{"RemoteAddr", KeyRemoteAddr, "127.0.0.1:1", RemoteAddr("127.0.0.1:1")},
	}

	for _, tc := range cases {
		if tc.attr.Key != tc.attrKey {
			// Key drift would break log ingestion schemas.
			t.Fatalf("%s: expected key %s, got %s", tc.name, tc.attrKey, tc.attr.Key)
		}
		if tc.attr.Value.String() != tc.attrVal {
			t.Fatalf("%s: expected value %s, got %s", tc.name, tc.attrVal, tc.attr.Value.String())
		}
	}
}

func TestNumericAndErrorHelpers(t *testing.T) {
	if a := PID(4242); a.Key != KeyPID || a.Value.Int64() != 4242 {
		t.Fatalf("unexpected pid attr %v", a)
	}
	if a := DurationMS(1.5); a.Key != KeyDurationMS || a.Value.Float64() != 1.5 {
		t.Fatalf("unexpected duration attr %v", a)
	}
	if a := Error(nil); a.Value.String() != "" {
		t.Fatalf("nil error should render empty, got %q", a.Value.String())
	}
	if a := Error(errors.New("boom")); a.Value.String() != "boom" {
		t.Fatalf("expected boom, got %q", a.Value.String())
	}
}
