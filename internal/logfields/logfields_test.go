package logfields

import (
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
		{"RunID", KeyRunID, "abc", RunID("abc")},
		{"Pipeline", KeyPipeline, "nightly", Pipeline("nightly")},
		{"Stage", KeyStage, "build-image", Stage("build-image")},
		{"Step", KeyStep, "docker_build", Step("docker_build")},
		{"Result", KeyResult, "success", Result("success")},
		{"Trigger", KeyTrigger, "manual", Trigger("manual")},
		{"Agent", KeyAgent, "agent-1", Agent("agent-1")},
		{"Label", KeyLabel, "docker-build", Label("docker-build")},
		{"Image", KeyImage, "tests:latest", Image("tests:latest")},
		{"ScheduleName", KeySchedule, "nightly", ScheduleName("nightly")},
		{"Path", KeyPath, "/tmp/x", Path("/tmp/x")},
		{"Subject", KeySubject, "hello", Subject("hello")},
	}

	for _, tc := range cases {
		if tc.attr.Key != tc.attrKey {
			// Key drift would break log ingestion schemas.
			t.Fatalf("%s: expected key %s, got %s", tc.name, tc.attrKey, tc.attr.Key)
		}
		if got := tc.attr.Value.String(); got != tc.attrVal {
			t.Fatalf("%s: expected value %s, got %v", tc.name, tc.attrVal, got)
		}
	}
}

// TestNumericHelpers verifies keys for numeric & float helpers.
func TestNumericHelpers(t *testing.T) {
	if v := RunNumber(7); v.Key != KeyRunNumber {
		t.Fatalf("RunNumber key mismatch: %s", v.Key)
	}
	if v := DurationMS(12.5); v.Key != KeyDurationMS {
		t.Fatalf("DurationMS key mismatch: %s", v.Key)
	}
}

// TestErrorHelper ensures Error() handles nil and non-nil errors predictably.
func TestErrorHelper(t *testing.T) {
	attr := Error(nil)
	if attr.Key != KeyError {
		t.Fatalf("Error key mismatch: %s", attr.Key)
	}
	if attr.Value.String() != "" {
		t.Fatalf("Expected empty error string, got %s", attr.Value.String())
	}
	attr = Error(errTest{})
	if attr.Value.String() != "err-test" {
		t.Fatalf("Expected 'err-test', got %s", attr.Value.String())
	}
}

type errTest struct{}

func (e errTest) Error() string { return "err-test" }
