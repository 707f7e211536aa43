package localexec

import (
	"context"
	"os/exec"
	"strings"
	"testing"
)

func TestSupports(t *testing.T) {
	l := New("", map[string]Command{
		"notify": {Path: "true"},
		"blank":  {},
	})

	tests := []struct {
		action  string
		allowed bool
	}{
		{"notify", true},
		{"blank", false},  // no program configured
		{"rm", false},     // not in allowlist
		{"NOTIFY", false}, // exact match only
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			if got := l.Supports(tt.action); got != tt.allowed {
				t.Errorf("Supports(%s) = %v, want %v", tt.action, got, tt.allowed)
			}
		})
	}
}

func TestExecute_PassesParamsOnStdin(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	l := New("", map[string]Command{"echo_back": {Path: "cat"}})

	res, err := l.Execute(context.Background(), "echo_back", map[string]any{"to": "ops"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if !strings.Contains(res.Detail, `"to":"ops"`) || !strings.Contains(res.Detail, `"action_type":"echo_back"`) {
		t.Errorf("stdin not forwarded: %s", res.Detail)
	}
}

func TestExecute_NonZeroExitIsUnsuccessful(t *testing.T) {
	if _, err := exec.LookPath("false"); err != nil {
		t.Skip("false not available")
	}
	l := New("", map[string]Command{"fail": {Path: "false"}})

	res, err := l.Execute(context.Background(), "fail", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success {
		t.Error("expected unsuccessful result")
	}
	if !strings.HasPrefix(res.Detail, "exit 1") {
		t.Errorf("unexpected detail %q", res.Detail)
	}
}

func TestExecute_NotAllowed(t *testing.T) {
	l := New("", nil)
	if _, err := l.Execute(context.Background(), "rm", nil); err == nil {
		t.Error("Expected error for non-allowed action")
	}
}

func TestName(t *testing.T) {
	if New("", nil).Name() != "localexec" {
		t.Error("unexpected name")
	}
}
