package subprocess

import (
	"context"
	"strings"
	"testing"
)

func TestRunCapturesStdout(t *testing.T) {
	stdout, _, err := Run(context.Background(), true, "echo", "hello")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if strings.TrimSpace(string(stdout)) != "hello" {
		t.Errorf("stdout = %q, want %q", stdout, "hello")
	}
}

func TestRunNonZeroExitWithCheck(t *testing.T) {
	_, _, err := Run(context.Background(), true, "false")
	if err == nil {
		t.Fatal("expected error for non-zero exit with check=true")
	}
}

func TestRunNonZeroExitWithoutCheck(t *testing.T) {
	_, _, err := Run(context.Background(), false, "false")
	if err != nil {
		t.Errorf("expected no error for non-zero exit with check=false, got %v", err)
	}
}

func TestRunEmptyArgv(t *testing.T) {
	_, _, err := Run(context.Background(), true)
	if err == nil {
		t.Fatal("expected error for empty argv")
	}
}
