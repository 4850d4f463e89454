package sandboxfs

import (
	"testing"

	"golang.org/x/sync/semaphore"
)

func newTestFS(t *testing.T, mount string) *FS {
	t.Helper()
	return New(mount, semaphore.NewWeighted(4), true)
}

func TestComputePathRejectsSlashInName(t *testing.T) {
	fs := newTestFS(t, t.TempDir())
	if _, err := fs.ComputePath("/sandbox/data", "a/b.txt"); err == nil {
		t.Fatal("expected error for filename containing a slash")
	}
}

func TestComputePathRejectsEscape(t *testing.T) {
	fs := newTestFS(t, t.TempDir())
	if _, err := fs.ComputePath("/sandbox/../etc", "passwd"); err == nil {
		t.Fatal("expected error for path escaping sandbox root")
	}
}

func TestComputePathJoinsMountPoint(t *testing.T) {
	mount := t.TempDir()
	fs := newTestFS(t, mount)
	got, err := fs.ComputePath("/sandbox/data", "input.csv")
	if err != nil {
		t.Fatalf("ComputePath returned error: %v", err)
	}
	want := mount + "/data/input.csv"
	if got != want {
		t.Errorf("ComputePath() = %q, want %q", got, want)
	}
}

func TestComputePathAutoCorrectsFullFilePath(t *testing.T) {
	mount := t.TempDir()
	fs := newTestFS(t, mount)
	got, err := fs.ComputePath("/sandbox/data/input.csv", "input.csv")
	if err != nil {
		t.Fatalf("ComputePath returned error: %v", err)
	}
	want := mount + "/data/input.csv"
	if got != want {
		t.Errorf("ComputePath() = %q, want %q", got, want)
	}
}

func TestGuardAgainstSSRFBlocksLoopback(t *testing.T) {
	if err := guardAgainstSSRF("http://127.0.0.1:8080/secret"); err == nil {
		t.Fatal("expected loopback URL to be blocked")
	}
}

func TestExtractHost(t *testing.T) {
	host, err := extractHost("https://example.com:443/path")
	if err != nil {
		t.Fatalf("extractHost returned error: %v", err)
	}
	if host != "example.com" {
		t.Errorf("extractHost() = %q, want %q", host, "example.com")
	}
}
