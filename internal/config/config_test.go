package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, "PORT", "AUTH_TOKEN", "MIN_IDLE_WORKERS", "MAX_TOTAL_WORKERS", "MAX_EXECUTION_TIMEOUT")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.MinIdleWorkers != 20 {
		t.Errorf("expected MinIdleWorkers 20, got %d", cfg.MinIdleWorkers)
	}
	if cfg.MaxTotalWorkers != 100 {
		t.Errorf("expected MaxTotalWorkers 100, got %d", cfg.MaxTotalWorkers)
	}
	if cfg.MaxExecutionTimeout != 15*time.Second {
		t.Errorf("expected MaxExecutionTimeout 15s, got %v", cfg.MaxExecutionTimeout)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t, "PORT", "AUTH_TOKEN", "MAX_TOTAL_WORKERS")
	os.Setenv("PORT", "9999")
	os.Setenv("AUTH_TOKEN", "test-token")
	os.Setenv("MAX_TOTAL_WORKERS", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Port)
	}
	if cfg.AuthToken != "test-token" {
		t.Errorf("expected auth token test-token, got %s", cfg.AuthToken)
	}
	if cfg.MaxTotalWorkers != 5 {
		t.Errorf("expected MaxTotalWorkers 5, got %d", cfg.MaxTotalWorkers)
	}
}

func TestLoadInvalidPort(t *testing.T) {
	clearEnv(t, "PORT")
	os.Setenv("PORT", "not-a-number")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid port, got nil")
	}
}

func TestSplitCSV(t *testing.T) {
	got := splitCSV("https://a.example, https://b.example,,")
	want := []string{"https://a.example", "https://b.example"}
	if len(got) != len(want) {
		t.Fatalf("splitCSV() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("splitCSV()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
