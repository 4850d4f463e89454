package pool

import (
	"testing"
	"time"
)

func TestNewPoolSemaphoreCapacities(t *testing.T) {
	cfg := Config{MinIdleWorkers: 2, MaxTotalWorkers: 5, IdleTimeout: time.Minute, RecyclingInterval: time.Minute}
	p := New(cfg, nil)

	if !p.creationSem.TryAcquire(5) {
		t.Fatal("expected creation semaphore to have capacity 5")
	}
	if p.creationSem.TryAcquire(1) {
		t.Fatal("expected creation semaphore to be fully utilized at capacity")
	}
	p.creationSem.Release(5)
}

func TestFileOpSemaphoreIsThreeTimesMaxTotal(t *testing.T) {
	cfg := Config{MinIdleWorkers: 1, MaxTotalWorkers: 4, IdleTimeout: time.Minute, RecyclingInterval: time.Minute}
	p := New(cfg, nil)

	want := int64(12)
	if !p.fileOpSem.TryAcquire(want) {
		t.Fatalf("expected file-op semaphore capacity %d", want)
	}
	p.fileOpSem.Release(want)
}

func TestInitializingDefaultsTrue(t *testing.T) {
	cfg := Config{MinIdleWorkers: 1, MaxTotalWorkers: 1, IdleTimeout: time.Minute, RecyclingInterval: time.Minute}
	p := New(cfg, nil)
	if !p.Initializing() {
		t.Error("expected a freshly constructed pool to report Initializing() == true")
	}
}

func TestAcquireFailsWhenShuttingDown(t *testing.T) {
	cfg := Config{MinIdleWorkers: 0, MaxTotalWorkers: 1, IdleTimeout: time.Minute, RecyclingInterval: time.Hour}
	p := New(cfg, nil)
	p.shuttingDown = true

	_, err := p.Acquire(nil, "user-1")
	if err == nil {
		t.Fatal("expected Acquire to fail once the pool is shutting down")
	}
}

func TestReleaseOfUnknownUserIsNoop(t *testing.T) {
	cfg := Config{MinIdleWorkers: 0, MaxTotalWorkers: 1, IdleTimeout: time.Minute, RecyclingInterval: time.Hour}
	p := New(cfg, nil)
	p.Release("nobody")
}

func TestCountsEmptyPool(t *testing.T) {
	cfg := Config{MinIdleWorkers: 0, MaxTotalWorkers: 1, IdleTimeout: time.Minute, RecyclingInterval: time.Hour}
	p := New(cfg, nil)
	total, idle, busy := p.Counts()
	if total != 0 || idle != 0 || busy != 0 {
		t.Errorf("Counts() = (%d,%d,%d), want (0,0,0)", total, idle, busy)
	}
}
