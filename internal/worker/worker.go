// Package worker composes a virtual disk, a container, and a kernel
// connection into one sandbox lifecycle: create, health-check,
// bind-to-user, execute, release, destroy.
package worker

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/codeinterp/gateway/internal/container"
	"github.com/codeinterp/gateway/internal/gatewayerr"
	"github.com/codeinterp/gateway/internal/kernel"
	"github.com/codeinterp/gateway/internal/metrics"
	"github.com/codeinterp/gateway/internal/sandboxfs"
	"github.com/codeinterp/gateway/internal/vdisk"
)

// Status is a worker's externally visible lifecycle state.
type Status string

const (
	StatusCreating Status = "creating"
	StatusIdle     Status = "idle"
	StatusBusy     Status = "busy"
	StatusError    Status = "error"
)

const createRetries = 3
const createRetryDelay = 2 * time.Second

// Config carries the per-worker resource shape, supplied by the pool.
type Config struct {
	Image               string
	Network             string
	CPUCores            float64
	MemBytes            int64
	DiskSizeMB          int
	VDisksBaseDir          string
	WorkerMountsDir        string
	KernelHost             string // host:port the kernel process listens on inside the container
	SSRFProtectionEnabled  bool
}

// Worker owns exactly one VirtualDisk, one container, and one kernel
// connection for its entire lifetime. It carries no pool-wide state. Its
// status, bound user and last-active time are atomics, so the pool reads and
// updates them without holding its own mutex.
type Worker struct {
	ID            string
	ContainerName string

	disk      *vdisk.VirtualDisk
	driver    *container.Driver
	kernelMgr *kernel.Manager
	fs        *sandboxfs.FS

	status     atomic.Value // Status
	boundUser  atomic.Value // string, "" if unbound
	lastActive atomic.Int64 // unix nanos
}

// Create provisions a brand-new worker: disk, loop device, filesystem,
// container (with the loop device bound as /dev/vdisk), then a health
// check. Any failed step unwinds everything already created before
// retrying, up to createRetries times.
func Create(ctx context.Context, driver *container.Driver, fileOpSem *semaphore.Weighted, cfg Config) (*Worker, error) {
	var lastErr error
	for attempt := 0; attempt < createRetries; attempt++ {
		w, err := createOnce(ctx, driver, fileOpSem, cfg)
		if err == nil {
			return w, nil
		}
		lastErr = err
		log.Printf("worker: create attempt %d/%d failed: %v", attempt+1, createRetries, err)
		time.Sleep(createRetryDelay)
	}
	return nil, gatewayerr.New(gatewayerr.KindProvision, "worker.create", fmt.Errorf("exhausted %d attempts: %w", createRetries, lastErr))
}

func createOnce(ctx context.Context, driver *container.Driver, fileOpSem *semaphore.Weighted, cfg Config) (*Worker, error) {
	name := "sandbox-" + uuid.New().String()[:12]

	disk := vdisk.New(name, cfg.VDisksBaseDir, cfg.WorkerMountsDir, cfg.DiskSizeMB)
	if err := disk.Create(ctx); err != nil {
		return nil, err
	}

	loopDevice, err := disk.AttachLoop(ctx)
	if err != nil {
		disk.Destroy(ctx)
		return nil, err
	}

	if err := disk.Format(ctx); err != nil {
		disk.Destroy(ctx)
		return nil, err
	}

	containerID, err := driver.Create(ctx, container.CreateSpec{
		Name:       name,
		Image:      cfg.Image,
		Network:    cfg.Network,
		LoopDevice: loopDevice,
		CPUCores:   cfg.CPUCores,
		MemBytes:   cfg.MemBytes,
	})
	if err != nil {
		disk.Destroy(ctx)
		return nil, err
	}

	w := &Worker{
		ID:            containerID,
		ContainerName: name,
		disk:          disk,
		driver:        driver,
		kernelMgr:     kernel.NewManager(cfg.KernelHost),
	}
	w.status.Store(StatusCreating)
	w.boundUser.Store("")
	w.touch()

	deadline := time.Now().Add(30 * time.Second)
	if !w.HealthCheck(ctx, deadline) {
		_ = driver.Delete(ctx, containerID, true)
		disk.Destroy(ctx)
		return nil, gatewayerr.New(gatewayerr.KindProvision, "worker.create", fmt.Errorf("worker failed initial health check"))
	}

	mountPoint, err := disk.MountToHost(ctx)
	if err != nil {
		_ = driver.Delete(ctx, containerID, true)
		disk.Destroy(ctx)
		return nil, err
	}
	w.fs = sandboxfs.New(mountPoint, fileOpSem, cfg.SSRFProtectionEnabled)

	w.status.Store(StatusIdle)
	return w, nil
}

// HealthCheck polls the kernel's health endpoint every 500ms until it
// succeeds or deadline passes.
func (w *Worker) HealthCheck(ctx context.Context, deadline time.Time) bool {
	if err := w.kernelMgr.Start(ctx); err != nil {
		log.Printf("worker %s: kernel start failed: %v", w.ContainerName, err)
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		if w.kernelMgr.HealthCheck(ctx) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// RefreshHealth pings the kernel connection and marks the worker Error if it
// no longer responds. It skips workers still Creating (health not
// established yet) and never touches a worker already Error, so the
// recycler's next pass is what actually reclaims it.
func (w *Worker) RefreshHealth(ctx context.Context) {
	switch w.Status() {
	case StatusCreating, StatusError:
		return
	}
	if !w.kernelMgr.HealthCheck(ctx) {
		log.Printf("worker %s: health check failed, marking error", w.ContainerName)
		w.status.Store(StatusError)
	}
}

// BindToUser marks the worker busy and associates it with userID.
func (w *Worker) BindToUser(userID string) {
	w.status.Store(StatusBusy)
	w.boundUser.Store(userID)
	w.touch()
}

// BoundUser returns the currently bound user id, or "" if idle.
func (w *Worker) BoundUser() string {
	return w.boundUser.Load().(string)
}

func (w *Worker) Status() Status {
	return w.status.Load().(Status)
}

func (w *Worker) touch() {
	w.lastActive.Store(time.Now().UnixNano())
}

// Touch records activity, preventing the recycler from reclaiming this
// worker as idle-timed-out.
func (w *Worker) Touch() { w.touch() }

// LastActive returns the last time this worker was touched.
func (w *Worker) LastActive() time.Time {
	return time.Unix(0, w.lastActive.Load())
}

// Execute proxies code to the kernel and returns its result. It touches the
// worker first so a long-running execution isn't mistaken for idle.
func (w *Worker) Execute(ctx context.Context, code string, deadline time.Time) kernel.ExecutionResult {
	w.touch()
	start := time.Now()
	defer func() { metrics.ExecuteDuration.Observe(time.Since(start).Seconds()) }()
	return w.kernelMgr.Execute(ctx, code, deadline)
}

// FS returns the sandbox filesystem bound to this worker's mount point.
func (w *Worker) FS() *sandboxfs.FS { return w.fs }

// Destroy tears the worker down: disk first (best-effort, never fails),
// then the container (force-deleted; a 404 is not an error).
func (w *Worker) Destroy(ctx context.Context) {
	w.disk.Destroy(ctx)
	if err := w.driver.Delete(ctx, w.ID, true); err != nil {
		log.Printf("worker %s: container delete failed: %v", w.ContainerName, err)
	}
}
