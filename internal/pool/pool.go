// Package pool implements the worker-pool scheduler: a pre-warmed idle set,
// session-affine user->worker mapping, bounded concurrent creation, a
// background recycler for idle timeouts, and a shutdown barrier.
//
// All pool state mutations are serialized by one mutex. Anything that may
// block — container creation, subprocess execution, network I/O — runs
// outside that mutex; the mutex is only ever held long enough to decide
// what to do next.
package pool

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/codeinterp/gateway/internal/container"
	"github.com/codeinterp/gateway/internal/gatewayerr"
	"github.com/codeinterp/gateway/internal/metrics"
	"github.com/codeinterp/gateway/internal/vdisk"
	"github.com/codeinterp/gateway/internal/worker"
)

const creationSemaphoreTimeout = 60 * time.Second

// Config is the pool's immutable-after-init configuration.
type Config struct {
	MinIdleWorkers    int
	MaxTotalWorkers   int
	IdleTimeout       time.Duration
	RecyclingInterval time.Duration
	WorkerConfig      worker.Config
}

// Pool is the scheduler. Exactly one instance runs per gateway process.
type Pool struct {
	cfg    Config
	driver *container.Driver

	mu             sync.Mutex
	workers        map[string]*worker.Worker // container id -> worker
	userToWorker   map[string]string         // user id -> container id
	idle           map[string]struct{}       // container id set
	isReplenishing bool
	shuttingDown   bool

	creationSem *semaphore.Weighted
	fileOpSem   *semaphore.Weighted

	initializing bool // guarded by mu, like every other pool-state field

	recyclerStop chan struct{}
	recyclerDone chan struct{}
}

// New constructs a Pool. Call Init before Acquire.
func New(cfg Config, driver *container.Driver) *Pool {
	return &Pool{
		cfg:          cfg,
		driver:       driver,
		workers:      make(map[string]*worker.Worker),
		userToWorker: make(map[string]string),
		idle:         make(map[string]struct{}),
		creationSem:  semaphore.NewWeighted(int64(cfg.MaxTotalWorkers)),
		fileOpSem:    semaphore.NewWeighted(int64(cfg.MaxTotalWorkers) * 3),
		recyclerStop: make(chan struct{}),
		recyclerDone: make(chan struct{}),
		initializing: true,
	}
}

// Init discovers and clears orphaned resources from a prior process,
// replenishes the idle pool once, then starts the recycler loop.
func (p *Pool) Init(ctx context.Context) error {
	if err := vdisk.CleanupStale(ctx, p.cfg.WorkerConfig.VDisksBaseDir, p.cfg.WorkerConfig.WorkerMountsDir); err != nil {
		log.Printf("pool: vdisk stale cleanup failed: %v", err)
	}
	if err := p.driver.CleanupStale(ctx); err != nil {
		log.Printf("pool: container stale cleanup failed: %v", err)
	}

	p.replenish(ctx)

	p.mu.Lock()
	p.initializing = false
	p.mu.Unlock()

	go p.recyclerLoop()
	return nil
}

// Initializing reports whether the pool is still in its first replenish:
// true from New until Init has finished that pass.
func (p *Pool) Initializing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initializing
}

// Counts returns the current total, idle, and busy worker counts.
func (p *Pool) Counts() (total, idle, busy int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers), len(p.idle), len(p.workers) - len(p.idle)
}

// Acquire returns the worker bound to userID, creating one if necessary.
// Session affinity: a second Acquire for the same user returns the same
// worker without creating a new one.
func (p *Pool) Acquire(ctx context.Context, userID string) (*worker.Worker, error) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return nil, gatewayerr.New(gatewayerr.KindShuttingDown, "pool.acquire", nil)
	}

	if containerID, ok := p.userToWorker[userID]; ok {
		w := p.workers[containerID]
		p.mu.Unlock()
		w.Touch()
		go p.replenish(context.Background())
		return w, nil
	}

	if len(p.idle) > 0 {
		var containerID string
		for id := range p.idle {
			containerID = id
			break
		}
		delete(p.idle, containerID)
		w := p.workers[containerID]
		p.userToWorker[userID] = containerID
		p.mu.Unlock()

		w.BindToUser(userID)
		go p.replenish(context.Background())
		return w, nil
	}
	p.mu.Unlock()

	w, err := p.createWorker(ctx)
	if err != nil {
		go p.replenish(context.Background())
		return nil, gatewayerr.New(gatewayerr.KindCapacity, "pool.acquire", err)
	}

	p.mu.Lock()
	p.workers[w.ID] = w
	p.userToWorker[userID] = w.ID
	p.mu.Unlock()

	w.BindToUser(userID)
	go p.replenish(context.Background())
	return w, nil
}

// Release unbinds a user's worker and destroys it; the pool replaces it
// asynchronously via replenish.
func (p *Pool) Release(userID string) {
	p.mu.Lock()
	containerID, ok := p.userToWorker[userID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.userToWorker, userID)
	w := p.workers[containerID]
	delete(p.workers, containerID)
	delete(p.idle, containerID)
	p.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		w.Destroy(ctx)
		p.replenish(ctx)
	}()
}

// createWorker acquires the creation semaphore (bounding total live
// workers at MaxTotalWorkers), creates a worker outside the pool lock, and
// releases the semaphore on any failure.
func (p *Pool) createWorker(ctx context.Context) (*worker.Worker, error) {
	semCtx, cancel := context.WithTimeout(ctx, creationSemaphoreTimeout)
	defer cancel()
	if err := p.creationSem.Acquire(semCtx, 1); err != nil {
		return nil, gatewayerr.New(gatewayerr.KindCapacity, "pool.create_worker", err)
	}

	start := time.Now()
	w, err := worker.Create(ctx, p.driver, p.fileOpSem, p.cfg.WorkerConfig)
	metrics.WorkerCreationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		p.creationSem.Release(1)
		metrics.WorkerCreationsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	metrics.WorkerCreationsTotal.WithLabelValues("success").Inc()
	return w, nil
}

// replenish tops the idle set up to MinIdleWorkers, guarded by a flag so
// concurrent callers collapse into a single replenish pass.
func (p *Pool) replenish(ctx context.Context) {
	p.mu.Lock()
	if p.isReplenishing || p.shuttingDown {
		p.mu.Unlock()
		return
	}
	needed := p.cfg.MinIdleWorkers - len(p.idle)
	if needed <= 0 {
		p.mu.Unlock()
		return
	}
	p.isReplenishing = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.isReplenishing = false
		p.mu.Unlock()
	}()

	var wg sync.WaitGroup
	created := make([]*worker.Worker, needed)
	for i := 0; i < needed; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := p.createWorker(ctx)
			if err != nil {
				log.Printf("pool: replenish worker creation failed: %v", err)
				return
			}
			created[i] = w
		}(i)
	}
	wg.Wait()

	p.mu.Lock()
	for _, w := range created {
		if w == nil {
			continue
		}
		p.workers[w.ID] = w
		p.idle[w.ID] = struct{}{}
	}
	metrics.WorkersTotal.Set(float64(len(p.workers)))
	metrics.WorkersIdle.Set(float64(len(p.idle)))
	metrics.WorkersBusy.Set(float64(len(p.workers) - len(p.idle)))
	p.mu.Unlock()
}

func (p *Pool) recyclerLoop() {
	defer close(p.recyclerDone)
	ticker := time.NewTicker(p.cfg.RecyclingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.recyclerStop:
			return
		case <-ticker.C:
			p.recycleOnce()
		}
	}
}

// recycleOnce health-checks idle workers, then reclaims every worker (idle
// or busy) that's either timed out or gone unhealthy. A busy worker is
// reclaimed too: a caller that acquired a worker and never released it
// shouldn't be able to hold it forever. Reclaiming a bound worker unbinds
// its user, so the next Acquire for that user creates a fresh one.
func (p *Pool) recycleOnce() {
	p.mu.Lock()
	var toCheck []*worker.Worker
	for id := range p.idle {
		toCheck = append(toCheck, p.workers[id])
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range toCheck {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			w.RefreshHealth(hctx)
		}(w)
	}
	wg.Wait()

	now := time.Now()
	var stale []*worker.Worker

	p.mu.Lock()
	for _, w := range p.workers {
		if now.Sub(w.LastActive()) > p.cfg.IdleTimeout || w.Status() == worker.StatusError {
			stale = append(stale, w)
		}
	}
	for _, w := range stale {
		delete(p.idle, w.ID)
		delete(p.workers, w.ID)
		for uid, cid := range p.userToWorker {
			if cid == w.ID {
				delete(p.userToWorker, uid)
			}
		}
	}
	p.mu.Unlock()

	if len(stale) == 0 {
		return
	}

	var destroyWg sync.WaitGroup
	for _, w := range stale {
		destroyWg.Add(1)
		go func(w *worker.Worker) {
			defer destroyWg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			w.Destroy(ctx)
		}(w)
	}
	destroyWg.Wait()

	p.replenish(context.Background())
}

// Shutdown drains the pool: no further Acquire succeeds, and every live
// worker is destroyed concurrently.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.shuttingDown = true
	snapshot := make([]*worker.Worker, 0, len(p.workers))
	for _, w := range p.workers {
		snapshot = append(snapshot, w)
	}
	p.workers = make(map[string]*worker.Worker)
	p.userToWorker = make(map[string]string)
	p.idle = make(map[string]struct{})
	p.mu.Unlock()

	close(p.recyclerStop)
	<-p.recyclerDone

	var wg sync.WaitGroup
	for _, w := range snapshot {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			w.Destroy(ctx)
		}(w)
	}
	wg.Wait()
}
