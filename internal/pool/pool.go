// Package pool implements the per-language warm-pod pool: a queue of
// ready-to-use pods, a replenishment loop that keeps the queue at its
// target size, and a health-check loop that evicts pods whose sidecar
// stops answering.
package pool

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sandrunner/sandrunner/internal/language"
	"github.com/sandrunner/sandrunner/internal/podfactory"
)

// Status is a pod handle's lifecycle state within its owning pool.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusWarm      Status = "warm"
	StatusExecuting Status = "executing"
	StatusUnhealthy Status = "unhealthy"
	StatusDeleting  Status = "deleting"
)

// Handle is one pod this pool is responsible for, decorated with the
// pool-owned fields the factory's Handle doesn't carry.
type Handle struct {
	*podfactory.Handle
	Status               Status
	HealthCheckFailures  int
}

// ContainerSource reports whether a request was served from the warm
// queue or from a pod created on the spot.
type ContainerSource string

const (
	SourcePoolHit  ContainerSource = "pool_hit"
	SourcePoolMiss ContainerSource = "pool_miss"
)

// EventSink receives pool lifecycle events for the metrics sink.
type EventSink interface {
	PoolHit(language string)
	PoolMiss(language string)
	PoolExhausted(language string)
	ContainerDestroyed(language string)
}

// Config parameterises one language's pool.
type Config struct {
	TargetSize          int
	ParallelBatch       int
	ReplenishInterval   time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	SidecarPort         int
}

// Pool manages the warm pods for a single language.
type Pool struct {
	lang    language.Spec
	factory *podfactory.Factory
	cfg     Config
	events  EventSink
	logger  *slog.Logger

	mu        sync.Mutex
	available []*Handle
	pods      map[string]*Handle // uid -> handle
	running   bool

	exhausted *wakeup // fired on PoolExhausted, wakes the replenish loop early
	podReady  *wakeup // fired whenever a pod joins available, wakes acquire waiters

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a pool for lang. Call Start to begin the replenishment and
// health-check loops.
func New(lang language.Spec, factory *podfactory.Factory, cfg Config, events EventSink, logger *slog.Logger) *Pool {
	return &Pool{
		lang:      lang,
		factory:   factory,
		cfg:       cfg,
		events:    events,
		logger:    logger,
		pods:      make(map[string]*Handle),
		exhausted: newWakeup(),
		podReady:  newWakeup(),
		stop:      make(chan struct{}),
	}
}

// Start begins the background loops. Idempotent: calling Start twice is a
// no-op on the second call.
func (p *Pool) Start(ctx context.Context, warmupOnStart bool) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	if warmupOnStart {
		p.replenish(ctx)
	}

	p.wg.Add(2)
	go p.replenishLoop(ctx)
	go p.healthCheckLoop(ctx)
}

// Stop cancels both loops, drains the available queue, and asynchronously
// destroys every pod this pool still believes exists. Idempotent.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	toDestroy := make([]*Handle, 0, len(p.pods))
	for _, h := range p.pods {
		toDestroy = append(toDestroy, h)
	}
	p.available = nil
	p.pods = make(map[string]*Handle)
	p.mu.Unlock()

	p.wg.Wait()

	for _, h := range toDestroy {
		go func(h *Handle) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := p.factory.Delete(ctx, h.Name); err != nil {
				p.logger.Warn("deleting pod during shutdown", "pod", h.Name, "err", err)
			}
		}(h)
	}
}

// Acquire returns a warm pod, or creates one on demand when the queue is
// exhausted and pool_size == 0. It returns (nil, SourcePoolMiss, nil) when
// on-demand creation is disabled and no warm pod becomes available within
// the acquire timeout.
func (p *Pool) Acquire(ctx context.Context, sessionID string) (*Handle, ContainerSource, error) {
	if h, ok := p.tryPop(); ok {
		h.Status = StatusExecuting
		h.SessionID = sessionID
		if p.events != nil {
			p.events.PoolHit(p.lang.Code)
		}
		return h, SourcePoolHit, nil
	}

	if p.events != nil {
		p.events.PoolExhausted(p.lang.Code)
	}
	p.exhausted.Fire()

	if p.cfg.TargetSize == 0 {
		handle, err := p.factory.Create(ctx, p.lang, true, sessionID)
		if err != nil {
			return nil, SourcePoolMiss, err
		}
		if p.events != nil {
			p.events.PoolMiss(p.lang.Code)
		}
		h := &Handle{Handle: handle, Status: StatusExecuting}
		p.mu.Lock()
		p.pods[handle.UID] = h
		p.mu.Unlock()
		return h, SourcePoolMiss, nil
	}

	timeout := p.cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	deadline := time.After(timeout)

	for {
		ready := p.podReady.C()
		select {
		case <-ready:
			p.podReady.reset()
			if h, ok := p.tryPop(); ok {
				h.Status = StatusExecuting
				h.SessionID = sessionID
				if p.events != nil {
					p.events.PoolHit(p.lang.Code)
				}
				return h, SourcePoolHit, nil
			}
		case <-deadline:
			return nil, SourcePoolMiss, nil
		case <-ctx.Done():
			return nil, SourcePoolMiss, ctx.Err()
		}
	}
}

func (p *Pool) tryPop() (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.available) == 0 {
		return nil, false
	}
	h := p.available[0]
	p.available = p.available[1:]
	return h, true
}

// Release returns a pod after use. destroy=true (the execution path) drops
// it permanently; destroy=false resets it to warm and requeues it. The
// execution path always passes destroy=true.
func (p *Pool) Release(ctx context.Context, h *Handle, destroy bool) {
	if !destroy {
		p.mu.Lock()
		h.Status = StatusWarm
		h.SessionID = ""
		p.available = append(p.available, h)
		p.mu.Unlock()
		p.podReady.Fire()
		return
	}

	p.mu.Lock()
	delete(p.pods, h.UID)
	p.mu.Unlock()

	go func() {
		deleteCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.factory.Delete(deleteCtx, h.Name); err != nil {
			p.logger.Warn("deleting released pod", "pod", h.Name, "err", err)
		}
		if p.events != nil {
			p.events.ContainerDestroyed(p.lang.Code)
		}
	}()
	_ = ctx
}

// Stats reports the pool's current sizes for health/metrics endpoints.
type Stats struct {
	Language  string
	Available int
	Total     int
	Target    int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Language: p.lang.Code, Available: len(p.available), Total: len(p.pods), Target: p.cfg.TargetSize}
}

func (p *Pool) replenishLoop(ctx context.Context) {
	defer p.wg.Done()
	interval := p.cfg.ReplenishInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		signal := p.exhausted.C()
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.replenish(ctx)
		case <-signal:
			p.exhausted.reset()
			p.replenish(ctx)
		}
	}
}

// replenish tops the pool up to target size, creating pods in parallel
// batches of ParallelBatch (default 5).
func (p *Pool) replenish(ctx context.Context) {
	p.mu.Lock()
	need := p.cfg.TargetSize - len(p.pods)
	p.mu.Unlock()
	if need <= 0 {
		return
	}

	batch := p.cfg.ParallelBatch
	if batch <= 0 {
		batch = 5
	}

	for need > 0 {
		n := need
		if n > batch {
			n = batch
		}
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				handle, err := p.factory.Create(ctx, p.lang, false, "")
				if err != nil {
					p.logger.Warn("creating warm pod", "language", p.lang.Code, "err", err)
					return
				}
				h := &Handle{Handle: handle, Status: StatusWarm}
				p.mu.Lock()
				p.pods[handle.UID] = h
				p.available = append(p.available, h)
				p.mu.Unlock()
				p.podReady.Fire()
			}()
		}
		wg.Wait()
		need -= n
	}
}

func (p *Pool) healthCheckLoop(ctx context.Context) {
	defer p.wg.Done()
	interval := p.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.checkHealth(ctx)
		}
	}
}

// checkHealth probes every pod currently available. At >=3 consecutive
// failures a pod is evicted from both available and pods and scheduled
// for destruction.
func (p *Pool) checkHealth(ctx context.Context) {
	p.mu.Lock()
	snapshot := make([]*Handle, len(p.available))
	copy(snapshot, p.available)
	p.mu.Unlock()

	client := &http.Client{Timeout: 2 * time.Second}

	for _, h := range snapshot {
		url := "http://" + h.PodIP + ":" + strconv.Itoa(p.cfg.SidecarPort) + "/health"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		healthy := false
		if err == nil {
			resp, err := client.Do(req)
			if err == nil {
				healthy = resp.StatusCode == http.StatusOK
				resp.Body.Close()
			}
		}

		p.mu.Lock()
		if healthy {
			h.HealthCheckFailures = 0
		} else {
			h.HealthCheckFailures++
		}
		evict := h.HealthCheckFailures >= 3
		if evict {
			h.Status = StatusUnhealthy
			p.removeFromAvailableLocked(h)
			delete(p.pods, h.UID)
		}
		p.mu.Unlock()

		if evict {
			go func(h *Handle) {
				deleteCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := p.factory.Delete(deleteCtx, h.Name); err != nil {
					p.logger.Warn("deleting unhealthy pod", "pod", h.Name, "err", err)
				}
			}(h)
		}
	}
}

// removeFromAvailableLocked must be called with p.mu held.
func (p *Pool) removeFromAvailableLocked(target *Handle) {
	for i, h := range p.available {
		if h == target {
			p.available = append(p.available[:i], p.available[i+1:]...)
			return
		}
	}
}

