package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sandrunner/sandrunner/internal/language"
	"github.com/sandrunner/sandrunner/internal/podfactory"
)

// Manager holds one Pool per configured language and exposes the
// acquire/release surface the dispatcher depends on. It does not run code
// itself: the sidecar call is made by the dispatcher.
type Manager struct {
	factory       *podfactory.Factory
	events        EventSink
	logger        *slog.Logger
	enabled       bool
	warmupOnStart bool

	mu    sync.RWMutex
	pools map[string]*Pool
}

// ManagerConfig carries the process-wide pool tuning knobs, combined per
// language with language.Spec.DefaultPoolSize (overridden by
// PodPoolSizes from configuration) to build each Pool's Config.
type ManagerConfig struct {
	Enabled             bool
	WarmupOnStart       bool
	ParallelBatch       int
	ReplenishInterval   time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	SidecarPort         int
	PoolSizes           map[string]int // language code -> target size override
}

// NewManager builds, when pod pooling is enabled, one Pool for every
// supported language (a resolved size of 0 makes that pool
// on-demand-only); when pooling is disabled it builds none.
func NewManager(factory *podfactory.Factory, cfg ManagerConfig, events EventSink, logger *slog.Logger) *Manager {
	m := &Manager{
		factory:       factory,
		events:        events,
		logger:        logger,
		enabled:       cfg.Enabled,
		warmupOnStart: cfg.WarmupOnStart,
		pools:         make(map[string]*Pool),
	}

	if !cfg.Enabled {
		return m
	}

	for _, lang := range language.All() {
		size := lang.DefaultPoolSize
		if override, ok := cfg.PoolSizes[lang.Code]; ok {
			size = override
		}
		pcfg := Config{
			TargetSize:          size,
			ParallelBatch:       cfg.ParallelBatch,
			ReplenishInterval:   cfg.ReplenishInterval,
			HealthCheckInterval: cfg.HealthCheckInterval,
			AcquireTimeout:      cfg.AcquireTimeout,
			SidecarPort:         cfg.SidecarPort,
		}
		m.pools[lang.Code] = New(lang, factory, pcfg, events, logger)
	}

	return m
}

// Start concurrently starts every pool's warmup and background loops.
func (m *Manager) Start(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var wg sync.WaitGroup
	for _, p := range m.pools {
		wg.Add(1)
		go func(p *Pool) {
			defer wg.Done()
			p.Start(ctx, m.warmupOnStart)
		}(p)
	}
	wg.Wait()
}

// Stop stops every pool's loops and destroys its pods.
func (m *Manager) Stop() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var wg sync.WaitGroup
	for _, p := range m.pools {
		wg.Add(1)
		go func(p *Pool) {
			defer wg.Done()
			p.Stop()
		}(p)
	}
	wg.Wait()
}

// UsesPool reports whether lang has a managed pool (pooling enabled and
// the language is supported), as opposed to falling straight through to
// on-demand creation via the factory.
func (m *Manager) UsesPool(lang string) bool {
	if !m.enabled {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.pools[lang]
	return ok
}

// Acquire hands a pod for lang to the caller. When pooling is disabled,
// every request falls straight through to the factory with no pool events.
func (m *Manager) Acquire(ctx context.Context, lang, sessionID string) (*Handle, ContainerSource, error) {
	if !m.enabled {
		spec, ok := language.Lookup(lang)
		if !ok {
			return nil, SourcePoolMiss, errUnsupportedLanguage
		}
		handle, err := m.factory.Create(ctx, spec, true, sessionID)
		if err != nil {
			return nil, SourcePoolMiss, err
		}
		return &Handle{Handle: handle, Status: StatusExecuting}, SourcePoolMiss, nil
	}

	m.mu.RLock()
	p, ok := m.pools[lang]
	m.mu.RUnlock()
	if !ok {
		return nil, SourcePoolMiss, errUnsupportedLanguage
	}
	return p.Acquire(ctx, sessionID)
}

// Release returns a pod for lang to its pool (or, if pooling is disabled,
// deletes it directly via the factory).
func (m *Manager) Release(ctx context.Context, lang string, h *Handle, destroy bool) {
	if !m.enabled {
		go func() {
			deleteCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := m.factory.Delete(deleteCtx, h.Name); err != nil {
				m.logger.Warn("deleting pod", "pod", h.Name, "err", err)
			}
		}()
		return
	}

	m.mu.RLock()
	p, ok := m.pools[lang]
	m.mu.RUnlock()
	if !ok {
		return
	}
	p.Release(ctx, h, destroy)
}

// Stats aggregates every pool's current sizes.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p.Stats())
	}
	return out
}

var errUnsupportedLanguage = poolError("pool: unsupported language")

type poolError string

func (e poolError) Error() string { return string(e) }
