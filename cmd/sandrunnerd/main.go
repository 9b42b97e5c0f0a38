// Command sandrunnerd is the sandrunner execution service: it loads
// configuration, wires the key-value store, API-key manager, pod pool,
// execution dispatcher, and metrics sink together, and serves the HTTP API
// until terminated.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sandrunner/sandrunner/internal/apikey"
	"github.com/sandrunner/sandrunner/internal/config"
	"github.com/sandrunner/sandrunner/internal/dispatcher"
	"github.com/sandrunner/sandrunner/internal/httpserver"
	"github.com/sandrunner/sandrunner/internal/k8sclient"
	"github.com/sandrunner/sandrunner/internal/kvstore"
	"github.com/sandrunner/sandrunner/internal/logging"
	"github.com/sandrunner/sandrunner/internal/metrics"
	"github.com/sandrunner/sandrunner/internal/podfactory"
	"github.com/sandrunner/sandrunner/internal/pool"
	"github.com/sandrunner/sandrunner/internal/sessionfiles"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sandrunnerd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv, err := kvstore.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer kv.Close()

	k8s, err := k8sclient.New()
	if err != nil {
		return fmt.Errorf("building kubernetes client: %w", err)
	}

	factory, err := podfactory.New(k8s, podfactory.Config{
		Namespace:       cfg.K8sNamespace,
		SidecarImage:    cfg.K8sSidecarImage,
		SidecarPort:     cfg.K8sSidecarPort,
		CPULimit:        cfg.K8sCPULimit,
		MemoryLimit:     cfg.K8sMemoryLimit,
		SeccompProfile:  cfg.K8sSeccompProfile,
		ReadyTimeout:    cfg.PodReadyTimeout,
		NetworkIsolated: true,
	})
	if err != nil {
		return fmt.Errorf("building pod factory: %w", err)
	}

	metricsSink := metrics.New(kv, logger)

	poolMgr := pool.NewManager(factory, pool.ManagerConfig{
		Enabled:             cfg.PodPoolEnabled,
		WarmupOnStart:       cfg.PodPoolWarmupOnStart,
		ParallelBatch:       cfg.PodPoolParallelBatch,
		ReplenishInterval:   cfg.PodPoolReplenishEvery,
		HealthCheckInterval: 30 * time.Second,
		AcquireTimeout:      cfg.PodReadyTimeout,
		SidecarPort:         cfg.K8sSidecarPort,
		PoolSizes:           cfg.PodPoolSizes,
	}, metricsSink, logger)

	keys := apikey.NewService(kv, cfg.EnvironmentKeys(), cfg.RateLimitOn, logger)
	maxFileBytes := int64(cfg.MaxFileSizeMB) * 1024 * 1024
	disp := dispatcher.New(poolMgr, metricsSink, cfg.K8sSidecarPort, maxFileBytes, logger)

	server := httpserver.NewServer(httpserver.Config{
		KV:             kv,
		K8s:            k8s,
		APIKeys:        keys,
		Dispatcher:     disp,
		Pools:          poolMgr,
		MetricsSink:    metricsSink,
		Sessions:       sessionfiles.New(0),
		Logger:         logger,
		MasterKey:      cfg.MasterKey,
		MaxUploadBytes: maxFileBytes,
	})

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: server,
	}

	poolMgr.Start(ctx)

	go metricsSink.FlushLoop(ctx, time.Minute)
	go sweepLoop(ctx, disp)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", "err", err)
	}

	cancel() // stop background loops (replenish, health-probe, metrics-flush)

	stopped := make(chan struct{})
	go func() {
		poolMgr.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		logger.Warn("pool manager stop timed out, exiting anyway")
	}

	return nil
}

func sweepLoop(ctx context.Context, d *dispatcher.Dispatcher) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.SweepExpired()
		}
	}
}
