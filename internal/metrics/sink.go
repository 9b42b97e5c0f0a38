package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sandrunner/sandrunner/internal/dispatcher"
	"github.com/sandrunner/sandrunner/internal/kvstore"
)

const (
	ringCapacity   = 10_000
	hourlyTTL      = 7 * 24 * time.Hour
	dailyTTL       = 30 * 24 * time.Hour
	apiKeyHourTTL  = 2 * time.Hour
	currentTTL     = 24 * time.Hour
	snapshotHourly = 7 * 24 * time.Hour
)

// languageCounters tracks one language's live aggregate state.
type languageCounters struct {
	mu             sync.Mutex
	executionCount int64
	successCount   int64
	failureCount   int64
	timeoutCount   int64
	totalTimeMs    int64
	totalMemoryMB  float64
	poolHits       int64
	poolMisses     int64
	timeSketch     *sketch
}

func newLanguageCounters() *languageCounters {
	return &languageCounters{timeSketch: newSketch()}
}

// Sink is the metrics component: it implements dispatcher.MetricsSink and
// pool.EventSink, writes durable per-hour/per-day/per-key aggregates to the
// KV store as each execution is recorded, and periodically flushes a live
// snapshot there.
type Sink struct {
	kv     kvstore.Store
	logger *slog.Logger
	clock  func() time.Time

	executionRing *ring
	apiRing       *ring

	mu         sync.Mutex
	byLanguage map[string]*languageCounters
}

// New creates a Sink backed by kv for durable aggregation.
func New(kv kvstore.Store, logger *slog.Logger) *Sink {
	return &Sink{
		kv:            kv,
		logger:        logger,
		clock:         time.Now,
		executionRing: newRing(ringCapacity),
		apiRing:       newRing(ringCapacity),
		byLanguage:    make(map[string]*languageCounters),
	}
}

func (s *Sink) counters(lang string) *languageCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byLanguage[lang]
	if !ok {
		c = newLanguageCounters()
		s.byLanguage[lang] = c
	}
	return c
}

// RecordExecution implements dispatcher.MetricsSink: it updates the live
// ring/counters/sketch immediately and durably increments the hour/day and
// per-key hashes in the KV store.
func (s *Sink) RecordExecution(m dispatcher.ExecutionMetric) {
	s.executionRing.push(m)

	executionsTotal.WithLabelValues(m.Language, string(m.Status)).Inc()
	executionDuration.WithLabelValues(m.Language).Observe(float64(m.ExecutionTimeMs) / 1000)
	if m.MemoryPeakMB != nil {
		executionMemoryMB.WithLabelValues(m.Language).Observe(*m.MemoryPeakMB)
	}
	switch m.ContainerSource {
	case "pool_hit":
		poolHitsTotal.WithLabelValues(m.Language).Inc()
	case "pool_miss":
		poolMissesTotal.WithLabelValues(m.Language).Inc()
	}

	c := s.counters(m.Language)
	c.mu.Lock()
	c.executionCount++
	c.totalTimeMs += m.ExecutionTimeMs
	c.timeSketch.add(float64(m.ExecutionTimeMs))
	if m.MemoryPeakMB != nil {
		c.totalMemoryMB += *m.MemoryPeakMB
	}
	switch m.Status {
	case dispatcher.StatusCompleted:
		c.successCount++
	case dispatcher.StatusTimeout:
		c.timeoutCount++
		c.failureCount++
	default:
		c.failureCount++
	}
	switch m.ContainerSource {
	case "pool_hit":
		c.poolHits++
	case "pool_miss":
		c.poolMisses++
	}
	c.mu.Unlock()

	go s.persistExecution(m)
}

func (s *Sink) persistExecution(m dispatcher.ExecutionMetric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := s.clock()
	hourBucket := now.UTC().Format("2006-01-02-15")
	dayBucket := now.UTC().Format("2006-01-02")

	s.incrDetailedBucket(ctx, "metrics:detailed:hourly:"+hourBucket, hourlyTTL, m)
	s.incrDetailedBucket(ctx, "metrics:detailed:daily:"+dayBucket, dailyTTL, m)

	if m.APIKeyHash != "" {
		short := m.APIKeyHash
		if len(short) > 16 {
			short = short[:16]
		}
		keyHourKey := fmt.Sprintf("metrics:api_key:%s:hour:%s", short, hourBucket)
		if _, err := s.kv.HIncrBy(ctx, keyHourKey, "execution_count", 1); err != nil {
			s.logger.Warn("incrementing per-key metric", "err", err)
		}
		if err := s.kv.HExpire(ctx, keyHourKey, apiKeyHourTTL); err != nil {
			s.logger.Warn("setting per-key metric TTL", "err", err)
		}
	}
}

// incrDetailedBucket atomically bumps every field of one hour-or-day
// aggregation hash. No read-modify-write: every field update is its own
// HIncrBy, so concurrent writers never clobber each other's deltas.
func (s *Sink) incrDetailedBucket(ctx context.Context, key string, ttl time.Duration, m dispatcher.ExecutionMetric) {
	if _, err := s.kv.HIncrBy(ctx, key, "execution_count", 1); err != nil {
		s.logger.Warn("incrementing detailed bucket", "key", key, "field", "execution_count", "err", err)
	}
	if _, err := s.kv.HIncrBy(ctx, key, fieldForStatus(m.Status), 1); err != nil {
		s.logger.Warn("incrementing detailed bucket", "key", key, "field", fieldForStatus(m.Status), "err", err)
	}
	if _, err := s.kv.HIncrBy(ctx, key, "total_execution_time_ms", m.ExecutionTimeMs); err != nil {
		s.logger.Warn("incrementing detailed bucket", "key", key, "field", "total_execution_time_ms", "err", err)
	}
	if m.MemoryPeakMB != nil {
		if _, err := s.kv.HIncrBy(ctx, key, "total_memory_mb", int64(*m.MemoryPeakMB)); err != nil {
			s.logger.Warn("incrementing detailed bucket", "key", key, "field", "total_memory_mb", "err", err)
		}
	}
	switch m.ContainerSource {
	case "pool_hit":
		_, _ = s.kv.HIncrBy(ctx, key, "pool_hits", 1)
	case "pool_miss":
		_, _ = s.kv.HIncrBy(ctx, key, "pool_misses", 1)
	}
	if err := s.kv.HExpire(ctx, key, ttl); err != nil {
		s.logger.Warn("setting detailed bucket TTL", "key", key, "err", err)
	}
}

func fieldForStatus(status dispatcher.Status) string {
	switch status {
	case dispatcher.StatusCompleted:
		return "success_count"
	case dispatcher.StatusTimeout:
		return "timeout_count"
	default:
		return "failure_count"
	}
}

// RecordAPI records one finished HTTP request to the execution API.
func (s *Sink) RecordAPI(m ApiMetric) {
	s.apiRing.push(m)
}

// PoolHit implements pool.EventSink.
func (s *Sink) PoolHit(language string) {
	poolHitsTotal.WithLabelValues(language).Inc()
	go s.incrPoolStats(map[string]int64{"hits": 1})
}

// PoolMiss implements pool.EventSink.
func (s *Sink) PoolMiss(language string) {
	poolMissesTotal.WithLabelValues(language).Inc()
	go s.incrPoolStats(map[string]int64{"misses": 1})
}

// PoolExhausted implements pool.EventSink.
func (s *Sink) PoolExhausted(language string) {
	poolExhaustedTotal.WithLabelValues(language).Inc()
	go s.incrPoolStats(map[string]int64{"exhausted_events": 1})
}

// ContainerDestroyed implements pool.EventSink.
func (s *Sink) ContainerDestroyed(language string) {
	containersDestroyedTotal.WithLabelValues(language).Inc()
	go s.incrPoolStats(map[string]int64{"destroyed": 1})
}

func (s *Sink) incrPoolStats(fields map[string]int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for field, delta := range fields {
		if _, err := s.kv.HIncrBy(ctx, "metrics:pool:stats", field, delta); err != nil {
			s.logger.Warn("incrementing pool stats", "field", field, "err", err)
		}
	}
}

// snapshot is the JSON-serialisable live view written periodically.
type snapshot struct {
	Timestamp  time.Time                  `json:"timestamp"`
	ByLanguage map[string]languageSnapshot `json:"by_language"`
}

type languageSnapshot struct {
	ExecutionCount int64       `json:"execution_count"`
	SuccessCount   int64       `json:"success_count"`
	FailureCount   int64       `json:"failure_count"`
	TimeoutCount   int64       `json:"timeout_count"`
	AvgTimeMs      float64     `json:"avg_execution_time_ms"`
	Percentiles    Percentiles `json:"percentiles_ms"`
	PoolHits       int64       `json:"pool_hits"`
	PoolMisses     int64       `json:"pool_misses"`
	PoolHitRate    float64     `json:"pool_hit_rate"`
}

// Snapshot builds the current in-memory view, used both by the admin
// stats endpoint and the periodic flush.
func (s *Sink) Snapshot() snapshot {
	s.mu.Lock()
	langs := make([]string, 0, len(s.byLanguage))
	for lang := range s.byLanguage {
		langs = append(langs, lang)
	}
	s.mu.Unlock()

	out := snapshot{Timestamp: s.clock(), ByLanguage: make(map[string]languageSnapshot, len(langs))}
	for _, lang := range langs {
		c := s.counters(lang)
		c.mu.Lock()
		avg := 0.0
		if c.executionCount > 0 {
			avg = float64(c.totalTimeMs) / float64(c.executionCount)
		}
		hitRate := 0.0
		if total := c.poolHits + c.poolMisses; total > 0 {
			hitRate = float64(c.poolHits) / float64(total)
		}
		out.ByLanguage[lang] = languageSnapshot{
			ExecutionCount: c.executionCount,
			SuccessCount:   c.successCount,
			FailureCount:   c.failureCount,
			TimeoutCount:   c.timeoutCount,
			AvgTimeMs:      avg,
			Percentiles:    c.timeSketch.percentiles(),
			PoolHits:       c.poolHits,
			PoolMisses:     c.poolMisses,
			PoolHitRate:    hitRate,
		}
		c.mu.Unlock()
	}
	return out
}

// FlushLoop periodically writes the live snapshot to metrics:current and
// metrics:hourly:<bucket>, tolerating transient KV errors.
func (s *Sink) FlushLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flush(ctx)
		}
	}
}

func (s *Sink) flush(ctx context.Context) {
	snap := s.Snapshot()
	body, err := json.Marshal(snap)
	if err != nil {
		s.logger.Warn("marshaling metrics snapshot", "err", err)
		return
	}

	if err := s.kv.SetEX(ctx, "metrics:current", string(body), currentTTL); err != nil {
		s.logger.Warn("writing metrics:current", "err", err)
	}

	bucket := s.clock().UTC().Format("2006-01-02-15")
	if err := s.kv.SetEX(ctx, "metrics:hourly:"+bucket, string(body), snapshotHourly); err != nil {
		s.logger.Warn("writing metrics:hourly snapshot", "err", err)
	}
}
