package metrics

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sandrunner/sandrunner/internal/dispatcher"
	"github.com/sandrunner/sandrunner/internal/kvstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func memPtr(v float64) *float64 { return &v }

func TestRecordExecutionUpdatesSnapshot(t *testing.T) {
	s := New(kvstore.NewFake(), discardLogger())

	s.RecordExecution(dispatcher.ExecutionMetric{
		Language:        "python",
		Status:          dispatcher.StatusCompleted,
		ExecutionTimeMs: 120,
		MemoryPeakMB:    memPtr(64),
		ContainerSource: "pool_hit",
	})
	s.RecordExecution(dispatcher.ExecutionMetric{
		Language:        "python",
		Status:          dispatcher.StatusFailed,
		ExecutionTimeMs: 80,
		ContainerSource: "pool_miss",
	})

	snap := s.Snapshot()
	got, ok := snap.ByLanguage["python"]
	if !ok {
		t.Fatal("Snapshot() missing python entry")
	}
	if got.ExecutionCount != 2 || got.SuccessCount != 1 || got.FailureCount != 1 {
		t.Errorf("Snapshot() = %+v, want 2 executions, 1 success, 1 failure", got)
	}
	if got.PoolHits != 1 || got.PoolMisses != 1 {
		t.Errorf("Snapshot() pool hits/misses = %d/%d, want 1/1", got.PoolHits, got.PoolMisses)
	}
	if got.AvgTimeMs != 100 {
		t.Errorf("Snapshot() AvgTimeMs = %v, want 100", got.AvgTimeMs)
	}
}

func TestRecordExecutionPersistsDurableCounters(t *testing.T) {
	kv := kvstore.NewFake()
	s := New(kv, discardLogger())
	s.clock = func() time.Time { return time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC) }

	s.RecordExecution(dispatcher.ExecutionMetric{
		Language:        "python",
		Status:          dispatcher.StatusCompleted,
		ExecutionTimeMs: 50,
		APIKeyHash:      "abcdef1234567890abcdef",
		ContainerSource: "pool_hit",
	})

	deadline := time.After(time.Second)
	for {
		fields, err := kv.HGetAll(context.Background(), "metrics:detailed:hourly:2026-07-31-10")
		if err == nil && fields["execution_count"] == "1" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("durable hourly counter never observed, last err=%v fields=%v", err, fields)
		case <-time.After(5 * time.Millisecond):
		}
	}

	fields, err := kv.HGetAll(context.Background(), "metrics:api_key:abcdef1234567890:hour:2026-07-31-10")
	if err != nil {
		t.Fatalf("HGetAll(per-key hourly) error = %v", err)
	}
	if fields["execution_count"] != "1" {
		t.Errorf("per-key execution_count = %q, want 1", fields["execution_count"])
	}
}

func TestPoolEventSinkMethods(t *testing.T) {
	kv := kvstore.NewFake()
	s := New(kv, discardLogger())

	s.PoolHit("python")
	s.PoolMiss("node")
	s.PoolExhausted("python")
	s.ContainerDestroyed("python")

	deadline := time.After(time.Second)
	for {
		fields, err := kv.HGetAll(context.Background(), "metrics:pool:stats")
		if err == nil && fields["hits"] == "1" && fields["misses"] == "1" &&
			fields["exhausted_events"] == "1" && fields["destroyed"] == "1" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("pool stats never fully observed: %v", fields)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestFlushWritesCurrentAndHourlySnapshots(t *testing.T) {
	kv := kvstore.NewFake()
	s := New(kv, discardLogger())
	s.clock = func() time.Time { return time.Date(2026, 7, 31, 11, 0, 0, 0, time.UTC) }
	s.RecordExecution(dispatcher.ExecutionMetric{Language: "go", Status: dispatcher.StatusCompleted, ExecutionTimeMs: 10})

	s.flush(context.Background())

	if _, err := kv.Get(context.Background(), "metrics:current"); err != nil {
		t.Errorf("Get(metrics:current) error = %v", err)
	}
	if _, err := kv.Get(context.Background(), "metrics:hourly:2026-07-31-11"); err != nil {
		t.Errorf("Get(metrics:hourly) error = %v", err)
	}
}

func TestRingTracksRecentExecutions(t *testing.T) {
	r := newRing(3)
	r.push(1)
	r.push(2)
	r.push(3)
	r.push(4)
	if r.len() != 3 {
		t.Fatalf("len() = %d, want 3", r.len())
	}
	got := r.snapshot()
	want := []any{2, 3, 4}
	for i, v := range want {
		if got[i] != v {
			t.Errorf("snapshot()[%d] = %v, want %v", i, got[i], v)
		}
	}
}

func TestSketchPercentiles(t *testing.T) {
	sk := newSketch()
	for i := 1; i <= 100; i++ {
		sk.add(float64(i))
	}
	p := sk.percentiles()
	if p.P50 < 49 || p.P50 > 51 {
		t.Errorf("P50 = %v, want ~50", p.P50)
	}
	if p.P99 < 98 {
		t.Errorf("P99 = %v, want close to 99", p.P99)
	}
}
