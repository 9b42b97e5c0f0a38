package apikey

import (
	"context"
	"log/slog"
	"io"
	"testing"
	"time"

	"github.com/sandrunner/sandrunner/internal/kvstore"
)

func testService() *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(kvstore.NewFake(), []string{"sk-env-key"}, true, logger)
}

func intPtr(n int) *int { return &n }

func TestCreateGetListRevokeRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := testService()

	full, rec, err := svc.Create(ctx, "test-key", RateLimits{PerMinute: intPtr(10)}, map[string]string{"env": "ci"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if full == "" || rec.KeyHash == "" {
		t.Fatalf("Create() returned empty key/record")
	}

	got, err := svc.Get(ctx, rec.KeyHash)
	if err != nil || got == nil {
		t.Fatalf("Get() = %v, %v", got, err)
	}
	if got.Name != "test-key" {
		t.Errorf("Get().Name = %q, want test-key", got.Name)
	}

	list, err := svc.List(ctx, false)
	if err != nil || len(list) != 1 {
		t.Fatalf("List() = %v, %v", list, err)
	}

	ok, err := svc.Revoke(ctx, rec.KeyHash)
	if err != nil || !ok {
		t.Fatalf("Revoke() = %v, %v", ok, err)
	}

	got, err = svc.Get(ctx, rec.KeyHash)
	if err != nil || got != nil {
		t.Fatalf("Get() after revoke = %v, %v, want nil", got, err)
	}
}

func TestValidateManagedKey(t *testing.T) {
	ctx := context.Background()
	svc := testService()

	full, _, err := svc.Create(ctx, "k", RateLimits{}, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	res, err := svc.Validate(ctx, full)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !res.Valid || res.IsEnvKey {
		t.Fatalf("Validate() = %+v, want valid managed key", res)
	}

	// Second call should hit the validation cache.
	res2, err := svc.Validate(ctx, full)
	if err != nil || !res2.Valid {
		t.Fatalf("Validate() cached = %+v, %v", res2, err)
	}
}

func TestValidateEnvironmentKey(t *testing.T) {
	ctx := context.Background()
	svc := testService()

	res, err := svc.Validate(ctx, "sk-env-key")
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !res.Valid || !res.IsEnvKey {
		t.Fatalf("Validate() = %+v, want valid environment key", res)
	}
}

func TestValidateInvalidKey(t *testing.T) {
	ctx := context.Background()
	svc := testService()

	res, err := svc.Validate(ctx, "sk-does-not-exist")
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if res.Valid {
		t.Fatalf("Validate() = %+v, want invalid", res)
	}
}

func TestUpdateDisableInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	svc := testService()

	full, rec, _ := svc.Create(ctx, "k", RateLimits{}, nil)
	if _, err := svc.Validate(ctx, full); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	disabled := false
	if err := svc.Update(ctx, rec.KeyHash, UpdateParams{Enabled: &disabled}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	res, err := svc.Validate(ctx, full)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if res.Valid {
		t.Fatalf("Validate() after disable = %+v, want invalid", res)
	}
}

func TestUpdateRefusesEnvironmentRecord(t *testing.T) {
	ctx := context.Background()
	svc := testService()

	if _, err := svc.Validate(ctx, "sk-env-key"); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	hash := HashKey("sk-env-key")

	name := "renamed"
	err := svc.Update(ctx, hash, UpdateParams{Name: &name})
	if err == nil {
		t.Fatalf("Update() on environment record succeeded, want ErrImmutable")
	}
}

func TestCheckRateLimitsOrderAndExceeded(t *testing.T) {
	ctx := context.Background()
	svc := testService()

	_, rec, _ := svc.Create(ctx, "k", RateLimits{PerMinute: intPtr(2), Hourly: intPtr(100)}, nil)

	for i := 0; i < 2; i++ {
		allowed, exceeded, err := svc.CheckRateLimits(ctx, rec)
		if err != nil || !allowed || exceeded != nil {
			t.Fatalf("CheckRateLimits() iteration %d = %v, %v, %v", i, allowed, exceeded, err)
		}
		if err := svc.IncrementUsage(ctx, rec); err != nil {
			t.Fatalf("IncrementUsage() error = %v", err)
		}
	}

	allowed, exceeded, err := svc.CheckRateLimits(ctx, rec)
	if err != nil {
		t.Fatalf("CheckRateLimits() error = %v", err)
	}
	if allowed {
		t.Fatalf("CheckRateLimits() allowed = true, want false after exhausting per_minute")
	}
	if exceeded == nil || *exceeded != PeriodMinute {
		t.Fatalf("CheckRateLimits() exceeded = %v, want per_minute", exceeded)
	}
}

func TestResetAtMonthlyRollsOverYear(t *testing.T) {
	dec := time.Date(2024, time.December, 15, 10, 0, 0, 0, time.UTC)
	reset := ResetAt(PeriodMonth, dec)
	if reset.Year() != 2025 || reset.Month() != time.January {
		t.Errorf("ResetAt(month, Dec 2024) = %v, want Jan 2025", reset)
	}
}

func TestResetAtMonotonicPerPeriod(t *testing.T) {
	now := time.Now()
	for _, p := range Periods {
		r1 := ResetAt(p, now)
		r2 := ResetAt(p, now.Add(time.Millisecond))
		if r2.Before(r1) {
			t.Errorf("ResetAt(%s) not monotonic: %v then %v", p, r1, r2)
		}
	}
}

func TestEnvironmentKeysSkipRateLimit(t *testing.T) {
	ctx := context.Background()
	svc := testService()

	res, err := svc.Validate(ctx, "sk-env-key")
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	rec := &Record{KeyHash: res.KeyHash, Source: SourceEnvironment, RateLimits: RateLimits{PerMinute: intPtr(0)}}

	allowed, exceeded, err := svc.CheckRateLimits(ctx, rec)
	if err != nil || !allowed || exceeded != nil {
		t.Fatalf("CheckRateLimits() for env key = %v, %v, %v, want always allowed", allowed, exceeded, err)
	}
}
