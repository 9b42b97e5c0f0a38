package apikey

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sandrunner/sandrunner/internal/kvstore"
)

// ErrImmutable is returned when a caller attempts to mutate an
// environment-sourced record.
var ErrImmutable = errors.New("apikey: environment keys are immutable")

// ErrNotFound is returned when a managed key hash has no record.
var ErrNotFound = errors.New("apikey: not found")

const keyPrefixLen = 11

// Service implements API-key CRUD, validation, and rate limiting.
type Service struct {
	store      *Store
	envKeys    []string
	logger     *slog.Logger
	rateLimOn  bool
	clock      func() time.Time
}

// NewService creates a Service. envKeys are the process-configured
// unlimited, immutable keys (from API_KEY/API_KEYS).
func NewService(kv kvstore.Store, envKeys []string, rateLimitEnabled bool, logger *slog.Logger) *Service {
	return &Service{
		store:     NewStore(kv),
		envKeys:   envKeys,
		logger:    logger,
		rateLimOn: rateLimitEnabled,
		clock:     time.Now,
	}
}

// Create generates a new key, stores its record, and returns the full raw
// key (only ever returned here) alongside the stored record.
func (s *Service) Create(ctx context.Context, name string, limits RateLimits, metadata map[string]string) (string, *Record, error) {
	full, err := generateKey()
	if err != nil {
		return "", nil, fmt.Errorf("generating key: %w", err)
	}
	hash := HashKey(full)

	rec := &Record{
		KeyHash:    hash,
		KeyPrefix:  full[:keyPrefixLen],
		Name:       name,
		Enabled:    true,
		CreatedAt:  s.clock(),
		Metadata:   metadata,
		RateLimits: limits,
		Source:     SourceManaged,
	}

	if err := s.store.PutRecord(ctx, rec); err != nil {
		return "", nil, fmt.Errorf("storing record: %w", err)
	}
	if err := s.store.AddToIndex(ctx, hash); err != nil {
		return "", nil, fmt.Errorf("indexing record: %w", err)
	}

	return full, rec, nil
}

// Get returns the record for keyHash, or nil if it does not exist.
func (s *Service) Get(ctx context.Context, keyHash string) (*Record, error) {
	rec, err := s.store.GetRecord(ctx, keyHash)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// List returns every managed record, and every materialised environment
// record when includeEnvironment is true.
func (s *Service) List(ctx context.Context, includeEnvironment bool) ([]*Record, error) {
	hashes, err := s.store.ManagedHashes(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing managed keys: %w", err)
	}

	var out []*Record
	for _, h := range hashes {
		rec, err := s.store.GetRecord(ctx, h)
		if errors.Is(err, kvstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading record %s: %w", h, err)
		}
		out = append(out, rec)
	}

	if includeEnvironment {
		envHashes, err := s.store.EnvHashes(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing environment keys: %w", err)
		}
		for _, h := range envHashes {
			rec, err := s.store.GetRecord(ctx, h)
			if errors.Is(err, kvstore.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("loading env record %s: %w", h, err)
			}
			out = append(out, rec)
		}
	}

	return out, nil
}

// UpdateParams holds the optional fields Update may change.
type UpdateParams struct {
	Enabled    *bool
	RateLimits *RateLimits
	Name       *string
}

// Update mutates a managed record and invalidates its validation cache
// entry so a disabled key is rejected before the cache's 300s TTL expires.
// Refuses to mutate environment records.
func (s *Service) Update(ctx context.Context, keyHash string, p UpdateParams) error {
	rec, err := s.store.GetRecord(ctx, keyHash)
	if errors.Is(err, kvstore.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if rec.Source == SourceEnvironment {
		return ErrImmutable
	}

	if p.Enabled != nil {
		rec.Enabled = *p.Enabled
	}
	if p.RateLimits != nil {
		rec.RateLimits = *p.RateLimits
	}
	if p.Name != nil {
		rec.Name = *p.Name
	}

	if err := s.store.PutRecord(ctx, rec); err != nil {
		return fmt.Errorf("updating record: %w", err)
	}
	return s.store.InvalidateValidationCache(ctx, ShortHash(keyHash))
}

// Revoke permanently removes a managed record. Refuses environment records.
func (s *Service) Revoke(ctx context.Context, keyHash string) (bool, error) {
	rec, err := s.store.GetRecord(ctx, keyHash)
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if rec.Source == SourceEnvironment {
		return false, ErrImmutable
	}

	if err := s.store.DeleteRecord(ctx, keyHash); err != nil {
		return false, fmt.Errorf("deleting record: %w", err)
	}
	if err := s.store.RemoveFromIndex(ctx, keyHash); err != nil {
		return false, fmt.Errorf("unindexing record: %w", err)
	}
	if err := s.store.InvalidateValidationCache(ctx, ShortHash(keyHash)); err != nil {
		return false, fmt.Errorf("invalidating cache: %w", err)
	}
	return true, nil
}

// FindByPrefix linearly scans the managed index for a hash whose stored
// prefix matches, for admin-CLI convenience lookups.
func (s *Service) FindByPrefix(ctx context.Context, prefix string) (string, bool, error) {
	hashes, err := s.store.ManagedHashes(ctx)
	if err != nil {
		return "", false, fmt.Errorf("listing managed keys: %w", err)
	}
	for _, h := range hashes {
		rec, err := s.store.GetRecord(ctx, h)
		if errors.Is(err, kvstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", false, err
		}
		if rec.KeyPrefix == prefix {
			return h, true, nil
		}
	}
	return "", false, nil
}

// Validate implements the five-step validation algorithm from the
// specification: validation-cache check, record lookup, then constant-time
// comparison against configured environment keys.
func (s *Service) Validate(ctx context.Context, fullKey string) (ValidationResult, error) {
	hash := HashKey(fullKey)
	short := ShortHash(hash)

	if verdict, err := s.store.GetValidationCache(ctx, short); err == nil {
		switch verdict {
		case "1":
			rec, err := s.store.GetRecord(ctx, hash)
			if err == nil {
				return ValidationResult{Valid: true, KeyHash: hash, Record: rec}, nil
			}
		case "env":
			return ValidationResult{Valid: true, KeyHash: hash, IsEnvKey: true}, nil
		}
	} else if !errors.Is(err, kvstore.ErrNotFound) {
		return ValidationResult{}, err
	}

	rec, err := s.store.GetRecord(ctx, hash)
	if err == nil {
		if rec.Enabled {
			if cacheErr := s.store.SetValidationCache(ctx, short, "1"); cacheErr != nil {
				s.logger.Warn("caching validation result failed", "err", cacheErr)
			}
			return ValidationResult{Valid: true, KeyHash: hash, Record: rec}, nil
		}
		return ValidationResult{Valid: false}, nil
	}
	if !errors.Is(err, kvstore.ErrNotFound) {
		return ValidationResult{}, err
	}

	for _, envKey := range s.envKeys {
		if subtle.ConstantTimeCompare([]byte(fullKey), []byte(envKey)) == 1 {
			if err := s.materializeEnvRecord(ctx, hash, fullKey); err != nil {
				s.logger.Warn("materializing environment key record failed", "err", err)
			}
			if cacheErr := s.store.SetValidationCache(ctx, short, "env"); cacheErr != nil {
				s.logger.Warn("caching validation result failed", "err", cacheErr)
			}
			return ValidationResult{Valid: true, KeyHash: hash, IsEnvKey: true}, nil
		}
	}

	return ValidationResult{Valid: false}, nil
}

// materializeEnvRecord records an environment key's record on first sight,
// as an immutable, unlimited Source: environment record.
func (s *Service) materializeEnvRecord(ctx context.Context, hash, fullKey string) error {
	existing, err := s.store.GetRecord(ctx, hash)
	if err == nil && existing != nil {
		return s.store.AddToEnvIndex(ctx, hash)
	}

	rec := &Record{
		KeyHash:   hash,
		KeyPrefix: prefixOf(fullKey),
		Name:      "environment",
		Enabled:   true,
		CreatedAt: s.clock(),
		Source:    SourceEnvironment,
	}
	if err := s.store.PutRecord(ctx, rec); err != nil {
		return err
	}
	return s.store.AddToEnvIndex(ctx, hash)
}

// CheckRateLimits evaluates windows shortest-first (per_second, per_minute,
// hourly, daily, monthly) and returns the first exhausted one, if any.
// Environment keys are always unlimited. Counters are read-only here: they
// are incremented separately by IncrementUsage after the request is
// admitted, so concurrent bursts may collectively exceed a limit by up to
// the burst's concurrency — this is accepted, approximate rate limiting.
func (s *Service) CheckRateLimits(ctx context.Context, rec *Record) (bool, *Period, error) {
	if !s.rateLimOn || rec == nil || rec.Source == SourceEnvironment {
		return true, nil, nil
	}

	short := ShortHash(rec.KeyHash)
	now := s.clock()

	for _, p := range Periods {
		limit, ok := rec.RateLimits.limit(p)
		if !ok {
			continue
		}
		used, err := s.store.BucketUsage(ctx, short, p, now)
		if err != nil {
			return false, nil, err
		}
		if used >= limit {
			exceeded := p
			return false, &exceeded, nil
		}
	}
	return true, nil, nil
}

// IncrementUsage atomically bumps every period's counter and the record's
// aggregate usage_count/last_used_at, fire-and-forget from the caller's
// perspective — callers should not fail a request if this errors.
func (s *Service) IncrementUsage(ctx context.Context, rec *Record) error {
	short := ShortHash(rec.KeyHash)
	now := s.clock()

	for _, p := range Periods {
		if _, err := s.store.IncrementBucket(ctx, short, p, now); err != nil {
			return fmt.Errorf("incrementing %s bucket: %w", p, err)
		}
	}

	if rec.Source == SourceEnvironment {
		return nil
	}

	if _, err := s.store.kv.HIncrBy(ctx, recordKey(rec.KeyHash), "usage_count", 1); err != nil {
		return fmt.Errorf("incrementing usage_count: %w", err)
	}
	if err := s.store.kv.HSet(ctx, recordKey(rec.KeyHash), map[string]string{
		"last_used_at": now.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return fmt.Errorf("setting last_used_at: %w", err)
	}
	return nil
}

// RateLimitStatus returns the current state of all five windows for a
// record, for display in admin stats and rate-limit-exceeded responses.
func (s *Service) RateLimitStatus(ctx context.Context, rec *Record) ([]WindowStatus, error) {
	now := s.clock()
	short := ShortHash(rec.KeyHash)

	out := make([]WindowStatus, 0, len(Periods))
	for _, p := range Periods {
		limit, ok := rec.RateLimits.limit(p)
		status := WindowStatus{Period: p, ResetsAt: ResetAt(p, now)}
		if !ok {
			status.Unlimited = true
			out = append(out, status)
			continue
		}
		used, err := s.store.BucketUsage(ctx, short, p, now)
		if err != nil {
			return nil, err
		}
		status.Limit = limit
		status.Used = used
		status.Remaining = max(0, limit-used)
		status.Exceeded = used >= limit
		out = append(out, status)
	}
	return out, nil
}

func generateKey() (string, error) {
	b := make([]byte, 18) // 18 bytes -> 24 base64url chars
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "sk-" + base64.RawURLEncoding.EncodeToString(b), nil
}

func prefixOf(fullKey string) string {
	if len(fullKey) < keyPrefixLen {
		return fullKey
	}
	return fullKey[:keyPrefixLen]
}
