package apikey

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/sandrunner/sandrunner/internal/kvstore"
)

const (
	recordsPrefix = "api_keys:records:"
	indexKey      = "api_keys:index"
	envIndexKey   = "api_keys:env_index"
	validPrefix   = "api_keys:valid:"
	usagePrefix   = "api_keys:usage:"

	validCacheTTL = 300 * time.Second
)

// windowTTL is 2x the window's own duration for second, minute, hour and
// day, and 32 days for month, per the spec's "TTL slightly longer than the
// period" rule, so buckets die on their own without any explicit reset code.
var windowTTL = map[Period]time.Duration{
	PeriodSecond: 2 * time.Second,
	PeriodMinute: 120 * time.Second,
	PeriodHour:   7200 * time.Second,
	PeriodDay:    172800 * time.Second,
	PeriodMonth:  2764800 * time.Second,
}

// Store is the raw KV-store adapter for API key records and rate-limit
// buckets, matching the key schema in the service specification.
type Store struct {
	kv kvstore.Store
}

// NewStore wraps a kvstore.Store for API-key persistence.
func NewStore(kv kvstore.Store) *Store {
	return &Store{kv: kv}
}

// HashKey returns the hex-encoded SHA-256 hash of a full key.
func HashKey(fullKey string) string {
	sum := sha256.Sum256([]byte(fullKey))
	return hex.EncodeToString(sum[:])
}

// ShortHash returns the first 16 hex characters of a key hash, used as the
// KV-key suffix for rate-limit buckets and the validation cache.
func ShortHash(keyHash string) string {
	if len(keyHash) < 16 {
		return keyHash
	}
	return keyHash[:16]
}

func recordKey(keyHash string) string { return recordsPrefix + keyHash }
func validKey(shortHash string) string { return validPrefix + shortHash }

// PutRecord writes the full hash representation of a record.
func (s *Store) PutRecord(ctx context.Context, r *Record) error {
	return s.kv.HSet(ctx, recordKey(r.KeyHash), encodeRecord(r))
}

// GetRecord reads a record by key hash, or kvstore.ErrNotFound.
func (s *Store) GetRecord(ctx context.Context, keyHash string) (*Record, error) {
	fields, err := s.kv.HGetAll(ctx, recordKey(keyHash))
	if err != nil {
		return nil, err
	}
	return decodeRecord(keyHash, fields)
}

// DeleteRecord removes a record's hash.
func (s *Store) DeleteRecord(ctx context.Context, keyHash string) error {
	return s.kv.Del(ctx, recordKey(keyHash))
}

// AddToIndex adds a key hash to the managed-key index set.
func (s *Store) AddToIndex(ctx context.Context, keyHash string) error {
	return s.kv.SAdd(ctx, indexKey, keyHash)
}

// RemoveFromIndex removes a key hash from the managed-key index set.
func (s *Store) RemoveFromIndex(ctx context.Context, keyHash string) error {
	return s.kv.SRem(ctx, indexKey, keyHash)
}

// ManagedHashes returns every hash in the managed-key index.
func (s *Store) ManagedHashes(ctx context.Context) ([]string, error) {
	return s.kv.SMembers(ctx, indexKey)
}

// AddToEnvIndex records that an environment key has been materialised.
func (s *Store) AddToEnvIndex(ctx context.Context, keyHash string) error {
	return s.kv.SAdd(ctx, envIndexKey, keyHash)
}

// EnvHashes returns every hash materialised into the environment-key index.
func (s *Store) EnvHashes(ctx context.Context) ([]string, error) {
	return s.kv.SMembers(ctx, envIndexKey)
}

// SetValidationCache caches a validation verdict ("1" or "env") for shortHash.
func (s *Store) SetValidationCache(ctx context.Context, shortHash, verdict string) error {
	return s.kv.SetEX(ctx, validKey(shortHash), verdict, validCacheTTL)
}

// GetValidationCache returns the cached verdict, or kvstore.ErrNotFound.
func (s *Store) GetValidationCache(ctx context.Context, shortHash string) (string, error) {
	return s.kv.Get(ctx, validKey(shortHash))
}

// InvalidateValidationCache drops a cached validation verdict so the next
// Validate call re-checks the record instead of trusting a stale cache hit.
func (s *Store) InvalidateValidationCache(ctx context.Context, shortHash string) error {
	return s.kv.Del(ctx, validKey(shortHash))
}

// bucketKey formats the calendar-aligned bucket identifier for a period at
// instant t, e.g. "2024-01-15-10:30:00" for second, "2024-01" for month.
func bucketKey(p Period, t time.Time) string {
	t = t.UTC()
	switch p {
	case PeriodSecond:
		return t.Format("2006-01-02-15:04:05")
	case PeriodMinute:
		return t.Format("2006-01-02-15:04")
	case PeriodHour:
		return t.Format("2006-01-02-15")
	case PeriodDay:
		return t.Format("2006-01-02")
	case PeriodMonth:
		return t.Format("2006-01")
	default:
		return t.Format(time.RFC3339)
	}
}

func usageKey(shortHash string, p Period, t time.Time) string {
	return fmt.Sprintf("%s%s:%s:%s", usagePrefix, shortHash, p, bucketKey(p, t))
}

// IncrementBucket atomically increments the usage counter for shortHash in
// period p at instant t, setting the bucket's TTL on first increment.
func (s *Store) IncrementBucket(ctx context.Context, shortHash string, p Period, t time.Time) (int64, error) {
	return s.kv.IncrExpire(ctx, usageKey(shortHash, p, t), windowTTL[p])
}

// BucketUsage returns the current counter value for shortHash in period p
// at instant t, or 0 if the bucket does not exist (not yet incremented).
func (s *Store) BucketUsage(ctx context.Context, shortHash string, p Period, t time.Time) (int, error) {
	v, err := s.kv.Get(ctx, usageKey(shortHash, p, t))
	if err != nil {
		return 0, nil //nolint:nilerr // missing bucket means zero usage, not an error
	}
	n, convErr := strconv.Atoi(v)
	if convErr != nil {
		return 0, nil
	}
	return n, nil
}

// ResetAt computes the instant at which the bucket containing t for period
// p expires: truncate to the window, then add one window's duration.
// Monthly periods roll December into January of the following year.
func ResetAt(p Period, t time.Time) time.Time {
	t = t.UTC()
	switch p {
	case PeriodSecond:
		return t.Truncate(time.Second).Add(time.Second)
	case PeriodMinute:
		return t.Truncate(time.Minute).Add(time.Minute)
	case PeriodHour:
		return t.Truncate(time.Hour).Add(time.Hour)
	case PeriodDay:
		y, m, d := t.Date()
		start := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		return start.AddDate(0, 0, 1)
	case PeriodMonth:
		y, m, _ := t.Date()
		start := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
		return start.AddDate(0, 1, 0) // time.Date normalises Dec+1 -> Jan of next year
	default:
		return t
	}
}

func encodeRecord(r *Record) map[string]string {
	fields := map[string]string{
		"key_hash":    r.KeyHash,
		"key_prefix":  r.KeyPrefix,
		"name":        r.Name,
		"enabled":     strconv.FormatBool(r.Enabled),
		"created_at":  r.CreatedAt.UTC().Format(time.RFC3339Nano),
		"usage_count": strconv.FormatInt(r.UsageCount, 10),
		"source":      string(r.Source),
	}
	if r.LastUsedAt != nil {
		fields["last_used_at"] = r.LastUsedAt.UTC().Format(time.RFC3339Nano)
	}
	encodeLimit(fields, "rl_per_second", r.RateLimits.PerSecond)
	encodeLimit(fields, "rl_per_minute", r.RateLimits.PerMinute)
	encodeLimit(fields, "rl_hourly", r.RateLimits.Hourly)
	encodeLimit(fields, "rl_daily", r.RateLimits.Daily)
	encodeLimit(fields, "rl_monthly", r.RateLimits.Monthly)
	for k, v := range r.Metadata {
		fields["meta_"+k] = v
	}
	return fields
}

func encodeLimit(fields map[string]string, field string, v *int) {
	if v != nil {
		fields[field] = strconv.Itoa(*v)
	}
}

func decodeRecord(keyHash string, fields map[string]string) (*Record, error) {
	r := &Record{
		KeyHash:    keyHash,
		KeyPrefix:  fields["key_prefix"],
		Name:       fields["name"],
		Enabled:    fields["enabled"] == "true",
		Source:     Source(fields["source"]),
		Metadata:   map[string]string{},
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		r.CreatedAt = ts
	}
	if raw, ok := fields["last_used_at"]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			r.LastUsedAt = &ts
		}
	}
	if n, err := strconv.ParseInt(fields["usage_count"], 10, 64); err == nil {
		r.UsageCount = n
	}
	r.RateLimits.PerSecond = decodeLimit(fields["rl_per_second"])
	r.RateLimits.PerMinute = decodeLimit(fields["rl_per_minute"])
	r.RateLimits.Hourly = decodeLimit(fields["rl_hourly"])
	r.RateLimits.Daily = decodeLimit(fields["rl_daily"])
	r.RateLimits.Monthly = decodeLimit(fields["rl_monthly"])
	for k, v := range fields {
		if rest, ok := trimPrefix(k, "meta_"); ok {
			r.Metadata[rest] = v
		}
	}
	return r, nil
}

func decodeLimit(raw string) *int {
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &n
}

func trimPrefix(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return "", false
}
