// Package authgate is the auth gate: it extracts an API key from incoming
// requests, validates it via the API-key manager, enforces a per-IP
// failure throttle, and attaches the resulting identity to the request
// context before handing off to the rest of the handler chain.
package authgate

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sandrunner/sandrunner/internal/apikey"
	"github.com/sandrunner/sandrunner/internal/kvstore"
)

const (
	failureThrottleTTL   = time.Hour
	failureThrottleLimit = 10
)

// exemptPaths never pass through key validation. OPTIONS preflights are
// exempted regardless of path (checked separately in Middleware).
var exemptPaths = []string{
	"/health",
	"/ready",
	"/docs",
	"/redoc",
	"/openapi.json",
}

func isExempt(path string) bool {
	for _, p := range exemptPaths {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return strings.HasPrefix(path, "/admin")
}

// Gate is the auth gate's dependencies.
type Gate struct {
	keys   *apikey.Service
	kv     kvstore.Store
	logger *slog.Logger
}

// New creates a Gate.
func New(keys *apikey.Service, kv kvstore.Store, logger *slog.Logger) *Gate {
	return &Gate{keys: keys, kv: kv, logger: logger}
}

// Middleware returns the HTTP middleware enforcing authentication on every
// non-exempt, non-OPTIONS request.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ip := ClientIP(r)
		throttled, err := g.isThrottled(r.Context(), ip)
		if err != nil {
			g.logger.Warn("auth failure throttle check failed", "err", err)
		}
		if throttled {
			w.Header().Set("Retry-After", "3600")
			writeError(w, http.StatusTooManyRequests, "auth_ip_throttled", "too many invalid authentication attempts")
			return
		}

		raw := extractKey(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "auth_missing", "no API key provided")
			return
		}

		result, err := g.keys.Validate(r.Context(), raw)
		if err != nil {
			g.logger.Error("api key validation failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal", "authentication failed")
			return
		}
		if !result.Valid {
			if err := g.recordFailure(r.Context(), ip); err != nil {
				g.logger.Warn("recording auth failure failed", "err", err)
			}
			writeError(w, http.StatusUnauthorized, "auth_invalid", "invalid API key")
			return
		}

		if !result.IsEnvKey && result.Record != nil {
			allowed, exceeded, err := g.keys.CheckRateLimits(r.Context(), result.Record)
			if err != nil {
				g.logger.Error("rate limit check failed", "err", err)
			} else if !allowed {
				writeRateLimitExceeded(w, result.Record, *exceeded, g.keys.RateLimitStatus)
				return
			}
		}

		identity := Identity{
			Authenticated: true,
			APIKey:        raw,
			APIKeyHash:    result.KeyHash,
			IsEnvKey:      result.IsEnvKey,
		}

		if !result.IsEnvKey && result.Record != nil {
			go func(rec *apikey.Record) {
				if err := g.keys.IncrementUsage(context.Background(), rec); err != nil {
					g.logger.Warn("incrementing usage failed", "err", err)
				}
			}(result.Record)
		}

		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), identity)))
	})
}

// extractKey implements the header-extraction precedence: x-api-key, then
// Authorization: Bearer, then Authorization: ApiKey.
func extractKey(r *http.Request) string {
	if k := r.Header.Get("x-api-key"); k != "" {
		return k
	}
	auth := r.Header.Get("Authorization")
	if rest, ok := cutPrefixFold(auth, "Bearer "); ok {
		return strings.TrimSpace(rest)
	}
	if rest, ok := cutPrefixFold(auth, "ApiKey "); ok {
		return strings.TrimSpace(rest)
	}
	return ""
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return s[len(prefix):], true
}

func failureKey(ip string) string { return "auth_failures:" + ip }

func (g *Gate) isThrottled(ctx context.Context, ip string) (bool, error) {
	v, err := g.kv.Get(ctx, failureKey(ip))
	if err != nil {
		return false, nil //nolint:nilerr // no counter yet means not throttled
	}
	n, convErr := strconv.Atoi(v)
	if convErr != nil {
		return false, nil
	}
	return n >= failureThrottleLimit, nil
}

func (g *Gate) recordFailure(ctx context.Context, ip string) error {
	_, err := g.kv.IncrExpire(ctx, failureKey(ip), failureThrottleTTL)
	return err
}

func writeError(w http.ResponseWriter, status int, errCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": errCode, "message": message})
}

func writeRateLimitExceeded(w http.ResponseWriter, rec *apikey.Record, period apikey.Period, statusFn func(context.Context, *apikey.Record) ([]apikey.WindowStatus, error)) {
	statuses, _ := statusFn(context.Background(), rec)
	var exceeded apikey.WindowStatus
	for _, s := range statuses {
		if s.Period == period {
			exceeded = s
			break
		}
	}

	retryAfter := int(time.Until(exceeded.ResetsAt).Seconds())
	if retryAfter < 0 {
		retryAfter = 0
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(exceeded.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(exceeded.Remaining))
	w.Header().Set("X-RateLimit-Period", rateLimitPeriodLabel(period))
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded for "+string(period))
}

// rateLimitPeriodLabel maps a Period to the spelling used by RateLimits'
// JSON fields (per_second/per_minute/hourly/daily/monthly), which is what
// clients see elsewhere in the API and expect on this header.
func rateLimitPeriodLabel(period apikey.Period) string {
	switch period {
	case apikey.PeriodSecond:
		return "per_second"
	case apikey.PeriodMinute:
		return "per_minute"
	case apikey.PeriodHour:
		return "hourly"
	case apikey.PeriodDay:
		return "daily"
	case apikey.PeriodMonth:
		return "monthly"
	default:
		return string(period)
	}
}
