// Package ratelimit tracks per-executable rate-limit state: reset floor
// enforcement, output-pattern detection, rapid-exit detection, and
// fallback-chain resolution (spec.md §4.5). The scan-for-a-stale-condition
// shape is grounded on the periodic orphan sweep this module's Session
// Manager also borrows from; here the "stale" condition is an executable
// that keeps getting rate-limited, backed by a per-executable circuit
// breaker rather than only a timestamp.
package ratelimit

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentorchestrator/ao/pkg/aotypes"
	"github.com/agentorchestrator/ao/pkg/orchestrator"
	"github.com/sony/gobreaker"
)

// Tracker holds per-executable RateLimitEntry records plus a circuit
// breaker per executable, so a flapping external CLI trips its breaker
// independent of (and faster than) its reset-floor expiry.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]aotypes.RateLimitEntry
	breakers map[string]*gobreaker.CircuitBreaker

	minResetFloor      time.Duration
	rapidExitThreshold time.Duration
	fallbackChains     map[string][]string

	now    func() time.Time
	logger *slog.Logger
}

// New builds a Tracker from config.
func New(cfg orchestrator.RateLimitConfig, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	chains := make(map[string][]string, len(cfg.FallbackChains))
	for k, v := range cfg.FallbackChains {
		chains[k] = append([]string(nil), v...)
	}
	return &Tracker{
		entries:            make(map[string]aotypes.RateLimitEntry),
		breakers:           make(map[string]*gobreaker.CircuitBreaker),
		minResetFloor:      cfg.MinResetFloor,
		rapidExitThreshold: cfg.RapidExitThreshold,
		fallbackChains:     chains,
		now:                time.Now,
		logger:             logger.With("component", "ratelimit.Tracker"),
	}
}

func (t *Tracker) breakerFor(executable string) *gobreaker.CircuitBreaker {
	if b, ok := t.breakers[executable]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        executable,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     t.minResetFloor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	})
	t.breakers[executable] = b
	return b
}

// RecordRateLimit records that executable hit a rate limit. resetAt is
// floored to now+minResetFloor regardless of what the agent reported, so
// a false "retry in 30s" claim can't thrash the fleet.
func (t *Tracker) RecordRateLimit(executable string, resetAt time.Time, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	floor := now.Add(t.minResetFloor)
	if resetAt.Before(floor) {
		resetAt = floor
	}
	t.entries[executable] = aotypes.RateLimitEntry{
		Executable:    executable,
		RateLimitedAt: now,
		ResetAt:       resetAt,
		Reason:        reason,
	}
	// Trip the breaker's failure counter so two rate limits in a row open
	// it even if the floor hasn't been reached yet.
	_, _ = t.breakerFor(executable).Execute(func() (any, error) {
		return nil, errRateLimited
	})
	t.logger.Warn("executable rate limited", "executable", executable, "reset_at", resetAt, "reason", reason)
}

// IsRateLimited reports whether executable currently has a live entry or
// an open circuit breaker, lazily deleting any entry whose ResetAt has
// passed.
func (t *Tracker) IsRateLimited(executable string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isRateLimitedLocked(executable)
}

// isRateLimitedLocked consults the timed entry first, then falls back to
// the breaker: a flapping executable can trip its breaker open before (or
// after) its last recorded entry has expired, and either signal is enough
// to call it unavailable.
func (t *Tracker) isRateLimitedLocked(executable string) bool {
	if e, ok := t.entries[executable]; ok {
		if e.ResetAt.After(t.now()) {
			return true
		}
		delete(t.entries, executable)
	}
	if b, ok := t.breakers[executable]; ok && b.State() == gobreaker.StateOpen {
		return true
	}
	return false
}

// GetEntry returns the live entry for executable, if any. When only the
// breaker (not a timed entry) is signaling rate-limited, it synthesizes an
// entry so callers have a Reason/ResetAt to report.
func (t *Tracker) GetEntry(executable string) (aotypes.RateLimitEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.isRateLimitedLocked(executable) {
		return aotypes.RateLimitEntry{}, false
	}
	if e, ok := t.entries[executable]; ok {
		return e, true
	}
	return aotypes.RateLimitEntry{
		Executable:    executable,
		RateLimitedAt: t.now(),
		ResetAt:       t.now().Add(t.minResetFloor),
		Reason:        "circuit breaker open",
	}, true
}

// GetAvailableExecutable returns preferred if it isn't limited; else walks
// the configured fallback chain, returning the first unlimited member;
// else returns preferred (caller decides what to do with a limited
// executable).
func (t *Tracker) GetAvailableExecutable(preferred string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.isRateLimitedLocked(preferred) {
		return preferred
	}
	for _, fallback := range t.fallbackChains[preferred] {
		if !t.isRateLimitedLocked(fallback) {
			return fallback
		}
	}
	return preferred
}

// DetectionResult is detectFromOutput's verdict.
type DetectionResult struct {
	Detected bool
	ResetAt  time.Time
	Reason   string
}

var rateLimitPatterns = regexp.MustCompile(`(?i)rate[_ -]?limit|too many requests|429|quota exceeded|throttled`)

var durationPatterns = []struct {
	re   *regexp.Regexp
	unit time.Duration
}{
	{regexp.MustCompile(`(?i)try again in (\d+)\s*sec`), time.Second},
	{regexp.MustCompile(`(?i)try again in (\d+)\s*min`), time.Minute},
	{regexp.MustCompile(`(?i)try again in (\d+)\s*hour`), time.Hour},
	{regexp.MustCompile(`(?i)retry after (\d+)\s*sec`), time.Second},
	{regexp.MustCompile(`(?i)retry after (\d+)\s*min`), time.Minute},
	{regexp.MustCompile(`(?i)retry after (\d+)\s*hour`), time.Hour},
	{regexp.MustCompile(`(?i)wait (\d+)\s*sec`), time.Second},
	{regexp.MustCompile(`(?i)wait (\d+)\s*min`), time.Minute},
	{regexp.MustCompile(`(?i)wait (\d+)\s*hour`), time.Hour},
	{regexp.MustCompile(`(?i)resets in (\d+)\s*sec`), time.Second},
	{regexp.MustCompile(`(?i)resets in (\d+)\s*min`), time.Minute},
	{regexp.MustCompile(`(?i)resets in (\d+)\s*hour`), time.Hour},
}

var absoluteResetPattern = regexp.MustCompile(`(?i)resets at (\d{4}-\d{2}-\d{2}T\d{2}:\d{2}(:\d{2})?)`)

// DetectFromOutput scans agent output for a rate-limit indication and, if
// found, tries to extract a reset time.
func (t *Tracker) DetectFromOutput(text string) DetectionResult {
	if !rateLimitPatterns.MatchString(text) {
		return DetectionResult{Detected: false}
	}

	now := t.now()
	for _, dp := range durationPatterns {
		m := dp.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		return DetectionResult{
			Detected: true,
			ResetAt:  now.Add(time.Duration(n) * dp.unit),
			Reason:   strings.TrimSpace(text),
		}
	}
	if m := absoluteResetPattern.FindStringSubmatch(text); m != nil {
		layout := "2006-01-02T15:04"
		if m[2] != "" {
			layout = "2006-01-02T15:04:05"
		}
		if ts, err := time.Parse(layout, m[1]); err == nil {
			return DetectionResult{Detected: true, ResetAt: ts, Reason: strings.TrimSpace(text)}
		}
	}
	return DetectionResult{Detected: true, Reason: strings.TrimSpace(text)}
}

// DetectRapidExit reports whether a process exited suspiciously fast
// (< rapidExitThreshold) — used to treat an unexplained quick exit as a
// probable rate limit even without matching output.
func (t *Tracker) DetectRapidExit(start, end time.Time) bool {
	d := end.Sub(start)
	return d >= 0 && d < t.rapidExitThreshold
}

var errRateLimited = rateLimitSentinel("rate limited")

type rateLimitSentinel string

func (e rateLimitSentinel) Error() string { return string(e) }
