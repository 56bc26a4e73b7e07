// Package cvlog is the reducer's structured logging facade. It wraps
// github.com/joeycumines/logiface (a generic structured logging core)
// configured with the github.com/joeycumines/stumpy backend, following the
// factory pattern of logiface/stumpy: L.New(L.WithStumpy(WithWriter(w))).
//
// The package-level, mutex-guarded global logger and category-tagged
// leveled helpers are adapted from eventloop/logging.go's ergonomics
// (SetStructuredLogger / getGlobalLogger / per-category LogEntry), replacing
// event-loop categories (timer, promise, poll) with pass-run categories
// (pass, engine, cache, supervisor).
package cvlog

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"

	"github.com/marxin/cvise/internal/catratelimit"
)

// Category tags the subsystem a log entry originates from.
type Category string

const (
	CategoryEngine     Category = "engine"
	CategoryPass       Category = "pass"
	CategoryCache      Category = "cache"
	CategorySupervisor Category = "supervisor"
	CategoryDriver     Category = "driver"
	CategoryCLI        Category = "cli"
)

var (
	mu     sync.RWMutex
	logger = newDefault(os.Stderr)
	// limiter throttles repeated diagnostics for the same (category, key)
	// pair, per SPEC_FULL.md's ambient-stack note on noisy pass-bug
	// reports. nil until configured via SetRateLimits.
	limiter *catratelimit.Limiter
)

func newDefault(w io.Writer) *logiface.Logger[*stumpy.Event] {
	return stumpy.L.New(stumpy.L.WithStumpy(stumpy.WithWriter(w)))
}

// SetOutput reconfigures the global logger to write to w. Intended for
// tests (capturing output) and for --save-temps/--verbose style wiring in
// cmd/cvise.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger = newDefault(w)
}

// SetLevel sets the minimum level of the global logger.
func SetLevel(level logiface.Level) {
	mu.Lock()
	defer mu.Unlock()
	logger = stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		stumpy.L.WithLevel(level),
	)
}

// SetRateLimits installs a category rate limiter used by Throttled. rates
// maps a sliding window duration to the maximum number of events allowed in
// that window (see catratelimit.New / github.com/joeycumines/go-catrate).
func SetRateLimits(rates map[time.Duration]int) {
	mu.Lock()
	defer mu.Unlock()
	limiter = catratelimit.New(rates)
}

func get() *logiface.Logger[*stumpy.Event] {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Debugf logs a debug-level message tagged with category.
func Debugf(category Category, format string, args ...any) {
	get().Debug().Str("category", string(category)).Logf(format, args...)
}

// Infof logs an informational message tagged with category.
func Infof(category Category, format string, args ...any) {
	get().Info().Str("category", string(category)).Logf(format, args...)
}

// Warnf logs a warning tagged with category.
func Warnf(category Category, format string, args ...any) {
	get().Warning().Str("category", string(category)).Logf(format, args...)
}

// Errorf logs an error tagged with category.
func Errorf(category Category, err error, format string, args ...any) {
	b := get().Err().Str("category", string(category))
	if err != nil {
		b = b.Err(err)
	}
	b.Logf(format, args...)
}

// Throttled reports whether a diagnostic identified by (category, key)
// should be emitted now, given the configured rate limits (see
// SetRateLimits). With no limiter configured, every call is allowed, so
// throttling is strictly opt-in.
func Throttled(category Category, key string) bool {
	mu.RLock()
	l := limiter
	mu.RUnlock()
	if l == nil {
		return true
	}
	_, ok := l.Allow(string(category) + "::" + key)
	return ok
}

// WarnfThrottled is Warnf, but suppressed if Throttled(category, key) is
// false - used for high-frequency diagnostics like repeated pass-bug
// reports for the same pass identity (spec §9, open question on noisy
// diagnostics).
func WarnfThrottled(category Category, key string, format string, args ...any) {
	if !Throttled(category, key) {
		return
	}
	Warnf(category, format, args...)
}
