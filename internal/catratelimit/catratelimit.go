// Package catratelimit adapts github.com/joeycumines/go-catrate's
// category-keyed sliding-window limiter (catrate.NewLimiter /
// (*Limiter).Allow) for the reducer's diagnostic-throttling use case: avoid
// flooding logs with repeated "pass got stuck" / pass-bug reports for the
// same pass identity.
package catratelimit

import (
	"time"

	"github.com/joeycumines/go-catrate"
)

// Limiter throttles repeated events per string category.
type Limiter struct {
	inner *catrate.Limiter
}

// New builds a Limiter from a map of sliding-window duration to maximum
// event count, identical in shape to catrate.NewLimiter. A nil or empty
// rates map yields a Limiter that never throttles (Allow always true),
// matching catrate.Limiter's documented zero-value behavior.
func New(rates map[time.Duration]int) *Limiter {
	if len(rates) == 0 {
		return &Limiter{}
	}
	return &Limiter{inner: catrate.NewLimiter(rates)}
}

// Allow attempts to register an event for category, returning whether it was
// registered (true = emit the diagnostic) and the next time an event will be
// permitted.
func (l *Limiter) Allow(category string) (time.Time, bool) {
	if l == nil || l.inner == nil {
		return time.Time{}, true
	}
	return l.inner.Allow(category)
}

// DefaultRates is a sensible default for pass-bug diagnostics: at most one
// report per pass identity every 5 seconds, and no more than 20 per minute
// overall noise budget per identity.
func DefaultRates() map[time.Duration]int {
	return map[time.Duration]int{
		5 * time.Second: 1,
		time.Minute:     20,
	}
}
