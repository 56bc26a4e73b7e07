package catratelimit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/marxin/cvise/internal/catratelimit"
)

func TestNilRatesNeverThrottles(t *testing.T) {
	l := catratelimit.New(nil)
	for i := 0; i < 5; i++ {
		_, ok := l.Allow("Lines")
		assert.True(t, ok)
	}
}

func TestNilLimiterNeverThrottles(t *testing.T) {
	var l *catratelimit.Limiter
	_, ok := l.Allow("Lines")
	assert.True(t, ok)
}

func TestConfiguredRateThrottlesAfterLimit(t *testing.T) {
	l := catratelimit.New(map[time.Duration]int{time.Minute: 1})

	_, first := l.Allow("Lines")
	assert.True(t, first)

	_, second := l.Allow("Lines")
	assert.False(t, second)
}

func TestCategoriesAreIndependent(t *testing.T) {
	l := catratelimit.New(map[time.Duration]int{time.Minute: 1})

	_, a := l.Allow("Lines")
	_, b := l.Allow("Blank")
	assert.True(t, a)
	assert.True(t, b)
}

func TestDefaultRatesShape(t *testing.T) {
	rates := catratelimit.DefaultRates()
	assert.Equal(t, 1, rates[5*time.Second])
	assert.Equal(t, 20, rates[time.Minute])
}
