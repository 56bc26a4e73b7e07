package cvlog_test

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marxin/cvise/internal/cvlog"
)

func TestMain(m *testing.M) {
	code := m.Run()
	cvlog.SetOutput(os.Stderr)
	cvlog.SetRateLimits(nil)
	os.Exit(code)
}

func TestInfofWritesCategoryAndMessage(t *testing.T) {
	var buf bytes.Buffer
	cvlog.SetOutput(&buf)
	defer cvlog.SetOutput(os.Stderr)

	cvlog.Infof(cvlog.CategoryEngine, "pass %s worked", "Lines")

	out := buf.String()
	require.NotEmpty(t, out)
	assert.Contains(t, out, "engine")
	assert.Contains(t, out, "Lines")
}

func TestThrottledAllowsEverythingWithoutLimiter(t *testing.T) {
	cvlog.SetRateLimits(nil)
	for i := 0; i < 3; i++ {
		assert.True(t, cvlog.Throttled(cvlog.CategoryPass, "Lines::stuck"))
	}
}

func TestThrottledSuppressesBeyondConfiguredRate(t *testing.T) {
	cvlog.SetRateLimits(map[time.Duration]int{time.Minute: 1})
	defer cvlog.SetRateLimits(nil)

	assert.True(t, cvlog.Throttled(cvlog.CategoryPass, "Lines::stuck"))
	assert.False(t, cvlog.Throttled(cvlog.CategoryPass, "Lines::stuck"))
}

func TestWarnfThrottledSuppressesSecondCall(t *testing.T) {
	cvlog.SetRateLimits(map[time.Duration]int{time.Minute: 1})
	defer cvlog.SetRateLimits(nil)

	var buf bytes.Buffer
	cvlog.SetOutput(&buf)
	defer cvlog.SetOutput(os.Stderr)

	cvlog.WarnfThrottled(cvlog.CategoryPass, "Lines::stuck", "pass %s got stuck", "Lines")
	firstLen := buf.Len()
	cvlog.WarnfThrottled(cvlog.CategoryPass, "Lines::stuck", "pass %s got stuck", "Lines")

	assert.Equal(t, firstLen, buf.Len())
}
