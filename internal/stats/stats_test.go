package stats_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marxin/cvise/internal/stats"
)

func TestAddExecutedDividesByParallelWorkers(t *testing.T) {
	s := stats.New()
	s.AddExecuted("Lines", 4*time.Second, 4)

	results := s.SortedResults()
	require.Len(t, results, 1)
	assert.Equal(t, "Lines", results[0].PassIdentity)
	assert.InDelta(t, 1.0, results[0].TotalSeconds, 0.001)
	assert.Equal(t, 1, results[0].TotallyExecuted)
}

func TestAddExecutedTreatsNonPositiveWorkersAsOne(t *testing.T) {
	s := stats.New()
	s.AddExecuted("Lines", 2*time.Second, 0)

	results := s.SortedResults()
	assert.InDelta(t, 2.0, results[0].TotalSeconds, 0.001)
}

func TestSuccessAndFailureCounts(t *testing.T) {
	s := stats.New()
	s.AddSuccess("Lines")
	s.AddSuccess("Lines")
	s.AddFailure("Lines")

	results := s.SortedResults()
	assert.Equal(t, 2, results[0].Worked)
	assert.Equal(t, 1, results[0].Failed)
}

func TestSortedResultsOrdersByDescendingTotalSeconds(t *testing.T) {
	s := stats.New()
	s.AddExecuted("Fast", 1*time.Second, 1)
	s.AddExecuted("Slow", 10*time.Second, 1)

	results := s.SortedResults()
	require.Len(t, results, 2)
	assert.Equal(t, "Slow", results[0].PassIdentity)
	assert.Equal(t, "Fast", results[1].PassIdentity)
}

func TestSortedResultsTiesBrokenByName(t *testing.T) {
	s := stats.New()
	s.AddExecuted("Zeta", 1*time.Second, 1)
	s.AddExecuted("Alpha", 1*time.Second, 1)

	results := s.SortedResults()
	assert.Equal(t, "Alpha", results[0].PassIdentity)
	assert.Equal(t, "Zeta", results[1].PassIdentity)
}

func TestFoldingEntryAppendedLastOnlyWhenSuccessful(t *testing.T) {
	s := stats.New()
	s.AddExecuted("Lines", 5*time.Second, 1)

	// empty pass identity routes to the folding entry.
	s.AddSuccess("")

	results := s.SortedResults()
	require.Len(t, results, 2)
	assert.Equal(t, "Folding (merging transformations from other passes)", results[len(results)-1].PassIdentity)
}

func TestFoldingEntryOmittedWithoutSuccess(t *testing.T) {
	s := stats.New()
	s.AddExecuted("Lines", 5*time.Second, 1)

	results := s.SortedResults()
	assert.Len(t, results, 1)
}
