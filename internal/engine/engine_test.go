package engine_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marxin/cvise/internal/engine"
	"github.com/marxin/cvise/internal/passproto"
)

// oneShotState is a minimal passproto.State that tracks whether a single
// candidate has already been produced, enough to drive the trivial-accept
// scenario (spec §8 S1) without pulling in the binary-search machinery.
type oneShotState struct {
	done bool
}

func (s *oneShotState) Clone() passproto.State {
	cp := *s
	return &cp
}

func (s *oneShotState) String() string {
	return fmt.Sprintf("oneShotState{done:%v}", s.done)
}

// shrinkPass always produces exactly one candidate, truncating the primary
// test case to replacement, and never offers a second candidate regardless
// of whether the first was accepted.
type shrinkPass struct {
	replacement string
}

func (p *shrinkPass) Identity() string          { return "shrinkPass" }
func (p *shrinkPass) CheckPrerequisites() bool   { return true }
func (p *shrinkPass) New(string) (passproto.State, error) {
	return &oneShotState{}, nil
}
func (p *shrinkPass) Advance(string, passproto.State) (passproto.State, error) {
	return nil, nil
}
func (p *shrinkPass) AdvanceOnSuccess(string, passproto.State) (passproto.State, error) {
	return nil, nil
}
func (p *shrinkPass) Transform(path string, state passproto.State, _ passproto.ProcessEventNotifier) (passproto.Result, passproto.State, error) {
	s, ok := state.(*oneShotState)
	if !ok || s == nil || s.done {
		return passproto.ResultStop, state, nil
	}
	if err := os.WriteFile(path, []byte(p.replacement), 0o644); err != nil {
		return passproto.ResultError, state, err
	}
	s.done = true
	return passproto.ResultOK, s, nil
}

// alwaysInvalidPass never produces a candidate, exercising the "no winner"
// path (state goes nil after the first New).
type alwaysInvalidPass struct{}

func (p *alwaysInvalidPass) Identity() string        { return "alwaysInvalidPass" }
func (p *alwaysInvalidPass) CheckPrerequisites() bool { return true }
func (p *alwaysInvalidPass) New(string) (passproto.State, error) {
	return &oneShotState{}, nil
}
func (p *alwaysInvalidPass) Advance(string, passproto.State) (passproto.State, error) {
	return nil, nil
}
func (p *alwaysInvalidPass) AdvanceOnSuccess(string, passproto.State) (passproto.State, error) {
	return nil, nil
}
func (p *alwaysInvalidPass) Transform(string, passproto.State, passproto.ProcessEventNotifier) (passproto.Result, passproto.State, error) {
	return passproto.ResultInvalid, nil, nil
}

func TestRunAcceptsTrivialCandidate(t *testing.T) {
	sourceRoot := t.TempDir()
	primary := "input.c"
	require.NoError(t, os.WriteFile(filepath.Join(sourceRoot, primary), []byte("original content\n"), 0o644))

	eng := engine.New(engine.Config{
		Workers: 2,
		Timeout: 5 * time.Second,
		TmpRoot: t.TempDir(),
	})

	pass := &shrinkPass{replacement: "x"}
	result, err := eng.Run(context.Background(), pass, sourceRoot, []string{primary}, primary, "exit 0")
	require.NoError(t, err)

	assert.True(t, result.Changed)
	assert.EqualValues(t, 1, result.FinalSize)

	got, err := os.ReadFile(filepath.Join(sourceRoot, primary))
	require.NoError(t, err)
	assert.Equal(t, "x", string(got))
}

func TestRunRejectsCandidateWhenPredicateFails(t *testing.T) {
	sourceRoot := t.TempDir()
	primary := "input.c"
	original := "original content\n"
	require.NoError(t, os.WriteFile(filepath.Join(sourceRoot, primary), []byte(original), 0o644))

	eng := engine.New(engine.Config{
		Workers: 1,
		Timeout: 5 * time.Second,
		TmpRoot: t.TempDir(),
	})

	pass := &shrinkPass{replacement: "x"}
	result, err := eng.Run(context.Background(), pass, sourceRoot, []string{primary}, primary, "exit 1")
	require.NoError(t, err)

	assert.False(t, result.Changed)

	got, err := os.ReadFile(filepath.Join(sourceRoot, primary))
	require.NoError(t, err)
	assert.Equal(t, original, string(got))
}

func TestRunAcceptsSameSizeContentChange(t *testing.T) {
	sourceRoot := t.TempDir()
	primary := "input.c"
	require.NoError(t, os.WriteFile(filepath.Join(sourceRoot, primary), []byte("aaaa"), 0o644))

	eng := engine.New(engine.Config{
		Workers: 1,
		Timeout: 5 * time.Second,
		TmpRoot: t.TempDir(),
	})

	// Same length as the original, so a size-based "did it change" proxy
	// would misclassify this as the unchanged-output pass bug.
	pass := &shrinkPass{replacement: "bbbb"}
	result, err := eng.Run(context.Background(), pass, sourceRoot, []string{primary}, primary, "exit 0")
	require.NoError(t, err)

	assert.True(t, result.Changed)
	got, err := os.ReadFile(filepath.Join(sourceRoot, primary))
	require.NoError(t, err)
	assert.Equal(t, "bbbb", string(got))
}

func TestRunKillsTimedOutPredicateProcessGroup(t *testing.T) {
	sourceRoot := t.TempDir()
	primary := "input.c"
	require.NoError(t, os.WriteFile(filepath.Join(sourceRoot, primary), []byte("original\n"), 0o644))

	markerDir := t.TempDir()
	marker := filepath.Join(markerDir, "marker")
	predicate := fmt.Sprintf("sleep 2 && touch %s && exit 0", marker)

	eng := engine.New(engine.Config{
		Workers: 1,
		Timeout: 100 * time.Millisecond,
		TmpRoot: t.TempDir(),
	})

	pass := &shrinkPass{replacement: "x"}
	_, err := eng.Run(context.Background(), pass, sourceRoot, []string{primary}, primary, predicate)
	require.NoError(t, err)

	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "timed-out predicate should have been killed before it could create the marker file")
}

func TestRunNoCandidateLeavesTestCaseUntouched(t *testing.T) {
	sourceRoot := t.TempDir()
	primary := "input.c"
	original := "unchanged\n"
	require.NoError(t, os.WriteFile(filepath.Join(sourceRoot, primary), []byte(original), 0o644))

	eng := engine.New(engine.Config{
		Workers: 1,
		Timeout: 5 * time.Second,
		TmpRoot: t.TempDir(),
	})

	result, err := eng.Run(context.Background(), &alwaysInvalidPass{}, sourceRoot, []string{primary}, primary, "exit 0")
	require.NoError(t, err)
	assert.False(t, result.Changed)

	got, err := os.ReadFile(filepath.Join(sourceRoot, primary))
	require.NoError(t, err)
	assert.Equal(t, original, string(got))
}
