package testenv_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marxin/cvise/internal/passproto"
	"github.com/marxin/cvise/internal/procsup"
	"github.com/marxin/cvise/internal/testenv"
)

func TestNewMaterializesEveryTestCase(t *testing.T) {
	sourceRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceRoot, "a.c"), []byte("aaaa"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(sourceRoot, "sub"), 0o777))
	require.NoError(t, os.WriteFile(filepath.Join(sourceRoot, "sub", "b.c"), []byte("bb"), 0o644))

	root := t.TempDir()
	env, err := testenv.New(root, 0, sourceRoot, []string{"a.c", filepath.Join("sub", "b.c")}, "a.c", "exit 0", nil, nil, nil)
	require.NoError(t, err)
	defer env.Release()

	assert.EqualValues(t, 4, env.BaseSize)
	assert.Equal(t, filepath.Join(env.Folder, "a.c"), env.TestCasePath())

	got, err := os.ReadFile(filepath.Join(env.Folder, "sub", "b.c"))
	require.NoError(t, err)
	assert.Equal(t, "bb", string(got))
}

func TestSizeImprovementReflectsOnDiskShrink(t *testing.T) {
	sourceRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceRoot, "a.c"), []byte("aaaaaaaaaa"), 0o644))

	root := t.TempDir()
	env, err := testenv.New(root, 0, sourceRoot, []string{"a.c"}, "a.c", "exit 0", nil, nil, nil)
	require.NoError(t, err)
	defer env.Release()

	require.NoError(t, os.WriteFile(env.TestCasePath(), []byte("aaa"), 0o644))
	assert.EqualValues(t, 7, env.SizeImprovement())
}

func TestSuccessRequiresOKResultAndZeroExit(t *testing.T) {
	sourceRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceRoot, "a.c"), []byte("x"), 0o644))

	root := t.TempDir()
	env, err := testenv.New(root, 0, sourceRoot, []string{"a.c"}, "a.c", "exit 0", nil, nil, nil)
	require.NoError(t, err)
	defer env.Release()

	assert.False(t, env.Success())

	env.Result = passproto.ResultOK
	env.ExitCode = 0
	assert.True(t, env.Success())

	env.ExitCode = 1
	assert.False(t, env.Success())
}

func TestRunPredicateOnlyReportsExitCode(t *testing.T) {
	sourceRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceRoot, "a.c"), []byte("x"), 0o644))

	root := t.TempDir()
	env, err := testenv.New(root, 0, sourceRoot, []string{"a.c"}, "a.c", "exit 7", nil, nil, nil)
	require.NoError(t, err)
	defer env.Release()

	code := env.RunPredicateOnly()
	assert.Equal(t, 7, code)
	assert.Equal(t, passproto.ResultOK, env.Result)
}

func TestDumpCopiesTestCasesAndPredicate(t *testing.T) {
	sourceRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceRoot, "a.c"), []byte("x"), 0o644))

	predicate := filepath.Join(t.TempDir(), "interesting.sh")
	require.NoError(t, os.WriteFile(predicate, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	root := t.TempDir()
	env, err := testenv.New(root, 0, sourceRoot, []string{"a.c"}, "a.c", predicate, nil, nil, nil)
	require.NoError(t, err)
	defer env.Release()

	dst := filepath.Join(t.TempDir(), "dump")
	require.NoError(t, env.Dump(dst))

	got, err := os.ReadFile(filepath.Join(dst, "a.c"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(got))

	_, err = os.Stat(filepath.Join(dst, "interesting.sh"))
	assert.NoError(t, err)
}

func TestUnchangedDetectsSameSizeContentChange(t *testing.T) {
	sourceRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceRoot, "a.c"), []byte("aaaa"), 0o644))

	root := t.TempDir()
	env, err := testenv.New(root, 0, sourceRoot, []string{"a.c"}, "a.c", "exit 0", nil, nil, nil)
	require.NoError(t, err)
	defer env.Release()

	assert.True(t, env.Unchanged())

	require.NoError(t, os.WriteFile(env.TestCasePath(), []byte("bbbb"), 0o644))
	assert.False(t, env.Unchanged())
}

func TestKillTerminatesLiveProcessGroup(t *testing.T) {
	sourceRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceRoot, "a.c"), []byte("x"), 0o644))

	root := t.TempDir()
	queue := procsup.NewQueue()
	sup := procsup.NewSupervisor()
	sup.GraceTimeout = 50 * time.Millisecond
	env, err := testenv.New(root, 0, sourceRoot, []string{"a.c"}, "a.c", "exit 0", nil, queue, sup)
	require.NoError(t, err)
	defer env.Release()

	cmd := exec.Command("sleep", "5")
	procsup.Prepare(cmd)
	require.NoError(t, cmd.Start())
	queue.NotifyStarted(cmd.Process.Pid)

	env.Kill()

	err = cmd.Wait()
	assert.Error(t, err, "the sleep process should have been killed rather than running to completion")
}

func TestReleaseRemovesFolder(t *testing.T) {
	sourceRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceRoot, "a.c"), []byte("x"), 0o644))

	root := t.TempDir()
	env, err := testenv.New(root, 0, sourceRoot, []string{"a.c"}, "a.c", "exit 0", nil, nil, nil)
	require.NoError(t, err)

	env.Release()
	_, err = os.Stat(env.Folder)
	assert.True(t, os.IsNotExist(err))
}
