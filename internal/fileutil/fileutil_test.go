package fileutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marxin/cvise/internal/fileutil"
)

func TestRandomTempNameHasPrefixAndIsUnique(t *testing.T) {
	a := fileutil.RandomTempName()
	b := fileutil.RandomTempName()
	assert.True(t, len(a) > len("cvise-"))
	assert.Equal(t, "cvise-", a[:len("cvise-")])
	assert.NotEqual(t, a, b)
}

func TestRemoveFolderRefusesNonCvisePath(t *testing.T) {
	assert.Panics(t, func() {
		fileutil.RemoveFolder("/tmp/not-guarded")
	})
}

func TestRemoveFolderRemovesCvisePath(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "cvise-abc123")
	require.NoError(t, os.MkdirAll(filepath.Join(target, "nested"), 0o777))
	fileutil.RemoveFolder(target)
	_, err := os.Stat(target)
	assert.True(t, os.IsNotExist(err))
}

func TestMkdirUpToStaysWithinLastParent(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "a", "b", "c")
	require.NoError(t, fileutil.MkdirUpTo(dir, parent))
	fi, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}

func TestMkdirUpToOutsideLastParentIsNoop(t *testing.T) {
	parent := t.TempDir()
	outside := filepath.Join(t.TempDir(), "x", "y")
	require.NoError(t, fileutil.MkdirUpTo(outside, parent))
	_, err := os.Stat(outside)
	assert.True(t, os.IsNotExist(err))
}

func TestFileSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))
	size, err := fileutil.FileSize(path)
	require.NoError(t, err)
	assert.EqualValues(t, 5, size)
}

func TestLineCountIgnoresBlankLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("a\n\n  \nb\nc"), 0o644))
	count, err := fileutil.LineCount(path)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestCopyTestCaseRejectsAbsoluteRel(t *testing.T) {
	err := fileutil.CopyTestCase(t.TempDir(), "/abs/path", t.TempDir())
	assert.Error(t, err)
}

func TestCopyTestCasePreservesRelativeLayout(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o777))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "f.c"), []byte("int main(){}"), 0o644))

	dest := t.TempDir()
	require.NoError(t, fileutil.CopyTestCase(src, filepath.Join("sub", "f.c"), dest))

	got, err := os.ReadFile(filepath.Join(dest, "sub", "f.c"))
	require.NoError(t, err)
	assert.Equal(t, "int main(){}", string(got))
}

func TestReplaceAtomicallyConsumesSourceAndReplacesDestination(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "dest.c")
	require.NoError(t, os.WriteFile(dest, []byte("old"), 0o644))

	source := filepath.Join(dir, "candidate.c")
	require.NoError(t, os.WriteFile(source, []byte("new"), 0o644))

	require.NoError(t, fileutil.ReplaceAtomically(source, dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))

	_, err = os.Stat(source)
	assert.True(t, os.IsNotExist(err))
}

func TestBackupPreservesOriginalContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.c")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0o644))

	require.NoError(t, fileutil.Backup(path))

	got, err := os.ReadFile(path + fileutil.BackupSuffix)
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))
}
