package fsutil

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0770))
	require.NoError(t, ioutil.WriteFile(path, []byte(content), 0660))
}

func TestExecMkdirAndRemove(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, Exec(dir, []string{"mkdir", "-p", "a/b/c"}))
	assert.DirExists(t, filepath.Join(dir, "a/b/c"))

	err := Exec(dir, []string{"rm", "a"})
	assert.Error(t, err, "directories need -r")

	require.NoError(t, Exec(dir, []string{"rm", "-r", "a"}))
	assert.NoDirExists(t, filepath.Join(dir, "a"))

	assert.Error(t, Exec(dir, []string{"rm", "missing"}))
	assert.NoError(t, Exec(dir, []string{"rm", "-rf", "missing"}))
}

func TestExecMove(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "one.txt"), "1")
	touch(t, filepath.Join(dir, "two.txt"), "2")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "out"), 0770))

	require.NoError(t, Exec(dir, []string{"mv", "one.txt", "two.txt", "out"}))
	assert.FileExists(t, filepath.Join(dir, "out/one.txt"))
	assert.FileExists(t, filepath.Join(dir, "out/two.txt"))

	require.NoError(t, Exec(dir, []string{"mv", "out/one.txt", "renamed.txt"}))
	assert.FileExists(t, filepath.Join(dir, "renamed.txt"))

	assert.Error(t, Exec(dir, []string{"mv", "renamed.txt"}))
}

func TestExecCopy(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "src/a.txt"), "a")
	touch(t, filepath.Join(dir, "src/sub/b.txt"), "b")

	assert.Error(t, Exec(dir, []string{"cp", "src", "dest"}))
	require.NoError(t, Exec(dir, []string{"cp", "-r", "src", "dest"}))

	data, err := ioutil.ReadFile(filepath.Join(dir, "dest/sub/b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(data))

	require.NoError(t, Exec(dir, []string{"cp", "src/a.txt", "copy.txt"}))
	assert.FileExists(t, filepath.Join(dir, "copy.txt"))
}

func TestExecUnknown(t *testing.T) {
	assert.Error(t, Exec(t.TempDir(), []string{"ln", "a", "b"}))
	assert.Error(t, Exec(t.TempDir(), nil))
}
