package buildsys

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), StateFile)
	stamps, err := OpenStamps(path)
	require.NoError(t, err)

	value, err := stamps.Get("css:dist")
	require.NoError(t, err)
	assert.Empty(t, value)

	require.NoError(t, stamps.Put("css:dist", "abc"))
	require.NoError(t, stamps.Close())

	// stamps survive reopening the database
	stamps, err = OpenStamps(path)
	require.NoError(t, err)
	defer stamps.Close()

	value, err = stamps.Get("css:dist")
	require.NoError(t, err)
	assert.Equal(t, "abc", value)

	require.NoError(t, stamps.Delete("css:dist"))
	value, err = stamps.Get("css:dist")
	require.NoError(t, err)
	assert.Empty(t, value)
}

func TestStampsShared(t *testing.T) {
	path := filepath.Join(t.TempDir(), StateFile)
	first, err := OpenStamps(path)
	require.NoError(t, err)
	defer first.Close()

	// a second process (e.g. "build" next to a running dev session) uses the same file
	second, err := OpenStamps(path)
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, first.Put("html:dist", "one"))
	require.NoError(t, second.Put("css:dist", "two"))

	value, err := second.Get("html:dist")
	require.NoError(t, err)
	assert.Equal(t, "one", value)

	value, err = first.Get("css:dist")
	require.NoError(t, err)
	assert.Equal(t, "two", value)
}

func TestFingerprint(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.css": "a {}",
		"b.css": "b {}",
	})
	a := filepath.Join(root, "a.css")
	b := filepath.Join(root, "b.css")

	first, err := fingerprint([]string{a, b})
	require.NoError(t, err)

	second, err := fingerprint([]string{b, a})
	require.NoError(t, err)
	assert.Equal(t, first, second, "order doesn't matter")

	writeTree(t, root, map[string]string{"b.css": "b { color: red }"})
	changed, err := fingerprint([]string{a, b})
	require.NoError(t, err)
	assert.NotEqual(t, first, changed)

	only, err := fingerprint([]string{a})
	require.NoError(t, err)
	assert.NotEqual(t, changed, only)

	_, err = fingerprint([]string{filepath.Join(root, "missing.css")})
	assert.Error(t, err)
}
