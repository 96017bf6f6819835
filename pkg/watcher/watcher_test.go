package watcher

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatterns(t *testing.T) {
	root := filepath.FromSlash("/project")

	result, err := Patterns(root, []string{
		filepath.FromSlash("/project/src/**/*"),
		"assets/*.png",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"src/**/*", "assets/*.png"}, result)

	_, err = Patterns(root, []string{filepath.FromSlash("/elsewhere/**")})
	assert.Error(t, err)
}
