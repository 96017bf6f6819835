package config

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "tasks.star", cfg.Tasks)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.True(t, cfg.Server.LiveReload)
	assert.Equal(t, 300*time.Millisecond, cfg.LullDuration())
	assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel())
	assert.Equal(t, map[string]string{"src": "src", "tmp": "tmp", "dist": "dist"}, cfg.ScriptOptions(nil))
}

func TestFileAndEnv(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, ioutil.WriteFile(filepath.Join(root, FileName), []byte(`
[server]
host = "0.0.0.0"
port = 8080

[paths]
dist = "public"
`), 0660))
	t.Setenv("SITEPIPE_LOG_LEVEL", "debug")

	cfg, err := Load(root)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, zerolog.DebugLevel, cfg.LogLevel())
	assert.Equal(t, "public", cfg.ScriptOptions(nil)["dist"])
	assert.Equal(t, "build", cfg.ScriptOptions(map[string]string{"dist": "build"})["dist"])
}

func TestValidate(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	broken := *cfg
	broken.Log.Level = "chatty"
	assert.Error(t, broken.Validate())

	broken = *cfg
	broken.Server.Port = 70000
	assert.Error(t, broken.Validate())

	broken = *cfg
	broken.Paths.Tmp = ""
	assert.Error(t, broken.Validate())
}
