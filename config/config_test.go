package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "procmux.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
listen_addr: 127.0.0.1:9000
ws_listen_addr: ""
queue_size: 8
log:
  level: debug
  format: json
  outputs: [stdout, /tmp/procmux.log]
  rotation:
    enable: true
    max_backups: 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, "", cfg.WSListenAddr)
	assert.Equal(t, 8, cfg.QueueSize)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, []string{"stdout", "/tmp/procmux.log"}, cfg.Log.Outputs)
	assert.True(t, cfg.Log.Rotation.Enable)
	assert.Equal(t, 5, cfg.Log.Rotation.MaxBackups)
	// untouched keys keep their defaults
	assert.Equal(t, Default().Log.Rotation.MaxSizeMB, cfg.Log.Rotation.MaxSizeMB)
}

func TestLoadEnv(t *testing.T) {
	path := writeConfig(t, "listen_addr: 127.0.0.1:9000\n")
	t.Setenv("PROCMUX_LISTEN_ADDR", "127.0.0.1:9001")
	t.Setenv("PROCMUX_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9001", cfg.ListenAddr)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, Default().WSListenAddr, cfg.WSListenAddr)
}

func TestLoadMissingFile(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadInvalid(t *testing.T) {
	cases := []struct {
		name     string
		contents string
		expErr   string
	}{
		{
			name:     "bad level",
			contents: "log:\n  level: loud\n",
			expErr:   "invalid log.level",
		},
		{
			name:     "bad format",
			contents: "log:\n  format: xml\n",
			expErr:   "invalid log.format",
		},
		{
			name:     "no listeners",
			contents: "listen_addr: \"\"\nws_listen_addr: \"\"\n",
			expErr:   "must be set",
		},
		{
			name:     "not yaml",
			contents: "listen_addr: [",
			expErr:   "reading config",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, c.contents))
			assert.ErrorContains(t, err, c.expErr)
		})
	}
}
