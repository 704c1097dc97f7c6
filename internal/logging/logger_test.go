package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/guseggert/procmux/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in     string
		exp    string
		expErr bool
	}{
		{in: "debug", exp: "debug"},
		{in: "INFO", exp: "info"},
		{in: "", exp: "info"},
		{in: "warning", exp: "warn"},
		{in: "error", exp: "error"},
		{in: "loud", expErr: true},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			l, err := ParseLevel(c.in)
			if c.expErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.exp, l.String())
		})
	}
}

func TestFileOutput(t *testing.T) {
	for _, rotate := range []bool{false, true} {
		name := "plain"
		if rotate {
			name = "rotated"
		}
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "logs", "procmux.log")
			cfg := config.Default().Log
			cfg.Format = "json"
			cfg.Level = "info"
			cfg.Outputs = []string{path}
			cfg.Rotation.Enable = rotate

			logger, closeFn, err := New(cfg)
			require.NoError(t, err)
			logger.Debug("hidden")
			logger.Info("hello", zap.String("Conn", "abc"))
			require.NoError(t, closeFn())

			b, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Contains(t, string(b), `"msg":"hello"`)
			assert.Contains(t, string(b), `"Conn":"abc"`)
			assert.NotContains(t, string(b), "hidden")
		})
	}
}

func TestBadLevel(t *testing.T) {
	_, _, err := New(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}
