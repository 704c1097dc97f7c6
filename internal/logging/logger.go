// Package logging builds the zap logger the commands run with.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/guseggert/procmux/config"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ParseLevel parses debug, info, warn or error.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zap.DebugLevel, nil
	case "info", "":
		return zap.InfoLevel, nil
	case "warn", "warning":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// New builds a logger writing to every output in c. File outputs are rotated if rotation is enabled.
// The returned close func syncs the logger and closes any files it opened.
func New(c config.LogConfig) (*zap.Logger, func() error, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}

	var encoder zapcore.Encoder
	if strings.ToLower(c.Format) == "json" {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	outputs := c.Outputs
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	var (
		cores   []zapcore.Core
		closers []func() error
	)
	closeAll := func() error {
		var err error
		for _, closer := range closers {
			err = multierr.Append(err, closer())
		}
		return err
	}
	for _, out := range outputs {
		var ws zapcore.WriteSyncer
		switch strings.ToLower(out) {
		case "stdout":
			ws = zapcore.Lock(os.Stdout)
		case "stderr":
			ws = zapcore.Lock(os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return nil, nil, multierr.Append(fmt.Errorf("creating log dir: %w", err), closeAll())
			}
			if c.Rotation.Enable {
				lj := &lumberjack.Logger{
					Filename:   out,
					MaxSize:    c.Rotation.MaxSizeMB,
					MaxBackups: c.Rotation.MaxBackups,
					MaxAge:     c.Rotation.MaxAgeDays,
					Compress:   c.Rotation.Compress,
				}
				closers = append(closers, lj.Close)
				ws = zapcore.AddSync(lj)
			} else {
				f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
				if err != nil {
					return nil, nil, multierr.Append(fmt.Errorf("opening log file: %w", err), closeAll())
				}
				closers = append(closers, f.Close)
				ws = f
			}
		}
		cores = append(cores, zapcore.NewCore(encoder, ws, level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel))
	closeFn := func() error {
		// syncing a terminal fails with EINVAL on some platforms, which is not worth reporting
		_ = logger.Sync()
		return closeAll()
	}
	return logger, closeFn, nil
}
