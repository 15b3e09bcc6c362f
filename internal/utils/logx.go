package utils

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the node logger. With a log path, info, error and debug
// records go to separate files under <logPath>/<node>; otherwise everything
// is written to stderr.
func NewLogger(logPath, node, level string) (*zap.Logger, error) {
	minLevel := zapcore.InfoLevel
	if level != "" {
		if err := minLevel.Set(level); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
	encoder := zapcore.NewConsoleEncoder(encCfg)

	if logPath == "" {
		core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), minLevel)
		return zap.New(core), nil
	}

	dir := filepath.Join(logPath, node)
	if err := os.MkdirAll(dir, 0744); err != nil {
		return nil, fmt.Errorf("failed to create log dir %s: %w", dir, err)
	}

	infoOut, err := openLogFile(filepath.Join(dir, "info.log"))
	if err != nil {
		return nil, err
	}
	errorOut, err := openLogFile(filepath.Join(dir, "error.log"))
	if err != nil {
		return nil, err
	}
	dbgOut, err := openLogFile(filepath.Join(dir, "debug.log"))
	if err != nil {
		return nil, err
	}

	// warnings land in the info file, errors and above in the error file
	infoLv := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= minLevel && (l == zapcore.InfoLevel || l == zapcore.WarnLevel)
	})
	errLv := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= zapcore.ErrorLevel })
	dbgLv := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= minLevel && l == zapcore.DebugLevel
	})

	tee := zapcore.NewTee(
		zapcore.NewCore(encoder, infoOut, infoLv),
		zapcore.NewCore(encoder, errorOut, errLv),
		zapcore.NewCore(encoder, dbgOut, dbgLv),
	)
	return zap.New(tee), nil
}

func openLogFile(path string) (zapcore.WriteSyncer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return zapcore.AddSync(f), nil
}
