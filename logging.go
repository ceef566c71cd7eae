package main

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds a console logger on stdout, tee'd to a JSON log file when
// one is configured. debug forces debug level.
func newLogger(cfg LoggingConfig, debug bool) (*zap.Logger, func(), error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, nil, fmt.Errorf("logging.level: %w", err)
	}
	if debug {
		level = zapcore.DebugLevel
	}
	enabler := zap.NewAtomicLevelAt(level)

	consoleEnc := zap.NewDevelopmentEncoderConfig()
	consoleEnc.EncodeLevel = zapcore.CapitalLevelEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEnc), zapcore.Lock(os.Stdout), enabler),
	}

	cleanup := func() {}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		fileEnc := zap.NewProductionEncoderConfig()
		fileEnc.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileEnc), zapcore.AddSync(f), enabler))
		cleanup = func() { _ = f.Close() }
	}

	opts := []zap.Option{zap.AddCaller()}
	if debug {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	logger := zap.New(zapcore.NewTee(cores...), opts...)
	return logger, func() {
		_ = logger.Sync()
		cleanup()
	}, nil
}
