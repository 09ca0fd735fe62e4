package main

import (
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger writes JSON to stdout and, when configured, a plain history log
// file and the OTel log pipeline. The returned func closes the file.
func newLogger(level, file string, withOTel bool) (*zap.Logger, func(), error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(os.Stdout), lvl),
	}
	closeFile := func() {}

	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		sink, closeSink, err := zap.Open(file)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		enc := zap.NewProductionEncoderConfig()
		enc.EncodeTime = zapcore.RFC3339TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(enc), sink, zapcore.InfoLevel))
		closeFile = closeSink
	}

	if withOTel {
		cores = append(cores, otelzap.NewCore(modulePath, otelzap.WithLoggerProvider(global.GetLoggerProvider())))
	}

	return zap.New(zapcore.NewTee(cores...)), closeFile, nil
}
