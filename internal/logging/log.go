// Package logging constructs the process zap.Logger. Grounded on
// keploy-keploy/utils/log's New() shape: a logger writing to both stderr
// and a log file, built once at startup and threaded explicitly through
// every component rather than kept as a package-level global.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. logFilePath is where structured logs are
// additionally written; if empty, only the console core is built.
func New(logFilePath string) (*zap.Logger, *os.File, error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleEncoder := zapcore.NewConsoleEncoder(encoderCfg)
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), zap.DebugLevel),
	}

	var logFile *os.File
	if logFilePath != "" {
		f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: failed to open log file: %w", err)
		}
		if err := os.Chmod(logFilePath, 0o644); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("logging: failed to chmod log file: %w", err)
		}

		jsonEncoder := zapcore.NewJSONEncoder(encoderCfg)
		cores = append(cores, zapcore.NewCore(jsonEncoder, zapcore.Lock(f), zap.InfoLevel))
		logFile = f
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return logger, logFile, nil
}
