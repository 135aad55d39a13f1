package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a zap logger that writes JSON to the given log file path
// and also writes to stderr at the given level ("info" when empty).
// Session name and PID are included as initial fields.
func New(logPath, sessionName, level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	jsonEncoder := zapcore.NewJSONEncoder(encoderCfg)
	consoleEncoder := zapcore.NewConsoleEncoder(encoderCfg)

	fileCore := zapcore.NewCore(jsonEncoder, zapcore.AddSync(file), lvl)
	stderrCore := zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stderr), lvl)

	core := zapcore.NewTee(fileCore, stderrCore)

	logger := zap.New(core,
		zap.Fields(
			zap.String("session", sessionName),
			zap.Int("pid", os.Getpid()),
		),
	)

	return logger, nil
}
