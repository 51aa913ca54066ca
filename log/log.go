// Package log provides named per-subsystem loggers for the mark daemon.
package log

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var root = newRoot()

func newRoot() *zap.Logger {
	level := zapcore.InfoLevel
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(os.Stderr), level)
	return zap.New(core)
}

// NewModuleLogger returns a logger named after the given subsystem. Callers
// use the key/value variants (Infow, Errorw, ...) so that fields stay
// structured all the way to the sink.
func NewModuleLogger(module string) *zap.SugaredLogger {
	return root.Named(module).Sugar()
}
