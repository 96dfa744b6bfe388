// Package dlog wraps zap in the small sugared-logger surface the rest of
// durably depends on, so components never import zap directly.
package dlog

import (
	"strings"

	"go.uber.org/zap"
)

// Logger is a structured, leveled logger keyed by component via With.
type Logger struct {
	sugar *zap.SugaredLogger
}

// New builds a Logger. mode "prod"/"production" selects zap's production
// config (JSON, info level); anything else (including "") selects the
// development config (console, debug level).
func New(mode string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zl, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{sugar: zl.Sugar()}, nil
}

// Noop returns a Logger that discards everything, for tests and defaults.
func Noop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

func (l *Logger) Sync() {
	if l == nil || l.sugar == nil {
		return
	}
	_ = l.sugar.Sync()
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.sugar.Debugw(msg, kv...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.sugar.Infow(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.sugar.Warnw(msg, kv...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.sugar.Errorw(msg, kv...) }

// With returns a child Logger carrying the given key/value pairs on every
// subsequent log line, the idiom every component uses to tag its logs
// with a component/run/job identity.
func (l *Logger) With(kv ...interface{}) *Logger {
	if l == nil {
		return Noop().With(kv...)
	}
	return &Logger{sugar: l.sugar.With(kv...)}
}
