// Package zaplog provides a JSON LoggerInstance backed by go.uber.org/zap for
// deployments that ship logs to an aggregator.
package zaplog

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// JSONLogger implements LoggerInstance with a sugared zap logger.
type JSONLogger struct {
	sugar *zap.SugaredLogger
}

// JSONLoggerParams contains configuration for creating a JSONLogger.
type JSONLoggerParams struct {
	Debug bool
	// Development switches to zap's human-readable development encoder.
	Development bool
}

// NewJSONLogger builds a zap logger from the production (or development) preset.
func NewJSONLogger(params JSONLoggerParams) (*JSONLogger, error) {
	cfg := zap.NewProductionConfig()
	if params.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	level := zapcore.InfoLevel
	if params.Debug {
		level = zapcore.DebugLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return &JSONLogger{sugar: l.Sugar()}, nil
}

// NewJSONLoggerFrom wraps an existing zap logger.
func NewJSONLoggerFrom(l *zap.Logger) *JSONLogger {
	return &JSONLogger{sugar: l.Sugar()}
}

// Sync flushes buffered entries.
func (j *JSONLogger) Sync() error {
	return j.sugar.Sync()
}

func (j *JSONLogger) Log(message string, keyvals ...any) {
	j.sugar.Infow(message, sanitizeKVs(keyvals)...)
}

func (j *JSONLogger) Debug(message string, keyvals ...any) {
	j.sugar.Debugw(message, sanitizeKVs(keyvals)...)
}

func (j *JSONLogger) Info(message string, keyvals ...any) {
	j.sugar.Infow(message, sanitizeKVs(keyvals)...)
}

func (j *JSONLogger) Warn(message string, keyvals ...any) {
	j.sugar.Warnw(message, sanitizeKVs(keyvals)...)
}

func (j *JSONLogger) Error(message string, keyvals ...any) {
	j.sugar.Errorw(message, sanitizeKVs(keyvals)...)
}

func (j *JSONLogger) Fatal(message string, keyvals ...any) {
	j.sugar.Fatalw(message, sanitizeKVs(keyvals)...)
}

// sanitizeKVs makes odd-length lists and non-string keys safe for zap,
// which otherwise logs a DPanic for malformed pairs.
func sanitizeKVs(keyvals []any) []any {
	if len(keyvals) == 0 {
		return nil
	}
	out := make([]any, 0, len(keyvals)+1)
	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		if i+1 >= len(keyvals) {
			out = append(out, key, "(MISSING)")
			break
		}
		if err, ok := keyvals[i+1].(error); ok && err != nil {
			out = append(out, key, err.Error())
			continue
		}
		out = append(out, key, keyvals[i+1])
	}
	return out
}
