// Package logging provides the structured logger shared by every localdream
// component. Entries go to the console and to a rotating JSON log file, and
// secrets or image payloads are scrubbed before they reach either sink.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LevelEnvVar overrides the level chosen from the development flag.
const LevelEnvVar = "LOCALDREAM_LOG_LEVEL"

// Options configures NewLogger.
type Options struct {
	// Development selects the colored console encoder and debug level.
	Development bool

	// FilePath is the rotating log file. Empty disables file output.
	FilePath string

	// Rotation overrides the default lumberjack settings.
	Rotation RotationConfig

	// Console receives console output. Defaults to os.Stdout.
	Console io.Writer
}

// Logger wraps zap.Logger and redacts sensitive fields on every call.
type Logger struct {
	zap   *zap.Logger
	sugar *zap.SugaredLogger

	isDevelopment bool
	logFilePath   string
}

// NewLogger builds a Logger from opts. The level is debug in development and
// info otherwise, unless LOCALDREAM_LOG_LEVEL says something else.
func NewLogger(opts Options) (*Logger, error) {
	defaultLevel := zapcore.InfoLevel
	if opts.Development {
		defaultLevel = zapcore.DebugLevel
	}
	level := ParseLogLevel(LevelEnvVar, defaultLevel)

	console := opts.Console
	if console == nil {
		console = os.Stdout
	}

	var file zapcore.WriteSyncer
	if opts.FilePath != "" {
		if err := ensureLogDir(opts.FilePath); err != nil {
			return nil, fmt.Errorf("failed to prepare log directory: %w", err)
		}
		file = NewRotatingWriter(opts.FilePath, opts.Rotation)
	}

	core := NewTeeCore(level, zapcore.AddSync(console), file, opts.Development)
	return newLogger(core, opts.Development, opts.FilePath), nil
}

// NewWithCore wraps an existing core. Tests use it with zaptest/observer.
func NewWithCore(core zapcore.Core) *Logger {
	return newLogger(core, false, "")
}

// NewNop returns a Logger that discards everything.
func NewNop() *Logger {
	return newLogger(zapcore.NewNopCore(), false, "")
}

func newLogger(core zapcore.Core, dev bool, path string) *Logger {
	z := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &Logger{
		zap:           z,
		sugar:         z.Sugar(),
		isDevelopment: dev,
		logFilePath:   path,
	}
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	if l == nil || l.zap == nil {
		return nil
	}
	return l.zap.Sync()
}

func (l *Logger) Debug(msg string, fields ...zap.Field) {
	l.zap.Debug(msg, redactFields(fields)...)
}

func (l *Logger) Info(msg string, fields ...zap.Field) {
	l.zap.Info(msg, redactFields(fields)...)
}

func (l *Logger) Warn(msg string, fields ...zap.Field) {
	l.zap.Warn(msg, redactFields(fields)...)
}

func (l *Logger) Error(msg string, fields ...zap.Field) {
	l.zap.Error(msg, redactFields(fields)...)
}

// Fatal logs then calls os.Exit(1).
func (l *Logger) Fatal(msg string, fields ...zap.Field) {
	l.zap.Fatal(msg, redactFields(fields)...)
}

// Infow logs with loosely-typed key-value pairs.
//
//	logger.Infow("model opened", "model_id", id, "run_on_cpu", true)
func (l *Logger) Infow(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, redactKeysAndValues(keysAndValues)...)
}

func (l *Logger) Debugw(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, redactKeysAndValues(keysAndValues)...)
}

func (l *Logger) Warnw(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, redactKeysAndValues(keysAndValues)...)
}

func (l *Logger) Errorw(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, redactKeysAndValues(keysAndValues)...)
}

func (l *Logger) Infof(template string, args ...interface{}) {
	l.sugar.Infof(template, args...)
}

func (l *Logger) Warnf(template string, args ...interface{}) {
	l.sugar.Warnf(template, args...)
}

// With returns a child logger that adds fields to every entry.
func (l *Logger) With(fields ...zap.Field) *Logger {
	z := l.zap.With(redactFields(fields)...)
	return &Logger{
		zap:           z,
		sugar:         z.Sugar(),
		isDevelopment: l.isDevelopment,
		logFilePath:   l.logFilePath,
	}
}

// Named adds a sub-logger name such as "backend" or "session".
func (l *Logger) Named(name string) *Logger {
	z := l.zap.Named(name)
	return &Logger{
		zap:           z,
		sugar:         z.Sugar(),
		isDevelopment: l.isDevelopment,
		logFilePath:   l.logFilePath,
	}
}

// Zap exposes the underlying logger for libraries that want a *zap.Logger.
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

func (l *Logger) IsDevelopment() bool {
	return l.isDevelopment
}

func (l *Logger) LogFilePath() string {
	return l.logFilePath
}

func redactFields(fields []zap.Field) []zap.Field {
	if len(fields) == 0 {
		return fields
	}
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		out[i] = redactField(f)
	}
	return out
}

func redactField(field zap.Field) zap.Field {
	if IsSensitiveField(field.Key) {
		return zap.String(field.Key, RedactedPlaceholder)
	}
	switch field.Type {
	case zapcore.StringType:
		if redacted := RedactSensitiveData(field.String); redacted != field.String {
			return zap.String(field.Key, redacted)
		}
	case zapcore.BinaryType, zapcore.ByteStringType:
		if b, ok := field.Interface.([]byte); ok && len(b) > maxInlineBytes {
			return zap.String(field.Key, payloadPlaceholder(len(b)))
		}
	}
	return field
}

func redactKeysAndValues(keysAndValues []interface{}) []interface{} {
	if len(keysAndValues) == 0 {
		return keysAndValues
	}
	out := make([]interface{}, len(keysAndValues))
	copy(out, keysAndValues)

	for i := 0; i < len(out)-1; i += 2 {
		key, ok := out[i].(string)
		if !ok {
			continue
		}
		if IsSensitiveField(key) {
			out[i+1] = RedactedPlaceholder
			continue
		}
		switch v := out[i+1].(type) {
		case string:
			out[i+1] = RedactSensitiveData(v)
		case []byte:
			if len(v) > maxInlineBytes {
				out[i+1] = payloadPlaceholder(len(v))
			}
		}
	}
	return out
}
