package logging

import (
	"time"

	"go.uber.org/zap/zapcore"
)

// JSON keys used in file output.
const (
	FieldTimestamp  = "timestamp"
	FieldLevel      = "level"
	FieldComponent  = "component"
	FieldMessage    = "message"
	FieldStacktrace = "stacktrace"
	FieldCaller     = "caller"
)

// NewTeeCore writes to the console and, when file is non-nil, to a JSON file.
// In development the console gets colored human-readable lines; otherwise
// both sinks carry JSON.
func NewTeeCore(level zapcore.Level, console, file zapcore.WriteSyncer, dev bool) zapcore.Core {
	var consoleEnc zapcore.Encoder
	if dev {
		consoleEnc = zapcore.NewConsoleEncoder(ConsoleEncoderConfig())
	} else {
		consoleEnc = zapcore.NewJSONEncoder(JSONEncoderConfig())
	}
	consoleCore := zapcore.NewCore(consoleEnc, console, level)
	if file == nil {
		return consoleCore
	}

	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(JSONEncoderConfig()), file, level)
	return zapcore.NewTee(consoleCore, fileCore)
}

// JSONEncoderConfig is used for the log file and production console.
func JSONEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        FieldTimestamp,
		LevelKey:       FieldLevel,
		NameKey:        FieldComponent,
		CallerKey:      FieldCaller,
		MessageKey:     FieldMessage,
		StacktraceKey:  FieldStacktrace,
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// ConsoleEncoderConfig is the human-readable variant for development.
func ConsoleEncoderConfig() zapcore.EncoderConfig {
	cfg := JSONEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("15:04:05.000"))
	}
	cfg.EncodeDuration = zapcore.StringDurationEncoder
	return cfg
}
