//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

// Package log is the process wide logger of the pipeline engine. Every
// package logs through the functions below, which forward to Default.
package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Levels accepted by SetLevel and Setup.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
	LevelFatal = "fatal"
)

// Formats accepted by SetFormat and Setup.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Logger is what Default must implement. *zap.SugaredLogger does.
type Logger interface {
	Debug(args ...any)
	Debugf(format string, args ...any)
	Info(args ...any)
	Infof(format string, args ...any)
	Warn(args ...any)
	Warnf(format string, args ...any)
	Error(args ...any)
	Errorf(format string, args ...any)
	Fatal(args ...any)
	Fatalf(format string, args ...any)
}

var level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

var sink zapcore.WriteSyncer = zapcore.Lock(os.Stdout)

// Default receives every log call. Replacing it with another Logger
// detaches it from SetLevel and SetFormat.
var Default Logger = build(FormatConsole)

// Setup applies a level and a format in one call, as read from the
// daemon configuration.
func Setup(lvl, format string) {
	SetFormat(format)
	SetLevel(lvl)
}

// SetLevel changes the level of the zap backed Default. An unknown level
// selects info.
func SetLevel(lvl string) {
	parsed, err := zapcore.ParseLevel(lvl)
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	level.SetLevel(parsed)
}

// SetFormat rebuilds Default with the console or the JSON encoder.
func SetFormat(format string) {
	Default = build(format)
}

func build(format string) *zap.SugaredLogger {
	enc := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "lvl",
		NameKey:        "name",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.RFC3339TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	var encoder zapcore.Encoder
	if format == FormatJSON {
		enc.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewJSONEncoder(enc)
	} else {
		encoder = zapcore.NewConsoleEncoder(enc)
	}
	core := zapcore.NewCore(encoder, sink, level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

// Debug and the functions below forward to Default. The f variants format
// in the manner of fmt.Printf.
func Debug(args ...any) { Default.Debug(args...) }

// Debugf logs at debug level.
func Debugf(format string, args ...any) { Default.Debugf(format, args...) }

// Info logs at info level.
func Info(args ...any) { Default.Info(args...) }

// Infof logs at info level.
func Infof(format string, args ...any) { Default.Infof(format, args...) }

// Warn logs at warn level.
func Warn(args ...any) { Default.Warn(args...) }

// Warnf logs at warn level.
func Warnf(format string, args ...any) { Default.Warnf(format, args...) }

// Error logs at error level.
func Error(args ...any) { Default.Error(args...) }

// Errorf logs at error level.
func Errorf(format string, args ...any) { Default.Errorf(format, args...) }

// Fatal logs and exits the process.
func Fatal(args ...any) { Default.Fatal(args...) }

// Fatalf logs and exits the process.
func Fatalf(format string, args ...any) { Default.Fatalf(format, args...) }
