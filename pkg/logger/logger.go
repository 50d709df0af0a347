// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger is the process-wide logger of guildgate.
//
// It wraps a *slog.Logger built by toolhive-core/logging. Packages log
// through the package-level helpers; components that take a logger as a
// dependency use [Get].
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-core/env"
	"github.com/stacklok/toolhive-core/logging"
)

const (
	// EnvUnstructuredLogs selects plain text output when true or unset.
	EnvUnstructuredLogs = "UNSTRUCTURED_LOGS"

	// EnvLogLevel overrides the log level (debug, info, warn, error).
	EnvLogLevel = "GUILDGATE_LOG_LEVEL"
)

var singleton atomic.Pointer[slog.Logger]

func init() {
	singleton.Store(logging.New())
}

func get() *slog.Logger {
	return singleton.Load()
}

// Get returns the underlying *slog.Logger.
func Get() *slog.Logger {
	return get()
}

// Set replaces the logger. Tests use it to capture output.
func Set(l *slog.Logger) {
	singleton.Store(l)
}

// Debugf logs a formatted message at debug level.
func Debugf(msg string, args ...any) {
	get().Debug(fmt.Sprintf(msg, args...))
}

// Debugw logs a message at debug level with key-value pairs.
func Debugw(msg string, keysAndValues ...any) {
	get().Debug(msg, keysAndValues...)
}

// Info logs a message at info level.
func Info(msg string) {
	get().Info(msg)
}

// Infof logs a formatted message at info level.
func Infof(msg string, args ...any) {
	get().Info(fmt.Sprintf(msg, args...))
}

// Infow logs a message at info level with key-value pairs.
func Infow(msg string, keysAndValues ...any) {
	get().Info(msg, keysAndValues...)
}

// Warnf logs a formatted message at warning level.
func Warnf(msg string, args ...any) {
	get().Warn(fmt.Sprintf(msg, args...))
}

// Warnw logs a message at warning level with key-value pairs.
func Warnw(msg string, keysAndValues ...any) {
	get().Warn(msg, keysAndValues...)
}

// Errorf logs a formatted message at error level.
func Errorf(msg string, args ...any) {
	get().Error(fmt.Sprintf(msg, args...))
}

// Errorw logs a message at error level with key-value pairs.
func Errorw(msg string, keysAndValues ...any) {
	get().Error(msg, keysAndValues...)
}

// Fatalw logs a message at error level with key-value pairs and exits.
func Fatalw(msg string, keysAndValues ...any) {
	get().Error(msg, keysAndValues...)
	os.Exit(1)
}

// Initialize configures the logger from the process environment and the
// "debug" viper flag.
func Initialize() {
	InitializeWithEnv(&env.OSReader{})
}

// InitializeWithEnv configures the logger reading the environment through envReader.
func InitializeWithEnv(envReader env.Reader) {
	var opts []logging.Option

	if unstructuredLogsWithEnv(envReader) {
		opts = append(opts, logging.WithFormat(logging.FormatText))
	}
	if level, ok := levelWithEnv(envReader); ok {
		opts = append(opts, logging.WithLevel(level))
	}

	singleton.Store(logging.New(opts...))
}

func unstructuredLogsWithEnv(envReader env.Reader) bool {
	unstructuredLogs, err := strconv.ParseBool(envReader.Getenv(EnvUnstructuredLogs))
	if err != nil {
		// unset or invalid
		return true
	}
	return unstructuredLogs
}

// levelWithEnv resolves the log level. The debug flag wins over the
// environment; ok is false when neither sets a level.
func levelWithEnv(envReader env.Reader) (slog.Level, bool) {
	if viper.GetBool("debug") {
		return slog.LevelDebug, true
	}
	raw := strings.TrimSpace(envReader.Getenv(EnvLogLevel))
	if raw == "" {
		return slog.LevelInfo, false
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo, false
	}
	return level, true
}
