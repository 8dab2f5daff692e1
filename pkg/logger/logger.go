// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger holds the process-wide logger for tokenchain services.
//
// Components take a *slog.Logger in their constructors; [Get] and [For] hand
// out the shared instance configured by [Initialize].
package logger

import (
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-core/env"
	"github.com/stacklok/toolhive-core/logging"
)

// FormatEnvVar selects the output format. "json" produces structured output,
// anything else produces text.
const FormatEnvVar = "TOKENCHAIN_LOG_FORMAT"

var singleton atomic.Pointer[slog.Logger]

func init() {
	singleton.Store(logging.New())
}

// Get returns the shared logger.
func Get() *slog.Logger {
	return singleton.Load()
}

// Set replaces the shared logger. Intended for tests capturing output.
func Set(l *slog.Logger) {
	singleton.Store(l)
}

// For returns the shared logger tagged with a component name.
func For(component string) *slog.Logger {
	return Get().With("component", component)
}

// Debugw logs at debug level with key-value pairs.
func Debugw(msg string, keysAndValues ...any) {
	Get().Debug(msg, keysAndValues...)
}

// Infow logs at info level with key-value pairs.
func Infow(msg string, keysAndValues ...any) {
	Get().Info(msg, keysAndValues...)
}

// Warnw logs at warning level with key-value pairs.
func Warnw(msg string, keysAndValues ...any) {
	Get().Warn(msg, keysAndValues...)
}

// Errorw logs at error level with key-value pairs.
func Errorw(msg string, keysAndValues ...any) {
	Get().Error(msg, keysAndValues...)
}

// Fatalw logs at error level and exits the process.
func Fatalw(msg string, keysAndValues ...any) {
	Get().Error(msg, keysAndValues...)
	os.Exit(1)
}

// NewLogr adapts the shared logger for libraries that log through logr.
func NewLogr() logr.Logger {
	return logr.FromSlogHandler(Get().Handler())
}

// Initialize configures the shared logger from the environment and the
// "debug" viper key.
func Initialize() {
	InitializeWithEnv(&env.OSReader{})
}

// InitializeWithEnv is Initialize with an injectable environment reader.
func InitializeWithEnv(envReader env.Reader) {
	var opts []logging.Option

	if !structuredWithEnv(envReader) {
		opts = append(opts, logging.WithFormat(logging.FormatText))
	}

	if viper.GetBool("debug") {
		opts = append(opts, logging.WithLevel(slog.LevelDebug))
	}

	singleton.Store(logging.New(opts...))
}

func structuredWithEnv(envReader env.Reader) bool {
	return strings.EqualFold(strings.TrimSpace(envReader.Getenv(FormatEnvVar)), "json")
}
