/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package log provides the slog-based application logger. Console output is a
// compact one-line format (or JSON), and an optional rotating JSON file receives
// the same records. Records carry the component and op attributes set through
// WithComponent/WithOperation, and the composer session id when the logging call
// passes a context created with ContextWithSession.
package log

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"instaprep/internal/version"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger initialization.
// Environment variables:
//   - INSTAPREP_LOG_LEVEL=debug|info|warn|error
//   - INSTAPREP_LOG_FORMAT=console|json
//   - INSTAPREP_LOG_FILE=<path> (rotating JSON file)
//   - INSTAPREP_LOG_SOURCE=true|false
type Options struct {
	Level     string
	Format    string // "console" or "json"
	AddSource bool
	File      string
}

const (
	EnvLevel  = "INSTAPREP_LOG_LEVEL"
	EnvFormat = "INSTAPREP_LOG_FORMAT"
	EnvFile   = "INSTAPREP_LOG_FILE"
	EnvSource = "INSTAPREP_LOG_SOURCE"
)

var (
	mu      sync.RWMutex
	current *slog.Logger
	rotator *lj.Logger
)

// L returns the application logger, initializing it from the environment on first use.
func L() *slog.Logger {
	mu.RLock()
	l := current
	mu.RUnlock()
	if l != nil {
		return l
	}
	Init(FromEnv())
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Init replaces the global logger and slog.Default.
func Init(opts Options) {
	lvl := parseLevel(opts.Level)
	hopts := &slog.HandlerOptions{Level: lvl, AddSource: opts.AddSource}

	var console slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "json":
		console = slog.NewJSONHandler(os.Stderr, hopts)
	default:
		console = newLineHandler(os.Stderr, lvl, opts.AddSource)
	}
	handlers := []slog.Handler{withSession(console)}

	var rot *lj.Logger
	if file := strings.TrimSpace(opts.File); file != "" {
		rot = &lj.Logger{Filename: file, MaxSize: 10, MaxBackups: 3, MaxAge: 28, Compress: true}
		handlers = append(handlers, withSession(slog.NewJSONHandler(rot, hopts)))
	}

	h := handlers[0]
	if len(handlers) > 1 {
		h = fanout(handlers...)
	}
	logger := slog.New(h).With(
		slog.String("app", "instaprep"),
		slog.String("ver", version.Version),
		slog.Time("ts_init", time.Now()),
	)

	mu.Lock()
	prev := rotator
	current = logger
	rotator = rot
	mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	slog.SetDefault(logger)
}

// Close flushes and closes the rotating file, if any.
func Close() error {
	mu.Lock()
	rot := rotator
	rotator = nil
	mu.Unlock()
	if rot == nil {
		return nil
	}
	return rot.Close()
}

// FromEnv builds Options from INSTAPREP_LOG_* variables.
func FromEnv() Options {
	return Options{
		Level:     getenv(EnvLevel, "info"),
		Format:    getenv(EnvFormat, "console"),
		AddSource: strings.EqualFold(getenv(EnvSource, "false"), "true"),
		File:      os.Getenv(EnvFile),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// WithComponent returns a logger with the component attribute pre-set.
func WithComponent(name string) *slog.Logger { return L().With(slog.String("component", name)) }

// WithOperation annotates the logger with an operation name.
func WithOperation(l *slog.Logger, op string) *slog.Logger { return l.With(slog.String("op", op)) }

type sessionKey struct{}

// ContextWithSession tags ctx so that records logged with it carry the session id.
func ContextWithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionFrom returns the session id stored by ContextWithSession.
func SessionFrom(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(sessionKey{}).(string)
	return id, ok && id != ""
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
