/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package crash turns a fatal panic into a report file and a clean exit.
package crash

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	applog "instaprep/internal/log"
	"instaprep/internal/version"
)

// exitFn is swapped in tests.
var exitFn = os.Exit

var (
	dirMu     sync.RWMutex
	reportDir string
)

// SetReportDir sets where crash-<stamp>.log files go. Empty means os.TempDir().
func SetReportDir(dir string) {
	dirMu.Lock()
	reportDir = dir
	dirMu.Unlock()
}

// Recover captures a panic, logs it with the stack, writes a report file, runs the
// given cleanup hooks (releasing media decoders, closing the history index) and
// exits with code 2.
//
// Usage: defer crash.Recover(session.Close)
func Recover(cleanups ...func() error) {
	r := recover()
	if r == nil {
		return
	}
	l := applog.WithComponent("crash")
	stack := debug.Stack()
	l.Error("panic recovered", slog.Any("panic", r), slog.String("stack", string(stack)))

	reportPath, err := writeReport(r, stack)
	if err != nil {
		l.Error("write crash report failed", slog.Any("err", err))
	}
	for _, c := range cleanups {
		if c == nil {
			continue
		}
		if err := runCleanup(c); err != nil {
			l.Warn("cleanup after panic failed", slog.Any("err", err))
		}
	}

	_, _ = fmt.Fprintf(os.Stderr, "A fatal error occurred. A crash report was saved to: %s\n", reportPath)
	_, _ = fmt.Fprintf(os.Stderr, "Version: %s\nOS/Arch: %s/%s\n", version.String(), runtime.GOOS, runtime.GOARCH)
	_ = applog.Close()
	exitFn(2)
}

// runCleanup shields the report path from a cleanup hook that panics itself.
func runCleanup(c func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup panicked: %v", r)
		}
	}()
	return c()
}

func writeReport(panicVal any, stack []byte) (string, error) {
	dirMu.RLock()
	dir := reportDir
	dirMu.RUnlock()
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("crash-%s.log", time.Now().Format("20060102-150405")))

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "InstaPrep Crash Report\n")
	fmt.Fprintf(&buf, "Timestamp: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(&buf, "Version: %s\n", version.String())
	fmt.Fprintf(&buf, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&buf, "Goroutines: %d\n", runtime.NumGoroutine())
	fmt.Fprintf(&buf, "\nPanic: %v\n\n", panicVal)
	fmt.Fprintf(&buf, "Stack:\n%s\n", stack)

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return path, err
	}
	return path, nil
}
