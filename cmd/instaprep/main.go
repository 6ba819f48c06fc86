/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/gdamore/tcell/v2"

	"instaprep/internal/background"
	"instaprep/internal/composer"
	"instaprep/internal/config"
	"instaprep/internal/crash"
	applog "instaprep/internal/log"
	"instaprep/internal/preview"
	"instaprep/internal/storage"
	"instaprep/internal/ui"
	"instaprep/internal/version"
)

const renderTimeout = 2 * time.Minute

func usage() {
	fmt.Println("instaprep - story visual composer")
	fmt.Printf("Version: %s\n", version.String())
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  instaprep version|-v|--version          Show version")
	fmt.Println("  instaprep render <scene.json> [outDir]  Export a still, or a clip for a video background")
	fmt.Println("  instaprep preview [scene.json]          Live preview in the terminal")
	fmt.Println("  instaprep ui [scene.json]               Launch desktop UI (build with -tags fyne for full UI)")
	fmt.Println("  instaprep exports [dir]                 List saved exports")
}

// session is closed by crash.Recover when a command panics.
var session *composer.Session

func closeSession() error {
	if session == nil {
		return nil
	}
	return session.Close()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}
	applog.Init(cfg.Logging.LogOptions())
	crash.SetReportDir(cfg.ExportDir())
	defer crash.Recover(closeSession)
	l := applog.WithComponent("cli")

	args := os.Args
	l.Debug("start", slog.Int("args", len(args)))
	if len(args) < 2 {
		usage()
		return
	}
	switch args[1] {
	case "version", "--version", "-v":
		fmt.Println("instaprep - story visual composer")
		fmt.Println(version.String())
		return
	case "render":
		if len(args) < 3 {
			fmt.Println("render requires <scene.json>")
			usage()
			os.Exit(2)
		}
		outDir := ""
		if len(args) >= 4 {
			outDir = args[3]
		}
		path, err := render(cfg, args[2], outDir)
		if err != nil {
			l.Error("render failed", slog.Any("err", err))
			fmt.Println("Error:", err)
			os.Exit(1)
		}
		fmt.Println("Saved", path)
	case "preview":
		if err := runPreview(cfg, optionalArg(args, 2)); err != nil {
			l.Error("preview failed", slog.Any("err", err))
			fmt.Println("Error:", err)
			os.Exit(1)
		}
	case "ui":
		if err := ui.Run(cfg, optionalArg(args, 2)); err != nil {
			fmt.Println("Error:", err)
			os.Exit(1)
		}
	case "exports":
		dir := optionalArg(args, 2)
		if dir == "" {
			dir = cfg.ExportDir()
		}
		if err := listExports(dir); err != nil {
			fmt.Println("Error:", err)
			os.Exit(1)
		}
	default:
		usage()
		os.Exit(2)
	}
	_ = applog.Close()
}

func optionalArg(args []string, i int) string {
	if len(args) > i {
		return args[i]
	}
	return ""
}

// render exports one asset from a scene file without any interactive surface.
func render(cfg config.AppConfig, scenePath, outDir string) (string, error) {
	opts := composer.OptionsFromConfig(cfg)
	if outDir != "" {
		abs, err := filepath.Abs(outDir)
		if err != nil {
			return "", err
		}
		opts.ExportDir = abs
	}
	if err := os.MkdirAll(opts.ExportDir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx, stop := context.WithTimeout(ctx, renderTimeout)
	defer stop()

	s, err := composer.OpenScene(ctx, scenePath, opts)
	if err != nil {
		return "", err
	}
	session = s
	defer s.Close()
	if err := s.WaitBackground(ctx); err != nil {
		return "", fmt.Errorf("background: %w", err)
	}
	if s.BackgroundKind() != background.Video {
		return s.ExportStill(ctx)
	}
	if err := s.ExportVideo(); err != nil {
		return "", err
	}
	select {
	case res := <-s.Recorded():
		return res.Path, res.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func runPreview(cfg config.AppConfig, scenePath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	s, err := composer.OpenScene(ctx, scenePath, composer.OptionsFromConfig(cfg))
	if err != nil {
		return err
	}
	session = s
	defer s.Close()

	screen, err := tcell.NewScreen()
	if err != nil {
		return err
	}
	if err := screen.Init(); err != nil {
		return err
	}
	defer screen.Fini()
	err = preview.New(s, screen).Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func listExports(dir string) error {
	abs, _ := filepath.Abs(dir)
	if _, err := os.Stat(storage.HistoryPath(abs)); err != nil {
		fmt.Println("No exports recorded in", abs)
		return nil
	}
	h, err := storage.OpenHistory(abs)
	if err != nil {
		return err
	}
	defer h.Close()
	list, err := h.ListExports(context.Background(), 50)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tKIND\tSIZE\tFILE")
	for _, e := range list {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", e.CreatedAt.Local().Format(time.DateTime), e.Kind, e.Bytes, e.Path)
	}
	return tw.Flush()
}
