/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package config

import (
	"os"
	"path/filepath"
	"testing"

	"instaprep/internal/layer"
)

// isolate points the config path at a temp dir and clears overrides.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	t.Setenv(EnvConfigPath, path)
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
	return path
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	d := Defaults()
	if cfg.Canvas != d.Canvas || cfg.Export != d.Export {
		t.Fatalf("expected defaults, got %#v", cfg)
	}
	if cfg.Canvas.Width != 1080 || cfg.Canvas.Height != 1920 || cfg.Export.JPEGQuality != 95 || cfg.Export.VideoSeconds != 8 {
		t.Fatalf("unexpected default values: %#v", cfg)
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	path := isolate(t)
	cfg := Defaults()
	cfg.Canvas.FPS = 30
	cfg.Export.Dir = "/tmp/stories"
	cfg.Fonts.Strong = "/fonts/BebasNeue-Regular.ttf"
	if err := Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	got, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Canvas.FPS != 30 || got.Export.Dir != "/tmp/stories" || got.Fonts.Strong != "/fonts/BebasNeue-Regular.ttf" {
		t.Fatalf("round trip mismatch: %#v", got)
	}
}

func TestMalformedFileIsAnError(t *testing.T) {
	path := isolate(t)
	if err := os.WriteFile(path, []byte("canvas: [not a map"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestEnvOverridesExport(t *testing.T) {
	isolate(t)
	t.Setenv(EnvExportFormat, "PNG")
	t.Setenv(EnvVideoSeconds, "5")
	t.Setenv(EnvHistory, "off")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Export.Format != "png" || cfg.Export.VideoSeconds != 5 || cfg.Export.History {
		t.Fatalf("env overrides not applied: %#v", cfg.Export)
	}
	if name, ok := EnvOverrideFor("export.format"); !ok || name != EnvExportFormat {
		t.Fatalf("EnvOverrideFor(export.format) = %q,%v", name, ok)
	}
	if _, ok := EnvOverrideFor("canvas.fps"); ok {
		t.Fatalf("canvas.fps should not be reported as overridden")
	}
}

func TestDotenvFillsUnsetVariables(t *testing.T) {
	path := isolate(t)
	dotenv := filepath.Join(filepath.Dir(path), ".env")
	if err := os.WriteFile(dotenv, []byte("INSTAPREP_FPS=24\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	// t.Setenv("", ...) above leaves the key present but empty; godotenv only
	// fills keys that are absent.
	_ = os.Unsetenv(EnvCanvasFPS)
	t.Cleanup(func() { _ = os.Unsetenv(EnvCanvasFPS) })
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Canvas.FPS != 24 {
		t.Fatalf("expected fps from .env, got %d", cfg.Canvas.FPS)
	}
}

func TestMergeIncludesLogging(t *testing.T) {
	dst := Defaults()
	src := Defaults()
	src.Logging.Level = "DEBUG"
	src.Logging.Format = "json"
	src.Logging.Source = true
	src.Logging.File = "/var/log/instaprep.log"
	mergeInto(&dst, &src)
	if dst.Logging.Level != "debug" || dst.Logging.Format != "json" || !dst.Logging.Source || dst.Logging.File != "/var/log/instaprep.log" {
		t.Fatalf("logging fields not merged correctly: %#v", dst.Logging)
	}
	opts := dst.Logging.LogOptions()
	if opts.Level != "debug" || !opts.AddSource {
		t.Fatalf("LogOptions mismatch: %#v", opts)
	}
}

func TestExportDirFallback(t *testing.T) {
	cfg := Defaults()
	cfg.Export.Dir = "  "
	if cfg.ExportDir() == "" {
		t.Fatalf("expected a fallback export dir")
	}
	cfg.Export.Dir = "/x/y"
	if cfg.ExportDir() != "/x/y" {
		t.Fatalf("explicit dir not used")
	}
}

func TestFontOverridesSkipEmpty(t *testing.T) {
	f := FontsConfig{Strong: " /fonts/Bebas.ttf ", Sans: ""}
	m := f.Overrides()
	if len(m) != 1 || m[layer.FontStrong] != "/fonts/Bebas.ttf" {
		t.Fatalf("Overrides = %v", m)
	}
}
