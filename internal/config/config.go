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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"instaprep/internal/layer"
	applog "instaprep/internal/log"
)

// AppConfig is the user-editable configuration persisted as YAML in the user scope.
// A .env file (working directory, then next to the YAML file) may provide INSTAPREP_*
// variables; real environment variables always win over .env values, and both win
// over the YAML file.
//
// config_version: bump when the structure changes in a backward-incompatible way.

type CanvasConfig struct {
	Width      int    `yaml:"width"`
	Height     int    `yaml:"height"`
	FPS        int    `yaml:"fps"`
	Background string `yaml:"background"` // fill used when no background media is set
}

type ExportConfig struct {
	Dir          string `yaml:"dir"`
	Format       string `yaml:"format"` // jpeg | png | pdf
	JPEGQuality  int    `yaml:"jpeg_quality"`
	VideoSeconds int    `yaml:"video_seconds"`
	VideoFPS     int    `yaml:"video_fps"`
	FFmpegBin    string `yaml:"ffmpeg_bin"`
	History      bool   `yaml:"history"`
}

// FontsConfig maps the composer font choices to TTF/OTF files. Empty entries are
// resolved from installed system fonts, then from the embedded Go fonts.
type FontsConfig struct {
	Strong string `yaml:"strong"`
	Modern string `yaml:"modern"`
	Serif  string `yaml:"serif"`
	Casual string `yaml:"casual"`
	Sans   string `yaml:"sans"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Source bool   `yaml:"source"`
	File   string `yaml:"file"`
}

type AppConfig struct {
	ConfigVersion int           `yaml:"config_version"`
	Canvas        CanvasConfig  `yaml:"canvas"`
	Export        ExportConfig  `yaml:"export"`
	Fonts         FontsConfig   `yaml:"fonts"`
	Logging       LoggingConfig `yaml:"logging"`
}

// Defaults returns the application defaults.
func Defaults() AppConfig {
	return AppConfig{
		ConfigVersion: 1,
		Canvas:        CanvasConfig{Width: 1080, Height: 1920, FPS: 60, Background: "#1e293b"},
		Export:        ExportConfig{Format: "jpeg", JPEGQuality: 95, VideoSeconds: 8, VideoFPS: 60, FFmpegBin: "", History: true},
		Logging:       LoggingConfig{Level: "info", Format: "console"},
	}
}

// Env var names used as overrides.
const (
	EnvConfigPath   = "INSTAPREP_CONFIG"
	EnvCanvasFPS    = "INSTAPREP_FPS"
	EnvExportDir    = "INSTAPREP_EXPORT_DIR"
	EnvExportFormat = "INSTAPREP_EXPORT_FORMAT"
	EnvJPEGQuality  = "INSTAPREP_JPEG_QUALITY"
	EnvVideoSeconds = "INSTAPREP_VIDEO_SECONDS"
	EnvFFmpegBin    = "INSTAPREP_FFMPEG"
	EnvHistory      = "INSTAPREP_EXPORT_HISTORY"
	EnvLogLevel     = applog.EnvLevel
	EnvLogFormat    = applog.EnvFormat
	EnvLogSource    = applog.EnvSource
	EnvLogFile      = applog.EnvFile
)

// ConfigPath returns the per-user config file path. INSTAPREP_CONFIG overrides it.
func ConfigPath() (string, error) {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p, nil
	}
	var base string
	switch runtime.GOOS {
	case "windows":
		base = os.Getenv("AppData")
		if base == "" {
			base = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
		base = filepath.Join(base, "InstaPrep")
	case "darwin":
		base = filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "InstaPrep")
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = filepath.Join(xdg, "instaprep")
		} else if home := os.Getenv("HOME"); home != "" {
			base = filepath.Join(home, ".config", "instaprep")
		}
	}
	if base == "" {
		return "", errors.New("cannot resolve config directory")
	}
	return filepath.Join(base, "config.yaml"), nil
}

// Load reads the user config file (if present), applies defaults, loads .env files
// and merges environment overrides.
func Load() (AppConfig, error) {
	path, err := ConfigPath()
	if err != nil {
		cfg := Defaults()
		loadDotenv("")
		applyEnvOverrides(&cfg)
		return cfg, err
	}
	return LoadFrom(path)
}

// LoadFrom is Load with an explicit YAML path. A missing file is not an error;
// a malformed one is.
func LoadFrom(path string) (AppConfig, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var fileCfg AppConfig
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
		mergeInto(&cfg, &fileCfg)
	case !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	loadDotenv(filepath.Dir(path))
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// loadDotenv populates unset variables from ./.env and <dir>/.env.
func loadDotenv(dir string) {
	candidates := []string{".env"}
	if dir != "" {
		candidates = append(candidates, filepath.Join(dir, ".env"))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			applog.WithComponent("config").Warn("dotenv load failed", "path", p, "err", err)
		}
	}
}

// Save writes the user config YAML.
func Save(cfg AppConfig) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTo(path, cfg)
}

func SaveTo(path string, cfg AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func mergeInto(dst *AppConfig, src *AppConfig) {
	if src.ConfigVersion != 0 {
		dst.ConfigVersion = src.ConfigVersion
	}
	// canvas
	if src.Canvas.Width != 0 {
		dst.Canvas.Width = src.Canvas.Width
	}
	if src.Canvas.Height != 0 {
		dst.Canvas.Height = src.Canvas.Height
	}
	if src.Canvas.FPS != 0 {
		dst.Canvas.FPS = src.Canvas.FPS
	}
	if v := strings.TrimSpace(src.Canvas.Background); v != "" {
		dst.Canvas.Background = v
	}
	// export
	if v := strings.TrimSpace(src.Export.Dir); v != "" {
		dst.Export.Dir = v
	}
	if v := strings.TrimSpace(src.Export.Format); v != "" {
		dst.Export.Format = strings.ToLower(v)
	}
	if src.Export.JPEGQuality != 0 {
		dst.Export.JPEGQuality = src.Export.JPEGQuality
	}
	if src.Export.VideoSeconds != 0 {
		dst.Export.VideoSeconds = src.Export.VideoSeconds
	}
	if src.Export.VideoFPS != 0 {
		dst.Export.VideoFPS = src.Export.VideoFPS
	}
	if v := strings.TrimSpace(src.Export.FFmpegBin); v != "" {
		dst.Export.FFmpegBin = v
	}
	dst.Export.History = src.Export.History
	// fonts: file paths only, empty keeps auto resolution
	dst.Fonts = src.Fonts
	// logging
	if v := strings.TrimSpace(src.Logging.Level); v != "" {
		dst.Logging.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(src.Logging.Format); v != "" {
		dst.Logging.Format = strings.ToLower(v)
	}
	dst.Logging.Source = src.Logging.Source
	if v := strings.TrimSpace(src.Logging.File); v != "" {
		dst.Logging.File = v
	}
}

func truthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := strings.TrimSpace(os.Getenv(EnvCanvasFPS)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Canvas.FPS = n
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvExportDir)); v != "" {
		cfg.Export.Dir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvExportFormat)); v != "" {
		cfg.Export.Format = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvJPEGQuality)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Export.JPEGQuality = n
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvVideoSeconds)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Export.VideoSeconds = n
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvFFmpegBin)); v != "" {
		cfg.Export.FFmpegBin = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvHistory)); v != "" {
		cfg.Export.History = truthy(v)
	}
	// logging overrides
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogSource)); v != "" {
		cfg.Logging.Source = truthy(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFile)); v != "" {
		cfg.Logging.File = v
	}
}

var envKeys = map[string]string{
	"canvas.fps":           EnvCanvasFPS,
	"export.dir":           EnvExportDir,
	"export.format":        EnvExportFormat,
	"export.jpeg_quality":  EnvJPEGQuality,
	"export.video_seconds": EnvVideoSeconds,
	"export.ffmpeg_bin":    EnvFFmpegBin,
	"export.history":       EnvHistory,
	"logging.level":        EnvLogLevel,
	"logging.format":       EnvLogFormat,
	"logging.source":       EnvLogSource,
	"logging.file":         EnvLogFile,
}

// EnvOverrideFor returns the env var name if the field is overridden by the environment.
func EnvOverrideFor(key string) (string, bool) {
	name, ok := envKeys[key]
	if !ok || os.Getenv(name) == "" {
		return "", false
	}
	return name, true
}

// ExportDir returns the configured export directory or ~/Pictures/InstaPrep.
func (c AppConfig) ExportDir() string {
	if d := strings.TrimSpace(c.Export.Dir); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "instaprep")
	}
	return filepath.Join(home, "Pictures", "InstaPrep")
}

// LogOptions converts the logging section for log.Init.
func (l LoggingConfig) LogOptions() applog.Options {
	return applog.Options{Level: l.Level, Format: l.Format, AddSource: l.Source, File: l.File}
}

// Overrides maps the configured font files by choice; empty entries are omitted.
func (f FontsConfig) Overrides() map[layer.Font]string {
	m := map[layer.Font]string{}
	for k, v := range map[layer.Font]string{
		layer.FontStrong: f.Strong,
		layer.FontModern: f.Modern,
		layer.FontSerif:  f.Serif,
		layer.FontCasual: f.Casual,
		layer.FontSans:   f.Sans,
	} {
		if v = strings.TrimSpace(v); v != "" {
			m[k] = v
		}
	}
	return m
}
