/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package fonts resolves the overlay font choices to OpenType faces.
//
// Resolution order per choice: an explicit file from the config, then an installed
// system font found by file name, then an embedded Go font. The last step never
// fails, so every choice always has a face.
package fonts

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"

	"github.com/flopp/go-findfont"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/gobolditalic"
	"golang.org/x/image/font/gofont/gomedium"
	"golang.org/x/image/font/gofont/gosmallcaps"
	"golang.org/x/image/font/opentype"

	"instaprep/internal/layer"
	applog "instaprep/internal/log"
)

// candidates are system font file names tried with findfont, most specific first.
var candidates = map[layer.Font][]string{
	layer.FontStrong: {"BebasNeue-Regular.ttf", "BebasNeue.ttf", "BebasNeue-Regular.otf"},
	layer.FontModern: {"Outfit-Bold.ttf", "Outfit-SemiBold.ttf", "Outfit-Regular.ttf"},
	layer.FontSerif:  {"PlayfairDisplay-Bold.ttf", "PlayfairDisplay-Regular.ttf", "DejaVuSerif-Bold.ttf", "LiberationSerif-Bold.ttf"},
	layer.FontCasual: {"Damion-Regular.ttf", "Damion.ttf"},
	layer.FontSans:   {"DejaVuSans-Bold.ttf", "LiberationSans-Bold.ttf", "Arial Bold.ttf", "arialbd.ttf"},
}

// embedded fallbacks; overlays are drawn bold.
var embedded = map[layer.Font][]byte{
	layer.FontStrong: gobold.TTF,
	layer.FontModern: gomedium.TTF,
	layer.FontSerif:  gosmallcaps.TTF,
	layer.FontCasual: gobolditalic.TTF,
	layer.FontSans:   gobold.TTF,
}

// Origin says where a resolved font came from.
type Origin string

const (
	OriginConfig   Origin = "config"
	OriginSystem   Origin = "system"
	OriginEmbedded Origin = "embedded"
)

type resolved struct {
	font   *opentype.Font
	origin Origin
	path   string
}

type faceKey struct {
	f  layer.Font
	px int // size in 1/64 px
}

// Library caches parsed fonts and sized faces. Faces are not safe for concurrent
// drawing; callers render from one goroutine at a time.
type Library struct {
	mu        sync.Mutex
	overrides map[layer.Font]string
	fonts     map[layer.Font]resolved
	faces     map[faceKey]font.Face

	// find locates a system font file; replaced in tests.
	find func(name string) (string, error)
}

// NewLibrary creates a library with optional per-choice font files.
func NewLibrary(overrides map[layer.Font]string) *Library {
	o := make(map[layer.Font]string, len(overrides))
	for k, v := range overrides {
		if v != "" {
			o[k] = v
		}
	}
	return &Library{
		overrides: o,
		fonts:     make(map[layer.Font]resolved),
		faces:     make(map[faceKey]font.Face),
		find:      findfont.Find,
	}
}

// Face returns a face for the choice at the given pixel size (72 DPI, so points
// equal pixels).
func (l *Library) Face(f layer.Font, px float64) (font.Face, error) {
	if px <= 0 || math.IsNaN(px) {
		return nil, fmt.Errorf("invalid font size %v", px)
	}
	key := faceKey{f: f, px: int(math.Round(px * 64))}
	l.mu.Lock()
	defer l.mu.Unlock()
	if fc, ok := l.faces[key]; ok {
		return fc, nil
	}
	r, err := l.resolveLocked(f)
	if err != nil {
		return nil, err
	}
	fc, err := opentype.NewFace(r.font, &opentype.FaceOptions{Size: px, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, fmt.Errorf("face %s@%.1f: %w", f, px, err)
	}
	l.faces[key] = fc
	return fc, nil
}

// Origin reports where the font for f was loaded from, resolving it if needed.
func (l *Library) Origin(f layer.Font) (Origin, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, err := l.resolveLocked(f)
	return r.origin, r.path, err
}

func (l *Library) resolveLocked(f layer.Font) (resolved, error) {
	if r, ok := l.fonts[f]; ok {
		return r, nil
	}
	log := applog.WithOperation(applog.WithComponent("fonts"), "resolve").With(slog.String("font", f.String()))
	if p, ok := l.overrides[f]; ok {
		ft, err := loadFile(p)
		if err == nil {
			return l.store(f, resolved{font: ft, origin: OriginConfig, path: p}), nil
		}
		log.Warn("configured font unusable, falling back", slog.String("path", p), slog.Any("err", err))
	}
	for _, name := range candidates[f] {
		p, err := l.find(name)
		if err != nil || p == "" {
			continue
		}
		ft, err := loadFile(p)
		if err != nil {
			log.Debug("system font unusable", slog.String("path", p), slog.Any("err", err))
			continue
		}
		log.Debug("using system font", slog.String("path", p), slog.String("family", f.Family()))
		return l.store(f, resolved{font: ft, origin: OriginSystem, path: p}), nil
	}
	data, ok := embedded[f]
	if !ok {
		return resolved{}, fmt.Errorf("%w: %d", layer.ErrUnknownFont, int(f))
	}
	ft, err := opentype.Parse(data)
	if err != nil {
		return resolved{}, fmt.Errorf("parse embedded font for %s: %w", f, err)
	}
	log.Debug("using embedded font", slog.String("family", f.Family()))
	return l.store(f, resolved{font: ft, origin: OriginEmbedded}), nil
}

func (l *Library) store(f layer.Font, r resolved) resolved {
	l.fonts[f] = r
	return r
}

func loadFile(path string) (*opentype.Font, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read font %s: %w", path, err)
	}
	ft, err := opentype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse font %s: %w", path, err)
	}
	return ft, nil
}

// Close releases all cached faces.
func (l *Library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var first error
	for k, fc := range l.faces {
		if err := fc.Close(); err != nil && first == nil {
			first = err
		}
		delete(l.faces, k)
	}
	return first
}
