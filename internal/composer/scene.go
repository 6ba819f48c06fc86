/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package composer

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"instaprep/internal/layer"
)

//go:embed scene.schema.json
var sceneSchema []byte

var ErrInvalidScene = errors.New("invalid scene")

// LayerOverride changes selected fields of one layer; nil fields keep the default.
type LayerOverride struct {
	Text          *string  `json:"text,omitempty"`
	Visible       *bool    `json:"visible,omitempty"`
	X             *float64 `json:"x,omitempty"`
	Y             *float64 `json:"y,omitempty"`
	Size          *float64 `json:"size,omitempty"`
	Color         *string  `json:"color,omitempty"`
	Font          *string  `json:"font,omitempty"`
	HasBackground *bool    `json:"hasBackground,omitempty"`
	BgOpacity     *float64 `json:"bgOpacity,omitempty"`
	BgColor       *string  `json:"bgColor,omitempty"`
}

// FilterChoice names a preset and its intensity.
type FilterChoice struct {
	Name      string   `json:"name,omitempty"`
	Intensity *float64 `json:"intensity,omitempty"`
}

// SceneFile is a stored composition: seed texts, layer overrides, filter and
// background path. Relative background paths are resolved against the file.
type SceneFile struct {
	Seed       Seed                       `json:"seed"`
	Layers     map[layer.ID]LayerOverride `json:"layers,omitempty"`
	Filter     *FilterChoice              `json:"filter,omitempty"`
	Background string                     `json:"background,omitempty"`
}

// ValidateScene checks data against the scene schema.
func ValidateScene(data []byte) error {
	res, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(sceneSchema), gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScene, err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidScene, strings.Join(msgs, "; "))
	}
	return nil
}

// ParseScene validates and decodes a scene document.
func ParseScene(data []byte) (SceneFile, error) {
	var sf SceneFile
	if err := ValidateScene(data); err != nil {
		return sf, err
	}
	if err := json.Unmarshal(data, &sf); err != nil {
		return sf, fmt.Errorf("%w: %v", ErrInvalidScene, err)
	}
	return sf, nil
}

// LoadScene reads a scene file.
func LoadScene(path string) (SceneFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SceneFile{}, fmt.Errorf("read scene: %w", err)
	}
	sf, err := ParseScene(data)
	if err != nil {
		return sf, fmt.Errorf("%s: %w", path, err)
	}
	if sf.Background != "" && !filepath.IsAbs(sf.Background) {
		sf.Background = filepath.Join(filepath.Dir(path), sf.Background)
	}
	return sf, nil
}

// Apply sets layers, filter and background of s from the scene. Seed texts are
// used by Open; Apply only sets texts given as overrides.
func (sf SceneFile) Apply(s *Session) error {
	for _, id := range layer.Order {
		o, ok := sf.Layers[id]
		if !ok {
			continue
		}
		if err := applyLayer(s.Layers(), id, o); err != nil {
			return fmt.Errorf("layer %s: %w", id, err)
		}
	}
	if sf.Filter != nil {
		if sf.Filter.Name != "" {
			if err := s.SelectFilter(sf.Filter.Name); err != nil {
				return err
			}
		}
		if sf.Filter.Intensity != nil {
			s.SetFilterIntensity(*sf.Filter.Intensity)
		}
	}
	if sf.Background != "" {
		if err := s.SetBackgroundFile(sf.Background); err != nil {
			return fmt.Errorf("background: %w", err)
		}
	}
	return nil
}

func applyLayer(set *layer.Set, id layer.ID, o LayerOverride) error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if o.Text != nil {
		add(set.SetText(id, *o.Text))
	}
	if o.X != nil || o.Y != nil {
		cur, err := set.Get(id)
		if err != nil {
			return err
		}
		x, y := cur.X, cur.Y
		if o.X != nil {
			x = *o.X
		}
		if o.Y != nil {
			y = *o.Y
		}
		add(set.SetPosition(id, x, y))
	}
	if o.Size != nil {
		add(set.SetSize(id, *o.Size))
	}
	if o.Color != nil {
		add(set.SetColor(id, *o.Color))
	}
	if o.Font != nil {
		f, err := layer.ParseFont(*o.Font)
		add(err)
		if err == nil {
			add(set.SetFont(id, f))
		}
	}
	if o.HasBackground != nil {
		add(set.SetBackgroundBox(id, *o.HasBackground))
	}
	if o.BgOpacity != nil {
		add(set.SetBackgroundOpacity(id, *o.BgOpacity))
	}
	if o.BgColor != nil {
		add(set.SetBackgroundColor(id, *o.BgColor))
	}
	if o.Visible != nil {
		add(set.SetVisible(id, *o.Visible))
	}
	return errors.Join(errs...)
}

// DefaultSeed is used when no scene file gives the layer texts.
var DefaultSeed = Seed{Phrase: "SUMMER SALE", Hours: "We're open 12 PM to 6 PM", Phone: "778-475-6191"}

// OpenScene opens a session from the scene file at path, or from DefaultSeed when
// path is empty.
func OpenScene(ctx context.Context, path string, opts Options) (*Session, error) {
	if path == "" {
		return Open(ctx, DefaultSeed, opts)
	}
	sf, err := LoadScene(path)
	if err != nil {
		return nil, err
	}
	s, err := Open(ctx, sf.Seed, opts)
	if err != nil {
		return nil, err
	}
	if err := sf.Apply(s); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("apply scene %s: %w", path, err)
	}
	return s, nil
}
