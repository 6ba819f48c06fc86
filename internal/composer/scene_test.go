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
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"instaprep/internal/export"
	"instaprep/internal/layer"
)

func TestValidateSceneRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":  `{"seed":{"phrase":"x"},"extra":1}`,
		"bad color":      `{"layers":{"phrase":{"color":"red"}}}`,
		"unknown layer":  `{"layers":{"title":{"x":10}}}`,
		"unknown filter": `{"filter":{"name":"Sepia"}}`,
		"intensity":      `{"filter":{"name":"Warm","intensity":150}}`,
		"bad font":       `{"layers":{"hours":{"font":"comic"}}}`,
		"not json":       `{`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseScene([]byte(doc)); !errors.Is(err, ErrInvalidScene) {
				t.Fatalf("ParseScene = %v, want ErrInvalidScene", err)
			}
		})
	}
}

func TestLoadSceneResolvesBackground(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "story.json")
	doc := `{"seed":{"phrase":"OPEN"},"background":"bg.png","filter":{"name":"Warm","intensity":40}}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	sf, err := LoadScene(path)
	if err != nil {
		t.Fatalf("LoadScene: %v", err)
	}
	if sf.Seed.Phrase != "OPEN" {
		t.Fatalf("seed = %+v", sf.Seed)
	}
	if sf.Background != filepath.Join(dir, "bg.png") {
		t.Fatalf("background = %s", sf.Background)
	}
	if _, err := LoadScene(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatalf("expected error for a missing file")
	}
}

func TestApplyScene(t *testing.T) {
	s, dir := manualSession(t, export.PNG)
	bg := filepath.Join(dir, "bg.png")
	writePNG(t, bg, 20, 20, color.NRGBA{R: 1, G: 2, B: 3, A: 255})
	doc := `{
		"layers": {
			"phrase": {"text": "NEW", "x": 120, "y": 40, "size": 200, "color": "#ffeb94", "font": "serif"},
			"phone": {"visible": false, "bgOpacity": 0.2}
		},
		"filter": {"name": "B&W", "intensity": 30},
		"background": "` + bg + `"
	}`
	sf, err := ParseScene([]byte(doc))
	if err != nil {
		t.Fatalf("ParseScene: %v", err)
	}
	if err := sf.Apply(s); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	p, _ := s.Layers().Get(layer.Phrase)
	if p.Text != "NEW" || p.X != layer.MaxPos || p.Y != 40 || p.Size != layer.MaxSize || p.Color != "#FFEB94" || p.Font != layer.FontSerif {
		t.Fatalf("phrase = %+v", p)
	}
	ph, _ := s.Layers().Get(layer.Phone)
	if ph.Visible || ph.BgOpacity != 0.2 {
		t.Fatalf("phone = %+v", ph)
	}
	if f := s.Filter(); f.Name != "B&W" || f.Intensity != 30 {
		t.Fatalf("filter = %+v", f)
	}
	waitReady(t, s)
}

func TestOpenSceneDefaultsAndErrors(t *testing.T) {
	opts := Options{Manual: true}
	s, err := OpenScene(context.Background(), "", opts)
	if err != nil {
		t.Fatalf("OpenScene: %v", err)
	}
	defer s.Close()
	if p, _ := s.Layers().Get(layer.Phrase); p.Text != DefaultSeed.Phrase {
		t.Fatalf("phrase = %q", p.Text)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	_ = os.WriteFile(path, []byte(`{"background":"missing.png"}`), 0o644)
	if _, err := OpenScene(context.Background(), path, opts); err == nil {
		t.Fatalf("expected error for a missing background")
	}
}
