//go:build fyne && cgo

/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// These tests validate the Fyne-based UI components. They are gated behind the
// "fyne" build tag so CI (which is headless) does not need Fyne or a display.
// To run locally:
//
//	go test -tags fyne ./internal/ui
package ui

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/test"

	"instaprep/internal/composer"
	"instaprep/internal/gesture"
	"instaprep/internal/layer"
)

func almostEqual(a, b, eps float32) bool {
	if a > b {
		return a-b <= eps
	}
	return b-a <= eps
}

func newCanvas(t *testing.T) (*StoryCanvas, *composer.Session) {
	t.Helper()
	a := test.NewApp()
	t.Cleanup(a.Quit)
	s, err := composer.Open(context.Background(), composer.DefaultSeed, composer.Options{Manual: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return NewStoryCanvas(s), s
}

func TestStoryCanvas_FitContainsCanvas(t *testing.T) {
	sc, s := newCanvas(t)
	r, ok := sc.CreateRenderer().(*storyCanvasRenderer)
	if !ok {
		t.Fatalf("expected storyCanvasRenderer, got %T", sc.CreateRenderer())
	}
	r.Layout(fyne.NewSize(1000, 800))
	img := sc.img
	if !almostEqual(img.Size().Width, 450, 0.5) || !almostEqual(img.Size().Height, 800, 0.5) {
		t.Fatalf("image size = %v", img.Size())
	}
	if !almostEqual(img.Position().X, 275, 0.5) || !almostEqual(img.Position().Y, 0, 0.5) {
		t.Fatalf("image pos = %v", img.Position())
	}
	b := s.Gestures().Bounds()
	if b != gesture.R(float64(img.Position().X), 0, float64(img.Size().Width), float64(img.Size().Height)) {
		t.Fatalf("gesture bounds = %+v", b)
	}
}

func TestStoryCanvas_TapAndDrag(t *testing.T) {
	sc, s := newCanvas(t)
	sc.layout(fyne.NewSize(540, 960))
	var selections []layer.ID
	sc.OnSelect = func(id layer.ID, ok bool) {
		if ok {
			selections = append(selections, id)
		}
	}

	sc.Tapped(&fyne.PointEvent{Position: fyne.NewPos(270, 288)})
	if id, ok := s.Layers().Selected(); !ok || id != layer.Phrase {
		t.Fatalf("tap selected %v %v", id, ok)
	}

	sc.Dragged(&fyne.DragEvent{PointEvent: fyne.PointEvent{Position: fyne.NewPos(270, 290)}, Dragged: fyne.NewDelta(0, 2)})
	sc.Dragged(&fyne.DragEvent{PointEvent: fyne.PointEvent{Position: fyne.NewPos(270, 720)}, Dragged: fyne.NewDelta(0, 430)})
	sc.DragEnd()
	ph, _ := s.Layers().Get(layer.Phrase)
	if !almostEqual(float32(ph.Y), 75, 0.01) || !almostEqual(float32(ph.X), 50, 0.01) {
		t.Fatalf("phrase at %v,%v, want 50,75", ph.X, ph.Y)
	}
	if s.Gestures().Dragging() {
		t.Fatalf("drag still active")
	}
	if len(selections) != 2 {
		t.Fatalf("selections = %v", selections)
	}

	sc.Tapped(&fyne.PointEvent{Position: fyne.NewPos(10, 950)})
	if _, ok := s.Layers().Selected(); ok {
		t.Fatalf("tap on empty canvas should deselect")
	}
}

func TestRecentBackgrounds(t *testing.T) {
	a := test.NewApp()
	defer a.Quit()
	prefs := a.Preferences()
	dir := t.TempDir()
	one := filepath.Join(dir, "one.png")
	two := filepath.Join(dir, "two.mp4")
	for _, p := range []string{one, two} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	addRecentBackground(prefs, one)
	addRecentBackground(prefs, two)
	addRecentBackground(prefs, one)
	addRecentBackground(prefs, filepath.Join(dir, "gone.png"))
	got := loadRecentBackgrounds(prefs)
	if len(got) != 2 || got[0] != one || got[1] != two {
		t.Fatalf("recent = %v", got)
	}
}
