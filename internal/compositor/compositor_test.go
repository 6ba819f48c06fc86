/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package compositor

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync/atomic"
	"testing"
	"time"

	"instaprep/internal/background"
	"instaprep/internal/filter"
	"instaprep/internal/layer"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func near(a, b color.RGBA) bool {
	d := func(x, y uint8) int {
		if x > y {
			return int(x - y)
		}
		return int(y - x)
	}
	return d(a.R, b.R) <= 2 && d(a.G, b.G) <= 2 && d(a.B, b.B) <= 2 && d(a.A, b.A) <= 2
}

func small(t *testing.T) *Compositor {
	t.Helper()
	c, err := New(Options{Width: 108, Height: 192})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func hiddenLayers() []layer.Layer {
	var out []layer.Layer
	for _, id := range layer.Order {
		l := layer.Defaults(id, "x")
		l.Visible = false
		out = append(out, l)
	}
	return out
}

func TestNewDefaultsAndInertSurface(t *testing.T) {
	c, err := New(Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if w, h := c.Size(); w != 1080 || h != 1920 {
		t.Fatalf("default canvas = %dx%d", w, h)
	}
	if c.FramePeriod() != time.Second/60 {
		t.Fatalf("default period = %v", c.FramePeriod())
	}

	bad, err := New(Options{Width: -1, Height: 100})
	if !errors.Is(err, ErrNoSurface) || !errors.Is(bad.Inert(), ErrNoSurface) {
		t.Fatalf("expected ErrNoSurface, got %v / %v", err, bad.Inert())
	}
	if _, err := bad.RenderFrame(Scene{}); !errors.Is(err, ErrNoSurface) {
		t.Fatalf("RenderFrame on inert compositor: %v", err)
	}
	if err := bad.Run(context.Background(), SceneFunc(func() Scene { return Scene{} })); !errors.Is(err, ErrNoSurface) {
		t.Fatalf("Run on inert compositor: %v", err)
	}
}

func TestCoverRect(t *testing.T) {
	// landscape photo on a portrait canvas: full height, centered slice
	r := CoverRect(2000, 1000, 1080, 1920)
	if r.Dy() != 1000 || r.Dx() != 563 {
		t.Fatalf("crop = %v", r)
	}
	if left, right := r.Min.X, 2000-r.Max.X; left-right > 1 || right-left > 1 {
		t.Fatalf("crop not centered: %v", r)
	}
	// same aspect covers the whole source
	if r := CoverRect(540, 960, 1080, 1920); r != image.Rect(0, 0, 540, 960) {
		t.Fatalf("same aspect crop = %v", r)
	}
	if r := CoverRect(0, 10, 1080, 1920); !r.Empty() {
		t.Fatalf("zero source must give empty rect, got %v", r)
	}
}

func TestFallbackFillWithoutBackground(t *testing.T) {
	c := small(t)
	f, err := c.RenderFrame(Scene{Layers: hiddenLayers(), Filter: filter.DefaultState()})
	if err != nil {
		t.Fatal(err)
	}
	if got := f.RGBAAt(0, 0); got != (color.RGBA{0x1e, 0x29, 0x3b, 0xff}) {
		t.Fatalf("fallback fill = %v", got)
	}
}

type notReady struct{}

func (notReady) Kind() background.Kind               { return background.Image }
func (notReady) View(func(image.Image, uint64)) bool { return false }
func (notReady) Release() error                      { return nil }

func TestNotReadySourceSkipsBackground(t *testing.T) {
	c := small(t)
	f, err := c.RenderFrame(Scene{Layers: hiddenLayers(), Filter: filter.DefaultState(), Background: notReady{}})
	if err != nil {
		t.Fatal(err)
	}
	if got := f.RGBAAt(50, 50); got != (color.RGBA{0x1e, 0x29, 0x3b, 0xff}) {
		t.Fatalf("not-ready source should leave the fill, got %v", got)
	}
}

func TestBackgroundCoverAndFilterIntensity(t *testing.T) {
	c := small(t)
	src := background.NewStaticImage(solid(20, 10, color.RGBA{200, 40, 40, 255}))
	sc := Scene{Layers: hiddenLayers(), Filter: filter.DefaultState(), Background: src}

	f, _ := c.RenderFrame(sc)
	if got := f.RGBAAt(54, 96); !near(got, color.RGBA{200, 40, 40, 255}) {
		t.Fatalf("Normal must draw the background unchanged, got %v", got)
	}

	bw, _ := filter.Lookup("B&W")
	sc.Filter = filter.DefaultState().WithPreset(bw)
	f, _ = c.RenderFrame(sc)
	if p := f.RGBAAt(54, 96); p.R != p.G || p.G != p.B {
		t.Fatalf("B&W at 100%% should be gray, got %v", p)
	}
	gray := f.RGBAAt(54, 96)

	// intensity fades the filtered draw itself toward the empty surface
	fill := color.RGBA{0x1e, 0x29, 0x3b, 0xff}
	sc.Filter = sc.Filter.WithIntensity(0)
	f, _ = c.RenderFrame(sc)
	if got := f.RGBAAt(54, 96); got != fill {
		t.Fatalf("intensity 0 must leave the fill, got %v", got)
	}

	sc.Filter = sc.Filter.WithIntensity(50)
	f, _ = c.RenderFrame(sc)
	p := f.RGBAAt(54, 96)
	mix := func(a, b uint8) uint8 { return uint8((int(a) + int(b) + 1) / 2) }
	if want := (color.RGBA{mix(gray.R, fill.R), mix(gray.G, fill.G), mix(gray.B, fill.B), 255}); !near(p, want) {
		t.Fatalf("half intensity should mix %v and the fill, got %v want %v", gray, p, want)
	}

	// Normal has no intensity control and stays opaque
	sc.Filter = filter.DefaultState().WithIntensity(0)
	f, _ = c.RenderFrame(sc)
	if got := f.RGBAAt(54, 96); !near(got, color.RGBA{200, 40, 40, 255}) {
		t.Fatalf("Normal at intensity 0 must still draw the background, got %v", got)
	}
}

func TestFilteredBackgroundIsCachedPerGeneration(t *testing.T) {
	c := small(t)
	src := background.NewStaticImage(solid(10, 10, color.RGBA{10, 200, 10, 255}))
	warm, _ := filter.Lookup("Warm")
	sc := Scene{Layers: hiddenLayers(), Filter: filter.DefaultState().WithPreset(warm).WithIntensity(60), Background: src}
	_, _ = c.RenderFrame(sc)
	first := c.bg.filtered
	_, _ = c.RenderFrame(sc)
	if c.bg.filtered != first {
		t.Fatalf("filtered image should be reused while generation and filter are unchanged")
	}
	sc.Filter = sc.Filter.WithIntensity(70)
	_, _ = c.RenderFrame(sc)
	if c.bg.filtered != first {
		t.Fatalf("intensity only changes the draw opacity")
	}
	cool, _ := filter.Lookup("Cool")
	sc.Filter = sc.Filter.WithPreset(cool)
	_, _ = c.RenderFrame(sc)
	if c.bg.filtered == first {
		t.Fatalf("expression change must rebuild the filtered image")
	}
}

func TestLayerPlateAndVisibility(t *testing.T) {
	c := small(t)
	l := layer.Defaults(layer.Phrase, "HI")
	l.Size, l.Y = 20, 50 // font 40px, box 48px tall
	l.BgColor, l.BgOpacity = "#FFFFFF", 1
	cx, cy := 54, 96
	above := cy - 22 // inside the plate, above the glyphs

	f, err := c.RenderFrame(Scene{Layers: []layer.Layer{l}, Filter: filter.DefaultState()})
	if err != nil {
		t.Fatal(err)
	}
	if got := f.RGBAAt(cx, above); got != (color.RGBA{255, 255, 255, 255}) {
		t.Fatalf("plate pixel = %v, want white", got)
	}
	if got := f.RGBAAt(cx, 5); got != (color.RGBA{0x1e, 0x29, 0x3b, 0xff}) {
		t.Fatalf("outside plate = %v", got)
	}

	l.Visible = false
	f, _ = c.RenderFrame(Scene{Layers: []layer.Layer{l}, Filter: filter.DefaultState()})
	if got := f.RGBAAt(cx, above); got != (color.RGBA{0x1e, 0x29, 0x3b, 0xff}) {
		t.Fatalf("hidden layer must not draw, got %v", got)
	}
}

func TestShadowTextDraws(t *testing.T) {
	c := small(t)
	l := layer.Defaults(layer.Hours, "MMMM")
	l.Size, l.Y = 15, 50
	f, _ := c.RenderFrame(Scene{Layers: []layer.Layer{l}, Filter: filter.DefaultState()})
	white := 0
	for x := 0; x < 108; x++ {
		if p := f.RGBAAt(x, 96); p.R > 200 && p.G > 200 && p.B > 200 {
			white++
		}
	}
	if white == 0 {
		t.Fatalf("expected white glyph pixels on the text row")
	}
	if len(c.shadows) != 1 {
		t.Fatalf("expected one cached shadow sprite, got %d", len(c.shadows))
	}
}

func TestSnapshotAndTaps(t *testing.T) {
	c := small(t)
	if _, ok := c.Snapshot(); ok {
		t.Fatalf("no snapshot before first frame")
	}
	var got atomic.Int32
	remove := c.AddTap(func(f *image.RGBA) {
		f.Pix[0] = 1 // taps get their own copy
		got.Add(1)
	})
	_, _ = c.RenderFrame(Scene{Layers: hiddenLayers()})
	snap, ok := c.Snapshot()
	if !ok || snap.Pix[0] != 0x1e {
		t.Fatalf("snapshot = %v %v", ok, snap.Pix[:4])
	}
	snap.Pix[0] = 9
	again, _ := c.Snapshot()
	if again.Pix[0] != 0x1e {
		t.Fatalf("snapshot must be a copy")
	}
	remove()
	remove()
	_, _ = c.RenderFrame(Scene{Layers: hiddenLayers()})
	if got.Load() != 1 {
		t.Fatalf("tap calls = %d, want 1", got.Load())
	}
	if c.Frames() != 2 {
		t.Fatalf("frames = %d", c.Frames())
	}
}

func TestRunSurvivesPanickingFrames(t *testing.T) {
	c, err := New(Options{Width: 16, Height: 16, FPS: 200})
	if err != nil {
		t.Fatal(err)
	}
	var calls atomic.Int32
	src := SceneFunc(func() Scene {
		if calls.Add(1) <= 2 {
			panic("boom")
		}
		return Scene{}
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, src) }()

	deadline := time.Now().Add(5 * time.Second)
	for c.Frames() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Frames() < 3 {
		t.Fatalf("loop did not keep rendering after panics")
	}
	if err := c.Run(ctx, src); !errors.Is(err, ErrRunning) {
		t.Fatalf("second Run = %v, want ErrRunning", err)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop")
	}
}

type panicSource struct{}

func (panicSource) Kind() background.Kind               { return background.Image }
func (panicSource) View(func(image.Image, uint64)) bool { panic("decoder gone") }
func (panicSource) Release() error                      { return nil }

func TestRenderNeverDrawsIntoPublishedFrame(t *testing.T) {
	c := small(t)
	red := color.RGBA{200, 40, 40, 255}
	fill := color.RGBA{0x1e, 0x29, 0x3b, 0xff}
	sc := Scene{Layers: hiddenLayers(), Filter: filter.DefaultState(), Background: background.NewStaticImage(solid(10, 10, red))}
	if _, err := c.RenderFrame(sc); err != nil {
		t.Fatal(err)
	}
	c.frameMu.RLock()
	first := c.last
	c.frameMu.RUnlock()

	// a frame that panics halfway leaves the published one alone
	err := c.tick(SceneFunc(func() Scene {
		return Scene{Layers: hiddenLayers(), Filter: filter.DefaultState(), Background: panicSource{}}
	}))
	if err == nil {
		t.Fatalf("panicking frame should report an error")
	}
	snap, _ := c.Snapshot()
	if got := snap.RGBAAt(54, 96); !near(got, red) || c.Frames() != 1 {
		t.Fatalf("snapshot after failed frame = %v, frames %d", got, c.Frames())
	}

	if err := c.tick(SceneFunc(func() Scene { return Scene{Layers: hiddenLayers(), Filter: filter.DefaultState()} })); err != nil {
		t.Fatal(err)
	}
	c.frameMu.RLock()
	second := c.last
	c.frameMu.RUnlock()
	if second == first {
		t.Fatalf("consecutive frames share a buffer")
	}
	if got := first.RGBAAt(54, 96); !near(got, red) {
		t.Fatalf("next frame was drawn into the published one: %v", got)
	}
	if got := second.RGBAAt(54, 96); got != fill {
		t.Fatalf("second frame = %v", got)
	}
}
