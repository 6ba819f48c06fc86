/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package filter

import (
	"errors"
	"image"
	"image/color"
	"math"
	"testing"
)

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestPresetsParse(t *testing.T) {
	want := []string{"Normal", "Warm", "Cool", "Vivid", "B&W", "Dreamy"}
	ps := Presets()
	if len(ps) != len(want) {
		t.Fatalf("expected %d presets, got %d", len(want), len(ps))
	}
	for i, p := range ps {
		if p.Name != want[i] {
			t.Fatalf("preset %d = %s, want %s", i, p.Name, want[i])
		}
		c, err := Parse(p.Expression)
		if err != nil {
			t.Fatalf("preset %s does not parse: %v", p.Name, err)
		}
		if (p.Name == NormalName) != c.Identity() {
			t.Fatalf("preset %s identity=%v", p.Name, c.Identity())
		}
	}
	c, _ := Parse("blur(2px) brightness(1.1) saturate(1.3)")
	if len(c) != 3 || c[0].Kind != Blur || c[0].Amount != 2 || c[2].Kind != Saturate || c[2].Amount != 1.3 {
		t.Fatalf("unexpected dreamy chain: %+v", c)
	}
}

func TestParseUnitsAndErrors(t *testing.T) {
	c, err := Parse("hue-rotate(0.5turn) sepia(50%) grayscale(3)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c[0].Amount != 180 || c[1].Amount != 0.5 || c[2].Amount != 1 {
		t.Fatalf("unexpected amounts: %+v", c)
	}
	bad := []string{"glow(1)", "saturate(x)", "blur(2)", "hue-rotate(90)", "contrast(-1)", "saturate(2", "(2)"}
	for _, b := range bad {
		if _, err := Parse(b); !errors.Is(err, ErrSyntax) {
			t.Fatalf("Parse(%q) expected ErrSyntax, got %v", b, err)
		}
	}
}

func TestNormalIsPixelIdentity(t *testing.T) {
	img := solid(4, 4, color.NRGBA{R: 12, G: 200, B: 99, A: 255})
	c, _ := Parse("none")
	if out := c.Apply(img); out != image.Image(img) {
		t.Fatalf("identity chain must return the input unchanged")
	}
	c, _ = Parse("saturate(1) contrast(100%) hue-rotate(0deg)")
	if !c.Identity() {
		t.Fatalf("neutral amounts should be identity")
	}
}

func TestGrayscaleEqualizesChannels(t *testing.T) {
	c, _ := Parse("grayscale(1)")
	out := c.Apply(solid(2, 2, color.NRGBA{R: 255, G: 0, B: 0, A: 255}))
	r, g, b, _ := out.At(1, 1).RGBA()
	if r != g || g != b {
		t.Fatalf("grayscale produced %d %d %d", r>>8, g>>8, b>>8)
	}
	// 0.2126 * 255 = 54.2
	if v := r >> 8; v < 53 || v > 55 {
		t.Fatalf("unexpected luminance %d", v)
	}
}

func TestSaturateAndContrastPushAwayFromGray(t *testing.T) {
	in := color.NRGBA{R: 160, G: 120, B: 100, A: 255}
	c, _ := Parse("saturate(2) contrast(1.1)")
	out := c.Apply(solid(1, 1, in)).At(0, 0).(color.NRGBA)
	if !(out.R > in.R && out.B < in.B) {
		t.Fatalf("vivid should spread channels: %v -> %v", in, out)
	}
	if out.A != 255 {
		t.Fatalf("alpha changed: %d", out.A)
	}
}

func TestHueRotateFullTurnIsNearIdentity(t *testing.T) {
	in := color.NRGBA{R: 200, G: 40, B: 90, A: 255}
	c, _ := Parse("hue-rotate(360deg)")
	out := c.Apply(solid(1, 1, in)).At(0, 0).(color.NRGBA)
	for _, d := range []float64{float64(out.R) - float64(in.R), float64(out.G) - float64(in.G), float64(out.B) - float64(in.B)} {
		if math.Abs(d) > 1 {
			t.Fatalf("360deg rotation drifted: %v -> %v", in, out)
		}
	}
}

func TestBlurSpreadsEdges(t *testing.T) {
	img := solid(20, 20, color.NRGBA{A: 255})
	for y := 0; y < 20; y++ {
		for x := 10; x < 20; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}
	c, _ := Parse("blur(2px)")
	out := c.Apply(img)
	r, _, _, _ := out.At(9, 10).RGBA()
	if r == 0 || r>>8 == 255 {
		t.Fatalf("blur should mix the edge, got %d", r>>8)
	}
	if out.Bounds() != img.Bounds() {
		t.Fatalf("blur changed bounds: %v", out.Bounds())
	}
}

func TestStateIntensityAndAdjustable(t *testing.T) {
	s := DefaultState()
	if s.IntensityAdjustable() {
		t.Fatalf("Normal must not offer intensity")
	}
	vivid, err := Lookup("vivid")
	if err != nil {
		t.Fatal(err)
	}
	s = s.WithPreset(vivid).WithIntensity(60)
	if !s.IntensityAdjustable() || s.Alpha() != 0.6 || s.Name != "Vivid" {
		t.Fatalf("unexpected state %+v", s)
	}
	if s.WithIntensity(140).Intensity != 100 || s.WithIntensity(-3).Intensity != 0 {
		t.Fatalf("intensity not clamped")
	}
	if _, err := Lookup("sparkle"); !errors.Is(err, ErrUnknownPreset) {
		t.Fatalf("expected ErrUnknownPreset, got %v", err)
	}
	if Next("Dreamy").Name != NormalName || Next("Normal").Name != "Warm" {
		t.Fatalf("Next does not cycle")
	}
}
