/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package compositor

import (
	"image"
	"log/slog"
	"math"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/lucasb-eyer/go-colorful"

	"instaprep/internal/layer"
)

// Text plate geometry, relative to the layer size.
const (
	fontScale    = 2.0 // font px per size unit
	paddingScale = 0.6
	boxScale     = 1.2 // box height per font px
	boxRadius    = 15.0

	shadowAlpha   = 0.6
	shadowSigma   = 5.0 // a 10px canvas shadow blur
	shadowOffset  = 2.0
	maxShadowKeep = 32
)

type shadowKey struct {
	text string
	font layer.Font
	px   float64
}

// shadowCache holds blurred shadow sprites; blurring per frame is too slow for
// the render loop.
type shadowCache map[shadowKey]image.Image

func (c *Compositor) drawLayers(layers []layer.Layer) {
	dc := gg.NewContextForRGBA(c.buf)
	for _, l := range layers {
		if !l.Visible {
			continue
		}
		c.drawLayer(dc, l)
	}
}

func (c *Compositor) drawLayer(dc *gg.Context, l layer.Layer) {
	px := l.Size * fontScale
	face, err := c.fonts.Face(l.Font, px)
	if err != nil {
		c.warnOnce("font:"+l.Font.String(), "font unavailable, layer skipped",
			slog.String("layer", string(l.ID)), slog.String("font", l.Font.String()), slog.Any("err", err))
		return
	}
	text := strings.ReplaceAll(l.Text, "\n", " ")
	dc.SetFontFace(face)
	tw, _ := dc.MeasureString(text)
	cx := l.X / 100 * float64(c.w)
	cy := l.Y / 100 * float64(c.h)

	if l.HasBackground {
		pad := l.Size * paddingScale
		bw := tw + 2*pad
		bh := px * boxScale
		r, g, b := rgb(l.BgColor, 0)
		dc.SetRGBA(r, g, b, clamp01(l.BgOpacity))
		dc.DrawRoundedRectangle(cx-bw/2, cy-bh/2, bw, bh, boxRadius)
		dc.Fill()
	} else if text != "" {
		sp := c.shadow(text, l.Font, px, tw, dc.FontHeight())
		dc.DrawImageAnchored(sp, int(math.Round(cx+shadowOffset)), int(math.Round(cy+shadowOffset)), 0.5, 0.5)
	}
	if text == "" {
		return
	}
	r, g, b := rgb(l.Color, 1)
	dc.SetRGB(r, g, b)
	dc.DrawStringAnchored(text, cx, cy, 0.5, 0.5)
}

func (c *Compositor) shadow(text string, f layer.Font, px, tw, th float64) image.Image {
	key := shadowKey{text: text, font: f, px: px}
	if sp, ok := c.shadows[key]; ok {
		return sp
	}
	if c.shadows == nil || len(c.shadows) >= maxShadowKeep {
		c.shadows = make(shadowCache)
	}
	margin := int(math.Ceil(3 * shadowSigma))
	w := int(math.Ceil(tw)) + 2*margin
	h := int(math.Ceil(th)) + 2*margin
	face, err := c.fonts.Face(f, px)
	if err != nil {
		return image.NewNRGBA(image.Rect(0, 0, 1, 1))
	}
	sc := gg.NewContext(w, h)
	sc.SetFontFace(face)
	sc.SetRGBA(0, 0, 0, shadowAlpha)
	sc.DrawStringAnchored(text, float64(w)/2, float64(h)/2, 0.5, 0.5)
	sp := imaging.Blur(sc.Image(), shadowSigma)
	c.shadows[key] = sp
	return sp
}

// rgb parses a hex color; invalid input yields gray level def.
func rgb(hex string, def float64) (float64, float64, float64) {
	cf, err := colorful.Hex(hex)
	if err != nil {
		return def, def, def
	}
	return cf.R, cf.G, cf.B
}

func clamp01(v float64) float64 {
	switch {
	case v != v || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
