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
	"image/color"
	"image/draw"
	"log/slog"

	xdraw "golang.org/x/image/draw"

	"instaprep/internal/background"
	"instaprep/internal/filter"
)

// bgCache keeps the cover-scaled background and its filtered version. Both are
// reused until the source generation or the expression changes.
type bgCache struct {
	gen   uint64
	cover *image.RGBA

	expr     string
	identity bool
	filtered *image.RGBA
}

func (c *Compositor) clear() {
	draw.Draw(c.buf, c.buf.Bounds(), image.NewUniform(c.fill), image.Point{}, draw.Src)
}

// CoverRect is the centered region of a sw x sh source that, scaled by
// max(cw/sw, ch/sh), exactly covers a cw x ch canvas.
func CoverRect(sw, sh, cw, ch int) image.Rectangle {
	if sw <= 0 || sh <= 0 || cw <= 0 || ch <= 0 {
		return image.Rectangle{}
	}
	scale := max(float64(cw)/float64(sw), float64(ch)/float64(sh))
	w := min(int(float64(cw)/scale+0.5), sw)
	h := min(int(float64(ch)/scale+0.5), sh)
	x := (sw - w) / 2
	y := (sh - h) / 2
	return image.Rect(x, y, x+w, y+h)
}

func (c *Compositor) drawBackground(src background.Source, st filter.State) {
	if src == nil {
		c.bg = bgCache{}
		return
	}
	kind := src.Kind()
	ready := src.View(func(img image.Image, gen uint64) {
		if c.bg.gen != gen || c.bg.cover == nil {
			c.bg = bgCache{gen: gen, cover: c.coverScale(img, kind)}
		}
	})
	if !ready || c.bg.cover == nil {
		return
	}
	img, identity := c.filtered(st)
	// the identity filter has no intensity control and always draws opaque
	alpha := st.Alpha()
	switch {
	case identity || alpha >= 1:
		draw.Draw(c.buf, c.buf.Bounds(), img, image.Point{}, draw.Over)
	case alpha > 0:
		mask := image.NewUniform(color.Alpha{A: uint8(alpha*255 + 0.5)})
		draw.DrawMask(c.buf, c.buf.Bounds(), img, image.Point{}, mask, image.Point{}, draw.Over)
	}
}

func (c *Compositor) coverScale(img image.Image, kind background.Kind) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, c.w, c.h))
	b := img.Bounds()
	crop := CoverRect(b.Dx(), b.Dy(), c.w, c.h).Add(b.Min)
	if crop.Dx() == c.w && crop.Dy() == c.h {
		draw.Draw(dst, dst.Bounds(), img, crop.Min, draw.Src)
		return dst
	}
	// photos get the better kernel; video frames change every tick
	var scaler xdraw.Scaler = xdraw.ApproxBiLinear
	if kind == background.Image {
		scaler = xdraw.CatmullRom
	}
	scaler.Scale(dst, dst.Bounds(), img, crop, xdraw.Src, nil)
	return dst
}

// filtered returns the background with the filter chain applied at full
// strength. identity is true when the chain leaves pixels unchanged or does
// not parse.
func (c *Compositor) filtered(st filter.State) (img *image.RGBA, identity bool) {
	if c.bg.filtered != nil && c.bg.expr == st.Expression {
		return c.bg.filtered, c.bg.identity
	}
	img, identity = c.bg.cover, true
	chain, err := filter.Parse(st.Expression)
	if err != nil {
		c.warnOnce("filter:"+st.Expression, "filter ignored", slog.String("expr", st.Expression), slog.Any("err", err))
	}
	if err == nil && !chain.Identity() {
		img, identity = toRGBA(chain.Apply(c.bg.cover)), false
	}
	c.bg.expr, c.bg.identity, c.bg.filtered = st.Expression, identity, img
	return img, identity
}

func toRGBA(img image.Image) *image.RGBA {
	if r, ok := img.(*image.RGBA); ok {
		return r
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
