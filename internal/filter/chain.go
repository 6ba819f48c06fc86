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
	"fmt"
	"image"
	"image/color"
	"math"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
)

// Kind is a single filter function.
type Kind string

const (
	Sepia      Kind = "sepia"
	Saturate   Kind = "saturate"
	HueRotate  Kind = "hue-rotate"
	Contrast   Kind = "contrast"
	Brightness Kind = "brightness"
	Grayscale  Kind = "grayscale"
	Blur       Kind = "blur"
)

// Op is one parsed function. Amount is a factor (1 = 100%), degrees for
// hue-rotate and pixels for blur.
type Op struct {
	Kind   Kind
	Amount float64
}

// Chain is the ordered list of operations of an expression.
type Chain []Op

var ErrSyntax = errors.New("filter syntax")

// Parse reads a space separated list of functions. "none" and "" yield an empty chain.
func Parse(expr string) (Chain, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" || strings.EqualFold(expr, "none") {
		return nil, nil
	}
	var out Chain
	rest := expr
	for rest != "" {
		open := strings.IndexByte(rest, '(')
		if open <= 0 {
			return nil, fmt.Errorf("%w: expected function in %q", ErrSyntax, rest)
		}
		closing := strings.IndexByte(rest, ')')
		if closing < open {
			return nil, fmt.Errorf("%w: unbalanced parentheses in %q", ErrSyntax, expr)
		}
		name := Kind(strings.ToLower(strings.TrimSpace(rest[:open])))
		op, err := parseOp(name, strings.TrimSpace(rest[open+1:closing]))
		if err != nil {
			return nil, err
		}
		out = append(out, op)
		rest = strings.TrimSpace(rest[closing+1:])
	}
	return out, nil
}

func parseOp(k Kind, arg string) (Op, error) {
	switch k {
	case Sepia, Grayscale, Saturate, Contrast, Brightness:
		v := 1.0
		if arg != "" {
			var err error
			if v, err = parseFactor(arg); err != nil {
				return Op{}, fmt.Errorf("%s: %w", k, err)
			}
		}
		if v < 0 {
			return Op{}, fmt.Errorf("%w: %s amount must not be negative", ErrSyntax, k)
		}
		if (k == Sepia || k == Grayscale) && v > 1 {
			v = 1
		}
		return Op{Kind: k, Amount: v}, nil
	case HueRotate:
		deg, err := parseAngle(arg)
		if err != nil {
			return Op{}, fmt.Errorf("%s: %w", k, err)
		}
		return Op{Kind: k, Amount: deg}, nil
	case Blur:
		px, err := parseLength(arg)
		if err != nil {
			return Op{}, fmt.Errorf("%s: %w", k, err)
		}
		if px < 0 {
			return Op{}, fmt.Errorf("%w: blur radius must not be negative", ErrSyntax)
		}
		return Op{Kind: k, Amount: px}, nil
	default:
		return Op{}, fmt.Errorf("%w: unknown function %q", ErrSyntax, string(k))
	}
}

func parseFactor(s string) (float64, error) {
	if strings.HasSuffix(s, "%") {
		v, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrSyntax, s)
		}
		return v / 100, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	return v, nil
}

func parseAngle(s string) (float64, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	units := []struct {
		suffix string
		toDeg  float64
	}{{"grad", 0.9}, {"turn", 360}, {"rad", 180 / math.Pi}, {"deg", 1}}
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			v, err := strconv.ParseFloat(strings.TrimSuffix(s, u.suffix), 64)
			if err != nil {
				return 0, fmt.Errorf("%w: %q", ErrSyntax, s)
			}
			return v * u.toDeg, nil
		}
	}
	return 0, fmt.Errorf("%w: angle %q needs a unit", ErrSyntax, s)
}

func parseLength(s string) (float64, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	if !strings.HasSuffix(s, "px") {
		return 0, fmt.Errorf("%w: length %q needs px", ErrSyntax, s)
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(s, "px"), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	return v, nil
}

// Identity reports whether applying the chain leaves every pixel unchanged.
func (c Chain) Identity() bool {
	for _, op := range c {
		switch op.Kind {
		case HueRotate, Blur, Sepia, Grayscale:
			if op.Amount != 0 {
				return false
			}
		default:
			if op.Amount != 1 {
				return false
			}
		}
	}
	return true
}

func (c Chain) String() string {
	if len(c) == 0 {
		return "none"
	}
	parts := make([]string, len(c))
	for i, op := range c {
		v := strconv.FormatFloat(op.Amount, 'f', -1, 64)
		switch op.Kind {
		case HueRotate:
			v += "deg"
		case Blur:
			v += "px"
		}
		parts[i] = string(op.Kind) + "(" + v + ")"
	}
	return strings.Join(parts, " ")
}

// Apply runs the chain over img. Consecutive color operations share one pass with
// clamping after every function; blur is a Gaussian with the radius as sigma.
// The identity chain returns img itself.
func (c Chain) Apply(img image.Image) image.Image {
	if c.Identity() {
		return img
	}
	out := img
	var run []affine
	flush := func() {
		if len(run) == 0 {
			return
		}
		ops := run
		out = imaging.AdjustFunc(out, func(px color.NRGBA) color.NRGBA {
			v := [3]float64{float64(px.R) / 255, float64(px.G) / 255, float64(px.B) / 255}
			for _, m := range ops {
				v = m.apply(v)
			}
			return color.NRGBA{R: to8(v[0]), G: to8(v[1]), B: to8(v[2]), A: px.A}
		})
		run = nil
	}
	for _, op := range c {
		if op.Kind == Blur {
			flush()
			if op.Amount > 0 {
				out = imaging.Blur(out, op.Amount)
			}
			continue
		}
		run = append(run, op.affine())
	}
	flush()
	return out
}

func to8(v float64) uint8 {
	return uint8(math.Round(clamp01(v) * 255))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
