/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package filter

import "math"

// affine is a color transform on RGB in [0,1]: out = m*in + off, clamped.
// Coefficients follow the Filter Effects Module Level 1 definitions.
type affine struct {
	m   [3][3]float64
	off [3]float64
}

func (a affine) apply(v [3]float64) [3]float64 {
	var o [3]float64
	for i := 0; i < 3; i++ {
		o[i] = clamp01(a.m[i][0]*v[0] + a.m[i][1]*v[1] + a.m[i][2]*v[2] + a.off[i])
	}
	return o
}

func diag(s, off float64) affine {
	return affine{
		m:   [3][3]float64{{s, 0, 0}, {0, s, 0}, {0, 0, s}},
		off: [3]float64{off, off, off},
	}
}

func (op Op) affine() affine {
	a := op.Amount
	switch op.Kind {
	case Sepia:
		r := 1 - a
		return affine{m: [3][3]float64{
			{0.393 + 0.607*r, 0.769 - 0.769*r, 0.189 - 0.189*r},
			{0.349 - 0.349*r, 0.686 + 0.314*r, 0.168 - 0.168*r},
			{0.272 - 0.272*r, 0.534 - 0.534*r, 0.131 + 0.869*r},
		}}
	case Grayscale:
		g := 1 - a
		return affine{m: [3][3]float64{
			{0.2126 + 0.7874*g, 0.7152 - 0.7152*g, 0.0722 - 0.0722*g},
			{0.2126 - 0.2126*g, 0.7152 + 0.2848*g, 0.0722 - 0.0722*g},
			{0.2126 - 0.2126*g, 0.7152 - 0.7152*g, 0.0722 + 0.9278*g},
		}}
	case Saturate:
		return affine{m: [3][3]float64{
			{0.213 + 0.787*a, 0.715 - 0.715*a, 0.072 - 0.072*a},
			{0.213 - 0.213*a, 0.715 + 0.285*a, 0.072 - 0.072*a},
			{0.213 - 0.213*a, 0.715 - 0.715*a, 0.072 + 0.928*a},
		}}
	case HueRotate:
		rad := a * math.Pi / 180
		c, s := math.Cos(rad), math.Sin(rad)
		return affine{m: [3][3]float64{
			{0.213 + c*0.787 - s*0.213, 0.715 - c*0.715 - s*0.715, 0.072 - c*0.072 + s*0.928},
			{0.213 - c*0.213 + s*0.143, 0.715 + c*0.285 + s*0.140, 0.072 - c*0.072 - s*0.283},
			{0.213 - c*0.213 - s*0.787, 0.715 - c*0.715 + s*0.715, 0.072 + c*0.928 + s*0.072},
		}}
	case Brightness:
		return diag(a, 0)
	case Contrast:
		return diag(a, 0.5-0.5*a)
	default:
		return diag(1, 0)
	}
}
