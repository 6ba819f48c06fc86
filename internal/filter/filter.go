/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package filter implements the named tone presets applied to the story background.
// A preset is an expression in CSS filter function syntax, e.g.
// "sepia(0.5) saturate(1.4)", parsed into a Chain of operations.
package filter

import (
	"errors"
	"fmt"
	"strings"
)

// Preset is a named filter expression offered in the picker.
type Preset struct {
	Name       string
	Expression string
}

const NormalName = "Normal"

var presets = []Preset{
	{Name: NormalName, Expression: "none"},
	{Name: "Warm", Expression: "sepia(0.5) saturate(1.4)"},
	{Name: "Cool", Expression: "hue-rotate(180deg) saturate(1.2)"},
	{Name: "Vivid", Expression: "saturate(2) contrast(1.1)"},
	{Name: "B&W", Expression: "grayscale(1) contrast(1.2)"},
	{Name: "Dreamy", Expression: "blur(2px) brightness(1.1) saturate(1.3)"},
}

var ErrUnknownPreset = errors.New("unknown filter preset")

// Presets returns the presets in picker order.
func Presets() []Preset {
	out := make([]Preset, len(presets))
	copy(out, presets)
	return out
}

// Lookup finds a preset by name, ignoring case.
func Lookup(name string) (Preset, error) {
	for _, p := range presets {
		if strings.EqualFold(p.Name, strings.TrimSpace(name)) {
			return p, nil
		}
	}
	return Preset{}, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
}

// Next returns the preset after name, wrapping around.
func Next(name string) Preset {
	for i, p := range presets {
		if strings.EqualFold(p.Name, name) {
			return presets[(i+1)%len(presets)]
		}
	}
	return presets[0]
}

// State is the filter selection of a session. Intensity (0..100) is the opacity
// of the filtered background draw over the empty surface; the operations
// themselves always run at full strength. The identity filter draws opaque.
type State struct {
	Name       string  `json:"name"`
	Expression string  `json:"expression"`
	Intensity  float64 `json:"intensity"`
}

// DefaultState is Normal at full intensity.
func DefaultState() State {
	return State{Name: NormalName, Expression: "none", Intensity: 100}
}

// WithPreset switches the preset and keeps the intensity.
func (s State) WithPreset(p Preset) State {
	s.Name, s.Expression = p.Name, p.Expression
	return s
}

// WithIntensity returns s with the intensity clamped to [0, 100].
func (s State) WithIntensity(v float64) State {
	switch {
	case v != v || v < 0:
		v = 0
	case v > 100:
		v = 100
	}
	s.Intensity = v
	return s
}

// IntensityAdjustable is false for the identity filter; the UI hides the slider then.
func (s State) IntensityAdjustable() bool {
	c, err := Parse(s.Expression)
	return err == nil && !c.Identity()
}

// Alpha is the opacity of the filtered draw in [0, 1].
func (s State) Alpha() float64 { return s.Intensity / 100 }
