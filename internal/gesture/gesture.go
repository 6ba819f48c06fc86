/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package gesture maps pointer positions on the displayed canvas to layer
// selection and layer positions in canvas percent.
package gesture

import (
	"math"
	"sync"

	"instaprep/internal/layer"
)

// Point is a pointer position in display coordinates.
type Point struct{ X, Y float64 }

// Rect is the displayed canvas element: origin plus size.
type Rect struct{ X, Y, W, H float64 }

// R is shorthand for a Rect.
func R(x, y, w, h float64) Rect { return Rect{X: x, Y: y, W: w, H: h} }

// Contains reports whether p lies inside r, edges included.
func (r Rect) Contains(p Point) bool {
	return p.X >= r.X && p.Y >= r.Y && p.X <= r.X+r.W && p.Y <= r.Y+r.H
}

// ToPercent converts a client coordinate on one axis into canvas percent,
// clamped to the layer position range. A zero or negative size maps to the
// midpoint.
func ToPercent(client, origin, size float64) float64 {
	if size <= 0 || math.IsNaN(size) || math.IsNaN(client) {
		return 50
	}
	return layer.ClampPos((client - origin) / size * 100)
}

// Mapper turns pointer events into selection and move updates of a layer set.
type Mapper struct {
	Layers *layer.Set

	mu      sync.Mutex
	bounds  Rect
	pressed bool
}

// NewMapper binds a mapper to a layer set and the displayed canvas rect.
func NewMapper(layers *layer.Set, bounds Rect) *Mapper {
	return &Mapper{Layers: layers, bounds: bounds}
}

// SetBounds updates the displayed canvas rect, e.g. after a resize.
func (m *Mapper) SetBounds(b Rect) {
	m.mu.Lock()
	m.bounds = b
	m.mu.Unlock()
}

// Bounds returns the displayed canvas rect.
func (m *Mapper) Bounds() Rect {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bounds
}

func (m *Mapper) percent(p Point) (float64, float64) {
	return ToPercent(p.X, m.bounds.X, m.bounds.W), ToPercent(p.Y, m.bounds.Y, m.bounds.H)
}

// PointerDown selects the topmost visible layer under p, or clears the
// selection when p hits empty canvas. It reports the selected layer.
func (m *Mapper) PointerDown(p Point) (layer.ID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pressed = true
	b := m.bounds
	if b.W <= 0 || b.H <= 0 {
		return "", false
	}
	// hit testing uses unclamped percentages
	x := (p.X - b.X) / b.W * 100
	y := (p.Y - b.Y) / b.H * 100
	id, ok := m.Layers.HitTest(x, y)
	if !ok {
		m.Layers.Deselect()
		return "", false
	}
	if err := m.Layers.Select(id); err != nil {
		return "", false
	}
	return id, true
}

// PointerMove moves the selected layer anchor to p while the pointer is down.
// Without a selection it does nothing and returns false.
func (m *Mapper) PointerMove(p Point) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.pressed {
		return false
	}
	id, ok := m.Layers.Selected()
	if !ok {
		return false
	}
	x, y := m.percent(p)
	return m.Layers.SetPosition(id, x, y) == nil
}

// PointerUp ends the drag; the selection stays.
func (m *Mapper) PointerUp() {
	m.mu.Lock()
	m.pressed = false
	m.mu.Unlock()
}

// Dragging reports whether the pointer is down.
func (m *Mapper) Dragging() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pressed
}
