/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package layer

import (
	"fmt"
	"sync"
)

// Set owns the layers of one composer session and the current selection.
// It is safe for concurrent use: gestures and the style panel mutate it while
// the render loop reads snapshots.
type Set struct {
	mu       sync.RWMutex
	layers   [len(Order)]Layer
	selected ID // "" when nothing is selected
	rev      uint64
}

// NewSet seeds the three layers from the externally provided strings.
func NewSet(phrase, hours, phone string) *Set {
	s := &Set{}
	texts := [len(Order)]string{phrase, hours, phone}
	for i, id := range Order {
		s.layers[i] = Defaults(id, texts[i])
	}
	return s
}

func index(id ID) (int, error) {
	for i, o := range Order {
		if o == id {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %q", ErrUnknownLayer, string(id))
}

// Get returns a copy of one layer.
func (s *Set) Get(id ID) (Layer, error) {
	i, err := index(id)
	if err != nil {
		return Layer{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.layers[i], nil
}

// Snapshot returns copies of all layers in draw order.
func (s *Set) Snapshot() []Layer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Layer, len(s.layers))
	copy(out, s.layers[:])
	return out
}

// Revision increases with every successful mutation.
func (s *Set) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rev
}

func (s *Set) update(id ID, fn func(l *Layer) error) error {
	i, err := index(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.layers[i]
	if err := fn(&l); err != nil {
		return err
	}
	s.layers[i] = l
	s.rev++
	return nil
}

// SetText replaces the content. The composer only calls this while seeding.
func (s *Set) SetText(id ID, text string) error {
	return s.update(id, func(l *Layer) error { l.Text = text; return nil })
}

// SetPosition moves the anchor; both coordinates are clamped to [5, 95].
func (s *Set) SetPosition(id ID, x, y float64) error {
	return s.update(id, func(l *Layer) error {
		l.X, l.Y = ClampPos(x), ClampPos(y)
		return nil
	})
}

// SetSize sets the size clamped to [10, 150].
func (s *Set) SetSize(id ID, v float64) error {
	return s.update(id, func(l *Layer) error { l.Size = ClampSize(v); return nil })
}

// StepSize adds delta to the size and clamps. The style panel uses ±SizeStep.
func (s *Set) StepSize(id ID, delta float64) error {
	return s.update(id, func(l *Layer) error { l.Size = ClampSize(l.Size + delta); return nil })
}

// SetVisible shows or hides a layer. Hiding the selected layer drops the selection.
func (s *Set) SetVisible(id ID, visible bool) error {
	return s.update(id, func(l *Layer) error {
		l.Visible = visible
		if !visible && s.selected == id {
			s.selected = ""
		}
		return nil
	})
}

// ToggleVisible flips visibility and returns the new value.
func (s *Set) ToggleVisible(id ID) (bool, error) {
	var now bool
	err := s.update(id, func(l *Layer) error {
		l.Visible = !l.Visible
		now = l.Visible
		if !now && s.selected == id {
			s.selected = ""
		}
		return nil
	})
	return now, err
}

func (s *Set) SetColor(id ID, hex string) error {
	c, err := NormalizeColor(hex)
	if err != nil {
		return err
	}
	return s.update(id, func(l *Layer) error { l.Color = c; return nil })
}

func (s *Set) SetFont(id ID, f Font) error {
	if f < 0 || int(f) >= len(fontNames) {
		return fmt.Errorf("%w: %d", ErrUnknownFont, int(f))
	}
	return s.update(id, func(l *Layer) error { l.Font = f; return nil })
}

func (s *Set) SetBackgroundBox(id ID, on bool) error {
	return s.update(id, func(l *Layer) error { l.HasBackground = on; return nil })
}

// SetBackgroundOpacity sets the plate opacity clamped to [0, 1].
func (s *Set) SetBackgroundOpacity(id ID, v float64) error {
	return s.update(id, func(l *Layer) error { l.BgOpacity = clamp(v, OpacityMin, OpacityMax); return nil })
}

func (s *Set) SetBackgroundColor(id ID, hex string) error {
	c, err := NormalizeColor(hex)
	if err != nil {
		return err
	}
	return s.update(id, func(l *Layer) error { l.BgColor = c; return nil })
}

// Select makes id the selected layer. Hidden layers cannot be selected.
func (s *Set) Select(id ID) error {
	i, err := index(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.layers[i].Visible {
		return fmt.Errorf("%w: %s", ErrNotVisible, id)
	}
	s.selected = id
	return nil
}

func (s *Set) Deselect() {
	s.mu.Lock()
	s.selected = ""
	s.mu.Unlock()
}

// Selected returns the selected layer id, if any.
func (s *Set) Selected() (ID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected, s.selected != ""
}

// HitTest returns the topmost visible layer whose hit box contains the point.
func (s *Set) HitTest(xPct, yPct float64) (ID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.layers) - 1; i >= 0; i-- {
		l := s.layers[i]
		if l.Visible && l.Contains(xPct, yPct) {
			return l.ID, true
		}
	}
	return "", false
}
