/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package layer holds the text overlays of a story composition: the phrase, the
// opening hours and the phone number. The set of layers is fixed for the lifetime
// of a composer session; only their fields change.
package layer

import (
	"errors"
	"fmt"
	"strings"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// ID identifies one of the fixed overlay layers.
type ID string

const (
	Phrase ID = "phrase"
	Hours  ID = "hours"
	Phone  ID = "phone"
)

// Order is the declaration order, which is also the draw order (last is topmost).
var Order = [...]ID{Phrase, Hours, Phone}

func (id ID) Valid() bool {
	for _, o := range Order {
		if o == id {
			return true
		}
	}
	return false
}

// ParseID accepts "phrase", "hours" or "phone" in any case.
func ParseID(s string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(s)))
	if !id.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownLayer, s)
	}
	return id, nil
}

// Font is the closed set of font choices offered for overlays.
type Font int

const (
	FontStrong Font = iota
	FontModern
	FontSerif
	FontCasual
	FontSans
)

var fontNames = [...]string{"strong", "modern", "serif", "casual", "sans"}

// Fonts lists every font choice in picker order.
func Fonts() []Font { return []Font{FontStrong, FontModern, FontSerif, FontCasual, FontSans} }

func (f Font) String() string {
	if f < 0 || int(f) >= len(fontNames) {
		return fmt.Sprintf("font(%d)", int(f))
	}
	return fontNames[f]
}

// Family is the display family the font choice stands for.
func (f Font) Family() string {
	switch f {
	case FontStrong:
		return "Bebas Neue"
	case FontModern:
		return "Outfit"
	case FontSerif:
		return "Playfair Display"
	case FontCasual:
		return "Damion"
	default:
		return "sans-serif"
	}
}

// ParseFont accepts "strong" as well as the class form "font-strong".
func ParseFont(s string) (Font, error) {
	n := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "font-")
	for i, name := range fontNames {
		if name == n {
			return Font(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFont, s)
}

func (f Font) MarshalText() ([]byte, error) {
	if f < 0 || int(f) >= len(fontNames) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFont, int(f))
	}
	return []byte(fontNames[f]), nil
}

func (f *Font) UnmarshalText(b []byte) error {
	v, err := ParseFont(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

var (
	ErrUnknownLayer = errors.New("unknown layer")
	ErrUnknownFont  = errors.New("unknown font")
	ErrBadColor     = errors.New("invalid color")
	ErrNotVisible   = errors.New("layer is hidden")
)

// Layer is one positionable text overlay. X and Y are percentages of the logical
// canvas locating the text anchor (its center).
type Layer struct {
	ID            ID      `json:"id"`
	Text          string  `json:"text"`
	Visible       bool    `json:"visible"`
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
	Size          float64 `json:"size"`
	Color         string  `json:"color"`
	Font          Font    `json:"font"`
	HasBackground bool    `json:"hasBackground"`
	BgOpacity     float64 `json:"bgOpacity"`
	BgColor       string  `json:"bgColor"`
}

// Limits applied by every update operation.
const (
	MinPos     = 5.0
	MaxPos     = 95.0
	MinSize    = 10.0
	MaxSize    = 150.0
	SizeStep   = 5.0
	OpacityMin = 0.0
	OpacityMax = 1.0
)

// HitWidth and HitHeight size the selection box around an anchor, in percent of the canvas.
const (
	HitWidth  = 80.0
	HitHeight = 10.0
)

// Defaults returns the initial state of a layer.
func Defaults(id ID, text string) Layer {
	l := Layer{ID: id, Text: text, Visible: true, X: 50, Color: "#FFFFFF", BgColor: "#000000"}
	switch id {
	case Phrase:
		l.Y, l.Size, l.Font = 30, 50, FontStrong
		l.HasBackground, l.BgOpacity = true, 0.8
	case Hours:
		l.Y, l.Size, l.Font, l.BgOpacity = 75, 22, FontSans, 0.5
	case Phone:
		l.Y, l.Size, l.Font, l.BgOpacity = 82, 22, FontSans, 0.5
	}
	return l
}

// Palette is the quick color row of the style panel.
func Palette() []string {
	return []string{"#FFFFFF", "#000000", "#FFEB94", "#FFCCAC", "#C1E1DC"}
}

// NormalizeColor validates a hex color and returns it as upper-case #RRGGBB.
func NormalizeColor(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "#") {
		s = "#" + s
	}
	if len(s) == 4 {
		s = "#" + strings.Repeat(s[1:2], 2) + strings.Repeat(s[2:3], 2) + strings.Repeat(s[3:4], 2)
	}
	c, err := colorful.Hex(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrBadColor, s)
	}
	return strings.ToUpper(c.Hex()), nil
}

func clamp(v, lo, hi float64) float64 {
	if v != v { // NaN
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampPos limits a percentage coordinate to the reachable band.
func ClampPos(v float64) float64 { return clamp(v, MinPos, MaxPos) }

// ClampSize limits a size to the supported range.
func ClampSize(v float64) float64 { return clamp(v, MinSize, MaxSize) }

// Contains reports whether the percentage point lies in the layer's hit box.
func (l Layer) Contains(xPct, yPct float64) bool {
	return xPct >= l.X-HitWidth/2 && xPct <= l.X+HitWidth/2 &&
		yPct >= l.Y-HitHeight/2 && yPct <= l.Y+HitHeight/2
}
