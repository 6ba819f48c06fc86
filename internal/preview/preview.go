/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package preview shows a live composer session in a terminal. Each cell draws
// two canvas pixels with an upper half block, so the preview keeps the canvas
// aspect ratio. Mouse drags move layers, keys drive the style and export actions.
package preview

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gdamore/tcell/v2"

	"instaprep/internal/composer"
	"instaprep/internal/export"
	"instaprep/internal/gesture"
	"instaprep/internal/layer"
	applog "instaprep/internal/log"
)

const (
	refresh        = 66 * time.Millisecond
	intensityStep  = 10.0
	halfBlock      = '▀'
	statusDuration = 4 * time.Second
)

// Preview binds a session to a tcell screen. The screen must be initialized by
// the caller, who also finalizes it.
type Preview struct {
	s      *composer.Session
	screen tcell.Screen
	log    *slog.Logger

	view     image.Rectangle
	pressed  bool
	status   string
	statusAt time.Time
	now      func() time.Time
}

func New(s *composer.Session, screen tcell.Screen) *Preview {
	return &Preview{s: s, screen: screen, log: applog.WithComponent("preview"), now: time.Now}
}

// Run draws and handles input until the user quits or ctx is done.
func (p *Preview) Run(ctx context.Context) error {
	p.screen.EnableMouse()
	p.screen.HideCursor()
	defer p.screen.DisableMouse()

	events := make(chan tcell.Event, 32)
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		for {
			ev := p.screen.PollEvent()
			if ev == nil {
				return
			}
			select {
			case events <- ev:
			case <-quit:
				return
			}
		}
	}()

	tick := time.NewTicker(refresh)
	defer tick.Stop()
	p.draw()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			if !p.handle(ctx, ev) {
				return nil
			}
		case res := <-p.s.Recorded():
			p.recorded(res)
		case <-tick.C:
			p.draw()
		}
	}
}

// handle processes one event; false means quit.
func (p *Preview) handle(ctx context.Context, ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventResize:
		p.screen.Sync()
		p.layout()
	case *tcell.EventKey:
		return p.key(ctx, ev)
	case *tcell.EventMouse:
		p.mouse(ev)
	}
	return true
}

func (p *Preview) key(ctx context.Context, ev *tcell.EventKey) bool {
	switch ev.Key() {
	case tcell.KeyEscape, tcell.KeyCtrlC:
		return false
	case tcell.KeyRune:
	default:
		return true
	}
	switch r := ev.Rune(); r {
	case 'q':
		return false
	case 's':
		p.save(ctx)
	case 'f':
		st := p.s.NextFilter()
		p.say(fmt.Sprintf("filter %s", st.Name))
	case ']':
		p.s.SetFilterIntensity(p.s.Filter().Intensity + intensityStep)
	case '[':
		p.s.SetFilterIntensity(p.s.Filter().Intensity - intensityStep)
	case '+', '=':
		p.resize(layer.SizeStep)
	case '-':
		p.resize(-layer.SizeStep)
	case '1', '2', '3':
		id := layer.Order[r-'1']
		if vis, err := p.s.Layers().ToggleVisible(id); err == nil {
			p.say(fmt.Sprintf("%s %s", id, map[bool]string{true: "shown", false: "hidden"}[vis]))
		}
	}
	return true
}

func (p *Preview) resize(delta float64) {
	id, ok := p.s.Layers().Selected()
	if !ok {
		p.say("select a layer first")
		return
	}
	if err := p.s.Layers().StepSize(id, delta); err != nil {
		p.say(err.Error())
	}
}

func (p *Preview) save(ctx context.Context) {
	path, err := p.s.Save(ctx)
	switch {
	case errors.Is(err, export.ErrBusy):
		p.say("export in progress")
	case err != nil:
		p.log.Error("save failed", slog.Any("err", err))
		p.say("save failed: " + err.Error())
	case path == "":
		p.say("recording...")
	default:
		p.say("saved " + path)
	}
}

func (p *Preview) recorded(res export.Result) {
	switch {
	case errors.Is(res.Err, context.Canceled):
	case res.Err != nil:
		p.say("recording failed: " + res.Err.Error())
	default:
		p.say("saved " + res.Path)
	}
}

// mouse maps cell coordinates to half-block pixels, which is the space the
// gesture bounds are set in.
func (p *Preview) mouse(ev *tcell.EventMouse) {
	x, y := ev.Position()
	pt := gesture.Point{X: float64(x) + 0.5, Y: float64(2*y) + 1}
	g := p.s.Gestures()
	if ev.Buttons()&tcell.Button1 == 0 {
		if p.pressed {
			g.PointerUp()
			p.pressed = false
		}
		return
	}
	if !p.pressed {
		p.pressed = true
		g.PointerDown(pt)
		return
	}
	g.PointerMove(pt)
}

func (p *Preview) say(msg string) {
	p.status, p.statusAt = msg, p.now()
}

// layout fits the canvas into the screen above the status row and points the
// gesture mapper at it.
func (p *Preview) layout() {
	cols, rows := p.screen.Size()
	cw, ch := p.s.Compositor().Size()
	p.view = Fit(cw, ch, cols, 2*(rows-1))
	v := p.view
	p.s.Gestures().SetBounds(gesture.R(float64(v.Min.X), float64(v.Min.Y), float64(v.Dx()), float64(v.Dy())))
}

// Fit returns the largest rectangle with the canvas aspect ratio that fits a
// w x h pixel area, centered horizontally.
func Fit(canvasW, canvasH, w, h int) image.Rectangle {
	if canvasW <= 0 || canvasH <= 0 || w <= 0 || h <= 0 {
		return image.Rectangle{}
	}
	vw, vh := h*canvasW/canvasH, h
	if vw > w {
		vw, vh = w, w*canvasH/canvasW
	}
	vh &^= 1
	x0 := (w - vw) / 2
	return image.Rect(x0, 0, x0+vw, vh)
}

func (p *Preview) frame() *image.RGBA {
	if f, ok := p.s.Compositor().Snapshot(); ok {
		return f
	}
	f, err := p.s.Frame()
	if err != nil {
		return nil
	}
	return f
}

func (p *Preview) draw() {
	p.layout()
	p.screen.Clear()
	if f := p.frame(); f != nil && !p.view.Empty() {
		small := imaging.Resize(f, p.view.Dx(), p.view.Dy(), imaging.Box)
		for y := 0; y+1 < p.view.Dy(); y += 2 {
			for x := 0; x < p.view.Dx(); x++ {
				top, bot := small.NRGBAAt(x, y), small.NRGBAAt(x, y+1)
				st := tcell.StyleDefault.
					Foreground(tcell.NewRGBColor(int32(top.R), int32(top.G), int32(top.B))).
					Background(tcell.NewRGBColor(int32(bot.R), int32(bot.G), int32(bot.B)))
				p.screen.SetContent(p.view.Min.X+x, y/2, halfBlock, nil, st)
			}
		}
	}
	p.drawStatus()
	p.screen.Show()
}

func (p *Preview) drawStatus() {
	cols, rows := p.screen.Size()
	if rows < 1 {
		return
	}
	st := p.s.Filter()
	line := fmt.Sprintf(" %s %.0f%% | %s", st.Name, st.Intensity, p.s.ExportState())
	if id, ok := p.s.Layers().Selected(); ok {
		line += " | " + string(id)
	}
	if p.status != "" && p.now().Sub(p.statusAt) < statusDuration {
		line += " | " + p.status
	}
	style := tcell.StyleDefault.Reverse(true)
	x := 0
	for _, r := range line {
		if x >= cols {
			break
		}
		p.screen.SetContent(x, rows-1, r, nil, style)
		x++
	}
	for ; x < cols; x++ {
		p.screen.SetContent(x, rows-1, ' ', nil, style)
	}
}
