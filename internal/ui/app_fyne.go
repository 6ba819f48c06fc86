//go:build fyne && cgo

/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package ui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	fstorage "fyne.io/fyne/v2/storage"
	"fyne.io/fyne/v2/widget"

	"instaprep/internal/composer"
	"instaprep/internal/config"
	"instaprep/internal/crash"
	"instaprep/internal/export"
	"instaprep/internal/filter"
	"instaprep/internal/gesture"
	"instaprep/internal/layer"
	applog "instaprep/internal/log"
	"instaprep/internal/version"
)

const uiRefresh = 33 * time.Millisecond

// Run starts the composer window with cfg as loaded by the caller, which also
// owns logger setup. scenePath may be empty.
func Run(cfg config.AppConfig, scenePath string) error {
	l := applog.WithComponent("ui")
	l.Info("starting UI", slog.String("version", version.String()))

	fyneApp := app.NewWithID("instaprep")
	w := fyneApp.NewWindow("Story Composer")
	prefs := fyneApp.Preferences()
	winW := prefs.IntWithFallback("window.width", 1100)
	winH := prefs.IntWithFallback("window.height", 900)
	if winW < 700 {
		winW = 700
	}
	if winH < 600 {
		winH = 600
	}
	w.Resize(fyne.NewSize(float32(winW), float32(winH)))

	status := widget.NewLabel("Ready")
	opts := composer.OptionsFromConfig(cfg)
	opts.OnNotice = func(n export.Notice) {
		fyne.Do(func() {
			status.SetText(n.Message)
			dialog.ShowError(errors.New(n.Message), w)
		})
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := composer.OpenScene(ctx, scenePath, opts)
	if err != nil {
		return err
	}
	defer s.Close()
	defer crash.Recover(s.Close)

	story := NewStoryCanvas(s)
	style := newStylePanel(s)
	story.OnSelect = func(layer.ID, bool) { style.sync() }

	// Filter picker; the intensity slider is hidden for Normal.
	names := make([]string, 0, len(filter.Presets()))
	for _, p := range filter.Presets() {
		names = append(names, p.Name)
	}
	intensity := widget.NewSlider(0, 100)
	intensity.Step = 1
	intensity.SetValue(s.Filter().Intensity)
	intensity.OnChanged = func(v float64) { s.SetFilterIntensity(v) }
	filterSelect := widget.NewSelect(names, nil)
	filterSelect.OnChanged = func(name string) {
		if err := s.SelectFilter(name); err != nil {
			status.SetText(err.Error())
			return
		}
		if s.Filter().IntensityAdjustable() {
			intensity.Show()
		} else {
			intensity.Hide()
		}
	}
	filterSelect.SetSelected(s.Filter().Name)

	// Export history
	var history []string
	historyList := widget.NewList(
		func() int { return len(history) },
		func() fyne.CanvasObject { return widget.NewLabel("") },
		func(i widget.ListItemID, o fyne.CanvasObject) { o.(*widget.Label).SetText(history[i]) },
	)
	refreshHistory := func() {
		list, err := s.History(ctx, 20)
		if err != nil {
			l.Warn("history unavailable", slog.Any("err", err))
			return
		}
		history = history[:0]
		for _, e := range list {
			history = append(history, fmt.Sprintf("%s  %s  %s", e.CreatedAt.Local().Format("15:04:05"), e.Kind, filepath.Base(e.Path)))
		}
		historyList.Refresh()
	}
	refreshHistory()

	saveBtn := widget.NewButton("Save", nil)
	saveBtn.OnTapped = func() {
		path, err := s.Save(ctx)
		switch {
		case errors.Is(err, export.ErrBusy):
			status.SetText("Export in progress")
		case err != nil:
			l.Error("save failed", slog.Any("err", err))
			dialog.ShowError(err, w)
		case path == "":
			status.SetText("Recording...")
			saveBtn.Disable()
		default:
			status.SetText("Saved " + path)
			refreshHistory()
		}
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case res := <-s.Recorded():
				fyne.Do(func() {
					saveBtn.Enable()
					switch {
					case errors.Is(res.Err, context.Canceled):
					case res.Err != nil:
						status.SetText("Recording failed")
					default:
						status.SetText("Saved " + res.Path)
						refreshHistory()
					}
				})
			}
		}
	}()

	recent := widget.NewSelect(loadRecentBackgrounds(prefs), nil)
	recent.PlaceHolder = "Recent backgrounds"
	setBackground := func(path string) {
		if err := s.SetBackgroundFile(path); err != nil {
			dialog.ShowError(err, w)
			return
		}
		addRecentBackground(prefs, path)
		recent.Options = loadRecentBackgrounds(prefs)
		recent.Refresh()
		status.SetText("Background: " + filepath.Base(path))
	}
	recent.OnChanged = func(path string) {
		if path != "" {
			setBackground(path)
		}
	}
	openBtn := widget.NewButton("Background...", func() {
		fd := dialog.NewFileOpen(func(rc fyne.URIReadCloser, err error) {
			if err != nil || rc == nil {
				return
			}
			_ = rc.Close()
			setBackground(rc.URI().Path())
		}, w)
		fd.SetFilter(fstorage.NewExtensionFileFilter([]string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".mp4", ".mov", ".webm"}))
		fd.Show()
	})
	clearBtn := widget.NewButton("Clear", func() {
		_ = s.ClearBackground()
		status.SetText("Background cleared")
	})

	texts := container.NewVBox()
	for _, id := range layer.Order {
		texts.Add(layerTextRow(s, id, style))
	}

	side := container.NewVScroll(container.NewVBox(
		widget.NewCard("Background", "", container.NewVBox(container.NewGridWithColumns(2, openBtn, clearBtn), recent)),
		widget.NewCard("Text", "", texts),
		widget.NewCard("Style", "", style.box),
		widget.NewCard("Filter", "", container.NewVBox(filterSelect, intensity)),
		widget.NewCard("Export", "", container.NewVBox(saveBtn, widget.NewLabel("Recent exports"))),
		container.NewGridWrap(fyne.NewSize(300, 160), historyList),
	))
	split := container.NewHSplit(story, side)
	split.Offset = 0.6
	w.SetContent(container.NewBorder(nil, status, nil, nil, split))

	w.Canvas().SetOnTypedRune(func(r rune) {
		switch r {
		case 's':
			saveBtn.OnTapped()
		case 'f':
			filterSelect.SetSelected(filter.Next(s.Filter().Name).Name)
		case '+':
			style.step(layer.SizeStep)
		case '-':
			style.step(-layer.SizeStep)
		}
	})

	go func() {
		tick := time.NewTicker(uiRefresh)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if f, ok := s.Compositor().Snapshot(); ok {
					fyne.Do(func() { story.SetFrame(f) })
				}
			}
		}
	}()

	w.SetOnClosed(func() {
		sz := w.Canvas().Size()
		prefs.SetInt("window.width", int(sz.Width))
		prefs.SetInt("window.height", int(sz.Height))
		cancel()
	})
	w.ShowAndRun()
	l.Info("UI closed")
	return nil
}

// layerTextRow edits the text of one layer and toggles its visibility.
func layerTextRow(s *composer.Session, id layer.ID, style *stylePanel) fyne.CanvasObject {
	cur, _ := s.Layers().Get(id)
	entry := widget.NewEntry()
	entry.SetText(cur.Text)
	entry.OnChanged = func(v string) { _ = s.Layers().SetText(id, v) }
	visible := widget.NewCheck("", func(on bool) {
		_ = s.Layers().SetVisible(id, on)
		style.sync()
	})
	visible.SetChecked(cur.Visible)
	return container.NewBorder(nil, nil, widget.NewLabel(string(id)), visible, entry)
}

// stylePanel edits the selected layer; it is disabled while nothing is selected.
type stylePanel struct {
	s        *composer.Session
	box      *fyne.Container
	title    *widget.Label
	color    *widget.Select
	font     *widget.Select
	plate    *widget.Check
	opacity  *widget.Slider
	minus    *widget.Button
	plus     *widget.Button
	updating bool
}

func newStylePanel(s *composer.Session) *stylePanel {
	p := &stylePanel{s: s, title: widget.NewLabel("Tap a text to style it")}
	p.color = widget.NewSelect(layer.Palette(), func(v string) { p.apply(func(id layer.ID) error { return s.Layers().SetColor(id, v) }) })
	fontNames := make([]string, 0, len(layer.Fonts()))
	for _, f := range layer.Fonts() {
		fontNames = append(fontNames, f.String())
	}
	p.font = widget.NewSelect(fontNames, func(v string) {
		p.apply(func(id layer.ID) error {
			f, err := layer.ParseFont(v)
			if err != nil {
				return err
			}
			return s.Layers().SetFont(id, f)
		})
	})
	p.plate = widget.NewCheck("Background box", func(on bool) {
		p.apply(func(id layer.ID) error { return s.Layers().SetBackgroundBox(id, on) })
	})
	p.opacity = widget.NewSlider(0, 1)
	p.opacity.Step = 0.1
	p.opacity.OnChanged = func(v float64) {
		p.apply(func(id layer.ID) error { return s.Layers().SetBackgroundOpacity(id, v) })
	}
	p.minus = widget.NewButton("A-", func() { p.step(-layer.SizeStep) })
	p.plus = widget.NewButton("A+", func() { p.step(layer.SizeStep) })
	p.box = container.NewVBox(p.title, container.NewGridWithColumns(2, p.minus, p.plus), p.color, p.font, p.plate, p.opacity)
	p.sync()
	return p
}

func (p *stylePanel) apply(fn func(layer.ID) error) {
	if p.updating {
		return
	}
	if id, ok := p.s.Layers().Selected(); ok {
		if err := fn(id); err != nil {
			applog.WithComponent("ui").Warn("style update rejected", slog.String("layer", string(id)), slog.Any("err", err))
		}
	}
}

func (p *stylePanel) step(delta float64) {
	p.apply(func(id layer.ID) error { return p.s.Layers().StepSize(id, delta) })
}

// sync loads the selected layer into the controls.
func (p *stylePanel) sync() {
	p.updating = true
	defer func() { p.updating = false }()
	id, ok := p.s.Layers().Selected()
	widgets := []fyne.Disableable{p.color, p.font, p.plate, p.minus, p.plus}
	if !ok {
		p.title.SetText("Tap a text to style it")
		for _, w := range widgets {
			w.Disable()
		}
		return
	}
	l, _ := p.s.Layers().Get(id)
	p.title.SetText("Editing " + string(id))
	for _, w := range widgets {
		w.Enable()
	}
	p.color.SetSelected(l.Color)
	p.font.SetSelected(l.Font.String())
	p.plate.SetChecked(l.HasBackground)
	p.opacity.SetValue(l.BgOpacity)
}

// StoryCanvas shows the composed surface scaled to fit and turns taps and drags
// into layer gestures.
type StoryCanvas struct {
	widget.BaseWidget
	s   *composer.Session
	img *canvas.Image

	dragging bool
	OnSelect func(id layer.ID, ok bool)
}

func NewStoryCanvas(s *composer.Session) *StoryCanvas {
	sc := &StoryCanvas{s: s}
	sc.img = canvas.NewImageFromImage(nil)
	sc.img.FillMode = canvas.ImageFillStretch
	sc.img.ScaleMode = canvas.ImageScaleFastest
	sc.ExtendBaseWidget(sc)
	return sc
}

// SetFrame replaces the displayed frame. Call on the UI goroutine.
func (sc *StoryCanvas) SetFrame(f *image.RGBA) {
	sc.img.Image = f
	sc.img.Refresh()
}

func (sc *StoryCanvas) CreateRenderer() fyne.WidgetRenderer {
	bg := canvas.NewRectangle(color.RGBA{R: 24, G: 24, B: 28, A: 255})
	return &storyCanvasRenderer{sc: sc, bg: bg, objects: []fyne.CanvasObject{bg, sc.img}}
}

// PreferredSize is a phone-sized portrait box.
func (sc *StoryCanvas) PreferredSize() fyne.Size { return fyne.NewSize(360, 640) }

// fit returns the position and size of the canvas image inside the widget.
func (sc *StoryCanvas) fit(size fyne.Size) (fyne.Position, fyne.Size) {
	cw, ch := sc.s.Compositor().Size()
	if cw <= 0 || ch <= 0 || size.Width <= 0 || size.Height <= 0 {
		return fyne.NewPos(0, 0), fyne.NewSize(0, 0)
	}
	scale := size.Width / float32(cw)
	if hs := size.Height / float32(ch); hs < scale {
		scale = hs
	}
	w, h := float32(cw)*scale, float32(ch)*scale
	return fyne.NewPos((size.Width-w)/2, (size.Height-h)/2), fyne.NewSize(w, h)
}

func (sc *StoryCanvas) layout(size fyne.Size) {
	pos, sz := sc.fit(size)
	sc.img.Move(pos)
	sc.img.Resize(sz)
	sc.s.Gestures().SetBounds(gesture.R(float64(pos.X), float64(pos.Y), float64(sz.Width), float64(sz.Height)))
}

func toPoint(p fyne.Position) gesture.Point { return gesture.Point{X: float64(p.X), Y: float64(p.Y)} }

// Tapped selects the layer under the pointer, or deselects on empty canvas.
func (sc *StoryCanvas) Tapped(e *fyne.PointEvent) {
	id, ok := sc.s.Gestures().PointerDown(toPoint(e.Position))
	sc.s.Gestures().PointerUp()
	if sc.OnSelect != nil {
		sc.OnSelect(id, ok)
	}
}

// Dragged presses at the drag origin on the first event, then moves the selection.
func (sc *StoryCanvas) Dragged(e *fyne.DragEvent) {
	g := sc.s.Gestures()
	if !sc.dragging {
		sc.dragging = true
		start := fyne.NewPos(e.Position.X-e.Dragged.DX, e.Position.Y-e.Dragged.DY)
		id, ok := g.PointerDown(toPoint(start))
		if sc.OnSelect != nil {
			sc.OnSelect(id, ok)
		}
	}
	g.PointerMove(toPoint(e.Position))
}

func (sc *StoryCanvas) DragEnd() {
	sc.dragging = false
	sc.s.Gestures().PointerUp()
}

type storyCanvasRenderer struct {
	sc      *StoryCanvas
	bg      *canvas.Rectangle
	objects []fyne.CanvasObject
}

func (r *storyCanvasRenderer) Destroy()                     {}
func (r *storyCanvasRenderer) Objects() []fyne.CanvasObject { return r.objects }
func (r *storyCanvasRenderer) MinSize() fyne.Size           { return fyne.NewSize(180, 320) }
func (r *storyCanvasRenderer) Refresh()                     { r.Layout(r.sc.Size()); canvas.Refresh(r.sc) }

func (r *storyCanvasRenderer) Layout(size fyne.Size) {
	r.bg.Resize(size)
	r.bg.Move(fyne.NewPos(0, 0))
	r.sc.layout(size)
}

// Recent backgrounds are kept in the app preferences, newest first.
const recentPrefsKey = "recent.backgrounds"
const recentMax = 10

func loadRecentBackgrounds(p fyne.Preferences) []string {
	raw := p.StringWithFallback(recentPrefsKey, "")
	var items []string
	if strings.TrimSpace(raw) != "" {
		_ = json.Unmarshal([]byte(raw), &items)
	}
	out := make([]string, 0, len(items))
	for _, s := range items {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		if _, err := os.Stat(s); err == nil {
			out = append(out, s)
		}
	}
	return out
}

func saveRecentBackgrounds(p fyne.Preferences, items []string) {
	if len(items) > recentMax {
		items = items[:recentMax]
	}
	b, _ := json.Marshal(items)
	p.SetString(recentPrefsKey, string(b))
}

func addRecentBackground(p fyne.Preferences, path string) {
	if strings.TrimSpace(path) == "" {
		return
	}
	abs, _ := filepath.Abs(path)
	rec := loadRecentBackgrounds(p)
	out := make([]string, 0, 1+len(rec))
	out = append(out, abs)
	for _, s := range rec {
		if strings.EqualFold(s, abs) {
			continue
		}
		out = append(out, s)
	}
	saveRecentBackgrounds(p, out)
}
