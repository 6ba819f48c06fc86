/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package compositor renders the story canvas: background, filter and text layers,
// once per tick. The last completed frame is kept for still exports and copies of
// every frame are handed to taps for video capture.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lucasb-eyer/go-colorful"

	"instaprep/internal/background"
	"instaprep/internal/filter"
	"instaprep/internal/fonts"
	"instaprep/internal/layer"
	applog "instaprep/internal/log"
)

// Logical story canvas.
const (
	DefaultWidth      = 1080
	DefaultHeight     = 1920
	DefaultFPS        = 60
	DefaultBackground = "#1e293b"
)

var (
	ErrNoSurface = errors.New("no drawing surface")
	ErrRunning   = errors.New("render loop already running")
)

// Options configure a Compositor. Zero width and height select the default canvas.
type Options struct {
	Width, Height int
	FPS           int
	Background    string
	Fonts         *fonts.Library
}

// Scene is everything one frame is drawn from.
type Scene struct {
	Layers     []layer.Layer
	Filter     filter.State
	Background background.Source
}

// SceneSource yields a consistent scene at the start of every tick.
type SceneSource interface {
	Scene() Scene
}

// SceneFunc adapts a function to SceneSource.
type SceneFunc func() Scene

func (f SceneFunc) Scene() Scene { return f() }

// Tap receives a private copy of every completed frame. It must not block.
type Tap func(frame *image.RGBA)

// Compositor owns the drawing surface.
type Compositor struct {
	w, h   int
	period time.Duration
	fill   color.RGBA
	fonts  *fonts.Library
	err    error
	log    *slog.Logger

	// render state, guarded by renderMu. Frames alternate between two
	// buffers; bufs[front] is the published one and is never drawn into.
	renderMu sync.Mutex
	bufs     [2]*image.RGBA
	front    int
	buf      *image.RGBA
	bg       bgCache
	shadows  shadowCache
	warned   map[string]bool

	frameMu sync.RWMutex
	last    *image.RGBA
	frames  uint64

	tapMu   sync.Mutex
	taps    map[int]Tap
	nextTap int

	running atomic.Bool
}

// New creates a compositor. A non-positive canvas yields an inert compositor
// together with ErrNoSurface; every later call reports the same error.
func New(opts Options) (*Compositor, error) {
	l := applog.WithComponent("compositor")
	w, h := opts.Width, opts.Height
	if w == 0 && h == 0 {
		w, h = DefaultWidth, DefaultHeight
	}
	fps := opts.FPS
	if fps <= 0 {
		fps = DefaultFPS
	}
	c := &Compositor{
		w:      w,
		h:      h,
		period: time.Second / time.Duration(fps),
		fill:   parseFill(opts.Background),
		fonts:  opts.Fonts,
		log:    l,
		warned: make(map[string]bool),
		taps:   make(map[int]Tap),
	}
	if w <= 0 || h <= 0 {
		c.err = fmt.Errorf("%w: canvas %dx%d", ErrNoSurface, w, h)
		l.Error("compositor inert", slog.Any("err", c.err))
		return c, c.err
	}
	if c.fonts == nil {
		c.fonts = fonts.NewLibrary(nil)
	}
	c.bufs[0] = image.NewRGBA(image.Rect(0, 0, w, h))
	c.bufs[1] = image.NewRGBA(image.Rect(0, 0, w, h))
	c.front = 1
	return c, nil
}

func parseFill(hex string) color.RGBA {
	if hex == "" {
		hex = DefaultBackground
	}
	cf, err := colorful.Hex(hex)
	if err != nil {
		cf, _ = colorful.Hex(DefaultBackground)
	}
	r, g, b := cf.RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

// Inert reports the surface error, nil when the compositor can draw.
func (c *Compositor) Inert() error { return c.err }

// Size of the logical canvas.
func (c *Compositor) Size() (int, int) { return c.w, c.h }

// FramePeriod is the tick interval of Run.
func (c *Compositor) FramePeriod() time.Duration { return c.period }

// RenderFrame draws one frame and publishes it. The returned image is a copy the
// caller owns.
func (c *Compositor) RenderFrame(sc Scene) (*image.RGBA, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.renderMu.Lock()
	defer c.renderMu.Unlock()
	return cloneRGBA(c.render(sc)), nil
}

// render draws sc into the back buffer and publishes it. Callers hold renderMu.
// A frame that panics halfway is never published.
func (c *Compositor) render(sc Scene) *image.RGBA {
	back := 1 - c.front
	c.buf = c.bufs[back]
	c.clear()
	c.drawBackground(sc.Background, sc.Filter)
	c.drawLayers(sc.Layers)
	c.publish(c.buf)
	c.front = back
	return c.buf
}

// publish makes frame the last completed frame and hands each tap a copy.
// Only taps and Snapshot copy the frame.
func (c *Compositor) publish(frame *image.RGBA) {
	c.frameMu.Lock()
	c.last = frame
	c.frames++
	c.frameMu.Unlock()

	c.tapMu.Lock()
	taps := make([]Tap, 0, len(c.taps))
	for _, t := range c.taps {
		taps = append(taps, t)
	}
	c.tapMu.Unlock()
	for _, t := range taps {
		t(cloneRGBA(frame))
	}
}

// Snapshot returns a copy of the last completed frame.
func (c *Compositor) Snapshot() (*image.RGBA, bool) {
	c.frameMu.RLock()
	defer c.frameMu.RUnlock()
	if c.last == nil {
		return nil, false
	}
	return cloneRGBA(c.last), true
}

// Frames counts completed frames.
func (c *Compositor) Frames() uint64 {
	c.frameMu.RLock()
	defer c.frameMu.RUnlock()
	return c.frames
}

// AddTap registers t for every following frame and returns a function removing it.
func (c *Compositor) AddTap(t Tap) (remove func()) {
	c.tapMu.Lock()
	id := c.nextTap
	c.nextTap++
	c.taps[id] = t
	c.tapMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.tapMu.Lock()
			delete(c.taps, id)
			c.tapMu.Unlock()
		})
	}
}

// Run renders src on every tick until ctx is done. A failing or panicking frame is
// logged and the loop goes on with the next tick.
func (c *Compositor) Run(ctx context.Context, src SceneSource) error {
	if c.err != nil {
		return c.err
	}
	if !c.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer c.running.Store(false)

	l := c.log.With(slog.String("op", "run"))
	l.Debug("render loop started", slog.Duration("period", c.period))
	ticker := time.NewTicker(c.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.Debug("render loop stopped", slog.Uint64("frames", c.Frames()))
			return nil
		case <-ticker.C:
			if err := c.tick(src); err != nil {
				l.Warn("frame failed", slog.Any("err", err))
			}
		}
	}
}

func (c *Compositor) tick(src SceneSource) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in frame: %v", r)
			c.log.Debug("frame panic stack", slog.String("stack", string(debug.Stack())))
		}
	}()
	c.renderMu.Lock()
	defer c.renderMu.Unlock()
	c.render(src.Scene())
	return nil
}

func (c *Compositor) warnOnce(key, msg string, attrs ...any) {
	if c.warned[key] {
		return
	}
	c.warned[key] = true
	c.log.Warn(msg, attrs...)
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := &image.RGBA{
		Pix:    make([]byte, len(src.Pix)),
		Stride: src.Stride,
		Rect:   src.Rect,
	}
	copy(dst.Pix, src.Pix)
	return dst
}
