/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package composer owns one story editing session: the layer set, the active
// background, the filter choice, the compositor with its render loop and the
// export pipeline. Everything is created by Open and released by Close.
package composer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"instaprep/internal/background"
	"instaprep/internal/compositor"
	"instaprep/internal/config"
	"instaprep/internal/export"
	"instaprep/internal/filter"
	"instaprep/internal/fonts"
	"instaprep/internal/gesture"
	"instaprep/internal/layer"
	applog "instaprep/internal/log"
	"instaprep/internal/storage"
)

var ErrClosed = errors.New("composer closed")

// Seed is the initial text of the three layers.
type Seed struct {
	Phrase string `json:"phrase"`
	Hours  string `json:"hours"`
	Phone  string `json:"phone"`
}

// Options configure a session.
type Options struct {
	Canvas compositor.Options

	ExportDir   string
	Format      export.Format
	JPEGQuality int
	// History records saved files in <ExportDir>/.instaprep/history.sqlite.
	History bool

	VideoDuration time.Duration
	VideoFPS      int
	Encoder       export.Encoder
	Decoder       background.Decoder
	Clock         export.Clock

	// Manual disables the render loop; frames are drawn on demand by Frame.
	Manual bool

	OnNotice func(export.Notice)
}

// OptionsFromConfig maps the application configuration to session options.
func OptionsFromConfig(cfg config.AppConfig) Options {
	format, err := export.ParseFormat(cfg.Export.Format)
	if err != nil {
		format = export.JPEG
	}
	return Options{
		Canvas: compositor.Options{
			Width:      cfg.Canvas.Width,
			Height:     cfg.Canvas.Height,
			FPS:        cfg.Canvas.FPS,
			Background: cfg.Canvas.Background,
			Fonts:      fonts.NewLibrary(cfg.Fonts.Overrides()),
		},
		ExportDir:     cfg.ExportDir(),
		Format:        format,
		JPEGQuality:   cfg.Export.JPEGQuality,
		History:       cfg.Export.History,
		VideoDuration: time.Duration(cfg.Export.VideoSeconds) * time.Second,
		VideoFPS:      cfg.Export.VideoFPS,
		Encoder:       export.FFmpegEncoder{Bin: cfg.Export.FFmpegBin},
		Decoder:       background.FFmpegDecoder{Bin: cfg.Export.FFmpegBin},
	}
}

// Session is an open composer.
type Session struct {
	id   string
	opts Options
	log  *slog.Logger

	layers  *layer.Set
	slot    background.Slot
	comp    *compositor.Compositor
	mapper  *gesture.Mapper
	history *storage.History
	sink    export.DirSink
	rec     *export.Recorder

	fmu    sync.RWMutex
	filter filter.State

	recorded chan export.Result

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	closed   atomic.Bool
	once     sync.Once
}

// Open creates a session seeded with the three layer texts and starts the render
// loop. A missing drawing surface fails with compositor.ErrNoSurface.
func Open(ctx context.Context, seed Seed, opts Options) (*Session, error) {
	id := uuid.NewString()
	l := applog.WithComponent("composer").With(slog.String("session", id))
	comp, err := compositor.New(opts.Canvas)
	if err != nil {
		return nil, fmt.Errorf("open composer: %w", err)
	}
	w, h := comp.Size()
	s := &Session{
		id:       id,
		opts:     opts,
		log:      l,
		layers:   layer.NewSet(seed.Phrase, seed.Hours, seed.Phone),
		comp:     comp,
		filter:   filter.DefaultState(),
		recorded: make(chan export.Result, 1),
		loopDone: make(chan struct{}),
	}
	s.mapper = gesture.NewMapper(s.layers, gesture.R(0, 0, float64(w), float64(h)))

	if opts.History && opts.ExportDir != "" {
		if hist, herr := storage.OpenHistory(opts.ExportDir); herr != nil {
			l.Warn("export history unavailable", slog.Any("err", herr))
		} else {
			s.history = hist
		}
	}
	s.sink = export.DirSink{Dir: opts.ExportDir, SessionID: id, History: s.history}

	enc := opts.Encoder
	if enc == nil {
		enc = export.FFmpegEncoder{}
	}
	s.rec, err = export.NewRecorder(export.RecorderOptions{
		Encoder:    enc,
		Sink:       s.sink,
		Frames:     tapSource{comp},
		Width:      w,
		Height:     h,
		Duration:   opts.VideoDuration,
		FPS:        opts.VideoFPS,
		Clock:      opts.Clock,
		OnNotice:   opts.OnNotice,
		OnFinished: s.onRecorded,
	})
	if err != nil {
		_ = s.history.Close()
		return nil, err
	}

	s.ctx, s.cancel = context.WithCancel(applog.ContextWithSession(ctx, id))
	if opts.Manual {
		close(s.loopDone)
	} else {
		go func() {
			defer close(s.loopDone)
			if rerr := comp.Run(s.ctx, s); rerr != nil {
				l.Error("render loop ended", slog.Any("err", rerr))
			}
		}()
	}
	l.Info("composer opened", slog.Int("width", w), slog.Int("height", h), slog.Bool("manual", opts.Manual))
	return s, nil
}

// tapSource adapts the compositor taps to export.FrameSource.
type tapSource struct{ c *compositor.Compositor }

func (t tapSource) AddTap(fn func(*image.RGBA)) func() { return t.c.AddTap(fn) }

func (s *Session) onRecorded(r export.Result) {
	select {
	case s.recorded <- r:
	default:
	}
}

// ID is the session id used in logs and the export history.
func (s *Session) ID() string { return s.id }

// Layers is the layer set of the session.
func (s *Session) Layers() *layer.Set { return s.layers }

// Gestures maps pointer input on the displayed canvas to the layers.
func (s *Session) Gestures() *gesture.Mapper { return s.mapper }

// Compositor exposes the surface for previews.
func (s *Session) Compositor() *compositor.Compositor { return s.comp }

// ExportDir is where saved files go.
func (s *Session) ExportDir() string { return s.opts.ExportDir }

// SetBackgroundFile opens path as the new background, releasing the previous one.
func (s *Session) SetBackgroundFile(path string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	w, h := s.comp.Size()
	src, err := background.Open(path, background.Options{CanvasW: w, CanvasH: h, Decoder: s.opts.Decoder})
	if err != nil {
		s.log.Warn("background rejected", slog.String("path", path), slog.Any("err", err))
		return err
	}
	s.log.Info("background set", slog.String("path", path), slog.String("kind", src.Kind().String()))
	return s.SetBackground(src)
}

// SetBackground installs an opened source, releasing the previous one.
func (s *Session) SetBackground(src background.Source) error {
	if s.closed.Load() {
		_ = src.Release()
		return ErrClosed
	}
	return s.slot.Replace(src)
}

// WaitBackground blocks until the background can be drawn, its decoding failed or
// ctx is done. Without a background it returns at once.
func (s *Session) WaitBackground(ctx context.Context) error {
	src := s.slot.Current()
	if src == nil {
		return nil
	}
	if is, ok := src.(*background.ImageSource); ok {
		select {
		case <-is.Ready():
			return is.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for !src.View(func(image.Image, uint64) {}) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}

// ClearBackground returns to the fallback fill.
func (s *Session) ClearBackground() error { return s.slot.Clear() }

// BackgroundKind of the active background.
func (s *Session) BackgroundKind() background.Kind { return s.slot.Kind() }

// Filter is the current filter state.
func (s *Session) Filter() filter.State {
	s.fmu.RLock()
	defer s.fmu.RUnlock()
	return s.filter
}

// SelectFilter switches to the named preset, keeping the intensity.
func (s *Session) SelectFilter(name string) error {
	p, err := filter.Lookup(name)
	if err != nil {
		return err
	}
	s.fmu.Lock()
	s.filter = s.filter.WithPreset(p)
	s.fmu.Unlock()
	return nil
}

// NextFilter cycles through the presets and returns the new one.
func (s *Session) NextFilter() filter.State {
	s.fmu.Lock()
	defer s.fmu.Unlock()
	s.filter = s.filter.WithPreset(filter.Next(s.filter.Name))
	return s.filter
}

// SetFilterIntensity sets the intensity, clamped to [0, 100].
func (s *Session) SetFilterIntensity(v float64) {
	s.fmu.Lock()
	s.filter = s.filter.WithIntensity(v)
	s.fmu.Unlock()
}

// Scene is a consistent snapshot of everything a frame is drawn from.
func (s *Session) Scene() compositor.Scene {
	return compositor.Scene{
		Layers:     s.layers.Snapshot(),
		Filter:     s.Filter(),
		Background: s.slot.Current(),
	}
}

// Frame renders the current scene immediately.
func (s *Session) Frame() (*image.RGBA, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.comp.RenderFrame(s.Scene())
}

// ExportState reports the export pipeline state.
func (s *Session) ExportState() export.State { return s.rec.State() }

// Save exports a video clip when the background is a video and a still otherwise.
// For video it returns once recording has started; the path arrives on Recorded.
func (s *Session) Save(ctx context.Context) (string, error) {
	if s.BackgroundKind() == background.Video {
		return "", s.ExportVideo()
	}
	return s.ExportStill(ctx)
}

// ExportStill saves the current surface as a still image.
func (s *Session) ExportStill(ctx context.Context) (string, error) {
	if s.closed.Load() {
		return "", ErrClosed
	}
	end, err := s.rec.BeginStill()
	if err != nil {
		return "", err
	}
	defer end()

	frame, ok := s.comp.Snapshot()
	if s.opts.Manual || !ok {
		var err error
		if frame, err = s.Frame(); err != nil {
			return "", err
		}
	}
	return export.Still(ctx, frame, export.StillOptions{Format: s.opts.Format, JPEGQuality: s.opts.JPEGQuality}, s.sink, time.Now())
}

// ExportVideo starts a fixed-length recording of the live surface. Closing the
// session before it finishes discards it.
func (s *Session) ExportVideo() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.opts.Manual {
		return errors.New("video export needs the render loop")
	}
	return s.rec.Start(s.ctx)
}

// Recorded delivers the result of finished recordings. Only the latest unread
// result is kept.
func (s *Session) Recorded() <-chan export.Result { return s.recorded }

// History lists recent exports, nil when the history is disabled.
func (s *Session) History(ctx context.Context, limit int) ([]storage.Export, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.ListExports(ctx, limit)
}

// Close stops the render loop, discards a running recording and releases the
// background. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
		<-s.loopDone
		// a discarded recording finishes asynchronously
		wctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		if werr := s.rec.Wait(wctx); werr != nil {
			s.log.Warn("recording still running at close", slog.Any("err", werr))
		}
		stop()
		err = errors.Join(s.slot.Close(), s.history.Close())
		s.log.Info("composer closed")
	})
	return err
}
