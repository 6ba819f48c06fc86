/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	applog "instaprep/internal/log"
	"instaprep/internal/storage"
)

// State of the export pipeline.
type State int32

const (
	Idle State = iota
	Exporting
	Recording
	Finalizing
)

func (s State) String() string {
	switch s {
	case Exporting:
		return "exporting"
	case Recording:
		return "recording"
	case Finalizing:
		return "finalizing"
	}
	return "idle"
}

// Recording defaults.
const (
	DefaultDuration = 8 * time.Second
	DefaultFPS      = 60
	DefaultBuffer   = 8
	DefaultBitrate  = 8_000_000
)

var ErrBusy = errors.New("export already in progress")

// EncodeOptions describe the raw input of an encode session.
type EncodeOptions struct {
	Width, Height int
	FPS           int
	Bitrate       int
}

// Encoder starts encode sessions. Encoded output is delivered to onChunk,
// possibly from another goroutine, until Close returns.
type Encoder interface {
	Begin(ctx context.Context, opts EncodeOptions, onChunk func([]byte)) (EncodeSession, error)
}

// EncodeSession consumes RGBA frames.
type EncodeSession interface {
	WriteFrame(frame *image.RGBA) error
	// Close flushes the encoder; all chunks are delivered when it returns.
	Close() error
	// Abort stops the encoder and drops pending output.
	Abort() error
}

// FrameSource hands out copies of rendered frames; the compositor is one.
type FrameSource interface {
	AddTap(func(*image.RGBA)) (remove func())
}

// Timer is the stoppable handle of Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

// Clock abstracts time for the recording timer.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Notice is a user-facing message about a failed or finished export.
type Notice struct {
	Message string
	Err     error
}

// Result of one recording.
type Result struct {
	Path    string
	Frames  int
	Dropped int
	Err     error
}

// RecorderOptions configure a Recorder.
type RecorderOptions struct {
	Encoder Encoder
	Sink    Sink
	Frames  FrameSource

	Width, Height int
	Duration      time.Duration
	FPS           int
	Bitrate       int
	// Buffer is the capacity of the frame queue between render loop and encoder.
	Buffer int

	Clock    Clock
	OnNotice func(Notice)
	// OnFinished is called once per recording after the state is back to Idle.
	OnFinished func(Result)
}

// Recorder captures a fixed-length clip from a FrameSource. At most one
// export, still or video, runs at a time.
//
// The clip timeline follows the clock, not the render rate: every frame is
// stamped when it arrives and lands in the slot its timestamp falls into.
// Empty slots repeat the previous frame and late arrivals for a filled slot
// are dropped, so a recording always holds Duration×FPS frames.
type Recorder struct {
	opts  RecorderOptions
	state atomic.Int32
	log   *slog.Logger

	mu  sync.Mutex
	cur *recording
}

type stamped struct {
	frame *image.RGBA
	at    time.Time
}

type recording struct {
	started time.Time
	now     func() time.Time
	fps     int
	total   int
	sess    EncodeSession
	timer   Timer
	untap   func()
	stopCtx func() bool
	ready   chan struct{} // closed once Start has wired the fields above

	qmu    sync.Mutex
	queue  chan stamped
	closed bool

	// owned by pump until written is closed; dropped is guarded by qmu
	next    int
	last    *image.RGBA
	frames  int
	dropped int
	werr    error
	written chan struct{}

	finished chan struct{}

	cmu    sync.Mutex
	chunks [][]byte

	end sync.Once
}

// NewRecorder validates opts and fills defaults.
func NewRecorder(opts RecorderOptions) (*Recorder, error) {
	if opts.Encoder == nil || opts.Sink == nil || opts.Frames == nil {
		return nil, errors.New("recorder needs an encoder, a sink and a frame source")
	}
	if opts.Duration <= 0 {
		opts.Duration = DefaultDuration
	}
	if opts.FPS <= 0 {
		opts.FPS = DefaultFPS
	}
	if opts.Bitrate <= 0 {
		opts.Bitrate = DefaultBitrate
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	return &Recorder{opts: opts, log: applog.WithComponent("export").With(slog.String("op", "record"))}, nil
}

// State returns the current state.
func (r *Recorder) State() State { return State(r.state.Load()) }

// Busy reports whether an export is in progress.
func (r *Recorder) Busy() bool { return r.State() != Idle }

// BeginStill moves the recorder from Idle to Exporting for the length of a
// still export. It fails with ErrBusy while any export runs; end returns the
// recorder to Idle.
func (r *Recorder) BeginStill() (end func(), err error) {
	if !r.state.CompareAndSwap(int32(Idle), int32(Exporting)) {
		return nil, ErrBusy
	}
	var once sync.Once
	return func() {
		once.Do(func() { r.state.CompareAndSwap(int32(Exporting), int32(Idle)) })
	}, nil
}

// Wait blocks until the running recording has finished or ctx is done.
// It returns at once when no recording runs.
func (r *Recorder) Wait(ctx context.Context) error {
	r.mu.Lock()
	rec := r.cur
	r.mu.Unlock()
	if rec == nil {
		return nil
	}
	select {
	case <-rec.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins a recording. It fails with ErrBusy unless the recorder is idle;
// a rejected call has no effect on the running recording. Cancelling ctx before
// the timer fires discards the recording.
func (r *Recorder) Start(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(Idle), int32(Recording)) {
		return ErrBusy
	}
	rec := &recording{
		started:  r.opts.Clock.Now(),
		now:      r.opts.Clock.Now,
		fps:      r.opts.FPS,
		total:    int(r.opts.Duration * time.Duration(r.opts.FPS) / time.Second),
		queue:    make(chan stamped, r.opts.Buffer),
		written:  make(chan struct{}),
		ready:    make(chan struct{}),
		finished: make(chan struct{}),
	}
	r.mu.Lock()
	r.cur = rec
	r.mu.Unlock()

	sess, err := r.opts.Encoder.Begin(ctx, EncodeOptions{
		Width:   r.opts.Width,
		Height:  r.opts.Height,
		FPS:     r.opts.FPS,
		Bitrate: r.opts.Bitrate,
	}, rec.addChunk)
	if err != nil {
		r.mu.Lock()
		r.cur = nil
		r.mu.Unlock()
		close(rec.finished)
		r.state.Store(int32(Idle))
		err = fmt.Errorf("start encoder: %w", err)
		r.log.Error("recording not started", slog.Any("err", err))
		r.notice(Notice{Message: "Video recording is not available", Err: err})
		return err
	}
	rec.sess = sess

	go rec.pump()
	rec.untap = r.opts.Frames.AddTap(rec.offer)
	rec.timer = r.opts.Clock.AfterFunc(r.opts.Duration, func() { r.finish(rec) })
	rec.stopCtx = context.AfterFunc(ctx, func() { r.abort(rec) })
	close(rec.ready)
	r.log.Info("recording started", slog.Duration("duration", r.opts.Duration), slog.Int("fps", r.opts.FPS))
	return nil
}

// offer stamps and queues a frame without blocking; full queues drop the frame.
func (rec *recording) offer(f *image.RGBA) {
	at := rec.now()
	rec.qmu.Lock()
	defer rec.qmu.Unlock()
	if rec.closed {
		return
	}
	select {
	case rec.queue <- stamped{frame: f, at: at}:
	default:
		rec.dropped++
	}
}

func (rec *recording) closeQueue() {
	rec.qmu.Lock()
	if !rec.closed {
		rec.closed = true
		close(rec.queue)
	}
	rec.qmu.Unlock()
}

// slot is the index of the output frame that covers t.
func (rec *recording) slot(t time.Time) int {
	d := t.Sub(rec.started)
	if d < 0 {
		return 0
	}
	return int(d * time.Duration(rec.fps) / time.Second)
}

func (rec *recording) pump() {
	defer close(rec.written)
	for s := range rec.queue {
		n := rec.slot(s.at)
		if n < rec.next || n >= rec.total {
			rec.qmu.Lock()
			rec.dropped++
			rec.qmu.Unlock()
			continue
		}
		if rec.last == nil {
			rec.last = s.frame
		}
		rec.fill(n)
		rec.write(s.frame)
	}
}

// fill repeats the last frame into every slot before n.
func (rec *recording) fill(n int) {
	for rec.next < n && rec.werr == nil {
		rec.write(rec.last)
	}
}

func (rec *recording) write(f *image.RGBA) {
	if rec.werr != nil {
		return
	}
	if err := rec.sess.WriteFrame(f); err != nil {
		rec.werr = err
		return
	}
	rec.last = f
	rec.next++
	rec.frames++
}

func (rec *recording) addChunk(b []byte) {
	if len(b) == 0 {
		return
	}
	c := make([]byte, len(b))
	copy(c, b)
	rec.cmu.Lock()
	rec.chunks = append(rec.chunks, c)
	rec.cmu.Unlock()
}

func (rec *recording) data() []byte {
	rec.cmu.Lock()
	defer rec.cmu.Unlock()
	return bytes.Join(rec.chunks, nil)
}

// stopCapture detaches from the frame source and waits for queued frames.
func (rec *recording) stopCapture() {
	if rec.stopCtx != nil {
		rec.stopCtx()
	}
	if rec.untap != nil {
		rec.untap()
	}
	rec.closeQueue()
	<-rec.written
}

func (r *Recorder) finish(rec *recording) {
	<-rec.ready
	rec.end.Do(func() {
		r.state.Store(int32(Finalizing))
		rec.stopCapture()
		if rec.last != nil {
			rec.fill(rec.total)
		}
		res := Result{Frames: rec.frames, Dropped: rec.dropped}

		cerr := rec.sess.Close()
		switch {
		case rec.werr != nil:
			res.Err = fmt.Errorf("encode frame: %w", rec.werr)
		case cerr != nil:
			res.Err = fmt.Errorf("finish encoder: %w", cerr)
		case res.Frames == 0:
			res.Err = errors.New("no frames captured")
		}
		if res.Err == nil {
			data := rec.data()
			asset := Asset{
				Name:     FileName(r.opts.Clock.Now(), "mp4"),
				Kind:     storage.KindVideo,
				MIME:     "video/mp4",
				Data:     data,
				Duration: r.opts.Duration,
			}
			// the composer may already be closing; saving must not depend on its context
			res.Path, res.Err = r.opts.Sink.Save(context.Background(), asset)
		}
		r.done(rec, res)
	})
}

func (r *Recorder) abort(rec *recording) {
	<-rec.ready
	rec.end.Do(func() {
		r.state.Store(int32(Finalizing))
		if rec.timer != nil {
			rec.timer.Stop()
		}
		rec.stopCapture()
		_ = rec.sess.Abort()
		r.log.Info("recording discarded", slog.Int("frames", rec.frames))
		r.done(rec, Result{Frames: rec.frames, Dropped: rec.dropped, Err: context.Canceled})
	})
}

func (r *Recorder) done(rec *recording, res Result) {
	r.mu.Lock()
	if r.cur == rec {
		r.cur = nil
	}
	r.mu.Unlock()
	r.state.Store(int32(Idle))

	l := r.log.With(slog.Int("frames", res.Frames), slog.Int("dropped", res.Dropped))
	switch {
	case errors.Is(res.Err, context.Canceled):
	case res.Err != nil:
		l.Error("recording failed", slog.Any("err", res.Err))
		r.notice(Notice{Message: "Video export failed", Err: res.Err})
	default:
		l.Info("video exported", slog.String("path", res.Path))
	}
	if r.opts.OnFinished != nil {
		r.opts.OnFinished(res)
	}
	close(rec.finished)
}

func (r *Recorder) notice(n Notice) {
	if r.opts.OnNotice != nil {
		r.opts.OnNotice(n)
	}
}

// Elapsed is the time since the running recording started, zero when idle.
func (r *Recorder) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return 0
	}
	return r.opts.Clock.Now().Sub(r.cur.started)
}
