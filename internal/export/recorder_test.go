/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package export

import (
	"context"
	"errors"
	"image"
	"strings"
	"sync"
	"testing"
	"time"
)

type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func newClock() *manualClock { return &manualClock{now: time.UnixMilli(1700000000000)} }

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs due timers on the caller's goroutine.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.fired && !t.stopped && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

type fakeEncoder struct {
	mu       sync.Mutex
	beginErr error
	writeErr error
	block    chan struct{}
	sessions int
	aborted  int
}

func (e *fakeEncoder) Begin(_ context.Context, o EncodeOptions, onChunk func([]byte)) (EncodeSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.beginErr != nil {
		return nil, e.beginErr
	}
	e.sessions++
	onChunk([]byte("moov|"))
	return &fakeSession{enc: e, onChunk: onChunk}, nil
}

type fakeSession struct {
	enc     *fakeEncoder
	onChunk func([]byte)
}

func (s *fakeSession) WriteFrame(*image.RGBA) error {
	if s.enc.block != nil {
		<-s.enc.block
	}
	if s.enc.writeErr != nil {
		return s.enc.writeErr
	}
	s.onChunk([]byte("f|"))
	return nil
}

func (s *fakeSession) Close() error {
	s.onChunk([]byte("end"))
	return nil
}

func (s *fakeSession) Abort() error {
	s.enc.mu.Lock()
	s.enc.aborted++
	s.enc.mu.Unlock()
	return nil
}

type fakeFrames struct {
	mu   sync.Mutex
	taps map[int]func(*image.RGBA)
	next int
}

func (f *fakeFrames) AddTap(t func(*image.RGBA)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.taps == nil {
		f.taps = make(map[int]func(*image.RGBA))
	}
	id := f.next
	f.next++
	f.taps[id] = t
	return func() {
		f.mu.Lock()
		delete(f.taps, id)
		f.mu.Unlock()
	}
}

func (f *fakeFrames) emit(n int) {
	for i := 0; i < n; i++ {
		f.mu.Lock()
		taps := make([]func(*image.RGBA), 0, len(f.taps))
		for _, t := range f.taps {
			taps = append(taps, t)
		}
		f.mu.Unlock()
		for _, t := range taps {
			t(image.NewRGBA(image.Rect(0, 0, 4, 4)))
		}
	}
}

func (f *fakeFrames) tapCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.taps)
}

type memSink struct {
	mu     sync.Mutex
	assets []Asset
	err    error
}

func (s *memSink) Save(_ context.Context, a Asset) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.assets = append(s.assets, a)
	return "/mem/" + a.Name, nil
}

type harness struct {
	rec      *Recorder
	clock    *manualClock
	enc      *fakeEncoder
	frames   *fakeFrames
	sink     *memSink
	notices  chan Notice
	finished chan Result
}

const testFPS = 10

func newHarness(t *testing.T, buffer int, opts ...func(*RecorderOptions)) *harness {
	t.Helper()
	h := &harness{
		clock:    newClock(),
		enc:      &fakeEncoder{},
		frames:   &fakeFrames{},
		sink:     &memSink{},
		notices:  make(chan Notice, 4),
		finished: make(chan Result, 4),
	}
	o := RecorderOptions{
		Encoder:    h.enc,
		Sink:       h.sink,
		Frames:     h.frames,
		Width:      4,
		Height:     4,
		FPS:        testFPS,
		Buffer:     buffer,
		Clock:      h.clock,
		OnNotice:   func(n Notice) { h.notices <- n },
		OnFinished: func(r Result) { h.finished <- r },
	}
	for _, f := range opts {
		f(&o)
	}
	rec, err := NewRecorder(o)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	h.rec = rec
	return h
}

func (h *harness) result(t *testing.T) Result {
	t.Helper()
	select {
	case r := <-h.finished:
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("recording did not finish")
	}
	return Result{}
}

func TestRecordingProducesOneFileAfterTimer(t *testing.T) {
	h := newHarness(t, 16)
	ctx := context.Background()
	if err := h.rec.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.rec.State() != Recording {
		t.Fatalf("state = %v", h.rec.State())
	}
	h.frames.emit(3)

	// re-entry is rejected and leaves the running recording alone
	if err := h.rec.Start(ctx); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Start = %v, want ErrBusy", err)
	}
	if h.enc.sessions != 1 {
		t.Fatalf("encoder sessions = %d", h.enc.sessions)
	}

	h.clock.Advance(7 * time.Second)
	if h.rec.State() != Recording || len(h.sink.assets) != 0 {
		t.Fatalf("timer fired early")
	}
	if h.rec.Elapsed() != 7*time.Second {
		t.Fatalf("elapsed = %v", h.rec.Elapsed())
	}
	h.clock.Advance(time.Second)

	// all three frames arrived in the first slot; the rest of the clip repeats the first
	total := int(DefaultDuration.Seconds()) * testFPS
	res := h.result(t)
	if res.Err != nil || res.Frames != total || res.Dropped != 2 {
		t.Fatalf("result = %+v", res)
	}
	if h.rec.State() != Idle {
		t.Fatalf("state after finish = %v", h.rec.State())
	}
	if len(h.sink.assets) != 1 {
		t.Fatalf("assets = %d, want exactly one", len(h.sink.assets))
	}
	a := h.sink.assets[0]
	if a.Name != "insta-story-1700000008000.mp4" || a.MIME != "video/mp4" || a.Duration != 8*time.Second {
		t.Fatalf("asset = %+v", a)
	}
	if string(a.Data) != "moov|"+strings.Repeat("f|", total)+"end" {
		t.Fatalf("chunks not concatenated in order: %q", a.Data)
	}
	if h.frames.tapCount() != 0 {
		t.Fatalf("tap not removed")
	}
	if len(h.notices) != 0 {
		t.Fatalf("unexpected notice")
	}

	// idle again, a new recording may start
	if err := h.rec.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	h.frames.emit(1)
	h.clock.Advance(8 * time.Second)
	h.result(t)
	if len(h.sink.assets) != 2 {
		t.Fatalf("assets = %d after second recording", len(h.sink.assets))
	}
}

func TestEncoderInitFailureResetsWithOneNotice(t *testing.T) {
	h := newHarness(t, 4)
	h.enc.beginErr = errors.New("no codec")
	err := h.rec.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "no codec") {
		t.Fatalf("Start = %v", err)
	}
	if h.rec.State() != Idle {
		t.Fatalf("state = %v, want idle", h.rec.State())
	}
	if len(h.notices) != 1 {
		t.Fatalf("notices = %d, want 1", len(h.notices))
	}
	h.enc.beginErr = nil
	if err := h.rec.Start(context.Background()); err != nil {
		t.Fatalf("recorder unusable after failure: %v", err)
	}
}

func TestWriteFailureProducesNoFile(t *testing.T) {
	h := newHarness(t, 4)
	h.enc.writeErr = errors.New("broken pipe")
	_ = h.rec.Start(context.Background())
	h.frames.emit(2)
	h.clock.Advance(DefaultDuration)
	res := h.result(t)
	if res.Err == nil || len(h.sink.assets) != 0 {
		t.Fatalf("result %+v, assets %d", res, len(h.sink.assets))
	}
	if h.rec.State() != Idle || len(h.notices) != 1 {
		t.Fatalf("state %v notices %d", h.rec.State(), len(h.notices))
	}
}

func TestSaveFailureStillReturnsToIdle(t *testing.T) {
	h := newHarness(t, 4)
	h.sink.err = errors.New("disk full")
	_ = h.rec.Start(context.Background())
	h.frames.emit(1)
	h.clock.Advance(DefaultDuration)
	if res := h.result(t); res.Err == nil {
		t.Fatalf("expected save error")
	}
	if h.rec.State() != Idle {
		t.Fatalf("state = %v", h.rec.State())
	}
}

func TestCancelDiscardsRecording(t *testing.T) {
	h := newHarness(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	_ = h.rec.Start(ctx)
	h.frames.emit(2)
	cancel()
	res := h.result(t)
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("result = %+v", res)
	}
	if h.enc.aborted != 1 || len(h.sink.assets) != 0 || h.rec.State() != Idle {
		t.Fatalf("aborted %d assets %d state %v", h.enc.aborted, len(h.sink.assets), h.rec.State())
	}
	// the pending timer must not produce a file later
	h.clock.Advance(DefaultDuration)
	if len(h.sink.assets) != 0 || len(h.notices) != 0 {
		t.Fatalf("discarded recording produced output")
	}
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	h := newHarness(t, 1)
	h.enc.block = make(chan struct{})
	_ = h.rec.Start(context.Background())

	done := make(chan struct{})
	go func() {
		h.frames.emit(10)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("frame delivery blocked")
	}
	close(h.enc.block)
	h.clock.Advance(DefaultDuration)
	// every frame shares the first slot, so only one is written and the clip is padded with it
	res := h.result(t)
	if res.Dropped != 9 || res.Frames != int(DefaultDuration.Seconds())*testFPS {
		t.Fatalf("frames %d dropped %d", res.Frames, res.Dropped)
	}
}

func TestClipLengthFollowsClockNotRenderRate(t *testing.T) {
	cases := []struct {
		name     string
		fps      int
		duration time.Duration
		every    time.Duration
	}{
		{"slower source", 60, 2 * time.Second, time.Second / 30},
		{"faster source", 10, 8 * time.Second, time.Second / 30},
		{"stalled source", 10, 8 * time.Second, 3 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 1024, func(o *RecorderOptions) {
				o.FPS = tc.fps
				o.Duration = tc.duration
			})
			if err := h.rec.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			var emitted time.Duration
			for emitted+tc.every < tc.duration {
				h.frames.emit(1)
				h.clock.Advance(tc.every)
				emitted += tc.every
			}
			h.frames.emit(1)
			h.clock.Advance(tc.duration - emitted)

			want := int(tc.duration.Seconds() * float64(tc.fps))
			res := h.result(t)
			if res.Err != nil || res.Frames != want {
				t.Fatalf("frames = %d, want %d (%+v)", res.Frames, want, res)
			}
			if got := strings.Count(string(h.sink.assets[0].Data), "f|"); got != want {
				t.Fatalf("encoder got %d frames, want %d", got, want)
			}
		})
	}
}

func TestStillExportAndRecordingExcludeEachOther(t *testing.T) {
	h := newHarness(t, 4)
	end, err := h.rec.BeginStill()
	if err != nil {
		t.Fatalf("BeginStill: %v", err)
	}
	if h.rec.State() != Exporting {
		t.Fatalf("state = %v", h.rec.State())
	}
	if _, err := h.rec.BeginStill(); !errors.Is(err, ErrBusy) {
		t.Fatalf("second BeginStill = %v", err)
	}
	if err := h.rec.Start(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("Start during still = %v", err)
	}
	end()
	end()
	if h.rec.State() != Idle {
		t.Fatalf("state after end = %v", h.rec.State())
	}

	if err := h.rec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := h.rec.BeginStill(); !errors.Is(err, ErrBusy) {
		t.Fatalf("BeginStill during recording = %v", err)
	}
	// a stale end func must not reset the running recording
	end()
	if h.rec.State() != Recording {
		t.Fatalf("state = %v", h.rec.State())
	}
}

func TestWaitReturnsWhenRecordingEnds(t *testing.T) {
	h := newHarness(t, 4)
	if err := h.rec.Wait(context.Background()); err != nil {
		t.Fatalf("Wait while idle: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	_ = h.rec.Start(ctx)

	short, stop := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer stop()
	if err := h.rec.Wait(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait on running recording = %v", err)
	}

	cancel()
	wctx, wstop := context.WithTimeout(context.Background(), 5*time.Second)
	defer wstop()
	if err := h.rec.Wait(wctx); err != nil {
		t.Fatalf("Wait after cancel: %v", err)
	}
	if h.rec.State() != Idle {
		t.Fatalf("state = %v", h.rec.State())
	}
}
