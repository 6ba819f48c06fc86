/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package background

import (
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	applog "instaprep/internal/log"
)

// Info describes the video stream of a file.
type Info struct {
	Width, Height int
	FPS           float64
}

// Stream yields raw RGBA frames of the size requested from Decode, looping forever.
type Stream interface {
	io.Reader
	Stop() error
}

// Decoder probes and decodes video files.
type Decoder interface {
	Probe(path string) (Info, error)
	Decode(path string, w, h int) (Stream, error)
}

const (
	defaultVideoFPS = 30.0
	maxVideoFPS     = 120.0
)

// VideoSource plays a looping video in real time. Frames are double buffered:
// the decoder fills the back buffer while View readers see the front one.
type VideoSource struct {
	path   string
	w, h   int
	period time.Duration
	stream Stream

	mu    sync.RWMutex
	front *image.RGBA
	back  *image.RGBA
	gen   uint64
	have  bool

	stop    chan struct{}
	done    chan struct{}
	release sync.Once
}

// OpenVideo probes path and starts the decoder. Frames are scaled so that they
// cover a canvasW x canvasH surface; zero canvas size keeps the native size.
func OpenVideo(path string, dec Decoder, canvasW, canvasH int) (*VideoSource, error) {
	if dec == nil {
		return nil, errors.New("video decoder is nil")
	}
	info, err := dec.Probe(path)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}
	if info.Width <= 0 || info.Height <= 0 {
		return nil, fmt.Errorf("probe %s: no video stream", path)
	}
	w, h := DecodeSize(info, canvasW, canvasH)
	stream, err := dec.Decode(path, w, h)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	fps := info.FPS
	if fps <= 0 || math.IsNaN(fps) {
		fps = defaultVideoFPS
	}
	if fps > maxVideoFPS {
		fps = maxVideoFPS
	}
	s := &VideoSource{
		path:   path,
		w:      w,
		h:      h,
		period: time.Duration(float64(time.Second) / fps),
		stream: stream,
		front:  image.NewRGBA(image.Rect(0, 0, w, h)),
		back:   image.NewRGBA(image.Rect(0, 0, w, h)),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s, nil
}

// DecodeSize is the even-sized frame that covers the canvas with the video's aspect.
func DecodeSize(info Info, canvasW, canvasH int) (int, int) {
	sw, sh := float64(info.Width), float64(info.Height)
	if canvasW <= 0 || canvasH <= 0 {
		return even(sw), even(sh)
	}
	scale := math.Max(float64(canvasW)/sw, float64(canvasH)/sh)
	return even(sw * scale), even(sh * scale)
}

func even(v float64) int {
	n := int(math.Ceil(v - 1e-9))
	if n%2 == 1 {
		n++
	}
	if n < 2 {
		n = 2
	}
	return n
}

func (s *VideoSource) pump() {
	defer close(s.done)
	l := applog.WithComponent("background").With(slog.String("path", s.path))
	tick := time.NewTicker(s.period)
	defer tick.Stop()
	for {
		if _, err := io.ReadFull(s.stream, s.back.Pix); err != nil {
			select {
			case <-s.stop:
			default:
				l.Warn("video decoding stopped", slog.Any("err", err))
			}
			return
		}
		s.mu.Lock()
		s.front, s.back = s.back, s.front
		s.gen = nextGen()
		s.have = true
		s.mu.Unlock()

		select {
		case <-s.stop:
			return
		case <-tick.C:
		}
	}
}

func (s *VideoSource) Kind() Kind { return Video }

// Size is the decoded frame size.
func (s *VideoSource) Size() (int, int) { return s.w, s.h }

// FramePeriod is the playback interval between frames.
func (s *VideoSource) FramePeriod() time.Duration { return s.period }

func (s *VideoSource) View(fn func(img image.Image, gen uint64)) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.have {
		return false
	}
	fn(s.front, s.gen)
	return true
}

// Release stops the decoder and waits for the pump goroutine.
func (s *VideoSource) Release() error {
	var err error
	s.release.Do(func() {
		close(s.stop)
		err = s.stream.Stop()
		<-s.done
		s.mu.Lock()
		s.have = false
		s.mu.Unlock()
	})
	return err
}
