/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package background

import (
	"image"
	"log/slog"
	"sync"

	"github.com/disintegration/imaging"

	applog "instaprep/internal/log"
)

// ImageSource is a still photo decoded in the background, honoring EXIF orientation.
type ImageSource struct {
	path string
	done chan struct{}

	mu       sync.RWMutex
	img      image.Image
	gen      uint64
	err      error
	released bool
}

// OpenImage starts decoding path and returns immediately.
func OpenImage(path string) *ImageSource {
	s := &ImageSource{path: path, done: make(chan struct{})}
	go s.decode()
	return s
}

// NewStaticImage wraps an already decoded image.
func NewStaticImage(img image.Image) *ImageSource {
	s := &ImageSource{img: img, gen: nextGen(), done: make(chan struct{})}
	close(s.done)
	return s
}

func (s *ImageSource) decode() {
	defer close(s.done)
	img, err := imaging.Open(s.path, imaging.AutoOrientation(true))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	if err != nil {
		s.err = err
		applog.WithComponent("background").Warn("image decode failed", slog.String("path", s.path), slog.Any("err", err))
		return
	}
	s.img = img
	s.gen = nextGen()
}

func (s *ImageSource) Kind() Kind { return Image }

// Ready is closed when decoding finished, successfully or not.
func (s *ImageSource) Ready() <-chan struct{} { return s.done }

// Err is the decode error, if any.
func (s *ImageSource) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *ImageSource) View(fn func(img image.Image, gen uint64)) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.img == nil || s.released {
		return false
	}
	fn(s.img, s.gen)
	return true
}

func (s *ImageSource) Release() error {
	s.mu.Lock()
	s.released = true
	s.img = nil
	s.mu.Unlock()
	return nil
}
