/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package background holds the user-chosen photo or video behind the story text.
// Sources decode off the render goroutine; until a frame is available View
// reports false and the compositor simply skips the background for that frame.
package background

import (
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gabriel-vasile/mimetype"
)

// Kind of the active background.
type Kind int

const (
	None Kind = iota
	Image
	Video
)

func (k Kind) String() string {
	switch k {
	case Image:
		return "image"
	case Video:
		return "video"
	default:
		return "none"
	}
}

var (
	ErrUnsupported = errors.New("unsupported background type")
	ErrReleased    = errors.New("background released")
)

// Source is a drawable background.
type Source interface {
	Kind() Kind
	// View calls fn with the current frame and its generation. The frame is only
	// stable during fn; fn must not keep it. View returns false when no frame is
	// ready yet.
	View(fn func(img image.Image, gen uint64)) bool
	// Release frees decoders and buffers. It is safe to call more than once.
	Release() error
}

var genCounter atomic.Uint64

// nextGen hands out process-wide unique frame generations, so caches keyed by
// generation never confuse frames of different sources.
func nextGen() uint64 { return genCounter.Add(1) }

// DetectKind sniffs the file content and maps the MIME prefix to a Kind.
func DetectKind(path string) (Kind, string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return None, "", fmt.Errorf("detect type of %s: %w", path, err)
	}
	m := mt.String()
	switch {
	case strings.HasPrefix(m, "image/"):
		return Image, m, nil
	case strings.HasPrefix(m, "video/"):
		return Video, m, nil
	default:
		return None, m, fmt.Errorf("%w: %s", ErrUnsupported, m)
	}
}

// Options configure Open.
type Options struct {
	// CanvasW and CanvasH let video decoding scale frames close to the cover size.
	CanvasW, CanvasH int
	// Decoder for video files; nil uses FFmpegDecoder{}.
	Decoder Decoder
}

// Open detects the kind of path and starts decoding it.
func Open(path string, opts Options) (Source, error) {
	kind, _, err := DetectKind(path)
	if err != nil {
		return nil, err
	}
	switch kind {
	case Image:
		return OpenImage(path), nil
	case Video:
		dec := opts.Decoder
		if dec == nil {
			dec = FFmpegDecoder{}
		}
		vs, err := OpenVideo(path, dec, opts.CanvasW, opts.CanvasH)
		if err != nil {
			return nil, err
		}
		return vs, nil
	}
	return nil, ErrUnsupported
}

// Slot holds the single active background of a session.
type Slot struct {
	mu  sync.RWMutex
	src Source
}

// Replace installs src and releases the previous source.
func (s *Slot) Replace(src Source) error {
	s.mu.Lock()
	old := s.src
	s.src = src
	s.mu.Unlock()
	if old != nil && old != src {
		return old.Release()
	}
	return nil
}

// Clear removes and releases the active source.
func (s *Slot) Clear() error { return s.Replace(nil) }

// Close is Clear; the slot stays usable afterwards.
func (s *Slot) Close() error { return s.Clear() }

// Current returns the active source or nil.
func (s *Slot) Current() Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.src
}

// Kind of the active source, None when empty.
func (s *Slot) Kind() Kind {
	if src := s.Current(); src != nil {
		return src.Kind()
	}
	return None
}
