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
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	applog "instaprep/internal/log"
)

// FFmpegEncoder encodes raw RGBA frames to fragmented H.264 MP4 through the
// ffmpeg binary. Fragmented output can be written to a pipe, so chunks arrive
// while the clip is still recording.
type FFmpegEncoder struct {
	// Bin overrides the ffmpeg executable; empty uses "ffmpeg" from PATH.
	Bin string
}

func (e FFmpegEncoder) Begin(ctx context.Context, o EncodeOptions, onChunk func([]byte)) (EncodeSession, error) {
	if o.Width <= 0 || o.Height <= 0 || o.Width%2 == 1 || o.Height%2 == 1 {
		return nil, fmt.Errorf("invalid video size %dx%d", o.Width, o.Height)
	}
	if o.FPS <= 0 {
		o.FPS = DefaultFPS
	}
	if o.Bitrate <= 0 {
		o.Bitrate = DefaultBitrate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := ffmpeg.Input("pipe:", ffmpeg.KwArgs{
		"f":         "rawvideo",
		"pix_fmt":   "rgba",
		"s":         fmt.Sprintf("%dx%d", o.Width, o.Height),
		"framerate": o.FPS,
	}).Output("pipe:", ffmpeg.KwArgs{
		"c:v":      "libx264",
		"preset":   "veryfast",
		"b:v":      o.Bitrate,
		"pix_fmt":  "yuv420p",
		"movflags": "frag_keyframe+empty_moov+default_base_moof",
		"f":        "mp4",
	}).OverWriteOutput().Compile()
	if e.Bin != "" {
		cmd.Path = e.Bin
		cmd.Args[0] = e.Bin
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	stderr := applog.NewTail(4096)
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	s := &ffmpegSession{cmd: cmd, stdin: stdin, stderr: stderr, w: o.Width, h: o.Height, read: make(chan error, 1)}
	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, rerr := stdout.Read(buf)
			if n > 0 {
				onChunk(buf[:n])
			}
			if rerr != nil {
				if errors.Is(rerr, io.EOF) || errors.Is(rerr, os.ErrClosed) {
					rerr = nil
				}
				s.read <- rerr
				return
			}
		}
	}()
	return s, nil
}

type ffmpegSession struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *applog.Tail
	w, h   int
	read   chan error
	once   sync.Once
	err    error
}

func (s *ffmpegSession) WriteFrame(f *image.RGBA) error {
	b := f.Bounds()
	if b.Dx() != s.w || b.Dy() != s.h {
		return fmt.Errorf("frame %dx%d does not match %dx%d", b.Dx(), b.Dy(), s.w, s.h)
	}
	row := s.w * 4
	if f.Stride == row {
		_, err := s.stdin.Write(f.Pix[:row*s.h])
		return err
	}
	for y := 0; y < s.h; y++ {
		off := y * f.Stride
		if _, err := s.stdin.Write(f.Pix[off : off+row]); err != nil {
			return err
		}
	}
	return nil
}

// Close ends the input and waits for ffmpeg; stdout must be drained before Wait.
func (s *ffmpegSession) Close() error {
	s.once.Do(func() {
		_ = s.stdin.Close()
		rerr := <-s.read
		werr := s.cmd.Wait()
		switch {
		case werr != nil:
			s.err = fmt.Errorf("ffmpeg: %w: %s", werr, strings.TrimSpace(s.stderr.String()))
		case rerr != nil:
			s.err = fmt.Errorf("read ffmpeg output: %w", rerr)
		}
	})
	return s.err
}

func (s *ffmpegSession) Abort() error {
	s.once.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.stdin.Close()
		<-s.read
		_ = s.cmd.Wait()
		s.err = errors.New("ffmpeg aborted")
	})
	return nil
}
