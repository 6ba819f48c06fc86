/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package background

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	applog "instaprep/internal/log"
)

// FFmpegDecoder decodes through the ffmpeg/ffprobe binaries.
type FFmpegDecoder struct {
	// Bin overrides the ffmpeg executable; empty uses "ffmpeg" from PATH.
	Bin string
}

type probeResult struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
		Tags         struct {
			Rotate string `json:"rotate"`
		} `json:"tags"`
		SideData []struct {
			Rotation float64 `json:"rotation"`
		} `json:"side_data_list"`
	} `json:"streams"`
}

func (d FFmpegDecoder) Probe(path string) (Info, error) {
	out, err := ffmpeg.Probe(path)
	if err != nil {
		return Info{}, err
	}
	return parseProbe([]byte(out))
}

// parseProbe reads ffprobe JSON. Rotated phone footage reports its stored size;
// ffmpeg auto-rotates while decoding, so a quarter turn swaps width and height.
func parseProbe(data []byte) (Info, error) {
	var pr probeResult
	if err := json.Unmarshal(data, &pr); err != nil {
		return Info{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	for _, st := range pr.Streams {
		if st.CodecType != "video" {
			continue
		}
		info := Info{Width: st.Width, Height: st.Height, FPS: parseRate(st.AvgFrameRate)}
		if info.FPS <= 0 {
			info.FPS = parseRate(st.RFrameRate)
		}
		rot := 0.0
		if st.Tags.Rotate != "" {
			rot, _ = strconv.ParseFloat(st.Tags.Rotate, 64)
		}
		for _, sd := range st.SideData {
			if sd.Rotation != 0 {
				rot = sd.Rotation
			}
		}
		if q := int(rot) % 180; q == 90 || q == -90 {
			info.Width, info.Height = info.Height, info.Width
		}
		return info, nil
	}
	return Info{}, errors.New("no video stream")
}

func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	dv, err := strconv.ParseFloat(den, 64)
	if err != nil || dv == 0 {
		return 0
	}
	return n / dv
}

// Decode starts ffmpeg looping the file and writing rgba frames of w x h to a pipe.
func (d FFmpegDecoder) Decode(path string, w, h int) (Stream, error) {
	pr, pw := io.Pipe()
	cmd := ffmpeg.Input(path, ffmpeg.KwArgs{"stream_loop": -1}).
		Output("pipe:", ffmpeg.KwArgs{
			"map":     "0:v:0",
			"f":       "rawvideo",
			"pix_fmt": "rgba",
			"s":       fmt.Sprintf("%dx%d", w, h),
		}).
		WithOutput(pw).
		Compile()
	if d.Bin != "" {
		cmd.Path = d.Bin
		cmd.Args[0] = d.Bin
	}
	cmd.Stdout = pw
	stderr := applog.NewTail(4096)
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	st := &ffmpegStream{Reader: pr, pr: pr, cmd: cmd}
	go func() {
		err := cmd.Wait()
		if err != nil {
			err = fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String()))
		} else {
			err = io.EOF
		}
		_ = pw.CloseWithError(err)
	}()
	return st, nil
}

type ffmpegStream struct {
	io.Reader
	pr   *io.PipeReader
	cmd  *exec.Cmd
	once sync.Once
}

func (s *ffmpegStream) Stop() error {
	var err error
	s.once.Do(func() {
		if s.cmd.Process != nil {
			if kerr := s.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
				err = kerr
			}
		}
		_ = s.pr.Close()
	})
	return err
}
