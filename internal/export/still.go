/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package export turns composed frames into files: stills (JPEG, PNG, PDF) from a
// snapshot and fixed-length MP4 clips recorded from the live frame stream.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/jung-kurt/gofpdf"

	applog "instaprep/internal/log"
	"instaprep/internal/storage"
)

// FilePrefix starts every exported file name.
const FilePrefix = "insta-story"

// DefaultJPEGQuality of still exports.
const DefaultJPEGQuality = 95

// Format of a still export.
type Format string

const (
	JPEG Format = "jpeg"
	PNG  Format = "png"
	PDF  Format = "pdf"
)

var ErrUnknownFormat = errors.New("unknown export format")

// ParseFormat accepts the format name or its common extension.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "", "jpeg", "jpg":
		return JPEG, nil
	case "png":
		return PNG, nil
	case "pdf":
		return PDF, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownFormat, s)
}

// Ext is the file extension without dot.
func (f Format) Ext() string {
	if f == JPEG {
		return "jpg"
	}
	return string(f)
}

// MIME type of the format.
func (f Format) MIME() string {
	switch f {
	case PNG:
		return "image/png"
	case PDF:
		return "application/pdf"
	}
	return "image/jpeg"
}

// FileName is insta-story-<unix millis>.<ext>.
func FileName(now time.Time, ext string) string {
	return fmt.Sprintf("%s-%d.%s", FilePrefix, now.UnixMilli(), ext)
}

// Asset is an encoded export ready to be saved.
type Asset struct {
	Name     string
	Kind     string // storage.KindStill or storage.KindVideo
	MIME     string
	Data     []byte
	Duration time.Duration
}

// Sink persists assets and returns where they went.
type Sink interface {
	Save(ctx context.Context, a Asset) (string, error)
}

// StillOptions tune still encoding.
type StillOptions struct {
	Format      Format
	JPEGQuality int
}

// Still encodes frame and saves it through sink. It can be called any number of
// times; each call produces a new file.
func Still(ctx context.Context, frame image.Image, opts StillOptions, sink Sink, now time.Time) (string, error) {
	l := applog.WithOperation(applog.WithComponent("export"), "still")
	if frame == nil {
		return "", errors.New("no frame to export")
	}
	if sink == nil {
		return "", errors.New("no export sink")
	}
	f := opts.Format
	if f == "" {
		f = JPEG
	}
	data, err := Encode(frame, f, opts.JPEGQuality)
	if err != nil {
		l.Error("encode failed", slog.String("format", string(f)), slog.Any("err", err))
		return "", err
	}
	path, err := sink.Save(ctx, Asset{Name: FileName(now, f.Ext()), Kind: storage.KindStill, MIME: f.MIME(), Data: data})
	if err != nil {
		l.Error("save failed", slog.Any("err", err))
		return "", err
	}
	l.Info("still exported", slog.String("path", path), slog.Int("bytes", len(data)))
	return path, nil
}

// Encode renders img in the given format.
func Encode(img image.Image, f Format, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	var buf bytes.Buffer
	switch f {
	case JPEG:
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case PNG:
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case PDF:
		return encodePDF(img, quality)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, f)
	}
	return buf.Bytes(), nil
}

// encodePDF places the frame as a JPEG on a single page of the same aspect,
// 1 px = 1 pt.
func encodePDF(img image.Image, quality int) ([]byte, error) {
	var jpg bytes.Buffer
	if err := imaging.Encode(&jpg, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode pdf image: %w", err)
	}
	b := img.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())
	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		UnitStr: "pt",
		Size:    gofpdf.SizeType{Wd: w, Ht: h},
	})
	pdf.SetTitle("Instagram story", false)
	pdf.SetCreator("instaprep", false)
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPageFormat("P", gofpdf.SizeType{Wd: w, Ht: h})
	opt := gofpdf.ImageOptions{ImageType: "JPG"}
	pdf.RegisterImageOptionsReader("story", opt, &jpg)
	pdf.ImageOptions("story", 0, 0, w, h, false, opt, 0, "")
	var out bytes.Buffer
	if err := pdf.Output(&out); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return out.Bytes(), nil
}

// DirSink writes assets into a directory and records them in the history.
type DirSink struct {
	Dir       string
	SessionID string
	// History is optional.
	History *storage.History
}

func (s DirSink) Save(ctx context.Context, a Asset) (string, error) {
	if strings.TrimSpace(s.Dir) == "" {
		return "", errors.New("export directory is empty")
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("ensure export dir: %w", err)
	}
	path := storage.FreePath(s.Dir, filepath.Base(a.Name))
	if err := storage.WriteFileAtomic(path, a.Data); err != nil {
		return "", fmt.Errorf("save %s: %w", filepath.Base(path), err)
	}
	if s.History != nil {
		_, err := s.History.RecordExport(ctx, storage.Export{
			SessionID: s.SessionID,
			Kind:      a.Kind,
			Path:      path,
			MIME:      a.MIME,
			Bytes:     int64(len(a.Data)),
			Duration:  a.Duration,
		})
		if err != nil {
			// the file is saved; a missing history row is not an export failure
			applog.WithComponent("export").Warn("history record failed", slog.String("path", path), slog.Any("err", err))
		}
	}
	return path, nil
}
