package main

import (
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/zsiec/jxlstream/internal/container"
	"github.com/zsiec/jxlstream/internal/pipeline"
	"github.com/zsiec/jxlstream/internal/pixfmt"
)

// fileSink writes decoded frames as PNG files and boxes as raw files into
// dir. A still image becomes <prefix>.png; animation frames are numbered.
type fileSink struct {
	log     *slog.Logger
	dir     string
	prefix  string
	written []string
}

func newFileSink(dir, prefix string, log *slog.Logger) *fileSink {
	if log == nil {
		log = slog.Default()
	}
	return &fileSink{log: log.With("component", "file-sink"), dir: dir, prefix: prefix}
}

func (s *fileSink) Image(key string, img *pipeline.Image) error {
	nrgba, err := toNRGBA(img)
	if err != nil {
		return err
	}
	name := s.prefix + ".png"
	if img.Info.HaveAnimation {
		name = fmt.Sprintf("%s-%03d.png", s.prefix, img.Index)
	}
	path := filepath.Join(s.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, nrgba); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	s.written = append(s.written, path)
	s.log.Info("frame written", "stream", key, "path", path, "frame", img.Index, "name", img.Name)
	return nil
}

func (s *fileSink) Box(key string, t container.Type, contents []byte) error {
	switch t {
	case container.TypeSignature, container.TypeFileType:
		return nil
	}
	path := filepath.Join(s.dir, s.prefix+"."+boxSuffix(t))
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		return err
	}
	s.written = append(s.written, path)
	s.log.Info("box written", "stream", key, "path", path, "type", t.String(), "bytes", len(contents))
	return nil
}

// boxSuffix turns a box type into a file extension.
func boxSuffix(t container.Type) string {
	s := strings.TrimSpace(t.String())
	if s == "" {
		return "box"
	}
	return s
}

// toNRGBA wraps the frame's pixels without copying.
func toNRGBA(img *pipeline.Image) (*image.NRGBA, error) {
	if img.Format.NumChannels != 4 || img.Format.DataType != pixfmt.Uint8 {
		return nil, fmt.Errorf("frame %d: PNG output needs 8-bit RGBA, got %d channels of %s",
			img.Index, img.Format.NumChannels, img.Format.DataType)
	}
	stride := int(img.Format.Stride(img.Width))
	if need := stride * int(img.Height); len(img.Pixels) < need {
		return nil, fmt.Errorf("frame %d: %d pixel bytes, want %d", img.Index, len(img.Pixels), need)
	}
	return &image.NRGBA{
		Pix:    img.Pixels,
		Stride: stride,
		Rect:   image.Rect(0, 0, int(img.Width), int(img.Height)),
	}, nil
}
