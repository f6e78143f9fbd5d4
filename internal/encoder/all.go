package encoder

import (
	"log/slog"

	"github.com/zsiec/jxlstream/internal/backend"
	"github.com/zsiec/jxlstream/internal/color"
	"github.com/zsiec/jxlstream/internal/container"
	"github.com/zsiec/jxlstream/internal/meta"
	"github.com/zsiec/jxlstream/internal/pixfmt"
)

// Frame is one frame of an Image.
type Frame struct {
	Name     string
	Duration uint32
	Pixels   []byte
}

// Box is a metadata box of an Image.
type Box struct {
	Type     container.Type
	Contents []byte
	Compress bool
}

// Image is everything EncodeAll writes in one call.
type Image struct {
	Info   meta.BasicInfo
	Color  *color.Encoding // nil with nil ICC leaves the backend default
	ICC    []byte
	Format pixfmt.Format
	Frames []Frame
	Boxes  []Box
}

// EncodeAll encodes img with be in one pass and returns the complete output.
// Boxes force container output.
func EncodeAll(be backend.Encoder, cfg Config, img Image, log *slog.Logger) ([]byte, error) {
	if len(img.Boxes) > 0 {
		cfg.UseContainer = true
	}
	e, err := New(be, cfg, OptLogger(log))
	if err != nil {
		return nil, err
	}
	if err := e.SetBasicInfo(img.Info); err != nil {
		return nil, err
	}
	switch {
	case img.Color != nil:
		if err := e.SetColorEncoding(*img.Color); err != nil {
			return nil, err
		}
		if img.ICC != nil {
			// Reported as a sequence error by the state machine.
			if err := e.SetICCProfile(img.ICC); err != nil {
				return nil, err
			}
		}
	case img.ICC != nil:
		if err := e.SetICCProfile(img.ICC); err != nil {
			return nil, err
		}
	}
	for _, b := range img.Boxes {
		if err := e.AddBox(b.Type, b.Contents, b.Compress); err != nil {
			return nil, err
		}
	}
	for _, f := range img.Frames {
		s := e.FrameSettings()
		s.Name = f.Name
		s.Duration = f.Duration
		if err := e.AddImageFrame(s, img.Format, f.Pixels); err != nil {
			return nil, err
		}
		if err := e.ProcessOutput(); err != nil {
			return nil, err
		}
	}
	e.CloseInput()
	if err := e.ProcessOutput(); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}
