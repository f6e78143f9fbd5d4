package backend

import (
	"github.com/zsiec/jxlstream/internal/color"
	"github.com/zsiec/jxlstream/internal/container"
	"github.com/zsiec/jxlstream/internal/meta"
	"github.com/zsiec/jxlstream/internal/outbuf"
	"github.com/zsiec/jxlstream/internal/pixfmt"
)

// FrameSettings control how one frame is encoded.
type FrameSettings struct {
	Effort   int
	Distance float32
	Lossless bool
	Name     string
	BitDepth pixfmt.BitDepth
	Duration uint32
	Timecode uint32
	Blend    meta.BlendInfo
}

// Encoder is the required encoding capability set.
type Encoder interface {
	SetBasicInfo(info meta.BasicInfo) error
	SetColorEncoding(enc color.Encoding) error
	SetICCProfile(profile []byte) error
	AddFrame(settings FrameSettings, format pixfmt.Format, pixels []byte) error
	// CloseInput marks that no more frames or boxes follow.
	CloseInput()
	// ProcessOutput writes compressed bytes into out.
	ProcessOutput(out []byte) (outbuf.Status, int, error)
}

// BoxSink adds metadata boxes to encoded output.
type BoxSink interface {
	UseContainer(use bool) error
	AddBox(t container.Type, contents []byte, compress bool) error
	CloseBoxes()
}

// FrameCloser lets the caller declare the last frame while boxes may still
// follow.
type FrameCloser interface {
	CloseFrames()
}
