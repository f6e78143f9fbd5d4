// Package backend declares the interfaces a codec implementation plugs into.
// The decode and encode state machines drive a backend only through these
// interfaces: a small required set, plus optional capabilities that are
// discovered once when the state machine is constructed.
package backend

import (
	"github.com/zsiec/jxlstream/internal/color"
	"github.com/zsiec/jxlstream/internal/container"
	"github.com/zsiec/jxlstream/internal/event"
	"github.com/zsiec/jxlstream/internal/meta"
	"github.com/zsiec/jxlstream/internal/pixfmt"
)

// RowFunc receives numPixels packed pixels starting at (x, y). pixels is only
// valid for the duration of the call.
type RowFunc func(x, y, numPixels int, pixels []byte)

// Output is a destination for one pixel target. Exactly one of Buf and Rows
// is set. Buf is borrowed until the frame that fills it completes.
type Output struct {
	Format pixfmt.Format
	Buf    []byte
	Rows   RowFunc
}

// Decoder is the required decoding capability set.
type Decoder interface {
	// Subscribe tells the backend which informational events the caller
	// wants so it can skip work nobody asked for.
	Subscribe(mask event.Mask) error

	// Process runs one unit of work over in and reports what it produced
	// and how many leading bytes of in it no longer needs. closed reports
	// that no input follows in. A non-nil error means the data is malformed.
	Process(in []byte, closed bool) (event.Event, int, error)

	// BasicInfo returns the image metadata once it has been decoded.
	BasicInfo() (meta.BasicInfo, bool)

	// SetImageOutput hands the backend the destination for the main image
	// of the current frame.
	SetImageOutput(out Output) error

	// Rewind restarts decoding from the beginning of the input.
	Rewind()
}

// ColorTarget selects which color profile a query refers to.
type ColorTarget int

// Color targets.
const (
	// ColorOriginal is the profile the image was encoded from.
	ColorOriginal ColorTarget = iota
	// ColorData is the profile of the pixels the backend outputs.
	ColorData
)

// ColorProfiler exposes the decoded color profile.
type ColorProfiler interface {
	ColorEncoding(target ColorTarget) (color.Encoding, bool)
	ICCProfile(target ColorTarget) ([]byte, error)
	SetPreferredColorProfile(enc color.Encoding) error
}

// FrameInspector exposes the header of the frame most recently announced.
type FrameInspector interface {
	FrameHeader() meta.FrameHeader
	FrameName() string
	ExtraChannelBlendInfo(index int) (meta.BlendInfo, error)
}

// FrameSkipper drops frames without producing pixels.
type FrameSkipper interface {
	SkipFrames(n int)
	SkipCurrentFrame() error
}

// BoxInfo describes the box most recently announced.
type BoxInfo struct {
	Type         container.Type
	RawType      container.Type // brob for compressed boxes
	SizeRaw      uint64
	SizeContents uint64
	Compressed   bool
}

// BoxSource streams container box payloads into caller buffers.
type BoxSource interface {
	Box() BoxInfo
	SetBoxBuffer(buf []byte) error
	// ReleaseBoxBuffer detaches the box buffer and returns how many bytes
	// of it were left unwritten.
	ReleaseBoxBuffer() int
	SetDecompressBoxes(decompress bool) error
}

// JPEGSource reconstructs original JPEG bytes into caller buffers.
type JPEGSource interface {
	SetJPEGBuffer(buf []byte) error
	ReleaseJPEGBuffer() int
}

// Progressive exposes partial results of progressively coded frames.
type Progressive interface {
	SetProgressiveDetail(d ProgressiveDetail) error
	// FlushImage writes everything decoded so far into the image output.
	FlushImage() error
}

// ProgressiveDetail selects at which granularity FrameProgression events
// are produced.
type ProgressiveDetail int

// Progressive detail levels.
const (
	DetailFrames ProgressiveDetail = iota
	DetailDC
	DetailLastPasses
	DetailPasses
)

// PreviewSource decodes the embedded preview image.
type PreviewSource interface {
	SetPreviewOutput(out Output) error
}

// ExtraChannelSource describes and decodes extra channels.
type ExtraChannelSource interface {
	ExtraChannelInfo(index int) (meta.ExtraChannelInfo, error)
	ExtraChannelName(index int) (string, error)
	SetExtraChannelOutput(index int, out Output) error
}

// Options are decoder settings applied before decoding starts.
type Options struct {
	KeepOrientation        bool
	UnpremultiplyAlpha     bool
	RenderSpotColors       bool
	Coalescing             bool
	DesiredIntensityTarget float32
	ImageOutBitDepth       pixfmt.BitDepth
}

// DefaultOptions returns the settings a fresh decoder starts with.
func DefaultOptions() Options {
	return Options{
		RenderSpotColors: true,
		Coalescing:       true,
		ImageOutBitDepth: pixfmt.DefaultBitDepth,
	}
}

// Configurable accepts decoder options.
type Configurable interface {
	Configure(o Options) error
}

// SizeHinter suggests how many input bytes are needed to reach BasicInfo.
type SizeHinter interface {
	SizeHintBasicInfo() int
}
