package decoder

import (
	"fmt"

	"github.com/zsiec/jxlstream/internal/backend"
	"github.com/zsiec/jxlstream/internal/codecerr"
	"github.com/zsiec/jxlstream/internal/color"
	"github.com/zsiec/jxlstream/internal/meta"
)

// FrameHeader returns the header of the frame announced by the last Frame
// event. It is only available until the next Frame or Done event.
func (d *Decoder) FrameHeader() (meta.FrameHeader, error) {
	if err := d.frameReady("frame header"); err != nil {
		return meta.FrameHeader{}, err
	}
	return d.caps.Frames.FrameHeader(), nil
}

// FrameName returns the name of the current frame. size is the caller's
// buffer length including a NUL terminator; longer names fail with
// codecerr.ErrNameTruncated.
func (d *Decoder) FrameName(size int) (string, error) {
	if err := d.frameReady("frame name"); err != nil {
		return "", err
	}
	name := d.caps.Frames.FrameName()
	if len(name)+1 > size {
		return "", codecerr.New("frame name", fmt.Errorf("%w: %d bytes into %d", codecerr.ErrNameTruncated, len(name)+1, size))
	}
	return name, nil
}

// ExtraChannelBlendInfo returns how extra channel index of the current frame
// is blended.
func (d *Decoder) ExtraChannelBlendInfo(index int) (meta.BlendInfo, error) {
	if err := d.frameReady("extra channel blend info"); err != nil {
		return meta.BlendInfo{}, err
	}
	if index < 0 || index >= int(d.info.NumExtraChannels) {
		return meta.BlendInfo{}, codecerr.Sequence("extra channel blend info", "index %d out of %d extra channels", index, d.info.NumExtraChannels)
	}
	return d.caps.Frames.ExtraChannelBlendInfo(index)
}

func (d *Decoder) frameReady(op string) error {
	if d.caps.Frames == nil {
		return codecerr.Unsupported(op)
	}
	if !d.frameOpen {
		return codecerr.New(op, codecerr.ErrMetadataNotReady)
	}
	return nil
}

// ExtraChannelInfo describes extra channel index.
func (d *Decoder) ExtraChannelInfo(index int) (meta.ExtraChannelInfo, error) {
	if err := d.extraChannelReady("extra channel info", index); err != nil {
		return meta.ExtraChannelInfo{}, err
	}
	return d.caps.ExtraChannels.ExtraChannelInfo(index)
}

// ExtraChannelName returns the name of extra channel index, with the same
// truncation rule as FrameName.
func (d *Decoder) ExtraChannelName(index, size int) (string, error) {
	if err := d.extraChannelReady("extra channel name", index); err != nil {
		return "", err
	}
	name, err := d.caps.ExtraChannels.ExtraChannelName(index)
	if err != nil {
		return "", err
	}
	if len(name)+1 > size {
		return "", codecerr.New("extra channel name", fmt.Errorf("%w: %d bytes into %d", codecerr.ErrNameTruncated, len(name)+1, size))
	}
	return name, nil
}

func (d *Decoder) extraChannelReady(op string, index int) error {
	if d.caps.ExtraChannels == nil {
		return codecerr.Unsupported(op)
	}
	if !d.haveInfo {
		return codecerr.New(op, codecerr.ErrMetadataNotReady)
	}
	if index < 0 || index >= int(d.info.NumExtraChannels) {
		return codecerr.Sequence(op, "index %d out of %d extra channels", index, d.info.NumExtraChannels)
	}
	return nil
}

// ColorEncoding returns the enumerated color encoding for target. ok is
// false when the profile is only available as ICC bytes.
func (d *Decoder) ColorEncoding(target backend.ColorTarget) (enc color.Encoding, ok bool, err error) {
	if err := d.colorReady("color encoding"); err != nil {
		return color.Encoding{}, false, err
	}
	enc, ok = d.caps.Color.ColorEncoding(target)
	return enc, ok, nil
}

// ICCProfileSize returns the length of the ICC profile for target.
func (d *Decoder) ICCProfileSize(target backend.ColorTarget) (int, error) {
	p, err := d.ICCProfile(target)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// ICCProfile returns the ICC profile for target. The slice is owned by the
// caller.
func (d *Decoder) ICCProfile(target backend.ColorTarget) ([]byte, error) {
	if err := d.colorReady("icc profile"); err != nil {
		return nil, err
	}
	return d.caps.Color.ICCProfile(target)
}

func (d *Decoder) colorReady(op string) error {
	if d.caps.Color == nil {
		return codecerr.Unsupported(op)
	}
	if !d.haveColor {
		return codecerr.New(op, codecerr.ErrMetadataNotReady)
	}
	return nil
}

// SetPreferredColorProfile asks the backend to output pixels in enc when it
// can. It must be called before the first frame.
func (d *Decoder) SetPreferredColorProfile(enc color.Encoding) error {
	if d.caps.Color == nil {
		return codecerr.Unsupported("set preferred color profile")
	}
	if d.frameSeen || d.phase == PhaseDone || d.phase == PhaseError {
		return codecerr.Sequence("set preferred color profile", "frames already started, phase %s", d.phase)
	}
	if err := enc.Validate(); err != nil {
		return codecerr.New("set preferred color profile", fmt.Errorf("%w: %w", codecerr.ErrInvalidFormat, err))
	}
	d.preferred = &enc
	if !d.started {
		return nil
	}
	return d.caps.Color.SetPreferredColorProfile(enc)
}

// setOption runs set when decoder options may still change.
func (d *Decoder) setOption(op string, set func(*backend.Options)) error {
	if d.phase != PhaseStart {
		return codecerr.Sequence(op, "options can only change before decoding starts, phase %s", d.phase)
	}
	if d.caps.Config == nil {
		return codecerr.Unsupported(op)
	}
	set(&d.opts)
	return nil
}

// SetKeepOrientation leaves pixels in encoded orientation instead of
// applying the orientation from the basic info.
func (d *Decoder) SetKeepOrientation(keep bool) error {
	return d.setOption("set keep orientation", func(o *backend.Options) { o.KeepOrientation = keep })
}

// SetUnpremultiplyAlpha converts premultiplied alpha to straight alpha.
func (d *Decoder) SetUnpremultiplyAlpha(unpremultiply bool) error {
	return d.setOption("set unpremultiply alpha", func(o *backend.Options) { o.UnpremultiplyAlpha = unpremultiply })
}

// SetRenderSpotColors controls whether spot colors are rendered into the
// color channels.
func (d *Decoder) SetRenderSpotColors(render bool) error {
	return d.setOption("set render spot colors", func(o *backend.Options) { o.RenderSpotColors = render })
}

// SetCoalescing controls whether frames are blended into full canvases.
// Without coalescing every frame is delivered at its own layer size.
func (d *Decoder) SetCoalescing(coalesce bool) error {
	return d.setOption("set coalescing", func(o *backend.Options) { o.Coalescing = coalesce })
}

// SetDesiredIntensityTarget requests tone mapping to the given peak
// luminance in nits. Zero leaves the image's own target.
func (d *Decoder) SetDesiredIntensityTarget(nits float32) error {
	if nits < 0 {
		return codecerr.Sequence("set desired intensity target", "negative target %v", nits)
	}
	return d.setOption("set desired intensity target", func(o *backend.Options) { o.DesiredIntensityTarget = nits })
}

// SetProgressiveDetail selects the granularity of FrameProgression events.
func (d *Decoder) SetProgressiveDetail(detail backend.ProgressiveDetail) error {
	if d.caps.Progressive == nil {
		return codecerr.Unsupported("set progressive detail")
	}
	if detail < backend.DetailFrames || detail > backend.DetailPasses {
		return codecerr.Sequence("set progressive detail", "unknown detail %d", detail)
	}
	d.detail = detail
	if !d.started {
		return nil
	}
	return d.caps.Progressive.SetProgressiveDetail(detail)
}

// defaultSizeHint is the byte count that covers the basic info of a typical
// stream.
const defaultSizeHint = 98

// SizeHintBasicInfo suggests how many more input bytes are needed before
// the BasicInfo event can be produced. It returns 0 once basic info is
// known.
func (d *Decoder) SizeHintBasicInfo() int {
	if d.haveInfo {
		return 0
	}
	hint := defaultSizeHint
	if d.caps.SizeHint != nil {
		hint = d.caps.SizeHint.SizeHintBasicInfo()
	}
	return max(hint-d.in.Pending()-int(d.in.Consumed()), 1)
}

// Version components of this package's protocol implementation.
const (
	VersionMajor = 0
	VersionMinor = 3
	VersionPatch = 0
)

// Version returns the protocol version as major*1000000 + minor*1000 + patch.
func Version() uint32 {
	return VersionMajor*1000000 + VersionMinor*1000 + VersionPatch
}
