package decoder

import (
	"fmt"

	"github.com/zsiec/jxlstream/internal/backend"
	"github.com/zsiec/jxlstream/internal/codecerr"
	"github.com/zsiec/jxlstream/internal/dispatch"
	"github.com/zsiec/jxlstream/internal/pixfmt"
)

// imageSize returns the dimensions of the pixels the backend writes for the
// current frame, after orientation and, without coalescing, the frame's own
// layer size.
func (d *Decoder) imageSize() (uint32, uint32) {
	x, y := d.info.XSize, d.info.YSize
	if !d.opts.Coalescing && d.frameOpen && d.caps.Frames != nil {
		if l := d.caps.Frames.FrameHeader().Layer; l.XSize > 0 && l.YSize > 0 {
			x, y = l.XSize, l.YSize
		}
	}
	if !d.opts.KeepOrientation && d.info.Orientation.SwapsAxes() {
		return y, x
	}
	return x, y
}

// ImageOutBufferSize returns the minimum buffer length for the main image
// in format f.
func (d *Decoder) ImageOutBufferSize(f pixfmt.Format) (uint64, error) {
	if !d.haveInfo {
		return 0, codecerr.New("image out buffer size", codecerr.ErrMetadataNotReady)
	}
	if err := d.checkColorChannels(f); err != nil {
		return 0, err
	}
	x, y := d.imageSize()
	n, err := f.BufferSize(x, y)
	if err != nil {
		return 0, codecerr.New("image out buffer size", err)
	}
	return n, nil
}

func (d *Decoder) checkColorChannels(f pixfmt.Format) error {
	if err := f.Validate(); err != nil {
		return codecerr.New("pixel format", err)
	}
	// Gray output of a color image is not supported; color output of a
	// gray image replicates the channel.
	if d.info.NumColorChannels == 3 && f.NumChannels < 3 {
		return codecerr.New("pixel format", fmt.Errorf("%w: %d channels for a color image", codecerr.ErrInvalidFormat, f.NumChannels))
	}
	return nil
}

// SetImageOutBuffer lends buf to the backend for the current frame's main
// image. A buffer shorter than ImageOutBufferSize is rejected with
// codecerr.ErrUndersizedBuffer and the stream stays where it was.
func (d *Decoder) SetImageOutBuffer(f pixfmt.Format, buf []byte) error {
	if err := d.beforePixels("set image out buffer"); err != nil {
		return err
	}
	if d.disp.Active() {
		return d.sequenceFatal("set image out buffer", "an image callback is already registered")
	}
	need, err := d.ImageOutBufferSize(f)
	if err != nil {
		return err
	}
	if uint64(len(buf)) < need {
		return codecerr.New("set image out buffer", fmt.Errorf("%w: have %d, need %d", codecerr.ErrUndersizedBuffer, len(buf), need))
	}
	if err := d.be.SetImageOutput(backend.Output{Format: f, Buf: buf[:need]}); err != nil {
		return err
	}
	d.imageSet = true
	return nil
}

// SetImageOutCallback delivers the current frame's rows to fn on the
// decoding goroutine instead of into a buffer.
func (d *Decoder) SetImageOutCallback(f pixfmt.Format, fn dispatch.RowFunc) error {
	if err := d.beforeCallback(f); err != nil {
		return err
	}
	x, _ := d.imageSize()
	err := d.disp.RegisterSingle(fn, int(x), func(sink backend.RowFunc) error {
		return d.be.SetImageOutput(backend.Output{Format: f, Rows: sink})
	})
	return d.afterCallback(err)
}

// SetMultithreadedImageOutCallback delivers the current frame's rows to
// m.Run from a pool of worker goroutines.
func (d *Decoder) SetMultithreadedImageOutCallback(f pixfmt.Format, m dispatch.Multi) error {
	if err := d.beforeCallback(f); err != nil {
		return err
	}
	x, _ := d.imageSize()
	err := d.disp.RegisterMulti(m, int(x), func(sink backend.RowFunc) error {
		return d.be.SetImageOutput(backend.Output{Format: f, Rows: sink})
	})
	return d.afterCallback(err)
}

func (d *Decoder) beforeCallback(f pixfmt.Format) error {
	if err := d.beforePixels("set image out callback"); err != nil {
		return err
	}
	if d.imageSet && !d.disp.Active() {
		return d.sequenceFatal("set image out callback", "an image out buffer is already set")
	}
	if d.disp.Active() {
		return d.sequenceFatal("set image out callback", "a %s callback is already registered", d.disp.Mode())
	}
	return d.checkColorChannels(f)
}

func (d *Decoder) afterCallback(err error) error {
	if err != nil {
		if codecerr.ClassOf(err) == codecerr.ClassSequence {
			d.fail(err)
		}
		return err
	}
	d.imageSet = true
	return nil
}

// beforePixels checks that image output may be negotiated now.
func (d *Decoder) beforePixels(op string) error {
	switch d.phase {
	case PhaseDone, PhaseError:
		return codecerr.Sequence(op, "stream is %s", d.phase)
	}
	if !d.haveInfo {
		return codecerr.New(op, codecerr.ErrMetadataNotReady)
	}
	return nil
}

// PreviewOutBufferSize returns the minimum buffer length for the preview.
func (d *Decoder) PreviewOutBufferSize(f pixfmt.Format) (uint64, error) {
	if !d.haveInfo {
		return 0, codecerr.New("preview out buffer size", codecerr.ErrMetadataNotReady)
	}
	if !d.info.HavePreview {
		return 0, codecerr.Sequence("preview out buffer size", "image has no preview")
	}
	if err := d.checkColorChannels(f); err != nil {
		return 0, err
	}
	x, y := d.info.Preview.XSize, d.info.Preview.YSize
	if !d.opts.KeepOrientation && d.info.Orientation.SwapsAxes() {
		x, y = y, x
	}
	n, err := f.BufferSize(x, y)
	if err != nil {
		return 0, codecerr.New("preview out buffer size", err)
	}
	return n, nil
}

// SetPreviewOutBuffer lends buf to the backend for the preview image.
func (d *Decoder) SetPreviewOutBuffer(f pixfmt.Format, buf []byte) error {
	if d.caps.Preview == nil {
		return codecerr.Unsupported("set preview out buffer")
	}
	if err := d.beforePixels("set preview out buffer"); err != nil {
		return err
	}
	need, err := d.PreviewOutBufferSize(f)
	if err != nil {
		return err
	}
	if uint64(len(buf)) < need {
		return codecerr.New("set preview out buffer", fmt.Errorf("%w: have %d, need %d", codecerr.ErrUndersizedBuffer, len(buf), need))
	}
	if err := d.caps.Preview.SetPreviewOutput(backend.Output{Format: f, Buf: buf[:need]}); err != nil {
		return err
	}
	d.previewSet = true
	return nil
}

// ExtraChannelBufferSize returns the minimum buffer length for extra
// channel index. The channel count of f is ignored; one channel of f's
// sample type is used.
func (d *Decoder) ExtraChannelBufferSize(f pixfmt.Format, index int) (uint64, error) {
	if !d.haveInfo {
		return 0, codecerr.New("extra channel buffer size", codecerr.ErrMetadataNotReady)
	}
	if index < 0 || index >= int(d.info.NumExtraChannels) {
		return 0, codecerr.Sequence("extra channel buffer size", "index %d out of %d extra channels", index, d.info.NumExtraChannels)
	}
	x, y := d.imageSize()
	n, err := f.Channel().BufferSize(x, y)
	if err != nil {
		return 0, codecerr.New("extra channel buffer size", err)
	}
	return n, nil
}

// SetExtraChannelBuffer lends buf to the backend for extra channel index.
func (d *Decoder) SetExtraChannelBuffer(f pixfmt.Format, buf []byte, index int) error {
	if d.caps.ExtraChannels == nil {
		return codecerr.Unsupported("set extra channel buffer")
	}
	if err := d.beforePixels("set extra channel buffer"); err != nil {
		return err
	}
	need, err := d.ExtraChannelBufferSize(f, index)
	if err != nil {
		return err
	}
	if uint64(len(buf)) < need {
		return codecerr.New("set extra channel buffer", fmt.Errorf("%w: have %d, need %d", codecerr.ErrUndersizedBuffer, len(buf), need))
	}
	if err := d.caps.ExtraChannels.SetExtraChannelOutput(index, backend.Output{Format: f.Channel(), Buf: buf[:need]}); err != nil {
		return err
	}
	d.extraSet[index] = true
	return nil
}

// SetImageOutBitDepth selects how output sample values are scaled. It must
// follow SetImageOutBuffer or an image callback.
func (d *Decoder) SetImageOutBitDepth(bd pixfmt.BitDepth) error {
	if !d.imageSet {
		return codecerr.Sequence("set image out bit depth", "no image output set")
	}
	if d.caps.Config == nil {
		return codecerr.Unsupported("set image out bit depth")
	}
	if bd.Type == pixfmt.BitDepthCustom && (bd.BitsPerSample == 0 || bd.BitsPerSample > 32) {
		return codecerr.New("set image out bit depth", fmt.Errorf("%w: %d bits per sample", codecerr.ErrInvalidFormat, bd.BitsPerSample))
	}
	d.opts.ImageOutBitDepth = bd
	return d.caps.Config.Configure(d.opts)
}

// FlushImage writes what has been decoded of the current frame so far into
// the image output.
func (d *Decoder) FlushImage() error {
	if d.caps.Progressive == nil {
		return codecerr.Unsupported("flush image")
	}
	if !d.frameOpen || !d.imageSet {
		return codecerr.Sequence("flush image", "no frame with image output in progress")
	}
	if err := d.caps.Progressive.FlushImage(); err != nil {
		return err
	}
	return d.disp.Settle()
}
