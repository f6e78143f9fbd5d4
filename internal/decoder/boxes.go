package decoder

import (
	"github.com/zsiec/jxlstream/internal/backend"
	"github.com/zsiec/jxlstream/internal/codecerr"
	"github.com/zsiec/jxlstream/internal/container"
)

// boxState tracks the box announced by the last Box event.
type boxState struct {
	active     bool
	decompress bool // mode the box was opened with
	attached   bool // a buffer is lent to the backend
	fresh      bool // a buffer was set since the last Box or BoxNeedMoreOutput
	skipped    bool
}

func (b *boxState) open(decompress bool) {
	// A buffer from the previous box stays attached until released.
	*b = boxState{active: true, decompress: decompress, attached: b.attached}
}

func (b *boxState) close() {
	b.active = false
}

// jpegState tracks the JPEG reconstruction buffer.
type jpegState struct {
	attached bool
	fresh    bool
}

// SetDecompressBoxes selects whether brob boxes are delivered decompressed.
// Changing the mode while a box is open fails the stream.
func (d *Decoder) SetDecompressBoxes(decompress bool) error {
	if d.caps.Boxes == nil {
		return codecerr.Unsupported("set decompress boxes")
	}
	if d.box.active && decompress != d.box.decompress {
		return d.sequenceFatal("set decompress boxes", "mode changed while box %s is open", d.caps.Boxes.Box().Type)
	}
	d.decompress = decompress
	if !d.started {
		return nil
	}
	return d.caps.Boxes.SetDecompressBoxes(decompress)
}

// SetBoxBuffer lends buf to the backend for the payload of the current box.
// A previous buffer must be released first.
func (d *Decoder) SetBoxBuffer(buf []byte) error {
	if d.caps.Boxes == nil {
		return codecerr.Unsupported("set box buffer")
	}
	if !d.box.active {
		return codecerr.Sequence("set box buffer", "no box is open")
	}
	if d.box.attached {
		return codecerr.Sequence("set box buffer", "release the current box buffer first")
	}
	if err := d.caps.Boxes.SetBoxBuffer(buf); err != nil {
		return err
	}
	d.box.attached = true
	d.box.fresh = true
	d.box.skipped = false
	return nil
}

// ReleaseBoxBuffer detaches the box buffer and returns how many of its bytes
// were not written.
func (d *Decoder) ReleaseBoxBuffer() int {
	if d.caps.Boxes == nil || !d.box.attached {
		return 0
	}
	d.box.attached = false
	return d.caps.Boxes.ReleaseBoxBuffer()
}

// SkipBox declines the payload of the current box.
func (d *Decoder) SkipBox() error {
	if !d.box.active {
		return codecerr.Sequence("skip box", "no box is open")
	}
	if d.box.attached {
		return codecerr.Sequence("skip box", "a box buffer is attached")
	}
	d.box.skipped = true
	return nil
}

// BoxType returns the type of the current box. With decompressed set, a
// brob box reports the type it wraps.
func (d *Decoder) BoxType(decompressed bool) (container.Type, error) {
	info, err := d.boxInfo("box type")
	if err != nil {
		return container.Type{}, err
	}
	if decompressed {
		return info.Type, nil
	}
	return info.RawType, nil
}

// BoxSizeRaw returns the size of the current box including its header, or
// zero for a box that extends to the end of the stream.
func (d *Decoder) BoxSizeRaw() (uint64, error) {
	info, err := d.boxInfo("box size raw")
	if err != nil {
		return 0, err
	}
	return info.SizeRaw, nil
}

// BoxSizeContents returns the payload size of the current box.
func (d *Decoder) BoxSizeContents() (uint64, error) {
	info, err := d.boxInfo("box size contents")
	if err != nil {
		return 0, err
	}
	return info.SizeContents, nil
}

// boxInfo returns the backend's description of the open box.
func (d *Decoder) boxInfo(op string) (backend.BoxInfo, error) {
	if d.caps.Boxes == nil {
		return backend.BoxInfo{}, codecerr.Unsupported(op)
	}
	if !d.box.active {
		return backend.BoxInfo{}, codecerr.New(op, codecerr.ErrMetadataNotReady)
	}
	return d.caps.Boxes.Box(), nil
}

// SetJPEGBuffer lends buf to the backend for reconstructed JPEG bytes.
func (d *Decoder) SetJPEGBuffer(buf []byte) error {
	if d.caps.JPEG == nil {
		return codecerr.Unsupported("set jpeg buffer")
	}
	if d.jpeg.attached {
		return codecerr.Sequence("set jpeg buffer", "release the current jpeg buffer first")
	}
	if err := d.caps.JPEG.SetJPEGBuffer(buf); err != nil {
		return err
	}
	d.jpeg.attached = true
	d.jpeg.fresh = true
	return nil
}

// ReleaseJPEGBuffer detaches the JPEG buffer and returns how many of its
// bytes were not written.
func (d *Decoder) ReleaseJPEGBuffer() int {
	if d.caps.JPEG == nil || !d.jpeg.attached {
		return 0
	}
	d.jpeg.attached = false
	return d.caps.JPEG.ReleaseJPEGBuffer()
}
