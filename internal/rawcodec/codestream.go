// Package rawcodec is a lossless reference codec backend. Its codestream
// starts with the FF 0A marker and carries the same metadata as a JPEG XL
// codestream, but samples are stored as zstd-compressed row groups instead
// of entropy-coded modular or VarDCT data. It can be wrapped in the box
// container, including partial codestream boxes and brob-compressed
// metadata boxes.
//
// Layout after the marker, every section prefixed by its QUIC varint length:
//
//	header    basic info and extra channel descriptions
//	color     enumerated color record or compressed ICC profile
//	preview   one compressed group, only when the basic info has a preview
//	frame...  frame header, then one section per row group
package rawcodec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/jxlstream/internal/color"
	"github.com/zsiec/jxlstream/internal/icc"
	"github.com/zsiec/jxlstream/internal/meta"
)

const (
	// maxSectionBytes bounds a declared section length.
	maxSectionBytes = 1 << 30
	// maxGroupBytes bounds the decompressed size of one row group.
	maxGroupBytes = 1 << 28
	// defaultGroupRows is the row-group height written by the encoder.
	defaultGroupRows = 16
	// maxNameBytes bounds frame and extra channel names.
	maxNameBytes = 1071
)

// Header flag bits.
const (
	flagPreview = 1 << iota
	flagAnimation
	flagOriginalProfile
	flagRelativeToMax
	flagIntrinsic
	flagAlphaPremultiplied
)

// Frame header flag bits.
const (
	frameLast = 1 << iota
	frameCrop
)

// Color section kinds.
const (
	colorEnum = 0
	colorICC  = 1
)

var errShortRecord = errors.New("rawcodec: record truncated")

// section splits one length-prefixed section off b. ok is false when b does
// not yet hold the whole section; n is the total length consumed.
func section(b []byte) (payload []byte, n int, ok bool, err error) {
	if len(b) == 0 {
		return nil, 0, false, nil
	}
	l := 1 << (b[0] >> 6)
	if len(b) < l {
		return nil, 0, false, nil
	}
	size, l, err := quicvarint.Parse(b)
	if err != nil {
		return nil, 0, false, fmt.Errorf("rawcodec: section length: %w", err)
	}
	if size > maxSectionBytes {
		return nil, 0, false, fmt.Errorf("rawcodec: section of %d bytes exceeds limit", size)
	}
	end := l + int(size)
	if len(b) < end {
		return nil, 0, false, nil
	}
	return b[l:end], end, true, nil
}

func appendSection(dst, payload []byte) []byte {
	dst = quicvarint.Append(dst, uint64(len(payload)))
	return append(dst, payload...)
}

// writer appends record fields.
type writer struct{ b []byte }

func (w *writer) u8(v uint8) { w.b = append(w.b, v) }

func (w *writer) v(v uint64) { w.b = quicvarint.Append(w.b, v) }

func (w *writer) f32(v float32) { w.b = binary.BigEndian.AppendUint32(w.b, math.Float32bits(v)) }

func (w *writer) str(s string) {
	w.v(uint64(len(s)))
	w.b = append(w.b, s...)
}

func (w *writer) bool(v bool) { w.u8(boolByte(v)) }

// signed writes v zigzag-encoded.
func (w *writer) signed(v int32) { w.v(uint64(uint32(v<<1) ^ uint32(v>>31))) }

func boolByte(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}

// reader consumes record fields; the first short read sticks in err.
type reader struct {
	b   []byte
	err error
}

func (r *reader) u8() uint8 {
	if r.err != nil || len(r.b) < 1 {
		r.err = errShortRecord
		return 0
	}
	v := r.b[0]
	r.b = r.b[1:]
	return v
}

func (r *reader) v() uint64 {
	if r.err != nil {
		return 0
	}
	v, n, err := quicvarint.Parse(r.b)
	if err != nil {
		r.err = errShortRecord
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *reader) u32() uint32 {
	v := r.v()
	if v > math.MaxUint32 {
		r.err = fmt.Errorf("rawcodec: value %d overflows 32 bits", v)
		return 0
	}
	return uint32(v)
}

func (r *reader) f32() float32 {
	if r.err != nil || len(r.b) < 4 {
		r.err = errShortRecord
		return 0
	}
	v := math.Float32frombits(binary.BigEndian.Uint32(r.b))
	r.b = r.b[4:]
	return v
}

func (r *reader) str() string {
	n := r.v()
	if r.err != nil {
		return ""
	}
	if n > maxNameBytes || uint64(len(r.b)) < n {
		r.err = fmt.Errorf("rawcodec: name of %d bytes", n)
		return ""
	}
	s := string(r.b[:n])
	r.b = r.b[n:]
	return s
}

func (r *reader) bool() bool { return r.u8() != 0 }

func (r *reader) signed() int32 {
	u := r.u32()
	return int32(u>>1) ^ -int32(u&1)
}

// imageHeader is the header section: basic info plus extra channels.
type imageHeader struct {
	info  meta.BasicInfo
	extra []extraChannel
}

type extraChannel struct {
	info meta.ExtraChannelInfo
	name string
}

func (h *imageHeader) append(dst []byte) []byte {
	b := h.info
	w := writer{b: dst}
	w.v(uint64(b.XSize))
	w.v(uint64(b.YSize))
	w.u8(uint8(b.BitsPerSample))
	w.u8(uint8(b.ExponentBitsPerSample))
	w.u8(uint8(b.NumColorChannels))
	w.v(uint64(b.NumExtraChannels))
	w.u8(uint8(b.AlphaBits))
	w.u8(uint8(b.AlphaExponentBits))
	w.u8(uint8(b.Orientation))
	var flags uint8
	if b.HavePreview {
		flags |= flagPreview
	}
	if b.HaveAnimation {
		flags |= flagAnimation
	}
	if b.UsesOriginalProfile {
		flags |= flagOriginalProfile
	}
	if b.RelativeToMaxDisplay {
		flags |= flagRelativeToMax
	}
	if b.IntrinsicXSize > 0 && b.IntrinsicYSize > 0 {
		flags |= flagIntrinsic
	}
	if b.AlphaPremultiplied {
		flags |= flagAlphaPremultiplied
	}
	w.u8(flags)
	w.f32(b.IntensityTarget)
	w.f32(b.MinNits)
	w.f32(b.LinearBelow)
	if b.HavePreview {
		w.v(uint64(b.Preview.XSize))
		w.v(uint64(b.Preview.YSize))
	}
	if b.HaveAnimation {
		w.v(uint64(b.Animation.TPSNumerator))
		w.v(uint64(b.Animation.TPSDenominator))
		w.v(uint64(b.Animation.NumLoops))
		w.bool(b.Animation.HaveTimecodes)
	}
	if flags&flagIntrinsic != 0 {
		w.v(uint64(b.IntrinsicXSize))
		w.v(uint64(b.IntrinsicYSize))
	}
	for _, ec := range h.extra {
		w.u8(uint8(ec.info.Type))
		w.u8(uint8(ec.info.BitsPerSample))
		w.u8(uint8(ec.info.ExponentBitsPerSample))
		w.bool(ec.info.AlphaPremultiplied)
		w.str(ec.name)
		if ec.info.Type == meta.ChannelSpotColor {
			for _, v := range ec.info.SpotColor {
				w.f32(v)
			}
		}
	}
	return w.b
}

func parseImageHeader(b []byte) (imageHeader, error) {
	r := reader{b: b}
	var h imageHeader
	bi := &h.info
	bi.XSize = r.u32()
	bi.YSize = r.u32()
	bi.BitsPerSample = uint32(r.u8())
	bi.ExponentBitsPerSample = uint32(r.u8())
	bi.NumColorChannels = uint32(r.u8())
	bi.NumExtraChannels = r.u32()
	bi.AlphaBits = uint32(r.u8())
	bi.AlphaExponentBits = uint32(r.u8())
	bi.Orientation = meta.Orientation(r.u8())
	flags := r.u8()
	bi.HavePreview = flags&flagPreview != 0
	bi.HaveAnimation = flags&flagAnimation != 0
	bi.UsesOriginalProfile = flags&flagOriginalProfile != 0
	bi.RelativeToMaxDisplay = flags&flagRelativeToMax != 0
	bi.AlphaPremultiplied = flags&flagAlphaPremultiplied != 0
	bi.IntensityTarget = r.f32()
	bi.MinNits = r.f32()
	bi.LinearBelow = r.f32()
	if bi.HavePreview {
		bi.Preview.XSize = r.u32()
		bi.Preview.YSize = r.u32()
	}
	if bi.HaveAnimation {
		bi.Animation.TPSNumerator = r.u32()
		bi.Animation.TPSDenominator = r.u32()
		bi.Animation.NumLoops = r.u32()
		bi.Animation.HaveTimecodes = r.bool()
	}
	if flags&flagIntrinsic != 0 {
		bi.IntrinsicXSize = r.u32()
		bi.IntrinsicYSize = r.u32()
	} else {
		bi.IntrinsicXSize, bi.IntrinsicYSize = bi.XSize, bi.YSize
	}
	if r.err != nil {
		return imageHeader{}, r.err
	}
	if bi.NumExtraChannels > 256 {
		return imageHeader{}, fmt.Errorf("rawcodec: %d extra channels", bi.NumExtraChannels)
	}
	h.extra = make([]extraChannel, bi.NumExtraChannels)
	for i := range h.extra {
		ec := &h.extra[i]
		ec.info.Type = meta.ExtraChannelType(r.u8())
		ec.info.BitsPerSample = uint32(r.u8())
		ec.info.ExponentBitsPerSample = uint32(r.u8())
		ec.info.AlphaPremultiplied = r.bool()
		ec.name = r.str()
		ec.info.NameLength = uint32(len(ec.name))
		if ec.info.Type == meta.ChannelSpotColor {
			for j := range ec.info.SpotColor {
				ec.info.SpotColor[j] = r.f32()
			}
		}
	}
	if r.err != nil {
		return imageHeader{}, r.err
	}
	if err := bi.Validate(); err != nil {
		return imageHeader{}, err
	}
	return h, nil
}

// alphaChannel returns the index of the first alpha extra channel, or -1.
func (h *imageHeader) alphaChannel() int {
	for i, ec := range h.extra {
		if ec.info.Type == meta.ChannelAlpha {
			return i
		}
	}
	return -1
}

// defaultExtraChannels describes the extra channels of info when the
// encoder was not told more: the first is alpha when AlphaBits is set, the
// rest are optional channels at the image bit depth.
func defaultExtraChannels(info meta.BasicInfo) []extraChannel {
	extra := make([]extraChannel, info.NumExtraChannels)
	for i := range extra {
		ec := &extra[i]
		ec.info = meta.ExtraChannelInfo{
			Type:                  meta.ChannelOptional,
			BitsPerSample:         info.BitsPerSample,
			ExponentBitsPerSample: info.ExponentBitsPerSample,
		}
		if i == 0 && info.AlphaBits > 0 {
			ec.info.Type = meta.ChannelAlpha
			ec.info.BitsPerSample = info.AlphaBits
			ec.info.ExponentBitsPerSample = info.AlphaExponentBits
			ec.info.AlphaPremultiplied = info.AlphaPremultiplied
		}
	}
	return extra
}

// colorSection is either an enumerated encoding or an ICC profile.
type colorSection struct {
	enc     color.Encoding
	profile []byte // nil for an enumerated encoding
}

func (c *colorSection) append(dst []byte) ([]byte, error) {
	if c.profile == nil {
		dst = append(dst, colorEnum)
		return c.enc.AppendRecord(dst), nil
	}
	comp, err := icc.Encode(c.profile)
	if err != nil {
		return nil, err
	}
	dst = append(dst, colorICC)
	return append(dst, comp...), nil
}

func parseColorSection(b []byte) (colorSection, error) {
	if len(b) < 1 {
		return colorSection{}, errShortRecord
	}
	switch b[0] {
	case colorEnum:
		enc, err := color.ParseRecord(b[1:])
		if err != nil {
			return colorSection{}, err
		}
		return colorSection{enc: enc}, nil
	case colorICC:
		p, err := icc.Decode(b[1:])
		if err != nil {
			return colorSection{}, err
		}
		if err := icc.Check(p); err != nil {
			return colorSection{}, err
		}
		return colorSection{profile: p}, nil
	}
	return colorSection{}, fmt.Errorf("rawcodec: unknown color section kind %d", b[0])
}

// frameRecord is a frame header section.
type frameRecord struct {
	header     meta.FrameHeader
	name       string
	groupRows  uint32
	extraBlend []meta.BlendInfo
}

func appendBlend(w *writer, b meta.BlendInfo) {
	w.u8(uint8(b.Mode))
	w.v(uint64(b.Source))
	w.v(uint64(b.Alpha))
	w.bool(b.Clamp)
}

func readBlend(r *reader) meta.BlendInfo {
	return meta.BlendInfo{
		Mode:   meta.BlendMode(r.u8()),
		Source: r.u32(),
		Alpha:  r.u32(),
		Clamp:  r.bool(),
	}
}

func (f *frameRecord) append(dst []byte) []byte {
	h := f.header
	w := writer{b: dst}
	var flags uint8
	if h.IsLast {
		flags |= frameLast
	}
	if h.Layer.HaveCrop {
		flags |= frameCrop
	}
	w.u8(flags)
	w.v(uint64(h.Duration))
	w.v(uint64(h.Timecode))
	w.str(f.name)
	w.v(uint64(f.groupRows))
	if h.Layer.HaveCrop {
		w.signed(h.Layer.CropX0)
		w.signed(h.Layer.CropY0)
		w.v(uint64(h.Layer.XSize))
		w.v(uint64(h.Layer.YSize))
	}
	appendBlend(&w, h.Layer.Blend)
	w.v(uint64(h.Layer.SaveAsReference))
	for _, b := range f.extraBlend {
		appendBlend(&w, b)
	}
	return w.b
}

func parseFrameRecord(b []byte, h *imageHeader) (frameRecord, error) {
	r := reader{b: b}
	var f frameRecord
	flags := r.u8()
	f.header.IsLast = flags&frameLast != 0
	f.header.Duration = r.u32()
	f.header.Timecode = r.u32()
	f.name = r.str()
	f.header.NameLength = uint32(len(f.name))
	f.groupRows = r.u32()
	layer := &f.header.Layer
	if flags&frameCrop != 0 {
		layer.HaveCrop = true
		layer.CropX0 = r.signed()
		layer.CropY0 = r.signed()
		layer.XSize = r.u32()
		layer.YSize = r.u32()
	} else {
		layer.XSize, layer.YSize = h.info.XSize, h.info.YSize
	}
	layer.Blend = readBlend(&r)
	layer.SaveAsReference = r.u32()
	f.extraBlend = make([]meta.BlendInfo, len(h.extra))
	for i := range f.extraBlend {
		f.extraBlend[i] = readBlend(&r)
	}
	if r.err != nil {
		return frameRecord{}, r.err
	}
	if f.groupRows == 0 {
		return frameRecord{}, fmt.Errorf("rawcodec: zero rows per group")
	}
	if layer.XSize == 0 || layer.YSize == 0 {
		return frameRecord{}, fmt.Errorf("rawcodec: empty frame %dx%d", layer.XSize, layer.YSize)
	}
	if layer.Blend.Mode > meta.BlendMul {
		return frameRecord{}, fmt.Errorf("rawcodec: unknown blend mode %d", layer.Blend.Mode)
	}
	return f, nil
}

// groups returns the number of row groups of the frame.
func (f *frameRecord) groups() int {
	return int((uint64(f.header.Layer.YSize) + uint64(f.groupRows) - 1) / uint64(f.groupRows))
}
