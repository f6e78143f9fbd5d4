package rawcodec

import (
	"encoding/binary"
	"math"

	"github.com/zsiec/jxlstream/internal/color"
	"github.com/zsiec/jxlstream/internal/meta"
	"github.com/zsiec/jxlstream/internal/pixfmt"
)

// channelCodec stores one channel of a canonical pixel. Integer channels
// keep exactly their bit depth; float channels are stored as float32.
type channelCodec struct {
	width int
	float bool
	max   float64
}

func newChannelCodec(bits, expBits uint32) channelCodec {
	switch {
	case expBits > 0 || bits > 16:
		return channelCodec{width: 4, float: true}
	case bits <= 8:
		return channelCodec{width: 1, max: float64(uint32(1)<<bits - 1)}
	}
	return channelCodec{width: 2, max: float64(uint32(1)<<bits - 1)}
}

func (c channelCodec) put(b []byte, v float64) {
	if c.float {
		binary.BigEndian.PutUint32(b, math.Float32bits(float32(v)))
		return
	}
	q := math.Round(clamp01(v) * c.max)
	if c.width == 1 {
		b[0] = byte(q)
		return
	}
	binary.BigEndian.PutUint16(b, uint16(q))
}

func (c channelCodec) get(b []byte) float64 {
	switch {
	case c.float:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
	case c.width == 1:
		return float64(b[0]) / c.max
	}
	return float64(binary.BigEndian.Uint16(b)) / c.max
}

// pixelLayout is the canonical interleaved layout: color channels then
// extra channels.
type pixelLayout struct {
	chans []channelCodec
	size  int
}

func newPixelLayout(h *imageHeader) pixelLayout {
	var l pixelLayout
	for range h.info.NumColorChannels {
		l.chans = append(l.chans, newChannelCodec(h.info.BitsPerSample, h.info.ExponentBitsPerSample))
	}
	for _, ec := range h.extra {
		l.chans = append(l.chans, newChannelCodec(ec.info.BitsPerSample, ec.info.ExponentBitsPerSample))
	}
	for _, c := range l.chans {
		l.size += c.width
	}
	return l
}

// colorLayout covers only the color channels; previews use it.
func newColorLayout(h *imageHeader) pixelLayout {
	c := newChannelCodec(h.info.BitsPerSample, h.info.ExponentBitsPerSample)
	l := pixelLayout{}
	for range h.info.NumColorChannels {
		l.chans = append(l.chans, c)
		l.size += c.width
	}
	return l
}

func (l pixelLayout) encode(dst []byte, px []float32) {
	off := 0
	for i, c := range l.chans {
		c.put(dst[off:], float64(px[i]))
		off += c.width
	}
}

func (l pixelLayout) decode(px []float32, src []byte) {
	off := 0
	for i, c := range l.chans {
		px[i] = float32(c.get(src[off:]))
		off += c.width
	}
}

// sampleIO reads and writes samples of a caller pixel format.
type sampleIO struct {
	t     pixfmt.DataType
	order binary.ByteOrder
	scale float64
	size  int
}

// newSampleIO prepares access to format f with integer values spanning
// bits. Zero bits means the full range of the data type.
func newSampleIO(f pixfmt.Format, bits uint32) sampleIO {
	s := sampleIO{t: f.DataType, order: f.Endianness.ByteOrder(), size: f.DataType.Bits() / 8}
	switch f.DataType {
	case pixfmt.Uint8, pixfmt.Uint16:
		tb := uint32(f.DataType.Bits())
		if bits == 0 || bits > tb {
			bits = tb
		}
		s.scale = float64(uint32(1)<<bits - 1)
	}
	return s
}

func (s sampleIO) read(b []byte) float64 {
	switch s.t {
	case pixfmt.Uint8:
		return float64(b[0]) / s.scale
	case pixfmt.Uint16:
		return float64(s.order.Uint16(b)) / s.scale
	case pixfmt.Float16:
		return float64(halfToFloat(s.order.Uint16(b)))
	}
	return float64(math.Float32frombits(s.order.Uint32(b)))
}

func (s sampleIO) write(b []byte, v float64) {
	switch s.t {
	case pixfmt.Uint8:
		b[0] = byte(math.Round(clamp01(v) * s.scale))
	case pixfmt.Uint16:
		s.order.PutUint16(b, uint16(math.Round(clamp01(v)*s.scale)))
	case pixfmt.Float16:
		s.order.PutUint16(b, floatToHalf(float32(v)))
	default:
		s.order.PutUint32(b, math.Float32bits(float32(v)))
	}
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}

// halfToFloat converts an IEEE 754 binary16 value.
func halfToFloat(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h) & 0x3ff
	switch {
	case exp == 0 && frac == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// Subnormal: normalize.
		e := uint32(127 - 15 + 1)
		for frac&0x400 == 0 {
			frac <<= 1
			e--
		}
		frac &= 0x3ff
		return math.Float32frombits(sign | e<<23 | frac<<13)
	case exp == 0x1f:
		return math.Float32frombits(sign | 0xff<<23 | frac<<13)
	}
	return math.Float32frombits(sign | (exp+127-15)<<23 | frac<<13)
}

// floatToHalf converts to binary16 with round-to-nearest-even.
func floatToHalf(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int32(bits>>23&0xff) - 127 + 15
	frac := bits & 0x7fffff
	switch {
	case bits&0x7fffffff == 0:
		return sign
	case bits>>23&0xff == 0xff:
		if frac != 0 {
			return sign | 0x7e00
		}
		return sign | 0x7c00
	case exp >= 0x1f:
		return sign | 0x7c00
	case exp <= 0:
		if exp < -10 {
			return sign
		}
		frac |= 0x800000
		shift := uint32(14 - exp)
		half := uint16(frac >> shift)
		rem := frac & (1<<shift - 1)
		mid := uint32(1) << (shift - 1)
		if rem > mid || rem == mid && half&1 == 1 {
			half++
		}
		return sign | half
	}
	half := sign | uint16(exp)<<10 | uint16(frac>>13)
	rem := frac & 0x1fff
	if rem > 0x1000 || rem == 0x1000 && half&1 == 1 {
		half++
	}
	return half
}

// linearizable reports whether samples in tf can be converted to and from
// linear light here.
func linearizable(tf color.TransferFunction) bool {
	switch tf {
	case color.TransferSRGB, color.TransferLinear, color.TransferGamma, color.TransferBT709:
		return true
	}
	return false
}

func toLinear(e *color.Encoding, v float64) float64 {
	switch e.TransferFunction {
	case color.TransferSRGB:
		if v <= 0.04045 {
			return v / 12.92
		}
		return math.Pow((v+0.055)/1.055, 2.4)
	case color.TransferBT709:
		if v < 0.081 {
			return v / 4.5
		}
		return math.Pow((v+0.099)/1.099, 1/0.45)
	case color.TransferGamma:
		return math.Pow(max(v, 0), 1/e.Gamma)
	}
	return v
}

func fromLinear(e *color.Encoding, v float64) float64 {
	switch e.TransferFunction {
	case color.TransferSRGB:
		if v <= 0.0031308 {
			return v * 12.92
		}
		return 1.055*math.Pow(v, 1/2.4) - 0.055
	case color.TransferBT709:
		if v < 0.018 {
			return v * 4.5
		}
		return 1.099*math.Pow(v, 0.45) - 0.099
	case color.TransferGamma:
		return math.Pow(max(v, 0), e.Gamma)
	}
	return v
}

// convertible reports whether pixels in from can be delivered in to by a
// transfer function change alone.
func convertible(from, to color.Encoding) bool {
	return from.Space == to.Space &&
		from.Space != color.SpaceXYB &&
		from.WhitePoint == to.WhitePoint &&
		(from.Space == color.SpaceGray || from.Primaries == to.Primaries) &&
		linearizable(from.TransferFunction) &&
		linearizable(to.TransferFunction)
}

// source maps displayed coordinates back to encoded ones for an image of
// encoded size w × h.
func source(o meta.Orientation, dx, dy, w, h int) (int, int) {
	switch o {
	case meta.OrientFlipHorizontal:
		return w - 1 - dx, dy
	case meta.OrientRotate180:
		return w - 1 - dx, h - 1 - dy
	case meta.OrientFlipVertical:
		return dx, h - 1 - dy
	case meta.OrientTranspose:
		return dy, dx
	case meta.OrientRotate90CW:
		return dy, h - 1 - dx
	case meta.OrientAntiTranspose:
		return w - 1 - dy, h - 1 - dx
	case meta.OrientRotate90CCW:
		return w - 1 - dy, dx
	}
	return dx, dy
}
