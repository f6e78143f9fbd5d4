// Package pixfmt describes how decoded or encoded samples are laid out in
// caller memory and computes the buffer sizes that layout implies.
package pixfmt

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/zsiec/jxlstream/internal/codecerr"
)

// DataType is the storage type of one sample.
type DataType uint8

// Sample data types.
const (
	Float   DataType = 0
	Uint8   DataType = 2
	Uint16  DataType = 3
	Float16 DataType = 5
)

// Bits returns the sample width in bits, or 0 for an unknown type.
func (t DataType) Bits() int {
	switch t {
	case Uint8:
		return 8
	case Uint16, Float16:
		return 16
	case Float:
		return 32
	}
	return 0
}

func (t DataType) String() string {
	switch t {
	case Float:
		return "float32"
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Float16:
		return "float16"
	}
	return fmt.Sprintf("DataType(%d)", uint8(t))
}

// Endianness selects the byte order of multi-byte samples.
type Endianness uint8

// Byte orders.
const (
	NativeEndian Endianness = 0
	LittleEndian Endianness = 1
	BigEndian    Endianness = 2
)

// ByteOrder resolves e to a concrete binary.ByteOrder.
func (e Endianness) ByteOrder() binary.ByteOrder {
	switch e {
	case LittleEndian:
		return binary.LittleEndian
	case BigEndian:
		return binary.BigEndian
	}
	return binary.NativeEndian
}

// Format is the caller's description of a pixel buffer. It must stay
// constant between a size query and the matching buffer submission.
type Format struct {
	NumChannels uint32
	DataType    DataType
	Endianness  Endianness
	// Align rounds every row but the last up to a multiple of Align bytes.
	// 0 and 1 both mean no padding.
	Align int
}

// RGB8 is the default interleaved 8-bit RGB format.
var RGB8 = Format{NumChannels: 3, DataType: Uint8}

// RGBA8 is interleaved 8-bit RGBA.
var RGBA8 = Format{NumChannels: 4, DataType: Uint8}

// Validate reports whether f describes a usable layout.
func (f Format) Validate() error {
	if f.NumChannels < 1 || f.NumChannels > 4 {
		return fmt.Errorf("%w: %d channels", codecerr.ErrInvalidFormat, f.NumChannels)
	}
	if f.DataType.Bits() == 0 {
		return fmt.Errorf("%w: data type %d", codecerr.ErrInvalidFormat, uint8(f.DataType))
	}
	if f.Endianness > BigEndian {
		return fmt.Errorf("%w: endianness %d", codecerr.ErrInvalidFormat, uint8(f.Endianness))
	}
	if f.Align < 0 {
		return fmt.Errorf("%w: negative alignment %d", codecerr.ErrInvalidFormat, f.Align)
	}
	return nil
}

// BytesPerPixel returns the size of one interleaved pixel.
func (f Format) BytesPerPixel() int {
	return int(f.NumChannels) * f.DataType.Bits() / 8
}

// RowBytes returns the unpadded length of one row of xsize pixels.
func (f Format) RowBytes(xsize uint32) uint64 {
	bits := uint64(xsize) * uint64(f.NumChannels) * uint64(f.DataType.Bits())
	return (bits + 7) / 8
}

// Stride returns the distance in bytes between the starts of two rows.
func (f Format) Stride(xsize uint32) uint64 {
	row := f.RowBytes(xsize)
	if f.Align > 1 {
		a := uint64(f.Align)
		row = (row + a - 1) / a * a
	}
	return row
}

// BufferSize returns the number of bytes needed to hold an xsize × ysize
// image in format f. The last row is never padded.
func (f Format) BufferSize(xsize, ysize uint32) (uint64, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	if xsize == 0 || ysize == 0 {
		return 0, nil
	}
	row := f.RowBytes(xsize)
	stride := f.Stride(xsize)
	if stride != 0 && uint64(ysize-1) > (math.MaxUint64-row)/stride {
		return 0, fmt.Errorf("%w: %dx%d overflows", codecerr.ErrInvalidFormat, xsize, ysize)
	}
	return stride*uint64(ysize-1) + row, nil
}

// Channel returns a single-channel format sharing f's sample type, byte
// order and alignment. Extra channel buffers use this shape.
func (f Format) Channel() Format {
	return Format{NumChannels: 1, DataType: f.DataType, Endianness: f.Endianness, Align: f.Align}
}

func (f Format) String() string {
	return fmt.Sprintf("%dx%s/%d", f.NumChannels, f.DataType, f.Align)
}
