// Package gainmap serializes the payload of a jhgm box: gain-map metadata,
// an optional alternate color encoding and compressed ICC profile, and the
// gain-map codestream itself.
//
// Layout, all integers big endian:
//
//	version        u8
//	metadata size  u16, then metadata
//	color flag     u8, then a color.RecordSize record when set
//	alt ICC size   u32, then the compressed alternate ICC profile
//	gain map size  u32, then the gain-map codestream
package gainmap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/zsiec/jxlstream/internal/color"
)

// ErrShortBuffer is returned by Write when dst cannot hold the bundle.
var ErrShortBuffer = errors.New("gainmap: destination too small")

// ErrTruncated is returned by Read when src ends inside a field.
var ErrTruncated = errors.New("gainmap: bundle truncated")

// Bundle is a decoded gain-map bundle. The byte slices returned by Read
// alias the source buffer and must not outlive it.
type Bundle struct {
	Version          uint8
	Metadata         []byte
	HasColorEncoding bool
	ColorEncoding    color.Encoding
	AltICC           []byte // compressed, see package icc
	GainMap          []byte
}

// Size returns the exact number of bytes Write produces for b.
func Size(b *Bundle) (int, error) {
	if len(b.Metadata) > math.MaxUint16 {
		return 0, fmt.Errorf("gainmap: metadata of %d bytes exceeds u16 size field", len(b.Metadata))
	}
	if uint64(len(b.AltICC)) > math.MaxUint32 || uint64(len(b.GainMap)) > math.MaxUint32 {
		return 0, fmt.Errorf("gainmap: field exceeds u32 size")
	}
	n := 1 + 2 + len(b.Metadata) + 1 + 4 + len(b.AltICC) + 4 + len(b.GainMap)
	if b.HasColorEncoding {
		n += color.RecordSize
	}
	return n, nil
}

// Write serializes b into dst and returns the number of bytes written.
func Write(b *Bundle, dst []byte) (int, error) {
	n, err := Size(b)
	if err != nil {
		return 0, err
	}
	if len(dst) < n {
		return 0, fmt.Errorf("%w: need %d, have %d", ErrShortBuffer, n, len(dst))
	}
	out := dst[:0]
	out = append(out, b.Version)
	out = binary.BigEndian.AppendUint16(out, uint16(len(b.Metadata)))
	out = append(out, b.Metadata...)
	if b.HasColorEncoding {
		out = append(out, 1)
		out = b.ColorEncoding.AppendRecord(out)
	} else {
		out = append(out, 0)
	}
	out = binary.BigEndian.AppendUint32(out, uint32(len(b.AltICC)))
	out = append(out, b.AltICC...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(b.GainMap)))
	out = append(out, b.GainMap...)
	return len(out), nil
}

// Read parses a bundle from the front of src and returns the number of
// bytes it spans.
func Read(src []byte) (Bundle, int, error) {
	r := reader{buf: src}
	var b Bundle
	var err error

	if b.Version, err = r.u8("version"); err != nil {
		return Bundle{}, 0, err
	}
	mlen, err := r.u16("metadata size")
	if err != nil {
		return Bundle{}, 0, err
	}
	if b.Metadata, err = r.bytes("metadata", int(mlen)); err != nil {
		return Bundle{}, 0, err
	}
	flag, err := r.u8("color flag")
	if err != nil {
		return Bundle{}, 0, err
	}
	if flag > 1 {
		return Bundle{}, 0, fmt.Errorf("gainmap: color flag %d", flag)
	}
	if flag == 1 {
		rec, err := r.bytes("color encoding", color.RecordSize)
		if err != nil {
			return Bundle{}, 0, err
		}
		if b.ColorEncoding, err = color.ParseRecord(rec); err != nil {
			return Bundle{}, 0, fmt.Errorf("gainmap: color encoding: %w", err)
		}
		b.HasColorEncoding = true
	}
	ilen, err := r.u32("alt icc size")
	if err != nil {
		return Bundle{}, 0, err
	}
	if b.AltICC, err = r.bytes("alt icc", int(ilen)); err != nil {
		return Bundle{}, 0, err
	}
	glen, err := r.u32("gain map size")
	if err != nil {
		return Bundle{}, 0, err
	}
	if b.GainMap, err = r.bytes("gain map", int(glen)); err != nil {
		return Bundle{}, 0, err
	}
	return b, r.off, nil
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) need(field string, n int) error {
	if n < 0 || len(r.buf)-r.off < n {
		return fmt.Errorf("%w: %s", ErrTruncated, field)
	}
	return nil
}

func (r *reader) u8(field string) (uint8, error) {
	if err := r.need(field, 1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *reader) u16(field string) (uint16, error) {
	if err := r.need(field, 2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32(field string) (uint32, error) {
	if err := r.need(field, 4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) bytes(field string, n int) ([]byte, error) {
	if err := r.need(field, n); err != nil {
		return nil, err
	}
	v := r.buf[r.off : r.off+n : r.off+n]
	r.off += n
	return v, nil
}
