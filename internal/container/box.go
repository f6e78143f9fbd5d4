package container

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Type is a four-character box type.
type Type [4]byte

// Well-known box types.
var (
	TypeSignature  = Type{'J', 'X', 'L', ' '}
	TypeFileType   = Type{'f', 't', 'y', 'p'}
	TypeCodestream = Type{'j', 'x', 'l', 'c'}
	TypePartial    = Type{'j', 'x', 'l', 'p'}
	TypeLevel      = Type{'j', 'x', 'l', 'l'}
	TypeIndex      = Type{'j', 'x', 'l', 'i'}
	TypeJPEGRecon  = Type{'j', 'b', 'r', 'd'}
	TypeExif       = Type{'E', 'x', 'i', 'f'}
	TypeXML        = Type{'x', 'm', 'l', ' '}
	TypeJUMBF      = Type{'j', 'u', 'm', 'b'}
	TypeBrotli     = Type{'b', 'r', 'o', 'b'}
	TypeGainMap    = Type{'j', 'h', 'g', 'm'}
)

// ParseType converts a four-character string to a Type.
func ParseType(s string) (Type, error) {
	if len(s) != 4 {
		return Type{}, fmt.Errorf("container: box type %q is not four bytes", s)
	}
	var t Type
	copy(t[:], s)
	return t, nil
}

func (t Type) String() string { return string(t[:]) }

// Codestream reports whether boxes of this type carry codestream bytes.
func (t Type) Codestream() bool { return t == TypeCodestream || t == TypePartial }

// ErrShortHeader is returned by ParseHeader when more bytes are needed.
var ErrShortHeader = errors.New("container: box header truncated")

// Header is a parsed box header.
type Header struct {
	Type Type
	// Size is the raw box size including the header. Zero when Open.
	Size uint64
	// HeaderLen is 8, or 16 for boxes with a 64-bit size.
	HeaderLen int
	// Open boxes extend to the end of the stream.
	Open bool
}

// ContentSize returns the payload length, or false for open boxes.
func (h Header) ContentSize() (uint64, bool) {
	if h.Open {
		return 0, false
	}
	return h.Size - uint64(h.HeaderLen), true
}

// ParseHeader reads a box header from the front of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < 8 {
		return Header{}, ErrShortHeader
	}
	h := Header{HeaderLen: 8}
	size := uint64(binary.BigEndian.Uint32(b[0:4]))
	copy(h.Type[:], b[4:8])
	switch size {
	case 0:
		h.Open = true
	case 1:
		if len(b) < 16 {
			return Header{}, ErrShortHeader
		}
		h.HeaderLen = 16
		size = binary.BigEndian.Uint64(b[8:16])
		if size < 16 {
			return Header{}, fmt.Errorf("container: box %s size %d smaller than its header", h.Type, size)
		}
	default:
		if size < 8 {
			return Header{}, fmt.Errorf("container: box %s size %d smaller than its header", h.Type, size)
		}
	}
	h.Size = size
	return h, nil
}

// AppendHeader appends a header for a box of type t with n payload bytes.
func AppendHeader(dst []byte, t Type, n uint64) []byte {
	if n+8 > math.MaxUint32 {
		dst = binary.BigEndian.AppendUint32(dst, 1)
		dst = append(dst, t[:]...)
		return binary.BigEndian.AppendUint64(dst, n+16)
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(n+8))
	return append(dst, t[:]...)
}

// AppendBox appends a complete box.
func AppendBox(dst []byte, t Type, payload []byte) []byte {
	dst = AppendHeader(dst, t, uint64(len(payload)))
	return append(dst, payload...)
}

// AppendFileType appends the ftyp box every container starts with after
// the signature.
func AppendFileType(dst []byte) []byte {
	return AppendBox(dst, TypeFileType, []byte{'j', 'x', 'l', ' ', 0, 0, 0, 0, 'j', 'x', 'l', ' '})
}

// lastPartial marks the final jxlp box in its 4-byte index.
const lastPartial = 1 << 31

// AppendPartial appends a jxlp box holding one piece of the codestream.
func AppendPartial(dst []byte, index uint32, last bool, piece []byte) []byte {
	idx := index &^ lastPartial
	if last {
		idx |= lastPartial
	}
	dst = AppendHeader(dst, TypePartial, uint64(4+len(piece)))
	dst = binary.BigEndian.AppendUint32(dst, idx)
	return append(dst, piece...)
}

// ParsePartialIndex decodes the index prefix of a jxlp payload.
func ParsePartialIndex(b []byte) (index uint32, last bool, err error) {
	if len(b) < 4 {
		return 0, false, fmt.Errorf("container: jxlp index truncated")
	}
	v := binary.BigEndian.Uint32(b)
	return v &^ lastPartial, v&lastPartial != 0, nil
}

// Box is one box of a fully buffered container.
type Box struct {
	Header
	Payload []byte
}

// Walk calls fn for every box in data, which must hold a complete
// container starting with the signature box. Payloads alias data.
func Walk(data []byte, fn func(Box) error) error {
	if CheckSignature(data) != Container {
		return fmt.Errorf("container: missing signature box")
	}
	for off := 0; off < len(data); {
		h, err := ParseHeader(data[off:])
		if err != nil {
			return fmt.Errorf("container: box at %d: %w", off, err)
		}
		end := uint64(len(data))
		if !h.Open {
			if h.Size > uint64(len(data)-off) {
				return fmt.Errorf("container: box %s at %d overruns input", h.Type, off)
			}
			end = uint64(off) + h.Size
		}
		if err := fn(Box{Header: h, Payload: data[off+h.HeaderLen : end]}); err != nil {
			return err
		}
		off = int(end)
	}
	return nil
}
