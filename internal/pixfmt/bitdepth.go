package pixfmt

// BitDepthType selects how sample values map onto the nominal range.
type BitDepthType uint8

// Bit depth interpretations.
const (
	BitDepthFromPixelFormat BitDepthType = 0
	BitDepthFromCodestream  BitDepthType = 1
	BitDepthCustom          BitDepthType = 2
)

// BitDepth describes the interpretation of input and output sample values.
type BitDepth struct {
	Type                  BitDepthType
	BitsPerSample         uint32
	ExponentBitsPerSample uint32
}

// DefaultBitDepth interprets values according to the pixel format.
var DefaultBitDepth = BitDepth{Type: BitDepthFromPixelFormat, BitsPerSample: 8}

// Resolve returns the effective bits per sample for format f given the
// codestream's own bit depth.
func (b BitDepth) Resolve(f Format, codestreamBits uint32) uint32 {
	switch b.Type {
	case BitDepthFromCodestream:
		return codestreamBits
	case BitDepthCustom:
		return b.BitsPerSample
	}
	return uint32(f.DataType.Bits())
}
