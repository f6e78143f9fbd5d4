// Package meta holds the image and frame metadata records produced by a
// codec backend: basic image information, extra channel descriptions, and
// per-frame headers with their blend and layer information.
package meta

import "fmt"

// Orientation is the EXIF-compatible transform from encoded to displayed
// image. Values 1 through 8 match the EXIF definitions.
type Orientation uint8

// Orientations.
const (
	OrientIdentity       Orientation = 1
	OrientFlipHorizontal Orientation = 2
	OrientRotate180      Orientation = 3
	OrientFlipVertical   Orientation = 4
	OrientTranspose      Orientation = 5
	OrientRotate90CW     Orientation = 6
	OrientAntiTranspose  Orientation = 7
	OrientRotate90CCW    Orientation = 8
)

// Valid reports whether o is one of the eight defined orientations.
func (o Orientation) Valid() bool {
	return o >= OrientIdentity && o <= OrientRotate90CCW
}

// SwapsAxes reports whether displaying the image exchanges width and height.
func (o Orientation) SwapsAxes() bool {
	return o >= OrientTranspose && o <= OrientRotate90CCW
}

// PreviewHeader gives the dimensions of the embedded preview image.
type PreviewHeader struct {
	XSize uint32
	YSize uint32
}

// AnimationHeader describes animation timing.
type AnimationHeader struct {
	TPSNumerator   uint32
	TPSDenominator uint32
	NumLoops       uint32
	HaveTimecodes  bool
}

// BasicInfo is the immutable-once-read image metadata of one stream.
type BasicInfo struct {
	HaveContainer         bool
	XSize                 uint32
	YSize                 uint32
	BitsPerSample         uint32
	ExponentBitsPerSample uint32
	IntensityTarget       float32
	MinNits               float32
	RelativeToMaxDisplay  bool
	LinearBelow           float32
	UsesOriginalProfile   bool
	HavePreview           bool
	HaveAnimation         bool
	Orientation           Orientation
	NumColorChannels      uint32
	NumExtraChannels      uint32
	AlphaBits             uint32
	AlphaExponentBits     uint32
	AlphaPremultiplied    bool
	Preview               PreviewHeader
	Animation             AnimationHeader
	IntrinsicXSize        uint32
	IntrinsicYSize        uint32
}

// DefaultBasicInfo returns the values an encoder starts from: an 8-bit
// sRGB-intended RGB image with no extra channels.
func DefaultBasicInfo() BasicInfo {
	return BasicInfo{
		BitsPerSample:       8,
		IntensityTarget:     255,
		Orientation:         OrientIdentity,
		NumColorChannels:    3,
		UsesOriginalProfile: false,
		Animation:           AnimationHeader{TPSNumerator: 10, TPSDenominator: 1},
	}
}

// Validate checks internal consistency of the record.
func (b BasicInfo) Validate() error {
	if b.XSize == 0 || b.YSize == 0 {
		return fmt.Errorf("meta: invalid dimensions %dx%d", b.XSize, b.YSize)
	}
	if b.NumColorChannels != 1 && b.NumColorChannels != 3 {
		return fmt.Errorf("meta: %d color channels, want 1 or 3", b.NumColorChannels)
	}
	if b.BitsPerSample == 0 || b.BitsPerSample > 32 {
		return fmt.Errorf("meta: bits per sample %d out of range", b.BitsPerSample)
	}
	if !b.Orientation.Valid() {
		return fmt.Errorf("meta: orientation %d out of range", b.Orientation)
	}
	if b.AlphaBits > 0 && b.NumExtraChannels == 0 {
		return fmt.Errorf("meta: alpha bits set without an extra channel")
	}
	if b.HavePreview && (b.Preview.XSize == 0 || b.Preview.YSize == 0) {
		return fmt.Errorf("meta: preview flagged with empty dimensions")
	}
	return nil
}

// DisplaySize returns the dimensions after applying the orientation.
func (b BasicInfo) DisplaySize() (uint32, uint32) {
	if b.Orientation.SwapsAxes() {
		return b.YSize, b.XSize
	}
	return b.XSize, b.YSize
}

// ExtraChannelType is the semantic role of an extra channel.
type ExtraChannelType uint8

// Extra channel types.
const (
	ChannelAlpha ExtraChannelType = iota
	ChannelDepth
	ChannelSpotColor
	ChannelSelectionMask
	ChannelBlack
	ChannelCFA
	ChannelThermal
	ChannelReserved0
	ChannelReserved1
	ChannelReserved2
	ChannelReserved3
	ChannelReserved4
	ChannelReserved5
	ChannelReserved6
	ChannelReserved7
	ChannelUnknown
	ChannelOptional
)

// ExtraChannelInfo describes one extra channel.
type ExtraChannelInfo struct {
	Type                  ExtraChannelType
	BitsPerSample         uint32
	ExponentBitsPerSample uint32
	DimShift              uint32
	NameLength            uint32
	AlphaPremultiplied    bool
	SpotColor             [4]float32
	CFAChannel            uint32
}
