// Package color describes a color encoding by enumerated primaries, white
// point and transfer function, and serializes it as the fixed-size record
// embedded in gain-map bundles and reference codestreams.
package color

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Space is the color space of the encoded image.
type Space uint8

// Color spaces.
const (
	SpaceRGB     Space = 0
	SpaceGray    Space = 1
	SpaceXYB     Space = 2
	SpaceUnknown Space = 3
)

// WhitePoint is a built-in or custom white point.
type WhitePoint uint8

// White points.
const (
	WhiteD65    WhitePoint = 1
	WhiteCustom WhitePoint = 2
	WhiteE      WhitePoint = 10
	WhiteDCI    WhitePoint = 11
)

// Primaries is a built-in or custom set of primaries.
type Primaries uint8

// Primaries.
const (
	PrimariesSRGB   Primaries = 1
	PrimariesCustom Primaries = 2
	Primaries2100   Primaries = 9
	PrimariesP3     Primaries = 11
)

// TransferFunction is a built-in transfer curve or an explicit gamma.
type TransferFunction uint16

// Transfer functions.
const (
	TransferBT709   TransferFunction = 1
	TransferUnknown TransferFunction = 2
	TransferLinear  TransferFunction = 8
	TransferSRGB    TransferFunction = 13
	TransferPQ      TransferFunction = 16
	TransferDCI     TransferFunction = 17
	TransferHLG     TransferFunction = 18
	TransferGamma   TransferFunction = 65535
)

// RenderingIntent is the ICC rendering intent.
type RenderingIntent uint8

// Rendering intents.
const (
	IntentPerceptual RenderingIntent = iota
	IntentRelative
	IntentSaturation
	IntentAbsolute
)

// Encoding is an enumerated color encoding.
type Encoding struct {
	Space            Space
	WhitePoint       WhitePoint
	WhitePointXY     [2]float64
	Primaries        Primaries
	RedXY            [2]float64
	GreenXY          [2]float64
	BlueXY           [2]float64
	TransferFunction TransferFunction
	Gamma            float64
	RenderingIntent  RenderingIntent
}

// SRGB returns the sRGB encoding, or its grayscale variant.
func SRGB(gray bool) Encoding {
	e := Encoding{
		Space:            SpaceRGB,
		WhitePoint:       WhiteD65,
		WhitePointXY:     [2]float64{0.3127, 0.3290},
		Primaries:        PrimariesSRGB,
		RedXY:            [2]float64{0.639998686, 0.330010138},
		GreenXY:          [2]float64{0.300003784, 0.600003357},
		BlueXY:           [2]float64{0.150002046, 0.059997204},
		TransferFunction: TransferSRGB,
		RenderingIntent:  IntentRelative,
	}
	if gray {
		e.Space = SpaceGray
	}
	return e
}

// LinearSRGB returns sRGB primaries with a linear transfer function.
func LinearSRGB(gray bool) Encoding {
	e := SRGB(gray)
	e.TransferFunction = TransferLinear
	return e
}

// Validate checks that enumerated values are known and custom values are
// present where the enums require them.
func (e Encoding) Validate() error {
	if e.Space > SpaceUnknown {
		return fmt.Errorf("color: unknown space %d", e.Space)
	}
	switch e.WhitePoint {
	case WhiteD65, WhiteCustom, WhiteE, WhiteDCI:
	default:
		return fmt.Errorf("color: unknown white point %d", e.WhitePoint)
	}
	switch e.Primaries {
	case PrimariesSRGB, PrimariesCustom, Primaries2100, PrimariesP3:
	default:
		if e.Space != SpaceGray && e.Space != SpaceXYB {
			return fmt.Errorf("color: unknown primaries %d", e.Primaries)
		}
	}
	switch e.TransferFunction {
	case TransferBT709, TransferUnknown, TransferLinear, TransferSRGB, TransferPQ, TransferDCI, TransferHLG:
	case TransferGamma:
		if !(e.Gamma > 0 && e.Gamma <= 1) {
			return fmt.Errorf("color: gamma %v out of (0, 1]", e.Gamma)
		}
	default:
		return fmt.Errorf("color: unknown transfer function %d", e.TransferFunction)
	}
	if e.RenderingIntent > IntentAbsolute {
		return fmt.Errorf("color: unknown rendering intent %d", e.RenderingIntent)
	}
	return nil
}

// RecordSize is the serialized length of an Encoding: five enum bytes
// followed by nine float64 values.
const RecordSize = 5 + 9*8

// gammaByte stands in for TransferGamma in the one-byte record field.
const gammaByte = 0xFF

// ErrShortRecord is returned when a record is truncated.
var ErrShortRecord = errors.New("color: record truncated")

// AppendRecord appends the fixed-size big-endian record for e to dst.
func (e Encoding) AppendRecord(dst []byte) []byte {
	tf := byte(e.TransferFunction)
	if e.TransferFunction == TransferGamma {
		tf = gammaByte
	}
	dst = append(dst, byte(e.Space), byte(e.WhitePoint), byte(e.Primaries), tf, byte(e.RenderingIntent))
	for _, v := range [...]float64{
		e.WhitePointXY[0], e.WhitePointXY[1],
		e.RedXY[0], e.RedXY[1],
		e.GreenXY[0], e.GreenXY[1],
		e.BlueXY[0], e.BlueXY[1],
		e.Gamma,
	} {
		dst = binary.BigEndian.AppendUint64(dst, math.Float64bits(v))
	}
	return dst
}

// ParseRecord decodes a record produced by AppendRecord.
func ParseRecord(b []byte) (Encoding, error) {
	if len(b) < RecordSize {
		return Encoding{}, ErrShortRecord
	}
	e := Encoding{
		Space:            Space(b[0]),
		WhitePoint:       WhitePoint(b[1]),
		Primaries:        Primaries(b[2]),
		TransferFunction: TransferFunction(b[3]),
		RenderingIntent:  RenderingIntent(b[4]),
	}
	if b[3] == gammaByte {
		e.TransferFunction = TransferGamma
	}
	f := func(i int) float64 {
		off := 5 + 8*i
		return math.Float64frombits(binary.BigEndian.Uint64(b[off : off+8]))
	}
	e.WhitePointXY = [2]float64{f(0), f(1)}
	e.RedXY = [2]float64{f(2), f(3)}
	e.GreenXY = [2]float64{f(4), f(5)}
	e.BlueXY = [2]float64{f(6), f(7)}
	e.Gamma = f(8)
	if err := e.Validate(); err != nil {
		return Encoding{}, err
	}
	return e, nil
}
