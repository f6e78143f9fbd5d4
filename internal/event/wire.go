package event

import (
	"fmt"
	"strings"
)

// wireCodes maps each kind to its bitmask-compatible status code. The state
// machines never branch on these numbers; they exist for callers that speak
// the integer protocol.
var wireCodes = [kindCount]uint32{
	KindDone:               0,
	KindError:              1,
	KindNeedMoreInput:      2,
	KindNeedPreviewBuffer:  3,
	KindNeedImageBuffer:    5,
	KindJPEGNeedMoreOutput: 6,
	KindBoxNeedMoreOutput:  7,
	KindBasicInfo:          0x40,
	KindColorEncoding:      0x100,
	KindPreviewImage:       0x200,
	KindFrame:              0x400,
	KindFullImage:          0x1000,
	KindJPEGReconstruction: 0x2000,
	KindBox:                0x4000,
	KindFrameProgression:   0x8000,
	KindBoxComplete:        0x10000,
}

var kindsByWire = func() map[uint32]Kind {
	m := make(map[uint32]Kind, kindCount)
	for k, code := range wireCodes {
		m[code] = Kind(k)
	}
	return m
}()

// Wire returns the integer status code for k.
func (k Kind) Wire() uint32 {
	if k < 0 || k >= kindCount {
		return wireCodes[KindError]
	}
	return wireCodes[k]
}

// FromWire returns the kind for an integer status code.
func FromWire(code uint32) (Kind, error) {
	k, ok := kindsByWire[code]
	if !ok {
		return KindError, fmt.Errorf("event: unknown status code %#x", code)
	}
	return k, nil
}

// Mask is an OR-combination of informational event wire codes.
type Mask uint32

// All subscribes to every informational event.
const All Mask = 0x40 | 0x100 | 0x200 | 0x400 | 0x1000 | 0x2000 | 0x4000 | 0x8000 | 0x10000

// Subscribe builds a mask from informational kinds. Non-informational
// kinds are rejected because they are always surfaced.
func Subscribe(kinds ...Kind) (Mask, error) {
	var m Mask
	for _, k := range kinds {
		if !k.Informational() {
			return 0, fmt.Errorf("event: %s cannot be subscribed to", k)
		}
		m |= Mask(k.Wire())
	}
	return m, nil
}

// MustSubscribe is like Subscribe but panics on a non-informational kind.
func MustSubscribe(kinds ...Kind) Mask {
	m, err := Subscribe(kinds...)
	if err != nil {
		panic(err)
	}
	return m
}

// Has reports whether k is subscribed. Non-informational kinds are always
// reported as subscribed.
func (m Mask) Has(k Kind) bool {
	if !k.Informational() {
		return true
	}
	return uint32(m)&k.Wire() != 0
}

// Valid reports whether m only contains informational codes.
func (m Mask) Valid() bool {
	return m&^All == 0
}

func (m Mask) String() string {
	var names []string
	for k := KindBasicInfo; k < kindCount; k++ {
		if m.Has(k) {
			names = append(names, k.String())
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}
