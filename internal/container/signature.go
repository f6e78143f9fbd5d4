// Package container recognizes the two framings an encoded image can arrive
// in (a bare codestream or an ISO BMFF-style box container) and reads and
// writes container boxes, including brotli-compressed brob boxes.
package container

import "bytes"

// Signature is the result of inspecting the first bytes of a stream.
type Signature int

// Signature results.
const (
	// NotEnoughBytes means the prefix matches so far but is too short to
	// decide.
	NotEnoughBytes Signature = iota
	Invalid
	Codestream
	Container
)

func (s Signature) String() string {
	switch s {
	case NotEnoughBytes:
		return "not-enough-bytes"
	case Invalid:
		return "invalid"
	case Codestream:
		return "codestream"
	case Container:
		return "container"
	}
	return "unknown"
}

var (
	codestreamMarker = []byte{0xFF, 0x0A}
	containerMagic   = []byte{0x00, 0x00, 0x00, 0x0C, 'J', 'X', 'L', ' ', 0x0D, 0x0A, 0x87, 0x0A}
)

// CodestreamMarker returns a copy of the bare codestream marker.
func CodestreamMarker() []byte { return bytes.Clone(codestreamMarker) }

// Magic returns a copy of the 12-byte container signature box.
func Magic() []byte { return bytes.Clone(containerMagic) }

// CheckSignature classifies prefix. Two bytes are enough to recognize a
// codestream; a container needs all twelve signature bytes.
func CheckSignature(prefix []byte) Signature {
	if len(prefix) == 0 {
		return NotEnoughBytes
	}
	if matchPrefix(prefix, codestreamMarker) {
		if len(prefix) < len(codestreamMarker) {
			return NotEnoughBytes
		}
		return Codestream
	}
	if matchPrefix(prefix, containerMagic) {
		if len(prefix) < len(containerMagic) {
			return NotEnoughBytes
		}
		return Container
	}
	return Invalid
}

// matchPrefix reports whether the overlapping parts of b and sig agree.
func matchPrefix(b, sig []byte) bool {
	n := min(len(b), len(sig))
	return bytes.Equal(b[:n], sig[:n])
}
