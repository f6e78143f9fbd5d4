// Package icc compresses ICC color profiles for embedding in a stream. The
// compressed form is the uncompressed length as a QUIC varint followed by a
// brotli stream. Every call works on buffers it owns; there is no shared
// state.
package icc

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/quic-go/quic-go/quicvarint"
)

// MaxProfileSize bounds the declared size of a profile accepted by Decode.
const MaxProfileSize = 1 << 28

// ErrSizeMismatch is returned when the decompressed length disagrees with the
// declared length.
var ErrSizeMismatch = errors.New("icc: decompressed size mismatch")

// headerSize is the fixed ICC profile header length.
const headerSize = 128

// Encode compresses profile. The profile must at least hold an ICC header
// whose declared size matches its length.
func Encode(profile []byte) ([]byte, error) {
	if err := Check(profile); err != nil {
		return nil, err
	}
	out := quicvarint.Append(make([]byte, 0, len(profile)/2+8), uint64(len(profile)))
	buf := bytes.NewBuffer(out)
	w := brotli.NewWriterLevel(buf, brotli.BestCompression)
	if _, err := w.Write(profile); err != nil {
		return nil, fmt.Errorf("icc: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("icc: compress: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode.
func Decode(compressed []byte) ([]byte, error) {
	size, n, err := quicvarint.Parse(compressed)
	if err != nil {
		return nil, fmt.Errorf("icc: parse size: %w", err)
	}
	if size > MaxProfileSize {
		return nil, fmt.Errorf("icc: declared size %d exceeds limit", size)
	}
	out := make([]byte, size)
	r := brotli.NewReader(bytes.NewReader(compressed[n:]))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSizeMismatch, err)
	}
	var probe [1]byte
	if m, _ := r.Read(probe[:]); m != 0 {
		return nil, fmt.Errorf("%w: trailing data", ErrSizeMismatch)
	}
	return out, nil
}

// Check validates the profile header enough to catch truncation.
func Check(profile []byte) error {
	if len(profile) < headerSize {
		return fmt.Errorf("icc: profile of %d bytes shorter than header", len(profile))
	}
	declared := uint32(profile[0])<<24 | uint32(profile[1])<<16 | uint32(profile[2])<<8 | uint32(profile[3])
	if int(declared) != len(profile) {
		return fmt.Errorf("icc: header declares %d bytes, have %d", declared, len(profile))
	}
	if string(profile[36:40]) != "acsp" {
		return fmt.Errorf("icc: missing acsp signature")
	}
	return nil
}

// Synthetic returns a minimal well-formed profile of n bytes, n >= 128,
// tagged with the given device class. It carries no tag table and is meant
// for tests and examples.
func Synthetic(n int, class string) []byte {
	n = max(n, headerSize)
	p := make([]byte, n)
	p[0], p[1], p[2], p[3] = byte(n>>24), byte(n>>16), byte(n>>8), byte(n)
	copy(p[12:16], class)
	copy(p[16:20], "RGB ")
	copy(p[20:24], "XYZ ")
	copy(p[36:40], "acsp")
	for i := headerSize; i < n; i++ {
		p[i] = byte(i % 7)
	}
	return p
}
