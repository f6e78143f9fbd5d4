package container

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

// Compress returns the payload of a brob box wrapping a box of type t: the
// inner type followed by the brotli-compressed contents.
func Compress(t Type, contents []byte, level int) ([]byte, error) {
	if t == TypeBrotli || t.Codestream() || t == TypeSignature || t == TypeFileType || t == TypeLevel {
		return nil, fmt.Errorf("container: box type %s may not be brotli-compressed", t)
	}
	var buf bytes.Buffer
	buf.Write(t[:])
	w := brotli.NewWriterLevel(&buf, level)
	if _, err := w.Write(contents); err != nil {
		return nil, fmt.Errorf("container: brob compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("container: brob compress: %w", err)
	}
	return buf.Bytes(), nil
}

// InnerType returns the real type of a brob box from its first payload bytes.
func InnerType(payload []byte) (Type, bool) {
	if len(payload) < 4 {
		return Type{}, false
	}
	var t Type
	copy(t[:], payload[:4])
	return t, true
}

// Decompress unwraps a brob payload.
func Decompress(payload []byte) (Type, []byte, error) {
	t, ok := InnerType(payload)
	if !ok {
		return Type{}, nil, fmt.Errorf("container: brob payload truncated")
	}
	out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(payload[4:])))
	if err != nil {
		return Type{}, nil, fmt.Errorf("container: brob decompress %s: %w", t, err)
	}
	return t, out, nil
}
