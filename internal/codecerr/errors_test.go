package codecerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassUnknown},
		{"corrupt sentinel", ErrDecodeCorrupt, ClassCorrupt},
		{"truncated", ErrTruncatedStream, ClassCorrupt},
		{"wrapped undersized", fmt.Errorf("set buffer: %w", ErrUndersizedBuffer), ClassSequence},
		{"sequence helper", Sequence("process", "buffer not supplied"), ClassSequence},
		{"corrupt helper", Corrupt("box", "size %d beyond input", 12), ClassCorrupt},
		{"unsupported", Unsupported("skip_frames"), ClassUnsupported},
		{"missing capability", ErrMissingCapability, ClassUnsupported},
		{"output limit", New("grow", ErrOutputLimit), ClassResource},
		{"foreign", errors.New("boom"), ClassUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ClassOf(tt.err); got != tt.want {
				t.Errorf("ClassOf(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	t.Parallel()

	err := Sequence("set_decompress_boxes", "box %q open", "Exif")
	if !errors.Is(err, ErrAPISequence) {
		t.Fatal("sequence error should wrap ErrAPISequence")
	}
	wrapped := fmt.Errorf("outer: %w", err)
	var ce *Error
	if !errors.As(wrapped, &ce) {
		t.Fatal("errors.As should find *Error")
	}
	if ce.Op != "set_decompress_boxes" {
		t.Errorf("Op = %q, want set_decompress_boxes", ce.Op)
	}
}

func TestIsFatal(t *testing.T) {
	t.Parallel()

	if !IsFatal(Corrupt("basic_info", "bad size")) {
		t.Error("corrupt error should be fatal")
	}
	if !IsFatal(New("process", ErrTruncatedStream)) {
		t.Error("truncated stream should be fatal")
	}
	if IsFatal(ErrUndersizedBuffer) {
		t.Error("undersized buffer should not be fatal")
	}
	if IsRetryable(ErrUndersizedBuffer) {
		t.Error("undersized buffer is a sequence error, not retryable")
	}
}
