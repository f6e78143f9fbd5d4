package icc

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	for _, n := range []int{128, 560, 3144} {
		profile := Synthetic(n, "mntr")
		enc, err := Encode(profile)
		if err != nil {
			t.Fatalf("Encode(%d): %v", n, err)
		}
		dec, err := Decode(enc)
		if err != nil {
			t.Fatalf("Decode(%d): %v", n, err)
		}
		if !bytes.Equal(dec, profile) {
			t.Errorf("round trip of %d bytes differs", n)
		}
	}
}

func TestEncodeRejectsMalformed(t *testing.T) {
	t.Parallel()

	if _, err := Encode(make([]byte, 64)); err == nil {
		t.Error("short profile accepted")
	}
	p := Synthetic(200, "mntr")
	p[3]++
	if _, err := Encode(p); err == nil {
		t.Error("size mismatch accepted")
	}
}

func TestDecodeSizeMismatch(t *testing.T) {
	t.Parallel()

	enc, err := Encode(Synthetic(300, "scnr"))
	if err != nil {
		t.Fatal(err)
	}
	// Bump the declared size by one; 300 encodes as a two-byte varint.
	enc[1]++
	if _, err := Decode(enc); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("err = %v, want ErrSizeMismatch", err)
	}
}

func TestDecodeIndependentBuffers(t *testing.T) {
	t.Parallel()

	enc, err := Encode(Synthetic(256, "mntr"))
	if err != nil {
		t.Fatal(err)
	}
	a, _ := Decode(enc)
	b, _ := Decode(enc)
	a[0] = 0xEE
	if b[0] == 0xEE {
		t.Error("decoded profiles share storage")
	}
}
