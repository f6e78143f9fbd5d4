package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zsiec/jxlstream/internal/container"
	"github.com/zsiec/jxlstream/internal/gainmap"
)

func testImage(w, h int, alpha uint8) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 9), G: uint8(y * 5), B: uint8(x ^ y), A: alpha})
		}
	}
	return img
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readPNG(t *testing.T, path string) image.Image {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return img
}

func samePixels(t *testing.T, got image.Image, want *image.NRGBA) {
	t.Helper()
	if got.Bounds().Size() != want.Bounds().Size() {
		t.Fatalf("size = %v, want %v", got.Bounds().Size(), want.Bounds().Size())
	}
	for y := range want.Bounds().Dy() {
		for x := range want.Bounds().Dx() {
			g := color.NRGBAModel.Convert(got.At(x, y)).(color.NRGBA)
			if w := want.NRGBAAt(x, y); g != w {
				t.Fatalf("pixel (%d,%d) = %v, want %v", x, y, g, w)
			}
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		alpha uint8
		args  []string
	}{
		{"opaque codestream", 255, nil},
		{"translucent", 128, nil},
		{"container", 255, []string{"-container", "-effort", "3"}},
		{"preview", 200, []string{"-preview", "4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			src := testImage(21, 13, tt.alpha)
			in := filepath.Join(dir, "in.png")
			writePNG(t, in, src)

			encoded := filepath.Join(dir, "in.jxl")
			if err := runEncode(append(tt.args, in)); err != nil {
				t.Fatalf("encode: %v", err)
			}
			out := filepath.Join(dir, "out.png")
			if err := runDecode(context.Background(), []string{"-o", out, "-chunk", "17", encoded}); err != nil {
				t.Fatalf("decode: %v", err)
			}
			samePixels(t, readPNG(t, out), src)
		})
	}
}

func TestEncodeBoxes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	in := filepath.Join(dir, "in.png")
	writePNG(t, in, testImage(8, 8, 255))
	exif := filepath.Join(dir, "exif.bin")
	if err := os.WriteFile(exif, []byte("\x00\x00\x00\x00II*\x00"), 0o644); err != nil {
		t.Fatal(err)
	}
	xmp := filepath.Join(dir, "meta.xmp")
	if err := os.WriteFile(xmp, bytes.Repeat([]byte("<x:xmpmeta/>"), 50), 0o644); err != nil {
		t.Fatal(err)
	}

	encoded := filepath.Join(dir, "boxed.jxl")
	args := []string{"-o", encoded, "-compress-boxes", "-box", "Exif=" + exif, "-box", "xml=" + xmp, in}
	if err := runEncode(args); err != nil {
		t.Fatalf("encode: %v", err)
	}

	var listing bytes.Buffer
	if err := runBoxes(&listing, []string{"-x", encoded}); err != nil {
		t.Fatalf("boxes: %v", err)
	}
	for _, want := range []string{"ftyp", "brob", "compressed Exif", "compressed xml , 600 bytes decompressed", "jxlp"} {
		if !strings.Contains(listing.String(), want) {
			t.Errorf("listing lacks %q:\n%s", want, listing.String())
		}
	}

	out := filepath.Join(dir, "decoded.png")
	if err := runDecode(context.Background(), []string{"-o", out, "-boxes", encoded}); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "decoded.xml"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 600 {
		t.Errorf("xml box has %d bytes, want 600", len(got))
	}
	if _, err := os.Stat(filepath.Join(dir, "decoded.Exif")); err != nil {
		t.Errorf("Exif box not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "decoded.ftyp")); err == nil {
		t.Error("file type box written")
	}
}

func TestEncodeAnimatedGIF(t *testing.T) {
	t.Parallel()

	pal := color.Palette{color.Black, color.White, color.RGBA{R: 255, A: 255}}
	anim := &gif.GIF{Config: image.Config{Width: 6, Height: 4, ColorModel: pal}}
	for i := range 3 {
		frame := image.NewPaletted(image.Rect(0, 0, 6, 4), pal)
		for p := range frame.Pix {
			frame.Pix[p] = uint8((p + i) % 3)
		}
		anim.Image = append(anim.Image, frame)
		anim.Delay = append(anim.Delay, 10*(i+1))
	}
	dir := t.TempDir()
	in := filepath.Join(dir, "anim.gif")
	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, anim); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(in, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := runEncode([]string{in}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	out := filepath.Join(dir, "frames.png")
	if err := runDecode(context.Background(), []string{"-o", out, "-threads", "2", filepath.Join(dir, "anim.jxl")}); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range 3 {
		img := readPNG(t, filepath.Join(dir, fmt.Sprintf("frames-%03d.png", i)))
		want := image.NewNRGBA(image.Rect(0, 0, 6, 4))
		for p := range anim.Image[i].Pix {
			c := color.NRGBAModel.Convert(pal[anim.Image[i].Pix[p]]).(color.NRGBA)
			want.SetNRGBA(p%6, p/6, c)
		}
		samePixels(t, img, want)
	}
}

func TestEncodeGIFDisposal(t *testing.T) {
	t.Parallel()

	red := color.NRGBA{R: 255, A: 255}
	white := color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	black := color.NRGBA{A: 255}
	pal := color.Palette{black, white, red}
	fill := func(r image.Rectangle, idx uint8) *image.Paletted {
		img := image.NewPaletted(r, pal)
		for i := range img.Pix {
			img.Pix[i] = idx
		}
		return img
	}

	tests := []struct {
		name     string
		frames   []*image.Paletted
		disposal []byte
		// want returns the expected pixel of the last frame.
		want func(x, y int) color.NRGBA
	}{
		{
			name:     "background clears the frame area",
			frames:   []*image.Paletted{fill(image.Rect(0, 0, 6, 4), 2), fill(image.Rect(0, 0, 3, 4), 1)},
			disposal: []byte{gif.DisposalBackground, gif.DisposalNone},
			want: func(x, _ int) color.NRGBA {
				if x < 3 {
					return white
				}
				return color.NRGBA{}
			},
		},
		{
			name: "previous restores the canvas",
			frames: []*image.Paletted{
				fill(image.Rect(0, 0, 6, 4), 0),
				fill(image.Rect(0, 0, 3, 4), 1),
				fill(image.Rect(5, 3, 6, 4), 2),
			},
			disposal: []byte{gif.DisposalNone, gif.DisposalPrevious, gif.DisposalNone},
			want: func(x, y int) color.NRGBA {
				if x == 5 && y == 3 {
					return red
				}
				return black
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			anim := &gif.GIF{
				Image:    tt.frames,
				Delay:    make([]int, len(tt.frames)),
				Disposal: tt.disposal,
				Config:   image.Config{Width: 6, Height: 4, ColorModel: pal},
			}
			var buf bytes.Buffer
			if err := gif.EncodeAll(&buf, anim); err != nil {
				t.Fatal(err)
			}
			g, err := gif.DecodeAll(&buf)
			if err != nil {
				t.Fatal(err)
			}

			src := compositeGIF(g, 0)
			if len(src.frames) != len(tt.frames) {
				t.Fatalf("got %d frames, want %d", len(src.frames), len(tt.frames))
			}
			last := src.frames[len(src.frames)-1]
			want := image.NewNRGBA(last.Bounds())
			for y := range 4 {
				for x := range 6 {
					want.SetNRGBA(x, y, tt.want(x, y))
				}
			}
			samePixels(t, last, want)
		})
	}
}

func TestSignatureCommand(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files := map[string][]byte{
		"cs.bin":    {0xFF, 0x0A, 0x00},
		"box.bin":   append(container.Magic(), 0, 0),
		"short.bin": {0xFF},
		"png.bin":   []byte("\x89PNG\r\n\x1a\n"),
	}
	var args []string
	for name, data := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
		args = append(args, path)
	}

	var out bytes.Buffer
	if err := runSignature(&out, args); err != nil {
		t.Fatal(err)
	}
	for name, want := range map[string]string{
		"cs.bin":    "codestream",
		"box.bin":   "container",
		"short.bin": "not-enough-bytes",
		"png.bin":   "invalid",
	} {
		line := filepath.Join(dir, name) + ": " + want + "\n"
		if !strings.Contains(out.String(), line) {
			t.Errorf("output lacks %q:\n%s", line, out.String())
		}
	}
	if err := runSignature(&out, nil); err == nil {
		t.Error("expected an error without files")
	}
}

func TestDescribeGainMap(t *testing.T) {
	t.Parallel()

	bundle := &gainmap.Bundle{Version: 1, Metadata: []byte("meta"), GainMap: []byte{0xFF, 0x0A, 9}}
	n, err := gainmap.Size(bundle)
	if err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, n)
	if _, err := gainmap.Write(bundle, payload); err != nil {
		t.Fatal(err)
	}
	got := describeBox(container.Box{Header: container.Header{Type: container.TypeGainMap}, Payload: payload}, false)
	want := "  gain map v1: metadata 4, color encoding false, alt ICC 0, codestream 3"
	if got != want {
		t.Errorf("describeBox = %q, want %q", got, want)
	}
}

func TestBoxFlags(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data")
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	var b boxFlags
	if err := b.Set("xml=" + path); err != nil {
		t.Fatal(err)
	}
	if b[0].Type != container.TypeXML || string(b[0].Contents) != "payload" {
		t.Errorf("box = %s %q", b[0].Type, b[0].Contents)
	}
	for _, bad := range []string{"xml", "toolong=" + path, "Exif=" + path + ".missing"} {
		if err := b.Set(bad); err == nil {
			t.Errorf("Set(%q) succeeded", bad)
		}
	}
	if b.String() != "xml " {
		t.Errorf("String = %q", b.String())
	}
}

func TestPreviewSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		w, h, n      int
		wantW, wantH int
	}{
		{100, 50, 10, 10, 5},
		{50, 100, 10, 5, 10},
		{8, 8, 64, 8, 8},
		{1000, 1, 10, 10, 1},
	}
	for _, tt := range tests {
		w, h := previewSize(tt.w, tt.h, tt.n)
		if w != tt.wantW || h != tt.wantH {
			t.Errorf("previewSize(%d, %d, %d) = %d, %d, want %d, %d", tt.w, tt.h, tt.n, w, h, tt.wantW, tt.wantH)
		}
	}
}

func TestNormalizeResizes(t *testing.T) {
	t.Parallel()

	img := normalize(testImage(40, 20, 255), 10)
	if img.Bounds().Dx() != 10 || img.Bounds().Dy() != 5 {
		t.Errorf("resized to %v", img.Bounds())
	}
	same := normalize(testImage(7, 3, 99), 0)
	samePixels(t, same, testImage(7, 3, 99))
}

func TestSendPaced(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte{7}, 5000)
	tests := []struct {
		name  string
		chunk int
		rate  float64
	}{
		{"unpaced", pushChunk, 0},
		{"uneven chunks", 333, 0},
		{"paced", 1000, 1e6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			n, err := sendPaced(context.Background(), &buf, data, tt.chunk, tt.rate)
			if err != nil {
				t.Fatal(err)
			}
			if n != int64(len(data)) || !bytes.Equal(buf.Bytes(), data) {
				t.Errorf("sent %d bytes, buffer holds %d", n, buf.Len())
			}
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := sendPaced(ctx, io.Discard, data, 100, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled send = %v", err)
	}
}
