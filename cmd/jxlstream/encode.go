package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/zsiec/jxlstream/internal/container"
	"github.com/zsiec/jxlstream/internal/encoder"
	"github.com/zsiec/jxlstream/internal/pixfmt"
	"github.com/zsiec/jxlstream/internal/rawcodec"
)

// boxFlags collects repeated -box TYPE=path flags.
type boxFlags []encoder.Box

func (b *boxFlags) String() string {
	types := make([]string, len(*b))
	for i, box := range *b {
		types[i] = box.Type.String()
	}
	return strings.Join(types, ",")
}

func (b *boxFlags) Set(v string) error {
	name, path, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("box %q: want TYPE=path", v)
	}
	if len(name) < 4 {
		name += strings.Repeat(" ", 4-len(name))
	}
	t, err := container.ParseType(name)
	if err != nil {
		return err
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	*b = append(*b, encoder.Box{Type: t, Contents: contents})
	return nil
}

// source is a decoded input image: one frame for stills, the composited
// frames and their delays in hundredths of a second for GIF animations.
type source struct {
	frames []*image.NRGBA
	delays []int
}

func runEncode(args []string) error {
	fs := flag.NewFlagSet("encode", flag.ContinueOnError)
	out := fs.String("o", "", "output path (default: input name with .jxl)")
	effort := fs.Int("effort", 7, "encoder effort, 1-10")
	useContainer := fs.Bool("container", false, "wrap the codestream in a container")
	compress := fs.Bool("compress-boxes", false, "brotli-compress metadata boxes")
	width := fs.Int("width", 0, "resize to this width, keeping the aspect ratio")
	preview := fs.Int("preview", 0, "embed a preview whose longer side has this many pixels")
	name := fs.String("name", "", "name of the first frame")
	var boxes boxFlags
	fs.Var(&boxes, "box", "add a metadata box, TYPE=path (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("encode: expected exactly one input file")
	}
	in := fs.Arg(0)
	target := *out
	if target == "" {
		target = strings.TrimSuffix(in, filepath.Ext(in)) + ".jxl"
	}

	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	src, err := loadSource(bytes.NewReader(data), *width)
	if err != nil {
		return fmt.Errorf("encode %s: %w", in, err)
	}

	img := buildImage(src, *preview)
	if len(img.Frames) > 0 {
		img.Frames[0].Name = *name
	}
	for _, b := range boxes {
		b.Compress = *compress
		img.Boxes = append(img.Boxes, b)
	}

	cfg := encoder.Default()
	cfg.Effort = *effort
	cfg.UseContainer = *useContainer
	cfg.CompressBoxes = *compress
	if err := encoder.Validate(cfg); err != nil {
		return err
	}

	log := slog.Default()
	encoded, err := encoder.EncodeAll(rawcodec.NewEncoder(log), cfg, img, log)
	if err != nil {
		return fmt.Errorf("encode %s: %w", in, err)
	}
	if err := os.WriteFile(target, encoded, 0o644); err != nil {
		return err
	}
	log.Info("encoded", "input", in, "output", target,
		"width", img.Info.XSize, "height", img.Info.YSize, "frames", len(img.Frames),
		"boxes", len(img.Boxes), "bytes", len(encoded))
	return nil
}

// loadSource decodes any registered image format. GIFs keep all frames.
func loadSource(r io.ReadSeeker, width int) (*source, error) {
	_, format, err := image.DecodeConfig(r)
	if err != nil {
		return nil, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	if format == "gif" {
		g, err := gif.DecodeAll(r)
		if err != nil {
			return nil, err
		}
		return compositeGIF(g, width), nil
	}

	img, _, err := image.Decode(r)
	if err != nil {
		return nil, err
	}
	return &source{frames: []*image.NRGBA{normalize(img, width)}, delays: []int{0}}, nil
}

// compositeGIF renders every GIF frame onto a shared canvas, applying each
// frame's disposal method before the next one is drawn. Background disposal
// clears to transparent, as browsers do.
func compositeGIF(g *gif.GIF, width int) *source {
	canvas := image.NewNRGBA(image.Rect(0, 0, g.Config.Width, g.Config.Height))
	var saved []byte
	src := &source{}
	for i, frame := range g.Image {
		var disposal byte
		if i < len(g.Disposal) {
			disposal = g.Disposal[i]
		}
		r := frame.Bounds()
		if disposal == gif.DisposalPrevious {
			saved = append(saved[:0], canvas.Pix...)
		}
		xdraw.Draw(canvas, r, frame, r.Min, xdraw.Over)
		src.frames = append(src.frames, normalize(canvas, width))
		src.delays = append(src.delays, g.Delay[i])

		switch disposal {
		case gif.DisposalBackground:
			xdraw.Draw(canvas, r, image.Transparent, image.Point{}, xdraw.Src)
		case gif.DisposalPrevious:
			copy(canvas.Pix, saved)
		}
	}
	return src
}

// normalize copies img into a fresh NRGBA, scaled to width when it is set.
func normalize(img image.Image, width int) *image.NRGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if width > 0 && width != w {
		h = max(1, h*width/w)
		w = width
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	switch src, ok := img.(*image.NRGBA); {
	case w != b.Dx() || h != b.Dy():
		xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	case ok:
		// Straight copy; drawing would round trip through premultiplied alpha.
		for y := range h {
			copy(dst.Pix[y*dst.Stride:], src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):][:w*4])
		}
	default:
		xdraw.Draw(dst, dst.Bounds(), img, b.Min, xdraw.Src)
	}
	return dst
}

// buildImage describes src for EncodeAll. Opaque images drop the alpha
// channel.
func buildImage(src *source, preview int) encoder.Image {
	first := src.frames[0].Bounds()
	info := encoder.InitBasicInfo()
	info.XSize, info.YSize = uint32(first.Dx()), uint32(first.Dy())

	opaque := true
	for _, f := range src.frames {
		opaque = opaque && f.Opaque()
	}
	format := pixfmt.RGBA8
	if opaque {
		format = pixfmt.RGB8
	} else {
		info.NumExtraChannels = 1
		info.AlphaBits = 8
	}

	if len(src.frames) > 1 {
		info.HaveAnimation = true
		info.Animation.TPSNumerator = 100
		info.Animation.TPSDenominator = 1
	}
	if preview > 0 {
		pw, ph := previewSize(first.Dx(), first.Dy(), preview)
		info.HavePreview = true
		info.Preview.XSize, info.Preview.YSize = uint32(pw), uint32(ph)
	}

	img := encoder.Image{Info: info, Format: format}
	for i, f := range src.frames {
		pixels := f.Pix
		if opaque {
			pixels = stripAlpha(f)
		}
		img.Frames = append(img.Frames, encoder.Frame{Duration: uint32(src.delays[i]), Pixels: pixels})
	}
	return img
}

// previewSize fits w x h into a longest side of n, never upscaling.
func previewSize(w, h, n int) (int, int) {
	long := max(w, h)
	if n >= long {
		return w, h
	}
	return max(1, w*n/long), max(1, h*n/long)
}

func stripAlpha(img *image.NRGBA) []byte {
	b := img.Bounds()
	out := make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := range b.Dy() {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()*4]
		for x := 0; x < len(row); x += 4 {
			out = append(out, row[x], row[x+1], row[x+2])
		}
	}
	return out
}
