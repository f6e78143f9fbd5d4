package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/zsiec/jxlstream/internal/backend"
	"github.com/zsiec/jxlstream/internal/codecerr"
	"github.com/zsiec/jxlstream/internal/container"
	"github.com/zsiec/jxlstream/internal/dispatch"
	"github.com/zsiec/jxlstream/internal/encoder"
	"github.com/zsiec/jxlstream/internal/event"
	"github.com/zsiec/jxlstream/internal/meta"
	"github.com/zsiec/jxlstream/internal/pixfmt"
	"github.com/zsiec/jxlstream/internal/rawcodec"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	images []*Image
	boxes  map[container.Type][]byte
	keys   []string
	err    error
}

func (s *recordingSink) Image(key string, img *Image) error {
	s.keys = append(s.keys, key)
	s.images = append(s.images, img)
	return s.err
}

func (s *recordingSink) Box(key string, t container.Type, contents []byte) error {
	if s.boxes == nil {
		s.boxes = make(map[container.Type][]byte)
	}
	s.keys = append(s.keys, key)
	s.boxes[t] = contents
	return s.err
}

func rgba(w, h int) []byte {
	p := make([]byte, w*h*4)
	for i := range p {
		p[i] = byte(i*13 + i/4)
	}
	return p
}

func stillRGBA(w, h int) encoder.Image {
	info := meta.DefaultBasicInfo()
	info.XSize, info.YSize = uint32(w), uint32(h)
	info.NumExtraChannels = 1
	info.AlphaBits = 8
	return encoder.Image{
		Info:   info,
		Format: pixfmt.RGBA8,
		Frames: []encoder.Frame{{Pixels: rgba(w, h)}},
	}
}

func encode(t *testing.T, img encoder.Image) []byte {
	t.Helper()
	out, err := encoder.EncodeAll(rawcodec.NewEncoder(quiet()), encoder.Default(), img, quiet())
	if err != nil {
		t.Fatalf("EncodeAll: %v", err)
	}
	return out
}

func newPipeline(input io.Reader, sink Sink, opts ...func(*Pipeline)) *Pipeline {
	opts = append([]func(*Pipeline){OptLogger(quiet())}, opts...)
	return New("test-stream", input, sink, rawcodec.NewDecoder(quiet()), opts...)
}

func TestNew(t *testing.T) {
	t.Parallel()

	p := newPipeline(strings.NewReader(""), &recordingSink{}, OptChunkSize(-1))
	if p == nil {
		t.Fatal("expected non-nil Pipeline")
	}
	if p.chunkSize != DefaultChunkSize {
		t.Errorf("chunkSize = %d, want %d", p.chunkSize, DefaultChunkSize)
	}
	if p.format != pixfmt.RGBA8 {
		t.Errorf("format = %+v, want RGBA8", p.format)
	}
}

func TestStatsBeforeRun(t *testing.T) {
	t.Parallel()

	p := newPipeline(strings.NewReader(""), &recordingSink{}, OptThreads(3))
	st := p.Stats()
	if st.BytesRead != 0 || st.Frames != 0 || st.Events != 0 {
		t.Errorf("stats before run = %+v", st)
	}
	if st.LastEvent != "" || st.Capabilities != "" {
		t.Errorf("LastEvent = %q, Capabilities = %q", st.LastEvent, st.Capabilities)
	}
	if st.DecoderMode != "callback x3" {
		t.Errorf("DecoderMode = %q", st.DecoderMode)
	}
}

func TestRunWithEOFReader(t *testing.T) {
	t.Parallel()

	p := newPipeline(strings.NewReader(""), &recordingSink{})
	err := p.Run(context.Background())
	if !errors.Is(err, codecerr.ErrTruncatedStream) {
		t.Fatalf("Run with empty input = %v, want ErrTruncatedStream", err)
	}
}

func TestRunDecodesImage(t *testing.T) {
	t.Parallel()

	img := stillRGBA(19, 37)
	data := encode(t, img)

	tests := []struct {
		name    string
		reader  func(io.Reader) io.Reader
		chunk   int
		threads int
	}{
		{"whole", func(r io.Reader) io.Reader { return r }, 0, 1},
		{"one byte reads", iotest.OneByteReader, 0, 1},
		{"half reads", iotest.HalfReader, 0, 1},
		{"small chunks", func(r io.Reader) io.Reader { return r }, 7, 1},
		{"threaded", func(r io.Reader) io.Reader { return r }, 64, 4},
		{"threaded one byte", iotest.OneByteReader, 0, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sink := &recordingSink{}
			p := newPipeline(tt.reader(bytes.NewReader(data)), sink,
				OptChunkSize(tt.chunk), OptThreads(tt.threads))
			if err := p.Run(context.Background()); err != nil {
				t.Fatalf("Run: %v", err)
			}
			if len(sink.images) != 1 {
				t.Fatalf("sink got %d images, want 1", len(sink.images))
			}
			got := sink.images[0]
			if got.Width != 19 || got.Height != 37 {
				t.Errorf("size = %dx%d", got.Width, got.Height)
			}
			if !bytes.Equal(got.Pixels, img.Frames[0].Pixels) {
				t.Error("decoded pixels differ from the encoded image")
			}
			if sink.keys[0] != "test-stream" {
				t.Errorf("key = %q", sink.keys[0])
			}

			st := p.Stats()
			if st.BytesRead != int64(len(data)) {
				t.Errorf("BytesRead = %d, want %d", st.BytesRead, len(data))
			}
			if st.Frames != 1 || st.Chunks == 0 || st.Events == 0 {
				t.Errorf("stats = %+v", st)
			}
			if st.LastEvent != "Done" {
				t.Errorf("LastEvent = %q", st.LastEvent)
			}
			if st.Width != 19 || st.Height != 37 || st.Container {
				t.Errorf("stats image = %dx%d container %v", st.Width, st.Height, st.Container)
			}
		})
	}
}

func TestRunAnimation(t *testing.T) {
	t.Parallel()

	info := meta.DefaultBasicInfo()
	info.XSize, info.YSize = 6, 5
	info.HaveAnimation = true
	img := encoder.Image{Info: info, Format: pixfmt.RGB8}
	for i, name := range []string{"intro", "loop"} {
		img.Frames = append(img.Frames, encoder.Frame{
			Name:     name,
			Duration: uint32(10 * (i + 1)),
			Pixels:   bytes.Repeat([]byte{byte(50 * (i + 1))}, 6*5*3),
		})
	}
	data := encode(t, img)

	sink := &recordingSink{}
	p := newPipeline(iotest.HalfReader(bytes.NewReader(data)), sink,
		OptFormat(pixfmt.RGB8), OptRegistry(dispatch.NewRegistry(quiet())))
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sink.images) != 2 {
		t.Fatalf("sink got %d images, want 2", len(sink.images))
	}
	for i, got := range sink.images {
		want := img.Frames[i]
		if got.Index != i || got.Name != want.Name || got.Header.Duration != want.Duration {
			t.Errorf("image %d = index %d name %q duration %d", i, got.Index, got.Name, got.Header.Duration)
		}
		if !bytes.Equal(got.Pixels, want.Pixels) {
			t.Errorf("image %d pixels differ", i)
		}
	}
	if !sink.images[1].Header.IsLast {
		t.Error("last image not marked IsLast")
	}
}

func TestRunBoxes(t *testing.T) {
	t.Parallel()

	exif := append([]byte{0, 0, 0, 0}, []byte("MM\x00*exif")...)
	xmp := bytes.Repeat([]byte("<x:xmpmeta/>"), 2000)
	img := stillRGBA(8, 8)
	img.Boxes = []encoder.Box{
		{Type: container.TypeExif, Contents: exif},
		{Type: container.TypeXML, Contents: xmp, Compress: true},
	}
	data := encode(t, img)

	sink := &recordingSink{}
	p := newPipeline(bytes.NewReader(data), sink, OptChunkSize(31), OptBoxes(true))
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !bytes.Equal(sink.boxes[container.TypeExif], exif) {
		t.Errorf("Exif = %q", sink.boxes[container.TypeExif])
	}
	if !bytes.Equal(sink.boxes[container.TypeXML], xmp) {
		t.Errorf("xml box has %d bytes, want %d", len(sink.boxes[container.TypeXML]), len(xmp))
	}
	if len(sink.images) != 1 || !bytes.Equal(sink.images[0].Pixels, img.Frames[0].Pixels) {
		t.Error("pixels differ next to boxes")
	}
	st := p.Stats()
	if st.Boxes < 2 || int(st.Boxes) != len(sink.boxes) || !st.Container {
		t.Errorf("stats = %+v", st)
	}
}

func TestRunTruncatedInput(t *testing.T) {
	t.Parallel()

	data := encode(t, stillRGBA(16, 16))
	p := newPipeline(bytes.NewReader(data[:len(data)/2]), &recordingSink{}, OptChunkSize(10))
	err := p.Run(context.Background())
	if !errors.Is(err, codecerr.ErrTruncatedStream) {
		t.Fatalf("Run = %v, want ErrTruncatedStream", err)
	}
}

func TestRunReadError(t *testing.T) {
	t.Parallel()

	data := encode(t, stillRGBA(16, 16))
	input := io.MultiReader(bytes.NewReader(data[:20]), iotest.ErrReader(io.ErrUnexpectedEOF))
	err := newPipeline(input, &recordingSink{}).Run(context.Background())
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("Run = %v, want the read error", err)
	}
}

func TestRunSinkError(t *testing.T) {
	t.Parallel()

	rejected := errors.New("disk full")
	sink := &recordingSink{err: rejected}
	err := newPipeline(bytes.NewReader(encode(t, stillRGBA(4, 4))), sink).Run(context.Background())
	if !errors.Is(err, ErrSink) || !errors.Is(err, rejected) {
		t.Fatalf("Run = %v, want ErrSink wrapping the sink error", err)
	}
}

func TestRunDrainsTrailingBytes(t *testing.T) {
	t.Parallel()

	data := encode(t, stillRGBA(4, 4))
	input := append(append([]byte{}, data...), bytes.Repeat([]byte{0xAA}, 100)...)
	sink := &recordingSink{}
	p := newPipeline(bytes.NewReader(input), sink, OptChunkSize(16))
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sink.images) != 1 {
		t.Fatalf("sink got %d images", len(sink.images))
	}
	if got := p.Stats().BytesRead; got > int64(len(input)) {
		t.Errorf("BytesRead = %d exceeds input %d", got, len(input))
	}
}

func TestRunCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := &recordingSink{}
	if err := newPipeline(bytes.NewReader(encode(t, stillRGBA(4, 4))), sink).Run(ctx); err != nil {
		t.Fatalf("Run with cancelled context = %v, want nil", err)
	}
	if len(sink.images) != 0 {
		t.Errorf("sink got %d images after cancellation", len(sink.images))
	}
}

// unitBackend consumes input in whole units and leaves a shorter tail
// pending until more bytes arrive. It finishes once the input is closed and
// fully consumed.
type unitBackend struct {
	unit int
	seen []byte
}

func (b *unitBackend) Subscribe(event.Mask) error { return nil }

func (b *unitBackend) Process(in []byte, closed bool) (event.Event, int, error) {
	if closed && len(in) == 0 {
		return event.Of(event.KindDone), 0, nil
	}
	n := len(in) / b.unit * b.unit
	b.seen = append(b.seen, in[:n]...)
	return event.Of(event.KindNeedMoreInput), n, nil
}

func (b *unitBackend) BasicInfo() (meta.BasicInfo, bool) { return meta.BasicInfo{}, false }
func (b *unitBackend) SetImageOutput(backend.Output) error { return nil }
func (b *unitBackend) Rewind() { b.seen = nil }

func TestRunKeepsUnconsumedBytes(t *testing.T) {
	t.Parallel()

	data := make([]byte, 60)
	for i := range data {
		data[i] = byte(i)
	}
	tests := []struct {
		name  string
		unit  int
		chunk int
	}{
		{"unit 3 chunk 4", 3, 4},
		{"unit 5 chunk 7", 5, 7},
		{"unit 4 chunk 3", 4, 3},
		{"unit 6 chunk 10", 6, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			be := &unitBackend{unit: tt.unit}
			p := New("units", bytes.NewReader(data), &recordingSink{}, be,
				OptLogger(quiet()), OptChunkSize(tt.chunk))
			if err := p.Run(context.Background()); err != nil {
				t.Fatalf("Run: %v", err)
			}
			if !bytes.Equal(be.seen, data) {
				t.Errorf("backend saw %v, want %v", be.seen, data)
			}
		})
	}
}

// namedFrameBackend announces one frame carrying name, then finishes.
type namedFrameBackend struct {
	unitBackend
	step int
	name string
}

func (b *namedFrameBackend) Process([]byte, bool) (event.Event, int, error) {
	b.step++
	switch b.step {
	case 1:
		return event.Of(event.KindBasicInfo), 0, nil
	case 2:
		return event.Of(event.KindFrame), 0, nil
	}
	return event.Of(event.KindDone), 0, nil
}

func (b *namedFrameBackend) BasicInfo() (meta.BasicInfo, bool) {
	info := meta.DefaultBasicInfo()
	info.XSize, info.YSize = 1, 1
	return info, true
}

func (b *namedFrameBackend) FrameHeader() meta.FrameHeader { return meta.FrameHeader{} }
func (b *namedFrameBackend) FrameName() string { return b.name }
func (b *namedFrameBackend) ExtraChannelBlendInfo(int) (meta.BlendInfo, error) {
	return meta.BlendInfo{}, nil
}

func TestRunLogsOversizedFrameName(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, nil))
	be := &namedFrameBackend{name: strings.Repeat("n", nameBuffer)}
	p := New("named", bytes.NewReader(nil), &recordingSink{}, be, OptLogger(log))
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(logs.String(), "frame name unavailable") {
		t.Errorf("oversized frame name not logged:\n%s", logs.String())
	}
}

func BenchmarkRun(b *testing.B) {
	info := meta.DefaultBasicInfo()
	info.XSize, info.YSize = 256, 256
	img := encoder.Image{
		Info:   info,
		Format: pixfmt.RGB8,
		Frames: []encoder.Frame{{Pixels: bytes.Repeat([]byte{1, 2, 3}, 256*256)}},
	}
	data, err := encoder.EncodeAll(rawcodec.NewEncoder(quiet()), encoder.Default(), img, quiet())
	if err != nil {
		b.Fatal(err)
	}
	sink := &recordingSink{}
	b.SetBytes(int64(len(data)))
	for b.Loop() {
		sink.images = sink.images[:0]
		p := newPipeline(bytes.NewReader(data), sink, OptFormat(pixfmt.RGB8))
		if err := p.Run(context.Background()); err != nil {
			b.Fatal(err)
		}
	}
}
