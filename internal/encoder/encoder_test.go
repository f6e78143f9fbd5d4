package encoder

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/zsiec/jxlstream/internal/backend"
	"github.com/zsiec/jxlstream/internal/codecerr"
	"github.com/zsiec/jxlstream/internal/color"
	"github.com/zsiec/jxlstream/internal/container"
	"github.com/zsiec/jxlstream/internal/icc"
	"github.com/zsiec/jxlstream/internal/meta"
	"github.com/zsiec/jxlstream/internal/outbuf"
	"github.com/zsiec/jxlstream/internal/pixfmt"
)

// stubBackend queues the pixels of every frame as output and hands it out
// at most chunk bytes per ProcessOutput call.
type stubBackend struct {
	chunk     int
	pending   []byte
	closed    bool
	container bool
	boxes     []container.Type
	frames    []backend.FrameSettings
	color     *color.Encoding
	icc       []byte
	failFrame error
}

func (s *stubBackend) SetBasicInfo(meta.BasicInfo) error { return nil }
func (s *stubBackend) SetColorEncoding(enc color.Encoding) error {
	s.color = &enc
	return nil
}
func (s *stubBackend) SetICCProfile(p []byte) error {
	s.icc = p
	return nil
}
func (s *stubBackend) AddFrame(fs backend.FrameSettings, _ pixfmt.Format, pixels []byte) error {
	if s.failFrame != nil {
		return s.failFrame
	}
	s.frames = append(s.frames, fs)
	s.pending = append(s.pending, pixels...)
	return nil
}
func (s *stubBackend) CloseInput() { s.closed = true }
func (s *stubBackend) ProcessOutput(out []byte) (outbuf.Status, int, error) {
	n := copy(out, s.pending[:min(len(s.pending), s.chunk)])
	s.pending = s.pending[n:]
	if len(s.pending) > 0 {
		return outbuf.StatusNeedMoreOutput, n, nil
	}
	return outbuf.StatusDone, n, nil
}
func (s *stubBackend) UseContainer(use bool) error {
	s.container = use
	return nil
}
func (s *stubBackend) AddBox(t container.Type, _ []byte, _ bool) error {
	s.boxes = append(s.boxes, t)
	return nil
}
func (s *stubBackend) CloseBoxes() {}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEncoder(t *testing.T, be backend.Encoder, cfg Config) *Encoder {
	t.Helper()
	e, err := New(be, cfg, OptLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func info(x, y uint32) meta.BasicInfo {
	bi := InitBasicInfo()
	bi.XSize, bi.YSize = x, y
	return bi
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"effort too low", func(c *Config) { c.Effort = 0 }, true},
		{"effort too high", func(c *Config) { c.Effort = 11 }, true},
		{"negative distance", func(c *Config) { c.Distance = -1 }, true},
		{"lossless with distance", func(c *Config) { c.Lossless = true }, true},
		{"lossless", func(c *Config) { c.Lossless, c.Distance = true, 0 }, false},
		{"initial above max", func(c *Config) { c.InitialCapacity, c.MaxOutputBytes = 128, 64 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := Default()
			tt.mutate(&c)
			if err := Validate(c); (err != nil) != tt.wantErr {
				t.Fatalf("Validate = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewRejectsNilBackend(t *testing.T) {
	t.Parallel()
	var be *stubBackend
	if _, err := New(be, Default()); !errors.Is(err, codecerr.ErrMissingCapability) {
		t.Fatalf("New(typed nil) = %v", err)
	}
}

func TestProcessOutputGrowsAccumulator(t *testing.T) {
	t.Parallel()
	be := &stubBackend{chunk: 50}
	e := newEncoder(t, be, Default())
	if err := e.SetBasicInfo(info(16, 16)); err != nil {
		t.Fatal(err)
	}
	pixels := make([]byte, 16*16*3)
	for i := range pixels {
		pixels[i] = byte(i)
	}
	if err := e.AddImageFrame(e.FrameSettings(), pixfmt.RGB8, pixels); err != nil {
		t.Fatalf("AddImageFrame: %v", err)
	}
	e.CloseInput()
	if err := e.ProcessOutput(); err != nil {
		t.Fatalf("ProcessOutput: %v", err)
	}
	if !bytes.Equal(e.Bytes(), pixels) {
		t.Fatalf("output differs: %d bytes, want %d", len(e.Bytes()), len(pixels))
	}
	if e.Phase() != PhaseDone {
		t.Fatalf("phase = %s", e.Phase())
	}
	if !be.closed {
		t.Fatal("backend input not closed")
	}
	if err := e.AddImageFrame(e.FrameSettings(), pixfmt.RGB8, pixels); !errors.Is(err, codecerr.ErrAPISequence) {
		t.Fatalf("frame after done = %v", err)
	}
}

func TestOutputLimit(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.MaxOutputBytes = 256
	e := newEncoder(t, &stubBackend{chunk: 1 << 20}, cfg)
	_ = e.SetBasicInfo(info(16, 16))
	if err := e.AddImageFrame(e.FrameSettings(), pixfmt.RGB8, make([]byte, 768)); err != nil {
		t.Fatal(err)
	}
	e.CloseInput()
	err := e.ProcessOutput()
	if !errors.Is(err, codecerr.ErrOutputLimit) {
		t.Fatalf("ProcessOutput = %v, want ErrOutputLimit", err)
	}
	if n := len(e.Bytes()); n != 256 {
		t.Fatalf("kept %d bytes", n)
	}
	if err := e.ProcessOutput(); !errors.Is(err, codecerr.ErrStreamFailed) {
		t.Fatalf("second ProcessOutput = %v", err)
	}
}

func TestColorProfileExclusive(t *testing.T) {
	t.Parallel()
	profile := icc.Synthetic(200, "mntr")

	t.Run("encoding then icc", func(t *testing.T) {
		t.Parallel()
		e := newEncoder(t, &stubBackend{chunk: 8}, Default())
		_ = e.SetBasicInfo(info(4, 4))
		if err := e.SetColorEncoding(color.SRGB(false)); err != nil {
			t.Fatal(err)
		}
		if err := e.SetICCProfile(profile); !errors.Is(err, codecerr.ErrAPISequence) {
			t.Fatalf("SetICCProfile = %v", err)
		}
	})
	t.Run("icc then encoding", func(t *testing.T) {
		t.Parallel()
		be := &stubBackend{chunk: 8}
		e := newEncoder(t, be, Default())
		_ = e.SetBasicInfo(info(4, 4))
		if err := e.SetICCProfile(profile); err != nil {
			t.Fatal(err)
		}
		if err := e.SetColorEncoding(color.SRGB(false)); !errors.Is(err, codecerr.ErrAPISequence) {
			t.Fatalf("SetColorEncoding = %v", err)
		}
		if len(be.icc) != 200 {
			t.Fatalf("backend icc = %d bytes", len(be.icc))
		}
	})
	t.Run("before basic info", func(t *testing.T) {
		t.Parallel()
		e := newEncoder(t, &stubBackend{chunk: 8}, Default())
		if err := e.SetColorEncoding(color.SRGB(false)); !errors.Is(err, codecerr.ErrAPISequence) {
			t.Fatalf("SetColorEncoding = %v", err)
		}
	})
	t.Run("gray mismatch", func(t *testing.T) {
		t.Parallel()
		e := newEncoder(t, &stubBackend{chunk: 8}, Default())
		_ = e.SetBasicInfo(info(4, 4))
		if err := e.SetColorEncoding(color.SRGB(true)); !errors.Is(err, codecerr.ErrAPISequence) {
			t.Fatalf("SetColorEncoding = %v", err)
		}
	})
	t.Run("invalid icc", func(t *testing.T) {
		t.Parallel()
		e := newEncoder(t, &stubBackend{chunk: 8}, Default())
		_ = e.SetBasicInfo(info(4, 4))
		if err := e.SetICCProfile([]byte("short")); !errors.Is(err, codecerr.ErrInvalidFormat) {
			t.Fatalf("SetICCProfile = %v", err)
		}
	})
}

func TestAddImageFrameChecks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		format pixfmt.Format
		pixels int
		mutate func(*backend.FrameSettings)
		want   error
	}{
		{name: "undersized", format: pixfmt.RGB8, pixels: 10, want: codecerr.ErrUndersizedBuffer},
		{name: "gray format for color image", format: pixfmt.Format{NumChannels: 1, DataType: pixfmt.Uint8}, pixels: 64, want: codecerr.ErrInvalidFormat},
		{name: "alpha without extra channel", format: pixfmt.RGBA8, pixels: 64, want: codecerr.ErrInvalidFormat},
		{name: "effort", format: pixfmt.RGB8, pixels: 48, mutate: func(s *backend.FrameSettings) { s.Effort = 42 }, want: codecerr.ErrAPISequence},
		{name: "long name", format: pixfmt.RGB8, pixels: 48, mutate: func(s *backend.FrameSettings) { s.Name = string(make([]byte, MaxFrameNameLength+1)) }, want: codecerr.ErrAPISequence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newEncoder(t, &stubBackend{chunk: 8}, Default())
			_ = e.SetBasicInfo(info(4, 4))
			s := e.FrameSettings()
			if tt.mutate != nil {
				tt.mutate(&s)
			}
			if err := e.AddImageFrame(s, tt.format, make([]byte, tt.pixels)); !errors.Is(err, tt.want) {
				t.Fatalf("AddImageFrame = %v, want %v", err, tt.want)
			}
			if e.Phase() != PhaseSetup {
				t.Fatalf("phase = %s", e.Phase())
			}
		})
	}
}

func TestLosslessClearsDistance(t *testing.T) {
	t.Parallel()
	be := &stubBackend{chunk: 8}
	e := newEncoder(t, be, Default())
	_ = e.SetBasicInfo(info(2, 2))
	s := e.FrameSettings()
	s.Lossless = true
	if err := e.AddImageFrame(s, pixfmt.RGB8, make([]byte, 12)); err != nil {
		t.Fatal(err)
	}
	if be.frames[0].Distance != 0 {
		t.Fatalf("distance = %v", be.frames[0].Distance)
	}
	if err := e.SetColorEncoding(color.SRGB(false)); !errors.Is(err, codecerr.ErrAPISequence) {
		t.Fatalf("color after frame = %v", err)
	}
}

func TestBoxes(t *testing.T) {
	t.Parallel()
	be := &stubBackend{chunk: 8}
	e := newEncoder(t, be, Default())
	_ = e.SetBasicInfo(info(2, 2))
	if err := e.AddBox(container.TypeExif, []byte("exif"), false); !errors.Is(err, codecerr.ErrAPISequence) {
		t.Fatalf("box without container = %v", err)
	}
	if err := e.UseContainer(true); err != nil {
		t.Fatal(err)
	}
	if err := e.AddBox(container.TypeCodestream, nil, false); !errors.Is(err, codecerr.ErrAPISequence) {
		t.Fatalf("reserved box = %v", err)
	}
	if err := e.AddBox(container.TypeExif, []byte("exif"), true); err != nil {
		t.Fatal(err)
	}
	if err := e.UseContainer(false); !errors.Is(err, codecerr.ErrAPISequence) {
		t.Fatalf("container change after box = %v", err)
	}
	e.CloseBoxes()
	if err := e.AddBox(container.TypeXML, []byte("<x/>"), false); !errors.Is(err, codecerr.ErrAPISequence) {
		t.Fatalf("box after close = %v", err)
	}
	if err := e.AddImageFrame(e.FrameSettings(), pixfmt.RGB8, make([]byte, 12)); err != nil {
		t.Fatalf("frame after CloseBoxes: %v", err)
	}
	if len(be.boxes) != 1 || be.boxes[0] != container.TypeExif {
		t.Fatalf("backend boxes = %v", be.boxes)
	}
}

// framesOnly has no optional capabilities.
type framesOnly struct{}

func (framesOnly) SetBasicInfo(meta.BasicInfo) error     { return nil }
func (framesOnly) SetColorEncoding(color.Encoding) error { return nil }
func (framesOnly) SetICCProfile([]byte) error            { return nil }
func (framesOnly) CloseInput()                           {}

func (framesOnly) AddFrame(backend.FrameSettings, pixfmt.Format, []byte) error {
	return nil
}

func (framesOnly) ProcessOutput([]byte) (outbuf.Status, int, error) {
	return outbuf.StatusDone, 0, nil
}

func TestBoxesUnsupported(t *testing.T) {
	t.Parallel()
	e := newEncoder(t, framesOnly{}, Default())
	if err := e.UseContainer(true); !errors.Is(err, codecerr.ErrUnsupported) {
		t.Fatalf("UseContainer = %v", err)
	}
	if err := e.AddBox(container.TypeExif, nil, false); !errors.Is(err, codecerr.ErrUnsupported) {
		t.Fatalf("AddBox = %v", err)
	}
}

func TestBackendFailureIsSticky(t *testing.T) {
	t.Parallel()
	boom := errors.New("backend exploded")
	e := newEncoder(t, &stubBackend{chunk: 8, failFrame: boom}, Default())
	_ = e.SetBasicInfo(info(2, 2))
	if err := e.AddImageFrame(e.FrameSettings(), pixfmt.RGB8, make([]byte, 12)); !errors.Is(err, boom) {
		t.Fatalf("AddImageFrame = %v", err)
	}
	if e.Phase() != PhaseError {
		t.Fatalf("phase = %s", e.Phase())
	}
	err := e.SetBasicInfo(info(2, 2))
	if !errors.Is(err, codecerr.ErrStreamFailed) || !errors.Is(err, boom) {
		t.Fatalf("after failure = %v", err)
	}
}

func TestEncodeAll(t *testing.T) {
	t.Parallel()
	be := &stubBackend{chunk: 7}
	srgb := color.SRGB(false)
	img := Image{
		Info:   info(4, 2),
		Color:  &srgb,
		Format: pixfmt.RGB8,
		Frames: []Frame{
			{Name: "a", Pixels: bytes.Repeat([]byte{1}, 24)},
			{Name: "b", Duration: 5, Pixels: bytes.Repeat([]byte{2}, 24)},
		},
		Boxes: []Box{{Type: container.TypeXML, Contents: []byte("<x/>")}},
	}
	out, err := EncodeAll(be, Default(), img, quietLogger())
	if err != nil {
		t.Fatalf("EncodeAll: %v", err)
	}
	if len(out) != 48 || out[0] != 1 || out[47] != 2 {
		t.Fatalf("output = %v", out)
	}
	if !be.container || len(be.boxes) != 1 {
		t.Fatalf("container %v boxes %v", be.container, be.boxes)
	}
	if len(be.frames) != 2 || be.frames[1].Name != "b" || be.frames[1].Duration != 5 {
		t.Fatalf("frames = %+v", be.frames)
	}
	if be.color == nil || *be.color != srgb {
		t.Fatal("color encoding not forwarded")
	}

	img.ICC = icc.Synthetic(200, "mntr")
	if _, err := EncodeAll(&stubBackend{chunk: 7}, Default(), img, quietLogger()); !errors.Is(err, codecerr.ErrAPISequence) {
		t.Fatalf("EncodeAll with both profiles = %v", err)
	}
}

func TestTakeOutput(t *testing.T) {
	t.Parallel()
	e := newEncoder(t, &stubBackend{chunk: 5}, Default())
	_ = e.SetBasicInfo(info(2, 2))
	_ = e.AddImageFrame(e.FrameSettings(), pixfmt.RGB8, make([]byte, 12))
	if err := e.ProcessOutput(); err != nil {
		t.Fatal(err)
	}
	first := e.TakeOutput()
	if len(first) != 12 || len(e.Bytes()) != 0 {
		t.Fatalf("first %d, remaining %d", len(first), len(e.Bytes()))
	}
	if e.Phase() != PhaseAdding {
		t.Fatalf("phase = %s", e.Phase())
	}
}

func BenchmarkEncodeAll(b *testing.B) {
	img := Image{
		Info:   info(64, 64),
		Format: pixfmt.RGB8,
		Frames: []Frame{{Pixels: make([]byte, 64*64*3)}},
	}
	log := quietLogger()
	for b.Loop() {
		if _, err := EncodeAll(&stubBackend{chunk: 4096}, Default(), img, log); err != nil {
			b.Fatal(err)
		}
	}
}
