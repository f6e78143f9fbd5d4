// Package encoder drives an encoding backend. Metadata, frames and boxes are
// added in order; compressed output is pulled into a growable accumulator
// whose size need not be known up front.
package encoder

import (
	"fmt"
	"log/slog"

	"github.com/zsiec/jxlstream/internal/backend"
	"github.com/zsiec/jxlstream/internal/codecerr"
	"github.com/zsiec/jxlstream/internal/color"
	"github.com/zsiec/jxlstream/internal/container"
	"github.com/zsiec/jxlstream/internal/icc"
	"github.com/zsiec/jxlstream/internal/meta"
	"github.com/zsiec/jxlstream/internal/outbuf"
	"github.com/zsiec/jxlstream/internal/pixfmt"
)

// Phase is the position of an encoder in the encode protocol.
type Phase int

// Encode phases.
const (
	PhaseSetup Phase = iota
	PhaseAdding
	PhaseInputClosed
	PhaseDone
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseSetup:
		return "setup"
	case PhaseAdding:
		return "adding"
	case PhaseInputClosed:
		return "input-closed"
	case PhaseDone:
		return "done"
	case PhaseError:
		return "error"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Encoder is the encode state machine for one output stream. It is not safe
// for concurrent use.
type Encoder struct {
	log  *slog.Logger
	be   backend.Encoder
	caps backend.EncoderCapabilities
	cfg  Config
	out  *outbuf.Buffer

	phase        Phase
	cause        error
	info         meta.BasicInfo
	haveInfo     bool
	haveColor    bool
	haveICC      bool
	container    bool
	frames       int
	boxes        int
	framesClosed bool
	boxesClosed  bool
}

// OptLogger sets the logger. The default is slog.Default().
func OptLogger(log *slog.Logger) func(*Encoder) {
	return func(e *Encoder) {
		e.log = log
	}
}

// New creates an Encoder over be with configuration cfg.
func New(be backend.Encoder, cfg Config, opts ...func(*Encoder)) (*Encoder, error) {
	caps, err := backend.ResolveEncoder(be)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	e := &Encoder{be: be, caps: caps, cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	e.log = e.log.With("component", "encoder")
	e.out = e.newBuffer()
	if cfg.UseContainer {
		if err := e.UseContainer(true); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Encoder) newBuffer() *outbuf.Buffer {
	var opts []outbuf.Option
	if e.cfg.MaxOutputBytes > 0 {
		opts = append(opts, outbuf.WithMaxCapacity(e.cfg.MaxOutputBytes))
	}
	return outbuf.New(e.cfg.InitialCapacity, opts...)
}

// Phase returns the current protocol phase.
func (e *Encoder) Phase() Phase { return e.phase }

// Capabilities returns the optional capabilities of the backend.
func (e *Encoder) Capabilities() backend.EncoderCapabilities { return e.caps }

// InitBasicInfo returns basic info with default values for the caller to
// fill in.
func InitBasicInfo() meta.BasicInfo { return meta.DefaultBasicInfo() }

// SetBasicInfo sets the image metadata. It must precede color settings and
// frames.
func (e *Encoder) SetBasicInfo(info meta.BasicInfo) error {
	if err := e.usable("set basic info"); err != nil {
		return err
	}
	if e.phase != PhaseSetup {
		return codecerr.Sequence("set basic info", "frames or boxes already added")
	}
	if err := info.Validate(); err != nil {
		return codecerr.New("set basic info", fmt.Errorf("%w: %w", codecerr.ErrInvalidFormat, err))
	}
	if err := e.be.SetBasicInfo(info); err != nil {
		return e.fail(err)
	}
	e.info = info
	e.haveInfo = true
	// New basic info invalidates a color profile set for the old one.
	e.haveColor, e.haveICC = false, false
	return nil
}

// SetColorEncoding describes the pixels with an enumerated color encoding.
// It cannot be combined with SetICCProfile.
func (e *Encoder) SetColorEncoding(enc color.Encoding) error {
	if err := e.beforeColor("set color encoding"); err != nil {
		return err
	}
	if e.haveICC {
		return codecerr.Sequence("set color encoding", "an ICC profile is already set")
	}
	if err := enc.Validate(); err != nil {
		return codecerr.New("set color encoding", fmt.Errorf("%w: %w", codecerr.ErrInvalidFormat, err))
	}
	if gray := e.info.NumColorChannels == 1; gray != (enc.Space == color.SpaceGray) {
		return codecerr.Sequence("set color encoding", "color space %d for %d color channels", enc.Space, e.info.NumColorChannels)
	}
	if err := e.be.SetColorEncoding(enc); err != nil {
		return e.fail(err)
	}
	e.haveColor = true
	return nil
}

// SetICCProfile describes the pixels with an ICC profile. It cannot be
// combined with SetColorEncoding.
func (e *Encoder) SetICCProfile(profile []byte) error {
	if err := e.beforeColor("set icc profile"); err != nil {
		return err
	}
	if e.haveColor {
		return codecerr.Sequence("set icc profile", "a color encoding is already set")
	}
	if err := icc.Check(profile); err != nil {
		return codecerr.New("set icc profile", fmt.Errorf("%w: %w", codecerr.ErrInvalidFormat, err))
	}
	if err := e.be.SetICCProfile(profile); err != nil {
		return e.fail(err)
	}
	e.haveICC = true
	return nil
}

func (e *Encoder) beforeColor(op string) error {
	if err := e.usable(op); err != nil {
		return err
	}
	if !e.haveInfo {
		return codecerr.Sequence(op, "basic info must be set first")
	}
	if e.phase != PhaseSetup {
		return codecerr.Sequence(op, "frames already added")
	}
	return nil
}

// UseContainer selects the box container format. It is required for AddBox
// and must be chosen before the first frame or box.
func (e *Encoder) UseContainer(use bool) error {
	if e.caps.Boxes == nil {
		return codecerr.Unsupported("use container")
	}
	if err := e.usable("use container"); err != nil {
		return err
	}
	if e.phase != PhaseSetup {
		return codecerr.Sequence("use container", "frames or boxes already added")
	}
	if err := e.caps.Boxes.UseContainer(use); err != nil {
		return e.fail(err)
	}
	e.container = use
	return nil
}

// FrameSettings returns frame settings initialised from the Config.
func (e *Encoder) FrameSettings() backend.FrameSettings { return e.cfg.frameSettings() }

// AddImageFrame adds one frame of pixels laid out in format f. pixels must
// hold at least the buffer size of f for the image dimensions.
func (e *Encoder) AddImageFrame(s backend.FrameSettings, f pixfmt.Format, pixels []byte) error {
	const op = "add image frame"
	if err := e.usable(op); err != nil {
		return err
	}
	if !e.haveInfo {
		return codecerr.Sequence(op, "basic info must be set first")
	}
	if e.framesClosed || e.phase == PhaseInputClosed {
		return codecerr.Sequence(op, "frames are closed")
	}
	if err := checkFrameSettings(s); err != nil {
		return err
	}
	if err := f.Validate(); err != nil {
		return codecerr.New(op, err)
	}
	if want := e.info.NumColorChannels + min(e.info.NumExtraChannels, 1); f.NumChannels < e.info.NumColorChannels || f.NumChannels > want {
		return codecerr.New(op, fmt.Errorf("%w: %d channels, image has %d color and %d extra", codecerr.ErrInvalidFormat, f.NumChannels, e.info.NumColorChannels, e.info.NumExtraChannels))
	}
	need, err := f.BufferSize(e.info.XSize, e.info.YSize)
	if err != nil {
		return codecerr.New(op, err)
	}
	if uint64(len(pixels)) < need {
		return codecerr.New(op, fmt.Errorf("%w: have %d, need %d", codecerr.ErrUndersizedBuffer, len(pixels), need))
	}
	if s.Lossless {
		s.Distance = 0
	}
	if err := e.be.AddFrame(s, f, pixels[:need]); err != nil {
		return e.fail(err)
	}
	e.frames++
	e.phase = PhaseAdding
	e.log.Debug("frame added", "frame", e.frames, "name", s.Name, "format", f, "effort", s.Effort)
	return nil
}

func checkFrameSettings(s backend.FrameSettings) error {
	const op = "frame settings"
	if s.Effort < MinEffort || s.Effort > MaxEffort {
		return codecerr.Sequence(op, "effort %d out of range", s.Effort)
	}
	if s.Distance < 0 || s.Distance > MaxDistance {
		return codecerr.Sequence(op, "distance %v out of range", s.Distance)
	}
	if len(s.Name) > MaxFrameNameLength {
		return codecerr.Sequence(op, "frame name of %d bytes exceeds %d", len(s.Name), MaxFrameNameLength)
	}
	return nil
}

// reservedBoxTypes are written by the backend itself.
var reservedBoxTypes = map[container.Type]bool{
	container.TypeSignature:  true,
	container.TypeFileType:   true,
	container.TypeCodestream: true,
	container.TypePartial:    true,
	container.TypeLevel:      true,
	container.TypeIndex:      true,
	container.TypeBrotli:     true,
}

// AddBox adds a metadata box. With compress set the box is wrapped in a
// brotli-compressed brob box. The container format must be enabled.
func (e *Encoder) AddBox(t container.Type, contents []byte, compress bool) error {
	const op = "add box"
	if e.caps.Boxes == nil {
		return codecerr.Unsupported(op)
	}
	if err := e.usable(op); err != nil {
		return err
	}
	if !e.container {
		return codecerr.Sequence(op, "container output is not enabled")
	}
	if e.boxesClosed || e.phase == PhaseInputClosed {
		return codecerr.Sequence(op, "boxes are closed")
	}
	if reservedBoxTypes[t] {
		return codecerr.Sequence(op, "box type %s is reserved", t)
	}
	if err := e.caps.Boxes.AddBox(t, contents, compress || e.cfg.CompressBoxes); err != nil {
		return e.fail(err)
	}
	e.boxes++
	e.phase = PhaseAdding
	return nil
}

// CloseFrames declares that no more frames follow. Boxes may still be
// added.
func (e *Encoder) CloseFrames() {
	if e.framesClosed {
		return
	}
	e.framesClosed = true
	if e.caps.Frames != nil {
		e.caps.Frames.CloseFrames()
	}
}

// CloseBoxes declares that no more boxes follow.
func (e *Encoder) CloseBoxes() {
	if e.boxesClosed {
		return
	}
	e.boxesClosed = true
	if e.caps.Boxes != nil {
		e.caps.Boxes.CloseBoxes()
	}
}

// CloseInput declares that no more frames or boxes follow.
func (e *Encoder) CloseInput() {
	if e.phase == PhaseInputClosed || e.phase == PhaseDone || e.phase == PhaseError {
		return
	}
	e.framesClosed = true
	e.boxesClosed = true
	e.be.CloseInput()
	e.phase = PhaseInputClosed
}

// ProcessOutput pulls every compressed byte the backend can produce for the
// input added so far into the accumulator. After CloseInput, a nil return
// means the stream is complete.
func (e *Encoder) ProcessOutput() error {
	switch e.phase {
	case PhaseDone:
		return nil
	case PhaseError:
		return e.failed("process output")
	case PhaseSetup:
		if !e.haveInfo {
			return codecerr.Sequence("process output", "basic info must be set first")
		}
	}
	before := e.out.Len()
	if err := e.out.Drain(e.be.ProcessOutput); err != nil {
		if codecerr.ClassOf(err) == codecerr.ClassResource {
			e.log.Warn("output limit reached", "bytes", e.out.Len(), "limit", e.cfg.MaxOutputBytes)
		}
		return e.fail(err)
	}
	e.log.Debug("output drained", "bytes", e.out.Len()-before, "growths", e.out.Growths())
	if e.phase == PhaseInputClosed {
		e.phase = PhaseDone
		e.log.Info("encode done", "bytes", e.out.Len(), "frames", e.frames, "boxes", e.boxes)
	}
	return nil
}

// Bytes returns the accumulated output. The slice aliases the Encoder and is
// valid until the next ProcessOutput or TakeOutput.
func (e *Encoder) Bytes() []byte { return e.out.Bytes() }

// TakeOutput returns the accumulated output and starts a new accumulator.
func (e *Encoder) TakeOutput() []byte {
	b := e.out.Bytes()
	e.out = e.newBuffer()
	return b
}

func (e *Encoder) usable(op string) error {
	switch e.phase {
	case PhaseError:
		return e.failed(op)
	case PhaseDone:
		return codecerr.Sequence(op, "encoding is finished")
	}
	return nil
}

func (e *Encoder) failed(op string) error {
	return codecerr.New(op, fmt.Errorf("%w: %w", codecerr.ErrStreamFailed, e.cause))
}

// fail records a backend failure; the encoder is unusable afterwards.
func (e *Encoder) fail(err error) error {
	if e.phase != PhaseError {
		e.cause = err
		e.phase = PhaseError
		e.log.Warn("encode failed", "error", err, "class", codecerr.ClassOf(err))
	}
	return err
}
