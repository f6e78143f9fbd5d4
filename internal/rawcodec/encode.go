package rawcodec

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	"github.com/andybalholm/brotli"

	"github.com/zsiec/jxlstream/internal/backend"
	"github.com/zsiec/jxlstream/internal/codecerr"
	"github.com/zsiec/jxlstream/internal/color"
	"github.com/zsiec/jxlstream/internal/container"
	"github.com/zsiec/jxlstream/internal/meta"
	"github.com/zsiec/jxlstream/internal/outbuf"
	"github.com/zsiec/jxlstream/internal/pixfmt"
)

var (
	_ backend.Encoder     = (*Encoder)(nil)
	_ backend.BoxSink     = (*Encoder)(nil)
	_ backend.FrameCloser = (*Encoder)(nil)
)

var errNoFrames = errors.New("rawcodec: input closed without frames")

// heldFrame is an encoded frame waiting to learn whether it is the last.
type heldFrame struct {
	rec    frameRecord
	groups []byte
}

// Encoder is the encoding backend. Samples are stored losslessly at the
// basic info bit depth; distance is recorded but never trades quality.
type Encoder struct {
	log *slog.Logger

	hdr       imageHeader
	haveInfo  bool
	color     colorSection
	haveColor bool
	layout    pixelLayout

	container    bool
	started      bool // output has begun
	csStarted    bool // codestream header written
	csClosed     bool // last codestream box written
	held         *heldFrame
	frames       int
	partIndex    uint32
	framesClosed bool
	boxesClosed  bool
	inputClosed  bool

	cs      []byte // codestream bytes not yet framed
	pending []byte // output not yet handed to the caller
	raw     []byte
}

// NewEncoder returns an encoding backend. A nil log uses slog.Default().
func NewEncoder(log *slog.Logger) *Encoder {
	if log == nil {
		log = slog.Default()
	}
	return &Encoder{log: log.With("component", "rawcodec-encoder")}
}

// SetBasicInfo sets the image header. Extra channels get default
// descriptions: alpha first when AlphaBits is set.
func (e *Encoder) SetBasicInfo(info meta.BasicInfo) error {
	if e.csStarted {
		return codecerr.Sequence("set basic info", "codestream already started")
	}
	info.HaveContainer = false
	e.hdr = imageHeader{info: info, extra: defaultExtraChannels(info)}
	e.layout = newPixelLayout(&e.hdr)
	e.haveInfo = true
	e.haveColor = false
	return nil
}

// SetColorEncoding describes the pixels with enc.
func (e *Encoder) SetColorEncoding(enc color.Encoding) error {
	e.color = colorSection{enc: enc}
	e.haveColor = true
	return nil
}

// SetICCProfile describes the pixels with profile.
func (e *Encoder) SetICCProfile(profile []byte) error {
	e.color = colorSection{profile: bytes.Clone(profile)}
	e.hdr.info.UsesOriginalProfile = true
	e.haveColor = true
	return nil
}

// UseContainer selects box container output.
func (e *Encoder) UseContainer(use bool) error {
	if e.started {
		return codecerr.Sequence("use container", "output already started")
	}
	e.container = use
	return nil
}

// AddBox appends a metadata box. Codestream bytes produced so far are
// framed first so boxes keep their position relative to the frames.
func (e *Encoder) AddBox(t container.Type, contents []byte, compress bool) error {
	if !e.container {
		return codecerr.Sequence("add box", "container output not selected")
	}
	if e.boxesClosed {
		return codecerr.Sequence("add box", "boxes are closed")
	}
	payload := contents
	if compress {
		var err error
		if payload, err = container.Compress(t, contents, brotli.DefaultCompression); err != nil {
			return err
		}
		t = container.TypeBrotli
	}
	e.begin()
	e.flushCodestream()
	e.pending = container.AppendBox(e.pending, t, payload)
	e.log.Debug("box added", "type", t, "size", len(payload))
	return nil
}

// CloseBoxes declares that no more boxes follow.
func (e *Encoder) CloseBoxes() { e.boxesClosed = true }

// CloseFrames declares that the frame held last is the final one.
func (e *Encoder) CloseFrames() {
	e.framesClosed = true
	e.releaseHeld(true)
}

// CloseInput declares that neither frames nor boxes follow.
func (e *Encoder) CloseInput() {
	e.CloseFrames()
	e.CloseBoxes()
	e.inputClosed = true
}

// AddFrame encodes one frame of pixels in format f.
func (e *Encoder) AddFrame(s backend.FrameSettings, f pixfmt.Format, pixels []byte) error {
	if !e.haveInfo {
		return codecerr.Sequence("add frame", "basic info not set")
	}
	if e.framesClosed {
		return codecerr.Sequence("add frame", "frames are closed")
	}
	if len(s.Name) > maxNameBytes {
		return fmt.Errorf("rawcodec: frame name of %d bytes", len(s.Name))
	}
	info := e.hdr.info
	p, err := e.framePlane(f, s.BitDepth.Resolve(f, info.BitsPerSample), pixels)
	if err != nil {
		return err
	}
	e.begin()
	if !e.csStarted {
		if err := e.writeHeader(p, s.Effort); err != nil {
			return err
		}
	}
	e.releaseHeld(false)

	rec := frameRecord{
		header: meta.FrameHeader{
			Duration: s.Duration,
			Timecode: s.Timecode,
			Layer: meta.LayerInfo{
				XSize: info.XSize,
				YSize: info.YSize,
				Blend: s.Blend,
			},
		},
		name:       s.Name,
		groupRows:  defaultGroupRows,
		extraBlend: make([]meta.BlendInfo, len(e.hdr.extra)),
	}
	for i := range rec.extraBlend {
		rec.extraBlend[i] = s.Blend
	}
	e.held = &heldFrame{rec: rec, groups: e.encodeGroups(p, defaultGroupRows, s.Effort)}
	e.frames++
	return nil
}

// framePlane converts caller pixels to canonical samples. A missing alpha
// channel is opaque; other extra channels are zero.
func (e *Encoder) framePlane(f pixfmt.Format, bits uint32, pixels []byte) (*plane, error) {
	info := e.hdr.info
	w, h := int(info.XSize), int(info.YSize)
	nColor := int(info.NumColorChannels)
	n := int(f.NumChannels)
	if n < nColor {
		return nil, fmt.Errorf("rawcodec: %d channels for %d color channels", n, nColor)
	}
	need, err := f.BufferSize(info.XSize, info.YSize)
	if err != nil {
		return nil, err
	}
	if uint64(len(pixels)) < need {
		return nil, fmt.Errorf("rawcodec: %d pixel bytes, need %d", len(pixels), need)
	}
	p := newPlane(w, h, nColor+len(e.hdr.extra))
	sio := newSampleIO(f, bits)
	stride := int(f.Stride(info.XSize))
	alpha := e.hdr.alphaChannel()
	ec := alpha
	if ec < 0 && len(e.hdr.extra) > 0 {
		ec = 0
	}
	for y := range h {
		row := pixels[y*stride:]
		for x := range w {
			px := p.at(x, y)
			off := x * n * sio.size
			for c := range nColor {
				px[c] = float32(sio.read(row[off+c*sio.size:]))
			}
			if alpha >= 0 {
				px[nColor+alpha] = 1
			}
			if n > nColor && ec >= 0 {
				px[nColor+ec] = float32(sio.read(row[off+nColor*sio.size:]))
			}
		}
	}
	return p, nil
}

// begin writes the container prefix once.
func (e *Encoder) begin() {
	if e.started {
		return
	}
	e.started = true
	if e.container {
		e.pending = append(e.pending, container.Magic()...)
		e.pending = container.AppendFileType(e.pending)
	}
}

func (e *Encoder) writeHeader(first *plane, effort int) error {
	if !e.haveColor {
		e.color = colorSection{enc: color.SRGB(e.hdr.info.NumColorChannels == 1)}
		e.haveColor = true
	}
	cb, err := e.color.append(nil)
	if err != nil {
		return fmt.Errorf("rawcodec: color section: %w", err)
	}
	e.cs = append(e.cs, container.CodestreamMarker()...)
	e.cs = appendSection(e.cs, e.hdr.append(nil))
	e.cs = appendSection(e.cs, cb)
	if e.hdr.info.HavePreview {
		e.cs = appendSection(e.cs, e.encodePreview(first, effort))
	}
	e.csStarted = true
	return nil
}

// encodePreview samples the first frame down to the preview size.
func (e *Encoder) encodePreview(p *plane, effort int) []byte {
	pw, ph := int(e.hdr.info.Preview.XSize), int(e.hdr.info.Preview.YSize)
	l := newColorLayout(&e.hdr)
	e.raw = e.raw[:0]
	px := make([]byte, l.size)
	for y := range ph {
		sy := y * p.h / ph
		for x := range pw {
			l.encode(px, p.at(x*p.w/pw, sy))
			e.raw = append(e.raw, px...)
		}
	}
	return compressGroup(nil, e.raw, effort)
}

func (e *Encoder) encodeGroups(p *plane, groupRows, effort int) []byte {
	var out []byte
	px := make([]byte, e.layout.size)
	for y0 := 0; y0 < p.h; y0 += groupRows {
		rows := min(groupRows, p.h-y0)
		e.raw = e.raw[:0]
		for y := range rows {
			for x := range p.w {
				e.layout.encode(px, p.at(x, y0+y))
				e.raw = append(e.raw, px...)
			}
		}
		out = appendSection(out, compressGroup(nil, e.raw, effort))
	}
	return out
}

// releaseHeld appends the held frame to the codestream.
func (e *Encoder) releaseHeld(last bool) {
	if e.held == nil {
		return
	}
	e.held.rec.header.IsLast = last
	e.cs = appendSection(e.cs, e.held.rec.append(nil))
	e.cs = append(e.cs, e.held.groups...)
	e.held = nil
}

// flushCodestream moves framed codestream bytes into the output. In a
// container the codestream is split into jxlp boxes, or one jxlc box when it
// is complete before any part was written.
func (e *Encoder) flushCodestream() {
	if e.csClosed {
		return
	}
	final := e.framesClosed && e.held == nil && e.csStarted
	if !e.container {
		e.pending = append(e.pending, e.cs...)
		e.cs = e.cs[:0]
		e.csClosed = final
		return
	}
	switch {
	case final && e.partIndex == 0:
		e.pending = container.AppendBox(e.pending, container.TypeCodestream, e.cs)
	case len(e.cs) > 0 || final:
		e.pending = container.AppendPartial(e.pending, e.partIndex, final, e.cs)
		e.partIndex++
	}
	e.cs = e.cs[:0]
	e.csClosed = final
}

// ProcessOutput copies encoded bytes into out.
func (e *Encoder) ProcessOutput(out []byte) (outbuf.Status, int, error) {
	if e.inputClosed && e.frames == 0 {
		return outbuf.StatusError, 0, errNoFrames
	}
	if e.csStarted {
		e.flushCodestream()
	}
	n := copy(out, e.pending)
	e.pending = e.pending[n:]
	if len(e.pending) > 0 {
		return outbuf.StatusNeedMoreOutput, n, nil
	}
	return outbuf.StatusDone, n, nil
}
