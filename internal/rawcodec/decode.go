package rawcodec

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zsiec/jxlstream/internal/backend"
	"github.com/zsiec/jxlstream/internal/codecerr"
	"github.com/zsiec/jxlstream/internal/color"
	"github.com/zsiec/jxlstream/internal/container"
	"github.com/zsiec/jxlstream/internal/event"
	"github.com/zsiec/jxlstream/internal/icc"
	"github.com/zsiec/jxlstream/internal/meta"
	"github.com/zsiec/jxlstream/internal/pixfmt"
)

var (
	_ backend.Decoder            = (*Decoder)(nil)
	_ backend.ColorProfiler      = (*Decoder)(nil)
	_ backend.FrameInspector     = (*Decoder)(nil)
	_ backend.FrameSkipper       = (*Decoder)(nil)
	_ backend.BoxSource          = (*Decoder)(nil)
	_ backend.JPEGSource         = (*Decoder)(nil)
	_ backend.Progressive        = (*Decoder)(nil)
	_ backend.PreviewSource      = (*Decoder)(nil)
	_ backend.ExtraChannelSource = (*Decoder)(nil)
	_ backend.Configurable       = (*Decoder)(nil)
	_ backend.SizeHinter         = (*Decoder)(nil)
)

// maxSamples bounds the float samples of one canvas.
const maxSamples = 1 << 26

type stage int

const (
	stageMarker stage = iota
	stageHeader
	stageColor
	stagePreview
	stageFrame
	stageImageBuffer
	stageGroups
	stageJPEG
	stageFinish
	stageEnd
)

type frameState struct {
	rec     frameRecord
	layer   *plane
	group   int
	hidden  bool // merged into a later frame by coalescing
	skipped bool
}

func (f *frameState) visible() bool { return !f.hidden && !f.skipped }

// Decoder is the decoding backend. It absorbs all input it is handed, so
// the driving state machine never has to resupply bytes.
type Decoder struct {
	log *slog.Logger

	// Configuration, kept by Rewind.
	mask       event.Mask
	opts       backend.Options
	detail     backend.ProgressiveDetail
	decompress bool
	preferred  *color.Encoding

	raw    []byte // input not yet parsed by the container layer
	closed bool
	sig    container.Signature

	box             boxState
	boxBuf          []byte
	boxWritten      int
	partIndex       uint32
	partLast        bool
	codestreamBoxes int

	cs           []byte // codestream bytes not yet parsed
	stage        stage
	csDone       bool
	hdr          imageHeader
	haveHdr      bool
	color        colorSection
	haveColor    bool
	layout       pixelLayout
	render       *renderer
	canvas       *plane
	frame        *frameState
	frames       int
	skip         int
	previewAsked bool

	image      backend.Output
	imageSet   bool
	preview    backend.Output
	previewSet bool
	extra      map[int]backend.Output

	jpeg        []byte
	jpegBuf     []byte
	jpegWritten int

	group []byte
	row   []byte
}

// NewDecoder returns a decoding backend. A nil log uses slog.Default().
func NewDecoder(log *slog.Logger) *Decoder {
	if log == nil {
		log = slog.Default()
	}
	return &Decoder{
		log:   log.With("component", "rawcodec-decoder"),
		opts:  backend.DefaultOptions(),
		extra: make(map[int]backend.Output),
	}
}

// Subscribe records which informational events are wanted.
func (d *Decoder) Subscribe(mask event.Mask) error {
	d.mask = mask
	return nil
}

// Configure applies decoder options.
func (d *Decoder) Configure(o backend.Options) error {
	d.opts = o
	d.refreshRenderer()
	return nil
}

// Process absorbs in and runs until one event is produced.
func (d *Decoder) Process(in []byte, closed bool) (event.Event, int, error) {
	d.raw = append(d.raw, in...)
	d.closed = closed
	ev, err := d.next()
	return ev, len(in), err
}

func (d *Decoder) next() (event.Event, error) {
	needInput := event.Of(event.KindNeedMoreInput)
	if d.sig == container.NotEnoughBytes {
		switch d.sig = container.CheckSignature(d.raw); d.sig {
		case container.NotEnoughBytes:
			return needInput, nil
		case container.Invalid:
			return event.Event{}, errors.New("rawcodec: input is neither a codestream nor a container")
		}
		d.log.Debug("signature", "kind", d.sig)
	}
	for {
		if d.finished() {
			return event.Of(event.KindDone), nil
		}
		if d.box.active && d.box.kind == boxMetadata {
			ev, ok, progressed, err := d.readMetadata()
			switch {
			case err != nil:
				return event.Event{}, err
			case ok:
				return ev, nil
			case !progressed:
				return needInput, nil
			}
			continue
		}
		if !d.csDone {
			ev, ok, err := d.decodeStep()
			if err != nil || ok {
				return ev, err
			}
			if d.csDone {
				continue
			}
		}
		ev, ok, progressed, err := d.demux()
		switch {
		case err != nil:
			return event.Event{}, err
		case ok:
			return ev, nil
		case !progressed:
			return needInput, nil
		}
	}
}

// finished reports whether the stream has nothing more to report. With box
// events subscribed the container is read to its end.
func (d *Decoder) finished() bool {
	if !d.csDone {
		return false
	}
	if d.sig == container.Codestream || !d.mask.Has(event.KindBox) {
		return true
	}
	return d.closed && len(d.raw) == 0 && !d.box.active
}

// section splits the next section off the codestream.
func (d *Decoder) section() ([]byte, bool, error) {
	p, n, ok, err := section(d.cs)
	if err != nil || !ok {
		return nil, false, err
	}
	d.cs = d.cs[n:]
	return p, true, nil
}

// decodeStep advances the codestream until it produces an event. ok is false
// when more codestream bytes are needed or the codestream ended.
func (d *Decoder) decodeStep() (event.Event, bool, error) {
	for {
		switch d.stage {
		case stageMarker:
			if len(d.cs) < 2 {
				return event.Event{}, false, nil
			}
			if d.cs[0] != 0xFF || d.cs[1] != 0x0A {
				return event.Event{}, false, fmt.Errorf("rawcodec: codestream starts with % X", d.cs[:2])
			}
			d.cs = d.cs[2:]
			d.stage = stageHeader

		case stageHeader:
			p, ok, err := d.section()
			if err != nil || !ok {
				return event.Event{}, false, err
			}
			h, err := parseImageHeader(p)
			if err != nil {
				return event.Event{}, false, fmt.Errorf("rawcodec: header: %w", err)
			}
			ch := uint64(h.info.NumColorChannels) + uint64(len(h.extra))
			if uint64(h.info.XSize)*uint64(h.info.YSize)*ch > maxSamples {
				return event.Event{}, false, fmt.Errorf("rawcodec: image %dx%d too large", h.info.XSize, h.info.YSize)
			}
			h.info.HaveContainer = d.sig == container.Container
			d.hdr, d.haveHdr = h, true
			d.layout = newPixelLayout(&d.hdr)
			d.stage = stageColor
			d.log.Debug("basic info", "xsize", h.info.XSize, "ysize", h.info.YSize, "extra", len(h.extra))
			return event.Of(event.KindBasicInfo), true, nil

		case stageColor:
			p, ok, err := d.section()
			if err != nil || !ok {
				return event.Event{}, false, err
			}
			cs, err := parseColorSection(p)
			if err != nil {
				return event.Event{}, false, fmt.Errorf("rawcodec: color: %w", err)
			}
			if cs.profile == nil && (cs.enc.Space == color.SpaceGray) != (d.hdr.info.NumColorChannels == 1) {
				return event.Event{}, false, fmt.Errorf("rawcodec: color space %d with %d color channels", cs.enc.Space, d.hdr.info.NumColorChannels)
			}
			d.color, d.haveColor = cs, true
			d.refreshRenderer()
			d.stage = stageFrame
			if d.hdr.info.HavePreview {
				d.stage = stagePreview
			}
			return event.Of(event.KindColorEncoding), true, nil

		case stagePreview:
			want := d.mask.Has(event.KindPreviewImage)
			if want && !d.previewSet && !d.previewAsked {
				d.previewAsked = true
				return event.NeedBuffer(event.Preview), true, nil
			}
			p, ok, err := d.section()
			if err != nil || !ok {
				return event.Event{}, false, err
			}
			d.stage = stageFrame
			if !want || !d.previewSet {
				continue
			}
			pv, err := d.decodePreview(p)
			if err != nil {
				return event.Event{}, false, err
			}
			d.row = d.render.write(pv, d.preview, d.outBits(d.preview.Format), d.orientation(), d.row)
			d.preview, d.previewSet = backend.Output{}, false
			return event.Of(event.KindPreviewImage), true, nil

		case stageFrame:
			p, ok, err := d.section()
			if err != nil || !ok {
				return event.Event{}, false, err
			}
			rec, err := parseFrameRecord(p, &d.hdr)
			if err != nil {
				return event.Event{}, false, fmt.Errorf("rawcodec: frame %d: %w", d.frames, err)
			}
			if err := d.startFrame(rec); err != nil {
				return event.Event{}, false, err
			}
			d.stage = stageGroups
			if d.frame.visible() {
				d.stage = stageImageBuffer
				return event.Of(event.KindFrame), true, nil
			}

		case stageImageBuffer:
			d.stage = stageGroups
			if d.frame.visible() && d.mask.Has(event.KindFullImage) && !d.imageSet {
				return event.NeedBuffer(event.Image), true, nil
			}

		case stageGroups:
			f := d.frame
			if f.group == f.rec.groups() {
				d.endGroups()
				continue
			}
			p, ok, err := d.section()
			if err != nil || !ok {
				return event.Event{}, false, err
			}
			if err := d.decodeGroup(p); err != nil {
				return event.Event{}, false, fmt.Errorf("rawcodec: frame %d group %d: %w", d.frames, f.group, err)
			}
			if d.detail > backend.DetailFrames && f.visible() && f.group < f.rec.groups() {
				return event.Of(event.KindFrameProgression), true, nil
			}

		case stageJPEG:
			if ev, ok := d.writeJPEG(); ok {
				return ev, true, nil
			}
			d.stage = stageFinish

		case stageFinish:
			d.finishFrame()
			d.nextFrame()
			return event.Of(event.KindFullImage), true, nil

		case stageEnd:
			return event.Event{}, false, nil
		}
	}
}

func (d *Decoder) startFrame(rec frameRecord) error {
	l := rec.header.Layer
	ch := int(d.hdr.info.NumColorChannels) + len(d.hdr.extra)
	if uint64(l.XSize)*uint64(l.YSize)*uint64(ch) > maxSamples {
		return fmt.Errorf("rawcodec: frame %dx%d too large", l.XSize, l.YSize)
	}
	f := &frameState{
		rec:    rec,
		layer:  newPlane(int(l.XSize), int(l.YSize), ch),
		hidden: d.opts.Coalescing && !rec.header.IsLast && (!d.hdr.info.HaveAnimation || rec.header.Duration == 0),
	}
	if !f.hidden && d.skip > 0 {
		f.skipped = true
		d.skip--
	}
	d.frame = f
	d.log.Debug("frame", "index", d.frames, "name", rec.name, "hidden", f.hidden, "skipped", f.skipped)
	return nil
}

func (d *Decoder) decodeGroup(p []byte) error {
	f := d.frame
	w := f.layer.w
	y0 := f.group * int(f.rec.groupRows)
	rows := min(int(f.rec.groupRows), f.layer.h-y0)
	want := rows * w * d.layout.size
	if want > maxGroupBytes {
		return fmt.Errorf("group of %d bytes exceeds limit", want)
	}
	raw, err := decompressGroup(d.group[:0], p, want)
	if err != nil {
		return err
	}
	d.group = raw
	off := 0
	for y := range rows {
		for x := range w {
			d.layout.decode(f.layer.at(x, y0+y), raw[off:])
			off += d.layout.size
		}
	}
	f.group++
	return nil
}

func (d *Decoder) decodePreview(p []byte) (*plane, error) {
	w, h := int(d.hdr.info.Preview.XSize), int(d.hdr.info.Preview.YSize)
	l := newColorLayout(&d.hdr)
	if uint64(w)*uint64(h) > maxSamples {
		return nil, fmt.Errorf("rawcodec: preview %dx%d too large", w, h)
	}
	want := w * h * l.size
	if want > maxGroupBytes {
		return nil, fmt.Errorf("rawcodec: preview %dx%d too large", w, h)
	}
	raw, err := decompressGroup(d.group[:0], p, want)
	if err != nil {
		return nil, fmt.Errorf("rawcodec: preview: %w", err)
	}
	d.group = raw
	pv := newPlane(w, h, len(l.chans))
	off := 0
	for y := range h {
		for x := range w {
			l.decode(pv.at(x, y), raw[off:])
			off += l.size
		}
	}
	return pv, nil
}

// endGroups composites the finished frame and picks the next stage.
func (d *Decoder) endGroups() {
	f := d.frame
	if d.opts.Coalescing {
		if d.canvas == nil {
			d.canvas = newPlane(int(d.hdr.info.XSize), int(d.hdr.info.YSize), f.layer.ch)
		}
		blend(d.canvas, f.layer, &f.rec, int(d.hdr.info.NumColorChannels), d.hdr.info.AlphaPremultiplied)
	}
	if !f.visible() {
		d.nextFrame()
		return
	}
	d.stage = stageJPEG
}

func (d *Decoder) nextFrame() {
	d.frames++
	if d.frame.rec.header.IsLast {
		d.csDone = true
		d.stage = stageEnd
		return
	}
	d.stage = stageFrame
}

// source returns the plane the current frame's output is rendered from.
func (d *Decoder) source() *plane {
	if d.opts.Coalescing {
		return d.canvas
	}
	return d.frame.layer
}

func (d *Decoder) finishFrame() {
	src := d.source()
	o := d.orientation()
	if d.imageSet {
		d.row = d.render.write(src, d.image, d.outBits(d.image.Format), o, d.row)
	}
	nColor := int(d.hdr.info.NumColorChannels)
	for i, out := range d.extra {
		bits := d.opts.ImageOutBitDepth.Resolve(out.Format, d.hdr.extra[i].info.BitsPerSample)
		d.row = writeChannel(src, nColor+i, out, bits, o, d.row)
	}
	d.clearOutputs()
}

func (d *Decoder) clearOutputs() {
	d.image, d.imageSet = backend.Output{}, false
	clear(d.extra)
}

func (d *Decoder) writeJPEG() (event.Event, bool) {
	if len(d.jpeg) == 0 || d.jpegBuf == nil {
		return event.Event{}, false
	}
	n := copy(d.jpegBuf[d.jpegWritten:], d.jpeg)
	d.jpegWritten += n
	d.jpeg = d.jpeg[n:]
	if len(d.jpeg) == 0 {
		return event.Event{}, false
	}
	return event.NeedBuffer(event.JPEG), true
}

func (d *Decoder) orientation() meta.Orientation {
	if d.opts.KeepOrientation {
		return meta.OrientIdentity
	}
	return d.hdr.info.Orientation
}

func (d *Decoder) outBits(f pixfmt.Format) uint32 {
	return d.opts.ImageOutBitDepth.Resolve(f, d.hdr.info.BitsPerSample)
}

func (d *Decoder) refreshRenderer() {
	if d.haveColor {
		d.render = newRenderer(&d.hdr, &d.color, d.preferred, d.opts)
	}
}

// BasicInfo returns the image header once decoded.
func (d *Decoder) BasicInfo() (meta.BasicInfo, bool) {
	return d.hdr.info, d.haveHdr
}

// SetImageOutput sets the destination of the current frame.
func (d *Decoder) SetImageOutput(out backend.Output) error {
	d.image, d.imageSet = out, true
	return nil
}

// SetPreviewOutput sets the destination of the preview image.
func (d *Decoder) SetPreviewOutput(out backend.Output) error {
	d.preview, d.previewSet = out, true
	return nil
}

// SetExtraChannelOutput sets the destination of extra channel index for the
// current frame.
func (d *Decoder) SetExtraChannelOutput(index int, out backend.Output) error {
	if index < 0 || index >= len(d.hdr.extra) {
		return codecerr.Sequence("set extra channel output", "no extra channel %d", index)
	}
	if out.Buf == nil {
		return codecerr.Unsupported("extra channel callback")
	}
	d.extra[index] = out
	return nil
}

// ExtraChannelInfo describes extra channel index.
func (d *Decoder) ExtraChannelInfo(index int) (meta.ExtraChannelInfo, error) {
	if index < 0 || index >= len(d.hdr.extra) {
		return meta.ExtraChannelInfo{}, codecerr.Sequence("extra channel info", "no extra channel %d", index)
	}
	return d.hdr.extra[index].info, nil
}

// ExtraChannelName returns the name of extra channel index.
func (d *Decoder) ExtraChannelName(index int) (string, error) {
	if index < 0 || index >= len(d.hdr.extra) {
		return "", codecerr.Sequence("extra channel name", "no extra channel %d", index)
	}
	return d.hdr.extra[index].name, nil
}

// FrameHeader returns the header of the last announced frame. With
// coalescing the layer covers the whole canvas.
func (d *Decoder) FrameHeader() meta.FrameHeader {
	if d.frame == nil {
		return meta.FrameHeader{}
	}
	h := d.frame.rec.header
	if d.opts.Coalescing {
		h.Layer = meta.LayerInfo{XSize: d.hdr.info.XSize, YSize: d.hdr.info.YSize}
	}
	return h
}

// FrameName returns the name of the last announced frame.
func (d *Decoder) FrameName() string {
	if d.frame == nil {
		return ""
	}
	return d.frame.rec.name
}

// ExtraChannelBlendInfo returns how extra channel index of the current frame
// is blended.
func (d *Decoder) ExtraChannelBlendInfo(index int) (meta.BlendInfo, error) {
	if d.frame == nil || index < 0 || index >= len(d.frame.rec.extraBlend) {
		return meta.BlendInfo{}, codecerr.Sequence("extra channel blend info", "no extra channel %d", index)
	}
	if d.opts.Coalescing {
		return meta.BlendInfo{}, nil
	}
	return d.frame.rec.extraBlend[index], nil
}

// SkipFrames drops the next n displayed frames.
func (d *Decoder) SkipFrames(n int) { d.skip += n }

// SkipCurrentFrame drops the frame announced last. It is still decoded when
// later frames are blended onto it.
func (d *Decoder) SkipCurrentFrame() error {
	if d.frame == nil || !d.frame.visible() || d.stage == stageFrame || d.stage == stageEnd {
		return codecerr.Sequence("skip current frame", "no frame in progress")
	}
	d.frame.skipped = true
	d.clearOutputs()
	switch d.stage {
	case stageImageBuffer:
		d.stage = stageGroups
	case stageJPEG, stageFinish:
		d.nextFrame()
	}
	return nil
}

// ColorEncoding returns the enumerated encoding for target, if the image has
// one.
func (d *Decoder) ColorEncoding(target backend.ColorTarget) (color.Encoding, bool) {
	if !d.haveColor || d.color.profile != nil {
		return color.Encoding{}, false
	}
	if target == backend.ColorData && d.render.to != nil {
		return *d.render.to, true
	}
	return d.color.enc, true
}

// ICCProfile returns the ICC profile for target. Enumerated encodings get a
// generated profile that embeds the encoding record.
func (d *Decoder) ICCProfile(target backend.ColorTarget) ([]byte, error) {
	if !d.haveColor {
		return nil, codecerr.New("icc profile", codecerr.ErrMetadataNotReady)
	}
	if d.color.profile != nil {
		return bytes.Clone(d.color.profile), nil
	}
	enc, _ := d.ColorEncoding(target)
	return profileFor(enc), nil
}

func profileFor(enc color.Encoding) []byte {
	p := icc.Synthetic(128+color.RecordSize, "mntr")
	if enc.Space == color.SpaceGray {
		copy(p[16:20], "GRAY")
	}
	copy(p[128:], enc.AppendRecord(nil))
	return p
}

// SetPreferredColorProfile asks for pixels in enc. Pixels stay in the image
// encoding when enc differs by more than its transfer function.
func (d *Decoder) SetPreferredColorProfile(enc color.Encoding) error {
	d.preferred = &enc
	d.refreshRenderer()
	return nil
}

// SetProgressiveDetail enables FrameProgression events per row group.
func (d *Decoder) SetProgressiveDetail(detail backend.ProgressiveDetail) error {
	d.detail = detail
	return nil
}

// FlushImage renders the rows decoded so far; rows not yet decoded are
// zero, or the previous canvas with coalescing.
func (d *Decoder) FlushImage() error {
	if d.frame == nil || !d.imageSet || d.stage != stageGroups {
		return codecerr.Sequence("flush image", "no frame is being decoded")
	}
	src := d.frame.layer
	if d.opts.Coalescing {
		if d.canvas != nil {
			src = d.canvas.clone()
		} else {
			src = newPlane(int(d.hdr.info.XSize), int(d.hdr.info.YSize), d.frame.layer.ch)
		}
		blend(src, d.frame.layer, &d.frame.rec, int(d.hdr.info.NumColorChannels), d.hdr.info.AlphaPremultiplied)
	}
	d.row = d.render.write(src, d.image, d.outBits(d.image.Format), d.orientation(), d.row)
	return nil
}

// SetJPEGBuffer lends buf for reconstructed JPEG bytes.
func (d *Decoder) SetJPEGBuffer(buf []byte) error {
	d.jpegBuf, d.jpegWritten = buf, 0
	return nil
}

// ReleaseJPEGBuffer detaches the JPEG buffer and returns its unwritten
// length.
func (d *Decoder) ReleaseJPEGBuffer() int {
	n := len(d.jpegBuf) - d.jpegWritten
	d.jpegBuf, d.jpegWritten = nil, 0
	return n
}

// SizeHintBasicInfo estimates the input needed for the basic info.
func (d *Decoder) SizeHintBasicInfo() int {
	n := 2 + 48
	if d.sig != container.Codestream {
		n += 12 + 20 + 12
	}
	return n
}

// Rewind forgets the stream and keeps the configuration.
func (d *Decoder) Rewind() {
	*d = Decoder{
		log:        d.log,
		mask:       d.mask,
		opts:       d.opts,
		detail:     d.detail,
		decompress: d.decompress,
		preferred:  d.preferred,
		raw:        d.raw[:0],
		extra:      make(map[int]backend.Output),
		group:      d.group[:0],
		row:        d.row[:0],
	}
}
