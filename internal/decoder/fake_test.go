package decoder

import (
	"github.com/zsiec/jxlstream/internal/backend"
	"github.com/zsiec/jxlstream/internal/color"
	"github.com/zsiec/jxlstream/internal/container"
	"github.com/zsiec/jxlstream/internal/event"
	"github.com/zsiec/jxlstream/internal/meta"
)

// step is one scripted backend unit. The unit is produced once at least
// need bytes are pending; it then consumes consume bytes.
type step struct {
	ev      event.Event
	need    int
	consume int
	err     error
	box     backend.BoxInfo
	header  meta.FrameHeader
	name    string
}

// scriptedBackend replays steps, honoring the subscription the way a real
// backend does: image buffers are only requested when FullImage is
// subscribed.
type scriptedBackend struct {
	steps []step
	pos   int
	info  meta.BasicInfo

	mask       event.Mask
	image      backend.Output
	calls      int
	rewinds    int
	header     meta.FrameHeader
	name       string
	box        backend.BoxInfo
	boxBuf     []byte
	boxWritten int
	decompress bool
	opts       backend.Options
	skipped    int
	preferred  *color.Encoding
}

func newScripted(info meta.BasicInfo, steps ...step) *scriptedBackend {
	return &scriptedBackend{info: info, steps: steps}
}

func (b *scriptedBackend) Subscribe(m event.Mask) error {
	b.mask = m
	return nil
}

func (b *scriptedBackend) Process(in []byte, closed bool) (event.Event, int, error) {
	b.calls++
	for b.pos < len(b.steps) {
		s := b.steps[b.pos]
		if s.ev.Kind == event.KindNeedImageBuffer && !b.mask.Has(event.KindFullImage) {
			b.pos++
			continue
		}
		if s.ev.Kind == event.KindNeedImageBuffer && (b.image.Buf != nil || b.image.Rows != nil) {
			b.pos++
			continue
		}
		if len(in) < s.need {
			return event.Of(event.KindNeedMoreInput), 0, nil
		}
		b.pos++
		switch s.ev.Kind {
		case event.KindFrame:
			b.header, b.name = s.header, s.name
		case event.KindFullImage:
			b.emitPixels()
			b.image = backend.Output{}
		case event.KindBox:
			b.box = s.box
			b.boxWritten = 0
		case event.KindBoxComplete:
			if b.boxBuf != nil {
				b.boxWritten = copy(b.boxBuf, "payload")
			}
		}
		return s.ev, min(s.consume, len(in)), s.err
	}
	return event.Of(event.KindDone), 0, nil
}

func (b *scriptedBackend) emitPixels() {
	bpp := b.image.Format.BytesPerPixel()
	row := make([]byte, int(b.info.XSize)*bpp)
	for y := range int(b.info.YSize) {
		for i := range row {
			row[i] = byte(y)
		}
		if b.image.Rows != nil {
			b.image.Rows(0, y, int(b.info.XSize), row)
		} else if b.image.Buf != nil {
			copy(b.image.Buf[y*len(row):], row)
		}
	}
}

func (b *scriptedBackend) BasicInfo() (meta.BasicInfo, bool) {
	return b.info, b.pos > 0
}

func (b *scriptedBackend) SetImageOutput(out backend.Output) error {
	b.image = out
	return nil
}

func (b *scriptedBackend) Rewind() {
	b.rewinds++
	b.pos = 0
	b.image = backend.Output{}
}

func (b *scriptedBackend) FrameHeader() meta.FrameHeader { return b.header }
func (b *scriptedBackend) FrameName() string             { return b.name }
func (b *scriptedBackend) ExtraChannelBlendInfo(int) (meta.BlendInfo, error) {
	return meta.BlendInfo{Mode: meta.BlendReplace}, nil
}

func (b *scriptedBackend) SkipFrames(n int) { b.skipped += n }
func (b *scriptedBackend) SkipCurrentFrame() error {
	b.image = backend.Output{}
	for b.pos < len(b.steps) && b.steps[b.pos].ev.Kind != event.KindFullImage {
		b.pos++
	}
	if b.pos < len(b.steps) {
		b.pos++
	}
	return nil
}

func (b *scriptedBackend) Box() backend.BoxInfo { return b.box }
func (b *scriptedBackend) SetBoxBuffer(buf []byte) error {
	b.boxBuf = buf
	return nil
}
func (b *scriptedBackend) ReleaseBoxBuffer() int {
	n := len(b.boxBuf) - b.boxWritten
	b.boxBuf = nil
	return n
}
func (b *scriptedBackend) SetDecompressBoxes(d bool) error {
	b.decompress = d
	return nil
}

func (b *scriptedBackend) Configure(o backend.Options) error {
	b.opts = o
	return nil
}

func (b *scriptedBackend) ColorEncoding(backend.ColorTarget) (color.Encoding, bool) {
	return color.SRGB(false), true
}
func (b *scriptedBackend) ICCProfile(backend.ColorTarget) ([]byte, error) {
	return []byte("icc"), nil
}
func (b *scriptedBackend) SetPreferredColorProfile(enc color.Encoding) error {
	b.preferred = &enc
	return nil
}

// stillImage scripts a single-frame image: 64 bytes of header, then the
// frame payload.
func stillImage() []step {
	return []step{
		{ev: event.Of(event.KindBasicInfo), need: 16, consume: 16},
		{ev: event.Of(event.KindColorEncoding), need: 8, consume: 8},
		{ev: event.Of(event.KindFrame), need: 8, consume: 8, header: meta.FrameHeader{IsLast: true}, name: "base"},
		{ev: event.NeedBuffer(event.Image)},
		{ev: event.Of(event.KindFullImage), need: 32, consume: 32},
	}
}

func rgbInfo(x, y uint32) meta.BasicInfo {
	info := meta.DefaultBasicInfo()
	info.XSize, info.YSize = x, y
	return info
}

func boxType(s string) container.Type {
	t, _ := container.ParseType(s)
	return t
}
