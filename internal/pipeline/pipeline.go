// Package pipeline drives the decoder over a single ingested byte stream,
// feeding it chunk by chunk as bytes arrive and forwarding decoded frames
// and metadata boxes to a Sink while collecting telemetry.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/jxlstream/internal/backend"
	"github.com/zsiec/jxlstream/internal/codecerr"
	"github.com/zsiec/jxlstream/internal/container"
	"github.com/zsiec/jxlstream/internal/decoder"
	"github.com/zsiec/jxlstream/internal/dispatch"
	"github.com/zsiec/jxlstream/internal/event"
	"github.com/zsiec/jxlstream/internal/meta"
	"github.com/zsiec/jxlstream/internal/pixfmt"
)

// DefaultChunkSize is the read size used when none is configured.
const DefaultChunkSize = 64 << 10

// boxChunk is the size of each buffer lent for box contents.
const boxChunk = 16 << 10

// nameBuffer fits the longest frame name and its terminator.
const nameBuffer = 1072

// ErrSink wraps errors returned by the Sink.
var ErrSink = errors.New("pipeline: sink rejected output")

// Image is one displayed frame. Pixels is owned by the receiver.
type Image struct {
	Index  int
	Name   string
	Info   meta.BasicInfo
	Header meta.FrameHeader
	Format pixfmt.Format
	Width  uint32
	Height uint32
	Pixels []byte
}

// Sink receives the decoded output of one stream. Calls are made from the
// goroutine running the pipeline.
type Sink interface {
	Image(key string, img *Image) error
	Box(key string, t container.Type, contents []byte) error
}

// Stats are the pipeline's counters.
type Stats struct {
	BytesRead    int64         `json:"bytesRead"`
	Chunks       int64         `json:"chunks"`
	Events       int64         `json:"events"`
	Frames       int64         `json:"frames"`
	Boxes        int64         `json:"boxes"`
	Uptime       time.Duration `json:"uptime"`
	LastEvent    string        `json:"lastEvent"`
	Container    bool          `json:"container"`
	Width        uint32        `json:"width"`
	Height       uint32        `json:"height"`
	Capabilities string        `json:"capabilities"`
	DecoderMode  string        `json:"decoderMode"`
}

// Pipeline bridges one stream's byte reader and a Sink.
type Pipeline struct {
	log       *slog.Logger
	streamKey string
	input     io.Reader
	sink      Sink
	be        backend.Decoder
	startTime time.Time

	chunkSize  int
	format     pixfmt.Format
	threads    int
	registry   *dispatch.Registry
	keepBoxes  bool
	decompress bool

	bytesRead atomic.Int64
	chunks    atomic.Int64
	events    atomic.Int64
	frames    atomic.Int64
	boxes     atomic.Int64
	lastEvent atomic.Value
	info      atomic.Pointer[meta.BasicInfo]
	caps      atomic.Value
}

// OptLogger sets the logger. The default is slog.Default().
func OptLogger(log *slog.Logger) func(*Pipeline) {
	return func(p *Pipeline) {
		p.log = log
	}
}

// OptChunkSize sets how many bytes are read from the input per step.
func OptChunkSize(n int) func(*Pipeline) {
	return func(p *Pipeline) {
		p.chunkSize = n
	}
}

// OptFormat sets the pixel format frames are delivered in. The default is
// pixfmt.RGBA8.
func OptFormat(f pixfmt.Format) func(*Pipeline) {
	return func(p *Pipeline) {
		p.format = f
	}
}

// OptThreads delivers pixels through a multi-threaded callback with n
// workers instead of a lent buffer.
func OptThreads(n int) func(*Pipeline) {
	return func(p *Pipeline) {
		p.threads = n
	}
}

// OptRegistry shares a callback registry between pipelines.
func OptRegistry(r *dispatch.Registry) func(*Pipeline) {
	return func(p *Pipeline) {
		p.registry = r
	}
}

// OptBoxes forwards metadata boxes to the sink. With decompress set, brob
// boxes arrive decompressed under their inner type.
func OptBoxes(decompress bool) func(*Pipeline) {
	return func(p *Pipeline) {
		p.keepBoxes = true
		p.decompress = decompress
	}
}

// New creates a Pipeline that decodes input with be and hands the results
// to sink.
func New(streamKey string, input io.Reader, sink Sink, be backend.Decoder, opts ...func(*Pipeline)) *Pipeline {
	p := &Pipeline{
		streamKey: streamKey,
		input:     input,
		sink:      sink,
		be:        be,
		chunkSize: DefaultChunkSize,
		format:    pixfmt.RGBA8,
		threads:   1,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.chunkSize <= 0 {
		p.chunkSize = DefaultChunkSize
	}
	p.log = p.log.With("stream", streamKey)
	return p
}

// Stats returns a point-in-time snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		BytesRead: p.bytesRead.Load(),
		Chunks:    p.chunks.Load(),
		Events:    p.events.Load(),
		Frames:    p.frames.Load(),
		Boxes:     p.boxes.Load(),
		Uptime:    time.Since(p.startTime),
	}
	s.LastEvent, _ = p.lastEvent.Load().(string)
	s.Capabilities, _ = p.caps.Load().(string)
	if info := p.info.Load(); info != nil {
		s.Container = info.HaveContainer
		s.Width, s.Height = info.DisplaySize()
	}
	s.DecoderMode = "buffer"
	if p.threads > 1 {
		s.DecoderMode = fmt.Sprintf("callback x%d", p.threads)
	}
	return s
}

// run is the state of one Run call.
type run struct {
	d      *decoder.Decoder
	buf    []byte
	info   meta.BasicInfo
	header meta.FrameHeader
	name   string
	index  int
	pixels []byte
	stride int

	boxType container.Type
	boxBuf  []byte
	box     []byte
}

// Run decodes the stream until the image is complete, the input fails or
// the context is cancelled. A cancelled context returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	d, err := decoder.New(p.be,
		decoder.OptLogger(p.log),
		decoder.OptThreads(p.threads),
		decoder.OptRegistry(p.registry),
	)
	if err != nil {
		return fmt.Errorf("pipeline %s: %w", p.streamKey, err)
	}
	p.caps.Store(d.Capabilities().String())

	kinds := []event.Kind{event.KindBasicInfo, event.KindFrame, event.KindFullImage}
	if p.keepBoxes {
		kinds = append(kinds, event.KindBox, event.KindBoxComplete)
		if err := d.SetDecompressBoxes(p.decompress); err != nil {
			return fmt.Errorf("pipeline %s: %w", p.streamKey, err)
		}
	}
	if err := d.Subscribe(event.MustSubscribe(kinds...)); err != nil {
		return fmt.Errorf("pipeline %s: %w", p.streamKey, err)
	}

	r := &run{d: d, buf: make([]byte, p.chunkSize)}
	for {
		if ctx.Err() != nil {
			return nil
		}
		ev := d.Process()
		p.events.Add(1)
		p.lastEvent.Store(ev.Kind.String())

		switch ev.Kind {
		case event.KindNeedMoreInput:
			if err := p.feed(r); err != nil {
				return err
			}
		case event.KindBasicInfo:
			r.info, _ = d.BasicInfo()
			p.info.Store(&r.info)
			w, h := r.info.DisplaySize()
			p.log.Info("image", "width", w, "height", h,
				"container", r.info.HaveContainer, "animation", r.info.HaveAnimation)
		case event.KindFrame:
			p.inspectFrame(r)
		case event.KindNeedImageBuffer:
			if err := p.lendImage(r); err != nil {
				return fmt.Errorf("pipeline %s: %w", p.streamKey, err)
			}
		case event.KindFullImage:
			if err := p.emitImage(r); err != nil {
				return err
			}
		case event.KindBox:
			if r.boxType, err = d.BoxType(p.decompress); err != nil {
				return fmt.Errorf("pipeline %s: %w", p.streamKey, err)
			}
			r.box = r.box[:0]
			r.boxBuf = make([]byte, boxChunk)
			if err := d.SetBoxBuffer(r.boxBuf); err != nil {
				return fmt.Errorf("pipeline %s: %w", p.streamKey, err)
			}
		case event.KindBoxNeedMoreOutput:
			r.releaseBox()
			if err := d.SetBoxBuffer(r.boxBuf); err != nil {
				return fmt.Errorf("pipeline %s: %w", p.streamKey, err)
			}
		case event.KindBoxComplete:
			r.releaseBox()
			p.boxes.Add(1)
			if err := p.sink.Box(p.streamKey, r.boxType, r.box); err != nil {
				return fmt.Errorf("%w: %w", ErrSink, err)
			}
			r.box = nil
		case event.KindDone:
			st := p.Stats()
			p.log.Info("stream decoded", "frames", st.Frames, "boxes", st.Boxes,
				"bytes", st.BytesRead, "events", st.Events)
			return p.drain()
		case event.KindError:
			return fmt.Errorf("pipeline %s: %w", p.streamKey, ev.Err)
		}
	}
}

// inspectFrame records the header and name of the announced frame. Backends
// without frame metadata leave both empty.
func (p *Pipeline) inspectFrame(r *run) {
	var err error
	if r.header, err = r.d.FrameHeader(); err != nil && !errors.Is(err, codecerr.ErrUnsupported) {
		p.log.Warn("frame header unavailable", "error", err)
	}
	if r.name, err = r.d.FrameName(nameBuffer); err != nil && !errors.Is(err, codecerr.ErrUnsupported) {
		p.log.Warn("frame name unavailable", "error", err)
	}
}

// feed reads the next chunk into the decoder, closing its input at EOF.
func (p *Pipeline) feed(r *run) error {
	for {
		n, err := p.input.Read(r.buf)
		if n > 0 {
			p.bytesRead.Add(int64(n))
			p.chunks.Add(1)
			if serr := r.d.SetInput(r.buf[:n]); serr != nil {
				return fmt.Errorf("pipeline %s: %w", p.streamKey, serr)
			}
		}
		switch {
		case errors.Is(err, io.EOF):
			r.d.CloseInput()
			return nil
		case err != nil:
			return fmt.Errorf("pipeline %s: read: %w", p.streamKey, err)
		case n > 0:
			return nil
		}
	}
}

// drain discards bytes after the end of the image so the publisher is not
// blocked on a full pipe.
func (p *Pipeline) drain() error {
	n, err := io.Copy(io.Discard, p.input)
	if n > 0 {
		p.log.Warn("trailing bytes after image", "bytes", n)
	}
	if err != nil {
		return fmt.Errorf("pipeline %s: read: %w", p.streamKey, err)
	}
	return nil
}

func (p *Pipeline) lendImage(r *run) error {
	size, err := r.d.ImageOutBufferSize(p.format)
	if err != nil {
		return err
	}
	w, _ := r.info.DisplaySize()
	r.pixels = make([]byte, size)
	r.stride = int(p.format.Stride(w))
	if p.threads <= 1 {
		return r.d.SetImageOutBuffer(p.format, r.pixels)
	}
	bpp := p.format.BytesPerPixel()
	pixels, stride := r.pixels, r.stride
	return r.d.SetMultithreadedImageOutCallback(p.format, dispatch.Multi{
		Init: func(int, int) (any, error) { return nil, nil },
		Run: func(_ any, _, x, y, n int, row []byte) {
			copy(pixels[y*stride+x*bpp:], row[:n*bpp])
		},
	})
}

func (p *Pipeline) emitImage(r *run) error {
	if r.pixels == nil {
		return nil
	}
	w, h := r.info.DisplaySize()
	img := &Image{
		Index:  r.index,
		Name:   r.name,
		Info:   r.info,
		Header: r.header,
		Format: p.format,
		Width:  w,
		Height: h,
		Pixels: r.pixels,
	}
	r.index++
	r.pixels = nil
	p.frames.Add(1)
	p.log.Debug("frame decoded", "index", img.Index, "name", img.Name, "duration", img.Header.Duration)
	if err := p.sink.Image(p.streamKey, img); err != nil {
		return fmt.Errorf("%w: %w", ErrSink, err)
	}
	return nil
}

func (r *run) releaseBox() {
	n := r.d.ReleaseBoxBuffer()
	r.box = append(r.box, r.boxBuf[:len(r.boxBuf)-n]...)
}
