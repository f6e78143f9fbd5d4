// Package decoder drives a codec backend incrementally. The caller supplies
// input in chunks of any size and calls Process repeatedly; each call
// returns exactly one event describing what the caller must do next or what
// has become available. Pixel and box output goes into caller buffers or
// callbacks negotiated through the same object.
package decoder

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/zsiec/jxlstream/internal/backend"
	"github.com/zsiec/jxlstream/internal/codecerr"
	"github.com/zsiec/jxlstream/internal/color"
	"github.com/zsiec/jxlstream/internal/dispatch"
	"github.com/zsiec/jxlstream/internal/event"
	"github.com/zsiec/jxlstream/internal/feed"
	"github.com/zsiec/jxlstream/internal/meta"
)

// Phase is the position of a stream in the decode protocol.
type Phase int

// Decode phases.
const (
	PhaseStart Phase = iota
	PhaseAwaitingBasicInfo
	PhaseAwaitingColorEncoding
	PhaseAwaitingFrame
	PhaseAwaitingOutputBuffer
	PhaseStreamingPixels
	PhaseFrameComplete
	PhaseDone
	PhaseError
)

var phaseNames = [...]string{
	PhaseStart:                 "start",
	PhaseAwaitingBasicInfo:     "awaiting-basic-info",
	PhaseAwaitingColorEncoding: "awaiting-color-encoding",
	PhaseAwaitingFrame:         "awaiting-frame",
	PhaseAwaitingOutputBuffer:  "awaiting-output-buffer",
	PhaseStreamingPixels:       "streaming-pixels",
	PhaseFrameComplete:         "frame-complete",
	PhaseDone:                  "done",
	PhaseError:                 "error",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Stats counts what one stream has produced so far.
type Stats struct {
	BytesConsumed int64
	Events        int64 // surfaced to the caller
	Absorbed      int64 // informational events nobody subscribed to
	Frames        int64
	InputRequests int64
}

// Decoder is the decode state machine for one stream. It is not safe for
// concurrent use; only multi-threaded pixel callbacks run on other
// goroutines, and those are drained before Process returns.
type Decoder struct {
	log  *slog.Logger
	be   backend.Decoder
	caps backend.Capabilities
	disp *dispatch.Dispatcher
	in   feed.Feeder

	threads  int
	registry *dispatch.Registry

	// Configuration. Rewind keeps it; Reset clears it.
	mask       event.Mask
	preferred  *color.Encoding
	decompress bool
	opts       backend.Options
	detail     backend.ProgressiveDetail
	frameSkips int

	// Per-stream state.
	phase      Phase
	cause      error
	started    bool
	pending    event.Event
	info       meta.BasicInfo
	haveInfo   bool
	haveColor  bool
	frameSeen  bool
	frameOpen  bool
	imageSet   bool
	previewSet bool
	extraSet   map[int]bool
	box        boxState
	jpeg       jpegState
	stats      Stats
}

// OptLogger sets the logger. The default is slog.Default().
func OptLogger(log *slog.Logger) func(*Decoder) {
	return func(d *Decoder) {
		d.log = log
	}
}

// OptThreads sets the worker count for multi-threaded pixel callbacks.
func OptThreads(n int) func(*Decoder) {
	return func(d *Decoder) {
		d.threads = n
	}
}

// OptRegistry shares a callback registry between decoders.
func OptRegistry(r *dispatch.Registry) func(*Decoder) {
	return func(d *Decoder) {
		d.registry = r
	}
}

// New creates a Decoder over be. It fails with codecerr.ErrMissingCapability
// when be is unusable.
func New(be backend.Decoder, opts ...func(*Decoder)) (*Decoder, error) {
	caps, err := backend.Resolve(be)
	if err != nil {
		return nil, err
	}
	d := &Decoder{
		be:      be,
		caps:    caps,
		threads: 1,
		opts:    backend.DefaultOptions(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	d.log = d.log.With("component", "decoder")
	d.disp = dispatch.New(d.log, d.registry, d.threads)
	d.resetStream()
	d.log.Debug("decoder created", "capabilities", caps.String(), "threads", d.disp.Threads())
	return d, nil
}

// Phase returns the current protocol phase.
func (d *Decoder) Phase() Phase { return d.phase }

// Stats returns counters for the current stream.
func (d *Decoder) Stats() Stats { return d.stats }

// Capabilities returns the optional capabilities of the backend.
func (d *Decoder) Capabilities() backend.Capabilities { return d.caps }

// Subscribe selects which informational events Process surfaces. Only
// allowed before the first Process of a stream.
func (d *Decoder) Subscribe(mask event.Mask) error {
	if d.phase != PhaseStart {
		return codecerr.Sequence("subscribe", "events can only be subscribed before decoding starts, phase %s", d.phase)
	}
	if !mask.Valid() {
		return codecerr.Sequence("subscribe", "mask %#x contains non-informational codes", uint32(mask))
	}
	d.mask = mask
	return nil
}

// SetInput supplies the next chunk of input. Unconsumed bytes from earlier
// chunks are kept in front of p. p is copied, so the caller may reuse it.
func (d *Decoder) SetInput(p []byte) error {
	return d.in.Supply(p)
}

// CloseInput declares that no more input follows.
func (d *Decoder) CloseInput() { d.in.Close() }

// ReleaseInput detaches the input and returns how many supplied bytes were
// not consumed. The caller must pass those bytes again with its next chunk.
func (d *Decoder) ReleaseInput() int { return d.in.Release() }

// Process advances decoding by one surfaced event.
func (d *Decoder) Process() event.Event {
	switch d.phase {
	case PhaseDone:
		return event.Of(event.KindDone)
	case PhaseError:
		return event.Fatal(fmt.Errorf("%w: %w", codecerr.ErrStreamFailed, d.cause))
	}

	if ev, ok := d.checkPending(); ok {
		return ev
	}

	if !d.started {
		if err := d.start(); err != nil {
			return d.fail(err)
		}
	}
	if d.phase == PhaseAwaitingOutputBuffer && d.imageSet {
		d.phase = PhaseStreamingPixels
	}

	for {
		ev, n, err := d.be.Process(d.in.Cursor(), d.in.Closed())
		if n < 0 || n > d.in.Pending() {
			return d.fail(codecerr.Corrupt("process", "backend consumed %d of %d bytes", n, d.in.Pending()))
		}
		d.in.Consume(n)
		d.stats.BytesConsumed += int64(n)

		if settleErr := d.disp.Settle(); settleErr != nil {
			return d.fail(settleErr)
		}
		if err != nil {
			return d.fail(asCorrupt(err))
		}

		if !d.apply(ev) {
			return event.Fatal(d.cause)
		}
		if ev.Kind.Informational() && !d.mask.Has(ev.Kind) {
			d.stats.Absorbed++
			continue
		}
		d.stats.Events++
		d.log.Debug("event", "event", ev, "phase", d.phase)
		return ev
	}
}

func (d *Decoder) start() error {
	d.started = true
	if err := d.be.Subscribe(d.mask); err != nil {
		return err
	}
	if d.caps.Config != nil {
		if err := d.caps.Config.Configure(d.opts); err != nil {
			return err
		}
	}
	if d.caps.Boxes != nil {
		if err := d.caps.Boxes.SetDecompressBoxes(d.decompress); err != nil {
			return err
		}
	}
	if d.caps.Progressive != nil {
		if err := d.caps.Progressive.SetProgressiveDetail(d.detail); err != nil {
			return err
		}
	}
	if d.preferred != nil && d.caps.Color != nil {
		if err := d.caps.Color.SetPreferredColorProfile(*d.preferred); err != nil {
			return err
		}
	}
	if d.frameSkips > 0 && d.caps.Skipper != nil {
		d.caps.Skipper.SkipFrames(d.frameSkips)
		d.frameSkips = 0
	}
	d.phase = PhaseAwaitingBasicInfo
	d.log.Info("stream started", "subscribed", d.mask)
	return nil
}

// checkPending verifies that the caller satisfied the request surfaced by
// the previous Process. When ok is true, ev must be returned without
// touching the backend: either a fatal sequence error or a Box event the
// caller has not answered yet.
func (d *Decoder) checkPending() (ev event.Event, ok bool) {
	p := d.pending
	d.pending = event.Event{}
	switch p.Kind {
	case event.KindNeedMoreInput:
		if !d.in.Replenished() {
			return d.fail(codecerr.Sequence("process", "no input supplied after %s", p)), true
		}
	case event.KindNeedImageBuffer:
		if p.Target.Kind == event.TargetExtraChannel {
			if !d.extraSet[p.Target.Index] {
				return d.fail(codecerr.Sequence("process", "no buffer set after %s", p)), true
			}
		} else if !d.imageSet {
			return d.fail(codecerr.Sequence("process", "no image buffer or callback set after %s", p)), true
		}
	case event.KindNeedPreviewBuffer:
		if !d.previewSet {
			return d.fail(codecerr.Sequence("process", "no preview buffer set after %s", p)), true
		}
	case event.KindJPEGNeedMoreOutput:
		if !d.jpeg.fresh {
			return d.fail(codecerr.Sequence("process", "no new jpeg buffer set after %s", p)), true
		}
	case event.KindBoxNeedMoreOutput:
		if !d.box.fresh {
			return d.fail(codecerr.Sequence("process", "no new box buffer set after %s", p)), true
		}
	case event.KindBox:
		if !d.box.fresh && !d.box.skipped {
			d.pending = p
			d.stats.Events++
			return p, true
		}
	}
	return event.Event{}, false
}

// apply updates the phase for one backend event. It returns false when the
// event failed the stream.
func (d *Decoder) apply(ev event.Event) bool {
	switch ev.Kind {
	case event.KindNeedMoreInput:
		if d.in.Closed() {
			d.fail(codecerr.New("process", codecerr.ErrTruncatedStream))
			return false
		}
		d.stats.InputRequests++
		d.in.Mark()
		d.pending = ev
	case event.KindError:
		err := ev.Err
		if err == nil {
			err = codecerr.ErrDecodeCorrupt
		}
		d.fail(asCorrupt(err))
		return false
	case event.KindDone:
		if err := d.disp.EndFrame(); err != nil {
			d.fail(err)
			return false
		}
		d.frameOpen = false
		d.phase = PhaseDone
		d.log.Info("stream done", "bytes", d.stats.BytesConsumed, "frames", d.stats.Frames)
	case event.KindBasicInfo:
		d.info, d.haveInfo = d.be.BasicInfo()
		if !d.haveInfo {
			d.fail(codecerr.Corrupt("process", "backend reported basic info without providing it"))
			return false
		}
		d.phase = PhaseAwaitingColorEncoding
	case event.KindColorEncoding:
		d.haveColor = true
		d.phase = PhaseAwaitingFrame
	case event.KindFrame:
		d.frameSeen = true
		d.frameOpen = true
		d.stats.Frames++
		d.phase = PhaseAwaitingOutputBuffer
		if d.imageSet {
			d.phase = PhaseStreamingPixels
		}
	case event.KindNeedImageBuffer, event.KindNeedPreviewBuffer:
		d.pending = ev
		d.phase = PhaseAwaitingOutputBuffer
	case event.KindPreviewImage:
		d.previewSet = false
	case event.KindFullImage:
		if err := d.disp.EndFrame(); err != nil {
			d.fail(err)
			return false
		}
		d.imageSet = false
		clear(d.extraSet)
		d.phase = PhaseFrameComplete
	case event.KindBox:
		d.box.open(d.decompress)
		if !d.mask.Has(event.KindBox) {
			d.box.skipped = true
			return true
		}
		d.pending = ev
	case event.KindBoxNeedMoreOutput:
		d.box.fresh = false
		d.pending = ev
	case event.KindBoxComplete:
		d.box.close()
	case event.KindJPEGNeedMoreOutput:
		d.jpeg.fresh = false
		d.pending = ev
	}
	return true
}

// fail moves the stream to the error phase and returns the fatal event.
func (d *Decoder) fail(err error) event.Event {
	if d.phase != PhaseError {
		d.cause = err
		d.phase = PhaseError
		d.log.Warn("stream failed", "error", err, "class", codecerr.ClassOf(err))
		if derr := d.disp.EndFrame(); derr != nil {
			d.log.Warn("callback teardown failed", "error", derr)
		}
	}
	return event.Fatal(d.cause)
}

func asCorrupt(err error) error {
	switch codecerr.ClassOf(err) {
	case codecerr.ClassCorrupt, codecerr.ClassResource, codecerr.ClassSequence, codecerr.ClassUnsupported:
		return err
	}
	return codecerr.New("process", fmt.Errorf("%w: %w", codecerr.ErrDecodeCorrupt, err))
}

// Rewind restarts the stream from the beginning. Subscriptions, the
// preferred color profile, the box decompression mode and decoder options
// are kept. In-flight pixel callbacks are drained first.
func (d *Decoder) Rewind() {
	if err := d.disp.EndFrame(); err != nil {
		d.log.Warn("callback teardown failed on rewind", "error", err)
	}
	d.be.Rewind()
	d.resetStream()
	d.log.Debug("decoder rewound")
}

// Reset is Rewind that also drops all configuration.
func (d *Decoder) Reset() {
	d.Rewind()
	d.mask = 0
	d.preferred = nil
	d.decompress = false
	d.opts = backend.DefaultOptions()
	d.detail = backend.DetailFrames
	d.frameSkips = 0
}

func (d *Decoder) resetStream() {
	d.in.Reset()
	d.phase = PhaseStart
	d.cause = nil
	d.started = false
	d.pending = event.Event{}
	d.info = meta.BasicInfo{}
	d.haveInfo = false
	d.haveColor = false
	d.frameSeen = false
	d.frameOpen = false
	d.imageSet = false
	d.previewSet = false
	d.extraSet = make(map[int]bool)
	d.box = boxState{}
	d.jpeg = jpegState{}
	d.stats = Stats{}
}

// BasicInfo returns the image metadata. It fails with
// codecerr.ErrMetadataNotReady before the BasicInfo event.
func (d *Decoder) BasicInfo() (meta.BasicInfo, error) {
	if !d.haveInfo {
		return meta.BasicInfo{}, codecerr.New("basic info", codecerr.ErrMetadataNotReady)
	}
	return d.info, nil
}

// SkipFrames drops the next n frames. It may be called before decoding
// starts and between frames.
func (d *Decoder) SkipFrames(n int) error {
	if n < 0 {
		return codecerr.Sequence("skip frames", "negative count %d", n)
	}
	if d.caps.Skipper == nil {
		return codecerr.Unsupported("skip frames")
	}
	switch d.phase {
	case PhaseStart:
		d.frameSkips += n
		return nil
	case PhaseAwaitingBasicInfo, PhaseAwaitingColorEncoding, PhaseAwaitingFrame,
		PhaseStreamingPixels, PhaseFrameComplete:
		d.caps.Skipper.SkipFrames(n)
		return nil
	}
	return codecerr.Sequence("skip frames", "not allowed in phase %s", d.phase)
}

// SkipCurrentFrame drops the frame announced by the last Frame event.
func (d *Decoder) SkipCurrentFrame() error {
	if d.caps.Skipper == nil {
		return codecerr.Unsupported("skip current frame")
	}
	if !d.frameOpen || (d.phase != PhaseAwaitingOutputBuffer && d.phase != PhaseStreamingPixels) {
		return codecerr.Sequence("skip current frame", "no frame in progress, phase %s", d.phase)
	}
	if err := d.caps.Skipper.SkipCurrentFrame(); err != nil {
		return err
	}
	if err := d.disp.EndFrame(); err != nil {
		d.fail(err)
		return err
	}
	if d.pending.Kind == event.KindNeedImageBuffer || d.pending.Kind == event.KindNeedPreviewBuffer {
		d.pending = event.Event{}
	}
	d.imageSet = false
	clear(d.extraSet)
	d.phase = PhaseAwaitingFrame
	return nil
}

// sequenceFatal records a sequence violation that invalidates the stream.
func (d *Decoder) sequenceFatal(op, format string, args ...any) error {
	err := codecerr.Sequence(op, format, args...)
	d.fail(err)
	return err
}

// IsStreamFailure reports whether err came from a stream already in the
// error phase.
func IsStreamFailure(err error) bool {
	return errors.Is(err, codecerr.ErrStreamFailed)
}
