package rawcodec

import (
	"errors"
	"fmt"

	"github.com/zsiec/jxlstream/internal/backend"
	"github.com/zsiec/jxlstream/internal/container"
	"github.com/zsiec/jxlstream/internal/event"
)

type boxKind int

const (
	boxMetadata boxKind = iota
	boxCodestream
	boxPartial
	boxJPEG
)

// boxState is the container box currently being read.
type boxState struct {
	active    bool
	kind      boxKind
	hdr       container.Header
	remain    uint64 // payload bytes not yet read; unused for open boxes
	info      backend.BoxInfo
	typed     bool // inner type of a brob box known
	announced bool
	deliver   bool // the caller sees this box
	indexRead bool
	payload   []byte // accumulated brob or jbrd payload
	out       []byte // decompressed contents not yet delivered
	unpacked  bool
}

// available returns how many payload bytes of the open box are buffered.
func (d *Decoder) available() int {
	n := len(d.raw)
	if !d.box.hdr.Open {
		n = int(min(uint64(n), d.box.remain))
	}
	return n
}

// payloadEnded reports whether the whole payload of the open box was read.
// An open box ends with the input.
func (d *Decoder) payloadEnded() bool {
	if d.box.hdr.Open {
		return d.closed && len(d.raw) == 0
	}
	return d.box.remain == 0
}

func (d *Decoder) take(n int) []byte {
	p := d.raw[:n]
	d.raw = d.raw[n:]
	if !d.box.hdr.Open {
		d.box.remain -= uint64(n)
	}
	return p
}

// demux moves buffered input forward by one container step. progressed is
// false when nothing can happen before more input arrives.
func (d *Decoder) demux() (ev event.Event, ok, progressed bool, err error) {
	if d.sig == container.Codestream {
		if len(d.raw) == 0 {
			return ev, false, false, nil
		}
		d.cs = append(d.cs, d.raw...)
		d.raw = d.raw[:0]
		return ev, false, true, nil
	}
	if !d.box.active {
		return d.openBox()
	}
	switch d.box.kind {
	case boxCodestream, boxPartial:
		return d.readCodestreamBox()
	case boxJPEG:
		return d.readJPEGBox()
	}
	return d.readMetadata()
}

func (d *Decoder) openBox() (ev event.Event, ok, progressed bool, err error) {
	if len(d.raw) == 0 {
		return ev, false, false, nil
	}
	h, err := container.ParseHeader(d.raw)
	if errors.Is(err, container.ErrShortHeader) {
		return ev, false, false, nil
	}
	if err != nil {
		return ev, false, false, err
	}
	d.raw = d.raw[h.HeaderLen:]
	size, _ := h.ContentSize()
	b := boxState{active: true, hdr: h, remain: size}
	b.info = backend.BoxInfo{Type: h.Type, RawType: h.Type, SizeContents: size}
	if !h.Open {
		b.info.SizeRaw = h.Size
	}
	switch h.Type {
	case container.TypeCodestream:
		if d.codestreamBoxes > 0 {
			return ev, false, false, fmt.Errorf("rawcodec: jxlc box after %d codestream boxes", d.codestreamBoxes)
		}
		b.kind = boxCodestream
		d.codestreamBoxes++
	case container.TypePartial:
		if d.partLast {
			return ev, false, false, fmt.Errorf("rawcodec: jxlp box after the last one")
		}
		b.kind = boxPartial
		d.codestreamBoxes++
	case container.TypeJPEGRecon:
		b.kind = boxJPEG
	}
	d.box = b
	d.log.Debug("box", "type", h.Type, "size", h.Size, "open", h.Open)
	return ev, false, true, nil
}

func (d *Decoder) readCodestreamBox() (ev event.Event, ok, progressed bool, err error) {
	b := &d.box
	if b.kind == boxPartial && !b.indexRead {
		if !b.hdr.Open && b.remain < 4 {
			return ev, false, false, fmt.Errorf("rawcodec: jxlp box of %d bytes has no index", b.remain)
		}
		if d.available() < 4 {
			return ev, false, false, nil
		}
		idx, last, err := container.ParsePartialIndex(d.take(4))
		if err != nil {
			return ev, false, false, err
		}
		if idx != d.partIndex {
			return ev, false, false, fmt.Errorf("rawcodec: jxlp box %d out of order, want %d", idx, d.partIndex)
		}
		d.partIndex++
		d.partLast = last
		b.indexRead = true
		return ev, false, true, nil
	}
	if n := d.available(); n > 0 {
		d.cs = append(d.cs, d.take(n)...)
		return ev, false, true, nil
	}
	if d.payloadEnded() {
		d.box = boxState{}
		return ev, false, true, nil
	}
	return ev, false, false, nil
}

func (d *Decoder) readJPEGBox() (ev event.Event, ok, progressed bool, err error) {
	b := &d.box
	if n := d.available(); n > 0 {
		b.payload = append(b.payload, d.take(n)...)
		return ev, false, true, nil
	}
	if !d.payloadEnded() {
		return ev, false, false, nil
	}
	payload := b.payload
	d.box = boxState{}
	if !d.mask.Has(event.KindJPEGReconstruction) || d.haveHdr {
		return ev, false, true, nil
	}
	d.jpeg = payload
	return event.Of(event.KindJPEGReconstruction), true, true, nil
}

// readMetadata announces a metadata box and streams its payload into the
// caller's box buffer.
func (d *Decoder) readMetadata() (ev event.Event, ok, progressed bool, err error) {
	b := &d.box
	if b.hdr.Type == container.TypeBrotli && !b.typed {
		if !b.hdr.Open && b.remain < 4 {
			return ev, false, false, fmt.Errorf("rawcodec: brob box of %d bytes", b.remain)
		}
		if d.available() < 4 {
			if d.payloadEnded() || b.hdr.Open && d.closed {
				return ev, false, false, fmt.Errorf("rawcodec: brob box ends before its inner type")
			}
			return ev, false, false, nil
		}
		b.info.Type, _ = container.InnerType(d.raw)
		b.info.Compressed = true
		b.typed = true
	}
	if !b.announced {
		b.announced = true
		b.deliver = d.mask.Has(event.KindBox)
		if b.deliver {
			return event.Of(event.KindBox), true, true, nil
		}
		return ev, false, true, nil
	}

	if !b.deliver || d.boxBuf == nil {
		if n := d.available(); n > 0 {
			d.take(n)
			return ev, false, true, nil
		}
		if d.payloadEnded() {
			return d.finishBox()
		}
		return ev, false, false, nil
	}

	if d.decompress && b.info.Compressed {
		if !b.unpacked {
			if n := d.available(); n > 0 {
				b.payload = append(b.payload, d.take(n)...)
				return ev, false, true, nil
			}
			if !d.payloadEnded() {
				return ev, false, false, nil
			}
			_, out, err := container.Decompress(b.payload)
			if err != nil {
				return ev, false, false, err
			}
			b.out, b.unpacked = out, true
		}
		n := copy(d.boxBuf[d.boxWritten:], b.out)
		d.boxWritten += n
		b.out = b.out[n:]
		if len(b.out) == 0 {
			return d.finishBox()
		}
		return event.NeedBuffer(event.Box), true, true, nil
	}

	n := min(d.available(), len(d.boxBuf)-d.boxWritten)
	if n > 0 {
		copy(d.boxBuf[d.boxWritten:], d.take(n))
		d.boxWritten += n
	}
	if d.payloadEnded() {
		return d.finishBox()
	}
	if d.boxWritten == len(d.boxBuf) {
		return event.NeedBuffer(event.Box), true, true, nil
	}
	return ev, false, n > 0, nil
}

func (d *Decoder) finishBox() (ev event.Event, ok, progressed bool, err error) {
	delivered := d.box.deliver
	d.box = boxState{}
	if delivered {
		return event.Of(event.KindBoxComplete), true, true, nil
	}
	return ev, false, true, nil
}

// Box describes the box announced by the last Box event.
func (d *Decoder) Box() backend.BoxInfo { return d.box.info }

// SetBoxBuffer lends buf for the payload of the current box.
func (d *Decoder) SetBoxBuffer(buf []byte) error {
	d.boxBuf, d.boxWritten = buf, 0
	return nil
}

// ReleaseBoxBuffer detaches the box buffer and returns its unwritten length.
func (d *Decoder) ReleaseBoxBuffer() int {
	n := len(d.boxBuf) - d.boxWritten
	d.boxBuf, d.boxWritten = nil, 0
	return n
}

// SetDecompressBoxes selects whether brob payloads are delivered
// decompressed.
func (d *Decoder) SetDecompressBoxes(decompress bool) error {
	d.decompress = decompress
	return nil
}
