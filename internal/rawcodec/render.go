package rawcodec

import (
	"slices"

	"github.com/zsiec/jxlstream/internal/backend"
	"github.com/zsiec/jxlstream/internal/color"
	"github.com/zsiec/jxlstream/internal/meta"
)

// plane is a canvas of interleaved float samples with values nominally in
// [0, 1].
type plane struct {
	w, h, ch int
	px       []float32
}

func newPlane(w, h, ch int) *plane {
	return &plane{w: w, h: h, ch: ch, px: make([]float32, w*h*ch)}
}

func (p *plane) at(x, y int) []float32 {
	i := (y*p.w + x) * p.ch
	return p.px[i : i+p.ch : i+p.ch]
}

func (p *plane) clone() *plane {
	c := *p
	c.px = slices.Clone(p.px)
	return &c
}

// blend composites layer onto canvas at the frame's crop offset. Pixels
// outside the canvas are dropped.
func blend(canvas, layer *plane, f *frameRecord, nColor int, premultiplied bool) {
	l := f.header.Layer
	x0, y0 := 0, 0
	if l.HaveCrop {
		x0, y0 = int(l.CropX0), int(l.CropY0)
	}
	old := make([]float32, canvas.ch)
	for ly := range layer.h {
		cy := y0 + ly
		if cy < 0 || cy >= canvas.h {
			continue
		}
		for lx := range layer.w {
			cx := x0 + lx
			if cx < 0 || cx >= canvas.w {
				continue
			}
			dst := canvas.at(cx, cy)
			src := layer.at(lx, ly)
			copy(old, dst)
			for c := range dst {
				bi := l.Blend
				if c >= nColor {
					bi = f.extraBlend[c-nColor]
				}
				dst[c] = blendSample(bi, old, src, c, nColor, premultiplied)
			}
		}
	}
}

func blendSample(b meta.BlendInfo, old, src []float32, c, nColor int, premultiplied bool) float32 {
	o, n := old[c], src[c]
	var v float32
	switch b.Mode {
	case meta.BlendAdd:
		v = o + n
	case meta.BlendMul:
		v = o * n
	case meta.BlendBlend, meta.BlendMulAdd:
		ai := nColor + int(b.Alpha)
		a := float32(1)
		if ai < len(src) {
			a = src[ai]
		}
		switch {
		case b.Mode == meta.BlendMulAdd:
			v = o + n*a
		case c == ai:
			v = a + o*(1-a)
		case premultiplied:
			v = n + o*(1-a)
		default:
			v = n*a + o*(1-a)
		}
	default:
		v = n
	}
	if b.Clamp {
		v = min(max(v, 0), 1)
	}
	return v
}

type spot struct {
	ch    int
	color [4]float32
}

// renderer turns canvas pixels into displayed color values.
type renderer struct {
	nColor   int
	alpha    int // plane channel of alpha, -1 without alpha
	unpremul bool
	spots    []spot
	// from and to are set when samples pass through linear light.
	from, to *color.Encoding
	// white is the tone-mapping white point relative to the display peak;
	// values at or below 1 disable tone mapping.
	white float64
}

func newRenderer(h *imageHeader, cs *colorSection, preferred *color.Encoding, o backend.Options) *renderer {
	r := &renderer{nColor: int(h.info.NumColorChannels), alpha: -1}
	if a := h.alphaChannel(); a >= 0 {
		r.alpha = r.nColor + a
		r.unpremul = o.UnpremultiplyAlpha && h.extra[a].info.AlphaPremultiplied
	}
	if o.RenderSpotColors {
		for i, ec := range h.extra {
			if ec.info.Type == meta.ChannelSpotColor {
				r.spots = append(r.spots, spot{ch: r.nColor + i, color: ec.info.SpotColor})
			}
		}
	}
	if cs.profile != nil {
		return r
	}
	orig := cs.enc
	if preferred != nil && convertible(orig, *preferred) {
		to := *preferred
		r.from, r.to = &orig, &to
	}
	if t := o.DesiredIntensityTarget; t > 0 && t < h.info.IntensityTarget && linearizable(orig.TransferFunction) {
		r.white = float64(h.info.IntensityTarget / t)
		if r.from == nil {
			r.from, r.to = &orig, &orig
		}
	}
	return r
}

// pixel writes the color values of px into c and returns its alpha.
func (r *renderer) pixel(px []float32, c *[3]float64) float64 {
	a := 1.0
	if r.alpha >= 0 && r.alpha < len(px) {
		a = float64(px[r.alpha])
	}
	for i := range r.nColor {
		c[i] = float64(px[i])
	}
	for _, s := range r.spots {
		if s.ch >= len(px) {
			continue
		}
		v := float64(px[s.ch]) * float64(s.color[3])
		for i := range r.nColor {
			c[i] = c[i]*(1-v) + float64(s.color[i])*v
		}
	}
	if r.unpremul && a > 0 {
		for i := range r.nColor {
			c[i] /= a
		}
	}
	if r.from != nil {
		for i := range r.nColor {
			lin := toLinear(r.from, c[i])
			if r.white > 1 {
				lin = toneMap(lin*r.white, r.white)
			}
			c[i] = fromLinear(r.to, lin)
		}
	}
	return a
}

// toneMap is the extended Reinhard curve mapping [0, w] onto [0, 1].
func toneMap(x, w float64) float64 {
	return x * (1 + x/(w*w)) / (1 + x)
}

// write renders p into out in orientation o. row is scratch space; the
// possibly grown scratch is returned.
func (r *renderer) write(p *plane, out backend.Output, bits uint32, o meta.Orientation, row []byte) []byte {
	f := out.Format
	sio := newSampleIO(f, bits)
	dw, dh := p.w, p.h
	if o.SwapsAxes() {
		dw, dh = p.h, p.w
	}
	n := int(f.NumChannels)
	hasAlpha := n == 2 || n == 4
	nc := n
	if hasAlpha {
		nc--
	}
	rowBytes := int(f.RowBytes(uint32(dw)))
	stride := int(f.Stride(uint32(dw)))
	row = slices.Grow(row[:0], rowBytes)[:rowBytes]
	var c [3]float64
	for dy := range dh {
		off := 0
		for dx := range dw {
			x, y := source(o, dx, dy, p.w, p.h)
			a := r.pixel(p.at(x, y), &c)
			for i := range nc {
				sio.write(row[off:], c[min(i, r.nColor-1)])
				off += sio.size
			}
			if hasAlpha {
				sio.write(row[off:], a)
				off += sio.size
			}
		}
		emitRow(out, row, dy, dw, stride)
	}
	return row
}

// writeChannel renders plane channel ch into a single-channel output.
func writeChannel(p *plane, ch int, out backend.Output, bits uint32, o meta.Orientation, row []byte) []byte {
	f := out.Format
	sio := newSampleIO(f, bits)
	dw, dh := p.w, p.h
	if o.SwapsAxes() {
		dw, dh = p.h, p.w
	}
	rowBytes := int(f.RowBytes(uint32(dw)))
	stride := int(f.Stride(uint32(dw)))
	row = slices.Grow(row[:0], rowBytes)[:rowBytes]
	for dy := range dh {
		for dx := range dw {
			x, y := source(o, dx, dy, p.w, p.h)
			sio.write(row[dx*sio.size:], float64(p.at(x, y)[ch]))
		}
		emitRow(out, row, dy, dw, stride)
	}
	return row
}

func emitRow(out backend.Output, row []byte, y, w, stride int) {
	if out.Rows != nil {
		out.Rows(0, y, w, row)
		return
	}
	copy(out.Buf[y*stride:], row)
}
