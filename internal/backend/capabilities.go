package backend

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/zsiec/jxlstream/internal/codecerr"
)

// Capabilities is the optional capability set of a decoding backend,
// resolved once at construction. Nil fields are absent capabilities.
type Capabilities struct {
	Color         ColorProfiler
	Frames        FrameInspector
	Skipper       FrameSkipper
	Boxes         BoxSource
	JPEG          JPEGSource
	Progressive   Progressive
	Preview       PreviewSource
	ExtraChannels ExtraChannelSource
	Config        Configurable
	SizeHint      SizeHinter
}

// Resolve checks that d is usable and discovers its optional capabilities.
func Resolve(d Decoder) (Capabilities, error) {
	if isNil(d) {
		return Capabilities{}, codecerr.New("resolve", fmt.Errorf("%w: nil decoder", codecerr.ErrMissingCapability))
	}
	var c Capabilities
	c.Color, _ = d.(ColorProfiler)
	c.Frames, _ = d.(FrameInspector)
	c.Skipper, _ = d.(FrameSkipper)
	c.Boxes, _ = d.(BoxSource)
	c.JPEG, _ = d.(JPEGSource)
	c.Progressive, _ = d.(Progressive)
	c.Preview, _ = d.(PreviewSource)
	c.ExtraChannels, _ = d.(ExtraChannelSource)
	c.Config, _ = d.(Configurable)
	c.SizeHint, _ = d.(SizeHinter)
	return c, nil
}

// String lists the present capabilities.
func (c Capabilities) String() string {
	var names []string
	add := func(present bool, name string) {
		if present {
			names = append(names, name)
		}
	}
	add(c.Color != nil, "color")
	add(c.Frames != nil, "frames")
	add(c.Skipper != nil, "skip")
	add(c.Boxes != nil, "boxes")
	add(c.JPEG != nil, "jpeg")
	add(c.Progressive != nil, "progressive")
	add(c.Preview != nil, "preview")
	add(c.ExtraChannels != nil, "extra-channels")
	add(c.Config != nil, "config")
	add(c.SizeHint != nil, "size-hint")
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// EncoderCapabilities is the optional capability set of an encoding backend.
type EncoderCapabilities struct {
	Boxes  BoxSink
	Frames FrameCloser
}

// ResolveEncoder checks that e is usable and discovers its optional
// capabilities.
func ResolveEncoder(e Encoder) (EncoderCapabilities, error) {
	if isNil(e) {
		return EncoderCapabilities{}, codecerr.New("resolve", fmt.Errorf("%w: nil encoder", codecerr.ErrMissingCapability))
	}
	var c EncoderCapabilities
	c.Boxes, _ = e.(BoxSink)
	c.Frames, _ = e.(FrameCloser)
	return c, nil
}

// isNil also catches typed nil pointers stored in an interface.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
