package backend

import (
	"errors"
	"testing"

	"github.com/zsiec/jxlstream/internal/codecerr"
	"github.com/zsiec/jxlstream/internal/event"
	"github.com/zsiec/jxlstream/internal/meta"
)

type minimalDecoder struct{}

func (*minimalDecoder) Subscribe(event.Mask) error { return nil }
func (*minimalDecoder) Process([]byte, bool) (event.Event, int, error) {
	return event.Of(event.KindDone), 0, nil
}
func (*minimalDecoder) BasicInfo() (meta.BasicInfo, bool) { return meta.BasicInfo{}, false }
func (*minimalDecoder) SetImageOutput(Output) error       { return nil }
func (*minimalDecoder) Rewind()                           {}

type skippingDecoder struct{ minimalDecoder }

func (*skippingDecoder) SkipFrames(int)          {}
func (*skippingDecoder) SkipCurrentFrame() error { return nil }
func (*skippingDecoder) Configure(Options) error { return nil }

func TestResolve(t *testing.T) {
	t.Parallel()

	c, err := Resolve(&minimalDecoder{})
	if err != nil {
		t.Fatal(err)
	}
	if c.String() != "none" {
		t.Errorf("minimal capabilities = %s", c)
	}

	c, err = Resolve(&skippingDecoder{})
	if err != nil {
		t.Fatal(err)
	}
	if c.Skipper == nil || c.Config == nil || c.Boxes != nil {
		t.Errorf("capabilities = %s, want skip,config", c)
	}
	if c.String() != "skip,config" {
		t.Errorf("String() = %q", c.String())
	}
}

func TestResolveNil(t *testing.T) {
	t.Parallel()

	var typed *minimalDecoder
	for _, d := range []Decoder{nil, typed} {
		_, err := Resolve(d)
		if !errors.Is(err, codecerr.ErrMissingCapability) {
			t.Errorf("Resolve(%v) err = %v, want ErrMissingCapability", d, err)
		}
	}
	if _, err := ResolveEncoder(nil); !errors.Is(err, codecerr.ErrMissingCapability) {
		t.Errorf("ResolveEncoder(nil) err = %v", err)
	}
}
