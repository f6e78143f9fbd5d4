package dispatch

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/zsiec/jxlstream/internal/backend"
	"github.com/zsiec/jxlstream/internal/codecerr"
)

func attachOK(sink *backend.RowFunc) func(backend.RowFunc) error {
	return func(fn backend.RowFunc) error {
		*sink = fn
		return nil
	}
}

func TestSingleThreadedDelivery(t *testing.T) {
	t.Parallel()

	d := New(nil, nil, 1)
	var rows []int
	var sink backend.RowFunc
	err := d.RegisterSingle(func(x, y, n int, pixels []byte) {
		rows = append(rows, y)
		if len(pixels) != n*3 {
			t.Errorf("row %d: %d bytes for %d pixels", y, len(pixels), n)
		}
	}, 4, attachOK(&sink))
	if err != nil {
		t.Fatal(err)
	}
	for y := range 3 {
		sink(0, y, 4, make([]byte, 12))
	}
	if len(rows) != 3 {
		t.Fatalf("delivered %d rows synchronously, want 3", len(rows))
	}
	if err := d.EndFrame(); err != nil {
		t.Fatal(err)
	}
	if d.Active() {
		t.Error("dispatcher still active after EndFrame")
	}
}

func TestMultiThreadedDelivery(t *testing.T) {
	t.Parallel()

	const threads = 4
	reg := NewRegistry(nil)
	d := New(nil, reg, threads)

	type frameCtx struct {
		mu      sync.Mutex
		perID   map[int]int
		running [threads]atomic.Int32
	}
	var inits, destroys atomic.Int32
	var total atomic.Int64
	var overlap atomic.Bool
	var seen *frameCtx

	m := Multi{
		Init: func(n, pixelsPerThread int) (any, error) {
			inits.Add(1)
			if n != threads || pixelsPerThread != 16 {
				t.Errorf("Init(%d, %d)", n, pixelsPerThread)
			}
			seen = &frameCtx{perID: make(map[int]int)}
			return seen, nil
		},
		Run: func(ctx any, id, x, y, n int, pixels []byte) {
			fc := ctx.(*frameCtx)
			if fc.running[id].Add(1) != 1 {
				overlap.Store(true)
			}
			fc.mu.Lock()
			fc.perID[id]++
			fc.mu.Unlock()
			total.Add(int64(n))
			fc.running[id].Add(-1)
		},
		Destroy: func(ctx any) {
			destroys.Add(1)
			if ctx != any(seen) {
				t.Error("Destroy got a different context")
			}
		},
	}

	var sink backend.RowFunc
	if err := d.RegisterMulti(m, 16, attachOK(&sink)); err != nil {
		t.Fatal(err)
	}
	if reg.Len() != 1 {
		t.Fatalf("registry holds %d entries, want 1", reg.Len())
	}
	buf := make([]byte, 64)
	for y := range 100 {
		sink(0, y, 16, buf)
		buf[0]++ // rows are copied before hand-off
	}
	if err := d.Settle(); err != nil {
		t.Fatal(err)
	}
	if total.Load() != 1600 {
		t.Errorf("ran %d pixels, want 1600", total.Load())
	}
	if err := d.EndFrame(); err != nil {
		t.Fatal(err)
	}
	if inits.Load() != 1 || destroys.Load() != 1 {
		t.Errorf("init %d / destroy %d, want exactly once each", inits.Load(), destroys.Load())
	}
	if overlap.Load() {
		t.Error("calls on one thread id overlapped")
	}
	if reg.Len() != 0 {
		t.Errorf("registry leaked %d entries", reg.Len())
	}
}

func TestMultiThreadedInitFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("no memory for thread state")
	d := New(nil, nil, 2)
	var runs, destroys atomic.Int32
	var sink backend.RowFunc
	err := d.RegisterMulti(Multi{
		Init:    func(int, int) (any, error) { return nil, boom },
		Run:     func(any, int, int, int, int, []byte) { runs.Add(1) },
		Destroy: func(any) { destroys.Add(1) },
	}, 8, attachOK(&sink))
	if err != nil {
		t.Fatal(err)
	}
	sink(0, 0, 8, make([]byte, 8))
	if err := d.Settle(); !errors.Is(err, boom) {
		t.Fatalf("Settle err = %v, want init failure", err)
	}
	_ = d.EndFrame()
	if runs.Load() != 0 || destroys.Load() != 0 {
		t.Errorf("runs %d destroys %d after failed init", runs.Load(), destroys.Load())
	}
}

func TestRegisterTwice(t *testing.T) {
	t.Parallel()

	d := New(nil, nil, 1)
	var sink backend.RowFunc
	noop := func(int, int, int, []byte) {}
	if err := d.RegisterSingle(noop, 1, attachOK(&sink)); err != nil {
		t.Fatal(err)
	}
	err := d.RegisterSingle(noop, 1, attachOK(&sink))
	if !errors.Is(err, codecerr.ErrAPISequence) {
		t.Errorf("second registration err = %v, want ErrAPISequence", err)
	}
}

func TestAttachFailureReleasesEntry(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	d := New(nil, reg, 2)
	rejected := errors.New("backend rejected callback")
	err := d.RegisterSingle(func(int, int, int, []byte) {}, 1, func(backend.RowFunc) error {
		return rejected
	})
	if !errors.Is(err, rejected) {
		t.Fatalf("err = %v", err)
	}
	if reg.Len() != 0 {
		t.Errorf("registry holds %d entries after failed attach", reg.Len())
	}
	if d.Active() {
		t.Error("dispatcher active after failed attach")
	}
}

func TestRegistryList(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	a := reg.Create(ModeSingle, 1)
	b := reg.Create(ModeMulti, 4)
	if a.ID == b.ID {
		t.Fatal("duplicate ids")
	}
	if len(reg.List()) != 2 {
		t.Errorf("List() = %d entries", len(reg.List()))
	}
	if _, ok := reg.Get(b.ID); !ok {
		t.Error("Get missed a live entry")
	}
	reg.Remove(a.ID)
	if _, ok := reg.Get(a.ID); ok {
		t.Error("removed entry still present")
	}
}

func BenchmarkMultiDeliver(b *testing.B) {
	d := New(nil, nil, 4)
	row := make([]byte, 1024*4)
	for b.Loop() {
		var sink backend.RowFunc
		_ = d.RegisterMulti(Multi{
			Init: func(int, int) (any, error) { return nil, nil },
			Run:  func(any, int, int, int, int, []byte) {},
		}, 1024, attachOK(&sink))
		for y := range 64 {
			sink(0, y, 1024, row)
		}
		_ = d.EndFrame()
	}
}
