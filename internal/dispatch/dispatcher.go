// Package dispatch delivers decoded pixel rows to caller callbacks, either
// synchronously on the decoding goroutine or fanned out to a fixed pool of
// worker goroutines, and tracks per-frame callback state in a Registry.
package dispatch

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/jxlstream/internal/backend"
	"github.com/zsiec/jxlstream/internal/codecerr"
)

// Mode is the delivery mode of a registered callback.
type Mode int

// Delivery modes.
const (
	ModeNone Mode = iota
	ModeSingle
	ModeMulti
)

func (m Mode) String() string {
	switch m {
	case ModeSingle:
		return "single"
	case ModeMulti:
		return "multi"
	}
	return "none"
}

// RowFunc receives one row group on the decoding goroutine. pixels is only
// valid during the call.
type RowFunc func(x, y, numPixels int, pixels []byte)

// InitFunc is called once per frame before the first RunFunc and returns a
// caller context passed to every RunFunc and to DestroyFunc.
type InitFunc func(numThreads, pixelsPerThread int) (any, error)

// RunFunc receives one row group on worker threadID. Calls with the same
// threadID never overlap.
type RunFunc func(ctx any, threadID, x, y, numPixels int, pixels []byte)

// DestroyFunc releases the caller context after the frame's last RunFunc.
type DestroyFunc func(ctx any)

// Multi groups the callbacks of multi-threaded delivery.
type Multi struct {
	Init    InitFunc
	Run     RunFunc
	Destroy DestroyFunc
}

type row struct {
	x, y, n int
	pixels  *[]byte
}

// Dispatcher owns the callback registered for the current frame. Register,
// Deliver, Settle and EndFrame must be called from the decoding goroutine.
type Dispatcher struct {
	log     *slog.Logger
	reg     *Registry
	threads int

	entry  *Entry
	single RowFunc
	multi  Multi
	width  int

	// Per-frame worker state, created on the first row of a frame.
	started bool
	rows    chan row
	group   *errgroup.Group
	pending sync.WaitGroup
	pool    sync.Pool
	err     error
}

// New creates a Dispatcher that runs multi-threaded callbacks on threads
// workers. If reg is nil a private registry is used.
func New(log *slog.Logger, reg *Registry, threads int) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if reg == nil {
		reg = NewRegistry(log)
	}
	d := &Dispatcher{
		log:     log.With("component", "dispatch"),
		reg:     reg,
		threads: max(threads, 1),
	}
	d.pool.New = func() any {
		b := make([]byte, 0, 4096)
		return &b
	}
	return d
}

// Threads returns the worker count used for multi-threaded callbacks.
func (d *Dispatcher) Threads() int { return d.threads }

// Active reports whether a callback is registered for the current frame.
func (d *Dispatcher) Active() bool { return d.entry != nil }

// Mode returns the mode of the registered callback.
func (d *Dispatcher) Mode() Mode {
	if d.entry == nil {
		return ModeNone
	}
	return d.entry.Mode
}

// RegisterSingle installs fn for the current frame. attach hands the row
// sink to the backend; when it fails the registration is undone.
func (d *Dispatcher) RegisterSingle(fn RowFunc, width int, attach func(backend.RowFunc) error) error {
	if fn == nil {
		return codecerr.Sequence("set image callback", "nil callback")
	}
	return d.register(ModeSingle, 1, width, attach, func() { d.single = fn })
}

// RegisterMulti installs m for the current frame.
func (d *Dispatcher) RegisterMulti(m Multi, width int, attach func(backend.RowFunc) error) error {
	if m.Init == nil || m.Run == nil {
		return codecerr.Sequence("set image callback", "init and run callbacks are required")
	}
	return d.register(ModeMulti, d.threads, width, attach, func() { d.multi = m })
}

func (d *Dispatcher) register(mode Mode, threads, width int, attach func(backend.RowFunc) error, install func()) error {
	if d.entry != nil {
		return codecerr.Sequence("set image callback", "a %s callback is already registered", d.entry.Mode)
	}
	d.entry = d.reg.Create(mode, threads)
	d.width = width
	install()
	if err := attach(d.Deliver); err != nil {
		d.release()
		return err
	}
	return nil
}

// Deliver routes one row group to the registered callback. It is the sink
// handed to the backend.
func (d *Dispatcher) Deliver(x, y, n int, pixels []byte) {
	if d.entry == nil {
		return
	}
	if d.entry.Mode == ModeSingle {
		d.single(x, y, n, pixels)
		return
	}
	if !d.started {
		d.start()
	}
	if d.err != nil {
		return
	}
	buf := d.pool.Get().(*[]byte)
	*buf = append((*buf)[:0], pixels...)
	d.pending.Add(1)
	d.rows <- row{x: x, y: y, n: n, pixels: buf}
}

func (d *Dispatcher) start() {
	d.started = true
	ctx, err := d.multi.Init(d.threads, d.width)
	if err != nil {
		d.err = codecerr.New("image callback init", err)
		d.log.Warn("callback init failed", "id", d.entry.ID, "error", err)
		return
	}
	d.entry.setContext(ctx)
	d.rows = make(chan row, 2*d.threads)
	d.group = &errgroup.Group{}
	run := d.multi.Run
	for id := range d.threads {
		d.group.Go(func() error {
			for r := range d.rows {
				run(ctx, id, r.x, r.y, r.n, *r.pixels)
				d.pool.Put(r.pixels)
				d.pending.Done()
			}
			return nil
		})
	}
	d.log.Debug("callback workers started", "id", d.entry.ID, "threads", d.threads)
}

// Settle blocks until every delivered row has been run. It returns the
// error of a failed InitFunc, if any.
func (d *Dispatcher) Settle() error {
	d.pending.Wait()
	return d.err
}

// EndFrame settles outstanding rows, stops the workers, calls DestroyFunc
// exactly once and releases the registry entry. It is a no-op when no
// callback is registered.
func (d *Dispatcher) EndFrame() error {
	if d.entry == nil {
		return nil
	}
	err := d.Settle()
	d.release()
	return err
}

func (d *Dispatcher) release() {
	if d.rows != nil {
		close(d.rows)
		_ = d.group.Wait()
	}
	if d.started && d.err == nil && d.multi.Destroy != nil {
		d.multi.Destroy(d.entry.Context())
	}
	if _, ok := d.reg.Remove(d.entry.ID); !ok {
		d.log.Warn("callback entry missing at release", "id", d.entry.ID)
	}
	d.entry = nil
	d.single = nil
	d.multi = Multi{}
	d.width = 0
	d.started = false
	d.rows = nil
	d.group = nil
	d.err = nil
}

func (d *Dispatcher) String() string {
	if d.entry == nil {
		return "dispatch(idle)"
	}
	return fmt.Sprintf("dispatch(%s %s)", d.entry.Mode, d.entry.ID)
}
