// Package feed tracks the unconsumed suffix of caller-supplied input for an
// incremental decoder.
package feed

import (
	"fmt"

	"github.com/zsiec/jxlstream/internal/codecerr"
)

// Feeder owns the bitstream cursor. Input arrives through Supply in chunks of
// any size; the core advances the cursor with Consume after each backend step.
// A Feeder is not safe for concurrent use.
type Feeder struct {
	buf         []byte // unconsumed bytes, a window into store
	store       []byte // backing array owned by the Feeder, reused across chunks
	consumed    int64
	closed      bool
	replenished bool
}

// Supply appends a copy of p to the unconsumed input. The Feeder never keeps
// a reference to p, so the caller may reuse it as soon as Supply returns.
func (f *Feeder) Supply(p []byte) error {
	if f.closed {
		return codecerr.New("supply", codecerr.ErrAlreadyClosed)
	}
	f.replenished = true
	if len(p) == 0 {
		return nil
	}
	need := len(f.buf) + len(p)
	switch {
	case len(f.buf) > 0 && cap(f.buf)-len(f.buf) >= len(p):
		f.buf = append(f.buf, p...)
	case cap(f.store) >= need:
		// Slide the pending bytes to the front of store.
		n := copy(f.store[:cap(f.store)], f.buf)
		f.buf = append(f.store[:n], p...)
	default:
		next := make([]byte, len(f.buf), 2*need)
		copy(next, f.buf)
		f.buf = append(next, p...)
		f.store = next[:0]
	}
	return nil
}

// Cursor returns the unconsumed input. The slice is valid until the next
// Supply, Consume, Release or Reset.
func (f *Feeder) Cursor() []byte { return f.buf }

// Pending reports the number of unconsumed bytes.
func (f *Feeder) Pending() int { return len(f.buf) }

// Consume advances the cursor by n bytes.
func (f *Feeder) Consume(n int) {
	if n < 0 || n > len(f.buf) {
		panic(fmt.Sprintf("feed: consume %d of %d pending bytes", n, len(f.buf)))
	}
	f.buf = f.buf[n:]
	f.consumed += int64(n)
	if len(f.buf) == 0 {
		f.buf = nil
	}
}

// Consumed returns the number of leading bytes no longer needed since the
// last Reset.
func (f *Feeder) Consumed() int64 { return f.consumed }

// Release detaches the cursor and returns how many bytes were still
// unconsumed. The caller re-supplies that suffix with its next chunk.
func (f *Feeder) Release() int {
	n := len(f.buf)
	f.buf = nil
	return n
}

// Close marks the end of input. Further Supply calls fail.
func (f *Feeder) Close() {
	f.closed = true
	f.replenished = true
}

// Closed reports whether Close was called.
func (f *Feeder) Closed() bool { return f.closed }

// Mark clears the replenished flag.
func (f *Feeder) Mark() { f.replenished = false }

// Replenished reports whether Supply or Close was called since the last Mark.
func (f *Feeder) Replenished() bool { return f.replenished }

// Reset returns the Feeder to its initial state.
func (f *Feeder) Reset() { *f = Feeder{} }
