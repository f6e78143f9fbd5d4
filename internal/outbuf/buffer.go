// Package outbuf accumulates producer output into a growable byte sequence.
// Producers that write into caller-supplied space and report when they need
// more of it are driven by Drain until they finish.
package outbuf

import (
	"fmt"

	"github.com/zsiec/jxlstream/internal/codecerr"
)

// DefaultCapacity is the initial capacity used when New is given zero.
const DefaultCapacity = 64

// Buffer is a byte sequence with a committed prefix and a free tail that a
// producer writes into. Committed bytes are never dropped by growth.
type Buffer struct {
	buf     []byte // len(buf) is the committed length
	max     int
	growths int
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithMaxCapacity caps growth. Reserving past the cap fails with
// codecerr.ErrOutputLimit.
func WithMaxCapacity(n int) Option {
	return func(b *Buffer) { b.max = n }
}

// New returns an empty Buffer with the given initial capacity.
func New(capacity int, opts ...Option) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Buffer{}
	for _, o := range opts {
		o(b)
	}
	if b.max > 0 && capacity > b.max {
		capacity = b.max
	}
	b.buf = make([]byte, 0, capacity)
	return b
}

// Bytes returns the committed output. The slice aliases the Buffer.
func (b *Buffer) Bytes() []byte { return b.buf }

// Len returns the committed length.
func (b *Buffer) Len() int { return len(b.buf) }

// Cap returns the current capacity.
func (b *Buffer) Cap() int { return cap(b.buf) }

// Growths reports how many times the backing array was reallocated.
func (b *Buffer) Growths() int { return b.growths }

// Reset drops committed output and keeps the backing array.
func (b *Buffer) Reset() { b.buf = b.buf[:0] }

// Reserve returns the free tail, growing first if it holds fewer than need
// bytes. Capacity at least doubles on each growth.
func (b *Buffer) Reserve(need int) ([]byte, error) {
	if cap(b.buf)-len(b.buf) < need || need == 0 && cap(b.buf) == len(b.buf) {
		if err := b.grow(need); err != nil {
			return nil, err
		}
	}
	return b.buf[len(b.buf):cap(b.buf)], nil
}

// Commit appends k bytes previously written into the free tail.
func (b *Buffer) Commit(k int) {
	if k < 0 || len(b.buf)+k > cap(b.buf) {
		panic(fmt.Sprintf("outbuf: commit %d with %d free", k, cap(b.buf)-len(b.buf)))
	}
	b.buf = b.buf[:len(b.buf)+k]
}

func (b *Buffer) grow(need int) error {
	if need < 1 {
		need = 1
	}
	want := max(2*cap(b.buf), len(b.buf)+need, DefaultCapacity)
	if b.max > 0 && want > b.max {
		if len(b.buf)+need > b.max || cap(b.buf) >= b.max {
			return codecerr.New("reserve", fmt.Errorf("%w: %d bytes", codecerr.ErrOutputLimit, b.max))
		}
		want = b.max
	}
	next := make([]byte, len(b.buf), want)
	copy(next, b.buf)
	b.buf = next
	b.growths++
	return nil
}

// Status is a producer's report after writing into the free tail.
type Status int

// Producer statuses.
const (
	StatusDone Status = iota
	StatusNeedMoreOutput
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDone:
		return "done"
	case StatusNeedMoreOutput:
		return "need-more-output"
	case StatusError:
		return "error"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ProduceFunc writes into free and reports how many bytes it wrote.
type ProduceFunc func(free []byte) (Status, int, error)

// Drain calls produce until it reports StatusDone, committing every write.
// The buffer grows when the producer wrote nothing or filled the tail. On
// error, whatever status accompanies it, the output committed so far is left
// intact.
func (b *Buffer) Drain(produce ProduceFunc) error {
	for {
		free, err := b.Reserve(0)
		if err != nil {
			return err
		}
		st, n, err := produce(free)
		if n < 0 || n > len(free) {
			return codecerr.Sequence("drain", "producer wrote %d bytes into %d free", n, len(free))
		}
		b.Commit(n)
		switch st {
		case StatusDone:
			return nil
		case StatusNeedMoreOutput:
			if err != nil {
				return err
			}
			if n == 0 || n == len(free) {
				if err := b.grow(1); err != nil {
					return err
				}
			}
		case StatusError:
			if err == nil {
				err = fmt.Errorf("outbuf: producer failed")
			}
			return err
		default:
			return fmt.Errorf("outbuf: unknown producer status %v", st)
		}
	}
}
