// Package ingest manages active ingest connections, coupling the byte
// readers of publishers with metadata, lifecycle signaling, and dispatch to
// the decode pipeline.
package ingest

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDuplicateKey is returned by Register when a stream with the same key is
// already active.
var ErrDuplicateKey = errors.New("ingest: stream key already active")

// IngestStats captures connection-level metrics for an ingest stream.
type IngestStats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Stream is one publisher pushing an encoded image. Bytes written to the
// internal pipe by the receiver are read by the decode pipeline.
type Stream struct {
	Key       string
	StartedAt time.Time
	pr        *io.PipeReader
	pw        *io.PipeWriter
	done      chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// RecordRead increments the byte and read counters, called by the receiver
// after each successful socket read.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr stores the remote address of the ingest connection for
// diagnostics.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Done is closed once the stream is unregistered.
func (s *Stream) Done() <-chan struct{} { return s.done }

// IngestStats returns a snapshot of ingest connection metrics.
func (s *Stream) IngestStats() IngestStats {
	addr, _ := s.remoteAddr.Load().(string)
	return IngestStats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks active ingest streams by key and hands new streams to the
// onStream callback. It is the rendezvous point between the network receivers
// and the decode pipeline.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream

	onStream func(key string, input io.Reader)
}

// NewRegistry creates a Registry. The onStream callback is invoked
// asynchronously whenever a new stream is registered.
func NewRegistry(onStream func(key string, input io.Reader)) *Registry {
	return &Registry{
		streams:  make(map[string]*Stream),
		onStream: onStream,
	}
}

// Register creates a new ingest stream with the given key, returning the
// Stream and a Writer the receiver should write into. A key that is already
// active is rejected with ErrDuplicateKey.
func (r *Registry) Register(key string) (*Stream, io.Writer, error) {
	r.mu.Lock()
	if _, ok := r.streams[key]; ok {
		r.mu.Unlock()
		return nil, nil, ErrDuplicateKey
	}
	pr, pw := io.Pipe()
	stream := &Stream{
		Key:       key,
		StartedAt: time.Now(),
		pr:        pr,
		pw:        pw,
		done:      make(chan struct{}),
	}
	r.streams[key] = stream
	r.mu.Unlock()

	if r.onStream != nil {
		go r.onStream(key, pr)
	}

	return stream, pw, nil
}

// Unregister removes a stream by key, closing its pipe and signaling Done.
// The reader side sees io.EOF once buffered writes were read.
func (r *Registry) Unregister(key string) {
	r.unregister(key, nil)
}

// Abort is Unregister for a connection that failed: the reader side sees
// err instead of io.EOF.
func (r *Registry) Abort(key string, err error) {
	r.unregister(key, err)
}

func (r *Registry) unregister(key string, err error) {
	r.mu.Lock()
	stream, ok := r.streams[key]
	if ok {
		delete(r.streams, key)
	}
	r.mu.Unlock()

	if ok {
		stream.pw.CloseWithError(err)
		close(stream.done)
	}
}

// Get returns the Stream for the given key, or false if not found.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// List returns the active streams.
func (r *Registry) List() []*Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s)
	}
	return out
}
