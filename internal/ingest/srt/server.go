package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/jxlstream/internal/ingest"
)

// srtReadBufferSize is the read buffer for SRT socket reads, ten maximum
// SRT payloads.
const srtReadBufferSize = 1316 * 10

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// DefaultMaxStreamBytes bounds what one publisher may send.
const DefaultMaxStreamBytes = 1 << 30

// ErrStreamTooLarge aborts a connection that sent more than the configured
// limit.
var ErrStreamTooLarge = errors.New("srt: stream exceeds byte limit")

// Server accepts incoming SRT publish connections and registers them with
// the ingest registry for decoding.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry
	maxBytes int64
}

// NewServer creates an SRT server that listens on addr and registers
// incoming streams with the given registry. If log is nil, slog.Default() is used.
func NewServer(addr string, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		registry: registry,
		maxBytes: DefaultMaxStreamBytes,
	}
}

// SetMaxStreamBytes changes the per-connection byte limit. Zero or less
// disables it.
func (s *Server) SetMaxStreamBytes(n int64) { s.maxBytes = n }

// Start begins accepting SRT publish connections. It blocks until the
// context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		if _, busy := s.registry.Get(extractStreamKey(req.StreamID)); busy {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		streamKey := extractStreamKey(conn.StreamID())
		s.log.Info("publish", "stream_key", streamKey, "remote", conn.RemoteAddr())

		go s.handleConnection(ctx, conn, streamKey)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn, streamKey string) {
	defer conn.Close()

	stream, writer, err := s.registry.Register(streamKey)
	if err != nil {
		s.log.Warn("rejecting publish", "stream_key", streamKey, "error", err)
		return
	}
	stream.SetRemoteAddr(conn.RemoteAddr().String())

	err = copyStream(ctx, conn, writer, stream, s.maxBytes)
	if err != nil {
		s.log.Debug("stream aborted", "stream_key", streamKey, "error", err)
		s.registry.Abort(streamKey, err)
	} else {
		s.registry.Unregister(streamKey)
	}

	stats := stream.IngestStats()
	s.log.Info("connection closed", "stream_key", streamKey,
		"bytes", stats.BytesReceived, "reads", stats.ReadCount,
		"uptime_ms", stats.UptimeMs)
}

// copyStream moves bytes from the connection into the ingest pipe. A clean
// end of the connection returns nil.
func copyStream(ctx context.Context, r io.Reader, w io.Writer, stream *ingest.Stream, maxBytes int64) error {
	buf := make([]byte, srtReadBufferSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			total += int64(n)
			if maxBytes > 0 && total > maxBytes {
				return ErrStreamTooLarge
			}
			stream.RecordRead(n)
			if _, werr := w.Write(buf[:n]); werr != nil {
				return fmt.Errorf("pipe write: %w", werr)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "publish/")
	if streamID == "" {
		return "default"
	}
	return streamID
}
