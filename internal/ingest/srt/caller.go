package srt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/jxlstream/internal/ingest"
)

// dialTimeout bounds how long Pull waits for the remote listener.
const dialTimeout = 10 * time.Second

// PullRequest describes a remote SRT source to pull an image from.
type PullRequest struct {
	Address   string `json:"address"`
	StreamKey string `json:"streamKey"`
	StreamID  string `json:"streamId,omitempty"`
}

// Validate reports a missing address or stream key.
func (r PullRequest) Validate() error {
	if r.Address == "" {
		return fmt.Errorf("address is required")
	}
	if r.StreamKey == "" {
		return fmt.Errorf("streamKey is required")
	}
	return nil
}

type activePull struct {
	req    PullRequest
	cancel context.CancelFunc
}

// Caller manages SRT pull connections, dialing remote SRT sources and
// streaming their bytes into the ingest registry.
type Caller struct {
	log      *slog.Logger
	registry *ingest.Registry

	mu    sync.Mutex
	pulls map[string]*activePull
}

// NewCaller creates a Caller that uses the given registry to register
// pulled streams. If log is nil, slog.Default() is used.
func NewCaller(registry *ingest.Registry, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:      log.With("component", "srt-caller"),
		registry: registry,
		pulls:    make(map[string]*activePull),
	}
}

// Pull dials the remote SRT listener synchronously (with a timeout),
// returning an error if the connection fails. On success, streaming
// continues in a background goroutine.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	_, exists := c.pulls[req.StreamKey]
	c.mu.Unlock()
	if exists {
		return fmt.Errorf("pull already active for stream key %q", req.StreamKey)
	}

	c.log.Info("dialing", "address", req.Address, "stream_key", req.StreamKey)

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = req.StreamID
	if cfg.StreamID == "" {
		cfg.StreamID = req.StreamKey
	}

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- dialResult{conn, err}
	}()

	// Drains the dial result in the background and closes any leaked connection.
	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("SRT dial failed: %w", res.err)
		}
		return c.startStreaming(ctx, req, res.conn)
	case <-timer.C:
		abandon()
		return fmt.Errorf("SRT dial timed out after %s", dialTimeout)
	case <-ctx.Done():
		abandon()
		return ctx.Err()
	}
}

func (c *Caller) startStreaming(ctx context.Context, req PullRequest, conn *srtgo.Conn) error {
	c.mu.Lock()
	if _, exists := c.pulls[req.StreamKey]; exists {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("pull already active for stream key %q", req.StreamKey)
	}
	stream, writer, err := c.registry.Register(req.StreamKey)
	if err != nil {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("register %q: %w", req.StreamKey, err)
	}
	pullCtx, cancel := context.WithCancel(ctx)
	c.pulls[req.StreamKey] = &activePull{req: req, cancel: cancel}
	c.mu.Unlock()

	c.log.Info("connected", "address", req.Address, "stream_key", req.StreamKey)
	stream.SetRemoteAddr(req.Address)

	go func() {
		defer cancel()
		err := copyStream(pullCtx, conn, writer, stream, DefaultMaxStreamBytes)
		conn.Close()
		if err != nil {
			c.registry.Abort(req.StreamKey, err)
		} else {
			c.registry.Unregister(req.StreamKey)
		}
		c.mu.Lock()
		delete(c.pulls, req.StreamKey)
		c.mu.Unlock()

		stats := stream.IngestStats()
		c.log.Info("pull ended", "stream_key", req.StreamKey,
			"bytes", stats.BytesReceived, "reads", stats.ReadCount,
			"uptime_ms", stats.UptimeMs, "error", err)
	}()

	return nil
}

// Stop cancels the active pull for streamKey.
func (c *Caller) Stop(streamKey string) error {
	c.mu.Lock()
	ap, ok := c.pulls[streamKey]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("no active pull for stream key %q", streamKey)
	}

	ap.cancel()
	return nil
}

// ActivePulls lists the pulls in progress.
func (c *Caller) ActivePulls() []PullRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PullRequest, 0, len(c.pulls))
	for _, ap := range c.pulls {
		out = append(out, ap.req)
	}
	return out
}
