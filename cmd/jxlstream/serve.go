package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/jxlstream/internal/dispatch"
	"github.com/zsiec/jxlstream/internal/ingest"
	srtingest "github.com/zsiec/jxlstream/internal/ingest/srt"
	"github.com/zsiec/jxlstream/internal/pipeline"
	"github.com/zsiec/jxlstream/internal/rawcodec"
)

type app struct {
	log       *slog.Logger
	registry  *ingest.Registry
	srtCaller *srtingest.Caller
	callbacks *dispatch.Registry
	outDir    string
	threads   int
	boxes     bool

	mu        sync.Mutex
	pipelines map[string]*pipeline.Pipeline
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	srtAddr := fs.String("srt", envOr("SRT_ADDR", ":6000"), "SRT listen address")
	outDir := fs.String("out", envOr("OUT_DIR", "frames"), "directory decoded frames are written to")
	pullAddr := fs.String("pull", envOr("SRT_PULL", ""), "SRT listener to pull one stream from")
	pullKey := fs.String("pull-key", envOr("SRT_PULL_KEY", "pull"), "stream key of the pulled stream")
	threads := fs.Int("threads", envInt("THREADS", 1), "workers delivering pixel rows per stream")
	maxBytes := fs.Int64("max-bytes", srtingest.DefaultMaxStreamBytes, "largest accepted encoded image")
	boxes := fs.Bool("boxes", envOr("WRITE_BOXES", "") != "", "also write metadata boxes")
	statsEvery := fs.Duration("stats", 30*time.Second, "interval between stream stat logs, 0 disables")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return err
	}

	log := slog.Default()
	a := &app{
		log:       log,
		callbacks: dispatch.NewRegistry(log),
		outDir:    *outDir,
		threads:   *threads,
		boxes:     *boxes,
		pipelines: make(map[string]*pipeline.Pipeline),
	}

	log.Info("jxlstream starting", "version", version, "srt", *srtAddr, "out", *outDir, "threads", *threads)

	g, ctx := errgroup.WithContext(ctx)

	// Created after the errgroup so stream pipelines stop with the group.
	a.registry = ingest.NewRegistry(func(key string, input io.Reader) {
		a.handleNewStream(ctx, key, input)
	})
	a.srtCaller = srtingest.NewCaller(a.registry, nil)

	srtSrv := srtingest.NewServer(*srtAddr, a.registry, nil)
	srtSrv.SetMaxStreamBytes(*maxBytes)

	g.Go(func() error {
		return srtSrv.Start(ctx)
	})

	if *pullAddr != "" {
		g.Go(func() error {
			err := a.srtCaller.Pull(ctx, srtingest.PullRequest{
				Address:   *pullAddr,
				StreamKey: *pullKey,
			})
			if err != nil {
				return fmt.Errorf("pull %s: %w", *pullAddr, err)
			}
			return nil
		})
	}

	if *statsEvery > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(*statsEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					a.logStats()
				}
			}
		})
	}

	return g.Wait()
}

func (a *app) handleNewStream(ctx context.Context, key string, input io.Reader) {
	session := uuid.NewString()
	log := a.log.With("stream", key, "session", session)
	log.Info("new stream from ingest")

	dir := filepath.Join(a.outDir, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Error("cannot create output directory", "dir", dir, "error", err)
		a.registry.Abort(key, err)
		return
	}

	opts := []func(*pipeline.Pipeline){
		pipeline.OptLogger(log),
		pipeline.OptThreads(a.threads),
		pipeline.OptRegistry(a.callbacks),
	}
	if a.boxes {
		opts = append(opts, pipeline.OptBoxes(true))
	}
	p := pipeline.New(key, input, newFileSink(dir, session, log), rawcodec.NewDecoder(log), opts...)

	a.mu.Lock()
	a.pipelines[key] = p
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pipelines, key)
		a.mu.Unlock()
	}()

	if err := p.Run(ctx); err != nil {
		log.Error("pipeline error", "error", err)
		// Unblocks the receiver still writing into the pipe.
		a.registry.Abort(key, err)
	}
	st := p.Stats()
	log.Info("stream ended", "frames", st.Frames, "boxes", st.Boxes, "bytes", st.BytesRead,
		"uptime", st.Uptime.Round(time.Millisecond))
}

func (a *app) logStats() {
	for _, s := range a.registry.List() {
		in := s.IngestStats()
		attrs := []any{"stream", s.Key, "remote", in.RemoteAddr, "received", in.BytesReceived, "uptime_ms", in.UptimeMs}
		a.mu.Lock()
		p := a.pipelines[s.Key]
		a.mu.Unlock()
		if p != nil {
			st := p.Stats()
			attrs = append(attrs, "decoded_bytes", st.BytesRead, "frames", st.Frames,
				"last_event", st.LastEvent, "mode", st.DecoderMode, "backend", st.Capabilities)
		}
		a.log.Info("stream stats", attrs...)
	}
	for _, pull := range a.srtCaller.ActivePulls() {
		a.log.Info("active pull", "address", pull.Address, "stream", pull.StreamKey)
	}
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}
