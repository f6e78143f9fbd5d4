package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	srt "github.com/zsiec/srtgo"
)

// pushChunk is the SRT live-mode payload size.
const pushChunk = 1316

func runPush(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("push", flag.ContinueOnError)
	addr := fs.String("addr", envOr("SRT_ADDR", "127.0.0.1:6000"), "SRT server address")
	key := fs.String("key", "", "stream key (default: file name without extension)")
	rate := fs.Float64("rate", 0, "bytes per second to pace the upload at, 0 sends as fast as possible")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("push: expected exactly one encoded file")
	}
	path := fs.Arg(0)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	streamID := *key
	if streamID == "" {
		base := filepath.Base(path)
		streamID = "publish/" + strings.TrimSuffix(base, filepath.Ext(base))
	}

	cfg := srt.DefaultConfig()
	cfg.StreamID = streamID
	slog.Info("connecting", "addr", *addr, "stream_id", streamID, "bytes", len(data))
	conn, err := srt.Dial(*addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT connect to %s: %w", *addr, err)
	}
	defer conn.Close()

	start := time.Now()
	sent, err := sendPaced(ctx, conn, data, pushChunk, *rate)
	if err != nil {
		return fmt.Errorf("push %s: %w", path, err)
	}
	slog.Info("pushed", "stream_id", streamID, "bytes", sent, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// sendPaced writes data in chunks, sleeping so the cumulative rate does not
// exceed bytesPerSec. A zero rate disables pacing.
func sendPaced(ctx context.Context, w io.Writer, data []byte, chunk int, bytesPerSec float64) (int64, error) {
	start := time.Now()
	var sent int64
	for i := 0; i < len(data); i += chunk {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		end := min(i+chunk, len(data))
		if _, err := w.Write(data[i:end]); err != nil {
			return sent, err
		}
		sent += int64(end - i)

		if bytesPerSec <= 0 {
			continue
		}
		// Paced against the start time so short sleeps do not accumulate drift.
		expected := time.Duration(float64(sent) / bytesPerSec * float64(time.Second))
		if wait := expected - time.Since(start); wait > 0 {
			select {
			case <-ctx.Done():
				return sent, ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return sent, nil
}
