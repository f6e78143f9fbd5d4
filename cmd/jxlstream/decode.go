package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/zsiec/jxlstream/internal/pipeline"
	"github.com/zsiec/jxlstream/internal/rawcodec"
)

func runDecode(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("decode", flag.ContinueOnError)
	out := fs.String("o", "", "output PNG path (default: input name with .png)")
	threads := fs.Int("threads", 1, "workers delivering pixel rows")
	chunk := fs.Int("chunk", pipeline.DefaultChunkSize, "bytes read per step")
	boxes := fs.Bool("boxes", false, "also write metadata boxes next to the output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("decode: expected exactly one input file")
	}
	in := fs.Arg(0)

	target := *out
	if target == "" {
		target = strings.TrimSuffix(in, filepath.Ext(in)) + ".png"
	}
	prefix := strings.TrimSuffix(filepath.Base(target), filepath.Ext(target))

	f, err := os.Open(in)
	if err != nil {
		return err
	}
	defer f.Close()

	log := slog.Default()
	sink := newFileSink(filepath.Dir(target), prefix, log)
	opts := []func(*pipeline.Pipeline){
		pipeline.OptLogger(log),
		pipeline.OptChunkSize(*chunk),
		pipeline.OptThreads(*threads),
	}
	if *boxes {
		opts = append(opts, pipeline.OptBoxes(true))
	}

	p := pipeline.New(filepath.Base(in), f, sink, rawcodec.NewDecoder(log), opts...)
	if err := p.Run(ctx); err != nil {
		return fmt.Errorf("decode %s: %w", in, err)
	}
	st := p.Stats()
	log.Info("decoded", "input", in, "frames", st.Frames, "boxes", st.Boxes,
		"width", st.Width, "height", st.Height, "bytes", st.BytesRead, "files", len(sink.written))
	return nil
}
