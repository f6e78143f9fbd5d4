package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

var version = "dev"

const usage = `usage: jxlstream <command> [flags] [args]

commands:
  decode     decode a file to PNG
  encode     encode a PNG, JPEG, GIF or WebP image
  boxes      list the boxes of a container file
  signature  report whether files start with a codestream or a container
  serve      decode images published over SRT
  push       publish an encoded file to a serve instance over SRT
  version    print the version
`

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "decode":
		err = runDecode(ctx, args)
	case "encode":
		err = runEncode(args)
	case "boxes":
		err = runBoxes(os.Stdout, args)
	case "signature":
		err = runSignature(os.Stdout, args)
	case "serve":
		err = runServe(ctx, args)
	case "push":
		err = runPush(ctx, args)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		slog.Error(cmd+" failed", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
