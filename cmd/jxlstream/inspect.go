package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/zsiec/jxlstream/internal/container"
	"github.com/zsiec/jxlstream/internal/gainmap"
)

// signaturePrefix is enough bytes to tell a container from a codestream.
const signaturePrefix = 12

func runSignature(w io.Writer, args []string) error {
	fs := flag.NewFlagSet("signature", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("signature: expected at least one file")
	}
	for _, path := range fs.Args() {
		sig, err := readSignature(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s: %s\n", path, sig)
	}
	return nil
}

func readSignature(path string) (container.Signature, error) {
	f, err := os.Open(path)
	if err != nil {
		return container.Invalid, err
	}
	defer f.Close()
	buf := make([]byte, signaturePrefix)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return container.Invalid, err
	}
	return container.CheckSignature(buf[:n]), nil
}

func runBoxes(w io.Writer, args []string) error {
	fs := flag.NewFlagSet("boxes", flag.ContinueOnError)
	decompress := fs.Bool("x", false, "decompress brob boxes to report their content size")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("boxes: expected exactly one input file")
	}
	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}

	switch sig := container.CheckSignature(data); sig {
	case container.Codestream:
		fmt.Fprintf(w, "bare codestream, %d bytes\n", len(data))
		return nil
	case container.Container:
	default:
		return fmt.Errorf("boxes: %s is %s", fs.Arg(0), sig)
	}

	off := 0
	return container.Walk(data, func(b container.Box) error {
		size := len(b.Payload) + b.HeaderLen
		fmt.Fprintf(w, "%8d  %s  %8d bytes%s\n", off, b.Type, size, describeBox(b, *decompress))
		off += size
		return nil
	})
}

// describeBox returns type-specific details for one box.
func describeBox(b container.Box, decompress bool) string {
	switch b.Type {
	case container.TypePartial:
		idx, last, err := container.ParsePartialIndex(b.Payload)
		if err != nil {
			return "  (" + err.Error() + ")"
		}
		if last {
			return fmt.Sprintf("  part %d, last", idx)
		}
		return fmt.Sprintf("  part %d", idx)
	case container.TypeBrotli:
		inner, ok := container.InnerType(b.Payload)
		if !ok {
			return "  (no inner type)"
		}
		if !decompress {
			return fmt.Sprintf("  compressed %s", inner)
		}
		_, contents, err := container.Decompress(b.Payload)
		if err != nil {
			return fmt.Sprintf("  compressed %s (%v)", inner, err)
		}
		return fmt.Sprintf("  compressed %s, %d bytes decompressed", inner, len(contents))
	case container.TypeGainMap:
		bundle, _, err := gainmap.Read(b.Payload)
		if err != nil {
			return "  (" + err.Error() + ")"
		}
		return fmt.Sprintf("  gain map v%d: metadata %d, color encoding %v, alt ICC %d, codestream %d",
			bundle.Version, len(bundle.Metadata), bundle.HasColorEncoding, len(bundle.AltICC), len(bundle.GainMap))
	}
	if b.Open {
		return "  (open)"
	}
	return ""
}
