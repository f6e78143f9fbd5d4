package rawcodec

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Encoders are pooled per level; effort picks the level.
var zstdEncPools = map[zstd.EncoderLevel]*sync.Pool{}

func init() {
	for _, lvl := range []zstd.EncoderLevel{zstd.SpeedFastest, zstd.SpeedDefault, zstd.SpeedBetterCompression, zstd.SpeedBestCompression} {
		zstdEncPools[lvl] = &sync.Pool{New: func() any { return mustNewZstdEncoder(lvl) }}
	}
}

var zstdDecPool = sync.Pool{
	New: func() any { return mustNewZstdDecoder() },
}

func mustNewZstdEncoder(lvl zstd.EncoderLevel) *zstd.Encoder {
	enc, err := zstd.NewWriter(
		nil,
		zstd.WithEncoderConcurrency(1),
		zstd.WithEncoderLevel(lvl),
		zstd.WithLowerEncoderMem(true),
	)
	if err != nil {
		panic(err)
	}
	return enc
}

func mustNewZstdDecoder() *zstd.Decoder {
	dec, err := zstd.NewReader(
		nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderLowmem(true),
		zstd.WithDecoderMaxMemory(maxGroupBytes),
	)
	if err != nil {
		panic(err)
	}
	return dec
}

// levelForEffort maps encoder effort 1-10 to a zstd level.
func levelForEffort(effort int) zstd.EncoderLevel {
	switch {
	case effort <= 3:
		return zstd.SpeedFastest
	case effort <= 6:
		return zstd.SpeedDefault
	case effort <= 8:
		return zstd.SpeedBetterCompression
	}
	return zstd.SpeedBestCompression
}

func compressGroup(dst, raw []byte, effort int) []byte {
	pool := zstdEncPools[levelForEffort(effort)]
	enc := pool.Get().(*zstd.Encoder)
	dst = enc.EncodeAll(raw, dst)
	pool.Put(enc)
	return dst
}

func decompressGroup(dst, comp []byte, want int) ([]byte, error) {
	dec := zstdDecPool.Get().(*zstd.Decoder)
	out, err := dec.DecodeAll(comp, dst)
	zstdDecPool.Put(dec)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	if len(out)-len(dst) != want {
		return nil, fmt.Errorf("zstd decode: group holds %d bytes, want %d", len(out)-len(dst), want)
	}
	return out, nil
}
