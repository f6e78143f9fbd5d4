package encoder

import (
	"errors"

	"github.com/zsiec/jxlstream/internal/backend"
	"github.com/zsiec/jxlstream/internal/outbuf"
)

// Limits accepted by Validate and AddImageFrame.
const (
	MinEffort          = 1
	MaxEffort          = 10
	MaxDistance        = 25
	MaxFrameNameLength = 1071
)

// Config holds the encoder defaults. Frame settings returned by
// Encoder.FrameSettings start from these values.
type Config struct {
	Effort   int     // 1-10; default 7
	Distance float32 // 0 is mathematically lossless; default 1.0
	Lossless bool

	// Output accumulation.
	InitialCapacity int // default outbuf.DefaultCapacity
	MaxOutputBytes  int // 0 = no limit

	// Container output. Boxes can only be added with UseContainer set.
	UseContainer  bool
	CompressBoxes bool
}

// Default returns a Config with the usual encoder defaults.
func Default() Config {
	return Config{
		Effort:          7,
		Distance:        1.0,
		InitialCapacity: outbuf.DefaultCapacity,
	}
}

// Validate returns an error if the configuration is inconsistent.
func Validate(c Config) error {
	if c.Effort < MinEffort || c.Effort > MaxEffort {
		return errors.New("encoder: Effort must be between 1 and 10")
	}
	if c.Distance < 0 || c.Distance > MaxDistance {
		return errors.New("encoder: Distance must be between 0 and 25")
	}
	if c.Lossless && c.Distance != 0 {
		return errors.New("encoder: Lossless requires Distance 0")
	}
	if c.InitialCapacity < 0 || c.MaxOutputBytes < 0 {
		return errors.New("encoder: output sizes must not be negative")
	}
	if c.MaxOutputBytes > 0 && c.InitialCapacity > c.MaxOutputBytes {
		return errors.New("encoder: InitialCapacity exceeds MaxOutputBytes")
	}
	return nil
}

// frameSettings returns the per-frame defaults derived from c.
func (c Config) frameSettings() backend.FrameSettings {
	return backend.FrameSettings{
		Effort:   c.Effort,
		Distance: c.Distance,
		Lossless: c.Lossless,
	}
}
