// Package chain routes decoded PCM buffers through an ordered list of
// processors before they reach the sink: normalization, volume, and an
// optional equalizer.
package chain

import "github.com/waveecore/waveecore/internal/decode"

// Processor is one stage of the processing chain.
type Processor interface {
	Name() string
	Enabled() bool
	SetEnabled(bool)
	Init(format decode.AudioFormat)
	Process(buf decode.Buffer) decode.Buffer
	Reset()
}

// Chain holds processors in registration order and routes buffers through
// whichever are enabled at the time.
type Chain struct {
	processors []Processor
}

// New builds a chain with the mandatory normalization and volume
// processors, plus any extra ones (typically an equalizer) appended after.
func New(extra ...Processor) *Chain {
	c := &Chain{
		processors: []Processor{
			NewNormalizationProcessor(),
			NewVolumeProcessor(),
		},
	}
	c.processors = append(c.processors, extra...)
	return c
}

// Init calls Init on every processor with the decoder-reported format.
func (c *Chain) Init(format decode.AudioFormat) {
	for _, p := range c.processors {
		p.Init(format)
	}
}

// Reset is called on seek; every processor clears any carried-over state.
func (c *Chain) Reset() {
	for _, p := range c.processors {
		p.Reset()
	}
}

// Process routes buf through every enabled processor in registration order.
func (c *Chain) Process(buf decode.Buffer) decode.Buffer {
	for _, p := range c.processors {
		if p.Enabled() {
			buf = p.Process(buf)
		}
	}
	return buf
}

// Processor returns the registered processor with the given name, or nil.
func (c *Chain) Processor(name string) Processor {
	for _, p := range c.processors {
		if p.Name() == name {
			return p
		}
	}
	return nil
}
