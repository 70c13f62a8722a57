package chain

import "github.com/waveecore/waveecore/internal/decode"

// BiquadCoeffs holds a Direct Form I biquad section's coefficients.
type BiquadCoeffs struct {
	B0, B1, B2 float64
	A1, A2     float64
}

type biquadState struct {
	x1, x2, y1, y2 float64
}

func (s *biquadState) process(c BiquadCoeffs, x float64) float64 {
	y := c.B0*x + c.B1*s.x1 + c.B2*s.x2 - c.A1*s.y1 - c.A2*s.y2
	s.x2, s.x1 = s.x1, x
	s.y2, s.y1 = s.y1, y
	return y
}

// EqualizerProcessor is an optional bank of biquad sections, one per band,
// applied per channel. Disabled by default; when disabled, Process is a
// no-op and allocates nothing.
type EqualizerProcessor struct {
	enabled  bool
	bands    []BiquadCoeffs
	channels int
	states   [][]biquadState
}

// NewEqualizerProcessor builds a disabled equalizer with the given bands.
func NewEqualizerProcessor(bands []BiquadCoeffs) *EqualizerProcessor {
	return &EqualizerProcessor{bands: bands}
}

func (p *EqualizerProcessor) Name() string     { return "equalizer" }
func (p *EqualizerProcessor) Enabled() bool    { return p.enabled }
func (p *EqualizerProcessor) SetEnabled(v bool) { p.enabled = v }

func (p *EqualizerProcessor) Init(format decode.AudioFormat) {
	p.channels = format.Channels
	if p.channels < 1 {
		p.channels = 1
	}
	p.states = make([][]biquadState, p.channels)
	for ch := range p.states {
		p.states[ch] = make([]biquadState, len(p.bands))
	}
}

func (p *EqualizerProcessor) Reset() {
	for ch := range p.states {
		p.states[ch] = make([]biquadState, len(p.bands))
	}
}

func (p *EqualizerProcessor) Process(buf decode.Buffer) decode.Buffer {
	if !p.enabled || len(p.bands) == 0 || p.channels == 0 {
		return buf
	}
	out := make([]int16, len(buf.PCM))
	for i, s := range buf.PCM {
		ch := i % p.channels
		v := float64(s)
		for b, coeffs := range p.bands {
			v = p.states[ch][b].process(coeffs, v)
		}
		out[i] = clampInt16(v)
	}
	buf.PCM = out
	return buf
}
