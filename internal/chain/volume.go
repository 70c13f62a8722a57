package chain

import "github.com/waveecore/waveecore/internal/decode"

// VolumeProcessor applies a linear multiplier in [0,1]. Always enabled.
type VolumeProcessor struct {
	level float64
}

// NewVolumeProcessor builds a processor at full volume.
func NewVolumeProcessor() *VolumeProcessor {
	return &VolumeProcessor{level: 1}
}

func (p *VolumeProcessor) Name() string     { return "volume" }
func (p *VolumeProcessor) Enabled() bool    { return true }
func (p *VolumeProcessor) SetEnabled(bool)  {}

// SetLevel sets the linear volume multiplier, clamped to [0,1].
func (p *VolumeProcessor) SetLevel(level float64) {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	p.level = level
}

func (p *VolumeProcessor) Level() float64 { return p.level }

func (p *VolumeProcessor) Init(format decode.AudioFormat) {}

func (p *VolumeProcessor) Reset() {}

func (p *VolumeProcessor) Process(buf decode.Buffer) decode.Buffer {
	if p.level == 1 {
		return buf
	}
	out := make([]int16, len(buf.PCM))
	for i, s := range buf.PCM {
		out[i] = clampInt16(float64(s) * p.level)
	}
	buf.PCM = out
	return buf
}
