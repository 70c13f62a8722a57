package chain

import (
	"math"

	"github.com/waveecore/waveecore/internal/audiocrypt"
	"github.com/waveecore/waveecore/internal/decode"
)

const defaultTargetLUFS = -14.0

// NormalizationProcessor scales PCM samples toward a target loudness using
// the track's embedded gain/peak data, optionally limited so the result
// never clips.
type NormalizationProcessor struct {
	enabled         bool
	targetLUFS      float64
	preventClipping bool
	data            audiocrypt.NormalizationData
	gain            float64
}

// NewNormalizationProcessor builds a processor enabled by default, using
// the target loudness from spec.md §4.11 and clip prevention on.
func NewNormalizationProcessor() *NormalizationProcessor {
	p := &NormalizationProcessor{
		enabled:         true,
		targetLUFS:      defaultTargetLUFS,
		preventClipping: true,
		data:            audiocrypt.DefaultNormalizationData,
	}
	p.recompute()
	return p
}

func (p *NormalizationProcessor) Name() string      { return "normalization" }
func (p *NormalizationProcessor) Enabled() bool      { return p.enabled }
func (p *NormalizationProcessor) SetEnabled(v bool)  { p.enabled = v }

// SetData updates the gain/peak values used for this track, recomputing the
// effective gain factor.
func (p *NormalizationProcessor) SetData(data audiocrypt.NormalizationData) {
	p.data = data
	p.recompute()
}

func (p *NormalizationProcessor) recompute() {
	gain := math.Pow(10, (p.targetLUFS-float64(p.data.TrackGainDB))/20)
	if p.preventClipping && p.data.TrackPeak != 0 {
		if limit := 1 / float64(p.data.TrackPeak); gain > limit {
			gain = limit
		}
	}
	p.gain = gain
}

func (p *NormalizationProcessor) Init(format decode.AudioFormat) {}

func (p *NormalizationProcessor) Reset() {}

func (p *NormalizationProcessor) Process(buf decode.Buffer) decode.Buffer {
	out := make([]int16, len(buf.PCM))
	for i, s := range buf.PCM {
		scaled := float64(s) * p.gain
		out[i] = clampInt16(scaled)
	}
	buf.PCM = out
	return buf
}

func clampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
