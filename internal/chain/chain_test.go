package chain

import (
	"testing"

	"github.com/waveecore/waveecore/internal/audiocrypt"
	"github.com/waveecore/waveecore/internal/decode"
)

func TestVolumeProcessorScalesSamples(t *testing.T) {
	p := NewVolumeProcessor()
	p.SetLevel(0.5)
	p.Init(decode.AudioFormat{SampleRate: 44100, Channels: 1})

	in := decode.Buffer{PCM: []int16{1000, -1000, 32767}}
	out := p.Process(in)

	if out.PCM[0] != 500 || out.PCM[1] != -500 {
		t.Fatalf("unexpected scaled samples: %v", out.PCM)
	}
}

func TestVolumeProcessorClampsLevel(t *testing.T) {
	p := NewVolumeProcessor()
	p.SetLevel(2.0)
	if p.Level() != 1 {
		t.Fatalf("expected level clamped to 1, got %v", p.Level())
	}
	p.SetLevel(-1.0)
	if p.Level() != 0 {
		t.Fatalf("expected level clamped to 0, got %v", p.Level())
	}
}

func TestNormalizationProcessorUnityGainAtTarget(t *testing.T) {
	p := NewNormalizationProcessor()
	p.SetData(audiocrypt.NormalizationData{TrackGainDB: -14, TrackPeak: 1})
	in := decode.Buffer{PCM: []int16{1000, -1000}}
	out := p.Process(in)
	if out.PCM[0] != 1000 || out.PCM[1] != -1000 {
		t.Fatalf("expected unity gain at target LUFS, got %v", out.PCM)
	}
}

func TestNormalizationProcessorLimitsGainToAvoidClipping(t *testing.T) {
	p := NewNormalizationProcessor()
	// large positive gain would be requested, but peak=0.5 caps it at 2x.
	p.SetData(audiocrypt.NormalizationData{TrackGainDB: -40, TrackPeak: 0.5})
	in := decode.Buffer{PCM: []int16{20000}}
	out := p.Process(in)
	if out.PCM[0] != 32767 {
		t.Fatalf("expected clamp to int16 max, got %d", out.PCM[0])
	}
}

func TestEqualizerBypassedWhenDisabledAllocatesNothing(t *testing.T) {
	eq := NewEqualizerProcessor([]BiquadCoeffs{{B0: 1}})
	eq.Init(decode.AudioFormat{SampleRate: 44100, Channels: 2})
	in := decode.Buffer{PCM: []int16{1, 2, 3, 4}}
	out := eq.Process(in)
	if len(out.PCM) != 4 {
		t.Fatalf("expected passthrough shape preserved, got %v", out.PCM)
	}
	if !eq.Enabled() {
		// bypass happens at the Chain level via Enabled(); verify default is off.
	}
	if eq.Enabled() {
		t.Fatal("equalizer should be disabled by default")
	}
}

func TestChainProcessesOnlyEnabledProcessorsInOrder(t *testing.T) {
	c := New(NewEqualizerProcessor(nil))
	c.Init(decode.AudioFormat{SampleRate: 44100, Channels: 1})

	volume := c.Processor("volume").(*VolumeProcessor)
	volume.SetLevel(0.5)

	in := decode.Buffer{PCM: []int16{1000}}
	out := c.Process(in)
	if out.PCM[0] != 500 {
		t.Fatalf("expected volume applied, got %v", out.PCM)
	}
}

func TestChainResetClearsEqualizerState(t *testing.T) {
	c := New(NewEqualizerProcessor([]BiquadCoeffs{{B0: 1, A1: 0.5}}))
	c.Init(decode.AudioFormat{SampleRate: 44100, Channels: 1})
	eq := c.Processor("equalizer").(*EqualizerProcessor)
	eq.SetEnabled(true)

	c.Process(decode.Buffer{PCM: []int16{1000}})
	c.Reset()
	// after reset, the biquad state carried over from the first call must be
	// cleared back to zero.
	first := eq.states[0][0]
	if first.x1 != 0 || first.y1 != 0 {
		t.Fatalf("expected biquad state cleared after reset, got %+v", first)
	}
}
