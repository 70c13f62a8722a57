// Package sink abstracts the audio output device the playback pipeline
// writes decoded PCM to: a real platform sink backed by PortAudio, and a
// stub sink that drains at nominal rate for tests.
package sink

import (
	"errors"

	"github.com/waveecore/waveecore/internal/decode"
)

// Status is a point-in-time snapshot of sink playback progress.
type Status struct {
	PositionMs  int64
	BufferedMs  int64
	IsPlaying   bool
}

// Sink is the output device contract every pipeline writes through.
type Sink interface {
	Init(format decode.AudioFormat, bufferMs int) error
	Write(pcm []int16) error
	Pause()
	Resume()
	Flush()
	Status() Status
	Dispose() error
}

// ErrNotInitialized is returned by Write when called before Init.
var ErrNotInitialized = errors.New("sink: not initialized")

const defaultBufferMs = 100
