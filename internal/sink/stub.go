package sink

import (
	"sync"
	"time"

	"github.com/waveecore/waveecore/internal/decode"
)

// StubSink drains written PCM at the format's nominal sample rate via a
// background goroutine, for use in tests that don't have a real output
// device. SpeedFactor scales the simulated clock (default 1x real time);
// tests typically set it much higher than 1 to avoid slow runs.
type chunk struct {
	frames int
}

type StubSink struct {
	mu          sync.Mutex
	cond        *sync.Cond
	format      decode.AudioFormat
	bufferMs    int
	bufferedFr  int64
	consumedFr  int64
	queue       []chunk
	playing     bool
	disposed    bool
	initialized bool

	SpeedFactor float64
}

// NewStubSink builds an uninitialized stub sink.
func NewStubSink() *StubSink {
	s := &StubSink{SpeedFactor: 1}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *StubSink) Init(format decode.AudioFormat, bufferMs int) error {
	if bufferMs <= 0 {
		bufferMs = defaultBufferMs
	}
	s.mu.Lock()
	s.format = format
	s.bufferMs = bufferMs
	s.playing = true
	s.initialized = true
	s.mu.Unlock()
	go s.drainLoop()
	return nil
}

func (s *StubSink) framesFor(ms int64) int64 {
	if s.format.SampleRate == 0 {
		return 0
	}
	return ms * int64(s.format.SampleRate) / 1000
}

func (s *StubSink) msFor(frames int64) int64 {
	if s.format.SampleRate == 0 {
		return 0
	}
	return frames * 1000 / int64(s.format.SampleRate)
}

// Write blocks until buffered audio is at most 2x bufferMs, then enqueues
// pcm for simulated consumption.
func (s *StubSink) Write(pcm []int16) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	channels := s.format.Channels
	if channels < 1 {
		channels = 1
	}
	frames := int64(len(pcm) / channels)

	limit := 2 * s.framesFor(int64(s.bufferMs))
	for s.bufferedFr > limit && !s.disposed {
		s.cond.Wait()
	}
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.bufferedFr += frames
	s.queue = append(s.queue, chunk{frames: int(frames)})
	s.mu.Unlock()
	return nil
}

func (s *StubSink) drainLoop() {
	const tick = 10 * time.Millisecond
	for {
		s.mu.Lock()
		if s.disposed {
			s.mu.Unlock()
			return
		}
		if !s.playing || s.bufferedFr == 0 {
			s.mu.Unlock()
			time.Sleep(tick)
			continue
		}
		speed := s.SpeedFactor
		if speed <= 0 {
			speed = 1
		}
		elapsedMs := int64(float64(tick.Milliseconds()) * speed)
		drain := s.framesFor(elapsedMs)
		if drain > s.bufferedFr {
			drain = s.bufferedFr
		}
		s.bufferedFr -= drain
		s.consumedFr += drain
		s.cond.Broadcast()
		s.mu.Unlock()
		time.Sleep(tick)
	}
}

func (s *StubSink) Pause() {
	s.mu.Lock()
	s.playing = false
	s.mu.Unlock()
}

func (s *StubSink) Resume() {
	s.mu.Lock()
	s.playing = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *StubSink) Flush() {
	s.mu.Lock()
	s.bufferedFr = 0
	s.queue = nil
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *StubSink) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		PositionMs: s.msFor(s.consumedFr),
		BufferedMs: s.msFor(s.bufferedFr),
		IsPlaying:  s.playing,
	}
}

func (s *StubSink) Dispose() error {
	s.mu.Lock()
	s.disposed = true
	s.mu.Unlock()
	s.cond.Broadcast()
	return nil
}
