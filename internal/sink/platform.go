package sink

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/waveecore/waveecore/internal/decode"
	"github.com/waveecore/waveecore/internal/logging"
)

// framesPerCallback is the PortAudio stream's buffer period in
// milliseconds; Init turns it into SampleRate*framesPerCallback/1000 frames
// per buffer. 20ms keeps latency low while giving the writer loop enough
// headroom to refill before the device underruns.
const framesPerCallback = 20

// PlatformSink is the real output device sink, backed by PortAudio. It
// mirrors StubSink's mutex+cond buffering discipline, but a background
// goroutine drains into an actual hardware stream instead of a simulated
// clock.
type PlatformSink struct {
	mu   sync.Mutex
	cond *sync.Cond
	log  *slog.Logger

	format      decode.AudioFormat
	bufferMs    int
	initialized bool
	disposed    bool
	paused      bool

	pending    []int16 // queued samples not yet written to the device
	consumedFr int64

	stream  *portaudio.Stream
	outBuf  []int16
	stopCh  chan struct{}
	wg      sync.WaitGroup

	outputDeviceID int // -1 means use the system default
}

// NewPlatformSink builds an uninitialized platform sink using the default
// output device. Call SetOutputDevice before Init to pick another one.
func NewPlatformSink() *PlatformSink {
	s := &PlatformSink{outputDeviceID: -1, log: logging.For("sink")}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SetOutputDevice selects a device by index as returned from ListOutputDevices.
func (s *PlatformSink) SetOutputDevice(id int) {
	s.mu.Lock()
	s.outputDeviceID = id
	s.mu.Unlock()
}

// ListOutputDevices returns the available PortAudio output devices.
func ListOutputDevices() ([]portaudio.DeviceInfo, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("sink: portaudio init: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("sink: list devices: %w", err)
	}
	var out []portaudio.DeviceInfo
	for _, d := range devices {
		if d.MaxOutputChannels > 0 {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *PlatformSink) Init(format decode.AudioFormat, bufferMs int) error {
	if bufferMs <= 0 {
		bufferMs = defaultBufferMs
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("sink: portaudio init: %w", err)
	}

	devices, err := portaudio.Devices()
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("sink: list devices: %w", err)
	}

	s.mu.Lock()
	deviceID := s.outputDeviceID
	s.mu.Unlock()

	outputDev, err := resolveOutputDevice(devices, deviceID)
	if err != nil {
		portaudio.Terminate()
		return err
	}

	framesPerBuffer := format.SampleRate * framesPerCallback / 1000
	outBuf := make([]int16, framesPerBuffer*format.Channels)

	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   outputDev,
			Channels: format.Channels,
			Latency:  outputDev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(format.SampleRate),
		FramesPerBuffer: framesPerBuffer,
	}
	stream, err := portaudio.OpenStream(params, outBuf)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("sink: open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("sink: start stream: %w", err)
	}

	s.mu.Lock()
	s.format = format
	s.bufferMs = bufferMs
	s.stream = stream
	s.outBuf = outBuf
	s.stopCh = make(chan struct{})
	s.initialized = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() { defer s.wg.Done(); s.writerLoop() }()

	s.log.Info("sink: opened device", "device", outputDev.Name, "sample_rate", format.SampleRate, "channels", format.Channels)
	return nil
}

func resolveOutputDevice(devices []*portaudio.DeviceInfo, id int) (*portaudio.DeviceInfo, error) {
	if id >= 0 && id < len(devices) {
		return devices[id], nil
	}
	dev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return nil, fmt.Errorf("sink: default output device: %w", err)
	}
	return dev, nil
}

func (s *PlatformSink) framesFor(ms int64) int64 {
	if s.format.SampleRate == 0 {
		return 0
	}
	return ms * int64(s.format.SampleRate) / 1000
}

func (s *PlatformSink) msFor(frames int64) int64 {
	if s.format.SampleRate == 0 {
		return 0
	}
	return frames * 1000 / int64(s.format.SampleRate)
}

// Write blocks while more than 2x bufferMs of audio is already queued, then
// appends pcm to the pending buffer for the writer loop to drain.
func (s *PlatformSink) Write(pcm []int16) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	channels := s.format.Channels
	if channels < 1 {
		channels = 1
	}
	limit := 2 * s.framesFor(int64(s.bufferMs)) * int64(channels)
	for int64(len(s.pending)) > limit && !s.disposed {
		s.cond.Wait()
	}
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.pending = append(s.pending, pcm...)
	s.mu.Unlock()
	return nil
}

// writerLoop feeds the hardware stream at its native pace: portaudio's
// blocking Write call itself paces this loop to one callback period, so no
// software clock is needed the way StubSink needs one.
func (s *PlatformSink) writerLoop() {
	for {
		s.mu.Lock()
		if s.disposed {
			s.mu.Unlock()
			return
		}
		channels := s.format.Channels
		if channels < 1 {
			channels = 1
		}
		need := len(s.outBuf)
		if s.paused || len(s.pending) == 0 {
			for i := range s.outBuf {
				s.outBuf[i] = 0
			}
		} else {
			n := need
			if n > len(s.pending) {
				n = len(s.pending)
			}
			copy(s.outBuf, s.pending[:n])
			for i := n; i < need; i++ {
				s.outBuf[i] = 0
			}
			s.pending = s.pending[n:]
			s.consumedFr += int64(n / channels)
			s.cond.Broadcast()
		}
		stream := s.stream
		s.mu.Unlock()

		if err := stream.Write(); err != nil {
			s.mu.Lock()
			disposed := s.disposed
			s.mu.Unlock()
			if !disposed {
				s.log.Warn("sink: stream write failed", "error", err)
			}
			return
		}

		select {
		case <-s.stopCh:
			return
		default:
		}
	}
}

func (s *PlatformSink) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

func (s *PlatformSink) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Flush discards queued-but-not-yet-played audio, used ahead of a seek.
func (s *PlatformSink) Flush() {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *PlatformSink) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	channels := s.format.Channels
	if channels < 1 {
		channels = 1
	}
	return Status{
		PositionMs: s.msFor(s.consumedFr),
		BufferedMs: s.msFor(int64(len(s.pending) / channels)),
		IsPlaying:  !s.paused,
	}
}

// Dispose stops and closes the stream.
//
// Order matters: Pa_StopStream is safe to call concurrently and causes a
// blocking Pa_WriteStream in the writer goroutine to return, which is what
// lets that goroutine observe disposed and exit. We wait for it via wg
// before closing the stream, otherwise the native stream object could be
// freed while the goroutine is still inside a call on it.
func (s *PlatformSink) Dispose() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	stopCh := s.stopCh
	stream := s.stream
	s.mu.Unlock()
	s.cond.Broadcast()

	if stream != nil {
		stream.Stop()
	}
	if stopCh != nil {
		close(stopCh)
	}
	s.wg.Wait()

	if stream != nil {
		stream.Close()
	}
	portaudio.Terminate()
	return nil
}
