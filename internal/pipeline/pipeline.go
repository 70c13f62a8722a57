// Package pipeline orchestrates a single playback: resolving a track URI
// through a source registry, sniffing and running a decoder, routing
// decoded PCM through a processing chain, and writing it to a sink, while
// serializing commands (play/pause/resume/seek/shuffle/repeat) behind a
// single lock and broadcasting state transitions.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/waveecore/waveecore/internal/chain"
	"github.com/waveecore/waveecore/internal/decode"
	"github.com/waveecore/waveecore/internal/logging"
	"github.com/waveecore/waveecore/internal/sink"
	"github.com/waveecore/waveecore/internal/state"
)

// DefaultCommandTimeout is how long a command waits to acquire the
// serialization lock before failing with KindCommandTimeout.
const DefaultCommandTimeout = 2 * time.Second

// positionSampleInterval bounds how often the loop re-reads sink position.
const positionSampleInterval = 250 * time.Millisecond

// Mode is the pipeline's coarse playback state.
type Mode int

const (
	ModeStopped Mode = iota
	ModePlaying
	ModePaused
)

// PlayCommand is the argument to Play.
type PlayCommand struct {
	TrackURI   string
	TrackUID   string
	ContextURI string
	PositionMs int64
}

// TrackStream is what a TrackSource resolves a track URI to: a seekable
// byte stream of already-decrypted audio bytes plus whatever metadata was
// available ahead of decoding.
type TrackStream struct {
	Audio    io.ReadSeeker
	Metadata decode.TrackMetadata
	CanSeek  bool
}

// Prefetcher is optionally implemented by a TrackStream's Audio (typically
// a downloader-backed stream) to let the pipeline warm the cache ahead of
// a seek before reopening the decoder at the new position.
type Prefetcher interface {
	PrefetchForSeek(ctx context.Context, positionMs int64)
}

// TrackSource resolves a track URI to a byte stream plus metadata; the
// concrete registry (keyed by URI scheme) lives outside this package.
type TrackSource interface {
	Load(ctx context.Context, uri string) (*TrackStream, error)
}

// Option configures optional Pipeline parameters away from their defaults.
type Option func(*Pipeline)

// WithCommandTimeout overrides the default 2s command-lock acquisition timeout.
func WithCommandTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.commandTimeout = d }
}

// Pipeline orchestrates source -> decoder -> chain -> sink for one logical
// playback session. Every exported command (besides CurrentState) acquires
// a single serialization semaphore so commands execute one at a time, in
// the order callers invoke them.
type Pipeline struct {
	source   TrackSource
	registry *decode.Registry
	chain    *chain.Chain
	sink     sink.Sink
	subject  *state.Subject
	log      *slog.Logger

	commandTimeout time.Duration
	cmdSem         chan struct{} // depth 1; a channel-based mutex supporting timeout

	mu               sync.Mutex // guards everything below; reading CurrentState only takes this
	mode             Mode
	trackURI         string
	trackUID         string
	contextURI       string
	positionMs       int64
	positionBaseMs   int64 // track-position offset at the last Play/Seek/repeat restart
	durationMs       int64
	shuffle          bool
	repeatTrack      bool
	repeatContext    bool
	playbackID       string
	pausedCh         chan struct{} // open (unclosed) while paused; closed while playing/stopped

	decoder decode.Decoder
	stream  io.ReadSeeker
	cancel  context.CancelFunc
	loopDone chan struct{}

	disposed bool
}

// New builds a Pipeline wired to source, registry, chain and sink.
func New(source TrackSource, registry *decode.Registry, ch *chain.Chain, sk sink.Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		source:         source,
		registry:       registry,
		chain:          ch,
		sink:           sk,
		subject:        state.NewSubject(),
		log:            logging.For("pipeline"),
		commandTimeout: DefaultCommandTimeout,
		cmdSem:         make(chan struct{}, 1),
		mode:           ModeStopped,
		pausedCh:       closedChan(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe attaches a new state subscriber; see state.Subject.Subscribe.
func (p *Pipeline) Subscribe() (<-chan state.PlaybackState, func()) {
	return p.subject.Subscribe()
}

// CurrentState returns the latest playback state without acquiring the
// command serialization lock.
func (p *Pipeline) CurrentState() state.PlaybackState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Play cancels any active playback, resolves cmd.TrackURI, initializes the
// decoder/chain/sink for its format, optionally prefetches for a non-zero
// start position, and starts a new playback loop.
func (p *Pipeline) Play(ctx context.Context, cmd PlayCommand) error {
	if err := p.acquireCommand(ctx); err != nil {
		return err
	}
	defer p.releaseCommand()

	if p.isDisposed() {
		return newErr(KindDisposed, nil)
	}
	if cmd.TrackURI == "" {
		return newErr(KindInvalidArgument, errors.New("track_uri is required"))
	}

	p.cancelActiveLoop()

	ts, err := p.source.Load(ctx, cmd.TrackURI)
	if err != nil {
		return newErr(KindLoadFailed, err)
	}
	seeker := ts.Audio
	if seeker == nil {
		return newErr(KindLoadFailed, errors.New("track source returned no audio stream"))
	}

	dec, r, err := p.registry.Sniff(seeker)
	if err != nil {
		return newErr(KindLoadFailed, err)
	}
	rs, ok := r.(io.ReadSeeker)
	if !ok {
		return newErr(KindLoadFailed, errors.New("sniffed stream is not seekable"))
	}

	format, err := probeFormat(dec, rs)
	if err != nil {
		return newErr(KindLoadFailed, err)
	}

	p.chain.Init(format)
	if err := p.sink.Init(format, 0); err != nil {
		return newErr(KindLoadFailed, err)
	}

	if cmd.PositionMs > 0 {
		if pf, ok := rs.(Prefetcher); ok {
			pf.PrefetchForSeek(ctx, cmd.PositionMs)
		}
	}

	bufCh, errCh := dec.Decode(rs, cmd.PositionMs, nil)

	p.mu.Lock()
	p.mode = ModePlaying
	p.trackURI = cmd.TrackURI
	p.trackUID = cmd.TrackUID
	p.contextURI = cmd.ContextURI
	p.positionMs = cmd.PositionMs
	p.positionBaseMs = cmd.PositionMs
	p.durationMs = ts.Metadata.DurationMs
	p.playbackID = uuid.NewString()
	p.pausedCh = closedChan()
	p.decoder = dec
	p.stream = rs
	p.mu.Unlock()

	p.startLoop(bufCh, errCh)
	p.broadcastNow()
	return nil
}

// Pause transitions Playing -> Paused; a no-op if not currently Playing.
func (p *Pipeline) Pause() error {
	if err := p.acquireCommand(context.Background()); err != nil {
		return err
	}
	defer p.releaseCommand()
	if p.isDisposed() {
		return newErr(KindDisposed, nil)
	}

	p.mu.Lock()
	if p.mode != ModePlaying {
		p.mu.Unlock()
		return nil
	}
	p.mode = ModePaused
	p.pausedCh = make(chan struct{})
	p.mu.Unlock()

	p.sink.Pause()
	p.broadcastNow()
	return nil
}

// Resume transitions Paused -> Playing; a no-op if not currently Paused.
func (p *Pipeline) Resume() error {
	if err := p.acquireCommand(context.Background()); err != nil {
		return err
	}
	defer p.releaseCommand()
	if p.isDisposed() {
		return newErr(KindDisposed, nil)
	}

	p.mu.Lock()
	if p.mode != ModePaused {
		p.mu.Unlock()
		return nil
	}
	p.mode = ModePlaying
	gate := p.pausedCh
	p.mu.Unlock()

	close(gate)
	p.sink.Resume()
	p.broadcastNow()
	return nil
}

// Seek cancels the current loop, prefetches, reopens the decoder at ms,
// and restarts the loop. Seeking while Stopped is rejected rather than
// starting playback, per the chosen resolution of spec.md's open question.
func (p *Pipeline) Seek(ctx context.Context, ms int64) error {
	if err := p.acquireCommand(ctx); err != nil {
		return err
	}
	defer p.releaseCommand()
	if p.isDisposed() {
		return newErr(KindDisposed, nil)
	}

	p.mu.Lock()
	mode := p.mode
	stream := p.stream
	dec := p.decoder
	p.mu.Unlock()

	if mode == ModeStopped {
		return newErr(KindInvalidArgument, errors.New("seek rejected: pipeline is stopped"))
	}
	if stream == nil || dec == nil {
		return newErr(KindInvalidArgument, errors.New("no active track to seek"))
	}

	p.cancelActiveLoop()

	if pf, ok := stream.(Prefetcher); ok {
		pf.PrefetchForSeek(ctx, ms)
	}
	if _, err := stream.Seek(0, io.SeekStart); err != nil {
		return newErr(KindLoadFailed, err)
	}

	bufCh, errCh := dec.Decode(stream, ms, nil)

	p.mu.Lock()
	p.mode = ModePlaying
	p.positionMs = ms
	p.positionBaseMs = ms
	p.playbackID = uuid.NewString()
	p.pausedCh = closedChan()
	p.mu.Unlock()

	p.startLoop(bufCh, errCh)
	p.broadcastNow()
	return nil
}

// SetShuffle updates the shuffle flag without interrupting playback.
func (p *Pipeline) SetShuffle(on bool) { p.setFlag(&p.shuffle, on) }

// SetRepeatTrack updates the repeat-track flag without interrupting playback.
func (p *Pipeline) SetRepeatTrack(on bool) { p.setFlag(&p.repeatTrack, on) }

// SetRepeatContext updates the repeat-context flag without interrupting playback.
func (p *Pipeline) SetRepeatContext(on bool) { p.setFlag(&p.repeatContext, on) }

// setFlag takes the command semaphore like every other command; if it
// cannot be acquired within the command timeout the update is dropped and
// logged.
func (p *Pipeline) setFlag(flag *bool, on bool) {
	if err := p.acquireCommand(context.Background()); err != nil {
		p.log.Warn("pipeline: flag update dropped", "error", err)
		return
	}
	defer p.releaseCommand()

	p.mu.Lock()
	changed := *flag != on
	*flag = on
	p.mu.Unlock()
	if changed {
		p.broadcastNow()
	}
}

// Dispose cancels any active loop, disposes the sink, and completes the
// state subject. Idempotent: subsequent calls return nil immediately.
func (p *Pipeline) Dispose() error {
	if err := p.acquireCommand(context.Background()); err != nil {
		return err
	}
	defer p.releaseCommand()

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil
	}
	p.disposed = true
	p.mu.Unlock()

	p.cancelActiveLoop()
	err := p.sink.Dispose()
	p.subject.Complete()
	return err
}

func (p *Pipeline) isDisposed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disposed
}

// acquireCommand claims the command semaphore, failing with
// KindCommandTimeout after p.commandTimeout (or ctx cancellation). Unlike a
// blocked sync.Mutex.Lock, an abandoned channel send here leaves nothing
// pending, so a timed-out caller never leaks a goroutine holding the lock
// forever.
func (p *Pipeline) acquireCommand(ctx context.Context) error {
	select {
	case p.cmdSem <- struct{}{}:
		return nil
	default:
	}
	timer := time.NewTimer(p.commandTimeout)
	defer timer.Stop()
	select {
	case p.cmdSem <- struct{}{}:
		return nil
	case <-timer.C:
		return newErr(KindCommandTimeout, nil)
	case <-ctx.Done():
		return newErr(KindCommandTimeout, ctx.Err())
	}
}

func (p *Pipeline) releaseCommand() { <-p.cmdSem }

// cancelActiveLoop cancels the running playback loop task, if any, and
// waits up to commandTimeout for it to exit.
func (p *Pipeline) cancelActiveLoop() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.loopDone
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		select {
		case <-done:
		case <-time.After(p.commandTimeout):
			p.log.Warn("pipeline: playback loop did not stop within command timeout")
		}
	}
}

func (p *Pipeline) startLoop(bufCh <-chan decode.Buffer, errCh <-chan error) {
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.mu.Lock()
	p.cancel = cancel
	p.loopDone = done
	p.mu.Unlock()

	go p.runLoop(loopCtx, bufCh, errCh, done)
}

// runLoop drives successive decode passes until cancellation, restarting
// at offset 0 whenever a pass ends at end-of-stream with repeat_track set.
func (p *Pipeline) runLoop(ctx context.Context, bufCh <-chan decode.Buffer, errCh <-chan error, done chan struct{}) {
	defer close(done)

	for {
		endedAtEOS, repeat := p.drivePass(ctx, bufCh, errCh)
		if !endedAtEOS {
			return // canceled mid-pass
		}
		if !repeat {
			p.transitionStopped()
			return
		}

		p.mu.Lock()
		stream := p.stream
		dec := p.decoder
		p.mu.Unlock()

		if _, err := stream.Seek(0, io.SeekStart); err != nil {
			p.log.Warn("pipeline: repeat_track seek failed", "error", err)
			p.transitionStopped()
			return
		}

		p.mu.Lock()
		p.positionMs = 0
		p.positionBaseMs = 0
		p.playbackID = uuid.NewString()
		p.mu.Unlock()
		p.broadcastNow()

		bufCh, errCh = dec.Decode(stream, 0, nil)
	}
}

// drivePass pulls buffers until either ctx is canceled (returns false) or
// the decoder reaches end-of-stream (returns true, plus whether
// repeat_track was set at that point so the caller knows to restart).
func (p *Pipeline) drivePass(ctx context.Context, bufCh <-chan decode.Buffer, errCh <-chan error) (endedAtEOS, repeat bool) {
	lastSample := time.Now()
	for {
		select {
		case <-ctx.Done():
			return false, false
		case buf, ok := <-bufCh:
			if !ok {
				drainErr(errCh, p.log)
				p.mu.Lock()
				repeat = p.repeatTrack
				p.mu.Unlock()
				return true, repeat
			}
			if !p.waitWhilePaused(ctx) {
				return false, false
			}
			out := p.chain.Process(buf)
			if err := p.sink.Write(out.PCM); err != nil {
				p.log.Warn("pipeline: sink write failed", "error", err)
				return false, false
			}
			if time.Since(lastSample) >= positionSampleInterval {
				lastSample = time.Now()
				p.samplePositionAndBroadcast()
			}
		}
	}
}

func (p *Pipeline) waitWhilePaused(ctx context.Context) bool {
	p.mu.Lock()
	gate := p.pausedCh
	p.mu.Unlock()
	select {
	case <-gate:
		return true
	case <-ctx.Done():
		return false
	}
}

// samplePositionAndBroadcast re-reads the sink's device-relative position
// (frames consumed since the sink's last Init, reset to 0 by Play/Seek) and
// adds it to positionBaseMs, the absolute track position as of the last
// Play/Seek/repeat restart, so reported position never regresses across a
// seek the way a bare sink reading would (§4.12's monotonically
// non-decreasing contract is about the sink's own counter, not the track's
// absolute position).
func (p *Pipeline) samplePositionAndBroadcast() {
	st := p.sink.Status()
	p.mu.Lock()
	if p.mode != ModePlaying {
		p.mu.Unlock()
		return
	}
	newPos := p.positionBaseMs + st.PositionMs
	changed := p.positionMs != newPos
	p.positionMs = newPos
	p.mu.Unlock()
	if changed {
		p.broadcastNow()
	}
}

func (p *Pipeline) transitionStopped() {
	p.mu.Lock()
	p.mode = ModeStopped
	p.mu.Unlock()
	p.broadcastNow()
}

func (p *Pipeline) broadcastNow() {
	p.mu.Lock()
	st := p.snapshotLocked()
	p.mu.Unlock()
	p.subject.Publish(st)
}

func (p *Pipeline) snapshotLocked() state.PlaybackState {
	return state.PlaybackState{
		TrackURI:         p.trackURI,
		TrackUID:         p.trackUID,
		ContextURI:       p.contextURI,
		IsPlaying:        p.mode == ModePlaying,
		IsPaused:         p.mode == ModePaused,
		PositionMs:       p.positionMs,
		DurationMs:       p.durationMs,
		Shuffling:        p.shuffle,
		RepeatingTrack:   p.repeatTrack,
		RepeatingContext: p.repeatContext,
		TimestampUnixMs:  time.Now().UnixMilli(),
		PlaybackID:       p.playbackID,
	}
}

func drainErr(errCh <-chan error, log *slog.Logger) {
	select {
	case err := <-errCh:
		if err != nil && err != io.EOF {
			log.Warn("pipeline: decoder reported error at end of stream", "error", err)
		}
	default:
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// probeFormat reads the decoder's reported format without consuming r's
// position, so the subsequent Decode call still sees the stream from the
// very start (the identification header Format() itself had to read).
func probeFormat(dec decode.Decoder, r io.ReadSeeker) (decode.AudioFormat, error) {
	pos, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return decode.AudioFormat{}, err
	}
	format, err := dec.Format(r)
	if err != nil {
		return decode.AudioFormat{}, err
	}
	if _, err := r.Seek(pos, io.SeekStart); err != nil {
		return decode.AudioFormat{}, err
	}
	return format, nil
}
