package player

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/glebovdev/cloudplay-cli/internal/analyzer"
	"github.com/glebovdev/cloudplay-cli/internal/config"
	"github.com/glebovdev/cloudplay-cli/internal/timeout"
	"github.com/rs/zerolog/log"
)

const fadeInDuration = 50 * time.Millisecond

type SourceOptions struct {
	BufferSeconds float64
	PullWait      time.Duration
	Policy        timeout.Policy
	Provenance    timeout.Provenance
	// Tap receives every sample handed to the sink.
	Tap *analyzer.Window
	// OnPlaying runs once, on the sink goroutine, when buffering completes.
	OnPlaying func()
	Now       func() time.Time
}

// Source is the PCM streamer handed to the audio sink. It outputs silence
// while Buffering, decoded samples in arrival order while Playing, and ends
// the stream once it is Finished or Stalled. It never blocks longer than one
// PullWait per call.
type Source struct {
	ch    <-chan [][2]float64
	opts  SourceOptions
	state stateMachine

	sampleRate atomic.Int64
	received   atomic.Int64
	played     atomic.Int64
	lastSample atomic.Int64
	paused     atomic.Bool
	cancelled  atomic.Bool

	mu       sync.Mutex
	fetchErr error
	reason   EndReason
	endErr   error
	done     chan struct{}
	doneOnce sync.Once

	// owned by the sink goroutine
	cur           [][2]float64
	closed        bool
	fadeRemaining int
	fadeTotal     int
}

func NewSource(ch <-chan [][2]float64, opts SourceOptions) *Source {
	if opts.BufferSeconds <= 0 {
		opts.BufferSeconds = config.DefaultBufferSeconds
	}
	if opts.PullWait <= 0 {
		opts.PullWait = config.DefaultPullWait
	}
	if opts.PullWait > config.MaxPullWait {
		opts.PullWait = config.MaxPullWait
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Source{
		ch:   ch,
		opts: opts,
		done: make(chan struct{}),
	}
	s.Touch()
	return s
}

// SetSampleRate is called by the producer once the stream format is known.
// The buffering threshold depends on it.
func (s *Source) SetSampleRate(rate int) {
	if rate > 0 {
		s.sampleRate.Store(int64(rate))
	}
}

func (s *Source) SampleRate() int { return int(s.sampleRate.Load()) }

// Touch records activity on the stream: a network chunk, a decoded chunk or
// audio handed to the sink.
func (s *Source) Touch() {
	s.lastSample.Store(s.opts.Now().UnixNano())
}

// LastSample is the time of the most recent activity.
func (s *Source) LastSample() time.Time {
	return time.Unix(0, s.lastSample.Load())
}

// Fail records the producer's terminal error. It must be called before the
// sample channel is closed.
func (s *Source) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchErr = err
}

func (s *Source) State() BufferState { return s.state.Load() }

// Received is the number of decoded samples taken from the producer.
func (s *Source) Received() int64 { return s.received.Load() }

// Played is the number of decoded samples handed to the sink.
func (s *Source) Played() int64 { return s.played.Load() }

// Threshold is the sample count that ends buffering, or 0 before the sample
// rate is known.
func (s *Source) Threshold() int64 {
	return int64(s.opts.BufferSeconds * float64(s.sampleRate.Load()))
}

// Done is closed once the source reaches Finished or Stalled, or is cancelled.
func (s *Source) Done() <-chan struct{} { return s.done }

// End returns why the source stopped. Valid after Done is closed.
func (s *Source) End() (EndReason, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.endErr
}

func (s *Source) Cancelled() bool { return s.cancelled.Load() }

// SetPaused suspends timeout checks while the sink is not pulling.
func (s *Source) SetPaused(paused bool) {
	if !paused {
		s.Touch()
	}
	s.paused.Store(paused)
}

// Cancel ends the source without a result, for a superseded session.
func (s *Source) Cancel() {
	s.cancelled.Store(true)
	s.end(ReasonFinished, nil)
}

func (s *Source) Stream(samples [][2]float64) (n int, ok bool) {
	if s.cancelled.Load() {
		return 0, false
	}

	if s.state.Load() == Buffering && !s.buffer() {
		if s.state.Load().Terminal() {
			return 0, false
		}
		clear(samples)
		return len(samples), true
	}

	if s.state.Load().Terminal() {
		return 0, false
	}

	waited := false
	for n < len(samples) {
		if len(s.cur) == 0 {
			if s.closed {
				break
			}
			if !s.pull(!waited) {
				break
			}
			waited = true
			continue
		}
		c := copy(samples[n:], s.cur)
		s.cur = s.cur[c:]
		n += c
	}

	if n > 0 {
		s.fadeIn(samples[:n])
		s.played.Add(int64(n))
		s.Touch()
		if s.opts.Tap != nil {
			s.opts.Tap.Push(samples[:n])
		}
	}

	if n == len(samples) {
		return n, true
	}

	if s.closed && len(s.cur) == 0 {
		s.finish()
		return n, n > 0
	}

	if s.expired(timeout.PhasePlayback) {
		s.stall(timeout.PhasePlayback)
		return n, n > 0
	}

	clear(samples[n:])
	return len(samples), true
}

func (s *Source) Err() error {
	return nil
}

// buffer drains whatever the producer has ready and reports whether the
// source has moved to Playing.
func (s *Source) buffer() bool {
drain:
	for {
		select {
		case chunk, ok := <-s.ch:
			if !ok {
				s.closed = true
				break drain
			}
			s.received.Add(int64(len(chunk)))
			s.cur = append(s.cur, chunk...)
			s.Touch()
		default:
			break drain
		}
	}

	if threshold := s.Threshold(); threshold > 0 && s.received.Load() >= threshold {
		s.startPlaying()
		return true
	}

	if s.closed {
		if len(s.cur) > 0 {
			// short track: drain what there is
			s.startPlaying()
			return true
		}
		s.finish()
		return false
	}

	if s.expired(timeout.PhaseBuffering) {
		s.stall(timeout.PhaseBuffering)
	}
	return false
}

// pull takes the next chunk, waiting up to PullWait when wait is set.
func (s *Source) pull(wait bool) bool {
	select {
	case chunk, ok := <-s.ch:
		return s.accept(chunk, ok)
	default:
	}

	if !wait {
		return false
	}

	timer := time.NewTimer(s.opts.PullWait)
	defer timer.Stop()

	select {
	case chunk, ok := <-s.ch:
		return s.accept(chunk, ok)
	case <-timer.C:
		return false
	}
}

func (s *Source) accept(chunk [][2]float64, ok bool) bool {
	if !ok {
		s.closed = true
		return true
	}
	s.received.Add(int64(len(chunk)))
	s.cur = chunk
	s.Touch()
	return true
}

func (s *Source) startPlaying() {
	if _, ok := s.state.Transition(Playing); !ok {
		return
	}

	rate := s.sampleRate.Load()
	s.fadeTotal = int(float64(rate) * fadeInDuration.Seconds())
	s.fadeRemaining = s.fadeTotal

	log.Debug().Msgf("Buffering complete: %d samples (threshold %d)", s.received.Load(), s.Threshold())

	if s.opts.OnPlaying != nil {
		s.opts.OnPlaying()
	}
}

func (s *Source) fadeIn(samples [][2]float64) {
	for i := 0; i < len(samples) && s.fadeRemaining > 0; i++ {
		pos := s.fadeTotal - s.fadeRemaining
		scale := float64(pos) / float64(s.fadeTotal)
		samples[i][0] *= scale
		samples[i][1] *= scale
		s.fadeRemaining--
	}
}

// CheckTimeout stalls the source if it has been starving for longer than the
// adjusted timeout of its phase. It is safe to call from any goroutine and
// reports whether the source is terminal.
func (s *Source) CheckTimeout() bool {
	st := s.state.Load()
	if st.Terminal() {
		return true
	}

	phase := timeout.PhasePlayback
	if st == Buffering {
		phase = timeout.PhaseBuffering
	}
	if s.expired(phase) {
		s.stall(phase)
		return true
	}
	return false
}

func (s *Source) expired(phase timeout.Phase) bool {
	if s.paused.Load() {
		return false
	}
	limit := s.opts.Policy.Adjusted(phase, s.opts.Provenance)
	return s.opts.Now().Sub(s.LastSample()) > limit
}

func (s *Source) stall(phase timeout.Phase) {
	if _, ok := s.state.Transition(Stalled); !ok {
		return
	}
	limit := s.opts.Policy.Adjusted(phase, s.opts.Provenance)
	log.Warn().Msgf("No audio for %v during %s (%s track), stopping stream",
		limit, phase, s.opts.Provenance)
	s.end(ReasonStalled, nil)
}

// finish ends a drained source: Finished on a clean end of stream, Stalled
// with the fetch error otherwise.
func (s *Source) finish() {
	s.mu.Lock()
	err := s.fetchErr
	s.mu.Unlock()

	if err != nil {
		if _, ok := s.state.Transition(Stalled); ok {
			s.end(ReasonFetchFailed, err)
		}
		return
	}

	if s.state.Load() == Buffering {
		s.state.Transition(Playing)
	}
	if _, ok := s.state.Transition(Finished); ok {
		s.end(ReasonFinished, nil)
	}
}

func (s *Source) end(reason EndReason, err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.endErr = err
		s.mu.Unlock()
		close(s.done)
	})
}
