package player

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/glebovdev/cloudplay-cli/internal/analyzer"
	"github.com/glebovdev/cloudplay-cli/internal/config"
	"github.com/glebovdev/cloudplay-cli/internal/decoder"
	"github.com/glebovdev/cloudplay-cli/internal/metrics"
	"github.com/glebovdev/cloudplay-cli/internal/timeout"
	"github.com/glebovdev/cloudplay-cli/internal/track"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSampleRate   = beep.SampleRate(44100)
	SpeakerBufferSize   = time.Millisecond * 250
	ResampleQuality     = 4
	VolumeCurveExponent = 0.5
	MinVolumeDB         = -10.0
	ResultQueueSize     = 16
)

var (
	ErrUnplayable = errors.New("track is not playable")
	ErrNotPlaying = errors.New("nothing is playing")
)

type PlayerState int

const (
	StateIdle PlayerState = iota
	StateBuffering
	StatePlaying
	StatePaused
	StateStalled
	StateEnded
	StateError
)

func (s PlayerState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateBuffering:
		return "BUFFERING"
	case StatePlaying:
		return "PLAYING"
	case StatePaused:
		return "PAUSED"
	case StateStalled:
		return "STALLED"
	case StateEnded:
		return "ENDED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Output is the audio sink. The speaker package is the production one.
type Output interface {
	Init(rate beep.SampleRate, bufferSize int) error
	Play(s beep.Streamer)
	Clear()
	Lock()
	Unlock()
}

type speakerOutput struct{}

func (speakerOutput) Init(rate beep.SampleRate, bufferSize int) error {
	return speaker.Init(rate, bufferSize)
}
func (speakerOutput) Play(s beep.Streamer) { speaker.Play(s) }
func (speakerOutput) Clear()               { speaker.Clear() }
func (speakerOutput) Lock()                { speaker.Lock() }
func (speakerOutput) Unlock()              { speaker.Unlock() }

// SpeakerOutput returns the sink backed by the system audio device.
func SpeakerOutput() Output { return speakerOutput{} }

type Options struct {
	Stream  config.StreamConfig
	Policy  timeout.Policy
	Dual    *analyzer.Dual
	Metrics *metrics.Metrics
	Output  Output
	// NewCodec builds the frame codec for each session.
	NewCodec func() decoder.Codec
	// URLValidity bounds how long a resolved CDN URL is reused for seeks.
	URLValidity time.Duration
}

// PlayRequest starts a track. CDNURL, when set, skips redirect resolution.
type PlayRequest struct {
	Track      *track.Track
	Token      string
	CDNURL     string
	ResolvedAt time.Time
}

// Player plays one stream session at a time through the audio sink and
// reports how each session ended on Results.
type Player struct {
	fetcher StreamFetcher
	opts    Options
	out     Output
	dual    *analyzer.Dual

	// transition serializes stopping the old session and installing the new one.
	transition sync.Mutex

	mu            sync.Mutex
	session       *session
	generation    uint64
	volume        *effects.Volume
	ctrl          *beep.Ctrl
	speakerInit   bool
	outputRate    beep.SampleRate
	isPaused      bool
	pausedAt      time.Time
	volumePercent int

	results chan Result
}

func NewPlayer(f StreamFetcher, opts Options) *Player {
	if opts.Output == nil {
		opts.Output = SpeakerOutput()
	}
	if opts.NewCodec == nil {
		opts.NewCodec = func() decoder.Codec { return decoder.NewMP3Codec() }
	}
	if opts.URLValidity <= 0 {
		opts.URLValidity = config.DefaultPrefetchValidity
	}
	if opts.Policy.Playback <= 0 {
		quality := opts.Policy.Quality
		opts.Policy = timeout.DefaultPolicy()
		if quality != nil {
			opts.Policy.Quality = quality
		}
	}
	if opts.Dual == nil {
		opts.Dual = analyzer.NewDual(config.VisualizerConfig{}, int(DefaultSampleRate))
	}

	return &Player{
		fetcher:       f,
		opts:          opts,
		out:           opts.Output,
		dual:          opts.Dual,
		outputRate:    DefaultSampleRate,
		volumePercent: -1,
		results:       make(chan Result, ResultQueueSize),
	}
}

func (p *Player) initSpeaker() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.speakerInit {
		return nil
	}
	if err := p.out.Init(p.outputRate, p.outputRate.N(SpeakerBufferSize)); err != nil {
		return fmt.Errorf("failed to initialize speaker: %w", err)
	}
	p.speakerInit = true
	log.Debug().Msgf("Speaker initialized with sample rate: %d Hz, buffer: %v", p.outputRate, SpeakerBufferSize)
	return nil
}

// Results delivers one Result per session that ended on its own. Stopped and
// superseded sessions report nothing.
func (p *Player) Results() <-chan Result {
	return p.results
}

// Play stops the current session and starts t from the beginning. It returns
// the new session's generation.
func (p *Player) Play(req PlayRequest) (uint64, error) {
	if req.Track == nil {
		return 0, errors.New("no track to play")
	}
	if !req.Track.IsPlayable() {
		return 0, fmt.Errorf("%w: %s", ErrUnplayable, req.Track.UnplayableReason())
	}
	if err := p.initSpeaker(); err != nil {
		return 0, err
	}
	return p.startSession(req, SeekRequest{}), nil
}

// Seek restarts the current track at target with a range request. The CDN URL
// of the running session is reused while it is fresh.
func (p *Player) Seek(target time.Duration) (uint64, error) {
	p.mu.Lock()
	s := p.session
	p.mu.Unlock()

	if s == nil {
		return 0, ErrNotPlaying
	}

	if d := s.track.Length(); d > 0 && target > d {
		target = d
	}
	seek := NewSeekRequest(target)

	req := PlayRequest{Track: s.track, Token: s.token}
	if cdnURL, at := s.CDNURL(); cdnURL != "" && time.Since(at) < p.opts.URLValidity {
		req.CDNURL = cdnURL
		req.ResolvedAt = at
	}

	log.Debug().Msgf("Seeking track %d to %v (byte %d)", s.track.ID, seek.Target, seek.ByteOffset)
	return p.startSession(req, seek), nil
}

func (p *Player) startSession(req PlayRequest, seek SeekRequest) uint64 {
	p.transition.Lock()
	defer p.transition.Unlock()

	p.mu.Lock()
	old := p.session
	p.session = nil
	p.generation++
	gen := p.generation
	p.mu.Unlock()

	if old != nil {
		p.out.Clear()
		old.stop()
	}
	p.dual.Reset()

	var resampler *beep.Resampler

	s := newSession(sessionConfig{
		generation:  gen,
		track:       req.Track,
		token:       req.Token,
		cdnURL:      req.CDNURL,
		resolvedAt:  req.ResolvedAt,
		startOffset: seek.Target,
		byteOffset:  seek.ByteOffset,
		fetcher:     p.fetcher,
		codec:       p.opts.NewCodec(),
		decoder: decoder.Options{
			CapBytes:    p.opts.Stream.BufferCapBytes,
			RetainBytes: p.opts.Stream.BufferRetainBytes,
			Metrics:     p.opts.Metrics,
		},
		source: SourceOptions{
			BufferSeconds: p.opts.Stream.BufferSeconds,
			PullWait:      p.opts.Stream.PullWait,
			Policy:        p.opts.Policy,
		},
		dual:    p.dual,
		metrics: p.opts.Metrics,
		onFormat: func(rate int) {
			if beep.SampleRate(rate) == p.outputRate {
				return
			}
			p.out.Lock()
			resampler.SetRatio(float64(rate) / float64(p.outputRate))
			p.out.Unlock()
			log.Debug().Msgf("Resampling %d Hz stream to %d Hz", rate, p.outputRate)
		},
		results: p.publish,
	})

	resampler = beep.ResampleRatio(ResampleQuality, 1, s.source)

	p.mu.Lock()
	volumePercent := p.volumePercent
	if volumePercent < 0 {
		volumePercent = config.DefaultVolume
	}
	volume := &effects.Volume{
		Streamer: resampler,
		Base:     2,
		Volume:   percentToExponent(float64(volumePercent)),
		Silent:   volumePercent == 0,
	}
	ctrl := &beep.Ctrl{Streamer: volume}

	p.session = s
	p.volume = volume
	p.ctrl = ctrl
	p.isPaused = false
	p.pausedAt = time.Time{}
	p.mu.Unlock()

	s.start(context.Background())
	p.out.Play(ctrl)

	return gen
}

func (p *Player) publish(r Result) {
	p.mu.Lock()
	current := p.generation
	p.mu.Unlock()

	if r.Generation != current {
		log.Debug().Msgf("Dropping result of stale session %s", r.SessionID)
		return
	}

	select {
	case p.results <- r:
	default:
		log.Warn().Msgf("Result queue full, dropping result of session %s", r.SessionID)
	}
}

func (p *Player) Stop() {
	p.transition.Lock()
	defer p.transition.Unlock()

	p.mu.Lock()
	s := p.session
	p.session = nil
	p.generation++
	p.ctrl = nil
	p.volume = nil
	p.isPaused = false
	p.mu.Unlock()

	if s == nil {
		return
	}

	p.out.Clear()
	s.stop()
	p.dual.Reset()

	log.Debug().Msg("Playback stopped")
}

// TogglePause pauses or resumes the sink. A pause longer than the CDN URL
// validity restarts the stream at the current position on resume.
func (p *Player) TogglePause() {
	p.mu.Lock()

	if p.ctrl == nil || p.session == nil {
		p.mu.Unlock()
		return
	}

	s := p.session

	if p.isPaused && time.Since(p.pausedAt) > p.opts.URLValidity {
		p.isPaused = false
		p.pausedAt = time.Time{}
		p.mu.Unlock()
		log.Debug().Msgf("Paused longer than %v, restarting stream", p.opts.URLValidity)
		if _, err := p.Seek(s.Position()); err != nil {
			log.Error().Err(err).Msg("Failed to restart stream after pause")
		}
		return
	}

	p.out.Lock()
	p.ctrl.Paused = !p.ctrl.Paused
	p.isPaused = p.ctrl.Paused
	p.out.Unlock()

	s.source.SetPaused(p.isPaused)

	if p.isPaused {
		p.pausedAt = time.Now()
		log.Debug().Msg("Playback paused")
	} else {
		p.pausedAt = time.Time{}
		log.Debug().Msg("Playback resumed")
	}

	p.mu.Unlock()
}

func (p *Player) SetVolume(volumePercent int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.volumePercent = volumePercent

	if p.volume == nil {
		log.Debug().Msgf("Volume stored as %d%% (will be applied when playback starts)", volumePercent)
		return
	}

	volumeLevel := percentToExponent(float64(volumePercent))

	p.out.Lock()
	p.volume.Volume = volumeLevel
	p.volume.Silent = volumePercent == 0
	p.out.Unlock()

	log.Debug().Msgf("Volume set to %d%% (%.2f dB)", volumePercent, volumeLevel)
}

func percentToExponent(p float64) float64 {
	if p <= 0 {
		return MinVolumeDB
	}
	if p >= 100 {
		return 0
	}

	normalized := p / 100.0
	adjusted := math.Pow(normalized, VolumeCurveExponent)
	return (1.0 - adjusted) * MinVolumeDB
}

func (p *Player) current() *session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

func (p *Player) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isPaused
}

// Generation identifies the running session; it changes on every Play, Seek
// and Stop.
func (p *Player) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

func (p *Player) CurrentTrack() *track.Track {
	if s := p.current(); s != nil {
		return s.track
	}
	return nil
}

// Position is the seek target plus the audio played since, clamped to the
// track duration.
func (p *Player) Position() time.Duration {
	s := p.current()
	if s == nil {
		return 0
	}
	pos := s.Position()
	if d := s.track.Length(); d > 0 && pos > d {
		pos = d
	}
	return pos
}

func (p *Player) Duration() time.Duration {
	if s := p.current(); s != nil {
		return s.track.Length()
	}
	return 0
}

// Progress is Position / Duration in [0, 1], or 0 when the duration is unknown.
func (p *Player) Progress() float64 {
	d := p.Duration()
	if d <= 0 {
		return 0
	}
	return float64(p.Position()) / float64(d)
}

func (p *Player) BufferState() BufferState {
	if s := p.current(); s != nil {
		return s.source.State()
	}
	return Finished
}

func (p *Player) State() PlayerState {
	p.mu.Lock()
	s := p.session
	paused := p.isPaused
	p.mu.Unlock()

	if s == nil {
		return StateIdle
	}
	if paused {
		return StatePaused
	}

	switch s.source.State() {
	case Buffering:
		return StateBuffering
	case Playing:
		return StatePlaying
	case Stalled:
		if reason, _ := s.source.End(); reason == ReasonFetchFailed {
			return StateError
		}
		return StateStalled
	default:
		return StateEnded
	}
}

func (p *Player) StreamInfo() StreamInfo {
	if s := p.current(); s != nil {
		return s.Info()
	}
	return StreamInfo{}
}

// Tags returns ID3 metadata found in the current stream.
func (p *Player) Tags() *decoder.TagInfo {
	if s := p.current(); s != nil {
		return s.Tags()
	}
	return nil
}

// SessionID is the log correlation id of the running session.
func (p *Player) SessionID() string {
	if s := p.current(); s != nil {
		return s.id
	}
	return ""
}

// BufferHealth returns how full the decoded-sample queue is, 0-100.
func (p *Player) BufferHealth() int {
	s := p.current()
	if s == nil {
		return 0
	}
	return len(s.samples) * 100 / cap(s.samples)
}

// Analyze runs one visualizer cycle. Call it once per rendered frame.
func (p *Player) Analyze() analyzer.Bands {
	return p.dual.Analyze()
}

func (p *Player) Bands() analyzer.Bands {
	return p.dual.Bands()
}
