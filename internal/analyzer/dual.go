package analyzer

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/glebovdev/cloudplay-cli/internal/config"
)

// Dual keeps one window fed by freshly decoded samples and one fed by samples
// the audio sink actually consumed. The exposed bands come from the download
// channel until playback starts, then from the playback channel.
type Dual struct {
	cfg config.VisualizerConfig

	download *Window
	playback *Window

	sampleRate     atomic.Int64
	playbackActive atomic.Bool

	bass atomic.Uint64
	mid  atomic.Uint64
	high atomic.Uint64

	// analysis state, owned by whoever calls Analyze
	mu          sync.Mutex
	analyzedFor int64
	dlAnalyzer  *Analyzer
	pbAnalyzer  *Analyzer
}

func NewDual(cfg config.VisualizerConfig, sampleRate int) *Dual {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = config.DefaultWindowSize
	}
	if cfg.Smoothing <= 0 {
		cfg.Smoothing = config.DefaultSmoothing
	}
	if cfg.Gain <= 0 {
		cfg.Gain = config.DefaultGain
	}

	d := &Dual{
		cfg:      cfg,
		download: NewWindow(cfg.WindowSize),
		playback: NewWindow(cfg.WindowSize),
	}
	d.sampleRate.Store(int64(sampleRate))
	return d
}

// Download is the tap for decoded samples.
func (d *Dual) Download() *Window { return d.download }

// Playback is the tap for samples consumed by the audio sink.
func (d *Dual) Playback() *Window { return d.playback }

func (d *Dual) SetSampleRate(sampleRate int) {
	if sampleRate > 0 {
		d.sampleRate.Store(int64(sampleRate))
	}
}

// SetPlaybackActive switches the exposed bands to the playback channel.
func (d *Dual) SetPlaybackActive(active bool) {
	d.playbackActive.Store(active)
}

func (d *Dual) PlaybackActive() bool {
	return d.playbackActive.Load()
}

// Analyze runs one cycle over both channels and publishes the preferred one.
// It is meant to be called once per rendered frame.
func (d *Dual) Analyze() Bands {
	d.mu.Lock()
	defer d.mu.Unlock()

	sr := d.sampleRate.Load()
	if d.dlAnalyzer == nil || d.analyzedFor != sr {
		d.dlAnalyzer = New(d.cfg.WindowSize, int(sr), d.cfg.Smoothing, d.cfg.Gain)
		d.pbAnalyzer = New(d.cfg.WindowSize, int(sr), d.cfg.Smoothing, d.cfg.Gain)
		d.analyzedFor = sr
	}

	dl := d.dlAnalyzer.Analyze(d.download)
	pb := d.pbAnalyzer.Analyze(d.playback)

	exposed := dl
	if d.playbackActive.Load() {
		exposed = pb
	}

	d.bass.Store(math.Float64bits(exposed.Bass))
	d.mid.Store(math.Float64bits(exposed.Mid))
	d.high.Store(math.Float64bits(exposed.High))
	return exposed
}

// Bands returns the last published values without analyzing.
func (d *Dual) Bands() Bands {
	return Bands{
		Bass: math.Float64frombits(d.bass.Load()),
		Mid:  math.Float64frombits(d.mid.Load()),
		High: math.Float64frombits(d.high.Load()),
	}
}

// Reset clears both channels for a new session.
func (d *Dual) Reset() {
	d.download.Reset()
	d.playback.Reset()
	d.playbackActive.Store(false)

	d.mu.Lock()
	if d.dlAnalyzer != nil {
		d.dlAnalyzer.Reset()
		d.pbAnalyzer.Reset()
	}
	d.mu.Unlock()

	d.bass.Store(0)
	d.mid.Store(0)
	d.high.Store(0)
}
