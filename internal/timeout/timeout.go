// Package timeout computes the stall threshold for a stream from its playback
// phase, the provenance of its track and the observed network quality.
package timeout

import (
	"sync"
	"time"

	"github.com/glebovdev/cloudplay-cli/internal/config"
)

type Phase int

const (
	PhaseBuffering Phase = iota
	PhasePlayback
)

func (p Phase) String() string {
	switch p {
	case PhaseBuffering:
		return "buffering"
	case PhasePlayback:
		return "playback"
	default:
		return "unknown"
	}
}

type Provenance int

const (
	ProvenanceNormal Provenance = iota
	ProvenanceHistory
)

func (p Provenance) String() string {
	if p == ProvenanceHistory {
		return "history"
	}
	return "normal"
}

// QualityEstimator reports a multiplier >= 1.0 applied to every base timeout.
type QualityEstimator interface {
	Factor() float64
}

// Fixed is a constant quality factor.
type Fixed float64

func (f Fixed) Factor() float64 { return float64(f) }

// Policy holds the base timeouts per phase and provenance.
type Policy struct {
	Buffering        time.Duration
	HistoryBuffering time.Duration
	Playback         time.Duration
	Quality          QualityEstimator
}

func DefaultPolicy() Policy {
	return Policy{
		Buffering:        config.DefaultBufferingTimeout,
		HistoryBuffering: config.DefaultHistoryTimeout,
		Playback:         config.DefaultPlaybackTimeout,
		Quality:          Fixed(1.0),
	}
}

// PolicyFromConfig builds a policy from the stream settings. With adaptive
// timeouts enabled it returns the estimator so the fetcher can feed it.
func PolicyFromConfig(cfg config.StreamConfig) (Policy, *Estimator) {
	p := Policy{
		Buffering:        cfg.BufferingTimeout,
		HistoryBuffering: cfg.HistoryBufferingTimeout,
		Playback:         cfg.PlaybackTimeout,
		Quality:          Fixed(1.0),
	}
	if !cfg.AdaptiveTimeouts {
		return p, nil
	}
	est := NewEstimator(ExpectedBytesPerSecond)
	p.Quality = est
	return p, est
}

// Base returns the unscaled timeout.
func (p Policy) Base(phase Phase, prov Provenance) time.Duration {
	if phase == PhasePlayback {
		return p.Playback
	}
	if prov == ProvenanceHistory {
		return p.HistoryBuffering
	}
	return p.Buffering
}

// Adjusted returns base(phase, provenance) scaled by the current quality factor.
func (p Policy) Adjusted(phase Phase, prov Provenance) time.Duration {
	factor := 1.0
	if p.Quality != nil {
		factor = p.Quality.Factor()
	}
	if factor < 1.0 {
		factor = 1.0
	}
	return time.Duration(float64(p.Base(phase, prov)) * factor)
}

const (
	// ExpectedBytesPerSecond is the rate of a 128 kbps stream.
	ExpectedBytesPerSecond = 16000
	MaxQualityFactor       = 3.0
	estimatorAlpha         = 0.2
	minSampleWindow        = 250 * time.Millisecond
)

// Estimator derives the quality factor from observed transfer throughput.
// Throughput is smoothed with an exponential moving average over windows of at
// least minSampleWindow; the factor is expected/observed, clamped to [1, MaxQualityFactor].
type Estimator struct {
	mu       sync.Mutex
	expected float64
	ewma     float64
	bytes    int64
	elapsed  time.Duration
}

func NewEstimator(expectedBytesPerSecond float64) *Estimator {
	return &Estimator{expected: expectedBytesPerSecond}
}

// Observe records n bytes received after waiting d.
func (e *Estimator) Observe(n int, d time.Duration) {
	if n <= 0 && d <= 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.bytes += int64(n)
	e.elapsed += d
	if e.elapsed < minSampleWindow {
		return
	}

	rate := float64(e.bytes) / e.elapsed.Seconds()
	if e.ewma == 0 {
		e.ewma = rate
	} else {
		e.ewma = estimatorAlpha*rate + (1-estimatorAlpha)*e.ewma
	}
	e.bytes = 0
	e.elapsed = 0
}

func (e *Estimator) Factor() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ewma <= 0 || e.expected <= 0 {
		return 1.0
	}

	f := e.expected / e.ewma
	if f < 1.0 {
		return 1.0
	}
	if f > MaxQualityFactor {
		return MaxQualityFactor
	}
	return f
}

// Reset forgets all observations.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ewma = 0
	e.bytes = 0
	e.elapsed = 0
}
