// Package analyzer derives smoothed bass, mid and high energies from recent
// audio for the visualizer.
package analyzer

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
)

// Band edges in Hz.
const (
	BassLow  = 20.0
	BassHigh = 250.0
	MidHigh  = 4000.0
	HighHigh = 16000.0
)

type Bands struct {
	Bass float64
	Mid  float64
	High float64
}

// Analyzer computes band energies for one window. It keeps the previous
// result for smoothing and is not safe for concurrent use.
type Analyzer struct {
	size       int
	sampleRate float64
	smoothing  float64
	gain       float64
	hann       []float64
	frame      []float64
	prev       Bands
}

func New(size, sampleRate int, smoothing, gain float64) *Analyzer {
	return &Analyzer{
		size:       size,
		sampleRate: float64(sampleRate),
		smoothing:  smoothing,
		gain:       gain,
		hann:       window.Hann(size),
		frame:      make([]float64, size),
	}
}

// Analyze reads the latest window and returns the smoothed bands. An empty
// window decays the previous values toward zero.
func (a *Analyzer) Analyze(w *Window) Bands {
	var target Bands

	if n := w.Snapshot(a.frame); n > 0 {
		target = a.compute()
	}

	a.prev = Bands{
		Bass: smooth(a.prev.Bass, target.Bass, a.smoothing),
		Mid:  smooth(a.prev.Mid, target.Mid, a.smoothing),
		High: smooth(a.prev.High, target.High, a.smoothing),
	}
	return a.prev
}

func (a *Analyzer) compute() Bands {
	for i := range a.frame {
		a.frame[i] *= a.hann[i]
	}

	spectrum := fft.FFTReal(a.frame)

	// A full-scale sine under a Hann window peaks at size/4.
	norm := float64(a.size) / 4
	binHz := a.sampleRate / float64(a.size)

	var sums [3]float64
	var counts [3]int

	for k := 1; k <= a.size/2; k++ {
		freq := float64(k) * binHz
		var band int
		switch {
		case freq < BassLow:
			continue
		case freq < BassHigh:
			band = 0
		case freq < MidHigh:
			band = 1
		case freq < HighHigh:
			band = 2
		default:
			continue
		}
		m := cmplx.Abs(spectrum[k]) / norm
		sums[band] += m * m
		counts[band]++
	}

	level := func(i int) float64 {
		if counts[i] == 0 {
			return 0
		}
		return clamp01(math.Sqrt(sums[i]/float64(counts[i])) * a.gain)
	}

	return Bands{Bass: level(0), Mid: level(1), High: level(2)}
}

func (a *Analyzer) Reset() {
	a.prev = Bands{}
}

func smooth(prev, target, alpha float64) float64 {
	return prev + alpha*(target-prev)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
