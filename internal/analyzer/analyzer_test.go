package analyzer

import (
	"math"
	"testing"

	"github.com/glebovdev/cloudplay-cli/internal/config"
)

const testRate = 44100

func sine(freq, amplitude float64, n int) [][2]float64 {
	out := make([][2]float64, n)
	for i := range out {
		v := amplitude * math.Sin(2*math.Pi*freq*float64(i)/testRate)
		out[i] = [2]float64{v, v}
	}
	return out
}

func TestWindowRolls(t *testing.T) {
	w := NewWindow(4)
	samples := make([][2]float64, 10)
	for i := range samples {
		samples[i] = [2]float64{float64(i), float64(i)}
	}

	if !w.Push(samples[:6]) || !w.Push(samples[6:]) {
		t.Fatal("Push() dropped samples on an idle window")
	}

	dst := make([]float64, 4)
	if n := w.Snapshot(dst); n != 4 {
		t.Fatalf("Snapshot() = %d, want 4", n)
	}
	for i, want := range []float64{6, 7, 8, 9} {
		if dst[i] != want {
			t.Errorf("dst[%d] = %v, want %v", i, dst[i], want)
		}
	}
}

func TestWindowPartialAndMono(t *testing.T) {
	w := NewWindow(8)
	w.Push([][2]float64{{1, 0}, {0, 1}, {1, 1}})

	dst := []float64{9, 9, 9, 9, 9, 9, 9, 9}
	n := w.Snapshot(dst)
	if n != 3 {
		t.Fatalf("Snapshot() = %d, want 3", n)
	}
	want := []float64{0, 0, 0, 0, 0, 0.5, 0.5, 1}
	for i := range want {
		if dst[i] != want[i] {
			t.Errorf("dst[%d] = %v, want %v", i, dst[i], want[i])
		}
	}

	w.Reset()
	if w.Len() != 0 {
		t.Errorf("Len() after Reset = %d", w.Len())
	}
}

func TestWindowPushNeverBlocks(t *testing.T) {
	w := NewWindow(8)

	w.mu.Lock()
	ok := w.Push(make([][2]float64, 5))
	w.mu.Unlock()

	if ok {
		t.Error("Push() should drop samples while the window is held")
	}
	if w.Dropped() != 5 {
		t.Errorf("Dropped() = %d, want 5", w.Dropped())
	}
}

func converge(a *Analyzer, w *Window) Bands {
	var b Bands
	for i := 0; i < 40; i++ {
		b = a.Analyze(w)
	}
	return b
}

func TestAnalyzerBandSeparation(t *testing.T) {
	tests := []struct {
		name  string
		freq  float64
		check func(Bands) bool
	}{
		{"Bass tone", 100, func(b Bands) bool { return b.Bass > 0.5 && b.Bass > 5*b.Mid && b.Bass > 5*b.High }},
		{"Mid tone", 1000, func(b Bands) bool { return b.Mid > 2*b.Bass && b.Mid > 2*b.High }},
		{"High tone", 8000, func(b Bands) bool { return b.High > 2*b.Bass && b.High > 2*b.Mid }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWindow(1024)
			w.Push(sine(tt.freq, 0.5, 1024))

			b := converge(New(1024, testRate, 0.3, 4), w)
			if !tt.check(b) {
				t.Errorf("bands for %v Hz = %+v", tt.freq, b)
			}
		})
	}
}

func TestAnalyzerRangeAndSilence(t *testing.T) {
	w := NewWindow(1024)
	a := New(1024, testRate, 0.3, 50)

	if b := a.Analyze(w); b != (Bands{}) {
		t.Errorf("empty window bands = %+v, want zero", b)
	}

	w.Push(sine(100, 1.0, 1024))
	b := converge(a, w)
	for _, v := range []float64{b.Bass, b.Mid, b.High} {
		if v < 0 || v > 1 {
			t.Errorf("band value %v out of [0, 1]", v)
		}
	}
	if b.Bass < 0.99 {
		t.Errorf("loud bass = %v, want clamped near 1", b.Bass)
	}
}

func TestAnalyzerSmoothing(t *testing.T) {
	samples := sine(100, 0.5, 1024)

	w := NewWindow(1024)
	w.Push(samples)

	raw := New(1024, testRate, 1.0, 4).Analyze(w)
	first := New(1024, testRate, 0.3, 4).Analyze(w)

	if math.Abs(first.Bass-0.3*raw.Bass) > 1e-9 {
		t.Errorf("first smoothed bass = %v, want %v", first.Bass, 0.3*raw.Bass)
	}

	a := New(1024, testRate, 0.3, 4)
	prev := 0.0
	for i := 0; i < 10; i++ {
		b := a.Analyze(w)
		if b.Bass < prev {
			t.Fatalf("smoothed bass decreased on a steady tone: %v < %v", b.Bass, prev)
		}
		prev = b.Bass
	}

	w.Reset()
	decayed := a.Analyze(w)
	if decayed.Bass >= prev {
		t.Errorf("bass should decay on silence: %v >= %v", decayed.Bass, prev)
	}
}

func TestDualPrefersPlaybackOnceStarted(t *testing.T) {
	d := NewDual(config.VisualizerConfig{WindowSize: 1024, Smoothing: 0.3, Gain: 4}, testRate)

	d.Download().Push(sine(100, 0.5, 1024))

	for i := 0; i < 10; i++ {
		d.Analyze()
	}
	if d.Bands().Bass <= 0 {
		t.Fatalf("download channel should drive bands while buffering, got %+v", d.Bands())
	}

	d.SetPlaybackActive(true)
	d.Analyze()
	if got := d.Bands(); got != (Bands{}) {
		t.Errorf("silent playback channel should be exposed, got %+v", got)
	}

	d.Playback().Push(sine(8000, 0.5, 1024))
	for i := 0; i < 10; i++ {
		d.Analyze()
	}
	if b := d.Bands(); b.High <= b.Bass {
		t.Errorf("playback channel bands = %+v, want high dominant", b)
	}

	d.Reset()
	if d.PlaybackActive() || d.Bands() != (Bands{}) {
		t.Errorf("Reset() left state: active=%v bands=%+v", d.PlaybackActive(), d.Bands())
	}
}

func TestDualSampleRateChange(t *testing.T) {
	d := NewDual(config.VisualizerConfig{}, 22050)
	d.Download().Push(sine(100, 0.5, 1024))
	d.Analyze()

	d.SetSampleRate(testRate)
	d.Analyze()
	if d.analyzedFor != testRate {
		t.Errorf("analyzer not rebuilt for new rate: %d", d.analyzedFor)
	}
}
