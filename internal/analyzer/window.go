package analyzer

import (
	"sync"
	"sync/atomic"
)

// Window is a fixed-size rolling window of mono samples. Push never blocks:
// if a reader holds the window the samples are dropped, and when the window
// is full the oldest samples are overwritten.
type Window struct {
	mu      sync.Mutex
	buf     []float64
	pos     int
	filled  int
	dropped atomic.Int64
}

func NewWindow(size int) *Window {
	return &Window{buf: make([]float64, size)}
}

// Push appends the mono mix of samples. It reports false if the samples were
// dropped because the window was busy.
func (w *Window) Push(samples [][2]float64) bool {
	if len(samples) == 0 {
		return true
	}
	if !w.mu.TryLock() {
		w.dropped.Add(int64(len(samples)))
		return false
	}
	defer w.mu.Unlock()

	size := len(w.buf)
	if len(samples) > size {
		samples = samples[len(samples)-size:]
	}

	for _, s := range samples {
		w.buf[w.pos] = (s[0] + s[1]) / 2
		w.pos = (w.pos + 1) % size
	}
	w.filled = min(w.filled+len(samples), size)
	return true
}

// Snapshot copies the window oldest first into dst, right-aligned so the newest
// sample is last, and returns how many samples were available.
func (w *Window) Snapshot(dst []float64) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	size := len(w.buf)
	n := min(w.filled, len(dst))
	offset := len(dst) - n
	for i := range dst[:offset] {
		dst[i] = 0
	}

	start := (w.pos - n + size) % size
	for i := 0; i < n; i++ {
		dst[offset+i] = w.buf[(start+i)%size]
	}
	return n
}

func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.filled
}

func (w *Window) Size() int { return len(w.buf) }

// Dropped is the number of samples lost to contention.
func (w *Window) Dropped() int64 { return w.dropped.Load() }

func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.buf {
		w.buf[i] = 0
	}
	w.pos = 0
	w.filled = 0
}
