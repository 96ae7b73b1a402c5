package player

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glebovdev/cloudplay-cli/internal/analyzer"
	"github.com/glebovdev/cloudplay-cli/internal/timeout"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func chunkOf(n int, v float64) [][2]float64 {
	c := make([][2]float64, n)
	for i := range c {
		c[i] = [2]float64{v, v}
	}
	return c
}

func testPolicy(playback time.Duration) timeout.Policy {
	return timeout.Policy{
		Buffering:        time.Second,
		HistoryBuffering: 2 * time.Second,
		Playback:         playback,
		Quality:          timeout.Fixed(1.0),
	}
}

func silent(samples [][2]float64) bool {
	for _, s := range samples {
		if s != [2]float64{} {
			return false
		}
	}
	return true
}

func TestBufferStateTransitions(t *testing.T) {
	tests := []struct {
		from, to BufferState
		want     bool
	}{
		{Buffering, Playing, true},
		{Buffering, Stalled, true},
		{Buffering, Finished, false},
		{Playing, Finished, true},
		{Playing, Stalled, true},
		{Playing, Buffering, false},
		{Stalled, Playing, false},
		{Stalled, Finished, false},
		{Finished, Playing, false},
		{Finished, Buffering, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStateMachineTransition(t *testing.T) {
	var m stateMachine

	if m.Load() != Buffering {
		t.Fatalf("initial state = %v, want BUFFERING", m.Load())
	}
	if _, ok := m.Transition(Finished); ok {
		t.Error("Buffering -> Finished should be rejected")
	}
	if from, ok := m.Transition(Playing); !ok || from != Buffering {
		t.Errorf("Transition(Playing) = %v, %v", from, ok)
	}
	if _, ok := m.Transition(Playing); ok {
		t.Error("Playing -> Playing should be rejected")
	}
	if _, ok := m.Transition(Finished); !ok {
		t.Error("Playing -> Finished should be allowed")
	}
	if _, ok := m.Transition(Stalled); ok {
		t.Error("Finished is terminal")
	}
}

func TestSourceReachesPlayingOnceAfterThreshold(t *testing.T) {
	ch := make(chan [][2]float64, 64)

	var src *Source
	playingCount := 0
	var receivedAtPlaying int64

	src = NewSource(ch, SourceOptions{
		BufferSeconds: 2,
		PullWait:      5 * time.Millisecond,
		Policy:        testPolicy(time.Minute),
		OnPlaying: func() {
			playingCount++
			receivedAtPlaying = src.Received()
		},
	})
	src.SetSampleRate(1000)

	if src.Threshold() != 2000 {
		t.Fatalf("Threshold() = %d, want 2000", src.Threshold())
	}

	buf := make([][2]float64, 256)
	seenPlaying := false

	for i := 0; i < 12; i++ {
		ch <- chunkOf(500, 0.5)

		n, ok := src.Stream(buf)
		if !ok || n != len(buf) {
			t.Fatalf("Stream() = %d, %v", n, ok)
		}

		state := src.State()
		if src.Received() < 2000 {
			if state != Buffering {
				t.Fatalf("state = %v with %d samples, want BUFFERING", state, src.Received())
			}
			if !silent(buf) {
				t.Fatal("buffering source must output silence")
			}
			continue
		}

		if state == Buffering {
			t.Fatalf("still buffering with %d samples", src.Received())
		}
		if seenPlaying && state != Playing {
			t.Fatalf("state regressed to %v", state)
		}
		seenPlaying = true
		if silent(buf) {
			t.Error("playing source output only silence")
		}
	}

	if playingCount != 1 {
		t.Errorf("OnPlaying ran %d times, want 1", playingCount)
	}
	if receivedAtPlaying < 2000 {
		t.Errorf("Playing reached at %d samples, want >= 2000", receivedAtPlaying)
	}
}

func TestSourcePreservesOrder(t *testing.T) {
	ch := make(chan [][2]float64, 8)
	src := NewSource(ch, SourceOptions{BufferSeconds: 0.1, PullWait: time.Millisecond, Policy: testPolicy(time.Minute)})
	src.SetSampleRate(100)

	for c := 0; c < 4; c++ {
		chunk := make([][2]float64, 10)
		for i := range chunk {
			v := float64(c*10 + i)
			chunk[i] = [2]float64{v, v}
		}
		ch <- chunk
	}
	close(ch)

	var got []float64
	buf := make([][2]float64, 7)
	for {
		n, ok := src.Stream(buf)
		if !ok {
			break
		}
		for _, s := range buf[:n] {
			got = append(got, s[0])
		}
	}

	if len(got) != 40 {
		t.Fatalf("got %d samples, want 40", len(got))
	}
	// the first 50ms are scaled by the fade-in
	for i := 5; i < 40; i++ {
		if got[i] != float64(i) {
			t.Fatalf("sample %d = %v, want %v", i, got[i], float64(i))
		}
	}
	if src.Played() != 40 {
		t.Errorf("Played() = %d, want 40", src.Played())
	}
}

func TestSourceStallsWithinOnePullWait(t *testing.T) {
	clock := newFakeClock()
	ch := make(chan [][2]float64, 8)
	src := NewSource(ch, SourceOptions{
		BufferSeconds: 1,
		PullWait:      10 * time.Millisecond,
		Policy:        testPolicy(100 * time.Millisecond),
		Now:           clock.Now,
	})
	src.SetSampleRate(1000)
	ch <- chunkOf(1000, 0.5)

	buf := make([][2]float64, 500)
	for i := 0; i < 2; i++ {
		if n, ok := src.Stream(buf); !ok || n != 500 {
			t.Fatalf("Stream() = %d, %v while draining", n, ok)
		}
	}
	if src.State() != Playing {
		t.Fatalf("state = %v, want PLAYING", src.State())
	}

	clock.Advance(50 * time.Millisecond)
	n, ok := src.Stream(buf)
	if !ok || n != len(buf) || !silent(buf) {
		t.Fatalf("underrun before timeout: %d, %v", n, ok)
	}

	clock.Advance(60 * time.Millisecond)

	began := time.Now()
	n, ok = src.Stream(buf)
	elapsed := time.Since(began)

	if ok || n != 0 {
		t.Errorf("Stream() after timeout = %d, %v, want 0, false", n, ok)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("Stream() took %v, want one bounded wait", elapsed)
	}
	if src.State() != Stalled {
		t.Errorf("state = %v, want STALLED", src.State())
	}

	select {
	case <-src.Done():
	default:
		t.Fatal("Done() not closed after stall")
	}
	if reason, _ := src.End(); reason != ReasonStalled {
		t.Errorf("End() reason = %v, want stalled", reason)
	}
}

func TestCheckTimeoutByPhaseAndProvenance(t *testing.T) {
	tests := []struct {
		name       string
		provenance timeout.Provenance
		quality    float64
		playing    bool
		notYet     time.Duration
		stalled    time.Duration
	}{
		{"Normal buffering", timeout.ProvenanceNormal, 1.0, false, 11 * time.Second, 12*time.Second + time.Millisecond},
		{"History buffering", timeout.ProvenanceHistory, 1.0, false, 14 * time.Second, 15*time.Second + time.Millisecond},
		{"Playback scaled", timeout.ProvenanceHistory, 1.5, true, 7 * time.Second, 7500*time.Millisecond + time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			ch := make(chan [][2]float64, 4)
			policy := timeout.DefaultPolicy()
			policy.Quality = timeout.Fixed(tt.quality)

			src := NewSource(ch, SourceOptions{
				PullWait:   time.Millisecond,
				Policy:     policy,
				Provenance: tt.provenance,
				Now:        clock.Now,
			})
			src.SetSampleRate(100)

			if tt.playing {
				ch <- chunkOf(300, 0.1)
				src.Stream(make([][2]float64, 300))
				if src.State() != Playing {
					t.Fatalf("state = %v, want PLAYING", src.State())
				}
			}

			clock.Advance(tt.notYet)
			if src.CheckTimeout() {
				t.Fatalf("stalled after %v", tt.notYet)
			}

			clock.Advance(tt.stalled - tt.notYet)
			if !src.CheckTimeout() || src.State() != Stalled {
				t.Fatalf("not stalled after %v, state %v", tt.stalled, src.State())
			}
		})
	}
}

func TestSourcePausedDoesNotStall(t *testing.T) {
	clock := newFakeClock()
	src := NewSource(make(chan [][2]float64), SourceOptions{Policy: testPolicy(time.Second), Now: clock.Now})

	src.SetPaused(true)
	clock.Advance(time.Hour)
	if src.CheckTimeout() {
		t.Fatal("paused source should not stall")
	}

	src.SetPaused(false)
	if src.CheckTimeout() {
		t.Fatal("resume should reset the stall clock")
	}
}

func TestSourceFinishesAfterDrain(t *testing.T) {
	ch := make(chan [][2]float64, 4)
	tap := analyzer.NewWindow(64)
	src := NewSource(ch, SourceOptions{Policy: testPolicy(time.Second), Tap: tap})
	src.SetSampleRate(44100)

	// far below the 2 s threshold
	ch <- chunkOf(300, 0.5)
	close(ch)

	buf := make([][2]float64, 200)
	total := 0
	for i := 0; i < 10; i++ {
		n, ok := src.Stream(buf)
		total += n
		if !ok {
			break
		}
	}

	if total != 300 {
		t.Errorf("streamed %d samples, want 300", total)
	}
	if src.State() != Finished {
		t.Fatalf("state = %v, want FINISHED", src.State())
	}
	if reason, err := src.End(); reason != ReasonFinished || err != nil {
		t.Errorf("End() = %v, %v", reason, err)
	}
	if tap.Len() != 64 {
		t.Errorf("playback tap holds %d samples, want 64", tap.Len())
	}
}

func TestSourceFetchFailure(t *testing.T) {
	ch := make(chan [][2]float64)
	src := NewSource(ch, SourceOptions{Policy: testPolicy(time.Second)})

	boom := errors.New("boom")
	src.Fail(boom)
	close(ch)

	if n, ok := src.Stream(make([][2]float64, 16)); ok || n != 0 {
		t.Errorf("Stream() = %d, %v, want 0, false", n, ok)
	}
	if src.State() != Stalled {
		t.Errorf("state = %v, want STALLED", src.State())
	}
	reason, err := src.End()
	if reason != ReasonFetchFailed || !errors.Is(err, boom) {
		t.Errorf("End() = %v, %v", reason, err)
	}
}

func TestSourceCancel(t *testing.T) {
	src := NewSource(make(chan [][2]float64), SourceOptions{Policy: testPolicy(time.Second)})
	src.Cancel()

	if n, ok := src.Stream(make([][2]float64, 8)); ok || n != 0 {
		t.Errorf("cancelled Stream() = %d, %v", n, ok)
	}
	if !src.Cancelled() {
		t.Error("Cancelled() = false")
	}
	<-src.Done()
}
