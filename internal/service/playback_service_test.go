package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebovdev/cloudplay-cli/internal/config"
	"github.com/glebovdev/cloudplay-cli/internal/player"
	"github.com/glebovdev/cloudplay-cli/internal/prefetch"
	"github.com/glebovdev/cloudplay-cli/internal/queue"
	"github.com/glebovdev/cloudplay-cli/internal/track"
)

type fakeEngine struct {
	mu       sync.Mutex
	gen      uint64
	requests []player.PlayRequest
	seeks    []time.Duration
	position time.Duration
	progress float64
	pauses   int
	results  chan player.Result
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{results: make(chan player.Result, 8)}
}

func (e *fakeEngine) Play(req player.PlayRequest) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !req.Track.IsPlayable() {
		return 0, player.ErrUnplayable
	}
	e.gen++
	e.requests = append(e.requests, req)
	return e.gen, nil
}

func (e *fakeEngine) Seek(target time.Duration) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.requests) == 0 {
		return 0, player.ErrNotPlaying
	}
	e.gen++
	e.seeks = append(e.seeks, target)
	return e.gen, nil
}

func (e *fakeEngine) Stop() {
	e.mu.Lock()
	e.gen++
	e.mu.Unlock()
}

func (e *fakeEngine) TogglePause() {
	e.mu.Lock()
	e.pauses++
	e.mu.Unlock()
}

func (e *fakeEngine) Results() <-chan player.Result { return e.results }

func (e *fakeEngine) Generation() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen
}

func (e *fakeEngine) Position() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.position
}

func (e *fakeEngine) Progress() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

func (e *fakeEngine) played() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int64, 0, len(e.requests))
	for _, r := range e.requests {
		ids = append(ids, r.Track.ID)
	}
	return ids
}

func (e *fakeEngine) lastRequest() player.PlayRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests[len(e.requests)-1]
}

func (e *fakeEngine) finish(reason player.EndReason) {
	e.results <- player.Result{Generation: e.Generation(), Reason: reason}
}

type fakeTracks struct {
	mu    sync.Mutex
	fresh map[int64]track.Track
	calls int
}

func (f *fakeTracks) GetTrack(ctx context.Context, id int64, token string) (*track.Track, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	t, ok := f.fresh[id]
	if !ok {
		return nil, fmt.Errorf("track %d not found", id)
	}
	return &t, nil
}

// slowTracks blocks every lookup until release is closed.
type slowTracks struct {
	entered chan struct{}
	release chan struct{}
}

func newSlowTracks() *slowTracks {
	return &slowTracks{entered: make(chan struct{}, 4), release: make(chan struct{})}
}

func (f *slowTracks) GetTrack(ctx context.Context, id int64, token string) (*track.Track, error) {
	f.entered <- struct{}{}
	select {
	case <-f.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	t := apiTrack(id)
	return &t, nil
}

type fakeRecorder struct {
	ids []int64
}

func (r *fakeRecorder) Record(t track.Track) error {
	r.ids = append(r.ids, t.ID)
	return nil
}

type fakeResolver struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeResolver) Resolve(ctx context.Context, streamURL, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return "https://cdn.example.com/" + streamURL, nil
}

func apiTrack(id int64) track.Track {
	full := int64(60_000)
	link := "https://example.com/t"
	return track.Track{
		ID:           id,
		Title:        fmt.Sprintf("Track %d", id),
		Duration:     60_000,
		FullDuration: &full,
		PermalinkURL: &link,
		StreamURL:    fmt.Sprintf("s%d", id),
		Streamable:   true,
	}
}

func blockedTrack(id int64) track.Track {
	t := apiTrack(id)
	t.Policy = "BLOCK"
	return t
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestPlayIndexSkipsUnplayable(t *testing.T) {
	engine := newFakeEngine()
	rec := &fakeRecorder{}
	svc := NewPlaybackService(engine, queue.New([]track.Track{blockedTrack(1), blockedTrack(2), apiTrack(3)}), Options{History: rec})

	if err := svc.PlayIndex(0); err != nil {
		t.Fatalf("PlayIndex() error = %v", err)
	}
	if got := engine.played(); !equalIDs(got, []int64{3}) {
		t.Errorf("played = %v, want [3]", got)
	}
	if svc.Queue().Index() != 2 {
		t.Errorf("cursor = %d, want 2", svc.Queue().Index())
	}
	if !equalIDs(rec.ids, []int64{3}) {
		t.Errorf("history = %v, want [3]", rec.ids)
	}
}

func TestPlayIndexAllUnplayable(t *testing.T) {
	engine := newFakeEngine()
	svc := NewPlaybackService(engine, queue.New([]track.Track{blockedTrack(1), blockedTrack(2)}), Options{})

	var ended bool
	svc.OnTrackChange(func(tr *track.Track) {
		if tr == nil {
			ended = true
		}
	})

	if err := svc.PlayIndex(0); !errors.Is(err, ErrEndOfQueue) {
		t.Fatalf("PlayIndex() error = %v, want ErrEndOfQueue", err)
	}
	if len(engine.played()) != 0 {
		t.Errorf("nothing should have played, got %v", engine.played())
	}
	if !ended {
		t.Error("end of queue should be reported")
	}
}

func TestTickAdvancesOnAnyEnd(t *testing.T) {
	engine := newFakeEngine()
	svc := NewPlaybackService(engine, queue.New([]track.Track{apiTrack(1), apiTrack(2), apiTrack(3)}), Options{})

	if err := svc.PlayIndex(0); err != nil {
		t.Fatal(err)
	}

	engine.finish(player.ReasonFinished)
	svc.Tick()
	svc.Wait()

	engine.finish(player.ReasonStalled)
	svc.Tick()
	svc.Wait()

	if got := engine.played(); !equalIDs(got, []int64{1, 2, 3}) {
		t.Errorf("played = %v, want [1 2 3]", got)
	}
	if r := svc.LastResult(); r == nil || r.Reason != player.ReasonStalled {
		t.Errorf("LastResult() = %v, want stalled", r)
	}
}

func TestTickIgnoresStaleResults(t *testing.T) {
	engine := newFakeEngine()
	svc := NewPlaybackService(engine, queue.New([]track.Track{apiTrack(1), apiTrack(2)}), Options{})

	if err := svc.PlayIndex(0); err != nil {
		t.Fatal(err)
	}
	stale := engine.Generation()
	if err := svc.Seek(SeekStep); err != nil {
		t.Fatal(err)
	}

	engine.results <- player.Result{Generation: stale, Reason: player.ReasonFinished}
	svc.Tick()
	svc.Wait()

	if got := engine.played(); !equalIDs(got, []int64{1}) {
		t.Errorf("stale result advanced the queue: played = %v", got)
	}
	if svc.LastResult() != nil {
		t.Error("stale result should not be recorded")
	}
}

func TestHistoryTrackHydration(t *testing.T) {
	stored := apiTrack(1).StripAPIFields()
	stored.StreamURL = "expired"

	refreshed := apiTrack(1)
	refreshed.StreamURL = "fresh"

	blocked := apiTrack(2).StripAPIFields()

	tests := []struct {
		name       string
		fresh      map[int64]track.Track
		queue      []track.Track
		wantPlayed []int64
		wantURL    string
	}{
		{
			name:       "Refreshed track keeps history provenance",
			fresh:      map[int64]track.Track{1: refreshed},
			queue:      []track.Track{stored},
			wantPlayed: []int64{1},
			wantURL:    "fresh",
		},
		{
			name:       "Lookup failure uses stored data",
			fresh:      map[int64]track.Track{},
			queue:      []track.Track{stored},
			wantPlayed: []int64{1},
			wantURL:    "expired",
		},
		{
			name:       "Track blocked since it was played is skipped",
			fresh:      map[int64]track.Track{2: blockedTrack(2)},
			queue:      []track.Track{blocked, apiTrack(3)},
			wantPlayed: []int64{3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newFakeEngine()
			q := queue.New(tt.queue)
			svc := NewPlaybackService(engine, q, Options{Tracks: &fakeTracks{fresh: tt.fresh}})

			if err := svc.PlayIndex(0); err != nil {
				t.Fatalf("PlayIndex() error = %v", err)
			}
			if got := engine.played(); !equalIDs(got, tt.wantPlayed) {
				t.Fatalf("played = %v, want %v", got, tt.wantPlayed)
			}

			if tt.wantURL == "" {
				return
			}
			req := engine.lastRequest()
			if req.Track.StreamURL != tt.wantURL {
				t.Errorf("stream url = %q, want %q", req.Track.StreamURL, tt.wantURL)
			}
			if !req.Track.IsHistoryTrack() {
				t.Error("hydrated track should keep history provenance")
			}
			if q.At(0).StreamURL != tt.wantURL {
				t.Errorf("queue entry = %q, want %q", q.At(0).StreamURL, tt.wantURL)
			}
		})
	}
}

func TestPrefetchedURLUsedOnTransition(t *testing.T) {
	engine := newFakeEngine()
	resolver := &fakeResolver{}
	cache := prefetch.NewCache(config.DefaultPrefetchValidity)
	pf := prefetch.New(resolver, cache, config.PrefetchConfig{Enabled: true}, nil)

	svc := NewPlaybackService(engine, queue.New([]track.Track{apiTrack(1), apiTrack(2)}), Options{Prefetcher: pf})
	if err := svc.PlayIndex(0); err != nil {
		t.Fatal(err)
	}
	if engine.lastRequest().CDNURL != "" {
		t.Error("first track should be resolved by the player")
	}

	engine.mu.Lock()
	engine.progress = 0.5
	engine.mu.Unlock()
	svc.Tick()
	if resolver.calls != 0 {
		t.Fatal("prefetch fired before the window")
	}

	engine.mu.Lock()
	engine.progress = 0.75
	engine.mu.Unlock()
	svc.Tick()
	svc.Tick()
	pf.Wait()

	if !cache.Valid(2) {
		t.Fatal("next track should be prefetched")
	}

	engine.finish(player.ReasonFinished)
	svc.Tick()
	svc.Wait()

	req := engine.lastRequest()
	if req.Track.ID != 2 || req.CDNURL != "https://cdn.example.com/s2" {
		t.Errorf("transition request = track %d url %q", req.Track.ID, req.CDNURL)
	}
	if cache.Valid(2) {
		t.Error("cache entry should be consumed")
	}
	resolver.mu.Lock()
	calls := resolver.calls
	resolver.mu.Unlock()
	if calls != 1 {
		t.Errorf("resolver calls = %d, want 1", calls)
	}
}

func TestSeekIsRelativeAndClamped(t *testing.T) {
	engine := newFakeEngine()
	svc := NewPlaybackService(engine, queue.New([]track.Track{apiTrack(1)}), Options{})

	if err := svc.Seek(SeekStep); !errors.Is(err, player.ErrNotPlaying) {
		t.Errorf("Seek() before play error = %v", err)
	}
	if err := svc.PlayIndex(0); err != nil {
		t.Fatal(err)
	}

	engine.mu.Lock()
	engine.position = 25 * time.Second
	engine.mu.Unlock()

	if err := svc.Seek(SeekStep); err != nil {
		t.Fatal(err)
	}
	if err := svc.Seek(-time.Minute); err != nil {
		t.Fatal(err)
	}

	engine.mu.Lock()
	seeks := engine.seeks
	engine.mu.Unlock()
	if len(seeks) != 2 || seeks[0] != 35*time.Second || seeks[1] != 0 {
		t.Errorf("seeks = %v, want [35s 0s]", seeks)
	}
}

func TestNextAndPrevious(t *testing.T) {
	engine := newFakeEngine()
	svc := NewPlaybackService(engine, queue.New([]track.Track{apiTrack(1), blockedTrack(2), apiTrack(3)}), Options{})

	if err := svc.Next(); err != nil {
		t.Fatal(err)
	}
	if err := svc.Next(); err != nil {
		t.Fatal(err)
	}
	if err := svc.Next(); !errors.Is(err, ErrEndOfQueue) {
		t.Errorf("Next() at end error = %v", err)
	}
	if err := svc.Previous(); err != nil {
		t.Fatal(err)
	}

	if got := engine.played(); !equalIDs(got, []int64{1, 3, 1}) {
		t.Errorf("played = %v, want [1 3 1]", got)
	}
}

func TestStartStopTicker(t *testing.T) {
	engine := newFakeEngine()
	svc := NewPlaybackService(engine, queue.New([]track.Track{apiTrack(1), apiTrack(2)}), Options{})
	if err := svc.PlayIndex(0); err != nil {
		t.Fatal(err)
	}

	ticks := make(chan struct{}, 16)
	svc.StartTicker(5*time.Millisecond, func() {
		select {
		case ticks <- struct{}{}:
		default:
		}
	})
	defer svc.StopTicker()

	engine.finish(player.ReasonFinished)

	deadline := time.After(2 * time.Second)
	for len(engine.played()) < 2 {
		select {
		case <-ticks:
		case <-deadline:
			t.Fatal("ticker did not advance the queue")
		}
	}
}

func TestTickDoesNotWaitForHydration(t *testing.T) {
	engine := newFakeEngine()
	tracks := newSlowTracks()
	svc := NewPlaybackService(engine, queue.New([]track.Track{apiTrack(1), apiTrack(2).StripAPIFields()}), Options{Tracks: tracks})

	if err := svc.PlayIndex(0); err != nil {
		t.Fatal(err)
	}

	engine.finish(player.ReasonFinished)

	done := make(chan struct{})
	go func() {
		svc.Tick()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Tick() blocked on the history lookup")
	}

	<-tracks.entered
	close(tracks.release)
	svc.Wait()

	if got := engine.played(); !equalIDs(got, []int64{1, 2}) {
		t.Errorf("played = %v, want [1 2]", got)
	}
}

func TestAutoAdvanceYieldsToUserNext(t *testing.T) {
	engine := newFakeEngine()
	tracks := newSlowTracks()
	svc := NewPlaybackService(engine, queue.New([]track.Track{apiTrack(1), apiTrack(2).StripAPIFields(), apiTrack(3)}), Options{Tracks: tracks})

	if err := svc.PlayIndex(0); err != nil {
		t.Fatal(err)
	}

	userDone := make(chan error, 1)
	go func() { userDone <- svc.Next() }()
	<-tracks.entered

	// Track 1 ends while the user's skip is still looking up track 2.
	engine.finish(player.ReasonFinished)
	svc.Tick()

	close(tracks.release)
	if err := <-userDone; err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	svc.Wait()

	if got := engine.played(); !equalIDs(got, []int64{1, 2}) {
		t.Errorf("played = %v, want [1 2]", got)
	}
	if svc.Queue().Index() != 1 {
		t.Errorf("cursor = %d, want 1", svc.Queue().Index())
	}
}

func TestConcurrentNextPlaysEachTrackOnce(t *testing.T) {
	engine := newFakeEngine()
	tracks := make([]track.Track, 0, 9)
	for i := int64(1); i <= 9; i++ {
		tracks = append(tracks, apiTrack(i))
	}
	svc := NewPlaybackService(engine, queue.New(tracks), Options{})

	var wg sync.WaitGroup
	for i := 0; i < 9; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.Next(); err != nil {
				t.Errorf("Next() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := engine.played(); !equalIDs(got, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9}) {
		t.Errorf("played = %v, want every track once in order", got)
	}
}

func TestTrackChangeCallbackMayCallService(t *testing.T) {
	engine := newFakeEngine()
	svc := NewPlaybackService(engine, queue.New([]track.Track{apiTrack(1)}), Options{})

	svc.OnTrackChange(func(tr *track.Track) {
		if tr != nil {
			if err := svc.Seek(0); err != nil {
				t.Errorf("Seek() from callback error = %v", err)
			}
		}
	})

	done := make(chan error, 1)
	go func() { done <- svc.PlayIndex(0) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("PlayIndex() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("callback deadlocked on the service")
	}

	engine.mu.Lock()
	seeks := len(engine.seeks)
	engine.mu.Unlock()
	if seeks != 1 {
		t.Errorf("seeks = %d, want 1", seeks)
	}
}

func TestStopDropsPendingAdvance(t *testing.T) {
	engine := newFakeEngine()
	svc := NewPlaybackService(engine, queue.New([]track.Track{apiTrack(1), apiTrack(2)}), Options{})

	if err := svc.PlayIndex(0); err != nil {
		t.Fatal(err)
	}
	engine.finish(player.ReasonFinished)

	svc.Stop()
	svc.Tick()
	svc.Wait()

	if got := engine.played(); !equalIDs(got, []int64{1}) {
		t.Errorf("played = %v, want [1]", got)
	}

	if err := svc.Next(); !errors.Is(err, ErrStopped) {
		t.Errorf("Next() after Stop error = %v, want ErrStopped", err)
	}
	if got := engine.played(); !equalIDs(got, []int64{1}) {
		t.Errorf("played after Stop = %v, want [1]", got)
	}
}
