// Package service provides the playback logic layer: queue navigation,
// auto-advance, history hydration and prefetch wiring around the player.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/glebovdev/cloudplay-cli/internal/metrics"
	"github.com/glebovdev/cloudplay-cli/internal/player"
	"github.com/glebovdev/cloudplay-cli/internal/prefetch"
	"github.com/glebovdev/cloudplay-cli/internal/queue"
	"github.com/glebovdev/cloudplay-cli/internal/track"
	"github.com/rs/zerolog/log"
)

const (
	hydrateTimeout = 10 * time.Second
	// SeekStep is the relative jump of a single seek key press.
	SeekStep = 10 * time.Second
)

var (
	ErrEndOfQueue = errors.New("no playable track left in the queue")
	ErrStopped    = errors.New("playback service stopped")
)

// Engine is the part of the player the service drives.
type Engine interface {
	Play(req player.PlayRequest) (uint64, error)
	Seek(target time.Duration) (uint64, error)
	Stop()
	TogglePause()
	Results() <-chan player.Result
	Generation() uint64
	Position() time.Duration
	Progress() float64
}

// TrackSource refreshes track metadata from the remote API.
type TrackSource interface {
	GetTrack(ctx context.Context, id int64, token string) (*track.Track, error)
}

// Recorder stores played tracks.
type Recorder interface {
	Record(t track.Track) error
}

type Options struct {
	Tracks     TrackSource
	Prefetcher *prefetch.Prefetcher
	History    Recorder
	Metrics    *metrics.Metrics
	Token      string
}

// PlaybackService plays the queue through an Engine. Tick must be called
// periodically to consume session results and drive the prefetcher.
type PlaybackService struct {
	engine     Engine
	queue      *queue.Queue
	tracks     TrackSource
	prefetcher *prefetch.Prefetcher
	history    Recorder
	metrics    *metrics.Metrics
	token      string

	ctx    context.Context
	cancel context.CancelFunc

	// transition serializes every operation that starts or stops a session.
	transition sync.Mutex
	stopped    bool
	pending    []*track.Track
	advancing  sync.WaitGroup
	// notify keeps track-change callbacks in transition order.
	notify sync.Mutex

	mu          sync.Mutex
	generation  uint64
	transitions uint64
	lastResult  *player.Result
	onChange    func(*track.Track)

	tickMu     sync.Mutex
	tickTicker *time.Ticker
	stopTick   chan struct{}
}

func NewPlaybackService(engine Engine, q *queue.Queue, opts Options) *PlaybackService {
	ctx, cancel := context.WithCancel(context.Background())
	return &PlaybackService{
		ctx:        ctx,
		cancel:     cancel,
		engine:     engine,
		queue:      q,
		tracks:     opts.Tracks,
		prefetcher: opts.Prefetcher,
		history:    opts.History,
		metrics:    opts.Metrics,
		token:      opts.Token,
	}
}

func (s *PlaybackService) Queue() *queue.Queue { return s.queue }

// OnTrackChange registers a callback fired after every track transition, with
// nil once the queue is exhausted.
func (s *PlaybackService) OnTrackChange(fn func(*track.Track)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// LastResult returns how the most recent session ended, if any did.
func (s *PlaybackService) LastResult() *player.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastResult == nil {
		return nil
	}
	r := *s.lastResult
	return &r
}

// PlayIndex starts the track at i, moving forward past unplayable tracks.
func (s *PlaybackService) PlayIndex(i int) error {
	s.transition.Lock()
	defer s.unlockTransition()

	if _, err := s.queue.Jump(i); err != nil {
		return err
	}
	return s.playFromCursor(true)
}

// Next advances to the next playable track.
func (s *PlaybackService) Next() error {
	s.transition.Lock()
	defer s.unlockTransition()
	return s.next()
}

func (s *PlaybackService) next() error {
	if _, ok := s.queue.Next(); !ok {
		s.finishQueue()
		return ErrEndOfQueue
	}
	return s.playFromCursor(true)
}

// Previous goes back to the closest playable track.
func (s *PlaybackService) Previous() error {
	s.transition.Lock()
	defer s.unlockTransition()

	if _, ok := s.queue.Previous(); !ok {
		return ErrEndOfQueue
	}
	return s.playFromCursor(false)
}

// Seek moves playback by delta relative to the current position.
func (s *PlaybackService) Seek(delta time.Duration) error {
	s.transition.Lock()
	defer s.unlockTransition()

	target := s.engine.Position() + delta
	if target < 0 {
		target = 0
	}

	gen, err := s.engine.Seek(target)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.generation = gen
	s.mu.Unlock()

	if s.prefetcher != nil {
		s.prefetcher.Rearm()
	}
	return nil
}

// TogglePause pauses or resumes. A long pause may restart the session, so the
// tracked generation follows the engine.
func (s *PlaybackService) TogglePause() {
	s.transition.Lock()
	defer s.unlockTransition()

	s.engine.TogglePause()

	s.mu.Lock()
	s.generation = s.engine.Generation()
	s.mu.Unlock()
}

// Stop ends playback for good. Pending auto-advances are dropped.
func (s *PlaybackService) Stop() {
	s.cancel()

	s.transition.Lock()
	s.stopped = true
	s.engine.Stop()
	s.transition.Unlock()

	if s.prefetcher != nil {
		s.prefetcher.Close()
	}
}

// Wait blocks until auto-advances started by Tick have finished.
func (s *PlaybackService) Wait() {
	s.advancing.Wait()
}

// playFromCursor plays the track under the queue cursor. Unplayable tracks are
// skipped in the given direction, trying at most every queue entry once.
func (s *PlaybackService) playFromCursor(forward bool) error {
	if s.stopped {
		return ErrStopped
	}

	for attempts := s.queue.Len(); attempts > 0; attempts-- {
		idx := s.queue.Index()
		t := s.queue.Current()
		if t == nil {
			break
		}

		if t.IsHistoryTrack() {
			t = s.hydrate(idx, t)
		}

		if t.IsPlayable() {
			err := s.start(t)
			if err == nil {
				return nil
			}
			if !errors.Is(err, player.ErrUnplayable) {
				return err
			}
		}

		log.Info().Msgf("Skipping track %d: %s", t.ID, t.UnplayableReason())

		var ok bool
		if forward {
			_, ok = s.queue.Next()
		} else {
			_, ok = s.queue.Previous()
		}
		if !ok {
			break
		}
	}

	s.finishQueue()
	return ErrEndOfQueue
}

// hydrate refreshes a history track from the API so expired stream URLs and
// changed policies are picked up. The stored copy is used when that fails.
func (s *PlaybackService) hydrate(idx int, t *track.Track) *track.Track {
	if s.tracks == nil {
		return t
	}

	ctx, cancel := context.WithTimeout(s.ctx, hydrateTimeout)
	defer cancel()

	fresh, err := s.tracks.GetTrack(ctx, t.ID, s.token)
	if err != nil {
		log.Warn().Err(err).Msgf("Failed to refresh history track %d, using stored data", t.ID)
		return t
	}

	hydrated := fresh.StripAPIFields()
	if err := s.queue.Replace(idx, hydrated); err != nil {
		log.Debug().Err(err).Msg("Failed to update queue entry")
	}
	log.Debug().Msgf("Refreshed history track %d", t.ID)
	return &hydrated
}

func (s *PlaybackService) start(t *track.Track) error {
	req := player.PlayRequest{Track: t, Token: s.token}

	if s.prefetcher != nil {
		if entry, ok := s.prefetcher.Cache().Take(t.ID); ok {
			req.CDNURL = entry.CDNURL
			req.ResolvedAt = entry.ResolvedAt
			s.metrics.Prefetch(metrics.PrefetchHit)
			log.Debug().Msgf("Using prefetched stream for track %d", t.ID)
		} else {
			s.metrics.Prefetch(metrics.PrefetchMiss)
		}
	}

	gen, err := s.engine.Play(req)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.generation = gen
	s.transitions++
	transitions := s.transitions
	s.mu.Unlock()

	if s.prefetcher != nil {
		s.prefetcher.Reset(transitions)
	}

	if s.history != nil {
		if err := s.history.Record(*t); err != nil {
			log.Debug().Err(err).Msg("Failed to record history")
		}
	}

	log.Info().Msgf("Playing track %d: %s", t.ID, t.DisplayName())

	s.pending = append(s.pending, t)
	return nil
}

func (s *PlaybackService) finishQueue() {
	log.Info().Msg("End of queue")
	s.pending = append(s.pending, nil)
}

// unlockTransition releases the transition lock, then reports the track
// changes made while it was held. Callbacks run unlocked so they may block on
// the UI thread or seek, but must not start another track.
func (s *PlaybackService) unlockTransition() {
	changes := s.pending
	s.pending = nil

	if len(changes) == 0 {
		s.transition.Unlock()
		return
	}

	s.notify.Lock()
	defer s.notify.Unlock()
	s.transition.Unlock()

	s.mu.Lock()
	callback := s.onChange
	s.mu.Unlock()

	if callback == nil {
		return
	}
	for _, t := range changes {
		callback(t)
	}
}

// Tick consumes finished-session results without blocking, starts the
// auto-advance when the current session ended and lets the prefetcher look at
// progress.
func (s *PlaybackService) Tick() {
	results := s.engine.Results()

	for {
		select {
		case r := <-results:
			s.handleResult(r)
			continue
		default:
		}
		break
	}

	if s.prefetcher != nil {
		s.prefetcher.Check(s.engine.Progress(), s.queue.PeekNext(), s.token)
	}
}

func (s *PlaybackService) handleResult(r player.Result) {
	s.mu.Lock()
	current := s.generation
	if r.Generation == current {
		s.lastResult = &r
	}
	s.mu.Unlock()

	if r.Generation != current {
		log.Debug().Msgf("Ignoring result of stale session %s", r.SessionID)
		return
	}

	if r.Clean() {
		log.Debug().Msgf("Track %d finished", r.TrackID)
	} else {
		log.Warn().Err(r.Err).Msgf("Track %d ended: %s", r.TrackID, r.Reason)
	}

	s.advancing.Add(1)
	go s.advance(r.Generation)
}

// advance moves to the next track unless a user action or Stop already
// replaced the session that ended. It runs off the ticker so a slow history
// lookup does not hold up result handling or prefetch checks.
func (s *PlaybackService) advance(ended uint64) {
	defer s.advancing.Done()

	s.transition.Lock()
	defer s.unlockTransition()

	s.mu.Lock()
	current := s.generation
	s.mu.Unlock()

	if s.stopped || ended != current {
		log.Debug().Msgf("Session %d was replaced before auto-advance", ended)
		return
	}

	if err := s.next(); err != nil && !errors.Is(err, ErrEndOfQueue) {
		log.Error().Err(err).Msg("Failed to advance queue")
	}
}

// StartTicker calls Tick every interval, then onTick when set.
func (s *PlaybackService) StartTicker(interval time.Duration, onTick func()) {
	s.StopTicker()

	s.tickMu.Lock()
	s.stopTick = make(chan struct{})
	s.tickTicker = time.NewTicker(interval)
	ticker := s.tickTicker
	stopCh := s.stopTick
	s.tickMu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				s.Tick()
				if onTick != nil {
					onTick()
				}
			case <-stopCh:
				ticker.Stop()
				return
			}
		}
	}()

	log.Debug().Dur("interval", interval).Msg("Started playback ticker")
}

func (s *PlaybackService) StopTicker() {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if s.stopTick != nil {
		close(s.stopTick)
		s.stopTick = nil
	}
}
