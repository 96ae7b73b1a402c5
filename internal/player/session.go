package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebovdev/cloudplay-cli/internal/analyzer"
	"github.com/glebovdev/cloudplay-cli/internal/decoder"
	"github.com/glebovdev/cloudplay-cli/internal/metrics"
	"github.com/glebovdev/cloudplay-cli/internal/timeout"
	"github.com/glebovdev/cloudplay-cli/internal/track"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// SampleChannelSize bounds the decoded chunks queued between producer and source.
const SampleChannelSize = 512

// StreamFetcher is the network side of a session.
type StreamFetcher interface {
	Resolve(ctx context.Context, streamURL, token string) (string, error)
	Stream(ctx context.Context, cdnURL string, offset int64, onChunk func([]byte) error) (int64, error)
}

// StreamInfo describes the decoded stream format.
type StreamInfo struct {
	Format     string
	Bitrate    int
	SampleRate int
	Channels   int
}

type sessionConfig struct {
	generation  uint64
	track       *track.Track
	token       string
	cdnURL      string
	resolvedAt  time.Time
	startOffset time.Duration
	byteOffset  int64

	fetcher  StreamFetcher
	codec    decoder.Codec
	decoder  decoder.Options
	source   SourceOptions
	dual     *analyzer.Dual
	metrics  *metrics.Metrics
	onFormat func(rate int)
	results  func(Result)
}

// session is one track's stream from fetch to sink. It owns a cancellable
// errgroup running the producer and a watcher, and is joined on stop.
type session struct {
	id          string
	generation  uint64
	track       *track.Track
	token       string
	startOffset time.Duration
	source      *Source

	cfg     sessionConfig
	samples chan [][2]float64
	cancel  context.CancelFunc
	done    chan struct{}

	mu         sync.Mutex
	cdnURL     string
	resolvedAt time.Time
	info       StreamInfo
	tags       *decoder.TagInfo
}

func newSession(cfg sessionConfig) *session {
	samples := make(chan [][2]float64, SampleChannelSize)

	prov := timeout.ProvenanceNormal
	if cfg.track.IsHistoryTrack() {
		prov = timeout.ProvenanceHistory
	}

	srcOpts := cfg.source
	srcOpts.Provenance = prov
	if cfg.dual != nil {
		srcOpts.Tap = cfg.dual.Playback()
		onPlaying := srcOpts.OnPlaying
		srcOpts.OnPlaying = func() {
			cfg.dual.SetPlaybackActive(true)
			if onPlaying != nil {
				onPlaying()
			}
		}
	}

	return &session{
		id:          uuid.NewString(),
		generation:  cfg.generation,
		track:       cfg.track,
		token:       cfg.token,
		startOffset: cfg.startOffset,
		source:      NewSource(samples, srcOpts),
		cfg:         cfg,
		samples:     samples,
		done:        make(chan struct{}),
		cdnURL:      cfg.cdnURL,
		resolvedAt:  cfg.resolvedAt,
	}
}

// start launches the pipeline. The returned session must be stopped or allowed
// to finish; done closes once every goroutine has returned.
func (s *session) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel

	s.cfg.metrics.SessionStarted()
	log.Info().Str("session", s.id).Msgf("Starting stream for track %d (%s) at %v, generation %d",
		s.track.ID, s.track.DisplayName(), s.startOffset, s.generation)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.produce(gctx) })
	g.Go(func() error { return s.watch(gctx) })

	go func() {
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			log.Debug().Err(err).Str("session", s.id).Msg("Stream session exited with error")
		}
		cancel()
		close(s.done)
	}()
}

// stop cancels the session and waits for its goroutines to return.
func (s *session) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.source.Cancel()
	<-s.done
}

// CDNURL returns the resolved URL and when it was resolved.
func (s *session) CDNURL() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cdnURL, s.resolvedAt
}

func (s *session) Info() StreamInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *session) Tags() *decoder.TagInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tags
}

// Position is the start offset plus the audio handed to the sink since.
func (s *session) Position() time.Duration {
	rate := s.source.SampleRate()
	if rate <= 0 {
		return s.startOffset
	}
	played := time.Duration(s.source.Played()) * time.Second / time.Duration(rate)
	return s.startOffset + played
}

// produce resolves, fetches and decodes, pushing PCM into the sample channel.
// Fetch failures are recorded on the source rather than returned so the
// source can drain what it already has.
func (s *session) produce(ctx context.Context) error {
	defer close(s.samples)

	cdnURL, _ := s.CDNURL()
	if cdnURL == "" {
		resolved, err := s.cfg.fetcher.Resolve(ctx, s.track.StreamURL, s.token)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.source.Fail(err)
			return nil
		}
		s.mu.Lock()
		s.cdnURL = resolved
		s.resolvedAt = time.Now()
		s.mu.Unlock()
		cdnURL = resolved
		log.Debug().Str("session", s.id).Msgf("Resolved CDN URL for track %d", s.track.ID)
	} else {
		log.Debug().Str("session", s.id).Msgf("Using cached CDN URL for track %d", s.track.ID)
	}

	dec := decoder.New(s.cfg.codec, s.cfg.decoder)

	send := func(out [][2]float64) error {
		if len(out) == 0 {
			return nil
		}
		s.noteFormat(dec)
		if s.cfg.dual != nil {
			s.cfg.dual.Download().Push(out)
		}
		select {
		case s.samples <- out:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	_, err := s.cfg.fetcher.Stream(ctx, cdnURL, s.cfg.byteOffset, func(chunk []byte) error {
		s.source.Touch()
		return send(dec.Feed(chunk))
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		s.source.Fail(fmt.Errorf("stream for track %d failed: %w", s.track.ID, err))
		return nil
	}

	if err := send(dec.Decode(true)); err != nil {
		return err
	}

	log.Debug().Str("session", s.id).Msgf("Download complete: %d frames, %d decode errors",
		dec.Frames(), dec.Errors())
	return nil
}

func (s *session) noteFormat(dec *decoder.Decoder) {
	if s.source.SampleRate() > 0 {
		return
	}
	h, ok := dec.Header()
	if !ok {
		return
	}

	s.source.SetSampleRate(h.SampleRate)

	s.mu.Lock()
	s.info = StreamInfo{
		Format:     "MP3",
		Bitrate:    h.Bitrate,
		SampleRate: h.SampleRate,
		Channels:   h.Channels,
	}
	s.tags = dec.Tags()
	s.mu.Unlock()

	if s.cfg.dual != nil {
		s.cfg.dual.SetSampleRate(h.SampleRate)
	}
	if s.cfg.onFormat != nil {
		s.cfg.onFormat(h.SampleRate)
	}
}

// watch re-evaluates the source timeout every pull-wait tick so a stall is
// detected even when the sink stops pulling, then reports the result.
func (s *session) watch(ctx context.Context) error {
	ticker := time.NewTicker(s.source.opts.PullWait)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.source.Done():
			s.report(ctx)
			s.cancel()
			return nil
		case <-ticker.C:
			s.source.CheckTimeout()
		}
	}
}

func (s *session) report(ctx context.Context) {
	if s.source.Cancelled() || ctx.Err() != nil {
		return
	}

	reason, err := s.source.End()
	s.cfg.metrics.StreamEnded(reason.String())

	ev := log.Info()
	if reason != ReasonFinished {
		ev = log.Warn().Err(err)
	}
	ev.Str("session", s.id).Msgf("Stream for track %d ended: %s at %v", s.track.ID, reason, s.Position())

	if s.cfg.results != nil {
		s.cfg.results(Result{
			Generation: s.generation,
			SessionID:  s.id,
			TrackID:    s.track.ID,
			Reason:     reason,
			Err:        err,
		})
	}
}
