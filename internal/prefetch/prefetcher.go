package prefetch

import (
	"context"
	"sync"

	"github.com/glebovdev/cloudplay-cli/internal/config"
	"github.com/glebovdev/cloudplay-cli/internal/metrics"
	"github.com/glebovdev/cloudplay-cli/internal/track"
	"github.com/rs/zerolog/log"
)

// Resolver turns a stream-info URL into a CDN URL, retrying as it sees fit.
type Resolver interface {
	Resolve(ctx context.Context, streamURL, token string) (string, error)
}

// Prefetcher fires one background resolution per track once playback
// progress enters [start, end). Failures leave the cache empty.
type Prefetcher struct {
	resolver Resolver
	cache    *Cache
	start    float64
	end      float64
	enabled  bool
	metrics  *metrics.Metrics

	mu         sync.Mutex
	triggered  bool
	generation uint64
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func New(resolver Resolver, cache *Cache, cfg config.PrefetchConfig, m *metrics.Metrics) *Prefetcher {
	start, end := cfg.WindowStart, cfg.WindowEnd
	if start <= 0 || end <= start {
		start, end = config.DefaultPrefetchStart, config.DefaultPrefetchEnd
	}
	return &Prefetcher{
		resolver: resolver,
		cache:    cache,
		start:    start,
		end:      end,
		enabled:  cfg.Enabled,
		metrics:  m,
	}
}

func (p *Prefetcher) Cache() *Cache { return p.cache }

// Reset arms the trigger for a new track transition. Results still in flight
// for an older generation are discarded when they land.
func (p *Prefetcher) Reset(generation uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.triggered = false
	p.generation = generation
}

// Rearm allows the trigger to fire again for the current track, e.g. after a
// seek moved playback back before the window.
func (p *Prefetcher) Rearm() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.triggered = false
}

// Triggered reports whether this track's prefetch has already fired.
func (p *Prefetcher) Triggered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.triggered
}

// InWindow reports whether progress falls in the trigger window.
func (p *Prefetcher) InWindow(progress float64) bool {
	return progress >= p.start && progress < p.end
}

// Check starts resolving next if progress is inside the window and this track
// has not triggered yet. It never blocks and reports whether a fetch started.
func (p *Prefetcher) Check(progress float64, next *track.Track, token string) bool {
	if !p.enabled || next == nil || !p.InWindow(progress) {
		return false
	}
	if !next.IsPlayable() {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.triggered {
		return false
	}
	p.triggered = true

	if p.cache.Valid(next.ID) {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	gen := p.generation
	trackID := next.ID
	streamURL := next.StreamURL

	log.Debug().Msgf("Prefetching stream for track %d at %.0f%% progress", trackID, progress*100)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()

		cdnURL, err := p.resolver.Resolve(ctx, streamURL, token)
		if err != nil {
			if ctx.Err() == nil {
				log.Debug().Err(err).Msgf("Prefetch for track %d failed", trackID)
				p.metrics.Prefetch(metrics.PrefetchFailed)
			}
			return
		}

		p.mu.Lock()
		defer p.mu.Unlock()

		if p.generation != gen {
			log.Debug().Msgf("Discarding stale prefetch for track %d", trackID)
			p.metrics.Prefetch(metrics.PrefetchDiscarded)
			return
		}

		p.cache.Store(Entry{
			TrackID:    trackID,
			CDNURL:     cdnURL,
			ResolvedAt: p.cache.Now(),
			Generation: gen,
		})
		log.Debug().Msgf("Prefetched stream for track %d", trackID)
	}()

	return true
}

// Wait blocks until in-flight prefetches finish.
func (p *Prefetcher) Wait() {
	p.wg.Wait()
}

// Close cancels in-flight work and waits for it.
func (p *Prefetcher) Close() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.mu.Unlock()
	p.wg.Wait()
}
