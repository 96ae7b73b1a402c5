// Package fetcher resolves stream URLs and feeds CDN bytes to a consumer,
// retrying transient failures.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/glebovdev/cloudplay-cli/internal/api"
	"github.com/glebovdev/cloudplay-cli/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	MaxResolveAttempts = 3
	RetryStep          = 500 * time.Millisecond
	MaxResumeAttempts  = 2
	ResumeDelay        = 500 * time.Millisecond
	NetworkReadSize    = 4096
	ReadTimeout        = 10 * time.Second
)

// ErrRetriesExhausted wraps the last error once every attempt has failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Client is the subset of the API client the fetcher drives.
type Client interface {
	ResolveStream(ctx context.Context, streamURL, token string) (string, error)
	OpenStream(ctx context.Context, cdnURL string, offset int64) (*api.Stream, error)
}

// TransferObserver receives the size and latency of every chunk read.
type TransferObserver interface {
	Observe(n int, d time.Duration)
}

type Options struct {
	Attempts       int
	Step           time.Duration
	ResumeAttempts int
	ResumeDelay    time.Duration
	ReadTimeout    time.Duration
	ChunkSize      int
	Observer       TransferObserver
	Metrics        *metrics.Metrics
	// Sleep waits between attempts; defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Fetcher struct {
	client Client
	opts   Options
}

func New(client Client, opts Options) *Fetcher {
	if opts.Attempts <= 0 {
		opts.Attempts = MaxResolveAttempts
	}
	if opts.Step <= 0 {
		opts.Step = RetryStep
	}
	if opts.ResumeAttempts < 0 {
		opts.ResumeAttempts = 0
	} else if opts.ResumeAttempts == 0 {
		opts.ResumeAttempts = MaxResumeAttempts
	}
	if opts.ResumeDelay <= 0 {
		opts.ResumeDelay = ResumeDelay
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = ReadTimeout
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = NetworkReadSize
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Fetcher{client: client, opts: opts}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolve turns a stream-info URL into a CDN URL. Transient failures are
// retried with a linear delay of attempt × Step; 4xx responses fail at once.
func (f *Fetcher) Resolve(ctx context.Context, streamURL, token string) (string, error) {
	var lastErr error

	for attempt := 1; attempt <= f.opts.Attempts; attempt++ {
		cdnURL, err := f.client.ResolveStream(ctx, streamURL, token)
		if err == nil {
			if attempt > 1 {
				log.Info().Msgf("Stream resolved after %d attempts", attempt)
			}
			return cdnURL, nil
		}

		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		if api.IsPermanent(err) {
			return "", fmt.Errorf("track unavailable: %w", err)
		}

		lastErr = err

		if attempt < f.opts.Attempts {
			delay := f.opts.Step * time.Duration(attempt)
			log.Warn().Err(err).Msgf("Stream resolution failed, retrying in %v... (%d/%d)", delay, attempt, f.opts.Attempts)
			f.opts.Metrics.FetchRetry(metrics.StageResolve)
			if err := f.opts.Sleep(ctx, delay); err != nil {
				return "", err
			}
		}
	}

	return "", fmt.Errorf("stream resolution failed: %w: %w", ErrRetriesExhausted, lastErr)
}

type sinkError struct {
	err error
}

func (e *sinkError) Error() string { return e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

// Stream reads cdnURL starting at offset and hands every chunk to onChunk in
// arrival order. onChunk must not retain the slice. A mid-stream failure is
// resumed with a Range request from the last received byte. It returns the
// number of bytes delivered, and a nil error on a clean end of stream.
func (f *Fetcher) Stream(ctx context.Context, cdnURL string, offset int64, onChunk func([]byte) error) (int64, error) {
	var received int64
	resumes := 0

	for {
		n, err := f.streamOnce(ctx, cdnURL, offset+received, onChunk)
		received += n

		if err == nil {
			return received, nil
		}

		if ctx.Err() != nil {
			return received, ctx.Err()
		}

		var se *sinkError
		if errors.As(err, &se) {
			return received, se.err
		}

		var statusErr *api.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusRequestedRangeNotSatisfiable {
			log.Debug().Msgf("Range start %d is past the end of the stream", offset+received)
			return received, nil
		}

		if api.IsPermanent(err) || errors.Is(err, ErrRetriesExhausted) {
			return received, err
		}

		if resumes >= f.opts.ResumeAttempts {
			return received, fmt.Errorf("stream interrupted after %d bytes: %w", received, err)
		}
		resumes++

		log.Warn().Err(err).Msgf("Stream interrupted at byte %d, resuming in %v... (%d/%d)",
			offset+received, f.opts.ResumeDelay, resumes, f.opts.ResumeAttempts)
		f.opts.Metrics.FetchRetry(metrics.StageResume)

		if err := f.opts.Sleep(ctx, f.opts.ResumeDelay); err != nil {
			return received, err
		}
	}
}

func (f *Fetcher) open(ctx context.Context, cdnURL string, start int64) (*api.Stream, error) {
	var lastErr error

	for attempt := 1; attempt <= f.opts.Attempts; attempt++ {
		stream, err := f.client.OpenStream(ctx, cdnURL, start)
		if err == nil {
			return stream, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if api.IsPermanent(err) {
			return nil, err
		}

		lastErr = err

		if attempt < f.opts.Attempts {
			delay := f.opts.Step * time.Duration(attempt)
			log.Warn().Err(err).Msgf("CDN connection failed, retrying in %v... (%d/%d)", delay, attempt, f.opts.Attempts)
			f.opts.Metrics.FetchRetry(metrics.StageOpen)
			if err := f.opts.Sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("failed to connect to CDN: %w: %w", ErrRetriesExhausted, lastErr)
}

func (f *Fetcher) streamOnce(ctx context.Context, cdnURL string, start int64, onChunk func([]byte) error) (int64, error) {
	stream, err := f.open(ctx, cdnURL, start)
	if err != nil {
		return 0, err
	}
	defer stream.Body.Close()

	reader := &contextReader{
		reader:  stream.Body,
		ctx:     ctx,
		timeout: f.opts.ReadTimeout,
	}

	if start > 0 && !stream.Partial {
		log.Debug().Msgf("Server ignored range request, skipping %d bytes", start)
		if _, err := io.CopyN(io.Discard, reader, start); err != nil {
			if errors.Is(err, io.EOF) {
				return 0, nil
			}
			return 0, fmt.Errorf("failed to skip to offset %d: %w", start, err)
		}
	}

	buf := make([]byte, f.opts.ChunkSize)
	var total int64

	for {
		began := time.Now()
		n, err := reader.Read(buf)

		if n > 0 {
			if f.opts.Observer != nil {
				f.opts.Observer.Observe(n, time.Since(began))
			}
			f.opts.Metrics.BytesReceived(n)

			if serr := onChunk(buf[:n]); serr != nil {
				return total, &sinkError{err: serr}
			}
			total += int64(n)
		}

		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("network read error: %w", err)
		}
	}
}
