// Package api provides the HTTP client for the cloud-audio API and its CDN.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/glebovdev/cloudplay-cli/internal/config"
	"github.com/glebovdev/cloudplay-cli/internal/track"
	"github.com/go-resty/resty/v2"
	"go.uber.org/ratelimit"
)

const (
	baseURL        = "https://api.soundcloud.com"
	requestTimeout = 30 * time.Second
	resolveTimeout = 10 * time.Second
)

// ErrNoLocation is returned when the stream-info endpoint answers without a
// redirect target.
var ErrNoLocation = errors.New("stream info response has no location")

// StatusError is an unexpected HTTP status from the API or the CDN.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Status)
}

// IsPermanent reports whether retrying the same request cannot succeed.
// Client errors mean the track is unplayable for this user.
func (e *StatusError) IsPermanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsPermanent reports whether err carries a permanent HTTP failure.
func IsPermanent(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.IsPermanent()
	}
	return false
}

// Client talks to the API (metadata, stream resolution) and the CDN (audio bytes).
type Client struct {
	api      *resty.Client
	resolver *resty.Client
	cdn      *resty.Client
	limiter  ratelimit.Limiter
}

// NewClient creates a client whose API calls are capped at ratePerSecond.
func NewClient(ratePerSecond int) *Client {
	return newClient(baseURL, ratePerSecond)
}

func newClient(base string, ratePerSecond int) *Client {
	if ratePerSecond <= 0 {
		ratePerSecond = config.DefaultAPIRateLimit
	}

	userAgent := fmt.Sprintf("%s/%s", config.AppUserAgent, config.AppVersion)

	streamingClient := &http.Client{
		Timeout: 0, // CDN bodies are long-lived
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 15 * time.Second,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
			DisableCompression:    true,
		},
	}

	return &Client{
		api: resty.New().
			SetBaseURL(base).
			SetTimeout(requestTimeout).
			SetHeader("User-Agent", userAgent),
		resolver: resty.New().
			SetTimeout(resolveTimeout).
			SetHeader("User-Agent", userAgent).
			SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			})),
		cdn: resty.NewWithClient(streamingClient).
			SetHeader("User-Agent", userAgent),
		limiter: ratelimit.New(ratePerSecond),
	}
}

// GetTrack fetches full metadata for a track. History tracks go through this
// before their stream can be resolved.
func (c *Client) GetTrack(ctx context.Context, id int64, token string) (*track.Track, error) {
	c.limiter.Take()

	resp, err := c.api.R().
		SetContext(ctx).
		SetHeader("Authorization", "OAuth "+token).
		SetHeader("Accept", "application/json").
		Get(fmt.Sprintf("/tracks/%d", id))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch track %d: %w", id, err)
	}

	if !resp.IsSuccess() {
		return nil, &StatusError{StatusCode: resp.StatusCode(), Status: resp.Status()}
	}

	var t track.Track
	if err := json.Unmarshal(resp.Body(), &t); err != nil {
		return nil, fmt.Errorf("failed to parse track response: %w", err)
	}

	return &t, nil
}

// ResolveStream performs one authenticated request against the stream-info URL
// and returns the CDN URL from the redirect. A single attempt is made; callers
// own the retry policy.
func (c *Client) ResolveStream(ctx context.Context, streamURL, token string) (string, error) {
	c.limiter.Take()

	resp, err := c.resolver.R().
		SetContext(ctx).
		SetHeader("Authorization", "OAuth "+token).
		Get(streamURL)
	if err != nil {
		return "", fmt.Errorf("failed to resolve stream: %w", err)
	}

	code := resp.StatusCode()
	if code >= 300 && code < 400 {
		location := resp.Header().Get("Location")
		if location == "" {
			return "", ErrNoLocation
		}
		return location, nil
	}

	if code >= 400 {
		return "", &StatusError{StatusCode: code, Status: resp.Status()}
	}

	return "", fmt.Errorf("unexpected status %d: %w", code, ErrNoLocation)
}

// Stream is an open CDN response body.
type Stream struct {
	Body          io.ReadCloser
	Partial       bool  // server honored the Range header
	ContentLength int64 // -1 when unknown
}

// OpenStream starts a GET against the CDN URL. A positive offset adds a
// "Range: bytes=<offset>-" header. The caller closes Body.
func (c *Client) OpenStream(ctx context.Context, cdnURL string, offset int64) (*Stream, error) {
	req := c.cdn.R().
		SetContext(ctx).
		SetDoNotParseResponse(true)

	if offset > 0 {
		req.SetHeader("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := req.Get(cdnURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	body := resp.RawBody()

	switch resp.StatusCode() {
	case http.StatusOK, http.StatusPartialContent:
	default:
		if body != nil {
			body.Close()
		}
		return nil, &StatusError{StatusCode: resp.StatusCode(), Status: resp.Status()}
	}

	contentLength := int64(-1)
	if resp.RawResponse != nil {
		contentLength = resp.RawResponse.ContentLength
	}

	return &Stream{
		Body:          body,
		Partial:       resp.StatusCode() == http.StatusPartialContent,
		ContentLength: contentLength,
	}, nil
}
