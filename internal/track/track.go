// Package track defines the data structures for streamable cloud-audio tracks.
package track

import (
	"fmt"
	"strings"
	"time"
)

// User is the uploader of a track.
type User struct {
	Username string `json:"username" yaml:"username"`
}

// Track represents a single streamable track and its metadata.
//
// FullDuration and PermalinkURL are only returned by the remote API. Tracks
// restored from the local playback history lack both, which is how their
// provenance is detected.
type Track struct {
	ID           int64   `json:"id" yaml:"id"`
	Title        string  `json:"title" yaml:"title"`
	Duration     int64   `json:"duration" yaml:"duration"`                               // milliseconds
	FullDuration *int64  `json:"full_duration,omitempty" yaml:"full_duration,omitempty"` // milliseconds
	StreamURL    string  `json:"stream_url" yaml:"stream_url"`
	PermalinkURL *string `json:"permalink_url,omitempty" yaml:"permalink_url,omitempty"`
	ArtworkURL   string  `json:"artwork_url,omitempty" yaml:"artwork_url,omitempty"`
	User         User    `json:"user" yaml:"user"`
	Genre        string  `json:"genre,omitempty" yaml:"genre,omitempty"`
	Streamable   bool    `json:"streamable" yaml:"streamable"`
	Access       string  `json:"access,omitempty" yaml:"access,omitempty"` // playable, preview, blocked
	Policy       string  `json:"policy,omitempty" yaml:"policy,omitempty"` // ALLOW, MONETIZE, SNIP, BLOCK
}

// IsHistoryTrack reports whether the track was restored from the playback
// history rather than fetched from the API.
func (t *Track) IsHistoryTrack() bool {
	return t.FullDuration == nil && t.PermalinkURL == nil
}

// Length returns the playable duration, preferring the full duration when the
// API provided one.
func (t *Track) Length() time.Duration {
	ms := t.Duration
	if t.FullDuration != nil && *t.FullDuration > 0 {
		ms = *t.FullDuration
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

// IsPlayable reports whether a stream can be started for this track.
// Geo-blocked and policy-blocked tracks are rejected before any request is made.
func (t *Track) IsPlayable() bool {
	return t.UnplayableReason() == ""
}

// UnplayableReason returns a short reason why the track cannot be played,
// or an empty string when it can.
func (t *Track) UnplayableReason() string {
	switch {
	case t.StreamURL == "":
		return "no stream url"
	case !t.Streamable:
		return "not streamable"
	case strings.EqualFold(t.Access, "blocked"):
		return "blocked in your region"
	case strings.EqualFold(t.Policy, "BLOCK"):
		return "blocked by policy"
	}
	return ""
}

// Artist returns the uploader name, or a placeholder when unknown.
func (t *Track) Artist() string {
	if t.User.Username == "" {
		return "Unknown artist"
	}
	return t.User.Username
}

// DisplayName is the "Artist - Title" label shown in lists.
func (t *Track) DisplayName() string {
	return fmt.Sprintf("%s - %s", t.Artist(), t.Title)
}

// StripAPIFields returns a copy without the fields only the remote API returns.
// Used when writing tracks to the playback history.
func (t Track) StripAPIFields() Track {
	t.FullDuration = nil
	t.PermalinkURL = nil
	return t
}
