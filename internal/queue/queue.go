// Package queue holds the ordered list of tracks to play.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/glebovdev/cloudplay-cli/internal/track"
)

var ErrOutOfRange = errors.New("queue index out of range")

// Queue is an ordered track list with a cursor. Navigation skips tracks that
// are known to be unplayable.
type Queue struct {
	mu      sync.RWMutex
	tracks  []track.Track
	current int
}

func New(tracks []track.Track) *Queue {
	q := &Queue{current: -1}
	q.tracks = append(q.tracks, tracks...)
	return q
}

// Load reads a JSON queue file: either a bare array of tracks or an object
// with a "collection" array, as returned by playlist endpoints.
func Load(path string) (*Queue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue file: %w", err)
	}

	tracks, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse queue file %s: %w", path, err)
	}
	return New(tracks), nil
}

func Parse(data []byte) ([]track.Track, error) {
	var tracks []track.Track
	if err := json.Unmarshal(data, &tracks); err == nil {
		return tracks, nil
	}

	var wrapped struct {
		Collection []track.Track `json:"collection"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Collection, nil
}

func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.tracks)
}

// Tracks returns a copy of the queue contents.
func (q *Queue) Tracks() []track.Track {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]track.Track, len(q.tracks))
	copy(out, q.tracks)
	return out
}

// Index is the cursor position, -1 before anything was played.
func (q *Queue) Index() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.current
}

// Current returns a copy of the track under the cursor.
func (q *Queue) Current() *track.Track {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.at(q.current)
}

func (q *Queue) At(i int) *track.Track {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.at(i)
}

func (q *Queue) at(i int) *track.Track {
	if i < 0 || i >= len(q.tracks) {
		return nil
	}
	t := q.tracks[i]
	return &t
}

// PeekNext returns the playable track after the cursor without moving it.
func (q *Queue) PeekNext() *track.Track {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if i := q.nextPlayable(q.current + 1); i >= 0 {
		return q.at(i)
	}
	return nil
}

// Next moves the cursor to the next playable track.
func (q *Queue) Next() (*track.Track, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.nextPlayable(q.current + 1)
	if i < 0 {
		return nil, false
	}
	q.current = i
	return q.at(i), true
}

// Previous moves the cursor to the closest playable track before it.
func (q *Queue) Previous() (*track.Track, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := q.current - 1; i >= 0; i-- {
		if q.tracks[i].IsPlayable() {
			q.current = i
			return q.at(i), true
		}
	}
	return nil, false
}

// Jump moves the cursor to i regardless of playability.
func (q *Queue) Jump(i int) (*track.Track, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if i < 0 || i >= len(q.tracks) {
		return nil, fmt.Errorf("%w: %d of %d", ErrOutOfRange, i, len(q.tracks))
	}
	q.current = i
	return q.at(i), nil
}

// Replace swaps the track at i, e.g. after hydrating a history entry.
func (q *Queue) Replace(i int, t track.Track) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if i < 0 || i >= len(q.tracks) {
		return fmt.Errorf("%w: %d of %d", ErrOutOfRange, i, len(q.tracks))
	}
	q.tracks[i] = t
	return nil
}

func (q *Queue) Append(tracks ...track.Track) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tracks = append(q.tracks, tracks...)
}

func (q *Queue) nextPlayable(from int) int {
	for i := max(from, 0); i < len(q.tracks); i++ {
		if q.tracks[i].IsPlayable() {
			return i
		}
	}
	return -1
}
