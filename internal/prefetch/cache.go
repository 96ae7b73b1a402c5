// Package prefetch resolves the next queued track's CDN URL ahead of time and
// holds it in a single-slot cache.
package prefetch

import (
	"sync"
	"time"

	"github.com/glebovdev/cloudplay-cli/internal/config"
)

// Entry is a resolved CDN URL for one track.
type Entry struct {
	TrackID    int64
	CDNURL     string
	ResolvedAt time.Time
	Generation uint64
}

// ValidFor reports whether the entry may be used to start trackID at now.
func (e Entry) ValidFor(trackID int64, now time.Time, validity time.Duration) bool {
	return e.TrackID == trackID && e.CDNURL != "" && now.Sub(e.ResolvedAt) < validity
}

// Cache is a mutex-guarded single slot. The prefetcher writes it; the track
// transition takes from it.
type Cache struct {
	mu       sync.Mutex
	entry    *Entry
	validity time.Duration
	now      func() time.Time
}

func NewCache(validity time.Duration) *Cache {
	if validity <= 0 {
		validity = config.DefaultPrefetchValidity
	}
	return &Cache{validity: validity, now: time.Now}
}

// Store replaces the slot.
func (c *Cache) Store(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry = &e
}

// Valid reports whether a usable entry exists for trackID without consuming it.
func (c *Cache) Valid(trackID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entry != nil && c.entry.ValidFor(trackID, c.now(), c.validity)
}

// Take consumes the slot. The entry is returned only if it is valid for
// trackID; the slot is emptied either way.
func (c *Cache) Take(trackID int64) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry
	c.entry = nil
	if e == nil || !e.ValidFor(trackID, c.now(), c.validity) {
		return Entry{}, false
	}
	return *e, true
}

// Peek returns the current entry, valid or not.
func (c *Cache) Peek() (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entry == nil {
		return Entry{}, false
	}
	return *c.entry, true
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry = nil
}

func (c *Cache) Validity() time.Duration { return c.validity }

func (c *Cache) Now() time.Time {
	return c.now()
}
