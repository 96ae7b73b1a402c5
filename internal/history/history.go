// Package history keeps a local record of played tracks so they can be queued
// again later.
package history

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebovdev/cloudplay-cli/internal/track"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultExpiry is how long history entries are kept (30 days).
	DefaultExpiry = 30 * 24 * time.Hour
	// DefaultMaxEntries caps the number of stored tracks.
	DefaultMaxEntries = 200
	// FileName is the history file inside the cache directory.
	FileName = "history.yml"
	// AppName is used for the cache directory name.
	AppName = "cloudplay"
)

// Entry is one played track. Stored tracks lack the API-only fields, so they
// read back as history tracks.
type Entry struct {
	Track    track.Track `yaml:"track"`
	PlayedAt time.Time   `yaml:"played_at"`
}

type file struct {
	Entries []Entry `yaml:"entries"`
}

// Store is a yaml-backed playback history.
type Store struct {
	mu         sync.Mutex
	path       string
	expiry     time.Duration
	maxEntries int
	entries    []Entry
	now        func() time.Time
}

// GetCacheDir returns the platform-specific cache directory for the application.
func GetCacheDir() (string, error) {
	userCacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user cache directory: %w", err)
	}

	return filepath.Join(userCacheDir, AppName), nil
}

// NewStore opens the history file in the user cache directory.
func NewStore() (*Store, error) {
	cacheDir, err := GetCacheDir()
	if err != nil {
		return nil, err
	}
	return Open(filepath.Join(cacheDir, FileName))
}

// Open loads the history at path. A missing file is an empty history.
func Open(path string) (*Store, error) {
	s := &Store{
		path:       path,
		expiry:     DefaultExpiry,
		maxEntries: DefaultMaxEntries,
		now:        time.Now,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read history: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse history: %w", err)
	}
	s.entries = f.Entries
	return nil
}

// Record appends t as the most recent entry, replacing an older entry for the
// same track, and saves the file.
func (s *Store) Record(t track.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.Track.ID != t.ID {
			kept = append(kept, e)
		}
	}
	s.entries = append(kept, Entry{Track: t.StripAPIFields(), PlayedAt: s.now()})

	if over := len(s.entries) - s.maxEntries; over > 0 {
		s.entries = s.entries[over:]
	}

	return s.save()
}

// Tracks returns stored tracks, most recent first.
func (s *Store) Tracks() []track.Track {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]track.Track, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		out = append(out, s.entries[i].Track)
	}
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// CleanExpired removes entries older than the expiry duration.
func (s *Store) CleanExpired() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	kept := s.entries[:0]
	removed := 0
	for _, e := range s.entries {
		if now.Sub(e.PlayedAt) > s.expiry {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept

	if removed == 0 {
		return nil
	}

	log.Debug().Int("removed", removed).Msg("History cleanup completed")
	return s.save()
}

// save writes the history atomically using temp file + rename.
func (s *Store) save() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}

	data, err := yaml.Marshal(file{Entries: s.entries})
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".history-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to rename history file: %w", err)
	}

	tmpPath = ""
	return nil
}
