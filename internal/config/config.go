package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gdamore/tcell/v2"
	"gopkg.in/yaml.v3"
)

const (
	AppName         = "CloudPlay CLI"
	AppTagline      = "Terminal cloud-audio player"
	AppDescription  = "A terminal-based streaming player for cloud-hosted audio tracks"
	AppAuthor       = "Ilya Glebov"
	AppProjectURL   = "https://github.com/glebovdev/cloudplay-cli"
	AppProjectShort = "github.com/glebovdev/cloudplay-cli"
	AppUserAgent    = "CloudPlay-CLI"

	ConfigDir      = ".config/cloudplay"
	ConfigFileName = "config.yml"
	TokenEnvVar    = "CLOUDPLAY_TOKEN"
	DefaultVolume  = 70
	MinVolume      = 0
	MaxVolume      = 100

	DefaultAPIRateLimit      = 5
	DefaultBufferSeconds     = 2.0
	DefaultPullWait          = 20 * time.Millisecond
	DefaultBufferCapBytes    = 5 * 1024 * 1024
	DefaultBufferRetainBytes = 2 * 1024 * 1024
	DefaultBufferingTimeout  = 12 * time.Second
	DefaultHistoryTimeout    = 15 * time.Second
	DefaultPlaybackTimeout   = 5 * time.Second
	DefaultPrefetchStart     = 0.70
	DefaultPrefetchEnd       = 0.80
	DefaultPrefetchValidity  = 5 * time.Minute
	DefaultWindowSize        = 1024
	DefaultSmoothing         = 0.3
	DefaultGain              = 4.0
	MaxPullWait              = 500 * time.Millisecond
)

// ClampVolume ensures volume is within the valid range [0, 100].
func ClampVolume(volume int) int {
	if volume < MinVolume {
		return MinVolume
	}
	if volume > MaxVolume {
		return MaxVolume
	}
	return volume
}

// AppVersion can be overridden at build time using ldflags:
// go build -ldflags "-X github.com/glebovdev/cloudplay-cli/internal/config.AppVersion=1.0.0"
var AppVersion = "dev"

type Theme struct {
	Background                string `yaml:"background"`
	Foreground                string `yaml:"foreground"`
	Borders                   string `yaml:"borders"`
	Highlight                 string `yaml:"highlight"`
	MutedVolume               string `yaml:"muted_volume"`
	HeaderBackground          string `yaml:"header_background"`
	TrackListHeaderBackground string `yaml:"track_list_header_background"`
	TrackListHeaderForeground string `yaml:"track_list_header_foreground"`
	HelpBackground            string `yaml:"help_background"`
	HelpForeground            string `yaml:"help_foreground"`
	HelpHotkey                string `yaml:"help_hotkey"`
	GenreTagBackground        string `yaml:"genre_tag_background"`
	ModalBackground           string `yaml:"modal_background"`
	BassMeter                 string `yaml:"bass_meter"`
	MidMeter                  string `yaml:"mid_meter"`
	HighMeter                 string `yaml:"high_meter"`
}

// StreamConfig tunes the streaming pipeline.
type StreamConfig struct {
	BufferSeconds           float64       `yaml:"buffer_seconds"`
	PullWait                time.Duration `yaml:"pull_wait"`
	BufferCapBytes          int           `yaml:"buffer_cap_bytes"`
	BufferRetainBytes       int           `yaml:"buffer_retain_bytes"`
	AdaptiveTimeouts        bool          `yaml:"adaptive_timeouts"`
	BufferingTimeout        time.Duration `yaml:"buffering_timeout"`
	HistoryBufferingTimeout time.Duration `yaml:"history_buffering_timeout"`
	PlaybackTimeout         time.Duration `yaml:"playback_timeout"`
}

// PrefetchConfig controls when the next track's stream URL is resolved early.
type PrefetchConfig struct {
	Enabled     bool          `yaml:"enabled"`
	WindowStart float64       `yaml:"window_start"`
	WindowEnd   float64       `yaml:"window_end"`
	Validity    time.Duration `yaml:"validity"`
}

type VisualizerConfig struct {
	WindowSize int     `yaml:"window_size"`
	Smoothing  float64 `yaml:"smoothing"`
	Gain       float64 `yaml:"gain"`
}

type Config struct {
	Volume       int              `yaml:"volume"`
	Token        string           `yaml:"token"`
	APIRateLimit int              `yaml:"api_rate_limit"`
	LastQueue    string           `yaml:"last_queue"`
	Stream       StreamConfig     `yaml:"stream"`
	Prefetch     PrefetchConfig   `yaml:"prefetch"`
	Visualizer   VisualizerConfig `yaml:"visualizer"`
	Theme        Theme            `yaml:"theme"`
}

func GetConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	configPath := filepath.Join(home, ConfigDir, ConfigFileName)
	return configPath, nil
}

func Load() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return DefaultConfig(), err
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return DefaultConfig(), fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Normalize()

	return cfg, nil
}

// Normalize replaces out-of-range values with their defaults.
func (c *Config) Normalize() {
	c.Volume = ClampVolume(c.Volume)

	if c.APIRateLimit <= 0 {
		c.APIRateLimit = DefaultAPIRateLimit
	}

	s := &c.Stream
	if s.BufferSeconds <= 0 {
		s.BufferSeconds = DefaultBufferSeconds
	}
	if s.PullWait <= 0 || s.PullWait > MaxPullWait {
		s.PullWait = DefaultPullWait
	}
	if s.BufferCapBytes <= 0 {
		s.BufferCapBytes = DefaultBufferCapBytes
	}
	if s.BufferRetainBytes <= 0 || s.BufferRetainBytes >= s.BufferCapBytes {
		s.BufferRetainBytes = s.BufferCapBytes * 2 / 5
	}
	if s.BufferingTimeout <= 0 {
		s.BufferingTimeout = DefaultBufferingTimeout
	}
	if s.HistoryBufferingTimeout <= 0 {
		s.HistoryBufferingTimeout = DefaultHistoryTimeout
	}
	if s.PlaybackTimeout <= 0 {
		s.PlaybackTimeout = DefaultPlaybackTimeout
	}

	p := &c.Prefetch
	if p.WindowStart <= 0 || p.WindowStart >= 1 {
		p.WindowStart = DefaultPrefetchStart
	}
	if p.WindowEnd <= p.WindowStart || p.WindowEnd > 1 {
		p.WindowEnd = DefaultPrefetchEnd
		if p.WindowEnd <= p.WindowStart {
			p.WindowEnd = 1
		}
	}
	if p.Validity <= 0 {
		p.Validity = DefaultPrefetchValidity
	}

	v := &c.Visualizer
	if v.WindowSize < 64 || v.WindowSize&(v.WindowSize-1) != 0 {
		v.WindowSize = DefaultWindowSize
	}
	if v.Smoothing <= 0 || v.Smoothing > 1 {
		v.Smoothing = DefaultSmoothing
	}
	if v.Gain <= 0 {
		v.Gain = DefaultGain
	}
}

// ResolveToken returns the API token, preferring the environment over the file.
func (c *Config) ResolveToken() string {
	if tok := os.Getenv(TokenEnvVar); tok != "" {
		return tok
	}
	return c.Token
}

// Save writes the configuration to disk atomically using temp file + rename.
func (c *Config) Save() error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}

	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpFile, err := os.CreateTemp(configDir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
	}()

	// The token may be a live credential.
	if err := tmpFile.Chmod(0600); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to set config permissions: %w", err)
	}

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, configPath); err != nil {
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	tmpPath = ""
	return nil
}

func DefaultConfig() *Config {
	return &Config{
		Volume:       DefaultVolume,
		APIRateLimit: DefaultAPIRateLimit,
		Stream: StreamConfig{
			BufferSeconds:           DefaultBufferSeconds,
			PullWait:                DefaultPullWait,
			BufferCapBytes:          DefaultBufferCapBytes,
			BufferRetainBytes:       DefaultBufferRetainBytes,
			AdaptiveTimeouts:        false,
			BufferingTimeout:        DefaultBufferingTimeout,
			HistoryBufferingTimeout: DefaultHistoryTimeout,
			PlaybackTimeout:         DefaultPlaybackTimeout,
		},
		Prefetch: PrefetchConfig{
			Enabled:     true,
			WindowStart: DefaultPrefetchStart,
			WindowEnd:   DefaultPrefetchEnd,
			Validity:    DefaultPrefetchValidity,
		},
		Visualizer: VisualizerConfig{
			WindowSize: DefaultWindowSize,
			Smoothing:  DefaultSmoothing,
			Gain:       DefaultGain,
		},
		Theme: Theme{
			Background:                "#1a1b25",
			Foreground:                "#a3aacb",
			Borders:                   "#40445b",
			Highlight:                 "#ff9d65",
			MutedVolume:               "#fe0702",
			HeaderBackground:          "#473533",
			TrackListHeaderBackground: "#3a3d4f",
			TrackListHeaderForeground: "#c8d0e8",
			HelpBackground:            "#322f45",
			HelpForeground:            "#9aa3c6",
			HelpHotkey:                "#ff9d65",
			GenreTagBackground:        "#3a3d4f",
			ModalBackground:           "#282a36",
			BassMeter:                 "#ff6e67",
			MidMeter:                  "#ffd866",
			HighMeter:                 "#78dce8",
		},
	}
}

func GetColor(colorStr string) tcell.Color {
	if colorStr == "" || colorStr == "default" {
		return tcell.ColorDefault
	}
	return tcell.GetColor(colorStr)
}
