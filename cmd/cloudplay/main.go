package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/glebovdev/cloudplay-cli/internal/analyzer"
	"github.com/glebovdev/cloudplay-cli/internal/api"
	"github.com/glebovdev/cloudplay-cli/internal/config"
	"github.com/glebovdev/cloudplay-cli/internal/fetcher"
	"github.com/glebovdev/cloudplay-cli/internal/history"
	"github.com/glebovdev/cloudplay-cli/internal/metrics"
	"github.com/glebovdev/cloudplay-cli/internal/player"
	"github.com/glebovdev/cloudplay-cli/internal/prefetch"
	"github.com/glebovdev/cloudplay-cli/internal/queue"
	"github.com/glebovdev/cloudplay-cli/internal/service"
	"github.com/glebovdev/cloudplay-cli/internal/timeout"
	"github.com/glebovdev/cloudplay-cli/internal/track"
	"github.com/glebovdev/cloudplay-cli/internal/ui"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	versionFlag  = flag.Bool("version", false, "Show version information")
	debugFlag    = flag.Bool("debug", false, "Enable debug logging")
	queueFlag    = flag.String("queue", "", "JSON file with the tracks to play (defaults to the last queue)")
	historyFlag  = flag.Bool("history", false, "Append the recently played tracks to the queue")
	autoplayFlag = flag.Bool("autoplay", true, "Start playing the first track on launch")
	metricsAddr  = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s v%s - %s\n\n", config.AppName, config.AppVersion, config.AppDescription)
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()

		configPath, err := config.GetConfigPath()
		if err == nil {
			if _, statErr := os.Stat(configPath); statErr == nil {
				fmt.Fprintf(os.Stderr, "\nConfig file: %s\n", configPath)
			} else {
				fmt.Fprintf(os.Stderr, "\nConfig file will be created on first use.\n")
			}
		}
		fmt.Fprintf(os.Stderr, "API token is read from $%s or the config file.\n", config.TokenEnvVar)
	}
}

func setupLogging(debug bool) {
	if !debug {
		// Avoid TUI corruption by only logging errors to /dev/null
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
		logFile, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0644)
		if err == nil {
			log.Logger = log.Output(logFile)
		}
		return
	}

	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	cacheDir, err := history.GetCacheDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not get cache dir: %v\n", err)
		cacheDir = os.TempDir()
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log dir: %v\n", err)
	}
	logPath := filepath.Join(cacheDir, "debug.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log file: %v\n", err)
		logFile = os.Stderr
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: logFile, TimeFormat: "15:04:05"})
	fmt.Printf("Debug log: %s\n", logPath)
	log.Info().Msgf("Starting %s v%s (debug mode)", config.AppName, config.AppVersion)

	if configPath, err := config.GetConfigPath(); err == nil {
		log.Debug().Msgf("Config: %s", configPath)
	}
	log.Debug().Msgf("Cache: %s", cacheDir)
}

// loadQueue reads the queue file and appends the playback history when asked.
// Without a file the history alone becomes the queue.
func loadQueue(cfg *config.Config, store *history.Store) (*queue.Queue, error) {
	var recent []track.Track
	if *historyFlag {
		if store == nil {
			return nil, fmt.Errorf("playback history is not available")
		}
		recent = store.Tracks()
	}

	path := *queueFlag
	if path == "" {
		path = cfg.LastQueue
	}
	if path == "" {
		if *historyFlag {
			return queue.New(recent), nil
		}
		return nil, fmt.Errorf("no queue file given, use -queue or -history")
	}

	q, err := queue.Load(path)
	if err != nil {
		return nil, err
	}
	q.Append(recent...)

	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if cfg.LastQueue != path {
		cfg.LastQueue = path
		if err := cfg.Save(); err != nil {
			log.Warn().Err(err).Msg("Failed to save config")
		}
	}
	return q, nil
}

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s v%s\n", config.AppName, config.AppVersion)
		fmt.Println(config.AppDescription)
		os.Exit(0)
	}

	setupLogging(*debugFlag)

	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
	}

	store, err := history.NewStore()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to open playback history")
		store = nil
	}
	var recorder service.Recorder
	if store != nil {
		recorder = store
		go func() {
			if err := store.CleanExpired(); err != nil {
				log.Debug().Err(err).Msg("Failed to clean expired history")
			}
		}()
	}

	q, err := loadQueue(cfg, store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		flag.Usage()
		os.Exit(2)
	}
	log.Debug().Int("tracks", q.Len()).Msg("Queue loaded")

	m := metrics.New()
	client := api.NewClient(cfg.APIRateLimit)

	policy, estimator := timeout.PolicyFromConfig(cfg.Stream)
	fetchOpts := fetcher.Options{Metrics: m}
	if estimator != nil {
		fetchOpts.Observer = estimator
	}
	streamFetcher := fetcher.New(client, fetchOpts)

	cloudPlayer := player.NewPlayer(streamFetcher, player.Options{
		Stream:      cfg.Stream,
		Policy:      policy,
		Dual:        analyzer.NewDual(cfg.Visualizer, int(player.DefaultSampleRate)),
		Metrics:     m,
		URLValidity: cfg.Prefetch.Validity,
	})

	prefetcher := prefetch.New(streamFetcher, prefetch.NewCache(cfg.Prefetch.Validity), cfg.Prefetch, m)

	playback := service.NewPlaybackService(cloudPlayer, q, service.Options{
		Tracks:     client,
		Prefetcher: prefetcher,
		History:    recorder,
		Metrics:    m,
		Token:      cfg.ResolveToken(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *metricsAddr != "" {
		go func() {
			if err := m.Serve(ctx, *metricsAddr); err != nil {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	startIndex := -1
	if *autoplayFlag {
		startIndex = 0
	}
	cloudUI := ui.NewUI(cloudPlayer, playback, cfg, startIndex)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	uiDone := make(chan error, 1)

	go func() {
		<-sigChan
		log.Info().Msg("Received shutdown signal, cleaning up...")
		cloudUI.Shutdown()
	}()

	log.Info().Msg("Starting UI...")

	// Run UI in a goroutine so we can handle signals properly
	go func() {
		uiDone <- cloudUI.Run()
	}()

	if err := <-uiDone; err != nil {
		log.Error().Err(err).Msg("Error running UI")
		playback.Stop()
		cancel()
		os.Exit(1)
	}

	// Ensure player is fully stopped before exiting
	playback.Stop()
	log.Info().Msg("CloudPlay CLI stopped")
}
